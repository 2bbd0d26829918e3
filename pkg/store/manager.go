package store

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/jmoiron/sqlx"
	"github.com/kabili207/meshrelay/pkg/bridge"

	_ "modernc.org/sqlite"
)

const (
	driverName = "sqlite"

	DefaultBusyTimeoutMS = 5000
	DefaultWorkers       = 2

	mainWorker = "main"
)

// ErrClosed is returned by operations on a closed Manager.
var ErrClosed = errors.New("storage manager closed")

// Config controls how the database is opened and every connection is tuned.
type Config struct {
	Path          string `mapstructure:"path" validate:"required"`
	EnableWAL     bool   `mapstructure:"enable_wal"`
	BusyTimeoutMS int    `mapstructure:"busy_timeout_ms" validate:"gte=0"`
	// Pragmas are applied after the built-in ones, sorted by name
	Pragmas map[string]any `mapstructure:"pragmas"`
	// Workers is the size of the pool behind ReadAsync/WriteAsync
	Workers int `mapstructure:"workers" validate:"gte=0"`
}

// DB is the handle passed to read and write callbacks: a pinned connection
// for reads, a transaction for writes.
type DB interface {
	sqlx.QueryerContext
	sqlx.ExecerContext
}

type pinnedConn struct {
	mu   sync.Mutex
	conn *sqlx.Conn
}

type workerCtxKey struct{}

// WithWorker pins operations made with the returned context to the named
// connection. Pool workers are pinned automatically.
func WithWorker(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, workerCtxKey{}, key)
}

func workerKey(ctx context.Context) string {
	if id := bridge.WorkerID(ctx); id != "" {
		return id
	}
	if key, _ := ctx.Value(workerCtxKey{}).(string); key != "" {
		return key
	}
	return mainWorker
}

// Manager hands each worker its own SQLite connection and serializes writes
// across all of them. Reads take no cross-worker lock.
type Manager struct {
	cfg  Config
	log  *slog.Logger
	db   *sqlx.DB
	pool *bridge.Pool

	// writeMu serializes writes and connection setup process-wide
	writeMu sync.Mutex

	mu     sync.Mutex
	conns  map[string]*pinnedConn
	closed bool
}

// New opens the database handle without touching the file. Connections are
// created on first use; call Ping to surface configuration errors early.
func New(cfg Config, log *slog.Logger) (*Manager, error) {
	if log == nil {
		log = slog.Default()
	}
	if cfg.Path == "" {
		return nil, errors.New("database path is required")
	}
	if cfg.BusyTimeoutMS <= 0 {
		cfg.BusyTimeoutMS = DefaultBusyTimeoutMS
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}

	db, err := sqlx.Open(driverName, cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	log = log.With("component", "store")
	return &Manager{
		cfg:   cfg,
		log:   log,
		db:    db,
		pool:  bridge.NewPool(log, "store", cfg.Workers),
		conns: make(map[string]*pinnedConn),
	}, nil
}

// Open runs migrations and verifies a connection can be configured.
func Open(ctx context.Context, cfg Config, log *slog.Logger) (*Manager, error) {
	m, err := New(cfg, log)
	if err != nil {
		return nil, err
	}
	if err := Migrate(cfg.Path, m.log); err != nil {
		_ = m.Close()
		return nil, err
	}
	if err := m.Ping(ctx); err != nil {
		_ = m.Close()
		return nil, err
	}
	return m, nil
}

// Ping checks out the caller's connection, configuring it if needed.
func (m *Manager) Ping(ctx context.Context) error {
	return m.Read(ctx, func(ctx context.Context, db DB) error {
		var one int
		return sqlx.GetContext(ctx, db, &one, "SELECT 1")
	})
}

// acquire returns the caller's connection locked. The caller must unlock it.
func (m *Manager) acquire(ctx context.Context) (*pinnedConn, error) {
	key := workerKey(ctx)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	pc, ok := m.conns[key]
	if !ok {
		pc = &pinnedConn{}
		m.conns[key] = pc
	}
	m.mu.Unlock()

	pc.mu.Lock()
	if pc.conn == nil {
		conn, err := m.open(ctx)
		if err != nil {
			pc.mu.Unlock()
			return nil, err
		}
		pc.conn = conn
		m.log.Debug("opened connection", "worker", key)
	}
	return pc, nil
}

func (m *Manager) open(ctx context.Context) (*sqlx.Conn, error) {
	conn, err := m.db.Connx(ctx)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	stmts, err := m.cfg.setupStatements()
	if err != nil {
		discard(conn)
		return nil, err
	}
	for _, stmt := range stmts {
		if _, err := conn.ExecContext(ctx, stmt); err != nil {
			discard(conn)
			return nil, fmt.Errorf("configure connection (%s): %w", stmt, err)
		}
	}
	return conn, nil
}

// discard closes the physical connection instead of returning it to the pool
// half configured.
func discard(conn *sqlx.Conn) {
	_ = conn.Raw(func(any) error { return driver.ErrBadConn })
	_ = conn.Close()
}

// Read runs fn on the caller's pinned connection.
func (m *Manager) Read(ctx context.Context, fn func(context.Context, DB) error) error {
	pc, err := m.acquire(ctx)
	if err != nil {
		return err
	}
	defer pc.mu.Unlock()
	return fn(ctx, pc.conn)
}

// Write runs fn in a transaction under the write lock. The transaction is
// committed when fn returns nil and rolled back otherwise; a panic in fn
// rolls back and is re-raised.
func (m *Manager) Write(ctx context.Context, fn func(context.Context, DB) error) (err error) {
	pc, err := m.acquire(ctx)
	if err != nil {
		return err
	}
	defer pc.mu.Unlock()

	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	tx, err := pc.conn.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(ctx, tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			m.log.Warn("rollback failed", "error", rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Async runs fn on a storage worker. Store calls made inside fn use that
// worker's pinned connection.
func Async[T any](ctx context.Context, m *Manager, fn func(context.Context) (T, error)) *bridge.Future[T] {
	return bridge.Submit(ctx, m.pool, fn)
}

// ReadAsync runs a read on a storage worker.
func ReadAsync[T any](ctx context.Context, m *Manager, fn func(context.Context, DB) (T, error)) *bridge.Future[T] {
	return Async(ctx, m, func(ctx context.Context) (T, error) {
		var out T
		err := m.Read(ctx, func(ctx context.Context, db DB) error {
			var err error
			out, err = fn(ctx, db)
			return err
		})
		return out, err
	})
}

// WriteAsync runs a write on a storage worker.
func WriteAsync[T any](ctx context.Context, m *Manager, fn func(context.Context, DB) (T, error)) *bridge.Future[T] {
	return Async(ctx, m, func(ctx context.Context) (T, error) {
		var out T
		err := m.Write(ctx, func(ctx context.Context, db DB) error {
			var err error
			out, err = fn(ctx, db)
			return err
		})
		return out, err
	})
}

// Connections returns the number of open pinned connections.
func (m *Manager) Connections() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, pc := range m.conns {
		pc.mu.Lock()
		if pc.conn != nil {
			n++
		}
		pc.mu.Unlock()
	}
	return n
}

// Close drains the worker pool and closes every tracked connection. Failures
// are collected rather than stopping the teardown. Later calls are no-ops.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	conns := m.conns
	m.conns = make(map[string]*pinnedConn)
	m.mu.Unlock()

	m.pool.Close()

	var result *multierror.Error
	for key, pc := range conns {
		pc.mu.Lock()
		if pc.conn != nil {
			if err := pc.conn.Close(); err != nil {
				result = multierror.Append(result, fmt.Errorf("close connection %s: %w", key, err))
			}
			pc.conn = nil
		}
		pc.mu.Unlock()
	}
	if err := m.db.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("close database: %w", err))
	}
	return result.ErrorOrNil()
}
