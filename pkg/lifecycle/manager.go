package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc/panics"

	"github.com/kabili207/meshrelay/pkg/bridge"
	"github.com/kabili207/meshrelay/pkg/metrics"
	"github.com/kabili207/meshrelay/pkg/radio"
)

var (
	// ErrNoBackend is returned when the registry has no active backend.
	ErrNoBackend = errors.New("no active radio backend")
	// ErrShuttingDown is returned for work requested after Shutdown.
	ErrShuttingDown = errors.New("lifecycle manager shutting down")
)

// ProgressReporter is told about each scheduled reconnect attempt. It is
// called off the reconnect path, so a slow or panicking reporter cannot
// stall reconnection.
type ProgressReporter func(attempt int, delay time.Duration)

// Manager owns the connection state of the registry's active backend.
type Manager struct {
	cfg      Config
	log      *slog.Logger
	registry *radio.Registry
	pool     *bridge.Pool

	state        atomic.Int32
	reconnecting atomic.Bool
	shuttingDown atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	observers []func(State)
	reporter  ProgressReporter
	lastError error
	lastProbe time.Time
}

func NewManager(cfg Config, registry *radio.Registry, log *slog.Logger) *Manager {
	cfg.Validate()
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "lifecycle")
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		cfg:      cfg,
		log:      log,
		registry: registry,
		pool:     bridge.NewPool(log, "radio", 2),
		ctx:      ctx,
		cancel:   cancel,
	}
	m.state.Store(int32(StateDisconnected))
	return m
}

func (m *Manager) State() State {
	return State(m.state.Load())
}

func (m *Manager) IsReconnecting() bool { return m.reconnecting.Load() }
func (m *Manager) IsShuttingDown() bool { return m.shuttingDown.Load() }

// LastError returns the most recent connect or health failure.
func (m *Manager) LastError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastError
}

// LastProbe returns when the link was last confirmed healthy.
func (m *Manager) LastProbe() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastProbe
}

// OnStateChange registers fn to be called on every state transition.
func (m *Manager) OnStateChange(fn func(State)) {
	if fn == nil {
		return
	}
	m.mu.Lock()
	m.observers = append(m.observers, fn)
	m.mu.Unlock()
}

func (m *Manager) SetProgressReporter(r ProgressReporter) {
	m.mu.Lock()
	m.reporter = r
	m.mu.Unlock()
}

func (m *Manager) setState(s State) {
	m.notifyState(State(m.state.Swap(int32(s))), s)
}

// commitState sets s unless Shutdown has begun. Shutdown flips its flag
// under m.mu, so the two cannot interleave.
func (m *Manager) commitState(s State) bool {
	m.mu.Lock()
	if m.shuttingDown.Load() {
		m.mu.Unlock()
		return false
	}
	prev := State(m.state.Swap(int32(s)))
	m.mu.Unlock()
	m.notifyState(prev, s)
	return true
}

func (m *Manager) notifyState(prev, s State) {
	if prev == s {
		return
	}
	metrics.RadioState.Set(float64(s))
	m.log.Debug("radio state changed", "state", s)

	m.mu.Lock()
	observers := append(([]func(State))(nil), m.observers...)
	m.mu.Unlock()
	for _, fn := range observers {
		var pc panics.Catcher
		pc.Try(func() { fn(s) })
		if r := pc.Recovered(); r != nil {
			m.log.Warn("state observer panicked", "panic", fmt.Sprint(r.Value))
		}
	}
}

func (m *Manager) recordError(err error) {
	m.mu.Lock()
	m.lastError = err
	m.mu.Unlock()
}

// Connect connects the active backend, bounded by the connect timeout. The
// backend call runs on a radio worker, never on the caller's goroutine.
func (m *Manager) Connect(ctx context.Context) error {
	if m.shuttingDown.Load() {
		return ErrShuttingDown
	}
	b := m.registry.Active()
	if b == nil {
		return ErrNoBackend
	}
	if n, ok := b.(radio.DisconnectNotifier); ok {
		n.SetDisconnectHandler(m.onDisconnect)
	}

	if !m.reconnecting.Load() {
		m.setState(StateConnecting)
	}
	cctx, cancel := context.WithTimeout(ctx, m.cfg.ConnectTimeout)
	defer cancel()

	_, err := bridge.Run(cctx, m.pool, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, b.Connect(ctx, m.cfg.Radio)
	})
	if err != nil {
		m.recordError(err)
		if !m.reconnecting.Load() {
			m.commitState(StateDisconnected)
		}
		return fmt.Errorf("connect %s: %w", b.Name(), err)
	}

	m.recordError(nil)
	if !m.commitState(StateConnected) {
		// Shutdown started while the backend was connecting
		if err := b.Disconnect(); err != nil {
			m.log.Debug("error disconnecting radio after shutdown", "error", err)
		}
		return ErrShuttingDown
	}
	m.log.Info("radio connected", "backend", b.Name())
	return nil
}

func (m *Manager) onDisconnect(err error) {
	if m.shuttingDown.Load() {
		return
	}
	m.log.Warn("radio reported connection loss", "error", err)
	m.recordError(err)
	m.TriggerReconnect(err)
}

// Run performs health checks every heartbeat interval until ctx is cancelled
// or Shutdown is called.
func (m *Manager) Run(ctx context.Context) error {
	if !m.track() {
		return nil
	}
	defer m.wg.Done()

	if !m.cfg.Health.Enabled {
		m.log.Debug("health checks disabled")
		select {
		case <-ctx.Done():
		case <-m.ctx.Done():
		}
		return nil
	}

	ticker := time.NewTicker(m.cfg.Health.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-m.ctx.Done():
			return nil
		case <-ticker.C:
			m.CheckHealth(ctx)
		}
	}
}

// CheckHealth runs a single health check and starts a reconnect if the link
// is found dead.
func (m *Manager) CheckHealth(ctx context.Context) {
	if m.shuttingDown.Load() {
		return
	}
	if m.reconnecting.Load() {
		m.log.Debug("reconnect in progress, skipping health check")
		return
	}
	b := m.registry.Active()
	if b == nil || !b.IsConnected() {
		m.log.Debug("no connected radio, skipping health check")
		return
	}
	if radio.NotifiesDisconnect(b) {
		m.log.Debug("skipping probe, relying on real-time disconnect detection", "backend", b.Name())
		return
	}

	err := m.probe(ctx, b)
	switch {
	case err == nil:
		m.markHealthy()
		m.log.Debug("health check passed", "backend", b.Name())
	case errors.Is(err, radio.ErrProbeUnparsed):
		m.markHealthy()
		m.log.Debug("probe reply could not be parsed, connection is alive", "backend", b.Name())
	default:
		metrics.HealthCheckFailuresTotal.Inc()
		m.recordError(err)
		m.log.Warn("health check failed", "backend", b.Name(), "error", err)
		m.TriggerReconnect(err)
	}
}

func (m *Manager) markHealthy() {
	m.mu.Lock()
	m.lastProbe = time.Now()
	m.mu.Unlock()
}

func (m *Manager) probe(ctx context.Context, b radio.Backend) error {
	p, ok := b.(radio.Prober)
	if !ok {
		if !b.IsConnected() {
			return radio.ErrNotConnected
		}
		return nil
	}

	pctx, cancel := context.WithTimeout(ctx, m.cfg.Health.ProbeTimeout)
	defer cancel()
	_, err := bridge.Run(pctx, m.pool, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, p.Probe(ctx)
	})
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		return fmt.Errorf("probe timed out after %s", m.cfg.Health.ProbeTimeout)
	}
	return err
}

// TriggerReconnect starts a background reconnect. It returns false when one
// is already running or the manager is shutting down.
func (m *Manager) TriggerReconnect(reason error) bool {
	if m.shuttingDown.Load() {
		return false
	}
	if !m.reconnecting.CompareAndSwap(false, true) {
		m.log.Debug("reconnect already in progress")
		return false
	}
	if !m.track() {
		m.reconnecting.Store(false)
		return false
	}

	go func() {
		defer m.wg.Done()
		defer m.reconnecting.Store(false)
		m.reconnect(m.ctx, reason)
	}()
	return true
}

// track registers a background task unless shutdown has begun.
func (m *Manager) track() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.shuttingDown.Load() {
		return false
	}
	m.wg.Add(1)
	return true
}

func (m *Manager) reconnect(ctx context.Context, reason error) {
	m.setState(StateReconnecting)
	m.log.Warn("reconnecting radio", "reason", reason)

	if b := m.registry.Active(); b != nil {
		if err := b.Disconnect(); err != nil {
			m.log.Debug("error tearing down stale connection", "error", err)
		}
	}

	policy := m.cfg.Reconnect.NewBackoff()
	for attempt := 1; ; attempt++ {
		delay := policy.NextBackOff()
		m.reportProgress(attempt, delay)
		m.log.Info("waiting before reconnect", "attempt", attempt, "delay", delay)

		if !m.wait(ctx, delay) {
			m.log.Debug("reconnect abandoned for shutdown")
			return
		}

		metrics.ReconnectAttemptsTotal.Inc()
		err := m.Connect(ctx)
		if err == nil {
			m.log.Info("radio reconnected", "attempt", attempt)
			return
		}
		if m.shuttingDown.Load() || ctx.Err() != nil {
			return
		}

		var pe *bridge.PanicError
		if errors.As(err, &pe) {
			m.log.Error("reconnect attempt panicked", "attempt", attempt, "panic", fmt.Sprint(pe.Value), "stack", string(pe.Stack))
		} else {
			m.log.Error("reconnect attempt failed", "attempt", attempt, "error", err)
		}
	}
}

// wait sleeps for d, checking for shutdown every poll interval. It returns
// false if the wait was cut short.
func (m *Manager) wait(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	poll := time.NewTicker(m.cfg.Reconnect.PollInterval)
	defer poll.Stop()

	for {
		select {
		case <-ctx.Done():
			return false
		case <-timer.C:
			return !m.shuttingDown.Load()
		case <-poll.C:
			if m.shuttingDown.Load() {
				return false
			}
		}
	}
}

func (m *Manager) reportProgress(attempt int, delay time.Duration) {
	m.mu.Lock()
	r := m.reporter
	m.mu.Unlock()
	if r == nil {
		return
	}
	bridge.Go(m.ctx, m.log, "reconnect progress", func(context.Context) error {
		r(attempt, delay)
		return nil
	})
}

// Shutdown stops health checks and any reconnect in progress, then
// disconnects the active backend. Waiting for background work is bounded by
// ctx. Calling it more than once is a no-op.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if !m.shuttingDown.CompareAndSwap(false, true) {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()
	m.cancel()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		m.log.Warn("timed out waiting for lifecycle tasks to stop")
	}

	m.setState(StateShuttingDown)

	var err error
	if b := m.registry.Active(); b != nil {
		if err = b.Disconnect(); err != nil {
			err = fmt.Errorf("disconnect %s: %w", b.Name(), err)
		}
	}

	// a backend call that ignores cancellation must not hold up exit
	go m.pool.Close()
	return err
}
