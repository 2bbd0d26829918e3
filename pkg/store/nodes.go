package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/kabili207/meshrelay/pkg/models"
)

var selectNodes = `SELECT * FROM nodes`

// NodeStore provides database operations for mesh nodes.
type NodeStore interface {
	// Get retrieves a node by meshnet and node ID, or nil if unknown.
	Get(ctx context.Context, meshnet, nodeID string) (*models.Node, error)
	// Save inserts or merges a node. Unset fields keep their stored values.
	Save(ctx context.Context, node *models.Node) error
	// All retrieves every node heard on a meshnet.
	All(ctx context.Context, meshnet string) ([]*models.Node, error)
	// Count returns the number of known nodes across all meshnets.
	Count(ctx context.Context) (int, error)
}

type sqliteNodeStore struct {
	m *Manager
}

// NewNodeStore creates a node store backed by the storage manager.
func NewNodeStore(m *Manager) NodeStore {
	return &sqliteNodeStore{m: m}
}

func (s *sqliteNodeStore) Get(ctx context.Context, meshnet, nodeID string) (*models.Node, error) {
	var node models.Node
	err := s.m.Read(ctx, func(ctx context.Context, db DB) error {
		return sqlx.GetContext(ctx, db, &node, selectNodes+" WHERE meshnet_name = ? AND node_id = ?;", meshnet, nodeID)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &node, nil
}

func (s *sqliteNodeStore) Save(ctx context.Context, node *models.Node) error {
	stmt := `
	INSERT INTO nodes (node_id, meshnet_name, long_name, short_name, public_key,
		latitude, longitude, altitude, battery_level, voltage,
		channel_utilization, air_util_tx, snr, last_heard)
	VALUES (:node_id, :meshnet_name, :long_name, :short_name, :public_key,
		:latitude, :longitude, :altitude, :battery_level, :voltage,
		:channel_utilization, :air_util_tx, :snr, :last_heard)
	ON CONFLICT (node_id, meshnet_name)
	DO UPDATE SET
		long_name = CASE WHEN excluded.long_name <> '' THEN excluded.long_name ELSE nodes.long_name END,
		short_name = CASE WHEN excluded.short_name <> '' THEN excluded.short_name ELSE nodes.short_name END,
		public_key = COALESCE(excluded.public_key, nodes.public_key),
		latitude = COALESCE(excluded.latitude, nodes.latitude),
		longitude = COALESCE(excluded.longitude, nodes.longitude),
		altitude = COALESCE(excluded.altitude, nodes.altitude),
		battery_level = COALESCE(excluded.battery_level, nodes.battery_level),
		voltage = COALESCE(excluded.voltage, nodes.voltage),
		channel_utilization = COALESCE(excluded.channel_utilization, nodes.channel_utilization),
		air_util_tx = COALESCE(excluded.air_util_tx, nodes.air_util_tx),
		snr = COALESCE(excluded.snr, nodes.snr),
		last_heard = excluded.last_heard
	;`

	if node.MeshnetName == "" {
		node.MeshnetName = models.DefaultMeshnetName
	}
	if node.LastHeard.IsZero() {
		node.LastHeard = time.Now().UTC()
	}
	return s.m.Write(ctx, func(ctx context.Context, db DB) error {
		return namedExec(ctx, db, stmt, node)
	})
}

func (s *sqliteNodeStore) All(ctx context.Context, meshnet string) ([]*models.Node, error) {
	nodes := []*models.Node{}
	err := s.m.Read(ctx, func(ctx context.Context, db DB) error {
		return sqlx.SelectContext(ctx, db, &nodes, selectNodes+" WHERE meshnet_name = ? ORDER BY last_heard DESC;", meshnet)
	})
	if err != nil {
		return nil, err
	}
	return nodes, nil
}

func (s *sqliteNodeStore) Count(ctx context.Context) (int, error) {
	var n int
	err := s.m.Read(ctx, func(ctx context.Context, db DB) error {
		return sqlx.GetContext(ctx, db, &n, `SELECT COUNT(*) FROM nodes;`)
	})
	return n, err
}

func namedExec(ctx context.Context, db DB, stmt string, arg any) error {
	query, args, err := sqlx.Named(stmt, arg)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, query, args...)
	return err
}
