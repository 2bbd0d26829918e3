package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/kabili207/meshrelay/pkg/models"
)

var selectMessageMap = `SELECT * FROM message_map`

// MessageMapStore links radio message IDs to chat event IDs.
type MessageMapStore interface {
	// GetByRadioID retrieves the mapping for a radio message, or nil.
	GetByRadioID(ctx context.Context, meshnet, radioID string) (*models.MessageMap, error)
	// GetByChatID retrieves the mapping for a chat event, or nil.
	GetByChatID(ctx context.Context, chatID string) (*models.MessageMap, error)
	// Save inserts or replaces a mapping.
	Save(ctx context.Context, mm *models.MessageMap) error
	// Prune deletes all but the newest maxEntries mappings. A maxEntries of
	// zero or less keeps everything.
	Prune(ctx context.Context, maxEntries int) (int64, error)
}

type sqliteMessageMapStore struct {
	m *Manager
}

// NewMessageMapStore creates a message map store backed by the storage manager.
func NewMessageMapStore(m *Manager) MessageMapStore {
	return &sqliteMessageMapStore{m: m}
}

func (s *sqliteMessageMapStore) GetByRadioID(ctx context.Context, meshnet, radioID string) (*models.MessageMap, error) {
	return s.getOne(ctx, selectMessageMap+" WHERE meshnet_name = ? AND radio_id = ?;", meshnet, radioID)
}

func (s *sqliteMessageMapStore) GetByChatID(ctx context.Context, chatID string) (*models.MessageMap, error) {
	return s.getOne(ctx, selectMessageMap+" WHERE chat_id = ? ORDER BY created DESC LIMIT 1;", chatID)
}

func (s *sqliteMessageMapStore) getOne(ctx context.Context, query string, args ...any) (*models.MessageMap, error) {
	var mm models.MessageMap
	err := s.m.Read(ctx, func(ctx context.Context, db DB) error {
		return sqlx.GetContext(ctx, db, &mm, query, args...)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &mm, nil
}

func (s *sqliteMessageMapStore) Save(ctx context.Context, mm *models.MessageMap) error {
	stmt := `
	INSERT INTO message_map (radio_id, chat_id, chat_room, meshnet_name, text, created)
	VALUES (:radio_id, :chat_id, :chat_room, :meshnet_name, :text, :created)
	ON CONFLICT (radio_id, meshnet_name)
	DO UPDATE SET
		chat_id = excluded.chat_id,
		chat_room = excluded.chat_room,
		text = excluded.text,
		created = excluded.created
	;`

	if mm.MeshnetName == "" {
		mm.MeshnetName = models.DefaultMeshnetName
	}
	if mm.Created.IsZero() {
		mm.Created = time.Now().UTC()
	}
	return s.m.Write(ctx, func(ctx context.Context, db DB) error {
		return namedExec(ctx, db, stmt, mm)
	})
}

func (s *sqliteMessageMapStore) Prune(ctx context.Context, maxEntries int) (int64, error) {
	if maxEntries <= 0 {
		return 0, nil
	}
	stmt := `
	DELETE FROM message_map WHERE rowid NOT IN (
		SELECT rowid FROM message_map ORDER BY created DESC, rowid DESC LIMIT ?
	);`

	var deleted int64
	err := s.m.Write(ctx, func(ctx context.Context, db DB) error {
		res, err := db.ExecContext(ctx, stmt, maxEntries)
		if err != nil {
			return err
		}
		deleted, err = res.RowsAffected()
		return err
	})
	return deleted, err
}
