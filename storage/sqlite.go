// Copyright 2026 The Trestle Authors
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/trestle-bridge/trestle/lib/ref"
	"github.com/trestle-bridge/trestle/lib/sqlitepool"
	"github.com/trestle-bridge/trestle/messaging"
)

const schema = `
CREATE TABLE IF NOT EXISTS seen_events (
	room_id  TEXT NOT NULL,
	event_id TEXT NOT NULL,
	PRIMARY KEY (room_id, event_id)
);
CREATE TABLE IF NOT EXISTS feed_guids (
	feed_url TEXT    NOT NULL,
	guid     TEXT    NOT NULL,
	added_at INTEGER NOT NULL,
	PRIMARY KEY (feed_url, guid)
);
CREATE INDEX IF NOT EXISTS feed_guids_by_age ON feed_guids (feed_url, added_at);
CREATE TABLE IF NOT EXISTS room_snapshots (
	room_id  TEXT PRIMARY KEY,
	taken_at INTEGER NOT NULL,
	payload  BLOB NOT NULL
);
`

// SQLiteProvider is the production Provider, backed by a single local
// SQLite file.
type SQLiteProvider struct {
	pool   *sqlitepool.Pool
	logger *slog.Logger
}

var _ Provider = (*SQLiteProvider)(nil)

// OpenSQLite opens (creating if needed) the bridge database at path.
func OpenSQLite(path string, poolSize int, logger *slog.Logger) (*SQLiteProvider, error) {
	if logger == nil {
		logger = slog.Default()
	}
	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:     path,
		PoolSize: poolSize,
		Logger:   logger,
		OnConnect: func(conn *sqlite.Conn) error {
			return sqlitex.ExecuteScript(conn, schema, nil)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}
	return &SQLiteProvider{pool: pool, logger: logger}, nil
}

func (s *SQLiteProvider) Close() error {
	return s.pool.Close()
}

func (s *SQLiteProvider) MarkEventSeen(ctx context.Context, roomID ref.RoomID, eventID string) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn,
		`INSERT OR IGNORE INTO seen_events (room_id, event_id) VALUES (?, ?)`,
		&sqlitex.ExecOptions{Args: []any{roomID.String(), eventID}})
	if err != nil {
		return fmt.Errorf("storage: marking event seen: %w", err)
	}
	return nil
}

func (s *SQLiteProvider) WasEventSeen(ctx context.Context, roomID ref.RoomID, eventID string) (bool, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return false, err
	}
	defer s.pool.Put(conn)

	seen := false
	err = sqlitex.Execute(conn,
		`SELECT 1 FROM seen_events WHERE room_id = ? AND event_id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{roomID.String(), eventID},
			ResultFunc: func(*sqlite.Stmt) error {
				seen = true
				return nil
			},
		})
	if err != nil {
		return false, fmt.Errorf("storage: checking event seen: %w", err)
	}
	return seen, nil
}

func (s *SQLiteProvider) StoreFeedGUIDs(ctx context.Context, feedURL string, guids []string) error {
	if len(guids) == 0 {
		return nil
	}
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	endFn, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("storage: beginning feed transaction: %w", err)
	}
	defer endFn(&err)

	now := time.Now().UnixMilli()
	for _, guid := range guids {
		err = sqlitex.Execute(conn,
			`INSERT OR REPLACE INTO feed_guids (feed_url, guid, added_at) VALUES (?, ?, ?)`,
			&sqlitex.ExecOptions{Args: []any{feedURL, guid, now}})
		if err != nil {
			return fmt.Errorf("storage: storing feed guid: %w", err)
		}
	}

	// Trim delivered entries beyond the retention window.
	err = sqlitex.Execute(conn,
		`DELETE FROM feed_guids WHERE feed_url = ? AND guid NOT IN (
			SELECT guid FROM feed_guids WHERE feed_url = ?
			ORDER BY added_at DESC LIMIT ?)`,
		&sqlitex.ExecOptions{Args: []any{feedURL, feedURL, feedGUIDRetention}})
	if err != nil {
		return fmt.Errorf("storage: trimming feed guids: %w", err)
	}
	return nil
}

func (s *SQLiteProvider) HasSeenFeedGUID(ctx context.Context, feedURL, guid string) (bool, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return false, err
	}
	defer s.pool.Put(conn)

	seen := false
	err = sqlitex.Execute(conn,
		`SELECT 1 FROM feed_guids WHERE feed_url = ? AND guid = ?`,
		&sqlitex.ExecOptions{
			Args: []any{feedURL, guid},
			ResultFunc: func(*sqlite.Stmt) error {
				seen = true
				return nil
			},
		})
	if err != nil {
		return false, fmt.Errorf("storage: checking feed guid: %w", err)
	}
	return seen, nil
}

func (s *SQLiteProvider) SetRoomSnapshot(ctx context.Context, roomID ref.RoomID, events []messaging.Event) error {
	payload, err := encodeSnapshot(events)
	if err != nil {
		return err
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn,
		`INSERT OR REPLACE INTO room_snapshots (room_id, taken_at, payload) VALUES (?, ?, ?)`,
		&sqlitex.ExecOptions{Args: []any{roomID.String(), time.Now().UnixMilli(), payload}})
	if err != nil {
		return fmt.Errorf("storage: storing room snapshot: %w", err)
	}
	return nil
}

func (s *SQLiteProvider) RoomSnapshot(ctx context.Context, roomID ref.RoomID) ([]messaging.Event, bool, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, false, err
	}
	defer s.pool.Put(conn)

	var payload []byte
	err = sqlitex.Execute(conn,
		`SELECT payload FROM room_snapshots WHERE room_id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{roomID.String()},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				payload = make([]byte, stmt.ColumnLen(0))
				stmt.ColumnBytes(0, payload)
				return nil
			},
		})
	if err != nil {
		return nil, false, fmt.Errorf("storage: reading room snapshot: %w", err)
	}
	if payload == nil {
		return nil, false, nil
	}
	events, err := decodeSnapshot(payload)
	if err != nil {
		return nil, false, err
	}
	return events, true, nil
}
