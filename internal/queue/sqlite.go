package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"
)

// SQLStorage persists queue contents in a local SQLite database, one row per
// queue key. This is what lets a queued editing session survive a process
// restart.
type SQLStorage struct {
	db *sql.DB
}

func OpenSQLStorage(path string) (*SQLStorage, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open queue db: %w", err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		db.Close()
		return nil, fmt.Errorf("set journal mode: %w", err)
	}
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS offline_queue (
			key        TEXT PRIMARY KEY,
			ops        BLOB NOT NULL,
			updated_at INTEGER NOT NULL
		)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create queue table: %w", err)
	}
	return &SQLStorage{db: db}, nil
}

func (s *SQLStorage) Save(ctx context.Context, key string, ops []QueuedOperation) error {
	blob, err := json.Marshal(ops)
	if err != nil {
		return fmt.Errorf("encode queue: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO offline_queue (key, ops, updated_at) VALUES (?, ?, unixepoch())
		ON CONFLICT(key) DO UPDATE SET ops = excluded.ops, updated_at = excluded.updated_at`,
		key, blob)
	if err != nil {
		return fmt.Errorf("save queue %q: %w", key, err)
	}
	return nil
}

func (s *SQLStorage) Load(ctx context.Context, key string) ([]QueuedOperation, error) {
	var blob []byte
	err := s.db.QueryRowContext(ctx, `SELECT ops FROM offline_queue WHERE key = ?`, key).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load queue %q: %w", key, err)
	}
	var ops []QueuedOperation
	if err := json.Unmarshal(blob, &ops); err != nil {
		return nil, fmt.Errorf("decode queue %q: %w", key, err)
	}
	return ops, nil
}

func (s *SQLStorage) Close() error {
	return s.db.Close()
}
