package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/kimhsiao/worktally/internal/db"
)

// SQLiteStore persists values in the kv table of the local SQLite database.
type SQLiteStore struct {
	db *db.DB
}

// OpenSQLite opens (and migrates) the database under dataDir.
func OpenSQLite(dataDir string) (*SQLiteStore, error) {
	d, err := db.Open(dataDir)
	if err != nil {
		return nil, err
	}
	return &SQLiteStore{db: d}, nil
}

func (s *SQLiteStore) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM kv WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

func (s *SQLiteStore) Set(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UnixMilli())
	return err
}

func (s *SQLiteStore) Remove(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM kv WHERE key = ?", key)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
