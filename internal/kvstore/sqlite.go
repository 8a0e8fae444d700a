package kvstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS kv (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL DEFAULT '',
	int_value INTEGER NOT NULL DEFAULT 0,
	expires_at INTEGER
);`

// SQLite implements collab.KV over a pure-Go sqlite database, for
// single-process deployments that don't want a Redis dependency. Grounded
// on the teacher's internal/store/sqlite.go connection setup (WAL mode,
// busy_timeout, single open connection to avoid SQLITE_BUSY under the
// driver's lack of real concurrent writers).
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens dbPath and ensures the kv table exists.
func NewSQLite(dbPath string) (*SQLite, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create kv schema: %w", err)
	}

	return &SQLite{db: db}, nil
}

// Close releases the underlying database handle.
func (s *SQLite) Close() error { return s.db.Close() }

func (s *SQLite) expired(ctx context.Context, key string) bool {
	var expiresAt sql.NullInt64
	err := s.db.QueryRowContext(ctx, "SELECT expires_at FROM kv WHERE key = ?", key).Scan(&expiresAt)
	if err != nil {
		return false
	}
	if !expiresAt.Valid || expiresAt.Int64 == 0 {
		return false
	}
	if time.Now().Unix() < expiresAt.Int64 {
		return false
	}
	_, _ = s.db.ExecContext(ctx, "DELETE FROM kv WHERE key = ?", key)
	return true
}

// Incr implements collab.KV.
func (s *SQLite) Incr(ctx context.Context, key string) (int64, error) {
	s.expired(ctx, key)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO kv (key, int_value) VALUES (?, 1)
		 ON CONFLICT(key) DO UPDATE SET int_value = int_value + 1`, key)
	if err != nil {
		return 0, err
	}
	var n int64
	if err := s.db.QueryRowContext(ctx, "SELECT int_value FROM kv WHERE key = ?", key).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

// Expire implements collab.KV.
func (s *SQLite) Expire(ctx context.Context, key string, ttl time.Duration) error {
	_, err := s.db.ExecContext(ctx, "UPDATE kv SET expires_at = ? WHERE key = ?",
		time.Now().Add(ttl).Unix(), key)
	return err
}

// Get implements collab.KV.
func (s *SQLite) Get(ctx context.Context, key string) (string, bool, error) {
	if s.expired(ctx, key) {
		return "", false, nil
	}
	var value string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM kv WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

// Del implements collab.KV.
func (s *SQLite) Del(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM kv WHERE key = ?", key)
	return err
}

// SetEx implements collab.KV. ttl of zero means no expiry.
func (s *SQLite) SetEx(ctx context.Context, key, value string, ttl time.Duration) error {
	var expiresAt int64
	if ttl > 0 {
		expiresAt = time.Now().Add(ttl).Unix()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO kv (key, value, expires_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at`,
		key, value, expiresAt)
	return err
}
