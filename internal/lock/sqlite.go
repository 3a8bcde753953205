package lock

import (
	"context"
	"database/sql"
	"time"
)

// EnsureSchema creates the locks table if it doesn't exist.
func EnsureSchema(db *sql.DB) error {
	_, err := db.Exec(`
CREATE TABLE IF NOT EXISTS locks (
  key TEXT PRIMARY KEY,
  holder TEXT NOT NULL,
  acquired_at INTEGER NOT NULL,
  expires_at INTEGER NOT NULL
);`)
	return err
}

type SQLite struct {
	db  *sql.DB
	now func() time.Time
}

func NewSQLite(db *sql.DB) *SQLite { return &SQLite{db: db, now: time.Now} }

func (l *SQLite) Acquire(ctx context.Context, key, holder string, ttl time.Duration) (bool, error) {
	now := l.now()
	// Single statement: insert, or take over a row whose lease ran out.
	res, err := l.db.ExecContext(ctx, `
INSERT INTO locks (key, holder, acquired_at, expires_at) VALUES (?,?,?,?)
ON CONFLICT(key) DO UPDATE SET
  holder=excluded.holder, acquired_at=excluded.acquired_at, expires_at=excluded.expires_at
WHERE locks.expires_at <= excluded.acquired_at`,
		key, holder, now.UnixMilli(), now.Add(ttl).UnixMilli())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (l *SQLite) Renew(ctx context.Context, key, holder string, ttl time.Duration) (bool, error) {
	now := l.now()
	res, err := l.db.ExecContext(ctx, `
UPDATE locks SET expires_at=? WHERE key=? AND holder=? AND expires_at > ?`,
		now.Add(ttl).UnixMilli(), key, holder, now.UnixMilli())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (l *SQLite) Release(ctx context.Context, key string) error {
	_, err := l.db.ExecContext(ctx, `DELETE FROM locks WHERE key=?`, key)
	return err
}
