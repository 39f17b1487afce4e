// Package tokenstore implements the centralized token record store shared
// by every actor instance backing one human's identity. It is the only
// state in the system mutated by more than one actor; the conditional
// UPDATE in CompareAndSwap is the sole cross-actor mutation path.
package tokenstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	// SQLite driver - imported for side effects (registers the driver).
	// modernc.org/sqlite is pure Go, so no CGO.
	_ "modernc.org/sqlite"

	"github.com/user/sessiond/internal/types"
)

var _ types.CentralTokenStore = (*SQLiteStore)(nil)

const schema = `
CREATE TABLE IF NOT EXISTS tokens (
	identity   TEXT PRIMARY KEY,
	access_ct  TEXT NOT NULL,
	refresh_ct TEXT NOT NULL,
	expires_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);`

// SQLiteStore keeps one row per external identity. The refresh ciphertext
// is the optimistic-concurrency comparand: a writer must present the value
// it observed on read, and RowsAffected tells it whether it won the race.
type SQLiteStore struct {
	db *sql.DB
}

// Open opens (or creates) the token database at path. Use ":memory:" for
// tests.
func Open(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open token db: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping token db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create tokens table: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Get returns the record for identity, or ErrNoRecord.
func (s *SQLiteStore) Get(ctx context.Context, identity string) (*types.CentralTokenRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT identity, access_ct, refresh_ct, expires_at, updated_at FROM tokens WHERE identity = ?`,
		identity)

	var rec types.CentralTokenRecord
	var expiresAt, updatedAt int64
	err := row.Scan(&rec.Identity, &rec.AccessCT, &rec.RefreshCT, &expiresAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("token record %s: %w", identity, types.ErrNoRecord)
	}
	if err != nil {
		return nil, fmt.Errorf("query token record: %w", err)
	}
	rec.ExpiresAt = time.Unix(expiresAt, 0)
	rec.UpdatedAt = time.Unix(updatedAt, 0)
	return &rec, nil
}

// CompareAndSwap writes rec only if the stored refresh ciphertext still
// equals expectRefreshCT. The single conditional UPDATE is atomic; no
// transaction or lock is needed.
func (s *SQLiteStore) CompareAndSwap(ctx context.Context, identity, expectRefreshCT string, rec *types.CentralTokenRecord) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tokens SET access_ct = ?, refresh_ct = ?, expires_at = ?, updated_at = ?
		 WHERE identity = ? AND refresh_ct = ?`,
		rec.AccessCT, rec.RefreshCT, rec.ExpiresAt.Unix(), time.Now().Unix(),
		identity, expectRefreshCT)
	if err != nil {
		return fmt.Errorf("cas token record: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("cas rows affected: %w", err)
	}
	if n == 1 {
		return nil
	}

	// Distinguish "lost the race" from "no row at all".
	var exists int
	row := s.db.QueryRowContext(ctx, `SELECT 1 FROM tokens WHERE identity = ?`, identity)
	if err := row.Scan(&exists); errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("token record %s: %w", identity, types.ErrNoRecord)
	} else if err != nil {
		return fmt.Errorf("check token record: %w", err)
	}
	return types.ErrCASConflict
}

// Put unconditionally upserts the record. Used to seed the store from a
// successful local refresh.
func (s *SQLiteStore) Put(ctx context.Context, rec *types.CentralTokenRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tokens (identity, access_ct, refresh_ct, expires_at, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(identity) DO UPDATE SET
			access_ct = excluded.access_ct,
			refresh_ct = excluded.refresh_ct,
			expires_at = excluded.expires_at,
			updated_at = excluded.updated_at`,
		rec.Identity, rec.AccessCT, rec.RefreshCT, rec.ExpiresAt.Unix(), time.Now().Unix())
	if err != nil {
		return fmt.Errorf("put token record: %w", err)
	}
	return nil
}
