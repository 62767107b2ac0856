package threatintel

import (
	"context"
	"database/sql"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	coreerrors "github.com/aegis-network/edge/infrastructure/errors"
)

const schema = `
CREATE TABLE IF NOT EXISTS blocklist (
  ip TEXT PRIMARY KEY,
  blocked_until_us INTEGER NOT NULL,
  reason TEXT NOT NULL,
  created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_blocked_until ON blocklist(blocked_until_us);
`

// Row mirrors one row of the blocklist table.
type Row struct {
	IP             string
	BlockedUntilUs int64
	Reason         string
	CreatedAt      int64
}

// Store is the durable blocklist store: a single connection guarded by
// a mutex, which is sufficient at this write rate.
type Store struct {
	mu sync.Mutex
	db *sql.DB
}

// Open opens (and creates, if absent) the sqlite database at dsn and
// verifies connectivity, mirroring infrastructure/platform database.Open's
// open-then-ping shape.
func Open(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, coreerrors.FatalBoot("open sqlite blocklist store", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, coreerrors.FatalBoot("ping sqlite blocklist store", err)
	}
	return db, nil
}

// NewStore wraps db, applying the blocklist schema if it is not already
// present. db may be a real sqlite3 connection or a sqlmock-driven one in
// tests.
func NewStore(ctx context.Context, db *sql.DB) (*Store, error) {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return nil, coreerrors.FatalBoot("apply blocklist schema", err)
	}
	return &Store{db: db}, nil
}

// Insert writes or replaces a blocklist row.
func (s *Store) Insert(ctx context.Context, row Row) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO blocklist (ip, blocked_until_us, reason, created_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(ip) DO UPDATE SET blocked_until_us = excluded.blocked_until_us, reason = excluded.reason`,
		row.IP, row.BlockedUntilUs, row.Reason, row.CreatedAt)
	if err != nil {
		return coreerrors.TransientUpstream("blocklist_insert", err)
	}
	return nil
}

// InsertBatch writes multiple rows inside a single transaction so
// high-rate update bursts don't pay per-row fsync.
func (s *Store) InsertBatch(ctx context.Context, rows []Row) error {
	if len(rows) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return coreerrors.TransientUpstream("blocklist_insert_batch_begin", err)
	}
	for _, row := range rows {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO blocklist (ip, blocked_until_us, reason, created_at) VALUES (?, ?, ?, ?)
			 ON CONFLICT(ip) DO UPDATE SET blocked_until_us = excluded.blocked_until_us, reason = excluded.reason`,
			row.IP, row.BlockedUntilUs, row.Reason, row.CreatedAt); err != nil {
			tx.Rollback()
			return coreerrors.TransientUpstream("blocklist_insert_batch", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return coreerrors.TransientUpstream("blocklist_insert_batch_commit", err)
	}
	return nil
}

// NonExpired returns every row whose blocked_until_us is still in the
// future as of nowUs, used for startup convergence replay.
func (s *Store) NonExpired(ctx context.Context, nowUs int64) ([]Row, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.db.QueryContext(ctx, `SELECT ip, blocked_until_us, reason, created_at FROM blocklist WHERE blocked_until_us > ?`, nowUs)
	if err != nil {
		return nil, coreerrors.TransientUpstream("blocklist_non_expired", err)
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		var r Row
		if err := rows.Scan(&r.IP, &r.BlockedUntilUs, &r.Reason, &r.CreatedAt); err != nil {
			return nil, coreerrors.Wrap(coreerrors.TransientIO, "scan blocklist row", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// PruneExpired deletes every row whose blocked_until_us has passed as of
// nowUs.
func (s *Store) PruneExpired(ctx context.Context, nowUs int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `DELETE FROM blocklist WHERE blocked_until_us <= ?`, nowUs)
	if err != nil {
		return coreerrors.TransientUpstream("blocklist_prune_expired", err)
	}
	return nil
}

// Close closes the underlying connection.
func (s *Store) Close() error {
	return s.db.Close()
}
