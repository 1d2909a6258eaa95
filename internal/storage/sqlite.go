// Copyright 2025 James Ross
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	sqlite3 "github.com/mattn/go-sqlite3"

	"github.com/doublewordai/batcherd/internal/request"
	"github.com/doublewordai/batcherd/internal/statusbus"
)

// SQLiteStorage is the embedded/test-friendly relational Storage backend.
// SQLite has no row-level locking, so ClaimRequests relies on a single
// transaction holding SQLite's implicit writer-exclusive lock in place of
// Postgres's SELECT ... FOR UPDATE SKIP LOCKED.
type SQLiteStorage struct {
	sqlStorage
}

// OpenSQLite opens (creating if absent) the database file at path and
// returns a SQLiteStorage. Callers are responsible for running the
// schema migration (see schema_sqlite.sql) before first use.
func OpenSQLite(path string, bufSize int) (*SQLiteStorage, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("storage: open sqlite: %w", err)
	}
	// SQLite allows only one writer at a time; a single connection avoids
	// "database is locked" errors under the pool's default concurrency.
	db.SetMaxOpenConns(1)
	return &SQLiteStorage{sqlStorage{
		db:          db,
		placeholder: func(int) string { return "?" },
		bus:         statusbus.New(bufSize),
	}}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStorage) Close() error { return s.db.Close() }

// ClaimRequests atomically claims up to limit eligible rows. The
// surrounding transaction holds SQLite's writer-exclusive lock for its
// duration, which is what makes the select-then-update atomic here.
func (s *SQLiteStorage) ClaimRequests(ctx context.Context, limit int, daemonID request.DaemonID) ([]request.Request[request.Claimed], error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("storage: claim: begin: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	rows, err := tx.QueryContext(ctx, `SELECT id FROM requests
		WHERE status = 'pending' AND (not_before IS NULL OR not_before <= ?)
		ORDER BY id LIMIT ?`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("storage: claim: select: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("storage: claim: scan: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]request.Request[request.Claimed], 0, len(ids))
	for _, id := range ids {
		updateQ := `UPDATE requests SET status = 'claimed', daemon_id = ?, claimed_at = ? WHERE id = ? AND status = 'pending'`
		res, err := tx.ExecContext(ctx, updateQ, daemonID.String(), now, id)
		if err != nil {
			return nil, fmt.Errorf("storage: claim: update: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			continue
		}

		selectQ := fmt.Sprintf(`SELECT %s FROM requests WHERE id = ?`, requestColumns)
		row := tx.QueryRowContext(ctx, selectQ, id)
		any, err := scanRequestRow(row)
		if err != nil {
			return nil, err
		}
		if c, ok := any.AsClaimed(); ok {
			out = append(out, c)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("storage: claim: commit: %w", err)
	}

	for _, c := range out {
		s.bus.Publish(request.ToAny(c))
	}
	return out, nil
}

// ClaimOne atomically claims a single row, satisfying request.Store.
func (s *SQLiteStorage) ClaimOne(ctx context.Context, id request.RequestID, daemonID request.DaemonID) (request.Request[request.Claimed], error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return request.Request[request.Claimed]{}, fmt.Errorf("storage: claim one: begin: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx, `UPDATE requests SET status = 'claimed', daemon_id = ?, claimed_at = ? WHERE id = ? AND status = 'pending'`,
		daemonID.String(), now, id.String())
	if err != nil {
		return request.Request[request.Claimed]{}, fmt.Errorf("storage: claim one: update: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return request.Request[request.Claimed]{}, fmt.Errorf("storage: claim one: rows affected: %w", err)
	}
	if n == 0 {
		if _, getErr := s.getRequest(ctx, id); getErr == nil {
			return request.Request[request.Claimed]{}, request.ErrInvalidState
		}
		return request.Request[request.Claimed]{}, request.ErrNotFound
	}

	selectQ := fmt.Sprintf(`SELECT %s FROM requests WHERE id = ?`, requestColumns)
	row := tx.QueryRowContext(ctx, selectQ, id.String())
	any, err := scanRequestRow(row)
	if err != nil {
		return request.Request[request.Claimed]{}, err
	}

	if err := tx.Commit(); err != nil {
		return request.Request[request.Claimed]{}, fmt.Errorf("storage: claim one: commit: %w", err)
	}

	claimed, _ := any.AsClaimed()
	s.bus.Publish(any)
	return claimed, nil
}

func isSQLiteUniqueViolation(err error) bool {
	sqliteErr, ok := err.(sqlite3.Error)
	return ok && sqliteErr.Code == sqlite3.ErrConstraint
}
