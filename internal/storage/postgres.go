// Copyright 2025 James Ross
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"time"

	"github.com/lib/pq"

	"github.com/doublewordai/batcherd/internal/request"
	"github.com/doublewordai/batcherd/internal/statusbus"
)

// PostgresStorage is the relational Storage backend for production use,
// using SELECT ... FOR UPDATE SKIP LOCKED to make ClaimRequests atomic
// without an application-level lock.
type PostgresStorage struct {
	sqlStorage
}

// OpenPostgres opens a connection pool against dsn and returns a
// PostgresStorage. Callers are responsible for running the schema
// migration (see schema_postgres.sql) before first use.
func OpenPostgres(dsn string, bufSize int) (*PostgresStorage, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: open postgres: %w", err)
	}
	return &PostgresStorage{sqlStorage{
		db:          db,
		placeholder: func(i int) string { return "$" + strconv.Itoa(i) },
		bus:         statusbus.New(bufSize),
	}}, nil
}

// Close releases the underlying connection pool.
func (s *PostgresStorage) Close() error { return s.db.Close() }

// ClaimRequests atomically claims up to limit eligible rows using
// SELECT ... FOR UPDATE SKIP LOCKED, so two concurrent daemons never
// receive the same row without either blocking the other.
func (s *PostgresStorage) ClaimRequests(ctx context.Context, limit int, daemonID request.DaemonID) ([]request.Request[request.Claimed], error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("storage: claim: begin: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	selectQ := `SELECT id FROM requests
		WHERE status = 'pending' AND (not_before IS NULL OR not_before <= $1)
		ORDER BY id
		LIMIT $2
		FOR UPDATE SKIP LOCKED`
	rows, err := tx.QueryContext(ctx, selectQ, now, limit)
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
	if len(ids) == 0 {
		return nil, tx.Commit()
	}

	updateQ := `UPDATE requests SET status = 'claimed', daemon_id = $1, claimed_at = $2 WHERE id = ANY($3)
		RETURNING ` + requestColumns
	claimedRows, err := tx.QueryContext(ctx, updateQ, daemonID.String(), now, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("storage: claim: update: %w", err)
	}
	defer claimedRows.Close()

	out := make([]request.Request[request.Claimed], 0, len(ids))
	for claimedRows.Next() {
		any, err := scanRequestRow(claimedRows)
		if err != nil {
			return nil, err
		}
		if c, ok := any.AsClaimed(); ok {
			out = append(out, c)
		}
	}
	if err := claimedRows.Err(); err != nil {
		return nil, err
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
func (s *PostgresStorage) ClaimOne(ctx context.Context, id request.RequestID, daemonID request.DaemonID) (request.Request[request.Claimed], error) {
	now := time.Now().UTC()
	q := `UPDATE requests SET status = 'claimed', daemon_id = $1, claimed_at = $2
		WHERE id = $3 AND status = 'pending'
		RETURNING ` + requestColumns
	row := s.db.QueryRowContext(ctx, q, daemonID.String(), now, id.String())
	any, err := scanRequestRow(row)
	if err != nil {
		if err == request.ErrNotFound {
			if _, getErr := s.getRequest(ctx, id); getErr == nil {
				return request.Request[request.Claimed]{}, request.ErrInvalidState
			}
			return request.Request[request.Claimed]{}, request.ErrNotFound
		}
		return request.Request[request.Claimed]{}, err
	}
	claimed, _ := any.AsClaimed()
	s.bus.Publish(any)
	return claimed, nil
}

func isPQUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return asPQError(err, &pqErr) && pqErr.Code == "23505"
}

func asPQError(err error, target **pq.Error) bool {
	if pe, ok := err.(*pq.Error); ok {
		*target = pe
		return true
	}
	return false
}
