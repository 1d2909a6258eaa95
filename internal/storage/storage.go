// Copyright 2025 James Ross

// Package storage implements the durable system of record for requests,
// files, and batches: atomic claim, terminal-state-protected persistence,
// and the bulk/stream query surface the daemon and submitter depend on.
package storage

import (
	"context"
	"time"

	"github.com/doublewordai/batcherd/internal/fileset"
	"github.com/doublewordai/batcherd/internal/request"
	"github.com/doublewordai/batcherd/internal/statusbus"
)

// Re-exported so callers of this package never need to import
// internal/request directly for error comparisons.
var (
	ErrNotFound        = request.ErrNotFound
	ErrUniqueViolation = request.ErrUniqueViolation
	ErrInvalidState    = request.ErrInvalidState
)

// Update is one delivery on the subscription stream returned by
// GetRequestUpdates: either a fresh AnyRequest snapshot, or a signal that
// the subscriber fell behind and missed one or more intermediate
// transitions (never a missed terminal transition).
type Update = statusbus.Update

// Storage is the full capability contract: atomic claim, terminal-guarded
// persistence, file/batch aggregation, and the status-update stream.
// internal/request.Store is the minimal slice the typestate transition
// methods need; Storage is the daemon- and submitter-facing superset.
type Storage interface {
	request.Store

	// Submit inserts a brand-new Pending request, failing with
	// ErrUniqueViolation if the id is already present.
	Submit(ctx context.Context, data request.RequestData) (request.Request[request.Pending], error)

	// ClaimRequests atomically claims up to limit eligible Pending rows
	// (NotBefore <= now) for daemonID, transitioning each to Claimed.
	ClaimRequests(ctx context.Context, limit int, daemonID request.DaemonID) ([]request.Request[request.Claimed], error)

	// Persist overwrites the stored state for r.Data.ID, rejecting the
	// write with ErrInvalidState if the stored row is already terminal.
	Persist(ctx context.Context, r request.AnyRequest) error

	// ViewPendingRequests returns a snapshot of all currently-eligible
	// Pending rows, for diagnostics; the daemon uses ClaimRequests, not
	// this, for dispatch.
	ViewPendingRequests(ctx context.Context) ([]request.Request[request.Pending], error)

	// GetRequests fetches a bulk set of rows by id; ids not found are
	// simply absent from the result rather than causing the call to fail.
	GetRequests(ctx context.Context, ids []request.RequestID) ([]request.AnyRequest, error)

	// CancelRequests cancels every id currently in a cancelable
	// (non-terminal) state, returning the ones actually canceled.
	CancelRequests(ctx context.Context, ids []request.RequestID) ([]request.Request[request.Canceled], error)

	// GetRequestUpdates streams every subsequent transition for requests
	// matching idFilter (nil means all requests) until ctx is canceled.
	GetRequestUpdates(ctx context.Context, idFilter []request.RequestID) (<-chan Update, error)

	// ReapExpiredProcessing moves Processing rows whose StartedAt predates
	// now-olderThan back to Pending, preserving RetryAttempt and applying
	// no backoff (daemon death is not a failed attempt). Returns the ids
	// recovered.
	ReapExpiredProcessing(ctx context.Context, olderThan time.Duration) ([]request.RequestID, error)

	// Bus exposes the canonical in-process update bus, so main can attach
	// an optional statusbus.RedisRelay to it.
	Bus() *statusbus.Bus

	fileset.Store
}
