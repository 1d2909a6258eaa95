// Copyright 2025 James Ross
package request

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"
)

// Store is the slice of the storage capability the typestate transition
// methods depend on. internal/storage implements this (and much more).
type Store interface {
	// Persist idempotently overwrites the stored state of a row. It must
	// refuse the write (ErrInvalidState) if the stored row is already
	// terminal.
	Persist(ctx context.Context, r AnyRequest) error

	// ClaimOne atomically claims a single named row, failing with
	// ErrInvalidState if it is no longer Pending. Bulk claiming for the
	// daemon's dispatch loop goes through the wider Storage interface's
	// ClaimRequests instead; this exists for direct single-request claims.
	ClaimOne(ctx context.Context, id RequestID, daemonID DaemonID) (Request[Claimed], error)
}

// RetryConfig parameterizes the backoff applied between retries.
type RetryConfig struct {
	MaxRetries    uint32
	BackoffMS     uint64
	BackoffFactor uint64
	MaxBackoffMS  uint64
}

// Backoff computes backoff(attempt) = min(backoff_ms * backoff_factor^attempt, max_backoff_ms).
func (c RetryConfig) Backoff(attempt uint32) time.Duration {
	factor := float64(c.BackoffFactor)
	if factor <= 0 {
		factor = 1
	}
	ms := float64(c.BackoffMS) * math.Pow(factor, float64(attempt))
	if math.IsInf(ms, 1) || ms > float64(c.MaxBackoffMS) {
		ms = float64(c.MaxBackoffMS)
	}
	return time.Duration(ms) * time.Millisecond
}

// ShouldRetry is a caller-injected predicate over the HTTP response status
// code. Whether a given 4xx is retriable is policy, not mechanism.
type ShouldRetry func(status int) bool

// DefaultShouldRetry treats 408, 429, and 5xx as retriable; everything else
// (2xx, and 4xx other than 408/429) is treated as a completed dispatch.
func DefaultShouldRetry(status int) bool {
	if status == 408 || status == 429 {
		return true
	}
	return status >= 500
}

// Claim transitions Pending -> Claimed. Precondition (row still Pending in
// storage) is enforced by Store.ClaimOne.
func (r Request[Pending]) Claim(ctx context.Context, daemonID DaemonID, store Store) (Request[Claimed], error) {
	return store.ClaimOne(ctx, r.Data.ID, daemonID)
}

// Cancel transitions Pending -> Canceled.
func (r Request[Pending]) Cancel(ctx context.Context, store Store) (Request[Canceled], error) {
	return cancelAny(ctx, r.Data, store)
}

// Cancel transitions Claimed -> Canceled.
func (r Request[Claimed]) Cancel(ctx context.Context, store Store) (Request[Canceled], error) {
	return cancelAny(ctx, r.Data, store)
}

// Cancel transitions Processing -> Canceled, aborting the in-flight HTTP
// call first.
func (r Request[Processing]) Cancel(ctx context.Context, store Store) (Request[Canceled], error) {
	if r.State.cancel != nil {
		r.State.cancel()
	}
	return cancelAny(ctx, r.Data, store)
}

func cancelAny(ctx context.Context, data RequestData, store Store) (Request[Canceled], error) {
	canceled := Request[Canceled]{Data: data, State: Canceled{CanceledAt: time.Now().UTC()}}
	if err := store.Persist(ctx, ToAny(canceled)); err != nil {
		return Request[Canceled]{}, err
	}
	return canceled, nil
}

// Unclaim transitions Claimed -> Pending with no backoff, preserving
// retry_attempt. Used when a daemon claims more than its per-model
// concurrency permits and must release a row for another pass.
func (r Request[Claimed]) Unclaim(ctx context.Context, store Store) (Request[Pending], error) {
	pending := Request[Pending]{
		Data:  r.Data,
		State: Pending{RetryAttempt: r.State.RetryAttempt, NotBefore: nil},
	}
	if err := store.Persist(ctx, ToAny(pending)); err != nil {
		return Request[Pending]{}, err
	}
	return pending, nil
}

// Process transitions Claimed -> Processing: it spawns a background task
// that executes the HTTP call and delivers its outcome over a one-shot
// channel, then persists Processing. If persistence fails, the spawned
// task is aborted and the error is returned.
func (r Request[Claimed]) Process(ctx context.Context, client HTTPClient, timeout time.Duration, store Store) (Request[Processing], error) {
	taskCtx, cancel := context.WithCancel(ctx)
	resultCh := make(chan httpOutcome, 1)

	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				close(resultCh)
			}
		}()
		resp, err := client.Execute(taskCtx, r.Data, r.Data.APIKey, timeout)
		resultCh <- httpOutcome{response: resp, err: err}
	}()

	processing := Request[Processing]{
		Data: r.Data,
		State: Processing{
			DaemonID:     r.State.DaemonID,
			ClaimedAt:    r.State.ClaimedAt,
			StartedAt:    time.Now().UTC(),
			RetryAttempt: r.State.RetryAttempt,
			result:       resultCh,
			cancel:       cancel,
		},
	}

	if err := store.Persist(ctx, ToAny(processing)); err != nil {
		cancel()
		return Request[Processing]{}, err
	}
	return processing, nil
}

// Outcome is the result of Complete: exactly one field is set.
type Outcome struct {
	Completed *Request[Completed]
	Failed    *Request[Failed]
}

// Complete awaits the Processing task's result channel and applies
// shouldRetry to decide Completed vs Failed, persisting the outcome.
func (r Request[Processing]) Complete(ctx context.Context, shouldRetry ShouldRetry, store Store) (Outcome, error) {
	var out httpOutcome
	select {
	case o, ok := <-r.State.result:
		if !ok {
			out = httpOutcome{err: errors.New("HTTP task terminated unexpectedly")}
		} else {
			out = o
		}
	case <-ctx.Done():
		out = httpOutcome{err: ctx.Err()}
	}

	now := time.Now().UTC()

	if out.err == nil && !shouldRetry(out.response.Status) {
		completed := Request[Completed]{
			Data: r.Data,
			State: Completed{
				ResponseStatus: out.response.Status,
				ResponseBody:   out.response.Body,
				ClaimedAt:      r.State.ClaimedAt,
				StartedAt:      r.State.StartedAt,
				CompletedAt:    now,
			},
		}
		if err := store.Persist(ctx, ToAny(completed)); err != nil {
			return Outcome{}, err
		}
		return Outcome{Completed: &completed}, nil
	}

	var errMsg string
	if out.err != nil {
		errMsg = out.err.Error()
	} else {
		errMsg = fmt.Sprintf("retriable response status %d", out.response.Status)
	}

	failed := Request[Failed]{
		Data: r.Data,
		State: Failed{
			Error:        errMsg,
			ClaimedAt:    r.State.ClaimedAt,
			FailedAt:     now,
			RetryAttempt: r.State.RetryAttempt,
		},
	}
	if err := store.Persist(ctx, ToAny(failed)); err != nil {
		return Outcome{}, err
	}
	return Outcome{Failed: &failed}, nil
}

// Retry transitions Failed -> Pending when attempt < cfg.MaxRetries,
// incrementing retry_attempt and setting not_before per the backoff. When
// attempt >= cfg.MaxRetries, it returns (nil, nil): the row stays Failed
// permanently and nothing is written.
func (r Request[Failed]) Retry(ctx context.Context, attempt uint32, cfg RetryConfig, store Store) (*Request[Pending], error) {
	if attempt >= cfg.MaxRetries {
		return nil, nil
	}
	notBefore := time.Now().UTC().Add(cfg.Backoff(attempt))
	pending := Request[Pending]{
		Data:  r.Data,
		State: Pending{RetryAttempt: attempt + 1, NotBefore: &notBefore},
	}
	if err := store.Persist(ctx, ToAny(pending)); err != nil {
		return nil, err
	}
	return &pending, nil
}
