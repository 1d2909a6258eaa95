// Copyright 2025 James Ross
package request

import (
	"context"
	"errors"
	"testing"
	"time"
)

type fakeStore struct {
	rows map[RequestID]AnyRequest
}

func newFakeStore() *fakeStore { return &fakeStore{rows: map[RequestID]AnyRequest{}} }

func (s *fakeStore) Persist(ctx context.Context, r AnyRequest) error {
	if existing, ok := s.rows[r.Data.ID]; ok && existing.IsTerminal() {
		return ErrInvalidState
	}
	s.rows[r.Data.ID] = r
	return nil
}

func (s *fakeStore) ClaimOne(ctx context.Context, id RequestID, daemonID DaemonID) (Request[Claimed], error) {
	row, ok := s.rows[id]
	if !ok {
		return Request[Claimed]{}, ErrNotFound
	}
	pending, ok := row.AsPending()
	if !ok {
		return Request[Claimed]{}, ErrInvalidState
	}
	claimed := Request[Claimed]{
		Data: pending.Data,
		State: Claimed{
			DaemonID:     daemonID,
			ClaimedAt:    time.Now().UTC(),
			RetryAttempt: pending.State.RetryAttempt,
		},
	}
	s.rows[id] = ToAny(claimed)
	return claimed, nil
}

func newPendingRequest() Request[Pending] {
	return Request[Pending]{
		Data: RequestData{
			ID:       NewRequestID(),
			Endpoint: "https://api.example.com",
			Method:   "POST",
			Path:     "/v1/chat/completions",
			Model:    "gpt-test",
		},
		State: Pending{},
	}
}

func TestClaimThenCancel(t *testing.T) {
	store := newFakeStore()
	pending := newPendingRequest()
	store.rows[pending.Data.ID] = ToAny(pending)

	claimed, err := pending.Claim(context.Background(), NewDaemonID(), store)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}

	canceled, err := claimed.Cancel(context.Background(), store)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if canceled.State.CanceledAt.IsZero() {
		t.Fatalf("expected CanceledAt to be set")
	}

	if err := store.Persist(context.Background(), ToAny(canceled)); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected persist against canceled row to be rejected, got %v", err)
	}
}

func TestClaimTwiceFails(t *testing.T) {
	store := newFakeStore()
	pending := newPendingRequest()
	store.rows[pending.Data.ID] = ToAny(pending)

	if _, err := pending.Claim(context.Background(), NewDaemonID(), store); err != nil {
		t.Fatalf("first claim: %v", err)
	}
	if _, err := pending.Claim(context.Background(), NewDaemonID(), store); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected second claim to fail with ErrInvalidState, got %v", err)
	}
}

func TestUnclaimPreservesRetryAttempt(t *testing.T) {
	store := newFakeStore()
	pending := newPendingRequest()
	pending.State.RetryAttempt = 2
	store.rows[pending.Data.ID] = ToAny(pending)

	claimed, err := pending.Claim(context.Background(), NewDaemonID(), store)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}

	back, err := claimed.Unclaim(context.Background(), store)
	if err != nil {
		t.Fatalf("unclaim: %v", err)
	}
	if back.State.RetryAttempt != 2 {
		t.Fatalf("expected retry attempt preserved at 2, got %d", back.State.RetryAttempt)
	}
	if back.State.NotBefore != nil {
		t.Fatalf("expected no backoff on unclaim, got %v", back.State.NotBefore)
	}
}

type stubHTTPClient struct {
	resp HTTPResponse
	err  error
}

func (c stubHTTPClient) Execute(ctx context.Context, data RequestData, apiKey string, timeout time.Duration) (HTTPResponse, error) {
	return c.resp, c.err
}

func TestProcessCompleteSuccess(t *testing.T) {
	store := newFakeStore()
	pending := newPendingRequest()
	store.rows[pending.Data.ID] = ToAny(pending)

	claimed, err := pending.Claim(context.Background(), NewDaemonID(), store)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}

	client := stubHTTPClient{resp: HTTPResponse{Status: 200, Body: `{"ok":true}`}}
	processing, err := claimed.Process(context.Background(), client, time.Second, store)
	if err != nil {
		t.Fatalf("process: %v", err)
	}

	outcome, err := processing.Complete(context.Background(), DefaultShouldRetry, store)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if outcome.Completed == nil {
		t.Fatalf("expected Completed outcome, got %+v", outcome)
	}
	if outcome.Completed.State.ResponseStatus != 200 {
		t.Fatalf("expected status 200, got %d", outcome.Completed.State.ResponseStatus)
	}
}

func TestProcessCompleteRetriableFails(t *testing.T) {
	store := newFakeStore()
	pending := newPendingRequest()
	store.rows[pending.Data.ID] = ToAny(pending)

	claimed, err := pending.Claim(context.Background(), NewDaemonID(), store)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}

	client := stubHTTPClient{resp: HTTPResponse{Status: 503, Body: "unavailable"}}
	processing, err := claimed.Process(context.Background(), client, time.Second, store)
	if err != nil {
		t.Fatalf("process: %v", err)
	}

	outcome, err := processing.Complete(context.Background(), DefaultShouldRetry, store)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if outcome.Failed == nil {
		t.Fatalf("expected Failed outcome, got %+v", outcome)
	}
}

func TestRetryExhaustion(t *testing.T) {
	store := newFakeStore()
	failed := Request[Failed]{
		Data:  newPendingRequest().Data,
		State: Failed{Error: "boom", FailedAt: time.Now().UTC(), RetryAttempt: 4},
	}
	store.rows[failed.Data.ID] = ToAny(failed)

	cfg := RetryConfig{MaxRetries: 5, BackoffMS: 1000, BackoffFactor: 2, MaxBackoffMS: 10000}

	next, err := failed.Retry(context.Background(), 4, cfg, store)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if next == nil {
		t.Fatalf("expected a retry at attempt 4 < max_retries 5")
	}
	if next.State.RetryAttempt != 5 {
		t.Fatalf("expected retry_attempt 5, got %d", next.State.RetryAttempt)
	}
	if next.State.NotBefore == nil || !next.State.NotBefore.After(time.Now().UTC()) {
		t.Fatalf("expected not_before set in the future")
	}

	permanent, err := failed.Retry(context.Background(), 5, cfg, store)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if permanent != nil {
		t.Fatalf("expected nil (permanent failure) at attempt 5 >= max_retries 5")
	}
}

func TestBackoffCaps(t *testing.T) {
	cfg := RetryConfig{MaxRetries: 10, BackoffMS: 1000, BackoffFactor: 2, MaxBackoffMS: 10000}
	cases := []struct {
		attempt uint32
		want    time.Duration
	}{
		{0, 1000 * time.Millisecond},
		{1, 2000 * time.Millisecond},
		{2, 4000 * time.Millisecond},
		{3, 8000 * time.Millisecond},
		{4, 10000 * time.Millisecond},
		{10, 10000 * time.Millisecond},
	}
	for _, c := range cases {
		if got := cfg.Backoff(c.attempt); got != c.want {
			t.Errorf("Backoff(%d) = %v, want %v", c.attempt, got, c.want)
		}
	}
}
