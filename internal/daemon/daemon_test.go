// Copyright 2025 James Ross
package daemon

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/doublewordai/batcherd/internal/request"
	"github.com/doublewordai/batcherd/internal/storage"
)

// scriptedClient returns canned responses in sequence per request id,
// falling back to the last entry once exhausted. Safe for concurrent use
// across dispatch tasks.
type scriptedClient struct {
	mu      sync.Mutex
	calls   map[request.RequestID]int
	scripts map[request.RequestID][]request.HTTPResponse
	total   int64

	concurrent int64
	maxSeen    int64
	holdFor    time.Duration
}

func newScriptedClient() *scriptedClient {
	return &scriptedClient{
		calls:   map[request.RequestID]int{},
		scripts: map[request.RequestID][]request.HTTPResponse{},
	}
}

func (c *scriptedClient) script(id request.RequestID, responses ...request.HTTPResponse) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.scripts[id] = responses
}

func (c *scriptedClient) Execute(ctx context.Context, data request.RequestData, apiKey string, timeout time.Duration) (request.HTTPResponse, error) {
	atomic.AddInt64(&c.total, 1)

	cur := atomic.AddInt64(&c.concurrent, 1)
	defer atomic.AddInt64(&c.concurrent, -1)
	for {
		max := atomic.LoadInt64(&c.maxSeen)
		if cur <= max || atomic.CompareAndSwapInt64(&c.maxSeen, max, cur) {
			break
		}
	}
	if c.holdFor > 0 {
		time.Sleep(c.holdFor)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	i := c.calls[data.ID]
	c.calls[data.ID] = i + 1
	script := c.scripts[data.ID]
	if len(script) == 0 {
		return request.HTTPResponse{Status: 200}, nil
	}
	if i >= len(script) {
		i = len(script) - 1
	}
	return script[i], nil
}

func (c *scriptedClient) callCount(id request.RequestID) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[id]
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.After(timeout)
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()
	for {
		if cond() {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("condition not met within %v", timeout)
		case <-ticker.C:
		}
	}
}

func getRequest(t *testing.T, s storage.Storage, id request.RequestID) request.AnyRequest {
	t.Helper()
	rows, err := s.GetRequests(context.Background(), []request.RequestID{id})
	if err != nil {
		t.Fatalf("GetRequests: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected exactly 1 row for %s, got %d", id.Short(), len(rows))
	}
	return rows[0]
}

func TestDispatchSuccessPath(t *testing.T) {
	store := storage.NewMemoryStorage(16)
	client := newScriptedClient()

	pending, err := store.Submit(context.Background(), request.RequestData{
		ID: request.NewRequestID(), Endpoint: "https://api.example.com", Method: "POST", Path: "/v1/chat", Model: "m1",
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	client.script(pending.Data.ID, request.HTTPResponse{Status: 200, Body: "ok"})

	cfg := DefaultConfig()
	cfg.ClaimInterval = 10 * time.Millisecond
	d := New(store, client, cfg, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	waitFor(t, time.Second, func() bool {
		return getRequest(t, store, pending.Data.ID).Status == request.StatusCompleted
	})
	cancel()
	<-done

	row := getRequest(t, store, pending.Data.ID)
	if row.Completed == nil || row.Completed.ResponseStatus != 200 {
		t.Fatalf("expected Completed with status 200, got %+v", row)
	}
}

func TestDispatchRetryThenSuccess(t *testing.T) {
	store := storage.NewMemoryStorage(16)
	client := newScriptedClient()

	pending, err := store.Submit(context.Background(), request.RequestData{
		ID: request.NewRequestID(), Endpoint: "https://api.example.com", Model: "m1",
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	client.script(pending.Data.ID,
		request.HTTPResponse{Status: 500},
		request.HTTPResponse{Status: 200, Body: "ok"},
	)

	cfg := DefaultConfig()
	cfg.ClaimInterval = 10 * time.Millisecond
	cfg.BackoffMS = 1
	cfg.MaxBackoffMS = 5
	cfg.MaxRetries = 3
	d := New(store, client, cfg, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = d.Run(ctx) }()

	waitFor(t, 2*time.Second, func() bool {
		return getRequest(t, store, pending.Data.ID).Status == request.StatusCompleted
	})

	row := getRequest(t, store, pending.Data.ID)
	if row.Completed.ResponseStatus != 200 {
		t.Fatalf("expected eventual 200, got %+v", row.Completed)
	}
	if client.callCount(pending.Data.ID) < 2 {
		t.Fatalf("expected at least 2 HTTP attempts, got %d", client.callCount(pending.Data.ID))
	}
}

func TestDispatchRetryExhaustion(t *testing.T) {
	store := storage.NewMemoryStorage(16)
	client := newScriptedClient()

	pending, err := store.Submit(context.Background(), request.RequestData{
		ID: request.NewRequestID(), Endpoint: "https://api.example.com", Model: "m1",
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	client.script(pending.Data.ID, request.HTTPResponse{Status: 500})

	cfg := DefaultConfig()
	cfg.ClaimInterval = 5 * time.Millisecond
	cfg.BackoffMS = 1
	cfg.MaxBackoffMS = 2
	cfg.MaxRetries = 2
	d := New(store, client, cfg, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = d.Run(ctx) }()

	waitFor(t, 2*time.Second, func() bool {
		row := getRequest(t, store, pending.Data.ID)
		return row.Status == request.StatusFailed && row.Failed.RetryAttempt >= cfg.MaxRetries
	})

	row := getRequest(t, store, pending.Data.ID)
	if row.Status != request.StatusFailed {
		t.Fatalf("expected permanently Failed, got %s", row.Status)
	}
}

func TestCancelInPendingNeverDispatched(t *testing.T) {
	store := storage.NewMemoryStorage(16)
	client := newScriptedClient()

	pending, err := store.Submit(context.Background(), request.RequestData{
		ID: request.NewRequestID(), Endpoint: "https://api.example.com", Model: "m1",
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	canceled, err := store.CancelRequests(context.Background(), []request.RequestID{pending.Data.ID})
	if err != nil || len(canceled) != 1 {
		t.Fatalf("cancel: %v %v", canceled, err)
	}

	cfg := DefaultConfig()
	cfg.ClaimInterval = 5 * time.Millisecond
	d := New(store, client, cfg, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = d.Run(ctx) }()
	time.Sleep(50 * time.Millisecond)
	cancel()

	if got := atomic.LoadInt64(&client.total); got != 0 {
		t.Fatalf("expected no HTTP call for a canceled-before-claim request, got %d", got)
	}
	row := getRequest(t, store, pending.Data.ID)
	if row.Status != request.StatusCanceled {
		t.Fatalf("expected Canceled, got %s", row.Status)
	}
}

func TestConcurrentDaemonsRespectModelConcurrencyLimit(t *testing.T) {
	store := storage.NewMemoryStorage(64)
	client := newScriptedClient()
	client.holdFor = 20 * time.Millisecond

	const n = 50
	ids := make([]request.RequestID, 0, n)
	for i := 0; i < n; i++ {
		data := request.RequestData{ID: request.NewRequestID(), Endpoint: "https://api.example.com", Model: "m1"}
		if _, err := store.Submit(context.Background(), data); err != nil {
			t.Fatalf("submit: %v", err)
		}
		ids = append(ids, data.ID)
	}

	cfg := DefaultConfig()
	cfg.ClaimInterval = 5 * time.Millisecond
	cfg.ModelConcurrencyLimits = map[string]int{"m1": 5}

	d1 := New(store, client, cfg, zap.NewNop())
	d2 := New(store, client, cfg, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = d1.Run(ctx) }()
	go func() { _ = d2.Run(ctx) }()

	waitFor(t, 5*time.Second, func() bool {
		rows, err := store.GetRequests(context.Background(), ids)
		if err != nil {
			return false
		}
		completed := 0
		for _, r := range rows {
			if r.Status == request.StatusCompleted {
				completed++
			}
		}
		return completed == n
	})
	cancel()

	rows, err := store.GetRequests(context.Background(), ids)
	if err != nil {
		t.Fatalf("GetRequests: %v", err)
	}
	for _, r := range rows {
		if r.Status != request.StatusCompleted {
			t.Fatalf("request %s not completed: %s", r.Data.ID.Short(), r.Status)
		}
	}
	if got := atomic.LoadInt64(&client.maxSeen); got > 5 {
		t.Fatalf("observed %d concurrent Processing calls for m1, want <= 5", got)
	}
}
