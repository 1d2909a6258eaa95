// Copyright 2025 James Ross
package reaper

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/doublewordai/batcherd/internal/request"
	"github.com/doublewordai/batcherd/internal/storage"
)

func TestReaperRecoversStaleProcessingRow(t *testing.T) {
	store := storage.NewMemoryStorage(4)
	ctx := context.Background()

	data := request.RequestData{ID: request.NewRequestID(), Endpoint: "https://api.example.com", Model: "m1"}
	var stale request.Processing
	stale.DaemonID = request.NewDaemonID()
	stale.ClaimedAt = time.Now().UTC().Add(-time.Hour)
	stale.StartedAt = time.Now().UTC().Add(-time.Hour)
	stale.RetryAttempt = 1

	if err := store.Persist(ctx, request.ToAny(request.Request[request.Processing]{Data: data, State: stale})); err != nil {
		t.Fatalf("seed processing row: %v", err)
	}

	rep := New(store, 5*time.Minute, time.Millisecond, zap.NewNop())
	rep.sweepOnce(ctx)

	rows, err := store.GetRequests(ctx, []request.RequestID{data.ID})
	if err != nil {
		t.Fatalf("GetRequests: %v", err)
	}
	if len(rows) != 1 || rows[0].Status != request.StatusPending {
		t.Fatalf("expected stale Processing recovered to Pending, got %+v", rows)
	}
	if rows[0].Pending.RetryAttempt != 1 {
		t.Fatalf("expected retry_attempt preserved at 1, got %d", rows[0].Pending.RetryAttempt)
	}
}

func TestReaperLeavesFreshProcessingRowAlone(t *testing.T) {
	store := storage.NewMemoryStorage(4)
	ctx := context.Background()

	data := request.RequestData{ID: request.NewRequestID(), Endpoint: "https://api.example.com", Model: "m1"}
	var fresh request.Processing
	fresh.DaemonID = request.NewDaemonID()
	fresh.ClaimedAt = time.Now().UTC()
	fresh.StartedAt = time.Now().UTC()

	if err := store.Persist(ctx, request.ToAny(request.Request[request.Processing]{Data: data, State: fresh})); err != nil {
		t.Fatalf("seed processing row: %v", err)
	}

	rep := New(store, 5*time.Minute, time.Millisecond, zap.NewNop())
	rep.sweepOnce(ctx)

	rows, err := store.GetRequests(ctx, []request.RequestID{data.ID})
	if err != nil {
		t.Fatalf("GetRequests: %v", err)
	}
	if len(rows) != 1 || rows[0].Status != request.StatusProcessing {
		t.Fatalf("expected fresh Processing row untouched, got %+v", rows)
	}
}
