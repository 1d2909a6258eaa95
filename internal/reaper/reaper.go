// Copyright 2025 James Ross

// Package reaper periodically recovers requests stranded in Processing
// by a daemon that died without completing them, moving them back to
// Pending so any live daemon can reclaim them on a later iteration.
package reaper

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/doublewordai/batcherd/internal/obs"
	"github.com/doublewordai/batcherd/internal/storage"
)

// Reaper drives the periodic sweep described in spec.md §9's open
// question on Processing-row recovery: a lease_ttl-based pass rather
// than a per-daemon heartbeat key.
type Reaper struct {
	store         storage.Storage
	leaseTTL      time.Duration
	sweepInterval time.Duration
	log           *zap.Logger
}

// New constructs a Reaper. leaseTTL is how long after its StartedAt a
// Processing row is considered abandoned; sweepInterval
// is how often the reaper scans for such rows.
func New(store storage.Storage, leaseTTL, sweepInterval time.Duration, log *zap.Logger) *Reaper {
	if log == nil {
		log = zap.NewNop()
	}
	return &Reaper{store: store, leaseTTL: leaseTTL, sweepInterval: sweepInterval, log: log}
}

// Run blocks, sweeping every sweepInterval, until ctx is canceled.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweepOnce(ctx)
		}
	}
}

func (r *Reaper) sweepOnce(ctx context.Context) {
	recovered, err := r.store.ReapExpiredProcessing(ctx, r.leaseTTL)
	if err != nil {
		r.log.Warn("reaper sweep failed", zap.Error(err))
		return
	}
	if len(recovered) == 0 {
		return
	}
	obs.ReaperRecovered.Add(float64(len(recovered)))
	ids := make([]string, len(recovered))
	for i, id := range recovered {
		ids[i] = id.Short()
	}
	r.log.Warn("recovered abandoned processing requests", zap.Strings("request_ids", ids), zap.Int("count", len(recovered)))
}
