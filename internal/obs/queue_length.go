// Copyright 2025 James Ross
package obs

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/doublewordai/batcherd/internal/storage"
)

// StartPendingRequestsSampler periodically snapshots eligible Pending
// rows from storage and updates the per-model gauge. It is a diagnostic
// aid only; the daemon's own ClaimRequests loop does not depend on it.
func StartPendingRequestsSampler(ctx context.Context, store storage.Storage, interval time.Duration, log *zap.Logger) {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				pending, err := store.ViewPendingRequests(ctx)
				if err != nil {
					log.Debug("pending requests sample failed", zap.Error(err))
					continue
				}
				counts := map[string]int{}
				for _, p := range pending {
					counts[p.Data.Model]++
				}
				PendingRequests.Reset()
				for model, n := range counts {
					PendingRequests.WithLabelValues(model).Set(float64(n))
				}
			}
		}
	}()
}
