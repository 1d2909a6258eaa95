// Copyright 2025 James Ross

// Package daemon implements the dispatch loop: claim a batch of eligible
// requests, gate each on its model's concurrency permit, and run each to
// completion (or retry, or exhaustion) as an isolated dispatch task.
package daemon

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/doublewordai/batcherd/internal/request"
	"github.com/doublewordai/batcherd/internal/storage"
)

// Daemon is one dispatch-loop replica. Multiple Daemons may run
// concurrently against the same Storage; the atomic claim contract
// guarantees they never process the same row twice.
type Daemon struct {
	id      request.DaemonID
	storage storage.Storage
	client  request.HTTPClient
	cfg     Config
	log     *zap.Logger

	semMu sync.RWMutex
	sems  map[string]chan struct{}

	inFlight int64
	wg       sync.WaitGroup
}

// New creates a Daemon with a freshly generated DaemonID, per spec.md
// §4.4 step 1.
func New(store storage.Storage, client request.HTTPClient, cfg Config, log *zap.Logger) *Daemon {
	if log == nil {
		log = zap.NewNop()
	}
	return &Daemon{
		id:      request.NewDaemonID(),
		storage: store,
		client:  client,
		cfg:     cfg,
		log:     log,
		sems:    make(map[string]chan struct{}),
	}
}

// ID returns this replica's DaemonID.
func (d *Daemon) ID() request.DaemonID { return d.id }

// InFlight returns the current count of dispatch tasks awaiting an HTTP
// outcome.
func (d *Daemon) InFlight() int64 { return atomic.LoadInt64(&d.inFlight) }

// Run blocks, repeatedly claiming and dispatching, until ctx is canceled.
// It returns ctx.Err() after every already-spawned dispatch task has
// finished (so a caller awaiting Run knows no more Storage writes are
// pending from this replica). Canceling ctx also cancels any HTTP call
// still in flight; its task records the attempt as Failed and applies
// the retry rule, and a row whose write fails stays Processing until
// the reaper recovers it.
func (d *Daemon) Run(ctx context.Context) error {
	claimTicker := time.NewTicker(d.cfg.ClaimInterval)
	defer claimTicker.Stop()

	var statusTicker *time.Ticker
	var statusC <-chan time.Time
	if d.cfg.StatusLogInterval > 0 {
		statusTicker = time.NewTicker(d.cfg.StatusLogInterval)
		defer statusTicker.Stop()
		statusC = statusTicker.C
	}

	for {
		select {
		case <-ctx.Done():
			d.wg.Wait()
			return ctx.Err()
		case <-statusC:
			d.log.Info("daemon status", zap.String("daemon_id", d.id.Short()), zap.Int64("in_flight", d.InFlight()))
		case <-claimTicker.C:
			if err := d.dispatchOnce(ctx); err != nil {
				d.log.Error("dispatch iteration", zap.Error(err))
			}
		}
	}
}

// dispatchOnce runs one iteration of spec.md §4.4 step 2: claim, group by
// model, gate on the model's semaphore, spawn or unclaim.
func (d *Daemon) dispatchOnce(ctx context.Context) error {
	claimed, err := d.storage.ClaimRequests(ctx, d.cfg.ClaimBatchSize, d.id)
	if err != nil {
		return err
	}
	if len(claimed) == 0 {
		return nil
	}

	byModel := make(map[string][]request.Request[request.Claimed])
	for _, c := range claimed {
		byModel[c.Data.Model] = append(byModel[c.Data.Model], c)
	}

	for model, group := range byModel {
		sem := d.semaphoreFor(model)
		for _, r := range group {
			if !tryAcquire(sem) {
				if _, err := r.Unclaim(ctx, d.storage); err != nil {
					d.log.Error("unclaim over-capacity request",
						zap.String("request_id", r.Data.ID.Short()), zap.Error(err))
				}
				continue
			}
			d.wg.Add(1)
			atomic.AddInt64(&d.inFlight, 1)
			go d.runDispatchTask(ctx, r, sem)
		}
	}
	return nil
}

// semaphoreFor returns the per-model permit channel, creating it on first
// use under the write lock. Reads take the read lock; the map is mutated
// only on first-use insertion, per spec.md §5.
func (d *Daemon) semaphoreFor(model string) chan struct{} {
	d.semMu.RLock()
	sem, ok := d.sems[model]
	d.semMu.RUnlock()
	if ok {
		return sem
	}

	d.semMu.Lock()
	defer d.semMu.Unlock()
	if sem, ok := d.sems[model]; ok {
		return sem
	}
	sem = make(chan struct{}, d.cfg.limitFor(model))
	d.sems[model] = sem
	return sem
}

// tryAcquire performs a non-blocking permit acquisition using a buffered
// channel as a counting semaphore.
func tryAcquire(sem chan struct{}) bool {
	select {
	case sem <- struct{}{}:
		return true
	default:
		return false
	}
}

func release(sem chan struct{}) {
	select {
	case <-sem:
	default:
	}
}

// runDispatchTask implements spec.md §4.5 for one claimed request: it owns
// the permit for its lifetime and is isolated from the daemon loop and
// from every other dispatch task, so a panic or persistence failure here
// never takes down the loop.
func (d *Daemon) runDispatchTask(ctx context.Context, claimed request.Request[request.Claimed], sem chan struct{}) {
	defer d.wg.Done()
	defer atomic.AddInt64(&d.inFlight, -1)
	defer release(sem)
	defer func() {
		if rec := recover(); rec != nil {
			d.log.Error("dispatch task panicked",
				zap.String("request_id", claimed.Data.ID.Short()), zap.Any("panic", rec))
		}
	}()

	processing, err := claimed.Process(ctx, d.client, d.cfg.Timeout, d.storage)
	if err != nil {
		d.log.Error("transition to processing", zap.String("request_id", claimed.Data.ID.Short()), zap.Error(err))
		return
	}

	outcome, err := processing.Complete(ctx, d.cfg.shouldRetry(), d.storage)
	if err != nil {
		d.log.Error("complete", zap.String("request_id", claimed.Data.ID.Short()), zap.Error(err))
		return
	}

	if outcome.Failed == nil {
		return
	}

	attempt := outcome.Failed.State.RetryAttempt
	next, err := outcome.Failed.Retry(ctx, attempt, d.cfg.retryConfig(), d.storage)
	if err != nil {
		d.log.Error("retry", zap.String("request_id", claimed.Data.ID.Short()), zap.Error(err))
		return
	}
	if next == nil {
		d.log.Info("request permanently failed",
			zap.String("request_id", claimed.Data.ID.Short()), zap.Uint32("retry_attempt", attempt))
	}
}
