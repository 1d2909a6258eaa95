// Copyright 2025 James Ross

// Package statusbus broadcasts request lifecycle transitions to
// subscribers. Storage remains the system of record; the bus is a
// convenience for observers that want a push-driven view instead of
// polling GetRequests.
package statusbus

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/doublewordai/batcherd/internal/request"
)

// Update is one delivery to a subscriber: either a fresh transition, or a
// marker that the subscriber fell behind and missed intermediate
// transitions (never a missed terminal one).
type Update struct {
	Request request.AnyRequest
	Lagged  bool
}

const terminalSendTimeout = 2 * time.Second

type subscription struct {
	ch  chan Update
	ids map[request.RequestID]struct{} // nil means "all requests"
}

// Bus is an in-process multi-producer, multi-subscriber broadcaster over
// request transitions.
type Bus struct {
	bufSize int
	lagged  int64

	mu   sync.Mutex
	subs map[*subscription]struct{}
}

// New returns a Bus whose subscriber channels buffer up to bufSize
// pending updates before the drop-oldest-and-mark-lagged policy kicks in.
func New(bufSize int) *Bus {
	if bufSize < 1 {
		bufSize = 1
	}
	return &Bus{bufSize: bufSize, subs: make(map[*subscription]struct{})}
}

// Lagged returns the cumulative count of dropped intermediate updates
// across all subscribers, for metrics.
func (b *Bus) Lagged() int64 { return atomic.LoadInt64(&b.lagged) }

// Subscribe returns a channel delivering every subsequent transition
// matching idFilter (nil or empty means all requests). The channel is
// closed when ctx is canceled.
func (b *Bus) Subscribe(ctx context.Context, idFilter []request.RequestID) <-chan Update {
	sub := &subscription{ch: make(chan Update, b.bufSize)}
	if len(idFilter) > 0 {
		sub.ids = make(map[request.RequestID]struct{}, len(idFilter))
		for _, id := range idFilter {
			sub.ids[id] = struct{}{}
		}
	}

	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.subs, sub)
		b.mu.Unlock()
		close(sub.ch)
	}()

	return sub.ch
}

// Publish broadcasts r to every matching subscriber. Non-terminal
// transitions use drop-oldest-and-mark-lagged when a subscriber's buffer
// is full; Completed/Failed/Canceled transitions are retried with a
// short blocking send so a lagging subscriber still eventually observes
// them.
func (b *Bus) Publish(r request.AnyRequest) {
	b.mu.Lock()
	subs := make([]*subscription, 0, len(b.subs))
	for s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	terminal := r.IsFinal()
	for _, s := range subs {
		if s.ids != nil {
			if _, ok := s.ids[r.Data.ID]; !ok {
				continue
			}
		}
		if terminal {
			b.sendTerminal(s, Update{Request: r})
		} else {
			b.sendBestEffort(s, Update{Request: r})
		}
	}
}

func (b *Bus) sendBestEffort(s *subscription, u Update) {
	select {
	case s.ch <- u:
		return
	default:
	}

	// Buffer full: drop the oldest unread update, mark the replacement
	// lagged, and surface it instead of silently discarding.
	select {
	case <-s.ch:
		atomic.AddInt64(&b.lagged, 1)
	default:
	}
	u.Lagged = true
	select {
	case s.ch <- u:
	default:
	}
}

func (b *Bus) sendTerminal(s *subscription, u Update) {
	select {
	case s.ch <- u:
		return
	default:
	}

	select {
	case <-s.ch:
		atomic.AddInt64(&b.lagged, 1)
		u.Lagged = true
	default:
	}
	select {
	case s.ch <- u:
		return
	default:
	}

	timer := time.NewTimer(terminalSendTimeout)
	defer timer.Stop()
	select {
	case s.ch <- u:
	case <-timer.C:
	}
}
