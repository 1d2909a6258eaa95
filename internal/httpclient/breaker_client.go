// Copyright 2025 James Ross
package httpclient

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/doublewordai/batcherd/internal/breaker"
	"github.com/doublewordai/batcherd/internal/request"
)

// BreakerClient wraps a request.HTTPClient with one circuit breaker per
// endpoint, so a misbehaving upstream trips only its own breaker rather
// than starving requests bound for healthy endpoints.
type BreakerClient struct {
	inner request.HTTPClient

	window        time.Duration
	cooldown      time.Duration
	failureThresh float64
	minSamples    int

	mu       sync.RWMutex
	breakers map[string]*breaker.CircuitBreaker
}

// NewBreakerClient wraps inner, instantiating one breaker per distinct
// endpoint on first use with the given sliding-window parameters.
func NewBreakerClient(inner request.HTTPClient, window, cooldown time.Duration, failureThresh float64, minSamples int) *BreakerClient {
	return &BreakerClient{
		inner:         inner,
		window:        window,
		cooldown:      cooldown,
		failureThresh: failureThresh,
		minSamples:    minSamples,
		breakers:      make(map[string]*breaker.CircuitBreaker),
	}
}

func (c *BreakerClient) breakerFor(endpoint string) *breaker.CircuitBreaker {
	c.mu.RLock()
	cb, ok := c.breakers[endpoint]
	c.mu.RUnlock()
	if ok {
		return cb
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if cb, ok := c.breakers[endpoint]; ok {
		return cb
	}
	cb = breaker.New(c.window, c.cooldown, c.failureThresh, c.minSamples)
	c.breakers[endpoint] = cb
	return cb
}

// Execute satisfies request.HTTPClient. When the endpoint's breaker is
// open, it fails fast without calling the wrapped client; this is a
// transport-classified error, and the daemon's dispatch task retries it
// like any other transport failure.
func (c *BreakerClient) Execute(ctx context.Context, data request.RequestData, apiKey string, timeout time.Duration) (request.HTTPResponse, error) {
	cb := c.breakerFor(data.Endpoint)

	if !cb.Allow() {
		return request.HTTPResponse{}, fmt.Errorf("httpclient: circuit open for endpoint %s", data.Endpoint)
	}

	resp, err := c.inner.Execute(ctx, data, apiKey, timeout)
	cb.Record(err == nil && resp.Status < 500)
	return resp, err
}
