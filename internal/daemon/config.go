// Copyright 2025 James Ross
package daemon

import (
	"time"

	"github.com/doublewordai/batcherd/internal/request"
)

// Config is the process-wide configuration read once at daemon startup.
// model_concurrency_limits is consulted lazily, on first use of a model;
// there is no hot reload.
type Config struct {
	// ClaimBatchSize is the maximum number of rows claimed per iteration.
	ClaimBatchSize int
	// DefaultModelConcurrency is the permit count for models with no
	// entry in ModelConcurrencyLimits.
	DefaultModelConcurrency int
	// ModelConcurrencyLimits overrides DefaultModelConcurrency per model.
	ModelConcurrencyLimits map[string]int
	// ClaimInterval is the period of the loop's claim ticker. A claim runs
	// on every tick whether or not the previous claim returned rows; a
	// non-empty claim does not trigger an immediate follow-up claim.
	ClaimInterval time.Duration

	MaxRetries    uint32
	BackoffMS     uint64
	BackoffFactor uint64
	MaxBackoffMS  uint64

	// Timeout bounds a single HTTP attempt.
	Timeout time.Duration

	// LeaseTTL is how long after its StartedAt a Processing row is
	// considered abandoned by the reaper and moved back to Pending.
	LeaseTTL time.Duration
	// StatusLogInterval is the period between in-flight gauge log lines.
	StatusLogInterval time.Duration

	// ShouldRetry classifies a response status as retriable. Defaults to
	// request.DefaultShouldRetry when nil.
	ShouldRetry request.ShouldRetry
}

// DefaultConfig returns the spec's documented defaults.
func DefaultConfig() Config {
	return Config{
		ClaimBatchSize:          100,
		DefaultModelConcurrency: 10,
		ModelConcurrencyLimits:  map[string]int{},
		ClaimInterval:           time.Second,
		MaxRetries:              5,
		BackoffMS:               500,
		BackoffFactor:           2,
		MaxBackoffMS:            30_000,
		Timeout:                 30 * time.Second,
		LeaseTTL:                5 * time.Minute,
		StatusLogInterval:       2 * time.Second,
	}
}

func (c Config) retryConfig() request.RetryConfig {
	return request.RetryConfig{
		MaxRetries:    c.MaxRetries,
		BackoffMS:     c.BackoffMS,
		BackoffFactor: c.BackoffFactor,
		MaxBackoffMS:  c.MaxBackoffMS,
	}
}

func (c Config) shouldRetry() request.ShouldRetry {
	if c.ShouldRetry != nil {
		return c.ShouldRetry
	}
	return request.DefaultShouldRetry
}

func (c Config) limitFor(model string) int {
	if limit, ok := c.ModelConcurrencyLimits[model]; ok && limit > 0 {
		return limit
	}
	if c.DefaultModelConcurrency > 0 {
		return c.DefaultModelConcurrency
	}
	return 1
}
