// Copyright 2025 James Ross

// Package redisclient constructs the go-redis client backing the
// optional distributed status relay (internal/statusbus.RedisRelay).
// Unlike the teacher's use of Redis as the job queue itself, here it
// is strictly an observability convenience: Storage is the system of
// record.
package redisclient

import (
	"runtime"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/doublewordai/batcherd/internal/config"
)

// New returns a configured go-redis client with pooling and retries.
func New(cfg config.Redis) *redis.Client {
	poolSize := cfg.PoolSizeMultiplier * runtime.NumCPU()
	if poolSize <= 0 {
		poolSize = 10 * runtime.NumCPU()
	}
	return redis.NewClient(&redis.Options{
		Addr:            cfg.Addr,
		Username:        cfg.Username,
		Password:        cfg.Password,
		DB:              cfg.DB,
		PoolSize:        poolSize,
		MinIdleConns:    cfg.MinIdleConns,
		DialTimeout:     cfg.DialTimeout,
		ReadTimeout:     cfg.ReadTimeout,
		WriteTimeout:    cfg.WriteTimeout,
		MaxRetries:      cfg.MaxRetries,
		ConnMaxIdleTime: 5 * time.Minute,
	})
}
