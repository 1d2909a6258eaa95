// Copyright 2025 James Ross
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/doublewordai/batcherd/internal/config"
	"github.com/doublewordai/batcherd/internal/daemon"
	"github.com/doublewordai/batcherd/internal/httpclient"
	"github.com/doublewordai/batcherd/internal/obs"
	"github.com/doublewordai/batcherd/internal/reaper"
	"github.com/doublewordai/batcherd/internal/redisclient"
	"github.com/doublewordai/batcherd/internal/statusbus"
	"github.com/doublewordai/batcherd/internal/storage"
	"github.com/doublewordai/batcherd/internal/submitter"
)

var version = "dev"

func main() {
	var role string
	var configPath string
	var showVersion bool
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	fs.StringVar(&role, "role", "all", "Role to run: daemon|submitter|all")
	fs.StringVar(&configPath, "config", "config/config.yaml", "Path to YAML config")
	fs.BoolVar(&showVersion, "version", false, "Print version and exit")
	_ = fs.Parse(os.Args[1:])

	if showVersion {
		fmt.Println(version)
		return
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := obs.NewLogger(cfg.Observability.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	tp, err := obs.MaybeInitTracing(cfg)
	if err != nil {
		logger.Warn("tracing init failed", obs.Err(err))
	}
	if tp != nil {
		defer func() { _ = tp.Shutdown(context.Background()) }()
	}

	store, closeStore, err := openStorage(cfg.Storage)
	if err != nil {
		logger.Fatal("failed to open storage", obs.Err(err))
	}
	defer closeStore()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("signal received, shutting down", obs.String("signal", sig.String()))
		cancel()
		select {
		case sig2 := <-sigCh:
			logger.Warn("second signal received, exiting immediately", obs.String("signal", sig2.String()))
			os.Exit(1)
		case <-time.After(5 * time.Second):
		}
	}()

	readyCheck := func(c context.Context) error { return nil }
	httpSrv := obs.StartHTTPServer(cfg, readyCheck)
	defer func() { _ = httpSrv.Shutdown(context.Background()) }()

	obs.StartPendingRequestsSampler(ctx, store, cfg.Observability.StatusSampleInterval, logger)

	if cfg.StatusBus.RedisRelayEnabled {
		rdb := redisclient.New(cfg.Redis)
		defer rdb.Close()
		relay := statusbus.NewRedisRelay(rdb, cfg.StatusBus.RedisChannel)
		go relay.Attach(ctx, store.Bus())
	}

	switch role {
	case "submitter":
		sub := submitter.New(cfg.Submitter, store, logger)
		if err := sub.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Fatal("submitter error", obs.Err(err))
		}
	case "daemon":
		runDaemon(ctx, cfg, store, logger)
	case "all":
		sub := submitter.New(cfg.Submitter, store, logger)
		go func() {
			if err := sub.Run(ctx); err != nil && ctx.Err() == nil {
				logger.Error("submitter error", obs.Err(err))
			}
		}()
		runDaemon(ctx, cfg, store, logger)
	default:
		logger.Fatal("unknown role", obs.String("role", role))
	}
}

func runDaemon(ctx context.Context, cfg *config.Config, store storage.Storage, logger *zap.Logger) {
	httpClient := buildHTTPClient(cfg)

	rep := reaper.New(store, cfg.Daemon.LeaseTTL, cfg.Daemon.LeaseTTL/2, logger)
	go rep.Run(ctx)

	d := daemon.New(store, httpClient, cfg.Daemon.ToDaemonConfig(), logger)
	if err := d.Run(ctx); err != nil && ctx.Err() == nil {
		logger.Fatal("daemon error", obs.Err(err))
	}
}

func buildHTTPClient(cfg *config.Config) *httpclient.BreakerClient {
	base := httpclient.NewDefaultClient()
	return httpclient.NewBreakerClient(base,
		cfg.CircuitBreaker.Window,
		cfg.CircuitBreaker.CooldownPeriod,
		cfg.CircuitBreaker.FailureThreshold,
		cfg.CircuitBreaker.MinSamples,
	)
}

func openStorage(cfg config.Storage) (storage.Storage, func(), error) {
	switch cfg.Backend {
	case "postgres":
		s, err := storage.OpenPostgres(cfg.PostgresDSN, cfg.UpdateBusBufferSize)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { _ = s.Close() }, nil
	case "sqlite":
		s, err := storage.OpenSQLite(cfg.SQLitePath, cfg.UpdateBusBufferSize)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { _ = s.Close() }, nil
	default:
		s := storage.NewMemoryStorage(cfg.UpdateBusBufferSize)
		return s, func() {}, nil
	}
}
