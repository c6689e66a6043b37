package controller

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/ChuLiYu/beaver-queue/internal/backoff"
	"github.com/ChuLiYu/beaver-queue/internal/cache"
	"github.com/ChuLiYu/beaver-queue/internal/config"
	"github.com/ChuLiYu/beaver-queue/internal/handler"
	"github.com/ChuLiYu/beaver-queue/internal/lock"
	"github.com/ChuLiYu/beaver-queue/internal/metrics"
	"github.com/ChuLiYu/beaver-queue/internal/processing"
	"github.com/ChuLiYu/beaver-queue/internal/snapshot"
	"github.com/ChuLiYu/beaver-queue/internal/store"
	"github.com/ChuLiYu/beaver-queue/internal/store/memory"
	"github.com/ChuLiYu/beaver-queue/internal/store/postgres"
)

// Build assembles a Controller and its backing services from cfg.
// reg may be nil when metrics are disabled.
func Build(ctx context.Context, cfg *config.Config, reg prometheus.Registerer, logger *slog.Logger) (*Controller, error) {
	if logger == nil {
		logger = log
	}

	var closers []io.Closer
	closeAll := func() {
		for _, cl := range closers {
			_ = cl.Close()
		}
	}

	// Redis：分散式鎖與快取共用一個 client
	var rdb *redis.Client
	if cfg.Lock.Driver == "redis" || cfg.Cache.Enabled {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		closers = append(closers, rdb)
		if err := rdb.Ping(ctx).Err(); err != nil {
			closeAll()
			return nil, fmt.Errorf("controller: redis %s: %w", cfg.Redis.Addr, err)
		}
	}

	var locker lock.Locker
	if cfg.Lock.Driver == "redis" {
		locker = lock.NewRedisLocker(rdb, lock.WithLogger(logger))
	} else {
		locker = lock.NewMemoryLocker()
	}

	var taskCache cache.Cache = cache.Nop{}
	if cfg.Cache.Enabled {
		taskCache = cache.NewRedis(rdb, cfg.Cache.TTL)
	}

	st, flusher, err := buildStore(ctx, cfg, logger)
	if err != nil {
		closeAll()
		return nil, err
	}

	policy := backoff.NewExponential(cfg.Retry.Base).
		WithMax(cfg.Retry.MaxDelay).
		WithJitter(cfg.Retry.Jitter)

	deps := Deps{
		Store:    st,
		Locker:   locker,
		Registry: handler.NewBuiltinRegistry(cfg.Handlers, handler.ClockSleeper{}, logger),
		Policy:   policy,
		Cache:    taskCache,
		Flusher:  flusher,
		Logger:   logger,
		Closers:  closers,
	}
	if cfg.Metrics.Enabled && reg != nil {
		deps.Metrics = metrics.NewCollector(reg)
	}

	ctrl, err := NewController(configFrom(cfg), deps)
	if err != nil {
		_ = st.Close()
		closeAll()
		return nil, err
	}
	return ctrl, nil
}

func buildStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (store.Store, Flusher, error) {
	switch cfg.Store.Driver {
	case "postgres":
		pg, err := postgres.New(ctx, cfg.Store.DatabaseURL, postgres.WithLogger(logger))
		if err != nil {
			return nil, nil, err
		}
		if cfg.Store.Migrate {
			if err := pg.Migrate(ctx); err != nil {
				_ = pg.Close()
				return nil, nil, err
			}
		}
		return pg, nil, nil

	default:
		var opts []memory.Option
		if cfg.Snapshot.Path != "" {
			opts = append(opts, memory.WithSnapshot(snapshot.NewManager(cfg.Snapshot.Path)))
		}
		mem, err := memory.New(opts...)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("memory store loaded", "tasks", mem.Len(), "snapshot", cfg.Snapshot.Path)
		if cfg.Snapshot.Path == "" {
			return mem, nil, nil
		}
		return mem, mem, nil
	}
}

func configFrom(cfg *config.Config) Config {
	out := Config{
		WorkerCount:       cfg.Worker.Count,
		QueueSize:         cfg.Worker.QueueSize,
		TimerCount:        cfg.Worker.Timers,
		ShutdownGrace:     cfg.Worker.ShutdownGrace,
		DefaultMaxRetries: cfg.Retry.DefaultMaxRetries,
		EventCapacity:     cfg.Events.Capacity,
		Processing: processing.Config{
			LockTTL:        cfg.Lock.TTL,
			LockKeyPrefix:  cfg.Lock.KeyPrefix,
			LockRetryDelay: cfg.Lock.RetryDelay,
			RefundAttempt:  cfg.Lock.RefundAttempt,
		},
		Reconcile: ReconcileConfig{
			Enabled:     cfg.Reconcile.Enabled,
			Schedule:    cfg.Reconcile.Schedule,
			OrphanAfter: cfg.Reconcile.OrphanAfter,
			BatchSize:   cfg.Reconcile.BatchSize,
			RatePerSec:  cfg.Reconcile.RatePerSec,
		},
	}
	if cfg.Store.Driver == "memory" && cfg.Snapshot.Path != "" {
		out.SnapshotSchedule = cfg.Snapshot.Schedule
	}
	return out
}
