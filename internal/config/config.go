// Package config loads the queue configuration.
//
// Values are layered: built-in defaults, then the YAML file, then BEAVER_*
// environment variables. Call Load once at startup and pass the result down.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/beaver-queue/internal/handler"
)

// EnvPrefix prefixes every environment variable.
const EnvPrefix = "BEAVER_"

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("config: invalid")

// Config is the complete system configuration.
type Config struct {
	Worker struct {
		Count         int           `yaml:"count" env:"COUNT"`
		QueueSize     int           `yaml:"queue_size" env:"QUEUE_SIZE"`
		Timers        int           `yaml:"timers" env:"TIMERS"`
		ShutdownGrace time.Duration `yaml:"shutdown_grace" env:"SHUTDOWN_GRACE"`
	} `yaml:"worker" envPrefix:"WORKER_"`

	Retry struct {
		Base              time.Duration `yaml:"base" env:"BASE"`
		MaxDelay          time.Duration `yaml:"max_delay" env:"MAX_DELAY"`
		Jitter            float64       `yaml:"jitter" env:"JITTER"`
		DefaultMaxRetries int           `yaml:"default_max_retries" env:"DEFAULT_MAX_RETRIES"`
	} `yaml:"retry" envPrefix:"RETRY_"`

	Lock struct {
		Driver        string        `yaml:"driver" env:"DRIVER"` // redis | memory
		TTL           time.Duration `yaml:"ttl" env:"TTL"`
		KeyPrefix     string        `yaml:"key_prefix" env:"KEY_PREFIX"`
		RetryDelay    time.Duration `yaml:"retry_delay" env:"RETRY_DELAY"`
		RefundAttempt bool          `yaml:"refund_attempt" env:"REFUND_ATTEMPT"`
	} `yaml:"lock" envPrefix:"LOCK_"`

	Store struct {
		Driver      string `yaml:"driver" env:"DRIVER"` // memory | postgres
		DatabaseURL string `yaml:"database_url" env:"DATABASE_URL"`
		Migrate     bool   `yaml:"migrate" env:"MIGRATE"`
	} `yaml:"store" envPrefix:"STORE_"`

	Redis struct {
		Addr     string `yaml:"addr" env:"ADDR"`
		Password string `yaml:"password" env:"PASSWORD"`
		DB       int    `yaml:"db" env:"DB"`
	} `yaml:"redis" envPrefix:"REDIS_"`

	Cache struct {
		Enabled bool          `yaml:"enabled" env:"ENABLED"`
		TTL     time.Duration `yaml:"ttl" env:"TTL"`
	} `yaml:"cache" envPrefix:"CACHE_"`

	Events struct {
		Capacity int `yaml:"capacity" env:"CAPACITY"`
	} `yaml:"events" envPrefix:"EVENTS_"`

	Reconcile struct {
		Enabled     bool          `yaml:"enabled" env:"ENABLED"`
		Schedule    string        `yaml:"schedule" env:"SCHEDULE"`
		OrphanAfter time.Duration `yaml:"orphan_after" env:"ORPHAN_AFTER"`
		BatchSize   int           `yaml:"batch_size" env:"BATCH_SIZE"`
		RatePerSec  float64       `yaml:"rate_per_sec" env:"RATE_PER_SEC"`
	} `yaml:"reconcile" envPrefix:"RECONCILE_"`

	Snapshot struct {
		Path     string `yaml:"path" env:"PATH"`
		Schedule string `yaml:"schedule" env:"SCHEDULE"`
	} `yaml:"snapshot" envPrefix:"SNAPSHOT_"`

	Handlers handler.Timings `yaml:"handlers" envPrefix:"HANDLERS_"`

	Metrics struct {
		Enabled bool `yaml:"enabled" env:"ENABLED"`
	} `yaml:"metrics" envPrefix:"METRICS_"`

	HTTP struct {
		Addr string `yaml:"addr" env:"ADDR"`
	} `yaml:"http" envPrefix:"HTTP_"`

	GRPC struct {
		Addr string `yaml:"addr" env:"ADDR"`
	} `yaml:"grpc" envPrefix:"GRPC_"`

	Log struct {
		Level  string `yaml:"level" env:"LEVEL"`
		Format string `yaml:"format" env:"FORMAT"` // text | json
	} `yaml:"log" envPrefix:"LOG_"`
}

// Default returns the built-in configuration.
func Default() *Config {
	cfg := &Config{}

	cfg.Worker.Count = 10
	cfg.Worker.QueueSize = 100
	cfg.Worker.Timers = 5
	cfg.Worker.ShutdownGrace = 30 * time.Second

	cfg.Retry.Base = time.Second
	cfg.Retry.DefaultMaxRetries = 3

	cfg.Lock.Driver = "redis"
	cfg.Lock.TTL = 15 * time.Second
	cfg.Lock.KeyPrefix = "task:lock:"
	cfg.Lock.RetryDelay = 500 * time.Millisecond

	cfg.Store.Driver = "memory"
	cfg.Store.Migrate = true

	cfg.Redis.Addr = "localhost:6379"

	cfg.Cache.Enabled = true
	cfg.Cache.TTL = 10 * time.Minute

	cfg.Events.Capacity = 200

	cfg.Reconcile.Enabled = true
	cfg.Reconcile.Schedule = "@every 30s"
	cfg.Reconcile.OrphanAfter = time.Minute
	cfg.Reconcile.BatchSize = 100
	cfg.Reconcile.RatePerSec = 50

	cfg.Snapshot.Schedule = "@every 1m"

	cfg.Handlers = handler.DefaultTimings()

	cfg.Metrics.Enabled = true
	cfg.HTTP.Addr = ":8080"
	cfg.GRPC.Addr = ":50051"

	cfg.Log.Level = "info"
	cfg.Log.Format = "text"
	return cfg
}

// Load reads path over the defaults (an empty path skips the file), then
// applies environment overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("config: env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects values the engine cannot run with.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
		}
	}

	check(c.Worker.Count > 0, "worker.count must be positive, got %d", c.Worker.Count)
	check(c.Worker.QueueSize >= 0, "worker.queue_size must not be negative, got %d", c.Worker.QueueSize)
	check(c.Worker.Timers > 0, "worker.timers must be positive, got %d", c.Worker.Timers)
	check(c.Worker.ShutdownGrace > 0, "worker.shutdown_grace must be positive")

	check(c.Retry.Base > 0, "retry.base must be positive")
	check(c.Retry.MaxDelay >= 0, "retry.max_delay must not be negative")
	check(c.Retry.Jitter >= 0 && c.Retry.Jitter <= 1, "retry.jitter must be in [0,1], got %v", c.Retry.Jitter)
	check(c.Retry.DefaultMaxRetries > 0, "retry.default_max_retries must be positive, got %d", c.Retry.DefaultMaxRetries)

	check(c.Lock.Driver == "redis" || c.Lock.Driver == "memory", "lock.driver must be redis or memory, got %q", c.Lock.Driver)
	check(c.Lock.TTL > 0, "lock.ttl must be positive")
	// 鎖要撐過最慢的 handler，否則執行中途就會過期
	check(c.Lock.TTL > c.Handlers.Longest(),
		"lock.ttl (%s) must exceed the longest handler duration (%s)", c.Lock.TTL, c.Handlers.Longest())
	check(c.Lock.RetryDelay >= 0, "lock.retry_delay must not be negative")

	check(c.Store.Driver == "memory" || c.Store.Driver == "postgres", "store.driver must be memory or postgres, got %q", c.Store.Driver)
	if c.Store.Driver == "postgres" {
		check(c.Store.DatabaseURL != "", "store.database_url is required for the postgres driver")
	}
	if c.Lock.Driver == "redis" || c.Cache.Enabled {
		check(c.Redis.Addr != "", "redis.addr is required for the redis lock or cache")
	}

	check(c.Events.Capacity > 0, "events.capacity must be positive, got %d", c.Events.Capacity)
	if c.Reconcile.Enabled {
		check(c.Reconcile.Schedule != "", "reconcile.schedule is required when reconcile is enabled")
		check(c.Reconcile.BatchSize > 0, "reconcile.batch_size must be positive")
		check(c.Reconcile.RatePerSec > 0, "reconcile.rate_per_sec must be positive")
	}
	check(c.Handlers.FailSuccessRate >= 0 && c.Handlers.FailSuccessRate <= 1,
		"handlers.fail_success_rate must be in [0,1], got %v", c.Handlers.FailSuccessRate)

	switch c.Log.Format {
	case "text", "json":
	default:
		check(false, "log.format must be text or json, got %q", c.Log.Format)
	}

	return errors.Join(errs...)
}
