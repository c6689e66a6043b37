package handler

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/ChuLiYu/beaver-queue/pkg/types"
)

// Sleeper simulates work. Tests swap in a recording sleeper.
type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration) error
}

// ClockSleeper sleeps on the wall clock and returns early if ctx is done.
type ClockSleeper struct{}

func (ClockSleeper) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Timings holds the simulated duration of each built-in handler.
type Timings struct {
	Default      time.Duration `yaml:"default" env:"DEFAULT"`
	Email        time.Duration `yaml:"email" env:"EMAIL"`
	SMS          time.Duration `yaml:"sms" env:"SMS"`
	Report       time.Duration `yaml:"report" env:"REPORT"`
	Newsletter   time.Duration `yaml:"newsletter" env:"NEWSLETTER"`
	DataCleanup  time.Duration `yaml:"data_cleanup" env:"DATA_CLEANUP"`
	TakesLong    time.Duration `yaml:"takes_long" env:"TAKES_LONG"`
	Fail         time.Duration `yaml:"fail" env:"FAIL"`
	FailSuccess  time.Duration `yaml:"fail_success" env:"FAIL_SUCCESS"`
	FailAbsolute time.Duration `yaml:"fail_absolute" env:"FAIL_ABSOLUTE"`

	// FailSuccessRate is the probability that a FAIL task succeeds.
	FailSuccessRate float64 `yaml:"fail_success_rate" env:"FAIL_SUCCESS_RATE"`
}

// DefaultTimings mirrors the shipped configs/default.yaml.
func DefaultTimings() Timings {
	return Timings{
		Default:         2 * time.Second,
		Email:           2 * time.Second,
		SMS:             time.Second,
		Report:          5 * time.Second,
		Newsletter:      3 * time.Second,
		DataCleanup:     3 * time.Second,
		TakesLong:       10 * time.Second,
		Fail:            time.Second,
		FailSuccess:     time.Second,
		FailAbsolute:    time.Second,
		FailSuccessRate: 0.25,
	}
}

// Longest returns the largest configured handler duration.
func (t Timings) Longest() time.Duration {
	longest := t.Default
	for _, d := range []time.Duration{
		t.Email, t.SMS, t.Report, t.Newsletter, t.DataCleanup,
		t.TakesLong, t.Fail, t.FailSuccess, t.FailAbsolute,
	} {
		longest = max(longest, d)
	}
	return longest
}

// Simulated sleeps for a fixed duration and succeeds.
type Simulated struct {
	Duration time.Duration
	Sleeper  Sleeper
	Logger   *slog.Logger
}

func (h *Simulated) Execute(ctx context.Context, task types.Task) error {
	if err := h.Sleeper.Sleep(ctx, h.Duration); err != nil {
		return Fail(task, "interrupted", err)
	}
	h.Logger.Info("task completed", "task_id", task.ID, "type", task.Type)
	return nil
}

// Flaky succeeds with probability SuccessRate.
type Flaky struct {
	SuccessRate     float64
	SuccessDuration time.Duration
	FailDuration    time.Duration
	Sleeper         Sleeper
	Logger          *slog.Logger

	mu  sync.Mutex
	rnd *rand.Rand
}

// NewFlaky creates a Flaky handler. A nil rnd uses a randomly seeded source.
func NewFlaky(rate float64, success, fail time.Duration, sleeper Sleeper, rnd *rand.Rand, logger *slog.Logger) *Flaky {
	if rnd == nil {
		rnd = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())) //nolint:gosec
	}
	return &Flaky{
		SuccessRate:     rate,
		SuccessDuration: success,
		FailDuration:    fail,
		Sleeper:         sleeper,
		Logger:          logger,
		rnd:             rnd,
	}
}

func (h *Flaky) Execute(ctx context.Context, task types.Task) error {
	h.mu.Lock()
	roll := h.rnd.Float64()
	h.mu.Unlock()

	if roll < h.SuccessRate {
		if err := h.Sleeper.Sleep(ctx, h.SuccessDuration); err != nil {
			return Fail(task, "interrupted", err)
		}
		h.Logger.Info("flaky task completed", "task_id", task.ID, "attempts", task.Attempts)
		return nil
	}

	if err := h.Sleeper.Sleep(ctx, h.FailDuration); err != nil {
		return Fail(task, "interrupted", err)
	}
	h.Logger.Warn("flaky task failed", "task_id", task.ID, "attempts", task.Attempts)
	return Fail(task, "intentional failure for retry simulation", nil)
}

// AlwaysFail never succeeds.
type AlwaysFail struct {
	Duration time.Duration
	Sleeper  Sleeper
	Logger   *slog.Logger
}

func (h *AlwaysFail) Execute(ctx context.Context, task types.Task) error {
	if err := h.Sleeper.Sleep(ctx, h.Duration); err != nil {
		return Fail(task, "interrupted", err)
	}
	h.Logger.Warn("absolute-failure task rejected", "task_id", task.ID, "attempts", task.Attempts)
	return Fail(task, "intentional permanent failure", nil)
}

// NewBuiltinRegistry returns a Registry with every built-in task type
// registered and a Simulated default handler.
func NewBuiltinRegistry(t Timings, sleeper Sleeper, logger *slog.Logger) *Registry {
	if sleeper == nil {
		sleeper = ClockSleeper{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "handler")

	simulated := func(d time.Duration) Handler {
		return &Simulated{Duration: d, Sleeper: sleeper, Logger: logger}
	}

	r := NewRegistry(simulated(t.Default))
	r.Register(types.TypeEmail, simulated(t.Email))
	r.Register(types.TypeSMS, simulated(t.SMS))
	r.Register(types.TypeReport, simulated(t.Report))
	r.Register(types.TypeNewsletter, simulated(t.Newsletter))
	r.Register(types.TypeDataCleanup, simulated(t.DataCleanup))
	r.Register(types.TypeTakesLong, simulated(t.TakesLong))
	r.Register(types.TypeFail, NewFlaky(t.FailSuccessRate, t.FailSuccess, t.Fail, sleeper, nil, logger))
	r.Register(types.TypeFailAbs, &AlwaysFail{Duration: t.FailAbsolute, Sleeper: sleeper, Logger: logger})
	return r
}
