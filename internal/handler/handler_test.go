package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/ChuLiYu/beaver-queue/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingSleeper records requested durations instead of sleeping
type recordingSleeper struct {
	mu    sync.Mutex
	calls []time.Duration
}

func (s *recordingSleeper) Sleep(_ context.Context, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, d)
	return nil
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRegistryResolveFallsBackToDefault(t *testing.T) {
	var hit string
	fallback := Func(func(context.Context, types.Task) error { hit = "default"; return nil })
	email := Func(func(context.Context, types.Task) error { hit = "email"; return nil })

	r := NewRegistry(fallback)
	r.Register(types.TypeEmail, email)

	require.NoError(t, r.Resolve(types.TypeEmail).Execute(context.Background(), types.Task{}))
	assert.Equal(t, "email", hit)

	require.NoError(t, r.Resolve("NO_SUCH_TYPE").Execute(context.Background(), types.Task{}))
	assert.Equal(t, "default", hit)

	assert.NotNil(t, r.Resolve(""))
}

func TestRegistryRequiresDefault(t *testing.T) {
	assert.Panics(t, func() { NewRegistry(nil) })

	r := NewRegistry(Func(func(context.Context, types.Task) error { return nil }))
	assert.Panics(t, func() { r.Register(types.TypeSMS, nil) })
}

func TestBuiltinRegistryTypes(t *testing.T) {
	r := NewBuiltinRegistry(DefaultTimings(), &recordingSleeper{}, quietLogger())

	assert.ElementsMatch(t, []types.TaskType{
		types.TypeDataCleanup, types.TypeEmail, types.TypeFail, types.TypeFailAbs,
		types.TypeNewsletter, types.TypeReport, types.TypeSMS, types.TypeTakesLong,
	}, r.Types())
}

func TestSimulatedHandlersSleepConfiguredDuration(t *testing.T) {
	sleeper := &recordingSleeper{}
	timings := DefaultTimings()
	r := NewBuiltinRegistry(timings, sleeper, quietLogger())

	ctx := context.Background()
	require.NoError(t, r.Resolve(types.TypeEmail).Execute(ctx, types.Task{ID: "a", Type: types.TypeEmail}))
	require.NoError(t, r.Resolve(types.TypeReport).Execute(ctx, types.Task{ID: "b", Type: types.TypeReport}))
	require.NoError(t, r.Resolve("UNKNOWN").Execute(ctx, types.Task{ID: "c", Type: "UNKNOWN"}))

	assert.Equal(t, []time.Duration{timings.Email, timings.Report, timings.Default}, sleeper.calls)
}

func TestTimingsLongest(t *testing.T) {
	assert.Equal(t, 10*time.Second, DefaultTimings().Longest())

	timings := Timings{Default: time.Second, FailAbsolute: 4 * time.Second}
	assert.Equal(t, 4*time.Second, timings.Longest())
	assert.Zero(t, Timings{}.Longest())
}

func TestAlwaysFail(t *testing.T) {
	r := NewBuiltinRegistry(DefaultTimings(), &recordingSleeper{}, quietLogger())
	task := types.Task{ID: "t-fail", Type: types.TypeFailAbs}

	err := r.Resolve(types.TypeFailAbs).Execute(context.Background(), task)

	var perr *ProcessingError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, types.TaskID("t-fail"), perr.TaskID)
	assert.Equal(t, types.TypeFailAbs, perr.Type)
}

func TestFlaky(t *testing.T) {
	logger := quietLogger()
	task := types.Task{ID: "t-flaky", Type: types.TypeFail}

	// rate 1: every roll in [0,1) succeeds
	ok := NewFlaky(1, time.Millisecond, time.Millisecond, &recordingSleeper{}, rand.New(rand.NewPCG(1, 2)), logger)
	for i := 0; i < 20; i++ {
		assert.NoError(t, ok.Execute(context.Background(), task))
	}

	// rate 0: every roll fails
	bad := NewFlaky(0, time.Millisecond, time.Millisecond, &recordingSleeper{}, rand.New(rand.NewPCG(1, 2)), logger)
	for i := 0; i < 20; i++ {
		assert.Error(t, bad.Execute(context.Background(), task))
	}
}

func TestClockSleeperHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := ClockSleeper{}.Sleep(ctx, time.Hour)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NoError(t, ClockSleeper{}.Sleep(context.Background(), 0))
}

func TestInvokeNormalizesErrors(t *testing.T) {
	task := types.Task{ID: "t-1", Type: types.TypeSMS}
	ctx := context.Background()

	assert.NoError(t, Invoke(ctx, Func(func(context.Context, types.Task) error { return nil }), task))

	plain := errors.New("smtp down")
	err := Invoke(ctx, Func(func(context.Context, types.Task) error { return plain }), task)
	var perr *ProcessingError
	require.True(t, errors.As(err, &perr))
	assert.ErrorIs(t, err, plain)
	assert.Equal(t, types.TaskID("t-1"), perr.TaskID)

	typed := Fail(task, "bad payload", nil)
	err = Invoke(ctx, Func(func(context.Context, types.Task) error { return typed }), task)
	assert.Same(t, typed, err)
}

func TestInvokeRecoversPanic(t *testing.T) {
	task := types.Task{ID: "t-panic", Type: types.TypeEmail}

	err := Invoke(context.Background(), Func(func(context.Context, types.Task) error {
		panic("boom")
	}), task)

	var perr *ProcessingError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, "handler panicked", perr.Reason)
	assert.Contains(t, err.Error(), "boom")
}
