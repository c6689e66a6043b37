// ============================================================================
// Beaver-Queue Orchestrator - 任務處理協調器
// ============================================================================
//
// Package: internal/processing
// 文件: orchestrator.go
// 功能: claim -> lock -> handler -> 持久化結果 -> 重試排程
//
// ClaimAndProcess 流程:
//   1. 讀取任務，不存在則記錄並返回
//   2. TryClaim (QUEUED -> INPROGRESS, attempts+1)，0 rows 即返回
//   3. 取得 task:lock:<id>，失敗則 RevertClaim 並延遲重送
//   4. 依類型解析 handler 並計時執行
//   5. 成功: INPROGRESS -> COMPLETED，更新快取、計數、事件
//   6. 失敗: INPROGRESS -> FAILED；attempts < maxRetries 時
//      FAILED -> QUEUED 並以 backoff.Delay(attempts) 排程重送
//   7. 無論結果都以同一個 token 釋放鎖
//
// 錯誤分類:
//   - 0 rows (claim 衝突): 正常競爭結果，不是錯誤
//   - 鎖不可用: 回滾 claim
//   - handler 失敗: 轉為 FAILED 並判斷是否重試
//   - 次數用盡: 停留在 FAILED，只能 ManualRequeue
//   - store 故障: 該次處理中止，任務可能停在 INPROGRESS
//
// ============================================================================

package processing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ChuLiYu/beaver-queue/internal/backoff"
	"github.com/ChuLiYu/beaver-queue/internal/cache"
	"github.com/ChuLiYu/beaver-queue/internal/claim"
	"github.com/ChuLiYu/beaver-queue/internal/events"
	"github.com/ChuLiYu/beaver-queue/internal/handler"
	"github.com/ChuLiYu/beaver-queue/internal/lock"
	"github.com/ChuLiYu/beaver-queue/internal/store"
	"github.com/ChuLiYu/beaver-queue/pkg/types"
)

const tracerName = "github.com/ChuLiYu/beaver-queue/internal/processing"

// ReasonRequeued is the TaskCreated reason emitted by ManualRequeue.
const ReasonRequeued = "requeued"

// Outcome is the result of one ClaimAndProcess call.
type Outcome int

const (
	OutcomeNotFound Outcome = iota
	OutcomeNotClaimed
	OutcomeLockUnavailable
	OutcomeCompleted
	OutcomeRetryScheduled
	OutcomeFailedTerminal
	OutcomeError
)

var outcomeNames = map[Outcome]string{
	OutcomeNotFound:        "not_found",
	OutcomeNotClaimed:      "not_claimed",
	OutcomeLockUnavailable: "lock_unavailable",
	OutcomeCompleted:       "completed",
	OutcomeRetryScheduled:  "retry_scheduled",
	OutcomeFailedTerminal:  "failed_terminal",
	OutcomeError:           "error",
}

func (o Outcome) String() string {
	if s, ok := outcomeNames[o]; ok {
		return s
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

// Metrics is the counter surface the orchestrator reports to.
// *metrics.Collector implements it.
type Metrics interface {
	RecordClaimed()
	RecordCompleted()
	RecordFailed()
	RecordRetried()
	ObserveHandler(taskType string, success bool, d time.Duration)
}

type nopMetrics struct{}

func (nopMetrics) RecordClaimed()                             {}
func (nopMetrics) RecordCompleted()                           {}
func (nopMetrics) RecordFailed()                              {}
func (nopMetrics) RecordRetried()                             {}
func (nopMetrics) ObserveHandler(string, bool, time.Duration) {}

// Scheduler defers a resubmission. *worker.Scheduler implements it.
type Scheduler interface {
	ScheduleAfter(id types.TaskID, delay time.Duration) error
}

// Config holds the lock and retry tunables.
type Config struct {
	LockTTL        time.Duration // 單次執行的最長時間
	LockKeyPrefix  string        // 預設 lock.KeyPrefix
	LockRetryDelay time.Duration // 鎖衝突後重送延遲；0 表示不重送
	RefundAttempt  bool          // 鎖衝突回滾時是否退還 attempt
}

// Orchestrator runs the claim-and-process algorithm.
type Orchestrator struct {
	store    store.Store
	claims   *claim.Protocol
	locker   lock.Locker
	registry *handler.Registry
	policy   backoff.Policy
	sched    Scheduler
	cfg      Config

	cache   cache.Cache
	metrics Metrics
	events  *events.Log
	bus     *events.Bus
	tracer  trace.Tracer
	logger  *slog.Logger
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithCache sets the read-through cache updated after every outcome.
func WithCache(c cache.Cache) Option { return func(o *Orchestrator) { o.cache = c } }

// WithMetrics sets the counter sink.
func WithMetrics(m Metrics) Option { return func(o *Orchestrator) { o.metrics = m } }

// WithEventLog sets the operational event log.
func WithEventLog(l *events.Log) Option { return func(o *Orchestrator) { o.events = l } }

// WithBus sets the bus ManualRequeue publishes to.
func WithBus(b *events.Bus) Option { return func(o *Orchestrator) { o.bus = b } }

// WithTracer overrides the global tracer.
func WithTracer(t trace.Tracer) Option { return func(o *Orchestrator) { o.tracer = t } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(o *Orchestrator) { o.logger = l } }

// New wires an orchestrator. registry, policy and sched are required.
func New(s store.Store, locker lock.Locker, registry *handler.Registry, policy backoff.Policy, sched Scheduler, cfg Config, opts ...Option) *Orchestrator {
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 15 * time.Second
	}
	if cfg.LockKeyPrefix == "" {
		cfg.LockKeyPrefix = lock.KeyPrefix
	}
	o := &Orchestrator{
		store:    s,
		claims:   claim.New(s),
		locker:   locker,
		registry: registry,
		policy:   policy,
		sched:    sched,
		cfg:      cfg,
		cache:    cache.Nop{},
		metrics:  nopMetrics{},
		events:   events.NewLog(events.DefaultCapacity),
		bus:      events.NewBus(nil),
		tracer:   otel.Tracer(tracerName),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.logger = o.logger.With("component", "orchestrator")
	return o
}

// ClaimAndProcess claims id and, if the claim wins, executes its handler and
// persists the outcome. Concurrent calls for the same id are safe: exactly one
// passes the claim and the rest return OutcomeNotClaimed without side effects.
func (o *Orchestrator) ClaimAndProcess(ctx context.Context, id types.TaskID) Outcome {
	ctx, span := o.tracer.Start(ctx, "queue.task.claim_and_process",
		trace.WithAttributes(attribute.String("queue.task.id", string(id))),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	defer span.End()

	outcome, err := o.claimAndProcess(ctx, id)
	span.SetAttributes(attribute.String("queue.task.outcome", outcome.String()))
	switch {
	case err != nil:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	case outcome == OutcomeRetryScheduled || outcome == OutcomeFailedTerminal:
		span.SetStatus(codes.Error, outcome.String())
	default:
		span.SetStatus(codes.Ok, "")
	}
	return outcome
}

func (o *Orchestrator) claimAndProcess(ctx context.Context, id types.TaskID) (Outcome, error) {
	// 1. 未知 ID
	if _, err := o.store.FindByID(ctx, id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			o.logger.Warn("claim requested for unknown task", "task_id", id)
			return OutcomeNotFound, nil
		}
		o.logger.Error("load task failed", "task_id", id, "error", err)
		return OutcomeError, err
	}

	// 2. 認領
	won, err := o.claims.TryClaim(ctx, id)
	if err != nil {
		o.logger.Error("claim failed", "task_id", id, "error", err)
		o.events.Add("Claim error for %s: %v", id, err)
		return OutcomeError, err
	}
	if !won {
		o.logger.Debug("task not claimable", "task_id", id)
		return OutcomeNotClaimed, nil
	}
	o.metrics.RecordClaimed()

	// 從這裡開始結果一律寫回，不受呼叫端取消影響
	persistCtx := context.WithoutCancel(ctx)

	rec, err := o.store.FindByID(persistCtx, id)
	if err != nil {
		o.logger.Error("reload claimed task failed", "task_id", id, "error", err)
		o.events.Add("Task %s claimed but could not be reloaded: %v", id, err)
		return OutcomeError, err
	}
	task := rec.Task

	// 3. 分散式鎖
	key := lock.TaskKey(o.cfg.LockKeyPrefix, string(id))
	token, locked, err := o.locker.TryLock(ctx, key, o.cfg.LockTTL)
	if err != nil || !locked {
		return o.lockUnavailable(persistCtx, task, err)
	}

	// 4. 執行 handler（Invoke 會攔下 panic，鎖一定會釋放）
	h := o.registry.Resolve(task.Type)
	start := time.Now()
	herr := handler.Invoke(ctx, h, task)
	o.metrics.ObserveHandler(string(task.Type), herr == nil, time.Since(start))

	// 排重試之前先放鎖，下一次認領才不會撞到自己的鎖
	o.release(persistCtx, id, key, token)

	if herr == nil {
		return o.complete(persistCtx, task)
	}
	return o.fail(persistCtx, task, herr)
}

func (o *Orchestrator) lockUnavailable(ctx context.Context, task types.Task, lockErr error) (Outcome, error) {
	if lockErr != nil {
		o.logger.Warn("lock acquisition error", "task_id", task.ID, "error", lockErr)
	}

	var (
		reverted bool
		err      error
	)
	if o.cfg.RefundAttempt {
		reverted, err = o.claims.RevertClaimRefund(ctx, task.ID, task.Attempts)
	} else {
		reverted, err = o.claims.RevertClaim(ctx, task.ID)
	}
	if err != nil {
		o.logger.Error("revert claim failed", "task_id", task.ID, "error", err)
		o.events.Add("Task %s stuck INPROGRESS: revert failed: %v", task.ID, err)
		return OutcomeError, err
	}
	if !reverted {
		o.logger.Warn("revert claim found task no longer INPROGRESS", "task_id", task.ID)
	}

	o.events.Add("Lock unavailable for %s, claim reverted", task.ID)
	o.refreshCache(ctx, task.ID)

	if reverted && o.cfg.LockRetryDelay > 0 {
		if err := o.sched.ScheduleAfter(task.ID, o.cfg.LockRetryDelay); err != nil {
			o.logger.Warn("schedule after lock conflict failed", "task_id", task.ID, "error", err)
		}
	}
	return OutcomeLockUnavailable, nil
}

func (o *Orchestrator) release(ctx context.Context, id types.TaskID, key, token string) {
	ok, err := o.locker.Unlock(ctx, key, token)
	switch {
	case err != nil:
		o.logger.Warn("unlock failed", "task_id", id, "error", err)
	case !ok:
		o.logger.Warn("lock expired before release", "task_id", id, "ttl", o.cfg.LockTTL)
	}
}

func (o *Orchestrator) complete(ctx context.Context, task types.Task) (Outcome, error) {
	n, err := o.store.TransitionSimple(ctx, task.ID, types.StatusInProgress, types.StatusCompleted)
	if err != nil {
		o.logger.Error("persist completion failed", "task_id", task.ID, "error", err)
		o.events.Add("Task %s finished but completion was not persisted: %v", task.ID, err)
		return OutcomeError, err
	}
	if n == 0 {
		o.logger.Warn("task left INPROGRESS before completion was persisted", "task_id", task.ID)
	}

	o.refreshCache(ctx, task.ID)
	o.metrics.RecordCompleted()
	o.events.Add("Task %s (%s) completed on attempt %d", task.ID, task.Type, task.Attempts)
	o.logger.Info("task completed", "task_id", task.ID, "type", task.Type, "attempts", task.Attempts)
	return OutcomeCompleted, nil
}

func (o *Orchestrator) fail(ctx context.Context, task types.Task, herr error) (Outcome, error) {
	if _, err := o.store.TransitionSimple(ctx, task.ID, types.StatusInProgress, types.StatusFailed); err != nil {
		o.logger.Error("persist failure failed", "task_id", task.ID, "error", err)
		o.events.Add("Task %s failed but failure was not persisted: %v", task.ID, err)
		return OutcomeError, err
	}
	o.metrics.RecordFailed()
	o.events.Add("Task %s (%s) failed on attempt %d: %v", task.ID, task.Type, task.Attempts, herr)
	o.logger.Warn("task failed", "task_id", task.ID, "type", task.Type, "attempts", task.Attempts, "error", herr)

	if !task.CanRetry() {
		o.refreshCache(ctx, task.ID)
		o.events.Add("Task %s permanently failed after %d attempts", task.ID, task.Attempts)
		o.logger.Error("task permanently failed", "task_id", task.ID, "attempts", task.Attempts, "max_retries", task.MaxRetries)
		return OutcomeFailedTerminal, nil
	}

	n, err := o.store.TransitionSimple(ctx, task.ID, types.StatusFailed, types.StatusQueued)
	if err != nil {
		o.logger.Error("requeue after failure failed", "task_id", task.ID, "error", err)
		return OutcomeError, err
	}
	o.refreshCache(ctx, task.ID)
	if n == 0 {
		// 例如已被手動重排
		o.logger.Warn("task left FAILED before automatic requeue", "task_id", task.ID)
		return OutcomeFailedTerminal, nil
	}

	delay := o.policy.Delay(task.Attempts)
	if err := o.sched.ScheduleAfter(task.ID, delay); err != nil {
		o.logger.Warn("schedule retry failed, task stays QUEUED", "task_id", task.ID, "error", err)
	}
	o.metrics.RecordRetried()
	o.events.Add("Task %s requeued, retry %d/%d in %s", task.ID, task.Attempts, task.MaxRetries, delay)
	return OutcomeRetryScheduled, nil
}

// ManualRequeue moves a FAILED task back to QUEUED with attempts reset to 0
// and publishes a TaskCreated event. It reports false, with no mutation, for
// a missing task or one not in FAILED.
func (o *Orchestrator) ManualRequeue(ctx context.Context, id types.TaskID) (bool, error) {
	rec, err := o.store.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("processing: requeue %s: %w", id, err)
	}
	if rec.Status != types.StatusFailed {
		return false, nil
	}

	n, err := o.store.Transition(ctx, id, types.StatusFailed, types.StatusQueued, 0)
	if err != nil {
		return false, fmt.Errorf("processing: requeue %s: %w", id, err)
	}
	if n == 0 {
		return false, nil
	}

	o.refreshCache(ctx, id)
	o.events.Add("Task %s manually requeued", id)
	o.logger.Info("task manually requeued", "task_id", id)
	o.bus.Publish(ctx, events.TaskCreated{ID: id, Reason: ReasonRequeued})
	return true, nil
}

// RecentEvents returns the event log, most recent first.
func (o *Orchestrator) RecentEvents() []string {
	return o.events.Recent()
}

// Events exposes the underlying log so other components can append to it.
func (o *Orchestrator) Events() *events.Log {
	return o.events
}

func (o *Orchestrator) refreshCache(ctx context.Context, id types.TaskID) {
	rec, err := o.store.FindByID(ctx, id)
	if err != nil {
		o.logger.Warn("reload for cache failed", "task_id", id, "error", err)
		return
	}
	if err := o.cache.Put(ctx, rec); err != nil {
		o.logger.Warn("cache update failed", "task_id", id, "error", err)
	}
}
