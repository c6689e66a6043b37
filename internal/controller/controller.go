// ============================================================================
// Beaver-Queue 控制器 - 系統核心協調器
// ============================================================================
//
// Package: internal/controller
// 文件: controller.go
// 功能: 組裝 Store / Lock / Cache / Orchestrator / Worker Pool / Scheduler，
//       對外提供任務提交、查詢、手動重排與狀態查詢
//
// 架構設計:
//   CreateTask ──> Store.Create ──> Cache.Put ──> Bus.Publish(TaskCreated)
//                                                    │
//                                                    ▼
//   Scheduler.ScheduleAfter ──────────────> Pool.SubmitByID ──> Orchestrator.ClaimAndProcess
//
//   - Store 是任務狀態的唯一權威；Cache 只是加速讀取
//   - 任務只有在持久化之後才會送進 Worker Pool
//   - 重送同一個 QUEUED ID 永遠安全，claim 會擋掉重複處理
//
// 背景工作 (robfig/cron):
//   1. reconcile - 重送更新時間過舊的 QUEUED 任務，以 rate.Limiter 限速
//   2. snapshot  - 記憶體儲存定期寫快照
//
// 啟動流程:
//   1. 啟動 Scheduler 與 Worker Pool
//   2. 背景重送 Store 中所有 QUEUED 任務（上次程序可能只把 ID 留在記憶體）
//   3. 啟動 cron
//
// 關閉順序:
//   1. 取消背景 ctx（停止啟動重送與 reconcile）
//   2. cron.Stop() 並等待執行中的 job
//   3. Scheduler.Stop()：未觸發的計時器丟棄、轉送中的 submit 取消，任務仍是 QUEUED
//   4. Pool.Stop(ctx)：寬限期內排空，逾時丟棄
//   5. Store.Close() 與其他資源
//
// ============================================================================

package controller

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/ChuLiYu/beaver-queue/internal/backoff"
	"github.com/ChuLiYu/beaver-queue/internal/cache"
	"github.com/ChuLiYu/beaver-queue/internal/events"
	"github.com/ChuLiYu/beaver-queue/internal/handler"
	"github.com/ChuLiYu/beaver-queue/internal/lock"
	"github.com/ChuLiYu/beaver-queue/internal/metrics"
	"github.com/ChuLiYu/beaver-queue/internal/processing"
	"github.com/ChuLiYu/beaver-queue/internal/store"
	"github.com/ChuLiYu/beaver-queue/internal/worker"
	"github.com/ChuLiYu/beaver-queue/pkg/types"
)

var log = slog.Default()

// ReasonCreated is the TaskCreated reason emitted by CreateTask.
const ReasonCreated = "created"

var (
	// ErrInvalidTask 提交內容不合法
	ErrInvalidTask = errors.New("invalid task")
	// ErrAlreadyStarted Start 被重複呼叫
	ErrAlreadyStarted = errors.New("controller already started")
)

// ============================================================================
// 資料結構定義
// ============================================================================

// ReconcileConfig 孤兒 QUEUED 任務的定期掃描
type ReconcileConfig struct {
	Enabled     bool
	Schedule    string        // cron 表達式，例如 "@every 30s"
	OrphanAfter time.Duration // updatedAt 早於 now-OrphanAfter 才重送
	BatchSize   int           // 單次掃描上限
	RatePerSec  float64       // 重送速率
}

// Config Controller 配置
type Config struct {
	WorkerCount       int           // Worker 數量
	QueueSize         int           // 派送佇列大小
	TimerCount        int           // 計時器 goroutine 數量
	ShutdownGrace     time.Duration // Stop 的預設寬限期
	DefaultMaxRetries int           // 未指定時的重試上限
	EventCapacity     int           // 事件記錄容量

	Processing processing.Config
	Reconcile  ReconcileConfig

	SnapshotSchedule string // 空字串表示不定期寫快照
}

// Flusher 可以把狀態寫到持久層的儲存（記憶體儲存的快照）
type Flusher interface {
	Flush() error
}

// Deps 外部依賴
type Deps struct {
	Store    store.Store       // 必填
	Locker   lock.Locker       // 必填
	Registry *handler.Registry // 必填
	Policy   backoff.Policy    // 必填

	Cache   cache.Cache        // 可選，預設 cache.Nop
	Metrics *metrics.Collector // 可選
	Flusher Flusher            // 可選，搭配 SnapshotSchedule
	Tracer  trace.Tracer       // 可選，預設全域 tracer
	Logger  *slog.Logger       // 可選，預設 slog.Default()
	Closers []io.Closer        // Stop 時依序關閉（redis client 等）
	Now     func() time.Time   // 可選，測試用
}

// Status GetStatus 的結果
type Status struct {
	Counts         map[types.TaskStatus]int `json:"counts"`
	Workers        worker.WorkerStatus      `json:"workers"`
	PendingRetries int                      `json:"pending_retries"`
	Uptime         string                   `json:"uptime"`
}

// Controller 核心控制器
type Controller struct {
	config Config
	logger *slog.Logger
	now    func() time.Time

	store   store.Store
	cache   cache.Cache
	metrics *metrics.Collector
	flusher Flusher
	closers []io.Closer

	orch  *processing.Orchestrator
	pool  *worker.Pool
	sched *worker.Scheduler
	bus   *events.Bus
	cron  *cron.Cron

	limiter *rate.Limiter

	bgCtx    context.Context    // 背景工作（啟動重送、reconcile）
	bgCancel context.CancelFunc // Stop 時取消
	bgWg     sync.WaitGroup

	mu        sync.Mutex
	started   bool
	stopped   bool
	startTime time.Time
}

// ============================================================================
// 核心方法實作
// ============================================================================

// NewController 建立新的 Controller 實例
func NewController(config Config, deps Deps) (*Controller, error) {
	if deps.Store == nil || deps.Locker == nil || deps.Registry == nil || deps.Policy == nil {
		return nil, errors.New("controller: store, locker, registry and policy are required")
	}
	if config.DefaultMaxRetries <= 0 {
		config.DefaultMaxRetries = 3
	}
	if config.ShutdownGrace <= 0 {
		config.ShutdownGrace = 30 * time.Second
	}
	if config.EventCapacity <= 0 {
		config.EventCapacity = events.DefaultCapacity
	}

	logger := deps.Logger
	if logger == nil {
		logger = log
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	c := &Controller{
		config:  config,
		logger:  logger,
		now:     now,
		store:   deps.Store,
		cache:   deps.Cache,
		metrics: deps.Metrics,
		flusher: deps.Flusher,
		closers: deps.Closers,
		bus:     events.NewBus(logger),
		cron:    cron.New(),
	}
	if c.cache == nil {
		c.cache = cache.Nop{}
	}
	c.bgCtx, c.bgCancel = context.WithCancel(context.Background())

	rps := config.Reconcile.RatePerSec
	if rps <= 0 {
		rps = 50
	}
	c.limiter = rate.NewLimiter(rate.Limit(rps), 1)

	// Scheduler 與 Pool 互相引用，透過 dispatch 閉包連接
	c.sched = worker.NewScheduler(config.TimerCount, c.dispatch, worker.WithSchedulerLogger(logger))

	opts := []processing.Option{
		processing.WithCache(c.cache),
		processing.WithEventLog(events.NewLog(config.EventCapacity)),
		processing.WithBus(c.bus),
		processing.WithLogger(logger),
	}
	if deps.Metrics != nil {
		opts = append(opts, processing.WithMetrics(deps.Metrics))
	}
	if deps.Tracer != nil {
		opts = append(opts, processing.WithTracer(deps.Tracer))
	}
	c.orch = processing.New(deps.Store, deps.Locker, deps.Registry, deps.Policy, c.sched, config.Processing, opts...)

	c.pool = worker.NewPool(config.WorkerCount, config.QueueSize, func(ctx context.Context, id types.TaskID) {
		c.orch.ClaimAndProcess(ctx, id)
	}, worker.WithLogger(logger))

	// 持久化之後才派送
	c.bus.Subscribe(func(ctx context.Context, ev events.TaskCreated) error {
		return c.dispatch(ctx, ev.ID)
	})

	if deps.Metrics != nil {
		deps.Metrics.WorkerGauges(
			func() float64 { return float64(c.pool.Status().Active) },
			func() float64 { return float64(c.pool.Status().Idle) },
			func() float64 { return float64(c.pool.Status().Queued) },
		)
	}

	return c, nil
}

// Start 啟動 Controller
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return ErrAlreadyStarted
	}
	if c.stopped {
		return worker.ErrPoolClosed
	}
	c.startTime = c.now()

	c.sched.Start()
	if err := c.pool.Start(); err != nil {
		return fmt.Errorf("controller: start worker pool: %w", err)
	}

	queued, err := c.store.ListByStatus(ctx, types.StatusQueued, time.Time{}, 0)
	if err != nil {
		return fmt.Errorf("controller: list queued tasks: %w", err)
	}
	c.bgWg.Add(1)
	go func() {
		defer c.bgWg.Done()
		c.resubmit(c.bgCtx, queued, "startup recovery")
	}()

	if c.config.Reconcile.Enabled && c.config.Reconcile.Schedule != "" {
		if _, err := c.cron.AddFunc(c.config.Reconcile.Schedule, func() {
			if _, err := c.Reconcile(c.bgCtx); err != nil && !errors.Is(err, context.Canceled) {
				c.logger.Error("reconcile sweep failed", "error", err)
			}
		}); err != nil {
			return fmt.Errorf("controller: reconcile schedule %q: %w", c.config.Reconcile.Schedule, err)
		}
	}
	if c.flusher != nil && c.config.SnapshotSchedule != "" {
		if _, err := c.cron.AddFunc(c.config.SnapshotSchedule, c.flush); err != nil {
			return fmt.Errorf("controller: snapshot schedule %q: %w", c.config.SnapshotSchedule, err)
		}
	}
	c.cron.Start()

	c.started = true
	c.logger.Info("Controller started",
		"workers", c.pool.Size(),
		"recovering", len(queued))
	return nil
}

// dispatch 把 ID 送進 Worker Pool；Pool 已關閉時記錄並丟棄
func (c *Controller) dispatch(ctx context.Context, id types.TaskID) error {
	if err := c.pool.SubmitByID(ctx, id); err != nil {
		if errors.Is(err, worker.ErrPoolClosed) {
			c.logger.Warn("pool closed, dropping submission", "task_id", id)
		}
		return err
	}
	if c.metrics != nil {
		c.metrics.RecordSubmitted()
	}
	return nil
}

func (c *Controller) resubmit(ctx context.Context, recs []*types.TaskRecord, reason string) int {
	n := 0
	for _, rec := range recs {
		if err := c.limiter.Wait(ctx); err != nil {
			break
		}
		if err := c.dispatch(ctx, rec.ID); err != nil {
			c.logger.Warn("resubmit failed", "reason", reason, "task_id", rec.ID, "error", err)
			if errors.Is(err, worker.ErrPoolClosed) || ctx.Err() != nil {
				break
			}
			continue
		}
		n++
	}
	if n > 0 {
		c.orch.Events().Add("Resubmitted %d QUEUED tasks (%s)", n, reason)
		c.logger.Info("resubmitted queued tasks", "reason", reason, "count", n)
	}
	return n
}

// Reconcile 重送 updatedAt 早於 OrphanAfter 的 QUEUED 任務，回傳重送數量。
// INPROGRESS 任務不在掃描範圍內。
func (c *Controller) Reconcile(ctx context.Context) (int, error) {
	cutoff := c.now().Add(-c.config.Reconcile.OrphanAfter)
	recs, err := c.store.ListByStatus(ctx, types.StatusQueued, cutoff, c.config.Reconcile.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("controller: reconcile: %w", err)
	}
	if len(recs) == 0 {
		return 0, nil
	}
	return c.resubmit(ctx, recs, "reconcile"), ctx.Err()
}

func (c *Controller) flush() {
	start := time.Now()
	if err := c.flusher.Flush(); err != nil {
		c.logger.Error("Failed to take snapshot", "error", err)
		return
	}
	c.logger.Debug("Snapshot taken", "duration", time.Since(start))
}

// ============================================================================
// 公開方法
// ============================================================================

// CreateTask 持久化新任務並觸發派送
//
// 派送失敗（例如尚未 Start）只記錄；任務已是 QUEUED，啟動時會被重送。
func (c *Controller) CreateTask(ctx context.Context, in types.NewTask) (*types.TaskRecord, error) {
	maxRetries := c.config.DefaultMaxRetries
	if in.MaxRetries != nil {
		if *in.MaxRetries < 0 {
			return nil, fmt.Errorf("%w: max_retries must not be negative", ErrInvalidTask)
		}
		maxRetries = *in.MaxRetries
	}
	taskType := in.Type
	if taskType == "" {
		taskType = types.TypeDefault
	}

	now := c.now().UTC()
	rec := &types.TaskRecord{
		Task: types.Task{
			ID:         types.TaskID("Task-" + uuid.NewString()),
			Payload:    in.Payload,
			Type:       taskType,
			Status:     types.StatusQueued,
			MaxRetries: maxRetries,
			CreatedAt:  now,
			Owner:      in.Owner,
		},
		UpdatedAt: now,
	}

	if err := c.store.Create(ctx, rec); err != nil {
		return nil, fmt.Errorf("controller: create task: %w", err)
	}
	if err := c.cache.Put(ctx, rec); err != nil {
		c.logger.Warn("cache update failed", "task_id", rec.ID, "error", err)
	}
	c.orch.Events().Add("Task %s (%s) created", rec.ID, rec.Type)
	c.bus.Publish(ctx, events.TaskCreated{ID: rec.ID, Reason: ReasonCreated})
	return rec, nil
}

// GetTask 先查快取，未命中再查 Store 並回填
func (c *Controller) GetTask(ctx context.Context, id types.TaskID) (*types.TaskRecord, error) {
	rec, err := c.cache.Get(ctx, id)
	if err != nil {
		c.logger.Warn("cache read failed", "task_id", id, "error", err)
	}
	if rec != nil {
		return rec, nil
	}

	rec, err = c.store.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := c.cache.Put(ctx, rec); err != nil {
		c.logger.Warn("cache fill failed", "task_id", id, "error", err)
	}
	return rec, nil
}

// SubmitByID 直接把 ID 送進 Worker Pool
func (c *Controller) SubmitByID(ctx context.Context, id types.TaskID) error {
	return c.dispatch(ctx, id)
}

// ClaimAndProcess 同步執行一次 claim-and-process
func (c *Controller) ClaimAndProcess(ctx context.Context, id types.TaskID) processing.Outcome {
	return c.orch.ClaimAndProcess(ctx, id)
}

// ManualRequeue 只接受 FAILED 任務
func (c *Controller) ManualRequeue(ctx context.Context, id types.TaskID) (bool, error) {
	return c.orch.ManualRequeue(ctx, id)
}

// RecentEvents 最新的事件在前
func (c *Controller) RecentEvents() []string {
	return c.orch.RecentEvents()
}

// WorkerStatus worker pool 即時狀態
func (c *Controller) WorkerStatus() worker.WorkerStatus {
	return c.pool.Status()
}

// GetStatus 取得系統狀態
func (c *Controller) GetStatus(ctx context.Context) (Status, error) {
	counts, err := c.store.CountByStatus(ctx)
	if err != nil {
		return Status{}, fmt.Errorf("controller: count tasks: %w", err)
	}

	c.mu.Lock()
	var uptime time.Duration
	if c.started {
		uptime = c.now().Sub(c.startTime)
	}
	c.mu.Unlock()

	return Status{
		Counts:         counts,
		Workers:        c.pool.Status(),
		PendingRetries: c.sched.Pending(),
		Uptime:         uptime.Truncate(time.Second).String(),
	}, nil
}

// Stop 優雅關閉 Controller，ctx 沒有期限時使用 ShutdownGrace
func (c *Controller) Stop(ctx context.Context) error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		c.logger.Info("Controller already stopped")
		return nil
	}
	c.stopped = true
	c.mu.Unlock()

	c.logger.Info("Stopping controller...")

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.ShutdownGrace)
		defer cancel()
	}

	// 1. 先取消背景 ctx，卡在滿佇列上的 reconcile / 啟動重送才會返回
	c.bgCancel()

	// 2. cron，等待執行中的 job
	<-c.cron.Stop().Done()
	c.bgWg.Wait()

	// 3. 計時器（取消正在轉送的 submit）
	c.sched.Stop()

	// 4. Worker Pool
	var errs []error
	if err := c.pool.Stop(ctx); err != nil {
		errs = append(errs, err)
	}

	// 5. 資源
	if err := c.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("controller: close store: %w", err))
	}
	for _, cl := range c.closers {
		if err := cl.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	c.logger.Info("Controller stopped")
	return errors.Join(errs...)
}
