// ============================================================================
// Beaver-Queue Worker Pool - 並發任務執行器
// ============================================================================
//
// Package: internal/worker
// 文件: worker_pool.go
// 功能: 固定數量的 Worker goroutine，依任務 ID 執行 claim-and-process
//
// 架構組件:
//   ┌─────────────┐
//   │ Controller  │ --SubmitByID()--> taskCh (bounded)
//   └─────────────┘
//   ┌─────────────┐
//   │   Pool      │
//   │  ┌────────┐ │
//   │  │Worker 1│←── taskCh ──→ process(ctx, id)
//   │  │Worker 2│←── taskCh
//   │  │Worker N│←── taskCh
//   │  └────────┘ │
//   └─────────────┘
//
// 生命週期:
//   1. NewPool() - 建立 Pool 與有界 taskCh
//   2. Start()   - 啟動固定數量的 Worker
//   3. SubmitByID() - 阻塞直到送入佇列、ctx 結束或 Pool 關閉
//   4. Stop(ctx) - 停止收件，在 ctx 期限內排空；逾時則取消並丟棄剩餘 ID
//
// 並發控制:
//   - sendMu: SubmitByID 持有讀鎖傳送；Stop 先關 stopCh，再取寫鎖關 taskCh，
//     因此不會對已關閉的 channel 傳送
//   - active: atomic 計數，供 Status() 使用
//   - mu: 保護 started/stopped 狀態
//
// 錯誤處理:
//   - ErrPoolNotStarted: 尚未 Start
//   - ErrPoolClosed: 已 Stop，呼叫端記錄後丟棄
//   - ErrShutdownTimeout: 寬限期內未排空
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/ChuLiYu/beaver-queue/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrPoolClosed 表示當前 Pool 已關閉，無法提交新任務
	ErrPoolClosed = errors.New("worker pool is closed")
	// ErrPoolNotStarted 表示 Pool 尚未啟動，無法提交任務
	ErrPoolNotStarted = errors.New("worker pool not started")
	// ErrShutdownTimeout 表示寬限期內未能排空
	ErrShutdownTimeout = errors.New("worker pool shutdown grace period exceeded")
)

// ============================================================================
// 資料結構定義
// ============================================================================

// Pool 代表 Worker 池
type Pool struct {
	size    int
	process ProcessFunc
	logger  *slog.Logger

	workers []*Worker
	taskCh  chan types.TaskID // 有界任務佇列
	stopCh  chan struct{}     // 停止收件訊號
	sendMu  sync.RWMutex      // 保護 taskCh 的傳送與關閉
	wg      sync.WaitGroup
	active  atomic.Int32

	runCtx    context.Context
	cancelRun context.CancelFunc

	started bool
	stopped bool
	mu      sync.Mutex
}

// Option 設定 Pool
type Option func(*Pool)

// WithLogger 設定 logger
func WithLogger(l *slog.Logger) Option {
	return func(p *Pool) { p.logger = l }
}

// NewPool 建立新的 Worker Pool
//
// 參數：
//   - size: Worker 數量（固定，不自動擴縮）
//   - queueSize: taskCh 緩衝大小
//   - process: 每個任務 ID 的處理函式
func NewPool(size, queueSize int, process ProcessFunc, opts ...Option) *Pool {
	if size <= 0 {
		size = 1
	}
	if queueSize < 0 {
		queueSize = 0
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		size:      size,
		process:   process,
		logger:    slog.Default(),
		taskCh:    make(chan types.TaskID, queueSize),
		stopCh:    make(chan struct{}),
		runCtx:    ctx,
		cancelRun: cancel,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With("component", "worker_pool")
	return p
}

// Start 啟動所有 Worker
func (p *Pool) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return errors.New("pool already started")
	}
	if p.stopped {
		return ErrPoolClosed
	}

	for i := 0; i < p.size; i++ {
		w := newWorker(i, p.taskCh, p.process, &p.active, p.logger)
		p.workers = append(p.workers, w)

		p.wg.Add(1)
		go func(w *Worker) {
			defer p.wg.Done()
			w.Run(p.runCtx)
		}(w)
	}

	p.started = true
	p.logger.Info("worker pool started", "workers", p.size, "queue_size", cap(p.taskCh))
	return nil
}

// SubmitByID 提交任務 ID
func (p *Pool) SubmitByID(ctx context.Context, id types.TaskID) error {
	p.mu.Lock()
	started, stopped := p.started, p.stopped
	p.mu.Unlock()
	if !started {
		return ErrPoolNotStarted
	}
	if stopped {
		return ErrPoolClosed
	}

	p.sendMu.RLock()
	defer p.sendMu.RUnlock()

	// Stop 可能在上面的檢查之後才關閉 stopCh
	select {
	case <-p.stopCh:
		return ErrPoolClosed
	default:
	}

	select {
	case p.taskCh <- id:
		return nil
	case <-p.stopCh:
		return ErrPoolClosed
	case <-ctx.Done():
		return fmt.Errorf("submit %s: %w", id, ctx.Err())
	}
}

// Status 回傳 active/idle/queued
func (p *Pool) Status() WorkerStatus {
	active := int(p.active.Load())
	p.mu.Lock()
	size := 0
	if p.started {
		size = p.size
	}
	p.mu.Unlock()

	idle := size - active
	if idle < 0 {
		idle = 0
	}
	return WorkerStatus{Active: active, Idle: idle, Queued: len(p.taskCh)}
}

// Stop 優雅地關閉 Worker Pool
//
// 關閉流程：
//  1. 關閉 stopCh，新的 SubmitByID 立即返回 ErrPoolClosed
//  2. 取得 sendMu 寫鎖後關閉 taskCh
//  3. 等待 Worker 處理完佇列中的任務
//  4. ctx 逾時則取消 runCtx，剩餘 ID 被記錄並丟棄，回傳 ErrShutdownTimeout
//
// 寬限期內執行中的 handler 不會被中斷；逾時後它們的 ctx 會被取消。
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	started := p.started
	p.mu.Unlock()

	close(p.stopCh)
	p.sendMu.Lock()
	close(p.taskCh)
	p.sendMu.Unlock()

	if !started {
		p.cancelRun()
		return nil
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancelRun()
		p.logger.Info("worker pool drained")
		return nil
	case <-ctx.Done():
		dropped := len(p.taskCh)
		p.cancelRun()
		p.logger.Warn("worker pool grace period exceeded, dropping queued tasks",
			"dropped", dropped, "active", p.active.Load())
		return fmt.Errorf("%w: %d queued ids dropped", ErrShutdownTimeout, dropped)
	}
}

// Size 返回 Worker 數量
func (p *Pool) Size() int {
	return p.size
}

// IsStarted 檢查 Pool 是否已啟動
func (p *Pool) IsStarted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started
}
