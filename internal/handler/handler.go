// ============================================================================
// Beaver-Queue Handler Registry - 任務類型到執行單元的映射
// ============================================================================
//
// Package: internal/handler
// 文件: handler.go
// 功能: 依任務類型標籤解析 Handler，未註冊的類型回退到預設 Handler
//
// 職責邊界:
//   Handler 只負責「執行」：模擬或實際的工作內容，失敗時回傳 *ProcessingError。
//   Handler 不得修改持久化狀態、不得排程重試、不得判斷是否可重試，
//   這些全部由 processing.Orchestrator 負責。
//
// 擴展方式:
//   新增任務類型 = 新增一筆 Register(tag, h)，派發程式碼不需修改。
//
// ============================================================================

package handler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"

	"github.com/ChuLiYu/beaver-queue/pkg/types"
)

// Handler 單一任務類型的執行單元
type Handler interface {
	Execute(ctx context.Context, task types.Task) error
}

// Func 讓普通函式實作 Handler
type Func func(ctx context.Context, task types.Task) error

// Execute 呼叫 f 本身
func (f Func) Execute(ctx context.Context, task types.Task) error {
	return f(ctx, task)
}

// ProcessingError handler 回報的失敗
type ProcessingError struct {
	TaskID types.TaskID
	Type   types.TaskType
	Reason string
	Err    error
}

func (e *ProcessingError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("task %s (%s): %s: %v", e.TaskID, e.Type, e.Reason, e.Err)
	}
	return fmt.Sprintf("task %s (%s): %s", e.TaskID, e.Type, e.Reason)
}

func (e *ProcessingError) Unwrap() error { return e.Err }

// Fail 建立 ProcessingError
func Fail(task types.Task, reason string, err error) *ProcessingError {
	return &ProcessingError{TaskID: task.ID, Type: task.Type, Reason: reason, Err: err}
}

// Registry 任務類型 -> Handler 映射，附帶必備的預設 Handler
type Registry struct {
	mu       sync.RWMutex
	handlers map[types.TaskType]Handler
	fallback Handler
}

// NewRegistry 建立 Registry
//
// 參數：
//   - fallback: 未註冊類型使用的預設 Handler，不可為 nil
func NewRegistry(fallback Handler) *Registry {
	if fallback == nil {
		panic("handler: registry requires a default handler")
	}
	return &Registry{
		handlers: make(map[types.TaskType]Handler),
		fallback: fallback,
	}
}

// Register 註冊（或覆蓋）某類型的 Handler
func (r *Registry) Register(tag types.TaskType, h Handler) {
	if h == nil {
		panic(fmt.Sprintf("handler: nil handler for %q", tag))
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[tag] = h
}

// Resolve 依類型取得 Handler，永遠不會回傳 nil
func (r *Registry) Resolve(tag types.TaskType) Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if h, ok := r.handlers[tag]; ok {
		return h
	}
	return r.fallback
}

// Types 已註冊的類型（排序後）
func (r *Registry) Types() []types.TaskType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]types.TaskType, 0, len(r.handlers))
	for tag := range r.handlers {
		out = append(out, tag)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Invoke 執行 handler 並把結果正規化：
//   - nil 表示成功
//   - 其他情況一律回傳 *ProcessingError（包含 panic）
func Invoke(ctx context.Context, h Handler, task types.Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = Fail(task, "handler panicked", fmt.Errorf("%v\n%s", r, debug.Stack()))
		}
	}()

	if err = h.Execute(ctx, task); err == nil {
		return nil
	}

	var perr *ProcessingError
	if errors.As(err, &perr) {
		return perr
	}
	return Fail(task, "handler returned error", err)
}
