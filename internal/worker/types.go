package worker

import (
	"context"

	"github.com/ChuLiYu/beaver-queue/pkg/types"
)

// ProcessFunc 處理一個任務 ID（通常是 Orchestrator.ClaimAndProcess）
type ProcessFunc func(ctx context.Context, id types.TaskID)

// SubmitFunc 把任務 ID 送進 worker pool
type SubmitFunc func(ctx context.Context, id types.TaskID) error

// WorkerStatus worker pool 即時狀態
type WorkerStatus struct {
	Active int `json:"active"` // 正在執行的 worker 數
	Idle   int `json:"idle"`   // 閒置的 worker 數
	Queued int `json:"queued"` // 等待中的任務 ID 數
}
