// Package types 定義了 beaver-queue 系統中使用的核心領域模型
package types

import (
	"fmt"
	"time"
)

// TaskID 任務唯一識別碼，建立後不可變
type TaskID string

// TaskStatus 任務狀態
type TaskStatus string

// 定義任務狀態常數
const (
	StatusQueued     TaskStatus = "QUEUED"     // 排隊中：等待 worker 認領
	StatusInProgress TaskStatus = "INPROGRESS" // 執行中：已被某個 worker 認領
	StatusCompleted  TaskStatus = "COMPLETED"  // 完成：handler 正常返回
	StatusFailed     TaskStatus = "FAILED"     // 失敗：handler 回報錯誤（可能重試）
)

// Valid 檢查狀態值是否合法
func (s TaskStatus) Valid() bool {
	switch s {
	case StatusQueued, StatusInProgress, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// AllStatuses 依生命週期順序列出所有狀態
var AllStatuses = []TaskStatus{StatusQueued, StatusInProgress, StatusCompleted, StatusFailed}

// TaskType 任務類型標籤，用於選擇 handler
type TaskType string

const (
	TypeEmail       TaskType = "EMAIL"
	TypeSMS         TaskType = "SMS"
	TypeReport      TaskType = "REPORT"
	TypeNewsletter  TaskType = "NEWSLETTER"
	TypeDataCleanup TaskType = "DATACLEANUP"
	TypeTakesLong   TaskType = "TAKESLONG"
	TypeFail        TaskType = "FAIL"    // 隨機失敗
	TypeFailAbs     TaskType = "FAILABS" // 永遠失敗
	TypeDefault     TaskType = "DEFAULT"
)

// transitions 合法狀態轉換表
//
//	QUEUED --claim--> INPROGRESS --success--> COMPLETED
//	INPROGRESS --failure--> FAILED --retry--> QUEUED
//	INPROGRESS --revert--> QUEUED（鎖取得失敗時撤銷認領）
var transitions = map[TaskStatus][]TaskStatus{
	StatusQueued:     {StatusInProgress},
	StatusInProgress: {StatusCompleted, StatusFailed, StatusQueued},
	StatusFailed:     {StatusQueued},
}

// CanTransition 判斷 from -> to 是否為合法轉換
func CanTransition(from, to TaskStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ErrIllegalTransition 表示請求了不存在於狀態機中的轉換
type ErrIllegalTransition struct {
	From TaskStatus
	To   TaskStatus
}

func (e *ErrIllegalTransition) Error() string {
	return fmt.Sprintf("illegal task transition %s -> %s", e.From, e.To)
}

// CheckTransition 回傳 nil 或 *ErrIllegalTransition
func CheckTransition(from, to TaskStatus) error {
	if !CanTransition(from, to) {
		return &ErrIllegalTransition{From: from, To: to}
	}
	return nil
}

// Task 任務領域物件，只在 handler 執行期間作為工作副本使用
type Task struct {
	// 識別與資料
	ID      TaskID   `json:"id"`      // 任務唯一識別碼
	Payload string   `json:"payload"` // 由 handler 解讀的不透明資料
	Type    TaskType `json:"type"`    // 任務類型標籤

	// 狀態追蹤
	Status     TaskStatus `json:"status"`      // 任務當前狀態
	Attempts   int        `json:"attempts"`    // 認領次數，只在 claim 時遞增
	MaxRetries int        `json:"max_retries"` // 自動重試上限

	CreatedAt time.Time `json:"created_at"`      // 任務建立時間
	Owner     string    `json:"owner,omitempty"` // 提交者身份
}

// CanRetry 失敗當下 attempts < maxRetries 才允許排程重試
func (t Task) CanRetry() bool {
	return t.Attempts < t.MaxRetries
}

// TaskRecord 持久化的任務記錄，多了版本號與更新時間
type TaskRecord struct {
	Task
	Version   int64     `json:"version"`    // 每次寫入遞增，用於診斷與衝突偵測
	UpdatedAt time.Time `json:"updated_at"` // 最後更新時間
}

// Clone 回傳記錄的獨立副本
func (r *TaskRecord) Clone() *TaskRecord {
	if r == nil {
		return nil
	}
	cp := *r
	return &cp
}

// NewTask 提交任務時的輸入
type NewTask struct {
	Payload    string   `json:"payload"`
	Type       TaskType `json:"type"`
	MaxRetries *int     `json:"max_retries,omitempty"` // nil 時使用預設值
	Owner      string   `json:"owner,omitempty"`
}

// SnapshotData 快照資料，用於記憶體儲存的持久化和恢復
type SnapshotData struct {
	Tasks     map[TaskID]*TaskRecord `json:"tasks"`      // 所有任務的完整資料
	SchemaVer int                    `json:"schema_ver"` // 資料結構版本號，用於向後相容性
	TakenAt   time.Time              `json:"taken_at"`   // 快照時間
}
