// ============================================================================
// Beaver-Queue 記憶體儲存 - 單機模式的任務狀態機
// ============================================================================
//
// Package: internal/store/memory
// 文件: store.go
// 功能: 以 map 實作 store.Store，用於單機部署與測試
//
// 設計理念:
//   tasks map[TaskID]*TaskRecord 是唯一真實來源。
//   每個條件轉換都在同一把寫鎖內「比對狀態 + 修改」，
//   因此等同於資料庫的 UPDATE ... WHERE status = $from。
//
// 任務狀態轉換:
//   QUEUED --Claim()--> INPROGRESS --TransitionSimple()--> COMPLETED / FAILED
//   FAILED --TransitionSimple()/Transition()--> QUEUED
//   INPROGRESS --TransitionSimple()--> QUEUED（撤銷認領）
//
// 快照支持:
//   - 設定 WithSnapshot 後，New() 會從快照載入
//   - Flush() 原子性寫入快照，Close() 時也會寫一次
//   - 回傳給呼叫端的記錄一律是副本
//
// ============================================================================

package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ChuLiYu/beaver-queue/internal/snapshot"
	"github.com/ChuLiYu/beaver-queue/internal/store"
	"github.com/ChuLiYu/beaver-queue/pkg/types"
)

// Store 記憶體任務儲存
type Store struct {
	mu       sync.RWMutex
	tasks    map[types.TaskID]*types.TaskRecord // 所有任務的統一儲存
	now      func() time.Time
	snapshot *snapshot.Manager // 可選：持久化到快照檔
}

// Option 設定 Store
type Option func(*Store)

// WithSnapshot 啟用快照持久化
func WithSnapshot(m *snapshot.Manager) Option {
	return func(s *Store) { s.snapshot = m }
}

// WithClock 替換時間來源（測試用）
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New 建立記憶體儲存，若設定了快照則先載入
func New(opts ...Option) (*Store, error) {
	s := &Store{
		tasks: make(map[types.TaskID]*types.TaskRecord),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.snapshot != nil {
		data, err := s.snapshot.Load()
		if err != nil {
			return nil, fmt.Errorf("store/memory: load snapshot: %w", err)
		}
		for id, rec := range data.Tasks {
			s.tasks[id] = rec
		}
	}
	return s, nil
}

var _ store.Store = (*Store)(nil)

// Create 新增任務記錄
//
// 錯誤處理：
//   - store.ErrDuplicate: 任務 ID 已存在
func (s *Store) Create(_ context.Context, rec *types.TaskRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tasks[rec.ID]; exists {
		return fmt.Errorf("store/memory: create %s: %w", rec.ID, store.ErrDuplicate)
	}

	cp := rec.Clone()
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = s.now()
	}
	if cp.Version == 0 {
		cp.Version = 1
	}
	s.tasks[cp.ID] = cp
	return nil
}

// FindByID 取得任務副本
func (s *Store) FindByID(_ context.Context, id types.TaskID) (*types.TaskRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.tasks[id]
	if !ok {
		return nil, fmt.Errorf("store/memory: find %s: %w", id, store.ErrNotFound)
	}
	return rec.Clone(), nil
}

// Save 更新非狀態欄位；不存在時視為新增
func (s *Store) Save(_ context.Context, rec *types.TaskRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.tasks[rec.ID]
	if !ok {
		cp := rec.Clone()
		cp.Version = 1
		cp.UpdatedAt = s.now()
		s.tasks[cp.ID] = cp
		return nil
	}

	cur.Payload = rec.Payload
	cur.Type = rec.Type
	cur.MaxRetries = rec.MaxRetries
	cur.Owner = rec.Owner
	s.touch(cur)
	return nil
}

// Claim QUEUED -> INPROGRESS 並遞增 attempts
func (s *Store) Claim(_ context.Context, id types.TaskID) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.tasks[id]
	if !ok || rec.Status != types.StatusQueued {
		return 0, nil
	}
	rec.Status = types.StatusInProgress
	rec.Attempts++
	s.touch(rec)
	return 1, nil
}

// Transition 條件轉換並設定 attempts
func (s *Store) Transition(_ context.Context, id types.TaskID, from, to types.TaskStatus, newAttempts int) (int64, error) {
	if err := store.CheckTransition(from, to); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.tasks[id]
	if !ok || rec.Status != from {
		return 0, nil
	}
	rec.Status = to
	rec.Attempts = newAttempts
	s.touch(rec)
	return 1, nil
}

// TransitionSimple 條件轉換，attempts 不變
func (s *Store) TransitionSimple(_ context.Context, id types.TaskID, from, to types.TaskStatus) (int64, error) {
	if err := store.CheckTransition(from, to); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.tasks[id]
	if !ok || rec.Status != from {
		return 0, nil
	}
	rec.Status = to
	s.touch(rec)
	return 1, nil
}

// ListByStatus 依更新時間由舊到新列出
func (s *Store) ListByStatus(_ context.Context, status types.TaskStatus, updatedBefore time.Time, limit int) ([]*types.TaskRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*types.TaskRecord, 0)
	for _, rec := range s.tasks {
		if rec.Status != status {
			continue
		}
		if !updatedBefore.IsZero() && !rec.UpdatedAt.Before(updatedBefore) {
			continue
		}
		out = append(out, rec.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].UpdatedAt.Before(out[j].UpdatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// CountByStatus 各狀態數量（所有狀態都會出現在結果中）
func (s *Store) CountByStatus(_ context.Context) (map[types.TaskStatus]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[types.TaskStatus]int, len(types.AllStatuses))
	for _, st := range types.AllStatuses {
		counts[st] = 0
	}
	for _, rec := range s.tasks {
		counts[rec.Status]++
	}
	return counts, nil
}

// Flush 把目前狀態寫入快照；未設定快照時為 no-op
func (s *Store) Flush() error {
	if s.snapshot == nil {
		return nil
	}

	s.mu.RLock()
	data := types.SnapshotData{Tasks: make(map[types.TaskID]*types.TaskRecord, len(s.tasks))}
	for id, rec := range s.tasks {
		data.Tasks[id] = rec.Clone()
	}
	s.mu.RUnlock()

	if err := s.snapshot.Write(data); err != nil {
		return fmt.Errorf("store/memory: flush: %w", err)
	}
	return nil
}

// Close 寫入最後一次快照
func (s *Store) Close() error {
	return s.Flush()
}

// Len 任務總數
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tasks)
}

// touch 必須在持有寫鎖時呼叫
func (s *Store) touch(rec *types.TaskRecord) {
	rec.Version++
	rec.UpdatedAt = s.now()
}
