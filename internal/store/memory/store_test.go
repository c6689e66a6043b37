package memory

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/ChuLiYu/beaver-queue/internal/snapshot"
	"github.com/ChuLiYu/beaver-queue/internal/store"
	"github.com/ChuLiYu/beaver-queue/internal/store/storetest"
	"github.com/ChuLiYu/beaver-queue/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store {
		s, err := New()
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

// TestReturnsCopies 呼叫端修改回傳值不影響儲存
func TestReturnsCopies(t *testing.T) {
	s, err := New()
	require.NoError(t, err)
	ctx := context.Background()

	rec := storetest.NewRecord("t-copy")
	require.NoError(t, s.Create(ctx, rec))
	rec.Status = types.StatusCompleted

	got, err := s.FindByID(ctx, "t-copy")
	require.NoError(t, err)
	assert.Equal(t, types.StatusQueued, got.Status)

	got.Attempts = 99
	again, err := s.FindByID(ctx, "t-copy")
	require.NoError(t, err)
	assert.Equal(t, 0, again.Attempts)
}

// TestVersionAndClock 每次變更遞增版本並更新時間
func TestVersionAndClock(t *testing.T) {
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	s, err := New(WithClock(func() time.Time { return now }))
	require.NoError(t, err)
	ctx := context.Background()

	rec := storetest.NewRecord("t-ver")
	require.NoError(t, s.Create(ctx, rec))

	now = now.Add(time.Minute)
	_, err = s.Claim(ctx, "t-ver")
	require.NoError(t, err)

	got, err := s.FindByID(ctx, "t-ver")
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.Version)
	assert.Equal(t, now, got.UpdatedAt)
}

// TestSnapshotRoundTrip Close 寫快照，New 重新載入
func TestSnapshotRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tasks.json")
	ctx := context.Background()

	s, err := New(WithSnapshot(snapshot.NewManager(path)))
	require.NoError(t, err)
	require.NoError(t, s.Create(ctx, storetest.NewRecord("t-a")))
	require.NoError(t, s.Create(ctx, storetest.NewRecord("t-b")))
	_, err = s.Claim(ctx, "t-b")
	require.NoError(t, err)
	require.NoError(t, s.Close())

	reopened, err := New(WithSnapshot(snapshot.NewManager(path)))
	require.NoError(t, err)
	assert.Equal(t, 2, reopened.Len())

	b, err := reopened.FindByID(ctx, "t-b")
	require.NoError(t, err)
	assert.Equal(t, types.StatusInProgress, b.Status)
	assert.Equal(t, 1, b.Attempts)
}

func TestFlushWithoutSnapshotIsNoop(t *testing.T) {
	s, err := New()
	require.NoError(t, err)
	assert.NoError(t, s.Flush())
}
