// Package storetest is a conformance suite shared by every store.Store
// implementation.
package storetest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/beaver-queue/internal/store"
	"github.com/ChuLiYu/beaver-queue/pkg/types"
)

// Factory returns an empty store. It registers its own cleanup.
type Factory func(t *testing.T) store.Store

// NewRecord returns a fresh QUEUED record.
func NewRecord(id string) *types.TaskRecord {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return &types.TaskRecord{
		Task: types.Task{
			ID:         types.TaskID(id),
			Payload:    "payload-" + id,
			Type:       types.TypeEmail,
			Status:     types.StatusQueued,
			MaxRetries: 3,
			CreatedAt:  now,
			Owner:      "alice",
		},
		UpdatedAt: now,
	}
}

// Run executes the suite against stores produced by newStore.
func Run(t *testing.T, newStore Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s store.Store)
	}{
		{"CreateAndFind", testCreateAndFind},
		{"CreateDuplicate", testCreateDuplicate},
		{"FindMissing", testFindMissing},
		{"SaveKeepsStatus", testSaveKeepsStatus},
		{"ClaimOnlyFromQueued", testClaimOnlyFromQueued},
		{"ConcurrentClaimSingleWinner", testConcurrentClaim},
		{"TransitionSimple", testTransitionSimple},
		{"TransitionSetsAttempts", testTransitionSetsAttempts},
		{"IllegalTransition", testIllegalTransition},
		{"ListByStatus", testListByStatus},
		{"CountByStatus", testCountByStatus},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, newStore(t))
		})
	}
}

func testCreateAndFind(t *testing.T, s store.Store) {
	ctx := context.Background()
	rec := NewRecord("t-create")
	require.NoError(t, s.Create(ctx, rec))

	got, err := s.FindByID(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, rec.ID, got.ID)
	assert.Equal(t, rec.Payload, got.Payload)
	assert.Equal(t, types.TypeEmail, got.Type)
	assert.Equal(t, types.StatusQueued, got.Status)
	assert.Equal(t, 0, got.Attempts)
	assert.Equal(t, 3, got.MaxRetries)
	assert.Equal(t, "alice", got.Owner)
	assert.True(t, rec.CreatedAt.Equal(got.CreatedAt))
	assert.GreaterOrEqual(t, got.Version, int64(1))
}

func testCreateDuplicate(t *testing.T, s store.Store) {
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, NewRecord("t-dup")))
	assert.ErrorIs(t, s.Create(ctx, NewRecord("t-dup")), store.ErrDuplicate)
}

func testFindMissing(t *testing.T, s store.Store) {
	_, err := s.FindByID(context.Background(), "nope")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testSaveKeepsStatus(t *testing.T, s store.Store) {
	ctx := context.Background()
	rec := NewRecord("t-save")
	require.NoError(t, s.Create(ctx, rec))
	n, err := s.Claim(ctx, rec.ID)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	before, err := s.FindByID(ctx, rec.ID)
	require.NoError(t, err)

	update := rec.Clone()
	update.Payload = "changed"
	update.Status = types.StatusCompleted
	update.Attempts = 42
	require.NoError(t, s.Save(ctx, update))

	got, err := s.FindByID(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, "changed", got.Payload)
	assert.Equal(t, types.StatusInProgress, got.Status, "save never overwrites status")
	assert.Equal(t, 1, got.Attempts, "save never overwrites attempts")
	assert.Greater(t, got.Version, before.Version)
}

func testClaimOnlyFromQueued(t *testing.T, s store.Store) {
	ctx := context.Background()
	rec := NewRecord("t-claim")
	require.NoError(t, s.Create(ctx, rec))

	n, err := s.Claim(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = s.Claim(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n, "already INPROGRESS")

	got, err := s.FindByID(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusInProgress, got.Status)
	assert.Equal(t, 1, got.Attempts, "no-op claim must not increment")

	n, err = s.Claim(ctx, "missing")
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func testConcurrentClaim(t *testing.T, s store.Store) {
	ctx := context.Background()
	rec := NewRecord("t-race")
	require.NoError(t, s.Create(ctx, rec))

	var wins atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n, err := s.Claim(ctx, rec.ID)
			if err == nil {
				wins.Add(n)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), wins.Load())
	got, err := s.FindByID(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Attempts)
}

func testTransitionSimple(t *testing.T, s store.Store) {
	ctx := context.Background()
	rec := NewRecord("t-simple")
	require.NoError(t, s.Create(ctx, rec))
	_, err := s.Claim(ctx, rec.ID)
	require.NoError(t, err)

	n, err := s.TransitionSimple(ctx, rec.ID, types.StatusInProgress, types.StatusFailed)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	// stale "from" affects nothing
	n, err = s.TransitionSimple(ctx, rec.ID, types.StatusInProgress, types.StatusCompleted)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	n, err = s.TransitionSimple(ctx, rec.ID, types.StatusFailed, types.StatusQueued)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := s.FindByID(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusQueued, got.Status)
	assert.Equal(t, 1, got.Attempts, "attempts kept")
}

func testTransitionSetsAttempts(t *testing.T, s store.Store) {
	ctx := context.Background()
	rec := NewRecord("t-reset")
	require.NoError(t, s.Create(ctx, rec))
	_, err := s.Claim(ctx, rec.ID)
	require.NoError(t, err)
	_, err = s.TransitionSimple(ctx, rec.ID, types.StatusInProgress, types.StatusFailed)
	require.NoError(t, err)

	n, err := s.Transition(ctx, rec.ID, types.StatusFailed, types.StatusQueued, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := s.FindByID(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusQueued, got.Status)
	assert.Equal(t, 0, got.Attempts)
}

func testIllegalTransition(t *testing.T, s store.Store) {
	ctx := context.Background()
	rec := NewRecord("t-illegal")
	require.NoError(t, s.Create(ctx, rec))

	_, err := s.TransitionSimple(ctx, rec.ID, types.StatusQueued, types.StatusCompleted)
	assert.Error(t, err)
	_, err = s.Transition(ctx, rec.ID, types.StatusQueued, types.StatusInProgress, 5)
	assert.Error(t, err, "claim edge must go through Claim")

	got, err := s.FindByID(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusQueued, got.Status)
	assert.Equal(t, 0, got.Attempts)
}

func testListByStatus(t *testing.T, s store.Store) {
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, s.Create(ctx, NewRecord(fmt.Sprintf("t-list-%d", i))))
	}
	_, err := s.Claim(ctx, "t-list-0")
	require.NoError(t, err)

	queued, err := s.ListByStatus(ctx, types.StatusQueued, time.Time{}, 0)
	require.NoError(t, err)
	assert.Len(t, queued, 4)

	limited, err := s.ListByStatus(ctx, types.StatusQueued, time.Time{}, 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)

	none, err := s.ListByStatus(ctx, types.StatusQueued, time.Now().Add(-time.Hour), 0)
	require.NoError(t, err)
	assert.Empty(t, none)

	all, err := s.ListByStatus(ctx, types.StatusQueued, time.Now().Add(time.Hour), 0)
	require.NoError(t, err)
	assert.Len(t, all, 4)
}

func testCountByStatus(t *testing.T, s store.Store) {
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, NewRecord("t-count-1")))
	require.NoError(t, s.Create(ctx, NewRecord("t-count-2")))
	_, err := s.Claim(ctx, "t-count-1")
	require.NoError(t, err)

	counts, err := s.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[types.StatusQueued])
	assert.Equal(t, 1, counts[types.StatusInProgress])
	assert.Equal(t, 0, counts[types.StatusCompleted])
}
