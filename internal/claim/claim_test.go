package claim

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/beaver-queue/internal/store/memory"
	"github.com/ChuLiYu/beaver-queue/internal/store/storetest"
	"github.com/ChuLiYu/beaver-queue/pkg/types"
)

func newStore(t *testing.T, ids ...string) *memory.Store {
	t.Helper()
	s, err := memory.New()
	require.NoError(t, err)
	for _, id := range ids {
		require.NoError(t, s.Create(context.Background(), storetest.NewRecord(id)))
	}
	return s
}

func TestTryClaim(t *testing.T) {
	s := newStore(t, "t-1")
	p := New(s)
	ctx := context.Background()

	ok, err := p.TryClaim(ctx, "t-1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = p.TryClaim(ctx, "t-1")
	require.NoError(t, err)
	assert.False(t, ok, "second claim is a conflict, not an error")

	ok, err = p.TryClaim(ctx, "unknown")
	require.NoError(t, err)
	assert.False(t, ok)

	rec, err := s.FindByID(ctx, "t-1")
	require.NoError(t, err)
	assert.Equal(t, 1, rec.Attempts)
}

func TestConcurrentTryClaim(t *testing.T) {
	s := newStore(t, "t-race")
	p := New(s)

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, err := p.TryClaim(context.Background(), "t-race"); err == nil && ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
	rec, err := s.FindByID(context.Background(), "t-race")
	require.NoError(t, err)
	assert.Equal(t, 1, rec.Attempts)
}

func TestRevertClaimKeepsAttempts(t *testing.T) {
	s := newStore(t, "t-rev")
	p := New(s)
	ctx := context.Background()

	_, err := p.TryClaim(ctx, "t-rev")
	require.NoError(t, err)

	ok, err := p.RevertClaim(ctx, "t-rev")
	require.NoError(t, err)
	assert.True(t, ok)

	rec, err := s.FindByID(ctx, "t-rev")
	require.NoError(t, err)
	assert.Equal(t, types.StatusQueued, rec.Status)
	assert.Equal(t, 1, rec.Attempts)

	// claimable again
	ok, err = p.TryClaim(ctx, "t-rev")
	require.NoError(t, err)
	assert.True(t, ok)

	rec, err = s.FindByID(ctx, "t-rev")
	require.NoError(t, err)
	assert.Equal(t, 2, rec.Attempts)
}

func TestRevertClaimRefund(t *testing.T) {
	s := newStore(t, "t-refund")
	p := New(s)
	ctx := context.Background()

	_, err := p.TryClaim(ctx, "t-refund")
	require.NoError(t, err)

	ok, err := p.RevertClaimRefund(ctx, "t-refund", 1)
	require.NoError(t, err)
	assert.True(t, ok)

	rec, err := s.FindByID(ctx, "t-refund")
	require.NoError(t, err)
	assert.Equal(t, types.StatusQueued, rec.Status)
	assert.Equal(t, 0, rec.Attempts)
}

func TestRevertClaimOnlyFromInProgress(t *testing.T) {
	s := newStore(t, "t-q")
	ok, err := New(s).RevertClaim(context.Background(), "t-q")
	require.NoError(t, err)
	assert.False(t, ok)
}

type brokenStore struct{ Transitioner }

func (brokenStore) Claim(context.Context, types.TaskID) (int64, error) {
	return 0, errors.New("connection reset")
}

func TestTryClaimStoreError(t *testing.T) {
	ok, err := New(brokenStore{}).TryClaim(context.Background(), "t-x")
	assert.False(t, ok)
	assert.ErrorContains(t, err, "claim t-x")
}
