// Package claim implements the atomic claim protocol over the task store.
//
// TryClaim is the single point that moves a task out of QUEUED. It relies on
// one conditional write at the storage layer; it never reads first.
package claim

import (
	"context"
	"fmt"

	"github.com/ChuLiYu/beaver-queue/internal/store"
	"github.com/ChuLiYu/beaver-queue/pkg/types"
)

// Transitioner is the slice of store.Store the protocol needs.
type Transitioner interface {
	Claim(ctx context.Context, id types.TaskID) (int64, error)
	Transition(ctx context.Context, id types.TaskID, from, to types.TaskStatus, newAttempts int) (int64, error)
	TransitionSimple(ctx context.Context, id types.TaskID, from, to types.TaskStatus) (int64, error)
}

var _ Transitioner = (store.Store)(nil)

// Protocol wraps the store's conditional primitives.
type Protocol struct {
	store Transitioner
}

// New returns a Protocol over s.
func New(s Transitioner) *Protocol {
	return &Protocol{store: s}
}

// TryClaim sets status=INPROGRESS, attempts=attempts+1 only if status=QUEUED.
// It reports true iff exactly one record changed. false with a nil error is a
// normal race outcome.
func (p *Protocol) TryClaim(ctx context.Context, id types.TaskID) (bool, error) {
	n, err := p.store.Claim(ctx, id)
	if err != nil {
		return false, fmt.Errorf("claim %s: %w", id, err)
	}
	return n == 1, nil
}

// RevertClaim moves INPROGRESS back to QUEUED and leaves attempts unchanged.
func (p *Protocol) RevertClaim(ctx context.Context, id types.TaskID) (bool, error) {
	n, err := p.store.TransitionSimple(ctx, id, types.StatusInProgress, types.StatusQueued)
	if err != nil {
		return false, fmt.Errorf("revert claim %s: %w", id, err)
	}
	return n == 1, nil
}

// RevertClaimRefund moves INPROGRESS back to QUEUED and restores attempts to
// claimedAttempts-1, so the reverted claim does not count against the budget.
func (p *Protocol) RevertClaimRefund(ctx context.Context, id types.TaskID, claimedAttempts int) (bool, error) {
	restored := claimedAttempts - 1
	if restored < 0 {
		restored = 0
	}
	n, err := p.store.Transition(ctx, id, types.StatusInProgress, types.StatusQueued, restored)
	if err != nil {
		return false, fmt.Errorf("revert claim %s: %w", id, err)
	}
	return n == 1, nil
}
