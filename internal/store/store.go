// Package store defines the durable task store contract.
//
// The store is the single source of truth for task status. Status only
// changes through the conditional primitives (Claim, Transition,
// TransitionSimple), each a single atomic operation matched on the current
// status. A zero rows-affected result is a normal race outcome, not an error.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/ChuLiYu/beaver-queue/pkg/types"
)

var (
	// ErrNotFound is returned when no task has the requested id.
	ErrNotFound = errors.New("task not found")
	// ErrDuplicate is returned by Create when the id already exists.
	ErrDuplicate = errors.New("task already exists")
)

// Store is implemented by store/memory and store/postgres.
type Store interface {
	// Create inserts a new record. The caller sets status QUEUED and attempts 0.
	Create(ctx context.Context, rec *types.TaskRecord) error
	// FindByID returns a copy of the record or ErrNotFound.
	FindByID(ctx context.Context, id types.TaskID) (*types.TaskRecord, error)
	// Save upserts the non-status fields (payload, type, max retries, owner).
	// Status and attempts of an existing record are never overwritten.
	Save(ctx context.Context, rec *types.TaskRecord) error

	// Claim moves QUEUED -> INPROGRESS and increments attempts in one step.
	Claim(ctx context.Context, id types.TaskID) (int64, error)
	// Transition moves from -> to and sets attempts, only while status == from.
	Transition(ctx context.Context, id types.TaskID, from, to types.TaskStatus, newAttempts int) (int64, error)
	// TransitionSimple moves from -> to, only while status == from.
	TransitionSimple(ctx context.Context, id types.TaskID, from, to types.TaskStatus) (int64, error)

	// ListByStatus returns up to limit records in status last updated before
	// updatedBefore, oldest first. A zero updatedBefore matches everything.
	ListByStatus(ctx context.Context, status types.TaskStatus, updatedBefore time.Time, limit int) ([]*types.TaskRecord, error)
	// CountByStatus returns the number of records per status.
	CountByStatus(ctx context.Context) (map[types.TaskStatus]int, error)

	Close() error
}

// CheckTransition rejects pairs outside the task state machine and the
// claim edge, which must go through Claim.
func CheckTransition(from, to types.TaskStatus) error {
	if from == types.StatusQueued && to == types.StatusInProgress {
		return &types.ErrIllegalTransition{From: from, To: to}
	}
	return types.CheckTransition(from, to)
}
