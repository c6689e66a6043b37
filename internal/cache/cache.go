// Package cache is the advisory read-through cache for task records.
//
// Cache contents never decide correctness. A miss, a stale entry, or a
// backend outage only costs a store read.
package cache

import (
	"context"

	"github.com/ChuLiYu/beaver-queue/pkg/types"
)

// KeyPrefix namespaces cached task records.
const KeyPrefix = "task:"

// Cache stores task records by id.
type Cache interface {
	Put(ctx context.Context, rec *types.TaskRecord) error
	// Get returns nil, nil on a miss.
	Get(ctx context.Context, id types.TaskID) (*types.TaskRecord, error)
	Delete(ctx context.Context, id types.TaskID) error
}

// Nop caches nothing.
type Nop struct{}

func (Nop) Put(context.Context, *types.TaskRecord) error { return nil }

func (Nop) Get(context.Context, types.TaskID) (*types.TaskRecord, error) { return nil, nil }

func (Nop) Delete(context.Context, types.TaskID) error { return nil }

var _ Cache = Nop{}
