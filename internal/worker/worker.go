package worker

import (
	"context"
	"log/slog"
	"runtime/debug"
	"sync/atomic"

	"github.com/ChuLiYu/beaver-queue/pkg/types"
)

// Worker pulls task ids from the shared channel until it is closed.
type Worker struct {
	id      int                 // Worker unique identifier, used for logging
	taskCh  <-chan types.TaskID // read-only task id channel
	process ProcessFunc
	active  *atomic.Int32 // shared with the pool
	logger  *slog.Logger
}

func newWorker(id int, taskCh <-chan types.TaskID, process ProcessFunc, active *atomic.Int32, logger *slog.Logger) *Worker {
	return &Worker{
		id:      id,
		taskCh:  taskCh,
		process: process,
		active:  active,
		logger:  logger,
	}
}

// Run processes ids until taskCh is closed. Once ctx is cancelled the
// remaining queued ids are drained and dropped.
func (w *Worker) Run(ctx context.Context) {
	for id := range w.taskCh {
		if ctx.Err() != nil {
			w.logger.Warn("dropping task after forced shutdown", "worker", w.id, "task_id", id)
			continue
		}
		w.execute(ctx, id)
	}
}

func (w *Worker) execute(ctx context.Context, id types.TaskID) {
	w.active.Add(1)
	defer w.active.Add(-1)

	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("worker recovered from panic",
				"worker", w.id, "task_id", id, "panic", r, "stack", string(debug.Stack()))
		}
	}()

	w.process(ctx, id)
}
