package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/ChuLiYu/beaver-queue/pkg/types"
)

// ErrSchedulerClosed is returned by ScheduleAfter once Stop has been called.
var ErrSchedulerClosed = errors.New("scheduler is closed")

// Scheduler delays resubmission of task ids. Timers fire into a shared
// channel that a fixed number of timer goroutines forward to submit, so a
// slow submit never blocks the runtime timer.
type Scheduler struct {
	timers int
	submit SubmitFunc
	logger *slog.Logger

	dueCh  chan types.TaskID
	stopCh chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	seq     uint64
	pending map[uint64]*time.Timer
	started bool
	stopped bool
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithSchedulerLogger sets the scheduler logger.
func WithSchedulerLogger(l *slog.Logger) SchedulerOption {
	return func(s *Scheduler) { s.logger = l }
}

// NewScheduler returns a scheduler that forwards due ids to submit using
// the given number of timer goroutines.
func NewScheduler(timers int, submit SubmitFunc, opts ...SchedulerOption) *Scheduler {
	if timers <= 0 {
		timers = 1
	}
	s := &Scheduler{
		timers:  timers,
		submit:  submit,
		logger:  slog.Default(),
		dueCh:   make(chan types.TaskID),
		stopCh:  make(chan struct{}),
		pending: make(map[uint64]*time.Timer),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "scheduler")
	return s
}

// Start launches the timer goroutines.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started || s.stopped {
		return
	}
	s.started = true

	for i := 0; i < s.timers; i++ {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.loop()
		}()
	}
}

func (s *Scheduler) loop() {
	for {
		select {
		case <-s.stopCh:
			return
		case id := <-s.dueCh:
			// Stop 取消 ctx，卡在滿佇列上的 submit 會返回
			if err := s.submit(s.ctx, id); err != nil {
				s.logger.Warn("delayed submit failed", "task_id", id, "error", err)
			}
		}
	}
}

// ScheduleAfter submits id once delay has elapsed. A non-positive delay
// fires on the next timer tick.
func (s *Scheduler) ScheduleAfter(id types.TaskID, delay time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return ErrSchedulerClosed
	}
	if delay < 0 {
		delay = 0
	}

	s.seq++
	key := s.seq
	s.pending[key] = time.AfterFunc(delay, func() {
		s.mu.Lock()
		delete(s.pending, key)
		s.mu.Unlock()

		select {
		case s.dueCh <- id:
		case <-s.stopCh:
			s.logger.Warn("dropping delayed task after shutdown", "task_id", id)
		}
	})
	return nil
}

// Pending returns the number of timers that have not fired yet.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Stop cancels pending timers and waits for the timer goroutines. Ids whose
// timers had not fired are logged and dropped; they stay QUEUED in the store.
// A forward blocked on a full pool is cancelled, so Stop does not wait for
// a worker to free a queue slot.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	dropped := 0
	for key, t := range s.pending {
		if t.Stop() {
			dropped++
		}
		delete(s.pending, key)
	}
	s.mu.Unlock()

	close(s.stopCh)
	s.cancel()
	s.wg.Wait()

	if dropped > 0 {
		s.logger.Warn("scheduler stopped with pending timers", "dropped", dropped)
	} else {
		s.logger.Info("scheduler stopped")
	}
}
