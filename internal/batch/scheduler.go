package batch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jpalmerr/apiprobe/internal/metrics"
)

// Operation is a zero-argument unit of work.
//
// A returned error or a panic is a synchronous failure. Operations that
// complete asynchronously report their outcome out of band; the scheduler
// never waits for them.
type Operation func() error

// FailureFunc receives the synchronous failure of an invoked operation.
type FailureFunc func(err error)

// Option configures optional [Scheduler] collaborators.
type Option func(*Scheduler)

// WithMetrics records invocations, ticks and queue depth on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Scheduler) {
		s.metrics = m
	}
}

// Scheduler drains a queue of operations in batches.
//
// Each tick invokes up to batchSize operations from the front of the queue,
// in enqueue order. If operations remain, the next tick starts once the
// interval has elapsed. The scheduler stops when the queue is empty or its
// context is cancelled.
//
// The queue is owned by the driver goroutine started in [Scheduler.Start];
// nothing else reads or writes it. All lifecycle methods (Start, Stop) are
// safe for concurrent use.
type Scheduler struct {
	queue     []Operation
	batchSize int
	interval  time.Duration
	onFailure FailureFunc
	logger    *slog.Logger
	metrics   *metrics.Metrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	done   chan struct{}

	mu        sync.Mutex
	started   bool
	stopped   bool
	closeOnce sync.Once

	ticks     atomic.Int64
	remaining atomic.Int64
}

// NewScheduler creates a new batch [Scheduler].
//
// Parameters:
//   - ops: Operations to invoke, in order. The slice is copied.
//   - batchSize: Operations per tick. Values below 1 are treated as 1.
//   - interval: Delay between ticks. Negative values are treated as 0.
//   - onFailure: Receives returned errors and recovered panics. May be nil,
//     in which case failures are only logged.
//   - logger: Logger for scheduler events (panic recovery, etc.). Nil uses
//     slog.Default().
//
// The scheduler must be started with [Scheduler.Start].
func NewScheduler(ops []Operation, batchSize int, interval time.Duration, onFailure FailureFunc, logger *slog.Logger, opts ...Option) *Scheduler {
	if batchSize < 1 {
		batchSize = 1
	}
	if interval < 0 {
		interval = 0
	}
	if logger == nil {
		logger = slog.Default()
	}

	queue := make([]Operation, len(ops))
	copy(queue, ops)

	s := &Scheduler{
		queue:     queue,
		batchSize: batchSize,
		interval:  interval,
		onFailure: onFailure,
		logger:    logger,
		done:      make(chan struct{}),
	}
	s.remaining.Store(int64(len(queue)))

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Done returns a channel that is closed once the driver loop has exited,
// either because the queue drained or because the scheduler was stopped.
//
// Operations invoked before that point may still be running.
func (s *Scheduler) Done() <-chan struct{} {
	return s.done
}

// Ticks returns the number of ticks run so far.
func (s *Scheduler) Ticks() int {
	return int(s.ticks.Load())
}

// Remaining returns the number of operations not yet invoked.
func (s *Scheduler) Remaining() int {
	return int(s.remaining.Load())
}

// Start begins draining the queue in a background goroutine.
//
// Start is non-blocking. The first tick runs immediately. If ctx is nil,
// context.Background() is used. Start is idempotent; subsequent calls are
// no-ops. If Stop was called before Start, Start is a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started || s.stopped {
		s.mu.Unlock()
		return
	}
	s.started = true

	if ctx == nil {
		ctx = context.Background()
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	runCtx := s.ctx // capture under lock to avoid race
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		defer s.closeOnce.Do(func() { close(s.done) })

		s.drain(runCtx)
	}()
}

// Stop halts the scheduler and waits for the driver loop to exit.
//
// Operations already invoked are not interrupted. Stop is idempotent and
// safe to call multiple times. Calling Stop before Start is a safe no-op
// that also closes [Scheduler.Done].
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.stopped {
		s.stopped = true
		if s.cancel != nil {
			s.cancel()
		}
	}
	s.mu.Unlock()

	s.wg.Wait()

	// ensure done is closed even if Start() was never called
	s.closeOnce.Do(func() { close(s.done) })
}

// drain runs ticks until the queue is empty or ctx is cancelled.
func (s *Scheduler) drain(ctx context.Context) {
	queue := s.queue
	s.queue = nil

	for len(queue) > 0 {
		if ctx.Err() != nil {
			return
		}

		n := min(s.batchSize, len(queue))
		s.tick(queue[:n])

		// release invoked operations before keeping the suffix
		clear(queue[:n])
		queue = queue[n:]
		s.remaining.Store(int64(len(queue)))
		s.metrics.QueueRemaining(len(queue))

		if len(queue) == 0 {
			break
		}

		timer := time.NewTimer(s.interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			s.logger.Info("batch stopped before queue drained", "remaining", len(queue))
			return
		case <-timer.C:
		}
	}

	s.logger.Debug("batch queue drained", "ticks", s.Ticks())
}

// tick invokes one batch. A failing operation never stops the rest.
func (s *Scheduler) tick(ops []Operation) {
	tick := s.ticks.Add(1)
	s.metrics.Tick()
	s.logger.Debug("batch tick", "tick", tick, "operations", len(ops))

	for _, op := range ops {
		s.metrics.OperationInvoked()
		if err := s.safeInvoke(op); err != nil {
			s.fail(err)
		}
	}
}

// safeInvoke calls op with panic recovery.
// If op panics, the full stack is logged with a correlation ID and a
// [PanicError] carrying the same ID is returned.
func (s *Scheduler) safeInvoke(op Operation) (err error) {
	defer func() {
		if r := recover(); r != nil {
			perr := NewPanicError(r)

			s.logger.Error("operation panic",
				"correlation_id", perr.CorrelationID,
				"panic", fmt.Sprintf("%v", r),
				"stack", perr.Stack,
			)

			err = perr
		}
	}()
	return op()
}

// fail hands a failure to onFailure. A panicking failure handler is logged
// and otherwise ignored so the batch keeps going.
func (s *Scheduler) fail(err error) {
	if s.onFailure == nil {
		s.logger.Warn("operation failed", "error", err.Error())
		return
	}

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("failure handler panic", "panic", fmt.Sprintf("%v", r))
		}
	}()
	s.onFailure(err)
}
