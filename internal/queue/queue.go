// ABOUTME: Queue contract plus the in-process implementation with a fixed worker pool
// ABOUTME: Enqueue hands jobs to idle workers directly and buffers otherwise

package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

const (
	// MinConcurrency and MaxConcurrency bound the worker pool size.
	MinConcurrency = 1
	MaxConcurrency = 16
)

var (
	// ErrQueueFull is returned when the buffer cap is reached and no worker is idle.
	ErrQueueFull = errors.New("queue full")

	// ErrClosed is returned when enqueuing on a closed queue.
	ErrClosed = errors.New("queue closed")

	// ErrConsumerStarted is returned when StartConsumer is called twice.
	ErrConsumerStarted = errors.New("consumer already started")
)

// Handler processes one job. Returned errors are logged, never retried.
type Handler func(ctx context.Context, job Job) error

// ConsumerOptions configures the worker pool.
type ConsumerOptions struct {
	Concurrency int
}

// Queue is the contract intake and the dispatcher depend on. Implementations
// may be in-process or backed by a broker.
type Queue interface {
	Enqueue(ctx context.Context, job Job) error
	StartConsumer(ctx context.Context, handler Handler, opts ConsumerOptions) error
	Close() error
}

// ClampConcurrency keeps a requested worker count inside the supported range.
func ClampConcurrency(n int) int {
	if n < MinConcurrency {
		return MinConcurrency
	}
	if n > MaxConcurrency {
		return MaxConcurrency
	}
	return n
}

// MemoryQueue is an in-process FIFO buffer plus a fixed pool of pull loops.
// Durability is not provided; persisted snapshots carry the conversation state.
type MemoryQueue struct {
	mu        sync.Mutex
	buffer    []Job
	waiters   []chan Job // idle workers blocked on a pull
	maxBuffer int
	closed    bool
	started   bool
	done      chan struct{}
	wg        sync.WaitGroup
	logger    *slog.Logger
}

// NewMemoryQueue creates a queue. maxBuffer <= 0 means unbounded.
func NewMemoryQueue(maxBuffer int, logger *slog.Logger) *MemoryQueue {
	if logger == nil {
		logger = slog.Default()
	}
	return &MemoryQueue{
		maxBuffer: maxBuffer,
		done:      make(chan struct{}),
		logger:    logger.With("component", "queue"),
	}
}

// Enqueue never blocks: an idle worker receives the job directly, otherwise it is buffered.
func (q *MemoryQueue) Enqueue(ctx context.Context, job Job) error {
	if err := job.Validate(); err != nil {
		return fmt.Errorf("invalid job: %w", err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrClosed
	}

	if len(q.waiters) > 0 {
		w := q.waiters[0]
		q.waiters = q.waiters[1:]
		// Waiter channels are buffered with capacity 1 and receive exactly one job.
		w <- job
		return nil
	}

	if q.maxBuffer > 0 && len(q.buffer) >= q.maxBuffer {
		return ErrQueueFull
	}
	q.buffer = append(q.buffer, job)
	return nil
}

// Len returns the number of buffered jobs.
func (q *MemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.buffer)
}

// StartConsumer launches opts.Concurrency pull loops that run until ctx is
// canceled or the queue is closed.
func (q *MemoryQueue) StartConsumer(ctx context.Context, handler Handler, opts ConsumerOptions) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	if q.started {
		q.mu.Unlock()
		return ErrConsumerStarted
	}
	q.started = true
	q.mu.Unlock()

	n := ClampConcurrency(opts.Concurrency)
	q.wg.Add(n)
	for i := 0; i < n; i++ {
		go q.worker(ctx, i, handler)
	}

	q.logger.Info("consumer started", "concurrency", n)
	return nil
}

func (q *MemoryQueue) worker(ctx context.Context, id int, handler Handler) {
	defer q.wg.Done()
	logger := q.logger.With("worker", id)

	for {
		job, ok := q.next(ctx)
		if !ok {
			return
		}
		runHandler(ctx, logger, handler, job)
	}
}

// next blocks until a job is available. Returns false on shutdown.
func (q *MemoryQueue) next(ctx context.Context) (Job, bool) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return Job{}, false
	}
	if len(q.buffer) > 0 {
		job := q.buffer[0]
		q.buffer[0] = Job{}
		q.buffer = q.buffer[1:]
		q.mu.Unlock()
		return job, true
	}

	w := make(chan Job, 1)
	q.waiters = append(q.waiters, w)
	q.mu.Unlock()

	select {
	case job := <-w:
		return job, true
	case <-ctx.Done():
	case <-q.done:
	}

	// Withdraw; a job may have been handed over concurrently.
	q.mu.Lock()
	for i, other := range q.waiters {
		if other == w {
			q.waiters = append(q.waiters[:i], q.waiters[i+1:]...)
			break
		}
	}
	q.mu.Unlock()

	select {
	case job := <-w:
		q.requeueFront(job)
	default:
	}
	return Job{}, false
}

// requeueFront puts back a job that was handed to a worker that is shutting down.
func (q *MemoryQueue) requeueFront(job Job) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.buffer = append([]Job{job}, q.buffer...)
}

// Close stops the workers and waits for in-flight handlers to return.
// Buffered jobs are dropped.
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	close(q.done)
	dropped := len(q.buffer)
	q.mu.Unlock()

	q.wg.Wait()
	if dropped > 0 {
		q.logger.Warn("queue closed with buffered jobs", "dropped", dropped)
	}
	return nil
}

// runHandler invokes the handler, logging errors and recovering panics so a
// single job can never take a worker down.
func runHandler(ctx context.Context, logger *slog.Logger, handler Handler, job Job) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("job handler panicked", "kind", job.Kind, "tenant_id", job.TenantID(), "panic", r)
		}
	}()

	if err := handler(ctx, job); err != nil {
		logger.Error("job handler failed", "kind", job.Kind, "tenant_id", job.TenantID(), "error", err)
	}
}
