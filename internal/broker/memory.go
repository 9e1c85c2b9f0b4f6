package broker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/braydenhuang/network-threat-detector/internal/bus"
	"github.com/braydenhuang/network-threat-detector/internal/process"
)

const memoryQueueDepth = 1024

// Memory is an in-process Broker with the same start-deadline and retention
// semantics as the JetStream backend.
type Memory struct {
	mu      sync.Mutex
	queues  map[string]chan string
	bucket  *bus.MemoryBucket
	runner  runner
	downErr error
}

func NewMemory(resultTTL time.Duration, logger *slog.Logger) *Memory {
	if resultTTL <= 0 {
		resultTTL = DefaultResultTTL
	}
	bucket := bus.NewMemoryBucket(resultTTL)
	return &Memory{
		queues: make(map[string]chan string),
		bucket: bucket,
		runner: runner{recs: records{bucket: bucket}, now: time.Now, logger: logger},
	}
}

// SetClock replaces the time source for deadlines and retention.
func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	m.runner.now = now
	m.mu.Unlock()
	m.bucket.SetClock(now)
}

// SetUnavailable makes every call fail with err until called with nil.
func (m *Memory) SetUnavailable(err error) {
	m.mu.Lock()
	m.downErr = err
	m.mu.Unlock()
}

func (m *Memory) check() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.downErr != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, m.downErr)
	}
	return nil
}

func (m *Memory) queue(name string) chan string {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.queues[name]
	if !ok {
		q = make(chan string, memoryQueueDepth)
		m.queues[name] = q
	}
	return q
}

func (m *Memory) now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.runner.now()
}

func (m *Memory) Enqueue(ctx context.Context, queue string, task process.Task, opts EnqueueOptions) (string, error) {
	if err := m.check(); err != nil {
		return "", err
	}
	if opts.StartDeadline <= 0 {
		opts.StartDeadline = DefaultStartDeadline
	}
	id := uuid.NewString()
	job := process.NewJob(queue, id, task, m.now(), opts.StartDeadline)
	if err := m.runner.recs.create(ctx, job); err != nil {
		return "", err
	}
	select {
	case m.queue(queue) <- id:
		return id, nil
	default:
		return "", fmt.Errorf("queue %s is full", queue)
	}
}

func (m *Memory) Job(ctx context.Context, id string) (*process.Job, error) {
	if err := m.check(); err != nil {
		return nil, err
	}
	job, _, err := m.runner.recs.get(ctx, id)
	return job, err
}

// Pending returns how many items are waiting on queue.
func (m *Memory) Pending(queue string) int {
	return len(m.queue(queue))
}

// RunNext processes one waiting item on queue, if any, and reports whether
// an item was taken off the queue.
func (m *Memory) RunNext(ctx context.Context, queue string, h Handler) (bool, error) {
	select {
	case id := <-m.queue(queue):
		_, err := m.snapshot().handle(ctx, id, h)
		return true, err
	default:
		return false, nil
	}
}

func (m *Memory) snapshot() runner {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.runner
}

func (m *Memory) Consume(ctx context.Context, queue string, h Handler) error {
	q := m.queue(queue)
	runCtx := context.WithoutCancel(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case id := <-q:
			if _, err := m.snapshot().handle(runCtx, id, h); err != nil {
				m.runner.logger.Error("claim job failed", "job_id", id, "queue", queue, "err", err)
			}
		}
	}
}

func (m *Memory) Ping(context.Context) error {
	return m.check()
}
