// Package dispatch creates pipeline stages: it enqueues the stage's work
// item and links the item's id into the owning assignment.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/braydenhuang/network-threat-detector/internal/broker"
	"github.com/braydenhuang/network-threat-detector/internal/metrics"
	"github.com/braydenhuang/network-threat-detector/internal/process"
	"github.com/braydenhuang/network-threat-detector/pkg/schema"
)

const (
	DefaultLinkAttempts = 3
	DefaultLinkBackoff  = 200 * time.Millisecond
)

var (
	ErrEnqueue      = errors.New("enqueue failed")
	ErrUnknownStage = errors.New("no queue configured for stage")
)

// UnhealthyError is returned when the health gate refuses a dispatch.
type UnhealthyError struct {
	Health schema.Health
}

func (e *UnhealthyError) Error() string {
	var down []string
	for _, s := range e.Health.Services() {
		if !s.Service.Working {
			down = append(down, s.Name)
		}
	}
	return "dependencies unhealthy: " + strings.Join(down, ", ")
}

// UnlinkedError means the work item was enqueued and will run, but its id
// could not be recorded in the assignment.
type UnlinkedError struct {
	JobID        string
	AssignmentID string
	Err          error
}

func (e *UnlinkedError) Error() string {
	return fmt.Sprintf("work item %s enqueued but not linked to assignment %s: %v", e.JobID, e.AssignmentID, e.Err)
}

func (e *UnlinkedError) Unwrap() error { return e.Err }

type Prober interface {
	Probe(ctx context.Context) schema.Health
}

type Enqueuer interface {
	Enqueue(ctx context.Context, queue string, task process.Task, opts broker.EnqueueOptions) (string, error)
}

type Linker interface {
	AppendStage(ctx context.Context, id string, stage schema.Stage) (*schema.Assignment, error)
}

// Request describes one stage to create.
type Request struct {
	Assignment *schema.Assignment
	Stage      schema.Stage
	Task       process.Task
	// Health, when set, is a snapshot the caller probed just before
	// dispatching; otherwise the dispatcher probes itself.
	Health *schema.Health
}

type Dispatcher struct {
	monitor       Prober
	enqueuer      Enqueuer
	linker        Linker
	queues        map[string]string
	startDeadline time.Duration
	linkAttempts  int
	linkBackoff   time.Duration
	metrics       *metrics.Metrics
	logger        *slog.Logger
}

type Option func(*Dispatcher)

func WithStartDeadline(d time.Duration) Option {
	return func(x *Dispatcher) { x.startDeadline = d }
}

func WithLinkRetry(attempts int, backoff time.Duration) Option {
	return func(x *Dispatcher) {
		x.linkAttempts = attempts
		x.linkBackoff = backoff
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(x *Dispatcher) { x.metrics = m }
}

func WithLogger(l *slog.Logger) Option {
	return func(x *Dispatcher) { x.logger = l }
}

// New builds a dispatcher. queues maps each stage name to its queue.
func New(monitor Prober, enqueuer Enqueuer, linker Linker, queues map[string]string, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		monitor:       monitor,
		enqueuer:      enqueuer,
		linker:        linker,
		queues:        queues,
		startDeadline: broker.DefaultStartDeadline,
		linkAttempts:  DefaultLinkAttempts,
		linkBackoff:   DefaultLinkBackoff,
		logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.linkAttempts < 1 {
		d.linkAttempts = 1
	}
	return d
}

// Dispatch gates on health, enqueues the stage's task and appends the stage
// (carrying the new work item id) to the assignment. It returns the stored
// assignment and the work item id.
//
// Nothing is enqueued when the gate fails, and nothing is appended when the
// enqueue fails. If linking fails after the item was enqueued, the id is
// still returned together with an *UnlinkedError.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (*schema.Assignment, string, error) {
	queue, ok := d.queues[req.Stage.Name]
	if !ok {
		return nil, "", fmt.Errorf("%w %q", ErrUnknownStage, req.Stage.Name)
	}
	logger := d.logger.With("assignment_id", req.Assignment.ID, "stage", req.Stage.Name, "queue", queue)

	health := req.Health
	if health == nil {
		h := d.monitor.Probe(ctx)
		health = &h
	}
	if !health.AllGood() {
		d.metrics.Dispatch(queue, "unhealthy")
		d.metrics.GateRejected("dispatch")
		logger.Warn("dispatch refused by health gate")
		return nil, "", &UnhealthyError{Health: *health}
	}

	jobID, err := d.enqueuer.Enqueue(ctx, queue, req.Task, broker.EnqueueOptions{StartDeadline: d.startDeadline})
	if err != nil {
		d.metrics.Dispatch(queue, "enqueue_failed")
		logger.Error("enqueue failed", "err", err)
		return nil, "", fmt.Errorf("%w: %w", ErrEnqueue, err)
	}
	logger = logger.With("job_id", jobID)

	stage := req.Stage
	stage.ID = &jobID

	var linkErr error
	for attempt := 1; attempt <= d.linkAttempts; attempt++ {
		a, err := d.linker.AppendStage(ctx, req.Assignment.ID, stage)
		if err == nil {
			d.metrics.Dispatch(queue, "ok")
			logger.Info("stage dispatched", "attempt", attempt)
			return a, jobID, nil
		}
		linkErr = err
		logger.Warn("link stage failed", "attempt", attempt, "err", err)
		if attempt < d.linkAttempts && !wait(ctx, time.Duration(attempt)*d.linkBackoff) {
			break
		}
	}

	d.metrics.Dispatch(queue, "unlinked")
	d.metrics.Orphaned()
	logger.Error("work item enqueued but not linked to assignment", "err", linkErr)
	return nil, jobID, &UnlinkedError{JobID: jobID, AssignmentID: req.Assignment.ID, Err: linkErr}
}

func wait(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
