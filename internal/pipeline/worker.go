package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/braydenhuang/network-threat-detector/internal/blob"
	"github.com/braydenhuang/network-threat-detector/internal/broker"
	"github.com/braydenhuang/network-threat-detector/internal/classifier"
	"github.com/braydenhuang/network-threat-detector/internal/dispatch"
	"github.com/braydenhuang/network-threat-detector/internal/flowmeter"
	"github.com/braydenhuang/network-threat-detector/internal/metrics"
	"github.com/braydenhuang/network-threat-detector/internal/process"
	"github.com/braydenhuang/network-threat-detector/pkg/schema"
)

// Dispatcher creates the next stage of an assignment.
type Dispatcher interface {
	Dispatch(ctx context.Context, req dispatch.Request) (*schema.Assignment, string, error)
}

type Assignments interface {
	Get(ctx context.Context, id string) (*schema.Assignment, error)
	Touch(ctx context.Context, id string) (*schema.Assignment, error)
}

type BundleSource interface {
	Bundle() (*classifier.Bundle, error)
}

// TaskFunc runs one task. A returned JobResult with Success=false is a
// handled outcome; an error fails the work item.
type TaskFunc func(ctx context.Context, job *process.Job) (schema.JobResult, error)

type Config struct {
	ScratchDir       string
	WritePredictions bool
}

type Deps struct {
	Monitor     dispatch.Prober
	Store       blob.Store
	Assignments Assignments
	Dispatcher  Dispatcher
	FlowMeter   flowmeter.Runner
	Bundles     BundleSource
	Events      Publisher
	Metrics     *metrics.Metrics
	Logger      *slog.Logger
}

type Worker struct {
	cfg         Config
	monitor     dispatch.Prober
	store       blob.Store
	assignments Assignments
	dispatcher  Dispatcher
	flowmeter   flowmeter.Runner
	bundles     BundleSource
	events      Publisher
	metrics     *metrics.Metrics
	logger      *slog.Logger
	tasks       map[string]TaskFunc
	now         func() time.Time
}

func NewWorker(cfg Config, deps Deps) *Worker {
	if cfg.ScratchDir == "" {
		cfg.ScratchDir = os.TempDir()
	}
	w := &Worker{
		cfg:         cfg,
		monitor:     deps.Monitor,
		store:       deps.Store,
		assignments: deps.Assignments,
		dispatcher:  deps.Dispatcher,
		flowmeter:   deps.FlowMeter,
		bundles:     deps.Bundles,
		events:      deps.Events,
		metrics:     deps.Metrics,
		logger:      deps.Logger,
		now:         time.Now,
	}
	if w.events == nil {
		w.events = nopPublisher{}
	}
	if w.logger == nil {
		w.logger = slog.Default()
	}
	w.tasks = map[string]TaskFunc{
		TaskExtractFlows:  w.extract,
		TaskClassifyFlows: w.classify,
	}
	return w
}

// Handle is a broker.Handler that routes a work item to its task.
func (w *Worker) Handle(ctx context.Context, job *process.Job) (json.RawMessage, error) {
	fn, ok := w.tasks[job.Task.Name]
	if !ok {
		return nil, ValidationError{Message: fmt.Sprintf("unsupported task %q", job.Task.Name)}
	}
	result, err := fn(ctx, job)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}
	return raw, nil
}

// Run consumes queue until ctx is done.
func (w *Worker) Run(ctx context.Context, b broker.Broker, queue string) error {
	w.logger.Info("worker starting", "queue", queue, "scratch_dir", w.cfg.ScratchDir, "write_predictions", w.cfg.WritePredictions)
	return b.Consume(ctx, queue, w.Handle)
}

// tracker records the lifecycle of one stage execution.
type tracker struct {
	w     *Worker
	stage string
	evt   schema.StageEvent
	start time.Time
}

func (w *Worker) track(job *process.Job, stage, assignmentID string) *tracker {
	t := &tracker{
		w:     w,
		stage: stage,
		evt:   schema.StageEvent{JobID: job.ID, AssignmentID: assignmentID, Stage: stage},
		start: w.now(),
	}
	t.send(schema.PhaseStarted, nil)
	return t
}

func (t *tracker) send(phase schema.StagePhase, err error) {
	evt := t.evt
	evt.Phase = phase
	if phase != schema.PhaseStarted {
		evt.DurationMs = t.w.now().Sub(t.start).Milliseconds()
	}
	if err != nil {
		evt.Error = err.Error()
		evt.FailureType = classifyError(err)
	}
	t.w.emit(evt)
}

func (t *tracker) rejected(h schema.Health) schema.JobResult {
	t.w.metrics.GateRejected(t.stage)
	t.w.metrics.StageFinished(t.stage, "rejected", t.w.now().Sub(t.start))
	evt := t.evt
	evt.Phase = schema.PhaseRejected
	evt.FailureType = schema.FailureTypeUnhealthy
	t.w.emit(evt)
	return schema.NewHealthCheckResult(h)
}

func (t *tracker) failed(err error) error {
	t.w.metrics.StageFinished(t.stage, "failed", t.w.now().Sub(t.start))
	t.send(schema.PhaseFailed, err)
	return err
}

func (t *tracker) done(r schema.JobResult) schema.JobResult {
	outcome := "success"
	if !r.Success {
		outcome = "unsuccessful"
	}
	t.w.metrics.StageFinished(t.stage, outcome, t.w.now().Sub(t.start))
	if r.NextJobID != nil {
		t.evt.NextJobID = *r.NextJobID
	}
	if r.Prediction != nil {
		t.evt.Prediction = r.Prediction.String()
	}
	t.send(schema.PhaseCompleted, nil)
	return r
}
