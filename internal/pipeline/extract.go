package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/google/uuid"

	"github.com/braydenhuang/network-threat-detector/internal/assignment"
	"github.com/braydenhuang/network-threat-detector/internal/blob"
	"github.com/braydenhuang/network-threat-detector/internal/dispatch"
	"github.com/braydenhuang/network-threat-detector/internal/flowmeter"
	"github.com/braydenhuang/network-threat-detector/internal/process"
	"github.com/braydenhuang/network-threat-detector/pkg/schema"
)

// extract turns a stored capture into a flow table and dispatches the
// inference stage for it.
func (w *Worker) extract(ctx context.Context, job *process.Job) (schema.JobResult, error) {
	var args ExtractArgs
	if err := decodeArgs(job.Task, &args); err != nil {
		return schema.JobResult{}, err
	}
	if args.CaptureKey == "" {
		return schema.JobResult{}, ValidationError{Message: "capture_key is required"}
	}
	logger := w.logger.With("job_id", job.ID, "assignment_id", args.AssignmentID, "capture_key", args.CaptureKey)
	t := w.track(job, schema.StageExtraction, args.AssignmentID)

	health := w.monitor.Probe(ctx)
	if !health.AllGood() {
		logger.Warn("dependencies unhealthy, aborting extraction")
		return t.rejected(health), nil
	}

	flowKey, err := w.extractFlows(ctx, args.CaptureKey, logger)
	if err != nil {
		logger.Error("flow extraction failed", "err", err)
		return schema.JobResult{}, t.failed(err)
	}
	logger = logger.With("flow_key", flowKey)
	logger.Info("flow table stored")

	var message string
	a, err := w.loadAssignment(ctx, args.AssignmentID)
	switch {
	case errors.Is(err, assignment.ErrNotFound):
		message = fmt.Sprintf("assignment %q not found; inference recorded under %s", args.AssignmentID, a.ID)
		logger.Warn("assignment missing, creating a new record", "new_assignment_id", a.ID)
	case err != nil:
		return schema.JobResult{}, t.failed(fmt.Errorf("load assignment: %w", err))
	}

	task, err := ClassifyTask(ClassifyArgs{FlowKey: flowKey, AssignmentID: a.ID})
	if err != nil {
		return schema.JobResult{}, t.failed(err)
	}
	_, nextID, err := w.dispatcher.Dispatch(ctx, dispatch.Request{
		Assignment: a,
		Stage:      schema.InferenceStage(),
		Task:       task,
	})

	var unhealthy *dispatch.UnhealthyError
	var unlinked *dispatch.UnlinkedError
	switch {
	case errors.As(err, &unhealthy):
		logger.Warn("inference dispatch refused by health gate")
		return t.rejected(unhealthy.Health), nil
	case errors.As(err, &unlinked):
		message = joinMessage(message, unlinked.Error())
	case err != nil:
		return schema.JobResult{}, t.failed(fmt.Errorf("dispatch inference: %w", err))
	}

	logger.Info("inference dispatched", "next_job_id", nextID)
	return t.done(schema.NewJobResult(true, message, nextID)), nil
}

func (w *Worker) extractFlows(ctx context.Context, captureKey string, logger *slog.Logger) (string, error) {
	inputDir, err := os.MkdirTemp(w.cfg.ScratchDir, "ntd-capture-*")
	if err != nil {
		return "", fmt.Errorf("create scratch dir: %w", err)
	}
	defer removeScratch(inputDir, logger)
	outputDir, err := os.MkdirTemp(w.cfg.ScratchDir, "ntd-flows-*")
	if err != nil {
		return "", fmt.Errorf("create scratch dir: %w", err)
	}
	defer removeScratch(outputDir, logger)

	if _, err := blob.FetchToFile(ctx, w.store, captureKey, inputDir); err != nil {
		return "", err
	}
	logger.Info("capture downloaded", "dir", inputDir)

	if err := w.flowmeter.Run(ctx, inputDir, outputDir); err != nil {
		return "", err
	}
	table, err := flowmeter.SelectTable(outputDir)
	if err != nil {
		return "", err
	}

	flowKey := blob.FlowKey()
	if _, err := blob.PutFile(ctx, w.store, flowKey, table); err != nil {
		return "", err
	}
	return flowKey, nil
}

// loadAssignment returns the stored assignment, or a fresh record carrying
// the requested id (a new one when it is unusable) together with
// assignment.ErrNotFound.
func (w *Worker) loadAssignment(ctx context.Context, id string) (*schema.Assignment, error) {
	if _, err := uuid.Parse(id); err != nil {
		return assignment.New(), assignment.ErrNotFound
	}
	a, err := w.assignments.Get(ctx, id)
	if errors.Is(err, assignment.ErrNotFound) {
		return &schema.Assignment{ID: id, Stages: []schema.Stage{}}, err
	}
	return a, err
}

func removeScratch(dir string, logger *slog.Logger) {
	if err := os.RemoveAll(dir); err != nil {
		logger.Warn("cleanup failed", "dir", dir, "err", err)
	}
}

func joinMessage(a, b string) string {
	switch {
	case a == "":
		return b
	case b == "":
		return a
	}
	return a + "; " + b
}
