package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/braydenhuang/network-threat-detector/internal/assignment"
	"github.com/braydenhuang/network-threat-detector/internal/blob"
	"github.com/braydenhuang/network-threat-detector/internal/classifier"
	"github.com/braydenhuang/network-threat-detector/internal/process"
	"github.com/braydenhuang/network-threat-detector/pkg/schema"
)

const noValidRowsMessage = "No valid rows in flow CSV after cleaning"

// classify scores a stored flow table. The verdict is the label of the
// first kept row.
func (w *Worker) classify(ctx context.Context, job *process.Job) (schema.JobResult, error) {
	var args ClassifyArgs
	if err := decodeArgs(job.Task, &args); err != nil {
		return schema.JobResult{}, err
	}
	if args.FlowKey == "" {
		return schema.JobResult{}, ValidationError{Message: "flow_key is required"}
	}
	logger := w.logger.With("job_id", job.ID, "assignment_id", args.AssignmentID, "flow_key", args.FlowKey)
	t := w.track(job, schema.StageInference, args.AssignmentID)

	health := w.monitor.Probe(ctx)
	if !health.AllGood() {
		logger.Warn("dependencies unhealthy, aborting inference")
		return t.rejected(health), nil
	}

	bundle, err := w.bundles.Bundle()
	if err != nil {
		return schema.JobResult{}, t.failed(fmt.Errorf("load classifier: %w", err))
	}

	table, err := w.readFlows(ctx, args.FlowKey, bundle.FeatureNames)
	if err != nil {
		logger.Error("prepare features failed", "err", err)
		return schema.JobResult{}, t.failed(err)
	}
	if len(table.Features) == 0 {
		logger.Warn("no valid rows after cleaning", "dropped", table.Dropped)
		return t.done(schema.NewMLJobResult(false, noValidRowsMessage, nil)), nil
	}
	logger.Info("scoring flows", "rows", len(table.Features), "dropped", table.Dropped)

	labels, err := bundle.Model.Predict(table.Features)
	if err != nil {
		return schema.JobResult{}, t.failed(fmt.Errorf("predict: %w", err))
	}
	verdict, err := schema.ParseLabel(labels[0])
	if err != nil {
		return schema.JobResult{}, t.failed(err)
	}

	var message string
	if w.cfg.WritePredictions {
		key, err := w.writePredictions(ctx, table, labels)
		if err != nil {
			return schema.JobResult{}, t.failed(err)
		}
		message = "Predictions stored at " + key
		logger.Info("predictions stored", "prediction_key", key)
	}

	w.touchAssignment(ctx, args.AssignmentID)

	logger.Info("flows classified", "prediction", verdict.Display())
	return t.done(schema.NewMLJobResult(true, message, &verdict)), nil
}

func (w *Worker) readFlows(ctx context.Context, key string, features []string) (*classifier.Table, error) {
	reader, err := w.store.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", key, err)
	}
	defer reader.Close()
	return classifier.PrepareFeatures(reader, features)
}

func (w *Worker) writePredictions(ctx context.Context, table *classifier.Table, labels []string) (string, error) {
	var buf bytes.Buffer
	if err := table.WriteWithLabels(&buf, labels); err != nil {
		return "", fmt.Errorf("encode predictions: %w", err)
	}
	key := blob.PredictionKey()
	if _, err := w.store.Put(ctx, key, bytes.NewReader(buf.Bytes())); err != nil {
		return "", fmt.Errorf("upload %s: %w", key, err)
	}
	return key, nil
}

// touchAssignment restarts the assignment's retention window. Failures are
// logged only; the verdict is already in the work item's result.
func (w *Worker) touchAssignment(ctx context.Context, id string) {
	if id == "" {
		return
	}
	_, err := w.assignments.Touch(ctx, id)
	switch {
	case errors.Is(err, assignment.ErrNotFound):
		w.logger.Warn("assignment not found on refresh", "assignment_id", id)
	case err != nil:
		w.logger.Warn("refresh assignment failed", "assignment_id", id, "err", err)
	}
}
