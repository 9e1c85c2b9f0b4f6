package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/braydenhuang/network-threat-detector/internal/blob"
	"github.com/braydenhuang/network-threat-detector/internal/bus"
	"github.com/braydenhuang/network-threat-detector/internal/classifier"
	"github.com/braydenhuang/network-threat-detector/internal/flowmeter"
	"github.com/braydenhuang/network-threat-detector/internal/metrics"
	"github.com/braydenhuang/network-threat-detector/pkg/schema"
)

// EventSubject carries StageEvents; the stage name is appended after a dot.
const EventSubject = "ntd.events"

// Publisher sends stage events. *bus.Client satisfies it.
type Publisher interface {
	PublishJSON(subject string, v any) error
}

type nopPublisher struct{}

func (nopPublisher) PublishJSON(string, any) error { return nil }

// ValidationError marks a work item whose input can never succeed.
type ValidationError struct {
	Message string
}

func (e ValidationError) Error() string { return e.Message }

func classifyError(err error) schema.FailureType {
	if err == nil {
		return ""
	}

	var validationErr ValidationError
	var missingCols *classifier.MissingColumnsError
	switch {
	case errors.As(err, &validationErr),
		errors.As(err, &missingCols),
		errors.Is(err, schema.ErrInvalidLabel):
		return schema.FailureTypeValidation
	case errors.Is(err, blob.ErrNotFound),
		errors.Is(err, flowmeter.ErrNoTable),
		errors.Is(err, classifier.ErrModelNotFound):
		return schema.FailureTypePermanent
	}

	errStr := err.Error()
	if strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "temporary failure") ||
		strings.Contains(errStr, "context deadline exceeded") {
		return schema.FailureTypeRetryable
	}
	if strings.Contains(errStr, "no such file") ||
		strings.Contains(errStr, "permission denied") {
		return schema.FailureTypePermanent
	}
	return schema.FailureTypeRetryable
}

func (w *Worker) emit(evt schema.StageEvent) {
	evt.HappenedAt = time.Now().Unix()
	subject := EventSubject + "." + eventToken(evt.Stage)
	if err := w.events.PublishJSON(subject, evt); err != nil {
		w.logger.Warn("publish stage event failed", "subject", subject, "job_id", evt.JobID, "phase", evt.Phase, "err", err)
	}
}

func eventToken(stage string) string {
	switch stage {
	case schema.StageExtraction:
		return "extraction"
	case schema.StageInference:
		return "inference"
	}
	return "other"
}

// WatchEvents counts stage events arriving on the bus until the returned
// subscription is drained.
func WatchEvents(client *bus.Client, m *metrics.Metrics, logger *slog.Logger) (*nats.Subscription, error) {
	return client.SubscribeJSON(EventSubject+".>", func(_ context.Context, data []byte) {
		var evt schema.StageEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			logger.Warn("discarding malformed stage event", "err", err)
			return
		}
		m.StageEvent(evt.Stage, string(evt.Phase))
		logger.Debug("stage event", "job_id", evt.JobID, "assignment_id", evt.AssignmentID, "stage", evt.Stage, "phase", evt.Phase)
	})
}
