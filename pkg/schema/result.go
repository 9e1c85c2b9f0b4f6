package schema

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ResultKind discriminates the JobResult variants on the wire.
type ResultKind string

const (
	KindJob         ResultKind = "job"
	KindML          ResultKind = "ml"
	KindHealthCheck ResultKind = "health_check"
)

// JobResult is the value a worker leaves in a work item's result slot.
// Prediction is only meaningful for KindML and Health only for
// KindHealthCheck; DecodeResult enforces that.
type JobResult struct {
	Kind       ResultKind  `json:"kind"`
	Success    bool        `json:"success"`
	Message    *string     `json:"message,omitempty"`
	NextJobID  *string     `json:"next_job_id,omitempty"`
	Prediction *Prediction `json:"prediction,omitempty"`
	Health     *Health     `json:"health,omitempty"`
}

func NewJobResult(success bool, message string, nextJobID string) JobResult {
	r := JobResult{Kind: KindJob, Success: success}
	if message != "" {
		r.Message = &message
	}
	if nextJobID != "" {
		r.NextJobID = &nextJobID
	}
	return r
}

func NewMLJobResult(success bool, message string, prediction *Prediction) JobResult {
	r := JobResult{Kind: KindML, Success: success, Prediction: prediction}
	if message != "" {
		r.Message = &message
	}
	return r
}

// NewHealthCheckResult records a stage aborted by the health gate.
func NewHealthCheckResult(h Health) JobResult {
	msg := "Health check failed"
	return JobResult{Kind: KindHealthCheck, Success: false, Message: &msg, Health: &h}
}

var ErrUnknownResultKind = errors.New("unknown result kind")

// DecodeResult parses a stored result payload by its kind tag.
func DecodeResult(data []byte) (JobResult, error) {
	var r JobResult
	if err := json.Unmarshal(data, &r); err != nil {
		return JobResult{}, fmt.Errorf("decode job result: %w", err)
	}
	switch r.Kind {
	case KindJob:
		if r.Prediction != nil || r.Health != nil {
			return JobResult{}, fmt.Errorf("job result carries fields of another kind")
		}
	case KindML:
		if r.Health != nil {
			return JobResult{}, fmt.Errorf("ml result carries a health snapshot")
		}
	case KindHealthCheck:
		if r.Health == nil {
			return JobResult{}, fmt.Errorf("health_check result without health snapshot")
		}
		if r.Prediction != nil {
			return JobResult{}, fmt.Errorf("health_check result carries a prediction")
		}
	default:
		return JobResult{}, fmt.Errorf("%w %q", ErrUnknownResultKind, r.Kind)
	}
	return r, nil
}

// MessageText returns the message or an empty string.
func (r JobResult) MessageText() string {
	if r.Message == nil {
		return ""
	}
	return *r.Message
}
