// pkg/schema/events.go
package schema

// StagePhase marks where a work item is in its lifecycle when an event is emitted.
type StagePhase string

const (
	PhaseStarted   StagePhase = "started"
	PhaseCompleted StagePhase = "completed"
	PhaseFailed    StagePhase = "failed"
	PhaseRejected  StagePhase = "rejected"
)

type FailureType string

const (
	FailureTypeRetryable  FailureType = "retryable"
	FailureTypePermanent  FailureType = "permanent"
	FailureTypeValidation FailureType = "validation"
	FailureTypeUnhealthy  FailureType = "unhealthy"
)

// StageEvent is published on the event subject whenever a worker starts or
// finishes a work item. It is informational; the job record stays the source
// of truth for status queries.
type StageEvent struct {
	JobID        string      `json:"job_id"`
	AssignmentID string      `json:"assignment_id,omitempty"`
	Stage        string      `json:"stage"`
	Phase        StagePhase  `json:"phase"`
	NextJobID    string      `json:"next_job_id,omitempty"`
	Prediction   string      `json:"prediction,omitempty"`
	DurationMs   int64       `json:"duration_ms,omitempty"`
	Error        string      `json:"error,omitempty"`
	FailureType  FailureType `json:"failure_type,omitempty"`
	HappenedAt   int64       `json:"happened_at"`
}
