package schema

import "time"

type UploadResponse struct {
	Filename     string  `json:"filename"`
	Success      bool    `json:"success"`
	Filesize     int64   `json:"filesize"`
	Message      *string `json:"message,omitempty"`
	AssignmentID *string `json:"assignment_id,omitempty"`
}

// JobStatus is the externally visible status of a work item.
type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
	JobExpired   JobStatus = "expired"
)

// JobResponse is the status document served for a work item.
type JobResponse struct {
	ID         string     `json:"id"`
	Status     JobStatus  `json:"status"`
	Queue      string     `json:"queue"`
	EnqueuedAt *time.Time `json:"enqueued_at,omitempty"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	EndedAt    *time.Time `json:"ended_at,omitempty"`
	Result     *JobResult `json:"result,omitempty"`
	Error      string     `json:"error,omitempty"`
}

type AssignmentResponse struct {
	Assignment
	State AssignmentState `json:"state"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}
