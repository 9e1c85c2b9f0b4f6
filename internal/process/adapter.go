// internal/process/adapter.go
package process

import (
	"encoding/json"
	"time"
)

// JobStatus represents the lifecycle state of a work item.
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusSucceeded JobStatus = "succeeded"
	JobStatusFailed    JobStatus = "failed"
	JobStatusExpired   JobStatus = "expired"
)

// Terminal reports whether the status can no longer change.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusSucceeded, JobStatusFailed, JobStatusExpired:
		return true
	}
	return false
}

// Task names the work function and carries its JSON arguments.
type Task struct {
	Name string          `json:"name"`
	Args json.RawMessage `json:"args,omitempty"`
}

// Job is the broker's record of one work item.
type Job struct {
	ID         string          `json:"id"`
	Queue      string          `json:"queue"`
	Task       Task            `json:"task"`
	Status     JobStatus       `json:"status"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
	StartBy    time.Time       `json:"start_by"`
	StartedAt  *time.Time      `json:"started_at,omitempty"`
	EndedAt    *time.Time      `json:"ended_at,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
}

// NewJob creates a queued work item that must start within startDeadline.
func NewJob(queue, id string, task Task, enqueuedAt time.Time, startDeadline time.Duration) *Job {
	return &Job{
		ID:         id,
		Queue:      queue,
		Task:       task,
		Status:     JobStatusQueued,
		EnqueuedAt: enqueuedAt,
		StartBy:    enqueuedAt.Add(startDeadline),
	}
}

// DeadlinePassed reports whether a queued item can no longer start.
func (j *Job) DeadlinePassed(now time.Time) bool {
	return !j.StartBy.IsZero() && now.After(j.StartBy)
}

// EffectiveStatus folds the start deadline into the stored status so a
// queued item nobody picked up in time reads as expired.
func (j *Job) EffectiveStatus(now time.Time) JobStatus {
	if j.Status == JobStatusQueued && j.DeadlinePassed(now) {
		return JobStatusExpired
	}
	return j.Status
}

func MarkRunning(j *Job, at time.Time) {
	j.Status = JobStatusRunning
	j.StartedAt = &at
}

func MarkSucceeded(j *Job, result json.RawMessage, at time.Time) {
	j.Status = JobStatusSucceeded
	j.Result = result
	j.EndedAt = &at
}

func MarkFailed(j *Job, err error, at time.Time) {
	j.Status = JobStatusFailed
	j.EndedAt = &at
	if err != nil {
		j.Error = err.Error()
	}
}

func MarkExpired(j *Job, at time.Time) {
	j.Status = JobStatusExpired
	j.EndedAt = &at
}
