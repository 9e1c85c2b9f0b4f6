// Package status turns broker records and assignments into the documents
// served to clients.
package status

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/braydenhuang/network-threat-detector/internal/assignment"
	"github.com/braydenhuang/network-threat-detector/internal/broker"
	"github.com/braydenhuang/network-threat-detector/internal/process"
	"github.com/braydenhuang/network-threat-detector/pkg/schema"
)

var ErrNotFound = errors.New("not found")

type JobSource interface {
	Job(ctx context.Context, id string) (*process.Job, error)
}

type AssignmentSource interface {
	Get(ctx context.Context, id string) (*schema.Assignment, error)
}

type Projector struct {
	jobs        JobSource
	assignments AssignmentSource
	now         func() time.Time
}

func NewProjector(jobs JobSource, assignments AssignmentSource) *Projector {
	return &Projector{jobs: jobs, assignments: assignments, now: time.Now}
}

// Project builds the status document for a work item. Unknown ids return
// ErrNotFound; broker failures are returned wrapped and stay distinct.
func (p *Projector) Project(ctx context.Context, id string) (schema.JobResponse, error) {
	job, err := p.job(ctx, id)
	if err != nil {
		return schema.JobResponse{}, err
	}

	enqueued := job.EnqueuedAt
	resp := schema.JobResponse{
		ID:         job.ID,
		Status:     schema.JobStatus(job.EffectiveStatus(p.now())),
		Queue:      job.Queue,
		EnqueuedAt: &enqueued,
		StartedAt:  job.StartedAt,
		EndedAt:    job.EndedAt,
		Error:      job.Error,
	}
	if len(job.Result) > 0 {
		r, err := schema.DecodeResult(job.Result)
		if err != nil {
			resp.Error = fmt.Sprintf("stored result unreadable: %v", err)
		} else {
			resp.Result = &r
		}
	}
	return resp, nil
}

// Assignment returns the assignment document with its derived state.
func (p *Projector) Assignment(ctx context.Context, id string) (schema.AssignmentResponse, error) {
	a, err := p.assignments.Get(ctx, id)
	if errors.Is(err, assignment.ErrNotFound) {
		return schema.AssignmentResponse{}, ErrNotFound
	}
	if err != nil {
		return schema.AssignmentResponse{}, err
	}
	state, err := p.AssignmentState(ctx, a)
	if err != nil {
		return schema.AssignmentResponse{}, err
	}
	return schema.AssignmentResponse{Assignment: *a, State: state}, nil
}

// AssignmentState places an assignment in CREATED, EXTRACTING, INFERRING,
// DONE or FAILED by looking at the work item of its latest stage.
func (p *Projector) AssignmentState(ctx context.Context, a *schema.Assignment) (schema.AssignmentState, error) {
	if len(a.Stages) == 0 {
		return schema.StateCreated, nil
	}
	last := a.Stages[len(a.Stages)-1]
	if last.ID == nil {
		return schema.StateCreated, nil
	}
	running := schema.StateExtracting
	if last.Name == schema.StageInference {
		running = schema.StateInferring
	}

	job, err := p.job(ctx, *last.ID)
	if errors.Is(err, ErrNotFound) {
		return schema.StateFailed, nil
	}
	if err != nil {
		return "", err
	}

	switch job.EffectiveStatus(p.now()) {
	case process.JobStatusQueued, process.JobStatusRunning:
		return running, nil
	case process.JobStatusFailed, process.JobStatusExpired:
		return schema.StateFailed, nil
	}

	r, err := schema.DecodeResult(job.Result)
	if err != nil || !r.Success {
		return schema.StateFailed, nil
	}
	switch {
	case last.Name == schema.StageInference:
		return schema.StateDone, nil
	case r.NextJobID != nil:
		// Next stage enqueued; its link may not be visible yet.
		return schema.StateInferring, nil
	default:
		return schema.StateFailed, nil
	}
}

func (p *Projector) job(ctx context.Context, id string) (*process.Job, error) {
	job, err := p.jobs.Job(ctx, id)
	if errors.Is(err, broker.ErrJobNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("fetch job %s: %w", id, err)
	}
	return job, nil
}
