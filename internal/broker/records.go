package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/braydenhuang/network-threat-detector/internal/bus"
	"github.com/braydenhuang/network-threat-detector/internal/process"
)

const maxRecordAttempts = 5

var errNotQueued = errors.New("job is not queued")

// records persists job records in a TTL bucket under "job:{id}".
type records struct {
	bucket bus.Bucket
}

func jobKey(id string) string { return "job:" + id }

func (r records) create(ctx context.Context, job *process.Job) error {
	b, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}
	if _, err := r.bucket.Create(ctx, jobKey(job.ID), b); err != nil {
		return fmt.Errorf("store job: %w", err)
	}
	return nil
}

func (r records) get(ctx context.Context, id string) (*process.Job, uint64, error) {
	e, err := r.bucket.Get(ctx, jobKey(id))
	if err != nil {
		if errors.Is(err, bus.ErrKeyNotFound) {
			return nil, 0, ErrJobNotFound
		}
		return nil, 0, fmt.Errorf("load job: %w", err)
	}
	var job process.Job
	if err := json.Unmarshal(e.Value, &job); err != nil {
		return nil, 0, fmt.Errorf("decode job %s: %w", id, err)
	}
	return &job, e.Revision, nil
}

// update applies fn to the stored record with compare-and-swap, retrying on
// concurrent writes. If fn returns an error nothing is written.
func (r records) update(ctx context.Context, id string, fn func(*process.Job) error) (*process.Job, error) {
	for attempt := 0; attempt < maxRecordAttempts; attempt++ {
		job, rev, err := r.get(ctx, id)
		if err != nil {
			return nil, err
		}
		if err := fn(job); err != nil {
			return job, err
		}
		b, err := json.Marshal(job)
		if err != nil {
			return nil, fmt.Errorf("encode job: %w", err)
		}
		_, err = r.bucket.Update(ctx, jobKey(id), b, rev)
		if err == nil {
			return job, nil
		}
		if !errors.Is(err, bus.ErrRevisionMismatch) {
			return nil, fmt.Errorf("store job: %w", err)
		}
	}
	return nil, fmt.Errorf("store job %s: too many concurrent writers", id)
}

// runner claims and executes work items against a record store.
type runner struct {
	recs   records
	now    func() time.Time
	logger *slog.Logger
}

// claim moves a queued item to running, or to expired if its start deadline
// has passed. It returns errNotQueued when another worker got there first.
func (r runner) claim(ctx context.Context, id string) (*process.Job, error) {
	return r.recs.update(ctx, id, func(j *process.Job) error {
		if j.Status != process.JobStatusQueued {
			return errNotQueued
		}
		now := r.now()
		if j.DeadlinePassed(now) {
			process.MarkExpired(j, now)
			return nil
		}
		process.MarkRunning(j, now)
		return nil
	})
}

// execute runs a claimed item and records its outcome.
func (r runner) execute(ctx context.Context, job *process.Job, h Handler) {
	logger := r.logger.With("job_id", job.ID, "queue", job.Queue, "task", job.Task.Name)
	start := r.now()
	logger.Info("job started")

	result, runErr := safeRun(ctx, h, job)

	_, err := r.recs.update(ctx, job.ID, func(j *process.Job) error {
		if runErr != nil {
			process.MarkFailed(j, runErr, r.now())
		} else {
			process.MarkSucceeded(j, result, r.now())
		}
		return nil
	})
	if err != nil {
		logger.Error("record job outcome failed", "err", err)
	}
	if runErr != nil {
		logger.Error("job failed", "err", runErr, "duration", r.now().Sub(start))
		return
	}
	logger.Info("job succeeded", "duration", r.now().Sub(start))
}

// handle claims id and, if it is runnable, executes it. It reports whether
// the item was consumed (ran, expired or already taken).
func (r runner) handle(ctx context.Context, id string, h Handler) (bool, error) {
	job, err := r.claim(ctx, id)
	switch {
	case errors.Is(err, errNotQueued), errors.Is(err, ErrJobNotFound):
		r.logger.Warn("skipping job", "job_id", id, "reason", err)
		return true, nil
	case err != nil:
		return false, err
	}
	if job.Status == process.JobStatusExpired {
		r.logger.Warn("job missed its start deadline", "job_id", id, "start_by", job.StartBy)
		return true, nil
	}
	r.execute(ctx, job, h)
	return true, nil
}

func safeRun(ctx context.Context, h Handler, job *process.Job) (result json.RawMessage, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v\n%s", rec, debug.Stack())
		}
	}()
	return h(ctx, job)
}
