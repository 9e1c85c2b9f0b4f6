package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/braydenhuang/network-threat-detector/internal/assignment"
	"github.com/braydenhuang/network-threat-detector/internal/blob"
	"github.com/braydenhuang/network-threat-detector/internal/dispatch"
	"github.com/braydenhuang/network-threat-detector/pkg/schema"
)

// ErrCaptureNotStored wraps object store failures while saving a capture.
var ErrCaptureNotStored = errors.New("store capture")

// Submission describes a capture that entered the pipeline.
type Submission struct {
	CaptureKey   string
	Size         int64
	AssignmentID string
	JobID        string
}

// Submit stores a capture under a fresh upload key and dispatches its
// extraction stage in a new assignment. health is the snapshot the caller
// gated on; it must be all good.
//
// An *dispatch.UnlinkedError is returned together with a populated
// Submission when the extraction item was queued but not recorded.
func Submit(ctx context.Context, store blob.Store, d Dispatcher, health schema.Health, body io.ReadSeeker) (Submission, error) {
	if !health.AllGood() {
		return Submission{}, &dispatch.UnhealthyError{Health: health}
	}

	key := blob.UploadKey()
	size, err := store.Put(ctx, key, body)
	if err != nil {
		return Submission{}, fmt.Errorf("%w %s: %w", ErrCaptureNotStored, key, err)
	}
	sub := Submission{CaptureKey: key, Size: size}

	a := assignment.New()
	task, err := ExtractTask(ExtractArgs{CaptureKey: key, AssignmentID: a.ID})
	if err != nil {
		return sub, err
	}
	_, jobID, err := d.Dispatch(ctx, dispatch.Request{
		Assignment: a,
		Stage:      schema.ExtractionStage(),
		Task:       task,
		Health:     &health,
	})
	sub.JobID = jobID
	if jobID != "" {
		sub.AssignmentID = a.ID
	}
	return sub, err
}
