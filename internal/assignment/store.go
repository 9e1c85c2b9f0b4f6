// Package assignment persists assignments, the correlation records that tie
// every stage dispatched for one capture together.
package assignment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/braydenhuang/network-threat-detector/internal/bus"
	"github.com/braydenhuang/network-threat-detector/pkg/schema"
)

const (
	// TTL is how long an assignment survives after its last write.
	TTL = 7 * 24 * time.Hour

	maxAppendAttempts = 5
)

var (
	ErrNotFound = errors.New("assignment not found")
	// ErrConflict means the assignment was written by someone else since it
	// was read.
	ErrConflict = errors.New("assignment was modified concurrently")
)

type Store struct {
	bucket bus.Bucket
}

func NewStore(bucket bus.Bucket) *Store {
	return &Store{bucket: bucket}
}

func key(id string) string { return "assignment:" + id }

// New returns a fresh assignment with a random id. It is not persisted until
// the first Save or AppendStage.
func New(stages ...schema.Stage) *schema.Assignment {
	a := &schema.Assignment{ID: uuid.NewString(), Stages: []schema.Stage{}}
	a.Stages = append(a.Stages, stages...)
	return a
}

// Get loads an assignment. Unknown, expired and malformed ids all return
// ErrNotFound.
func (s *Store) Get(ctx context.Context, id string) (*schema.Assignment, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, ErrNotFound
	}
	e, err := s.bucket.Get(ctx, key(id))
	if err != nil {
		if errors.Is(err, bus.ErrKeyNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("load assignment %s: %w", id, err)
	}
	var a schema.Assignment
	if err := json.Unmarshal(e.Value, &a); err != nil {
		return nil, fmt.Errorf("decode assignment %s: %w", id, err)
	}
	if a.Stages == nil {
		a.Stages = []schema.Stage{}
	}
	a.Revision = e.Revision
	return &a, nil
}

// Save overwrites the stored assignment and restarts its retention window.
// The write only succeeds if the record is unchanged since a was read (or
// absent, for an assignment never saved); otherwise ErrConflict is returned.
// On success a.Revision is advanced, so saving the same value twice is safe.
func (s *Store) Save(ctx context.Context, a *schema.Assignment) error {
	if _, err := uuid.Parse(a.ID); err != nil {
		return fmt.Errorf("save assignment: invalid id %q", a.ID)
	}
	b, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("encode assignment: %w", err)
	}

	var rev uint64
	if a.Revision == 0 {
		rev, err = s.bucket.Create(ctx, key(a.ID), b)
	} else {
		rev, err = s.bucket.Update(ctx, key(a.ID), b, a.Revision)
	}
	switch {
	case errors.Is(err, bus.ErrKeyExists), errors.Is(err, bus.ErrRevisionMismatch):
		return ErrConflict
	case err != nil:
		return fmt.Errorf("store assignment %s: %w", a.ID, err)
	}
	a.Revision = rev
	return nil
}

// AppendStage appends stage to the stored assignment with compare-and-swap,
// re-reading and retrying when another writer got in first. A missing
// assignment is created with stage as its only entry.
func (s *Store) AppendStage(ctx context.Context, id string, stage schema.Stage) (*schema.Assignment, error) {
	for attempt := 0; attempt < maxAppendAttempts; attempt++ {
		a, err := s.Get(ctx, id)
		if errors.Is(err, ErrNotFound) {
			a = &schema.Assignment{ID: id, Stages: []schema.Stage{}}
		} else if err != nil {
			return nil, err
		}
		a.Stages = append(a.Stages, stage)

		err = s.Save(ctx, a)
		if err == nil {
			return a, nil
		}
		if !errors.Is(err, ErrConflict) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("append stage to %s: %w", id, ErrConflict)
}

// Touch rewrites the assignment unchanged to restart its retention window.
func (s *Store) Touch(ctx context.Context, id string) (*schema.Assignment, error) {
	for attempt := 0; attempt < maxAppendAttempts; attempt++ {
		a, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		err = s.Save(ctx, a)
		if err == nil {
			return a, nil
		}
		if !errors.Is(err, ErrConflict) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("touch %s: %w", id, ErrConflict)
}
