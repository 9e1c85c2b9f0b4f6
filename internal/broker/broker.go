// Package broker queues work items and keeps a record of each one's status
// and result. Items that have not started within their start deadline are
// discarded; records are kept for a retention period after their last write.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/braydenhuang/network-threat-detector/internal/process"
)

const (
	DefaultStartDeadline = 5 * time.Minute
	DefaultResultTTL     = 7 * 24 * time.Hour
)

var (
	ErrJobNotFound = errors.New("job not found")
	ErrUnavailable = errors.New("broker unavailable")
)

type EnqueueOptions struct {
	// StartDeadline bounds how long the item may wait before a worker picks it up.
	StartDeadline time.Duration
}

// Handler runs one work item. The returned payload is stored in the item's
// result slot; an error marks the item failed.
type Handler func(ctx context.Context, job *process.Job) (json.RawMessage, error)

type Broker interface {
	Enqueue(ctx context.Context, queue string, task process.Task, opts EnqueueOptions) (string, error)
	// Job returns ErrJobNotFound for unknown or expired ids.
	Job(ctx context.Context, id string) (*process.Job, error)
	// Consume runs h for each item on queue until ctx is done.
	Consume(ctx context.Context, queue string, h Handler) error
	Ping(ctx context.Context) error
}
