package bus

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

var (
	ErrKeyNotFound      = errors.New("key not found")
	ErrKeyExists        = errors.New("key exists")
	ErrRevisionMismatch = errors.New("revision mismatch")
)

// Entry is one stored value with its revision.
type Entry struct {
	Key      string
	Value    []byte
	Revision uint64
	Created  time.Time
}

// Bucket is a key-value store whose entries expire a fixed time after their
// last write. Reads never extend the expiry.
type Bucket interface {
	Get(ctx context.Context, key string) (Entry, error)
	// Create writes key only if it does not exist.
	Create(ctx context.Context, key string, value []byte) (uint64, error)
	// Update writes key only if its current revision equals rev.
	Update(ctx context.Context, key string, value []byte, rev uint64) (uint64, error)
	Put(ctx context.Context, key string, value []byte) (uint64, error)
}

// BucketConfig describes a TTL bucket.
type BucketConfig struct {
	Name string
	TTL  time.Duration
}

// KeyValue opens (or creates) a JetStream key-value bucket.
func (c *Client) KeyValue(ctx context.Context, cfg BucketConfig) (Bucket, error) {
	kv, err := c.js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:  cfg.Name,
		TTL:     cfg.TTL,
		History: 1,
		Storage: jetstream.FileStorage,
	})
	if err != nil {
		return nil, fmt.Errorf("open bucket %s: %w", cfg.Name, err)
	}
	return &natsBucket{kv: kv}, nil
}

type natsBucket struct {
	kv jetstream.KeyValue
}

// NATS keys are subject tokens, so ':' separators are stored as '.'.
func natsKey(key string) string { return strings.ReplaceAll(key, ":", ".") }

func (b *natsBucket) Get(ctx context.Context, key string) (Entry, error) {
	e, err := b.kv.Get(ctx, natsKey(key))
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) || errors.Is(err, jetstream.ErrKeyDeleted) {
			return Entry{}, ErrKeyNotFound
		}
		return Entry{}, err
	}
	return Entry{Key: key, Value: e.Value(), Revision: e.Revision(), Created: e.Created()}, nil
}

func (b *natsBucket) Create(ctx context.Context, key string, value []byte) (uint64, error) {
	rev, err := b.kv.Create(ctx, natsKey(key), value)
	if errors.Is(err, jetstream.ErrKeyExists) {
		return 0, ErrKeyExists
	}
	return rev, err
}

func (b *natsBucket) Update(ctx context.Context, key string, value []byte, rev uint64) (uint64, error) {
	next, err := b.kv.Update(ctx, natsKey(key), value, rev)
	if errors.Is(err, jetstream.ErrKeyExists) {
		return 0, ErrRevisionMismatch
	}
	return next, err
}

func (b *natsBucket) Put(ctx context.Context, key string, value []byte) (uint64, error) {
	return b.kv.Put(ctx, natsKey(key), value)
}
