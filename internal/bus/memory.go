package bus

import (
	"context"
	"sync"
	"time"
)

// MemoryBucket is an in-process Bucket used for tests and single-process runs.
type MemoryBucket struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	seq     uint64
	entries map[string]memEntry
}

type memEntry struct {
	value    []byte
	revision uint64
	written  time.Time
}

func NewMemoryBucket(ttl time.Duration) *MemoryBucket {
	return &MemoryBucket{ttl: ttl, now: time.Now, entries: make(map[string]memEntry)}
}

// SetClock replaces the time source.
func (b *MemoryBucket) SetClock(now func() time.Time) {
	b.mu.Lock()
	b.now = now
	b.mu.Unlock()
}

// lookup returns the live entry for key, dropping it if expired. Callers hold mu.
func (b *MemoryBucket) lookup(key string) (memEntry, bool) {
	e, ok := b.entries[key]
	if !ok {
		return memEntry{}, false
	}
	if b.ttl > 0 && b.now().Sub(e.written) >= b.ttl {
		delete(b.entries, key)
		return memEntry{}, false
	}
	return e, true
}

func (b *MemoryBucket) write(key string, value []byte) uint64 {
	b.seq++
	v := make([]byte, len(value))
	copy(v, value)
	b.entries[key] = memEntry{value: v, revision: b.seq, written: b.now()}
	return b.seq
}

func (b *MemoryBucket) Get(_ context.Context, key string) (Entry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.lookup(key)
	if !ok {
		return Entry{}, ErrKeyNotFound
	}
	v := make([]byte, len(e.value))
	copy(v, e.value)
	return Entry{Key: key, Value: v, Revision: e.revision, Created: e.written}, nil
}

func (b *MemoryBucket) Create(_ context.Context, key string, value []byte) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.lookup(key); ok {
		return 0, ErrKeyExists
	}
	return b.write(key, value), nil
}

func (b *MemoryBucket) Update(_ context.Context, key string, value []byte, rev uint64) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.lookup(key)
	if !ok || e.revision != rev {
		return 0, ErrRevisionMismatch
	}
	return b.write(key, value), nil
}

func (b *MemoryBucket) Put(_ context.Context, key string, value []byte) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.write(key, value), nil
}
