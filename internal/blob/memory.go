package blob

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
)

// Memory is an in-process Store.
type Memory struct {
	mu      sync.Mutex
	objects map[string][]byte
	rules   map[string]int32
	downErr error
}

func NewMemory() *Memory {
	return &Memory{objects: make(map[string][]byte), rules: make(map[string]int32)}
}

// SetUnavailable makes every call fail with err until called with nil.
func (m *Memory) SetUnavailable(err error) {
	m.mu.Lock()
	m.downErr = err
	m.mu.Unlock()
}

func (m *Memory) Put(_ context.Context, key string, body io.ReadSeeker) (int64, error) {
	data, err := io.ReadAll(body)
	if err != nil {
		return 0, fmt.Errorf("read body: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.downErr != nil {
		return 0, m.downErr
	}
	m.objects[key] = data
	return int64(len(data)), nil
}

func (m *Memory) Get(_ context.Context, key string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.downErr != nil {
		return nil, m.downErr
	}
	data, ok := m.objects[key]
	if !ok {
		return nil, ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *Memory) Ping(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.downErr
}

func (m *Memory) ExpirePrefix(_ context.Context, prefix string, days int32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rules[prefix] = days
	return nil
}

// Keys lists stored keys under prefix in sorted order.
func (m *Memory) Keys(prefix string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var keys []string
	for k := range m.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

// Expiry returns the lifecycle rule for prefix, if one is installed.
func (m *Memory) Expiry(prefix string) (int32, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.rules[prefix]
	return d, ok
}
