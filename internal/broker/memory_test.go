package broker

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/braydenhuang/network-threat-detector/internal/process"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestBroker() (*Memory, *clock) {
	c := &clock{t: time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC)}
	m := NewMemory(DefaultResultTTL, slog.New(slog.NewTextHandler(io.Discard, nil)))
	m.SetClock(c.Now)
	return m, c
}

func okHandler(payload string) Handler {
	return func(context.Context, *process.Job) (json.RawMessage, error) {
		return json.RawMessage(payload), nil
	}
}

func TestEnqueueAndRun(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestBroker()

	id, err := m.Enqueue(ctx, "pcap_jobs", process.Task{Name: "extract_flows"}, EnqueueOptions{StartDeadline: 5 * time.Minute})
	require.NoError(t, err)
	assert.Equal(t, 1, m.Pending("pcap_jobs"))

	job, err := m.Job(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, process.JobStatusQueued, job.Status)
	assert.Equal(t, "pcap_jobs", job.Queue)

	ran, err := m.RunNext(ctx, "pcap_jobs", okHandler(`{"kind":"job","success":true}`))
	require.NoError(t, err)
	assert.True(t, ran)

	job, err = m.Job(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, process.JobStatusSucceeded, job.Status)
	assert.JSONEq(t, `{"kind":"job","success":true}`, string(job.Result))
	assert.NotNil(t, job.StartedAt)
	assert.NotNil(t, job.EndedAt)
}

func TestHandlerErrorMarksFailed(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestBroker()

	id, err := m.Enqueue(ctx, "pcap_jobs", process.Task{Name: "extract_flows"}, EnqueueOptions{})
	require.NoError(t, err)

	_, err = m.RunNext(ctx, "pcap_jobs", func(context.Context, *process.Job) (json.RawMessage, error) {
		return nil, errors.New("tool exited 1")
	})
	require.NoError(t, err)

	job, err := m.Job(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, process.JobStatusFailed, job.Status)
	assert.Contains(t, job.Error, "tool exited 1")
}

func TestHandlerPanicIsScopedToItem(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestBroker()

	first, err := m.Enqueue(ctx, "ml_jobs", process.Task{Name: "classify_flows"}, EnqueueOptions{})
	require.NoError(t, err)
	second, err := m.Enqueue(ctx, "ml_jobs", process.Task{Name: "classify_flows"}, EnqueueOptions{})
	require.NoError(t, err)

	calls := 0
	h := func(context.Context, *process.Job) (json.RawMessage, error) {
		calls++
		if calls == 1 {
			panic("boom")
		}
		return json.RawMessage(`{}`), nil
	}
	_, err = m.RunNext(ctx, "ml_jobs", h)
	require.NoError(t, err)
	_, err = m.RunNext(ctx, "ml_jobs", h)
	require.NoError(t, err)

	j1, err := m.Job(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, process.JobStatusFailed, j1.Status)
	assert.Contains(t, j1.Error, "panic: boom")

	j2, err := m.Job(ctx, second)
	require.NoError(t, err)
	assert.Equal(t, process.JobStatusSucceeded, j2.Status)
}

func TestItemPastStartDeadlineNeverRuns(t *testing.T) {
	ctx := context.Background()
	m, c := newTestBroker()

	id, err := m.Enqueue(ctx, "pcap_jobs", process.Task{Name: "extract_flows"}, EnqueueOptions{StartDeadline: 5 * time.Minute})
	require.NoError(t, err)

	job, err := m.Job(ctx, id)
	require.NoError(t, err)
	c.Advance(6 * time.Minute)
	assert.Equal(t, process.JobStatusExpired, job.EffectiveStatus(c.Now()))

	called := false
	_, err = m.RunNext(ctx, "pcap_jobs", func(context.Context, *process.Job) (json.RawMessage, error) {
		called = true
		return nil, nil
	})
	require.NoError(t, err)
	assert.False(t, called)

	job, err = m.Job(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, process.JobStatusExpired, job.Status)
}

func TestResultRetention(t *testing.T) {
	ctx := context.Background()
	m, c := newTestBroker()

	id, err := m.Enqueue(ctx, "pcap_jobs", process.Task{Name: "extract_flows"}, EnqueueOptions{})
	require.NoError(t, err)
	_, err = m.RunNext(ctx, "pcap_jobs", okHandler(`{}`))
	require.NoError(t, err)

	c.Advance(6 * 24 * time.Hour)
	_, err = m.Job(ctx, id)
	require.NoError(t, err)

	c.Advance(2 * 24 * time.Hour)
	_, err = m.Job(ctx, id)
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestUnknownJobIsNotFound(t *testing.T) {
	m, _ := newTestBroker()
	_, err := m.Job(context.Background(), "does-not-exist")
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestUnavailableBrokerIsDistinctFromNotFound(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestBroker()
	m.SetUnavailable(errors.New("connection refused"))

	_, err := m.Job(ctx, "x")
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.NotErrorIs(t, err, ErrJobNotFound)

	_, err = m.Enqueue(ctx, "pcap_jobs", process.Task{Name: "x"}, EnqueueOptions{})
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Error(t, m.Ping(ctx))

	m.SetUnavailable(nil)
	assert.NoError(t, m.Ping(ctx))
}

func TestConsumeStopsWithContext(t *testing.T) {
	m, _ := newTestBroker()
	ctx, cancel := context.WithCancel(context.Background())

	id, err := m.Enqueue(ctx, "ml_jobs", process.Task{Name: "classify_flows"}, EnqueueOptions{})
	require.NoError(t, err)

	done := make(chan struct{})
	ran := make(chan struct{}, 1)
	go func() {
		defer close(done)
		_ = m.Consume(ctx, "ml_jobs", func(context.Context, *process.Job) (json.RawMessage, error) {
			ran <- struct{}{}
			return json.RawMessage(`{}`), nil
		})
	}()

	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("consumer did not run the queued item")
	}
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("consumer did not stop")
	}

	require.Eventually(t, func() bool {
		job, err := m.Job(context.Background(), id)
		return err == nil && job.Status == process.JobStatusSucceeded
	}, 2*time.Second, 10*time.Millisecond)
}
