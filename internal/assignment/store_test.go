package assignment

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/braydenhuang/network-threat-detector/internal/bus"
	"github.com/braydenhuang/network-threat-detector/pkg/schema"
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

func newTestStore() (*Store, *clock) {
	c := &clock{t: time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)}
	b := bus.NewMemoryBucket(TTL)
	b.SetClock(c.Now)
	return NewStore(b), c
}

func stageWithID(tmpl schema.Stage, id string) schema.Stage {
	tmpl.ID = &id
	return tmpl
}

func TestSaveThenGet(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore()

	a := New()
	assert.Empty(t, a.Stages)
	a.Stages = append(a.Stages, stageWithID(schema.ExtractionStage(), "job-1"))
	require.NoError(t, s.Save(ctx, a))

	got, err := s.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, a.ID, got.ID)
	require.Len(t, got.Stages, 1)
	assert.Equal(t, "job-1", *got.Stages[0].ID)
}

func TestSaveIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore()

	a := New(schema.ExtractionStage())
	require.NoError(t, s.Save(ctx, a))
	require.NoError(t, s.Save(ctx, a))

	got, err := s.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Len(t, got.Stages, 1)
}

func TestGetUnknownOrMalformed(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore()

	for _, id := range []string{uuid.NewString(), "", "not-a-uuid", "../../etc", "a:b"} {
		_, err := s.Get(ctx, id)
		assert.ErrorIs(t, err, ErrNotFound, id)
	}
}

func TestStaleSaveConflicts(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore()

	a := New()
	require.NoError(t, s.Save(ctx, a))

	first, err := s.Get(ctx, a.ID)
	require.NoError(t, err)
	second, err := s.Get(ctx, a.ID)
	require.NoError(t, err)

	first.Stages = append(first.Stages, schema.ExtractionStage())
	require.NoError(t, s.Save(ctx, first))

	second.Stages = append(second.Stages, schema.InferenceStage())
	assert.ErrorIs(t, s.Save(ctx, second), ErrConflict)
}

func TestConcurrentAppendsAreNotLost(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore()

	a := New()
	require.NoError(t, s.Save(ctx, a))

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.AppendStage(ctx, a.ID, stageWithID(schema.InferenceStage(), uuid.NewString()))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	got, err := s.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Len(t, got.Stages, 2)
}

func TestAppendStageCreatesMissingAssignment(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore()

	id := uuid.NewString()
	a, err := s.AppendStage(ctx, id, stageWithID(schema.ExtractionStage(), "j"))
	require.NoError(t, err)
	assert.Equal(t, id, a.ID)
	assert.Len(t, a.Stages, 1)
}

func TestRetentionRestartsOnWriteOnly(t *testing.T) {
	ctx := context.Background()
	s, c := newTestStore()

	a := New()
	require.NoError(t, s.Save(ctx, a))

	c.Advance(5 * 24 * time.Hour)
	_, err := s.Get(ctx, a.ID)
	require.NoError(t, err)

	c.Advance(3 * 24 * time.Hour)
	_, err = s.Get(ctx, a.ID)
	assert.ErrorIs(t, err, ErrNotFound, "reads must not extend retention")

	b := New()
	require.NoError(t, s.Save(ctx, b))
	c.Advance(5 * 24 * time.Hour)
	_, err = s.Touch(ctx, b.ID)
	require.NoError(t, err)
	c.Advance(5 * 24 * time.Hour)
	_, err = s.Get(ctx, b.ID)
	assert.NoError(t, err, "touch restarts the window")
}
