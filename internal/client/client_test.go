package client

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/braydenhuang/network-threat-detector/internal/assignment"
	"github.com/braydenhuang/network-threat-detector/internal/blob"
	"github.com/braydenhuang/network-threat-detector/internal/broker"
	"github.com/braydenhuang/network-threat-detector/internal/bus"
	"github.com/braydenhuang/network-threat-detector/internal/dispatch"
	"github.com/braydenhuang/network-threat-detector/internal/gateway"
	"github.com/braydenhuang/network-threat-detector/internal/health"
	"github.com/braydenhuang/network-threat-detector/internal/status"
	"github.com/braydenhuang/network-threat-detector/pkg/schema"
)

type backend struct {
	broker *broker.Memory
	store  *blob.Memory
	client *Client
}

func newBackend(t *testing.T) *backend {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	b := &backend{broker: broker.NewMemory(0, logger), store: blob.NewMemory()}
	assignments := assignment.NewStore(bus.NewMemoryBucket(assignment.TTL))
	monitor := health.NewMonitor(b.broker, b.store)
	d := dispatch.New(monitor, b.broker, assignments, map[string]string{
		schema.StageExtraction: "pcap_jobs",
		schema.StageInference:  "ml_jobs",
	}, dispatch.WithLogger(logger))

	srv := httptest.NewServer(gateway.NewRouter(gateway.Config{}, gateway.Deps{
		Monitor:    monitor,
		Store:      b.store,
		Dispatcher: d,
		Status:     status.NewProjector(b.broker, assignments),
		Logger:     logger,
	}))
	t.Cleanup(srv.Close)

	c, err := New(srv.URL+"/", 5*time.Second)
	require.NoError(t, err)
	b.client = c
	return b
}

func TestNewRejectsBadURL(t *testing.T) {
	_, err := New("ftp://example.com", time.Second)
	assert.Error(t, err)

	c, err := New("", time.Second)
	require.NoError(t, err)
	assert.Equal(t, DefaultBaseURL+"/job/abc", c.endpoint("job", "abc"))
}

func TestUploadAndFollow(t *testing.T) {
	ctx := context.Background()
	b := newBackend(t)

	h, err := b.client.Health(ctx)
	require.NoError(t, err)
	assert.True(t, h.AllGood())

	path := filepath.Join(t.TempDir(), "capture.pcap")
	require.NoError(t, os.WriteFile(path, []byte("pcap-bytes"), 0o644))

	up, err := b.client.Upload(ctx, path)
	require.NoError(t, err)
	assert.True(t, up.Success)
	assert.Equal(t, "capture.pcap", up.Filename)
	require.NotNil(t, up.AssignmentID)

	a, err := b.client.Assignment(ctx, *up.AssignmentID)
	require.NoError(t, err)
	assert.Equal(t, schema.StateExtracting, a.State)
	require.Len(t, a.Stages, 1)

	j, err := b.client.Job(ctx, *a.Stages[0].ID)
	require.NoError(t, err)
	assert.Equal(t, schema.JobQueued, j.Status)
	assert.Equal(t, "pcap_jobs", j.Queue)
}

func TestUploadRefusedCarriesBody(t *testing.T) {
	b := newBackend(t)
	b.store.SetUnavailable(errors.New("bucket missing"))

	path := filepath.Join(t.TempDir(), "capture.pcap")
	require.NoError(t, os.WriteFile(path, []byte("pcap"), 0o644))

	up, err := b.client.Upload(context.Background(), path)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 500, apiErr.Status)
	assert.False(t, up.Success)
	assert.Contains(t, apiErr.Message, "object_store")
}

func TestLookupsNotFound(t *testing.T) {
	ctx := context.Background()
	b := newBackend(t)

	_, err := b.client.Assignment(ctx, uuid.NewString())
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = b.client.Job(ctx, uuid.NewString())
	assert.ErrorIs(t, err, ErrNotFound)

	b.broker.SetUnavailable(errors.New("connection refused"))
	_, err = b.client.Job(ctx, uuid.NewString())
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 502, apiErr.Status)
}
