package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/braydenhuang/network-threat-detector/internal/assignment"
	"github.com/braydenhuang/network-threat-detector/internal/blob"
	"github.com/braydenhuang/network-threat-detector/internal/broker"
	"github.com/braydenhuang/network-threat-detector/internal/bus"
	"github.com/braydenhuang/network-threat-detector/internal/dispatch"
	"github.com/braydenhuang/network-threat-detector/internal/health"
	"github.com/braydenhuang/network-threat-detector/internal/metrics"
	"github.com/braydenhuang/network-threat-detector/internal/pipeline"
	"github.com/braydenhuang/network-threat-detector/internal/process"
	"github.com/braydenhuang/network-threat-detector/internal/status"
	"github.com/braydenhuang/network-threat-detector/pkg/schema"
)

const (
	extractQueue = "pcap_jobs"
	inferQueue   = "ml_jobs"
)

type env struct {
	broker      *broker.Memory
	store       *blob.Memory
	assignments *assignment.Store
	metrics     *metrics.Metrics
	handler     http.Handler
}

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func newEnv(t *testing.T, cfg Config) *env {
	t.Helper()
	e := &env{
		broker:      broker.NewMemory(0, discard()),
		store:       blob.NewMemory(),
		assignments: assignment.NewStore(bus.NewMemoryBucket(assignment.TTL)),
		metrics:     metrics.New(),
	}
	monitor := health.NewMonitor(e.broker, e.store)
	d := dispatch.New(monitor, e.broker, e.assignments, map[string]string{
		schema.StageExtraction: extractQueue,
		schema.StageInference:  inferQueue,
	}, dispatch.WithLogger(discard()), dispatch.WithMetrics(e.metrics))

	e.handler = NewRouter(cfg, Deps{
		Monitor:    monitor,
		Store:      e.store,
		Dispatcher: d,
		Status:     status.NewProjector(e.broker, e.assignments),
		Metrics:    e.metrics,
		Logger:     discard(),
	})
	return e
}

func (e *env) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func uploadRequest(t *testing.T, field, filename string, body []byte) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile(field, filename)
	require.NoError(t, err)
	_, err = fw.Write(body)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/upload", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestHealthReportsEachDependency(t *testing.T) {
	e := newEnv(t, Config{})
	rec := e.do(httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	h := decode[schema.Health](t, rec)
	assert.True(t, h.AllGood())

	e.store.SetUnavailable(errors.New("bucket missing"))
	rec = e.do(httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	h = decode[schema.Health](t, rec)
	assert.True(t, h.Broker.Working)
	assert.False(t, h.ObjectStore.Working)
}

func TestUploadAcceptsCapture(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, Config{})

	rec := e.do(uploadRequest(t, "file", "capture.pcap", []byte("pcap-bytes")))
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	resp := decode[schema.UploadResponse](t, rec)
	assert.True(t, resp.Success)
	assert.Equal(t, "capture.pcap", resp.Filename)
	assert.EqualValues(t, len("pcap-bytes"), resp.Filesize)
	require.NotNil(t, resp.AssignmentID)

	keys := e.store.Keys(blob.UploadsPrefix)
	require.Len(t, keys, 1)

	a, err := e.assignments.Get(ctx, *resp.AssignmentID)
	require.NoError(t, err)
	require.Len(t, a.Stages, 1)
	assert.Equal(t, schema.StageExtraction, a.Stages[0].Name)
	require.NotNil(t, a.Stages[0].ID)

	job, err := e.broker.Job(ctx, *a.Stages[0].ID)
	require.NoError(t, err)
	assert.Equal(t, extractQueue, job.Queue)
	assert.Equal(t, pipeline.TaskExtractFlows, job.Task.Name)
	assert.Equal(t, 1, e.broker.Pending(extractQueue))

	var args pipeline.ExtractArgs
	require.NoError(t, json.Unmarshal(job.Task.Args, &args))
	assert.Equal(t, keys[0], args.CaptureKey)
	assert.Equal(t, a.ID, args.AssignmentID)
}

func TestUploadWithoutFilePart(t *testing.T) {
	e := newEnv(t, Config{})
	rec := e.do(uploadRequest(t, "capture", "capture.pcap", []byte("x")))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	resp := decode[schema.UploadResponse](t, rec)
	assert.False(t, resp.Success)
	assert.Empty(t, e.store.Keys(""))
	assert.Zero(t, e.broker.Pending(extractQueue))
}

func TestUploadNotMultipart(t *testing.T) {
	e := newEnv(t, Config{})
	req := httptest.NewRequest(http.MethodPost, "/upload", strings.NewReader("raw"))
	req.Header.Set("Content-Type", "application/octet-stream")
	rec := e.do(req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUploadTooLarge(t *testing.T) {
	e := newEnv(t, Config{MaxUploadBytes: 64})
	rec := e.do(uploadRequest(t, "file", "big.pcap", bytes.Repeat([]byte("a"), 4096)))
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Empty(t, e.store.Keys(""))
}

func TestUploadRefusedWhenUnhealthy(t *testing.T) {
	cases := map[string]func(e *env){
		"broker down": func(e *env) { e.broker.SetUnavailable(errors.New("connection refused")) },
		"store down":  func(e *env) { e.store.SetUnavailable(errors.New("bucket missing")) },
	}
	for name, breakIt := range cases {
		t.Run(name, func(t *testing.T) {
			e := newEnv(t, Config{})
			breakIt(e)

			rec := e.do(uploadRequest(t, "file", "capture.pcap", []byte("pcap")))
			assert.Equal(t, http.StatusInternalServerError, rec.Code)
			resp := decode[schema.UploadResponse](t, rec)
			assert.False(t, resp.Success)
			assert.Nil(t, resp.AssignmentID)
			assert.Empty(t, e.store.Keys(""))
		})
	}
}

func TestAssignmentLookup(t *testing.T) {
	e := newEnv(t, Config{})

	rec := e.do(uploadRequest(t, "file", "capture.pcap", []byte("pcap")))
	require.Equal(t, http.StatusAccepted, rec.Code)
	id := *decode[schema.UploadResponse](t, rec).AssignmentID

	rec = e.do(httptest.NewRequest(http.MethodGet, "/assignment/"+id, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	doc := decode[schema.AssignmentResponse](t, rec)
	assert.Equal(t, id, doc.ID)
	assert.Equal(t, schema.StateExtracting, doc.State)
	require.Len(t, doc.Stages, 1)

	rec = e.do(httptest.NewRequest(http.MethodGet, "/assignment/"+uuid.NewString(), nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.NotEmpty(t, decode[schema.ErrorResponse](t, rec).Error)
}

func TestJobLookup(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, Config{})

	id, err := e.broker.Enqueue(ctx, inferQueue, process.Task{Name: pipeline.TaskClassifyFlows}, broker.EnqueueOptions{})
	require.NoError(t, err)
	p := schema.Benign
	ran, err := e.broker.RunNext(ctx, inferQueue, func(context.Context, *process.Job) (json.RawMessage, error) {
		return json.Marshal(schema.NewMLJobResult(true, "", &p))
	})
	require.NoError(t, err)
	require.True(t, ran)

	rec := e.do(httptest.NewRequest(http.MethodGet, "/job/"+id, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	doc := decode[schema.JobResponse](t, rec)
	assert.Equal(t, schema.JobSucceeded, doc.Status)
	require.NotNil(t, doc.Result)
	assert.Equal(t, schema.Benign, *doc.Result.Prediction)

	rec = e.do(httptest.NewRequest(http.MethodGet, "/job/"+uuid.NewString(), nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	e.broker.SetUnavailable(errors.New("connection refused"))
	rec = e.do(httptest.NewRequest(http.MethodGet, "/job/"+id, nil))
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestUnknownRouteIsJSON(t *testing.T) {
	e := newEnv(t, Config{})
	rec := e.do(httptest.NewRequest(http.MethodGet, "/nope", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "application/json")

	rec = e.do(httptest.NewRequest(http.MethodGet, "/upload", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	e := newEnv(t, Config{})
	e.do(uploadRequest(t, "file", "capture.pcap", []byte("pcap")))

	rec := e.do(httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "http_request_duration_seconds")
}
