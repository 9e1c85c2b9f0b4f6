// Package gateway serves the HTTP API: health, capture upload, and status
// lookups for assignments and work items.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httplog/v2"
	"github.com/go-chi/render"
	httpmetrics "github.com/slok/go-http-metrics/metrics/prometheus"
	httpmw "github.com/slok/go-http-metrics/middleware"
	"github.com/slok/go-http-metrics/middleware/std"

	"github.com/braydenhuang/network-threat-detector/internal/blob"
	"github.com/braydenhuang/network-threat-detector/internal/dispatch"
	"github.com/braydenhuang/network-threat-detector/internal/metrics"
	"github.com/braydenhuang/network-threat-detector/pkg/schema"
)

const DefaultMaxUploadBytes = 512 << 20

type Dispatcher interface {
	Dispatch(ctx context.Context, req dispatch.Request) (*schema.Assignment, string, error)
}

type Projector interface {
	Project(ctx context.Context, id string) (schema.JobResponse, error)
	Assignment(ctx context.Context, id string) (schema.AssignmentResponse, error)
}

type Config struct {
	MaxUploadBytes int64
	CORSOrigins    []string
}

type Deps struct {
	Monitor    dispatch.Prober
	Store      blob.Store
	Dispatcher Dispatcher
	Status     Projector
	Metrics    *metrics.Metrics
	Logger     *slog.Logger
	// AccessLog receives one line per request. Nil disables access logging.
	AccessLog *httplog.Logger
}

type Server struct {
	cfg        Config
	monitor    dispatch.Prober
	store      blob.Store
	dispatcher Dispatcher
	status     Projector
	metrics    *metrics.Metrics
	logger     *slog.Logger
}

// NewRouter wires the API routes and middleware.
func NewRouter(cfg Config, deps Deps) http.Handler {
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = DefaultMaxUploadBytes
	}
	if len(cfg.CORSOrigins) == 0 {
		cfg.CORSOrigins = []string{"*"}
	}
	s := &Server{
		cfg:        cfg,
		monitor:    deps.Monitor,
		store:      deps.Store,
		dispatcher: deps.Dispatcher,
		status:     deps.Status,
		metrics:    deps.Metrics,
		logger:     deps.Logger,
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}

	r := chi.NewRouter()
	if deps.AccessLog != nil {
		r.Use(httplog.RequestLogger(deps.AccessLog, []string{"/metrics"}))
	} else {
		r.Use(middleware.RequestID)
	}
	r.Use(s.recoverJSON)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	measured := s.measure(deps.Metrics)
	r.With(measured("/")).Get("/", s.handleHealth)
	r.With(measured("/upload")).Post("/upload", s.handleUpload)
	r.With(measured("/assignment/{id}")).Get("/assignment/{id}", s.handleAssignment)
	r.With(measured("/job/{id}")).Get("/job/{id}", s.handleJob)
	r.Method(http.MethodGet, "/metrics", deps.Metrics.Handler())

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "route not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
	})
	return r
}

// measure returns per-route RED middleware labelled with the route pattern.
func (s *Server) measure(m *metrics.Metrics) func(route string) func(http.Handler) http.Handler {
	if m == nil {
		return func(string) func(http.Handler) http.Handler {
			return func(next http.Handler) http.Handler { return next }
		}
	}
	mdlw := httpmw.New(httpmw.Config{
		Recorder: httpmetrics.NewRecorder(httpmetrics.Config{Registry: m.Registry}),
		Service:  "gateway",
	})
	return func(route string) func(http.Handler) http.Handler {
		return std.HandlerProvider(route, mdlw)
	}
}

func (s *Server) recoverJSON(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				s.logger.Error("handler panic", "path", r.URL.Path, "panic", fmt.Sprint(rec), "stack", string(debug.Stack()))
				writeError(w, r, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, s.monitor.Probe(r.Context()))
}

func writeError(w http.ResponseWriter, r *http.Request, status int, msg string) {
	render.Status(r, status)
	render.JSON(w, r, schema.ErrorResponse{Error: msg})
}

// NewHTTPServer applies the timeouts used by every listener.
func NewHTTPServer(addr string, h http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
}
