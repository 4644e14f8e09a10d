// Package api serves the tracker over HTTP.
//
// Routes:
//
//	POST /v1/events                       ingest one event or a JSON array of events
//	GET  /v1/subjects/{subject}/buckets   aggregate buckets for a period range
//	GET  /v1/subjects/{subject}/sessions  sessions overlapping a window
//	GET  /v1/subjects/{subject}/timelog   daily attendance log
//	GET  /healthz                         store health
//	GET  /metrics                         Prometheus metrics
package api

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/roach88/timeledger/internal/aggregate"
	"github.com/roach88/timeledger/internal/ir"
	"github.com/roach88/timeledger/internal/normalize"
	"github.com/roach88/timeledger/internal/tracker"
)

// maxBodyBytes caps an ingest request body.
const maxBodyBytes = 4 << 20

// Service is the part of the tracker the API needs.
type Service interface {
	Ingest(ctx context.Context, raw normalize.RawEvent) (tracker.IngestResult, error)
	IngestBatch(ctx context.Context, raws []normalize.RawEvent) ([]tracker.IngestResult, error)
	Query(ctx context.Context, subjectID string, category ir.Category, r ir.PeriodRange) ([]ir.AggregateBucket, error)
	ListSessions(ctx context.Context, f ir.SessionFilter) ([]ir.Session, error)
	DailyLog(ctx context.Context, subjectID string, from, to time.Time) ([]aggregate.DailyEntry, error)
}

// RequestRecorder counts served requests. Implemented by metrics.Metrics.
type RequestRecorder interface {
	RequestServed(route, code string)
}

// Server routes HTTP requests to a Service.
type Server struct {
	svc      Service
	health   func(ctx context.Context) error
	gatherer prometheus.Gatherer
	recorder RequestRecorder
	loc      *time.Location
	logger   *slog.Logger
	access   io.Writer
}

// Option configures a Server.
type Option func(*Server)

// WithHealthCheck sets the probe behind /healthz.
func WithHealthCheck(fn func(ctx context.Context) error) Option {
	return func(s *Server) { s.health = fn }
}

// WithGatherer exposes gatherer on /metrics.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) { s.gatherer = g }
}

// WithRecorder counts requests per route and status.
func WithRecorder(r RequestRecorder) Option {
	return func(s *Server) { s.recorder = r }
}

// WithLocation sets the location used to read bare dates in queries.
func WithLocation(loc *time.Location) Option {
	return func(s *Server) { s.loc = loc }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithAccessLog writes Apache combined access logs to w.
func WithAccessLog(w io.Writer) Option {
	return func(s *Server) { s.access = w }
}

// New creates a Server.
func New(svc Service, opts ...Option) *Server {
	s := &Server{
		svc:      svc,
		health:   func(context.Context) error { return nil },
		gatherer: prometheus.DefaultGatherer,
		loc:      time.UTC,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Router returns the route table without middleware.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.countRequests)

	v1 := r.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/events", s.postEvents).Methods(http.MethodPost)
	v1.HandleFunc("/subjects/{subject}/buckets", s.getBuckets).Methods(http.MethodGet)
	v1.HandleFunc("/subjects/{subject}/sessions", s.getSessions).Methods(http.MethodGet)
	v1.HandleFunc("/subjects/{subject}/timelog", s.getTimelog).Methods(http.MethodGet)

	r.HandleFunc("/healthz", s.getHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	return r
}

// Handler returns the router wrapped with panic recovery and, when
// configured, access logging.
func (s *Server) Handler() http.Handler {
	var h http.Handler = s.Router()
	h = handlers.RecoveryHandler(handlers.PrintRecoveryStack(false))(h)
	if s.access != nil {
		h = handlers.CombinedLoggingHandler(s.access, h)
	}
	return h
}

// NewHTTPServer returns an http.Server for addr with conservative timeouts.
func (s *Server) NewHTTPServer(addr string) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}
}

func (s *Server) getHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.health(r.Context()); err != nil {
		s.logger.Warn("health check failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
