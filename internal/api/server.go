// Package api serves the query and operational HTTP endpoints.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	apierrors "threatline/internal/errors"
	"threatline/internal/metrics"
	"threatline/internal/rules"
	"threatline/internal/schema"
	"threatline/internal/storage"
)

const (
	defaultListLimit = 100
	maxListLimit     = 1000
	healthTimeout    = 2 * time.Second
)

// Store is the read side of the store the API queries.
type Store interface {
	GetAlert(ctx context.Context, id schema.AlertID) (*schema.Alert, error)
	ListAlerts(ctx context.Context, filter storage.AlertFilter) ([]*schema.Alert, error)
	GetIncident(ctx context.Context, id uuid.UUID) (*schema.Incident, error)
	ListIncidents(ctx context.Context, filter storage.IncidentFilter) ([]*schema.Incident, error)
	Ping(ctx context.Context) error
}

// ThreatReader reports the current threat level.
type ThreatReader interface {
	Read() float64
}

// RuleSource returns the active rule snapshot.
type RuleSource interface {
	Snapshot() *rules.Snapshot
}

// Blocklist reads and lifts blocks placed by response hooks.
type Blocklist interface {
	IsBlocked(ctx context.Context, source string) (bool, error)
	Unblock(ctx context.Context, source string) error
}

// IncidentArchive reads archived incidents back.
type IncidentArchive interface {
	RestoreIncident(ctx context.Context, id uuid.UUID, createdAt time.Time, source string) (*schema.Incident, error)
}

// Server routes API requests.
type Server struct {
	router    *mux.Router
	store     Store
	threat    ThreatReader
	rules     RuleSource
	blocklist Blocklist
	archive   IncidentArchive
	ingest    http.HandlerFunc
	metrics   *metrics.Metrics
	sanitizer *apierrors.Sanitizer
	mws       []mux.MiddlewareFunc
	deps      []dependency
	logger    *slog.Logger
}

// dependency is an optional collaborator reported by /health. A failing
// dependency degrades health without failing it.
type dependency struct {
	name  string
	check func(ctx context.Context) error
}

// Option configures a Server.
type Option func(*Server)

// WithRules exposes the rule catalog.
func WithRules(src RuleSource) Option {
	return func(s *Server) { s.rules = src }
}

// WithBlocklist serves GET and DELETE on /v1/blocklist/{source}.
func WithBlocklist(b Blocklist) Option {
	return func(s *Server) { s.blocklist = b }
}

// WithArchive serves archived incidents on /v1/incidents/{id}/archive.
func WithArchive(a IncidentArchive) Option {
	return func(s *Server) { s.archive = a }
}

// WithIngest mounts the event ingest handler on POST /v1/events.
func WithIngest(h http.HandlerFunc) Option {
	return func(s *Server) { s.ingest = h }
}

// WithMetrics serves the registry on /metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithSanitizer sets how internal errors are rendered to clients.
func WithSanitizer(san *apierrors.Sanitizer) Option {
	return func(s *Server) { s.sanitizer = san }
}

// WithMiddleware adds router middleware, outermost first.
func WithMiddleware(mws ...func(http.Handler) http.Handler) Option {
	return func(s *Server) {
		for _, mw := range mws {
			s.mws = append(s.mws, mux.MiddlewareFunc(mw))
		}
	}
}

// WithDependency reports an optional collaborator on /health.
func WithDependency(name string, check func(ctx context.Context) error) Option {
	return func(s *Server) { s.deps = append(s.deps, dependency{name: name, check: check}) }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// NewServer creates a Server and registers its routes.
func NewServer(store Store, threat ThreatReader, opts ...Option) *Server {
	s := &Server{
		router:    mux.NewRouter(),
		store:     store,
		threat:    threat,
		sanitizer: apierrors.NewSanitizer(false),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "api")
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(s.mws...)
	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.writeJSON(w, http.StatusNotFound, errorResponse{Error: "not found"})
	})

	s.router.HandleFunc("/health", s.health).Methods(http.MethodGet)
	if s.metrics != nil {
		s.router.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)
	}

	v1 := s.router.PathPrefix("/v1").Subrouter()
	if s.ingest != nil {
		v1.HandleFunc("/events", s.ingest).Methods(http.MethodPost)
	}
	v1.HandleFunc("/alerts", s.listAlerts).Methods(http.MethodGet)
	v1.HandleFunc("/alerts/{id}", s.getAlert).Methods(http.MethodGet)
	v1.HandleFunc("/incidents", s.listIncidents).Methods(http.MethodGet)
	v1.HandleFunc("/incidents/{id}", s.getIncident).Methods(http.MethodGet)
	if s.archive != nil {
		v1.HandleFunc("/incidents/{id}/archive", s.getArchivedIncident).Methods(http.MethodGet)
	}
	if s.blocklist != nil {
		v1.HandleFunc("/blocklist/{source}", s.getBlock).Methods(http.MethodGet)
		v1.HandleFunc("/blocklist/{source}", s.unblock).Methods(http.MethodDelete)
	}
	v1.HandleFunc("/threat-level", s.threatLevel).Methods(http.MethodGet)
	if s.rules != nil {
		v1.HandleFunc("/rules", s.listRules).Methods(http.MethodGet)
		v1.HandleFunc("/rules/{id}", s.getRule).Methods(http.MethodGet)
		v1.HandleFunc("/rules/{id}/test", s.testRule).Methods(http.MethodPost)
	}
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("failed to write JSON response", "error", err)
	}
}

// writeError logs the full error and sends the sanitized message.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, status int, err error) {
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"status", status,
			"error", err,
		)
	}
	s.writeJSON(w, status, errorResponse{Error: s.sanitizer.Message(err)})
}

// storeStatus maps a store error to a response code.
func storeStatus(err error) int {
	switch {
	case storage.IsNotFound(err):
		return http.StatusNotFound
	case storage.IsUnavailable(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
