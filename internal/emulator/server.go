// Package emulator is a local backend for the installations API and for
// callable functions. It issues signed auth tokens, serves registered
// functions as JSON or event streams and can inject faults.
package emulator

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/darmiel/cirrus/internal/audit"
	"github.com/darmiel/cirrus/internal/buildinfo"
	"github.com/darmiel/cirrus/internal/emulator/middleware"
	"github.com/darmiel/cirrus/internal/emulator/presenter"
)

const (
	DefaultTokenTTL = 7 * 24 * time.Hour

	// auditBacklog is how many entries the audit route can return.
	auditBacklog = 1000
)

type Server struct {
	signingKey []byte
	apiKey     string
	tokenTTL   time.Duration
	now        func() time.Time
	gatherer   prometheus.Gatherer
	journal    *audit.InMemoryAuditor
	auditor    audit.Auditor

	mu            sync.Mutex
	installations map[string]*installation
	functions     map[string]Function
	faults        map[Operation][]Fault
	requests      map[Operation]int
}

type Option func(*Server)

// WithAPIKey makes the server accept only this API key.
func WithAPIKey(key string) Option {
	return func(s *Server) {
		s.apiKey = key
	}
}

func WithTokenTTL(ttl time.Duration) Option {
	return func(s *Server) {
		s.tokenTTL = ttl
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Server) {
		s.now = now
	}
}

// WithMetrics exposes g on the metrics route.
func WithMetrics(g prometheus.Gatherer) Option {
	return func(s *Server) {
		s.gatherer = g
	}
}

// WithAuditor also sends audit entries to a, e.g. a file.
func WithAuditor(a audit.Auditor) Option {
	return func(s *Server) {
		s.auditor = a
	}
}

// WithAuditHistory preloads the journal, e.g. with the entries of an
// audit file from an earlier run.
func WithAuditHistory(entries []audit.Entry) Option {
	return func(s *Server) {
		for _, e := range entries {
			_ = s.journal.Log(e)
		}
	}
}

// New returns an emulator signing its auth tokens with signingKey.
func New(signingKey []byte, opts ...Option) *Server {
	s := &Server{
		signingKey:    signingKey,
		tokenTTL:      DefaultTokenTTL,
		now:           time.Now,
		installations: make(map[string]*installation),
		functions:     make(map[string]Function),
		faults:        make(map[Operation][]Fault),
		requests:      make(map[Operation]int),
		journal:       audit.NewInMemoryAuditor(auditBacklog),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.auditor == nil {
		s.auditor = s.journal
	} else {
		s.auditor = audit.MultiAuditor{s.journal, s.auditor}
	}
	return s
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.RecoverMiddleware,
		middleware.LoggingMiddleware,
	)

	r.Get(HealthCheckRoute, s.handleHealth)
	r.Get(AboutRoute, s.handleAbout)
	r.Get(AuditRoute, s.handleAudit)
	if s.gatherer != nil {
		r.Method(http.MethodGet, MetricsRoute, promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	r.Route(InstallationsParent, func(r chi.Router) {
		r.Use(middleware.APIKey(s.apiKey))
		r.Post(CreateInstallationRoute, s.handleCreateInstallation)
		r.Post(GenerateAuthTokenRoute, s.handleGenerateAuthToken)
		r.Delete(InstallationRoute, s.handleDeleteInstallation)
	})

	r.With(middleware.InstanceIDToken(s.signingKey)).
		Post(CallableRoute, s.handleCallable)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		presenter.Error(w, r, "no such route", http.StatusNotFound)
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (s *Server) handleAbout(w http.ResponseWriter, r *http.Request) {
	presenter.JSON(w, r, buildinfo.GetBuildInfo(), http.StatusOK)
}

// Requests returns how many requests reached op, injected faults included.
func (s *Server) Requests(op Operation) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[op]
}

// Audit returns up to limit of the newest audit entries, oldest first.
func (s *Server) Audit(limit int) []audit.Entry {
	return s.journal.Recent(limit)
}

// Close closes the auditors.
func (s *Server) Close() error {
	return s.auditor.Close()
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			presenter.Error(w, r, "limit must be a non-negative number", http.StatusBadRequest)
			return
		}
		limit = n
	}
	presenter.JSON(w, r, s.Audit(limit), http.StatusOK)
}

// record completes entry with the request's correlation id and time and logs it.
func (s *Server) record(r *http.Request, entry audit.Entry) {
	entry.ID = middleware.CorrelationCtx(r.Context())
	entry.Time = s.now()
	if err := s.auditor.Log(entry); err != nil {
		log.Ctx(r.Context()).Warn().Err(err).Str("action", entry.Action).Msg("failed to write audit entry")
	}
}
