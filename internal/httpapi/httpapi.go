// Package httpapi exposes the Authorize/AuthorizeBatch/Audit-query/Session
// HTTP surface, wiring gorilla/mux routes onto the Authorization Pipeline,
// the Audit Recorder, and the Session Store.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/authgateway/gateway/infrastructure/logging"
	"github.com/authgateway/gateway/infrastructure/middleware"
	"github.com/authgateway/gateway/internal/audit"
	"github.com/authgateway/gateway/internal/authz"
	"github.com/authgateway/gateway/internal/gatewaymetrics"
	"github.com/authgateway/gateway/internal/pipeline"
	"github.com/authgateway/gateway/internal/session"
)

// credentialVerifier is the subset of internal/credentials.Verifier the
// session and audit endpoints use directly to turn a bearer/API-key credential into a
// Principal (Authorize/AuthorizeBatch instead pass the raw credential
// through to the pipeline, which owns its own verifier).
type credentialVerifier interface {
	VerifyBearer(ctx context.Context, token string) (*authz.Principal, error)
	VerifyAPIKey(ctx context.Context, key string) (*authz.Principal, error)
}

// sessionStore is the subset of internal/session.Store the HTTP surface
// exposes directly.
type sessionStore interface {
	Create(ctx context.Context, principal *authz.Principal, ttl time.Duration) (*session.Session, string, error)
	Refresh(ctx context.Context, refreshToken string) (*session.Session, string, error)
	Revoke(ctx context.Context, sessionID string) error
	Lookup(ctx context.Context, sessionID string) (*session.Session, error)
}

// Config tunes the HTTP surface.
type Config struct {
	RequestTimeout time.Duration // default 5s, generous relative to the pipeline's own 200ms budget
	MaxBodyBytes   int64         // default 1MiB
	MaxBatchSize   int           // default 50, mirrors GATEWAY_MAX_BATCH_SIZE
	AuditPageLimit int           // default 100
	CORSOrigins    []string
	ServiceVersion string
}

func (c Config) withDefaults() Config {
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 5 * time.Second
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = 1 << 20
	}
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = 50
	}
	if c.AuditPageLimit <= 0 {
		c.AuditPageLimit = 100
	}
	if c.ServiceVersion == "" {
		c.ServiceVersion = "dev"
	}
	return c
}

// Server wires the Authorization Pipeline, Audit Recorder, and Session
// Store into an HTTP surface.
type Server struct {
	pipeline *pipeline.Pipeline
	verifier credentialVerifier
	auditor  audit.Recorder
	sessions sessionStore
	metrics  *gatewaymetrics.Metrics
	logger   *logging.Logger
	cfg      Config
}

// NewServer constructs the HTTP surface. verifier is used only by the
// session endpoints (create/lookup/revoke) and the audit query; Authorize/AuthorizeBatch pass
// raw credentials straight through to the pipeline, which owns its own
// verifier.
func NewServer(p *pipeline.Pipeline, verifier credentialVerifier, auditor audit.Recorder, sessions sessionStore, m *gatewaymetrics.Metrics, logger *logging.Logger, cfg Config) *Server {
	return &Server{
		pipeline: p,
		verifier: verifier,
		auditor:  auditor,
		sessions: sessions,
		metrics:  m,
		logger:   logger,
		cfg:      cfg.withDefaults(),
	}
}

// Router builds the full route tree: public health/metrics endpoints, then
// an /api/v1 tree split into endpoints that handle their own credential
// (session refresh; authorize and authorize/batch, which hand it to the
// pipeline) and an authenticated subrouter for everything else.
func (s *Server) Router() *mux.Router {
	router := mux.NewRouter()

	router.Use(middleware.NewRecoveryMiddleware(s.logger).Handler)
	router.Use(middleware.LoggingMiddleware(s.logger))
	router.Use(middleware.NewCORSMiddleware(&middleware.CORSConfig{AllowedOrigins: s.cfg.CORSOrigins}).Handler)
	router.Use(middleware.NewSecurityHeadersMiddleware(middleware.DefaultSecurityHeaders()).Handler)
	router.Use(middleware.NewBodyLimitMiddleware(s.cfg.MaxBodyBytes).Handler)
	router.Use(middleware.NewTimeoutMiddleware(s.cfg.RequestTimeout).Handler)
	router.Use(s.httpMetricsMiddleware)

	health := middleware.NewHealthChecker(s.cfg.ServiceVersion)
	router.Handle("/health", health.Handler()).Methods(http.MethodGet)
	router.HandleFunc("/live", middleware.LivenessHandler()).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	api := router.PathPrefix("/api/v1").Subrouter()

	public := api.PathPrefix("").Subrouter()
	public.HandleFunc("/sessions/refresh", s.handleRefreshSession).Methods(http.MethodPost)
	public.HandleFunc("/authorize", s.handleAuthorize).Methods(http.MethodPost)
	public.HandleFunc("/authorize/batch", s.handleAuthorizeBatch).Methods(http.MethodPost)

	protected := api.PathPrefix("").Subrouter()
	protected.Use(s.requireAuth)
	protected.HandleFunc("/audit", s.handleAuditQuery).Methods(http.MethodGet)
	protected.HandleFunc("/sessions", s.handleCreateSession).Methods(http.MethodPost)
	protected.HandleFunc("/sessions/{id}", s.handleLookupSession).Methods(http.MethodGet)
	protected.HandleFunc("/sessions/{id}/revoke", s.handleRevokeSession).Methods(http.MethodPost)

	return router
}

// httpMetricsMiddleware records request counts/durations into
// internal/gatewaymetrics, so gateway API traffic lands in the gateway's
// own registry alongside the pipeline metrics.
func (s *Server) httpMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.metrics == nil {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		rw := &statusCapturingWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)

		route := "unmatched"
		if cur := mux.CurrentRoute(r); cur != nil {
			if tmpl, err := cur.GetPathTemplate(); err == nil {
				route = tmpl
			}
		}
		status := httpStatusBucket(rw.status)
		s.metrics.HTTPRequestsTotal.WithLabelValues(r.Method, route, status).Inc()
		s.metrics.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

type statusCapturingWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusCapturingWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func httpStatusBucket(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
