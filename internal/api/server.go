package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mattjoyce/paysink/internal/auth"
	"github.com/mattjoyce/paysink/internal/endpoint"
	"github.com/mattjoyce/paysink/internal/events"
	"github.com/mattjoyce/paysink/internal/eventstore"
	"github.com/mattjoyce/paysink/internal/metrics"
	"github.com/mattjoyce/paysink/internal/queue"
	"github.com/mattjoyce/paysink/internal/scheduler"
	"github.com/mattjoyce/paysink/internal/secretcache"
	"github.com/mattjoyce/paysink/internal/vault"
)

// SecretAdmin is the vault surface exposed to administrators.
type SecretAdmin interface {
	Register(ctx context.Context, req vault.RegisterRequest) (*vault.Record, error)
	RotateWith(ctx context.Context, ep endpoint.Name, req vault.RotateRequest) (*vault.Record, error)
	Get(ctx context.Context, ep endpoint.Name) (*vault.Record, error)
	List(ctx context.Context) ([]*vault.Record, error)
	Deactivate(ctx context.Context, ep endpoint.Name) error
	Reveal(ctx context.Context, ep endpoint.Name) ([]byte, *vault.Record, error)
	HealthCheck(ctx context.Context) error
}

type SecretCache interface {
	Stats() secretcache.Stats
	InvalidateAll()
}

type EventReader interface {
	Get(ctx context.Context, id string) (*eventstore.Event, error)
	List(ctx context.Context, f eventstore.Filter) ([]*eventstore.Event, error)
	CountByOutcome(ctx context.Context) (map[eventstore.Outcome]int, error)
}

type JobReader interface {
	Get(ctx context.Context, id string) (*queue.Job, error)
	Depth(ctx context.Context) (int, error)
	CountByStatus(ctx context.Context) (map[queue.Status]int, error)
}

type TaskScheduler interface {
	Status() []scheduler.TaskStatus
	RunNow(ctx context.Context, name string) error
	Pause()
	Resume()
	Paused() bool
}

// Config holds API server configuration
type Config struct {
	Listen       string
	AllowDecrypt bool
}

// Deps are the collaborators behind the admin routes. Scheduler is optional.
type Deps struct {
	Sessions   auth.SessionVerifier
	Authorizer auth.Authorizer
	Secrets    SecretAdmin
	Cache      SecretCache
	Events     EventReader
	Jobs       JobReader
	Scheduler  TaskScheduler
}

// Server represents the admin HTTP API server
type Server struct {
	config    Config
	deps      Deps
	hub       *events.Hub
	metrics   *metrics.Metrics
	logger    *slog.Logger
	server    *http.Server
	startedAt time.Time
}

// New creates a new API server instance
func New(config Config, deps Deps, hub *events.Hub, m *metrics.Metrics, logger *slog.Logger) *Server {
	if hub == nil {
		hub = events.NewHub(256)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		config:    config,
		deps:      deps,
		hub:       hub,
		metrics:   m,
		logger:    logger.With("component", "api"),
		startedAt: time.Now(),
	}
}

// Start starts the HTTP server (blocking)
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.config.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	s.logger.Info("API server starting", "listen", s.config.Listen, "allow_decrypt", s.config.AllowDecrypt)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("API server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
}

// Handler returns the configured router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	// Unauthenticated ops endpoints.
	r.Get("/healthz", s.handleHealthz)
	r.Handle("/metrics", s.metrics.Handler())

	r.Route("/admin", func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.With(s.requireScopes(auth.ScopeSecretsRead)).Get("/secrets", s.handleListSecrets)
		r.With(s.requireScopes(auth.ScopeSecretsWrite)).Post("/secrets", s.handleRegisterSecret)
		r.With(s.requireScopes(auth.ScopeSecretsRead)).Get("/secrets/{endpoint}", s.handleGetSecret)
		r.With(s.requireScopes(auth.ScopeSecretsWrite)).Put("/secrets/{endpoint}", s.handleRotateSecret)
		r.With(s.requireScopes(auth.ScopeSecretsWrite)).Delete("/secrets/{endpoint}", s.handleDeactivateSecret)
		r.With(s.requireScopes(auth.ScopeSecretsDecrypt)).Post("/secrets/{endpoint}/decrypt", s.handleDecryptSecret)

		r.With(s.requireScopes(auth.ScopeCacheRead)).Get("/cache/stats", s.handleCacheStats)
		r.With(s.requireScopes(auth.ScopeCacheWrite)).Delete("/cache", s.handleCacheInvalidate)

		r.With(s.requireScopes(auth.ScopeEventsRead)).Get("/events", s.handleListEvents)
		r.With(s.requireScopes(auth.ScopeEventsRead)).Get("/events/{id}", s.handleGetEvent)
		r.With(s.requireScopes(auth.ScopeEventsRead)).Get("/activity", s.handleActivity)
		r.With(s.requireScopes(auth.ScopeEventsRead)).Get("/activity/stream", s.handleActivityStream)

		r.With(s.requireScopes(auth.ScopeJobsRead)).Get("/jobs", s.handleJobStats)
		r.With(s.requireScopes(auth.ScopeJobsRead)).Get("/jobs/{id}", s.handleGetJob)

		r.With(s.requireScopes(auth.ScopeSchedulerRead)).Get("/scheduler", s.handleSchedulerStatus)
		r.With(s.requireScopes(auth.ScopeSchedulerWrite)).Post("/scheduler/pause", s.handleSchedulerPause)
		r.With(s.requireScopes(auth.ScopeSchedulerWrite)).Post("/scheduler/resume", s.handleSchedulerResume)
		r.With(s.requireScopes(auth.ScopeSchedulerWrite)).Post("/scheduler/tasks/{task}/run", s.handleSchedulerRun)
	})

	return r
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
