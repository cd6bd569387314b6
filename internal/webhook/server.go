package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/mattjoyce/paysink/internal/endpoint"
	"github.com/mattjoyce/paysink/internal/events"
	"github.com/mattjoyce/paysink/internal/metrics"
	"github.com/mattjoyce/paysink/internal/queue"
	"github.com/mattjoyce/paysink/internal/ratelimit"
	"github.com/mattjoyce/paysink/internal/vault"
)

// Server represents the webhook HTTP server.
type Server struct {
	config  Config
	deps    Deps
	hub     *events.Hub
	metrics *metrics.Metrics
	logger  *slog.Logger
	server  *http.Server
	now     func() time.Time
}

// New creates a new webhook server instance.
func New(config Config, deps Deps, hub *events.Hub, m *metrics.Metrics, logger *slog.Logger) *Server {
	if config.MaxBodySize <= 0 {
		config.MaxBodySize = DefaultMaxBodySize
	}
	if config.VerifyTimeout <= 0 {
		config.VerifyTimeout = DefaultVerifyTimeout
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = queue.DefaultMaxAttempts
	}
	if hub == nil {
		hub = events.NewHub(128)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		config:  config,
		deps:    deps,
		hub:     hub,
		metrics: m,
		logger:  logger.With("component", "webhook"),
		now:     time.Now,
	}
}

// Start starts the webhook HTTP server (blocking).
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.config.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	s.logger.Info("webhook server starting", "listen", s.config.Listen, "endpoints", len(endpoint.All()))

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("webhook server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("webhook server shutdown failed: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("webhook server error: %w", err)
	}
}

// Handler returns the configured router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	r.Post("/webhooks/{endpoint}", s.handleWebhook)
	r.Get("/webhooks/{endpoint}", s.handleStatus)

	return r
}

// loggingMiddleware logs HTTP requests (excludes payloads and signatures).
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.logger.Info("webhook request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
			"remote_addr", r.RemoteAddr,
		)
	})
}

// handleWebhook accepts a webhook: rate limit, size limit, signature, JSON
// check, then a durable enqueue before the 200 is written.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	ep, err := endpoint.Parse(chi.URLParam(r, "endpoint"))
	if err != nil {
		s.metrics.WebhookReceived("unknown", "not_found")
		s.respondError(w, http.StatusNotFound, "endpoint not found")
		return
	}

	clientID := ratelimit.ClientID(r)
	logger := s.logger.With(
		"endpoint", ep,
		"client_id", clientID,
		"request_id", middleware.GetReqID(ctx),
	)

	guardCtx, cancel := context.WithTimeout(ctx, s.config.VerifyTimeout)
	defer cancel()

	if !s.allow(guardCtx, w, ep, clientID, logger) {
		return
	}

	if r.ContentLength > s.config.MaxBodySize {
		s.reject(w, ep, http.StatusRequestEntityTooLarge, "payload too large")
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, s.config.MaxBodySize+1))
	if err != nil {
		logger.Warn("failed to read webhook body", "error", err)
		s.reject(w, ep, http.StatusBadRequest, "failed to read request body")
		return
	}
	if int64(len(body)) > s.config.MaxBodySize {
		s.reject(w, ep, http.StatusRequestEntityTooLarge, "payload too large")
		return
	}

	started := time.Now()
	result, err := s.deps.Verifier.Verify(guardCtx, ep, body, r.Header)
	s.metrics.ObserveVerify(string(ep), time.Since(started))
	if err != nil {
		logger.Error("signature verification error", "error", err)
		s.reject(w, ep, http.StatusInternalServerError, "internal error")
		return
	}
	if !result.Verified {
		logger.Warn("webhook signature verification failed",
			"reason", result.Reason,
			"header", result.Header,
			"signature", result.Signature,
		)
		s.hub.Publish(events.TopicWebhookRejected, map[string]any{
			"endpoint": ep,
			"reason":   result.Reason,
		})
		s.reject(w, ep, http.StatusUnauthorized, "invalid signature")
		return
	}

	if !isJSONObject(body) {
		s.reject(w, ep, http.StatusBadRequest, "invalid JSON payload")
		return
	}

	webhookID := uuid.NewString()
	jobID, err := s.deps.Queue.Enqueue(ctx, queue.EnqueueRequest{
		WebhookID:       webhookID,
		Endpoint:        ep,
		Payload:         body,
		MaxAttempts:     s.config.MaxAttempts,
		Verified:        !result.Unsigned,
		Unsigned:        result.Unsigned,
		SignatureHeader: result.Header,
		EventTypeHint:   eventTypeHint(r.Header),
		ClientID:        clientID,
		ReceivedAt:      s.now(),
	})
	if err != nil {
		logger.Error("failed to enqueue webhook job", "webhook_id", webhookID, "error", err)
		s.reject(w, ep, http.StatusInternalServerError, "failed to accept webhook")
		return
	}

	if s.deps.Notifier != nil {
		s.deps.Notifier.Notify()
	}

	logger.Info("webhook accepted",
		"webhook_id", webhookID,
		"job_id", jobID,
		"unsigned", result.Unsigned,
		"secret_version", result.SecretVersion,
	)
	s.metrics.WebhookReceived(string(ep), "accepted")
	s.hub.Publish(events.TopicWebhookAccepted, map[string]any{
		"endpoint":  ep,
		"webhookId": webhookID,
		"jobId":     jobID,
		"unsigned":  result.Unsigned,
	})

	s.respondJSON(w, http.StatusOK, AcceptResponse{Success: true, WebhookID: webhookID})
}

// allow applies the rate limit. Limiter errors fail open.
func (s *Server) allow(ctx context.Context, w http.ResponseWriter, ep endpoint.Name, clientID string, logger *slog.Logger) bool {
	if s.deps.Limiter == nil || !s.config.RateLimit.Valid() {
		return true
	}

	res, err := s.deps.Limiter.CheckLimit(ctx, clientID, "webhooks:"+string(ep), s.config.RateLimit)
	if err != nil {
		logger.Warn("rate limiter error, admitting request", "error", err)
		s.metrics.RateLimitDecision("error")
		return true
	}
	res.SetHeaders(w)

	switch {
	case res.Degraded:
		s.metrics.RateLimitDecision("degraded")
	case res.Allowed:
		s.metrics.RateLimitDecision("allowed")
	default:
		s.metrics.RateLimitDecision("rejected")
		logger.Warn("webhook rate limited", "retry_after", res.RetryAfter)
		s.metrics.WebhookReceived(string(ep), "rate_limited")
		s.respondJSON(w, http.StatusTooManyRequests, ErrorResponse{
			Error:      "rate limit exceeded",
			RetryAfter: res.RetryAfterSeconds(),
		})
		return false
	}
	return true
}

// handleStatus reports liveness and counters for an endpoint. It never returns event data.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	ep, err := endpoint.Parse(chi.URLParam(r, "endpoint"))
	if err != nil {
		s.respondError(w, http.StatusNotFound, "endpoint not found")
		return
	}

	resp := StatusResponse{Endpoint: ep, Status: "ok"}

	if s.deps.Secrets != nil {
		rec, err := s.deps.Secrets.Get(ctx, ep)
		switch {
		case err == nil:
			resp.SecretConfigured = true
			resp.SecretVersion = rec.Version
		case errors.Is(err, vault.ErrNotFound):
		default:
			s.logger.Warn("failed to look up secret for status", "endpoint", ep, "error", err)
			resp.Status = "degraded"
		}
	}

	depth, err := s.deps.Queue.Depth(ctx)
	if err != nil {
		s.logger.Warn("failed to read queue depth", "error", err)
		resp.Status = "degraded"
	}
	resp.QueueDepth = depth

	if s.deps.Cache != nil {
		stats := s.deps.Cache.Stats()
		resp.Cache = &stats
		if !stats.Healthy {
			resp.Status = "degraded"
		}
	}

	s.respondJSON(w, http.StatusOK, resp)
}

func (s *Server) reject(w http.ResponseWriter, ep endpoint.Name, status int, message string) {
	s.metrics.WebhookReceived(string(ep), resultLabel(status))
	s.respondError(w, status, message)
}

// respondJSON sends a JSON response.
func (s *Server) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// respondError sends a JSON error response.
func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, ErrorResponse{Error: message})
}

func resultLabel(status int) string {
	switch status {
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusRequestEntityTooLarge:
		return "too_large"
	case http.StatusTooManyRequests:
		return "rate_limited"
	default:
		return "error"
	}
}

func isJSONObject(body []byte) bool {
	trimmed := bytes.TrimSpace(body)
	return len(trimmed) > 0 && trimmed[0] == '{' && json.Valid(trimmed)
}

func eventTypeHint(h http.Header) string {
	for _, name := range eventTypeHeaders {
		if v := h.Get(name); v != "" {
			return v
		}
	}
	return ""
}
