package webhook

import (
	"context"
	"net/http"
	"time"

	"github.com/mattjoyce/paysink/internal/endpoint"
	"github.com/mattjoyce/paysink/internal/queue"
	"github.com/mattjoyce/paysink/internal/ratelimit"
	"github.com/mattjoyce/paysink/internal/secretcache"
	"github.com/mattjoyce/paysink/internal/signature"
	"github.com/mattjoyce/paysink/internal/vault"
)

// JobQueuer defines the queue operations the ingestion endpoint needs.
type JobQueuer interface {
	Enqueue(ctx context.Context, req queue.EnqueueRequest) (string, error)
	Depth(ctx context.Context) (int, error)
}

type Verifier interface {
	Verify(ctx context.Context, ep endpoint.Name, body []byte, headers http.Header) (signature.Result, error)
}

// Notifier wakes the worker pool after an enqueue.
type Notifier interface {
	Notify()
}

// SecretLookup reports secret metadata for the status route.
type SecretLookup interface {
	Get(ctx context.Context, ep endpoint.Name) (*vault.Record, error)
}

type CacheStats interface {
	Stats() secretcache.Stats
}

// Config holds webhook server configuration.
type Config struct {
	Listen        string
	MaxBodySize   int64
	VerifyTimeout time.Duration
	MaxAttempts   int
	RateLimit     ratelimit.Policy
}

// Deps are the collaborators the server calls. Limiter, Notifier, Secrets and
// Cache are optional.
type Deps struct {
	Queue    JobQueuer
	Verifier Verifier
	Limiter  ratelimit.Limiter
	Notifier Notifier
	Secrets  SecretLookup
	Cache    CacheStats
}

// AcceptResponse is the JSON response for an accepted webhook.
type AcceptResponse struct {
	Success   bool   `json:"success"`
	WebhookID string `json:"webhookId"`
}

// ErrorResponse is the JSON response for webhook errors. It never carries secret
// material or signature details.
type ErrorResponse struct {
	Success    bool   `json:"success"`
	Error      string `json:"error"`
	RetryAfter int64  `json:"retryAfter,omitempty"`
}

// StatusResponse is returned by GET /webhooks/{endpoint}.
type StatusResponse struct {
	Endpoint         endpoint.Name      `json:"endpoint"`
	Status           string             `json:"status"`
	SecretConfigured bool               `json:"secretConfigured"`
	SecretVersion    int                `json:"secretVersion,omitempty"`
	QueueDepth       int                `json:"queueDepth"`
	Cache            *secretcache.Stats `json:"cache,omitempty"`
}

// Event type headers, checked in order.
var eventTypeHeaders = []string{"X-Event-Type", "X-Paysafe-Event-Type"}

const (
	DefaultMaxBodySize   = 1048576 // 1 MB
	DefaultVerifyTimeout = 5 * time.Second
)
