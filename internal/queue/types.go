package queue

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/mattjoyce/paysink/internal/endpoint"
)

type Status string

const (
	StatusWaiting   Status = "waiting"
	StatusActive    Status = "active"
	StatusDelayed   Status = "delayed"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// AllStatuses lists every status in lifecycle order.
func AllStatuses() []Status {
	return []Status{StatusWaiting, StatusActive, StatusDelayed, StatusCompleted, StatusFailed}
}

type Job struct {
	ID              string          `json:"id"`
	WebhookID       string          `json:"webhookId"`
	Endpoint        endpoint.Name   `json:"endpoint"`
	Payload         json.RawMessage `json:"-"`
	Status          Status          `json:"status"`
	Attempt         int             `json:"attempt"`
	MaxAttempts     int             `json:"maxAttempts"`
	Verified        bool            `json:"verified"`
	Unsigned        bool            `json:"unsigned"`
	SignatureHeader string          `json:"signatureHeader,omitempty"`
	EventTypeHint   string          `json:"eventTypeHint,omitempty"`
	ClientID        string          `json:"clientId,omitempty"`
	ReceivedAt      time.Time       `json:"receivedAt"`
	CreatedAt       time.Time       `json:"createdAt"`
	StartedAt       *time.Time      `json:"startedAt,omitempty"`
	LeaseOwner      string          `json:"leaseOwner,omitempty"`
	LeaseExpiresAt  *time.Time      `json:"leaseExpiresAt,omitempty"`
	NextRetryAt     *time.Time      `json:"nextRetryAt,omitempty"`
	CompletedAt     *time.Time      `json:"completedAt,omitempty"`
	LastError       *string         `json:"lastError,omitempty"`
	Result          json.RawMessage `json:"result,omitempty"`
}

// Attempt is one finished processing attempt recorded in job_log.
type Attempt struct {
	Attempt    int       `json:"attempt"`
	Status     Status    `json:"status"`
	FinishedAt time.Time `json:"finishedAt"`
	Error      string    `json:"error,omitempty"`
}

type EnqueueRequest struct {
	WebhookID       string
	Endpoint        endpoint.Name
	Payload         []byte
	MaxAttempts     int
	Verified        bool
	Unsigned        bool
	SignatureHeader string
	EventTypeHint   string
	ClientID        string
	ReceivedAt      time.Time
}

const DefaultMaxAttempts = 5

var (
	ErrJobNotFound = errors.New("job not found")
	// ErrLeaseLost means the job is no longer active under the caller's claim,
	// typically because lease recovery handed it to another worker.
	ErrLeaseLost = errors.New("job lease lost")
)
