package api

import (
	"time"

	"github.com/mattjoyce/paysink/internal/endpoint"
	"github.com/mattjoyce/paysink/internal/eventstore"
	"github.com/mattjoyce/paysink/internal/queue"
	"github.com/mattjoyce/paysink/internal/scheduler"
	"github.com/mattjoyce/paysink/internal/vault"
)

type SecretListResponse struct {
	Secrets []*vault.Record `json:"secrets"`
}

// DecryptResponse carries a plaintext secret. Only served when decrypt is enabled.
type DecryptResponse struct {
	Endpoint endpoint.Name `json:"endpoint"`
	Version  int           `json:"version"`
	Secret   string        `json:"secretKey"`
}

type EventListResponse struct {
	Events []*eventstore.Event         `json:"events"`
	Counts map[eventstore.Outcome]int `json:"counts,omitempty"`
	Limit  int                         `json:"limit"`
	Offset int                         `json:"offset"`
}

type JobStatsResponse struct {
	Depth  int                  `json:"depth"`
	Counts map[queue.Status]int `json:"counts"`
}

type SchedulerResponse struct {
	Paused bool                   `json:"paused"`
	Tasks  []scheduler.TaskStatus `json:"tasks"`
}

// ErrorResponse is returned on errors
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status        string            `json:"status"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	QueueDepth    int               `json:"queue_depth"`
	Checks        map[string]string `json:"checks"`
	CheckedAt     time.Time         `json:"checked_at"`
}
