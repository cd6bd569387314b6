package processor

import (
	"context"
	"encoding/json"
	"time"

	"github.com/mattjoyce/paysink/internal/endpoint"
	"github.com/mattjoyce/paysink/internal/eventstore"
	"github.com/mattjoyce/paysink/internal/queue"
)

//go:generate mockgen -destination=mocks/mock_eventstore.go -package=mocks github.com/mattjoyce/paysink/internal/processor EventStore

// EventStore is the persistence the processor writes outcomes to.
type EventStore interface {
	Save(ctx context.Context, ev *eventstore.Event) error
	FindSuccess(ctx context.Context, ep endpoint.Name, key string) (*eventstore.Event, error)
}

// JobQueue is the slice of the ingestion queue the workers drive.
type JobQueue interface {
	Claim(ctx context.Context, owner string, lease time.Duration) (*queue.Job, error)
	Complete(ctx context.Context, job *queue.Job, result json.RawMessage) error
	Retry(ctx context.Context, job *queue.Job, nextRetryAt time.Time, lastErr string) error
	Fail(ctx context.Context, job *queue.Job, lastErr string) error
}

// UsageTracker records secret usage after an event is persisted.
type UsageTracker interface {
	Touch(ctx context.Context, ep endpoint.Name) error
}
