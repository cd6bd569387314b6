package scheduler

import (
	"context"
	"time"

	"github.com/mattjoyce/paysink/internal/queue"
)

//go:generate mockgen -destination=mocks/mock_queue.go -package=mocks github.com/mattjoyce/paysink/internal/scheduler QueueService,FailureRecorder

// QueueService defines the queue operations lease recovery needs.
type QueueService interface {
	FindExpiredLeases(ctx context.Context, now time.Time) ([]*queue.Job, error)
	UpdateJobForRecovery(ctx context.Context, jobID string, newStatus queue.Status, newAttempt int, nextRetryAt *time.Time, lastError string) error
}

// FailureRecorder writes the failure-outcome event for a job recovery gave up on.
type FailureRecorder interface {
	RecordFailure(ctx context.Context, job *queue.Job, reason string) error
}
