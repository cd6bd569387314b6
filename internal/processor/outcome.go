package processor

import "time"

type OutcomeKind string

const (
	OutcomeCompleted OutcomeKind = "completed"
	OutcomeDuplicate OutcomeKind = "duplicate"
	OutcomeRetry     OutcomeKind = "retry"
	OutcomeFailed    OutcomeKind = "failed"
)

// Outcome is the result of processing one job attempt. The worker applies it to
// the queue; Process itself never touches job state.
type Outcome struct {
	Kind OutcomeKind
	// EventID is the stored event for Completed, or the existing success for Duplicate.
	EventID        string
	IdempotencyKey string
	// Delay is set for Retry.
	Delay time.Duration
	Err   error
}

func (o Outcome) Reason() string {
	if o.Err == nil {
		return ""
	}
	return o.Err.Error()
}
