// Package inspect builds the operator report for a single ingestion job: the
// queue record, every recorded attempt and the stored events it produced.
package inspect

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mattjoyce/paysink/internal/eventstore"
	"github.com/mattjoyce/paysink/internal/queue"
)

type JobSource interface {
	Get(ctx context.Context, id string) (*queue.Job, error)
	History(ctx context.Context, jobID string) ([]queue.Attempt, error)
}

type EventSource interface {
	List(ctx context.Context, f eventstore.Filter) ([]*eventstore.Event, error)
}

// Report is the structured JSON representation of a job report.
type Report struct {
	Job      *queue.Job          `json:"job"`
	Attempts []queue.Attempt     `json:"attempts"`
	Events   []*eventstore.Event `json:"events"`
	Payload  json.RawMessage     `json:"payload,omitempty"`
}

type Options struct {
	// IncludePayload adds the raw webhook body to the report.
	IncludePayload bool
}

func Gather(ctx context.Context, jobs JobSource, evs EventSource, jobID string, opts Options) (*Report, error) {
	if strings.TrimSpace(jobID) == "" {
		return nil, fmt.Errorf("job_id is required")
	}

	job, err := jobs.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	attempts, err := jobs.History(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("load attempts: %w", err)
	}
	stored, err := evs.List(ctx, eventstore.Filter{JobID: jobID})
	if err != nil {
		return nil, fmt.Errorf("load events: %w", err)
	}

	r := &Report{
		Job:      job,
		Attempts: attempts,
		Events:   stored,
	}
	if r.Attempts == nil {
		r.Attempts = []queue.Attempt{}
	}
	if r.Events == nil {
		r.Events = []*eventstore.Event{}
	}
	if opts.IncludePayload {
		r.Payload = job.Payload
	}
	return r, nil
}

// BuildReport renders a terminal-friendly report for a job.
func BuildReport(ctx context.Context, jobs JobSource, evs EventSource, jobID string, opts Options) (string, error) {
	r, err := Gather(ctx, jobs, evs, jobID, opts)
	if err != nil {
		return "", err
	}
	job := r.Job

	var out strings.Builder
	fmt.Fprintf(&out, "Job Report\n")
	fmt.Fprintf(&out, "Job ID      : %s\n", job.ID)
	fmt.Fprintf(&out, "Webhook ID  : %s\n", job.WebhookID)
	fmt.Fprintf(&out, "Endpoint    : %s\n", job.Endpoint)
	fmt.Fprintf(&out, "Status      : %s\n", job.Status)
	fmt.Fprintf(&out, "Attempt     : %d of %d\n", job.Attempt, job.MaxAttempts)
	fmt.Fprintf(&out, "Signature   : %s\n", signatureState(job))
	fmt.Fprintf(&out, "Event hint  : %s\n", renderUnset(job.EventTypeHint, "<none>"))
	fmt.Fprintf(&out, "Received    : %s\n", job.ReceivedAt.Format(time.RFC3339))
	if job.CompletedAt != nil {
		fmt.Fprintf(&out, "Finished    : %s\n", job.CompletedAt.Format(time.RFC3339))
	}
	if job.NextRetryAt != nil && !job.Status.Terminal() {
		fmt.Fprintf(&out, "Next retry  : %s\n", job.NextRetryAt.Format(time.RFC3339))
	}
	if job.LeaseOwner != "" {
		fmt.Fprintf(&out, "Lease       : %s\n", job.LeaseOwner)
	}
	fmt.Fprintf(&out, "\n")

	fmt.Fprintf(&out, "Attempts\n")
	if len(r.Attempts) == 0 {
		fmt.Fprintf(&out, "  <none recorded>\n")
	}
	for _, a := range r.Attempts {
		fmt.Fprintf(&out, "  [%d] %-9s %s", a.Attempt, a.Status, a.FinishedAt.Format(time.RFC3339))
		if a.Error != "" {
			fmt.Fprintf(&out, "  %s", a.Error)
		}
		fmt.Fprintf(&out, "\n")
	}
	fmt.Fprintf(&out, "\n")

	fmt.Fprintf(&out, "Stored events\n")
	if len(r.Events) == 0 {
		fmt.Fprintf(&out, "  <none>\n")
	}
	for _, ev := range r.Events {
		fmt.Fprintf(&out, "  %s\n", ev.ID)
		fmt.Fprintf(&out, "    outcome    : %s\n", ev.Outcome)
		fmt.Fprintf(&out, "    type       : %s (%s)\n", renderUnset(ev.EventType, "<unknown>"), ev.Kind)
		if ev.IdempotencyKey != "" {
			fmt.Fprintf(&out, "    idem key   : %s\n", ev.IdempotencyKey)
		}
		if ev.Error != "" {
			fmt.Fprintf(&out, "    error      : %s\n", ev.Error)
		}
	}

	if len(r.Payload) > 0 {
		fmt.Fprintf(&out, "\nPayload\n")
		for _, line := range strings.Split(strings.TrimSpace(prettyJSON(r.Payload)), "\n") {
			fmt.Fprintf(&out, "  %s\n", line)
		}
	}

	return strings.TrimRight(out.String(), "\n") + "\n", nil
}

// BuildJSONReport returns the machine-readable report.
func BuildJSONReport(ctx context.Context, jobs JobSource, evs EventSource, jobID string, opts Options) (string, error) {
	r, err := Gather(ctx, jobs, evs, jobID, opts)
	if err != nil {
		return "", err
	}
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal json report: %w", err)
	}
	return string(data), nil
}

func signatureState(job *queue.Job) string {
	switch {
	case job.Unsigned:
		return "unsigned (accepted without signature)"
	case job.Verified:
		return "verified"
	default:
		return "unverified"
	}
}

func prettyJSON(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "{}"
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return string(raw)
	}
	return string(out)
}

func renderUnset(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}
