// Package processor runs the worker pool that turns queued webhooks into stored
// events. Each job is parsed, de-duplicated by idempotency key and persisted;
// transient storage failures back off exponentially until the attempt cap.
package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/paysink/internal/eventstore"
	"github.com/mattjoyce/paysink/internal/events"
	"github.com/mattjoyce/paysink/internal/metrics"
	"github.com/mattjoyce/paysink/internal/payload"
	"github.com/mattjoyce/paysink/internal/queue"
	"github.com/mattjoyce/paysink/internal/storage"
)

type Config struct {
	Workers      int
	PollInterval time.Duration
	Lease        time.Duration
	JobTimeout   time.Duration
	BackoffBase  time.Duration
	BackoffMax   time.Duration
	Now          func() time.Time
}

func (c *Config) setDefaults() {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.Lease <= 0 {
		c.Lease = 2 * time.Minute
	}
	if c.JobTimeout <= 0 || c.JobTimeout > c.Lease {
		c.JobTimeout = c.Lease / 2
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = time.Second
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 5 * time.Minute
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

type Processor struct {
	cfg     Config
	queue   JobQueue
	store   EventStore
	usage   UsageTracker
	hub     *events.Hub
	metrics *metrics.Metrics
	logger  *slog.Logger

	instance string
	wake     chan struct{}
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

func New(cfg Config, q JobQueue, store EventStore, usage UsageTracker, hub *events.Hub, m *metrics.Metrics, logger *slog.Logger) *Processor {
	cfg.setDefaults()
	if hub == nil {
		hub = events.NewHub(128)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{
		cfg:      cfg,
		queue:    q,
		store:    store,
		usage:    usage,
		hub:      hub,
		metrics:  m,
		logger:   logger.With("component", "processor"),
		instance: uuid.NewString()[:8],
		wake:     make(chan struct{}, cfg.Workers),
	}
}

// Start launches the worker pool. Workers run until Stop is called or ctx ends.
func (p *Processor) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	p.logger.Info("starting workers", "workers", p.cfg.Workers, "instance", p.instance)
	for i := range p.cfg.Workers {
		p.wg.Add(1)
		go p.worker(ctx, fmt.Sprintf("%s-%d", p.instance, i))
	}
}

// Stop cancels the workers and waits for in-flight jobs to be applied.
func (p *Processor) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	p.logger.Info("workers stopped")
}

// Notify wakes an idle worker, typically right after an enqueue.
func (p *Processor) Notify() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *Processor) worker(ctx context.Context, owner string) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		for ctx.Err() == nil {
			job, err := p.queue.Claim(ctx, owner, p.cfg.Lease)
			if err != nil {
				if ctx.Err() == nil {
					p.logger.Error("failed to claim job", "worker", owner, "error", err)
				}
				break
			}
			if job == nil {
				break
			}
			p.RunJob(ctx, job)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-p.wake:
		}
	}
}

// RunJob processes a claimed job and applies the outcome to the queue.
func (p *Processor) RunJob(ctx context.Context, job *queue.Job) Outcome {
	start := p.cfg.Now()
	logger := p.logger.With("job_id", job.ID, "webhook_id", job.WebhookID, "endpoint", job.Endpoint, "attempt", job.Attempt)

	jobCtx, cancel := context.WithTimeout(ctx, p.cfg.JobTimeout)
	out := p.Process(jobCtx, job)
	cancel()

	// Applying the outcome must survive shutdown; otherwise the job waits for lease recovery.
	applyCtx, applyCancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer applyCancel()

	var err error
	switch out.Kind {
	case OutcomeCompleted, OutcomeDuplicate:
		result, _ := json.Marshal(map[string]string{
			"outcome":        string(out.Kind),
			"eventId":        out.EventID,
			"idempotencyKey": out.IdempotencyKey,
		})
		err = p.queue.Complete(applyCtx, job, result)
	case OutcomeRetry:
		err = p.queue.Retry(applyCtx, job, p.cfg.Now().Add(out.Delay), out.Reason())
	case OutcomeFailed:
		err = p.queue.Fail(applyCtx, job, out.Reason())
	}

	switch {
	case errors.Is(err, queue.ErrLeaseLost):
		logger.Warn("job lease lost before outcome was applied", "outcome", out.Kind)
	case err != nil:
		logger.Error("failed to apply job outcome", "outcome", out.Kind, "error", err)
	default:
		p.logOutcome(logger, out)
	}

	p.metrics.JobProcessed(string(job.Endpoint), string(out.Kind), p.cfg.Now().Sub(start))
	p.hub.Publish(topicFor(out.Kind), map[string]any{
		"jobId":     job.ID,
		"webhookId": job.WebhookID,
		"endpoint":  job.Endpoint,
		"attempt":   job.Attempt,
		"eventId":   out.EventID,
		"error":     out.Reason(),
	})
	return out
}

// Process runs one attempt of job without modifying queue state.
func (p *Processor) Process(ctx context.Context, job *queue.Job) (out Outcome) {
	defer func() {
		if r := recover(); r != nil {
			p.metrics.PanicRecovered()
			p.logger.Error("recovered panic while processing job", "job_id", job.ID, "panic", r)
			out = p.transientFailure(ctx, job, nil, fmt.Errorf("panic: %v", r))
		}
	}()

	ev, err := payload.Parse(job.Endpoint, job.Payload, job.EventTypeHint)
	if err != nil {
		return p.terminalFailure(ctx, job, nil, err)
	}
	key := ev.IdempotencyKey()

	existing, err := p.store.FindSuccess(ctx, job.Endpoint, key)
	switch {
	case err == nil:
		return Outcome{Kind: OutcomeDuplicate, EventID: existing.ID, IdempotencyKey: key}
	case errors.Is(err, eventstore.ErrNotFound):
	default:
		return p.storageFailure(ctx, job, ev, err)
	}

	rec := p.eventRecord(job, ev, eventstore.OutcomeSuccess, nil)
	if err := p.store.Save(ctx, rec); err != nil {
		if errors.Is(err, eventstore.ErrDuplicate) {
			return Outcome{Kind: OutcomeDuplicate, EventID: p.existingID(ctx, job, key), IdempotencyKey: key}
		}
		return p.storageFailure(ctx, job, ev, err)
	}

	if err := p.usage.Touch(ctx, job.Endpoint); err != nil {
		p.logger.Warn("failed to record secret usage", "endpoint", job.Endpoint, "error", err)
	}
	return Outcome{Kind: OutcomeCompleted, EventID: rec.ID, IdempotencyKey: key}
}

// RecordFailure writes a failure-outcome event for a job that will not be
// processed again. Used by lease recovery for jobs that exhausted attempts.
func (p *Processor) RecordFailure(ctx context.Context, job *queue.Job, reason string) error {
	var ev *payload.Event
	if parsed, err := payload.Parse(job.Endpoint, job.Payload, job.EventTypeHint); err == nil {
		ev = parsed
	}
	return p.saveFailure(ctx, job, ev, errors.New(reason))
}

func (p *Processor) storageFailure(ctx context.Context, job *queue.Job, ev *payload.Event, err error) Outcome {
	if storage.IsTransient(err) {
		return p.transientFailure(ctx, job, ev, err)
	}
	return p.terminalFailure(ctx, job, ev, err)
}

func (p *Processor) transientFailure(ctx context.Context, job *queue.Job, ev *payload.Event, err error) Outcome {
	if job.Attempt < job.MaxAttempts {
		return Outcome{Kind: OutcomeRetry, Delay: p.Backoff(job.Attempt), Err: err, IdempotencyKey: keyOf(ev)}
	}
	return p.terminalFailure(ctx, job, ev, fmt.Errorf("giving up after %d attempts: %w", job.Attempt, err))
}

// Backoff returns BackoffBase * 2^(attempt-1), capped at BackoffMax.
func (p *Processor) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := p.cfg.BackoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= p.cfg.BackoffMax || d <= 0 {
			return p.cfg.BackoffMax
		}
	}
	return min(d, p.cfg.BackoffMax)
}

// terminalFailure reports OutcomeFailed only once the failure event is stored.
// If it cannot be written the job is retried after the capped backoff, so a job
// never reaches a terminal state without its outcome recorded.
func (p *Processor) terminalFailure(ctx context.Context, job *queue.Job, ev *payload.Event, cause error) Outcome {
	if err := p.saveFailure(ctx, job, ev, cause); err != nil {
		p.logger.Error("failed to write failure event, keeping job queued",
			"job_id", job.ID, "webhook_id", job.WebhookID, "cause", cause, "error", err)
		return Outcome{
			Kind:           OutcomeRetry,
			Delay:          p.Backoff(job.Attempt),
			Err:            fmt.Errorf("record failure (%v): %w", cause, err),
			IdempotencyKey: keyOf(ev),
		}
	}
	return Outcome{Kind: OutcomeFailed, Err: cause, IdempotencyKey: keyOf(ev)}
}

func (p *Processor) saveFailure(ctx context.Context, job *queue.Job, ev *payload.Event, cause error) error {
	// A failure write should not be lost because the attempt's own deadline ran out.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	err := p.store.Save(ctx, p.eventRecord(job, ev, eventstore.OutcomeFailed, cause))
	if errors.Is(err, eventstore.ErrDuplicate) {
		return nil
	}
	return err
}

func (p *Processor) eventRecord(job *queue.Job, ev *payload.Event, outcome eventstore.Outcome, cause error) *eventstore.Event {
	rec := &eventstore.Event{
		ID:         job.WebhookID,
		Endpoint:   job.Endpoint,
		EventType:  job.EventTypeHint,
		Kind:       string(payload.KindUnknown),
		Payload:    string(job.Payload),
		Outcome:    outcome,
		Attempts:   job.Attempt,
		JobID:      job.ID,
		ReceivedAt: job.ReceivedAt,
	}
	if ev != nil {
		rec.EventType = ev.EventType
		rec.Kind = string(ev.Kind)
		rec.KnownType = ev.KnownType
		rec.IdempotencyKey = ev.IdempotencyKey()
		rec.SourceEventID = ev.SourceID
	}
	if cause != nil {
		rec.Error = cause.Error()
	}
	return rec
}

func (p *Processor) existingID(ctx context.Context, job *queue.Job, key string) string {
	existing, err := p.store.FindSuccess(ctx, job.Endpoint, key)
	if err != nil {
		return ""
	}
	return existing.ID
}

func (p *Processor) logOutcome(logger *slog.Logger, out Outcome) {
	switch out.Kind {
	case OutcomeCompleted:
		logger.Info("event stored", "event_id", out.EventID)
	case OutcomeDuplicate:
		logger.Info("duplicate event acknowledged", "existing_event_id", out.EventID)
	case OutcomeRetry:
		logger.Warn("job scheduled for retry", "delay", out.Delay, "error", out.Err)
	case OutcomeFailed:
		logger.Error("job failed permanently", "error", out.Err)
	}
}

func topicFor(kind OutcomeKind) events.Topic {
	switch kind {
	case OutcomeCompleted:
		return events.TopicJobCompleted
	case OutcomeDuplicate:
		return events.TopicJobDuplicate
	case OutcomeRetry:
		return events.TopicJobRetry
	default:
		return events.TopicJobFailed
	}
}

func keyOf(ev *payload.Event) string {
	if ev == nil {
		return ""
	}
	return ev.IdempotencyKey()
}
