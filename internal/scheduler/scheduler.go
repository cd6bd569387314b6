// Package scheduler runs named periodic maintenance tasks on a single tick loop
// and recovers jobs whose worker lease expired.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mattjoyce/paysink/internal/events"
	"github.com/mattjoyce/paysink/internal/metrics"
	"github.com/mattjoyce/paysink/internal/queue"
)

const LeaseRecoveryTask = "lease-recovery"

var (
	ErrUnknownTask   = errors.New("unknown task")
	ErrDuplicateTask = errors.New("task already registered")
)

// Task is a named unit of periodic work. Run must honour ctx.
type Task struct {
	Name   string
	Every  time.Duration
	Jitter time.Duration
	Run    func(ctx context.Context) error
}

type TaskStatus struct {
	Name      string        `json:"name"`
	Every     time.Duration `json:"every"`
	LastRun   *time.Time    `json:"lastRun,omitempty"`
	NextRun   time.Time     `json:"nextRun"`
	LastError string        `json:"lastError,omitempty"`
	Runs      int64         `json:"runs"`
	Failures  int64         `json:"failures"`
}

type Config struct {
	TickInterval time.Duration
	// RecoveryEvery controls how often expired leases are scanned. Zero uses TickInterval.
	RecoveryEvery time.Duration
	Now           func() time.Time
}

type taskState struct {
	task      Task
	lastRun   *time.Time
	nextRun   time.Time
	lastError string
	runs      int64
	failures  int64
}

// Scheduler manages periodic tasks and crash recovery of leased jobs.
type Scheduler struct {
	cfg      Config
	queue    QueueService
	recorder FailureRecorder
	events   *events.Hub
	metrics  *metrics.Metrics
	logger   *slog.Logger

	mu     sync.Mutex
	tasks  []*taskState
	paused atomic.Bool

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func New(cfg Config, q QueueService, recorder FailureRecorder, hub *events.Hub, m *metrics.Metrics, logger *slog.Logger) *Scheduler {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 5 * time.Second
	}
	if cfg.RecoveryEvery <= 0 {
		cfg.RecoveryEvery = cfg.TickInterval
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if hub == nil {
		hub = events.NewHub(128)
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		cfg:      cfg,
		queue:    q,
		recorder: recorder,
		events:   hub,
		metrics:  m,
		logger:   logger.With("component", "scheduler"),
		stopCh:   make(chan struct{}),
	}
	if q != nil {
		_ = s.Register(Task{
			Name:  LeaseRecoveryTask,
			Every: cfg.RecoveryEvery,
			Run: func(ctx context.Context) error {
				_, err := s.RecoverExpiredLeases(ctx)
				return err
			},
		})
	}
	return s
}

// Register adds a task. Tasks registered before Start run on the first tick.
func (s *Scheduler) Register(task Task) error {
	if task.Name == "" || task.Run == nil || task.Every <= 0 {
		return fmt.Errorf("invalid task %q: name, run and positive interval are required", task.Name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, st := range s.tasks {
		if st.task.Name == task.Name {
			return fmt.Errorf("%w: %s", ErrDuplicateTask, task.Name)
		}
	}
	s.tasks = append(s.tasks, &taskState{task: task})
	return nil
}

// Start performs lease recovery and then begins the tick loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.logger.Info("Starting scheduler", "tick_interval", s.cfg.TickInterval)

	if s.queue != nil {
		if _, err := s.RecoverExpiredLeases(ctx); err != nil {
			return fmt.Errorf("scheduler lease recovery failed: %w", err)
		}
	}

	s.wg.Add(1)
	go s.tickLoop(ctx)
	return nil
}

// Stop gracefully stops the scheduler. Safe to call more than once.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		s.logger.Info("Stopping scheduler")
		close(s.stopCh)
	})
	s.wg.Wait()
}

func (s *Scheduler) Pause() {
	if !s.paused.Swap(true) {
		s.logger.Info("Scheduler paused")
	}
}

func (s *Scheduler) Resume() {
	if s.paused.Swap(false) {
		s.logger.Info("Scheduler resumed")
	}
}

func (s *Scheduler) Paused() bool {
	return s.paused.Load()
}

func (s *Scheduler) tickLoop(ctx context.Context) {
	defer s.wg.Done()

	s.Tick(ctx)

	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.Tick(ctx)
		case <-s.stopCh:
			return
		case <-ctx.Done():
			s.logger.Warn("Scheduler context cancelled, stopping tick loop")
			return
		}
	}
}

// Tick runs every task that is due, in registration order. It does nothing while paused.
func (s *Scheduler) Tick(ctx context.Context) {
	if s.Paused() {
		s.logger.Debug("Scheduler tick skipped while paused")
		return
	}
	now := s.cfg.Now()

	s.mu.Lock()
	var due []*taskState
	for _, st := range s.tasks {
		if !now.Before(st.nextRun) {
			due = append(due, st)
		}
	}
	s.mu.Unlock()

	for _, st := range due {
		if ctx.Err() != nil {
			return
		}
		s.run(ctx, st)
	}
}

// RunNow runs the named task immediately, ignoring its schedule and the pause flag.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	s.mu.Lock()
	var target *taskState
	for _, st := range s.tasks {
		if st.task.Name == name {
			target = st
			break
		}
	}
	s.mu.Unlock()

	if target == nil {
		return fmt.Errorf("%w: %s", ErrUnknownTask, name)
	}
	return s.run(ctx, target)
}

// Status reports every registered task in registration order.
func (s *Scheduler) Status() []TaskStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]TaskStatus, 0, len(s.tasks))
	for _, st := range s.tasks {
		ts := TaskStatus{
			Name:      st.task.Name,
			Every:     st.task.Every,
			NextRun:   st.nextRun,
			LastError: st.lastError,
			Runs:      st.runs,
			Failures:  st.failures,
		}
		if st.lastRun != nil {
			at := *st.lastRun
			ts.LastRun = &at
		}
		out = append(out, ts)
	}
	return out
}

func (s *Scheduler) run(ctx context.Context, st *taskState) (err error) {
	name := st.task.Name
	started := s.cfg.Now()

	func() {
		defer func() {
			if r := recover(); r != nil {
				s.metrics.PanicRecovered()
				err = fmt.Errorf("task panicked: %v", r)
			}
		}()
		err = st.task.Run(ctx)
	}()

	finished := s.cfg.Now()
	status, errMsg := "ok", ""
	if err != nil {
		status, errMsg = "error", err.Error()
	}
	s.mu.Lock()
	st.runs++
	st.lastRun = &started
	st.nextRun = finished.Add(calculateJitteredInterval(st.task.Every, st.task.Jitter))
	st.lastError = errMsg
	if err != nil {
		st.failures++
	}
	s.mu.Unlock()

	s.metrics.SchedulerRun(name, status)
	s.events.Publish(events.TopicSchedulerTask, map[string]any{
		"task":     name,
		"status":   status,
		"duration": finished.Sub(started).String(),
		"error":    errMsg,
	})
	if err != nil {
		s.logger.Error("Scheduled task failed", "task", name, "error", err)
	} else {
		s.logger.Debug("Scheduled task finished", "task", name, "duration", finished.Sub(started))
	}
	return err
}

// RecoverExpiredLeases returns jobs abandoned by a dead worker to the queue, or
// fails them when their attempts are exhausted. It reports how many jobs it moved.
func (s *Scheduler) RecoverExpiredLeases(ctx context.Context) (int, error) {
	expired, err := s.queue.FindExpiredLeases(ctx, s.cfg.Now())
	if err != nil {
		return 0, fmt.Errorf("failed to find expired leases: %w", err)
	}
	if len(expired) == 0 {
		return 0, nil
	}

	s.logger.Warn("Found jobs with expired leases, attempting recovery", "count", len(expired))

	recovered := 0
	for _, job := range expired {
		attempt := job.Attempt + 1
		newStatus := queue.StatusWaiting
		lastErrorMsg := fmt.Sprintf("lease held by %s expired", job.LeaseOwner)
		if attempt > job.MaxAttempts {
			newStatus = queue.StatusFailed
			lastErrorMsg = fmt.Sprintf("job failed during lease recovery: max attempts (%d) reached", job.MaxAttempts)
			// The failure event goes in first. Without it the job goes back to
			// waiting, where the processor records the outcome itself.
			if err := s.recordFailure(ctx, job, lastErrorMsg); err != nil {
				s.logger.Error("Failed to record failure event, re-queueing instead", "job_id", job.ID, "error", err)
				newStatus = queue.StatusWaiting
				lastErrorMsg = fmt.Sprintf("lease held by %s expired; failure event not recorded: %v", job.LeaseOwner, err)
			}
		}

		err := s.queue.UpdateJobForRecovery(ctx, job.ID, newStatus, attempt, nil, lastErrorMsg)
		if errors.Is(err, queue.ErrLeaseLost) {
			// The worker finished after all.
			s.logger.Debug("Job left active state before recovery", "job_id", job.ID)
			continue
		}
		if err != nil {
			s.logger.Error(
				"Failed to update job during lease recovery",
				"job_id", job.ID,
				"error", err,
				"desired_status", newStatus,
				"desired_attempt", attempt,
			)
			continue
		}
		recovered++

		if newStatus == queue.StatusFailed {
			s.logger.Error("Marking job failed (max attempts reached)", "job_id", job.ID, "endpoint", job.Endpoint, "final_attempt", job.Attempt)
		} else {
			s.logger.Warn("Re-queueing job after lease expiry", "job_id", job.ID, "endpoint", job.Endpoint, "new_attempt", attempt)
		}

		s.metrics.JobRecovered(string(newStatus))
		s.events.Publish(events.TopicJobRecovered, map[string]any{
			"jobId":     job.ID,
			"webhookId": job.WebhookID,
			"endpoint":  job.Endpoint,
			"status":    newStatus,
			"attempt":   attempt,
		})
	}
	return recovered, nil
}

func (s *Scheduler) recordFailure(ctx context.Context, job *queue.Job, reason string) error {
	if s.recorder == nil {
		return nil
	}
	return s.recorder.RecordFailure(ctx, job, reason)
}

// calculateJitteredInterval adds a random jitter in [0, jitter) to the base interval.
func calculateJitteredInterval(baseInterval time.Duration, jitter time.Duration) time.Duration {
	if jitter <= 0 {
		return baseInterval
	}
	return baseInterval + time.Duration(rand.Int63n(jitter.Nanoseconds()))
}
