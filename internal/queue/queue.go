// Package queue is the durable SQLite-backed ingestion queue. A job is enqueued
// before the webhook is acknowledged and is held by at most one worker lease.
package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/paysink/internal/endpoint"
	"github.com/mattjoyce/paysink/internal/storage"
)

const jobColumns = `id, webhook_id, endpoint, payload, status, attempt, max_attempts, verified, unsigned,
  signature_header, event_type_hint, client_id, received_at, created_at, started_at,
  lease_owner, lease_expires_at, next_retry_at, completed_at, last_error, result`

const maxErrorBytes = 4 * 1024

type Queue struct {
	db  *sql.DB
	now func() time.Time
}

type Option func(*Queue)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

func New(db *sql.DB, opts ...Option) *Queue {
	q := &Queue{db: db, now: time.Now}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

func (q *Queue) Enqueue(ctx context.Context, req EnqueueRequest) (string, error) {
	if !req.Endpoint.Valid() {
		return "", fmt.Errorf("enqueue job: %w", endpoint.ErrUnknown)
	}
	if len(req.Payload) == 0 {
		return "", fmt.Errorf("payload is empty")
	}
	if req.WebhookID == "" {
		req.WebhookID = uuid.NewString()
	}
	maxAttempts := req.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	now := q.now()
	if req.ReceivedAt.IsZero() {
		req.ReceivedAt = now
	}

	id := uuid.NewString()
	_, err := q.db.ExecContext(ctx, `
INSERT INTO job_queue(
  id, webhook_id, endpoint, payload, status, attempt, max_attempts, verified, unsigned,
  signature_header, event_type_hint, client_id, received_at, created_at
)
VALUES(?, ?, ?, ?, ?, 1, ?, ?, ?, ?, ?, ?, ?, ?);
`, id, req.WebhookID, string(req.Endpoint), string(req.Payload), StatusWaiting, maxAttempts,
		req.Verified, req.Unsigned, nullString(req.SignatureHeader), nullString(req.EventTypeHint),
		nullString(req.ClientID), storage.FormatTime(req.ReceivedAt), storage.FormatTime(now))
	if err != nil {
		return "", storage.Classify("enqueue job", err)
	}
	return id, nil
}

// Claim leases the oldest runnable job (waiting, or delayed and due) to owner.
// Returns (nil, nil) if nothing is runnable.
func (q *Queue) Claim(ctx context.Context, owner string, lease time.Duration) (*Job, error) {
	if owner == "" {
		return nil, fmt.Errorf("lease owner is empty")
	}
	now := q.now()
	nowS := storage.FormatTime(now)

	row := q.db.QueryRowContext(ctx, `
WITH next AS (
  SELECT id
  FROM job_queue
  WHERE status = ? OR (status = ? AND next_retry_at <= ?)
  ORDER BY created_at ASC, rowid ASC
  LIMIT 1
)
UPDATE job_queue
SET status = ?, started_at = ?, lease_owner = ?, lease_expires_at = ?
WHERE id IN (SELECT id FROM next)
RETURNING `+jobColumns+`;
`, StatusWaiting, StatusDelayed, nowS, StatusActive, nowS, owner, storage.FormatTime(now.Add(lease)))

	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storage.Classify("claim job", err)
	}
	return j, nil
}

// Complete marks a claimed job completed and appends a row to job_log.
func (q *Queue) Complete(ctx context.Context, job *Job, result json.RawMessage) error {
	var res any
	if len(result) > 0 {
		res = string(result)
	}
	return q.finish(ctx, job, StatusCompleted, job.Attempt, nil, nil, res)
}

// Retry returns a claimed job to the delayed state with the next attempt number.
func (q *Queue) Retry(ctx context.Context, job *Job, nextRetryAt time.Time, lastErr string) error {
	return q.finish(ctx, job, StatusDelayed, job.Attempt+1, &nextRetryAt, &lastErr, nil)
}

// Fail marks a claimed job permanently failed.
func (q *Queue) Fail(ctx context.Context, job *Job, lastErr string) error {
	return q.finish(ctx, job, StatusFailed, job.Attempt, nil, &lastErr, nil)
}

func (q *Queue) finish(ctx context.Context, job *Job, status Status, nextAttempt int, nextRetryAt *time.Time, lastErr *string, result any) error {
	if job == nil || job.ID == "" {
		return fmt.Errorf("job is empty")
	}
	now := storage.FormatTime(q.now())

	var errVal any
	if lastErr != nil {
		errVal = truncate(*lastErr)
	}
	var retryVal, completedVal any
	if nextRetryAt != nil {
		retryVal = storage.FormatTime(*nextRetryAt)
	}
	if status.Terminal() {
		completedVal = now
	}

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return storage.Classify("begin tx", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
UPDATE job_queue
SET status = ?, attempt = ?, next_retry_at = ?, completed_at = ?, last_error = ?, result = ?,
    lease_owner = NULL, lease_expires_at = NULL
WHERE id = ? AND status = ? AND lease_owner = ?;
`, status, nextAttempt, retryVal, completedVal, errVal, result, job.ID, StatusActive, job.LeaseOwner)
	if err != nil {
		return storage.Classify("update job", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return storage.Classify("update job", err)
	} else if n == 0 {
		return fmt.Errorf("%w: %s", ErrLeaseLost, job.ID)
	}

	_, err = tx.ExecContext(ctx, `
INSERT INTO job_log(id, job_id, webhook_id, endpoint, status, attempt, created_at, completed_at, last_error)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?);
`, fmt.Sprintf("%s-%d", job.ID, job.Attempt), job.ID, job.WebhookID, string(job.Endpoint), status,
		job.Attempt, storage.FormatTime(job.CreatedAt), now, errVal)
	if err != nil {
		return storage.Classify("insert job_log", err)
	}

	if err := tx.Commit(); err != nil {
		return storage.Classify("commit tx", err)
	}
	return nil
}

// FindExpiredLeases returns active jobs whose lease ended at or before now.
func (q *Queue) FindExpiredLeases(ctx context.Context, now time.Time) ([]*Job, error) {
	rows, err := q.db.QueryContext(ctx, `
SELECT `+jobColumns+`
FROM job_queue
WHERE status = ? AND (lease_expires_at IS NULL OR lease_expires_at <= ?)
ORDER BY created_at ASC;
`, StatusActive, storage.FormatTime(now))
	if err != nil {
		return nil, storage.Classify("find expired leases", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, storage.Classify("scan job", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, storage.Classify("find expired leases", err)
	}
	return jobs, nil
}

// UpdateJobForRecovery moves an abandoned active job to newStatus and logs the
// abandoned attempt to job_log in the same transaction. Jobs that finished in
// the meantime are left untouched and ErrLeaseLost is returned.
func (q *Queue) UpdateJobForRecovery(ctx context.Context, jobID string, newStatus Status, newAttempt int, nextRetryAt *time.Time, lastError string) error {
	now := storage.FormatTime(q.now())
	var retryVal, completedVal, errVal any
	if nextRetryAt != nil {
		retryVal = storage.FormatTime(*nextRetryAt)
	}
	if newStatus.Terminal() {
		completedVal = now
	}
	if lastError != "" {
		errVal = truncate(lastError)
	}

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return storage.Classify("begin tx", err)
	}
	defer func() { _ = tx.Rollback() }()

	// Logging first captures the abandoned attempt number before it is bumped.
	res, err := tx.ExecContext(ctx, `
INSERT INTO job_log(id, job_id, webhook_id, endpoint, status, attempt, created_at, completed_at, last_error)
SELECT id || '-' || attempt, id, webhook_id, endpoint, ?, attempt, created_at, ?, ?
FROM job_queue
WHERE id = ? AND status = ?;
`, newStatus, now, errVal, jobID, StatusActive)
	if err != nil {
		return storage.Classify("insert job_log", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return storage.Classify("insert job_log", err)
	} else if n == 0 {
		return fmt.Errorf("%w: %s", ErrLeaseLost, jobID)
	}

	_, err = tx.ExecContext(ctx, `
UPDATE job_queue
SET status = ?, attempt = ?, next_retry_at = ?, completed_at = ?,
    last_error = COALESCE(?, last_error), lease_owner = NULL, lease_expires_at = NULL
WHERE id = ? AND status = ?;
`, newStatus, newAttempt, retryVal, completedVal, errVal, jobID, StatusActive)
	if err != nil {
		return storage.Classify("recover job", err)
	}

	if err := tx.Commit(); err != nil {
		return storage.Classify("commit tx", err)
	}
	return nil
}

func (q *Queue) Get(ctx context.Context, id string) (*Job, error) {
	j, err := scanJob(q.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM job_queue WHERE id = ?;`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, storage.Classify("get job", err)
	}
	return j, nil
}

// History returns the job_log rows for a job, oldest attempt first.
func (q *Queue) History(ctx context.Context, jobID string) ([]Attempt, error) {
	rows, err := q.db.QueryContext(ctx, `
SELECT attempt, status, completed_at, last_error FROM job_log
WHERE job_id = ? ORDER BY attempt ASC;
`, jobID)
	if err != nil {
		return nil, storage.Classify("job history", err)
	}
	defer rows.Close()

	var out []Attempt
	for rows.Next() {
		var (
			a          Attempt
			status     string
			finishedAt sql.NullString
			lastErr    sql.NullString
		)
		if err := rows.Scan(&a.Attempt, &status, &finishedAt, &lastErr); err != nil {
			return nil, storage.Classify("job history", err)
		}
		a.Status = Status(status)
		if t := storage.ParseTime(finishedAt); t != nil {
			a.FinishedAt = *t
		}
		a.Error = lastErr.String
		out = append(out, a)
	}
	return out, rows.Err()
}

// Depth counts jobs that are not yet terminal.
func (q *Queue) Depth(ctx context.Context) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM job_queue WHERE status IN (?, ?, ?);`,
		StatusWaiting, StatusActive, StatusDelayed).Scan(&n)
	if err != nil {
		return 0, storage.Classify("queue depth", err)
	}
	return n, nil
}

func (q *Queue) CountByStatus(ctx context.Context) (map[Status]int, error) {
	rows, err := q.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM job_queue GROUP BY status;`)
	if err != nil {
		return nil, storage.Classify("count jobs", err)
	}
	defer rows.Close()

	out := make(map[Status]int, len(AllStatuses()))
	for _, s := range AllStatuses() {
		out[s] = 0
	}
	for rows.Next() {
		var (
			s string
			n int
		)
		if err := rows.Scan(&s, &n); err != nil {
			return nil, storage.Classify("count jobs", err)
		}
		out[Status(s)] = n
	}
	return out, rows.Err()
}

// PruneJobLogs deletes job_log rows completed before now-retention.
func (q *Queue) PruneJobLogs(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := storage.FormatTime(q.now().Add(-retention))
	res, err := q.db.ExecContext(ctx, `DELETE FROM job_log WHERE completed_at < ?;`, cutoff)
	if err != nil {
		return 0, storage.Classify("prune job_log", err)
	}
	return res.RowsAffected()
}

// PruneTerminal deletes completed and failed jobs finished before now-retention.
func (q *Queue) PruneTerminal(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := storage.FormatTime(q.now().Add(-retention))
	res, err := q.db.ExecContext(ctx, `
DELETE FROM job_queue WHERE status IN (?, ?) AND completed_at IS NOT NULL AND completed_at < ?;
`, StatusCompleted, StatusFailed, cutoff)
	if err != nil {
		return 0, storage.Classify("prune jobs", err)
	}
	return res.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	var (
		j               Job
		ep              string
		payload         string
		statusS         string
		signatureHeader sql.NullString
		eventTypeHint   sql.NullString
		clientID        sql.NullString
		receivedAt      string
		createdAt       string
		startedAt       sql.NullString
		leaseOwner      sql.NullString
		leaseExpiresAt  sql.NullString
		nextRetryAt     sql.NullString
		completedAt     sql.NullString
		lastError       sql.NullString
		result          sql.NullString
	)
	err := row.Scan(
		&j.ID, &j.WebhookID, &ep, &payload, &statusS, &j.Attempt, &j.MaxAttempts, &j.Verified, &j.Unsigned,
		&signatureHeader, &eventTypeHint, &clientID, &receivedAt, &createdAt, &startedAt,
		&leaseOwner, &leaseExpiresAt, &nextRetryAt, &completedAt, &lastError, &result,
	)
	if err != nil {
		return nil, err
	}

	j.Endpoint = endpoint.Name(ep)
	j.Payload = json.RawMessage(payload)
	j.Status = Status(statusS)
	j.SignatureHeader = signatureHeader.String
	j.EventTypeHint = eventTypeHint.String
	j.ClientID = clientID.String
	j.LeaseOwner = leaseOwner.String
	if t := storage.ParseTime(sql.NullString{String: receivedAt, Valid: true}); t != nil {
		j.ReceivedAt = *t
	}
	if t := storage.ParseTime(sql.NullString{String: createdAt, Valid: true}); t != nil {
		j.CreatedAt = *t
	}
	j.StartedAt = storage.ParseTime(startedAt)
	j.LeaseExpiresAt = storage.ParseTime(leaseExpiresAt)
	j.NextRetryAt = storage.ParseTime(nextRetryAt)
	j.CompletedAt = storage.ParseTime(completedAt)
	if lastError.Valid {
		j.LastError = &lastError.String
	}
	if result.Valid {
		j.Result = json.RawMessage(result.String)
	}
	return &j, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func truncate(s string) string {
	if len(s) > maxErrorBytes {
		return s[:maxErrorBytes]
	}
	return s
}
