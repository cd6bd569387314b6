// Package eventstore persists processed and failed webhook events. The partial
// unique index on (endpoint, idempotency_key) for successful rows is the final
// arbiter against duplicate success records.
package eventstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattjoyce/paysink/internal/endpoint"
	"github.com/mattjoyce/paysink/internal/storage"
)

type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailed  Outcome = "failed"
)

var (
	ErrNotFound = errors.New("event not found")
	// ErrDuplicate means a success record already exists for the idempotency key,
	// or the event id is already recorded as a success.
	ErrDuplicate = errors.New("duplicate event")
)

type Event struct {
	ID             string          `json:"id"`
	Endpoint       endpoint.Name   `json:"endpoint"`
	EventType      string          `json:"eventType"`
	Kind           string          `json:"kind"`
	KnownType      bool            `json:"knownType"`
	IdempotencyKey string          `json:"idempotencyKey,omitempty"`
	SourceEventID  string          `json:"sourceEventId,omitempty"`
	Payload        string          `json:"payload,omitempty"`
	Outcome        Outcome         `json:"outcome"`
	Error          string          `json:"error,omitempty"`
	Attempts       int             `json:"attempts"`
	JobID          string          `json:"jobId,omitempty"`
	ReceivedAt     time.Time       `json:"receivedAt"`
	ProcessedAt    *time.Time      `json:"processedAt,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
	UpdatedAt      time.Time       `json:"updatedAt"`
}

// Filter narrows List. Zero values match everything.
type Filter struct {
	Endpoint endpoint.Name
	Outcome  Outcome
	JobID    string
	Since    time.Time
	Limit    int
	Offset   int
}

const eventColumns = `id, endpoint, event_type, kind, known_type, idempotency_key, source_event_id, payload,
  outcome, error, attempts, job_id, received_at, processed_at, created_at, updated_at`

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

type Store struct {
	db  *sql.DB
	now func() time.Time
}

type Option func(*Store)

func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func New(db *sql.DB, opts ...Option) *Store {
	s := &Store{db: db, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Save inserts ev or updates the existing row with the same id. A row that is
// already a success is never modified.
func (s *Store) Save(ctx context.Context, ev *Event) error {
	if ev == nil || ev.ID == "" {
		return fmt.Errorf("event id is empty")
	}
	if ev.Outcome != OutcomeSuccess && ev.Outcome != OutcomeFailed {
		return fmt.Errorf("invalid outcome %q", ev.Outcome)
	}
	now := s.now()
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = now
	}
	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = now
	}
	if ev.ProcessedAt == nil {
		ev.ProcessedAt = &now
	}
	ev.UpdatedAt = now
	if ev.Attempts <= 0 {
		ev.Attempts = 1
	}

	res, err := s.db.ExecContext(ctx, `
INSERT INTO webhook_events(`+eventColumns+`)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
  event_type = excluded.event_type,
  kind = excluded.kind,
  known_type = excluded.known_type,
  idempotency_key = excluded.idempotency_key,
  source_event_id = excluded.source_event_id,
  payload = excluded.payload,
  outcome = excluded.outcome,
  error = excluded.error,
  attempts = excluded.attempts,
  job_id = excluded.job_id,
  processed_at = excluded.processed_at,
  updated_at = excluded.updated_at
WHERE webhook_events.outcome <> 'success';
`, ev.ID, string(ev.Endpoint), ev.EventType, ev.Kind, ev.KnownType, nullString(ev.IdempotencyKey),
		nullString(ev.SourceEventID), ev.Payload, ev.Outcome, nullString(ev.Error), ev.Attempts,
		nullString(ev.JobID), storage.FormatTime(ev.ReceivedAt), storage.FormatTime(*ev.ProcessedAt),
		storage.FormatTime(ev.CreatedAt), storage.FormatTime(ev.UpdatedAt))
	if err != nil {
		if storage.IsUniqueViolation(err) {
			return fmt.Errorf("%w: %s/%s", ErrDuplicate, ev.Endpoint, ev.IdempotencyKey)
		}
		return storage.Classify("save event", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: event %s already succeeded", ErrDuplicate, ev.ID)
	}
	return nil
}

// FindSuccess returns the success record for key, or ErrNotFound.
func (s *Store) FindSuccess(ctx context.Context, ep endpoint.Name, key string) (*Event, error) {
	ev, err := scanEvent(s.db.QueryRowContext(ctx, `
SELECT `+eventColumns+` FROM webhook_events
WHERE endpoint = ? AND idempotency_key = ? AND outcome = 'success'
LIMIT 1;
`, string(ep), key))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, storage.Classify("find success", err)
	}
	return ev, nil
}

func (s *Store) Get(ctx context.Context, id string) (*Event, error) {
	ev, err := scanEvent(s.db.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM webhook_events WHERE id = ?;`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, storage.Classify("get event", err)
	}
	return ev, nil
}

// FindByIdempotencyKey returns every record for key, newest first.
func (s *Store) FindByIdempotencyKey(ctx context.Context, ep endpoint.Name, key string) ([]*Event, error) {
	return s.query(ctx, "find by key", `
SELECT `+eventColumns+` FROM webhook_events
WHERE endpoint = ? AND idempotency_key = ?
ORDER BY received_at DESC, rowid DESC;
`, string(ep), key)
}

func (s *Store) List(ctx context.Context, f Filter) ([]*Event, error) {
	var (
		where []string
		args  []any
	)
	if f.Endpoint != "" {
		where = append(where, "endpoint = ?")
		args = append(args, string(f.Endpoint))
	}
	if f.Outcome != "" {
		where = append(where, "outcome = ?")
		args = append(args, f.Outcome)
	}
	if f.JobID != "" {
		where = append(where, "job_id = ?")
		args = append(args, f.JobID)
	}
	if !f.Since.IsZero() {
		where = append(where, "received_at >= ?")
		args = append(args, storage.FormatTime(f.Since))
	}
	limit := f.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	limit = min(limit, maxListLimit)

	q := `SELECT ` + eventColumns + ` FROM webhook_events`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	q += ` ORDER BY received_at DESC, rowid DESC LIMIT ? OFFSET ?;`
	args = append(args, limit, max(f.Offset, 0))
	return s.query(ctx, "list events", q, args...)
}

func (s *Store) CountByOutcome(ctx context.Context) (map[Outcome]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT outcome, COUNT(*) FROM webhook_events GROUP BY outcome;`)
	if err != nil {
		return nil, storage.Classify("count events", err)
	}
	defer rows.Close()

	out := map[Outcome]int{OutcomeSuccess: 0, OutcomeFailed: 0}
	for rows.Next() {
		var (
			o string
			n int
		)
		if err := rows.Scan(&o, &n); err != nil {
			return nil, storage.Classify("count events", err)
		}
		out[Outcome(o)] = n
	}
	return out, rows.Err()
}

func (s *Store) query(ctx context.Context, op, q string, args ...any) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, storage.Classify(op, err)
	}
	defer rows.Close()

	var out []*Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, storage.Classify(op, err)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, storage.Classify(op, err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (*Event, error) {
	var (
		ev          Event
		ep          string
		outcome     string
		key         sql.NullString
		sourceID    sql.NullString
		payload     string
		errMsg      sql.NullString
		jobID       sql.NullString
		receivedAt  string
		processedAt sql.NullString
		createdAt   string
		updatedAt   string
	)
	if err := row.Scan(&ev.ID, &ep, &ev.EventType, &ev.Kind, &ev.KnownType, &key, &sourceID, &payload,
		&outcome, &errMsg, &ev.Attempts, &jobID, &receivedAt, &processedAt, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	ev.Endpoint = endpoint.Name(ep)
	ev.Outcome = Outcome(outcome)
	ev.IdempotencyKey = key.String
	ev.SourceEventID = sourceID.String
	ev.Payload = payload
	ev.Error = errMsg.String
	ev.JobID = jobID.String
	ev.ProcessedAt = storage.ParseTime(processedAt)
	ev.ReceivedAt = parseRequired(receivedAt)
	ev.CreatedAt = parseRequired(createdAt)
	ev.UpdatedAt = parseRequired(updatedAt)
	return &ev, nil
}

func parseRequired(s string) time.Time {
	if t := storage.ParseTime(sql.NullString{String: s, Valid: true}); t != nil {
		return *t
	}
	return time.Time{}
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
