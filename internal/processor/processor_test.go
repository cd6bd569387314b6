package processor

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/paysink/internal/endpoint"
	"github.com/mattjoyce/paysink/internal/eventstore"
	"github.com/mattjoyce/paysink/internal/events"
	"github.com/mattjoyce/paysink/internal/processor/mocks"
	"github.com/mattjoyce/paysink/internal/queue"
	"github.com/mattjoyce/paysink/internal/storage"
)

type usageFunc func(ctx context.Context, ep endpoint.Name) error

func (f usageFunc) Touch(ctx context.Context, ep endpoint.Name) error { return f(ctx, ep) }

func noUsage() UsageTracker {
	return usageFunc(func(context.Context, endpoint.Name) error { return nil })
}

func testJob(body string, attempt int) *queue.Job {
	return &queue.Job{
		ID:          "job-1",
		WebhookID:   "wh-1",
		Endpoint:    endpoint.AccountStatus,
		Payload:     []byte(body),
		Attempt:     attempt,
		MaxAttempts: 5,
		ReceivedAt:  time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func newTestProcessor(store EventStore, usage UsageTracker) *Processor {
	return New(Config{BackoffBase: time.Second, BackoffMax: time.Minute}, nil, store, usage, events.NewHub(16), nil, nil)
}

func TestBackoff(t *testing.T) {
	p := newTestProcessor(nil, nil)

	var prev time.Duration
	for attempt := 1; attempt <= 6; attempt++ {
		d := p.Backoff(attempt)
		assert.Greater(t, d, prev, "attempt %d", attempt)
		prev = d
	}
	assert.Equal(t, time.Second, p.Backoff(1))
	assert.Equal(t, 8*time.Second, p.Backoff(4))
	assert.Equal(t, time.Minute, p.Backoff(7))
	assert.Equal(t, time.Minute, p.Backoff(60))
}

func TestProcessStoresEvent(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	store := mocks.NewMockEventStore(ctrl)
	var touched atomic.Int32
	p := newTestProcessor(store, usageFunc(func(_ context.Context, ep endpoint.Name) error {
		assert.Equal(t, endpoint.AccountStatus, ep)
		touched.Add(1)
		return nil
	}))

	store.EXPECT().FindSuccess(gomock.Any(), endpoint.AccountStatus, "src:evt_1").Return(nil, eventstore.ErrNotFound)
	store.EXPECT().Save(gomock.Any(), gomock.Any()).DoAndReturn(func(_ context.Context, ev *eventstore.Event) error {
		assert.Equal(t, "wh-1", ev.ID)
		assert.Equal(t, eventstore.OutcomeSuccess, ev.Outcome)
		assert.Equal(t, "src:evt_1", ev.IdempotencyKey)
		assert.Equal(t, "ACCT_APPROVED", ev.EventType)
		assert.Equal(t, `{"id":"evt_1","eventType":"ACCT_APPROVED"}`, ev.Payload)
		assert.Equal(t, 1, ev.Attempts)
		return nil
	})

	out := p.Process(context.Background(), testJob(`{"id":"evt_1","eventType":"ACCT_APPROVED"}`, 1))
	assert.Equal(t, OutcomeCompleted, out.Kind)
	assert.Equal(t, "wh-1", out.EventID)
	assert.Equal(t, int32(1), touched.Load())
}

func TestProcessDuplicateBySourceID(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	store := mocks.NewMockEventStore(ctrl)
	p := newTestProcessor(store, noUsage())

	store.EXPECT().FindSuccess(gomock.Any(), endpoint.AccountStatus, "src:evt_1").Return(&eventstore.Event{ID: "wh-original"}, nil)

	out := p.Process(context.Background(), testJob(`{"id":"evt_1"}`, 1))
	assert.Equal(t, OutcomeDuplicate, out.Kind)
	assert.Equal(t, "wh-original", out.EventID)
}

func TestProcessDuplicateLostRace(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	store := mocks.NewMockEventStore(ctrl)
	p := newTestProcessor(store, noUsage())

	gomock.InOrder(
		store.EXPECT().FindSuccess(gomock.Any(), endpoint.AccountStatus, "src:evt_1").Return(nil, eventstore.ErrNotFound),
		store.EXPECT().Save(gomock.Any(), gomock.Any()).Return(fmt.Errorf("save: %w", eventstore.ErrDuplicate)),
		store.EXPECT().FindSuccess(gomock.Any(), endpoint.AccountStatus, "src:evt_1").Return(&eventstore.Event{ID: "wh-winner"}, nil),
	)

	out := p.Process(context.Background(), testJob(`{"id":"evt_1"}`, 1))
	assert.Equal(t, OutcomeDuplicate, out.Kind)
	assert.Equal(t, "wh-winner", out.EventID)
}

func TestProcessMalformedIsPermanent(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	store := mocks.NewMockEventStore(ctrl)
	p := newTestProcessor(store, noUsage())

	store.EXPECT().Save(gomock.Any(), gomock.Any()).DoAndReturn(func(_ context.Context, ev *eventstore.Event) error {
		assert.Equal(t, eventstore.OutcomeFailed, ev.Outcome)
		assert.Equal(t, `[1,2,3]`, ev.Payload)
		assert.Contains(t, ev.Error, "malformed")
		return nil
	})

	out := p.Process(context.Background(), testJob(`[1,2,3]`, 1))
	assert.Equal(t, OutcomeFailed, out.Kind)
	require.Error(t, out.Err)
}

func TestProcessTransientRetriesThenFails(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	store := mocks.NewMockEventStore(ctrl)
	p := newTestProcessor(store, noUsage())
	busy := fmt.Errorf("save event: %w", storage.ErrUnavailable)

	store.EXPECT().FindSuccess(gomock.Any(), gomock.Any(), gomock.Any()).Return(nil, eventstore.ErrNotFound).Times(5)
	store.EXPECT().Save(gomock.Any(), gomock.Any()).DoAndReturn(func(_ context.Context, ev *eventstore.Event) error {
		if ev.Outcome == eventstore.OutcomeSuccess {
			return busy
		}
		assert.Equal(t, 5, ev.Attempts)
		assert.Contains(t, ev.Error, "giving up after 5 attempts")
		return nil
	}).Times(6)

	var prev time.Duration
	for attempt := 1; attempt < 5; attempt++ {
		out := p.Process(context.Background(), testJob(`{"id":"evt_1"}`, attempt))
		require.Equal(t, OutcomeRetry, out.Kind, "attempt %d", attempt)
		assert.Greater(t, out.Delay, prev)
		assert.ErrorIs(t, out.Err, storage.ErrUnavailable)
		prev = out.Delay
	}

	out := p.Process(context.Background(), testJob(`{"id":"evt_1"}`, 5))
	assert.Equal(t, OutcomeFailed, out.Kind)
	assert.ErrorIs(t, out.Err, storage.ErrUnavailable)
}

func TestProcessKeepsJobWhenFailureEventCannotBeWritten(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	store := mocks.NewMockEventStore(ctrl)
	p := newTestProcessor(store, noUsage())
	busy := fmt.Errorf("save event: %w", storage.ErrUnavailable)

	store.EXPECT().Save(gomock.Any(), gomock.Any()).Return(busy)

	out := p.Process(context.Background(), testJob(`not json`, 2))
	assert.Equal(t, OutcomeRetry, out.Kind)
	assert.Equal(t, p.Backoff(2), out.Delay)
	assert.ErrorIs(t, out.Err, storage.ErrUnavailable)
	assert.Contains(t, out.Reason(), "record failure")
}

func TestRunJobFailsOnlyAfterFailureEventIsStored(t *testing.T) {
	ctx := context.Background()
	db, err := storage.OpenSQLite(ctx, filepath.Join(t.TempDir(), "paysink.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	q := queue.New(db, queue.WithClock(clock))

	ctrl := gomock.NewController(t)
	defer ctrl.Finish()
	store := mocks.NewMockEventStore(ctrl)

	var storeHealthy atomic.Bool
	var failureEvents atomic.Int32
	busy := fmt.Errorf("save event: %w", storage.ErrUnavailable)
	store.EXPECT().FindSuccess(gomock.Any(), gomock.Any(), gomock.Any()).Return(nil, eventstore.ErrNotFound).AnyTimes()
	store.EXPECT().Save(gomock.Any(), gomock.Any()).DoAndReturn(func(_ context.Context, ev *eventstore.Event) error {
		if ev.Outcome == eventstore.OutcomeFailed && storeHealthy.Load() {
			failureEvents.Add(1)
			return nil
		}
		return busy
	}).AnyTimes()

	p := New(Config{BackoffBase: time.Second, BackoffMax: time.Minute, Now: clock}, q, store, noUsage(), events.NewHub(16), nil, nil)

	id, err := q.Enqueue(ctx, queue.EnqueueRequest{Endpoint: endpoint.Netbanx, Payload: []byte(`{"id":"evt_1"}`), MaxAttempts: 1, Verified: true})
	require.NoError(t, err)

	job, err := q.Claim(ctx, "w1", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, job)
	out := p.RunJob(ctx, job)
	assert.Equal(t, OutcomeRetry, out.Kind)

	got, err := q.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusDelayed, got.Status, "job must stay queued while its failure is unrecorded")

	pruned, err := q.PruneTerminal(ctx, -time.Hour)
	require.NoError(t, err)
	assert.EqualValues(t, 0, pruned)

	storeHealthy.Store(true)
	now = now.Add(time.Minute)
	job, err = q.Claim(ctx, "w1", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, job)
	out = p.RunJob(ctx, job)
	assert.Equal(t, OutcomeFailed, out.Kind)

	got, err = q.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusFailed, got.Status)
	assert.EqualValues(t, 1, failureEvents.Load())
}

func TestProcessPermanentStorageError(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	store := mocks.NewMockEventStore(ctrl)
	p := newTestProcessor(store, noUsage())

	store.EXPECT().FindSuccess(gomock.Any(), gomock.Any(), gomock.Any()).Return(nil, errors.New("no such table: webhook_events"))
	store.EXPECT().Save(gomock.Any(), gomock.Any()).Return(nil)

	out := p.Process(context.Background(), testJob(`{"id":"evt_1"}`, 1))
	assert.Equal(t, OutcomeFailed, out.Kind)
}

func TestProcessRecoversPanic(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	store := mocks.NewMockEventStore(ctrl)
	p := newTestProcessor(store, noUsage())

	store.EXPECT().FindSuccess(gomock.Any(), gomock.Any(), gomock.Any()).DoAndReturn(
		func(context.Context, endpoint.Name, string) (*eventstore.Event, error) {
			panic("boom")
		})

	out := p.Process(context.Background(), testJob(`{"id":"evt_1"}`, 1))
	assert.Equal(t, OutcomeRetry, out.Kind)
	assert.Contains(t, out.Reason(), "panic: boom")
}

func TestUsageErrorDoesNotFailJob(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	store := mocks.NewMockEventStore(ctrl)
	p := newTestProcessor(store, usageFunc(func(context.Context, endpoint.Name) error {
		return errors.New("vault offline")
	}))

	store.EXPECT().FindSuccess(gomock.Any(), gomock.Any(), gomock.Any()).Return(nil, eventstore.ErrNotFound)
	store.EXPECT().Save(gomock.Any(), gomock.Any()).Return(nil)

	out := p.Process(context.Background(), testJob(`{"id":"evt_1"}`, 1))
	assert.Equal(t, OutcomeCompleted, out.Kind)
}

func TestWorkersDrainQueue(t *testing.T) {
	ctx := context.Background()
	db, err := storage.OpenSQLite(ctx, filepath.Join(t.TempDir(), "paysink.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	q := queue.New(db)
	store := eventstore.New(db)
	hub := events.NewHub(64)
	p := New(Config{Workers: 3, PollInterval: 20 * time.Millisecond}, q, store, noUsage(), hub, nil, nil)

	for _, body := range []string{`{"id":"evt_1"}`, `{"id":"evt_1"}`, `{"id":"evt_2"}`, `not json`} {
		_, err := q.Enqueue(ctx, queue.EnqueueRequest{Endpoint: endpoint.Netbanx, Payload: []byte(body), Verified: true})
		require.NoError(t, err)
	}

	p.Start(ctx)
	p.Notify()
	defer p.Stop()

	require.Eventually(t, func() bool {
		counts, err := q.CountByStatus(ctx)
		return err == nil && counts[queue.StatusCompleted] == 3 && counts[queue.StatusFailed] == 1
	}, 5*time.Second, 20*time.Millisecond)

	outcomes, err := store.CountByOutcome(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, outcomes[eventstore.OutcomeSuccess])
	assert.Equal(t, 1, outcomes[eventstore.OutcomeFailed])

	var duplicates int
	for _, ev := range hub.Snapshot(0) {
		if ev.Type == events.TopicJobDuplicate {
			duplicates++
		}
	}
	assert.Equal(t, 1, duplicates)
}
