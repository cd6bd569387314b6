package eventstore

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/paysink/internal/endpoint"
	"github.com/mattjoyce/paysink/internal/storage"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	db, err := storage.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return New(db)
}

func successEvent(id, key string) *Event {
	return &Event{
		ID:             id,
		Endpoint:       endpoint.AccountStatus,
		EventType:      "ACCT_ENABLED",
		Kind:           "account_status",
		KnownType:      true,
		IdempotencyKey: key,
		SourceEventID:  "evt_1",
		Payload:        `{"id":"evt_1"}`,
		Outcome:        OutcomeSuccess,
		JobID:          "job-" + id,
	}
}

func TestSaveAndGet(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, successEvent("w1", "src:evt_1")))

	got, err := s.Get(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuccess, got.Outcome)
	assert.Equal(t, endpoint.AccountStatus, got.Endpoint)
	assert.Equal(t, `{"id":"evt_1"}`, got.Payload)
	assert.True(t, got.KnownType)
	assert.NotNil(t, got.ProcessedAt)
	assert.Equal(t, 1, got.Attempts)

	found, err := s.FindSuccess(ctx, endpoint.AccountStatus, "src:evt_1")
	require.NoError(t, err)
	assert.Equal(t, "w1", found.ID)

	_, err = s.FindSuccess(ctx, endpoint.Netbanx, "src:evt_1")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSaveDuplicateSuccessRejected(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, successEvent("w1", "src:evt_1")))
	err := s.Save(ctx, successEvent("w2", "src:evt_1"))
	assert.ErrorIs(t, err, ErrDuplicate)

	// Same key on another endpoint is a different event.
	other := successEvent("w3", "src:evt_1")
	other.Endpoint = endpoint.Netbanx
	assert.NoError(t, s.Save(ctx, other))
}

func TestFailedThenSuccessUpserts(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	failed := successEvent("w1", "src:evt_1")
	failed.Outcome = OutcomeFailed
	failed.Error = "storage unavailable"
	failed.Attempts = 5
	require.NoError(t, s.Save(ctx, failed))

	// A failure for the same key does not block a later success.
	require.NoError(t, s.Save(ctx, successEvent("w2", "src:evt_1")))

	ok := successEvent("w1", "src:evt_other")
	require.NoError(t, s.Save(ctx, ok))
	got, err := s.Get(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuccess, got.Outcome)
	assert.Empty(t, got.Error)

	// Success rows are immutable.
	again := successEvent("w1", "src:evt_other")
	again.Outcome = OutcomeFailed
	assert.ErrorIs(t, s.Save(ctx, again), ErrDuplicate)

	all, err := s.FindByIdempotencyKey(ctx, endpoint.AccountStatus, "src:evt_1")
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestConcurrentSuccessSavesYieldOneRecord(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	var (
		wg         sync.WaitGroup
		mu         sync.Mutex
		successes  int
		duplicates int
	)
	for i := range 8 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := s.Save(ctx, successEvent(fmt.Sprintf("w%d", i), "src:race"))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case assert.ErrorIs(t, err, ErrDuplicate):
				duplicates++
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 1, successes)
	assert.Equal(t, 7, duplicates)
}

func TestListAndCount(t *testing.T) {
	base := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	s := openStore(t)
	ctx := context.Background()

	for i := range 5 {
		ev := successEvent(fmt.Sprintf("w%d", i), fmt.Sprintf("k%d", i))
		ev.ReceivedAt = base.Add(time.Duration(i) * time.Minute)
		if i%2 == 1 {
			ev.Outcome = OutcomeFailed
			ev.Endpoint = endpoint.DirectDebit
		}
		require.NoError(t, s.Save(ctx, ev))
	}

	all, err := s.List(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, all, 5)
	assert.Equal(t, "w4", all[0].ID)

	failed, err := s.List(ctx, Filter{Outcome: OutcomeFailed})
	require.NoError(t, err)
	assert.Len(t, failed, 2)

	dd, err := s.List(ctx, Filter{Endpoint: endpoint.DirectDebit, Since: base.Add(2 * time.Minute)})
	require.NoError(t, err)
	require.Len(t, dd, 1)
	assert.Equal(t, "w3", dd[0].ID)

	page, err := s.List(ctx, Filter{Limit: 2, Offset: 2})
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "w2", page[0].ID)

	counts, err := s.CountByOutcome(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, counts[OutcomeSuccess])
	assert.Equal(t, 2, counts[OutcomeFailed])
}

func TestSaveValidation(t *testing.T) {
	s := openStore(t)
	assert.Error(t, s.Save(context.Background(), &Event{Outcome: OutcomeSuccess}))
	assert.Error(t, s.Save(context.Background(), &Event{ID: "x", Outcome: "meh"}))
}
