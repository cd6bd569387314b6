package watch

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/paysink/internal/events"
	"github.com/mattjoyce/paysink/internal/scheduler"
)

func TestReadSSE(t *testing.T) {
	stream := strings.Join([]string{
		": keep-alive",
		"",
		"id: 7",
		"event: webhook.accepted",
		`data: {"endpoint":"netbanx","jobId":"0123456789"}`,
		"",
		"id: 8",
		"event: job.failed",
		`data: {"endpoint":"netbanx",`,
		`data: "error":"malformed payload"}`,
		"",
	}, "\n")

	var got []events.Event
	require.NoError(t, readSSE(strings.NewReader(stream), func(ev events.Event) {
		got = append(got, ev)
	}))

	require.Len(t, got, 2)
	assert.Equal(t, int64(7), got[0].ID)
	assert.Equal(t, events.TopicWebhookAccepted, got[0].Type)
	assert.JSONEq(t, `{"endpoint":"netbanx","jobId":"0123456789"}`, string(got[0].Data))
	assert.Equal(t, int64(8), got[1].ID)
	assert.Equal(t, "netbanx job=: malformed payload", describe(got[1]))
}

func TestSubscribeSendsTokenAndResumeID(t *testing.T) {
	var gotAuth, gotLast string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotLast = r.Header.Get("Last-Event-ID")
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "id: 43\nevent: job.completed\ndata: {\"endpoint\":\"direct-debit\",\"eventId\":\"src:1\"}\n\n")
	}))
	defer srv.Close()

	c := NewClient(srv.URL+"/", "tok")
	ch := make(chan events.Event, 4)
	msg := c.subscribe(42, ch)()

	closed, ok := msg.(streamClosedMsg)
	require.True(t, ok, "got %T", msg)
	assert.Equal(t, int64(43), closed.lastID)
	assert.Equal(t, "Bearer tok", gotAuth)
	assert.Equal(t, "42", gotLast)

	ev := <-ch
	assert.Equal(t, events.TopicJobCompleted, ev.Type)
}

func TestFetchHealthAcceptsDegraded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":      "degraded",
			"queue_depth": 3,
			"checks":      map[string]string{"vault": "ok", "queue": "error: locked"},
		})
	}))
	defer srv.Close()

	msg := NewClient(srv.URL, "").fetchHealth()
	h, ok := msg.(healthMsg)
	require.True(t, ok, "got %T", msg)
	assert.Equal(t, "degraded", h.Status)
	assert.Equal(t, 3, h.QueueDepth)
	assert.Equal(t, []string{"queue"}, failingChecks(h.Checks))
}

func TestFetchSchedulerRejectsUnauthorized(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"invalid API key"}`, http.StatusUnauthorized)
	}))
	defer srv.Close()

	msg := NewClient(srv.URL, "bad").fetchScheduler()
	_, isErr := msg.(errMsg)
	assert.True(t, isErr)
}

func TestEndpointTrackerCounts(t *testing.T) {
	tr := NewEndpointTracker()
	at := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	for _, topic := range []events.Topic{
		events.TopicWebhookAccepted,
		events.TopicWebhookAccepted,
		events.TopicJobCompleted,
		events.TopicJobDuplicate,
		events.TopicJobRetry,
		events.TopicJobFailed,
		events.TopicWebhookRejected,
	} {
		tr.Apply(events.Event{Type: topic, At: at, Data: json.RawMessage(`{"endpoint":"account-status"}`)})
	}
	tr.Apply(events.Event{Type: events.TopicSchedulerTask, At: at, Data: json.RawMessage(`{"task":"sweep"}`)})

	st := tr.Get("account-status")
	assert.Equal(t, EndpointStats{
		Accepted: 2, Rejected: 1, Completed: 1, Duplicate: 1, Retried: 1, Failed: 1, LastSeen: at,
	}, st)

	rows := tr.rows(at.Add(90 * time.Second))
	var found bool
	for _, r := range rows {
		if r[0] == "account-status" {
			found = true
			assert.Equal(t, "2", r[1])
			assert.Equal(t, "1m", r[7])
		}
	}
	assert.True(t, found)
}

func TestModelUpdate(t *testing.T) {
	m := New("http://127.0.0.1:1", "")
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }

	next, cmd := m.Update(eventMsg(events.Event{
		ID: 5, Type: events.TopicWebhookAccepted, At: now,
		Data: json.RawMessage(`{"endpoint":"netbanx","jobId":"abc"}`),
	}))
	m = next.(Model)
	assert.NotNil(t, cmd)
	assert.Equal(t, int64(5), m.lastID)
	assert.True(t, m.connected)
	assert.Equal(t, 1, m.endpoints.Get("netbanx").Accepted)
	require.Len(t, m.feed, 1)
	assert.Equal(t, "netbanx accepted job=abc", m.feed[0].Line)

	next, _ = m.Update(schedulerMsg{Paused: true, Tasks: []scheduler.TaskStatus{
		{Name: "lease-recovery", Every: 5 * time.Second, Runs: 3, NextRun: now.Add(2 * time.Second)},
	}})
	m = next.(Model)
	assert.True(t, m.paused)
	require.Len(t, m.taskTable.Rows(), 1)
	assert.Equal(t, "2s", m.taskTable.Rows()[0][4])

	next, _ = m.Update(streamClosedMsg{lastID: 9})
	m = next.(Model)
	assert.False(t, m.connected)
	assert.Equal(t, int64(9), m.lastID)

	assert.Contains(t, m.View(), "PAYSINK WATCH")
	assert.Contains(t, m.View(), "scheduler paused")

	_, cmd = m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	require.NotNil(t, cmd)
	assert.IsType(t, tea.QuitMsg{}, cmd())
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "abc", truncate("abc", 5))
	assert.Equal(t, "ab…", truncate("abcdef", 3))
}

func TestPulseFades(t *testing.T) {
	var p pulse
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, 0, p.level(now))

	p.hit(now)
	assert.Equal(t, pulseWidth, p.level(now))
	assert.Equal(t, pulseWidth-2, p.level(now.Add(2*pulseStep)))
	assert.Equal(t, 0, p.level(now.Add(time.Minute)))

	// An older event does not rewind the bar.
	p.hit(now.Add(-time.Hour))
	assert.Equal(t, pulseWidth, p.level(now))
}

func TestPaletteTopicFallsBackToMuted(t *testing.T) {
	pal := newPalette()
	assert.Equal(t, pal.muted.Render("x"), pal.topic(events.TopicSchedulerTask).Render("x"))
	assert.Contains(t, pal.health(false, "ok"), "offline")
	assert.Contains(t, pal.health(true, "degraded"), "degraded")
}
