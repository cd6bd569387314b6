package api

import (
	"fmt"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/mattjoyce/paysink/internal/events"
)

const (
	sseKeepAlive = 15 * time.Second
	sseRetryMS   = 3000
)

// handleActivity returns buffered activity newer than ?since=N, optionally
// narrowed with ?types=job.failed,webhook.rejected.
func (s *Server) handleActivity(w http.ResponseWriter, r *http.Request) {
	topics, err := parseTopics(r.URL.Query().Get("types"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	since := parseLastEventID(r.URL.Query().Get("since"))
	respondJSON(w, http.StatusOK, map[string]any{
		"events": s.hub.Snapshot(since, topics...),
		"lastId": s.hub.LastID(),
	})
}

// handleActivityStream serves the feed as Server-Sent Events. A reconnecting
// client sends Last-Event-ID and receives whatever the ring still holds after it.
func (s *Server) handleActivityStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	topics, err := parseTopics(r.URL.Query().Get("types"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	// Subscribe first; anything published while the backlog is written is
	// then in the channel and filtered by ID below.
	live, cancel := s.hub.Subscribe(topics...)
	defer cancel()

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	if _, err := fmt.Fprintf(w, "retry: %d\n\n", sseRetryMS); err != nil {
		return
	}

	cursor := parseLastEventID(r.Header.Get("Last-Event-ID"))
	for _, ev := range s.hub.Snapshot(cursor, topics...) {
		if writeSSE(w, ev) != nil {
			return
		}
		cursor = ev.ID
	}
	flusher.Flush()

	ping := time.NewTicker(sseKeepAlive)
	defer ping.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-live:
			if !ok {
				return
			}
			if ev.ID <= cursor {
				continue
			}
			if writeSSE(w, ev) != nil {
				return
			}
			cursor = ev.ID
		case <-ping.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
		}
		flusher.Flush()
	}
}

// parseTopics reads a comma-separated topic list. Empty means all topics.
func parseTopics(v string) ([]events.Topic, error) {
	if strings.TrimSpace(v) == "" {
		return nil, nil
	}
	known := events.AllTopics()
	var out []events.Topic
	for _, part := range strings.Split(v, ",") {
		t := events.Topic(strings.TrimSpace(part))
		if t == "" {
			continue
		}
		if !slices.Contains(known, t) {
			return nil, fmt.Errorf("unknown activity type %q", t)
		}
		out = append(out, t)
	}
	return out, nil
}

func parseLastEventID(v string) int64 {
	n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// writeSSE emits one frame. Data is the compact JSON payload, always one line.
func writeSSE(w http.ResponseWriter, ev events.Event) error {
	_, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.ID, ev.Type, ev.Data)
	return err
}
