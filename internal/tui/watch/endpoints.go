package watch

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/table"

	"github.com/mattjoyce/paysink/internal/endpoint"
	"github.com/mattjoyce/paysink/internal/events"
)

// EndpointStats counts what the activity stream reported for one webhook endpoint.
type EndpointStats struct {
	Accepted  int
	Rejected  int
	Completed int
	Duplicate int
	Retried   int
	Failed    int
	LastSeen  time.Time
}

// activityData is the union of the payload fields published on the hub.
type activityData struct {
	Endpoint string `json:"endpoint"`
	Reason   string `json:"reason"`
	JobID    string `json:"jobId"`
	EventID  string `json:"eventId"`
	Error    string `json:"error"`
	Task     string `json:"task"`
	Status   string `json:"status"`
	Unsigned bool   `json:"unsigned"`
}

func decodeActivity(raw json.RawMessage) activityData {
	var d activityData
	_ = json.Unmarshal(raw, &d)
	return d
}

// EndpointTracker keeps per-endpoint counters in a stable order.
type EndpointTracker struct {
	stats map[string]*EndpointStats
}

func NewEndpointTracker() *EndpointTracker {
	t := &EndpointTracker{stats: make(map[string]*EndpointStats)}
	for _, name := range endpoint.All() {
		t.stats[string(name)] = &EndpointStats{}
	}
	return t
}

// Apply folds one activity event into the counters. Events without an
// endpoint are ignored.
func (t *EndpointTracker) Apply(ev events.Event) {
	d := decodeActivity(ev.Data)
	if d.Endpoint == "" {
		return
	}
	st, ok := t.stats[d.Endpoint]
	if !ok {
		st = &EndpointStats{}
		t.stats[d.Endpoint] = st
	}
	switch ev.Type {
	case events.TopicWebhookAccepted:
		st.Accepted++
	case events.TopicWebhookRejected:
		st.Rejected++
	case events.TopicJobCompleted:
		st.Completed++
	case events.TopicJobDuplicate:
		st.Duplicate++
	case events.TopicJobRetry:
		st.Retried++
	case events.TopicJobFailed:
		st.Failed++
	default:
		return
	}
	st.LastSeen = ev.At
}

func (t *EndpointTracker) Get(name string) EndpointStats {
	if st, ok := t.stats[name]; ok {
		return *st
	}
	return EndpointStats{}
}

func (t *EndpointTracker) rows(now time.Time) []table.Row {
	rows := make([]table.Row, 0, len(t.stats))
	for _, name := range endpoint.All() {
		st := t.stats[string(name)]
		last := "-"
		if !st.LastSeen.IsZero() {
			last = formatAge(now.Sub(st.LastSeen))
		}
		rows = append(rows, table.Row{
			string(name),
			fmt.Sprint(st.Accepted),
			fmt.Sprint(st.Completed),
			fmt.Sprint(st.Duplicate),
			fmt.Sprint(st.Retried),
			fmt.Sprint(st.Failed),
			fmt.Sprint(st.Rejected),
			last,
		})
	}
	return rows
}

func newEndpointTable() table.Model {
	return newTable([]table.Column{
		{Title: "ENDPOINT", Width: 20},
		{Title: "IN", Width: 6},
		{Title: "DONE", Width: 6},
		{Title: "DUP", Width: 5},
		{Title: "RETRY", Width: 6},
		{Title: "FAIL", Width: 5},
		{Title: "REJ", Width: 5},
		{Title: "LAST", Width: 8},
	}, len(endpoint.All()))
}

func newTable(cols []table.Column, height int) table.Model {
	t := table.New(
		table.WithColumns(cols),
		table.WithHeight(height),
	)
	s := table.DefaultStyles()
	s.Header = s.Header.Bold(true)
	s.Selected = s.Selected.Bold(false)
	t.SetStyles(s)
	return t
}

func formatAge(d time.Duration) string {
	switch {
	case d < time.Second:
		return "now"
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	default:
		return fmt.Sprintf("%dh", int(d.Hours()))
	}
}
