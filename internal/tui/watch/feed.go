package watch

import (
	"fmt"
	"strings"

	"github.com/mattjoyce/paysink/internal/events"
)

const maxFeed = 200

type feedEntry struct {
	Event events.Event
	Line  string
}

func describe(ev events.Event) string {
	d := decodeActivity(ev.Data)
	switch ev.Type {
	case events.TopicWebhookAccepted:
		if d.Unsigned {
			return fmt.Sprintf("%s accepted unsigned job=%s", d.Endpoint, short(d.JobID))
		}
		return fmt.Sprintf("%s accepted job=%s", d.Endpoint, short(d.JobID))
	case events.TopicWebhookRejected:
		return fmt.Sprintf("%s rejected: %s", d.Endpoint, d.Reason)
	case events.TopicJobCompleted:
		return fmt.Sprintf("%s stored %s", d.Endpoint, d.EventID)
	case events.TopicJobDuplicate:
		return fmt.Sprintf("%s duplicate %s", d.Endpoint, d.EventID)
	case events.TopicJobRetry, events.TopicJobFailed:
		return fmt.Sprintf("%s job=%s: %s", d.Endpoint, short(d.JobID), d.Error)
	case events.TopicJobRecovered:
		return fmt.Sprintf("%s job=%s -> %s", d.Endpoint, short(d.JobID), d.Status)
	case events.TopicSchedulerTask:
		if d.Error != "" {
			return fmt.Sprintf("%s %s: %s", d.Task, d.Status, d.Error)
		}
		return fmt.Sprintf("%s %s", d.Task, d.Status)
	case events.TopicSecretChanged:
		return fmt.Sprintf("%s secret changed", d.Endpoint)
	default:
		return string(ev.Data)
	}
}

func short(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func (m *Model) appendFeed(ev events.Event) {
	m.feed = append(m.feed, feedEntry{Event: ev, Line: describe(ev)})
	if len(m.feed) > maxFeed {
		m.feed = m.feed[len(m.feed)-maxFeed:]
	}
}

func (m Model) renderFeed(height int) string {
	if height < 1 {
		height = 1
	}
	start := 0
	if len(m.feed) > height {
		start = len(m.feed) - height
	}

	var b strings.Builder
	for _, e := range m.feed[start:] {
		fmt.Fprintf(&b, "%s %s %s\n",
			m.pal.muted.Render(e.Event.At.Local().Format("15:04:05")),
			m.pal.topic(e.Event.Type).Render(fmt.Sprintf("%-18s", e.Event.Type)),
			e.Line,
		)
	}
	if len(m.feed) == 0 {
		b.WriteString(m.pal.muted.Render("waiting for activity...") + "\n")
	}
	return strings.TrimRight(b.String(), "\n")
}
