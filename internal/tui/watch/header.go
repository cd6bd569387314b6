package watch

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

func (m Model) renderHeader() string {
	parts := []string{
		m.pal.heading.Render("PAYSINK WATCH"),
		m.spin.View(),
		m.pal.health(m.connected, m.health.Status),
		fmt.Sprintf("queue %d", m.health.QueueDepth),
	}
	if m.health.UptimeSeconds > 0 {
		parts = append(parts, "up "+(time.Duration(m.health.UptimeSeconds)*time.Second).String())
	}
	if m.paused {
		parts = append(parts, m.pal.notice.Render("scheduler paused"))
	}
	parts = append(parts, m.pulse.render(m.pal, m.now()))

	lines := []string{strings.Join(parts, "  ")}
	if failing := failingChecks(m.health.Checks); len(failing) > 0 {
		lines = append(lines, m.pal.alarm.Render("checks failing: "+strings.Join(failing, ", ")))
	}
	if m.lastErr != nil {
		lines = append(lines, m.pal.alarm.Render("error: "+m.lastErr.Error()))
	}
	return strings.Join(lines, "\n")
}

func failingChecks(checks map[string]string) []string {
	var out []string
	for name, status := range checks {
		if status != "ok" {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}
