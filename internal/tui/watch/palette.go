// Package watch is the terminal console behind `paysink system watch`. It
// follows the admin API's activity stream and polls health and scheduler state.
package watch

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/paysink/internal/events"
)

var (
	colGreen  = lipgloss.AdaptiveColor{Light: "#1A7F37", Dark: "#3FB950"}
	colAmber  = lipgloss.AdaptiveColor{Light: "#9A6700", Dark: "#D29922"}
	colRed    = lipgloss.AdaptiveColor{Light: "#CF222E", Dark: "#F85149"}
	colBlue   = lipgloss.AdaptiveColor{Light: "#0969DA", Dark: "#58A6FF"}
	colMuted  = lipgloss.AdaptiveColor{Light: "#6E7781", Dark: "#8B949E"}
	colFaint  = lipgloss.AdaptiveColor{Light: "#D0D7DE", Dark: "#30363D"}
	colHeader = lipgloss.AdaptiveColor{Light: "#24292F", Dark: "#F0F6FC"}
)

// palette maps console concepts to styles. Feed lines take the style of their
// topic; anything unlisted renders muted.
type palette struct {
	panel   lipgloss.Style
	heading lipgloss.Style
	muted   lipgloss.Style
	notice  lipgloss.Style
	alarm   lipgloss.Style
	lit     lipgloss.Style
	unlit   lipgloss.Style

	topics map[events.Topic]lipgloss.Style
}

func newPalette() palette {
	fg := func(c lipgloss.TerminalColor) lipgloss.Style { return lipgloss.NewStyle().Foreground(c) }
	good, warn, bad := fg(colGreen), fg(colAmber), fg(colRed)

	return palette{
		panel:   lipgloss.NewStyle().Border(lipgloss.NormalBorder()).BorderForeground(colFaint),
		heading: lipgloss.NewStyle().Bold(true).Foreground(colHeader).Background(colBlue).Padding(0, 1),
		muted:   fg(colMuted),
		notice:  warn.Bold(true),
		alarm:   bad,
		lit:     fg(colBlue),
		unlit:   fg(colFaint),
		topics: map[events.Topic]lipgloss.Style{
			events.TopicWebhookAccepted: good,
			events.TopicJobCompleted:    good.Bold(true),
			events.TopicJobDuplicate:    fg(colMuted).Italic(true),
			events.TopicJobRetry:        warn,
			events.TopicJobRecovered:    warn,
			events.TopicWebhookRejected: bad,
			events.TopicJobFailed:       bad.Bold(true),
			events.TopicSecretChanged:   fg(colBlue),
		},
	}
}

func (p palette) topic(t events.Topic) lipgloss.Style {
	if s, ok := p.topics[t]; ok {
		return s
	}
	return p.muted
}

// health renders the connection badge from the last /healthz answer.
func (p palette) health(connected bool, status string) string {
	switch {
	case !connected:
		return p.alarm.Render("▼ offline")
	case status == "ok":
		return p.topics[events.TopicWebhookAccepted].Render("▲ ok")
	case status != "":
		return p.notice.Render("◆ " + status)
	default:
		return p.muted.Render("… connecting")
	}
}
