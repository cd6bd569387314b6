package watch

import (
	"strings"
	"time"
)

const (
	pulseWidth = 6
	pulseStep  = 2 * time.Second
)

// pulse is a bar that fills on each activity event and empties one cell per
// pulseStep. A full bar means traffic in the last couple of seconds.
type pulse struct {
	last time.Time
}

func (p *pulse) hit(at time.Time) {
	if at.After(p.last) {
		p.last = at
	}
}

// level is the number of lit cells at now.
func (p pulse) level(now time.Time) int {
	if p.last.IsZero() {
		return 0
	}
	n := pulseWidth - int(now.Sub(p.last)/pulseStep)
	return max(0, min(pulseWidth, n))
}

func (p pulse) render(pal palette, now time.Time) string {
	lit := p.level(now)
	return pal.lit.Render(strings.Repeat("▮", lit)) + pal.unlit.Render(strings.Repeat("▯", pulseWidth-lit))
}
