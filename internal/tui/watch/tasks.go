package watch

import (
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/table"

	"github.com/mattjoyce/paysink/internal/scheduler"
)

func newTaskTable() table.Model {
	t := newTable([]table.Column{
		{Title: "TASK", Width: 20},
		{Title: "EVERY", Width: 8},
		{Title: "RUNS", Width: 6},
		{Title: "FAIL", Width: 5},
		{Title: "NEXT", Width: 8},
		{Title: "LAST ERROR", Width: 30},
	}, 4)
	t.Focus()
	return t
}

func taskRows(tasks []scheduler.TaskStatus, now time.Time) []table.Row {
	rows := make([]table.Row, 0, len(tasks))
	for _, ts := range tasks {
		next := "due"
		if ts.NextRun.After(now) {
			next = formatAge(ts.NextRun.Sub(now))
		}
		rows = append(rows, table.Row{
			ts.Name,
			ts.Every.String(),
			fmt.Sprint(ts.Runs),
			fmt.Sprint(ts.Failures),
			next,
			truncate(ts.LastError, 30),
		})
	}
	return rows
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	if n <= 1 {
		return string(r[:n])
	}
	return string(r[:n-1]) + "…"
}
