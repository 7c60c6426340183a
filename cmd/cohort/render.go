package main

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/cohortlabs/cohort/pkg/models"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	warnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	failStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	dimStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	boxStyle   = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("8")).
			Padding(0, 1)
)

// stateStyle picks the render style for a worker's terminal state.
func stateStyle(s models.WorkerState) lipgloss.Style {
	switch s {
	case models.WorkerStateCompleted:
		return okStyle
	case models.WorkerStateStalled, models.WorkerStateTimedOut:
		return warnStyle
	default:
		return failStyle
	}
}

// renderReport produces the end-of-run summary block.
func renderReport(r *models.RunReport) string {
	var b strings.Builder

	b.WriteString(titleStyle.Render(fmt.Sprintf("Run %s", r.RunID)))
	b.WriteString("\n")
	b.WriteString(dimStyle.Render(fmt.Sprintf("%s, %d tasks",
		r.FinishedAt.Sub(r.StartedAt).Round(10e6), len(r.Outcomes))))
	b.WriteString("\n\n")

	if r.Fatal != "" {
		b.WriteString(failStyle.Render("FATAL: " + r.Fatal))
		return boxStyle.Render(b.String())
	}
	if r.Cancelled {
		b.WriteString(warnStyle.Render("Run cancelled"))
		b.WriteString("\n\n")
	}

	for _, o := range r.Outcomes {
		mark := "✓"
		if o.State != models.WorkerStateCompleted {
			mark = "✗"
		}
		line := fmt.Sprintf("%s %-20s %-10s", mark, o.TaskID, o.State)
		if o.Merged {
			line += " merged"
		}
		if o.Error != "" {
			line += "  " + dimStyle.Render(o.Error)
		}
		b.WriteString(stateStyle(o.State).Render(line))
		b.WriteString("\n")
	}

	for _, d := range r.Decisions {
		b.WriteString("\n")
		if d.Resolved() {
			b.WriteString(okStyle.Render(fmt.Sprintf("decision %s: %s (%s, %d votes)",
				d.ID, *d.ResolvedValue, d.Policy, len(d.Votes))))
		} else {
			b.WriteString(warnStyle.Render(fmt.Sprintf("decision %s: unresolved (%s, %d votes)",
				d.ID, d.Policy, len(d.Votes))))
		}
	}

	for _, c := range r.Conflicts {
		b.WriteString("\n")
		b.WriteString(warnStyle.Render(fmt.Sprintf("conflict %s ↔ %s: %s",
			c.WorkspaceA, c.WorkspaceB, strings.Join(c.Paths, ", "))))
	}

	return boxStyle.Render(b.String())
}
