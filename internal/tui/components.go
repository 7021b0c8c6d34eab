package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/pders01/marks/internal/jobs"
)

// renderHeader returns a styled header with an optional muted subtitle.
func renderHeader(title, subtitle string, width int) string {
	title = truncateEnd(title, width-2)
	subtitle = truncateEnd(subtitle, width-2)
	rows := []string{HeaderStyle.Render(title)}
	if subtitle != "" {
		rows = append(rows, renderMuted(subtitle))
	}
	return lipgloss.JoinVertical(lipgloss.Top, rows...)
}

func renderMuted(text string) string {
	return lipgloss.NewStyle().Foreground(MutedColor).Render(text)
}

func colorFor(s jobs.JobStatus) lipgloss.Color {
	switch s {
	case jobs.StatusPending:
		return PendingColor
	case jobs.StatusRunning:
		return RunningColor
	case jobs.StatusCompleted:
		return SuccessColor
	case jobs.StatusFailed:
		return ErrorColor
	}
	return MutedColor
}

// renderStatBoxes draws one bordered count box per job state.
func renderStatBoxes(stats map[jobs.JobStatus]int) string {
	boxes := make([]string, 0, len(statusOrder))
	for _, s := range statusOrder {
		count := lipgloss.NewStyle().Foreground(colorFor(s)).Bold(true).Render(fmt.Sprintf("%d", stats[s]))
		boxes = append(boxes, StatBoxStyle.Render(lipgloss.JoinVertical(lipgloss.Center, count, renderMuted(string(s)))))
	}
	return lipgloss.JoinHorizontal(lipgloss.Top, boxes...)
}

// RenderSummary renders a static queue report, used when the dashboard is
// not interactive.
func RenderSummary(stats map[jobs.JobStatus]int, recent []*jobs.Job, now time.Time) string {
	var b strings.Builder
	b.WriteString(renderStatBoxes(stats))
	b.WriteString("\n")
	if len(recent) == 0 {
		b.WriteString(renderMuted(MsgNoJobs))
		b.WriteString("\n")
		return b.String()
	}
	for _, j := range recent {
		status := lipgloss.NewStyle().Foreground(colorFor(j.Status)).Width(10).Render(string(j.Status))
		line := fmt.Sprintf("%s %s %-16s %s %s",
			TimeStyle.Render(fmt.Sprintf("%-8s", relativeTime(j.UpdatedAt, now))),
			status,
			truncateEnd(j.Type, 16),
			renderMuted(fmt.Sprintf("%d/%d", j.Attempt, j.MaxAttempts)),
			truncateEnd(j.LastError, 60),
		)
		b.WriteString(strings.TrimRight(line, " "))
		b.WriteString("\n")
	}
	return b.String()
}
