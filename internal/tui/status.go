package tui

import (
	"fmt"
	"strings"

	"github.com/pders01/marks/internal/jobs"
)

// StatusKind indicates severity of the footer message.
type StatusKind int

const (
	StatusInfo StatusKind = iota
	StatusSuccess
	StatusWarn
	StatusError
)

const (
	MsgRefreshing = "Refreshing…"
	MsgNoJobs     = "No jobs"
)

// statusOrder is the display order of job states.
var statusOrder = []jobs.JobStatus{
	jobs.StatusPending,
	jobs.StatusRunning,
	jobs.StatusCompleted,
	jobs.StatusFailed,
}

func MsgJobsCount(n int) string {
	if n == 1 {
		return "1 job"
	}
	return fmt.Sprintf("%d jobs", n)
}

// MsgStatsSummary renders counts like "pending 3 • running 1 • failed 2",
// leaving out empty states.
func MsgStatsSummary(stats map[jobs.JobStatus]int) string {
	var parts []string
	for _, s := range statusOrder {
		if n := stats[s]; n > 0 {
			parts = append(parts, fmt.Sprintf("%s %d", s, n))
		}
	}
	if len(parts) == 0 {
		return MsgNoJobs
	}
	return strings.Join(parts, " • ")
}

func statusStyleFor(kind StatusKind) func(...string) string {
	switch kind {
	case StatusSuccess:
		return SuccessMessageStyle.Render
	case StatusWarn:
		return HelpStyle.Foreground(PendingColor).Render
	case StatusError:
		return ErrorMessageStyle.Render
	}
	return StatusBarStyle.Render
}
