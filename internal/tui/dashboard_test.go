package tui

import (
	"context"
	"errors"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/require"

	"github.com/pders01/marks/internal/jobs"
)

type fakeSource struct {
	stats  map[jobs.JobStatus]int
	recent []*jobs.Job
	err    error
}

func (f *fakeSource) Stats(context.Context) (map[jobs.JobStatus]int, error) {
	return f.stats, f.err
}

func (f *fakeSource) Recent(context.Context, int) ([]*jobs.Job, error) {
	return f.recent, f.err
}

var testNow = time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

func job(id string, status jobs.JobStatus, typ, lastErr string) *jobs.Job {
	return &jobs.Job{
		JobSpec:   jobs.JobSpec{Type: typ, MaxAttempts: 5},
		ID:        id,
		Attempt:   1,
		Status:    status,
		LastError: lastErr,
		UpdatedAt: testNow.Add(-2 * time.Minute),
	}
}

func newTestDashboard(src JobSource) *Dashboard {
	d := NewDashboard(src, time.Second)
	d.now = func() time.Time { return testNow }
	d.Update(tea.WindowSizeMsg{Width: 120, Height: 40})
	return d
}

func loaded(t *testing.T, d *Dashboard) {
	t.Helper()
	msg := d.refresh()()
	_, ok := msg.(snapshotMsg)
	require.True(t, ok, "expected snapshot, got %T", msg)
	d.Update(msg)
}

func TestDashboard_Snapshot(t *testing.T) {
	src := &fakeSource{
		stats: map[jobs.JobStatus]int{jobs.StatusPending: 1, jobs.StatusFailed: 1},
		recent: []*jobs.Job{
			job("job-1", jobs.StatusPending, "fetch_content", ""),
			job("job-2", jobs.StatusFailed, "index_bookmark", "index locked"),
		},
	}
	d := newTestDashboard(src)
	loaded(t, d)

	require.False(t, d.loading)
	require.Len(t, d.table.Rows(), 2)
	require.Equal(t, "pending 1 • failed 1", d.status)
	require.Equal(t, StatusWarn, d.statusKind)

	view := d.View()
	require.Contains(t, view, "marks › queue")
	require.Contains(t, view, "fetch_content")
	require.Contains(t, view, "index locked")
	require.Contains(t, view, "2m ago")
}

func TestDashboard_FilterCycles(t *testing.T) {
	src := &fakeSource{
		stats: map[jobs.JobStatus]int{jobs.StatusPending: 2, jobs.StatusFailed: 1},
		recent: []*jobs.Job{
			job("a", jobs.StatusPending, "fetch_content", ""),
			job("b", jobs.StatusPending, "fetch_content", ""),
			job("c", jobs.StatusFailed, "index_bookmark", "boom"),
		},
	}
	d := newTestDashboard(src)
	loaded(t, d)

	filter := tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("f")}

	d.Update(filter)
	require.Equal(t, "pending", d.filterName())
	require.Len(t, d.table.Rows(), 2)

	d.Update(filter) // running
	require.Empty(t, d.table.Rows())

	d.Update(filter) // completed
	d.Update(filter) // failed
	require.Equal(t, "failed", d.filterName())
	require.Len(t, d.table.Rows(), 1)

	d.Update(filter)
	require.Equal(t, "all", d.filterName())
	require.Len(t, d.table.Rows(), 3)
}

func TestDashboard_PauseSkipsRefresh(t *testing.T) {
	d := newTestDashboard(&fakeSource{stats: map[jobs.JobStatus]int{}})

	d.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("p")})
	require.True(t, d.paused)
	require.Equal(t, StatusWarn, d.statusKind)

	_, cmd := d.Update(tickMsg(testNow))
	require.NotNil(t, cmd)

	d.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("p")})
	require.False(t, d.paused)
}

func TestDashboard_Error(t *testing.T) {
	d := newTestDashboard(&fakeSource{err: errors.New("database locked")})
	d.Update(d.refresh()())

	require.Equal(t, StatusError, d.statusKind)
	require.Contains(t, d.status, "database locked")
	require.Contains(t, d.View(), "database locked")
}

func TestDashboard_Quit(t *testing.T) {
	d := newTestDashboard(&fakeSource{})
	_, cmd := d.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	require.NotNil(t, cmd)
	_, ok := cmd().(tea.QuitMsg)
	require.True(t, ok)
}

func TestRenderSummary(t *testing.T) {
	out := RenderSummary(map[jobs.JobStatus]int{jobs.StatusCompleted: 4}, nil, testNow)
	require.Contains(t, out, "completed")
	require.Contains(t, out, MsgNoJobs)

	out = RenderSummary(map[jobs.JobStatus]int{jobs.StatusFailed: 1},
		[]*jobs.Job{job("x", jobs.StatusFailed, "poll_feed", "HTTP error: 404")}, testNow)
	require.Contains(t, out, "poll_feed")
	require.Contains(t, out, "1/5")
	require.Contains(t, out, "HTTP error: 404")
}

func TestTextUtil(t *testing.T) {
	require.Equal(t, "hello", truncateEnd("hello", 5))
	require.Equal(t, "hel…", truncateEnd("hello", 4))
	require.Equal(t, "", truncateEnd("hello", 0))
	require.Equal(t, "ab…yz", truncateMiddle("abcdefwxyz", 5))
	require.Equal(t, "…", truncateMiddle("abc", 1))

	require.Equal(t, "-", relativeTime(time.Time{}, testNow))
	require.Equal(t, "now", relativeTime(testNow, testNow))
	require.Equal(t, "30s ago", relativeTime(testNow.Add(-30*time.Second), testNow))
	require.Equal(t, "3h ago", relativeTime(testNow.Add(-3*time.Hour), testNow))
	require.Equal(t, "in 1m", relativeTime(testNow.Add(time.Minute), testNow))
	require.Equal(t, "2d ago", relativeTime(testNow.Add(-49*time.Hour), testNow))
}

func TestMsgStatsSummary(t *testing.T) {
	require.Equal(t, MsgNoJobs, MsgStatsSummary(nil))
	require.Equal(t, "running 2 • completed 1", MsgStatsSummary(map[jobs.JobStatus]int{
		jobs.StatusCompleted: 1, jobs.StatusRunning: 2,
	}))
	require.Equal(t, "1 job", MsgJobsCount(1))
	require.Equal(t, "3 jobs", MsgJobsCount(3))
}
