// Package tui renders the job queue dashboard.
package tui

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/pders01/marks/internal/jobs"
)

// JobSource is the read side of the job store the dashboard polls.
type JobSource interface {
	Stats(ctx context.Context) (map[jobs.JobStatus]int, error)
	Recent(ctx context.Context, limit int) ([]*jobs.Job, error)
}

const recentLimit = 200

type snapshotMsg struct {
	stats  map[jobs.JobStatus]int
	recent []*jobs.Job
	at     time.Time
}

type errorMsg struct{ err error }

type tickMsg time.Time

// Dashboard is a bubbletea model showing queue counts and recent jobs.
type Dashboard struct {
	source   JobSource
	interval time.Duration
	now      func() time.Time

	keys    keyMap
	help    help.Model
	table   table.Model
	spinner spinner.Model

	cols    []table.Column
	stats   map[jobs.JobStatus]int
	recent  []*jobs.Job
	filter  int // index into statusOrder, -1 for all
	paused  bool
	loading bool

	status     string
	statusKind StatusKind
	lastUpdate time.Time

	width  int
	height int
}

// NewDashboard polls source every interval.
func NewDashboard(source JobSource, interval time.Duration) *Dashboard {
	if interval <= 0 {
		interval = time.Second
	}
	cols := columns(80)
	t := table.New(
		table.WithColumns(cols),
		table.WithFocused(true),
	)
	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(MutedColor).
		BorderBottom(true).
		Bold(true)
	s.Selected = s.Selected.
		Foreground(BackgroundColor).
		Background(AccentColor).
		Bold(true)
	t.SetStyles(s)

	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(PrimaryColor)

	return &Dashboard{
		source:   source,
		interval: interval,
		now:      time.Now,
		keys:     defaultKeyMap(),
		help:     help.New(),
		table:    t,
		cols:     cols,
		spinner:  sp,
		stats:    map[jobs.JobStatus]int{},
		filter:   -1,
		loading:  true,
		status:   MsgRefreshing,
	}
}

func columns(width int) []table.Column {
	errWidth := width - 22 - 10 - 16 - 8 - 10
	if errWidth < 10 {
		errWidth = 10
	}
	return []table.Column{
		{Title: "ID", Width: 22},
		{Title: "Status", Width: 10},
		{Title: "Type", Width: 16},
		{Title: "Tries", Width: 8},
		{Title: "Updated", Width: 10},
		{Title: "Last error", Width: errWidth},
	}
}

func (d *Dashboard) Init() tea.Cmd {
	return tea.Batch(d.spinner.Tick, d.refresh(), d.tick())
}

func (d *Dashboard) refresh() tea.Cmd {
	return func() tea.Msg {
		ctx := context.Background()
		stats, err := d.source.Stats(ctx)
		if err != nil {
			return errorMsg{err: fmt.Errorf("loading stats: %w", err)}
		}
		recent, err := d.source.Recent(ctx, recentLimit)
		if err != nil {
			return errorMsg{err: fmt.Errorf("loading jobs: %w", err)}
		}
		return snapshotMsg{stats: stats, recent: recent, at: d.now()}
	}
}

func (d *Dashboard) tick() tea.Cmd {
	return tea.Tick(d.interval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (d *Dashboard) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		d.width = msg.Width
		d.height = msg.Height
		d.cols = columns(msg.Width)
		d.table.SetColumns(d.cols)
		h := msg.Height - 10
		if h < 3 {
			h = 3
		}
		d.table.SetHeight(h)
		d.help.Width = msg.Width
		return d, nil

	case tea.KeyMsg:
		switch {
		case key.Matches(msg, d.keys.Quit):
			return d, tea.Quit
		case key.Matches(msg, d.keys.Refresh):
			d.loading = true
			d.setStatus(MsgRefreshing, StatusInfo)
			return d, d.refresh()
		case key.Matches(msg, d.keys.Filter):
			d.filter++
			if d.filter >= len(statusOrder) {
				d.filter = -1
			}
			d.rebuildRows()
			return d, nil
		case key.Matches(msg, d.keys.Pause):
			d.paused = !d.paused
			if d.paused {
				d.setStatus("Paused", StatusWarn)
			} else {
				d.setStatus("Resumed", StatusInfo)
			}
			return d, nil
		}
		var cmd tea.Cmd
		d.table, cmd = d.table.Update(msg)
		return d, cmd

	case tickMsg:
		if d.paused {
			return d, d.tick()
		}
		return d, tea.Batch(d.refresh(), d.tick())

	case snapshotMsg:
		d.loading = false
		d.stats = msg.stats
		d.recent = msg.recent
		d.lastUpdate = msg.at
		d.rebuildRows()
		if !d.paused {
			d.setStatus(MsgStatsSummary(d.stats), StatusInfo)
		}
		if d.stats[jobs.StatusFailed] > 0 && !d.paused {
			d.statusKind = StatusWarn
		}
		return d, nil

	case errorMsg:
		d.loading = false
		d.setStatus(msg.err.Error(), StatusError)
		return d, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		d.spinner, cmd = d.spinner.Update(msg)
		return d, cmd
	}
	return d, nil
}

func (d *Dashboard) setStatus(text string, kind StatusKind) {
	d.status = text
	d.statusKind = kind
}

// visible returns the recent jobs passing the current filter.
func (d *Dashboard) visible() []*jobs.Job {
	if d.filter < 0 {
		return d.recent
	}
	want := statusOrder[d.filter]
	out := make([]*jobs.Job, 0, len(d.recent))
	for _, j := range d.recent {
		if j.Status == want {
			out = append(out, j)
		}
	}
	return out
}

func (d *Dashboard) filterName() string {
	if d.filter < 0 {
		return "all"
	}
	return string(statusOrder[d.filter])
}

func (d *Dashboard) rebuildRows() {
	now := d.now()
	errWidth := d.cols[len(d.cols)-1].Width
	rows := make([]table.Row, 0, len(d.recent))
	for _, j := range d.visible() {
		rows = append(rows, table.Row{
			truncateMiddle(j.ID, 22),
			string(j.Status),
			truncateEnd(j.Type, 16),
			fmt.Sprintf("%d/%d", j.Attempt, j.MaxAttempts),
			relativeTime(j.UpdatedAt, now),
			truncateEnd(j.LastError, errWidth),
		})
	}
	d.table.SetRows(rows)
	if d.table.Cursor() >= len(rows) {
		d.table.SetCursor(0)
	}
}

func (d *Dashboard) View() string {
	width := d.width
	if width == 0 {
		width = 80
	}

	subtitle := fmt.Sprintf("filter: %s • %s", d.filterName(), MsgJobsCount(len(d.visible())))
	if !d.lastUpdate.IsZero() {
		subtitle += " • updated " + d.lastUpdate.Format("15:04:05")
	}

	status := statusStyleFor(d.statusKind)(truncateEnd(d.status, width-4))
	if d.loading {
		status = d.spinner.View() + " " + status
	}

	return lipgloss.JoinVertical(lipgloss.Left,
		renderHeader(AppName+" › queue", subtitle, width),
		renderStatBoxes(d.stats),
		d.table.View(),
		status,
		d.help.View(d.keys),
	)
}

// Run starts the interactive dashboard and blocks until it quits.
func Run(source JobSource, interval time.Duration) error {
	_, err := tea.NewProgram(NewDashboard(source, interval), tea.WithAltScreen()).Run()
	return err
}
