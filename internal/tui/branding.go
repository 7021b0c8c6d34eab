package tui

import (
	"fmt"
	"io"

	"github.com/charmbracelet/lipgloss"
)

// AppName is the binary name shown in the banner.
const AppName = "marks"

var LogoLines = []string{
	"▄▄▄▄▄▄▄   ▄▄▄▄  ▄▄▄▄▄  ▄▄  ▄▄ ▄▄▄▄▄",
	"██ ██ ██ ██  ██ ██  ██ ██ ██  ██▀▀▀",
	"██ ██ ██ ██▀▀██ ██▀▀█▄ ████▄  ▀▀▀██",
	"██ ██ ██ ██  ██ ██  ██ ██  ██ ▄▄▄██",
}

var BannerColors = []lipgloss.Color{
	lipgloss.Color("#FF6B6B"),
	lipgloss.Color("#FFA86B"),
	lipgloss.Color("#95E1D3"),
	lipgloss.Color("#4ECDC4"),
}

var (
	PrimaryColor   = lipgloss.Color("#FF6B6B")
	SecondaryColor = lipgloss.Color("#4ECDC4")
	AccentColor    = lipgloss.Color("#95E1D3")

	BackgroundColor = lipgloss.Color("#1A1A2E")
	SurfaceColor    = lipgloss.Color("#16213E")
	TextColor       = lipgloss.Color("#EAEAEA")
	MutedColor      = lipgloss.Color("#94A3B8")

	PendingColor = lipgloss.Color("#FFE66D")
	RunningColor = lipgloss.Color("#4ECDC4")
	ErrorColor   = lipgloss.Color("#EF4444")
	SuccessColor = lipgloss.Color("#10B981")
)

var (
	LogoStyle = lipgloss.NewStyle().
			Foreground(PrimaryColor).
			Bold(true)

	TitleStyle = lipgloss.NewStyle().
			Foreground(TextColor).
			Background(SurfaceColor).
			Bold(true).
			Padding(0, 2)

	HeaderStyle = lipgloss.NewStyle().
			Foreground(SecondaryColor).
			Bold(true)

	StatusBarStyle = lipgloss.NewStyle().
			Foreground(MutedColor).
			Padding(0, 1)

	HelpStyle = lipgloss.NewStyle().
			Foreground(MutedColor).
			Italic(true)

	TimeStyle = lipgloss.NewStyle().
			Foreground(MutedColor).
			Faint(true)

	ErrorMessageStyle = lipgloss.NewStyle().
				Foreground(ErrorColor).
				Bold(true)

	SuccessMessageStyle = lipgloss.NewStyle().
				Foreground(SuccessColor)

	LabelStyle = lipgloss.NewStyle().
			Foreground(MutedColor).
			Width(14)

	StatBoxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(MutedColor).
			Padding(0, 2).
			Align(lipgloss.Center)
)

// ShowBanner writes the logo and version tagline to w.
func ShowBanner(w io.Writer, version string) {
	lines := make([]string, 0, len(LogoLines)+2)
	lines = append(lines, LogoLines...)
	lines = append(lines, "")

	tagline := "    bookmark content pipeline"
	if version != "" && version != "dev" {
		if version[0] != 'v' && version[0] != 'V' {
			version = "v" + version
		}
		tagline += " " + version
	}
	lines = append(lines, tagline)

	colored := make([]string, 0, len(lines))
	for i, line := range lines {
		if line == "" {
			colored = append(colored, line)
			continue
		}
		style := lipgloss.NewStyle().
			Foreground(BannerColors[i%len(BannerColors)]).
			Bold(i < len(LogoLines))
		colored = append(colored, style.Render(line))
	}

	border := lipgloss.NewStyle().
		Border(lipgloss.DoubleBorder()).
		BorderForeground(SecondaryColor).
		Padding(1, 3).
		MarginTop(1)

	fmt.Fprintln(w, border.Render(lipgloss.JoinVertical(lipgloss.Center, colored...)))
}
