package main

import (
	"fmt"
	"strings"

	"autopilot/internal/session"

	"github.com/charmbracelet/lipgloss"
)

// Palette follows the dark theme of the interactive UI.
var (
	accent  = lipgloss.Color("#8BC34A") // Lime Green
	warning = lipgloss.Color("#F5A623")
	danger  = lipgloss.Color("#E5484D")
	muted   = lipgloss.Color("#7D8590")
	info    = lipgloss.Color("#4FA3E0")

	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(accent)
	dimStyle   = lipgloss.NewStyle().Foreground(muted)
	errorStyle = lipgloss.NewStyle().Bold(true).Foreground(danger)
	labelStyle = lipgloss.NewStyle().Foreground(muted).Width(12)
	boxStyle   = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(muted).
			Padding(0, 1)
)

func statusStyle(s session.Status) lipgloss.Style {
	base := lipgloss.NewStyle().Bold(true)
	switch s {
	case session.StatusRunning:
		return base.Foreground(info)
	case session.StatusPaused:
		return base.Foreground(warning)
	case session.StatusCompleted:
		return base.Foreground(accent)
	case session.StatusFailed:
		return base.Foreground(danger)
	default:
		return base.Foreground(muted)
	}
}

// progressBar draws completed/total as a fixed-width bar.
func progressBar(completed, total, width int) string {
	if width <= 0 {
		width = 20
	}
	filled := width
	if total > 0 {
		filled = completed * width / total
	}
	filled = max(0, min(filled, width))
	return lipgloss.NewStyle().Foreground(accent).Render(strings.Repeat("█", filled)) +
		dimStyle.Render(strings.Repeat("░", width-filled))
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// formatEvent renders one progress event as a single line.
func formatEvent(ev session.ProgressEvent) string {
	return fmt.Sprintf("%s %s %s %d/%d  %s",
		dimStyle.Render(fmt.Sprintf("#%-4d", ev.Seq)),
		statusStyle(ev.Status).Render(fmt.Sprintf("%-9s", ev.Status)),
		progressBar(ev.CompletedFeatures, ev.TotalFeatures, 20),
		ev.CompletedFeatures, ev.TotalFeatures,
		ev.Message)
}

// formatSession renders a session card.
func formatSession(s session.Session) string {
	rows := []string{
		titleStyle.Render("Session " + s.ID),
		labelStyle.Render("status") + statusStyle(s.Status).Render(string(s.Status)),
		labelStyle.Render("spec") + s.SpecReference,
		labelStyle.Render("progress") + fmt.Sprintf("%s %d/%d",
			progressBar(s.CompletedFeatures, s.TotalFeatures, 24), s.CompletedFeatures, s.TotalFeatures),
		labelStyle.Render("version") + fmt.Sprint(s.Version),
		labelStyle.Render("updated") + s.UpdatedAt.Format("2006-01-02 15:04:05"),
	}
	if len(s.Tags) > 0 {
		rows = append(rows, labelStyle.Render("tags")+strings.Join(s.Tags, ", "))
	}
	if s.LastError != "" {
		rows = append(rows, labelStyle.Render("last error")+errorStyle.Render(s.LastError))
	}
	if s.LastMessage != "" {
		rows = append(rows, labelStyle.Render("last reply")+dimStyle.Render(firstLine(s.LastMessage)))
	}
	return boxStyle.Render(lipgloss.JoinVertical(lipgloss.Left, rows...))
}

// formatSessionList renders one line per session.
func formatSessionList(list []session.Session) string {
	if len(list) == 0 {
		return dimStyle.Render("No sessions.")
	}
	var b strings.Builder
	for _, s := range list {
		fmt.Fprintf(&b, "%s  %s  %s %3d/%-3d  %s\n",
			shortID(s.ID),
			statusStyle(s.Status).Render(fmt.Sprintf("%-9s", s.Status)),
			progressBar(s.CompletedFeatures, s.TotalFeatures, 16),
			s.CompletedFeatures, s.TotalFeatures,
			s.SpecReference)
	}
	fmt.Fprint(&b, dimStyle.Render(fmt.Sprintf("Total: %d sessions", len(list))))
	return b.String()
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i] + " …"
	}
	return s
}
