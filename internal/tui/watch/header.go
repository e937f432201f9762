package watch

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
)

// HealthState tracks dispatcher health from /healthz polling.
type HealthState struct {
	Status        string
	UptimeSeconds int64
	LastError     string
	Connected     bool
	LastCheck     time.Time
}

func renderHeader(health HealthState, activity Activity, spin string, theme Theme, width int, now time.Time) string {
	innerWidth := width - 4

	statusText := theme.StatusOK.Render("HEALTHY")
	switch {
	case !health.Connected:
		statusText = theme.StatusQueued.Render("CONNECTING")
	case health.Status == "failed":
		statusText = theme.StatusFailed.Render("FAILED")
	}

	lastEvent := "never"
	if !activity.LastEvent().IsZero() {
		lastEvent = fmt.Sprintf("%s ago", now.Sub(activity.LastEvent()).Round(time.Second))
	}

	clock := theme.Dim.Render(now.Format("15:04:05"))
	title := fmt.Sprintf(" FARMDISPATCH WATCH %s", spin)
	pad := max(innerWidth-lipgloss.Width(title)-lipgloss.Width(clock)-4, 1)
	titleLine := title + strings.Repeat(" ", pad) + clock + " "

	statsLine := fmt.Sprintf(" %s  up %s", statusText,
		formatDuration(time.Duration(health.UptimeSeconds)*time.Second))
	activityLine := fmt.Sprintf(" Last event: %s %s", lastEvent, activity.Render(theme))

	lines := []string{titleLine, statsLine, activityLine}
	if health.LastError != "" {
		lines = append(lines, theme.StatusFailed.Render(" "+health.LastError))
	}
	return theme.Border.Width(innerWidth).Render(lipgloss.JoinVertical(lipgloss.Left, lines...))
}

func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
}
