package watch

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/radar/internal/events"
)

func renderEventStream(eventLog []events.Event, theme Theme, width int) string {
	innerWidth := width - 4

	if len(eventLog) == 0 {
		content := lipgloss.JoinVertical(lipgloss.Left,
			theme.Title.Render("EVENT STREAM"),
			theme.Dim.Render("  Waiting for events..."),
		)
		return theme.Border.Width(innerWidth).Render(content)
	}

	var lines []string
	for i, e := range eventLog {
		if i >= 10 {
			break
		}
		lines = append(lines, formatEvent(e, theme))
	}

	content := lipgloss.JoinVertical(lipgloss.Left,
		theme.Title.Render("EVENT STREAM"),
		lipgloss.NewStyle().Padding(0, 1).Render(strings.Join(lines, "\n")),
	)
	return theme.Border.Width(innerWidth).Render(content)
}

func formatEvent(e events.Event, theme Theme) string {
	ts := theme.Dim.Render(e.At.Format("15:04:05"))

	var typeStyle lipgloss.Style
	switch e.Type {
	case events.JobCompleted:
		typeStyle = theme.StatusOK
	case events.JobFailed:
		typeStyle = theme.StatusFailed
	case events.JobPulled:
		typeStyle = theme.StatusRunning
	case events.ShareEmitted:
		typeStyle = theme.Highlight
	default:
		typeStyle = theme.Dim
	}

	return fmt.Sprintf("%s %s %s", ts, typeStyle.Render(fmt.Sprintf("%-16s", e.Type)), describeEvent(e))
}

// describeEvent is a one-line summary of an event's payload.
func describeEvent(e events.Event) string {
	data := make(map[string]any)
	_ = json.Unmarshal(e.Data, &data)

	var parts []string
	if jobID, ok := data["job_id"].(string); ok {
		parts = append(parts, fmt.Sprintf("[%s]", truncateID(jobID)))
	}
	if campaign, ok := data["campaign_id"].(string); ok && campaign != "" {
		seq, _ := data["sequence"].(float64)
		parts = append(parts, fmt.Sprintf("%s#%d", truncateID(campaign), int(seq)))
	}
	if worker, ok := data["worker"].(string); ok && worker != "" {
		parts = append(parts, worker)
	}
	if failed, ok := data["failed"].(bool); ok && failed {
		parts = append(parts, "failed")
	}
	if line, ok := data["line"].(string); ok {
		parts = append(parts, truncate(line, 60))
	} else if cmd, ok := data["command"].(string); ok {
		parts = append(parts, truncate(cmd, 40))
	}
	if errText, ok := data["error"].(string); ok {
		parts = append(parts, errText)
	}

	if len(parts) == 0 {
		return truncate(string(e.Data), 60)
	}
	return strings.Join(parts, " ")
}

func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
