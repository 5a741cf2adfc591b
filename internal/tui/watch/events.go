package watch

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/agentrelay/internal/events"
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
	case events.TaskCompleted, events.BatchFinished:
		typeStyle = theme.StatusOK
		if failed(e) {
			typeStyle = theme.StatusFailed
		}
	case events.TaskCreated, events.BatchStarted:
		typeStyle = theme.StatusRunning
	case events.TaskLog:
		typeStyle = theme.Dim
	default:
		typeStyle = theme.Highlight
	}

	typeName := typeStyle.Render(fmt.Sprintf("%-16s", e.Type))
	return fmt.Sprintf("%s %s %s", ts, typeName, extractEventDesc(e))
}

func failed(e events.Event) bool {
	var probe struct {
		Done    bool `json:"done"`
		Success bool `json:"success"`
		Summary *struct {
			Failed int `json:"failed"`
		} `json:"summary"`
	}
	if json.Unmarshal(e.Data, &probe) != nil {
		return false
	}
	if probe.Summary != nil {
		return probe.Summary.Failed > 0
	}
	return probe.Done && !probe.Success
}

func extractEventDesc(e events.Event) string {
	data := make(map[string]any)
	_ = json.Unmarshal(e.Data, &data)

	var parts []string
	if id := e.TaskID; id != "" {
		if len(id) > 8 {
			id = id[:8]
		}
		parts = append(parts, fmt.Sprintf("[%s]", id))
	}
	if agent, ok := data["agent_id"].(string); ok && agent != "" {
		parts = append(parts, agent)
	}
	if prov, ok := data["resolved_provider"].(string); ok && prov != "" {
		parts = append(parts, prov)
	}
	if msg, ok := data["message"].(string); ok {
		parts = append(parts, truncate(msg, 60))
	}
	if size, ok := data["size"].(float64); ok {
		parts = append(parts, fmt.Sprintf("%d request(s)", int(size)))
	}

	if len(parts) == 0 {
		return truncate(string(e.Data), 60)
	}
	return strings.Join(parts, " ")
}
