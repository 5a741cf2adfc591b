package watch

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/agentrelay/internal/dispatch"
	"github.com/mattjoyce/agentrelay/internal/events"
)

const maxBatches = 5

// BatchState is one dispatch batch seen on the stream.
type BatchState struct {
	Size      int
	Started   time.Time
	Finished  time.Time
	Summary   *dispatch.Summary
	Truncated bool
}

type batchPayload struct {
	Size      int               `json:"size"`
	Summary   *dispatch.Summary `json:"summary"`
	Truncated bool              `json:"truncated"`
}

// updateBatches records batch.started and batch.finished. Batches carry no
// id, so a finish closes the oldest open batch of the same size.
func updateBatches(batches []*BatchState, e events.Event) []*BatchState {
	var p batchPayload
	switch e.Type {
	case events.BatchStarted:
		if json.Unmarshal(e.Data, &p) != nil {
			return batches
		}
		batches = append([]*BatchState{{Size: p.Size, Started: e.At}}, batches...)
		if len(batches) > maxBatches {
			batches = batches[:maxBatches]
		}
	case events.BatchFinished:
		if json.Unmarshal(e.Data, &p) != nil {
			return batches
		}
		for i := len(batches) - 1; i >= 0; i-- {
			b := batches[i]
			if b.Finished.IsZero() && b.Size == p.Size {
				b.Finished = e.At
				b.Summary = p.Summary
				b.Truncated = p.Truncated
				break
			}
		}
	}
	return batches
}

func renderBatches(batches []*BatchState, theme Theme, width int) string {
	innerWidth := width - 4

	if len(batches) == 0 {
		content := lipgloss.JoinVertical(lipgloss.Left,
			theme.Title.Render("BATCHES"),
			theme.Dim.Render("  No batches dispatched"),
		)
		return theme.Border.Width(innerWidth).Render(content)
	}

	lines := make([]string, 0, len(batches))
	for _, b := range batches {
		lines = append(lines, formatBatch(b, theme))
	}
	content := lipgloss.JoinVertical(lipgloss.Left,
		theme.Title.Render("BATCHES"),
		lipgloss.NewStyle().Padding(0, 1).Render(strings.Join(lines, "\n")),
	)
	return theme.Border.Width(innerWidth).Render(content)
}

func formatBatch(b *BatchState, theme Theme) string {
	ts := theme.Dim.Render(b.Started.Format("15:04:05"))
	if b.Finished.IsZero() || b.Summary == nil {
		return fmt.Sprintf("%s %s %d request(s)", ts, theme.StatusRunning.Render("running "), b.Size)
	}

	s := b.Summary
	status := theme.StatusOK.Render("complete")
	if s.Failed > 0 {
		status = theme.StatusFailed.Render("failures")
	}
	if b.Truncated {
		status = theme.StatusDead.Render("stopped ")
	}
	return fmt.Sprintf("%s %s %d/%d ok  %d failed  wall %s  avg %s",
		ts, status, s.Successful, b.Size, s.Failed,
		s.TotalDuration.Round(time.Millisecond), s.AverageDuration.Round(time.Millisecond))
}
