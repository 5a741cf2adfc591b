package watch

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/agentrelay/internal/events"
	"github.com/mattjoyce/agentrelay/internal/registry"
)

const maxTrackedTasks = 200

// TaskState is what the watch knows about one task.
type TaskState struct {
	ID       string
	AgentID  string
	Kind     string
	Provider string
	Status   string
	Started  time.Time
	Ended    time.Time
	LastLog  string
}

// Elapsed is the run time so far, or the final duration.
func (t *TaskState) Elapsed(now time.Time) time.Duration {
	if t.Started.IsZero() {
		return 0
	}
	if !t.Ended.IsZero() {
		return t.Ended.Sub(t.Started)
	}
	return now.Sub(t.Started)
}

// updateTaskState folds one task.* event into tasks.
func updateTaskState(tasks map[string]*TaskState, e events.Event) {
	if e.TaskID == "" {
		return
	}

	switch e.Type {
	case events.TaskCreated, events.TaskCompleted:
		var snap registry.Task
		if err := json.Unmarshal(e.Data, &snap); err != nil {
			return
		}
		ts := getOrCreateTask(tasks, e.TaskID)
		ts.AgentID = snap.AgentID
		ts.Kind = string(snap.Kind)
		ts.Provider = snap.Resolved
		if ts.Provider == "" {
			ts.Provider = snap.Provider.String()
		}
		ts.Status = snap.Status()
		ts.Started = snap.CreatedAt
		ts.Ended = snap.CompletedAt
	case events.TaskLog:
		var entry registry.Entry
		if err := json.Unmarshal(e.Data, &entry); err != nil {
			return
		}
		ts := getOrCreateTask(tasks, e.TaskID)
		ts.LastLog = entry.Message
	default:
		return
	}

	pruneTasks(tasks)
}

func getOrCreateTask(tasks map[string]*TaskState, id string) *TaskState {
	ts, ok := tasks[id]
	if !ok {
		ts = &TaskState{ID: id, Status: "running", Started: time.Now()}
		tasks[id] = ts
	}
	return ts
}

// pruneTasks drops the oldest finished tasks past maxTrackedTasks.
func pruneTasks(tasks map[string]*TaskState) {
	if len(tasks) <= maxTrackedTasks {
		return
	}
	var done []*TaskState
	for _, t := range tasks {
		if t.Status != "running" {
			done = append(done, t)
		}
	}
	sort.Slice(done, func(i, j int) bool { return done[i].Ended.Before(done[j].Ended) })
	for _, t := range done {
		if len(tasks) <= maxTrackedTasks {
			break
		}
		delete(tasks, t.ID)
	}
}

// sortedTasks orders running tasks first, then newest first.
func sortedTasks(tasks map[string]*TaskState) []*TaskState {
	out := make([]*TaskState, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		ri, rj := out[i].Status == "running", out[j].Status == "running"
		if ri != rj {
			return ri
		}
		if !out[i].Started.Equal(out[j].Started) {
			return out[i].Started.After(out[j].Started)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func newTaskTable(theme Theme) table.Model {
	cols := []table.Column{
		{Title: "TASK", Width: 8},
		{Title: "AGENT", Width: 14},
		{Title: "KIND", Width: 7},
		{Title: "PROVIDER", Width: 9},
		{Title: "STATUS", Width: 8},
		{Title: "ELAPSED", Width: 8},
		{Title: "LAST LOG", Width: 40},
	}
	t := table.New(table.WithColumns(cols), table.WithFocused(true), table.WithHeight(10))
	s := table.DefaultStyles()
	s.Header = s.Header.Foreground(theme.Header.GetForeground()).Bold(true)
	s.Selected = s.Selected.Foreground(lipgloss.Color("#FAFAFA")).Background(lipgloss.Color("#874BFD"))
	t.SetStyles(s)
	return t
}

func taskRows(tasks []*TaskState, now time.Time) []table.Row {
	rows := make([]table.Row, 0, len(tasks))
	for _, t := range tasks {
		id := t.ID
		if len(id) > 8 {
			id = id[:8]
		}
		rows = append(rows, table.Row{
			id, t.AgentID, t.Kind, t.Provider, t.Status,
			formatDuration(t.Elapsed(now).Round(time.Second)),
			truncate(t.LastLog, 40),
		})
	}
	return rows
}

func renderTasks(tbl table.Model, tasks []*TaskState, theme Theme, width int) string {
	innerWidth := width - 4

	running := 0
	for _, t := range tasks {
		if t.Status == "running" {
			running++
		}
	}
	title := theme.Title.Render(fmt.Sprintf("TASKS (%d running, %d shown)", running, len(tasks)))

	if len(tasks) == 0 {
		content := lipgloss.JoinVertical(lipgloss.Left, title, theme.Dim.Render("  No tasks yet"))
		return theme.Border.Width(innerWidth).Render(content)
	}
	return theme.Border.Width(innerWidth).Render(lipgloss.JoinVertical(lipgloss.Left, title, tbl.View()))
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
