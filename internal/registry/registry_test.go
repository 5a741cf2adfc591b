package registry

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/agentrelay/internal/events"
	"github.com/mattjoyce/agentrelay/internal/log"
	"github.com/mattjoyce/agentrelay/internal/provider"
	"github.com/mattjoyce/agentrelay/internal/tasklog"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR", "json")
	os.Exit(m.Run())
}

func TestCreateAddLogComplete(t *testing.T) {
	r := New()
	id := r.Create(Descriptor{
		Kind:        provider.KindQuery,
		Provider:    provider.Fallback("claude", "gemini"),
		Instruction: "summarize the diff",
		AgentID:     "reviewer",
	})
	require.NotEmpty(t, id)

	r.AddLog(id, tasklog.LevelInfo, "started")
	r.AddLog(id, tasklog.LevelWarn, "slow")
	require.True(t, r.Complete(id, "looks good", true))

	task, err := r.Get(id)
	require.NoError(t, err)
	assert.True(t, task.Done)
	assert.True(t, task.Success)
	assert.Equal(t, "looks good", task.Result)
	assert.Equal(t, 1, task.Completions)
	assert.Equal(t, "ok", task.Status())
	require.Len(t, task.Logs, 2)
	assert.Equal(t, "started", task.Logs[0].Message)
	assert.Equal(t, tasklog.LevelWarn, task.Logs[1].Level)
	assert.False(t, task.CompletedAt.Before(task.CreatedAt))

	text, err := r.Logs(id)
	require.NoError(t, err)
	assert.Contains(t, text, "agent reviewer")
	assert.Contains(t, text, "INFO: started")
	assert.Contains(t, text, "WARN: slow")
}

func TestCompleteTwiceLastWriteWins(t *testing.T) {
	r := New()
	id := r.Create(Descriptor{AgentID: "a"})

	require.True(t, r.Complete(id, "first", true))
	require.True(t, r.Complete(id, "second", false))

	task, err := r.Get(id)
	require.NoError(t, err)
	assert.Equal(t, "second", task.Result)
	assert.False(t, task.Success)
	assert.Equal(t, 2, task.Completions)
}

func TestUnknownTask(t *testing.T) {
	r := New()
	assert.False(t, r.Complete("missing", "x", true))
	r.AddLog("missing", tasklog.LevelInfo, "ignored")

	_, err := r.Get("missing")
	assert.True(t, errors.Is(err, ErrTaskNotFound))

	_, err = r.Logs("missing")
	assert.ErrorIs(t, err, ErrTaskNotFound)
}

func TestConcurrentTasksKeepPerTaskOrder(t *testing.T) {
	r := New()
	const tasks, lines = 20, 50

	var wg sync.WaitGroup
	ids := make([]string, tasks)
	for i := 0; i < tasks; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := r.Create(Descriptor{AgentID: fmt.Sprintf("agent-%d", i)})
			ids[i] = id
			for j := 0; j < lines; j++ {
				r.AddLog(id, tasklog.LevelInfo, fmt.Sprintf("%d", j))
			}
			r.Complete(id, "done", i%2 == 0)
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		task, err := r.Get(id)
		require.NoError(t, err)
		require.Len(t, task.Logs, lines)
		for j, e := range task.Logs {
			assert.Equal(t, fmt.Sprintf("%d", j), e.Message)
		}
	}

	c := r.Counts()
	assert.Equal(t, Counts{Total: tasks, Succeeded: tasks / 2, Failed: tasks / 2}, c)
}

func TestRecentAndDigest(t *testing.T) {
	r := New()
	assert.Equal(t, "no tasks\n", mustLogs(t, r, ""))

	first := r.Create(Descriptor{AgentID: "one", Instruction: "first task"})
	second := r.Create(Descriptor{AgentID: "two", Instruction: "second task", Resolved: "gemini"})
	r.Complete(first, "x", false)

	recent := r.Recent(10)
	require.Len(t, recent, 2)
	assert.Equal(t, second, recent[0].ID)
	assert.Equal(t, first, recent[1].ID)
	assert.Nil(t, recent[0].Logs)

	digest := mustLogs(t, r, "")
	assert.Contains(t, digest, second)
	assert.Contains(t, digest, "running")
	assert.Contains(t, digest, "failed")
	assert.Contains(t, digest, "gemini")

	assert.Len(t, r.Recent(1), 1)
}

func TestRetentionEvictsOldestCompleted(t *testing.T) {
	r := New(WithRetention(2))
	running := r.Create(Descriptor{AgentID: "long"})

	var done []string
	for i := 0; i < 3; i++ {
		id := r.Create(Descriptor{AgentID: "short"})
		r.Complete(id, "", true)
		done = append(done, id)
	}

	_, err := r.Get(done[0])
	assert.ErrorIs(t, err, ErrTaskNotFound, "oldest completed task evicted")
	_, err = r.Get(done[2])
	assert.NoError(t, err)
	_, err = r.Get(running)
	assert.NoError(t, err, "running tasks are never evicted")
}

func TestHubReceivesLifecycleEvents(t *testing.T) {
	hub := events.NewHub(16)
	sub := hub.Subscribe(16)
	defer sub.Close()

	r := New(WithHub(hub))
	id := r.Create(Descriptor{AgentID: "a"})
	r.AddLog(id, tasklog.LevelInfo, "hi")
	r.Complete(id, "ok", true)

	var types []string
	for i := 0; i < 3; i++ {
		ev := <-sub.C
		assert.Equal(t, id, ev.TaskID)
		types = append(types, ev.Type)
	}
	assert.Equal(t, []string{events.TaskCreated, events.TaskLog, events.TaskCompleted}, types)
}

type recordingSink struct {
	mu     sync.Mutex
	calls  []string
	closed bool
}

func (s *recordingSink) add(c string) {
	s.mu.Lock()
	s.calls = append(s.calls, c)
	s.mu.Unlock()
}

func (s *recordingSink) TaskCreated(_ context.Context, t Task) error {
	s.add("created:" + t.AgentID)
	return nil
}

func (s *recordingSink) TaskLogged(_ context.Context, _ string, e Entry) error {
	s.add("log:" + e.Message)
	return nil
}

func (s *recordingSink) TaskCompleted(_ context.Context, t Task) error {
	s.add("completed:" + t.Result)
	return errors.New("sink errors are logged, not returned")
}

func (s *recordingSink) Close() error {
	s.closed = true
	return nil
}

func TestSinkReceivesOrderedUpdates(t *testing.T) {
	sink := &recordingSink{}
	r := New(WithSinks(sink))

	id := r.Create(Descriptor{AgentID: "a"})
	r.AddLog(id, tasklog.LevelInfo, "one")
	r.AddLog(id, tasklog.LevelInfo, "two")
	r.Complete(id, "res", true)

	require.NoError(t, r.Close())
	require.NoError(t, r.Close(), "second close is a no-op")

	assert.Equal(t, []string{"created:a", "log:one", "log:two", "completed:res"}, sink.calls)
	assert.True(t, sink.closed)
	assert.Zero(t, r.Dropped())

	// Updates after Close stay in memory only.
	r.AddLog(id, tasklog.LevelInfo, "late")
	task, _ := r.Get(id)
	assert.Len(t, task.Logs, 3)
}

func mustLogs(t *testing.T, r *Registry, id string) string {
	t.Helper()
	s, err := r.Logs(id)
	require.NoError(t, err)
	return s
}
