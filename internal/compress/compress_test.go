package compress

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func makeThread(n int) Thread {
	th := Thread{ID: "t1"}
	for i := range n {
		th.Messages = append(th.Messages, Message{
			Sender:    "alice",
			Text:      fmt.Sprintf("message number %02d with some filler text", i),
			Assistant: i%2 == 1,
		})
	}
	return th
}

func TestCompressEmptyThread(t *testing.T) {
	assert.Equal(t, "", Compress(Thread{}, DefaultOptions()))
	assert.Equal(t, "", Compress(Thread{Messages: []Message{{Text: "in flight"}}}, Options{ExcludeLast: true}))
}

func TestCompressVerbatimWhenShort(t *testing.T) {
	th := makeThread(4)
	out, stats := CompressWithStats(th, Options{MaxTokens: 1, MaxMessages: 4})

	lines := strings.Split(out, "\n")
	require.Len(t, lines, 4)
	assert.Equal(t, "alice: message number 00 with some filler text", lines[0])
	assert.Equal(t, "assistant: message number 01 with some filler text", lines[1])
	assert.True(t, stats.Verbatim)
	assert.Equal(t, 4, stats.Kept)
	assert.NotContains(t, out, "omitted")
}

func TestCompressKeepsRecentVerbatim(t *testing.T) {
	th := makeThread(30)
	budgets := []int{0, 10, 100, 1000, 100000}

	for _, budget := range budgets {
		t.Run(fmt.Sprintf("budget_%d", budget), func(t *testing.T) {
			out := Compress(th, Options{MaxTokens: budget, MaxMessages: 10, PreserveRecentCount: 5})
			for _, m := range th.Messages[25:] {
				assert.Contains(t, out, m.Line())
			}
		})
	}
}

func TestCompressFillsBudgetBackwards(t *testing.T) {
	th := makeThread(30)
	// Room for the 5 recent messages and exactly 3 more.
	chars := 0
	for _, m := range th.Messages[22:] {
		chars += len(m.Line()) + 1
	}
	budgetTokens := (chars + CharsPerToken - 1) / CharsPerToken

	out, stats := CompressWithStats(th, Options{MaxTokens: budgetTokens, MaxMessages: 10, PreserveRecentCount: 5})

	assert.Equal(t, 8, stats.Kept)
	assert.Equal(t, 22, stats.Omitted)
	lines := strings.Split(out, "\n")
	require.Len(t, lines, 9)
	assert.Equal(t, "[22 earlier messages omitted]", lines[0])
	assert.Equal(t, th.Messages[22].Line(), lines[1], "fill works backward from the most recent")
	assert.Equal(t, th.Messages[29].Line(), lines[8])
}

func TestCompressPreservesImportant(t *testing.T) {
	th := makeThread(30)
	th.Messages[2].Text = "here is the stack:\n```\npanic: nil map\n```"
	th.Messages[4].Text = "the deploy FAILED again"
	opts := Options{MaxTokens: 0, MaxMessages: 10, PreserveRecentCount: 3, PreserveImportant: true}

	out, stats := CompressWithStats(th, opts)
	assert.Contains(t, out, th.Messages[2].Line())
	assert.Contains(t, out, th.Messages[4].Line())
	assert.Equal(t, 2, stats.Important)
	assert.Equal(t, 5, stats.Kept)

	// Oldest to newest.
	assert.Less(t, strings.Index(out, "stack"), strings.Index(out, "FAILED"))

	opts.PreserveImportant = false
	out = Compress(th, opts)
	assert.NotContains(t, out, "FAILED")
}

func TestCompressNothingQualifies(t *testing.T) {
	th := makeThread(30)
	out := Compress(th, Options{MaxTokens: 1, MaxMessages: 10, PreserveRecentCount: 0})
	assert.Equal(t, "", out)
}

func TestCompressExcludeLast(t *testing.T) {
	th := makeThread(6)
	out := Compress(th, Options{MaxTokens: 1000, MaxMessages: 10, ExcludeLast: true})
	assert.NotContains(t, out, "message number 05")
	assert.Contains(t, out, "message number 04")
}

func TestCompressDoesNotMutateThread(t *testing.T) {
	th := makeThread(30)
	before := append([]Message(nil), th.Messages...)
	Compress(th, Options{MaxTokens: 20, MaxMessages: 5, PreserveRecentCount: 2, PreserveImportant: true, ExcludeLast: true})
	assert.Equal(t, before, th.Messages)
}

func TestIsImportant(t *testing.T) {
	tests := []struct {
		text string
		want bool
	}{
		{"```go\nfunc main() {}\n```", true},
		{"got an Error from the linker", true},
		{"this looks like a bug", true},
		{"tests are failing on main", true},
		{"sounds good, ship it", false},
		{"terrorism is not a keyword match", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, IsImportant(tt.text), tt.text)
	}
}

func TestEstimateTokens(t *testing.T) {
	assert.Equal(t, 0, EstimateTokens(""))
	assert.Equal(t, 1, EstimateTokens("abc"))
	assert.Equal(t, 2, EstimateTokens("abcdefgh!"[:5]))
	assert.Equal(t, 1, EstimateTokens("héé"))
}

func TestReadThread(t *testing.T) {
	th, err := ReadThread(strings.NewReader(`{"id":"x","messages":[{"sender":"bob","text":"hi"}]}`))
	require.NoError(t, err)
	assert.Equal(t, "x", th.ID)
	require.Len(t, th.Messages, 1)
	assert.Equal(t, "bob: hi", th.Messages[0].Line())

	th, err = ReadThread(strings.NewReader(`[{"text":"a"},{"text":"b","assistant":true}]`))
	require.NoError(t, err)
	require.Len(t, th.Messages, 2)
	assert.Equal(t, "user: a", th.Messages[0].Line())
	assert.Equal(t, "assistant: b", th.Messages[1].Line())

	th, err = ReadThread(strings.NewReader("  "))
	require.NoError(t, err)
	assert.Empty(t, th.Messages)

	_, err = ReadThread(strings.NewReader("{nope"))
	assert.Error(t, err)
}
