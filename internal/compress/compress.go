// Package compress fits a conversation history into a token budget.
//
// It is a heuristic: recent turns are kept verbatim, turns that look
// important (code blocks, error reports) are kept when asked, and the rest of
// the budget is filled with the newest remaining turns. It never calls out to
// a provider.
package compress

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

// CharsPerToken is the approximation used for budgeting.
const CharsPerToken = 4

// Options bound the compressed output.
type Options struct {
	MaxTokens int `json:"max_tokens" yaml:"max_tokens"`
	// MaxMessages is the length at or below which a thread is returned
	// verbatim. Zero always applies the budget.
	MaxMessages         int  `json:"max_messages" yaml:"max_messages"`
	PreserveRecentCount int  `json:"preserve_recent" yaml:"preserve_recent"`
	PreserveImportant   bool `json:"preserve_important" yaml:"preserve_important"`
	// ExcludeLast drops the final message, the turn currently being answered.
	ExcludeLast bool `json:"exclude_last" yaml:"exclude_last"`
}

// DefaultOptions returns a 4000 token budget, 20 verbatim messages, and the
// last 5 turns plus important ones preserved.
func DefaultOptions() Options {
	return Options{MaxTokens: 4000, MaxMessages: 20, PreserveRecentCount: 5, PreserveImportant: true}
}

// Stats describes what Compress kept.
type Stats struct {
	Input           int  `json:"input"`
	Kept            int  `json:"kept"`
	Omitted         int  `json:"omitted"`
	Important       int  `json:"important"`
	EstimatedTokens int  `json:"estimated_tokens"`
	Verbatim        bool `json:"verbatim"`
}

const codeFence = "```"

var importantWord = regexp.MustCompile(`(?i)\b(error|errors|exception|fail|failed|failure|failing|bug|bugs|panic|crash|crashed|traceback|broken|regression)\b`)

// IsImportant reports whether text carries a fenced code block or reads like
// an error report.
func IsImportant(text string) bool {
	return strings.Contains(text, codeFence) || importantWord.MatchString(text)
}

// EstimateTokens approximates the token count of s.
func EstimateTokens(s string) int {
	return (utf8.RuneCountInString(s) + CharsPerToken - 1) / CharsPerToken
}

// Compress renders th within opts. The thread is not modified.
func Compress(th Thread, opts Options) string {
	out, _ := CompressWithStats(th, opts)
	return out
}

// CompressWithStats is Compress plus a breakdown of what was kept.
func CompressWithStats(th Thread, opts Options) (string, Stats) {
	msgs := th.Messages
	if opts.ExcludeLast && len(msgs) > 0 {
		msgs = msgs[:len(msgs)-1]
	}
	stats := Stats{Input: len(msgs)}
	if len(msgs) == 0 {
		return "", stats
	}

	if opts.MaxMessages > 0 && len(msgs) <= opts.MaxMessages {
		lines := make([]string, len(msgs))
		for i, m := range msgs {
			lines[i] = m.Line()
		}
		out := strings.Join(lines, "\n")
		stats.Kept = len(msgs)
		stats.Verbatim = true
		stats.EstimatedTokens = EstimateTokens(out)
		return out, stats
	}

	keep := make([]bool, len(msgs))
	used := 0
	cost := func(i int) int {
		return utf8.RuneCountInString(msgs[i].Line()) + 1
	}

	// Recent turns are kept even when they alone exceed the budget.
	recentStart := max(0, len(msgs)-max(0, opts.PreserveRecentCount))
	for i := recentStart; i < len(msgs); i++ {
		keep[i] = true
		used += cost(i)
	}

	if opts.PreserveImportant {
		for i := range recentStart {
			if IsImportant(msgs[i].Text) {
				keep[i] = true
				used += cost(i)
				stats.Important++
			}
		}
	}

	budget := max(0, opts.MaxTokens) * CharsPerToken
	for i := recentStart - 1; i >= 0; i-- {
		if keep[i] {
			continue
		}
		c := cost(i)
		if used+c > budget {
			break
		}
		keep[i] = true
		used += c
	}

	var lines []string
	for i, m := range msgs {
		if keep[i] {
			lines = append(lines, m.Line())
			stats.Kept++
		}
	}
	if stats.Kept == 0 {
		stats.Omitted = len(msgs)
		return "", stats
	}

	stats.Omitted = len(msgs) - stats.Kept
	if stats.Omitted > 0 {
		lines = append([]string{fmt.Sprintf("[%d earlier messages omitted]", stats.Omitted)}, lines...)
	}
	out := strings.Join(lines, "\n")
	stats.EstimatedTokens = EstimateTokens(out)
	return out, stats
}
