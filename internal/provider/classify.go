package provider

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Reason names a recognised provider failure.
type Reason string

const (
	ReasonNone         Reason = ""
	ReasonSessionLimit Reason = "session_limit"
	ReasonAuth         Reason = "auth"
	ReasonQuota        Reason = "quota"
	ReasonRateLimit    Reason = "rate_limit"
	ReasonNetwork      Reason = "network"
	ReasonExitCode     Reason = "exit_code"
	ReasonStderr       Reason = "stderr"
)

// stdoutScanLimit bounds how much stdout is searched for failure banners.
// Real answers are long and may legitimately discuss rate limits or errors;
// provider error banners are short.
const stdoutScanLimit = 2048

// Pattern maps a regular expression over provider output to a failure reason.
// Message overrides the default text for the reason when non-empty.
type Pattern struct {
	Reason  Reason
	Regexp  *regexp.Regexp
	Message string
}

// MustPattern compiles expr or panics. Intended for package-level tables.
func MustPattern(reason Reason, expr, message string) Pattern {
	return Pattern{Reason: reason, Regexp: regexp.MustCompile(expr), Message: message}
}

// CompilePattern compiles a user supplied pattern.
func CompilePattern(reason Reason, expr, message string) (Pattern, error) {
	re, err := regexp.Compile(expr)
	if err != nil {
		return Pattern{}, fmt.Errorf("compile pattern %q: %w", expr, err)
	}
	return Pattern{Reason: reason, Regexp: re, Message: message}, nil
}

// stderrPatterns are matched anywhere in stderr, where providers report
// their own failures.
var stderrPatterns = []Pattern{
	MustPattern(ReasonSessionLimit, `(?i)\b(session|usage|5-hour|weekly|daily) limit (reached|exceeded)`, ""),
	MustPattern(ReasonAuth, `(?i)(authentication required|not authenticated|not logged in|please (log ?in|login|run \S+ login)|invalid api key|authentication failed|unauthorized)`, ""),
	MustPattern(ReasonQuota, `(?i)(quota exceeded|exceeded your current quota|resource_exhausted|insufficient_quota|credit balance is too low)`, ""),
	MustPattern(ReasonRateLimit, `(?i)(rate[- ]limit(ed)?|too many requests)`, ""),
	MustPattern(ReasonNetwork, `(?i)(econnrefused|enotfound|etimedout|econnreset|network error|getaddrinfo|connection refused)`, ""),
}

// stdoutPatterns only match banner lines. Stdout is the answer, and an
// answer may well discuss rate limiters or 401 responses.
var stdoutPatterns = []Pattern{
	MustPattern(ReasonSessionLimit, `(?im)^[^\w\n]*(error:\s*)?(claude ai |your )?(session|usage|5-hour|weekly|daily) limit (reached|exceeded)`, ""),
	MustPattern(ReasonAuth, `(?im)^[^\w\n]*(error:\s*)?(authentication required|authentication failed|not authenticated|not logged in|invalid api key)\b`, ""),
	MustPattern(ReasonQuota, `(?im)^[^\w\n]*(error:\s*)?(quota exceeded|you exceeded your current quota|resource_exhausted|insufficient_quota|credit balance is too low)\b`, ""),
	MustPattern(ReasonRateLimit, `(?im)^[^\w\n]*(error:\s*)?(rate limited|rate limit (exceeded|reached)|(429 )?too many requests)[^\w\n]*$`, ""),
	MustPattern(ReasonNetwork, `(?im)^[^\w\n]*(error:\s*)?(network error|connect econnrefused|getaddrinfo enotfound)\b`, ""),
}

var (
	resetClause = regexp.MustCompile(`(?i)resets?\s+(?:at\s+|in\s+)?([^\n.|]+)`)
	resetEpoch  = regexp.MustCompile(`limit reached\|(\d{9,11})`)
)

// Classification is the verdict of a provider's classifier on one run.
type Classification struct {
	Failed  bool
	Reason  Reason
	Message string
	// ResetAt is set when a session limit announced when it lifts.
	ResetAt string
}

// Classify inspects a finished run. Recognised failure patterns fail the run
// regardless of exit code: provider patterns and broad terms on stderr, only
// banner lines on short stdout; stderr chatter alongside real stdout is not a
// failure; otherwise a non-zero exit, or stderr without stdout, fails.
func (p *Provider) Classify(stdout, stderr string, exitCode int) Classification {
	out := strings.TrimSpace(stdout)
	errText := strings.TrimSpace(stderr)

	scanOut := out
	if len(scanOut) > stdoutScanLimit {
		scanOut = ""
	}

	scans := []struct {
		patterns []Pattern
		text     string
	}{
		{p.Patterns, errText},
		{p.Patterns, scanOut},
		{stderrPatterns, errText},
		{stdoutPatterns, scanOut},
	}
	for _, sc := range scans {
		if sc.text == "" {
			continue
		}
		for _, pat := range sc.patterns {
			if loc := pat.Regexp.FindStringIndex(sc.text); loc != nil {
				return p.matched(pat, sc.text, loc)
			}
		}
	}

	if exitCode != 0 {
		detail := lastLines(errText, 3)
		if detail == "" {
			detail = lastLines(out, 3)
		}
		msg := fmt.Sprintf("%s exited with code %d", p.displayName(), exitCode)
		if detail != "" {
			msg += ": " + detail
		}
		return Classification{Failed: true, Reason: ReasonExitCode, Message: msg}
	}

	if errText != "" && out == "" {
		return Classification{
			Failed:  true,
			Reason:  ReasonStderr,
			Message: fmt.Sprintf("%s produced no output: %s", p.displayName(), lastLines(errText, 3)),
		}
	}

	return Classification{}
}

func (p *Provider) matched(pat Pattern, text string, loc []int) Classification {
	c := Classification{Failed: true, Reason: pat.Reason}
	name := p.displayName()

	if pat.Reason == ReasonSessionLimit {
		c.ResetAt = extractReset(text)
	}

	if pat.Message != "" {
		c.Message = pat.Message
		return c
	}

	switch pat.Reason {
	case ReasonSessionLimit:
		c.Message = name + " session limit reached"
		if c.ResetAt != "" {
			c.Message += "; resets " + c.ResetAt
		}
		c.Message += ". Try a fallback provider."
	case ReasonAuth:
		c.Message = name + " authentication required."
		if p.AuthHint != "" {
			c.Message += " " + p.AuthHint
		} else {
			c.Message += fmt.Sprintf(" Authenticate with %s and retry.", p.Name)
		}
	case ReasonQuota:
		c.Message = name + " quota exceeded. Try a fallback provider."
	case ReasonRateLimit:
		c.Message = name + " rate limited. Retry later or try a fallback provider."
	case ReasonNetwork:
		c.Message = name + " network error: " + lineAt(text, loc[0])
	default:
		c.Message = name + " failed: " + lineAt(text, loc[0])
	}
	return c
}

// extractReset pulls a human readable reset time out of a limit banner.
func extractReset(text string) string {
	if m := resetEpoch.FindStringSubmatch(text); m != nil {
		if secs, err := strconv.ParseInt(m[1], 10, 64); err == nil {
			return time.Unix(secs, 0).UTC().Format(time.RFC3339)
		}
	}
	if m := resetClause.FindStringSubmatch(text); m != nil {
		return strings.TrimSpace(m[1])
	}
	return ""
}

func lineAt(text string, offset int) string {
	start := strings.LastIndexByte(text[:offset], '\n') + 1
	end := strings.IndexByte(text[offset:], '\n')
	if end < 0 {
		return strings.TrimSpace(text[start:])
	}
	return strings.TrimSpace(text[start : offset+end])
}

func lastLines(text string, n int) string {
	text = strings.TrimSpace(text)
	if text == "" {
		return ""
	}
	lines := strings.Split(text, "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	for i := range lines {
		lines[i] = strings.TrimSpace(lines[i])
	}
	return strings.Join(lines, " | ")
}
