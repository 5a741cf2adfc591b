// Package provider describes the external AI command-line engines the relay
// can drive: how to build their argument lists, how they take input, their
// default timeouts, and how to read failure out of their output.
package provider

import (
	"fmt"
	"strings"
	"time"
)

// Kind is the flavour of work a task performs.
type Kind string

const (
	KindQuery   Kind = "query"
	KindExecute Kind = "execute"
)

// ParseKind validates a kind name; "" defaults to query.
func ParseKind(s string) (Kind, error) {
	switch Kind(strings.ToLower(strings.TrimSpace(s))) {
	case "", KindQuery:
		return KindQuery, nil
	case KindExecute, "exec":
		return KindExecute, nil
	default:
		return "", fmt.Errorf("unknown task kind %q (want query or execute)", s)
	}
}

// InputMode says where the instruction text is delivered.
type InputMode string

const (
	InputStdin    InputMode = "stdin"
	InputArgument InputMode = "argument"
)

// Provider is the static description of one CLI engine.
type Provider struct {
	Name        string
	DisplayName string
	Binary      string

	QueryArgs   []string
	ExecuteArgs []string
	Input       InputMode

	QueryTimeout   time.Duration
	ExecuteTimeout time.Duration

	InstallHint string
	AuthHint    string

	// Patterns are checked before the common failure patterns.
	Patterns []Pattern
}

// DefaultArgs returns the fixed arguments for kind.
func (p *Provider) DefaultArgs(kind Kind) []string {
	if kind == KindExecute {
		return append([]string(nil), p.ExecuteArgs...)
	}
	return append([]string(nil), p.QueryArgs...)
}

// DefaultTimeout returns the provider's timeout for kind.
func (p *Provider) DefaultTimeout(kind Kind) time.Duration {
	if kind == KindExecute {
		if p.ExecuteTimeout > 0 {
			return p.ExecuteTimeout
		}
		return 20 * time.Minute
	}
	if p.QueryTimeout > 0 {
		return p.QueryTimeout
	}
	return 10 * time.Minute
}

// BuildArgs assembles the final argv (without the binary): caller extras,
// provider defaults for kind, an optional --model flag, and the instruction
// itself for argument-input providers.
func (p *Provider) BuildArgs(kind Kind, extra []string, model, instruction string) []string {
	args := make([]string, 0, len(extra)+len(p.QueryArgs)+len(p.ExecuteArgs)+2)
	args = append(args, extra...)
	args = append(args, p.DefaultArgs(kind)...)
	if model = strings.TrimSpace(model); model != "" {
		args = append(args, "--model="+model)
	}
	if p.Input == InputArgument {
		args = append(args, instruction)
	}
	return args
}

// NotInstalledMessage is the failure text used when the binary cannot be found.
func (p *Provider) NotInstalledMessage() string {
	msg := fmt.Sprintf("%s CLI is not installed (binary %q not found in PATH)", p.displayName(), p.Binary)
	if p.InstallHint != "" {
		msg += ". " + p.InstallHint
	}
	return msg
}

func (p *Provider) displayName() string {
	if p.DisplayName != "" {
		return p.DisplayName
	}
	if p.Name == "" {
		return "provider"
	}
	return strings.ToUpper(p.Name[:1]) + p.Name[1:]
}

// Clone returns a deep copy safe to mutate.
func (p *Provider) Clone() *Provider {
	c := *p
	c.QueryArgs = append([]string(nil), p.QueryArgs...)
	c.ExecuteArgs = append([]string(nil), p.ExecuteArgs...)
	c.Patterns = append([]Pattern(nil), p.Patterns...)
	return &c
}

// Builtins returns fresh copies of the providers known out of the box.
func Builtins() map[string]*Provider {
	return map[string]*Provider{
		"claude": {
			Name:           "claude",
			DisplayName:    "Claude",
			Binary:         "claude",
			QueryArgs:      []string{"--print"},
			ExecuteArgs:    []string{"--print", "--permission-mode", "acceptEdits"},
			Input:          InputStdin,
			QueryTimeout:   10 * time.Minute,
			ExecuteTimeout: 20 * time.Minute,
			InstallHint:    "Install it with: npm install -g @anthropic-ai/claude-code",
			AuthHint:       "Run `claude` once interactively and complete /login.",
			Patterns: []Pattern{
				MustPattern(ReasonSessionLimit, `(?i)claude ai usage limit reached`, ""),
			},
		},
		"gemini": {
			Name:           "gemini",
			DisplayName:    "Gemini",
			Binary:         "gemini",
			QueryArgs:      []string{"--prompt"},
			ExecuteArgs:    []string{"--yolo", "--prompt"},
			Input:          InputArgument,
			QueryTimeout:   10 * time.Minute,
			ExecuteTimeout: 10 * time.Minute,
			InstallHint:    "Install it with: npm install -g @google/gemini-cli",
			AuthHint:       "Run `gemini` once interactively or set GEMINI_API_KEY.",
			Patterns: []Pattern{
				MustPattern(ReasonAuth, `(?i)please set an auth method`, ""),
			},
		},
		"copilot": {
			Name:           "copilot",
			DisplayName:    "Copilot",
			Binary:         "copilot",
			QueryArgs:      []string{"--prompt"},
			ExecuteArgs:    []string{"--allow-all-tools", "--prompt"},
			Input:          InputArgument,
			QueryTimeout:   10 * time.Minute,
			ExecuteTimeout: 15 * time.Minute,
			InstallHint:    "Install it with: npm install -g @github/copilot",
			AuthHint:       "Run `copilot` and use /login, or set GH_TOKEN.",
			Patterns: []Pattern{
				MustPattern(ReasonAuth, `(?i)no authentication information found`, ""),
			},
		},
		"codex": {
			Name:           "codex",
			DisplayName:    "Codex",
			Binary:         "codex",
			QueryArgs:      []string{"exec"},
			ExecuteArgs:    []string{"exec", "--full-auto"},
			Input:          InputArgument,
			QueryTimeout:   10 * time.Minute,
			ExecuteTimeout: 20 * time.Minute,
			InstallHint:    "Install it with: npm install -g @openai/codex",
			AuthHint:       "Run `codex login` or set OPENAI_API_KEY.",
		},
	}
}
