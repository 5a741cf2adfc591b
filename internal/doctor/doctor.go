// Package doctor checks agentrelay configuration against the provider
// catalogue and the host it will run on.
package doctor

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/mattjoyce/agentrelay/internal/auth"
	"github.com/mattjoyce/agentrelay/internal/config"
	"github.com/mattjoyce/agentrelay/internal/provider"
	"github.com/mattjoyce/agentrelay/internal/storage"
)

// Result holds the outcome of a validation run.
type Result struct {
	Valid    bool    `json:"valid"`
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

// Issue describes a single validation error or warning.
type Issue struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
}

// Doctor validates configuration against the provider catalogue.
type Doctor struct {
	cfg     *config.Config
	catalog *provider.Catalog
	fscheck func(path string) error
}

// New creates a Doctor from a loaded config and its catalogue.
func New(cfg *config.Config, catalog *provider.Catalog) *Doctor {
	return &Doctor{cfg: cfg, catalog: catalog, fscheck: storage.CheckLocalFilesystem}
}

// Validate runs all checks and returns a result.
func (d *Doctor) Validate() *Result {
	r := &Result{Valid: true}

	d.validateServiceConfig(r)
	d.validateAgents(r)
	d.validateArchive(r)
	d.validateAPIConfig(r)
	d.validateTokenScopes(r)
	d.warnUnavailableProviders(r)
	d.warnUnusedProviders(r)
	d.warnDeprecatedSyntax(r)
	d.warnSuspiciousTimeouts(r)
	d.warnCompression(r)

	r.Valid = len(r.Errors) == 0
	return r
}

func (d *Doctor) addError(r *Result, category, field, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) addWarning(r *Result, category, field, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) validateServiceConfig(r *Result) {
	if d.cfg.State.LogDir == "" {
		d.addError(r, "service", "state.log_dir", "state.log_dir is required")
	}
	if d.cfg.State.LockPath == "" {
		d.addError(r, "service", "state.lock_path", "state.lock_path is required")
	}
	if d.cfg.Dispatch.MaxConcurrency < 1 {
		d.addError(r, "service", "dispatch.max_concurrency", "max_concurrency must be at least 1")
	}
	if len(d.cfg.Agents) == 0 {
		d.addWarning(r, "agents", "agents", "no agents configured; every dispatch will fail")
	}
}

// validateAgents checks that every provider an agent names is in the catalogue.
func (d *Doctor) validateAgents(r *Result) {
	for _, id := range agentIDs(d.cfg) {
		a := d.cfg.Agents[id]
		field := fmt.Sprintf("agents.%s.provider", id)

		if a.Provider.IsZero() {
			d.addWarning(r, "agents", field,
				fmt.Sprintf("agent %q has no provider; the default order %s applies", id, strings.Join(provider.DefaultOrder, ", ")))
			continue
		}

		seen := make(map[string]bool)
		for _, name := range a.Provider.Names() {
			if _, ok := d.catalog.Get(name); !ok {
				d.addError(r, "agents", field, fmt.Sprintf("agent %q references unknown provider %q", id, name))
			}
			if seen[name] {
				d.addWarning(r, "agents", field, fmt.Sprintf("agent %q lists provider %q more than once", id, name))
			}
			seen[name] = true
		}

		if a.Model != "" && a.Provider.IsFallback() {
			d.addWarning(r, "agents", fmt.Sprintf("agents.%s.model", id),
				fmt.Sprintf("agent %q sets a model, so only %q is tried; the fallback list is ignored", id, a.Provider.First()))
		}
		if _, err := provider.ParseKind(a.Kind); err != nil {
			d.addError(r, "agents", fmt.Sprintf("agents.%s.kind", id), err.Error())
		}
	}
}

func (d *Doctor) validateArchive(r *Result) {
	a := d.cfg.Archive
	switch a.Driver {
	case config.ArchiveSQLite:
		if err := d.fscheck(filepath.Clean(a.Path)); err != nil {
			d.addError(r, "archive", "archive.path", err.Error())
		}
	case config.ArchiveRedis:
		if a.KeyPrefix == "" {
			d.addWarning(r, "archive", "archive.key_prefix", "empty key_prefix; keys will collide with other tenants of the redis instance")
		}
	}
}

func (d *Doctor) validateAPIConfig(r *Result) {
	if !d.cfg.API.Enabled {
		return
	}
	if d.cfg.API.Listen == "" {
		d.addError(r, "api", "api.listen", "api.listen is required when API is enabled")
	}
	if d.cfg.API.Auth.APIKey == "" && len(d.cfg.API.Auth.Tokens) == 0 {
		d.addError(r, "api", "api.auth", "API enabled but no api_key or tokens configured; every request would be rejected")
	}
}

var knownScopes = map[string]bool{
	auth.ScopeAll: true,
}

func init() {
	for _, res := range []string{auth.ScopeResourceDispatch, auth.ScopeResourceTasks, auth.ScopeResourceEvents} {
		knownScopes[res+":ro"] = true
		knownScopes[res+":rw"] = true
	}
}

func (d *Doctor) validateTokenScopes(r *Result) {
	for i, token := range d.cfg.API.Auth.Tokens {
		for j, scope := range token.Scopes {
			field := fmt.Sprintf("api.auth.tokens[%d].scopes[%d]", i, j)
			scope = strings.TrimSpace(scope)
			if knownScopes[scope] {
				if scope == auth.ScopeResourceDispatch+":ro" {
					d.addWarning(r, "token_scopes", field, "dispatch:ro grants nothing; dispatching needs dispatch:rw")
				}
				continue
			}
			res, _, ok := strings.Cut(scope, ":")
			if !ok {
				d.addError(r, "token_scopes", field,
					fmt.Sprintf("invalid scope %q (expected resource:ro, resource:rw or *)", scope))
				continue
			}
			d.addError(r, "token_scopes", field,
				fmt.Sprintf("scope %q: unknown resource %q (want dispatch, tasks or events)", scope, res))
		}
		if token.Token == "" {
			d.addWarning(r, "env_vars", fmt.Sprintf("api.auth.tokens[%d].token", i),
				"token value is empty (possibly unresolved environment variable)")
		}
	}
}

// warnUnavailableProviders flags referenced providers whose binary is not on
// PATH. An agent left with nothing runnable is an error.
func (d *Doctor) warnUnavailableProviders(r *Result) {
	missing := make(map[string]bool)
	for _, name := range referencedProviders(d.cfg) {
		p, ok := d.catalog.Get(name)
		if !ok {
			continue
		}
		if !d.catalog.Available(name) {
			missing[name] = true
			d.addWarning(r, "providers", "providers."+name, p.NotInstalledMessage())
		}
	}

	for _, id := range agentIDs(d.cfg) {
		names := d.cfg.Agents[id].Provider.Names()
		if len(names) == 0 {
			names = provider.DefaultOrder
		}
		runnable := false
		for _, n := range names {
			if !missing[n] && d.catalog.Available(n) {
				runnable = true
				break
			}
		}
		if !runnable {
			d.addError(r, "providers", fmt.Sprintf("agents.%s.provider", id),
				fmt.Sprintf("agent %q has no installed provider among %s", id, strings.Join(names, ", ")))
		}
	}
}

// warnUnusedProviders warns about custom providers no agent references.
func (d *Doctor) warnUnusedProviders(r *Result) {
	used := make(map[string]bool)
	for _, n := range referencedProviders(d.cfg) {
		used[n] = true
	}
	for name := range d.cfg.Providers {
		if _, builtin := provider.Builtins()[name]; builtin {
			continue
		}
		if !used[name] {
			d.addWarning(r, "unused", "providers."+name,
				fmt.Sprintf("provider %q is defined but no agent uses it", name))
		}
	}
}

func (d *Doctor) warnDeprecatedSyntax(r *Result) {
	if d.cfg.API.Auth.APIKey != "" && len(d.cfg.API.Auth.Tokens) > 0 {
		d.addWarning(r, "deprecated", "api.auth",
			"both api_key and tokens configured; prefer tokens array only")
	}
	if d.cfg.API.Auth.APIKey != "" && len(d.cfg.API.Auth.Tokens) == 0 {
		d.addWarning(r, "deprecated", "api.auth.api_key",
			"legacy api_key grants full access; migrate to tokens array with scopes")
	}
}

// warnSuspiciousTimeouts flags agent timeouts the dispatch timeout will cut short.
func (d *Doctor) warnSuspiciousTimeouts(r *Result) {
	limit := d.cfg.Dispatch.Timeout
	for _, id := range agentIDs(d.cfg) {
		a := d.cfg.Agents[id]
		if a.Timeout > 0 && limit > 0 && a.Timeout > limit {
			d.addWarning(r, "timeouts", fmt.Sprintf("agents.%s.timeout", id),
				fmt.Sprintf("agent %q timeout %s exceeds dispatch.timeout %s; the dispatch timeout wins", id, a.Timeout, limit))
		}
	}
	if limit > 0 && limit.Seconds() < 10 {
		d.addWarning(r, "timeouts", "dispatch.timeout",
			fmt.Sprintf("dispatch.timeout %s is very short for an AI CLI", limit))
	}
}

func (d *Doctor) warnCompression(r *Result) {
	c := d.cfg.Compression
	if c.MaxMessages > 0 && c.PreserveRecent > c.MaxMessages {
		d.addWarning(r, "compression", "compression.preserve_recent",
			fmt.Sprintf("preserve_recent %d exceeds max_messages %d", c.PreserveRecent, c.MaxMessages))
	}
}

func agentIDs(cfg *config.Config) []string {
	ids := make([]string, 0, len(cfg.Agents))
	for id := range cfg.Agents {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func referencedProviders(cfg *config.Config) []string {
	seen := make(map[string]bool)
	var out []string
	for _, id := range agentIDs(cfg) {
		names := cfg.Agents[id].Provider.Names()
		if len(names) == 0 {
			names = provider.DefaultOrder
		}
		for _, n := range names {
			if !seen[n] {
				seen[n] = true
				out = append(out, n)
			}
		}
	}
	return out
}

// FormatHuman returns a human-readable validation report.
func FormatHuman(r *Result) string {
	var b strings.Builder

	if r.Valid && len(r.Warnings) == 0 {
		b.WriteString("Configuration valid.\n")
		return b.String()
	}

	if r.Valid && len(r.Warnings) > 0 {
		b.WriteString("Configuration valid")
		fmt.Fprintf(&b, " (%d warning(s))\n", len(r.Warnings))
	}

	if !r.Valid {
		fmt.Fprintf(&b, "Configuration invalid (%d error(s), %d warning(s))\n", len(r.Errors), len(r.Warnings))
	}

	for _, e := range r.Errors {
		if e.Field != "" {
			fmt.Fprintf(&b, "  ERROR [%s] %s: %s\n", e.Category, e.Field, e.Message)
		} else {
			fmt.Fprintf(&b, "  ERROR [%s] %s\n", e.Category, e.Message)
		}
	}
	for _, w := range r.Warnings {
		if w.Field != "" {
			fmt.Fprintf(&b, "  WARN  [%s] %s: %s\n", w.Category, w.Field, w.Message)
		} else {
			fmt.Fprintf(&b, "  WARN  [%s] %s\n", w.Category, w.Message)
		}
	}

	return b.String()
}

// FormatJSON returns the result as indented JSON.
func FormatJSON(r *Result) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
