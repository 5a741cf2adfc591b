package config

import (
	"fmt"
	"sort"

	"github.com/mattjoyce/agentrelay/internal/provider"
)

// Agent returns the configuration for id.
func (c *Config) Agent(id string) (AgentConf, error) {
	a, ok := c.Agents[id]
	if !ok {
		return AgentConf{}, fmt.Errorf("%w: %q", ErrAgentNotFound, id)
	}
	return a, nil
}

// AgentIDs returns configured agent ids, sorted.
func (c *Config) AgentIDs() []string {
	return sortedKeys(c.Agents)
}

// EnvList renders Env as sorted KEY=VALUE pairs.
func (a AgentConf) EnvList() []string {
	if len(a.Env) == 0 {
		return nil
	}
	out := make([]string, 0, len(a.Env))
	for _, k := range sortedKeys(a.Env) {
		out = append(out, k+"="+a.Env[k])
	}
	return out
}

// Catalog builds the provider catalog: built-ins overlaid with the
// providers section.
func (c *Config) Catalog(opts ...provider.CatalogOption) (*provider.Catalog, error) {
	catalog := provider.NewCatalog(opts...)

	names := make([]string, 0, len(c.Providers))
	for name := range c.Providers {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		base, _ := catalog.Get(name)
		p, err := c.Providers[name].Build(name, base)
		if err != nil {
			return nil, err
		}
		if err := catalog.Put(p); err != nil {
			return nil, err
		}
	}
	return catalog, nil
}

// Build applies the configured fields over base (which may be nil).
func (pc ProviderConf) Build(name string, base *provider.Provider) (*provider.Provider, error) {
	var p *provider.Provider
	if base != nil {
		p = base.Clone()
	} else {
		p = &provider.Provider{Name: name}
	}

	if pc.Binary != "" {
		p.Binary = pc.Binary
	}
	if pc.DisplayName != "" {
		p.DisplayName = pc.DisplayName
	}
	if pc.QueryArgs != nil {
		p.QueryArgs = append([]string(nil), pc.QueryArgs...)
	}
	if pc.ExecuteArgs != nil {
		p.ExecuteArgs = append([]string(nil), pc.ExecuteArgs...)
	}
	if pc.Input != "" {
		p.Input = provider.InputMode(pc.Input)
	}
	if pc.InstallHint != "" {
		p.InstallHint = pc.InstallHint
	}
	if pc.AuthHint != "" {
		p.AuthHint = pc.AuthHint
	}
	if pc.QueryTimeout > 0 {
		p.QueryTimeout = pc.QueryTimeout
	}
	if pc.ExecuteTimeout > 0 {
		p.ExecuteTimeout = pc.ExecuteTimeout
	}

	// Configured patterns run before the built-in ones.
	if len(pc.FailurePatterns) > 0 {
		patterns := make([]provider.Pattern, 0, len(pc.FailurePatterns)+len(p.Patterns))
		for i, pat := range pc.FailurePatterns {
			reason, ok := validReasons[pat.Reason]
			if !ok {
				return nil, fmt.Errorf("provider %q: failure_patterns[%d]: unknown reason %q", name, i, pat.Reason)
			}
			compiled, err := provider.CompilePattern(reason, pat.Match, pat.Message)
			if err != nil {
				return nil, fmt.Errorf("provider %q: failure_patterns[%d]: %w", name, i, err)
			}
			patterns = append(patterns, compiled)
		}
		p.Patterns = append(patterns, p.Patterns...)
	}
	return p, nil
}
