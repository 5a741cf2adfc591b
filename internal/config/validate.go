package config

import (
	"fmt"
	"sort"

	"github.com/mattjoyce/agentrelay/internal/provider"
)

var validReasons = map[string]provider.Reason{
	string(provider.ReasonSessionLimit): provider.ReasonSessionLimit,
	string(provider.ReasonAuth):         provider.ReasonAuth,
	string(provider.ReasonQuota):        provider.ReasonQuota,
	string(provider.ReasonRateLimit):    provider.ReasonRateLimit,
	string(provider.ReasonNetwork):      provider.ReasonNetwork,
}

// validate performs structural validation. Cross references between agents
// and providers are checked here too; binary availability is left to doctor.
func validate(cfg *Config) error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[cfg.Service.LogLevel] {
		return fmt.Errorf("service.log_level must be one of: debug, info, warn, error (got %q)", cfg.Service.LogLevel)
	}
	if cfg.Service.LogFormat != "json" && cfg.Service.LogFormat != "text" {
		return fmt.Errorf("service.log_format must be json or text (got %q)", cfg.Service.LogFormat)
	}
	if cfg.Service.LogRetention < 0 {
		return fmt.Errorf("service.log_retention must not be negative")
	}

	if cfg.Dispatch.MaxConcurrency < 1 {
		return fmt.Errorf("dispatch.max_concurrency must be at least 1")
	}
	if cfg.Dispatch.Timeout <= 0 {
		return fmt.Errorf("dispatch.timeout must be positive")
	}
	if cfg.Dispatch.GracePeriod <= 0 {
		return fmt.Errorf("dispatch.grace_period must be positive")
	}

	if err := validateArchive(cfg.Archive); err != nil {
		return err
	}
	if err := validateAPI(cfg.API); err != nil {
		return err
	}

	for _, name := range sortedKeys(cfg.Providers) {
		if err := validateProvider(name, cfg.Providers[name]); err != nil {
			return err
		}
	}

	known := make(map[string]bool)
	for name := range provider.Builtins() {
		known[name] = true
	}
	for name := range cfg.Providers {
		known[name] = true
	}
	for _, id := range sortedKeys(cfg.Agents) {
		if err := validateAgent(id, cfg.Agents[id], known); err != nil {
			return err
		}
	}

	c := cfg.Compression
	if c.MaxTokens < 0 || c.MaxMessages < 0 || c.PreserveRecent < 0 {
		return fmt.Errorf("compression values must not be negative")
	}
	return nil
}

func validateArchive(a ArchiveConfig) error {
	switch a.Driver {
	case ArchiveNone:
	case ArchiveSQLite:
		if a.Path == "" {
			return fmt.Errorf("archive.path is required for the sqlite driver")
		}
	case ArchivePostgres:
		if a.DSN == "" {
			return fmt.Errorf("archive.dsn is required for the postgres driver")
		}
		if envVarPattern.MatchString(a.DSN) {
			return fmt.Errorf("archive.dsn: environment variable ${%s} is not set", envVarPattern.FindStringSubmatch(a.DSN)[1])
		}
	case ArchiveRedis:
		if a.RedisAddr == "" {
			return fmt.Errorf("archive.redis_addr is required for the redis driver")
		}
	default:
		return fmt.Errorf("archive.driver must be one of: none, sqlite, postgres, redis (got %q)", a.Driver)
	}
	return nil
}

func validateAPI(api APIConfig) error {
	if !api.Enabled {
		return nil
	}
	if api.MaxConcurrentSync < 1 {
		return fmt.Errorf("api.max_concurrent_sync must be at least 1")
	}
	if api.MaxRequestConcurrency < 1 {
		return fmt.Errorf("api.max_request_concurrency must be at least 1")
	}
	if api.MaxRequestTimeout <= 0 {
		return fmt.Errorf("api.max_request_timeout must be positive")
	}
	if matches := envVarPattern.FindStringSubmatch(api.Auth.APIKey); len(matches) > 1 {
		return fmt.Errorf("api.auth.api_key: environment variable ${%s} is not set", matches[1])
	}
	for i, tok := range api.Auth.Tokens {
		if tok.Token == "" {
			return fmt.Errorf("api.auth.tokens[%d].token is required", i)
		}
		if matches := envVarPattern.FindStringSubmatch(tok.Token); len(matches) > 1 {
			return fmt.Errorf("api.auth.tokens[%d].token: environment variable ${%s} is not set", i, matches[1])
		}
		if len(tok.Scopes) == 0 {
			return fmt.Errorf("api.auth.tokens[%d].scopes must be non-empty", i)
		}
	}
	return nil
}

func validateProvider(name string, p ProviderConf) error {
	_, builtin := provider.Builtins()[name]
	if !builtin && p.Binary == "" {
		return fmt.Errorf("provider %q: binary is required", name)
	}
	switch provider.InputMode(p.Input) {
	case "", provider.InputStdin, provider.InputArgument:
	default:
		return fmt.Errorf("provider %q: input must be stdin or argument (got %q)", name, p.Input)
	}
	if p.QueryTimeout < 0 || p.ExecuteTimeout < 0 {
		return fmt.Errorf("provider %q: timeouts must not be negative", name)
	}
	for i, pat := range p.FailurePatterns {
		reason, ok := validReasons[pat.Reason]
		if !ok {
			return fmt.Errorf("provider %q: failure_patterns[%d].reason %q is not one of auth, quota, session_limit, rate_limit, network", name, i, pat.Reason)
		}
		if _, err := provider.CompilePattern(reason, pat.Match, pat.Message); err != nil {
			return fmt.Errorf("provider %q: failure_patterns[%d]: %w", name, i, err)
		}
	}
	return nil
}

func validateAgent(id string, a AgentConf, known map[string]bool) error {
	if id == "" {
		return fmt.Errorf("agent id must not be empty")
	}
	if !a.Provider.IsZero() {
		for _, n := range a.Provider.Names() {
			if !known[n] {
				return fmt.Errorf("agent %q: unknown provider %q", id, n)
			}
		}
	}
	if _, err := provider.ParseKind(a.Kind); err != nil {
		return fmt.Errorf("agent %q: %w", id, err)
	}
	if a.Timeout < 0 {
		return fmt.Errorf("agent %q: timeout must not be negative", id)
	}
	for _, key := range sortedKeys(a.Env) {
		if matches := envVarPattern.FindStringSubmatch(a.Env[key]); len(matches) > 1 {
			return fmt.Errorf("agent %q: environment variable ${%s} is not set", id, matches[1])
		}
	}
	return nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
