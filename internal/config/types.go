package config

import (
	"time"

	"github.com/mattjoyce/agentrelay/internal/provider"
)

// Config represents the complete agentrelay configuration.
type Config struct {
	Include     []string                `yaml:"include,omitempty"`
	Service     ServiceConfig           `yaml:"service"`
	State       StateConfig             `yaml:"state"`
	Dispatch    DispatchConfig          `yaml:"dispatch"`
	Archive     ArchiveConfig           `yaml:"archive"`
	API         APIConfig               `yaml:"api,omitempty"`
	Providers   map[string]ProviderConf `yaml:"providers,omitempty"`
	Agents      map[string]AgentConf    `yaml:"agents,omitempty"`
	Compression CompressionConfig       `yaml:"compression"`

	// Dir is the directory holding the root config file.
	Dir string `yaml:"-"`
	// Files lists every file that contributed, root first.
	Files []string `yaml:"-"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name      string `yaml:"name"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
	// LogRetention is how long per-task log files are kept.
	LogRetention time.Duration `yaml:"log_retention"`
}

// StateConfig defines where runtime files live.
type StateConfig struct {
	LogDir   string `yaml:"log_dir"`
	LockPath string `yaml:"lock_path"`
}

// DispatchConfig holds batch defaults.
type DispatchConfig struct {
	MaxConcurrency int           `yaml:"max_concurrency"`
	Timeout        time.Duration `yaml:"timeout"`
	FailFast       bool          `yaml:"fail_fast"`
	GracePeriod    time.Duration `yaml:"grace_period"`
	// Retention caps completed tasks held in memory.
	Retention int `yaml:"retention"`
}

// Archive drivers.
const (
	ArchiveNone     = "none"
	ArchiveSQLite   = "sqlite"
	ArchivePostgres = "postgres"
	ArchiveRedis    = "redis"
)

// ArchiveConfig selects where task history is mirrored.
type ArchiveConfig struct {
	Driver    string `yaml:"driver"`
	Path      string `yaml:"path,omitempty"`
	DSN       string `yaml:"dsn,omitempty"`
	RedisAddr string `yaml:"redis_addr,omitempty"`
	KeyPrefix string `yaml:"key_prefix,omitempty"`
}

// APIConfig defines HTTP API server settings.
type APIConfig struct {
	Enabled           bool          `yaml:"enabled"`
	Listen            string        `yaml:"listen"`
	Auth              APIAuthConfig `yaml:"auth"`
	MaxConcurrentSync int           `yaml:"max_concurrent_sync"`
	// MaxRequestConcurrency and MaxRequestTimeout cap the per-request
	// overrides a client may send.
	MaxRequestConcurrency int           `yaml:"max_request_concurrency"`
	MaxRequestTimeout     time.Duration `yaml:"max_request_timeout"`
}

// APIAuthConfig defines API authentication settings.
type APIAuthConfig struct {
	// APIKey is a single bearer token with full access.
	// Prefer Tokens for scoped access.
	APIKey string     `yaml:"api_key"`
	Tokens []APIToken `yaml:"tokens,omitempty"`
}

// APIToken defines a bearer token and its scopes.
type APIToken struct {
	Token  string   `yaml:"token"`
	Scopes []string `yaml:"scopes"`
}

// ProviderConf adds a provider or overrides fields of a built-in one.
type ProviderConf struct {
	Binary          string        `yaml:"binary,omitempty"`
	DisplayName     string        `yaml:"display_name,omitempty"`
	QueryArgs       []string      `yaml:"query_args,omitempty"`
	ExecuteArgs     []string      `yaml:"execute_args,omitempty"`
	Input           string        `yaml:"input,omitempty"`
	InstallHint     string        `yaml:"install_hint,omitempty"`
	AuthHint        string        `yaml:"auth_hint,omitempty"`
	QueryTimeout    time.Duration `yaml:"query_timeout,omitempty"`
	ExecuteTimeout  time.Duration `yaml:"execute_timeout,omitempty"`
	FailurePatterns []PatternConf `yaml:"failure_patterns,omitempty"`
}

// PatternConf is a user supplied failure pattern.
type PatternConf struct {
	Reason  string `yaml:"reason"`
	Match   string `yaml:"match"`
	Message string `yaml:"message,omitempty"`
}

// AgentConf describes a named agent: which provider(s) answer for it and how.
type AgentConf struct {
	Description string             `yaml:"description,omitempty"`
	Provider    provider.Selection `yaml:"provider"`
	Model       string             `yaml:"model,omitempty"`
	WorkDir     string             `yaml:"workdir,omitempty"`
	Args        []string           `yaml:"args,omitempty"`
	Kind        string             `yaml:"kind,omitempty"`
	Timeout     time.Duration      `yaml:"timeout,omitempty"`
	Env         map[string]string  `yaml:"env,omitempty"`
}

// CompressionConfig holds conversation compression defaults.
type CompressionConfig struct {
	MaxTokens         int   `yaml:"max_tokens"`
	MaxMessages       int   `yaml:"max_messages"`
	PreserveRecent    int   `yaml:"preserve_recent"`
	PreserveImportant *bool `yaml:"preserve_important,omitempty"`
}

// Important reports the effective preserve_important setting (default true).
func (c CompressionConfig) Important() bool {
	return c.PreserveImportant == nil || *c.PreserveImportant
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:         "agentrelay",
			LogLevel:     "info",
			LogFormat:    "json",
			LogRetention: 7 * 24 * time.Hour,
		},
		State: StateConfig{
			LogDir:   "./data/logs",
			LockPath: "./data/agentrelay.lock",
		},
		Dispatch: DispatchConfig{
			MaxConcurrency: 5,
			Timeout:        300 * time.Second,
			FailFast:       false,
			GracePeriod:    5 * time.Second,
			Retention:      1000,
		},
		Archive: ArchiveConfig{
			Driver:    ArchiveNone,
			Path:      "./data/archive.db",
			KeyPrefix: "agentrelay",
		},
		API: APIConfig{
			Enabled:           false,
			Listen:            "127.0.0.1:8080",
			MaxConcurrentSync:     4,
			MaxRequestConcurrency: 16,
			MaxRequestTimeout:     time.Hour,
		},
		Providers: make(map[string]ProviderConf),
		Agents:    make(map[string]AgentConf),
		Compression: CompressionConfig{
			MaxTokens:      4000,
			MaxMessages:    20,
			PreserveRecent: 5,
		},
	}
}
