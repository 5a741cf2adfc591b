package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// ErrAgentNotFound is returned when an agent id is not configured.
var ErrAgentNotFound = errors.New("agent not found")

// agentsDirName holds one <agent-id>.yaml per agent, next to config.yaml.
const agentsDirName = "agents"

// Load reads configuration from a file or from a directory containing
// config.yaml. Included files and agents/*.yaml are merged, ${VAR} references
// are interpolated, defaults applied, checksums verified when a .checksums
// manifest is present, and the result validated.
func Load(configPath string) (*Config, error) {
	rootPath, err := resolveRoot(configPath)
	if err != nil {
		return nil, err
	}

	cfg, err := loadConfigFile(rootPath)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", rootPath, err)
	}
	cfg.Dir = filepath.Dir(rootPath)
	cfg.Files = []string{rootPath}

	visited := map[string]bool{rootPath: true}
	if err := loadIncludes(cfg, cfg.Include, cfg.Dir, visited); err != nil {
		return nil, err
	}
	if err := graftAgents(cfg); err != nil {
		return nil, err
	}

	if err := verifyChecksums(cfg.Dir, cfg.Files); err != nil {
		return nil, err
	}

	applyConfigDefaults(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// ConfigFiles returns every file Load would read for configPath, root first.
// `config lock` hashes exactly this set.
func ConfigFiles(configPath string) ([]string, error) {
	rootPath, err := resolveRoot(configPath)
	if err != nil {
		return nil, err
	}
	cfg, err := loadConfigFile(rootPath)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", rootPath, err)
	}
	cfg.Dir = filepath.Dir(rootPath)
	cfg.Files = []string{rootPath}

	if err := loadIncludes(cfg, cfg.Include, cfg.Dir, map[string]bool{rootPath: true}); err != nil {
		return nil, err
	}
	if err := graftAgents(cfg); err != nil {
		return nil, err
	}
	return cfg.Files, nil
}

func resolveRoot(configPath string) (string, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return "", fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return "", fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or pass --config", absPath)
	}
	if info.IsDir() {
		absPath = filepath.Join(absPath, "config.yaml")
		if _, err := os.Stat(absPath); err != nil {
			return "", fmt.Errorf("directory provided but config.yaml not found: %s", absPath)
		}
	}
	return absPath, nil
}

// loadIncludes merges included files depth first. visited guards against cycles.
func loadIncludes(cfg *Config, includes []string, baseDir string, visited map[string]bool) error {
	for i, includePath := range includes {
		includePath = interpolateEnv(includePath)
		if !filepath.IsAbs(includePath) {
			includePath = filepath.Join(baseDir, includePath)
		}
		absPath, err := filepath.Abs(includePath)
		if err != nil {
			return fmt.Errorf("include[%d]: failed to resolve path %q: %w", i, includePath, err)
		}
		if visited[absPath] {
			return fmt.Errorf("include[%d]: circular dependency detected: %s", i, absPath)
		}
		if _, err := os.Stat(absPath); err != nil {
			return fmt.Errorf("include[%d]: file not found: %s\n"+
				"Referenced from: %s", i, absPath, baseDir)
		}
		visited[absPath] = true

		included, err := loadConfigFile(absPath)
		if err != nil {
			return fmt.Errorf("include[%d] (%s): %w", i, absPath, err)
		}
		cfg.Files = append(cfg.Files, absPath)
		mergeConfig(cfg, included)

		if err := loadIncludes(cfg, included.Include, filepath.Dir(absPath), visited); err != nil {
			return err
		}
	}
	return nil
}

// graftAgents adds agents/<id>.yaml files. An id defined twice is an error.
func graftAgents(cfg *Config) error {
	dir := filepath.Join(cfg.Dir, agentsDirName)
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read %s: %w", dir, err)
	}

	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := filepath.Ext(e.Name())
		if ext == ".yaml" || ext == ".yml" {
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(files)

	if cfg.Agents == nil {
		cfg.Agents = make(map[string]AgentConf)
	}
	for _, path := range files {
		id := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
		if _, dup := cfg.Agents[id]; dup {
			return fmt.Errorf("agent %q defined in both %s and config", id, path)
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read agent file: %w", err)
		}
		var agent AgentConf
		if err := yaml.Unmarshal([]byte(interpolateEnv(string(data))), &agent); err != nil {
			return fmt.Errorf("agent file %s: failed to parse YAML: %w", path, err)
		}
		cfg.Agents[id] = agent
		cfg.Files = append(cfg.Files, path)
	}
	return nil
}

func loadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal([]byte(interpolateEnv(string(data))), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	return &cfg, nil
}

// mergeConfig merges src into dst; non-zero src values win, maps are additive.
func mergeConfig(dst, src *Config) {
	if src.Service.Name != "" {
		dst.Service.Name = src.Service.Name
	}
	if src.Service.LogLevel != "" {
		dst.Service.LogLevel = src.Service.LogLevel
	}
	if src.Service.LogFormat != "" {
		dst.Service.LogFormat = src.Service.LogFormat
	}
	if src.Service.LogRetention != 0 {
		dst.Service.LogRetention = src.Service.LogRetention
	}

	if src.State.LogDir != "" {
		dst.State.LogDir = src.State.LogDir
	}
	if src.State.LockPath != "" {
		dst.State.LockPath = src.State.LockPath
	}

	if src.Dispatch.MaxConcurrency != 0 {
		dst.Dispatch.MaxConcurrency = src.Dispatch.MaxConcurrency
	}
	if src.Dispatch.Timeout != 0 {
		dst.Dispatch.Timeout = src.Dispatch.Timeout
	}
	if src.Dispatch.FailFast {
		dst.Dispatch.FailFast = true
	}
	if src.Dispatch.GracePeriod != 0 {
		dst.Dispatch.GracePeriod = src.Dispatch.GracePeriod
	}
	if src.Dispatch.Retention != 0 {
		dst.Dispatch.Retention = src.Dispatch.Retention
	}

	if src.Archive.Driver != "" {
		dst.Archive = src.Archive
	}

	if src.API.Enabled {
		dst.API.Enabled = true
	}
	if src.API.Listen != "" {
		dst.API.Listen = src.API.Listen
	}
	if src.API.Auth.APIKey != "" {
		dst.API.Auth.APIKey = src.API.Auth.APIKey
	}
	if len(src.API.Auth.Tokens) > 0 {
		dst.API.Auth.Tokens = append(dst.API.Auth.Tokens, src.API.Auth.Tokens...)
	}
	if src.API.MaxConcurrentSync != 0 {
		dst.API.MaxConcurrentSync = src.API.MaxConcurrentSync
	}
	if src.API.MaxRequestConcurrency != 0 {
		dst.API.MaxRequestConcurrency = src.API.MaxRequestConcurrency
	}
	if src.API.MaxRequestTimeout != 0 {
		dst.API.MaxRequestTimeout = src.API.MaxRequestTimeout
	}

	if len(src.Providers) > 0 {
		if dst.Providers == nil {
			dst.Providers = make(map[string]ProviderConf)
		}
		for name, p := range src.Providers {
			dst.Providers[name] = p
		}
	}
	if len(src.Agents) > 0 {
		if dst.Agents == nil {
			dst.Agents = make(map[string]AgentConf)
		}
		for id, a := range src.Agents {
			dst.Agents[id] = a
		}
	}

	if src.Compression.MaxTokens != 0 {
		dst.Compression.MaxTokens = src.Compression.MaxTokens
	}
	if src.Compression.MaxMessages != 0 {
		dst.Compression.MaxMessages = src.Compression.MaxMessages
	}
	if src.Compression.PreserveRecent != 0 {
		dst.Compression.PreserveRecent = src.Compression.PreserveRecent
	}
	if src.Compression.PreserveImportant != nil {
		dst.Compression.PreserveImportant = src.Compression.PreserveImportant
	}
}

// applyConfigDefaults fills values not set explicitly.
func applyConfigDefaults(cfg *Config) {
	d := Defaults()

	if cfg.Service.Name == "" {
		cfg.Service.Name = d.Service.Name
	}
	if cfg.Service.LogLevel == "" {
		cfg.Service.LogLevel = d.Service.LogLevel
	}
	if cfg.Service.LogFormat == "" {
		cfg.Service.LogFormat = d.Service.LogFormat
	}
	if cfg.Service.LogRetention == 0 {
		cfg.Service.LogRetention = d.Service.LogRetention
	}

	if cfg.State.LogDir == "" {
		cfg.State.LogDir = d.State.LogDir
	}
	if cfg.State.LockPath == "" {
		cfg.State.LockPath = d.State.LockPath
	}
	cfg.State.LogDir = cfg.resolvePath(cfg.State.LogDir)
	cfg.State.LockPath = cfg.resolvePath(cfg.State.LockPath)

	if cfg.Dispatch.MaxConcurrency == 0 {
		cfg.Dispatch.MaxConcurrency = d.Dispatch.MaxConcurrency
	}
	if cfg.Dispatch.Timeout == 0 {
		cfg.Dispatch.Timeout = d.Dispatch.Timeout
	}
	if cfg.Dispatch.GracePeriod == 0 {
		cfg.Dispatch.GracePeriod = d.Dispatch.GracePeriod
	}
	if cfg.Dispatch.Retention == 0 {
		cfg.Dispatch.Retention = d.Dispatch.Retention
	}

	if cfg.Archive.Driver == "" {
		cfg.Archive.Driver = d.Archive.Driver
	}
	if cfg.Archive.Driver == ArchiveSQLite {
		if cfg.Archive.Path == "" {
			cfg.Archive.Path = d.Archive.Path
		}
		cfg.Archive.Path = cfg.resolvePath(cfg.Archive.Path)
	}
	if cfg.Archive.KeyPrefix == "" {
		cfg.Archive.KeyPrefix = d.Archive.KeyPrefix
	}

	if cfg.API.Listen == "" {
		cfg.API.Listen = d.API.Listen
	}
	if cfg.API.MaxConcurrentSync == 0 {
		cfg.API.MaxConcurrentSync = d.API.MaxConcurrentSync
	}
	if cfg.API.MaxRequestConcurrency == 0 {
		cfg.API.MaxRequestConcurrency = d.API.MaxRequestConcurrency
	}
	if cfg.API.MaxRequestTimeout == 0 {
		cfg.API.MaxRequestTimeout = d.API.MaxRequestTimeout
	}

	if cfg.Providers == nil {
		cfg.Providers = make(map[string]ProviderConf)
	}
	if cfg.Agents == nil {
		cfg.Agents = make(map[string]AgentConf)
	}
	for id, a := range cfg.Agents {
		if a.WorkDir != "" {
			a.WorkDir = cfg.resolvePath(a.WorkDir)
			cfg.Agents[id] = a
		}
	}

	if cfg.Compression.MaxTokens == 0 {
		cfg.Compression.MaxTokens = d.Compression.MaxTokens
	}
	if cfg.Compression.MaxMessages == 0 {
		cfg.Compression.MaxMessages = d.Compression.MaxMessages
	}
	if cfg.Compression.PreserveRecent == 0 {
		cfg.Compression.PreserveRecent = d.Compression.PreserveRecent
	}
}

// resolvePath makes relative paths relative to the config directory.
func (c *Config) resolvePath(p string) string {
	if p == "" || filepath.IsAbs(p) || c.Dir == "" {
		return p
	}
	if strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, p[2:])
		}
	}
	return filepath.Join(c.Dir, p)
}

// interpolateEnv replaces ${VAR} with environment variable values.
// Undefined variables are left as-is and caught by validation.
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		name := envVarPattern.FindStringSubmatch(match)[1]
		if value, ok := os.LookupEnv(name); ok {
			return value
		}
		return match
	})
}
