package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// EnvConfigDir names the environment variable consulted first by Discover.
const EnvConfigDir = "AGENTRELAY_CONFIG_DIR"

// Discover finds the configuration by checking, in order:
// $AGENTRELAY_CONFIG_DIR, ~/.config/agentrelay, /etc/agentrelay, ./config.yaml.
// It is only called from main; nothing below reads the environment.
func Discover() (string, error) {
	return discover(os.Getenv(EnvConfigDir), userConfigDir(), "/etc/agentrelay", "config.yaml")
}

func discover(candidates ...string) (string, error) {
	for _, c := range candidates {
		if c == "" {
			continue
		}
		if _, err := os.Stat(c); err == nil {
			return c, nil
		}
	}
	return "", fmt.Errorf("no config found (checked: $%s, ~/.config/agentrelay, /etc/agentrelay, ./config.yaml)", EnvConfigDir)
}

func userConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "agentrelay")
}
