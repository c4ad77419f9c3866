package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// EnvConfigPath names the environment variable checked during discovery.
const EnvConfigPath = "EVEXEC_CONFIG"

// Discover finds the config file. Priority order: explicit path (from
// --config), $EVEXEC_CONFIG, ~/.config/evexec/config.yaml,
// /etc/evexec/config.yaml, ./config.yaml.
func Discover(explicit string) (string, error) {
	if explicit != "" {
		return explicit, nil
	}
	if p := os.Getenv(EnvConfigPath); p != "" {
		return p, nil
	}
	for _, candidate := range candidates() {
		if fileExists(candidate) {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("no config found (checked: $%s, ~/.config/evexec/config.yaml, /etc/evexec/config.yaml, ./config.yaml)", EnvConfigPath)
}

// systemConfigDir is a variable so tests can point it elsewhere.
var systemConfigDir = "/etc/evexec"

func candidates() []string {
	var out []string
	if home, err := os.UserHomeDir(); err == nil {
		out = append(out, filepath.Join(home, ".config", "evexec", "config.yaml"))
	}
	out = append(out, filepath.Join(systemConfigDir, "config.yaml"), "config.yaml")
	return out
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
