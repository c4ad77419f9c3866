package config

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"

	"github.com/sethvargo/go-envconfig"
	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads, interpolates, overrides and validates the config at path.
// When a .checksums manifest sits next to the file, the file must match it.
func Load(ctx context.Context, path string) (*Config, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path %q: %w", path, err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return nil, fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}
	if info.IsDir() {
		absPath = filepath.Join(absPath, "config.yaml")
	}

	if err := VerifyChecksum(absPath); err != nil && !errors.Is(err, ErrNoChecksums) {
		return nil, err
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", absPath, err)
	}

	cfg, err := Parse(ctx, data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", absPath, err)
	}
	cfg.SourcePath = absPath
	return cfg, nil
}

// Parse decodes YAML over Defaults, applies EVEXEC_* environment overrides
// and validates the result.
func Parse(ctx context.Context, data []byte) (*Config, error) {
	cfg := Defaults()

	dec := yaml.NewDecoder(bytes.NewReader([]byte(interpolateEnv(string(data)))))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := applyEnvOverrides(ctx, cfg); err != nil {
		return nil, err
	}
	applyConfigDefaults(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// envOverrides are the settings an operator can change without editing
// the file. Zero values mean "not set".
type envOverrides struct {
	Workers       int    `env:"WORKERS"`
	WorkspaceRoot string `env:"WORKSPACE_ROOT"`
	Listen        string `env:"LISTEN"`
	LogLevel      string `env:"LOG_LEVEL"`
	LogFormat     string `env:"LOG_FORMAT"`
	Strategy      string `env:"STRATEGY"`
}

type envConfig struct {
	Overrides envOverrides `env:",prefix=EVEXEC_"`
}

func applyEnvOverrides(ctx context.Context, cfg *Config) error {
	var env envConfig
	if err := envconfig.Process(ctx, &env); err != nil {
		return fmt.Errorf("failed to read environment overrides: %w", err)
	}

	o := env.Overrides
	if o.Workers != 0 {
		cfg.Workers.Count = o.Workers
	}
	if o.WorkspaceRoot != "" {
		cfg.Workspace.Root = o.WorkspaceRoot
	}
	if o.Listen != "" {
		cfg.Webhooks.Listen = o.Listen
	}
	if o.LogLevel != "" {
		cfg.Service.LogLevel = o.LogLevel
	}
	if o.LogFormat != "" {
		cfg.Service.LogFormat = o.LogFormat
	}
	if o.Strategy != "" {
		cfg.Coordinator.Strategy = o.Strategy
	}
	return nil
}

func applyConfigDefaults(cfg *Config) {
	if len(cfg.Webhooks.Endpoints) == 0 {
		cfg.Webhooks.Endpoints = DefaultEndpoints()
	}
	if cfg.Tokens == nil {
		cfg.Tokens = map[string]string{}
	}
}

// interpolateEnv replaces ${VAR} with environment variable values.
// Undefined variables are left as-is and rejected by validate where it
// matters.
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match
	})
}
