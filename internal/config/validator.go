package config

import (
	"fmt"
	"path/filepath"
	"strings"
)

var (
	validLogLevels  = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	validLogFormats = map[string]bool{"json": true, "console": true}
	validStrategies = map[string]bool{"coalesce": true, "resubmit": true}
	validKinds      = map[string]bool{"registration": true, "push": true}
)

// validate performs basic validation on the configuration.
func validate(cfg *Config) error {
	if !validLogLevels[cfg.Service.LogLevel] {
		return fmt.Errorf("service.log_level must be one of: debug, info, warn, error (got %q)", cfg.Service.LogLevel)
	}
	if !validLogFormats[cfg.Service.LogFormat] {
		return fmt.Errorf("service.log_format must be json or console (got %q)", cfg.Service.LogFormat)
	}

	if cfg.Workers.Count < 1 {
		return fmt.Errorf("workers.count must be at least 1 (got %d)", cfg.Workers.Count)
	}
	if !validStrategies[cfg.Coordinator.Strategy] {
		return fmt.Errorf("coordinator.strategy must be coalesce or resubmit (got %q)", cfg.Coordinator.Strategy)
	}

	if err := validateWorkspace(cfg.Workspace); err != nil {
		return err
	}
	if err := validatePipeline(cfg.Pipeline); err != nil {
		return err
	}
	return validateWebhooks(cfg)
}

func validateWorkspace(ws WorkspaceConfig) error {
	if strings.TrimSpace(ws.Root) == "" {
		return fmt.Errorf("workspace.root is required")
	}
	if strings.Contains(ws.Root, "${") {
		return fmt.Errorf("workspace.root references an unset environment variable: %s", ws.Root)
	}
	if filepath.IsAbs(ws.TasksPath) {
		return fmt.Errorf("workspace.tasks_path must be relative (got %q)", ws.TasksPath)
	}
	return nil
}

func validatePipeline(p PipelineConfig) error {
	if p.GitHost == "" || strings.ContainsAny(p.GitHost, "/@ ") {
		return fmt.Errorf("pipeline.git_host must be a bare host name (got %q)", p.GitHost)
	}
	if p.StepTimeout < 0 {
		return fmt.Errorf("pipeline.step_timeout must not be negative")
	}
	if p.NetworkAttempts < 1 {
		return fmt.Errorf("pipeline.network_attempts must be at least 1 (got %d)", p.NetworkAttempts)
	}
	if p.NetworkBackoff < 0 {
		return fmt.Errorf("pipeline.network_backoff must not be negative")
	}
	for name, argv := range map[string][]string{"build_command": p.BuildCommand, "test_command": p.TestCommand} {
		if len(argv) > 0 && strings.TrimSpace(argv[0]) == "" {
			return fmt.Errorf("pipeline.%s: program name is empty", name)
		}
	}
	return nil
}

// validateWebhooks checks every endpoint has a kind, a unique path and
// either a resolvable secret or an explicit allow_unsigned.
func validateWebhooks(cfg *Config) error {
	if cfg.Webhooks.Listen == "" {
		return fmt.Errorf("webhooks.listen is required")
	}

	seen := make(map[string]bool)
	for i, ep := range cfg.Webhooks.Endpoints {
		if !strings.HasPrefix(ep.Path, "/") {
			return fmt.Errorf("webhooks.endpoints[%d]: path must start with / (got %q)", i, ep.Path)
		}
		if seen[ep.Path] {
			return fmt.Errorf("webhooks.endpoints[%d]: duplicate path %q", i, ep.Path)
		}
		seen[ep.Path] = true

		if !validKinds[ep.Kind] {
			return fmt.Errorf("webhooks.endpoints[%d] (%s): kind must be registration or push (got %q)", i, ep.Path, ep.Kind)
		}

		secret := ep.Secret
		if ep.SecretRef != "" {
			v, ok := cfg.Tokens[ep.SecretRef]
			if !ok {
				return fmt.Errorf("webhooks.endpoints[%d] (%s): secret_ref %q not found in tokens", i, ep.Path, ep.SecretRef)
			}
			secret = v
		}
		if envVarPattern.MatchString(secret) {
			return fmt.Errorf("webhooks.endpoints[%d] (%s): secret references an unset environment variable", i, ep.Path)
		}
		if ep.Secret == "" && ep.SecretRef == "" && !ep.AllowUnsigned {
			return fmt.Errorf("webhooks.endpoints[%d] (%s): either 'secret', 'secret_ref' or 'allow_unsigned: true' is required", i, ep.Path)
		}
	}
	return nil
}
