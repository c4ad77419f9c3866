package webhook

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/mattjoyce/evexec/internal/config"
	"github.com/mattjoyce/evexec/internal/pipeline"
)

// FromGlobalConfig converts config.WebhooksConfig to webhook.Config.
// Resolves secret references and parses max body sizes.
func FromGlobalConfig(wc config.WebhooksConfig, tokens map[string]string) (Config, error) {
	cfg := Config{
		Listen:    wc.Listen,
		Endpoints: make([]EndpointConfig, len(wc.Endpoints)),
	}

	for i, ep := range wc.Endpoints {
		secret := ep.Secret
		if ep.SecretRef != "" {
			resolved, ok := tokens[ep.SecretRef]
			if !ok {
				return Config{}, fmt.Errorf("webhook endpoint %q: secret_ref %q not found in tokens", ep.Path, ep.SecretRef)
			}
			secret = resolved
		}
		if secret == "" && !ep.AllowUnsigned {
			return Config{}, fmt.Errorf("webhook endpoint %q: no secret configured and allow_unsigned is not set", ep.Path)
		}

		kind := pipeline.Kind(ep.Kind)
		if kind != pipeline.KindRegistration && kind != pipeline.KindPush {
			return Config{}, fmt.Errorf("webhook endpoint %q: unknown kind %q", ep.Path, ep.Kind)
		}

		maxBodySize, err := parseMaxBodySize(ep.MaxBodySize)
		if err != nil {
			return Config{}, fmt.Errorf("webhook endpoint %q: invalid max_body_size %q: %w", ep.Path, ep.MaxBodySize, err)
		}

		header := ep.SignatureHeader
		if header == "" {
			header = DefaultSignatureHeader
		}

		cfg.Endpoints[i] = EndpointConfig{
			Path:            ep.Path,
			Kind:            kind,
			Secret:          secret,
			SignatureHeader: header,
			MaxBodySize:     maxBodySize,
		}
	}

	return cfg, nil
}

// parseMaxBodySize parses size strings like "1MB", "64KB" or "2048576".
// Returns DefaultMaxBodySize if empty.
func parseMaxBodySize(size string) (int64, error) {
	if size == "" {
		return DefaultMaxBodySize, nil
	}

	upper := strings.ToUpper(strings.TrimSpace(size))
	multiplier := int64(1)
	for _, unit := range []struct {
		suffix string
		mult   int64
	}{
		{"KB", 1 << 10},
		{"MB", 1 << 20},
		{"GB", 1 << 30},
	} {
		if strings.HasSuffix(upper, unit.suffix) {
			multiplier = unit.mult
			upper = strings.TrimSuffix(upper, unit.suffix)
			break
		}
	}

	value, err := strconv.ParseInt(strings.TrimSpace(upper), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size value: %w", err)
	}
	if value <= 0 {
		return 0, fmt.Errorf("size must be positive")
	}
	if value > (1<<62)/multiplier {
		return 0, fmt.Errorf("size too large")
	}
	return value * multiplier, nil
}
