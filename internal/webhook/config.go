package webhook

import (
	"fmt"

	"github.com/mattjoyce/paysink/internal/config"
	"github.com/mattjoyce/paysink/internal/ratelimit"
)

// FromGlobalConfig converts the webhooks and ratelimit sections to webhook.Config.
func FromGlobalConfig(cfg *config.Config) (Config, error) {
	if cfg == nil {
		return Config{}, fmt.Errorf("config is nil")
	}

	maxBodySize, err := config.ParseSize(cfg.Webhooks.MaxBodySize)
	if err != nil {
		return Config{}, fmt.Errorf("webhooks: invalid max_body_size %q: %w", cfg.Webhooks.MaxBodySize, err)
	}

	out := Config{
		Listen:        cfg.Webhooks.Listen,
		MaxBodySize:   maxBodySize,
		VerifyTimeout: cfg.Webhooks.VerifyTimeout,
		MaxAttempts:   cfg.Webhooks.MaxAttempts,
	}
	if cfg.RateLimit.Enabled {
		out.RateLimit = ratelimit.Policy{
			RequestsPerWindow: cfg.RateLimit.Requests,
			Window:            cfg.RateLimit.Window,
		}
	}
	return out, nil
}
