package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/paysink/internal/vault"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads configuration from a file. A .env file next to the config is
// loaded first (existing environment variables win), then ${VAR} references are
// interpolated and the YAML is decoded on top of Defaults. When a checksum
// sidecar exists the file must match it.
func Load(configPath string) (*Config, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return nil, fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}
	if info.IsDir() {
		absPath = filepath.Join(absPath, "config.yaml")
		if _, err := os.Stat(absPath); err != nil {
			return nil, fmt.Errorf("directory provided but config.yaml not found: %s", absPath)
		}
	}

	if err := loadDotEnv(filepath.Join(filepath.Dir(absPath), ".env")); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	if err := verifyChecksum(absPath, data); err != nil {
		return nil, err
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}
	cfg.SourceFile = absPath
	cfg.Checksum = Checksum(data)
	return cfg, nil
}

// Parse interpolates, decodes and validates a YAML document.
func Parse(data []byte) (*Config, error) {
	cfg := Defaults()
	if err := yaml.Unmarshal([]byte(interpolateEnv(string(data))), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	normalize(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func loadDotEnv(path string) error {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

// interpolateEnv replaces ${VAR} with environment variable values.
// Undefined variables are left as-is so validation can name them.
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match
	})
}

func normalize(cfg *Config) {
	cfg.Service.LogLevel = strings.ToLower(cfg.Service.LogLevel)
	cfg.Service.Environment = strings.ToLower(cfg.Service.Environment)
	cfg.RateLimit.Backend = strings.ToLower(cfg.RateLimit.Backend)
}

// validate performs basic validation on the configuration.
func validate(cfg *Config) error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[cfg.Service.LogLevel] {
		return fmt.Errorf("service.log_level must be one of: debug, info, warn, error (got %q)", cfg.Service.LogLevel)
	}
	switch cfg.Service.Environment {
	case EnvDevelopment, EnvStaging, EnvProduction:
	default:
		return fmt.Errorf("service.environment must be one of: development, staging, production (got %q)", cfg.Service.Environment)
	}

	if cfg.State.Path == "" {
		return fmt.Errorf("state.path is required")
	}

	if err := unresolved("encryption.key", cfg.Encryption.Key); err != nil {
		return err
	}
	if cfg.Encryption.Key == "" {
		return fmt.Errorf("encryption.key is required")
	}
	if _, err := vault.ParseKey(cfg.Encryption.Key); err != nil {
		return fmt.Errorf("encryption.key: %w", err)
	}

	if cfg.Secrets.CacheTTL <= 0 {
		return fmt.Errorf("secrets.cache_ttl must be positive")
	}
	if cfg.Secrets.MinLength < 16 {
		return fmt.Errorf("secrets.min_length must be at least 16 (got %d)", cfg.Secrets.MinLength)
	}

	if cfg.Signature.AllowUnsigned && cfg.Service.Production() {
		return fmt.Errorf("signature.allow_unsigned cannot be enabled when service.environment is production")
	}

	if err := validateRateLimit(cfg.RateLimit); err != nil {
		return err
	}

	if cfg.Webhooks.Listen == "" {
		return fmt.Errorf("webhooks.listen is required")
	}
	if _, err := ParseSize(cfg.Webhooks.MaxBodySize); err != nil {
		return fmt.Errorf("webhooks.max_body_size %q: %w", cfg.Webhooks.MaxBodySize, err)
	}
	if cfg.Webhooks.VerifyTimeout <= 0 {
		return fmt.Errorf("webhooks.verify_timeout must be positive")
	}
	if cfg.Webhooks.MaxAttempts < 1 {
		return fmt.Errorf("webhooks.max_attempts must be at least 1")
	}

	p := cfg.Processor
	if p.Workers < 1 {
		return fmt.Errorf("processor.workers must be at least 1")
	}
	if p.PollInterval <= 0 || p.Lease <= 0 || p.JobTimeout <= 0 {
		return fmt.Errorf("processor.poll_interval, processor.lease and processor.job_timeout must be positive")
	}
	if p.JobTimeout >= p.Lease {
		return fmt.Errorf("processor.job_timeout (%s) must be shorter than processor.lease (%s)", p.JobTimeout, p.Lease)
	}
	if p.BackoffBase <= 0 || p.BackoffMax < p.BackoffBase {
		return fmt.Errorf("processor.backoff_base must be positive and not exceed processor.backoff_max")
	}
	if need := backoffCeiling(p.BackoffBase, cfg.Webhooks.MaxAttempts); p.BackoffMax < need {
		return fmt.Errorf("processor.backoff_max (%s) must be at least %s so retry delays keep growing across webhooks.max_attempts (%d)",
			p.BackoffMax, need, cfg.Webhooks.MaxAttempts)
	}

	if cfg.Scheduler.TickInterval <= 0 {
		return fmt.Errorf("scheduler.tick_interval must be positive")
	}

	if cfg.API.Enabled {
		if cfg.API.Listen == "" {
			return fmt.Errorf("api.listen is required when the API is enabled")
		}
		if len(cfg.API.Auth.Tokens) == 0 {
			return fmt.Errorf("api.auth.tokens must contain at least one token when the API is enabled")
		}
		for i, tok := range cfg.API.Auth.Tokens {
			if tok.Token == "" {
				return fmt.Errorf("api.auth.tokens[%d].token is required", i)
			}
			if err := unresolved(fmt.Sprintf("api.auth.tokens[%d].token", i), tok.Token); err != nil {
				return err
			}
			if len(tok.Scopes) == 0 {
				return fmt.Errorf("api.auth.tokens[%d].scopes must be non-empty", i)
			}
		}
	}

	return nil
}

func validateRateLimit(rl RateLimitConfig) error {
	if !rl.Enabled {
		return nil
	}
	if rl.Requests <= 0 || rl.Window <= 0 {
		return fmt.Errorf("ratelimit.requests and ratelimit.window must be positive")
	}
	switch rl.Backend {
	case RateLimitMemory:
	case RateLimitRedis:
		if rl.Redis.Addr == "" {
			return fmt.Errorf("ratelimit.redis.addr is required for the redis backend")
		}
		if err := unresolved("ratelimit.redis.password", rl.Redis.Password); err != nil {
			return err
		}
	default:
		return fmt.Errorf("ratelimit.backend must be one of: memory, redis (got %q)", rl.Backend)
	}
	return nil
}

func unresolved(field, value string) error {
	if matches := envVarPattern.FindStringSubmatch(value); len(matches) > 1 {
		return fmt.Errorf("%s: environment variable ${%s} is not set", field, matches[1])
	}
	return nil
}

// backoffCeiling is the delay before the last retry, base * 2^(maxAttempts-2).
// It saturates instead of overflowing.
func backoffCeiling(base time.Duration, maxAttempts int) time.Duration {
	d := base
	for i := 2; i < maxAttempts; i++ {
		if d > math.MaxInt64/2 {
			return math.MaxInt64
		}
		d *= 2
	}
	return d
}
