package config

import (
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

var testKey = strings.Repeat("ab", 32)

func TestLoad(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		env     map[string]string
		wantErr string
		checkFn func(t *testing.T, cfg *Config)
	}{
		{
			name: "minimal valid config",
			yaml: `
encryption:
  key: ` + testKey + `
state:
  path: ./test.db
`,
			checkFn: func(t *testing.T, cfg *Config) {
				if cfg.State.Path != "./test.db" {
					t.Error("state.path not parsed")
				}
				if cfg.Service.Environment != EnvDevelopment {
					t.Errorf("default environment = %q", cfg.Service.Environment)
				}
				if cfg.Secrets.CacheTTL != 5*time.Minute {
					t.Errorf("default cache_ttl = %s", cfg.Secrets.CacheTTL)
				}
				if !cfg.RateLimit.Enabled || cfg.RateLimit.Backend != RateLimitMemory {
					t.Error("default rate limit not applied")
				}
				if cfg.Processor.BackoffBase != time.Second || cfg.Processor.BackoffMax != 5*time.Minute {
					t.Error("default backoff not applied")
				}
			},
		},
		{
			name: "durations and overrides",
			yaml: `
service:
  environment: Production
  log_level: DEBUG
encryption:
  key: ` + testKey + `
secrets:
  cache_ttl: 90s
ratelimit:
  enabled: false
webhooks:
  max_body_size: 512KB
  verify_timeout: 2s
processor:
  workers: 8
  lease: 1m
  job_timeout: 20s
`,
			checkFn: func(t *testing.T, cfg *Config) {
				if !cfg.Service.Production() || cfg.Service.LogLevel != "debug" {
					t.Errorf("service not normalized: %+v", cfg.Service)
				}
				if cfg.Secrets.CacheTTL != 90*time.Second {
					t.Errorf("cache_ttl = %s", cfg.Secrets.CacheTTL)
				}
				if cfg.RateLimit.Enabled {
					t.Error("ratelimit.enabled override ignored")
				}
				if cfg.Processor.Workers != 8 || cfg.Processor.Lease != time.Minute {
					t.Errorf("processor = %+v", cfg.Processor)
				}
			},
		},
		{
			name: "env var interpolation",
			yaml: `
state:
  path: ${DB_PATH}
encryption:
  key: ${PAYSINK_TEST_KEY}
ratelimit:
  backend: redis
  redis:
    addr: ${REDIS_ADDR}
`,
			env: map[string]string{
				"DB_PATH":          "/tmp/test.db",
				"PAYSINK_TEST_KEY": testKey,
				"REDIS_ADDR":       "redis:6379",
			},
			checkFn: func(t *testing.T, cfg *Config) {
				if cfg.State.Path != "/tmp/test.db" {
					t.Errorf("env var not interpolated in state.path: %s", cfg.State.Path)
				}
				if cfg.RateLimit.Redis.Addr != "redis:6379" {
					t.Errorf("env var not interpolated in redis.addr: %s", cfg.RateLimit.Redis.Addr)
				}
			},
		},
		{
			name: "missing env var fails validation",
			yaml: `
encryption:
  key: ${PAYSINK_MISSING_KEY}
`,
			wantErr: "${PAYSINK_MISSING_KEY} is not set",
		},
		{
			name: "backoff cap flattens retry delays",
			yaml: `
encryption:
  key: ` + testKey + `
webhooks:
  max_attempts: 5
processor:
  backoff_base: 1s
  backoff_max: 2s
`,
			wantErr: "processor.backoff_max (2s) must be at least 8s",
		},
		{
			name: "backoff cap reached exactly by the last retry",
			yaml: `
encryption:
  key: ` + testKey + `
webhooks:
  max_attempts: 5
processor:
  backoff_base: 1s
  backoff_max: 8s
`,
			checkFn: func(t *testing.T, cfg *Config) {
				if cfg.Processor.BackoffMax != 8*time.Second {
					t.Errorf("backoff_max = %s", cfg.Processor.BackoffMax)
				}
			},
		},
		{
			name:    "missing encryption key",
			yaml:    "state:\n  path: ./x.db\n",
			wantErr: "encryption.key is required",
		},
		{
			name: "short encryption key",
			yaml: `
encryption:
  key: abcd
`,
			wantErr: "encryption.key",
		},
		{
			name: "invalid log level",
			yaml: `
service:
  log_level: invalid
encryption:
  key: ` + testKey + `
`,
			wantErr: "service.log_level",
		},
		{
			name: "unsigned rejected in production",
			yaml: `
service:
  environment: production
encryption:
  key: ` + testKey + `
signature:
  allow_unsigned: true
`,
			wantErr: "signature.allow_unsigned",
		},
		{
			name: "unsigned allowed in development",
			yaml: `
encryption:
  key: ` + testKey + `
signature:
  allow_unsigned: true
`,
			checkFn: func(t *testing.T, cfg *Config) {
				if !cfg.Signature.AllowUnsigned {
					t.Error("allow_unsigned not parsed")
				}
			},
		},
		{
			name: "unknown rate limit backend",
			yaml: `
encryption:
  key: ` + testKey + `
ratelimit:
  backend: memcached
`,
			wantErr: "ratelimit.backend",
		},
		{
			name: "job timeout must be shorter than lease",
			yaml: `
encryption:
  key: ` + testKey + `
processor:
  lease: 10s
  job_timeout: 10s
`,
			wantErr: "processor.job_timeout",
		},
		{
			name: "api requires scoped tokens",
			yaml: `
encryption:
  key: ` + testKey + `
api:
  enabled: true
  auth:
    tokens:
      - name: ops
        token: t0ken
`,
			wantErr: "api.auth.tokens[0].scopes",
		},
		{
			name: "invalid body size",
			yaml: `
encryption:
  key: ` + testKey + `
webhooks:
  max_body_size: lots
`,
			wantErr: "webhooks.max_body_size",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			tmpDir := t.TempDir()
			configPath := filepath.Join(tmpDir, "config.yaml")
			if err := os.WriteFile(configPath, []byte(tt.yaml), 0644); err != nil {
				t.Fatalf("failed to write test config: %v", err)
			}

			cfg, err := Load(configPath)

			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("Load() error = %v, want containing %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Load() error = %v", err)
			}
			if cfg.SourceFile != configPath {
				t.Errorf("SourceFile = %q, want %q", cfg.SourceFile, configPath)
			}
			if tt.checkFn != nil {
				tt.checkFn(t, cfg)
			}
		})
	}
}

func TestLoadDotEnvAndDirectory(t *testing.T) {
	tmpDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(tmpDir, ".env"), []byte("PAYSINK_DOTENV_KEY="+testKey+"\n"), 0600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(tmpDir, "config.yaml"), []byte("encryption:\n  key: ${PAYSINK_DOTENV_KEY}\n"), 0644); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.Unsetenv("PAYSINK_DOTENV_KEY") })

	cfg, err := Load(tmpDir)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Encryption.Key != testKey {
		t.Errorf("key from .env not interpolated: %q", cfg.Encryption.Key)
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil || !strings.Contains(err.Error(), "config file not found") {
		t.Fatalf("expected not found error, got %v", err)
	}
}

func TestInterpolateEnv(t *testing.T) {
	tests := []struct {
		name  string
		input string
		env   map[string]string
		want  string
	}{
		{
			name:  "simple replacement",
			input: "path: ${PAYSINK_HOME}/data",
			env:   map[string]string{"PAYSINK_HOME": "/users/test"},
			want:  "path: /users/test/data",
		},
		{
			name:  "undefined left as-is",
			input: "key: ${PAYSINK_UNDEFINED_VAR}",
			want:  "key: ${PAYSINK_UNDEFINED_VAR}",
		},
		{
			name:  "bare dollar untouched",
			input: "price: $5",
			want:  "price: $5",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			if got := interpolateEnv(tt.input); got != tt.want {
				t.Errorf("interpolateEnv() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestParseSize(t *testing.T) {
	tests := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{"", DefaultMaxBodySize, false},
		{"1MB", 1 << 20, false},
		{"512kb", 512 << 10, false},
		{"2048", 2048, false},
		{"10B", 10, false},
		{"0", 0, true},
		{"-1KB", 0, true},
		{"huge", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseSize(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseSize(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseSize(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestBackoffCeiling(t *testing.T) {
	tests := []struct {
		base     time.Duration
		attempts int
		want     time.Duration
	}{
		{time.Second, 1, time.Second},
		{time.Second, 2, time.Second},
		{time.Second, 5, 8 * time.Second},
		{2 * time.Second, 3, 4 * time.Second},
		{time.Hour, 200, math.MaxInt64},
	}
	for _, tt := range tests {
		if got := backoffCeiling(tt.base, tt.attempts); got != tt.want {
			t.Errorf("backoffCeiling(%s, %d) = %s, want %s", tt.base, tt.attempts, got, tt.want)
		}
	}
}
