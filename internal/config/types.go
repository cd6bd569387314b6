package config

import "time"

// Config represents the complete paysink configuration.
type Config struct {
	Service    ServiceConfig    `yaml:"service"`
	State      StateConfig      `yaml:"state"`
	Encryption EncryptionConfig `yaml:"encryption"`
	Secrets    SecretsConfig    `yaml:"secrets"`
	Signature  SignatureConfig  `yaml:"signature"`
	RateLimit  RateLimitConfig  `yaml:"ratelimit"`
	Webhooks   WebhooksConfig   `yaml:"webhooks"`
	Processor  ProcessorConfig  `yaml:"processor"`
	Scheduler  SchedulerConfig  `yaml:"scheduler"`
	API        APIConfig        `yaml:"api"`

	// SourceFile is the absolute path Load read from. Not part of the YAML.
	SourceFile string `yaml:"-"`
	// Checksum is the BLAKE3 digest of the file as read, before interpolation.
	Checksum string `yaml:"-"`
}

const (
	EnvDevelopment = "development"
	EnvStaging     = "staging"
	EnvProduction  = "production"
)

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name            string        `yaml:"name"`
	Environment     string        `yaml:"environment"`
	LogLevel        string        `yaml:"log_level"`
	LogFormat       string        `yaml:"log_format"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

func (s ServiceConfig) Production() bool {
	return s.Environment == EnvProduction
}

// StateConfig defines state storage settings.
type StateConfig struct {
	Path string `yaml:"path"`
}

// EncryptionConfig holds the vault master key. It is normally supplied as
// ${PAYSINK_ENCRYPTION_KEY} and never stored in the database.
type EncryptionConfig struct {
	Key string `yaml:"key"`
}

type SecretsConfig struct {
	CacheTTL    time.Duration `yaml:"cache_ttl"`
	LoadTimeout time.Duration `yaml:"load_timeout"`
	MinLength   int           `yaml:"min_length"`
}

type SignatureConfig struct {
	// AllowUnsigned admits requests without a signature header. Rejected in production.
	AllowUnsigned bool `yaml:"allow_unsigned"`
}

const (
	RateLimitMemory = "memory"
	RateLimitRedis  = "redis"
)

type RateLimitConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Backend  string        `yaml:"backend"`
	Requests int64         `yaml:"requests"`
	Window   time.Duration `yaml:"window"`
	MaxKeys  int           `yaml:"max_keys"`
	Redis    RedisConfig   `yaml:"redis"`
}

type RedisConfig struct {
	Addr             string        `yaml:"addr"`
	Username         string        `yaml:"username"`
	Password         string        `yaml:"password"`
	DB               int           `yaml:"db"`
	KeyPrefix        string        `yaml:"key_prefix"`
	Timeout          time.Duration `yaml:"timeout"`
	FailureThreshold uint32        `yaml:"failure_threshold"`
	OpenTimeout      time.Duration `yaml:"open_timeout"`
}

// WebhooksConfig defines the ingestion listener.
type WebhooksConfig struct {
	Listen        string        `yaml:"listen"`
	MaxBodySize   string        `yaml:"max_body_size"`
	VerifyTimeout time.Duration `yaml:"verify_timeout"`
	MaxAttempts   int           `yaml:"max_attempts"`
}

type ProcessorConfig struct {
	Workers      int           `yaml:"workers"`
	PollInterval time.Duration `yaml:"poll_interval"`
	Lease        time.Duration `yaml:"lease"`
	JobTimeout   time.Duration `yaml:"job_timeout"`
	BackoffBase  time.Duration `yaml:"backoff_base"`
	BackoffMax   time.Duration `yaml:"backoff_max"`
}

type SchedulerConfig struct {
	TickInterval        time.Duration `yaml:"tick_interval"`
	CacheSweepEvery     time.Duration `yaml:"cache_sweep_every"`
	RateLimitSweepEvery time.Duration `yaml:"ratelimit_sweep_every"`
	PruneEvery          time.Duration `yaml:"prune_every"`
	JobLogRetention     time.Duration `yaml:"job_log_retention"`
	TerminalRetention   time.Duration `yaml:"terminal_retention"`
}

// APIConfig defines the admin HTTP API.
type APIConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Listen       string        `yaml:"listen"`
	AllowDecrypt bool          `yaml:"allow_decrypt"`
	Auth         APIAuthConfig `yaml:"auth"`
}

type APIAuthConfig struct {
	Tokens []APIToken `yaml:"tokens,omitempty"`
}

// APIToken defines a bearer token and its scopes.
type APIToken struct {
	Name   string   `yaml:"name"`
	Token  string   `yaml:"token"`
	Scopes []string `yaml:"scopes"`
}

// Defaults returns a Config with sensible defaults. Load decodes YAML on top of it.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:            "paysink",
			Environment:     EnvDevelopment,
			LogLevel:        "info",
			LogFormat:       "json",
			ShutdownTimeout: 15 * time.Second,
		},
		State: StateConfig{
			Path: "./data/paysink.db",
		},
		Secrets: SecretsConfig{
			CacheTTL:    5 * time.Minute,
			LoadTimeout: 5 * time.Second,
			MinLength:   32,
		},
		RateLimit: RateLimitConfig{
			Enabled:  true,
			Backend:  RateLimitMemory,
			Requests: 100,
			Window:   time.Minute,
			MaxKeys:  100_000,
			Redis: RedisConfig{
				Addr:             "127.0.0.1:6379",
				KeyPrefix:        "paysink:rl:",
				Timeout:          250 * time.Millisecond,
				FailureThreshold: 5,
				OpenTimeout:      10 * time.Second,
			},
		},
		Webhooks: WebhooksConfig{
			Listen:        "0.0.0.0:8081",
			MaxBodySize:   "1MB",
			VerifyTimeout: 5 * time.Second,
			MaxAttempts:   5,
		},
		Processor: ProcessorConfig{
			Workers:      4,
			PollInterval: time.Second,
			Lease:        2 * time.Minute,
			JobTimeout:   30 * time.Second,
			BackoffBase:  time.Second,
			BackoffMax:   5 * time.Minute,
		},
		Scheduler: SchedulerConfig{
			TickInterval:        5 * time.Second,
			CacheSweepEvery:     time.Minute,
			RateLimitSweepEvery: time.Minute,
			PruneEvery:          time.Hour,
			JobLogRetention:     7 * 24 * time.Hour,
			TerminalRetention:   30 * 24 * time.Hour,
		},
		API: APIConfig{
			Enabled: false,
			Listen:  "127.0.0.1:8080",
		},
	}
}
