package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mattjoyce/paysink/internal/api"
	"github.com/mattjoyce/paysink/internal/auth"
	"github.com/mattjoyce/paysink/internal/config"
	"github.com/mattjoyce/paysink/internal/endpoint"
	"github.com/mattjoyce/paysink/internal/events"
	"github.com/mattjoyce/paysink/internal/eventstore"
	"github.com/mattjoyce/paysink/internal/metrics"
	"github.com/mattjoyce/paysink/internal/processor"
	"github.com/mattjoyce/paysink/internal/queue"
	"github.com/mattjoyce/paysink/internal/ratelimit"
	"github.com/mattjoyce/paysink/internal/scheduler"
	"github.com/mattjoyce/paysink/internal/secretcache"
	"github.com/mattjoyce/paysink/internal/signature"
	"github.com/mattjoyce/paysink/internal/storage"
	"github.com/mattjoyce/paysink/internal/vault"
	"github.com/mattjoyce/paysink/internal/webhook"
)

const (
	taskCacheSweep     = "secret-cache-sweep"
	taskRateLimitSweep = "ratelimit-sweep"
	taskPrune          = "job-log-prune"
)

// app is the fully wired service. Components are built in dependency order and
// started by run.
type app struct {
	cfg    *config.Config
	logger *slog.Logger

	db        *sql.DB
	hub       *events.Hub
	metrics   *metrics.Metrics
	vault     *vault.Vault
	cache     *secretcache.Cache
	queue     *queue.Queue
	store     *eventstore.Store
	limiter   ratelimit.Limiter
	processor *processor.Processor
	scheduler *scheduler.Scheduler
	webhook   *webhook.Server
	api       *api.Server
}

// openVault opens the state database and the vault. CLI commands that only
// manage secrets stop here.
func openVault(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*sql.DB, *vault.Vault, error) {
	key, err := vault.ParseKey(cfg.Encryption.Key)
	if err != nil {
		return nil, nil, fmt.Errorf("encryption key: %w", err)
	}
	cipher, err := vault.NewCipher(key)
	if err != nil {
		return nil, nil, err
	}

	db, err := storage.OpenSQLite(ctx, cfg.State.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("open database %s: %w", cfg.State.Path, err)
	}
	v := vault.New(db, cipher, vault.Options{MinSecretLength: cfg.Secrets.MinLength}, logger)
	return db, v, nil
}

func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	db, v, err := openVault(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	a := &app{
		cfg:     cfg,
		logger:  logger,
		db:      db,
		vault:   v,
		hub:     events.NewHub(512),
		metrics: metrics.New(),
		queue:   queue.New(db),
		store:   eventstore.New(db),
	}
	if err := a.wire(); err != nil {
		_ = a.close()
		return nil, err
	}
	return a, nil
}

func (a *app) wire() error {
	cfg := a.cfg

	a.cache = secretcache.New(a.vault, secretcache.Config{
		TTL:         cfg.Secrets.CacheTTL,
		LoadTimeout: cfg.Secrets.LoadTimeout,
	}, a.logger)

	// Registration, rotation and deactivation must be visible to the next request.
	a.vault.OnChange(func(ep endpoint.Name) {
		a.cache.Invalidate(ep)
		a.hub.Publish(events.TopicSecretChanged, map[string]any{"endpoint": ep})
	})

	if cfg.Signature.AllowUnsigned {
		a.logger.Warn("unsigned webhooks are accepted; do not use outside development", "environment", cfg.Service.Environment)
	}
	verifier := signature.NewVerifier(a.cache, signature.Config{AllowUnsigned: cfg.Signature.AllowUnsigned}, a.logger)

	limiter, err := newLimiter(cfg.RateLimit, a.logger)
	if err != nil {
		return err
	}
	a.limiter = limiter

	a.processor = processor.New(processor.Config{
		Workers:      cfg.Processor.Workers,
		PollInterval: cfg.Processor.PollInterval,
		Lease:        cfg.Processor.Lease,
		JobTimeout:   cfg.Processor.JobTimeout,
		BackoffBase:  cfg.Processor.BackoffBase,
		BackoffMax:   cfg.Processor.BackoffMax,
	}, a.queue, a.store, a.vault, a.hub, a.metrics, a.logger)

	a.scheduler = scheduler.New(scheduler.Config{TickInterval: cfg.Scheduler.TickInterval},
		a.queue, a.processor, a.hub, a.metrics, a.logger)
	if err := a.registerTasks(); err != nil {
		return err
	}

	whCfg, err := webhook.FromGlobalConfig(cfg)
	if err != nil {
		return err
	}
	a.webhook = webhook.New(whCfg, webhook.Deps{
		Queue:    a.queue,
		Verifier: verifier,
		Limiter:  a.limiter,
		Notifier: a.processor,
		Secrets:  a.vault,
		Cache:    a.cache,
	}, a.hub, a.metrics, a.logger)

	if cfg.API.Enabled {
		tokens := make([]auth.TokenConfig, 0, len(cfg.API.Auth.Tokens))
		for _, t := range cfg.API.Auth.Tokens {
			tokens = append(tokens, auth.TokenConfig{Name: t.Name, Token: t.Token, Scopes: t.Scopes})
		}
		store := auth.NewTokenStore(tokens)
		a.api = api.New(api.Config{Listen: cfg.API.Listen, AllowDecrypt: cfg.API.AllowDecrypt}, api.Deps{
			Sessions:   store,
			Authorizer: store,
			Secrets:    a.vault,
			Cache:      a.cache,
			Events:     a.store,
			Jobs:       a.queue,
			Scheduler:  a.scheduler,
		}, a.hub, a.metrics, a.logger)
	}

	a.registerGauges()
	return nil
}

func newLimiter(cfg config.RateLimitConfig, logger *slog.Logger) (ratelimit.Limiter, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	switch cfg.Backend {
	case config.RateLimitRedis:
		client := redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:        []string{cfg.Redis.Addr},
			Username:     cfg.Redis.Username,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			DialTimeout:  cfg.Redis.Timeout,
			ReadTimeout:  cfg.Redis.Timeout,
			WriteTimeout: cfg.Redis.Timeout,
		})
		logger.Info("rate limiting via redis", "addr", cfg.Redis.Addr)
		return ratelimit.NewRedisLimiter(client, ratelimit.RedisConfig{
			KeyPrefix:        cfg.Redis.KeyPrefix,
			Timeout:          cfg.Redis.Timeout,
			FailureThreshold: cfg.Redis.FailureThreshold,
			OpenTimeout:      cfg.Redis.OpenTimeout,
		}, logger), nil
	case config.RateLimitMemory, "":
		return ratelimit.NewMemoryLimiter(ratelimit.MemoryConfig{MaxKeys: cfg.MaxKeys}, logger), nil
	default:
		return nil, fmt.Errorf("unknown rate limit backend %q", cfg.Backend)
	}
}

func (a *app) registerTasks() error {
	sc := a.cfg.Scheduler
	tasks := []scheduler.Task{
		{
			Name:  taskCacheSweep,
			Every: sc.CacheSweepEvery,
			Run: func(context.Context) error {
				if n := a.cache.Sweep(); n > 0 {
					a.logger.Debug("expired secrets evicted", "count", n)
				}
				return nil
			},
		},
		{
			Name:   taskPrune,
			Every:  sc.PruneEvery,
			Jitter: sc.PruneEvery / 10,
			Run: func(ctx context.Context) error {
				logs, err := a.queue.PruneJobLogs(ctx, sc.JobLogRetention)
				if err != nil {
					return err
				}
				jobs, err := a.queue.PruneTerminal(ctx, sc.TerminalRetention)
				if err != nil {
					return err
				}
				if logs > 0 || jobs > 0 {
					a.logger.Info("pruned job history", "job_logs", logs, "jobs", jobs)
				}
				return nil
			},
		},
	}
	if mem, ok := a.limiter.(*ratelimit.MemoryLimiter); ok {
		tasks = append(tasks, scheduler.Task{
			Name:  taskRateLimitSweep,
			Every: sc.RateLimitSweepEvery,
			Run: func(context.Context) error {
				mem.Sweep()
				return nil
			},
		})
	}
	for _, t := range tasks {
		if err := a.scheduler.Register(t); err != nil {
			return fmt.Errorf("register task %s: %w", t.Name, err)
		}
	}
	return nil
}

func (a *app) registerGauges() {
	depth := func() float64 {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		n, err := a.queue.Depth(ctx)
		if err != nil {
			return -1
		}
		return float64(n)
	}
	a.metrics.GaugeFunc("queue_depth", "Jobs waiting or delayed.", depth)
	a.metrics.GaugeFunc("secret_cache_entries", "Decrypted secrets held in memory.", func() float64 {
		return float64(a.cache.Stats().Entries)
	})
	a.metrics.GaugeFunc("secret_cache_query_reduction_percent", "Share of secret lookups served from memory.", func() float64 {
		return a.cache.Stats().QueryReduction
	})
	a.metrics.CounterFunc("secret_cache_loads_total", "Secret loads from the vault.", func() float64 {
		return float64(a.cache.Stats().Loads)
	})
	a.metrics.CounterFunc("activity_dropped_total", "Activity events a slow subscriber missed.", func() float64 {
		return float64(a.hub.Dropped())
	})
	if mem, ok := a.limiter.(*ratelimit.MemoryLimiter); ok {
		a.metrics.GaugeFunc("ratelimit_keys", "Client windows tracked in memory.", func() float64 {
			return float64(mem.Len())
		})
	}
	if rl, ok := a.limiter.(*ratelimit.RedisLimiter); ok {
		a.metrics.GaugeFunc("ratelimit_breaker_open", "1 while the Redis circuit breaker is open.", func() float64 {
			if rl.BreakerState() == "open" {
				return 1
			}
			return 0
		})
	}
}

// run starts every component and blocks until ctx ends or one of them fails.
func (a *app) run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := a.scheduler.Start(ctx); err != nil {
		return err
	}
	a.processor.Start(ctx)

	errCh := make(chan error, 2)
	go func() {
		if err := a.webhook.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- fmt.Errorf("webhook: %w", err)
		}
	}()
	if a.api != nil {
		go func() {
			if err := a.api.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("api: %w", err)
			}
		}()
		a.logger.Info("API server enabled", "listen", a.cfg.API.Listen)
	}

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
		a.logger.Error("component failed", "error", runErr)
	}
	cancel()

	a.shutdown()
	return runErr
}

// shutdown stops the scheduler and waits for in-flight jobs, bounded by the
// configured timeout.
func (a *app) shutdown() {
	done := make(chan struct{})
	go func() {
		a.scheduler.Stop()
		a.processor.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(a.cfg.Service.ShutdownTimeout):
		a.logger.Warn("shutdown timed out waiting for workers", "timeout", a.cfg.Service.ShutdownTimeout)
	}
}

func (a *app) close() error {
	var errs []error
	if a.limiter != nil {
		errs = append(errs, a.limiter.Close())
	}
	if a.db != nil {
		errs = append(errs, a.db.Close())
	}
	return errors.Join(errs...)
}
