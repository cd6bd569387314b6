package ratelimit

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

//go:embed sliding_window.lua
var slidingWindowScript string

type RedisConfig struct {
	KeyPrefix string
	// Timeout bounds each Redis round trip.
	Timeout time.Duration
	// FailureThreshold consecutive errors open the breaker.
	FailureThreshold uint32
	// OpenTimeout is how long the breaker stays open before probing Redis again.
	OpenTimeout time.Duration
	Clock       Clock
}

// RedisLimiter keeps a sliding-window log per client and route in a sorted set so
// limits hold across instances. Any Redis failure admits the request.
type RedisLimiter struct {
	client    redis.UniversalClient
	script    *redis.Script
	keyPrefix string
	timeout   time.Duration
	clock     Clock
	breaker   *gobreaker.CircuitBreaker
	logger    *slog.Logger
	warnEvery rate.Sometimes
	closeOnce sync.Once
}

func NewRedisLimiter(client redis.UniversalClient, cfg RedisConfig, logger *slog.Logger) *RedisLimiter {
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "paysink:ratelimit:"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 250 * time.Millisecond
	}
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 10 * time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = SystemClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "ratelimit", "backend", "redis")

	threshold := cfg.FailureThreshold
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "ratelimit-redis",
		MaxRequests: 1,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("rate limiter breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
		},
	})

	return &RedisLimiter{
		client:    client,
		script:    redis.NewScript(slidingWindowScript),
		keyPrefix: cfg.KeyPrefix,
		timeout:   cfg.Timeout,
		clock:     cfg.Clock,
		breaker:   breaker,
		logger:    logger,
		warnEvery: rate.Sometimes{First: 1, Interval: 30 * time.Second},
	}
}

func (r *RedisLimiter) CheckLimit(ctx context.Context, clientID, routeKey string, p Policy) (*Result, error) {
	if !p.Valid() {
		return nil, fmt.Errorf("invalid rate limit policy: %d per %s", p.RequestsPerWindow, p.Window)
	}
	now := r.clock.Now()

	out, err := r.breaker.Execute(func() (interface{}, error) {
		return r.run(ctx, r.keyPrefix+bucketKey(clientID, routeKey), now, p)
	})
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		r.warnEvery.Do(func() {
			r.logger.Warn("rate limiter store unavailable, admitting requests", "error", err)
		})
		return &Result{
			Allowed:   true,
			Limit:     p.RequestsPerWindow,
			Remaining: p.RequestsPerWindow,
			ResetTime: now.Add(p.Window),
			Degraded:  true,
		}, nil
	}
	return out.(*Result), nil
}

func (r *RedisLimiter) run(ctx context.Context, key string, now time.Time, p Policy) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	nowMs := now.UnixMilli()
	windowMs := p.Window.Milliseconds()
	raw, err := r.script.Run(ctx, r.client, []string{key},
		nowMs,
		windowMs,
		p.RequestsPerWindow,
		fmt.Sprintf("%d-%s", nowMs, uuid.NewString()),
	).Result()
	if err != nil {
		return nil, fmt.Errorf("sliding window script: %w", err)
	}

	values, ok := raw.([]interface{})
	if !ok || len(values) != 3 {
		return nil, fmt.Errorf("sliding window script: unexpected reply %T", raw)
	}
	allowed, _ := values[0].(int64)
	count, _ := values[1].(int64)
	oldest, _ := values[2].(int64)

	reset := time.UnixMilli(oldest + windowMs)
	res := &Result{
		Allowed:   allowed == 1,
		Limit:     p.RequestsPerWindow,
		Remaining: max(p.RequestsPerWindow-count, 0),
		ResetTime: reset,
	}
	if !res.Allowed {
		res.RetryAfter = max(reset.Sub(now), 0)
	}
	return res, nil
}

// BreakerState reports the circuit breaker state, for health output.
func (r *RedisLimiter) BreakerState() string {
	return r.breaker.State().String()
}

// Close closes the Redis connection. Safe to call multiple times.
func (r *RedisLimiter) Close() error {
	var err error
	r.closeOnce.Do(func() {
		err = r.client.Close()
	})
	return err
}
