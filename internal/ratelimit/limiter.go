// Package ratelimit gates webhook intake per client and route.
//
// Two implementations share the Limiter contract: MemoryLimiter, a fixed-window
// counter for single-instance deployments, and RedisLimiter, a sliding-window
// log that holds limits across instances and fails open when Redis is down.
package ratelimit

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// Policy is the admission budget for one route.
type Policy struct {
	RequestsPerWindow int64
	Window            time.Duration
}

func (p Policy) Valid() bool {
	return p.RequestsPerWindow > 0 && p.Window > 0
}

// Result contains the outcome of a rate limit check.
type Result struct {
	Allowed    bool
	Limit      int64
	Remaining  int64
	ResetTime  time.Time
	RetryAfter time.Duration

	// Degraded is set when the backing store was unreachable and the request was
	// admitted without being counted.
	Degraded bool
}

// SetHeaders writes X-RateLimit-* headers, plus Retry-After when rejected.
func (r *Result) SetHeaders(w http.ResponseWriter) {
	w.Header().Set("X-RateLimit-Limit", strconv.FormatInt(r.Limit, 10))
	w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(r.Remaining, 10))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(r.ResetTime.Unix(), 10))
	if !r.Allowed {
		w.Header().Set("Retry-After", strconv.FormatInt(r.RetryAfterSeconds(), 10))
	}
}

// RetryAfterSeconds rounds RetryAfter up to whole seconds, minimum 1.
func (r *Result) RetryAfterSeconds() int64 {
	secs := int64((r.RetryAfter + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}

type Limiter interface {
	CheckLimit(ctx context.Context, clientID, routeKey string, p Policy) (*Result, error)
	Close() error
}

// Clock provides an abstraction for time operations (useful for testing).
type Clock interface {
	Now() time.Time
}

type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// FixedClock returns a settable time. Safe for concurrent use.
type FixedClock struct {
	mu sync.RWMutex
	t  time.Time
}

func NewFixedClock(t time.Time) *FixedClock {
	return &FixedClock{t: t}
}

func (c *FixedClock) Now() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.t
}

func (c *FixedClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

func (c *FixedClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func bucketKey(clientID, routeKey string) string {
	return clientID + "|" + routeKey
}
