package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

const DefaultMaxKeys = 100_000

type window struct {
	count   atomic.Int64
	resetAt atomic.Int64 // unix nanos
}

// MemoryLimiter is a fixed-window counter keyed by client and route. Counters are
// incremented under the read lock; only window creation, reset and eviction take
// the write lock.
type MemoryLimiter struct {
	clock   Clock
	maxKeys int
	logger  *slog.Logger

	mu      sync.RWMutex
	windows map[string]*window
}

type MemoryConfig struct {
	MaxKeys int
	Clock   Clock
}

func NewMemoryLimiter(cfg MemoryConfig, logger *slog.Logger) *MemoryLimiter {
	if cfg.MaxKeys <= 0 {
		cfg.MaxKeys = DefaultMaxKeys
	}
	if cfg.Clock == nil {
		cfg.Clock = SystemClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &MemoryLimiter{
		clock:   cfg.Clock,
		maxKeys: cfg.MaxKeys,
		logger:  logger.With("component", "ratelimit", "backend", "memory"),
		windows: make(map[string]*window),
	}
}

func (m *MemoryLimiter) CheckLimit(_ context.Context, clientID, routeKey string, p Policy) (*Result, error) {
	if !p.Valid() {
		return nil, fmt.Errorf("invalid rate limit policy: %d per %s", p.RequestsPerWindow, p.Window)
	}
	now := m.clock.Now()
	nowNanos := now.UnixNano()
	w := m.window(bucketKey(clientID, routeKey), nowNanos, p)

	if nowNanos >= w.resetAt.Load() {
		m.mu.Lock()
		if nowNanos >= w.resetAt.Load() {
			w.count.Store(0)
			w.resetAt.Store(now.Add(p.Window).UnixNano())
		}
		m.mu.Unlock()
	}

	m.mu.RLock()
	count := w.count.Add(1)
	resetAt := w.resetAt.Load()
	m.mu.RUnlock()

	res := &Result{
		Allowed:   count <= p.RequestsPerWindow,
		Limit:     p.RequestsPerWindow,
		Remaining: max(p.RequestsPerWindow-count, 0),
	}
	res.ResetTime = now.Add(timeUntil(nowNanos, resetAt))
	if !res.Allowed {
		res.RetryAfter = res.ResetTime.Sub(now)
	}
	return res, nil
}

func (m *MemoryLimiter) window(key string, nowNanos int64, p Policy) *window {
	m.mu.RLock()
	w, ok := m.windows[key]
	m.mu.RUnlock()
	if ok {
		return w
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if w, ok := m.windows[key]; ok {
		return w
	}
	if len(m.windows) >= m.maxKeys {
		m.sweepLocked(nowNanos)
		if len(m.windows) >= m.maxKeys {
			m.evictLocked(m.maxKeys * 9 / 10)
		}
	}
	w = &window{}
	w.resetAt.Store(nowNanos + int64(p.Window))
	m.windows[key] = w
	return w
}

// Sweep drops expired windows and returns how many were removed.
func (m *MemoryLimiter) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sweepLocked(m.clock.Now().UnixNano())
}

func (m *MemoryLimiter) sweepLocked(nowNanos int64) int {
	removed := 0
	for k, w := range m.windows {
		if nowNanos >= w.resetAt.Load() {
			delete(m.windows, k)
			removed++
		}
	}
	return removed
}

// evictLocked removes the windows closest to expiry until at most target remain.
func (m *MemoryLimiter) evictLocked(target int) {
	type entry struct {
		key     string
		resetAt int64
	}
	entries := make([]entry, 0, len(m.windows))
	for k, w := range m.windows {
		entries = append(entries, entry{key: k, resetAt: w.resetAt.Load()})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].resetAt < entries[j].resetAt })

	evicted := 0
	for _, e := range entries {
		if len(m.windows) <= target {
			break
		}
		delete(m.windows, e.key)
		evicted++
	}
	m.logger.Warn("rate limiter key ceiling reached, evicted live windows",
		"evicted", evicted, "max_keys", m.maxKeys)
}

// Len reports the number of tracked windows.
func (m *MemoryLimiter) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.windows)
}

func (m *MemoryLimiter) Close() error { return nil }

func timeUntil(nowNanos, resetAt int64) time.Duration {
	if resetAt <= nowNanos {
		return 0
	}
	return time.Duration(resetAt - nowNanos)
}
