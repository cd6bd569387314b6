// Package secretcache keeps decrypted endpoint secrets in memory for a bounded
// time so the signature path does not hit the vault on every request.
package secretcache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/mattjoyce/paysink/internal/endpoint"
	"github.com/mattjoyce/paysink/internal/vault"
)

const (
	DefaultTTL         = 5 * time.Minute
	DefaultLoadTimeout = 5 * time.Second
)

// Source is the slice of the vault the cache reads through to.
type Source interface {
	Get(ctx context.Context, ep endpoint.Name) (*vault.Record, error)
	Decrypt(rec *vault.Record) ([]byte, error)
}

// Secret is a decrypted key. Key is shared between callers and must not be modified.
type Secret struct {
	Endpoint  endpoint.Name
	Key       []byte
	Version   int
	Algorithm string
	LoadedAt  time.Time
	ExpiresAt time.Time
}

type Stats struct {
	Entries        int           `json:"entries"`
	OldestAge      time.Duration `json:"oldestAgeNs"`
	Hits           int64         `json:"hits"`
	Misses         int64         `json:"misses"`
	Loads          int64         `json:"loads"`
	QueryReduction float64       `json:"queryReductionPercent"`
	Healthy        bool          `json:"healthy"`
	LastError      string        `json:"lastError,omitempty"`
}

type Config struct {
	TTL         time.Duration
	LoadTimeout time.Duration
	Now         func() time.Time
}

type Cache struct {
	source      Source
	ttl         time.Duration
	loadTimeout time.Duration
	now         func() time.Time
	logger      *slog.Logger

	group singleflight.Group

	mu          sync.RWMutex
	entries     map[endpoint.Name]*Secret
	generations map[endpoint.Name]uint64

	hits   atomic.Int64
	misses atomic.Int64
	loads  atomic.Int64

	errMu   sync.Mutex
	lastErr error
}

func New(source Source, cfg Config, logger *slog.Logger) *Cache {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.LoadTimeout <= 0 {
		cfg.LoadTimeout = DefaultLoadTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{
		source:      source,
		ttl:         cfg.TTL,
		loadTimeout: cfg.LoadTimeout,
		now:         cfg.Now,
		logger:      logger.With("component", "secretcache"),
		entries:     make(map[endpoint.Name]*Secret),
		generations: make(map[endpoint.Name]uint64),
	}
}

// Resolve returns the current secret for ep, loading it through the vault on a
// miss. Concurrent misses for the same endpoint share one load.
func (c *Cache) Resolve(ctx context.Context, ep endpoint.Name) (*Secret, error) {
	now := c.now()

	c.mu.RLock()
	s, ok := c.entries[ep]
	gen := c.generations[ep]
	c.mu.RUnlock()

	if ok && now.Before(s.ExpiresAt) {
		c.hits.Add(1)
		return s, nil
	}
	c.misses.Add(1)

	ch := c.group.DoChan(fmt.Sprintf("%s#%d", ep, gen), func() (any, error) {
		return c.load(ep, gen)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Secret), nil
	}
}

// load runs detached from any single caller so one cancelled request does not
// fail every waiter of the flight.
func (c *Cache) load(ep endpoint.Name, gen uint64) (*Secret, error) {
	ctx, cancel := context.WithTimeout(context.Background(), c.loadTimeout)
	defer cancel()
	c.loads.Add(1)

	rec, err := c.source.Get(ctx, ep)
	if err != nil {
		if !errors.Is(err, vault.ErrNotFound) {
			c.recordError(err)
		}
		return nil, err
	}
	key, err := c.source.Decrypt(rec)
	if err != nil {
		c.recordError(err)
		return nil, err
	}

	now := c.now()
	s := &Secret{
		Endpoint:  ep,
		Key:       key,
		Version:   rec.Version,
		Algorithm: rec.Algorithm,
		LoadedAt:  now,
		ExpiresAt: now.Add(c.ttl),
	}

	c.mu.Lock()
	stored := c.generations[ep] == gen
	if stored {
		c.entries[ep] = s
	}
	c.mu.Unlock()

	if !stored {
		c.logger.Debug("discarding secret loaded before invalidation", "endpoint", ep)
	}
	c.recordError(nil)
	return s, nil
}

// Invalidate drops the entry for ep and fences off any load already in flight.
func (c *Cache) Invalidate(ep endpoint.Name) {
	c.mu.Lock()
	delete(c.entries, ep)
	c.generations[ep]++
	c.mu.Unlock()
	c.logger.Debug("secret invalidated", "endpoint", ep)
}

func (c *Cache) InvalidateAll() {
	c.mu.Lock()
	for _, ep := range endpoint.All() {
		c.generations[ep]++
	}
	for ep := range c.entries {
		if !ep.Valid() {
			c.generations[ep]++
		}
	}
	clear(c.entries)
	c.mu.Unlock()
	c.logger.Info("secret cache cleared")
}

// Sweep removes expired entries and returns how many were dropped.
func (c *Cache) Sweep() int {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for ep, s := range c.entries {
		if !now.Before(s.ExpiresAt) {
			delete(c.entries, ep)
			removed++
		}
	}
	return removed
}

func (c *Cache) Stats() Stats {
	now := c.now()
	c.mu.RLock()
	st := Stats{Entries: len(c.entries)}
	for _, s := range c.entries {
		if age := now.Sub(s.LoadedAt); age > st.OldestAge {
			st.OldestAge = age
		}
	}
	c.mu.RUnlock()

	st.Hits = c.hits.Load()
	st.Misses = c.misses.Load()
	st.Loads = c.loads.Load()
	if total := st.Hits + st.Misses; total > 0 {
		st.QueryReduction = float64(total-st.Loads) / float64(total) * 100
	}

	c.errMu.Lock()
	st.Healthy = c.lastErr == nil
	if c.lastErr != nil {
		st.LastError = c.lastErr.Error()
	}
	c.errMu.Unlock()
	return st
}

func (c *Cache) recordError(err error) {
	c.errMu.Lock()
	c.lastErr = err
	c.errMu.Unlock()
}
