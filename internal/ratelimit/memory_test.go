package ratelimit

import (
	"context"
	"fmt"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/paysink/internal/log"
)

var start = time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

func TestMemoryLimiterSixthRequestRejected(t *testing.T) {
	clock := NewFixedClock(start)
	l := NewMemoryLimiter(MemoryConfig{Clock: clock}, log.Discard())
	policy := Policy{RequestsPerWindow: 5, Window: time.Second}
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		res, err := l.CheckLimit(ctx, "10.0.0.1", "account-status", policy)
		require.NoError(t, err)
		assert.True(t, res.Allowed, "request %d", i)
		assert.Equal(t, int64(5-i), res.Remaining)
	}

	res, err := l.CheckLimit(ctx, "10.0.0.1", "account-status", policy)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, int64(0), res.Remaining)
	assert.Equal(t, time.Second, res.RetryAfter)
	assert.Equal(t, int64(1), res.RetryAfterSeconds())

	clock.Advance(time.Second)
	res, err = l.CheckLimit(ctx, "10.0.0.1", "account-status", policy)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, int64(4), res.Remaining)
}

func TestMemoryLimiterKeysAreIndependent(t *testing.T) {
	l := NewMemoryLimiter(MemoryConfig{Clock: NewFixedClock(start)}, log.Discard())
	policy := Policy{RequestsPerWindow: 1, Window: time.Minute}
	ctx := context.Background()

	res, _ := l.CheckLimit(ctx, "a", "netbanx", policy)
	assert.True(t, res.Allowed)
	res, _ = l.CheckLimit(ctx, "a", "direct-debit", policy)
	assert.True(t, res.Allowed)
	res, _ = l.CheckLimit(ctx, "b", "netbanx", policy)
	assert.True(t, res.Allowed)
	res, _ = l.CheckLimit(ctx, "a", "netbanx", policy)
	assert.False(t, res.Allowed)
}

func TestMemoryLimiterConcurrentAdmitsExactlyLimit(t *testing.T) {
	l := NewMemoryLimiter(MemoryConfig{Clock: NewFixedClock(start)}, log.Discard())
	policy := Policy{RequestsPerWindow: 50, Window: time.Minute}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
	)
	for range 200 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := l.CheckLimit(context.Background(), "c", "r", policy)
			if err == nil && res.Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, allowed)
}

func TestMemoryLimiterSweep(t *testing.T) {
	clock := NewFixedClock(start)
	l := NewMemoryLimiter(MemoryConfig{Clock: clock}, log.Discard())
	ctx := context.Background()

	_, _ = l.CheckLimit(ctx, "a", "r", Policy{RequestsPerWindow: 1, Window: time.Second})
	_, _ = l.CheckLimit(ctx, "b", "r", Policy{RequestsPerWindow: 1, Window: time.Minute})
	require.Equal(t, 2, l.Len())

	clock.Advance(2 * time.Second)
	assert.Equal(t, 1, l.Sweep())
	assert.Equal(t, 1, l.Len())
}

func TestMemoryLimiterMaxKeysCeiling(t *testing.T) {
	clock := NewFixedClock(start)
	l := NewMemoryLimiter(MemoryConfig{Clock: clock, MaxKeys: 100}, log.Discard())
	policy := Policy{RequestsPerWindow: 10, Window: time.Minute}
	ctx := context.Background()

	for i := range 1000 {
		_, err := l.CheckLimit(ctx, fmt.Sprintf("10.0.%d.%d", i/256, i%256), "r", policy)
		require.NoError(t, err)
		assert.LessOrEqual(t, l.Len(), 100)
	}
}

func TestMemoryLimiterRejectsInvalidPolicy(t *testing.T) {
	l := NewMemoryLimiter(MemoryConfig{}, log.Discard())
	_, err := l.CheckLimit(context.Background(), "a", "r", Policy{})
	assert.Error(t, err)
}

func TestResultSetHeaders(t *testing.T) {
	rec := httptest.NewRecorder()
	res := &Result{Allowed: false, Limit: 5, Remaining: 0, ResetTime: start, RetryAfter: 1500 * time.Millisecond}
	res.SetHeaders(rec)

	assert.Equal(t, "5", rec.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))
	assert.Equal(t, fmt.Sprint(start.Unix()), rec.Header().Get("X-RateLimit-Reset"))
	assert.Equal(t, "2", rec.Header().Get("Retry-After"))

	rec = httptest.NewRecorder()
	(&Result{Allowed: true, Limit: 5, Remaining: 4, ResetTime: start}).SetHeaders(rec)
	assert.Empty(t, rec.Header().Get("Retry-After"))
}

func TestClientID(t *testing.T) {
	tests := []struct {
		name       string
		xff        string
		remoteAddr string
		want       string
	}{
		{name: "forwarded first entry", xff: "203.0.113.7, 10.0.0.1", remoteAddr: "10.0.0.1:1234", want: "203.0.113.7"},
		{name: "remote host", remoteAddr: "192.0.2.4:5555", want: "192.0.2.4"},
		{name: "remote without port", remoteAddr: "192.0.2.4", want: "192.0.2.4"},
		{name: "blank forwarded", xff: " , 10.0.0.1", remoteAddr: "192.0.2.4:1", want: "192.0.2.4"},
		{name: "nothing", want: UnknownClient},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("POST", "/webhooks/netbanx", nil)
			r.RemoteAddr = tt.remoteAddr
			if tt.xff != "" {
				r.Header.Set("X-Forwarded-For", tt.xff)
			}
			assert.Equal(t, tt.want, ClientID(r))
		})
	}
}
