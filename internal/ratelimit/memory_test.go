package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newLimiter(t *testing.T, rate float64, burst int) (*MemoryLimiter, *fakeClock) {
	t.Helper()
	clock := &fakeClock{t: time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)}
	m := NewMemoryLimiter(rate, burst)
	m.now = clock.now
	t.Cleanup(func() { require.NoError(t, m.Close()) })
	return m, clock
}

func TestMemoryLimiter_BurstThenDeny(t *testing.T) {
	m, _ := newLimiter(t, 10, 3)
	ctx := context.Background()

	for i := range 3 {
		d, err := m.Allow(ctx, "k1")
		require.NoError(t, err)
		assert.True(t, d.Allowed, "request %d within burst", i)
		assert.Equal(t, 2-i, d.Remaining)
	}

	d, err := m.Allow(ctx, "k1")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, 100*time.Millisecond, d.RetryAfter)
}

func TestMemoryLimiter_Refill(t *testing.T) {
	m, clock := newLimiter(t, 2, 1)
	ctx := context.Background()

	d, _ := m.Allow(ctx, "k1")
	require.True(t, d.Allowed)
	d, _ = m.Allow(ctx, "k1")
	require.False(t, d.Allowed)

	clock.advance(250 * time.Millisecond)
	d, _ = m.Allow(ctx, "k1")
	assert.False(t, d.Allowed)
	assert.Equal(t, 250*time.Millisecond, d.RetryAfter)

	clock.advance(250 * time.Millisecond)
	d, _ = m.Allow(ctx, "k1")
	assert.True(t, d.Allowed)
}

func TestMemoryLimiter_TokensCapAtBurst(t *testing.T) {
	m, clock := newLimiter(t, 1000, 3)
	ctx := context.Background()

	_, _ = m.Allow(ctx, "k1")
	clock.advance(time.Hour)

	for range 3 {
		d, _ := m.Allow(ctx, "k1")
		require.True(t, d.Allowed)
	}
	d, _ := m.Allow(ctx, "k1")
	assert.False(t, d.Allowed)
}

func TestMemoryLimiter_IndependentKeys(t *testing.T) {
	m, _ := newLimiter(t, 10, 1)
	ctx := context.Background()

	d, _ := m.Allow(ctx, "a")
	assert.True(t, d.Allowed)
	d, _ = m.Allow(ctx, "a")
	assert.False(t, d.Allowed)
	d, _ = m.Allow(ctx, "b")
	assert.True(t, d.Allowed)
}

func TestMemoryLimiter_Concurrent(t *testing.T) {
	m, _ := newLimiter(t, 100, 50)
	ctx := context.Background()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
	)
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 10 {
				d, err := m.Allow(ctx, "shared")
				if err != nil || !d.Allowed {
					continue
				}
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, allowed)
}

func TestMemoryLimiter_EvictIdle(t *testing.T) {
	m, clock := newLimiter(t, 10, 5)
	ctx := context.Background()

	_, _ = m.Allow(ctx, "stale")
	clock.advance(idleTTL + time.Second)
	_, _ = m.Allow(ctx, "recent")

	m.evictIdle()
	assert.Equal(t, 1, m.Len())
	m.mu.Lock()
	_, ok := m.buckets["recent"]
	m.mu.Unlock()
	assert.True(t, ok)
}

func TestMemoryLimiter_CloseTwice(t *testing.T) {
	m := NewMemoryLimiter(10, 5)
	assert.NoError(t, m.Close())
	assert.NoError(t, m.Close())
}

func TestNoopLimiter(t *testing.T) {
	var l NoopLimiter
	for range 100 {
		d, err := l.Allow(context.Background(), "anything")
		require.NoError(t, err)
		require.True(t, d.Allowed)
	}
	assert.NoError(t, l.Close())
}
