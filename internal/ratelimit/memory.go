package ratelimit

import (
	"context"
	"math"
	"sync"
	"time"
)

type bucket struct {
	tokens float64
	seen   time.Time
}

// MemoryLimiter is a process-local token bucket limiter. Each key refills
// at rate tokens per second up to burst. Keys idle for idleTTL are evicted
// by a background sweep.
type MemoryLimiter struct {
	rate  float64
	burst float64
	now   func() time.Time

	mu      sync.Mutex
	buckets map[string]*bucket

	stopOnce sync.Once
	done     chan struct{}
}

const (
	idleTTL       = 10 * time.Minute
	sweepInterval = time.Minute
)

// NewMemoryLimiter creates a limiter allowing rate requests per second per
// key with bursts of up to burst. Call Close to stop the eviction sweep.
func NewMemoryLimiter(rate float64, burst int) *MemoryLimiter {
	m := &MemoryLimiter{
		rate:    rate,
		burst:   float64(max(burst, 1)),
		now:     time.Now,
		buckets: make(map[string]*bucket),
		done:    make(chan struct{}),
	}
	go m.sweep()
	return m
}

// Allow takes one token from key's bucket.
func (m *MemoryLimiter) Allow(_ context.Context, key string) (Decision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	b, ok := m.buckets[key]
	if !ok {
		b = &bucket{tokens: m.burst, seen: now}
		m.buckets[key] = b
	} else {
		b.tokens = math.Min(m.burst, b.tokens+now.Sub(b.seen).Seconds()*m.rate)
		b.seen = now
	}

	if b.tokens < 1 {
		var wait time.Duration
		if m.rate > 0 {
			wait = time.Duration((1 - b.tokens) / m.rate * float64(time.Second))
		} else {
			wait = idleTTL
		}
		return Decision{RetryAfter: wait}, nil
	}
	b.tokens--
	return Decision{Allowed: true, Remaining: int(b.tokens)}, nil
}

// Len is the number of tracked keys.
func (m *MemoryLimiter) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.buckets)
}

// Close stops the sweep. Safe to call more than once.
func (m *MemoryLimiter) Close() error {
	m.stopOnce.Do(func() { close(m.done) })
	return nil
}

func (m *MemoryLimiter) sweep() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.evictIdle()
		}
	}
}

func (m *MemoryLimiter) evictIdle() {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := m.now().Add(-idleTTL)
	for key, b := range m.buckets {
		if b.seen.Before(cutoff) {
			delete(m.buckets, key)
		}
	}
}
