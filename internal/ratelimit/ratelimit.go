// Package ratelimit throttles login attempts to blunt credential
// stuffing. A fixed window counter is kept per caller key
// (username plus remote address); memory and Redis backends share the
// same contract so deployments can pick process-local or distributed
// accounting.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Limiter reports whether the caller identified by key may attempt a
// login right now.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

const (
	// DefaultLimit is the number of attempts allowed per window.
	DefaultLimit = 10
	// DefaultWindow is the fixed window length.
	DefaultWindow = time.Minute
)

type bucket struct {
	count       int
	windowStart time.Time
}

// Memory is a process-local fixed window limiter. Safe for concurrent
// use. Stale buckets are pruned opportunistically on access.
type Memory struct {
	limit  int
	window time.Duration
	now    func() time.Time

	mu      sync.Mutex
	buckets map[string]*bucket
}

// MemoryOption configures the memory limiter.
type MemoryOption func(*Memory)

// WithClock is used by tests to pin the window clock.
func WithClock(now func() time.Time) MemoryOption {
	return func(m *Memory) { m.now = now }
}

// NewMemory builds a memory limiter allowing limit attempts per window.
// Non-positive arguments fall back to the defaults.
func NewMemory(limit int, window time.Duration, opts ...MemoryOption) *Memory {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if window <= 0 {
		window = DefaultWindow
	}
	m := &Memory{
		limit:   limit,
		window:  window,
		now:     time.Now,
		buckets: make(map[string]*bucket),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Allow implements Limiter. It never returns an error.
func (m *Memory) Allow(ctx context.Context, key string) (bool, error) {
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.buckets[key]
	if !ok || now.Sub(b.windowStart) >= m.window {
		m.buckets[key] = &bucket{count: 1, windowStart: now}
		m.pruneLocked(now)
		return true, nil
	}
	if b.count >= m.limit {
		return false, nil
	}
	b.count++
	return true, nil
}

// pruneLocked drops buckets whose window has passed. Called with the
// lock held; bounded by map size, which is bounded by login traffic in
// one window.
func (m *Memory) pruneLocked(now time.Time) {
	for k, b := range m.buckets {
		if now.Sub(b.windowStart) >= m.window {
			delete(m.buckets, k)
		}
	}
}
