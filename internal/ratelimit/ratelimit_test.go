package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestMemoryAllowsWithinLimit(t *testing.T) {
	m := NewMemory(3, time.Minute)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, err := m.Allow(ctx, "alice|10.0.0.1")
		if err != nil {
			t.Fatalf("allow: %v", err)
		}
		if !ok {
			t.Fatalf("attempt %d should be allowed", i+1)
		}
	}
	if ok, _ := m.Allow(ctx, "alice|10.0.0.1"); ok {
		t.Fatalf("fourth attempt should be denied")
	}
}

func TestMemoryKeysAreIndependent(t *testing.T) {
	m := NewMemory(1, time.Minute)
	ctx := context.Background()

	if ok, _ := m.Allow(ctx, "alice|10.0.0.1"); !ok {
		t.Fatalf("first key should be allowed")
	}
	if ok, _ := m.Allow(ctx, "bob|10.0.0.2"); !ok {
		t.Fatalf("second key should not share the first key's window")
	}
	if ok, _ := m.Allow(ctx, "alice|10.0.0.1"); ok {
		t.Fatalf("first key should now be denied")
	}
}

func TestMemoryWindowResets(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	m := NewMemory(1, time.Minute, WithClock(clock))
	ctx := context.Background()

	if ok, _ := m.Allow(ctx, "alice"); !ok {
		t.Fatalf("first attempt allowed")
	}
	if ok, _ := m.Allow(ctx, "alice"); ok {
		t.Fatalf("second attempt in window denied")
	}

	mu.Lock()
	now = now.Add(61 * time.Second)
	mu.Unlock()

	if ok, _ := m.Allow(ctx, "alice"); !ok {
		t.Fatalf("attempt after window should be allowed again")
	}
}

func TestMemoryDefaults(t *testing.T) {
	m := NewMemory(0, 0)
	if m.limit != DefaultLimit || m.window != DefaultWindow {
		t.Fatalf("defaults not applied: limit=%d window=%s", m.limit, m.window)
	}
}

func TestMemoryConcurrentAccess(t *testing.T) {
	m := NewMemory(1000, time.Minute)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				if _, err := m.Allow(ctx, "shared"); err != nil {
					t.Errorf("allow: %v", err)
				}
			}
		}()
	}
	wg.Wait()

	// 500 attempts consumed; the rest of the window remains available.
	if ok, _ := m.Allow(ctx, "shared"); !ok {
		t.Fatalf("still under limit, should be allowed")
	}
}
