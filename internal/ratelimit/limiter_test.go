package ratelimit

import (
	"context"
	"testing"
	"time"
)

func newTestLimiter(start time.Time) (*Limiter, *time.Time) {
	now := start
	l := NewLimiter()
	l.now = func() time.Time { return now }
	l.randFn = func(n int64) int64 { return 0 }
	return l, &now
}

func TestAdmitRollingWindow(t *testing.T) {
	start := time.Date(2026, 3, 5, 12, 0, 0, 0, time.UTC)
	l, now := newTestLimiter(start)
	settings := Settings{RatePerMinute: 3}

	for i := 0; i < 3; i++ {
		if _, ok := l.Admit("t1", settings); !ok {
			t.Fatalf("admission %d refused", i)
		}
		*now = now.Add(time.Second)
	}
	if _, ok := l.Admit("t1", settings); ok {
		t.Fatal("fourth admission within the window should be refused")
	}

	// 59s after the first admission the window is still full.
	*now = start.Add(59 * time.Second)
	if _, ok := l.Admit("t1", settings); ok {
		t.Fatal("window not yet expired")
	}

	// Just past the first admission's expiry exactly one slot frees up.
	*now = start.Add(61 * time.Second)
	if _, ok := l.Admit("t1", settings); !ok {
		t.Fatal("expected slot to free after the rolling window passed")
	}
}

func TestAdmitTenantsIsolated(t *testing.T) {
	l, _ := newTestLimiter(time.Now())
	settings := Settings{RatePerMinute: 1}
	if _, ok := l.Admit("t1", settings); !ok {
		t.Fatal("t1 first send refused")
	}
	if _, ok := l.Admit("t2", settings); !ok {
		t.Fatal("t2 must not be starved by t1's window")
	}
	if _, ok := l.Admit("t1", settings); ok {
		t.Fatal("t1 second send should be refused")
	}
}

func TestJitterBounds(t *testing.T) {
	l := NewLimiter()
	settings := Settings{RatePerMinute: 1000, JitterMin: 100 * time.Millisecond, JitterMax: 300 * time.Millisecond}
	for i := 0; i < 50; i++ {
		jitter, ok := l.Admit("t1", settings)
		if !ok {
			t.Fatal("admission refused")
		}
		if jitter < settings.JitterMin || jitter > settings.JitterMax {
			t.Fatalf("jitter %v outside [%v,%v]", jitter, settings.JitterMin, settings.JitterMax)
		}
	}
}

func TestAdmitZeroRateRefuses(t *testing.T) {
	l := NewLimiter()
	if _, ok := l.Admit("t1", Settings{}); ok {
		t.Fatal("zero rate must refuse")
	}
}

func TestWaitRespectsContext(t *testing.T) {
	l := NewLimiter()
	settings := Settings{RatePerMinute: 1}
	if err := l.Wait(context.Background(), "t1", settings); err != nil {
		t.Fatalf("first wait: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := l.Wait(ctx, "t1", settings); err == nil {
		t.Fatal("expected context deadline while window is full")
	}
}

func TestEvict(t *testing.T) {
	start := time.Date(2026, 3, 5, 12, 0, 0, 0, time.UTC)
	l, now := newTestLimiter(start)
	l.Admit("t1", Settings{RatePerMinute: 5})
	*now = start.Add(20 * time.Minute)
	l.Evict(10 * time.Minute)
	l.mu.Lock()
	_, exists := l.windows["t1"]
	l.mu.Unlock()
	if exists {
		t.Fatal("stale tenant window should be evicted")
	}
}
