package ratelimit

import (
	"context"
	"math/rand"
	"sync"
	"time"
)

// Settings are the tenant-configured sending cadence knobs.
type Settings struct {
	RatePerMinute int
	JitterMin     time.Duration
	JitterMax     time.Duration
}

// Limiter admits outbound sends per tenant at a rolling-window cadence. One
// limiter instance serves all tenants; every campaign of a tenant shares that
// tenant's window so a second campaign cannot double the send rate.
type Limiter struct {
	mu      sync.Mutex
	windows map[string][]time.Time
	now     func() time.Time
	randFn  func(n int64) int64
}

// NewLimiter creates a limiter with wall-clock time and math/rand jitter.
func NewLimiter() *Limiter {
	return &Limiter{
		windows: make(map[string][]time.Time),
		now:     time.Now,
		randFn:  rand.Int63n,
	}
}

const window = time.Minute

// Admit reports whether one send may proceed now for the tenant and, if so,
// the jitter to apply before dispatching. Admissions are counted against a
// strict rolling 60-second window: no more than RatePerMinute sends are ever
// admitted in any 60-second span.
func (l *Limiter) Admit(tenantID string, settings Settings) (time.Duration, bool) {
	if settings.RatePerMinute <= 0 {
		return 0, false
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	recent := pruneBefore(l.windows[tenantID], now.Add(-window))
	if len(recent) >= settings.RatePerMinute {
		l.windows[tenantID] = recent
		return 0, false
	}
	l.windows[tenantID] = append(recent, now)
	return l.jitter(settings), true
}

// Wait blocks until a send is admitted for the tenant, then sleeps the jitter
// and returns. It preserves call order for a single caller; concurrent callers
// race for slots, which is the bounded-worker-pool contract.
func (l *Limiter) Wait(ctx context.Context, tenantID string, settings Settings) error {
	for {
		jitter, ok := l.Admit(tenantID, settings)
		if ok {
			if jitter > 0 {
				if err := sleep(ctx, jitter); err != nil {
					return err
				}
			}
			return nil
		}
		if err := sleep(ctx, l.retryIn(tenantID)); err != nil {
			return err
		}
	}
}

// retryIn returns how long until the oldest admission ages out of the window.
func (l *Limiter) retryIn(tenantID string) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	recent := l.windows[tenantID]
	if len(recent) == 0 {
		return 50 * time.Millisecond
	}
	wait := recent[0].Add(window).Sub(l.now())
	if wait < 10*time.Millisecond {
		wait = 10 * time.Millisecond
	}
	return wait
}

func (l *Limiter) jitter(settings Settings) time.Duration {
	min, max := settings.JitterMin, settings.JitterMax
	if min < 0 {
		min = 0
	}
	if max <= min {
		return min
	}
	return min + time.Duration(l.randFn(int64(max-min)+1))
}

func pruneBefore(stamps []time.Time, cutoff time.Time) []time.Time {
	idx := 0
	for idx < len(stamps) && !stamps[idx].After(cutoff) {
		idx++
	}
	return stamps[idx:]
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Evict drops tenants with no admissions since cutoff to bound memory, same
// role as the HTTP limiter's periodic cleanup.
func (l *Limiter) Evict(olderThan time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := l.now().Add(-olderThan)
	for tenantID, stamps := range l.windows {
		if recent := pruneBefore(stamps, cutoff); len(recent) == 0 {
			delete(l.windows, tenantID)
		} else {
			l.windows[tenantID] = recent
		}
	}
}
