package admission

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// keyedEntry tracks one key's bucket and when it was last used.
type keyedEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// KeyedLimiter keeps an independent token bucket per key (a query id or a
// client address). Idle keys are dropped by Sweep.
type KeyedLimiter struct {
	limit rate.Limit
	burst int
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	mu      sync.Mutex
	entries map[string]*keyedEntry
}

// NewKeyedLimiter creates a KeyedLimiter granting perSecond tokens per key
// with the given burst.
func NewKeyedLimiter(perSecond float64, burst int, opts ...Option) *KeyedLimiter {
	if burst < 1 {
		burst = 1
	}
	// Options are shared with Controller; apply them to a scratch value.
	scratch := &Controller{now: time.Now, sleep: sleepContext}
	for _, opt := range opts {
		opt(scratch)
	}
	return &KeyedLimiter{
		limit:   rate.Limit(perSecond),
		burst:   burst,
		now:     scratch.now,
		sleep:   scratch.sleep,
		entries: make(map[string]*keyedEntry),
	}
}

func (k *KeyedLimiter) get(key string) *rate.Limiter {
	k.mu.Lock()
	defer k.mu.Unlock()
	if e, ok := k.entries[key]; ok {
		e.lastSeen = k.now()
		return e.limiter
	}
	e := &keyedEntry{limiter: rate.NewLimiter(k.limit, k.burst), lastSeen: k.now()}
	k.entries[key] = e
	return e.limiter
}

// Allow consumes a token for key without waiting. When none is available it
// reports how long until one is.
func (k *KeyedLimiter) Allow(key string) (bool, time.Duration) {
	limiter := k.get(key)
	now := k.now()
	if limiter.AllowN(now, 1) {
		return true, 0
	}
	return false, timeToToken(limiter, now)
}

// Wait blocks until key has a token or timeout elapses, in which case an
// AdmissionTimeoutError is returned.
func (k *KeyedLimiter) Wait(ctx context.Context, key string, timeout time.Duration) error {
	return reserveAndWait(ctx, k.get(key), k.now, k.sleep, timeout)
}

// Remaining reports the whole tokens left for key.
func (k *KeyedLimiter) Remaining(key string) int {
	return int(k.get(key).TokensAt(k.now()))
}

// Burst returns the per-key bucket capacity.
func (k *KeyedLimiter) Burst() int { return k.burst }

// Forget drops the bucket for key.
func (k *KeyedLimiter) Forget(key string) {
	k.mu.Lock()
	delete(k.entries, key)
	k.mu.Unlock()
}

// Sweep drops buckets unused for longer than idle and returns how many were
// removed.
func (k *KeyedLimiter) Sweep(idle time.Duration) int {
	cutoff := k.now().Add(-idle)
	k.mu.Lock()
	defer k.mu.Unlock()
	removed := 0
	for key, e := range k.entries {
		if e.lastSeen.Before(cutoff) {
			delete(k.entries, key)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked keys.
func (k *KeyedLimiter) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.entries)
}
