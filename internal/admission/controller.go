// Package admission gates how fast new statements may enter the engine.
//
// The Controller is a token bucket of capacity C refilled at R tokens per
// second. It is consulted once per submission before any registry entry
// exists and never touches the registry itself.
package admission

import (
	"context"
	"fmt"
	"math"
	"time"

	"golang.org/x/time/rate"

	"duck-coordinator/internal/domain"
)

// Mode selects how Acquire behaves when the bucket is empty.
type Mode string

// Supported admission modes.
const (
	ModeBlocking    Mode = "blocking"
	ModeNonBlocking Mode = "nonblocking"
)

// ParseMode parses an admission mode name.
func ParseMode(raw string) (Mode, error) {
	switch Mode(raw) {
	case ModeBlocking, ModeNonBlocking:
		return Mode(raw), nil
	case "non-blocking":
		return ModeNonBlocking, nil
	default:
		return "", fmt.Errorf("unknown admission mode %q", raw)
	}
}

// Config holds the token bucket parameters.
type Config struct {
	// BucketSize is the bucket capacity C. Must be at least 1.
	BucketSize int
	// RefillPerSecond is the refill rate R. Defaults to BucketSize.
	RefillPerSecond float64
	// Mode is the behavior of Acquire. Defaults to blocking.
	Mode Mode
	// Timeout bounds a blocking wait. Zero or negative waits until the
	// caller's context is done.
	Timeout time.Duration
}

// Option customizes a Controller.
type Option func(*Controller)

// WithClock injects the time source. Used by tests for deterministic decisions.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// WithSleeper injects the blocking wait used by Admit.
func WithSleeper(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Controller) { c.sleep = sleep }
}

// Controller is a token-bucket admission gate. Safe for concurrent use.
type Controller struct {
	limiter *rate.Limiter
	mode    Mode
	timeout time.Duration
	now     func() time.Time
	sleep   func(ctx context.Context, d time.Duration) error
}

// NewController creates a Controller whose bucket starts full.
func NewController(cfg Config, opts ...Option) (*Controller, error) {
	if cfg.BucketSize < 1 {
		return nil, fmt.Errorf("admission bucket size must be at least 1, got %d", cfg.BucketSize)
	}
	refill := cfg.RefillPerSecond
	if refill == 0 {
		refill = float64(cfg.BucketSize)
	}
	if refill < 0 || math.IsNaN(refill) {
		return nil, fmt.Errorf("admission refill rate must be positive, got %v", cfg.RefillPerSecond)
	}
	mode := cfg.Mode
	if mode == "" {
		mode = ModeBlocking
	}
	if _, err := ParseMode(string(mode)); err != nil {
		return nil, err
	}

	c := &Controller{
		limiter: rate.NewLimiter(rate.Limit(refill), cfg.BucketSize),
		mode:    mode,
		timeout: cfg.Timeout,
		now:     time.Now,
		sleep:   sleepContext,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Mode returns the configured acquisition mode.
func (c *Controller) Mode() Mode { return c.mode }

// Acquire admits one submission using the configured mode.
func (c *Controller) Acquire(ctx context.Context) error {
	if c.mode == ModeNonBlocking {
		return c.TryAdmit()
	}
	return c.Admit(ctx)
}

// TryAdmit consumes a token if one is available right now. It never waits:
// with an empty bucket it returns an AdmissionRejectedError immediately.
func (c *Controller) TryAdmit() error {
	now := c.now()
	if c.limiter.AllowN(now, 1) {
		return nil
	}
	return domain.ErrAdmissionRejected(timeToToken(c.limiter, now))
}

// Admit waits for a token. When the wait would exceed the configured timeout
// or the context deadline, the reservation is returned to the bucket and an
// AdmissionTimeoutError is reported without sleeping.
func (c *Controller) Admit(ctx context.Context) error {
	return reserveAndWait(ctx, c.limiter, c.now, c.sleep, c.timeout)
}

// Tokens reports the tokens currently in the bucket.
func (c *Controller) Tokens() float64 {
	return c.limiter.TokensAt(c.now())
}

func reserveAndWait(
	ctx context.Context,
	limiter *rate.Limiter,
	now func() time.Time,
	sleep func(ctx context.Context, d time.Duration) error,
	timeout time.Duration,
) error {
	start := now()
	r := limiter.ReserveN(start, 1)
	if !r.OK() {
		return domain.ErrAdmissionTimeout(0, time.Second)
	}
	delay := r.DelayFrom(start)
	if delay == 0 {
		return nil
	}

	budget := time.Duration(math.MaxInt64)
	if timeout > 0 {
		budget = timeout
	}
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := deadline.Sub(start); remaining < budget {
			budget = remaining
		}
	}
	if delay > budget {
		r.CancelAt(start)
		return domain.ErrAdmissionTimeout(budget, delay)
	}

	if err := sleep(ctx, delay); err != nil {
		r.CancelAt(now())
		return domain.ErrAdmissionTimeout(now().Sub(start), delay)
	}
	return nil
}

// timeToToken estimates how long until one token is available.
func timeToToken(limiter *rate.Limiter, now time.Time) time.Duration {
	deficit := 1 - limiter.TokensAt(now)
	if deficit <= 0 {
		return 0
	}
	perSecond := float64(limiter.Limit())
	if perSecond <= 0 {
		return time.Second
	}
	return time.Duration(deficit / perSecond * float64(time.Second))
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
