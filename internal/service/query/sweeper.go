package query

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"duck-coordinator/internal/admission"
	"duck-coordinator/internal/domain"
	"duck-coordinator/internal/metrics"
	"duck-coordinator/internal/registry"
)

// SweeperConfig controls query expiry.
type SweeperConfig struct {
	// Window is how long a query may go without a poll before it expires.
	Window time.Duration
	// AbandonedGrace keeps an abandoned query visible as FAILED this long
	// before it is removed.
	AbandonedGrace time.Duration
	// Interval is the time between scheduled sweeps.
	Interval time.Duration
}

// SweepStats summarizes one sweep.
type SweepStats struct {
	Abandoned int
	Removed   int
}

// Sweeper expires queries that clients stopped polling.
type Sweeper struct {
	cron        *cron.Cron
	registry    *registry.Registry
	engine      domain.ExecutionEngine
	pollLimiter *admission.KeyedLimiter
	limiters    []*admission.KeyedLimiter
	metrics     *metrics.Metrics
	logger      *slog.Logger
	cfg         SweeperConfig
	now         func() time.Time
}

// SweeperOption customizes a Sweeper.
type SweeperOption func(*Sweeper)

// WithSweeperClock injects the time source used by scheduled sweeps.
func WithSweeperClock(now func() time.Time) SweeperOption {
	return func(s *Sweeper) { s.now = now }
}

// WithSweeperMetrics records removals.
func WithSweeperMetrics(m *metrics.Metrics) SweeperOption {
	return func(s *Sweeper) { s.metrics = m }
}

// WithForgetter drops per-query poll limiter state when a query is removed.
func WithForgetter(l *admission.KeyedLimiter) SweeperOption {
	return func(s *Sweeper) { s.pollLimiter = l }
}

// WithIdleLimiter drops buckets of l that were unused for a whole window on
// every sweep.
func WithIdleLimiter(l *admission.KeyedLimiter) SweeperOption {
	return func(s *Sweeper) {
		if l != nil {
			s.limiters = append(s.limiters, l)
		}
	}
}

// NewSweeper creates a Sweeper. It does nothing until Start or Sweep.
func NewSweeper(reg *registry.Registry, eng domain.ExecutionEngine, cfg SweeperConfig, logger *slog.Logger, opts ...SweeperOption) *Sweeper {
	s := &Sweeper{
		cron:     cron.New(),
		registry: reg,
		engine:   eng,
		logger:   logger,
		cfg:      cfg,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start schedules Sweep every cfg.Interval.
func (s *Sweeper) Start() error {
	if s.cfg.Interval <= 0 {
		return fmt.Errorf("sweep interval must be positive, got %s", s.cfg.Interval)
	}
	spec := "@every " + s.cfg.Interval.String()
	if _, err := s.cron.AddFunc(spec, func() { s.Sweep(s.now()) }); err != nil {
		return fmt.Errorf("schedule sweeper: %w", err)
	}
	s.cron.Start()
	s.logger.Info("query sweeper started", "interval", s.cfg.Interval, "window", s.cfg.Window)
	return nil
}

// Stop halts scheduling and waits for a running sweep to finish or ctx to
// end.
func (s *Sweeper) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
	}
	s.logger.Info("query sweeper stopped")
}

// Sweep expires every query idle for longer than the window at now. An idle
// query that is still running is canceled and marked FAILED as abandoned.
// An idle terminal query is removed, except that an abandoned one stays
// until its grace period has passed.
func (s *Sweeper) Sweep(now time.Time) SweepStats {
	var stats SweepStats
	infos, err := s.registry.List(domain.QueryFilter{})
	if err != nil {
		s.logger.Error("list queries for sweep", "error", err)
		return stats
	}

	cutoff := now.Add(-s.cfg.Window)
	for _, info := range infos {
		if !info.LastAccessedAt.Before(cutoff) {
			continue
		}
		if !info.State.IsTerminal() {
			if s.abandon(info.ID, cutoff, now) {
				stats.Abandoned++
			}
			continue
		}
		if s.remove(info.ID, cutoff, now) {
			stats.Removed++
		}
	}

	if s.pollLimiter != nil {
		s.pollLimiter.Sweep(s.cfg.Window)
	}
	for _, l := range s.limiters {
		l.Sweep(s.cfg.Window)
	}
	if stats.Abandoned > 0 || stats.Removed > 0 {
		s.logger.Debug("sweep complete", "abandoned", stats.Abandoned, "removed", stats.Removed)
	}
	return stats
}

// abandon fails a query that is still idle at cutoff. The idle check is
// repeated under the entry lock, so a poll that lands after the sweep's
// snapshot keeps the query alive.
func (s *Sweeper) abandon(id string, cutoff, now time.Time) bool {
	errInfo := &domain.ErrorInfo{Kind: domain.ErrorKindAbandoned}
	var idle time.Duration
	_, settled, err := s.registry.SettleIf(id, domain.QueryStateFailed, errInfo, func(cur domain.QueryInfo) bool {
		if !cur.LastAccessedAt.Before(cutoff) {
			return false
		}
		idle = now.Sub(cur.LastAccessedAt)
		errInfo.Message = fmt.Sprintf("query abandoned: not polled for %s", idle.Truncate(time.Millisecond))
		return true
	})
	if err != nil || !settled {
		return false
	}
	s.logger.Info("query abandoned", "query_id", id, "idle", idle)
	if h, _, err := s.registry.Handle(id); err == nil && h != nil {
		go s.engine.Cancel(h)
	}
	return true
}

func (s *Sweeper) remove(id string, cutoff, now time.Time) bool {
	reason := metrics.RemovalExpired
	h, removed := s.registry.RemoveIf(id, func(cur domain.QueryInfo) bool {
		if !cur.LastAccessedAt.Before(cutoff) {
			return false
		}
		if cur.Error != nil && cur.Error.Kind == domain.ErrorKindAbandoned {
			reason = metrics.RemovalAbandoned
			if cur.EndedAt != nil && now.Sub(*cur.EndedAt) <= s.cfg.AbandonedGrace {
				return false
			}
		}
		return true
	})
	if !removed {
		return false
	}
	s.metrics.ObserveRemoval(reason)
	if s.pollLimiter != nil {
		s.pollLimiter.Forget(id)
	}
	if h != nil {
		go s.engine.Cancel(h)
	}
	s.logger.Debug("query removed", "query_id", id, "reason", reason)
	return true
}
