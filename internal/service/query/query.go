// Package query implements statement submission, result polling, and
// cancellation on top of the registry, the admission controller, and an
// execution engine.
package query

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"duck-coordinator/internal/admission"
	"duck-coordinator/internal/domain"
	"duck-coordinator/internal/metrics"
	"duck-coordinator/internal/registry"
)

// Results is one response of the polling protocol.
type Results struct {
	Info    domain.QueryInfo
	Columns []domain.Column
	Rows    []domain.Row
	// NextToken resumes the stream. Empty once the query is terminal and
	// every row has been delivered.
	NextToken string
}

// HasNext reports whether the client should poll again.
func (r *Results) HasNext() bool { return r.NextToken != "" }

// Option customizes a QueryService.
type Option func(*QueryService)

// WithPollLimiter rate limits polls per query. A poll waits at most timeout
// for a token.
func WithPollLimiter(l *admission.KeyedLimiter, timeout time.Duration) Option {
	return func(s *QueryService) {
		s.pollLimiter = l
		s.pollTimeout = timeout
	}
}

// WithMetrics records admission outcomes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *QueryService) { s.metrics = m }
}

// WithClock injects the time source used to measure admission waits.
func WithClock(now func() time.Time) Option {
	return func(s *QueryService) { s.now = now }
}

// QueryService accepts statements and serves their results.
//
//nolint:revive // Name chosen for clarity across package boundaries
type QueryService struct {
	registry    *registry.Registry
	engine      domain.ExecutionEngine
	admission   *admission.Controller
	pollLimiter *admission.KeyedLimiter
	pollTimeout time.Duration
	metrics     *metrics.Metrics
	logger      *slog.Logger
	now         func() time.Time
}

// NewQueryService creates a QueryService.
func NewQueryService(reg *registry.Registry, eng domain.ExecutionEngine, adm *admission.Controller, logger *slog.Logger, opts ...Option) *QueryService {
	s := &QueryService{
		registry:  reg,
		engine:    eng,
		admission: adm,
		logger:    logger,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Submit admits the statement, registers it in QUEUED and starts it. Engine
// start failures do not fail the call; the query is recorded as FAILED and
// the error is visible through polling.
func (s *QueryService) Submit(ctx context.Context, statement string) (*Results, error) {
	if strings.TrimSpace(statement) == "" {
		return nil, domain.ErrValidation("statement is required")
	}

	start := s.now()
	if err := s.admission.Acquire(ctx); err != nil {
		s.metrics.ObserveAdmission(admissionOutcome(err), 0)
		s.logger.Debug("submission not admitted", "error", err)
		return nil, err
	}
	s.metrics.ObserveAdmission(metrics.AdmissionAdmitted, s.now().Sub(start))

	id := domain.NewQueryID()
	if _, err := s.registry.Create(id, domain.NewSlug(), statement); err != nil {
		return nil, fmt.Errorf("register query: %w", err)
	}
	s.logger.Info("query submitted", "query_id", id)

	h, err := s.engine.Start(ctx, id, statement, s.onEvent)
	if err != nil {
		s.logger.Warn("engine start failed", "query_id", id, "error", err)
		info, _, settleErr := s.registry.Settle(id, domain.QueryStateFailed, &domain.ErrorInfo{
			Kind:    domain.ErrorKindExecution,
			Message: err.Error(),
		})
		if settleErr != nil {
			return nil, settleErr
		}
		return &Results{Info: info}, nil
	}

	info, err := s.registry.AttachHandle(id, h)
	if err != nil {
		go s.engine.Cancel(h)
		return nil, err
	}
	if info.State == domain.QueryStateFailed {
		// Canceled before the handle was attached.
		go s.engine.Cancel(h)
		return &Results{Info: info}, nil
	}
	return &Results{Info: info, NextToken: InitialToken()}, nil
}

func admissionOutcome(err error) string {
	var timeout *domain.AdmissionTimeoutError
	if errors.As(err, &timeout) {
		return metrics.AdmissionTimeout
	}
	return metrics.AdmissionRejected
}

// onEvent applies engine status reports to the registry.
func (s *QueryService) onEvent(ev domain.ExecutionEvent) {
	var err error
	switch ev.Kind {
	case domain.ExecutionStarted:
		// A cancel or abandon may already have settled the query.
		_, _, err = s.registry.TransitionFrom(ev.QueryID, domain.QueryStateQueued, domain.QueryStateRunning, nil)
	case domain.ExecutionFinished:
		_, _, err = s.registry.Settle(ev.QueryID, domain.QueryStateFinished, nil)
	case domain.ExecutionFailed:
		msg := "execution failed"
		if ev.Err != nil {
			msg = ev.Err.Error()
		}
		_, _, err = s.registry.Settle(ev.QueryID, domain.QueryStateFailed, &domain.ErrorInfo{
			Kind:    domain.ErrorKindExecution,
			Message: msg,
		})
	}

	var notFound *domain.NotFoundError
	if err != nil && !errors.As(err, &notFound) {
		s.logger.Warn("engine event not applied", "query_id", ev.QueryID, "kind", ev.Kind, "error", err)
	}
}

// Poll returns the batch addressed by token. It never waits for data: a
// query that has nothing new yet answers with no rows and a next token.
func (s *QueryService) Poll(ctx context.Context, id, slug, token string) (*Results, error) {
	h, info, err := s.registry.Handle(id)
	if err != nil {
		return nil, err
	}
	if info.Slug != slug {
		return nil, domain.ErrNotFound("query %q not found", id)
	}
	cursor, err := DecodeToken(token)
	if err != nil {
		return nil, err
	}
	if s.pollLimiter != nil {
		if err := s.pollLimiter.Wait(ctx, id, s.pollTimeout); err != nil {
			return nil, err
		}
	}

	res := &Results{}
	switch {
	case info.State == domain.QueryStateFailed:
		// Undelivered rows of a failed query are discarded.
	case h == nil:
		res.NextToken = token
	default:
		if err := s.fetch(ctx, id, h, cursor, res); err != nil {
			return nil, err
		}
	}

	if err := s.registry.Touch(id); err != nil {
		return nil, err
	}
	res.Info, err = s.registry.Get(id)
	if err != nil {
		return nil, err
	}
	if res.Info.State == domain.QueryStateFailed {
		res.Rows = nil
		res.NextToken = ""
	}
	return res, nil
}

func (s *QueryService) fetch(ctx context.Context, id string, h domain.ExecutionHandle, cursor domain.Cursor, res *Results) error {
	batch, err := s.engine.PollBatch(ctx, h, cursor)
	if errors.Is(err, domain.ErrInvalidCursor) {
		return domain.ErrValidation("token does not address a batch of query %q", id)
	}
	var notFound *domain.NotFoundError
	if errors.As(err, &notFound) {
		return domain.ErrNotFound("query %q not found", id)
	}
	if err != nil {
		return fmt.Errorf("poll query %s: %w", id, err)
	}
	res.Columns = batch.Columns

	switch {
	case batch.Err != nil:
		_, _, err = s.registry.Settle(id, domain.QueryStateFailed, &domain.ErrorInfo{
			Kind:    domain.ErrorKindExecution,
			Message: batch.Err.Error(),
		})
		return err
	case batch.HasNext:
		res.Rows = batch.Rows
		res.NextToken = EncodeToken(batch.Next)
	default:
		res.Rows = batch.Rows
		// The engine has nothing left; make sure the state says so before
		// answering without a next token.
		if _, _, err := s.registry.Settle(id, domain.QueryStateFinished, nil); err != nil {
			return err
		}
	}
	if len(batch.Rows) > 0 {
		return s.registry.Advance(id, cursor, batch.Next, len(batch.Rows))
	}
	return nil
}

// Cancel moves a non-terminal query to FAILED and releases its execution in
// the background. Canceling a terminal query changes nothing.
func (s *QueryService) Cancel(id string) (domain.QueryInfo, error) {
	info, settled, err := s.registry.Settle(id, domain.QueryStateFailed, &domain.ErrorInfo{
		Kind:    domain.ErrorKindUserCanceled,
		Message: "query canceled by user",
	})
	if err != nil {
		return domain.QueryInfo{}, err
	}
	if settled {
		s.logger.Info("query canceled", "query_id", id)
		if h, _, err := s.registry.Handle(id); err == nil && h != nil {
			go s.engine.Cancel(h)
		}
	}
	return info, nil
}

// CancelStatement is Cancel guarded by the statement slug.
func (s *QueryService) CancelStatement(id, slug string) (domain.QueryInfo, error) {
	info, err := s.registry.Get(id)
	if err != nil {
		return domain.QueryInfo{}, err
	}
	if info.Slug != slug {
		return domain.QueryInfo{}, domain.ErrNotFound("query %q not found", id)
	}
	return s.Cancel(id)
}

// Info returns the current snapshot of a query.
func (s *QueryService) Info(id string) (domain.QueryInfo, error) {
	return s.registry.Get(id)
}

// List returns queries in submission order.
func (s *QueryService) List(filter domain.QueryFilter) ([]domain.QueryInfo, error) {
	return s.registry.List(filter)
}
