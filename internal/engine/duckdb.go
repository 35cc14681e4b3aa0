// Package engine runs statements on DuckDB and exposes their results as
// positional batches.
//
// Executions run on a bounded ants worker pool. A statement waits in the
// pool queue until a worker is free, reports Started when it begins, and
// buffers its rows into fixed-size batches until the handle is released with
// Cancel. Buffered batches can be read again from any earlier cursor.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"

	"duck-coordinator/internal/domain"
)

const (
	defaultBatchSize      = 1024
	defaultMaxConcurrency = 4
	releaseTimeout        = 5 * time.Second
)

// Config sizes the engine.
type Config struct {
	// MaxConcurrency bounds executions running at once.
	MaxConcurrency int
	// BatchSize is the number of rows per batch.
	BatchSize int
}

// Compile-time check.
var _ domain.ExecutionEngine = (*DuckDBEngine)(nil)

// DuckDBEngine implements domain.ExecutionEngine on a *sql.DB opened with
// the duckdb driver.
type DuckDBEngine struct {
	db        *sql.DB
	pool      *ants.Pool
	batchSize int
	logger    *slog.Logger

	mu         sync.Mutex
	executions map[string]*execution
}

// NewDuckDB creates a DuckDBEngine. The caller owns db.
func NewDuckDB(db *sql.DB, cfg Config, logger *slog.Logger) (*DuckDBEngine, error) {
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = defaultMaxConcurrency
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	pool, err := ants.NewPool(cfg.MaxConcurrency, ants.WithPanicHandler(func(v any) {
		logger.Error("execution worker panic", "panic", v)
	}))
	if err != nil {
		return nil, fmt.Errorf("create worker pool: %w", err)
	}
	return &DuckDBEngine{
		db:         db,
		pool:       pool,
		batchSize:  cfg.BatchSize,
		logger:     logger,
		executions: make(map[string]*execution),
	}, nil
}

type handle string

func (h handle) QueryID() string { return string(h) }

// Start queues the statement and returns at once.
func (e *DuckDBEngine) Start(ctx context.Context, queryID, statement string, listener domain.ExecutionListener) (domain.ExecutionHandle, error) {
	// Executions outlive the submitting request.
	execCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	x := &execution{cancel: cancel}

	e.mu.Lock()
	if _, exists := e.executions[queryID]; exists {
		e.mu.Unlock()
		cancel()
		return nil, fmt.Errorf("execution %s already started", queryID)
	}
	e.executions[queryID] = x
	e.mu.Unlock()

	go func() {
		err := e.pool.Submit(func() { e.run(execCtx, queryID, statement, x, listener) })
		if err != nil {
			x.fail(fmt.Errorf("schedule execution: %w", err))
			listener(domain.ExecutionEvent{QueryID: queryID, Kind: domain.ExecutionFailed, Err: err})
		}
	}()
	return handle(queryID), nil
}

func (e *DuckDBEngine) run(ctx context.Context, queryID, statement string, x *execution, listener domain.ExecutionListener) {
	failed := func(err error) {
		x.fail(err)
		listener(domain.ExecutionEvent{QueryID: queryID, Kind: domain.ExecutionFailed, Err: err})
	}
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("execution panic", "query_id", queryID, "panic", r)
			failed(fmt.Errorf("execution panic: %v", r))
		}
	}()

	if err := ctx.Err(); err != nil {
		failed(err)
		return
	}
	listener(domain.ExecutionEvent{QueryID: queryID, Kind: domain.ExecutionStarted})
	start := time.Now()

	rows, err := e.db.QueryContext(ctx, statement)
	if err != nil {
		failed(err)
		return
	}
	defer rows.Close() //nolint:errcheck

	types, err := rows.ColumnTypes()
	if err != nil {
		failed(fmt.Errorf("read column types: %w", err))
		return
	}
	columns := make([]domain.Column, len(types))
	for i, ct := range types {
		columns[i] = domain.Column{Name: ct.Name(), Type: ct.DatabaseTypeName()}
	}
	x.setColumns(columns)

	values := make([]any, len(columns))
	ptrs := make([]any, len(columns))
	for i := range values {
		ptrs[i] = &values[i]
	}
	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			failed(fmt.Errorf("scan row: %w", err))
			return
		}
		row := make(domain.Row, len(values))
		for i, v := range values {
			row[i] = normalize(v)
		}
		if !x.append(row, e.batchSize) {
			// Released while running; stop reading.
			return
		}
	}
	if err := rows.Err(); err != nil {
		failed(err)
		return
	}

	x.finish()
	e.logger.Debug("execution finished", "query_id", queryID, "duration", time.Since(start))
	listener(domain.ExecutionEvent{QueryID: queryID, Kind: domain.ExecutionFinished})
}

// normalize converts driver values into JSON-friendly ones.
func normalize(v any) any {
	switch t := v.(type) {
	case []byte:
		return string(t)
	case time.Time:
		return t
	case fmt.Stringer:
		return t.String()
	default:
		return v
	}
}

func (e *DuckDBEngine) lookup(queryID string) (*execution, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	x, ok := e.executions[queryID]
	if !ok {
		return nil, domain.ErrNotFound("execution for query %q not found", queryID)
	}
	return x, nil
}

// PollBatch returns the batch at cursor. Cursors are batch indexes, so an
// earlier cursor returns the same batch again.
func (e *DuckDBEngine) PollBatch(_ context.Context, h domain.ExecutionHandle, cursor domain.Cursor) (domain.Batch, error) {
	x, err := e.lookup(h.QueryID())
	if err != nil {
		return domain.Batch{}, err
	}
	idx := 0
	if cursor != "" {
		n, err := strconv.Atoi(string(cursor))
		if err != nil || n < 0 {
			return domain.Batch{}, domain.ErrInvalidCursor
		}
		idx = n
	}
	return x.batch(idx, cursor)
}

// Cancel stops the execution if it is still running and drops its buffered
// rows. Calling it again is a no-op.
func (e *DuckDBEngine) Cancel(h domain.ExecutionHandle) {
	e.mu.Lock()
	x, ok := e.executions[h.QueryID()]
	delete(e.executions, h.QueryID())
	e.mu.Unlock()
	if ok {
		x.release()
	}
}

// Running returns the number of busy workers.
func (e *DuckDBEngine) Running() int { return e.pool.Running() }

// Waiting returns the number of executions waiting for a worker.
func (e *DuckDBEngine) Waiting() int { return e.pool.Waiting() }

// Close cancels every execution and releases the worker pool.
func (e *DuckDBEngine) Close() error {
	e.mu.Lock()
	all := e.executions
	e.executions = make(map[string]*execution)
	e.mu.Unlock()
	for _, x := range all {
		x.release()
	}
	if err := e.pool.ReleaseTimeout(releaseTimeout); err != nil && !errors.Is(err, ants.ErrPoolClosed) {
		return fmt.Errorf("release worker pool: %w", err)
	}
	return nil
}
