package domain

import (
	"context"
	"errors"
)

// Cursor is an opaque position in an execution's result stream. The empty
// cursor addresses the first batch.
type Cursor string

// Row is one result row.
type Row []interface{}

// Column describes one result column.
type Column struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// Batch is the answer to one PollBatch call.
type Batch struct {
	Columns []Column
	Rows    []Row
	// Next is the cursor to poll after this batch. Only meaningful when
	// HasNext is true.
	Next    Cursor
	HasNext bool
	// Terminal is set once the engine will produce no further data.
	Terminal bool
	// Err is the engine-reported failure, if any. Implies Terminal.
	Err error
}

// ExecutionHandle identifies one running execution inside an engine.
type ExecutionHandle interface {
	QueryID() string
}

// ExecutionEventKind is the kind of status event an engine reports.
type ExecutionEventKind int

// Engine status events.
const (
	ExecutionStarted ExecutionEventKind = iota + 1
	ExecutionFinished
	ExecutionFailed
)

// ExecutionEvent is a status callback from the engine.
type ExecutionEvent struct {
	QueryID string
	Kind    ExecutionEventKind
	Err     error
}

// ExecutionListener receives engine status events. It must not block.
type ExecutionListener func(ExecutionEvent)

// ErrInvalidCursor is returned by engines for cursors they never issued.
var ErrInvalidCursor = errors.New("invalid cursor")

// ExecutionEngine is the execution collaborator consumed by the gateway.
// Implementations must be safe for concurrent use.
type ExecutionEngine interface {
	// Start begins executing the statement and returns immediately.
	Start(ctx context.Context, queryID, statement string, listener ExecutionListener) (ExecutionHandle, error)
	// PollBatch returns the batch at cursor without waiting for data.
	PollBatch(ctx context.Context, handle ExecutionHandle, cursor Cursor) (Batch, error)
	// Cancel requests termination and releases resources held for the
	// handle. Safe to call repeatedly and on finished handles.
	Cancel(handle ExecutionHandle)
}
