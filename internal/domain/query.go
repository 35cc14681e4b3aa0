package domain

import (
	"strings"
	"time"
)

// QueryState represents the lifecycle state of a submitted statement.
type QueryState string

// Query lifecycle states. FINISHED and FAILED are terminal.
const (
	QueryStateQueued   QueryState = "QUEUED"
	QueryStateRunning  QueryState = "RUNNING"
	QueryStateFinished QueryState = "FINISHED"
	QueryStateFailed   QueryState = "FAILED"
)

// validTransitions maps each state to the set of states it may move to.
var validTransitions = map[QueryState]map[QueryState]bool{
	QueryStateQueued: {
		QueryStateRunning: true,
		QueryStateFailed:  true,
	},
	QueryStateRunning: {
		QueryStateFinished: true,
		QueryStateFailed:   true,
	},
}

// CanTransitionTo reports whether moving from s to next is a legal step.
func (s QueryState) CanTransitionTo(next QueryState) bool {
	return validTransitions[s][next]
}

// IsTerminal reports whether no further transitions are possible.
func (s QueryState) IsTerminal() bool {
	return s == QueryStateFinished || s == QueryStateFailed
}

// ParseQueryState parses a state name case-insensitively.
func ParseQueryState(raw string) (QueryState, error) {
	switch s := QueryState(strings.ToUpper(strings.TrimSpace(raw))); s {
	case QueryStateQueued, QueryStateRunning, QueryStateFinished, QueryStateFailed:
		return s, nil
	default:
		return "", ErrValidation("invalid query state %q", raw)
	}
}

// ErrorKind classifies why a query failed.
type ErrorKind string

// Failure classifications carried by FAILED queries.
const (
	ErrorKindExecution    ErrorKind = "EXECUTION_FAILURE"
	ErrorKindUserCanceled ErrorKind = "USER_CANCELED"
	ErrorKindAbandoned    ErrorKind = "ABANDONED"
	ErrorKindInternal     ErrorKind = "INTERNAL_ERROR"
)

// ErrorInfo describes a FAILED query. Immutable once recorded.
type ErrorInfo struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

// QueryInfo is a point-in-time snapshot of a registry entry.
type QueryInfo struct {
	ID             string
	Slug           string
	Query          string
	State          QueryState
	SubmittedAt    time.Time
	LastAccessedAt time.Time
	StartedAt      *time.Time
	EndedAt        *time.Time
	Cursor         Cursor
	RowsDelivered  int64
	Error          *ErrorInfo
}

// QueryFilter restricts registry listings. A nil State returns every state;
// a nil Limit returns every match.
type QueryFilter struct {
	State *QueryState
	Limit *int
}

// Validate rejects negative limits instead of clamping them.
func (f QueryFilter) Validate() error {
	if f.Limit != nil && *f.Limit < 0 {
		return ErrValidation("limit must be non-negative, got %d", *f.Limit)
	}
	return nil
}
