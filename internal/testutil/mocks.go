// Package testutil provides shared fakes of domain ports for use in tests
// across the codebase. This follows the Go convention of a shared test
// utility package (like net/http/httptest).
package testutil

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"duck-coordinator/internal/domain"
)

// === Clock ===

// FakeClock is a manually advanced time source.
type FakeClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewFakeClock creates a FakeClock starting at start.
func NewFakeClock(start time.Time) *FakeClock {
	return &FakeClock{now: start}
}

// Now returns the current fake time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// Set moves the clock to t.
func (c *FakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

// Sleep advances the clock instead of sleeping. It matches the sleeper
// signature used by the admission package.
func (c *FakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.Advance(d)
	return nil
}

// === Execution Engine Mock ===

// ScriptMode controls how far MockEngine drives an execution on Start.
type ScriptMode int

// Script modes.
const (
	// ScriptComplete reports Started and then Finished (or Failed when the
	// script has an Err) before Start returns.
	ScriptComplete ScriptMode = iota
	// ScriptHoldQueued reports nothing until the test calls Begin.
	ScriptHoldQueued
	// ScriptHoldRunning reports Started and makes the batches visible but
	// does not finish until the test calls Finish or Fail.
	ScriptHoldRunning
)

// Script describes the outcome of one statement.
type Script struct {
	Mode     ScriptMode
	Columns  []domain.Column
	Batches  [][]domain.Row
	Err      error
	StartErr error
}

type mockHandle struct{ id string }

func (h mockHandle) QueryID() string { return h.id }

type mockExecution struct {
	script   Script
	listener domain.ExecutionListener
	visible  int
	terminal bool
	err      error
}

// MockEngine is a scripted domain.ExecutionEngine. Statements without a
// script finish immediately with no rows.
type MockEngine struct {
	mu         sync.Mutex
	Scripts    map[string]Script
	executions map[string]*mockExecution
	canceled   []string
	polls      int
}

// NewMockEngine creates a MockEngine with the given scripts keyed by statement.
func NewMockEngine(scripts map[string]Script) *MockEngine {
	if scripts == nil {
		scripts = map[string]Script{}
	}
	return &MockEngine{Scripts: scripts, executions: make(map[string]*mockExecution)}
}

// Start implements domain.ExecutionEngine.
func (m *MockEngine) Start(_ context.Context, queryID, statement string, listener domain.ExecutionListener) (domain.ExecutionHandle, error) {
	m.mu.Lock()
	script := m.Scripts[statement]
	if script.StartErr != nil {
		m.mu.Unlock()
		return nil, script.StartErr
	}
	exec := &mockExecution{script: script, listener: listener}
	m.executions[queryID] = exec
	m.mu.Unlock()

	switch script.Mode {
	case ScriptComplete:
		m.Begin(queryID)
		if script.Err != nil {
			m.Fail(queryID, script.Err)
		} else {
			m.Finish(queryID)
		}
	case ScriptHoldRunning:
		m.Begin(queryID)
	case ScriptHoldQueued:
	}
	return mockHandle{id: queryID}, nil
}

// Begin reports Started and makes every scripted batch visible.
func (m *MockEngine) Begin(queryID string) {
	m.mu.Lock()
	exec := m.executions[queryID]
	exec.visible = len(exec.script.Batches)
	m.mu.Unlock()
	exec.listener(domain.ExecutionEvent{QueryID: queryID, Kind: domain.ExecutionStarted})
}

// Finish reports Finished; no further batches will appear.
func (m *MockEngine) Finish(queryID string) {
	m.mu.Lock()
	exec := m.executions[queryID]
	exec.terminal = true
	m.mu.Unlock()
	exec.listener(domain.ExecutionEvent{QueryID: queryID, Kind: domain.ExecutionFinished})
}

// Fail reports Failed with err.
func (m *MockEngine) Fail(queryID string, err error) {
	m.mu.Lock()
	exec := m.executions[queryID]
	exec.terminal = true
	exec.err = err
	m.mu.Unlock()
	exec.listener(domain.ExecutionEvent{QueryID: queryID, Kind: domain.ExecutionFailed, Err: err})
}

// PollBatch implements domain.ExecutionEngine. Cursors are batch indexes.
func (m *MockEngine) PollBatch(_ context.Context, handle domain.ExecutionHandle, cursor domain.Cursor) (domain.Batch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.polls++

	exec, ok := m.executions[handle.QueryID()]
	if !ok {
		return domain.Batch{}, fmt.Errorf("unknown handle %s", handle.QueryID())
	}
	idx := 0
	if cursor != "" {
		n, err := strconv.Atoi(string(cursor))
		if err != nil || n < 0 {
			return domain.Batch{}, domain.ErrInvalidCursor
		}
		idx = n
	}

	switch {
	case idx < exec.visible:
		last := exec.terminal && idx+1 == exec.visible && exec.err == nil
		return domain.Batch{
			Columns:  exec.script.Columns,
			Rows:     exec.script.Batches[idx],
			Next:     domain.Cursor(strconv.Itoa(idx + 1)),
			HasNext:  !last,
			Terminal: last,
		}, nil
	case idx == exec.visible && exec.terminal:
		return domain.Batch{Columns: exec.script.Columns, Terminal: true, Err: exec.err}, nil
	case idx == exec.visible:
		return domain.Batch{Columns: exec.script.Columns, Next: cursor, HasNext: true}, nil
	default:
		return domain.Batch{}, domain.ErrInvalidCursor
	}
}

// Cancel implements domain.ExecutionEngine. It records the call only.
func (m *MockEngine) Cancel(handle domain.ExecutionHandle) {
	m.mu.Lock()
	m.canceled = append(m.canceled, handle.QueryID())
	m.mu.Unlock()
}

// Canceled returns the query ids passed to Cancel, in call order.
func (m *MockEngine) Canceled() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.canceled...)
}

// WasCanceled reports whether Cancel was called for queryID.
func (m *MockEngine) WasCanceled(queryID string) bool {
	for _, id := range m.Canceled() {
		if id == queryID {
			return true
		}
	}
	return false
}

// Polls returns the number of PollBatch calls.
func (m *MockEngine) Polls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.polls
}

var _ domain.ExecutionEngine = (*MockEngine)(nil)
