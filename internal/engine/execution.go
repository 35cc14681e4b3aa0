package engine

import (
	"context"
	"strconv"
	"sync"

	"duck-coordinator/internal/domain"
)

// execution buffers one statement's result. Rows accumulate in pending and
// are sealed into batches of a fixed size; only sealed batches are served.
type execution struct {
	cancel context.CancelFunc

	mu       sync.Mutex
	columns  []domain.Column
	batches  [][]domain.Row
	pending  []domain.Row
	done     bool
	err      error
	released bool
}

func (x *execution) setColumns(cols []domain.Column) {
	x.mu.Lock()
	x.columns = cols
	x.mu.Unlock()
}

// append adds a row and reports whether the execution is still wanted.
func (x *execution) append(row domain.Row, batchSize int) bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.released {
		return false
	}
	x.pending = append(x.pending, row)
	if len(x.pending) >= batchSize {
		x.batches = append(x.batches, x.pending)
		x.pending = nil
	}
	return true
}

func (x *execution) finish() {
	x.mu.Lock()
	defer x.mu.Unlock()
	if len(x.pending) > 0 {
		x.batches = append(x.batches, x.pending)
		x.pending = nil
	}
	x.done = true
}

func (x *execution) fail(err error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.done {
		return
	}
	x.pending = nil
	x.done = true
	x.err = err
}

func (x *execution) release() {
	x.cancel()
	x.mu.Lock()
	x.released = true
	x.batches = nil
	x.pending = nil
	x.mu.Unlock()
}

func (x *execution) batch(idx int, cursor domain.Cursor) (domain.Batch, error) {
	x.mu.Lock()
	defer x.mu.Unlock()

	sealed := len(x.batches)
	switch {
	case idx < sealed:
		last := x.done && x.err == nil && idx+1 == sealed
		return domain.Batch{
			Columns:  x.columns,
			Rows:     x.batches[idx],
			Next:     domain.Cursor(strconv.Itoa(idx + 1)),
			HasNext:  !last,
			Terminal: last,
		}, nil
	case idx == sealed && x.done:
		return domain.Batch{Columns: x.columns, Terminal: true, Err: x.err}, nil
	case idx == sealed:
		return domain.Batch{Columns: x.columns, Next: cursor, HasNext: true}, nil
	default:
		return domain.Batch{}, domain.ErrInvalidCursor
	}
}
