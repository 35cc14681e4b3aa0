// Package registry is the in-memory directory of submitted queries.
//
// Entries live in a fixed number of shards, each a map guarded by its own
// RWMutex, and every entry carries its own mutex. All mutations of one
// query id are serialized by that entry's mutex, so unrelated queries never
// contend. When both locks are needed the entry lock is taken first.
package registry

import (
	"hash/fnv"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"duck-coordinator/internal/domain"
)

const defaultShards = 32

// TransitionHook observes every applied state change.
type TransitionHook func(from, to domain.QueryState)

type entry struct {
	mu      sync.Mutex
	seq     uint64
	info    domain.QueryInfo
	handle  domain.ExecutionHandle
	removed bool
}

type shard struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

// Registry tracks every live query. Safe for concurrent use.
type Registry struct {
	shards []*shard
	seq    atomic.Uint64
	now    func() time.Time
	logger *slog.Logger
	hook   TransitionHook
}

// Option customizes a Registry.
type Option func(*Registry)

// WithClock injects the time source used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithLogger sets the logger used to report consistency faults.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) { r.logger = logger }
}

// WithShards sets the shard count.
func WithShards(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.shards = make([]*shard, n)
		}
	}
}

// WithTransitionHook registers a callback run after each state change. It is
// called with the entry locked and must not call back into the registry.
func WithTransitionHook(hook TransitionHook) Option {
	return func(r *Registry) { r.hook = hook }
}

// New creates an empty Registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		shards: make([]*shard, defaultShards),
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	for i := range r.shards {
		r.shards[i] = &shard{entries: make(map[string]*entry)}
	}
	return r
}

func (r *Registry) shardFor(id string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return r.shards[h.Sum32()%uint32(len(r.shards))]
}

func (r *Registry) lookup(id string) (*entry, error) {
	s := r.shardFor(id)
	s.mu.RLock()
	e, ok := s.entries[id]
	s.mu.RUnlock()
	if !ok {
		return nil, domain.ErrNotFound("query %q not found", id)
	}
	return e, nil
}

// lock returns the entry for id locked. Callers must unlock it.
func (r *Registry) lock(id string) (*entry, error) {
	e, err := r.lookup(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	if e.removed {
		e.mu.Unlock()
		return nil, domain.ErrNotFound("query %q not found", id)
	}
	return e, nil
}

// Create registers a new query in QUEUED.
func (r *Registry) Create(id, slug, statement string) (domain.QueryInfo, error) {
	now := r.now()
	e := &entry{
		seq: r.seq.Add(1),
		info: domain.QueryInfo{
			ID:             id,
			Slug:           slug,
			Query:          statement,
			State:          domain.QueryStateQueued,
			SubmittedAt:    now,
			LastAccessedAt: now,
		},
	}

	s := r.shardFor(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.entries[id]; exists {
		return domain.QueryInfo{}, domain.ErrConflict("query %q already exists", id)
	}
	s.entries[id] = e
	return e.info, nil
}

// Get returns a snapshot of the query.
func (r *Registry) Get(id string) (domain.QueryInfo, error) {
	e, err := r.lock(id)
	if err != nil {
		return domain.QueryInfo{}, err
	}
	defer e.mu.Unlock()
	return e.info, nil
}

// Handle returns the execution handle together with a snapshot taken under
// the same lock. The handle is nil until AttachHandle.
func (r *Registry) Handle(id string) (domain.ExecutionHandle, domain.QueryInfo, error) {
	e, err := r.lock(id)
	if err != nil {
		return nil, domain.QueryInfo{}, err
	}
	defer e.mu.Unlock()
	return e.handle, e.info, nil
}

// List returns matching queries oldest first.
func (r *Registry) List(filter domain.QueryFilter) ([]domain.QueryInfo, error) {
	if err := filter.Validate(); err != nil {
		return nil, err
	}

	all := r.entries()
	sort.Slice(all, func(i, j int) bool { return all[i].seq < all[j].seq })

	out := make([]domain.QueryInfo, 0, len(all))
	for _, e := range all {
		if filter.Limit != nil && len(out) >= *filter.Limit {
			break
		}
		e.mu.Lock()
		info, removed := e.info, e.removed
		e.mu.Unlock()
		if removed {
			continue
		}
		if filter.State != nil && info.State != *filter.State {
			continue
		}
		out = append(out, info)
	}
	return out, nil
}

// entries collects every entry without holding any entry lock.
func (r *Registry) entries() []*entry {
	var all []*entry
	for _, s := range r.shards {
		s.mu.RLock()
		for _, e := range s.entries {
			all = append(all, e)
		}
		s.mu.RUnlock()
	}
	return all
}

// CountByState counts live queries per state.
func (r *Registry) CountByState() map[domain.QueryState]int {
	counts := map[domain.QueryState]int{
		domain.QueryStateQueued:   0,
		domain.QueryStateRunning:  0,
		domain.QueryStateFinished: 0,
		domain.QueryStateFailed:   0,
	}
	for _, e := range r.entries() {
		e.mu.Lock()
		if !e.removed {
			counts[e.info.State]++
		}
		e.mu.Unlock()
	}
	return counts
}

// Len returns the number of live queries.
func (r *Registry) Len() int {
	n := 0
	for _, s := range r.shards {
		s.mu.RLock()
		n += len(s.entries)
		s.mu.RUnlock()
	}
	return n
}

// Touch records a client access.
func (r *Registry) Touch(id string) error {
	e, err := r.lock(id)
	if err != nil {
		return err
	}
	e.info.LastAccessedAt = r.now()
	e.mu.Unlock()
	return nil
}

// Advance moves the delivery cursor from one position to the next and counts
// the delivered rows. It does nothing unless the cursor is still at from, so
// replaying an old position never moves it.
func (r *Registry) Advance(id string, from, to domain.Cursor, rows int) error {
	e, err := r.lock(id)
	if err != nil {
		return err
	}
	defer e.mu.Unlock()
	if e.info.Cursor == from {
		e.info.Cursor = to
		e.info.RowsDelivered += int64(rows)
	}
	return nil
}

// AttachHandle stores the execution handle of a started query and returns
// the current snapshot.
func (r *Registry) AttachHandle(id string, handle domain.ExecutionHandle) (domain.QueryInfo, error) {
	e, err := r.lock(id)
	if err != nil {
		return domain.QueryInfo{}, err
	}
	defer e.mu.Unlock()
	e.handle = handle
	return e.info, nil
}

// Transition applies one state change. Moving to the current state is a
// no-op. An illegal change is logged and returns a *domain.TransitionError;
// the entry keeps its recorded state.
func (r *Registry) Transition(id string, to domain.QueryState, errInfo *domain.ErrorInfo) (domain.QueryInfo, error) {
	e, err := r.lock(id)
	if err != nil {
		return domain.QueryInfo{}, err
	}
	defer e.mu.Unlock()
	if e.info.State == to {
		return e.info, nil
	}
	if err := r.apply(e, to, errInfo); err != nil {
		return e.info, err
	}
	return e.info, nil
}

// TransitionFrom applies from -> to only while the query is still in from.
// applied is false when another change got there first, which is not an
// error.
func (r *Registry) TransitionFrom(id string, from, to domain.QueryState, errInfo *domain.ErrorInfo) (info domain.QueryInfo, applied bool, err error) {
	e, err := r.lock(id)
	if err != nil {
		return domain.QueryInfo{}, false, err
	}
	defer e.mu.Unlock()
	if e.info.State != from {
		return e.info, false, nil
	}
	if err := r.apply(e, to, errInfo); err != nil {
		return e.info, false, err
	}
	return e.info, true, nil
}

// Settle drives a query into the terminal state to, passing through RUNNING
// when FINISHED is requested for a QUEUED query. A query that is already
// terminal is left as is and settled is false.
func (r *Registry) Settle(id string, to domain.QueryState, errInfo *domain.ErrorInfo) (info domain.QueryInfo, settled bool, err error) {
	return r.SettleIf(id, to, errInfo, nil)
}

// SettleIf is Settle guarded by pred, evaluated under the entry lock on the
// current snapshot of a non-terminal query. A nil pred always holds.
func (r *Registry) SettleIf(id string, to domain.QueryState, errInfo *domain.ErrorInfo, pred func(domain.QueryInfo) bool) (info domain.QueryInfo, settled bool, err error) {
	e, err := r.lock(id)
	if err != nil {
		return domain.QueryInfo{}, false, err
	}
	defer e.mu.Unlock()
	if e.info.State.IsTerminal() {
		return e.info, false, nil
	}
	if pred != nil && !pred(e.info) {
		return e.info, false, nil
	}
	if to == domain.QueryStateFinished && e.info.State == domain.QueryStateQueued {
		if err := r.apply(e, domain.QueryStateRunning, nil); err != nil {
			return e.info, false, err
		}
	}
	if err := r.apply(e, to, errInfo); err != nil {
		return e.info, false, err
	}
	return e.info, true, nil
}

// apply performs a checked transition. e.mu must be held.
func (r *Registry) apply(e *entry, to domain.QueryState, errInfo *domain.ErrorInfo) error {
	from := e.info.State
	if !from.CanTransitionTo(to) {
		terr := &domain.TransitionError{QueryID: e.info.ID, From: from, To: to}
		r.logger.Error("illegal query state transition",
			"query_id", e.info.ID, "from", from, "to", to)
		return terr
	}

	now := r.now()
	e.info.State = to
	switch to {
	case domain.QueryStateRunning:
		e.info.StartedAt = &now
	case domain.QueryStateFinished:
		e.info.EndedAt = &now
	case domain.QueryStateFailed:
		e.info.EndedAt = &now
		if errInfo == nil {
			errInfo = &domain.ErrorInfo{Kind: domain.ErrorKindInternal, Message: "query failed"}
		}
		info := *errInfo
		e.info.Error = &info
	}
	if r.hook != nil {
		r.hook(from, to)
	}
	return nil
}

// Remove deletes the query and returns its execution handle, if any.
func (r *Registry) Remove(id string) (domain.ExecutionHandle, error) {
	e, err := r.lock(id)
	if err != nil {
		return nil, err
	}
	defer e.mu.Unlock()
	r.unlink(id, e)
	return e.handle, nil
}

// RemoveIf deletes the query only if pred holds for its current snapshot,
// evaluated under the entry lock. A touch that lands
// before the check therefore prevents removal.
func (r *Registry) RemoveIf(id string, pred func(domain.QueryInfo) bool) (domain.ExecutionHandle, bool) {
	e, err := r.lock(id)
	if err != nil {
		return nil, false
	}
	defer e.mu.Unlock()
	if !pred(e.info) {
		return nil, false
	}
	r.unlink(id, e)
	return e.handle, true
}

// RemoveIfIdle deletes the query if it has not been accessed since cutoff.
func (r *Registry) RemoveIfIdle(id string, cutoff time.Time) (domain.ExecutionHandle, bool) {
	return r.RemoveIf(id, func(info domain.QueryInfo) bool {
		return info.LastAccessedAt.Before(cutoff)
	})
}

// unlink marks e removed and drops it from its shard. e.mu must be held.
func (r *Registry) unlink(id string, e *entry) {
	e.removed = true
	s := r.shardFor(id)
	s.mu.Lock()
	delete(s.entries, id)
	s.mu.Unlock()
}
