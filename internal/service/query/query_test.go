package query

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"duck-coordinator/internal/admission"
	"duck-coordinator/internal/domain"
	"duck-coordinator/internal/registry"
	"duck-coordinator/internal/testutil"
)

var epoch = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

var discard = slog.New(slog.DiscardHandler)

var intColumn = []domain.Column{{Name: "n", Type: "INTEGER"}}

type harness struct {
	svc    *QueryService
	reg    *registry.Registry
	engine *testutil.MockEngine
	clock  *testutil.FakeClock
}

func newHarness(t *testing.T, scripts map[string]testutil.Script, admCfg admission.Config, opts ...Option) *harness {
	t.Helper()
	clock := testutil.NewFakeClock(epoch)
	reg := registry.New(registry.WithClock(clock.Now), registry.WithLogger(discard))
	eng := testutil.NewMockEngine(scripts)
	if admCfg.BucketSize == 0 {
		admCfg.BucketSize = 10_000
	}
	adm, err := admission.NewController(admCfg, admission.WithClock(clock.Now), admission.WithSleeper(clock.Sleep))
	require.NoError(t, err)
	opts = append([]Option{WithClock(clock.Now)}, opts...)
	return &harness{
		svc:    NewQueryService(reg, eng, adm, discard, opts...),
		reg:    reg,
		engine: eng,
		clock:  clock,
	}
}

// drain polls until the query has no next token and returns every row seen.
func (h *harness) drain(t *testing.T, first *Results) ([]domain.Row, *Results) {
	t.Helper()
	var rows []domain.Row
	res := first
	for i := 0; res.HasNext(); i++ {
		require.Less(t, i, 100, "query never drained")
		var err error
		res, err = h.svc.Poll(context.Background(), res.Info.ID, res.Info.Slug, res.NextToken)
		require.NoError(t, err)
		// The next token is absent exactly when the query is terminal
		// and drained; a drained query here means terminal.
		if !res.HasNext() {
			require.True(t, res.Info.State.IsTerminal(), "no next token while %s", res.Info.State)
		}
		rows = append(rows, res.Rows...)
	}
	return rows, res
}

func TestSubmit_SelectOne(t *testing.T) {
	h := newHarness(t, map[string]testutil.Script{
		"SELECT 1": {Columns: intColumn, Batches: [][]domain.Row{{{1}}}},
	}, admission.Config{})

	res, err := h.svc.Submit(context.Background(), "SELECT 1")
	require.NoError(t, err)
	require.True(t, res.HasNext(), "rows not yet delivered")
	assert.Equal(t, InitialToken(), res.NextToken)

	rows, final := h.drain(t, res)
	assert.Equal(t, domain.QueryStateFinished, final.Info.State)
	assert.Equal(t, []domain.Row{{1}}, rows)
	assert.Equal(t, intColumn, final.Columns)
	assert.Equal(t, int64(1), final.Info.RowsDelivered)
}

func TestSubmit_EmptyStatement(t *testing.T) {
	h := newHarness(t, nil, admission.Config{})
	_, err := h.svc.Submit(context.Background(), "   ")
	var verr *domain.ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, 0, h.reg.Len())
}

func TestSubmit_RejectedBeforeRegistration(t *testing.T) {
	h := newHarness(t, nil, admission.Config{BucketSize: 1, RefillPerSecond: 1, Mode: admission.ModeNonBlocking})

	_, err := h.svc.Submit(context.Background(), "SELECT 1")
	require.NoError(t, err)

	_, err = h.svc.Submit(context.Background(), "SELECT 1")
	var rejected *domain.AdmissionRejectedError
	require.True(t, errors.As(err, &rejected))
	assert.Equal(t, 1, h.reg.Len(), "a rejected submission leaves no entry")
}

func TestSubmit_BlockingAdmissionWaits(t *testing.T) {
	h := newHarness(t, nil, admission.Config{BucketSize: 1, RefillPerSecond: 1, Mode: admission.ModeBlocking})

	for range 15 {
		_, err := h.svc.Submit(context.Background(), "SELECT 1")
		require.NoError(t, err)
	}
	assert.GreaterOrEqual(t, h.clock.Now().Sub(epoch), 10*time.Second)
	assert.Equal(t, 15, h.reg.Len())
}

func TestSubmit_EngineStartErrorBecomesFailed(t *testing.T) {
	h := newHarness(t, map[string]testutil.Script{
		"SELECT broken": {StartErr: errors.New("engine unavailable")},
	}, admission.Config{})

	res, err := h.svc.Submit(context.Background(), "SELECT broken")
	require.NoError(t, err, "engine errors are not thrown across submission")
	assert.False(t, res.HasNext())
	assert.Equal(t, domain.QueryStateFailed, res.Info.State)
	require.NotNil(t, res.Info.Error)
	assert.Equal(t, domain.ErrorKindExecution, res.Info.Error.Kind)
	assert.Contains(t, res.Info.Error.Message, "engine unavailable")
}

func TestPoll_ExecutionFailure(t *testing.T) {
	h := newHarness(t, map[string]testutil.Script{
		"SELECT x FROM y": {Err: errors.New("table y does not exist")},
	}, admission.Config{})

	res, err := h.svc.Submit(context.Background(), "SELECT x FROM y")
	require.NoError(t, err)
	assert.Equal(t, domain.QueryStateFailed, res.Info.State)
	assert.False(t, res.HasNext())

	got, err := h.svc.Poll(context.Background(), res.Info.ID, res.Info.Slug, InitialToken())
	require.NoError(t, err)
	assert.False(t, got.HasNext())
	assert.Empty(t, got.Rows)
	require.NotNil(t, got.Info.Error)
	assert.Equal(t, domain.ErrorKindExecution, got.Info.Error.Kind)
}

func TestPoll_RunningThenFinished(t *testing.T) {
	h := newHarness(t, map[string]testutil.Script{
		"stream": {
			Mode:    testutil.ScriptHoldRunning,
			Columns: intColumn,
			Batches: [][]domain.Row{{{1}, {2}}, {{3}}},
		},
	}, admission.Config{})
	ctx := context.Background()

	res, err := h.svc.Submit(ctx, "stream")
	require.NoError(t, err)
	id, slug := res.Info.ID, res.Info.Slug
	assert.Equal(t, domain.QueryStateRunning, res.Info.State)

	first, err := h.svc.Poll(ctx, id, slug, res.NextToken)
	require.NoError(t, err)
	assert.Equal(t, []domain.Row{{1}, {2}}, first.Rows)
	require.True(t, first.HasNext())

	second, err := h.svc.Poll(ctx, id, slug, first.NextToken)
	require.NoError(t, err)
	assert.Equal(t, []domain.Row{{3}}, second.Rows)
	require.True(t, second.HasNext(), "still running")

	idle, err := h.svc.Poll(ctx, id, slug, second.NextToken)
	require.NoError(t, err)
	assert.Empty(t, idle.Rows, "no new batch is not an error")
	assert.Equal(t, second.NextToken, idle.NextToken)
	assert.Equal(t, domain.QueryStateRunning, idle.Info.State)

	h.engine.Finish(id)

	// Finished but not drained from the start: a next token is still issued.
	replay, err := h.svc.Poll(ctx, id, slug, res.NextToken)
	require.NoError(t, err)
	assert.Equal(t, domain.QueryStateFinished, replay.Info.State)
	assert.True(t, replay.HasNext())

	last, err := h.svc.Poll(ctx, id, slug, idle.NextToken)
	require.NoError(t, err)
	assert.Empty(t, last.Rows)
	assert.False(t, last.HasNext())
	assert.Equal(t, domain.QueryStateFinished, last.Info.State)
	assert.Equal(t, int64(3), last.Info.RowsDelivered)
}

func TestPoll_QueuedReturnsEmptyWithNext(t *testing.T) {
	h := newHarness(t, map[string]testutil.Script{
		"wait": {Mode: testutil.ScriptHoldQueued, Columns: intColumn, Batches: [][]domain.Row{{{7}}}},
	}, admission.Config{})
	ctx := context.Background()

	res, err := h.svc.Submit(ctx, "wait")
	require.NoError(t, err)
	assert.Equal(t, domain.QueryStateQueued, res.Info.State)

	got, err := h.svc.Poll(ctx, res.Info.ID, res.Info.Slug, res.NextToken)
	require.NoError(t, err)
	assert.Empty(t, got.Rows)
	assert.Equal(t, res.NextToken, got.NextToken)
	assert.Equal(t, domain.QueryStateQueued, got.Info.State)

	h.engine.Begin(res.Info.ID)
	h.engine.Finish(res.Info.ID)

	rows, final := h.drain(t, got)
	assert.Equal(t, []domain.Row{{7}}, rows)
	assert.Equal(t, domain.QueryStateFinished, final.Info.State)
}

func TestPoll_StaleTokenReplaysSameBatch(t *testing.T) {
	h := newHarness(t, map[string]testutil.Script{
		"q": {Columns: intColumn, Batches: [][]domain.Row{{{1}}, {{2}}, {{3}}}},
	}, admission.Config{})
	ctx := context.Background()

	res, err := h.svc.Submit(ctx, "q")
	require.NoError(t, err)
	id, slug := res.Info.ID, res.Info.Slug

	first, err := h.svc.Poll(ctx, id, slug, res.NextToken)
	require.NoError(t, err)
	second, err := h.svc.Poll(ctx, id, slug, first.NextToken)
	require.NoError(t, err)

	again, err := h.svc.Poll(ctx, id, slug, first.NextToken)
	require.NoError(t, err)
	assert.Equal(t, second.Rows, again.Rows)
	assert.Equal(t, second.NextToken, again.NextToken)
	assert.Equal(t, int64(2), again.Info.RowsDelivered, "replays are not counted twice")
}

func TestPoll_Errors(t *testing.T) {
	h := newHarness(t, map[string]testutil.Script{
		"q": {Columns: intColumn, Batches: [][]domain.Row{{{1}}}},
	}, admission.Config{})
	ctx := context.Background()

	res, err := h.svc.Submit(ctx, "q")
	require.NoError(t, err)
	id, slug := res.Info.ID, res.Info.Slug

	var notFound *domain.NotFoundError
	_, err = h.svc.Poll(ctx, "unknown", slug, res.NextToken)
	require.True(t, errors.As(err, &notFound))

	_, err = h.svc.Poll(ctx, id, "wrong-slug", res.NextToken)
	require.True(t, errors.As(err, &notFound))

	var verr *domain.ValidationError
	_, err = h.svc.Poll(ctx, id, slug, "not-a-token")
	require.True(t, errors.As(err, &verr))

	_, err = h.svc.Poll(ctx, id, slug, EncodeToken("99"))
	require.True(t, errors.As(err, &verr))
}

func TestPoll_Touches(t *testing.T) {
	h := newHarness(t, map[string]testutil.Script{
		"q": {Mode: testutil.ScriptHoldRunning},
	}, admission.Config{})
	ctx := context.Background()

	res, err := h.svc.Submit(ctx, "q")
	require.NoError(t, err)

	h.clock.Advance(time.Minute)
	got, err := h.svc.Poll(ctx, res.Info.ID, res.Info.Slug, res.NextToken)
	require.NoError(t, err)
	assert.Equal(t, epoch.Add(time.Minute), got.Info.LastAccessedAt)
}

func TestPoll_PerQueryRateLimit(t *testing.T) {
	clock := testutil.NewFakeClock(epoch)
	limiter := admission.NewKeyedLimiter(1, 1, admission.WithClock(clock.Now), admission.WithSleeper(clock.Sleep))
	h := newHarness(t, map[string]testutil.Script{
		"q": {Mode: testutil.ScriptHoldRunning},
	}, admission.Config{}, WithPollLimiter(limiter, 100*time.Millisecond))
	ctx := context.Background()

	res, err := h.svc.Submit(ctx, "q")
	require.NoError(t, err)

	_, err = h.svc.Poll(ctx, res.Info.ID, res.Info.Slug, res.NextToken)
	require.NoError(t, err)

	_, err = h.svc.Poll(ctx, res.Info.ID, res.Info.Slug, res.NextToken)
	var timeout *domain.AdmissionTimeoutError
	require.True(t, errors.As(err, &timeout))

	clock.Advance(time.Second)
	_, err = h.svc.Poll(ctx, res.Info.ID, res.Info.Slug, res.NextToken)
	require.NoError(t, err)
}

func TestCancel(t *testing.T) {
	h := newHarness(t, map[string]testutil.Script{
		"long": {Mode: testutil.ScriptHoldRunning, Columns: intColumn, Batches: [][]domain.Row{{{1}}}},
	}, admission.Config{})
	ctx := context.Background()

	res, err := h.svc.Submit(ctx, "long")
	require.NoError(t, err)
	id := res.Info.ID

	var notFound *domain.NotFoundError
	_, err = h.svc.CancelStatement(id, "wrong")
	require.True(t, errors.As(err, &notFound))

	info, err := h.svc.CancelStatement(id, res.Info.Slug)
	require.NoError(t, err)
	assert.Equal(t, domain.QueryStateFailed, info.State)
	require.NotNil(t, info.Error)
	assert.Equal(t, domain.ErrorKindUserCanceled, info.Error.Kind)
	require.Eventually(t, func() bool { return h.engine.WasCanceled(id) }, time.Second, 5*time.Millisecond)

	again, err := h.svc.Cancel(id)
	require.NoError(t, err, "cancel is idempotent")
	assert.Equal(t, info.Error, again.Error)

	got, err := h.svc.Poll(ctx, id, res.Info.Slug, res.NextToken)
	require.NoError(t, err)
	assert.False(t, got.HasNext())
	assert.Empty(t, got.Rows, "undelivered rows are discarded")

	// A late engine report does not resurrect the query.
	h.engine.Finish(id)
	info, err = h.svc.Info(id)
	require.NoError(t, err)
	assert.Equal(t, domain.QueryStateFailed, info.State)
}

func TestStartedReportAfterCancelIsIgnored(t *testing.T) {
	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, nil))
	reg := registry.New(registry.WithLogger(logger))
	adm, err := admission.NewController(admission.Config{BucketSize: 10})
	require.NoError(t, err)
	eng := testutil.NewMockEngine(map[string]testutil.Script{
		"wait": {Mode: testutil.ScriptHoldQueued},
	})
	svc := NewQueryService(reg, eng, adm, logger)

	res, err := svc.Submit(context.Background(), "wait")
	require.NoError(t, err)
	_, err = svc.Cancel(res.Info.ID)
	require.NoError(t, err)

	// The engine picked the query up just before the cancel landed.
	svc.onEvent(domain.ExecutionEvent{QueryID: res.Info.ID, Kind: domain.ExecutionStarted})

	info, err := svc.Info(res.Info.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.QueryStateFailed, info.State)
	assert.Nil(t, info.StartedAt)
	assert.NotContains(t, logs.String(), "illegal query state transition")
	assert.NotContains(t, logs.String(), "engine event not applied")
}

func TestCancel_FinishedQueryUnchanged(t *testing.T) {
	h := newHarness(t, nil, admission.Config{})
	res, err := h.svc.Submit(context.Background(), "SELECT 1")
	require.NoError(t, err)
	require.Equal(t, domain.QueryStateFinished, res.Info.State)

	info, err := h.svc.Cancel(res.Info.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.QueryStateFinished, info.State)
	assert.Nil(t, info.Error)
}

func TestList_CountsByState(t *testing.T) {
	h := newHarness(t, map[string]testutil.Script{
		"ok":   {Columns: intColumn, Batches: [][]domain.Row{{{1}}}},
		"bad":  {Err: errors.New("boom")},
		"run":  {Mode: testutil.ScriptHoldRunning},
		"wait": {Mode: testutil.ScriptHoldQueued},
	}, admission.Config{})

	const n, m, k, j = 5, 3, 4, 2
	var statements []string
	for range n {
		statements = append(statements, "ok")
	}
	for range m {
		statements = append(statements, "bad")
	}
	for range k {
		statements = append(statements, "run")
	}
	for range j {
		statements = append(statements, "wait")
	}
	rng := rand.New(rand.NewPCG(3, 4))
	rng.Shuffle(len(statements), func(a, b int) { statements[a], statements[b] = statements[b], statements[a] })

	var submitted []string
	for _, stmt := range statements {
		res, err := h.svc.Submit(context.Background(), stmt)
		require.NoError(t, err)
		submitted = append(submitted, res.Info.ID)
	}

	want := map[domain.QueryState]int{
		domain.QueryStateFinished: n,
		domain.QueryStateFailed:   m,
		domain.QueryStateRunning:  k,
		domain.QueryStateQueued:   j,
	}
	for state, count := range want {
		got, err := h.svc.List(domain.QueryFilter{State: &state})
		require.NoError(t, err)
		require.Len(t, got, count, "state %s", state)
		for _, info := range got {
			assert.Equal(t, state, info.State)
		}
	}

	all, err := h.svc.List(domain.QueryFilter{})
	require.NoError(t, err)
	require.Len(t, all, len(submitted))
	for i, info := range all {
		assert.Equal(t, submitted[i], info.ID, "submission order")
	}

	limit := -1
	_, err = h.svc.List(domain.QueryFilter{Limit: &limit})
	var verr *domain.ValidationError
	require.True(t, errors.As(err, &verr))
}

func TestStatePathsAreLegal(t *testing.T) {
	var (
		mu    sync.Mutex
		edges [][2]domain.QueryState
	)
	clock := testutil.NewFakeClock(epoch)
	reg := registry.New(registry.WithClock(clock.Now), registry.WithLogger(discard),
		registry.WithTransitionHook(func(from, to domain.QueryState) {
			mu.Lock()
			edges = append(edges, [2]domain.QueryState{from, to})
			mu.Unlock()
		}))
	eng := testutil.NewMockEngine(map[string]testutil.Script{
		"ok":   {Columns: intColumn, Batches: [][]domain.Row{{{1}}}},
		"bad":  {Err: errors.New("boom")},
		"run":  {Mode: testutil.ScriptHoldRunning, Columns: intColumn, Batches: [][]domain.Row{{{1}}}},
		"wait": {Mode: testutil.ScriptHoldQueued, Columns: intColumn, Batches: [][]domain.Row{{{1}}}},
	})
	adm, err := admission.NewController(admission.Config{BucketSize: 10_000})
	require.NoError(t, err)
	svc := NewQueryService(reg, eng, adm, discard)
	ctx := context.Background()

	rng := rand.New(rand.NewPCG(9, 9))
	kinds := []string{"ok", "bad", "run", "wait"}
	var wg sync.WaitGroup
	for range 200 {
		res, err := svc.Submit(ctx, kinds[rng.IntN(len(kinds))])
		require.NoError(t, err)
		id, slug, token := res.Info.ID, res.Info.Slug, res.NextToken
		action := rng.IntN(4)
		wg.Add(1)
		go func() {
			defer wg.Done()
			switch action {
			case 0:
				_, _ = svc.Cancel(id)
			case 1:
				_, _ = svc.Poll(ctx, id, slug, token)
			case 2:
				_, _ = svc.Cancel(id)
				_, _ = svc.Poll(ctx, id, slug, token)
			}
		}()
	}
	wg.Wait()

	allowed := map[[2]domain.QueryState]bool{
		{domain.QueryStateQueued, domain.QueryStateRunning}:   true,
		{domain.QueryStateQueued, domain.QueryStateFailed}:    true,
		{domain.QueryStateRunning, domain.QueryStateFinished}: true,
		{domain.QueryStateRunning, domain.QueryStateFailed}:   true,
	}
	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, edges)
	for _, e := range edges {
		assert.True(t, allowed[e], "observed %s -> %s", e[0], e[1])
	}
}

func TestToken(t *testing.T) {
	for _, c := range []domain.Cursor{"", "0", "42", "opaque/cursor+value"} {
		got, err := DecodeToken(EncodeToken(c))
		require.NoError(t, err)
		assert.Equal(t, c, got)
	}
	for _, bad := range []string{"", "x123", "t!!!"} {
		_, err := DecodeToken(bad)
		var verr *domain.ValidationError
		require.True(t, errors.As(err, &verr), "token %q", bad)
	}
}
