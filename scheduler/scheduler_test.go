package scheduler

import (
	"context"
	"iter"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/teranos/leakhunter/connector"
	"github.com/teranos/leakhunter/errors"
	"github.com/teranos/leakhunter/finding"
	lhtest "github.com/teranos/leakhunter/internal/testing"
	"github.com/teranos/leakhunter/pipeline"
	"github.com/teranos/leakhunter/retry"
)

var t0 = time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

type countingProc struct {
	mu     sync.Mutex
	items  []finding.RawItem
	failOn map[string]bool
}

func (p *countingProc) Process(_ context.Context, it finding.RawItem) (pipeline.ItemResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.items = append(p.items, it)
	if p.failOn[it.ItemID] {
		return pipeline.ItemResult{}, errors.New("store unavailable")
	}
	return pipeline.ItemResult{Matches: 1, Admitted: []finding.Finding{{ID: it.ItemID}}}, nil
}

func (p *countingProc) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.items)
}

type recordingBroadcaster struct {
	mu       sync.Mutex
	started  []string
	finished []Run
}

func (b *recordingBroadcaster) RunStarted(r Run) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.started = append(b.started, r.ID)
}

func (b *recordingBroadcaster) RunFinished(r Run) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.finished = append(b.finished, r)
}

// brokenStream yields good items and then a platform error
type brokenStream struct {
	good int
}

func (b *brokenStream) Name() string { return "broken" }

func (b *brokenStream) Containers(context.Context) ([]finding.Container, error) {
	return []finding.Container{{ID: "C1"}}, nil
}

func (b *brokenStream) Fetch(_ context.Context, c finding.Container, _ time.Time) iter.Seq2[finding.RawItem, error] {
	return func(yield func(finding.RawItem, error) bool) {
		for i := 0; i < b.good; i++ {
			if !yield(finding.RawItem{Platform: "test", Container: c, ItemID: string(rune('a' + i))}, nil) {
				return
			}
		}
		yield(finding.RawItem{}, errors.New("HTTP 502 from platform"))
	}
}

var backoff = retry.Policy{BaseDelay: 10 * time.Second, MaxDelay: time.Hour}

func newOrchestrator(t *testing.T, proc Processor, store StateStore, clock *testClock) *Orchestrator {
	t.Helper()
	o := New(proc, store, Config{
		Tick:         time.Hour,
		FetchTimeout: 10 * time.Second,
		Overlap:      time.Minute,
		Backoff:      backoff,
		Clock:        clock.Now,
	}, zaptest.NewLogger(t).Sugar())
	t.Cleanup(o.Stop)
	return o
}

func items(n int) []finding.RawItem {
	out := make([]finding.RawItem, n)
	for i := range out {
		out[i] = finding.RawItem{Platform: "test", ItemID: string(rune('a' + i)), Text: "x"}
	}
	return out
}

func TestTriggerRunsAndRecords(t *testing.T) {
	clock := &testClock{t: t0}
	proc := &countingProc{}
	store := NewMemoryStateStore()
	o := newOrchestrator(t, proc, store, clock)
	b := &recordingBroadcaster{}
	o.AddBroadcaster(b)

	src := connector.NewStatic("static").Add(finding.Container{ID: "C1"}, items(2)...)
	require.NoError(t, o.Register(context.Background(), src, Cadence{}))

	res, err := o.Trigger(context.Background(), "static", TriggerOptions{Wait: true})
	require.NoError(t, err)
	assert.False(t, res.Joined)
	assert.Equal(t, RunStatusCompleted, res.Run.Status)
	assert.Equal(t, TriggerManual, res.Run.Trigger)
	assert.Equal(t, 2, res.Run.Items)
	assert.Equal(t, 2, res.Run.Admitted)
	assert.True(t, res.Run.Since.IsZero())

	st, err := o.State("static")
	require.NoError(t, err)
	assert.Equal(t, StatusIdle, st.Status)
	assert.Equal(t, t0, st.LastSuccessAt)
	assert.Zero(t, st.ConsecutiveFailures)
	assert.Empty(t, st.CurrentRunID)

	runs, err := o.Runs(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, res.Run.ID, runs[0].ID)
	assert.Equal(t, RunStatusCompleted, runs[0].Status)

	b.mu.Lock()
	defer b.mu.Unlock()
	assert.Equal(t, []string{res.Run.ID}, b.started)
	require.Len(t, b.finished, 1)
	assert.Equal(t, RunStatusCompleted, b.finished[0].Status)
}

func TestBackoffAfterThreeFailures(t *testing.T) {
	clock := &testClock{t: t0}
	o := newOrchestrator(t, &countingProc{}, nil, clock)

	src := connector.NewStatic("slack")
	src.FailWith(errors.New("invalid_auth"))
	require.NoError(t, o.Register(context.Background(), src, Cadence{Interval: time.Minute}))

	for i := 0; i < 3; i++ {
		res, err := o.Trigger(context.Background(), "slack", TriggerOptions{Wait: true})
		require.NoError(t, err)
		assert.Equal(t, RunStatusFailed, res.Run.Status)
		assert.Contains(t, res.Run.Error, "invalid_auth")
	}

	st, err := o.State("slack")
	require.NoError(t, err)
	assert.Equal(t, StatusBackoff, st.Status)
	assert.Equal(t, 3, st.ConsecutiveFailures)
	assert.GreaterOrEqual(t, st.NextEligibleAt.Sub(t0), backoff.BaseDelay*4)
	assert.Contains(t, st.LastError, "invalid_auth")
	assert.Equal(t, 3, src.Calls())
}

func TestBackoffIsCapped(t *testing.T) {
	clock := &testClock{t: t0}
	o := New(&countingProc{}, nil, Config{
		Backoff: retry.Policy{BaseDelay: 10 * time.Second, MaxDelay: time.Minute, Jitter: 0.5},
		Clock:   clock.Now,
	}, zaptest.NewLogger(t).Sugar())
	t.Cleanup(o.Stop)

	src := connector.NewStatic("jira")
	src.FailWith(errors.New("down"))
	require.NoError(t, o.Register(context.Background(), src, Cadence{}))

	for i := 0; i < 8; i++ {
		_, err := o.Trigger(context.Background(), "jira", TriggerOptions{Wait: true})
		require.NoError(t, err)
	}
	st, err := o.State("jira")
	require.NoError(t, err)
	assert.Equal(t, t0.Add(time.Minute), st.NextEligibleAt)
}

func TestSuccessResetsFailures(t *testing.T) {
	clock := &testClock{t: t0}
	o := newOrchestrator(t, &countingProc{}, nil, clock)

	src := connector.NewStatic("jira").Add(finding.Container{ID: "SEC"}, items(1)...)
	src.FailWith(errors.New("down"))
	require.NoError(t, o.Register(context.Background(), src, Cadence{Interval: time.Minute}))

	_, err := o.Trigger(context.Background(), "jira", TriggerOptions{Wait: true})
	require.NoError(t, err)

	src.FailWith(nil)
	clock.Set(t0.Add(time.Hour))
	res, err := o.Trigger(context.Background(), "jira", TriggerOptions{Wait: true})
	require.NoError(t, err)
	assert.Equal(t, RunStatusCompleted, res.Run.Status)

	st, err := o.State("jira")
	require.NoError(t, err)
	assert.Equal(t, StatusIdle, st.Status)
	assert.Zero(t, st.ConsecutiveFailures)
	assert.Empty(t, st.LastError)
	assert.Equal(t, t0.Add(time.Hour+time.Minute), st.NextEligibleAt)
}

func TestTriggerWhileRunningJoins(t *testing.T) {
	clock := &testClock{t: t0}
	proc := &countingProc{}
	core, logs := observer.New(zap.InfoLevel)
	o := New(proc, nil, Config{Backoff: backoff, Clock: clock.Now}, zap.New(core).Sugar())
	t.Cleanup(o.Stop)

	release := make(chan struct{})
	entered := make(chan struct{}, 1)
	src := connector.NewStatic("slack").Add(finding.Container{ID: "C1"}, items(3)...)
	src.OnFetch(func(ctx context.Context) {
		entered <- struct{}{}
		select {
		case <-release:
		case <-ctx.Done():
		}
	})
	require.NoError(t, o.Register(context.Background(), src, Cadence{}))

	first, err := o.Trigger(context.Background(), "slack", TriggerOptions{})
	require.NoError(t, err)
	<-entered

	second, err := o.Trigger(context.Background(), "slack", TriggerOptions{Full: true})
	require.NoError(t, err)
	assert.True(t, second.Joined)
	assert.Equal(t, first.Run.ID, second.Run.ID)

	_, err = o.Trigger(context.Background(), "slack", TriggerOptions{Exclusive: true})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrAlreadyRunning))
	assert.True(t, errors.Is(err, errors.ErrConflict))

	waited := make(chan TriggerResult, 1)
	go func() {
		res, err := o.Trigger(context.Background(), "slack", TriggerOptions{Wait: true})
		assert.NoError(t, err)
		waited <- res
	}()

	require.Eventually(t, func() bool {
		return logs.FilterMessage("Trigger joined in-flight run").Len() == 2
	}, time.Second, 5*time.Millisecond)
	close(release)

	res := <-waited
	assert.Equal(t, first.Run.ID, res.Run.ID)
	assert.Equal(t, RunStatusCompleted, res.Run.Status)
	assert.Equal(t, 3, res.Run.Items)

	// One run, one pass over the content
	assert.Equal(t, 1, src.Calls())
	assert.Equal(t, 3, proc.count())
}

func TestTriggerWaitHonoursContext(t *testing.T) {
	clock := &testClock{t: t0}
	o := newOrchestrator(t, &countingProc{}, nil, clock)

	src := connector.NewStatic("slow").Add(finding.Container{ID: "C1"}, items(1)...)
	src.OnFetch(func(ctx context.Context) { <-ctx.Done() })
	require.NoError(t, o.Register(context.Background(), src, Cadence{}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	res, err := o.Trigger(ctx, "slow", TriggerOptions{Wait: true})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.NotEmpty(t, res.Run.ID)
}

func TestIncrementalSinceUsesOverlap(t *testing.T) {
	clock := &testClock{t: t0}
	o := newOrchestrator(t, &countingProc{}, nil, clock)

	src := connector.NewStatic("static").Add(finding.Container{ID: "C1"}, items(1)...)
	require.NoError(t, o.Register(context.Background(), src, Cadence{}))

	_, err := o.Trigger(context.Background(), "static", TriggerOptions{Wait: true})
	require.NoError(t, err)

	clock.Set(t0.Add(time.Hour))
	res, err := o.Trigger(context.Background(), "static", TriggerOptions{Wait: true})
	require.NoError(t, err)
	assert.Equal(t, t0.Add(-time.Minute), res.Run.Since)

	res, err = o.Trigger(context.Background(), "static", TriggerOptions{Wait: true, Full: true})
	require.NoError(t, err)
	assert.True(t, res.Run.Since.IsZero())
	assert.True(t, res.Run.Full)
}

func TestItemErrorsAreIsolated(t *testing.T) {
	clock := &testClock{t: t0}
	proc := &countingProc{failOn: map[string]bool{"b": true}}
	o := newOrchestrator(t, proc, nil, clock)

	src := connector.NewStatic("static").Add(finding.Container{ID: "C1"}, items(3)...)
	require.NoError(t, o.Register(context.Background(), src, Cadence{}))

	res, err := o.Trigger(context.Background(), "static", TriggerOptions{Wait: true})
	require.NoError(t, err)
	assert.Equal(t, RunStatusCompleted, res.Run.Status)
	assert.Equal(t, 3, res.Run.Items)
	assert.Equal(t, 2, res.Run.Admitted)
	assert.Equal(t, 1, res.Run.Skipped)
}

func TestFetchErrorAbandonsRunKeepingPartialWork(t *testing.T) {
	clock := &testClock{t: t0}
	proc := &countingProc{}
	o := newOrchestrator(t, proc, nil, clock)
	require.NoError(t, o.Register(context.Background(), &brokenStream{good: 2}, Cadence{}))

	res, err := o.Trigger(context.Background(), "broken", TriggerOptions{Wait: true})
	require.NoError(t, err)
	assert.Equal(t, RunStatusFailed, res.Run.Status)
	assert.Equal(t, 2, res.Run.Items)
	assert.Equal(t, 2, res.Run.Admitted)
	assert.Contains(t, res.Run.Error, "HTTP 502")
	assert.Equal(t, 2, proc.count())

	st, err := o.State("broken")
	require.NoError(t, err)
	assert.Equal(t, StatusBackoff, st.Status)
	assert.True(t, st.LastSuccessAt.IsZero())
}

func TestFetchErrorIsMarked(t *testing.T) {
	o := newOrchestrator(t, &countingProc{}, nil, &testClock{t: t0})
	run := Run{}
	err := o.fetch(context.Background(), &brokenStream{}, &run, o.log)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrConnectorFetch))
}

func TestTickFollowsCadenceAndBackoff(t *testing.T) {
	clock := &testClock{t: t0}
	o := newOrchestrator(t, &countingProc{}, nil, clock)

	cadenced := connector.NewStatic("cadenced").Add(finding.Container{ID: "C1"}, items(1)...)
	manual := connector.NewStatic("manual").Add(finding.Container{ID: "C1"}, items(1)...)
	require.NoError(t, o.Register(context.Background(), cadenced, Cadence{Interval: time.Minute}))
	require.NoError(t, o.Register(context.Background(), manual, Cadence{}))

	tickAt := func(at time.Time) {
		clock.Set(at)
		o.tick()
		o.inflight.Wait()
	}

	tickAt(t0)
	assert.Equal(t, 1, cadenced.Calls())
	assert.Equal(t, 0, manual.Calls())

	tickAt(t0.Add(30 * time.Second))
	assert.Equal(t, 1, cadenced.Calls())

	tickAt(t0.Add(61 * time.Second))
	assert.Equal(t, 2, cadenced.Calls())

	cadenced.FailWith(errors.New("down"))
	tickAt(t0.Add(3 * time.Minute))
	assert.Equal(t, 3, cadenced.Calls())
	st, _ := o.State("cadenced")
	assert.Equal(t, StatusBackoff, st.Status)

	tickAt(t0.Add(3*time.Minute + 5*time.Second))
	assert.Equal(t, 3, cadenced.Calls())

	cadenced.FailWith(nil)
	tickAt(t0.Add(3*time.Minute + 11*time.Second))
	assert.Equal(t, 4, cadenced.Calls())
	st, _ = o.State("cadenced")
	assert.Equal(t, StatusIdle, st.Status)
	assert.Equal(t, TriggerCadence, mustLastRun(t, o).Trigger)

	assert.Equal(t, 0, manual.Calls())
}

func mustLastRun(t *testing.T, o *Orchestrator) Run {
	t.Helper()
	runs, err := o.Runs(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	return runs[0]
}

func TestManualTriggerOverridesBackoff(t *testing.T) {
	clock := &testClock{t: t0}
	o := newOrchestrator(t, &countingProc{}, nil, clock)

	src := connector.NewStatic("slack").Add(finding.Container{ID: "C1"}, items(1)...)
	src.FailWith(errors.New("down"))
	require.NoError(t, o.Register(context.Background(), src, Cadence{Interval: time.Minute}))
	_, err := o.Trigger(context.Background(), "slack", TriggerOptions{Wait: true})
	require.NoError(t, err)

	src.FailWith(nil)
	res, err := o.Trigger(context.Background(), "slack", TriggerOptions{Wait: true})
	require.NoError(t, err)
	assert.Equal(t, RunStatusCompleted, res.Run.Status)
}

func TestTriggerAll(t *testing.T) {
	clock := &testClock{t: t0}
	o := newOrchestrator(t, &countingProc{}, nil, clock)

	ok := connector.NewStatic("ok").Add(finding.Container{ID: "C1"}, items(2)...)
	bad := connector.NewStatic("bad")
	bad.FailWith(errors.New("down"))
	require.NoError(t, o.Register(context.Background(), ok, Cadence{}))
	require.NoError(t, o.Register(context.Background(), bad, Cadence{}))

	results, err := o.TriggerAll(context.Background(), TriggerOptions{Wait: true})
	require.NoError(t, err)
	require.Len(t, results, 2)

	byName := map[string]Run{}
	for _, r := range results {
		byName[r.Run.Connector] = r.Run
		assert.Equal(t, TriggerAll, r.Run.Trigger)
	}
	assert.Equal(t, RunStatusCompleted, byName["ok"].Status)
	assert.Equal(t, RunStatusFailed, byName["bad"].Status)

	states := o.States()
	require.Len(t, states, 2)
	assert.Equal(t, "bad", states[0].Connector)
	assert.Equal(t, StatusBackoff, states[0].Status)
	assert.Equal(t, StatusIdle, states[1].Status)
	assert.Equal(t, []string{"ok", "bad"}, o.Connectors())
}

func TestUnknownAndDuplicateConnectors(t *testing.T) {
	o := newOrchestrator(t, &countingProc{}, nil, &testClock{t: t0})

	_, err := o.Trigger(context.Background(), "nope", TriggerOptions{})
	assert.True(t, errors.Is(err, ErrUnknownConnector))
	assert.True(t, errors.IsNotFoundError(err))

	_, err = o.State("nope")
	assert.True(t, errors.Is(err, ErrUnknownConnector))

	require.NoError(t, o.Register(context.Background(), connector.NewStatic("a"), Cadence{}))
	err = o.Register(context.Background(), connector.NewStatic("a"), Cadence{})
	assert.True(t, errors.Is(err, errors.ErrConflict))
}

func TestStopCancelsInFlightRun(t *testing.T) {
	clock := &testClock{t: t0}
	store := NewSQLStateStore(lhtest.CreateTestDB(t))
	o := New(&countingProc{}, store, Config{Backoff: backoff, Clock: clock.Now}, zaptest.NewLogger(t).Sugar())

	entered := make(chan struct{})
	src := connector.NewStatic("slow").Add(finding.Container{ID: "C1"}, items(1)...)
	src.OnFetch(func(ctx context.Context) {
		close(entered)
		<-ctx.Done()
	})
	require.NoError(t, o.Register(context.Background(), src, Cadence{Interval: time.Minute}))
	_, err := o.Trigger(context.Background(), "slow", TriggerOptions{})
	require.NoError(t, err)
	<-entered

	o.Stop()
	st, err := o.State("slow")
	require.NoError(t, err)
	assert.Equal(t, StatusIdle, st.Status, "shutdown must not put the connector into backoff")
	assert.Zero(t, st.ConsecutiveFailures)
	assert.True(t, st.LastSuccessAt.IsZero(), "an interrupted run must be refetched from the old watermark")
	assert.Contains(t, st.LastError, "context canceled")

	run := mustLastRun(t, o)
	assert.Equal(t, RunStatusCancelled, run.Status)
	runs, err := store.ListRuns(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, RunStatusCancelled, runs[0].Status)

	_, err = o.Trigger(context.Background(), "slow", TriggerOptions{})
	assert.True(t, errors.Is(err, errors.ErrServiceUnavailable))
}

func TestStopKeepsExistingBackoff(t *testing.T) {
	clock := &testClock{t: t0}
	o := New(&countingProc{}, nil, Config{Backoff: backoff, Clock: clock.Now}, zaptest.NewLogger(t).Sugar())

	src := connector.NewStatic("flaky").Add(finding.Container{ID: "C1"}, items(1)...)
	src.FailWith(errors.New("HTTP 503"))
	require.NoError(t, o.Register(context.Background(), src, Cadence{}))
	_, err := o.Trigger(context.Background(), "flaky", TriggerOptions{Wait: true})
	require.NoError(t, err)
	before, err := o.State("flaky")
	require.NoError(t, err)

	entered := make(chan struct{})
	src.FailWith(nil)
	src.OnFetch(func(ctx context.Context) {
		close(entered)
		<-ctx.Done()
	})
	_, err = o.Trigger(context.Background(), "flaky", TriggerOptions{})
	require.NoError(t, err)
	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatal("run never reached the fetch")
	}
	o.Stop()

	st, err := o.State("flaky")
	require.NoError(t, err)
	assert.Equal(t, StatusBackoff, st.Status)
	assert.Equal(t, 1, st.ConsecutiveFailures)
	assert.Equal(t, before.NextEligibleAt, st.NextEligibleAt)
}

func TestStartRunsDueConnectors(t *testing.T) {
	proc := &countingProc{}
	o := New(proc, nil, Config{Tick: 10 * time.Millisecond}, zaptest.NewLogger(t).Sugar())
	src := connector.NewStatic("static").Add(finding.Container{ID: "C1"}, items(1)...)
	require.NoError(t, o.Register(context.Background(), src, Cadence{Interval: time.Hour}))

	o.Start()
	require.Eventually(t, func() bool {
		st, _ := o.State("static")
		return !st.LastSuccessAt.IsZero()
	}, 2*time.Second, 10*time.Millisecond)
	o.Stop()

	// Interval is an hour; later ticks must not rerun it
	assert.Equal(t, 1, src.Calls())
}

func TestStatePersistsAcrossRestart(t *testing.T) {
	conn := lhtest.CreateTestDB(t)
	store := NewSQLStateStore(conn)
	clock := &testClock{t: t0}

	o := newOrchestrator(t, &countingProc{}, store, clock)
	ok := connector.NewStatic("ok").Add(finding.Container{ID: "C1"}, items(1)...)
	bad := connector.NewStatic("bad")
	bad.FailWith(errors.New("down"))
	require.NoError(t, o.Register(context.Background(), ok, Cadence{Interval: time.Minute}))
	require.NoError(t, o.Register(context.Background(), bad, Cadence{Interval: time.Minute}))
	_, err := o.TriggerAll(context.Background(), TriggerOptions{Wait: true})
	require.NoError(t, err)
	o.Stop()

	clock.Set(t0.Add(5 * time.Second))
	restarted := newOrchestrator(t, &countingProc{}, store, clock)
	require.NoError(t, restarted.Register(context.Background(), connector.NewStatic("ok"), Cadence{Interval: time.Minute}))
	require.NoError(t, restarted.Register(context.Background(), connector.NewStatic("bad"), Cadence{Interval: time.Minute}))

	st, err := restarted.State("ok")
	require.NoError(t, err)
	assert.Equal(t, StatusIdle, st.Status)
	assert.Equal(t, t0, st.LastSuccessAt)
	assert.Equal(t, int64(60), st.IntervalSeconds)

	st, err = restarted.State("bad")
	require.NoError(t, err)
	assert.Equal(t, StatusBackoff, st.Status)
	assert.Equal(t, 1, st.ConsecutiveFailures)
	assert.Equal(t, t0.Add(10*time.Second), st.NextEligibleAt)

	res, err := restarted.Trigger(context.Background(), "ok", TriggerOptions{Wait: true})
	require.NoError(t, err)
	assert.Equal(t, t0.Add(-time.Minute), res.Run.Since)

	runs, err := restarted.Runs(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, runs, 3)
}

func TestSQLStateStoreRoundTrip(t *testing.T) {
	store := NewSQLStateStore(lhtest.CreateTestDB(t))
	ctx := context.Background()

	_, found, err := store.LoadState(ctx, "slack")
	require.NoError(t, err)
	assert.False(t, found)

	run := Run{ID: "r1", Connector: "slack", Trigger: TriggerBus, Full: true, Status: RunStatusRunning, StartedAt: t0}
	require.NoError(t, store.CreateRun(ctx, run))
	run.Status = RunStatusFailed
	run.FinishedAt = t0.Add(time.Second)
	run.Items, run.Admitted, run.Duplicates, run.Skipped = 4, 1, 2, 1
	run.Error = "boom"
	require.NoError(t, store.FinishRun(ctx, run))

	runs, err := store.ListRuns(ctx, 0)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, run, runs[0])

	err = store.FinishRun(ctx, Run{ID: "missing", Status: RunStatusCompleted})
	assert.True(t, errors.IsNotFoundError(err))
}

func TestMemoryStateStoreRuns(t *testing.T) {
	store := NewMemoryStateStore()
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.NoError(t, store.CreateRun(ctx, Run{ID: string(rune('a' + i)), StartedAt: t0.Add(time.Duration(i) * time.Second)}))
	}
	assert.True(t, errors.Is(store.CreateRun(ctx, Run{ID: "a"}), errors.ErrConflict))
	assert.True(t, errors.IsNotFoundError(store.FinishRun(ctx, Run{ID: "z"})))

	runs, err := store.ListRuns(ctx, 2)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "c", runs[0].ID)
	assert.Equal(t, "b", runs[1].ID)
}

func TestSQLStateStoreErrors(t *testing.T) {
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer conn.Close()
	store := NewSQLStateStore(conn)
	ctx := context.Background()

	mock.ExpectQuery("SELECT last_run_at_ns").WillReturnError(errors.New("disk I/O error"))
	_, _, err = store.LoadState(ctx, "slack")
	assert.ErrorContains(t, err, "load state for slack")

	mock.ExpectExec("INSERT INTO connector_state").WillReturnError(errors.New("database is locked"))
	err = store.SaveState(ctx, RunState{Connector: "slack"})
	assert.ErrorContains(t, err, "save state for slack")

	mock.ExpectExec("UPDATE connector_runs").WillReturnResult(sqlmock.NewErrorResult(errors.New("no rows info")))
	err = store.FinishRun(ctx, Run{ID: "r1"})
	assert.ErrorContains(t, err, "rows affected")

	mock.ExpectQuery("SELECT id, connector").WillReturnRows(
		sqlmock.NewRows([]string{"id"}).AddRow("r1"))
	_, err = store.ListRuns(ctx, 5)
	assert.ErrorContains(t, err, "scan run")

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRegisterFailsWhenStateUnreadable(t *testing.T) {
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer conn.Close()
	mock.ExpectQuery("SELECT last_run_at_ns").WillReturnError(errors.New("no such table: connector_state"))

	o := newOrchestrator(t, &countingProc{}, NewSQLStateStore(conn), &testClock{t: t0})
	err = o.Register(context.Background(), connector.NewStatic("slack"), Cadence{})
	assert.ErrorContains(t, err, "register slack")
	assert.Empty(t, o.Connectors())
}
