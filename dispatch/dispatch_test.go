package dispatch

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/teranos/leakhunter/errors"
	"github.com/teranos/leakhunter/finding"
	lhtest "github.com/teranos/leakhunter/internal/testing"
	"github.com/teranos/leakhunter/internal/util"
	"github.com/teranos/leakhunter/retry"
	"github.com/teranos/leakhunter/rules"
)

var now = time.Date(2025, 7, 1, 9, 0, 0, 0, time.UTC)

// fakeSink fails with the queued errors, then succeeds
type fakeSink struct {
	name  string
	calls atomic.Int32

	mu    sync.Mutex
	errs  []error
	block func(ctx context.Context) error
}

func (s *fakeSink) Name() string { return s.name }

func (s *fakeSink) Create(ctx context.Context, f finding.Finding) (TicketRef, error) {
	n := s.calls.Add(1)
	s.mu.Lock()
	block := s.block
	var err error
	if len(s.errs) > 0 {
		err = s.errs[0]
		if len(s.errs) > 1 {
			s.errs = s.errs[1:]
		} else if !isSticky(err) {
			s.errs = nil
		}
	}
	s.mu.Unlock()
	if block != nil {
		if berr := block(ctx); berr != nil {
			return TicketRef{}, berr
		}
	}
	if err != nil {
		return TicketRef{}, err
	}
	return TicketRef{Sink: s.name, ID: fmt.Sprintf("SEC-%d", n)}, nil
}

type stickyError struct{ error }

func isSticky(err error) bool {
	var s stickyError
	return errors.As(err, &s)
}

var fastRetry = retry.Policy{
	MaxAttempts: 3,
	BaseDelay:   time.Millisecond,
	Sleep:       func(context.Context, time.Duration) error { return nil },
}

func newDispatcher(t *testing.T, store RecordStore) *Dispatcher {
	t.Helper()
	d := New(store, Config{Retry: fastRetry, Clock: util.FixedClock(now)}, zaptest.NewLogger(t).Sugar())
	t.Cleanup(d.Stop)
	return d
}

func high(id string) finding.Finding {
	return finding.Finding{ID: id, Platform: "slack", Rule: "Credit Card", Severity: rules.SeverityHigh}
}

func TestOnAdmittedIsIdempotent(t *testing.T) {
	d := newDispatcher(t, nil)
	sink := &fakeSink{name: "jira"}
	d.AddSink(sink, SinkConfig{})

	require.NoError(t, d.OnAdmitted(context.Background(), high("f1")))
	require.NoError(t, d.OnAdmitted(context.Background(), high("f1")))
	require.NoError(t, d.OnAdmitted(context.Background(), high("f1")))

	assert.Equal(t, int32(1), sink.calls.Load())
	st := d.Stats()
	assert.Equal(t, int64(1), st.Sent)
	assert.Equal(t, int64(2), st.Skipped)

	recs, err := d.Records(context.Background(), StatusSent, 0)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "SEC-1", recs[0].TicketRef)
	assert.Equal(t, 1, recs[0].Attempts)
	assert.Equal(t, now, recs[0].LastAttemptAt)
}

func TestSeverityThresholdSelectsSinks(t *testing.T) {
	d := newDispatcher(t, nil)
	all := &fakeSink{name: "servicenow"}
	critical := &fakeSink{name: "glpi"}
	d.AddSink(all, SinkConfig{})
	d.AddSink(critical, SinkConfig{MinSeverity: rules.SeverityCritical})
	assert.Equal(t, []string{"servicenow", "glpi"}, d.Sinks())

	require.NoError(t, d.OnAdmitted(context.Background(), high("f1")))
	assert.Equal(t, int32(1), all.calls.Load())
	assert.Equal(t, int32(0), critical.calls.Load())

	_, found, err := d.store.Get(context.Background(), "f1", "glpi")
	require.NoError(t, err)
	assert.False(t, found)

	f := high("f2")
	f.Severity = rules.SeverityCritical
	require.NoError(t, d.OnAdmitted(context.Background(), f))
	assert.Equal(t, int32(1), critical.calls.Load())
}

func TestMatchAndRemoveSink(t *testing.T) {
	d := newDispatcher(t, nil)
	slackOnly := &fakeSink{name: "webhook:a"}
	d.AddSink(slackOnly, SinkConfig{Match: func(f finding.Finding) bool { return f.Platform == "slack" }})

	teams := high("f1")
	teams.Platform = "teams"
	require.NoError(t, d.OnAdmitted(context.Background(), teams))
	assert.Zero(t, slackOnly.calls.Load())

	require.NoError(t, d.OnAdmitted(context.Background(), high("f2")))
	assert.Equal(t, int32(1), slackOnly.calls.Load())

	assert.True(t, d.RemoveSink("webhook:a"))
	assert.False(t, d.RemoveSink("webhook:a"))
	assert.Empty(t, d.Sinks())
	require.NoError(t, d.OnAdmitted(context.Background(), high("f3")))
	assert.Equal(t, int32(1), slackOnly.calls.Load())
}

func TestTransientErrorsAreRetried(t *testing.T) {
	d := newDispatcher(t, nil)
	sink := &fakeSink{name: "jira", errs: []error{
		Transient("jira", errors.New("HTTP 503")),
		Transient("jira", errors.New("HTTP 429")),
	}}
	d.AddSink(sink, SinkConfig{})

	require.NoError(t, d.OnAdmitted(context.Background(), high("f1")))
	assert.Equal(t, int32(3), sink.calls.Load())

	rec, found, err := d.store.Get(context.Background(), "f1", "jira")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, StatusSent, rec.Status)
	assert.Equal(t, 3, rec.Attempts)
	assert.Empty(t, rec.LastError)
	assert.Equal(t, int64(2), d.Stats().Retried)
}

func TestPermanentErrorFailsImmediately(t *testing.T) {
	d := newDispatcher(t, nil)
	sink := &fakeSink{name: "glpi", errs: []error{Permanent("glpi", errors.New("HTTP 400 bad field"))}}
	d.AddSink(sink, SinkConfig{})

	err := d.OnAdmitted(context.Background(), high("f1"))
	require.Error(t, err)
	var de *Error
	require.True(t, errors.As(err, &de))
	assert.False(t, de.Transient)
	assert.Equal(t, "glpi", de.Sink)
	assert.Equal(t, int32(1), sink.calls.Load())

	rec, _, err := d.store.Get(context.Background(), "f1", "glpi")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, rec.Status)
	assert.Equal(t, 1, rec.Attempts)
	assert.Contains(t, rec.LastError, "bad field")
	assert.Equal(t, int64(1), d.Stats().Failed)
}

func TestExhaustedRetriesFailAndCanBeRetriedLater(t *testing.T) {
	d := newDispatcher(t, nil)
	sink := &fakeSink{name: "jira", errs: []error{stickyError{Transient("jira", errors.New("HTTP 502"))}}}
	d.AddSink(sink, SinkConfig{})

	err := d.OnAdmitted(context.Background(), high("f1"))
	require.Error(t, err)
	assert.True(t, IsTransient(err))
	assert.Equal(t, int32(3), sink.calls.Load())

	rec, _, _ := d.store.Get(context.Background(), "f1", "jira")
	assert.Equal(t, StatusFailed, rec.Status)
	assert.Equal(t, 3, rec.Attempts)

	sink.mu.Lock()
	sink.errs = nil
	sink.mu.Unlock()

	// Only Sent suppresses delivery
	require.NoError(t, d.OnAdmitted(context.Background(), high("f1")))
	rec, _, _ = d.store.Get(context.Background(), "f1", "jira")
	assert.Equal(t, StatusSent, rec.Status)
	assert.Equal(t, 4, rec.Attempts)
}

func TestSinkCallsAreBounded(t *testing.T) {
	d := New(nil, Config{
		Retry:   retry.Policy{MaxAttempts: 2, Sleep: func(context.Context, time.Duration) error { return nil }},
		Timeout: 20 * time.Millisecond,
	}, zaptest.NewLogger(t).Sugar())
	t.Cleanup(d.Stop)
	sink := &fakeSink{name: "slow", block: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}}
	d.AddSink(sink, SinkConfig{})

	err := d.OnAdmitted(context.Background(), high("f1"))
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, int32(2), sink.calls.Load())
}

func TestConcurrentDispatchCallsSinkOnce(t *testing.T) {
	d := newDispatcher(t, NewSQLRecordStore(lhtest.CreateTestDB(t)))
	sink := &fakeSink{name: "jira"}
	d.AddSink(sink, SinkConfig{})

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, d.OnAdmitted(context.Background(), high("f1")))
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), sink.calls.Load())
	assert.Equal(t, int64(15), d.Stats().Skipped)
}

func TestWorkersDeliverAsynchronously(t *testing.T) {
	d := newDispatcher(t, nil)
	sink := &fakeSink{name: "jira"}
	d.AddSink(sink, SinkConfig{})
	d.Start(2)

	for i := 0; i < 5; i++ {
		d.FindingAdmitted(context.Background(), high(fmt.Sprintf("f%d", i)))
	}
	require.Eventually(t, func() bool { return d.Stats().Sent == 5 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(5), sink.calls.Load())
}

func TestInlineWithoutWorkers(t *testing.T) {
	d := newDispatcher(t, nil)
	sink := &fakeSink{name: "jira"}
	d.AddSink(sink, SinkConfig{})

	d.FindingAdmitted(context.Background(), high("f1"))
	assert.Equal(t, int32(1), sink.calls.Load())
}

func TestFullQueueLeavesPendingForResume(t *testing.T) {
	d := New(nil, Config{Retry: fastRetry, QueueSize: 1, Clock: util.FixedClock(now)}, zaptest.NewLogger(t).Sugar())
	t.Cleanup(d.Stop)
	sink := &fakeSink{name: "jira"}
	d.AddSink(sink, SinkConfig{})
	// Accept work without draining it
	d.started.Store(true)

	d.FindingAdmitted(context.Background(), high("f1"))
	d.FindingAdmitted(context.Background(), high("f2"))
	assert.Equal(t, int64(1), d.Stats().Dropped)
	assert.Equal(t, int32(0), sink.calls.Load())

	pending, err := d.Records(context.Background(), StatusPending, 0)
	require.NoError(t, err)
	assert.Len(t, pending, 2)

	lookup := func(_ context.Context, id string) (finding.Finding, error) { return high(id), nil }
	n, err := d.Resume(context.Background(), lookup, false)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, int32(2), sink.calls.Load())

	n, err = d.Resume(context.Background(), lookup, false)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestStopLeavesInterruptedDeliveryPending(t *testing.T) {
	store := NewMemoryRecordStore()
	d := newDispatcher(t, store)
	blocked := &fakeSink{name: "jira", block: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}}
	d.AddSink(blocked, SinkConfig{})
	d.Start(1)

	d.FindingAdmitted(context.Background(), high("f1"))
	require.Eventually(t, func() bool { return blocked.calls.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
	d.Stop()

	rec, found, err := store.Get(context.Background(), "f1", "jira")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, StatusPending, rec.Status)
	assert.Equal(t, 1, rec.Attempts)
	assert.Zero(t, d.Stats().Failed)

	// the next process picks it up without retrying failures
	next := newDispatcher(t, store)
	sink := &fakeSink{name: "jira"}
	next.AddSink(sink, SinkConfig{})
	lookup := func(_ context.Context, id string) (finding.Finding, error) { return high(id), nil }
	n, err := next.Resume(context.Background(), lookup, false)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	rec, _, err = store.Get(context.Background(), "f1", "jira")
	require.NoError(t, err)
	assert.Equal(t, StatusSent, rec.Status)
	assert.Equal(t, "SEC-1", rec.TicketRef)
}

func TestResumeFailedAndUnknownSinks(t *testing.T) {
	store := NewMemoryRecordStore()
	ctx := context.Background()
	require.NoError(t, store.Put(ctx, Record{FindingID: "f1", Sink: "jira", Status: StatusFailed, Attempts: 3, CreatedAt: now}))
	require.NoError(t, store.Put(ctx, Record{FindingID: "f2", Sink: "retired", Status: StatusPending, CreatedAt: now}))
	require.NoError(t, store.Put(ctx, Record{FindingID: "f3", Sink: "jira", Status: StatusPending, CreatedAt: now}))

	d := newDispatcher(t, store)
	sink := &fakeSink{name: "jira"}
	d.AddSink(sink, SinkConfig{})

	lookup := func(_ context.Context, id string) (finding.Finding, error) {
		if id == "f3" {
			return finding.Finding{}, errors.NewNotFoundError("finding %s", id)
		}
		return high(id), nil
	}

	n, err := d.Resume(ctx, lookup, false)
	assert.Zero(t, n)
	assert.True(t, errors.IsNotFoundError(err))

	n, err = d.Resume(ctx, lookup, true)
	assert.Equal(t, 1, n)
	assert.Error(t, err)
	rec, _, _ := store.Get(ctx, "f1", "jira")
	assert.Equal(t, StatusSent, rec.Status)
	assert.Equal(t, 4, rec.Attempts)
}

func TestIsTransient(t *testing.T) {
	assert.False(t, IsTransient(nil))
	assert.True(t, IsTransient(Transient("jira", errors.New("x"))))
	assert.False(t, IsTransient(Permanent("jira", errors.New("x"))))
	assert.True(t, IsTransient(errors.Wrap(Transient("jira", errors.New("x")), "wrapped")))
	assert.True(t, IsTransient(errors.New("connection reset")))
	assert.False(t, IsTransient(context.Canceled))
	assert.Nil(t, Transient("jira", nil))
	assert.Equal(t, "dispatch to jira (permanent): nope", Permanent("jira", errors.New("nope")).Error())
}

func TestSQLRecordStore(t *testing.T) {
	store := NewSQLRecordStore(lhtest.CreateTestDB(t))
	ctx := context.Background()

	_, found, err := store.Get(ctx, "f1", "jira")
	require.NoError(t, err)
	assert.False(t, found)

	rec := Record{FindingID: "f1", Sink: "jira", Status: StatusPending, CreatedAt: now}
	require.NoError(t, store.Put(ctx, rec))
	rec.Status = StatusSent
	rec.Attempts = 2
	rec.TicketRef = "SEC-7"
	rec.LastAttemptAt = now.Add(time.Second)
	require.NoError(t, store.Put(ctx, rec))
	require.NoError(t, store.Put(ctx, Record{FindingID: "f2", Sink: "jira", Status: StatusPending, CreatedAt: now.Add(time.Minute)}))

	got, found, err := store.Get(ctx, "f1", "jira")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, rec, got)

	pending, err := store.ListByStatus(ctx, StatusPending, 0)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "f2", pending[0].FindingID)
	assert.True(t, pending[0].LastAttemptAt.IsZero())
}

func TestSQLRecordStoreErrors(t *testing.T) {
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer conn.Close()
	store := NewSQLRecordStore(conn)
	ctx := context.Background()

	mock.ExpectQuery("SELECT finding_id").WillReturnError(errors.New("disk I/O error"))
	_, _, err = store.Get(ctx, "f1", "jira")
	assert.ErrorContains(t, err, "get dispatch record f1/jira")

	mock.ExpectExec("INSERT INTO dispatch_records").WillReturnError(errors.New("database is locked"))
	err = store.Put(ctx, Record{FindingID: "f1", Sink: "jira", Status: StatusPending, CreatedAt: now})
	assert.ErrorContains(t, err, "put dispatch record")

	mock.ExpectQuery("SELECT finding_id").WillReturnError(errors.New("disk I/O error"))
	_, err = store.ListByStatus(ctx, StatusPending, 10)
	assert.ErrorContains(t, err, "list pending dispatch records")

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStoreFailureStopsDelivery(t *testing.T) {
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer conn.Close()
	mock.ExpectQuery("SELECT finding_id").WillReturnError(errors.New("disk I/O error"))

	d := newDispatcher(t, NewSQLRecordStore(conn))
	sink := &fakeSink{name: "jira"}
	d.AddSink(sink, SinkConfig{})

	err = d.OnAdmitted(context.Background(), high("f1"))
	assert.ErrorContains(t, err, "load dispatch record")
	assert.Equal(t, int32(0), sink.calls.Load())
}
