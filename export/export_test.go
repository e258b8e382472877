package export

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/teranos/leakhunter/am"
	"github.com/teranos/leakhunter/errors"
	"github.com/teranos/leakhunter/eventstore"
	"github.com/teranos/leakhunter/finding"
	"github.com/teranos/leakhunter/internal/httpclient"
	lhtest "github.com/teranos/leakhunter/internal/testing"
	"github.com/teranos/leakhunter/internal/util"
	"github.com/teranos/leakhunter/retry"
	"github.com/teranos/leakhunter/rules"
)

var base = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func sample(i int) finding.Finding {
	return finding.Finding{
		ID:        fmt.Sprintf("f%02d", i),
		Platform:  "slack",
		Container: finding.Container{ID: "C1"},
		ItemID:    fmt.Sprintf("item-%d", i),
		Rule:      "Credit Card",
		Severity:  rules.SeverityHigh,
		Snippet:   "4111 **** **** 1111",
		FoundAt:   base.Add(time.Duration(i) * time.Minute),
	}
}

func seed(t *testing.T, store eventstore.Store, from, to int) {
	t.Helper()
	for i := from; i < to; i++ {
		_, err := store.Append(context.Background(), sample(i))
		require.NoError(t, err)
	}
}

func docs(n int) []map[string]any {
	out := make([]map[string]any, n)
	for i := range out {
		out[i] = finding.ToECS(sample(i))
	}
	return out
}

func readLines(t *testing.T, r *http.Request) []map[string]any {
	var out []map[string]any
	sc := bufio.NewScanner(r.Body)
	sc.Buffer(make([]byte, 1<<20), 1<<20)
	for sc.Scan() {
		var m map[string]any
		assert.NoError(t, json.Unmarshal(sc.Bytes(), &m))
		out = append(out, m)
	}
	return out
}

// recorder is a SIEMClient that keeps what it was sent
type recorder struct {
	mu   sync.Mutex
	ids  []string
	errs []error
}

func (r *recorder) Name() string { return "recorder" }

func (r *recorder) Send(_ context.Context, events []map[string]any) (SendResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.errs) > 0 {
		err := r.errs[0]
		r.errs = r.errs[1:]
		if err != nil {
			return SendResult{}, err
		}
	}
	for _, ev := range events {
		r.ids = append(r.ids, eventID(ev))
	}
	return SendResult{Sent: len(events)}, nil
}

func (r *recorder) sent() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.ids...)
}

func noSleep() retry.Policy {
	return retry.Policy{MaxAttempts: 3, Sleep: func(context.Context, time.Duration) error { return nil }}
}

func TestSplunkBatches(t *testing.T) {
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		assert.Equal(t, "/services/collector/event", r.URL.Path)
		assert.Equal(t, "Splunk hec-token", r.Header.Get("Authorization"))
		lines := readLines(t, r)
		assert.LessOrEqual(t, len(lines), 2)
		for _, l := range lines {
			assert.Equal(t, "main", l["index"])
			assert.Equal(t, "leakhunter:finding", l["sourcetype"])
			assert.Equal(t, "leakhunter", l["source"])
			assert.NotNil(t, l["event"])
		}
		if len(lines) > 0 {
			assert.Equal(t, float64(base.Unix()), lines[0]["time"])
		}
		w.Write([]byte(`{"text":"Success","code":0}`))
	}))
	defer srv.Close()

	s := NewSplunk(am.SplunkConfig{URL: srv.URL + "/", Token: "hec-token", Index: "main", Sourcetype: "leakhunter:finding", BatchSize: 2},
		httpclient.WrapClient(srv.Client()), nil)
	res, err := s.Send(context.Background(), docs(3))
	require.NoError(t, err)
	assert.Equal(t, 3, res.Sent)
	assert.Equal(t, int32(2), requests.Load())
}

func TestSplunkRejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte(`{"text":"Invalid token","code":4}`))
	}))
	defer srv.Close()

	s := NewSplunk(am.SplunkConfig{URL: srv.URL, Token: "bad"}, httpclient.WrapClient(srv.Client()), nil)
	res, err := s.Send(context.Background(), docs(1))
	require.Error(t, err)
	assert.False(t, httpclient.IsTransient(err))
	assert.Zero(t, res.Sent)
}

func TestElasticBulk(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/_bulk", r.URL.Path)
		assert.Equal(t, "application/x-ndjson", r.Header.Get("Content-Type"))
		assert.Equal(t, "ApiKey k", r.Header.Get("Authorization"))
		lines := readLines(t, r)
		if !assert.Len(t, lines, 4) {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		action := lines[0]["index"].(map[string]any)
		assert.Equal(t, "leakhunter-findings", action["_index"])
		assert.Equal(t, "f00", action["_id"])
		assert.Equal(t, "Credit Card", lines[1]["rule"].(map[string]any)["name"])
		w.Write([]byte(`{"errors":true,"items":[
			{"index":{"status":201}},
			{"index":{"status":400,"error":{"type":"mapper_parsing_exception","reason":"bad"}}}]}`))
	}))
	defer srv.Close()

	e := NewElastic(am.ElasticConfig{URL: srv.URL, Index: "leakhunter-findings", APIKey: "k"},
		httpclient.WrapClient(srv.Client()), zaptest.NewLogger(t).Sugar())
	res, err := e.Send(context.Background(), docs(2))
	require.NoError(t, err)
	assert.Equal(t, SendResult{Sent: 1, Failed: 1}, res)
}

func TestElasticBasicAuth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, httpclient.BasicAuth("elastic", "pw"), r.Header.Get("Authorization"))
		w.Write([]byte(`{"errors":false,"items":[]}`))
	}))
	defer srv.Close()

	e := NewElastic(am.ElasticConfig{URL: srv.URL, Username: "elastic", Password: "pw"}, httpclient.WrapClient(srv.Client()), nil)
	res, err := e.Send(context.Background(), docs(3))
	require.NoError(t, err)
	assert.Equal(t, 3, res.Sent)
}

func TestGeneric(t *testing.T) {
	var ndjsonMode atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "secret", r.Header.Get("X-Collector-Key"))
		if ndjsonMode.Load() {
			assert.Equal(t, "application/x-ndjson", r.Header.Get("Content-Type"))
			assert.Len(t, readLines(t, r), 2)
		} else {
			var arr []map[string]any
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&arr))
			assert.Len(t, arr, 2)
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	cfg := am.GenericConfig{URL: srv.URL, Headers: map[string]string{"X-Collector-Key": "secret"}}
	res, err := NewGeneric(cfg, httpclient.WrapClient(srv.Client())).Send(context.Background(), docs(2))
	require.NoError(t, err)
	assert.Equal(t, 2, res.Sent)

	ndjsonMode.Store(true)
	cfg.NDJSON = true
	res, err = NewGeneric(cfg, httpclient.WrapClient(srv.Client())).Send(context.Background(), docs(2))
	require.NoError(t, err)
	assert.Equal(t, 2, res.Sent)
}

func TestFileAppends(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "out")
	f := NewFile(am.FileConfig{Dir: dir}, util.FixedClock(base))

	_, err := f.Send(context.Background(), docs(2))
	require.NoError(t, err)
	_, err = f.Send(context.Background(), docs(1))
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(dir, "leakhunter_export_20250301.ndjson"), f.Path())
	data, err := os.ReadFile(f.Path())
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	assert.Len(t, lines, 3)
}

func TestRunIncrementalResumes(t *testing.T) {
	store := eventstore.NewMemoryStore()
	seed(t, store, 0, 5)
	rec := &recorder{}
	cursors := NewMemoryCursorStore()
	e := New(store, rec, cursors, Config{PageSize: 2}, zaptest.NewLogger(t).Sugar())
	ctx := context.Background()

	res, err := e.RunIncremental(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, res.Exported)
	assert.Equal(t, 3, res.Pages)
	assert.NotEmpty(t, res.BatchID)

	res, err = e.RunIncremental(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Exported)

	seed(t, store, 5, 7)
	res, err = e.RunIncremental(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Exported)

	assert.Equal(t, []string{"f00", "f01", "f02", "f03", "f04", "f05", "f06"}, rec.sent())
	cur, err := e.Cursor(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(7), cur.Exported)
}

func TestRunIncrementalKeepsCursorOnFailure(t *testing.T) {
	store := eventstore.NewMemoryStore()
	seed(t, store, 0, 4)
	rec := &recorder{errs: []error{nil, errors.New("collector refused")}}
	e := New(store, rec, nil, Config{PageSize: 2, Retry: noSleep()}, zaptest.NewLogger(t).Sugar())
	ctx := context.Background()

	res, err := e.RunIncremental(ctx)
	require.Error(t, err)
	assert.Equal(t, 2, res.Exported)
	assert.Equal(t, 1, res.Pages)

	// the failed page is sent again, nothing before it
	res, err = e.RunIncremental(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Exported)
	assert.Equal(t, []string{"f00", "f01", "f02", "f03"}, rec.sent())
}

func TestTransientSendIsRetried(t *testing.T) {
	store := eventstore.NewMemoryStore()
	seed(t, store, 0, 1)
	rec := &recorder{errs: []error{&httpclient.StatusError{Code: http.StatusServiceUnavailable}}}
	e := New(store, rec, nil, Config{Retry: noSleep()}, zaptest.NewLogger(t).Sugar())

	res, err := e.RunIncremental(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Exported)
}

func TestRunSinceLeavesCursor(t *testing.T) {
	store := eventstore.NewMemoryStore()
	seed(t, store, 0, 6)
	rec := &recorder{}
	e := New(store, rec, nil, Config{PageSize: 4, Clock: util.FixedClock(base)}, zaptest.NewLogger(t).Sugar())
	ctx := context.Background()

	res, err := e.RunSince(ctx, base.Add(3*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 3, res.Exported)
	assert.Equal(t, []string{"f03", "f04", "f05"}, rec.sent())

	cur, err := e.Cursor(ctx)
	require.NoError(t, err)
	assert.Empty(t, cur.Position)
}

func TestPeriodicExport(t *testing.T) {
	store := eventstore.NewMemoryStore()
	seed(t, store, 0, 3)
	rec := &recorder{}
	e := New(store, rec, nil, Config{}, zaptest.NewLogger(t).Sugar())
	e.Start(10 * time.Millisecond)
	defer e.Stop()

	require.Eventually(t, func() bool { return len(rec.sent()) == 3 }, 2*time.Second, 10*time.Millisecond)
}

func TestSQLCursorStore(t *testing.T) {
	s := NewSQLCursorStore(lhtest.CreateTestDB(t))
	ctx := context.Background()

	c, err := s.Load(ctx, "splunk")
	require.NoError(t, err)
	assert.Equal(t, Cursor{Mode: "splunk"}, c)

	c.Position, c.Exported, c.UpdatedAt = "abc", 10, base
	require.NoError(t, s.Save(ctx, c))
	c.Exported = 12
	require.NoError(t, s.Save(ctx, c))

	got, err := s.Load(ctx, "splunk")
	require.NoError(t, err)
	assert.Equal(t, c, got)
}

func TestSQLCursorStoreErrors(t *testing.T) {
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer conn.Close()
	s := NewSQLCursorStore(conn)

	mock.ExpectQuery("SELECT cursor").WillReturnError(errors.New("disk I/O error"))
	_, err = s.Load(context.Background(), "elastic")
	assert.ErrorContains(t, err, "load export cursor for elastic")

	mock.ExpectExec("INSERT INTO export_cursors").WillReturnError(errors.New("database is locked"))
	err = s.Save(context.Background(), Cursor{Mode: "elastic"})
	assert.ErrorContains(t, err, "save export cursor for elastic")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestNewClient(t *testing.T) {
	cfg := am.ExportConfig{
		Splunk: am.SplunkConfig{URL: "https://hec.example.com"},
		File:   am.FileConfig{Dir: t.TempDir()},
	}
	assert.Equal(t, []string{"splunk", "file"}, Modes(cfg))

	c, err := NewClient("splunk", cfg, nil, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "splunk", c.Name())

	_, err = NewClient("elastic", cfg, nil, nil, nil)
	assert.True(t, errors.IsInvalidRequestError(err))
	_, err = NewClient("kafka", cfg, nil, nil, nil)
	assert.ErrorContains(t, err, "unknown export mode")
}
