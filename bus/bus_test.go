package bus

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/teranos/leakhunter/errors"
	"github.com/teranos/leakhunter/finding"
	"github.com/teranos/leakhunter/rules"
	"github.com/teranos/leakhunter/scheduler"
)

type published struct {
	subject string
	data    []byte
}

// fakeConn records publishes and delivers them to in-process subscribers
type fakeConn struct {
	mu       sync.Mutex
	msgs     []published
	handlers map[string]nats.MsgHandler
	err      error
}

func newFakeConn() *fakeConn { return &fakeConn{handlers: make(map[string]nats.MsgHandler)} }

func (c *fakeConn) Publish(subject string, data []byte) error {
	c.mu.Lock()
	if c.err != nil {
		c.mu.Unlock()
		return c.err
	}
	c.msgs = append(c.msgs, published{subject, data})
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) Subscribe(subject string, cb nats.MsgHandler) (*nats.Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[subject] = cb
	return nil, nil
}

func (c *fakeConn) request(subject, reply string, data []byte) {
	c.mu.Lock()
	cb := c.handlers[subject]
	c.mu.Unlock()
	cb(&nats.Msg{Subject: subject, Reply: reply, Data: data})
}

func (c *fakeConn) on(subject string) []published {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []published
	for _, m := range c.msgs {
		if m.subject == subject {
			out = append(out, m)
		}
	}
	return out
}

type fakeOrch struct {
	mu    sync.Mutex
	calls []string
	opts  []scheduler.TriggerOptions
}

func (o *fakeOrch) Trigger(_ context.Context, name string, opts scheduler.TriggerOptions) (scheduler.TriggerResult, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if name != "slack" {
		return scheduler.TriggerResult{}, errors.Wrapf(scheduler.ErrUnknownConnector, "%q", name)
	}
	o.calls = append(o.calls, name)
	o.opts = append(o.opts, opts)
	return scheduler.TriggerResult{Run: scheduler.Run{ID: "run-1", Connector: name, Trigger: opts.Source}}, nil
}

func (o *fakeOrch) TriggerAll(_ context.Context, opts scheduler.TriggerOptions) ([]scheduler.TriggerResult, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.calls = append(o.calls, "*")
	o.opts = append(o.opts, opts)
	return []scheduler.TriggerResult{{Run: scheduler.Run{ID: "a"}}, {Run: scheduler.Run{ID: "b"}}}, nil
}

func TestSubjects(t *testing.T) {
	assert.Equal(t, "leakhunter.findings.slack", FindingSubject("", "Slack"))
	assert.Equal(t, "dlp.findings.ms_teams", FindingSubject("dlp.", "ms teams"))
	assert.Equal(t, "dlp.findings.unknown", FindingSubject("dlp", ""))
	assert.Equal(t, "dlp.runs.jira_cloud", RunSubject("dlp", "jira.cloud"))
	assert.Equal(t, "leakhunter.trigger", TriggerSubject(""))
}

func TestPublisherFindings(t *testing.T) {
	conn := newFakeConn()
	p := NewPublisher(conn, "", zaptest.NewLogger(t).Sugar())

	p.FindingAdmitted(context.Background(), finding.Finding{
		ID: "f1", Platform: "slack", Rule: "Credit Card", Severity: rules.SeverityCritical,
		FoundAt: time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC),
	})

	msgs := conn.on("leakhunter.findings.slack")
	require.Len(t, msgs, 1)
	var doc map[string]any
	require.NoError(t, json.Unmarshal(msgs[0].data, &doc))
	assert.Equal(t, "f1", doc["event"].(map[string]any)["id"])
	assert.Equal(t, float64(10), doc["event"].(map[string]any)["severity"])
}

func TestPublisherRuns(t *testing.T) {
	conn := newFakeConn()
	p := NewPublisher(conn, "lh", nil)
	r := scheduler.Run{ID: "r1", Connector: "jira", Status: scheduler.RunStatusRunning}
	p.RunStarted(r)
	r.Status = scheduler.RunStatusCompleted
	p.RunFinished(r)

	msgs := conn.on("lh.runs.jira")
	require.Len(t, msgs, 2)
	var ev runEvent
	require.NoError(t, json.Unmarshal(msgs[1].data, &ev))
	assert.Equal(t, "finished", ev.Event)
	assert.Equal(t, scheduler.RunStatusCompleted, ev.Run.Status)
}

func TestPublishFailureIsLogged(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	conn := newFakeConn()
	conn.err = nats.ErrConnectionClosed
	p := NewPublisher(conn, "", zap.New(core).Sugar())

	p.FindingAdmitted(context.Background(), finding.Finding{ID: "f1", Platform: "slack"})
	entries := logs.FilterMessage("Publish failed").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "f1", entries[0].ContextMap()["finding_id"])
}

func TestSubscriberTriggers(t *testing.T) {
	conn := newFakeConn()
	orch := &fakeOrch{}
	s := NewSubscriber(conn, "", orch, zaptest.NewLogger(t).Sugar())
	require.NoError(t, s.Start())
	defer s.Stop()

	conn.request("leakhunter.trigger", "_INBOX.1", []byte(`{"connector":"slack","full":true}`))
	conn.request("leakhunter.trigger", "", []byte(`{"connector":"all"}`))

	assert.Equal(t, []string{"slack", "*"}, orch.calls)
	assert.True(t, orch.opts[0].Full)
	assert.Equal(t, scheduler.TriggerBus, orch.opts[0].Source)
	assert.Equal(t, scheduler.TriggerBus, orch.opts[1].Source)

	replies := conn.on("_INBOX.1")
	require.Len(t, replies, 1)
	var reply TriggerReply
	require.NoError(t, json.Unmarshal(replies[0].data, &reply))
	assert.True(t, reply.OK)
	require.Len(t, reply.Runs, 1)
	assert.Equal(t, "run-1", reply.Runs[0].Run.ID)
}

func TestSubscriberRejects(t *testing.T) {
	conn := newFakeConn()
	orch := &fakeOrch{}
	s := NewSubscriber(conn, "lh", orch, zaptest.NewLogger(t).Sugar())
	require.NoError(t, s.Start())

	for i, body := range []string{`not json`, `{"full":true}`, `{"connector":"teams"}`} {
		inbox := "_INBOX." + string(rune('a'+i))
		conn.request("lh.trigger", inbox, []byte(body))
		replies := conn.on(inbox)
		require.Len(t, replies, 1, body)
		var reply TriggerReply
		require.NoError(t, json.Unmarshal(replies[0].data, &reply))
		assert.False(t, reply.OK, body)
		assert.NotEmpty(t, reply.Error, body)
	}
	assert.Empty(t, orch.calls)
}
