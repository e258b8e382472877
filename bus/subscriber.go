package bus

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/teranos/leakhunter/errors"
	"github.com/teranos/leakhunter/logger"
	"github.com/teranos/leakhunter/scheduler"
)

// Triggerer is the part of the orchestrator the subscriber drives
type Triggerer interface {
	Trigger(ctx context.Context, name string, opts scheduler.TriggerOptions) (scheduler.TriggerResult, error)
	TriggerAll(ctx context.Context, opts scheduler.TriggerOptions) ([]scheduler.TriggerResult, error)
}

var _ Triggerer = (*scheduler.Orchestrator)(nil)

// TriggerRequest is the payload accepted on the trigger subject
type TriggerRequest struct {
	Connector string `json:"connector"`
	Full      bool   `json:"full"`
}

// TriggerReply answers a request that carried a reply subject
type TriggerReply struct {
	OK    bool                      `json:"ok"`
	Runs  []scheduler.TriggerResult `json:"runs,omitempty"`
	Error string                    `json:"error,omitempty"`
}

// Subscriber turns trigger messages into orchestrator runs
type Subscriber struct {
	conn    Conn
	subject string
	orch    Triggerer
	timeout time.Duration
	log     *zap.SugaredLogger

	sub *nats.Subscription
}

// NewSubscriber returns a Subscriber for prefix's trigger subject
func NewSubscriber(conn Conn, prefix string, orch Triggerer, log *zap.SugaredLogger) *Subscriber {
	return &Subscriber{
		conn:    conn,
		subject: TriggerSubject(prefix),
		orch:    orch,
		timeout: 10 * time.Second,
		log:     logger.Or(log).Named("bus"),
	}
}

// Start subscribes to the trigger subject
func (s *Subscriber) Start() error {
	sub, err := s.conn.Subscribe(s.subject, s.handle)
	if err != nil {
		return errors.Wrapf(err, "subscribe %s", s.subject)
	}
	s.sub = sub
	s.log.Infow("Listening for trigger requests", "subject", s.subject)
	return nil
}

// Stop unsubscribes
func (s *Subscriber) Stop() {
	if s.sub != nil {
		_ = s.sub.Unsubscribe()
		s.sub = nil
	}
}

func (s *Subscriber) handle(msg *nats.Msg) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	reply := TriggerReply{OK: true}
	runs, err := s.trigger(ctx, msg.Data)
	if err != nil {
		reply = TriggerReply{Error: err.Error()}
		s.log.Warnw("Trigger request rejected", logger.FieldError, err)
	} else {
		reply.Runs = runs
	}

	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(reply)
	if err == nil {
		err = s.conn.Publish(msg.Reply, data)
	}
	if err != nil {
		s.log.Warnw("Trigger reply failed", "subject", msg.Reply, logger.FieldError, err)
	}
}

func (s *Subscriber) trigger(ctx context.Context, data []byte) ([]scheduler.TriggerResult, error) {
	var req TriggerRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, errors.Mark(errors.Wrap(err, "decode trigger request"), errors.ErrInvalidRequest)
	}
	name := strings.TrimSpace(req.Connector)
	if name == "" {
		return nil, errors.NewInvalidRequestError("trigger request has no connector")
	}

	opts := scheduler.TriggerOptions{Full: req.Full, Source: scheduler.TriggerBus}
	if name == "all" {
		return s.orch.TriggerAll(ctx, opts)
	}
	res, err := s.orch.Trigger(ctx, name, opts)
	if err != nil {
		return nil, err
	}
	s.log.Infow("Triggered from bus",
		logger.FieldConnector, name,
		logger.FieldRunID, res.Run.ID,
		"joined", res.Joined)
	return []scheduler.TriggerResult{res}, nil
}
