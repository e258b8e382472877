package bus

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/teranos/leakhunter/finding"
	"github.com/teranos/leakhunter/logger"
	"github.com/teranos/leakhunter/pipeline"
	"github.com/teranos/leakhunter/scheduler"
)

var (
	_ pipeline.Observer     = (*Publisher)(nil)
	_ scheduler.Broadcaster = (*Publisher)(nil)
)

// Publisher is a pipeline observer and a scheduler broadcaster. Publishing
// is fire-and-forget: a failed publish is logged and never blocks the caller.
type Publisher struct {
	conn   Conn
	prefix string
	log    *zap.SugaredLogger
}

// NewPublisher returns a Publisher writing under prefix
func NewPublisher(conn Conn, prefix string, log *zap.SugaredLogger) *Publisher {
	return &Publisher{conn: conn, prefix: prefixOr(prefix), log: logger.Or(log).Named("bus")}
}

// FindingAdmitted publishes f as an ECS document
func (p *Publisher) FindingAdmitted(_ context.Context, f finding.Finding) {
	p.publish(FindingSubject(p.prefix, f.Platform), finding.ToECS(f), logger.FieldFindingID, f.ID)
}

type runEvent struct {
	Event string        `json:"event"`
	Run   scheduler.Run `json:"run"`
}

func (p *Publisher) RunStarted(r scheduler.Run) {
	p.publish(RunSubject(p.prefix, r.Connector), runEvent{Event: "started", Run: r}, logger.FieldRunID, r.ID)
}

func (p *Publisher) RunFinished(r scheduler.Run) {
	p.publish(RunSubject(p.prefix, r.Connector), runEvent{Event: "finished", Run: r}, logger.FieldRunID, r.ID)
}

func (p *Publisher) publish(subject string, payload any, kv ...any) {
	data, err := json.Marshal(payload)
	if err == nil {
		err = p.conn.Publish(subject, data)
	}
	if err != nil {
		p.log.Warnw("Publish failed", append(kv, "subject", subject, logger.FieldError, err)...)
	}
}
