// Package bus fans findings and run transitions out over NATS and accepts
// trigger requests from it.
//
// Subjects, under a configurable prefix:
//
//	<prefix>.findings.<platform>   ECS document per admitted finding
//	<prefix>.runs.<connector>      run record on start and finish
//	<prefix>.trigger               {"connector": "slack"|"all", "full": bool}
package bus

import (
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/teranos/leakhunter/am"
	"github.com/teranos/leakhunter/errors"
	"github.com/teranos/leakhunter/logger"
)

// DefaultPrefix is used when the configuration leaves the prefix empty
const DefaultPrefix = "leakhunter"

// Conn is the part of *nats.Conn the bus uses
type Conn interface {
	Publish(subject string, data []byte) error
	Subscribe(subject string, cb nats.MsgHandler) (*nats.Subscription, error)
}

// Connect dials the configured server. The connection reconnects forever;
// disconnects and reconnects are logged.
func Connect(cfg am.BusConfig, log *zap.SugaredLogger) (*nats.Conn, error) {
	log = logger.Or(log).Named("bus")
	conn, err := nats.Connect(cfg.NATSURL,
		nats.Name("leakhunter"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warnw("NATS disconnected", logger.FieldError, err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Infow("NATS reconnected", logger.FieldAddress, c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, errors.Wrapf(err, "connect to NATS at %s", cfg.NATSURL)
	}
	log.Infow("Connected to NATS", logger.FieldAddress, conn.ConnectedUrl())
	return conn, nil
}

// Close drains conn so queued publishes are flushed
func Close(conn *nats.Conn) {
	if conn == nil {
		return
	}
	if err := conn.Drain(); err != nil {
		conn.Close()
	}
}

func prefixOr(prefix string) string {
	if prefix == "" {
		return DefaultPrefix
	}
	return strings.TrimSuffix(prefix, ".")
}

// token makes s usable as one subject token
func token(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return "unknown"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		}
		return r
	}, s)
}

// FindingSubject is where findings from platform are published
func FindingSubject(prefix, platform string) string {
	return prefixOr(prefix) + ".findings." + token(platform)
}

// RunSubject is where run transitions of connector are published
func RunSubject(prefix, connector string) string {
	return prefixOr(prefix) + ".runs." + token(connector)
}

// TriggerSubject is where trigger requests are accepted
func TriggerSubject(prefix string) string {
	return prefixOr(prefix) + ".trigger"
}
