package connector

import (
	"time"

	"github.com/teranos/leakhunter/am"
	"github.com/teranos/leakhunter/internal/httpclient"
)

// Registration pairs a connector with its cadence
type Registration struct {
	Connector Connector
	Interval  time.Duration
}

// Build returns one registration per enabled connector in cfg
func Build(cfg am.ConnectorsConfig, client httpclient.Doer) []Registration {
	var out []Registration
	if cfg.Slack.Enabled {
		out = append(out, Registration{
			Connector: NewSlack(cfg.Slack, client),
			Interval:  time.Duration(cfg.Slack.IntervalSeconds) * time.Second,
		})
	}
	if cfg.Jira.Enabled {
		out = append(out, Registration{
			Connector: NewJira(cfg.Jira, client),
			Interval:  time.Duration(cfg.Jira.IntervalSeconds) * time.Second,
		})
	}
	if cfg.Directory.Enabled {
		out = append(out, Registration{
			Connector: NewDirectory(cfg.Directory),
			Interval:  time.Duration(cfg.Directory.IntervalSeconds) * time.Second,
		})
	}
	return out
}
