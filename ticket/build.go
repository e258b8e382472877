package ticket

import (
	"go.uber.org/zap"

	"github.com/teranos/leakhunter/am"
	"github.com/teranos/leakhunter/dispatch"
	"github.com/teranos/leakhunter/errors"
	"github.com/teranos/leakhunter/internal/httpclient"
	"github.com/teranos/leakhunter/rules"
)

// Configured pairs a sink with its routing settings
type Configured struct {
	Sink   dispatch.TicketSink
	Config dispatch.SinkConfig
}

// Build returns one sink per enabled block in cfg
func Build(cfg am.DispatchConfig, client httpclient.Doer, log *zap.SugaredLogger) ([]Configured, error) {
	var out []Configured
	add := func(s dispatch.TicketSink, c am.SinkCommon, key string) error {
		sc, err := sinkConfig(c)
		if err != nil {
			return errors.Wrapf(err, "dispatch.%s", key)
		}
		sc.Timeout = cfg.Timeout()
		out = append(out, Configured{Sink: s, Config: sc})
		return nil
	}

	if c := cfg.Sinks.Jira; c.Enabled {
		if err := add(NewJira(c, client), c.SinkCommon, "sinks.jira"); err != nil {
			return nil, err
		}
	}
	if c := cfg.Sinks.GLPI; c.Enabled {
		if err := add(NewGLPI(c, client, log), c.SinkCommon, "sinks.glpi"); err != nil {
			return nil, err
		}
	}
	if c := cfg.Sinks.ServiceNow; c.Enabled {
		if err := add(NewServiceNow(c, client), c.SinkCommon, "sinks.servicenow"); err != nil {
			return nil, err
		}
	}
	alerts := cfg.Alerts
	if c := alerts.Slack; c.Enabled {
		if err := add(NewSlackAlert(c, alerts.DashboardURL, client), c.SinkCommon, "alerts.slack"); err != nil {
			return nil, err
		}
	}
	if c := alerts.Teams; c.Enabled {
		if err := add(NewTeamsAlert(c, alerts.DashboardURL, client), c.SinkCommon, "alerts.teams"); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func sinkConfig(c am.SinkCommon) (dispatch.SinkConfig, error) {
	sc := dispatch.SinkConfig{RatePerMinute: c.RatePerMinute}
	if c.MinSeverity != "" {
		sev, err := rules.ParseSeverity(c.MinSeverity)
		if err != nil {
			return sc, err
		}
		sc.MinSeverity = sev
	}
	return sc, nil
}
