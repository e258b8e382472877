package am

import (
	"strings"

	"github.com/teranos/leakhunter/errors"
)

var validSeverities = map[string]bool{"low": true, "medium": true, "high": true, "critical": true}

// Validate checks that the configuration is valid.
// Zero means disabled where documented; negative values are always invalid.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return errors.Newf("server.port must be in 1..65535, got %d", c.Server.Port)
	}
	if c.Server.RequestTimeoutSeconds < 0 {
		return errors.Newf("server.request_timeout_seconds must be >= 0, got %d", c.Server.RequestTimeoutSeconds)
	}
	for i, k := range c.Server.APIKeys {
		if strings.TrimSpace(k) == "" {
			return errors.Newf("server.api_keys[%d] is empty", i)
		}
	}

	if c.HTTP.TimeoutSeconds < 0 {
		return errors.Newf("http.timeout_seconds must be >= 0, got %d", c.HTTP.TimeoutSeconds)
	}

	if c.Rules.MaxContentBytes < 0 {
		return errors.Newf("rules.max_content_bytes must be >= 0, got %d", c.Rules.MaxContentBytes)
	}
	if !c.Rules.UseDefaults && c.Rules.Path == "" {
		return errors.WithHint(
			errors.New("no rules configured"),
			"set rules.path or enable rules.use_defaults")
	}

	switch c.Dedup.IdentityMode {
	case "", IdentityModeItem, IdentityModeContent:
	default:
		return errors.Newf("dedup.identity_mode must be %q or %q, got %q",
			IdentityModeItem, IdentityModeContent, c.Dedup.IdentityMode)
	}

	if err := c.Scheduler.validate(); err != nil {
		return err
	}
	if err := c.Connectors.validate(); err != nil {
		return err
	}
	if err := c.Dispatch.validate(); err != nil {
		return err
	}
	return c.Export.validate()
}

func (s SchedulerConfig) validate() error {
	if s.TickSeconds <= 0 {
		return errors.Newf("scheduler.tick_seconds must be > 0, got %d", s.TickSeconds)
	}
	if s.FetchTimeoutSeconds <= 0 {
		return errors.Newf("scheduler.fetch_timeout_seconds must be > 0, got %d", s.FetchTimeoutSeconds)
	}
	if s.OverlapSeconds < 0 {
		return errors.Newf("scheduler.overlap_seconds must be >= 0, got %d", s.OverlapSeconds)
	}
	if s.Backoff.BaseSeconds <= 0 {
		return errors.Newf("scheduler.backoff.base_seconds must be > 0, got %d", s.Backoff.BaseSeconds)
	}
	if s.Backoff.MaxSeconds < s.Backoff.BaseSeconds {
		return errors.Newf("scheduler.backoff.max_seconds (%d) must be >= base_seconds (%d)",
			s.Backoff.MaxSeconds, s.Backoff.BaseSeconds)
	}
	if s.Backoff.Jitter < 0 || s.Backoff.Jitter > 1 {
		return errors.Newf("scheduler.backoff.jitter must be in 0..1, got %f", s.Backoff.Jitter)
	}
	return nil
}

func (c ConnectorsConfig) validate() error {
	if c.Slack.Enabled {
		if c.Slack.Token == "" {
			return errors.New("connectors.slack.token cannot be empty when enabled")
		}
		if c.Slack.IntervalSeconds <= 0 {
			return errors.Newf("connectors.slack.interval_seconds must be > 0, got %d", c.Slack.IntervalSeconds)
		}
		if c.Slack.RequestsPerMinute < 0 {
			return errors.Newf("connectors.slack.requests_per_minute must be >= 0, got %d", c.Slack.RequestsPerMinute)
		}
	}
	if c.Jira.Enabled {
		if c.Jira.BaseURL == "" {
			return errors.New("connectors.jira.base_url cannot be empty when enabled")
		}
		if c.Jira.IntervalSeconds <= 0 {
			return errors.Newf("connectors.jira.interval_seconds must be > 0, got %d", c.Jira.IntervalSeconds)
		}
	}
	if c.Directory.Enabled {
		if c.Directory.Path == "" {
			return errors.New("connectors.directory.path cannot be empty when enabled")
		}
		if c.Directory.IntervalSeconds <= 0 {
			return errors.Newf("connectors.directory.interval_seconds must be > 0, got %d", c.Directory.IntervalSeconds)
		}
	}
	return nil
}

func (d DispatchConfig) validate() error {
	if d.Workers < 0 {
		return errors.Newf("dispatch.workers must be >= 0, got %d", d.Workers)
	}
	if d.Workers > 0 && d.QueueSize <= 0 {
		return errors.Newf("dispatch.queue_size must be > 0 when workers are enabled, got %d", d.QueueSize)
	}
	if d.TimeoutSeconds <= 0 {
		return errors.Newf("dispatch.timeout_seconds must be > 0, got %d", d.TimeoutSeconds)
	}
	if d.Retry.MaxAttempts < 1 {
		return errors.Newf("dispatch.retry.max_attempts must be >= 1, got %d", d.Retry.MaxAttempts)
	}
	if d.Retry.BaseMillis < 0 || d.Retry.MaxMillis < d.Retry.BaseMillis {
		return errors.Newf("dispatch.retry requires 0 <= base_millis (%d) <= max_millis (%d)",
			d.Retry.BaseMillis, d.Retry.MaxMillis)
	}

	sinks := []struct {
		name string
		c    SinkCommon
		url  string
	}{
		{"jira", d.Sinks.Jira.SinkCommon, d.Sinks.Jira.BaseURL},
		{"glpi", d.Sinks.GLPI.SinkCommon, d.Sinks.GLPI.BaseURL},
		{"servicenow", d.Sinks.ServiceNow.SinkCommon, d.Sinks.ServiceNow.InstanceURL},
	}
	for _, s := range sinks {
		if !s.c.Enabled {
			continue
		}
		if s.url == "" {
			return errors.Newf("dispatch.sinks.%s url cannot be empty when enabled", s.name)
		}
		if !validSeverities[strings.ToLower(s.c.MinSeverity)] {
			return errors.Newf("dispatch.sinks.%s.min_severity %q is not one of low, medium, high, critical",
				s.name, s.c.MinSeverity)
		}
		if s.c.RatePerMinute < 0 {
			return errors.Newf("dispatch.sinks.%s.rate_per_minute must be >= 0, got %d", s.name, s.c.RatePerMinute)
		}
	}
	if d.Sinks.Jira.Enabled && d.Sinks.Jira.Project == "" {
		return errors.New("dispatch.sinks.jira.project cannot be empty when enabled")
	}
	if d.Webhooks.RatePerMinute < 0 {
		return errors.Newf("dispatch.webhooks.rate_per_minute must be >= 0, got %d", d.Webhooks.RatePerMinute)
	}
	if err := d.Alerts.Slack.validate("slack"); err != nil {
		return err
	}
	return d.Alerts.Teams.validate("teams")
}

var routingKinds = map[string]bool{"rule": true, "platform": true, "severity": true}

func (a AlertSinkConfig) validate(name string) error {
	if !a.Enabled {
		return nil
	}
	if a.WebhookURL == "" && len(a.Routing) == 0 {
		return errors.WithHintf(
			errors.Newf("dispatch.alerts.%s has no destination", name),
			"set dispatch.alerts.%s.webhook_url or dispatch.alerts.%s.routing", name, name)
	}
	if !validSeverities[strings.ToLower(a.MinSeverity)] {
		return errors.Newf("dispatch.alerts.%s.min_severity %q is not one of low, medium, high, critical",
			name, a.MinSeverity)
	}
	if a.RatePerMinute < 0 {
		return errors.Newf("dispatch.alerts.%s.rate_per_minute must be >= 0, got %d", name, a.RatePerMinute)
	}
	for key, url := range a.Routing {
		kind, value, ok := strings.Cut(key, ":")
		if !ok || !routingKinds[strings.ToLower(kind)] || value == "" {
			return errors.Newf("dispatch.alerts.%s.routing key %q must be rule:<name>, platform:<name> or severity:<level>", name, key)
		}
		if strings.EqualFold(kind, "severity") && !validSeverities[strings.ToLower(value)] {
			return errors.Newf("dispatch.alerts.%s.routing key %q names an unknown severity", name, key)
		}
		if url == "" {
			return errors.Newf("dispatch.alerts.%s.routing[%q] is empty", name, key)
		}
	}
	return nil
}

func (e ExportConfig) validate() error {
	if e.IntervalSeconds < 0 {
		return errors.Newf("export.interval_seconds must be >= 0, got %d", e.IntervalSeconds)
	}
	if e.PageSize <= 0 || e.PageSize > 1000 {
		return errors.Newf("export.page_size must be in 1..1000, got %d", e.PageSize)
	}
	switch e.Mode {
	case "":
	case ExportModeSplunk:
		if e.Splunk.URL == "" || e.Splunk.Token == "" {
			return errors.New("export.splunk.url and export.splunk.token are required for splunk mode")
		}
	case ExportModeElastic:
		if e.Elastic.URL == "" {
			return errors.New("export.elastic.url is required for elastic mode")
		}
	case ExportModeGeneric:
		if e.Generic.URL == "" {
			return errors.New("export.generic.url is required for generic mode")
		}
	case ExportModeFile:
		if e.File.Dir == "" {
			return errors.New("export.file.dir is required for file mode")
		}
	default:
		return errors.Newf("export.mode %q is not one of splunk, elastic, generic, file", e.Mode)
	}
	return nil
}
