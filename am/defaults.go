package am

import (
	"fmt"

	"github.com/spf13/viper"
)

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	v.SetDefault("database.path", "leakhunter.db")

	v.SetDefault("server.port", DefaultServerPort)
	v.SetDefault("server.api_keys", []string{})
	v.SetDefault("server.require_auth", true)
	v.SetDefault("server.request_timeout_seconds", 30)
	v.SetDefault("server.allowed_origins", []string{"http://localhost", "https://localhost", "http://127.0.0.1"})

	v.SetDefault("log.json", false)
	v.SetDefault("log.level", "info")

	v.SetDefault("http.timeout_seconds", 20)
	v.SetDefault("http.allow_private_networks", false)

	v.SetDefault("rules.use_defaults", true)
	v.SetDefault("rules.max_content_bytes", 1<<20) // 1 MiB per item

	v.SetDefault("dedup.identity_mode", IdentityModeItem)

	v.SetDefault("scheduler.tick_seconds", 5)
	v.SetDefault("scheduler.fetch_timeout_seconds", 300)
	v.SetDefault("scheduler.overlap_seconds", 60)
	v.SetDefault("scheduler.backoff.base_seconds", 30)
	v.SetDefault("scheduler.backoff.max_seconds", 3600)
	v.SetDefault("scheduler.backoff.jitter", 0.1)

	v.SetDefault("connectors.slack.base_url", "https://slack.com/api")
	v.SetDefault("connectors.slack.interval_seconds", 900)
	v.SetDefault("connectors.slack.requests_per_minute", 50) // Slack tier 3
	v.SetDefault("connectors.jira.interval_seconds", 1800)
	v.SetDefault("connectors.jira.page_size", 50)
	v.SetDefault("connectors.directory.platform", "file")
	v.SetDefault("connectors.directory.interval_seconds", 300)

	v.SetDefault("dispatch.workers", 2)
	v.SetDefault("dispatch.queue_size", 1024)
	v.SetDefault("dispatch.timeout_seconds", 15)
	v.SetDefault("dispatch.retry.max_attempts", 4)
	v.SetDefault("dispatch.retry.base_millis", 500)
	v.SetDefault("dispatch.retry.max_millis", 30000)
	v.SetDefault("dispatch.retry.jitter", 0.2)
	v.SetDefault("dispatch.sinks.jira.min_severity", "high")
	v.SetDefault("dispatch.sinks.jira.issue_type", "Task")
	v.SetDefault("dispatch.sinks.jira.rate_per_minute", 30)
	v.SetDefault("dispatch.sinks.glpi.min_severity", "high")
	v.SetDefault("dispatch.sinks.glpi.rate_per_minute", 30)
	v.SetDefault("dispatch.sinks.servicenow.min_severity", "high")
	v.SetDefault("dispatch.sinks.servicenow.rate_per_minute", 30)
	v.SetDefault("dispatch.sinks.servicenow.table", "incident")
	v.SetDefault("dispatch.alerts.slack.min_severity", "low")
	v.SetDefault("dispatch.alerts.slack.rate_per_minute", 60)
	v.SetDefault("dispatch.alerts.teams.min_severity", "low")
	v.SetDefault("dispatch.alerts.teams.rate_per_minute", 60)
	v.SetDefault("dispatch.webhooks.enabled", true)
	v.SetDefault("dispatch.webhooks.rate_per_minute", 60)

	v.SetDefault("export.interval_seconds", 0)
	v.SetDefault("export.page_size", 500)
	v.SetDefault("export.splunk.sourcetype", "leakhunter:finding")
	v.SetDefault("export.splunk.batch_size", 500)
	v.SetDefault("export.elastic.index", "leakhunter-findings")
	v.SetDefault("export.file.dir", "exports")

	v.SetDefault("bus.subject_prefix", "leakhunter")
}

// BindSensitiveEnvVars binds credentials to short, conventional variable names
// in addition to the automatic LEAKHUNTER_<SECTION>_<KEY> mapping.
func BindSensitiveEnvVars(v *viper.Viper) {
	_ = v.BindEnv("connectors.slack.token", "LEAKHUNTER_SLACK_TOKEN", "SLACK_BOT_TOKEN")
	_ = v.BindEnv("connectors.jira.token", "LEAKHUNTER_JIRA_TOKEN")
	_ = v.BindEnv("dispatch.sinks.jira.token", "LEAKHUNTER_JIRA_TOKEN")
	_ = v.BindEnv("dispatch.sinks.servicenow.password", "LEAKHUNTER_SERVICENOW_PASSWORD")
	_ = v.BindEnv("dispatch.alerts.slack.webhook_url", "LEAKHUNTER_SLACK_WEBHOOK_URL", "SLACK_WEBHOOK_URL")
	_ = v.BindEnv("dispatch.alerts.teams.webhook_url", "LEAKHUNTER_TEAMS_WEBHOOK_URL", "TEAMS_WEBHOOK_URL")
	_ = v.BindEnv("export.splunk.token", "LEAKHUNTER_SPLUNK_TOKEN")
	_ = v.BindEnv("export.elastic.api_key", "LEAKHUNTER_ELASTIC_API_KEY")
	_ = v.BindEnv("database.path", "LEAKHUNTER_DATABASE_PATH")
}

// String returns a short representation without secrets
func (c *Config) String() string {
	return fmt.Sprintf("Config{Database: %q, Port: %d, APIKeys: %d, IdentityMode: %s, Export: %q}",
		c.Database.Path, c.Server.Port, len(c.Server.APIKeys), c.Dedup.IdentityMode, c.Export.Mode)
}
