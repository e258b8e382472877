package am

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func defaultConfig(t *testing.T) *Config {
	t.Helper()
	v := viper.New()
	SetDefaults(v)
	cfg, err := LoadWithViper(v)
	require.NoError(t, err)
	return cfg
}

func TestLoad_Defaults(t *testing.T) {
	cfg := defaultConfig(t)

	assert.Equal(t, "leakhunter.db", cfg.Database.Path)
	assert.Equal(t, DefaultServerPort, cfg.Server.Port)
	assert.Equal(t, IdentityModeItem, cfg.Dedup.IdentityMode)
	assert.True(t, cfg.Rules.UseDefaults)
	assert.Equal(t, 5*time.Second, cfg.Scheduler.TickInterval())
	assert.Equal(t, time.Minute, cfg.Scheduler.Overlap())
	assert.Equal(t, 4, cfg.Dispatch.Retry.MaxAttempts)
	assert.Equal(t, "high", cfg.Dispatch.Sinks.Jira.MinSeverity)
	assert.Equal(t, "leakhunter", cfg.Bus.SubjectPrefix)
	assert.Empty(t, cfg.Export.Mode)
	assert.True(t, cfg.Server.RequireAuth, "the API is closed until keys are configured")
	assert.True(t, cfg.Dispatch.Webhooks.Enabled)
	assert.Equal(t, "low", cfg.Dispatch.Alerts.Slack.MinSeverity)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "leakhunter.toml")
	content := `
[server]
port = 9000
api_keys = ["k1", "k2"]

[dedup]
identity_mode = "content"

[connectors.directory]
enabled = true
path = "/var/spool/leakhunter"

[dispatch.sinks.jira]
enabled = true
base_url = "https://jira.example.com"
project = "SEC"
min_severity = "critical"

[dispatch.alerts.slack]
enabled = true
min_severity = "high"

[dispatch.alerts.slack.routing]
"rule:Credit Card" = "https://hooks.slack.com/services/T/B/pci"
"severity:critical" = "https://hooks.slack.com/services/T/B/urgent"
`
	require.NoError(t, os.WriteFile(path, []byte(content), DefaultFilePermissions))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, []string{"k1", "k2"}, cfg.Server.APIKeys)
	assert.Equal(t, IdentityModeContent, cfg.Dedup.IdentityMode)
	assert.True(t, cfg.Connectors.Directory.Enabled)
	assert.Equal(t, "file", cfg.Connectors.Directory.Platform)
	assert.True(t, cfg.Dispatch.Sinks.Jira.Enabled)
	assert.Equal(t, "critical", cfg.Dispatch.Sinks.Jira.MinSeverity)
	assert.Equal(t, 30, cfg.Dispatch.Sinks.Jira.RatePerMinute)
	assert.True(t, cfg.Dispatch.Alerts.Slack.Enabled)
	assert.Len(t, cfg.Dispatch.Alerts.Slack.Routing, 2)
}

func TestLoadFromFile_EnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "leakhunter.toml")
	require.NoError(t, os.WriteFile(path, []byte("[server]\nport = 9000\n"), DefaultFilePermissions))

	t.Setenv("LEAKHUNTER_SERVER_PORT", "9100")
	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, 9100, cfg.Server.Port)
}

func TestLoadFromFile_Missing(t *testing.T) {
	_, err := LoadFromFile(filepath.Join(t.TempDir(), "nope.toml"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{
			name:   "defaults are valid",
			mutate: func(c *Config) {},
		},
		{
			name:    "zero port is invalid",
			mutate:  func(c *Config) { c.Server.Port = 0 },
			wantErr: "server.port",
		},
		{
			name:    "empty api key is invalid",
			mutate:  func(c *Config) { c.Server.APIKeys = []string{"ok", " "} },
			wantErr: "server.api_keys[1]",
		},
		{
			name:    "unknown identity mode",
			mutate:  func(c *Config) { c.Dedup.IdentityMode = "fuzzy" },
			wantErr: "dedup.identity_mode",
		},
		{
			name:    "no rules at all",
			mutate:  func(c *Config) { c.Rules.UseDefaults = false },
			wantErr: "no rules configured",
		},
		{
			name:    "backoff cap below base",
			mutate:  func(c *Config) { c.Scheduler.Backoff.MaxSeconds = 1 },
			wantErr: "scheduler.backoff.max_seconds",
		},
		{
			name:    "slack enabled without token",
			mutate:  func(c *Config) { c.Connectors.Slack.Enabled = true },
			wantErr: "connectors.slack.token",
		},
		{
			name:   "zero dispatch workers is valid (inline)",
			mutate: func(c *Config) { c.Dispatch.Workers = 0 },
		},
		{
			name: "sink with bad severity",
			mutate: func(c *Config) {
				c.Dispatch.Sinks.GLPI.Enabled = true
				c.Dispatch.Sinks.GLPI.BaseURL = "https://glpi.example.com"
				c.Dispatch.Sinks.GLPI.MinSeverity = "urgent"
			},
			wantErr: "dispatch.sinks.glpi.min_severity",
		},
		{
			name: "alert without destination",
			mutate: func(c *Config) {
				c.Dispatch.Alerts.Teams.Enabled = true
			},
			wantErr: "dispatch.alerts.teams has no destination",
		},
		{
			name: "alert routing with unknown kind",
			mutate: func(c *Config) {
				c.Dispatch.Alerts.Slack.Enabled = true
				c.Dispatch.Alerts.Slack.Routing = map[string]string{"channel:ops": "https://hooks.slack.com/x"}
			},
			wantErr: "routing key",
		},
		{
			name: "alert routing with unknown severity",
			mutate: func(c *Config) {
				c.Dispatch.Alerts.Slack.Enabled = true
				c.Dispatch.Alerts.Slack.Routing = map[string]string{"severity:urgent": "https://hooks.slack.com/x"}
			},
			wantErr: "unknown severity",
		},
		{
			name:    "unknown export mode",
			mutate:  func(c *Config) { c.Export.Mode = "kafka" },
			wantErr: "export.mode",
		},
		{
			name:    "splunk mode needs token",
			mutate:  func(c *Config) { c.Export.Mode = ExportModeSplunk; c.Export.Splunk.URL = "https://splunk:8088" },
			wantErr: "export.splunk",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaultConfig(t)
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestStringHidesSecrets(t *testing.T) {
	cfg := defaultConfig(t)
	cfg.Server.APIKeys = []string{"super-secret"}
	assert.NotContains(t, cfg.String(), "super-secret")
}
