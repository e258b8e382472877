// Package am loads LeakHunter configuration from TOML files and
// LEAKHUNTER_* environment variables.
package am

import "time"

// Config represents the complete LeakHunter configuration
type Config struct {
	Database   DatabaseConfig   `mapstructure:"database"`
	Server     ServerConfig     `mapstructure:"server"`
	Log        LogConfig        `mapstructure:"log"`
	HTTP       HTTPConfig       `mapstructure:"http"`
	Rules      RulesConfig      `mapstructure:"rules"`
	Dedup      DedupConfig      `mapstructure:"dedup"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
	Connectors ConnectorsConfig `mapstructure:"connectors"`
	Dispatch   DispatchConfig   `mapstructure:"dispatch"`
	Export     ExportConfig     `mapstructure:"export"`
	Bus        BusConfig        `mapstructure:"bus"`
}

// DatabaseConfig configures the SQLite database.
// An empty path keeps all state in memory.
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// ServerConfig configures the HTTP API
type ServerConfig struct {
	Port                  int      `mapstructure:"port"`
	APIKeys               []string `mapstructure:"api_keys"`
	RequireAuth           bool     `mapstructure:"require_auth"` // reject everything when api_keys is empty
	RequestTimeoutSeconds int      `mapstructure:"request_timeout_seconds"`
	AllowedOrigins        []string `mapstructure:"allowed_origins"` // websocket Origin prefixes
}

// LogConfig configures zap output
type LogConfig struct {
	JSON  bool   `mapstructure:"json"`
	Level string `mapstructure:"level"`
}

// HTTPConfig configures the outbound HTTP client shared by connectors, sinks and exporters
type HTTPConfig struct {
	TimeoutSeconds       int  `mapstructure:"timeout_seconds"`
	AllowPrivateNetworks bool `mapstructure:"allow_private_networks"` // on-prem Jira/GLPI/Splunk
}

// RulesConfig configures the rule engine
type RulesConfig struct {
	Path            string `mapstructure:"path"`        // yaml, toml or json rule file; empty = built-ins only
	UseDefaults     bool   `mapstructure:"use_defaults"` // include the built-in rule set
	MaxContentBytes int    `mapstructure:"max_content_bytes"`
}

// Identity modes for DedupConfig.IdentityMode
const (
	IdentityModeItem    = "item"
	IdentityModeContent = "content"
)

// DedupConfig controls how finding identities are derived
type DedupConfig struct {
	IdentityMode string `mapstructure:"identity_mode"` // "item" (default) or "content"
}

// SchedulerConfig configures the orchestrator
type SchedulerConfig struct {
	TickSeconds         int           `mapstructure:"tick_seconds"`
	FetchTimeoutSeconds int           `mapstructure:"fetch_timeout_seconds"`
	OverlapSeconds      int           `mapstructure:"overlap_seconds"` // re-read window before last success
	Backoff             BackoffConfig `mapstructure:"backoff"`
}

// BackoffConfig is the retry policy applied to failed connector runs
type BackoffConfig struct {
	BaseSeconds int     `mapstructure:"base_seconds"`
	MaxSeconds  int     `mapstructure:"max_seconds"`
	Jitter      float64 `mapstructure:"jitter"` // fraction of the delay, 0..1
}

// ConnectorsConfig holds one block per platform
type ConnectorsConfig struct {
	Slack     SlackConfig     `mapstructure:"slack"`
	Jira      JiraConfig      `mapstructure:"jira"`
	Directory DirectoryConfig `mapstructure:"directory"`
}

// SlackConfig configures the Slack connector
type SlackConfig struct {
	Enabled           bool     `mapstructure:"enabled"`
	Token             string   `mapstructure:"token"`
	BaseURL           string   `mapstructure:"base_url"`
	Channels          []string `mapstructure:"channels"` // empty = every channel the token can see
	IntervalSeconds   int      `mapstructure:"interval_seconds"`
	RequestsPerMinute int      `mapstructure:"requests_per_minute"`
}

// JiraConfig configures the Jira connector (reading issues, not creating them)
type JiraConfig struct {
	Enabled         bool     `mapstructure:"enabled"`
	BaseURL         string   `mapstructure:"base_url"`
	Email           string   `mapstructure:"email"`
	Token           string   `mapstructure:"token"`
	Projects        []string `mapstructure:"projects"`
	IntervalSeconds int      `mapstructure:"interval_seconds"`
	PageSize        int      `mapstructure:"page_size"`
}

// DirectoryConfig configures the NDJSON directory connector
type DirectoryConfig struct {
	Enabled         bool   `mapstructure:"enabled"`
	Path            string `mapstructure:"path"`
	Platform        string `mapstructure:"platform"`
	IntervalSeconds int    `mapstructure:"interval_seconds"`
}

// DispatchConfig configures ticket dispatch
type DispatchConfig struct {
	Workers        int            `mapstructure:"workers"` // 0 = dispatch inline on admission
	QueueSize      int            `mapstructure:"queue_size"`
	TimeoutSeconds int            `mapstructure:"timeout_seconds"`
	Retry          RetryConfig    `mapstructure:"retry"`
	Sinks          SinksConfig    `mapstructure:"sinks"`
	Alerts         AlertsConfig   `mapstructure:"alerts"`
	Webhooks       WebhooksConfig `mapstructure:"webhooks"`
}

// RetryConfig is the retry policy applied to sink calls
type RetryConfig struct {
	MaxAttempts int     `mapstructure:"max_attempts"`
	BaseMillis  int     `mapstructure:"base_millis"`
	MaxMillis   int     `mapstructure:"max_millis"`
	Jitter      float64 `mapstructure:"jitter"`
}

// SinksConfig holds one block per ticketing system
type SinksConfig struct {
	Jira       JiraSinkConfig       `mapstructure:"jira"`
	GLPI       GLPISinkConfig       `mapstructure:"glpi"`
	ServiceNow ServiceNowSinkConfig `mapstructure:"servicenow"`
}

// SinkCommon is shared by every ticket sink
type SinkCommon struct {
	Enabled       bool   `mapstructure:"enabled"`
	MinSeverity   string `mapstructure:"min_severity"`
	RatePerMinute int    `mapstructure:"rate_per_minute"` // 0 = unlimited
}

// JiraSinkConfig creates Jira issues for findings
type JiraSinkConfig struct {
	SinkCommon `mapstructure:",squash"`
	BaseURL    string `mapstructure:"base_url"`
	Email      string `mapstructure:"email"`
	Token      string `mapstructure:"token"`
	Project    string `mapstructure:"project"`
	IssueType  string `mapstructure:"issue_type"`
}

// GLPISinkConfig creates GLPI tickets for findings
type GLPISinkConfig struct {
	SinkCommon `mapstructure:",squash"`
	BaseURL    string `mapstructure:"base_url"`
	AppToken   string `mapstructure:"app_token"`
	UserToken  string `mapstructure:"user_token"`
	EntityID   int    `mapstructure:"entity_id"` // 0 = user's default entity
}

// ServiceNowSinkConfig creates ServiceNow incidents for findings
type ServiceNowSinkConfig struct {
	SinkCommon      `mapstructure:",squash"`
	InstanceURL     string `mapstructure:"instance_url"`
	Username        string `mapstructure:"username"`
	Password        string `mapstructure:"password"`
	Table           string `mapstructure:"table"` // default incident
	AssignmentGroup string `mapstructure:"assignment_group"`
}

// AlertsConfig posts findings to chat incoming webhooks
type AlertsConfig struct {
	DashboardURL string          `mapstructure:"dashboard_url"` // linked from alerts as <url>?finding=<id>
	Slack        AlertSinkConfig `mapstructure:"slack"`
	Teams        AlertSinkConfig `mapstructure:"teams"`
}

// AlertSinkConfig is one chat destination. Routing keys are "rule:<name>",
// "platform:<name>" or "severity:<level>", compared case-insensitively and
// tried in that order before WebhookURL.
type AlertSinkConfig struct {
	SinkCommon `mapstructure:",squash"`
	WebhookURL string            `mapstructure:"webhook_url"`
	Routing    map[string]string `mapstructure:"routing"`
}

// WebhooksConfig controls delivery to webhooks registered through the API
type WebhooksConfig struct {
	Enabled       bool `mapstructure:"enabled"`
	RatePerMinute int  `mapstructure:"rate_per_minute"` // per webhook, 0 = unlimited
}

// Export modes
const (
	ExportModeSplunk  = "splunk"
	ExportModeElastic = "elastic"
	ExportModeGeneric = "generic"
	ExportModeFile    = "file"
)

// ExportConfig configures SIEM export
type ExportConfig struct {
	Mode            string        `mapstructure:"mode"`             // empty = export disabled
	IntervalSeconds int           `mapstructure:"interval_seconds"` // 0 = on demand only
	PageSize        int           `mapstructure:"page_size"`
	Splunk          SplunkConfig  `mapstructure:"splunk"`
	Elastic         ElasticConfig `mapstructure:"elastic"`
	Generic         GenericConfig `mapstructure:"generic"`
	File            FileConfig    `mapstructure:"file"`
}

// SplunkConfig configures the Splunk HTTP Event Collector client
type SplunkConfig struct {
	URL        string `mapstructure:"url"`
	Token      string `mapstructure:"token"`
	Index      string `mapstructure:"index"`
	Sourcetype string `mapstructure:"sourcetype"`
	BatchSize  int    `mapstructure:"batch_size"`
}

// ElasticConfig configures the Elasticsearch bulk client
type ElasticConfig struct {
	URL      string `mapstructure:"url"`
	Index    string `mapstructure:"index"`
	APIKey   string `mapstructure:"api_key"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

// GenericConfig configures a plain HTTP POST export
type GenericConfig struct {
	URL     string            `mapstructure:"url"`
	Headers map[string]string `mapstructure:"headers"`
	NDJSON  bool              `mapstructure:"ndjson"`
}

// FileConfig configures NDJSON file export
type FileConfig struct {
	Dir string `mapstructure:"dir"`
}

// BusConfig configures NATS fan-out. An empty URL disables the bus.
type BusConfig struct {
	NATSURL       string `mapstructure:"nats_url"`
	SubjectPrefix string `mapstructure:"subject_prefix"`
}

// Server port constants
const (
	DefaultServerPort = 8787
)

// File system constants
const (
	DefaultDirPermissions  = 0755
	DefaultFilePermissions = 0644
)

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

// TickInterval returns the scheduler tick as a duration
func (s SchedulerConfig) TickInterval() time.Duration { return seconds(s.TickSeconds) }

// FetchTimeout returns the per-run fetch deadline
func (s SchedulerConfig) FetchTimeout() time.Duration { return seconds(s.FetchTimeoutSeconds) }

// Overlap returns the incremental re-read window
func (s SchedulerConfig) Overlap() time.Duration { return seconds(s.OverlapSeconds) }

// Timeout returns the per-call sink deadline
func (d DispatchConfig) Timeout() time.Duration { return seconds(d.TimeoutSeconds) }

// RequestTimeout returns the API handler deadline
func (s ServerConfig) RequestTimeout() time.Duration { return seconds(s.RequestTimeoutSeconds) }

// Timeout returns the outbound HTTP client timeout
func (h HTTPConfig) Timeout() time.Duration { return seconds(h.TimeoutSeconds) }

// Interval returns the export cadence
func (e ExportConfig) Interval() time.Duration { return seconds(e.IntervalSeconds) }
