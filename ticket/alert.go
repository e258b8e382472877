package ticket

import (
	"net/url"
	"strings"

	"github.com/teranos/leakhunter/am"
	"github.com/teranos/leakhunter/finding"
)

// alertRoutes picks an incoming-webhook URL per finding: rule, then
// platform, then severity, then the default.
type alertRoutes struct {
	byKey    map[string]string
	fallback string
}

func newAlertRoutes(cfg am.AlertSinkConfig) alertRoutes {
	r := alertRoutes{byKey: make(map[string]string, len(cfg.Routing)), fallback: cfg.WebhookURL}
	for k, v := range cfg.Routing {
		r.byKey[strings.ToLower(strings.TrimSpace(k))] = strings.TrimSpace(v)
	}
	return r
}

// pick returns the destination URL and the key that selected it
func (r alertRoutes) pick(f finding.Finding) (string, string) {
	for _, key := range []string{
		"rule:" + f.Rule,
		"platform:" + f.Platform,
		"severity:" + f.Severity.String(),
	} {
		key = strings.ToLower(key)
		if u := r.byKey[key]; u != "" {
			return u, key
		}
	}
	return r.fallback, "default"
}

// dashboardLink points at the finding in the dashboard, or "" when none is configured
func dashboardLink(base string, f finding.Finding) string {
	if base == "" {
		return ""
	}
	sep := "?"
	if strings.Contains(base, "?") {
		sep = "&"
	}
	return base + sep + "finding=" + url.QueryEscape(f.ID)
}

func escapeMrkdwn(s string) string {
	return strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;").Replace(s)
}
