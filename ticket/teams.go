package ticket

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/teranos/leakhunter/am"
	"github.com/teranos/leakhunter/dispatch"
	"github.com/teranos/leakhunter/errors"
	"github.com/teranos/leakhunter/finding"
	"github.com/teranos/leakhunter/internal/httpclient"
	"github.com/teranos/leakhunter/rules"
)

// TeamsAlert posts a MessageCard to a Microsoft Teams incoming webhook
type TeamsAlert struct {
	routes    alertRoutes
	dashboard string
	client    httpclient.Doer
}

// NewTeamsAlert returns a Teams alert sink
func NewTeamsAlert(cfg am.AlertSinkConfig, dashboard string, client httpclient.Doer) *TeamsAlert {
	return &TeamsAlert{routes: newAlertRoutes(cfg), dashboard: dashboard, client: client}
}

func (t *TeamsAlert) Name() string { return "teams_alert" }

func (t *TeamsAlert) Create(ctx context.Context, f finding.Finding) (dispatch.TicketRef, error) {
	target, key := t.routes.pick(f)
	if target == "" {
		return dispatch.TicketRef{}, dispatch.Permanent(t.Name(), errors.Newf("no webhook for %s", key))
	}
	_, err := httpclient.DoJSON(ctx, t.client, httpclient.Request{
		Method: http.MethodPost,
		URL:    target,
		Body:   t.card(f),
	}, nil)
	if err != nil {
		return dispatch.TicketRef{}, classify(t.Name(), err)
	}
	return dispatch.TicketRef{Sink: t.Name(), ID: key, URL: dashboardLink(t.dashboard, f)}, nil
}

func (t *TeamsAlert) card(f finding.Finding) map[string]any {
	facts := []map[string]string{
		{"name": "Platform", "value": f.Platform},
		{"name": "Where", "value": containerName(f)},
		{"name": "When", "value": f.FoundAt.UTC().Format(time.RFC3339)},
		{"name": "Rule", "value": f.Rule},
		{"name": "Finding", "value": f.ID},
	}
	if f.Author.Name != "" || f.Author.ID != "" {
		facts = append(facts, map[string]string{"name": "Who", "value": f.Author.Name + " (" + f.Author.ID + ")"})
	}

	var actions []map[string]any
	if link := dashboardLink(t.dashboard, f); link != "" {
		actions = append(actions, teamsAction("View in Dashboard", link))
	}
	if f.URL != "" {
		actions = append(actions, teamsAction("View Source", f.URL))
	}

	title := fmt.Sprintf("[LeakHunter] %s | %s", f.Severity, f.Rule)
	card := map[string]any{
		"@type":      "MessageCard",
		"@context":   "https://schema.org/extensions",
		"summary":    title,
		"themeColor": themeColor(f.Severity),
		"title":      title,
		"sections": []map[string]any{{
			"facts": facts,
			"text":  "Snippet (redacted):\n\n    " + truncate(f.Snippet, maxAlertSnippet),
		}},
	}
	if len(actions) > 0 {
		card["potentialAction"] = actions
	}
	return card
}

func teamsAction(name, link string) map[string]any {
	return map[string]any{
		"@type":   "OpenUri",
		"name":    name,
		"targets": []map[string]string{{"os": "default", "uri": link}},
	}
}

func themeColor(s rules.Severity) string {
	switch s {
	case rules.SeverityCritical:
		return "B71C1C"
	case rules.SeverityHigh:
		return "E65100"
	case rules.SeverityMedium:
		return "F9A825"
	default:
		return "607D8B"
	}
}
