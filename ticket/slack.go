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
)

// maxAlertSnippet bounds the snippet quoted in chat alerts
const maxAlertSnippet = 900

// SlackAlert posts a Block Kit message to a Slack incoming webhook
type SlackAlert struct {
	routes    alertRoutes
	dashboard string
	client    httpclient.Doer
}

// NewSlackAlert returns a Slack alert sink
func NewSlackAlert(cfg am.AlertSinkConfig, dashboard string, client httpclient.Doer) *SlackAlert {
	return &SlackAlert{routes: newAlertRoutes(cfg), dashboard: dashboard, client: client}
}

func (s *SlackAlert) Name() string { return "slack_alert" }

func (s *SlackAlert) Create(ctx context.Context, f finding.Finding) (dispatch.TicketRef, error) {
	target, key := s.routes.pick(f)
	if target == "" {
		return dispatch.TicketRef{}, dispatch.Permanent(s.Name(), errors.Newf("no webhook for %s", key))
	}
	_, err := httpclient.DoJSON(ctx, s.client, httpclient.Request{
		Method: http.MethodPost,
		URL:    target,
		Body:   s.message(f),
	}, nil)
	if err != nil {
		return dispatch.TicketRef{}, classify(s.Name(), err)
	}
	return dispatch.TicketRef{Sink: s.Name(), ID: key, URL: dashboardLink(s.dashboard, f)}, nil
}

func (s *SlackAlert) message(f finding.Finding) map[string]any {
	who := f.Author.Name
	if who == "" {
		who = f.Author.ID
	}
	if who == "" {
		who = "-"
	}
	header := fmt.Sprintf(":rotating_light: %s | %s", f.Severity, f.Rule)
	blocks := []map[string]any{
		{"type": "header", "text": map[string]any{"type": "plain_text", "text": truncate(header, 150)}},
		{"type": "section", "text": map[string]any{"type": "mrkdwn", "text": fmt.Sprintf(
			"*%s* / `%s`\n*When:* `%s`   *Who:* `%s`",
			f.Platform, escapeMrkdwn(containerName(f)), f.FoundAt.UTC().Format(time.RFC3339), escapeMrkdwn(who))}},
		{"type": "section", "text": map[string]any{"type": "mrkdwn", "text": "*Snippet (redacted)*\n```" +
			escapeMrkdwn(truncate(f.Snippet, maxAlertSnippet)) + "```"}},
	}

	var buttons []map[string]any
	if link := dashboardLink(s.dashboard, f); link != "" {
		buttons = append(buttons, slackButton("View in Dashboard", link))
	}
	if f.URL != "" {
		buttons = append(buttons, slackButton("View Source", f.URL))
	}
	if len(buttons) > 0 {
		blocks = append(blocks, map[string]any{"type": "actions", "elements": buttons})
	}
	blocks = append(blocks, map[string]any{"type": "context", "elements": []map[string]any{
		{"type": "mrkdwn", "text": "`finding:` `" + f.ID + "`"},
	}})

	return map[string]any{
		"text":   fmt.Sprintf("[LeakHunter] %s | %s", f.Severity, f.Rule),
		"blocks": blocks,
	}
}

func slackButton(text, link string) map[string]any {
	return map[string]any{
		"type": "button",
		"text": map[string]any{"type": "plain_text", "text": text},
		"url":  link,
	}
}
