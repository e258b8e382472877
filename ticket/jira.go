package ticket

import (
	"context"
	"net/http"
	"strings"

	"github.com/teranos/leakhunter/am"
	"github.com/teranos/leakhunter/dispatch"
	"github.com/teranos/leakhunter/errors"
	"github.com/teranos/leakhunter/finding"
	"github.com/teranos/leakhunter/internal/httpclient"
)

// Jira creates issues through REST API v2, which takes plain-text
// descriptions on both Cloud and Data Center.
type Jira struct {
	base      string
	auth      string
	project   string
	issueType string
	client    httpclient.Doer
}

// NewJira returns a Jira sink
func NewJira(cfg am.JiraSinkConfig, client httpclient.Doer) *Jira {
	auth := "Bearer " + cfg.Token
	if cfg.Email != "" {
		auth = httpclient.BasicAuth(cfg.Email, cfg.Token)
	}
	issueType := cfg.IssueType
	if issueType == "" {
		issueType = "Task"
	}
	return &Jira{
		base:      strings.TrimRight(cfg.BaseURL, "/"),
		auth:      auth,
		project:   cfg.Project,
		issueType: issueType,
		client:    client,
	}
}

func (j *Jira) Name() string { return "jira" }

func (j *Jira) Create(ctx context.Context, f finding.Finding) (dispatch.TicketRef, error) {
	body := map[string]any{
		"fields": map[string]any{
			"project":     map[string]string{"key": j.project},
			"summary":     Summary(f),
			"issuetype":   map[string]string{"name": j.issueType},
			"description": Description(f),
			"labels":      Labels(f),
			"priority":    map[string]string{"name": jiraPriority(priority(f.Severity))},
		},
	}
	var out struct {
		ID  string `json:"id"`
		Key string `json:"key"`
	}
	_, err := httpclient.DoJSON(ctx, j.client, httpclient.Request{
		Method: http.MethodPost,
		URL:    j.base + "/rest/api/2/issue",
		Header: http.Header{"Authorization": {j.auth}},
		Body:   body,
	}, &out)
	if err != nil {
		return dispatch.TicketRef{}, classify(j.Name(), err)
	}
	if out.Key == "" {
		return dispatch.TicketRef{}, dispatch.Permanent(j.Name(), errors.New("create issue response has no key"))
	}
	return dispatch.TicketRef{Sink: j.Name(), ID: out.Key, URL: j.base + "/browse/" + out.Key}, nil
}

func jiraPriority(p int) string {
	return [...]string{"Highest", "High", "Medium", "Low"}[p-1]
}
