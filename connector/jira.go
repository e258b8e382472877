package connector

import (
	"context"
	"iter"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/teranos/leakhunter/am"
	"github.com/teranos/leakhunter/errors"
	"github.com/teranos/leakhunter/finding"
	"github.com/teranos/leakhunter/internal/httpclient"
)

// jiraTime is the layout Jira returns for issue timestamps
const jiraTime = "2006-01-02T15:04:05.000-0700"

// Jira reads issues and their comments through REST API v2
type Jira struct {
	baseURL  string
	email    string
	token    string
	projects []string
	pageSize int
	client   httpclient.Doer
}

// NewJira returns a Jira connector
func NewJira(cfg am.JiraConfig, client httpclient.Doer) *Jira {
	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = 50
	}
	return &Jira{
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		email:    cfg.Email,
		token:    cfg.Token,
		projects: cfg.Projects,
		pageSize: pageSize,
		client:   client,
	}
}

func (j *Jira) Name() string { return "jira" }

func (j *Jira) get(ctx context.Context, path string, params url.Values, out any) error {
	u := j.baseURL + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	req := httpclient.Request{Method: http.MethodGet, URL: u, Header: http.Header{}}
	if j.email != "" {
		req.Header.Set("Authorization", httpclient.BasicAuth(j.email, j.token))
	} else if j.token != "" {
		req.Header.Set("Authorization", "Bearer "+j.token)
	}
	_, err := httpclient.DoJSON(ctx, j.client, req, out)
	return err
}

// Containers returns the configured projects, or every visible project
func (j *Jira) Containers(ctx context.Context) ([]finding.Container, error) {
	if len(j.projects) > 0 {
		out := make([]finding.Container, 0, len(j.projects))
		for _, p := range j.projects {
			out = append(out, finding.Container{ID: p, Name: p, Type: "project"})
		}
		return out, nil
	}
	var projects []struct {
		Key  string `json:"key"`
		Name string `json:"name"`
	}
	if err := j.get(ctx, "/rest/api/2/project", nil, &projects); err != nil {
		return nil, errors.Wrap(err, "jira list projects")
	}
	out := make([]finding.Container, 0, len(projects))
	for _, p := range projects {
		out = append(out, finding.Container{ID: p.Key, Name: p.Name, Type: "project"})
	}
	return out, nil
}

type jiraIssue struct {
	Key    string `json:"key"`
	Fields struct {
		Summary     string `json:"summary"`
		Description string `json:"description"`
		Updated     string `json:"updated"`
		Reporter    *struct {
			AccountID   string `json:"accountId"`
			Name        string `json:"name"`
			DisplayName string `json:"displayName"`
		} `json:"reporter"`
		Comment struct {
			Comments []struct {
				Body string `json:"body"`
			} `json:"comments"`
		} `json:"comment"`
	} `json:"fields"`
}

func (j *Jira) Fetch(ctx context.Context, c finding.Container, since time.Time) iter.Seq2[finding.RawItem, error] {
	jql := "project = " + strconv.Quote(c.ID)
	if !since.IsZero() {
		// JQL has minute resolution; the scheduler's overlap window covers the rounding
		jql += " AND updated >= " + strconv.Quote(since.UTC().Format("2006-01-02 15:04"))
	}
	jql += " ORDER BY updated ASC"

	return func(yield func(finding.RawItem, error) bool) {
		startAt := 0
		for {
			var resp struct {
				StartAt    int         `json:"startAt"`
				MaxResults int         `json:"maxResults"`
				Total      int         `json:"total"`
				Issues     []jiraIssue `json:"issues"`
			}
			params := url.Values{
				"jql":        {jql},
				"startAt":    {strconv.Itoa(startAt)},
				"maxResults": {strconv.Itoa(j.pageSize)},
				"fields":     {"summary,description,updated,reporter,comment"},
			}
			if err := j.get(ctx, "/rest/api/2/search", params, &resp); err != nil {
				yield(finding.RawItem{}, errors.Wrapf(err, "jira search %s", c.ID))
				return
			}
			for _, is := range resp.Issues {
				if !yield(j.item(c, is), nil) {
					return
				}
			}
			startAt += len(resp.Issues)
			if len(resp.Issues) == 0 || startAt >= resp.Total {
				return
			}
		}
	}
}

func (j *Jira) item(c finding.Container, is jiraIssue) finding.RawItem {
	parts := []string{is.Fields.Summary, is.Fields.Description}
	for _, cm := range is.Fields.Comment.Comments {
		parts = append(parts, cm.Body)
	}
	var author finding.Author
	if r := is.Fields.Reporter; r != nil {
		author = finding.Author{ID: firstNonEmpty(r.AccountID, r.Name), Name: r.DisplayName}
	}
	observed, _ := time.Parse(jiraTime, is.Fields.Updated)
	if !observed.IsZero() {
		observed = observed.UTC()
	}
	return finding.RawItem{
		Platform:   "jira",
		Container:  c,
		ItemID:     is.Key,
		Text:       strings.Join(parts, "\n"),
		Author:     author,
		URL:        j.baseURL + "/browse/" + is.Key,
		ObservedAt: observed,
	}
}
