package ticket

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/teranos/leakhunter/am"
	"github.com/teranos/leakhunter/dispatch"
	"github.com/teranos/leakhunter/errors"
	"github.com/teranos/leakhunter/finding"
	"github.com/teranos/leakhunter/internal/httpclient"
)

// ServiceNow inserts records through the Table API
type ServiceNow struct {
	base   string
	table  string
	auth   string
	group  string
	client httpclient.Doer
}

// NewServiceNow returns a ServiceNow sink
func NewServiceNow(cfg am.ServiceNowSinkConfig, client httpclient.Doer) *ServiceNow {
	table := cfg.Table
	if table == "" {
		table = "incident"
	}
	return &ServiceNow{
		base:   strings.TrimRight(cfg.InstanceURL, "/"),
		table:  table,
		auth:   httpclient.BasicAuth(cfg.Username, cfg.Password),
		group:  cfg.AssignmentGroup,
		client: client,
	}
}

func (s *ServiceNow) Name() string { return "servicenow" }

func (s *ServiceNow) Create(ctx context.Context, f finding.Finding) (dispatch.TicketRef, error) {
	p := priority(f.Severity)
	body := map[string]string{
		"short_description": Summary(f),
		"description":       Description(f),
		"category":          "security",
		"subcategory":       "data_leak",
		"urgency":           strconv.Itoa(min(p, 3)),
		"impact":            strconv.Itoa(min(p, 3)),
		"correlation_id":    f.ID,
	}
	if s.group != "" {
		body["assignment_group"] = s.group
	}

	var out struct {
		Result struct {
			SysID  string `json:"sys_id"`
			Number string `json:"number"`
		} `json:"result"`
	}
	_, err := httpclient.DoJSON(ctx, s.client, httpclient.Request{
		Method: http.MethodPost,
		URL:    s.base + "/api/now/table/" + url.PathEscape(s.table),
		Header: http.Header{"Authorization": {s.auth}},
		Body:   body,
	}, &out)
	if err != nil {
		return dispatch.TicketRef{}, classify(s.Name(), err)
	}
	if out.Result.SysID == "" {
		return dispatch.TicketRef{}, dispatch.Permanent(s.Name(), errors.New("insert response has no sys_id"))
	}
	id := out.Result.SysID
	if out.Result.Number != "" {
		id = out.Result.Number
	}
	return dispatch.TicketRef{
		Sink: s.Name(),
		ID:   id,
		URL:  s.base + "/nav_to.do?uri=" + url.QueryEscape(s.table+".do?sys_id="+out.Result.SysID),
	}, nil
}
