package ticket

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/leakhunter/am"
	"github.com/teranos/leakhunter/dispatch"
	"github.com/teranos/leakhunter/errors"
	"github.com/teranos/leakhunter/finding"
	"github.com/teranos/leakhunter/internal/httpclient"
	"github.com/teranos/leakhunter/logger"
)

// GLPI opens a session per ticket, creates the ticket, and closes the session
type GLPI struct {
	base      string
	appToken  string
	userToken string
	entityID  int
	client    httpclient.Doer
	log       *zap.SugaredLogger
}

// NewGLPI returns a GLPI sink
func NewGLPI(cfg am.GLPISinkConfig, client httpclient.Doer, log *zap.SugaredLogger) *GLPI {
	return &GLPI{
		base:      strings.TrimRight(cfg.BaseURL, "/") + "/apirest.php",
		appToken:  cfg.AppToken,
		userToken: cfg.UserToken,
		entityID:  cfg.EntityID,
		client:    client,
		log:       logger.Or(log).Named("glpi"),
	}
}

func (g *GLPI) Name() string { return "glpi" }

func (g *GLPI) Create(ctx context.Context, f finding.Finding) (dispatch.TicketRef, error) {
	var session struct {
		Token string `json:"session_token"`
	}
	_, err := httpclient.DoJSON(ctx, g.client, httpclient.Request{
		Method: http.MethodPost,
		URL:    g.base + "/initSession",
		Header: http.Header{"App-Token": {g.appToken}},
		Body:   map[string]string{"user_token": g.userToken},
	}, &session)
	if err != nil {
		return dispatch.TicketRef{}, classify(g.Name(), errors.Wrap(err, "init session"))
	}
	if session.Token == "" {
		return dispatch.TicketRef{}, dispatch.Permanent(g.Name(), errors.New("initSession returned no session_token"))
	}
	defer g.killSession(ctx, session.Token)

	input := map[string]any{
		"name":     Summary(f),
		"content":  Description(f),
		"priority": glpiPriority(priority(f.Severity)),
	}
	if g.entityID > 0 {
		input["entities_id"] = g.entityID
	}

	var raw json.RawMessage
	_, err = httpclient.DoJSON(ctx, g.client, httpclient.Request{
		Method: http.MethodPost,
		URL:    g.base + "/Ticket",
		Header: http.Header{"App-Token": {g.appToken}, "Session-Token": {session.Token}},
		Body:   map[string]any{"input": []any{input}},
	}, &raw)
	if err != nil {
		return dispatch.TicketRef{}, classify(g.Name(), errors.Wrap(err, "create ticket"))
	}
	id, ok := glpiTicketID(raw)
	if !ok {
		return dispatch.TicketRef{}, dispatch.Permanent(g.Name(), errors.Newf("cannot read ticket id from %s", truncate(string(raw), 200)))
	}
	return dispatch.TicketRef{Sink: g.Name(), ID: id}, nil
}

// killSession is best effort; GLPI expires idle sessions anyway
func (g *GLPI) killSession(ctx context.Context, token string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	_, err := httpclient.DoJSON(ctx, g.client, httpclient.Request{
		Method: http.MethodGet,
		URL:    g.base + "/killSession",
		Header: http.Header{"App-Token": {g.appToken}, "Session-Token": {token}},
	}, nil)
	if err != nil {
		g.log.Debugw("killSession failed", logger.FieldError, err)
	}
}

// glpiTicketID accepts {"id":N}, [{"id":N}] and {"added":[{"id":N}]}
func glpiTicketID(raw json.RawMessage) (string, bool) {
	type idOnly struct {
		ID json.Number `json:"id"`
	}
	var one idOnly
	if json.Unmarshal(raw, &one) == nil && one.ID != "" {
		return one.ID.String(), true
	}
	var list []idOnly
	if json.Unmarshal(raw, &list) == nil && len(list) > 0 && list[0].ID != "" {
		return list[0].ID.String(), true
	}
	var wrapped map[string]json.RawMessage
	if json.Unmarshal(raw, &wrapped) == nil {
		for _, k := range []string{"added", "items", "result", "data"} {
			var v []idOnly
			if json.Unmarshal(wrapped[k], &v) == nil && len(v) > 0 && v[0].ID != "" {
				return v[0].ID.String(), true
			}
		}
	}
	return "", false
}

// glpiPriority maps 1..4 onto GLPI's 1 (very low) .. 6 (major)
func glpiPriority(p int) int {
	return [...]int{6, 5, 3, 2}[p-1]
}
