package connector

import (
	"context"
	"iter"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/teranos/leakhunter/am"
	"github.com/teranos/leakhunter/errors"
	"github.com/teranos/leakhunter/finding"
	"github.com/teranos/leakhunter/internal/httpclient"
)

const slackPageSize = 200

// Slack reads channel history through the Web API
type Slack struct {
	baseURL  string
	token    string
	channels map[string]bool // configured channel ids or names; empty = all
	client   httpclient.Doer
	limiter  *rate.Limiter
}

// NewSlack returns a Slack connector
func NewSlack(cfg am.SlackConfig, client httpclient.Doer) *Slack {
	s := &Slack{
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		token:    cfg.Token,
		channels: make(map[string]bool),
		client:   client,
		limiter:  newLimiter(cfg.RequestsPerMinute),
	}
	for _, ch := range cfg.Channels {
		s.channels[strings.TrimPrefix(ch, "#")] = true
	}
	return s
}

func (s *Slack) Name() string { return "slack" }

type slackEnvelope struct {
	OK               bool   `json:"ok"`
	Error            string `json:"error"`
	ResponseMetadata struct {
		NextCursor string `json:"next_cursor"`
	} `json:"response_metadata"`
}

type slackChannel struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	User string `json:"user"` // direct messages have a user instead of a name
}

type slackMessage struct {
	TS          string `json:"ts"`
	Text        string `json:"text"`
	User        string `json:"user"`
	BotID       string `json:"bot_id"`
	UserProfile *struct {
		RealName string `json:"real_name"`
	} `json:"user_profile"`
}

func (s *Slack) call(ctx context.Context, method string, params url.Values, out any) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return err
	}
	_, err := httpclient.DoJSON(ctx, s.client, httpclient.Request{
		Method: http.MethodGet,
		URL:    s.baseURL + "/" + method + "?" + params.Encode(),
		Header: http.Header{"Authorization": {"Bearer " + s.token}},
	}, out)
	return err
}

func (s *Slack) Containers(ctx context.Context) ([]finding.Container, error) {
	var out []finding.Container
	cursor := ""
	for {
		params := url.Values{
			"types":            {"public_channel,private_channel,im,mpim"},
			"limit":            {strconv.Itoa(slackPageSize)},
			"exclude_archived": {"true"},
		}
		if cursor != "" {
			params.Set("cursor", cursor)
		}
		var resp struct {
			slackEnvelope
			Channels []slackChannel `json:"channels"`
		}
		if err := s.call(ctx, "conversations.list", params, &resp); err != nil {
			return nil, errors.Wrap(err, "slack conversations.list")
		}
		if !resp.OK {
			return nil, errors.Newf("slack conversations.list: %s", resp.Error)
		}
		for _, ch := range resp.Channels {
			name := firstNonEmpty(ch.Name, ch.User, ch.ID)
			if len(s.channels) > 0 && !s.channels[ch.ID] && !s.channels[name] {
				continue
			}
			out = append(out, finding.Container{ID: ch.ID, Name: name, Type: "channel"})
		}
		cursor = resp.ResponseMetadata.NextCursor
		if cursor == "" {
			return out, nil
		}
	}
}

func (s *Slack) Fetch(ctx context.Context, c finding.Container, since time.Time) iter.Seq2[finding.RawItem, error] {
	return func(yield func(finding.RawItem, error) bool) {
		cursor := ""
		for {
			params := url.Values{
				"channel": {c.ID},
				"limit":   {strconv.Itoa(slackPageSize)},
			}
			if !since.IsZero() {
				params.Set("oldest", slackTS(since))
			}
			if cursor != "" {
				params.Set("cursor", cursor)
			}
			var resp struct {
				slackEnvelope
				Messages []slackMessage `json:"messages"`
				HasMore  bool           `json:"has_more"`
			}
			if err := s.call(ctx, "conversations.history", params, &resp); err != nil {
				yield(finding.RawItem{}, errors.Wrapf(err, "slack conversations.history %s", c.ID))
				return
			}
			if !resp.OK {
				yield(finding.RawItem{}, errors.Newf("slack conversations.history %s: %s", c.ID, resp.Error))
				return
			}
			for _, m := range resp.Messages {
				if !yield(s.item(c, m), nil) {
					return
				}
			}
			cursor = resp.ResponseMetadata.NextCursor
			if cursor == "" || !resp.HasMore {
				return
			}
		}
	}
}

func (s *Slack) item(c finding.Container, m slackMessage) finding.RawItem {
	author := finding.Author{ID: firstNonEmpty(m.User, m.BotID)}
	if m.UserProfile != nil {
		author.Name = m.UserProfile.RealName
	}
	return finding.RawItem{
		Platform:   "slack",
		Container:  c,
		ItemID:     m.TS,
		Text:       m.Text,
		Author:     author,
		URL:        "https://slack.com/app_redirect?channel=" + url.QueryEscape(c.ID) + "&message_ts=" + url.QueryEscape(m.TS),
		ObservedAt: parseSlackTS(m.TS),
	}
}

// slackTS formats t as Slack's "seconds.micros" timestamp
func slackTS(t time.Time) string {
	return strconv.FormatInt(t.Unix(), 10) + "." + padMicros(t.Nanosecond()/1000)
}

func padMicros(us int) string {
	s := strconv.Itoa(us)
	return strings.Repeat("0", 6-len(s)) + s
}

func parseSlackTS(ts string) time.Time {
	secPart, fracPart, _ := strings.Cut(ts, ".")
	sec, err := strconv.ParseInt(secPart, 10, 64)
	if err != nil {
		return time.Time{}
	}
	var nanos int64
	if fracPart != "" {
		if len(fracPart) > 9 {
			fracPart = fracPart[:9]
		}
		frac, err := strconv.ParseInt(fracPart+strings.Repeat("0", 9-len(fracPart)), 10, 64)
		if err == nil {
			nanos = frac
		}
	}
	return time.Unix(sec, nanos).UTC()
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
