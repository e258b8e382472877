package export

import (
	"bytes"
	"context"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/teranos/leakhunter/am"
	"github.com/teranos/leakhunter/errors"
	"github.com/teranos/leakhunter/internal/httpclient"
	"github.com/teranos/leakhunter/logger"
)

// Elastic indexes documents through the _bulk API. Documents are keyed by
// finding id so a re-export overwrites instead of duplicating.
type Elastic struct {
	url    string
	index  string
	auth   string
	client httpclient.Doer
	log    *zap.SugaredLogger
}

// NewElastic returns a bulk client
func NewElastic(cfg am.ElasticConfig, client httpclient.Doer, log *zap.SugaredLogger) *Elastic {
	var auth string
	switch {
	case cfg.APIKey != "":
		auth = "ApiKey " + cfg.APIKey
	case cfg.Username != "":
		auth = httpclient.BasicAuth(cfg.Username, cfg.Password)
	}
	return &Elastic{
		url:    strings.TrimRight(cfg.URL, "/") + "/_bulk",
		index:  cfg.Index,
		auth:   auth,
		client: client,
		log:    logger.Or(log).Named("elastic"),
	}
}

func (e *Elastic) Name() string { return am.ExportModeElastic }

type bulkResponse struct {
	Errors bool `json:"errors"`
	Items  []map[string]struct {
		Status int `json:"status"`
		Error  *struct {
			Type   string `json:"type"`
			Reason string `json:"reason"`
		} `json:"error"`
	} `json:"items"`
}

func (e *Elastic) Send(ctx context.Context, events []map[string]any) (SendResult, error) {
	if len(events) == 0 {
		return SendResult{}, nil
	}
	lines := make([]any, 0, 2*len(events))
	for _, ev := range events {
		action := map[string]any{"_index": e.index}
		if id := eventID(ev); id != "" {
			action["_id"] = id
		}
		lines = append(lines, map[string]any{"index": action}, ev)
	}
	body, err := ndjson(lines...)
	if err != nil {
		return SendResult{}, err
	}

	header := http.Header{"Content-Type": {"application/x-ndjson"}}
	if e.auth != "" {
		header.Set("Authorization", e.auth)
	}
	var out bulkResponse
	_, err = httpclient.DoJSON(ctx, e.client, httpclient.Request{
		Method:  http.MethodPost,
		URL:     e.url,
		Header:  header,
		RawBody: bytes.NewReader(body),
	}, &out)
	if err != nil {
		return SendResult{}, errors.Wrap(err, "elastic bulk")
	}
	if !out.Errors {
		return SendResult{Sent: len(events)}, nil
	}

	// Per-document rejections (mapping conflicts and the like) will not
	// succeed on resend, so they are counted rather than returned.
	var res SendResult
	for i, item := range out.Items {
		for _, r := range item {
			if r.Error == nil && r.Status < 300 {
				res.Sent++
				continue
			}
			res.Failed++
			if r.Error != nil && i < len(events) {
				e.log.Warnw("Document rejected",
					"id", eventID(events[i]),
					"type", r.Error.Type,
					"reason", r.Error.Reason)
			}
		}
	}
	return res, nil
}
