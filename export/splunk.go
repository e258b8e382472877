package export

import (
	"bytes"
	"context"
	"net/http"
	"strings"

	"github.com/teranos/leakhunter/am"
	"github.com/teranos/leakhunter/errors"
	"github.com/teranos/leakhunter/internal/httpclient"
	"github.com/teranos/leakhunter/internal/util"
)

// Splunk posts event envelopes to an HTTP Event Collector
type Splunk struct {
	url        string
	token      string
	index      string
	sourcetype string
	host       string
	batchSize  int
	client     httpclient.Doer
	clock      util.Clock
}

// NewSplunk returns a HEC client
func NewSplunk(cfg am.SplunkConfig, client httpclient.Doer, clock util.Clock) *Splunk {
	return &Splunk{
		url:        strings.TrimRight(cfg.URL, "/") + "/services/collector/event",
		token:      cfg.Token,
		index:      cfg.Index,
		sourcetype: cfg.Sourcetype,
		batchSize:  cfg.BatchSize,
		client:     client,
		clock:      clock.OrSystem(),
	}
}

func (s *Splunk) Name() string { return am.ExportModeSplunk }

func (s *Splunk) Send(ctx context.Context, events []map[string]any) (SendResult, error) {
	var res SendResult
	for _, batch := range batches(events, s.batchSize) {
		envelopes := make([]any, 0, len(batch))
		for _, ev := range batch {
			env := map[string]any{
				"time":   float64(eventTime(ev, s.clock()).UnixMilli()) / 1000,
				"event":  ev,
				"source": "leakhunter",
			}
			if s.index != "" {
				env["index"] = s.index
			}
			if s.sourcetype != "" {
				env["sourcetype"] = s.sourcetype
			}
			envelopes = append(envelopes, env)
		}
		body, err := ndjson(envelopes...)
		if err != nil {
			return res, err
		}

		var ack struct {
			Code int    `json:"code"`
			Text string `json:"text"`
		}
		_, err = httpclient.DoJSON(ctx, s.client, httpclient.Request{
			Method:  http.MethodPost,
			URL:     s.url,
			Header:  http.Header{"Authorization": {"Splunk " + s.token}},
			RawBody: bytes.NewReader(body),
		}, &ack)
		if err != nil {
			return res, errors.Wrap(err, "splunk hec")
		}
		// HEC answers 200 with code 0 on success
		if ack.Code != 0 {
			return res, errors.Newf("splunk hec rejected batch: code %d: %s", ack.Code, ack.Text)
		}
		res.Sent += len(batch)
	}
	return res, nil
}
