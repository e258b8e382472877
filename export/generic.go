package export

import (
	"bytes"
	"context"
	"net/http"

	"github.com/teranos/leakhunter/am"
	"github.com/teranos/leakhunter/errors"
	"github.com/teranos/leakhunter/internal/httpclient"
)

// Generic posts events to any HTTP collector, as one JSON array or as NDJSON
type Generic struct {
	url    string
	header http.Header
	ndjson bool
	client httpclient.Doer
}

// NewGeneric returns a plain HTTP client
func NewGeneric(cfg am.GenericConfig, client httpclient.Doer) *Generic {
	header := http.Header{}
	for k, v := range cfg.Headers {
		header.Set(k, v)
	}
	return &Generic{url: cfg.URL, header: header, ndjson: cfg.NDJSON, client: client}
}

func (g *Generic) Name() string { return am.ExportModeGeneric }

func (g *Generic) Send(ctx context.Context, events []map[string]any) (SendResult, error) {
	if len(events) == 0 {
		return SendResult{}, nil
	}
	req := httpclient.Request{Method: http.MethodPost, URL: g.url, Header: g.header.Clone()}
	if g.ndjson {
		vals := make([]any, len(events))
		for i, ev := range events {
			vals[i] = ev
		}
		body, err := ndjson(vals...)
		if err != nil {
			return SendResult{}, err
		}
		req.RawBody = bytes.NewReader(body)
		if req.Header.Get("Content-Type") == "" {
			req.Header.Set("Content-Type", "application/x-ndjson")
		}
	} else {
		req.Body = events
	}
	if _, err := httpclient.DoJSON(ctx, g.client, req, nil); err != nil {
		return SendResult{}, errors.Wrap(err, "generic export")
	}
	return SendResult{Sent: len(events)}, nil
}
