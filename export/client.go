// Package export ships stored findings to a SIEM as ECS documents.
//
// An Exporter pages the event store in list order and hands each page to a
// SIEMClient. Incremental runs persist the event store cursor per mode, so a
// restart continues after the last page that was accepted.
package export

import (
	"bytes"
	"context"
	"encoding/json"
	"time"

	"github.com/teranos/leakhunter/errors"
)

// SendResult counts what the destination accepted
type SendResult struct {
	Sent   int
	Failed int
}

// Add accumulates r into s
func (s *SendResult) Add(r SendResult) {
	s.Sent += r.Sent
	s.Failed += r.Failed
}

// SIEMClient delivers ECS documents to one destination
type SIEMClient interface {
	Name() string
	// Send delivers events. On error the result reports what was accepted
	// before the failure.
	Send(ctx context.Context, events []map[string]any) (SendResult, error)
}

// ndjson encodes each value on its own line
func ndjson(values ...any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, v := range values {
		if err := enc.Encode(v); err != nil {
			return nil, errors.Wrap(err, "encode event")
		}
	}
	return buf.Bytes(), nil
}

// eventID reads event.id from an ECS document
func eventID(ev map[string]any) string {
	if e, ok := ev["event"].(map[string]any); ok {
		if id, ok := e["id"].(string); ok {
			return id
		}
	}
	return ""
}

// eventTime reads @timestamp from an ECS document, falling back to now
func eventTime(ev map[string]any, now time.Time) time.Time {
	if s, ok := ev["@timestamp"].(string); ok {
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return t
		}
	}
	return now
}

func batches(events []map[string]any, size int) [][]map[string]any {
	if size <= 0 || size >= len(events) {
		if len(events) == 0 {
			return nil
		}
		return [][]map[string]any{events}
	}
	var out [][]map[string]any
	for len(events) > 0 {
		n := min(size, len(events))
		out = append(out, events[:n])
		events = events[n:]
	}
	return out
}
