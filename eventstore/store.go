// Package eventstore is the append-only log of admitted findings.
//
// Records are ordered by (found_at, seq), where seq is the append order. On
// append found_at is clamped so it never goes below the newest stored value,
// which makes the two orders agree: a record appended after a reader took a
// cursor always sorts after that cursor.
package eventstore

import (
	"context"
	"encoding/base64"
	"strconv"
	"strings"
	"time"

	"github.com/teranos/leakhunter/errors"
	"github.com/teranos/leakhunter/finding"
	"github.com/teranos/leakhunter/rules"
)

// List limits
const (
	DefaultLimit = 100
	MaxLimit     = 1000
)

// Store is implemented by MemoryStore and SQLStore
type Store interface {
	// Append stores f and returns it as stored (found_at may be clamped).
	// Appending an id that is already present fails with errors.ErrConflict.
	Append(ctx context.Context, f finding.Finding) (finding.Finding, error)
	List(ctx context.Context, q Query) (Page, error)
	Get(ctx context.Context, id string) (finding.Finding, error)
	Health(ctx context.Context) (Health, error)
}

// Query selects a page of findings
type Query struct {
	Since    time.Time // inclusive lower bound on found_at; zero = none
	Cursor   string    // exclusive position from a previous Page.NextCursor
	Limit    int       // 0 = DefaultLimit; capped at MaxLimit
	Platform string
	Severity string
	Rule     string
}

// Page is one List result
type Page struct {
	Findings []finding.Finding
	// NextCursor resumes after the last returned record. When the page is
	// empty it echoes the query cursor so a poller can keep using it.
	NextCursor string
}

// Health summarizes the store
type Health struct {
	Count  int64      `json:"count"`
	Oldest *time.Time `json:"oldest,omitempty"`
	Newest *time.Time `json:"newest,omitempty"`
}

// position is a record's place in list order
type position struct {
	ns  int64
	seq int64
}

func (p position) after(o position) bool {
	return p.ns > o.ns || (p.ns == o.ns && p.seq > o.seq)
}

// encodeCursor returns the opaque cursor for a position
func encodeCursor(p position) string {
	raw := strconv.FormatInt(p.ns, 10) + ":" + strconv.FormatInt(p.seq, 10)
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

func decodeCursor(c string) (position, error) {
	raw, err := base64.RawURLEncoding.DecodeString(c)
	if err != nil {
		return position{}, errors.NewInvalidRequestError("malformed cursor")
	}
	nsPart, seqPart, ok := strings.Cut(string(raw), ":")
	if !ok {
		return position{}, errors.NewInvalidRequestError("malformed cursor")
	}
	ns, err1 := strconv.ParseInt(nsPart, 10, 64)
	seq, err2 := strconv.ParseInt(seqPart, 10, 64)
	if err1 != nil || err2 != nil || seq < 0 {
		return position{}, errors.NewInvalidRequestError("malformed cursor")
	}
	return position{ns: ns, seq: seq}, nil
}

// normalized is a validated Query
type normalized struct {
	Query
	from     *position
	severity string
}

func normalize(q Query) (normalized, error) {
	n := normalized{Query: q}
	switch {
	case q.Limit < 0:
		return n, errors.NewInvalidRequestError("limit must be >= 0, got %d", q.Limit)
	case q.Limit == 0:
		n.Limit = DefaultLimit
	case q.Limit > MaxLimit:
		n.Limit = MaxLimit
	}
	if q.Cursor != "" {
		p, err := decodeCursor(q.Cursor)
		if err != nil {
			return n, err
		}
		n.from = &p
	}
	if q.Severity != "" {
		sev, err := parseSeverity(q.Severity)
		if err != nil {
			return n, err
		}
		n.severity = sev
	}
	return n, nil
}

func (n normalized) nextCursor(last *position) string {
	if last == nil {
		return n.Cursor
	}
	return encodeCursor(*last)
}

func parseSeverity(s string) (string, error) {
	sev, err := rules.ParseSeverity(s)
	if err != nil {
		return "", errors.Mark(err, errors.ErrInvalidRequest)
	}
	return sev.String(), nil
}

func (n normalized) matches(f finding.Finding) bool {
	if n.Platform != "" && f.Platform != n.Platform {
		return false
	}
	if n.severity != "" && f.Severity.String() != n.severity {
		return false
	}
	if n.Rule != "" && f.Rule != n.Rule {
		return false
	}
	return true
}
