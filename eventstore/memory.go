package eventstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/teranos/leakhunter/errors"
	"github.com/teranos/leakhunter/finding"
	"github.com/teranos/leakhunter/internal/util"
)

type record struct {
	pos position
	f   finding.Finding
}

// MemoryStore keeps findings in an append-only slice
type MemoryStore struct {
	mu      sync.RWMutex
	records []record
	byID    map[string]int
}

// NewMemoryStore returns an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byID: make(map[string]int)}
}

func (m *MemoryStore) Append(_ context.Context, f finding.Finding) (finding.Finding, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.byID[f.ID]; ok {
		return finding.Finding{}, errors.Mark(errors.Newf("finding %s already stored", f.ID), errors.ErrConflict)
	}

	ns := f.FoundAt.UnixNano()
	if n := len(m.records); n > 0 && m.records[n-1].pos.ns > ns {
		ns = m.records[n-1].pos.ns
	}
	f.FoundAt = time.Unix(0, ns).UTC()

	rec := record{pos: position{ns: ns, seq: int64(len(m.records) + 1)}, f: f}
	m.byID[f.ID] = len(m.records)
	m.records = append(m.records, rec)
	return f, nil
}

func (m *MemoryStore) List(_ context.Context, q Query) (Page, error) {
	n, err := normalize(q)
	if err != nil {
		return Page{}, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	// records are already in list order; skip to the first candidate
	start := 0
	if !n.Since.IsZero() {
		since := n.Since.UnixNano()
		start = sort.Search(len(m.records), func(i int) bool { return m.records[i].pos.ns >= since })
	}
	if n.from != nil {
		from := *n.from
		i := sort.Search(len(m.records), func(i int) bool { return m.records[i].pos.after(from) })
		if i > start {
			start = i
		}
	}

	page := Page{Findings: []finding.Finding{}}
	var last *position
	for i := start; i < len(m.records) && len(page.Findings) < n.Limit; i++ {
		rec := m.records[i]
		if !n.matches(rec.f) {
			continue
		}
		page.Findings = append(page.Findings, rec.f)
		p := rec.pos
		last = &p
	}
	page.NextCursor = n.nextCursor(last)
	return page, nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (finding.Finding, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	i, ok := m.byID[id]
	if !ok {
		return finding.Finding{}, errors.NewNotFoundError("finding %s", id)
	}
	return m.records[i].f, nil
}

func (m *MemoryStore) Health(_ context.Context) (Health, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h := Health{Count: int64(len(m.records))}
	if len(m.records) > 0 {
		h.Oldest = util.Ptr(m.records[0].f.FoundAt)
		h.Newest = util.Ptr(m.records[len(m.records)-1].f.FoundAt)
	}
	return h, nil
}
