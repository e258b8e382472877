package dispatch

import (
	"context"
	"database/sql"
	"sort"
	"sync"
	"time"

	"github.com/teranos/leakhunter/errors"
)

// Status of a dispatch record
type Status string

const (
	StatusPending Status = "pending"
	StatusSent    Status = "sent"
	StatusFailed  Status = "failed"
)

// Record tracks delivery of one finding to one sink
type Record struct {
	FindingID     string    `json:"finding_id"`
	Sink          string    `json:"sink"`
	Status        Status    `json:"status"`
	Attempts      int       `json:"attempts"`
	LastError     string    `json:"last_error,omitempty"`
	TicketRef     string    `json:"ticket_ref,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	LastAttemptAt time.Time `json:"last_attempt_at,omitzero"`
}

// RecordStore persists dispatch records
type RecordStore interface {
	Get(ctx context.Context, findingID, sink string) (Record, bool, error)
	Put(ctx context.Context, r Record) error
	ListByStatus(ctx context.Context, status Status, limit int) ([]Record, error)
}

type recordKey struct{ finding, sink string }

// MemoryRecordStore keeps records for the life of the process
type MemoryRecordStore struct {
	mu      sync.RWMutex
	records map[recordKey]Record
}

// NewMemoryRecordStore returns an empty store
func NewMemoryRecordStore() *MemoryRecordStore {
	return &MemoryRecordStore{records: make(map[recordKey]Record)}
}

func (m *MemoryRecordStore) Get(_ context.Context, findingID, sink string) (Record, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.records[recordKey{findingID, sink}]
	return r, ok, nil
}

func (m *MemoryRecordStore) Put(_ context.Context, r Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[recordKey{r.FindingID, r.Sink}] = r
	return nil
}

func (m *MemoryRecordStore) ListByStatus(_ context.Context, status Status, limit int) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Record
	for _, r := range m.records {
		if r.Status == status {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// SQLRecordStore keeps records in dispatch_records
type SQLRecordStore struct {
	db *sql.DB
}

// NewSQLRecordStore returns a store over a migrated database
func NewSQLRecordStore(conn *sql.DB) *SQLRecordStore {
	return &SQLRecordStore{db: conn}
}

const recordColumns = `finding_id, sink, status, attempts, last_error, ticket_ref, created_at_ns, updated_at_ns`

func (s *SQLRecordStore) Get(ctx context.Context, findingID, sink string) (Record, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM dispatch_records WHERE finding_id = ? AND sink = ?`,
		findingID, sink)
	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, errors.Wrapf(err, "get dispatch record %s/%s", findingID, sink)
	}
	return r, true, nil
}

func (s *SQLRecordStore) Put(ctx context.Context, r Record) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO dispatch_records (`+recordColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(finding_id, sink) DO UPDATE SET
			status = excluded.status,
			attempts = excluded.attempts,
			last_error = excluded.last_error,
			ticket_ref = excluded.ticket_ref,
			updated_at_ns = excluded.updated_at_ns`,
		r.FindingID, r.Sink, string(r.Status), r.Attempts, r.LastError, r.TicketRef,
		r.CreatedAt.UnixNano(), nanos(r.LastAttemptAt))
	if err != nil {
		return errors.Wrapf(err, "put dispatch record %s/%s", r.FindingID, r.Sink)
	}
	return nil
}

func (s *SQLRecordStore) ListByStatus(ctx context.Context, status Status, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+recordColumns+` FROM dispatch_records WHERE status = ? ORDER BY created_at_ns LIMIT ?`,
		string(status), limit)
	if err != nil {
		return nil, errors.Wrapf(err, "list %s dispatch records", status)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan dispatch record")
		}
		out = append(out, r)
	}
	return out, errors.Wrap(rows.Err(), "iterate dispatch records")
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(sc scanner) (Record, error) {
	var r Record
	var status string
	var created, updated int64
	if err := sc.Scan(&r.FindingID, &r.Sink, &status, &r.Attempts, &r.LastError, &r.TicketRef, &created, &updated); err != nil {
		return Record{}, err
	}
	r.Status = Status(status)
	r.CreatedAt = time.Unix(0, created).UTC()
	if updated != 0 {
		r.LastAttemptAt = time.Unix(0, updated).UTC()
	}
	return r, nil
}

func nanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}
