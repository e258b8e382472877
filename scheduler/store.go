package scheduler

import (
	"context"
	"database/sql"
	"sort"
	"sync"
	"time"

	"github.com/teranos/leakhunter/errors"
)

// StateStore persists connector bookkeeping and run history so a restart
// resumes incremental fetching where it left off.
type StateStore interface {
	LoadState(ctx context.Context, connector string) (RunState, bool, error)
	SaveState(ctx context.Context, s RunState) error
	CreateRun(ctx context.Context, r Run) error
	FinishRun(ctx context.Context, r Run) error
	ListRuns(ctx context.Context, limit int) ([]Run, error)
}

// MemoryStateStore keeps state for the life of the process
type MemoryStateStore struct {
	mu     sync.Mutex
	states map[string]RunState
	runs   map[string]Run
}

// NewMemoryStateStore returns an empty store
func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{states: make(map[string]RunState), runs: make(map[string]Run)}
}

func (m *MemoryStateStore) LoadState(_ context.Context, connector string) (RunState, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.states[connector]
	return s, ok, nil
}

func (m *MemoryStateStore) SaveState(_ context.Context, s RunState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[s.Connector] = s
	return nil
}

func (m *MemoryStateStore) CreateRun(_ context.Context, r Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[r.ID]; ok {
		return errors.Mark(errors.Newf("run %s already exists", r.ID), errors.ErrConflict)
	}
	m.runs[r.ID] = r
	return nil
}

func (m *MemoryStateStore) FinishRun(_ context.Context, r Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[r.ID]; !ok {
		return errors.NewNotFoundError("run %s", r.ID)
	}
	m.runs[r.ID] = r
	return nil
}

func (m *MemoryStateStore) ListRuns(_ context.Context, limit int) ([]Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Run, 0, len(m.runs))
	for _, r := range m.runs {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// SQLStateStore keeps state in connector_state and connector_runs
type SQLStateStore struct {
	db *sql.DB
}

// NewSQLStateStore returns a store over a migrated database
func NewSQLStateStore(conn *sql.DB) *SQLStateStore {
	return &SQLStateStore{db: conn}
}

func (s *SQLStateStore) LoadState(ctx context.Context, connector string) (RunState, bool, error) {
	st := RunState{Connector: connector}
	var lastRun, lastSuccess, next int64
	err := s.db.QueryRowContext(ctx, `
		SELECT last_run_at_ns, last_success_at_ns, consecutive_failures, next_eligible_at_ns, last_error
		FROM connector_state WHERE connector = ?`, connector,
	).Scan(&lastRun, &lastSuccess, &st.ConsecutiveFailures, &next, &st.LastError)
	if errors.Is(err, sql.ErrNoRows) {
		return RunState{}, false, nil
	}
	if err != nil {
		return RunState{}, false, errors.Wrapf(err, "load state for %s", connector)
	}
	st.LastRunAt = fromNanos(lastRun)
	st.LastSuccessAt = fromNanos(lastSuccess)
	st.NextEligibleAt = fromNanos(next)
	return st, true, nil
}

func (s *SQLStateStore) SaveState(ctx context.Context, st RunState) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO connector_state (connector, last_run_at_ns, last_success_at_ns, consecutive_failures,
			next_eligible_at_ns, last_error)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(connector) DO UPDATE SET
			last_run_at_ns = excluded.last_run_at_ns,
			last_success_at_ns = excluded.last_success_at_ns,
			consecutive_failures = excluded.consecutive_failures,
			next_eligible_at_ns = excluded.next_eligible_at_ns,
			last_error = excluded.last_error`,
		st.Connector, toNanos(st.LastRunAt), toNanos(st.LastSuccessAt), st.ConsecutiveFailures,
		toNanos(st.NextEligibleAt), st.LastError)
	if err != nil {
		return errors.Wrapf(err, "save state for %s", st.Connector)
	}
	return nil
}

func (s *SQLStateStore) CreateRun(ctx context.Context, r Run) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO connector_runs (id, connector, trigger, full_scan, status, since_ns, started_at_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Connector, string(r.Trigger), r.Full, r.Status, toNanos(r.Since), toNanos(r.StartedAt))
	if err != nil {
		return errors.Wrapf(err, "create run %s", r.ID)
	}
	return nil
}

func (s *SQLStateStore) FinishRun(ctx context.Context, r Run) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE connector_runs
		SET status = ?, finished_at_ns = ?, items = ?, admitted = ?, duplicates = ?, skipped = ?, error = ?
		WHERE id = ?`,
		r.Status, toNanos(r.FinishedAt), r.Items, r.Admitted, r.Duplicates, r.Skipped, r.Error, r.ID)
	if err != nil {
		return errors.Wrapf(err, "finish run %s", r.ID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to check rows affected")
	}
	if n == 0 {
		return errors.NewNotFoundError("run %s", r.ID)
	}
	return nil
}

func (s *SQLStateStore) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, connector, trigger, full_scan, status, since_ns, started_at_ns, finished_at_ns,
			items, admitted, duplicates, skipped, error
		FROM connector_runs
		ORDER BY started_at_ns DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, errors.Wrap(err, "list runs")
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		var r Run
		var trigger string
		var since, started, finished int64
		if err := rows.Scan(&r.ID, &r.Connector, &trigger, &r.Full, &r.Status, &since, &started, &finished,
			&r.Items, &r.Admitted, &r.Duplicates, &r.Skipped, &r.Error); err != nil {
			return nil, errors.Wrap(err, "scan run")
		}
		r.Trigger = Trigger(trigger)
		r.Since = fromNanos(since)
		r.StartedAt = fromNanos(started)
		r.FinishedAt = fromNanos(finished)
		out = append(out, r)
	}
	return out, errors.Wrap(rows.Err(), "iterate runs")
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(ns int64) time.Time {
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns).UTC()
}
