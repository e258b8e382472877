package scheduler

import (
	"context"
	"database/sql"
	"sort"
	"sync"

	"github.com/teranos/leakhunter/errors"
)

// ScheduleStore persists calendar schedules
type ScheduleStore interface {
	CreateSchedule(ctx context.Context, s Schedule) error
	UpdateSchedule(ctx context.Context, s Schedule) error
	DeleteSchedule(ctx context.Context, id string) error
	// ListSchedules returns schedules oldest first
	ListSchedules(ctx context.Context) ([]Schedule, error)
}

// MemoryScheduleStore keeps schedules for the life of the process
type MemoryScheduleStore struct {
	mu        sync.Mutex
	schedules map[string]Schedule
}

// NewMemoryScheduleStore returns an empty store
func NewMemoryScheduleStore() *MemoryScheduleStore {
	return &MemoryScheduleStore{schedules: make(map[string]Schedule)}
}

func (m *MemoryScheduleStore) CreateSchedule(_ context.Context, s Schedule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.schedules[s.ID]; ok {
		return errors.Mark(errors.Newf("schedule %s already exists", s.ID), errors.ErrConflict)
	}
	m.schedules[s.ID] = s
	return nil
}

func (m *MemoryScheduleStore) UpdateSchedule(_ context.Context, s Schedule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.schedules[s.ID]; !ok {
		return errors.NewNotFoundError("schedule %s not found", s.ID)
	}
	m.schedules[s.ID] = s
	return nil
}

func (m *MemoryScheduleStore) DeleteSchedule(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.schedules[id]; !ok {
		return errors.NewNotFoundError("schedule %s not found", id)
	}
	delete(m.schedules, id)
	return nil
}

func (m *MemoryScheduleStore) ListSchedules(context.Context) ([]Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Schedule, 0, len(m.schedules))
	for _, s := range m.schedules {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// SQLScheduleStore keeps schedules in the schedules table
type SQLScheduleStore struct {
	db *sql.DB
}

// NewSQLScheduleStore returns a store over a migrated database
func NewSQLScheduleStore(conn *sql.DB) *SQLScheduleStore {
	return &SQLScheduleStore{db: conn}
}

const scheduleColumns = `id, connector, frequency, time_of_day, timezone, day_of_week, day_of_month,
	enabled, next_run_at_ns, last_run_at_ns, created_at_ns`

func (s *SQLScheduleStore) CreateSchedule(ctx context.Context, sc Schedule) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO schedules (`+scheduleColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sc.ID, sc.Connector, sc.Frequency, sc.Time, sc.Timezone, sc.DayOfWeek, sc.DayOfMonth,
		sc.Enabled, toNanos(sc.NextRunAt), toNanos(sc.LastRunAt), toNanos(sc.CreatedAt))
	if err != nil {
		return errors.Wrapf(err, "create schedule %s", sc.ID)
	}
	return nil
}

func (s *SQLScheduleStore) UpdateSchedule(ctx context.Context, sc Schedule) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE schedules
		SET connector = ?, frequency = ?, time_of_day = ?, timezone = ?, day_of_week = ?, day_of_month = ?,
			enabled = ?, next_run_at_ns = ?, last_run_at_ns = ?
		WHERE id = ?`,
		sc.Connector, sc.Frequency, sc.Time, sc.Timezone, sc.DayOfWeek, sc.DayOfMonth,
		sc.Enabled, toNanos(sc.NextRunAt), toNanos(sc.LastRunAt), sc.ID)
	if err != nil {
		return errors.Wrapf(err, "update schedule %s", sc.ID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to check rows affected")
	}
	if n == 0 {
		return errors.NewNotFoundError("schedule %s not found", sc.ID)
	}
	return nil
}

func (s *SQLScheduleStore) DeleteSchedule(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM schedules WHERE id = ?`, id)
	if err != nil {
		return errors.Wrapf(err, "delete schedule %s", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to check rows affected")
	}
	if n == 0 {
		return errors.NewNotFoundError("schedule %s not found", id)
	}
	return nil
}

func (s *SQLScheduleStore) ListSchedules(ctx context.Context) ([]Schedule, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+scheduleColumns+` FROM schedules ORDER BY created_at_ns`)
	if err != nil {
		return nil, errors.Wrap(err, "list schedules")
	}
	defer rows.Close()

	var out []Schedule
	for rows.Next() {
		var sc Schedule
		var next, last, created int64
		if err := rows.Scan(&sc.ID, &sc.Connector, &sc.Frequency, &sc.Time, &sc.Timezone, &sc.DayOfWeek,
			&sc.DayOfMonth, &sc.Enabled, &next, &last, &created); err != nil {
			return nil, errors.Wrap(err, "scan schedule")
		}
		sc.NextRunAt = fromNanos(next)
		sc.LastRunAt = fromNanos(last)
		sc.CreatedAt = fromNanos(created)
		out = append(out, sc)
	}
	return out, errors.Wrap(rows.Err(), "iterate schedules")
}
