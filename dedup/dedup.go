// Package dedup admits each finding identity at most once.
package dedup

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/teranos/leakhunter/errors"
	"github.com/teranos/leakhunter/internal/util"
)

// Outcome of an admission attempt
type Outcome int

const (
	Admitted Outcome = iota + 1
	Duplicate
)

func (o Outcome) String() string {
	switch o {
	case Admitted:
		return "admitted"
	case Duplicate:
		return "duplicate"
	}
	return "unknown"
}

// Store admits identities. Admit is atomic per identity: of any number of
// concurrent calls with the same id exactly one returns Admitted.
type Store interface {
	Admit(ctx context.Context, id string) (Outcome, error)
	// Release forgets an admitted id whose event could not be stored,
	// so a later re-fetch can admit it again.
	Release(ctx context.Context, id string) error
	Seen(ctx context.Context, id string) (bool, error)
}

// MemoryStore keeps identities in a sync.Map
type MemoryStore struct {
	ids sync.Map
}

// NewMemoryStore returns an empty in-memory store
func NewMemoryStore() *MemoryStore { return &MemoryStore{} }

func (m *MemoryStore) Admit(_ context.Context, id string) (Outcome, error) {
	if _, loaded := m.ids.LoadOrStore(id, struct{}{}); loaded {
		return Duplicate, nil
	}
	return Admitted, nil
}

func (m *MemoryStore) Release(_ context.Context, id string) error {
	m.ids.Delete(id)
	return nil
}

func (m *MemoryStore) Seen(_ context.Context, id string) (bool, error) {
	_, ok := m.ids.Load(id)
	return ok, nil
}

// SQLStore keeps identities in the finding_identities table
type SQLStore struct {
	db    *sql.DB
	clock util.Clock
}

// NewSQLStore returns a store over db (migrations must already be applied)
func NewSQLStore(db *sql.DB, clock util.Clock) *SQLStore {
	return &SQLStore{db: db, clock: clock.OrSystem()}
}

func (s *SQLStore) Admit(ctx context.Context, id string) (Outcome, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO finding_identities (id, admitted_at_ns) VALUES (?, ?) ON CONFLICT(id) DO NOTHING`,
		id, s.clock().UnixNano())
	if err != nil {
		return 0, errors.Wrapf(err, "admit %s", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "rows affected")
	}
	if n == 0 {
		return Duplicate, nil
	}
	return Admitted, nil
}

func (s *SQLStore) Release(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM finding_identities WHERE id = ?`, id); err != nil {
		return errors.Wrapf(err, "release %s", id)
	}
	return nil
}

func (s *SQLStore) Seen(ctx context.Context, id string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM finding_identities WHERE id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrapf(err, "lookup %s", id)
	}
	return true, nil
}

// AdmittedAt returns when id was admitted
func (s *SQLStore) AdmittedAt(ctx context.Context, id string) (time.Time, error) {
	var ns int64
	err := s.db.QueryRowContext(ctx, `SELECT admitted_at_ns FROM finding_identities WHERE id = ?`, id).Scan(&ns)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, errors.NewNotFoundError("identity %s", id)
	}
	if err != nil {
		return time.Time{}, errors.Wrapf(err, "lookup %s", id)
	}
	return time.Unix(0, ns).UTC(), nil
}
