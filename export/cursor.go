package export

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/teranos/leakhunter/errors"
)

// Cursor is the incremental export position for one mode
type Cursor struct {
	Mode      string    `json:"mode"`
	Position  string    `json:"position"` // event store cursor; empty = from the beginning
	Exported  int64     `json:"exported"`
	UpdatedAt time.Time `json:"updated_at,omitzero"`
}

// CursorStore persists Cursors
type CursorStore interface {
	// Load returns the zero Cursor for a mode that never exported
	Load(ctx context.Context, mode string) (Cursor, error)
	Save(ctx context.Context, c Cursor) error
}

// MemoryCursorStore keeps cursors for the life of the process
type MemoryCursorStore struct {
	mu      sync.Mutex
	cursors map[string]Cursor
}

func NewMemoryCursorStore() *MemoryCursorStore {
	return &MemoryCursorStore{cursors: make(map[string]Cursor)}
}

func (m *MemoryCursorStore) Load(_ context.Context, mode string) (Cursor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.cursors[mode]
	if !ok {
		return Cursor{Mode: mode}, nil
	}
	return c, nil
}

func (m *MemoryCursorStore) Save(_ context.Context, c Cursor) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cursors[c.Mode] = c
	return nil
}

// SQLCursorStore keeps cursors in the export_cursors table
type SQLCursorStore struct {
	db *sql.DB
}

func NewSQLCursorStore(db *sql.DB) *SQLCursorStore {
	return &SQLCursorStore{db: db}
}

func (s *SQLCursorStore) Load(ctx context.Context, mode string) (Cursor, error) {
	c := Cursor{Mode: mode}
	var updated int64
	err := s.db.QueryRowContext(ctx,
		`SELECT cursor, exported, updated_at_ns FROM export_cursors WHERE mode = ?`, mode,
	).Scan(&c.Position, &c.Exported, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return c, nil
	}
	if err != nil {
		return c, errors.Wrapf(err, "load export cursor for %s", mode)
	}
	c.UpdatedAt = time.Unix(0, updated).UTC()
	return c, nil
}

func (s *SQLCursorStore) Save(ctx context.Context, c Cursor) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO export_cursors (mode, cursor, exported, updated_at_ns)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(mode) DO UPDATE SET
			cursor = excluded.cursor,
			exported = excluded.exported,
			updated_at_ns = excluded.updated_at_ns`,
		c.Mode, c.Position, c.Exported, c.UpdatedAt.UnixNano())
	if err != nil {
		return errors.Wrapf(err, "save export cursor for %s", c.Mode)
	}
	return nil
}
