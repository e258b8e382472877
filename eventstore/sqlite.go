package eventstore

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/teranos/leakhunter/db"
	"github.com/teranos/leakhunter/errors"
	"github.com/teranos/leakhunter/finding"
	"github.com/teranos/leakhunter/internal/util"
	"github.com/teranos/leakhunter/rules"
)

const findingColumns = `seq, id, platform, container_id, container_name, container_type, item_id, rule, severity,
	snippet, url, author_id, author_name, found_at_ns, observed_at_ns`

// SQLStore keeps findings in the SQLite findings table
type SQLStore struct {
	db *sql.DB
}

// NewSQLStore returns a store over a migrated database
func NewSQLStore(conn *sql.DB) *SQLStore {
	return &SQLStore{db: conn}
}

// Append inserts f. The clamp and the seq assignment happen in one statement,
// so SQLite's write lock orders them together.
func (s *SQLStore) Append(ctx context.Context, f finding.Finding) (finding.Finding, error) {
	var observed int64
	if !f.ObservedAt.IsZero() {
		observed = f.ObservedAt.UnixNano()
	}

	var ns int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO findings (id, platform, container_id, container_name, container_type, item_id, rule,
			severity, snippet, url, author_id, author_name, found_at_ns, observed_at_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?,
			MAX(?, COALESCE((SELECT MAX(found_at_ns) FROM findings), 0)), ?)
		RETURNING found_at_ns`,
		f.ID, f.Platform, f.Container.ID, f.Container.Name, f.Container.Type, f.ItemID, f.Rule, f.Severity.String(),
		f.Snippet, f.URL, f.Author.ID, f.Author.Name, f.FoundAt.UnixNano(), observed,
	).Scan(&ns)
	if err != nil {
		if db.IsUniqueViolation(err) {
			return finding.Finding{}, errors.Mark(errors.Wrapf(err, "finding %s already stored", f.ID), errors.ErrConflict)
		}
		return finding.Finding{}, errors.Wrapf(err, "append finding %s", f.ID)
	}
	f.FoundAt = time.Unix(0, ns).UTC()
	return f, nil
}

func (s *SQLStore) List(ctx context.Context, q Query) (Page, error) {
	n, err := normalize(q)
	if err != nil {
		return Page{}, err
	}

	var where []string
	var args []any
	if !n.Since.IsZero() {
		where = append(where, "found_at_ns >= ?")
		args = append(args, n.Since.UnixNano())
	}
	if n.from != nil {
		where = append(where, "(found_at_ns > ? OR (found_at_ns = ? AND seq > ?))")
		args = append(args, n.from.ns, n.from.ns, n.from.seq)
	}
	if n.Platform != "" {
		where = append(where, "platform = ?")
		args = append(args, n.Platform)
	}
	if n.severity != "" {
		where = append(where, "severity = ?")
		args = append(args, n.severity)
	}
	if n.Rule != "" {
		where = append(where, "rule = ?")
		args = append(args, n.Rule)
	}

	query := "SELECT " + findingColumns + " FROM findings"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY found_at_ns, seq LIMIT ?"
	args = append(args, n.Limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return Page{}, errors.Wrap(err, "list findings")
	}
	defer rows.Close()

	page := Page{Findings: []finding.Finding{}}
	var last *position
	for rows.Next() {
		f, pos, err := scanFinding(rows)
		if err != nil {
			return Page{}, err
		}
		page.Findings = append(page.Findings, f)
		last = &pos
	}
	if err := rows.Err(); err != nil {
		return Page{}, errors.Wrap(err, "iterate findings")
	}
	page.NextCursor = n.nextCursor(last)
	return page, nil
}

func (s *SQLStore) Get(ctx context.Context, id string) (finding.Finding, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+findingColumns+" FROM findings WHERE id = ?", id)
	f, _, err := scanFinding(row)
	if errors.Is(err, sql.ErrNoRows) {
		return finding.Finding{}, errors.NewNotFoundError("finding %s", id)
	}
	return f, err
}

func (s *SQLStore) Health(ctx context.Context) (Health, error) {
	var h Health
	var oldest, newest sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*), MIN(found_at_ns), MAX(found_at_ns) FROM findings",
	).Scan(&h.Count, &oldest, &newest)
	if err != nil {
		return Health{}, errors.Wrap(err, "event store health")
	}
	if oldest.Valid {
		h.Oldest = util.Ptr(time.Unix(0, oldest.Int64).UTC())
	}
	if newest.Valid {
		h.Newest = util.Ptr(time.Unix(0, newest.Int64).UTC())
	}
	return h, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanFinding(sc scanner) (finding.Finding, position, error) {
	var (
		f          finding.Finding
		pos        position
		severity   string
		observedNs int64
	)
	err := sc.Scan(&pos.seq, &f.ID, &f.Platform, &f.Container.ID, &f.Container.Name, &f.Container.Type, &f.ItemID,
		&f.Rule, &severity, &f.Snippet, &f.URL, &f.Author.ID, &f.Author.Name, &pos.ns, &observedNs)
	if errors.Is(err, sql.ErrNoRows) {
		return f, pos, err
	}
	if err != nil {
		return f, pos, errors.Wrap(err, "scan finding")
	}
	sev, err := rules.ParseSeverity(severity)
	if err != nil {
		return f, pos, errors.Wrapf(err, "finding %s", f.ID)
	}
	f.Severity = sev
	f.FoundAt = time.Unix(0, pos.ns).UTC()
	if observedNs != 0 {
		f.ObservedAt = time.Unix(0, observedNs).UTC()
	}
	return f, pos, nil
}
