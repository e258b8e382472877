package webhook

import (
	"context"
	"database/sql"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/teranos/leakhunter/errors"
)

// MemoryStore keeps webhooks for the life of the process
type MemoryStore struct {
	mu         sync.RWMutex
	hooks      map[string]Webhook
	deliveries []Delivery
}

// NewMemoryStore returns an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{hooks: make(map[string]Webhook)}
}

func (m *MemoryStore) Create(_ context.Context, w Webhook) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.hooks[w.ID]; ok {
		return errors.Mark(errors.Newf("webhook %s already exists", w.ID), errors.ErrConflict)
	}
	m.hooks[w.ID] = w
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (Webhook, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, ok := m.hooks[id]
	if !ok {
		return Webhook{}, errors.NewNotFoundError("webhook %s not found", id)
	}
	return w, nil
}

func (m *MemoryStore) List(context.Context) ([]Webhook, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Webhook, 0, len(m.hooks))
	for _, w := range m.hooks {
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.hooks[id]; !ok {
		return errors.NewNotFoundError("webhook %s not found", id)
	}
	delete(m.hooks, id)
	return nil
}

func (m *MemoryStore) AddDelivery(_ context.Context, d Delivery) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deliveries = append(m.deliveries, d)
	return nil
}

func (m *MemoryStore) ListDeliveries(_ context.Context, webhookID string, limit int) ([]Delivery, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Delivery
	for i := len(m.deliveries) - 1; i >= 0; i-- {
		if d := m.deliveries[i]; d.WebhookID == webhookID {
			out = append(out, d)
			if limit > 0 && len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

// SQLStore keeps webhooks in the webhooks and webhook_deliveries tables
type SQLStore struct {
	db *sql.DB
}

// NewSQLStore returns a store over a migrated database
func NewSQLStore(conn *sql.DB) *SQLStore {
	return &SQLStore{db: conn}
}

const webhookColumns = `id, url, secret, filter_platform, filter_severity, filter_labels, enabled, created_at_ns`

func (s *SQLStore) Create(ctx context.Context, w Webhook) error {
	labels, err := json.Marshal(w.Filters.Labels)
	if err != nil {
		return errors.Wrap(err, "encode webhook labels")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO webhooks (`+webhookColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		w.ID, w.URL, w.Secret, w.Filters.Platform, w.Filters.Severity, string(labels), w.Enabled, w.CreatedAt.UnixNano())
	if err != nil {
		return errors.Wrapf(err, "create webhook %s", w.ID)
	}
	return nil
}

func (s *SQLStore) Get(ctx context.Context, id string) (Webhook, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+webhookColumns+` FROM webhooks WHERE id = ?`, id)
	w, err := scanWebhook(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Webhook{}, errors.NewNotFoundError("webhook %s not found", id)
	}
	if err != nil {
		return Webhook{}, errors.Wrapf(err, "get webhook %s", id)
	}
	return w, nil
}

func (s *SQLStore) List(ctx context.Context) ([]Webhook, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+webhookColumns+` FROM webhooks ORDER BY created_at_ns DESC`)
	if err != nil {
		return nil, errors.Wrap(err, "list webhooks")
	}
	defer rows.Close()

	var out []Webhook
	for rows.Next() {
		w, err := scanWebhook(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan webhook")
		}
		out = append(out, w)
	}
	return out, errors.Wrap(rows.Err(), "iterate webhooks")
}

func (s *SQLStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM webhooks WHERE id = ?`, id)
	if err != nil {
		return errors.Wrapf(err, "delete webhook %s", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "rows affected")
	}
	if n == 0 {
		return errors.NewNotFoundError("webhook %s not found", id)
	}
	return nil
}

const deliveryColumns = `id, webhook_id, finding_id, url, status, http_status, response, error, created_at_ns`

func (s *SQLStore) AddDelivery(ctx context.Context, d Delivery) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO webhook_deliveries (`+deliveryColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.WebhookID, d.FindingID, d.URL, d.Status, d.HTTPStatus, d.Response, d.Error, d.CreatedAt.UnixNano())
	if err != nil {
		return errors.Wrapf(err, "record delivery to webhook %s", d.WebhookID)
	}
	return nil
}

func (s *SQLStore) ListDeliveries(ctx context.Context, webhookID string, limit int) ([]Delivery, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+deliveryColumns+` FROM webhook_deliveries WHERE webhook_id = ?
		 ORDER BY created_at_ns DESC, rowid DESC LIMIT ?`,
		webhookID, limit)
	if err != nil {
		return nil, errors.Wrapf(err, "list deliveries for webhook %s", webhookID)
	}
	defer rows.Close()

	var out []Delivery
	for rows.Next() {
		var d Delivery
		var created int64
		if err := rows.Scan(&d.ID, &d.WebhookID, &d.FindingID, &d.URL, &d.Status,
			&d.HTTPStatus, &d.Response, &d.Error, &created); err != nil {
			return nil, errors.Wrap(err, "scan delivery")
		}
		d.CreatedAt = time.Unix(0, created).UTC()
		out = append(out, d)
	}
	return out, errors.Wrap(rows.Err(), "iterate deliveries")
}

type scanner interface {
	Scan(dest ...any) error
}

func scanWebhook(sc scanner) (Webhook, error) {
	var w Webhook
	var labels string
	var created int64
	if err := sc.Scan(&w.ID, &w.URL, &w.Secret, &w.Filters.Platform, &w.Filters.Severity,
		&labels, &w.Enabled, &created); err != nil {
		return Webhook{}, err
	}
	if labels != "" && labels != "null" {
		if err := json.Unmarshal([]byte(labels), &w.Filters.Labels); err != nil {
			return Webhook{}, errors.Wrapf(err, "decode labels of webhook %s", w.ID)
		}
	}
	w.CreatedAt = time.Unix(0, created).UTC()
	return w, nil
}
