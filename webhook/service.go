package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/teranos/leakhunter/dispatch"
	"github.com/teranos/leakhunter/errors"
	"github.com/teranos/leakhunter/finding"
	"github.com/teranos/leakhunter/internal/httpclient"
	"github.com/teranos/leakhunter/internal/util"
	"github.com/teranos/leakhunter/logger"
	"github.com/teranos/leakhunter/rules"
)

const (
	maxResponse = 500
	maxError    = 300
)

// Registrar is the dispatcher surface webhooks attach to
type Registrar interface {
	AddSink(s dispatch.TicketSink, sc dispatch.SinkConfig)
	RemoveSink(name string) bool
}

// Config tunes delivery
type Config struct {
	RatePerMinute int           // per webhook; zero = unlimited
	Timeout       time.Duration // per manual delivery; dispatcher calls use its own
	Clock         util.Clock
}

// Registration is the body of a create request
type Registration struct {
	URL     string  `json:"url"`
	Secret  string  `json:"secret,omitempty"`
	Filters Filters `json:"filters"`
}

// Service manages webhooks and delivers findings to them
type Service struct {
	store  Store
	disp   Registrar
	client httpclient.Doer
	cfg    Config
	clock  util.Clock
	log    *zap.SugaredLogger
}

// NewService returns a service. disp may be nil, in which case only manual
// delivery is available.
func NewService(store Store, disp Registrar, client httpclient.Doer, cfg Config, log *zap.SugaredLogger) *Service {
	if store == nil {
		store = NewMemoryStore()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Service{
		store:  store,
		disp:   disp,
		client: client,
		cfg:    cfg,
		clock:  cfg.Clock.OrSystem(),
		log:    logger.Or(log).Named("webhook"),
	}
}

// Register validates r, stores the webhook and attaches it to the dispatcher
func (s *Service) Register(ctx context.Context, r Registration) (Webhook, error) {
	w, err := r.webhook()
	if err != nil {
		return Webhook{}, err
	}
	w.ID = uuid.NewString()
	w.CreatedAt = s.clock()
	if err := s.store.Create(ctx, w); err != nil {
		return Webhook{}, err
	}
	s.attach(w)
	s.log.Infow("Webhook registered",
		logger.FieldWebhookID, w.ID,
		"url", redactURL(w.URL),
		"signed", w.Signed())
	return w, nil
}

func (r Registration) webhook() (Webhook, error) {
	raw := strings.TrimSpace(r.URL)
	u, err := url.Parse(raw)
	if err != nil || !u.IsAbs() || u.Host == "" {
		return Webhook{}, errors.NewInvalidRequestError("url %q must be an absolute http(s) URL", r.URL)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return Webhook{}, errors.NewInvalidRequestError("url scheme %q is not http or https", u.Scheme)
	}
	fl := Filters{Platform: strings.ToLower(strings.TrimSpace(r.Filters.Platform))}
	if sev := strings.TrimSpace(r.Filters.Severity); sev != "" {
		parsed, err := rules.ParseSeverity(sev)
		if err != nil {
			return Webhook{}, errors.Mark(errors.Wrap(err, "filters.severity"), errors.ErrInvalidRequest)
		}
		fl.Severity = parsed.String()
	}
	for _, l := range r.Filters.Labels {
		if l = strings.TrimSpace(l); l != "" {
			fl.Labels = append(fl.Labels, l)
		}
	}
	return Webhook{URL: raw, Secret: strings.TrimSpace(r.Secret), Filters: fl, Enabled: true}, nil
}

// List returns every webhook, newest first
func (s *Service) List(ctx context.Context) ([]Webhook, error) {
	return s.store.List(ctx)
}

// Delete removes the webhook and detaches its sink. Pending dispatch records
// for it stay in the store and are ignored by Resume.
func (s *Service) Delete(ctx context.Context, id string) error {
	if err := s.store.Delete(ctx, id); err != nil {
		return err
	}
	if s.disp != nil {
		s.disp.RemoveSink(SinkPrefix + id)
	}
	s.log.Infow("Webhook deleted", logger.FieldWebhookID, id)
	return nil
}

// Deliveries returns recent deliveries for webhook id
func (s *Service) Deliveries(ctx context.Context, id string, limit int) ([]Delivery, error) {
	if _, err := s.store.Get(ctx, id); err != nil {
		return nil, err
	}
	return s.store.ListDeliveries(ctx, id, limit)
}

// Load attaches every enabled stored webhook to the dispatcher. Call before
// resuming dispatch so pending deliveries find their sink.
func (s *Service) Load(ctx context.Context) (int, error) {
	hooks, err := s.store.List(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "load webhooks")
	}
	n := 0
	for _, w := range hooks {
		if w.Enabled {
			s.attach(w)
			n++
		}
	}
	return n, nil
}

func (s *Service) attach(w Webhook) {
	if s.disp == nil || !w.Enabled {
		return
	}
	s.disp.AddSink(&sink{hook: w, svc: s}, dispatch.SinkConfig{
		RatePerMinute: s.cfg.RatePerMinute,
		Match:         w.Filters.Match,
	})
}

// DeliverFinding posts f to every enabled webhook whose filters match,
// regardless of earlier deliveries. It fails only when the webhooks cannot
// be listed; per-webhook outcomes are in the returned deliveries.
func (s *Service) DeliverFinding(ctx context.Context, f finding.Finding) ([]Delivery, error) {
	hooks, err := s.store.List(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "list webhooks")
	}
	out := []Delivery{}
	for _, w := range hooks {
		if !w.Enabled || !w.Filters.Match(f) {
			continue
		}
		callCtx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
		d, _ := s.deliver(callCtx, w, f)
		cancel()
		out = append(out, d)
	}
	return out, nil
}

// deliver posts f to w and records the attempt
func (s *Service) deliver(ctx context.Context, w Webhook, f finding.Finding) (Delivery, error) {
	d := Delivery{
		ID:        uuid.NewString(),
		WebhookID: w.ID,
		FindingID: f.ID,
		URL:       w.URL,
		CreatedAt: s.clock(),
	}
	body, err := json.Marshal(finding.ToECS(f))
	if err != nil {
		return d, errors.Wrap(err, "encode finding")
	}
	header := http.Header{}
	header.Set(HeaderEvent, "finding")
	header.Set(HeaderFingerprint, f.ID)
	if w.Signed() {
		header.Set(HeaderSignature, Sign(w.Secret, body))
	}

	d.HTTPStatus, err = httpclient.DoJSON(ctx, s.client, httpclient.Request{
		Method:  http.MethodPost,
		URL:     w.URL,
		Header:  header,
		RawBody: bytes.NewReader(body),
	}, nil)
	var se *httpclient.StatusError
	switch {
	case err == nil:
		d.Status = DeliverySent
	case errors.As(err, &se):
		d.Status = DeliveryFailed
		d.Response = clip(se.Body, maxResponse)
	default:
		d.Status = DeliveryError
		d.Error = clip(err.Error(), maxError)
	}

	// the attempt happened even if the caller has gone away
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	log := logger.FromContext(ctx, s.log).With(
		logger.FieldWebhookID, w.ID,
		logger.FieldFindingID, f.ID)
	if rerr := s.store.AddDelivery(saveCtx, d); rerr != nil {
		log.Warnw("Failed to record webhook delivery", logger.FieldError, rerr)
	}
	if err != nil {
		log.Warnw("Webhook delivery failed", logger.FieldStatus, d.HTTPStatus, logger.FieldError, err)
		return d, err
	}
	log.Debugw("Webhook delivered", logger.FieldStatus, d.HTTPStatus)
	return d, nil
}

// sink adapts one webhook to dispatch.TicketSink
type sink struct {
	hook Webhook
	svc  *Service
}

func (k *sink) Name() string { return k.hook.SinkName() }

func (k *sink) Create(ctx context.Context, f finding.Finding) (dispatch.TicketRef, error) {
	d, err := k.svc.deliver(ctx, k.hook, f)
	if err != nil {
		if httpclient.IsTransient(err) {
			return dispatch.TicketRef{}, dispatch.Transient(k.Name(), err)
		}
		return dispatch.TicketRef{}, dispatch.Permanent(k.Name(), err)
	}
	return dispatch.TicketRef{Sink: k.Name(), ID: d.ID}, nil
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// redactURL drops the query and userinfo, which often carry tokens
func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "<invalid>"
	}
	u.User = nil
	u.RawQuery = ""
	return u.String()
}
