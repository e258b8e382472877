// Package server is the HTTP gateway: the authenticated integrations API over
// the event store, manual scheduler and export triggers, and a websocket
// stream of admitted findings.
package server

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/teranos/leakhunter/am"
	"github.com/teranos/leakhunter/dedup"
	"github.com/teranos/leakhunter/eventstore"
	"github.com/teranos/leakhunter/export"
	"github.com/teranos/leakhunter/finding"
	"github.com/teranos/leakhunter/internal/util"
	"github.com/teranos/leakhunter/logger"
	"github.com/teranos/leakhunter/scheduler"
	"github.com/teranos/leakhunter/webhook"
)

// ShutdownTimeout bounds graceful shutdown
const ShutdownTimeout = 10 * time.Second

// Submitter admits pushed findings
type Submitter interface {
	Submit(ctx context.Context, f finding.Finding) (dedup.Outcome, finding.Finding, error)
}

// Scheduler is the orchestrator surface the API drives
type Scheduler interface {
	Trigger(ctx context.Context, name string, opts scheduler.TriggerOptions) (scheduler.TriggerResult, error)
	TriggerAll(ctx context.Context, opts scheduler.TriggerOptions) ([]scheduler.TriggerResult, error)
	States() []scheduler.RunState
	Runs(ctx context.Context, limit int) ([]scheduler.Run, error)
}

// Exporter is one SIEM export destination
type Exporter interface {
	Mode() string
	RunSince(ctx context.Context, since time.Time) (export.Result, error)
	RunIncremental(ctx context.Context) (export.Result, error)
	Cursor(ctx context.Context) (export.Cursor, error)
}

// Webhooks manages outbound webhooks
type Webhooks interface {
	Register(ctx context.Context, r webhook.Registration) (webhook.Webhook, error)
	List(ctx context.Context) ([]webhook.Webhook, error)
	Delete(ctx context.Context, id string) error
	Deliveries(ctx context.Context, id string, limit int) ([]webhook.Delivery, error)
	DeliverFinding(ctx context.Context, f finding.Finding) ([]webhook.Delivery, error)
}

// Calendar manages wall-clock scan schedules
type Calendar interface {
	Create(ctx context.Context, s scheduler.Schedule) (scheduler.Schedule, error)
	Update(ctx context.Context, id string, s scheduler.Schedule) (scheduler.Schedule, error)
	Delete(ctx context.Context, id string) error
	List() []scheduler.Schedule
	Reload(ctx context.Context) (int, error)
}

var (
	_ Scheduler = (*scheduler.Orchestrator)(nil)
	_ Exporter  = (*export.Exporter)(nil)
	_ Webhooks  = (*webhook.Service)(nil)
	_ Calendar  = (*scheduler.Calendar)(nil)
)

// Deps are the components the gateway serves. Scheduler, Calendar, Webhooks
// and Exporters may be nil; their endpoints then answer 503.
type Deps struct {
	Events     eventstore.Store
	Submitter  Submitter
	Scheduler  Scheduler
	Calendar   Calendar
	Webhooks   Webhooks
	Exporters  map[string]Exporter
	ExportMode string // default destination for /export/run
	Clock      util.Clock
}

// Server owns the router, the websocket hub and the listener
type Server struct {
	cfg   am.ServerConfig
	deps  Deps
	keys  [][]byte
	clock util.Clock
	log   *zap.SugaredLogger

	hub      *Hub
	upgrader websocket.Upgrader
	router   chi.Router

	mu   sync.Mutex
	http *http.Server
}

// New builds the gateway. The hub starts immediately so it can be wired as
// an observer before the listener is up.
func New(cfg am.ServerConfig, deps Deps, log *zap.SugaredLogger) *Server {
	s := &Server{
		cfg:   cfg,
		deps:  deps,
		clock: deps.Clock.OrSystem(),
		log:   logger.Or(log).Named("server"),
	}
	for _, k := range cfg.APIKeys {
		if k = strings.TrimSpace(k); k != "" {
			s.keys = append(s.keys, []byte(k))
		}
	}
	if len(s.keys) == 0 && !cfg.RequireAuth {
		s.log.Warnw("No API keys configured and require_auth is off; integrations API is unauthenticated")
	}
	s.hub = NewHub(s.log)
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	s.router = s.routes()
	return s
}

// Hub returns the websocket hub, to be registered as pipeline observer and
// scheduler broadcaster
func (s *Server) Hub() *Hub { return s.hub }

// Handler returns the router
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	timeout := s.cfg.RequestTimeout()
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	r.Get("/healthz", s.handleHealthz)
	r.Get("/health", s.handleHealthz)

	r.Group(func(r chi.Router) {
		r.Use(s.requireAPIKey)

		r.Route("/integrations", func(r chi.Router) {
			// long-lived; kept outside the request timeout
			r.Get("/events/stream", s.handleStream)

			r.Group(func(r chi.Router) {
				r.Use(middleware.Timeout(timeout))
				r.Get("/events", s.handleListEvents)
				r.Post("/events", s.handleSubmitEvent)
				r.Get("/events/{id}", s.handleGetEvent)
				r.Get("/health", s.handleStoreHealth)

				r.Post("/webhooks", s.handleRegisterWebhook)
				r.Get("/webhooks", s.handleListWebhooks)
				r.Delete("/webhooks/{id}", s.handleDeleteWebhook)
				r.Get("/webhooks/{id}/deliveries", s.handleWebhookDeliveries)
				r.Post("/webhooks/deliver/{id}", s.handleDeliverFinding)
			})
		})

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(timeout))

			r.Post("/trigger/{connector}", s.handleTrigger)
			r.Post("/schedule/run-now", s.handleRunNow)
			r.Get("/schedule", s.handleSchedule)
			r.Post("/schedule", s.handleCreateSchedule)
			r.Post("/schedule/reload", s.handleReloadSchedules)
			r.Put("/schedule/{id}", s.handleUpdateSchedule)
			r.Delete("/schedule/{id}", s.handleDeleteSchedule)

			r.Post("/export/run", s.handleExportSince)
			r.Post("/exports/run", s.handleExportIncremental)
			r.Get("/exports/cursor", s.handleExportCursor)
		})
	})
	return r
}

// requestLogger tags the context with the request id and logs each request
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx := logger.WithRequestID(r.Context(), middleware.GetReqID(r.Context()))
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r.WithContext(ctx))
		logger.FromContext(ctx, s.log).Debugw("HTTP request",
			"method", r.Method,
			logger.FieldPath, r.URL.Path,
			logger.FieldStatus, ww.Status(),
			logger.FieldDurationMS, time.Since(start).Milliseconds())
	})
}

// checkOrigin allows clients without an Origin header and origins matching
// a configured prefix
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == "*" || strings.HasPrefix(origin, allowed) {
			return true
		}
	}
	s.log.Warnw("WebSocket origin rejected", "origin", origin)
	return false
}

// ListenAndServe serves on the configured port until Shutdown
func (s *Server) ListenAndServe() error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.cfg.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	s.mu.Lock()
	s.http = srv
	s.mu.Unlock()

	s.log.Infow("API listening", logger.FieldAddress, srv.Addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown stops accepting requests, waits for in-flight ones and closes
// websocket clients
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.http
	s.mu.Unlock()

	var err error
	if srv != nil {
		err = srv.Shutdown(ctx)
	}
	s.hub.Stop()
	s.log.Infow("API stopped")
	return err
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeOK(w, http.StatusOK, nil)
}
