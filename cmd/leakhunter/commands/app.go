package commands

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/teranos/leakhunter/am"
	"github.com/teranos/leakhunter/bus"
	"github.com/teranos/leakhunter/connector"
	"github.com/teranos/leakhunter/db"
	"github.com/teranos/leakhunter/dedup"
	"github.com/teranos/leakhunter/dispatch"
	"github.com/teranos/leakhunter/errors"
	"github.com/teranos/leakhunter/eventstore"
	"github.com/teranos/leakhunter/export"
	"github.com/teranos/leakhunter/finding"
	"github.com/teranos/leakhunter/internal/httpclient"
	"github.com/teranos/leakhunter/logger"
	"github.com/teranos/leakhunter/pipeline"
	"github.com/teranos/leakhunter/retry"
	"github.com/teranos/leakhunter/rules"
	"github.com/teranos/leakhunter/scheduler"
	"github.com/teranos/leakhunter/ticket"
	"github.com/teranos/leakhunter/version"
	"github.com/teranos/leakhunter/webhook"
)

var (
	// configPath is set by the persistent --config flag
	configPath string
	loaded     *am.Config
)

// loadConfig reads configuration once per process
func loadConfig() (*am.Config, error) {
	if loaded != nil {
		return loaded, nil
	}
	var err error
	if configPath != "" {
		loaded, err = am.LoadFromFile(configPath)
	} else {
		loaded, err = am.Load()
	}
	return loaded, err
}

// app is the wired pipeline shared by serve, scan and export
type app struct {
	cfg  *am.Config
	log  *zap.SugaredLogger
	db   *sql.DB
	http *httpclient.SaferClient

	engine     *rules.Engine
	events     eventstore.Store
	pipeline   *pipeline.Pipeline
	dispatcher *dispatch.Dispatcher
	orch       *scheduler.Orchestrator
	calendar   *scheduler.Calendar
	webhooks   *webhook.Service // nil when dispatch.webhooks.enabled is off
	exporters  map[string]*export.Exporter

	nats       *nats.Conn
	subscriber *bus.Subscriber

	closeOnce sync.Once
}

// openDatabase opens and migrates cfg.Database.Path. An empty path keeps
// everything in one in-memory connection.
func openDatabase(cfg *am.Config, log *zap.SugaredLogger) (*sql.DB, error) {
	if cfg.Database.Path == "" {
		conn, err := db.Open(":memory:", log)
		if err != nil {
			return nil, err
		}
		// every pooled connection to :memory: is a separate database
		conn.SetMaxOpenConns(1)
		if err := db.Migrate(conn, log); err != nil {
			conn.Close()
			return nil, errors.Wrap(err, "failed to run migrations")
		}
		return conn, nil
	}
	return db.OpenWithMigrations(cfg.Database.Path, log)
}

func loadRules(cfg am.RulesConfig, log *zap.SugaredLogger) (*rules.Engine, error) {
	rs, err := rules.Load(cfg.Path, cfg.UseDefaults)
	if err != nil {
		return nil, err
	}
	return rules.NewEngine(rs,
		rules.WithMaxContentBytes(cfg.MaxContentBytes),
		rules.WithLogger(log),
	), nil
}

func retryPolicy(c am.RetryConfig) retry.Policy {
	return retry.Policy{
		MaxAttempts: c.MaxAttempts,
		BaseDelay:   time.Duration(c.BaseMillis) * time.Millisecond,
		MaxDelay:    time.Duration(c.MaxMillis) * time.Millisecond,
		Jitter:      c.Jitter,
	}
}

// buildApp wires every component except the HTTP server and the NATS bus.
// Nothing is started; callers pick what runs.
func buildApp(ctx context.Context, cfg *am.Config, log *zap.SugaredLogger) (*app, error) {
	a := &app{cfg: cfg, log: log, exporters: make(map[string]*export.Exporter)}

	conn, err := openDatabase(cfg, log.Named("db"))
	if err != nil {
		return nil, errors.Wrap(err, "failed to open database")
	}
	a.db = conn

	a.engine, err = loadRules(cfg.Rules, log)
	if err != nil {
		a.Close()
		return nil, errors.Wrap(err, "failed to load rules")
	}

	a.http = httpclient.New(httpclient.Options{
		Timeout:              cfg.HTTP.Timeout(),
		AllowPrivateNetworks: cfg.HTTP.AllowPrivateNetworks,
		UserAgent:            version.Get().UserAgent(),
	})

	a.events = eventstore.NewSQLStore(conn)
	a.pipeline = pipeline.New(
		a.engine,
		finding.NewNormalizer(cfg.Dedup.IdentityMode, nil),
		dedup.NewSQLStore(conn, nil),
		a.events,
		log,
	)

	a.dispatcher = dispatch.New(dispatch.NewSQLRecordStore(conn), dispatch.Config{
		Retry:     retryPolicy(cfg.Dispatch.Retry),
		Timeout:   cfg.Dispatch.Timeout(),
		QueueSize: cfg.Dispatch.QueueSize,
	}, log)
	sinks, err := ticket.Build(cfg.Dispatch, a.http, log)
	if err != nil {
		a.Close()
		return nil, errors.Wrap(err, "failed to configure ticket sinks")
	}
	for _, s := range sinks {
		a.dispatcher.AddSink(s.Sink, s.Config)
	}
	a.pipeline.AddObserver(a.dispatcher)

	if cfg.Dispatch.Webhooks.Enabled {
		a.webhooks = webhook.NewService(webhook.NewSQLStore(conn), a.dispatcher, a.http, webhook.Config{
			RatePerMinute: cfg.Dispatch.Webhooks.RatePerMinute,
			Timeout:       cfg.Dispatch.Timeout(),
		}, log)
		if _, err := a.webhooks.Load(ctx); err != nil {
			a.Close()
			return nil, errors.Wrap(err, "failed to load webhooks")
		}
	}

	a.orch = scheduler.NewWithContext(ctx, a.pipeline, scheduler.NewSQLStateStore(conn), scheduler.Config{
		Tick:         cfg.Scheduler.TickInterval(),
		FetchTimeout: cfg.Scheduler.FetchTimeout(),
		Overlap:      cfg.Scheduler.Overlap(),
		Backoff: retry.Policy{
			BaseDelay: time.Duration(cfg.Scheduler.Backoff.BaseSeconds) * time.Second,
			MaxDelay:  time.Duration(cfg.Scheduler.Backoff.MaxSeconds) * time.Second,
			Jitter:    cfg.Scheduler.Backoff.Jitter,
		},
	}, log)
	for _, reg := range connector.Build(cfg.Connectors, a.http) {
		if err := a.orch.Register(ctx, reg.Connector, scheduler.Cadence{Interval: reg.Interval}); err != nil {
			a.Close()
			return nil, errors.Wrapf(err, "failed to register connector %s", reg.Connector.Name())
		}
	}
	a.calendar = scheduler.NewCalendar(a.orch, scheduler.NewSQLScheduleStore(conn), scheduler.CalendarConfig{
		Tick: cfg.Scheduler.TickInterval(),
	}, log)
	if _, err := a.calendar.Reload(ctx); err != nil {
		a.Close()
		return nil, errors.Wrap(err, "failed to load schedules")
	}

	cursors := export.NewSQLCursorStore(conn)
	for _, mode := range export.Modes(cfg.Export) {
		client, err := export.NewClient(mode, cfg.Export, a.http, nil, log)
		if err != nil {
			a.Close()
			return nil, errors.Wrapf(err, "failed to configure %s export", mode)
		}
		a.exporters[mode] = export.New(a.events, client, cursors, export.Config{
			PageSize: cfg.Export.PageSize,
			Retry:    retryPolicy(cfg.Dispatch.Retry),
		}, log)
	}
	return a, nil
}

// connectBus wires NATS fan-out and remote triggers when bus.nats_url is set
func (a *app) connectBus() error {
	if a.cfg.Bus.NATSURL == "" {
		return nil
	}
	conn, err := bus.Connect(a.cfg.Bus, a.log)
	if err != nil {
		return err
	}
	a.nats = conn

	pub := bus.NewPublisher(conn, a.cfg.Bus.SubjectPrefix, a.log)
	a.pipeline.AddObserver(pub)
	a.orch.AddBroadcaster(pub)

	a.subscriber = bus.NewSubscriber(conn, a.cfg.Bus.SubjectPrefix, a.orch, a.log)
	return a.subscriber.Start()
}

// checkAuth refuses to serve an API nobody can call
func checkAuth(cfg am.ServerConfig) error {
	if cfg.RequireAuth && len(cfg.APIKeys) == 0 {
		return errors.WithHint(
			errors.New("server.require_auth is on but no server.api_keys are configured"),
			"set server.api_keys (LEAKHUNTER_SERVER_API_KEYS), or server.require_auth=false to serve unauthenticated")
	}
	return nil
}

// resumeDispatch re-delivers tickets left Pending by a previous process
func (a *app) resumeDispatch(ctx context.Context) {
	n, err := a.dispatcher.Resume(ctx, a.events.Get, false)
	if err != nil {
		a.log.Warnw("Dispatch resume incomplete", logger.FieldCount, n, logger.FieldError, err)
		return
	}
	if n > 0 {
		a.log.Infow("Dispatch resumed", logger.FieldCount, n)
	}
}

// Close stops every component in reverse dependency order. Safe to call
// more than once.
func (a *app) Close() {
	a.closeOnce.Do(a.close)
}

func (a *app) close() {
	if a.subscriber != nil {
		a.subscriber.Stop()
	}
	if a.calendar != nil {
		a.calendar.Stop()
	}
	if a.orch != nil {
		a.orch.Stop()
	}
	for _, ex := range a.exporters {
		ex.Stop()
	}
	if a.dispatcher != nil {
		a.dispatcher.Stop()
	}
	if a.nats != nil {
		bus.Close(a.nats)
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.log.Warnw("Failed to close database", logger.FieldError, err)
		}
	}
}
