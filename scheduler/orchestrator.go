// Package scheduler drives connectors on a cadence or on request and owns
// each connector's run state.
//
// Per connector the state machine is Idle -> Running -> Idle on success or
// Backoff on failure, and Backoff -> Idle once next_eligible_at passes. At most
// one run per connector is in flight; a trigger that arrives while a run is in
// flight joins it instead of starting another.
package scheduler

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/teranos/leakhunter/connector"
	"github.com/teranos/leakhunter/errors"
	"github.com/teranos/leakhunter/finding"
	"github.com/teranos/leakhunter/internal/util"
	"github.com/teranos/leakhunter/logger"
	"github.com/teranos/leakhunter/pipeline"
	"github.com/teranos/leakhunter/retry"
)

var (
	// ErrConnectorFetch marks a run abandoned because the platform could not be read
	ErrConnectorFetch = errors.New("connector fetch failed")
	// ErrAlreadyRunning is returned to exclusive triggers while a run is in flight
	ErrAlreadyRunning = errors.Mark(errors.New("connector already running"), errors.ErrConflict)
	// ErrUnknownConnector is returned for names that were never registered
	ErrUnknownConnector = errors.Mark(errors.New("unknown connector"), errors.ErrNotFound)
)

// Processor consumes fetched items; *pipeline.Pipeline implements it
type Processor interface {
	Process(ctx context.Context, item finding.RawItem) (pipeline.ItemResult, error)
}

// Broadcaster is told about run transitions (websocket hub, CLI progress)
type Broadcaster interface {
	RunStarted(r Run)
	RunFinished(r Run)
}

// Config holds orchestrator-wide settings
type Config struct {
	Tick         time.Duration // cadence check interval
	FetchTimeout time.Duration // default bound on one run
	Overlap      time.Duration // re-read window before last success
	Backoff      retry.Policy  // Delay(consecutive_failures) after a failed run
	Clock        util.Clock
}

// Cadence is a connector's schedule. Zero Interval means manual triggers only.
type Cadence struct {
	Interval time.Duration
	Timeout  time.Duration // overrides Config.FetchTimeout when > 0
}

// TriggerOptions shapes one trigger request
type TriggerOptions struct {
	Full      bool    // ignore last success and read everything
	Wait      bool    // block until the run finishes or ctx is done
	Exclusive bool    // fail with ErrAlreadyRunning instead of joining
	Source    Trigger // recorded on the run; defaults to manual
}

// TriggerResult reports the run a trigger started or joined
type TriggerResult struct {
	Run    Run  `json:"run"`
	Joined bool `json:"joined"`
}

type entry struct {
	conn    connector.Connector
	cadence Cadence
	state   RunState

	current *Run
	done    chan struct{} // closed when current finishes
	last    Run
}

// Orchestrator schedules connector runs
type Orchestrator struct {
	proc  Processor
	store StateStore
	cfg   Config
	clock util.Clock
	log   *zap.SugaredLogger

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup // tick loop
	inflight sync.WaitGroup // runs

	mu           sync.Mutex
	entries      map[string]*entry
	order        []string
	broadcasters []Broadcaster
}

// New creates an orchestrator. Runs can be triggered before Start; Start only
// adds the cadence loop.
func New(proc Processor, store StateStore, cfg Config, log *zap.SugaredLogger) *Orchestrator {
	return NewWithContext(context.Background(), proc, store, cfg, log)
}

// NewWithContext creates an orchestrator whose runs end when ctx does
func NewWithContext(ctx context.Context, proc Processor, store StateStore, cfg Config, log *zap.SugaredLogger) *Orchestrator {
	if cfg.Tick <= 0 {
		cfg.Tick = 5 * time.Second
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 5 * time.Minute
	}
	if store == nil {
		store = NewMemoryStateStore()
	}
	octx, cancel := context.WithCancel(ctx)
	return &Orchestrator{
		proc:    proc,
		store:   store,
		cfg:     cfg,
		clock:   cfg.Clock.OrSystem(),
		log:     logger.Or(log).Named("scheduler"),
		ctx:     octx,
		cancel:  cancel,
		entries: make(map[string]*entry),
	}
}

// AddBroadcaster subscribes b to run transitions
func (o *Orchestrator) AddBroadcaster(b Broadcaster) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.broadcasters = append(o.broadcasters, b)
}

// Register adds a connector and restores its persisted state. A connector
// restored in Backoff stays there until its next_eligible_at.
func (o *Orchestrator) Register(ctx context.Context, conn connector.Connector, cadence Cadence) error {
	name := conn.Name()
	st, found, err := o.store.LoadState(ctx, name)
	if err != nil {
		return errors.Wrapf(err, "register %s", name)
	}
	if !found {
		st = RunState{Connector: name}
	}
	st.Status = StatusIdle
	if st.ConsecutiveFailures > 0 && st.NextEligibleAt.After(o.clock()) {
		st.Status = StatusBackoff
	}
	st.IntervalSeconds = int64(cadence.Interval / time.Second)
	st.CurrentRunID = ""

	o.mu.Lock()
	defer o.mu.Unlock()
	if _, dup := o.entries[name]; dup {
		return errors.Mark(errors.Newf("connector %s already registered", name), errors.ErrConflict)
	}
	o.entries[name] = &entry{conn: conn, cadence: cadence, state: st}
	o.order = append(o.order, name)
	o.log.Infow("Connector registered",
		logger.FieldConnector, name,
		"interval", cadence.Interval,
		logger.FieldStatus, st.Status)
	return nil
}

// Start begins the cadence loop
func (o *Orchestrator) Start() {
	o.wg.Add(1)
	go o.loop()
	o.log.Infow("Scheduler started", "tick", o.cfg.Tick)
}

// Stop ends the loop, cancels in-flight runs and waits for them to record
// their outcome.
func (o *Orchestrator) Stop() {
	o.cancel()
	o.wg.Wait()
	o.inflight.Wait()
	o.log.Infow("Scheduler stopped")
}

func (o *Orchestrator) loop() {
	defer o.wg.Done()

	ticker := time.NewTicker(o.cfg.Tick)
	defer ticker.Stop()

	o.tick()
	for {
		select {
		case <-o.ctx.Done():
			return
		case <-ticker.C:
			o.tick()
		}
	}
}

// tick starts every connector whose cadence is due
func (o *Orchestrator) tick() {
	now := o.clock()

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.ctx.Err() != nil {
		return
	}
	for _, name := range o.order {
		e := o.entries[name]
		switch e.state.Status {
		case StatusRunning:
			continue
		case StatusBackoff:
			if now.Before(e.state.NextEligibleAt) {
				continue
			}
			e.state.Status = StatusIdle
			o.log.Infow("Backoff elapsed",
				logger.FieldConnector, name,
				"consecutive_failures", e.state.ConsecutiveFailures)
		}
		if e.cadence.Interval <= 0 {
			continue
		}
		if !e.state.NextEligibleAt.IsZero() && now.Before(e.state.NextEligibleAt) {
			continue
		}
		o.startLocked(e, TriggerCadence, false)
	}
}

// Trigger runs name now. A connector already running is joined, or refused
// when opts.Exclusive is set; a connector in Backoff is run anyway.
func (o *Orchestrator) Trigger(ctx context.Context, name string, opts TriggerOptions) (TriggerResult, error) {
	if opts.Source == "" {
		opts.Source = TriggerManual
	}

	o.mu.Lock()
	e, ok := o.entries[name]
	if !ok {
		o.mu.Unlock()
		return TriggerResult{}, errors.Wrapf(ErrUnknownConnector, "%q", name)
	}
	if err := o.ctx.Err(); err != nil {
		o.mu.Unlock()
		return TriggerResult{}, errors.Mark(errors.Wrap(err, "scheduler stopped"), errors.ErrServiceUnavailable)
	}

	var res TriggerResult
	if e.state.Status == StatusRunning {
		if opts.Exclusive {
			id := e.state.CurrentRunID
			o.mu.Unlock()
			return TriggerResult{}, errors.Wrapf(ErrAlreadyRunning, "%s run %s", name, id)
		}
		res = TriggerResult{Run: *e.current, Joined: true}
		o.log.Infow("Trigger joined in-flight run",
			logger.FieldConnector, name,
			logger.FieldRunID, res.Run.ID,
			logger.FieldTrigger, opts.Source)
	} else {
		res = TriggerResult{Run: o.startLocked(e, opts.Source, opts.Full)}
	}
	done := e.done
	o.mu.Unlock()

	if !opts.Wait {
		return res, nil
	}
	select {
	case <-done:
	case <-ctx.Done():
		return res, ctx.Err()
	}
	o.mu.Lock()
	if e.last.ID == res.Run.ID {
		res.Run = e.last
	}
	o.mu.Unlock()
	return res, nil
}

// TriggerAll triggers every registered connector. Per-connector errors are
// combined; connectors already running are joined.
func (o *Orchestrator) TriggerAll(ctx context.Context, opts TriggerOptions) ([]TriggerResult, error) {
	if opts.Source == "" {
		opts.Source = TriggerAll
	}
	o.mu.Lock()
	names := append([]string(nil), o.order...)
	o.mu.Unlock()

	type outcome struct {
		res TriggerResult
		err error
	}
	outs := make([]outcome, len(names))
	var wg sync.WaitGroup
	for i, name := range names {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := o.Trigger(ctx, name, opts)
			outs[i] = outcome{res, err}
		}()
	}
	wg.Wait()

	var results []TriggerResult
	var errs error
	for _, out := range outs {
		if out.err != nil {
			errs = errors.CombineErrors(errs, out.err)
			continue
		}
		results = append(results, out.res)
	}
	return results, errs
}

// States returns every connector's run state, ordered by name
func (o *Orchestrator) States() []RunState {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]RunState, 0, len(o.entries))
	for _, e := range o.entries {
		out = append(out, e.state)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Connector < out[j].Connector })
	return out
}

// State returns one connector's run state
func (o *Orchestrator) State(name string) (RunState, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	e, ok := o.entries[name]
	if !ok {
		return RunState{}, errors.Wrapf(ErrUnknownConnector, "%q", name)
	}
	return e.state, nil
}

// Runs returns recent run history, newest first
func (o *Orchestrator) Runs(ctx context.Context, limit int) ([]Run, error) {
	return o.store.ListRuns(ctx, limit)
}

// Connectors returns registered connector names in registration order
func (o *Orchestrator) Connectors() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.order...)
}

// startLocked moves e to Running and launches the run. Caller holds o.mu.
func (o *Orchestrator) startLocked(e *entry, trigger Trigger, full bool) Run {
	now := o.clock()
	var since time.Time
	if !full && !e.state.LastSuccessAt.IsZero() {
		since = e.state.LastSuccessAt.Add(-o.cfg.Overlap)
	}
	run := Run{
		ID:        uuid.NewString(),
		Connector: e.conn.Name(),
		Trigger:   trigger,
		Full:      full,
		Status:    RunStatusRunning,
		Since:     since,
		StartedAt: now,
	}
	e.state.Status = StatusRunning
	e.state.CurrentRunID = run.ID
	e.state.LastRunAt = now
	e.current = &run
	e.done = make(chan struct{})

	o.inflight.Add(1)
	go o.execute(e, run)
	return run
}

func (o *Orchestrator) execute(e *entry, run Run) {
	defer o.inflight.Done()

	timeout := e.cadence.Timeout
	if timeout <= 0 {
		timeout = o.cfg.FetchTimeout
	}
	ctx, cancel := context.WithTimeout(o.ctx, timeout)
	defer cancel()
	ctx = logger.WithRun(ctx, run.Connector, run.ID)
	log := logger.FromContext(ctx, o.log)

	// History is best effort; a broken history table must not stop scanning
	if err := o.store.CreateRun(ctx, run); err != nil {
		log.Warnw("Failed to record run start", logger.FieldError, err)
	}
	o.broadcast(func(b Broadcaster) { b.RunStarted(run) })
	log.Infow("Connector run started",
		logger.FieldTrigger, run.Trigger,
		"full", run.Full,
		logger.FieldSince, run.Since)

	start := time.Now()
	err := o.fetch(ctx, e.conn, &run, log)
	if err == nil && ctx.Err() != nil {
		// items skipped on a dead context must be fetched again next run
		err = errors.Wrap(ctx.Err(), "run interrupted")
	}
	run.FinishedAt = o.clock()
	switch {
	case err != nil && o.ctx.Err() != nil:
		run.Status = RunStatusCancelled
		run.Error = err.Error()
	case err != nil:
		run.Status = RunStatusFailed
		run.Error = err.Error()
	default:
		run.Status = RunStatusCompleted
	}
	o.finish(ctx, e, run, err, log, time.Since(start))
}

// fetch streams every container through the processor. A platform error
// abandons the run; an item error is counted and skipped.
func (o *Orchestrator) fetch(ctx context.Context, conn connector.Connector, run *Run, log *zap.SugaredLogger) error {
	containers, err := conn.Containers(ctx)
	if err != nil {
		return errors.Mark(errors.Wrap(err, "list containers"), ErrConnectorFetch)
	}
	for _, c := range containers {
		for item, ferr := range conn.Fetch(ctx, c, run.Since) {
			if ferr != nil {
				return errors.Mark(errors.Wrapf(ferr, "fetch %s", c.ID), ErrConnectorFetch)
			}
			run.Items++
			res, perr := o.proc.Process(ctx, item)
			run.Admitted += len(res.Admitted)
			run.Duplicates += res.Duplicates
			if perr != nil {
				run.Skipped++
				log.Warnw("Item skipped",
					logger.FieldContainer, c.ID,
					logger.FieldItemID, item.ItemID,
					logger.FieldError, perr)
			}
		}
	}
	return nil
}

// finish persists the outcome, then releases the connector. Waiters see the
// run only after its state is stored.
func (o *Orchestrator) finish(ctx context.Context, e *entry, run Run, runErr error, log *zap.SugaredLogger, took time.Duration) {
	o.mu.Lock()
	st := e.state
	o.mu.Unlock()

	st.Status = StatusIdle
	st.CurrentRunID = ""
	switch {
	case run.Status == RunStatusCancelled:
		// shutdown is not a connector failure; since and backoff stay as they were
		st.LastError = runErr.Error()
		if st.ConsecutiveFailures > 0 {
			st.Status = StatusBackoff
		}
	case runErr == nil:
		st.ConsecutiveFailures = 0
		st.LastSuccessAt = run.StartedAt
		st.LastError = ""
		st.NextEligibleAt = time.Time{}
		if e.cadence.Interval > 0 {
			st.NextEligibleAt = run.FinishedAt.Add(e.cadence.Interval)
		}
	default:
		st.ConsecutiveFailures++
		st.LastError = runErr.Error()
		st.NextEligibleAt = run.FinishedAt.Add(o.cfg.Backoff.Delay(st.ConsecutiveFailures))
		st.Status = StatusBackoff
	}

	// Outcome bookkeeping outlives a run that timed out
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := o.store.SaveState(saveCtx, st); err != nil {
		log.Errorw("Failed to persist connector state", logger.FieldError, err)
	}
	if err := o.store.FinishRun(saveCtx, run); err != nil {
		log.Warnw("Failed to record run outcome", logger.FieldError, err)
	}

	o.mu.Lock()
	e.state = st
	e.current = nil
	e.last = run
	close(e.done)
	o.mu.Unlock()

	o.broadcast(func(b Broadcaster) { b.RunFinished(run) })

	fields := []any{
		logger.FieldItems, run.Items,
		logger.FieldAdmitted, run.Admitted,
		logger.FieldDup, run.Duplicates,
		logger.FieldSkipped, run.Skipped,
		logger.FieldDurationMS, took.Milliseconds(),
	}
	if run.Status == RunStatusCancelled {
		log.Infow("Connector run cancelled", append(fields, logger.FieldError, runErr)...)
		return
	}
	if runErr != nil {
		log.Warnw("Connector run failed", append(fields,
			logger.FieldError, runErr,
			"consecutive_failures", st.ConsecutiveFailures,
			logger.FieldNextAt, st.NextEligibleAt)...)
		return
	}
	log.Infow("Connector run completed", fields...)
}

func (o *Orchestrator) broadcast(fn func(Broadcaster)) {
	o.mu.Lock()
	bs := o.broadcasters
	o.mu.Unlock()
	for _, b := range bs {
		fn(b)
	}
}
