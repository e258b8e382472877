package dispatch

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/teranos/leakhunter/errors"
	"github.com/teranos/leakhunter/finding"
	"github.com/teranos/leakhunter/internal/util"
	"github.com/teranos/leakhunter/logger"
	"github.com/teranos/leakhunter/retry"
	"github.com/teranos/leakhunter/rules"
)

// SinkConfig selects which findings a sink receives and how fast
type SinkConfig struct {
	MinSeverity   rules.Severity // zero sends everything
	Timeout       time.Duration  // per call; zero uses Config.Timeout
	RatePerMinute int            // zero = unlimited

	// Match narrows the findings the sink receives beyond MinSeverity; nil accepts all
	Match func(finding.Finding) bool
}

// Config holds dispatcher-wide settings
type Config struct {
	Retry     retry.Policy
	Timeout   time.Duration // per sink call
	QueueSize int
	Clock     util.Clock
}

// Stats are cumulative counters since start
type Stats struct {
	Sent    int64 `json:"sent"`
	Failed  int64 `json:"failed"`
	Retried int64 `json:"retried"`
	Skipped int64 `json:"skipped"` // already sent
	Dropped int64 `json:"dropped"` // queue full, left pending
}

type route struct {
	sink    TicketSink
	cfg     SinkConfig
	limiter *rate.Limiter
}

type job struct {
	f finding.Finding
}

// Dispatcher delivers findings to every sink whose threshold they meet
type Dispatcher struct {
	store RecordStore
	cfg   Config
	clock util.Clock
	log   *zap.SugaredLogger

	mu     sync.RWMutex
	routes []route

	locks keyedMutex

	queue   chan job
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started atomic.Bool

	sent, failed, retried, skipped, dropped atomic.Int64
}

// New creates a dispatcher. Without Start it delivers inline.
func New(store RecordStore, cfg Config, log *zap.SugaredLogger) *Dispatcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if store == nil {
		store = NewMemoryRecordStore()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		store:  store,
		cfg:    cfg,
		clock:  cfg.Clock.OrSystem(),
		log:    logger.Or(log).Named("dispatch"),
		queue:  make(chan job, cfg.QueueSize),
		ctx:    ctx,
		cancel: cancel,
	}
}

// AddSink registers s
func (d *Dispatcher) AddSink(s TicketSink, sc SinkConfig) {
	limit := rate.Inf
	if sc.RatePerMinute > 0 {
		limit = rate.Limit(float64(sc.RatePerMinute) / 60.0)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.routes = append(d.routes, route{sink: s, cfg: sc, limiter: rate.NewLimiter(limit, 1)})
	d.log.Infow("Ticket sink registered",
		logger.FieldSink, s.Name(),
		"min_severity", sc.MinSeverity,
		"rate_per_minute", sc.RatePerMinute)
}

// RemoveSink unregisters the sink called name. Its records stay in the store;
// Resume skips them until a sink with that name is added again.
func (d *Dispatcher) RemoveSink(name string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, r := range d.routes {
		if r.sink.Name() == name {
			d.routes = append(d.routes[:i:i], d.routes[i+1:]...)
			d.log.Infow("Ticket sink removed", logger.FieldSink, name)
			return true
		}
	}
	return false
}

// Sinks returns registered sink names
func (d *Dispatcher) Sinks() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]string, len(d.routes))
	for i, r := range d.routes {
		out[i] = r.sink.Name()
	}
	return out
}

// Records returns records in status, oldest first
func (d *Dispatcher) Records(ctx context.Context, status Status, limit int) ([]Record, error) {
	return d.store.ListByStatus(ctx, status, limit)
}

// Stats returns the counters
func (d *Dispatcher) Stats() Stats {
	return Stats{
		Sent:    d.sent.Load(),
		Failed:  d.failed.Load(),
		Retried: d.retried.Load(),
		Skipped: d.skipped.Load(),
		Dropped: d.dropped.Load(),
	}
}

// Start launches workers that drain the queue; later admissions are queued
// instead of delivered inline.
func (d *Dispatcher) Start(workers int) {
	if workers <= 0 || !d.started.CompareAndSwap(false, true) {
		return
	}
	for i := 0; i < workers; i++ {
		d.wg.Add(1)
		go d.worker(i)
	}
	d.log.Infow("Dispatch workers started", "workers", workers, "queue_size", d.cfg.QueueSize)
}

// Stop cancels in-flight deliveries and waits for workers. Queued findings
// keep their Pending records and are picked up by Resume.
func (d *Dispatcher) Stop() {
	d.cancel()
	d.wg.Wait()
	if d.started.Load() {
		d.log.Infow("Dispatch workers stopped", "queued", len(d.queue))
	}
}

func (d *Dispatcher) worker(id int) {
	defer d.wg.Done()
	for {
		select {
		case <-d.ctx.Done():
			return
		case j := <-d.queue:
			if err := d.OnAdmitted(d.ctx, j.f); err != nil {
				d.log.Debugw("Dispatch finished with failures", "worker", id, logger.FieldError, err)
			}
		}
	}
}

// FindingAdmitted implements the pipeline observer. With workers running it
// records Pending and enqueues; otherwise it delivers inline.
func (d *Dispatcher) FindingAdmitted(ctx context.Context, f finding.Finding) {
	if !d.started.Load() {
		if err := d.OnAdmitted(ctx, f); err != nil {
			d.log.Debugw("Dispatch finished with failures", logger.FieldFindingID, f.ID, logger.FieldError, err)
		}
		return
	}

	for _, r := range d.selected(f) {
		if err := d.markPending(ctx, f.ID, r.sink.Name()); err != nil {
			d.log.Errorw("Failed to record pending dispatch",
				logger.FieldFindingID, f.ID, logger.FieldSink, r.sink.Name(), logger.FieldError, err)
		}
	}
	select {
	case d.queue <- job{f: f}:
	default:
		d.dropped.Add(1)
		d.log.Warnw("Dispatch queue full, left pending for resume", logger.FieldFindingID, f.ID)
	}
}

// OnAdmitted delivers f to every sink whose threshold it meets. A sink that
// already has f Sent is skipped. Failures are recorded and returned combined;
// they never affect the finding itself.
func (d *Dispatcher) OnAdmitted(ctx context.Context, f finding.Finding) error {
	var errs error
	for _, r := range d.selected(f) {
		if err := d.deliver(ctx, f, r); err != nil {
			errs = errors.CombineErrors(errs, err)
		}
	}
	return errs
}

// Resume re-delivers Pending and, when retryFailed is set, Failed records.
// lookup resolves finding ids, usually against the event store.
func (d *Dispatcher) Resume(ctx context.Context, lookup func(ctx context.Context, id string) (finding.Finding, error), retryFailed bool) (int, error) {
	statuses := []Status{StatusPending}
	if retryFailed {
		statuses = append(statuses, StatusFailed)
	}

	resumed := 0
	var errs error
	for _, status := range statuses {
		recs, err := d.store.ListByStatus(ctx, status, 0)
		if err != nil {
			return resumed, err
		}
		for _, rec := range recs {
			r, ok := d.route(rec.Sink)
			if !ok {
				d.log.Warnw("Dispatch record for unconfigured sink", logger.FieldSink, rec.Sink, logger.FieldFindingID, rec.FindingID)
				continue
			}
			f, err := lookup(ctx, rec.FindingID)
			if err != nil {
				errs = errors.CombineErrors(errs, errors.Wrapf(err, "resume %s", rec.FindingID))
				continue
			}
			resumed++
			if err := d.deliver(ctx, f, r); err != nil {
				errs = errors.CombineErrors(errs, err)
			}
		}
	}
	if resumed > 0 {
		d.log.Infow("Resumed dispatch", logger.FieldCount, resumed)
	}
	return resumed, errs
}

func (d *Dispatcher) selected(f finding.Finding) []route {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var out []route
	for _, r := range d.routes {
		if !f.Severity.AtLeast(r.cfg.MinSeverity) {
			continue
		}
		if r.cfg.Match != nil && !r.cfg.Match(f) {
			continue
		}
		out = append(out, r)
	}
	return out
}

func (d *Dispatcher) route(sink string) (route, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, r := range d.routes {
		if r.sink.Name() == sink {
			return r, true
		}
	}
	return route{}, false
}

func (d *Dispatcher) markPending(ctx context.Context, findingID, sink string) error {
	unlock := d.locks.lock(findingID + "|" + sink)
	defer unlock()
	_, found, err := d.store.Get(ctx, findingID, sink)
	if err != nil {
		return err
	}
	if found {
		return nil
	}
	return d.store.Put(ctx, Record{FindingID: findingID, Sink: sink, Status: StatusPending, CreatedAt: d.clock()})
}

// deliver sends f to one sink, holding the pair's lock so concurrent calls
// for the same pair serialize and the second sees Sent.
func (d *Dispatcher) deliver(ctx context.Context, f finding.Finding, r route) error {
	name := r.sink.Name()
	unlock := d.locks.lock(f.ID + "|" + name)
	defer unlock()

	log := d.log.With(logger.FieldFindingID, f.ID, logger.FieldSink, name)

	rec, found, err := d.store.Get(ctx, f.ID, name)
	if err != nil {
		return errors.Wrap(err, "load dispatch record")
	}
	if found && rec.Status == StatusSent {
		d.skipped.Add(1)
		log.Debugw("Already dispatched", logger.FieldTicket, rec.TicketRef)
		return nil
	}
	if !found {
		rec = Record{FindingID: f.ID, Sink: name, CreatedAt: d.clock()}
	}
	rec.Status = StatusPending
	if err := d.store.Put(ctx, rec); err != nil {
		return errors.Wrap(err, "record pending dispatch")
	}

	timeout := r.cfg.Timeout
	if timeout <= 0 {
		timeout = d.cfg.Timeout
	}

	var ref TicketRef
	attempts, err := d.cfg.Retry.Do(ctx, func(ctx context.Context, attempt int) error {
		if err := r.limiter.Wait(ctx); err != nil {
			return err
		}
		callCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		rec.Attempts++
		rec.LastAttemptAt = d.clock()
		var cerr error
		ref, cerr = r.sink.Create(callCtx, f)
		if cerr != nil {
			rec.LastError = cerr.Error()
			log.Warnw("Ticket sink call failed",
				logger.FieldAttempt, attempt,
				"transient", IsTransient(cerr),
				logger.FieldError, cerr)
		}
		return cerr
	}, IsTransient)
	if attempts > 1 {
		d.retried.Add(int64(attempts - 1))
	}

	// Record the outcome even when ctx ended mid-delivery
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	if err != nil && ctx.Err() != nil {
		// shutdown or caller cancellation is not the sink's fault
		rec.Status = StatusPending
		if perr := d.store.Put(saveCtx, rec); perr != nil {
			err = errors.WithSecondaryError(err, perr)
		}
		log.Warnw("Dispatch interrupted, left pending for resume",
			"attempts", rec.Attempts,
			logger.FieldError, err)
		return &Error{Sink: name, Transient: true, Err: err}
	}
	if err != nil {
		rec.Status = StatusFailed
		if perr := d.store.Put(saveCtx, rec); perr != nil {
			err = errors.WithSecondaryError(err, perr)
		}
		d.failed.Add(1)
		log.Errorw("Dispatch failed",
			"attempts", rec.Attempts,
			logger.FieldSeverity, f.Severity,
			logger.FieldRule, f.Rule,
			logger.FieldError, err)
		var de *Error
		if !errors.As(err, &de) {
			err = &Error{Sink: name, Transient: IsTransient(err), Err: err}
		}
		return err
	}

	rec.Status = StatusSent
	rec.LastError = ""
	rec.TicketRef = ref.ID
	if err := d.store.Put(saveCtx, rec); err != nil {
		// The ticket exists; a lost Sent record would send it again on resume
		log.Errorw("Ticket created but record not saved", logger.FieldTicket, ref.ID, logger.FieldError, err)
		return errors.Wrap(err, "record sent dispatch")
	}
	d.sent.Add(1)
	log.Infow("Ticket created", logger.FieldTicket, ref.ID, "attempts", rec.Attempts)
	return nil
}

// keyedMutex hands out one mutex per key, dropping it when unused
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

func (k *keyedMutex) lock(key string) (unlock func()) {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*keyLock)
	}
	l, ok := k.locks[key]
	if !ok {
		l = &keyLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
