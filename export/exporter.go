package export

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/teranos/leakhunter/errors"
	"github.com/teranos/leakhunter/eventstore"
	"github.com/teranos/leakhunter/finding"
	"github.com/teranos/leakhunter/internal/httpclient"
	"github.com/teranos/leakhunter/internal/util"
	"github.com/teranos/leakhunter/logger"
	"github.com/teranos/leakhunter/retry"
)

// Config tunes an Exporter
type Config struct {
	PageSize int          // 0 = eventstore.MaxLimit
	Retry    retry.Policy // per page; transient HTTP errors only
	Clock    util.Clock
}

// Result summarizes one export run
type Result struct {
	BatchID    string    `json:"batch_id"`
	Mode       string    `json:"mode"`
	Since      time.Time `json:"since,omitzero"`
	Pages      int       `json:"pages"`
	Exported   int       `json:"exported"`
	Failed     int       `json:"failed"`
	Cursor     string    `json:"cursor,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// Exporter pages the event store into one SIEMClient. Runs on the same
// Exporter are serialized.
type Exporter struct {
	events  eventstore.Store
	client  SIEMClient
	cursors CursorStore
	cfg     Config
	clock   util.Clock
	log     *zap.SugaredLogger

	run    sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New returns an Exporter. A nil cursor store keeps cursors in memory.
func New(events eventstore.Store, client SIEMClient, cursors CursorStore, cfg Config, log *zap.SugaredLogger) *Exporter {
	if cursors == nil {
		cursors = NewMemoryCursorStore()
	}
	if cfg.PageSize <= 0 || cfg.PageSize > eventstore.MaxLimit {
		cfg.PageSize = eventstore.MaxLimit
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Exporter{
		events:  events,
		client:  client,
		cursors: cursors,
		cfg:     cfg,
		clock:   cfg.Clock.OrSystem(),
		log:     logger.Or(log).Named("export").With(logger.FieldMode, client.Name()),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Mode names the destination
func (e *Exporter) Mode() string { return e.client.Name() }

// RunSince exports every finding with found_at >= since. It leaves the
// incremental cursor alone.
func (e *Exporter) RunSince(ctx context.Context, since time.Time) (Result, error) {
	e.run.Lock()
	defer e.run.Unlock()

	res := e.begin()
	res.Since = since
	err := e.pages(ctx, eventstore.Query{Since: since}, &res, nil)
	return e.end(res, err)
}

// RunIncremental exports what was appended since the last incremental run.
// The cursor is saved after every page the destination accepted.
func (e *Exporter) RunIncremental(ctx context.Context) (Result, error) {
	e.run.Lock()
	defer e.run.Unlock()

	res := e.begin()
	cur, err := e.cursors.Load(ctx, e.Mode())
	if err != nil {
		return e.end(res, err)
	}
	res.Cursor = cur.Position

	err = e.pages(ctx, eventstore.Query{Cursor: cur.Position}, &res, func(next string, sent int) error {
		cur.Position = next
		cur.Exported += int64(sent)
		cur.UpdatedAt = e.clock()
		return e.cursors.Save(context.WithoutCancel(ctx), cur)
	})
	return e.end(res, err)
}

// Cursor returns the stored incremental position
func (e *Exporter) Cursor(ctx context.Context) (Cursor, error) {
	return e.cursors.Load(ctx, e.Mode())
}

func (e *Exporter) begin() Result {
	return Result{BatchID: uuid.NewString(), Mode: e.Mode(), StartedAt: e.clock()}
}

func (e *Exporter) end(res Result, err error) (Result, error) {
	res.FinishedAt = e.clock()
	log := e.log.With(logger.FieldBatch, res.BatchID,
		logger.FieldCount, res.Exported,
		"failed", res.Failed,
		"pages", res.Pages,
		logger.FieldDurationMS, res.FinishedAt.Sub(res.StartedAt).Milliseconds())
	if err != nil {
		log.Errorw("Export failed", logger.FieldError, err)
		return res, err
	}
	log.Infow("Export completed")
	return res, nil
}

// pages sends one event store page at a time until the store is drained.
// advance, when set, is called after each accepted page.
func (e *Exporter) pages(ctx context.Context, q eventstore.Query, res *Result, advance func(next string, sent int) error) error {
	q.Limit = e.cfg.PageSize
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		page, err := e.events.List(ctx, q)
		if err != nil {
			return errors.Wrap(err, "list findings")
		}
		if len(page.Findings) == 0 {
			return nil
		}

		docs := make([]map[string]any, len(page.Findings))
		for i, f := range page.Findings {
			docs[i] = finding.ToECS(f)
		}
		sent, err := e.send(ctx, docs)
		res.Exported += sent.Sent
		res.Failed += sent.Failed
		if err != nil {
			return errors.Wrapf(err, "send page %d", res.Pages+1)
		}
		res.Pages++
		res.Cursor = page.NextCursor
		if advance != nil {
			if err := advance(page.NextCursor, sent.Sent); err != nil {
				return err
			}
		}
		if len(page.Findings) < q.Limit {
			return nil
		}
		q.Cursor = page.NextCursor
	}
}

func (e *Exporter) send(ctx context.Context, docs []map[string]any) (SendResult, error) {
	var res SendResult
	attempts, err := e.cfg.Retry.Do(ctx, func(ctx context.Context, attempt int) error {
		r, err := e.client.Send(ctx, docs)
		if err != nil {
			e.log.Warnw("SIEM send failed", logger.FieldAttempt, attempt, logger.FieldError, err)
			return err
		}
		res = r
		return nil
	}, httpclient.IsTransient)
	if err != nil {
		return res, err
	}
	if attempts > 1 {
		e.log.Infow("SIEM send succeeded after retry", logger.FieldAttempt, attempts)
	}
	return res, nil
}

// Start runs RunIncremental every interval until Stop
func (e *Exporter) Start(interval time.Duration) {
	if interval <= 0 {
		return
	}
	e.wg.Add(1)
	go e.loop(interval)
	e.log.Infow("Periodic export started", "interval", interval)
}

// Stop ends the periodic loop and cancels a run in progress
func (e *Exporter) Stop() {
	e.cancel()
	e.wg.Wait()
}

func (e *Exporter) loop(interval time.Duration) {
	defer e.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			// failures are logged in end; the next tick resumes from the saved cursor
			_, _ = e.RunIncremental(e.ctx)
		}
	}
}
