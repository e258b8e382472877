// Package pipeline runs content through detection, normalization,
// deduplication and storage, and tells observers about new findings.
package pipeline

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/leakhunter/dedup"
	"github.com/teranos/leakhunter/errors"
	"github.com/teranos/leakhunter/eventstore"
	"github.com/teranos/leakhunter/finding"
	"github.com/teranos/leakhunter/logger"
	"github.com/teranos/leakhunter/rules"
)

// Observer is told about every finding after it has been stored.
// Implementations must not block for long; slow work belongs on a queue.
type Observer interface {
	FindingAdmitted(ctx context.Context, f finding.Finding)
}

// ObserverFunc adapts a function to Observer
type ObserverFunc func(ctx context.Context, f finding.Finding)

func (fn ObserverFunc) FindingAdmitted(ctx context.Context, f finding.Finding) { fn(ctx, f) }

const releaseTimeout = 5 * time.Second

// ItemResult summarizes one processed item
type ItemResult struct {
	Matches    int
	Admitted   []finding.Finding
	Duplicates int
}

// Pipeline is safe for concurrent use by connector runs and the push API
type Pipeline struct {
	engine *rules.Engine
	norm   *finding.Normalizer
	dedup  dedup.Store
	events eventstore.Store
	log    *zap.SugaredLogger

	mu        sync.RWMutex
	observers []Observer
}

// New wires a pipeline
func New(engine *rules.Engine, norm *finding.Normalizer, ds dedup.Store, es eventstore.Store, log *zap.SugaredLogger) *Pipeline {
	return &Pipeline{
		engine: engine,
		norm:   norm,
		dedup:  ds,
		events: es,
		log:    logger.Or(log).Named("pipeline"),
	}
}

// AddObserver registers o for every later admission
func (p *Pipeline) AddObserver(o Observer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.observers = append(p.observers, o)
}

// Events returns the event store findings are appended to
func (p *Pipeline) Events() eventstore.Store { return p.events }

// Process evaluates item and admits a Finding per matching rule. A failure on
// one match does not stop the others; all failures are returned combined.
func (p *Pipeline) Process(ctx context.Context, item finding.RawItem) (ItemResult, error) {
	matches := p.engine.Evaluate(item.Text)
	res := ItemResult{Matches: len(matches)}

	var errs error
	for _, m := range matches {
		f := p.norm.Normalize(item, m)
		out, stored, err := p.admit(ctx, f)
		if err != nil {
			errs = errors.CombineErrors(errs, err)
			continue
		}
		switch out {
		case dedup.Admitted:
			res.Admitted = append(res.Admitted, stored)
		case dedup.Duplicate:
			res.Duplicates++
		}
	}
	return res, errs
}

// Submit admits a finding pushed through the API. Any secret the rule set
// still recognizes in the pushed snippet is redacted before it is stored.
func (p *Pipeline) Submit(ctx context.Context, f finding.Finding) (dedup.Outcome, finding.Finding, error) {
	if snippet, n := p.engine.Redact(f.Snippet); n > 0 {
		logger.FromContext(ctx, p.log).Warnw("Redacted secrets in pushed snippet",
			logger.FieldFindingID, f.ID,
			logger.FieldPlatform, f.Platform,
			logger.FieldCount, n)
		f.Snippet = snippet
	}
	return p.admit(ctx, f)
}

func (p *Pipeline) admit(ctx context.Context, f finding.Finding) (dedup.Outcome, finding.Finding, error) {
	log := logger.FromContext(ctx, p.log)

	out, err := p.dedup.Admit(ctx, f.ID)
	if err != nil {
		return 0, f, errors.Wrapf(err, "admit finding %s", f.ID)
	}
	if out == dedup.Duplicate {
		return dedup.Duplicate, f, nil
	}

	stored, err := p.events.Append(ctx, f)
	if err != nil {
		// already in the log: the identity store lost track of it (memory
		// identities over a durable log after a restart)
		if errors.Is(err, errors.ErrConflict) {
			return dedup.Duplicate, f, nil
		}
		// the run context may be the reason Append failed
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
		rerr := p.dedup.Release(rctx, f.ID)
		cancel()
		if rerr != nil {
			log.Errorw("Failed to release identity after append failure",
				logger.FieldFindingID, f.ID,
				logger.FieldError, rerr)
			err = errors.WithSecondaryError(err, rerr)
		}
		return 0, f, errors.Wrapf(err, "store finding %s", f.ID)
	}

	log.Infow("Finding admitted",
		logger.FieldFindingID, stored.ID,
		logger.FieldRule, stored.Rule,
		logger.FieldSeverity, stored.Severity.String(),
		logger.FieldContainer, stored.Container.ID,
		logger.FieldItemID, stored.ItemID)

	p.mu.RLock()
	observers := p.observers
	p.mu.RUnlock()
	for _, o := range observers {
		o.FindingAdmitted(ctx, stored)
	}
	return dedup.Admitted, stored, nil
}
