// Package rules detects sensitive data in text.
//
// Rules are RE2 patterns, so matching time is linear in the input. Patterns
// are validated once at load; a rule that still misbehaves at match time is
// logged and skipped without affecting the others.
package rules

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/teranos/leakhunter/logger"
)

// Match is one rule firing on one piece of text
type Match struct {
	Rule     string
	Severity Severity
	Start    int // byte offsets of the whole match in the evaluated text
	End      int
	Snippet  string // redacted; never contains the secret

	// SecretDigest is a sha256 of the matched secret, used when finding
	// identity must change if the secret changes. It is not reversible.
	SecretDigest string
}

// Engine evaluates a fixed rule set. It is safe for concurrent use.
type Engine struct {
	rules    []*Rule
	maxBytes int
	log      *zap.SugaredLogger
	failures atomic.Int64
}

// Option configures an Engine
type Option func(*Engine)

// WithMaxContentBytes truncates inputs longer than n bytes before matching
func WithMaxContentBytes(n int) Option {
	return func(e *Engine) { e.maxBytes = n }
}

// WithLogger sets the engine logger
func WithLogger(log *zap.SugaredLogger) Option {
	return func(e *Engine) { e.log = log }
}

// NewEngine returns an engine over rules
func NewEngine(rules []*Rule, opts ...Option) *Engine {
	e := &Engine{rules: rules}
	for _, opt := range opts {
		opt(e)
	}
	e.log = logger.Or(e.log).Named("rules")
	return e
}

// Rules returns the active rules in evaluation order
func (e *Engine) Rules() []*Rule {
	out := make([]*Rule, len(e.rules))
	copy(out, e.rules)
	return out
}

// Failures returns how many rule evaluations have panicked so far
func (e *Engine) Failures() int64 { return e.failures.Load() }

// Evaluate runs every rule against text and returns at most one match per rule,
// in rule order.
func (e *Engine) Evaluate(text string) []Match {
	if e.maxBytes > 0 && len(text) > e.maxBytes {
		text = truncateUTF8(text, e.maxBytes)
	}

	var out []Match
	for _, r := range e.rules {
		m, ok, err := e.evaluateRule(r, text)
		if err != nil {
			e.failures.Add(1)
			e.log.Errorw("Rule evaluation failed, skipping",
				logger.FieldRule, r.Name,
				logger.FieldError, err)
			continue
		}
		if ok {
			out = append(out, m)
		}
	}
	return out
}

func (e *Engine) evaluateRule(r *Rule, text string) (m Match, ok bool, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
			ok = false
		}
	}()

	for _, loc := range r.re.FindAllStringSubmatchIndex(text, -1) {
		start, end := loc[0], loc[1]
		ss, se := start, end
		if r.secretIndex > 0 && 2*r.secretIndex+1 < len(loc) && loc[2*r.secretIndex] >= 0 {
			ss, se = loc[2*r.secretIndex], loc[2*r.secretIndex+1]
		}
		secret := text[ss:se]
		if secret == "" {
			continue
		}
		if r.validate != nil && !r.validate(secret) {
			continue
		}

		redacted := r.Redaction.Apply(secret)
		snippet := text[start:ss] + redacted + text[se:end]
		if strings.Contains(snippet, secret) {
			snippet = redacted
		}
		digest := sha256.Sum256([]byte(secret))
		return Match{
			Rule:         r.Name,
			Severity:     r.Severity,
			Start:        start,
			End:          end,
			Snippet:      snippet,
			SecretDigest: hex.EncodeToString(digest[:]),
		}, true, nil
	}
	return Match{}, false, nil
}

type span struct {
	start, end int
	redaction  Redaction
}

// Redact masks every secret any rule finds in text and returns the result
// with the number of secrets masked. Unlike Evaluate it considers all
// matches of every rule, so text that already went through Redact contains
// no secret a rule can still see.
func (e *Engine) Redact(text string) (string, int) {
	var spans []span
	for _, r := range e.rules {
		found, err := e.secretSpans(r, text)
		if err != nil {
			e.failures.Add(1)
			e.log.Errorw("Rule redaction failed, skipping",
				logger.FieldRule, r.Name,
				logger.FieldError, err)
			continue
		}
		spans = append(spans, found...)
	}
	if len(spans) == 0 {
		return text, 0
	}

	sort.SliceStable(spans, func(i, j int) bool { return spans[i].start < spans[j].start })
	merged := spans[:1]
	for _, sp := range spans[1:] {
		last := &merged[len(merged)-1]
		if sp.start < last.end {
			last.end = max(last.end, sp.end)
			continue
		}
		merged = append(merged, sp)
	}

	var b strings.Builder
	prev := 0
	for _, sp := range merged {
		b.WriteString(text[prev:sp.start])
		b.WriteString(sp.redaction.Apply(text[sp.start:sp.end]))
		prev = sp.end
	}
	b.WriteString(text[prev:])
	return b.String(), len(merged)
}

func (e *Engine) secretSpans(r *Rule, text string) (out []span, err error) {
	defer func() {
		if p := recover(); p != nil {
			out, err = nil, fmt.Errorf("panic: %v", p)
		}
	}()

	for _, loc := range r.re.FindAllStringSubmatchIndex(text, -1) {
		ss, se := loc[0], loc[1]
		if r.secretIndex > 0 && 2*r.secretIndex+1 < len(loc) && loc[2*r.secretIndex] >= 0 {
			ss, se = loc[2*r.secretIndex], loc[2*r.secretIndex+1]
		}
		if ss == se {
			continue
		}
		if r.validate != nil && !r.validate(text[ss:se]) {
			continue
		}
		out = append(out, span{start: ss, end: se, redaction: r.Redaction})
	}
	return out, nil
}

func truncateUTF8(s string, n int) string {
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
