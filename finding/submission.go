package finding

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/teranos/leakhunter/errors"
	"github.com/teranos/leakhunter/internal/util"
	"github.com/teranos/leakhunter/rules"
)

// MaxSnippetLen bounds pushed snippets
const MaxSnippetLen = 4096

// ValidationError reports a rejected pushed finding
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid finding: %s %s", e.Field, e.Reason)
}

// Unwrap lets errors.Is(err, errors.ErrInvalidRequest) match
func (e *ValidationError) Unwrap() error { return errors.ErrInvalidRequest }

// Submission is a finding pushed by an external scanner through the API.
// The ID is always recomputed; a client-supplied one is ignored.
type Submission struct {
	Platform   string     `json:"platform"`
	Container  Container  `json:"container"`
	ItemID     string     `json:"item_id"`
	Rule       string     `json:"rule"`
	Severity   string     `json:"severity"`
	Snippet    string     `json:"snippet"`
	URL        string     `json:"url,omitempty"`
	Author     Author     `json:"author,omitempty"`
	ObservedAt *time.Time `json:"observed_at,omitempty"`
}

// FromSubmission validates s and builds the Finding it describes.
// FoundAt is the time of receipt.
func FromSubmission(s Submission, clock util.Clock) (Finding, error) {
	required := []struct {
		field, value string
	}{
		{"platform", s.Platform},
		{"container.id", s.Container.ID},
		{"item_id", s.ItemID},
		{"rule", s.Rule},
		{"snippet", s.Snippet},
	}
	for _, r := range required {
		if strings.TrimSpace(r.value) == "" {
			return Finding{}, &ValidationError{Field: r.field, Reason: "is required"}
		}
	}
	if utf8.RuneCountInString(s.Snippet) > MaxSnippetLen {
		return Finding{}, &ValidationError{
			Field:  "snippet",
			Reason: fmt.Sprintf("exceeds %d characters", MaxSnippetLen),
		}
	}
	sev, err := rules.ParseSeverity(s.Severity)
	if err != nil {
		return Finding{}, &ValidationError{Field: "severity", Reason: "must be one of low, medium, high, critical"}
	}

	f := Finding{
		ID:        Identity(s.Platform, s.Container.ID, s.ItemID, s.Rule),
		Platform:  s.Platform,
		Container: s.Container,
		ItemID:    s.ItemID,
		Rule:      s.Rule,
		Severity:  sev,
		Snippet:   s.Snippet,
		URL:       s.URL,
		Author:    s.Author,
		FoundAt:   clock.OrSystem()(),
	}
	if s.ObservedAt != nil {
		f.ObservedAt = s.ObservedAt.UTC()
	}
	return f, nil
}
