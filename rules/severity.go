package rules

import (
	"strings"

	"github.com/teranos/leakhunter/errors"
)

// Severity orders findings for routing to ticket sinks
type Severity int

const (
	SeverityUnknown Severity = iota
	SeverityLow
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

var severityNames = map[Severity]string{
	SeverityLow:      "Low",
	SeverityMedium:   "Medium",
	SeverityHigh:     "High",
	SeverityCritical: "Critical",
}

// ParseSeverity accepts any casing of low, medium, high, critical.
// "med" is accepted for files written for the old scanner.
func ParseSeverity(s string) (Severity, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return SeverityLow, nil
	case "medium", "med":
		return SeverityMedium, nil
	case "high":
		return SeverityHigh, nil
	case "critical":
		return SeverityCritical, nil
	}
	return SeverityUnknown, errors.Newf("unknown severity %q", s)
}

// Rank is the numeric order used for threshold comparisons
func (s Severity) Rank() int { return int(s) }

// AtLeast reports whether s meets the threshold min
func (s Severity) AtLeast(min Severity) bool { return s >= min }

// Valid reports whether s is one of the four named levels
func (s Severity) Valid() bool {
	_, ok := severityNames[s]
	return ok
}

func (s Severity) String() string {
	if n, ok := severityNames[s]; ok {
		return n
	}
	return "Unknown"
}

// MarshalText implements encoding.TextMarshaler
func (s Severity) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, errors.Newf("cannot marshal severity %d", int(s))
	}
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (s *Severity) UnmarshalText(b []byte) error {
	v, err := ParseSeverity(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}
