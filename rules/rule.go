package rules

import (
	"fmt"
	"regexp"
	"regexp/syntax"
	"strings"

	"github.com/teranos/leakhunter/errors"
)

// maxProgramSize bounds the compiled instruction count of a pattern. RE2
// matching is linear in input, but the constant is the program size.
const maxProgramSize = 4000

// secretGroup is the capture group that, when present, holds the secret.
// Everything else in the match is shown verbatim in the snippet.
const secretGroup = "secret"

// Spec is the declarative, file-level form of a rule
type Spec struct {
	Name        string    `json:"name" yaml:"name" toml:"name"`
	Description string    `json:"description,omitempty" yaml:"description,omitempty" toml:"description,omitempty"`
	Pattern     string    `json:"pattern" yaml:"pattern" toml:"pattern"`
	Severity    string    `json:"severity" yaml:"severity" toml:"severity"`
	Validator   string    `json:"validator,omitempty" yaml:"validator,omitempty" toml:"validator,omitempty"`
	Redaction   Redaction `json:"redaction" yaml:"redaction" toml:"redaction"`
	Disabled    bool      `json:"disabled,omitempty" yaml:"disabled,omitempty" toml:"disabled,omitempty"`
}

// ConfigError reports a rule that cannot be loaded
type ConfigError struct {
	Rule   string
	Reason string
	Err    error
}

func (e *ConfigError) Error() string {
	if e.Rule == "" {
		return fmt.Sprintf("rule config: %s", e.Reason)
	}
	return fmt.Sprintf("rule %q: %s", e.Rule, e.Reason)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// IsConfigError reports whether err is or wraps a ConfigError
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}

// matcher is the subset of *regexp.Regexp the engine needs
type matcher interface {
	FindAllStringSubmatchIndex(s string, n int) [][]int
}

// Rule is a compiled, immutable detection rule
type Rule struct {
	Name        string
	Description string
	Severity    Severity
	Redaction   Redaction
	Pattern     string

	re          matcher
	secretIndex int // submatch index of the secret group, 0 = whole match
	validate    Validator
}

// Compile validates spec and returns the compiled rule
func Compile(spec Spec) (*Rule, error) {
	name := strings.TrimSpace(spec.Name)
	if name == "" {
		return nil, &ConfigError{Reason: "name is required"}
	}
	if spec.Pattern == "" {
		return nil, &ConfigError{Rule: name, Reason: "pattern is required"}
	}

	sev, err := ParseSeverity(spec.Severity)
	if err != nil {
		return nil, &ConfigError{Rule: name, Reason: err.Error(), Err: err}
	}

	re, err := regexp.Compile(spec.Pattern)
	if err != nil {
		return nil, &ConfigError{Rule: name, Reason: "pattern does not compile", Err: err}
	}
	if err := checkProgramSize(spec.Pattern); err != nil {
		return nil, &ConfigError{Rule: name, Reason: err.Error(), Err: err}
	}
	if re.MatchString("") {
		return nil, &ConfigError{Rule: name, Reason: "pattern matches the empty string"}
	}

	var validate Validator
	if spec.Validator != "" {
		v, ok := LookupValidator(spec.Validator)
		if !ok {
			return nil, &ConfigError{Rule: name, Reason: fmt.Sprintf("unknown validator %q", spec.Validator)}
		}
		validate = v
	}

	switch spec.Redaction.Mode {
	case "", RedactStructured, RedactFreeform:
	default:
		return nil, &ConfigError{Rule: name, Reason: fmt.Sprintf("unknown redaction mode %q", spec.Redaction.Mode)}
	}
	if spec.Redaction.KeepPrefix < 0 || spec.Redaction.KeepSuffix < 0 || spec.Redaction.GroupSize < 0 || spec.Redaction.MaxLen < 0 {
		return nil, &ConfigError{Rule: name, Reason: "redaction sizes must be >= 0"}
	}

	secretIndex := re.SubexpIndex(secretGroup)
	if secretIndex < 0 {
		secretIndex = 0
	}

	return &Rule{
		Name:        name,
		Description: spec.Description,
		Severity:    sev,
		Redaction:   spec.Redaction,
		Pattern:     spec.Pattern,
		re:          re,
		secretIndex: secretIndex,
		validate:    validate,
	}, nil
}

func checkProgramSize(pattern string) error {
	parsed, err := syntax.Parse(pattern, syntax.Perl)
	if err != nil {
		return err
	}
	prog, err := syntax.Compile(parsed.Simplify())
	if err != nil {
		return err
	}
	if len(prog.Inst) > maxProgramSize {
		return errors.Newf("pattern compiles to %d instructions (limit %d)", len(prog.Inst), maxProgramSize)
	}
	return nil
}

// CompileAll compiles specs in order, skipping disabled ones.
// A later spec replaces an earlier one with the same name, keeping the
// earlier position; that is how a rule file overrides or disables a built-in.
func CompileAll(specs []Spec) ([]*Rule, error) {
	var order []string
	byName := map[string]Spec{}
	for _, s := range specs {
		name := strings.TrimSpace(s.Name)
		if _, seen := byName[name]; !seen {
			order = append(order, name)
		}
		byName[name] = s
	}

	out := make([]*Rule, 0, len(order))
	for _, name := range order {
		s := byName[name]
		if s.Disabled {
			continue
		}
		r, err := Compile(s)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}
