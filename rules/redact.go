package rules

import (
	"strings"
	"unicode"
)

// Redaction modes
const (
	// RedactStructured keeps a prefix and suffix of the alphanumeric characters,
	// masks the rest and regroups them, e.g. 4111 **** **** 1111.
	RedactStructured = "structured"
	// RedactFreeform keeps a short prefix and masks the rest up to a length cap.
	RedactFreeform = "freeform"
)

const mask = '*'

// Redaction describes how a matched secret is turned into a display snippet
type Redaction struct {
	Mode       string `json:"mode" yaml:"mode" toml:"mode"`
	KeepPrefix int    `json:"keep_prefix" yaml:"keep_prefix" toml:"keep_prefix"`
	KeepSuffix int    `json:"keep_suffix" yaml:"keep_suffix" toml:"keep_suffix"`
	GroupSize  int    `json:"group_size" yaml:"group_size" toml:"group_size"`
	MaxLen     int    `json:"max_len" yaml:"max_len" toml:"max_len"`
}

func (r Redaction) withDefaults() Redaction {
	if r.Mode == "" {
		r.Mode = RedactFreeform
	}
	if r.Mode == RedactStructured {
		if r.KeepPrefix == 0 && r.KeepSuffix == 0 {
			r.KeepPrefix, r.KeepSuffix = 4, 4
		}
		if r.GroupSize == 0 {
			r.GroupSize = 4
		}
	}
	if r.Mode == RedactFreeform {
		if r.KeepPrefix == 0 {
			r.KeepPrefix = 2
		}
		if r.MaxLen == 0 {
			r.MaxLen = 12
		}
	}
	return r
}

// Apply redacts secret. The result never contains secret itself.
func (r Redaction) Apply(secret string) string {
	if secret == "" {
		return ""
	}
	r = r.withDefaults()

	var out string
	switch r.Mode {
	case RedactStructured:
		out = r.structured(secret)
	default:
		out = r.freeform(secret)
	}

	if strings.Contains(out, secret) {
		out = strings.Repeat(string(mask), min(len([]rune(secret)), 12))
	}
	return out
}

func (r Redaction) structured(secret string) string {
	var chars []rune
	for _, c := range secret {
		if unicode.IsLetter(c) || unicode.IsDigit(c) {
			chars = append(chars, c)
		}
	}
	n := len(chars)
	if n == 0 {
		return r.freeform(secret)
	}

	keepP, keepS := r.KeepPrefix, r.KeepSuffix
	if keepP+keepS >= n {
		// Too short to reveal that much; keep a quarter at each end at most
		keepP, keepS = n/4, n/4
	}

	masked := make([]rune, n)
	for i, c := range chars {
		if i < keepP || i >= n-keepS {
			masked[i] = c
		} else {
			masked[i] = mask
		}
	}

	if r.GroupSize <= 0 {
		return string(masked)
	}
	var b strings.Builder
	for i, c := range masked {
		if i > 0 && i%r.GroupSize == 0 {
			b.WriteByte(' ')
		}
		b.WriteRune(c)
	}
	return b.String()
}

func (r Redaction) freeform(secret string) string {
	runes := []rune(secret)
	n := len(runes)

	keep := r.KeepPrefix
	if keep*2 > n {
		keep = n / 4
	}
	total := n
	if r.MaxLen > 0 && total > r.MaxLen {
		total = r.MaxLen
	}
	if keep > total {
		keep = total
	}

	var b strings.Builder
	b.WriteString(string(runes[:keep]))
	b.WriteString(strings.Repeat(string(mask), total-keep))
	return b.String()
}
