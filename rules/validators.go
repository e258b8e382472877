package rules

import (
	"math/big"
	"strconv"
	"strings"
	"unicode"
)

// Validator rejects regex matches that are syntactically plausible but not real,
// such as card numbers with a bad check digit.
type Validator func(match string) bool

var validators = map[string]Validator{
	"luhn": Luhn,
	"iban": IBAN,
}

// LookupValidator returns the validator registered under name
func LookupValidator(name string) (Validator, bool) {
	v, ok := validators[strings.ToLower(name)]
	return v, ok
}

// Luhn checks the mod-10 checksum over the digits in s
func Luhn(s string) bool {
	sum, n := 0, 0
	double := false
	for i := len(s) - 1; i >= 0; i-- {
		c := s[i]
		if c < '0' || c > '9' {
			continue
		}
		d := int(c - '0')
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		double = !double
		n++
	}
	return n >= 12 && sum%10 == 0
}

// IBAN checks the ISO 13616 mod-97 checksum
func IBAN(s string) bool {
	var compact []rune
	for _, c := range strings.ToUpper(s) {
		if unicode.IsSpace(c) {
			continue
		}
		compact = append(compact, c)
	}
	if len(compact) < 15 || len(compact) > 34 {
		return false
	}
	rearranged := make([]rune, 0, len(compact))
	rearranged = append(rearranged, compact[4:]...)
	rearranged = append(rearranged, compact[:4]...)

	var digits strings.Builder
	for _, c := range rearranged {
		switch {
		case c >= '0' && c <= '9':
			digits.WriteRune(c)
		case c >= 'A' && c <= 'Z':
			digits.WriteString(strconv.Itoa(int(c-'A') + 10))
		default:
			return false
		}
	}
	n, ok := new(big.Int).SetString(digits.String(), 10)
	if !ok {
		return false
	}
	return new(big.Int).Mod(n, big.NewInt(97)).Int64() == 1
}
