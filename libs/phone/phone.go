// Package phone normalizes WhatsApp destination numbers to bare digits with
// a country code, which is the form the messaging provider expects.
package phone

import (
	"regexp"
	"strings"
	"unicode"

	"github.com/md-rashed-zaman/notifywise/libs/apperr"
)

var canonical = regexp.MustCompile(`^\d{10,15}$`)

// Normalizer applies the deployment's country code defaults.
type Normalizer struct {
	// DefaultCode is prepended to 9 digit national numbers and to 10 digit
	// numbers written with a leading trunk 0.
	DefaultCode string
	// AltCode is prepended to other 10 digit numbers.
	AltCode string
}

func New(defaultCode, altCode string) Normalizer {
	return Normalizer{DefaultCode: digits(defaultCode), AltCode: digits(altCode)}
}

// Normalize strips everything but digits and adds a country code to short
// national numbers. Longer inputs pass through unchanged.
func (n Normalizer) Normalize(raw string) string {
	d := digits(raw)
	switch {
	case len(d) == 9:
		return n.DefaultCode + d
	case len(d) == 10 && d[0] == '0':
		return n.DefaultCode + d[1:]
	case len(d) == 10:
		return n.AltCode + d
	default:
		return d
	}
}

// Validate rejects inputs containing letters or holding fewer than 10 or more
// than 15 digits, then returns the normalized form. field names the input in
// the returned ValidationError.
func (n Normalizer) Validate(field, raw string) (string, error) {
	if strings.IndexFunc(raw, unicode.IsLetter) >= 0 {
		return "", apperr.Invalid(field, "must not contain letters")
	}
	if !canonical.MatchString(digits(raw)) {
		return "", apperr.Invalid(field, "must contain 10 to 15 digits")
	}
	out := n.Normalize(raw)
	if !canonical.MatchString(out) {
		return "", apperr.Invalid(field, "must contain 10 to 15 digits including country code")
	}
	return out, nil
}

func digits(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
