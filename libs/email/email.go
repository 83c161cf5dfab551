// Package email validates the contact addresses stored for owners and
// clients.
package email

import (
	"net/mail"
	"strings"

	"github.com/md-rashed-zaman/notifywise/libs/apperr"
)

// Normalize lowercases and trims raw and checks it is a bare address with a
// dotted domain. field names the input in the returned ValidationError.
func Normalize(field, raw string) (string, error) {
	addr := strings.ToLower(strings.TrimSpace(raw))
	parsed, err := mail.ParseAddress(addr)
	if err != nil || parsed.Address != addr {
		return "", apperr.Invalid(field, "must be a valid email address")
	}
	domain := addr[strings.LastIndexByte(addr, '@')+1:]
	if !strings.Contains(domain, ".") || strings.HasSuffix(domain, ".") {
		return "", apperr.Invalid(field, "must be a valid email address")
	}
	return addr, nil
}
