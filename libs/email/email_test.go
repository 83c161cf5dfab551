package email

import (
	"errors"
	"testing"

	"github.com/md-rashed-zaman/notifywise/libs/apperr"
)

func TestNormalize(t *testing.T) {
	got, err := Normalize("email", "  Owner@Example.COM ")
	if err != nil || got != "owner@example.com" {
		t.Fatalf("got %q, %v", got, err)
	}
	for _, raw := range []string{"", "not-an-email", "a@b", "a@b.", "Amina <a@b.co>", "a b@c.co"} {
		_, err := Normalize("email", raw)
		var ve *apperr.ValidationError
		if !errors.As(err, &ve) || ve.Field != "email" {
			t.Fatalf("Normalize(%q) expected ValidationError, got %v", raw, err)
		}
	}
}
