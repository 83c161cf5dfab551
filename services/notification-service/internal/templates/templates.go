// Package templates renders outbound WhatsApp text from business templates
// or the built-in defaults.
package templates

import (
	"strings"
	"time"
	"unicode/utf8"

	"github.com/md-rashed-zaman/notifywise/libs/apperr"
	"github.com/md-rashed-zaman/notifywise/libs/events"
	"github.com/md-rashed-zaman/notifywise/services/notification-service/internal/model"
)

// Appointment is the part of an appointment a message may mention.
type Appointment struct {
	ID              string
	Service         string
	StartTime       time.Time
	DurationMinutes int
}

type Request struct {
	Type         string
	ReminderKind string
	CustomText   string
	Appointment  Appointment
	Client       events.ClientView
	Business     events.BusinessView
}

var defaults = map[string]string{
	events.MessageConfirmation: "Hello {clientName}, your {service} appointment at {businessName} is confirmed for {date} at {time}. " +
		"If you need to reschedule, please contact us.",
	events.MessageReminder: "Hi {clientName}, this is a friendly reminder about your {service} appointment {when} " +
		"at {businessName}: {date} at {time}. See you soon!",
	events.MessageFollowUp: "Hi {clientName}, thank you for choosing {businessName} for your {service} today. " +
		"We hope to see you again soon!",
}

var whenPhrases = map[string]string{
	events.Reminder24h: "tomorrow",
	events.Reminder2h:  "in 2 hours",
	events.Reminder30m: "in 30 minutes",
}

const (
	dateLayout = "Monday, January 2, 2006"
	timeLayout = "3:04 PM"
)

// Compose renders the message for req. It fails with a ValidationError for
// an unknown type or reminder kind, an empty custom text, or a result over
// the content limit.
func Compose(req Request) (string, error) {
	tmpl, err := lookup(req)
	if err != nil {
		return "", err
	}

	loc := time.UTC
	if req.Business.Timezone != "" {
		if l, err := time.LoadLocation(req.Business.Timezone); err == nil {
			loc = l
		}
	}
	start := req.Appointment.StartTime.In(loc)
	r := strings.NewReplacer(
		"{clientName}", clientName(req.Client),
		"{service}", req.Appointment.Service,
		"{date}", start.Format(dateLayout),
		"{time}", start.Format(timeLayout),
		"{businessName}", req.Business.Name,
		"{when}", whenPhrases[req.ReminderKind],
	)
	out := strings.TrimSpace(r.Replace(tmpl))
	if out == "" {
		return "", apperr.Invalid("content", "must not be empty")
	}
	if utf8.RuneCountInString(out) > model.MaxContentLength {
		return "", apperr.Invalid("content", "must be at most 1000 characters")
	}
	return out, nil
}

// lookup picks the template: the business's reminder:<kind> entry, then
// its entry for the type, then the default.
func lookup(req Request) (string, error) {
	switch req.Type {
	case events.MessageCustom:
		if strings.TrimSpace(req.CustomText) == "" {
			return "", apperr.Invalid("custom_text", "required for custom messages")
		}
		return req.CustomText, nil
	case events.MessageReminder:
		if _, ok := whenPhrases[req.ReminderKind]; !ok {
			return "", apperr.Invalid("reminder_kind", "must be one of 24h, 2h, 30m")
		}
		if t := req.Business.Templates[events.ReminderKey(events.MessageReminder, req.ReminderKind)]; strings.TrimSpace(t) != "" {
			return t, nil
		}
	case events.MessageConfirmation, events.MessageFollowUp:
	default:
		return "", apperr.Invalid("type", "must be one of confirmation, reminder, follow-up, custom")
	}
	if t := req.Business.Templates[req.Type]; strings.TrimSpace(t) != "" {
		return t, nil
	}
	return defaults[req.Type], nil
}

func clientName(c events.ClientView) string {
	name := strings.TrimSpace(c.FirstName + " " + c.LastName)
	if name == "" {
		return "there"
	}
	return name
}
