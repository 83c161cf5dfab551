package scheduling

import (
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/md-rashed-zaman/notifywise/libs/apperr"
	"github.com/md-rashed-zaman/notifywise/libs/email"
	"github.com/md-rashed-zaman/notifywise/libs/events"
	"github.com/md-rashed-zaman/notifywise/services/scheduling-service/internal/model"
	"github.com/shopspring/decimal"
)

const (
	maxServiceLen   = 100
	maxNotesLen     = 1000
	maxReasonLen    = 500
	maxNameLen      = 50
	maxTemplateLen  = 1000
	defaultCurrency = "USD"
)

var currencyPattern = regexp.MustCompile(`^[A-Z]{3}$`)

func tooLong(s string, max int) bool {
	return utf8.RuneCountInString(s) > max
}

// validateInterval applies the duration bounds and the date rule: the start
// may be any time on the current calendar day (in loc) or later.
func validateInterval(start time.Time, durationMinutes int, loc *time.Location, now time.Time) error {
	if start.IsZero() {
		return apperr.Invalid("start_time", "required")
	}
	if durationMinutes < model.MinDurationMinutes || durationMinutes > model.MaxDurationMinutes {
		return apperr.Invalid("duration_minutes", "must be between 15 and 480")
	}
	sy, sm, sd := start.In(loc).Date()
	ny, nm, nd := now.In(loc).Date()
	if time.Date(sy, sm, sd, 0, 0, 0, 0, time.UTC).Before(time.Date(ny, nm, nd, 0, 0, 0, 0, time.UTC)) {
		return apperr.Invalid("start_time", "must not be on a day before today in the business timezone")
	}
	return nil
}

func validateSchedule(req ScheduleRequest, loc *time.Location, now time.Time) (decimal.NullDecimal, string, error) {
	if err := validateInterval(req.Start, req.DurationMinutes, loc, now); err != nil {
		return decimal.NullDecimal{}, "", err
	}
	return validateDetails(req)
}

// validateDetails checks everything of a ScheduleRequest but its interval
// and returns the stored price and currency.
func validateDetails(req ScheduleRequest) (decimal.NullDecimal, string, error) {
	if req.Service == "" {
		return decimal.NullDecimal{}, "", apperr.Invalid("service", "required")
	}
	if tooLong(req.Service, maxServiceLen) {
		return decimal.NullDecimal{}, "", apperr.Invalid("service", "must be at most 100 characters")
	}
	if tooLong(req.Notes, maxNotesLen) {
		return decimal.NullDecimal{}, "", apperr.Invalid("notes", "must be at most 1000 characters")
	}

	var price decimal.NullDecimal
	currency := strings.ToUpper(strings.TrimSpace(req.Currency))
	if req.Price != nil {
		if req.Price.IsNegative() {
			return decimal.NullDecimal{}, "", apperr.Invalid("price", "must not be negative")
		}
		price = decimal.NewNullDecimal(*req.Price)
		if currency == "" {
			currency = defaultCurrency
		}
	}
	if currency != "" && !currencyPattern.MatchString(currency) {
		return decimal.NullDecimal{}, "", apperr.Invalid("currency", "must be a 3-letter code")
	}
	return price, currency, nil
}

func (s *Store) validateClient(req ClientRequest, now time.Time) (model.Client, error) {
	c := model.Client{
		BusinessID: req.BusinessID,
		FirstName:  strings.TrimSpace(req.FirstName),
		LastName:   strings.TrimSpace(req.LastName),
		Email:      strings.ToLower(strings.TrimSpace(req.Email)),
		Notes:      strings.TrimSpace(req.Notes),
		Active:     true,
	}
	if c.FirstName == "" {
		return model.Client{}, apperr.Invalid("first_name", "required")
	}
	if tooLong(c.FirstName, maxNameLen) {
		return model.Client{}, apperr.Invalid("first_name", "must be at most 50 characters")
	}
	if tooLong(c.LastName, maxNameLen) {
		return model.Client{}, apperr.Invalid("last_name", "must be at most 50 characters")
	}
	if c.Email != "" {
		addr, err := email.Normalize("email", c.Email)
		if err != nil {
			return model.Client{}, err
		}
		c.Email = addr
	}
	number, err := s.phones.Validate("whatsapp_number", req.WhatsAppNumber)
	if err != nil {
		return model.Client{}, err
	}
	c.WhatsAppNumber = number
	if req.DateOfBirth != nil {
		if req.DateOfBirth.After(now) {
			return model.Client{}, apperr.Invalid("date_of_birth", "must not be in the future")
		}
		dob := req.DateOfBirth.UTC()
		c.DateOfBirth = &dob
	}
	if tooLong(c.Notes, maxNotesLen) {
		return model.Client{}, apperr.Invalid("notes", "must be at most 1000 characters")
	}
	return c, nil
}

func (s *Store) validateProfile(u ProfileUpdate) (model.Business, error) {
	b := model.Business{
		ID:        u.BusinessID,
		Name:      strings.TrimSpace(u.Name),
		Timezone:  strings.TrimSpace(u.Timezone),
		Hours:     u.Hours,
		Templates: map[string]string{},
		Active:    true,
	}
	if b.Name == "" {
		return model.Business{}, apperr.Invalid("name", "required")
	}
	if tooLong(b.Name, maxServiceLen) {
		return model.Business{}, apperr.Invalid("name", "must be at most 100 characters")
	}
	if strings.TrimSpace(u.WhatsAppNumber) != "" {
		number, err := s.phones.Validate("whatsapp_number", u.WhatsAppNumber)
		if err != nil {
			return model.Business{}, err
		}
		b.WhatsAppNumber = number
	}
	if b.Timezone == "" {
		b.Timezone = "UTC"
	}
	if _, err := time.LoadLocation(b.Timezone); err != nil {
		return model.Business{}, apperr.Invalid("timezone", "must be an IANA timezone name")
	}

	seen := map[string]bool{}
	for _, raw := range u.Services {
		name := strings.TrimSpace(raw)
		if name == "" {
			continue
		}
		if tooLong(name, maxServiceLen) {
			return model.Business{}, apperr.Invalid("services", "each service must be at most 100 characters")
		}
		if key := strings.ToLower(name); !seen[key] {
			seen[key] = true
			b.Services = append(b.Services, name)
		}
	}

	if len(b.Hours) == 0 {
		b.Hours = model.DefaultBusinessHours()
	}
	for day, h := range b.Hours {
		if !isWeekdayKey(day) {
			return model.Business{}, apperr.Invalid("business_hours", "unknown weekday "+day)
		}
		oh, om, err := model.ParseClock(h.Open)
		if err != nil {
			return model.Business{}, apperr.Invalid("business_hours", day+" open must be HH:MM")
		}
		ch, cm, err := model.ParseClock(h.Close)
		if err != nil {
			return model.Business{}, apperr.Invalid("business_hours", day+" close must be HH:MM")
		}
		if h.IsOpen && ch*60+cm <= oh*60+om {
			return model.Business{}, apperr.Invalid("business_hours", day+" close must be after open")
		}
	}

	for key, tmpl := range u.Templates {
		if !events.IsTemplateKey(key) {
			return model.Business{}, apperr.Invalid("templates", "unknown template key "+key)
		}
		tmpl = strings.TrimSpace(tmpl)
		if tmpl == "" {
			continue
		}
		if tooLong(tmpl, maxTemplateLen) {
			return model.Business{}, apperr.Invalid("templates", key+" must be at most 1000 characters")
		}
		b.Templates[key] = tmpl
	}
	return b, nil
}

func isWeekdayKey(day string) bool {
	for wd := time.Sunday; wd <= time.Saturday; wd++ {
		if model.WeekdayKey(wd) == day {
			return true
		}
	}
	return false
}
