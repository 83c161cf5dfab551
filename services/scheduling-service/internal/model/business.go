package model

import (
	"fmt"
	"strings"
	"time"
)

// DayHours is one weekday's opening window in business local time, "HH:MM".
type DayHours struct {
	Open   string `json:"open"`
	Close  string `json:"close"`
	IsOpen bool   `json:"is_open"`
}

// BusinessHours is keyed by lowercase English weekday name.
type BusinessHours map[string]DayHours

func DefaultBusinessHours() BusinessHours {
	h := BusinessHours{}
	for wd := time.Sunday; wd <= time.Saturday; wd++ {
		open := wd != time.Saturday && wd != time.Sunday
		h[WeekdayKey(wd)] = DayHours{Open: "09:00", Close: "17:00", IsOpen: open}
	}
	return h
}

func WeekdayKey(wd time.Weekday) string {
	return strings.ToLower(wd.String())
}

// Window returns the opening interval for the local calendar day containing
// day, or ok=false when the business is closed.
func (h BusinessHours) Window(day time.Time, loc *time.Location) (start, end time.Time, ok bool) {
	local := day.In(loc)
	dh, found := h[WeekdayKey(local.Weekday())]
	if !found || !dh.IsOpen {
		return time.Time{}, time.Time{}, false
	}
	oh, om, err := ParseClock(dh.Open)
	if err != nil {
		return time.Time{}, time.Time{}, false
	}
	ch, cm, err := ParseClock(dh.Close)
	if err != nil {
		return time.Time{}, time.Time{}, false
	}
	y, m, d := local.Date()
	start = time.Date(y, m, d, oh, om, 0, 0, loc)
	end = time.Date(y, m, d, ch, cm, 0, 0, loc)
	if !end.After(start) {
		return time.Time{}, time.Time{}, false
	}
	return start, end, true
}

// ParseClock reads an "HH:MM" 24 hour clock value.
func ParseClock(raw string) (int, int, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(raw))
	if err != nil {
		return 0, 0, fmt.Errorf("invalid clock %q: %w", raw, err)
	}
	return t.Hour(), t.Minute(), nil
}

type Business struct {
	ID             string
	OwnerID        string
	Name           string
	WhatsAppNumber string
	Timezone       string
	Services       []string
	Hours          BusinessHours
	Templates      map[string]string
	Active         bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Location resolves the business timezone, falling back to UTC.
func (b Business) Location() *time.Location {
	if b.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(b.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func (b Business) OffersService(name string) bool {
	if len(b.Services) == 0 {
		return true
	}
	for _, s := range b.Services {
		if strings.EqualFold(s, name) {
			return true
		}
	}
	return false
}
