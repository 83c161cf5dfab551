package model

import (
	"time"

	"github.com/md-rashed-zaman/notifywise/libs/apperr"
	"github.com/shopspring/decimal"
)

type Status string

const (
	StatusScheduled Status = "scheduled"
	StatusConfirmed Status = "confirmed"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
	StatusNoShow    Status = "no-show"
)

const (
	MinDurationMinutes = 15
	MaxDurationMinutes = 480
)

var transitions = map[Status][]Status{
	StatusScheduled: {StatusConfirmed, StatusCancelled, StatusNoShow, StatusCompleted},
	StatusConfirmed: {StatusCompleted, StatusCancelled, StatusNoShow},
}

func ParseStatus(raw string) (Status, error) {
	switch s := Status(raw); s {
	case StatusScheduled, StatusConfirmed, StatusCompleted, StatusCancelled, StatusNoShow:
		return s, nil
	default:
		return "", apperr.Invalid("status", "must be one of scheduled, confirmed, completed, cancelled, no-show")
	}
}

// Terminal statuses accept no further transitions.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusNoShow
}

// Blocking statuses occupy their interval for conflict detection.
func (s Status) Blocking() bool {
	return s == StatusScheduled || s == StatusConfirmed
}

func (s Status) CanTransitionTo(next Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

type ReminderResult string

const (
	ReminderSent      ReminderResult = "sent"
	ReminderDelivered ReminderResult = "delivered"
	ReminderFailed    ReminderResult = "failed"
)

func (r ReminderResult) rank() int {
	switch r {
	case ReminderSent:
		return 1
	case ReminderDelivered:
		return 2
	default:
		return 0
	}
}

// ReminderEntry records the latest known outcome of one notification kind.
type ReminderEntry struct {
	At     time.Time      `json:"at"`
	Result ReminderResult `json:"result"`
}

type Appointment struct {
	ID                 string
	BusinessID         string
	ClientID           string
	Service            string
	StartTime          time.Time
	DurationMinutes    int
	Status             Status
	Price              decimal.NullDecimal
	Currency           string
	Notes              string
	CancellationReason string
	Reminders          map[string]ReminderEntry
	Active             bool
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// EndTime is the exclusive end of the occupied interval.
func (a Appointment) EndTime() time.Time {
	return a.StartTime.Add(time.Duration(a.DurationMinutes) * time.Minute)
}

// Overlaps uses half-open intervals: [s1,e1) and [s2,e2) overlap iff
// s1 < e2 and s2 < e1.
func (a Appointment) Overlaps(start, end time.Time) bool {
	return a.StartTime.Before(end) && start.Before(a.EndTime())
}

// Transition moves the appointment to next or reports why it cannot.
func (a *Appointment) Transition(next Status) error {
	if !a.Status.CanTransitionTo(next) {
		return &apperr.InvalidTransitionError{From: string(a.Status), To: string(next)}
	}
	a.Status = next
	return nil
}

// RecordReminder applies an outcome to the reminder record. A delivered
// entry is never downgraded by a late sent or failed outcome. It reports
// whether the record changed.
func (a *Appointment) RecordReminder(key string, at time.Time, result ReminderResult) bool {
	if a.Reminders == nil {
		a.Reminders = map[string]ReminderEntry{}
	}
	prev, ok := a.Reminders[key]
	if ok {
		if result.rank() < prev.Result.rank() {
			return false
		}
		if prev.Result == result && !at.After(prev.At) {
			return false
		}
	}
	a.Reminders[key] = ReminderEntry{At: at.UTC(), Result: result}
	return true
}
