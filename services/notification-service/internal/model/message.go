package model

import (
	"time"

	"github.com/md-rashed-zaman/notifywise/libs/apperr"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
	StatusFailed    Status = "failed"
)

const (
	DefaultMaxRetries = 3
	MinMaxRetries     = 1
	MaxMaxRetries     = 10
	MaxContentLength  = 1000
)

// progress orders the statuses a sent message moves through.
func (s Status) progress() int {
	switch s {
	case StatusSent:
		return 1
	case StatusDelivered:
		return 2
	case StatusRead:
		return 3
	default:
		return 0
	}
}

// ParseDeliveryStatus accepts the statuses a delivery receipt may carry.
func ParseDeliveryStatus(raw string) (Status, error) {
	switch s := Status(raw); s {
	case StatusDelivered, StatusRead:
		return s, nil
	default:
		return "", apperr.Invalid("status", "must be delivered or read")
	}
}

type Message struct {
	ID                string
	BusinessID        string
	AppointmentID     string
	ClientID          string
	Type              string
	ReminderKind      string
	Destination       string
	Content           string
	Provider          string
	ProviderMessageID string
	Status            Status
	ScheduledFor      *time.Time
	SentAt            *time.Time
	DeliveredAt       *time.Time
	ReadAt            *time.Time
	Error             string
	RetryCount        int
	MaxRetries        int
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Retryable reports whether an explicit retry may be attempted.
func (m Message) Retryable() bool {
	return m.Status == StatusFailed && m.RetryCount < m.MaxRetries
}

// Due reports whether a pending message should go out at now.
func (m Message) Due(now time.Time) bool {
	return m.Status == StatusPending && (m.ScheduledFor == nil || !m.ScheduledFor.After(now))
}

// MarkSent records a successful gateway call.
func (m *Message) MarkSent(providerMessageID string, at time.Time) {
	t := at.UTC()
	m.Status = StatusSent
	m.ProviderMessageID = providerMessageID
	m.SentAt = &t
	m.Error = ""
}

// MarkFailed records a failed gateway call. The retry counter is owned by
// the retry claim and is not touched here.
func (m *Message) MarkFailed(reason string) {
	m.Status = StatusFailed
	m.Error = reason
}

// ApplyDelivery moves a sent message forward to delivered or read. Pending
// and failed messages, duplicates and out-of-order receipts leave it
// unchanged. A read receipt without a prior delivery also stamps the
// delivery time. It reports whether the message changed.
func (m *Message) ApplyDelivery(status Status, at time.Time) bool {
	if m.Status.progress() == 0 || status.progress() <= m.Status.progress() {
		return false
	}
	t := at.UTC()
	switch status {
	case StatusDelivered:
		m.DeliveredAt = &t
	case StatusRead:
		if m.DeliveredAt == nil {
			m.DeliveredAt = &t
		}
		m.ReadAt = &t
	}
	m.Status = status
	return true
}

// Supersede retires a pending message whose appointment moved or went away.
// It is left failed with no retries remaining.
func (m *Message) Supersede(reason string) bool {
	if m.Status != StatusPending {
		return false
	}
	m.Status = StatusFailed
	m.Error = reason
	m.RetryCount = m.MaxRetries
	return true
}

// Stats counts a business's messages by status.
type Stats struct {
	Total     int
	Pending   int
	Sent      int
	Delivered int
	Read      int
	Failed    int
}
