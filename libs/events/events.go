// Package events defines the Kafka topics exchanged between the scheduling
// and notification services and the JSON payloads carried on them.
package events

import (
	"time"
)

const (
	AppointmentScheduled     = "appointment.scheduled.v1"
	AppointmentRescheduled   = "appointment.rescheduled.v1"
	AppointmentStatusChanged = "appointment.status_changed.v1"

	NotificationSent      = "notification.sent.v1"
	NotificationFailed    = "notification.failed.v1"
	NotificationDelivered = "notification.delivered.v1"
)

// BusinessRegistered is published by the auth service when an owner signs up.
const BusinessRegistered = "business.registered.v1"

// Message types and reminder kinds shared by the template configuration on
// the business profile and the notification dispatcher.
const (
	MessageConfirmation = "confirmation"
	MessageReminder     = "reminder"
	MessageFollowUp     = "follow-up"
	MessageCustom       = "custom"

	Reminder24h = "24h"
	Reminder2h  = "2h"
	Reminder30m = "30m"
)

var (
	MessageTypes  = []string{MessageConfirmation, MessageReminder, MessageFollowUp, MessageCustom}
	ReminderKinds = []string{Reminder24h, Reminder2h, Reminder30m}
)

// IsTemplateKey reports whether key may carry a business template: a
// message type or "reminder:<kind>".
func IsTemplateKey(key string) bool {
	for _, t := range MessageTypes {
		if key == t {
			return true
		}
	}
	for _, k := range ReminderKinds {
		if key == ReminderKey(MessageReminder, k) {
			return true
		}
	}
	return false
}

// AppointmentTopics are consumed by the notification service.
var AppointmentTopics = []string{AppointmentScheduled, AppointmentRescheduled, AppointmentStatusChanged}

// NotificationTopics are consumed by the scheduling service.
var NotificationTopics = []string{NotificationSent, NotificationFailed, NotificationDelivered}

// SchedulingTopics are consumed by the scheduling service.
var SchedulingTopics = append([]string{BusinessRegistered}, NotificationTopics...)

// ClientView is the read-only client projection the notification side needs.
type ClientView struct {
	ID             string `json:"id"`
	FirstName      string `json:"first_name"`
	LastName       string `json:"last_name"`
	WhatsAppNumber string `json:"whatsapp_number"`
}

// BusinessView is the read-only business projection used for templating.
type BusinessView struct {
	ID        string            `json:"id"`
	Name      string            `json:"name"`
	Timezone  string            `json:"timezone"`
	Templates map[string]string `json:"templates,omitempty"`
}

// BusinessRegisteredEvent seeds the scheduling side's business record.
type BusinessRegisteredEvent struct {
	BusinessID     string    `json:"business_id"`
	OwnerID        string    `json:"owner_id"`
	Name           string    `json:"name"`
	WhatsAppNumber string    `json:"whatsapp_number"`
	Timezone       string    `json:"timezone"`
	OccurredAt     time.Time `json:"occurred_at"`
}

// AppointmentEvent is published on every appointment topic. Client is nil
// for appointments booked without a client.
type AppointmentEvent struct {
	AppointmentID   string       `json:"appointment_id"`
	BusinessID      string       `json:"business_id"`
	Service         string       `json:"service"`
	StartTime       time.Time    `json:"start_time"`
	DurationMinutes int          `json:"duration_minutes"`
	Status          string       `json:"status"`
	PreviousStatus  string       `json:"previous_status,omitempty"`
	PreviousStart   *time.Time   `json:"previous_start,omitempty"`
	Reason          string       `json:"reason,omitempty"`
	Active          bool         `json:"active"`
	Client          *ClientView  `json:"client,omitempty"`
	Business        BusinessView `json:"business"`
	OccurredAt      time.Time    `json:"occurred_at"`
}

// NotificationOutcome reports what happened to one outbound message.
type NotificationOutcome struct {
	MessageID     string    `json:"message_id"`
	BusinessID    string    `json:"business_id"`
	AppointmentID string    `json:"appointment_id"`
	Type          string    `json:"type"`
	ReminderKind  string    `json:"reminder_kind,omitempty"`
	Status        string    `json:"status"`
	Error         string    `json:"error,omitempty"`
	At            time.Time `json:"at"`
}

// ReminderKey names the slot in an appointment's reminder record that an
// outcome belongs to: "confirmation", "reminder:24h", "follow-up", ...
func ReminderKey(messageType, reminderKind string) string {
	if reminderKind == "" {
		return messageType
	}
	return messageType + ":" + reminderKind
}
