// Package consumer turns appointment events into outbound messages: a
// confirmation when a slot is booked, timed reminders ahead of it, and a
// follow-up once the visit is completed.
package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/md-rashed-zaman/notifywise/libs/apperr"
	"github.com/md-rashed-zaman/notifywise/libs/events"
	"github.com/md-rashed-zaman/notifywise/services/notification-service/internal/dispatch"
	"github.com/md-rashed-zaman/notifywise/services/notification-service/internal/model"
	"github.com/md-rashed-zaman/notifywise/services/notification-service/internal/templates"
	"github.com/segmentio/kafka-go"
)

type Dispatcher interface {
	Dispatch(ctx context.Context, req dispatch.DispatchRequest) (model.Message, error)
	Supersede(ctx context.Context, businessID, appointmentID, reason string) (int, error)
}

var reminderOffsets = map[string]time.Duration{
	events.Reminder24h: 24 * time.Hour,
	events.Reminder2h:  2 * time.Hour,
	events.Reminder30m: 30 * time.Minute,
}

// DefaultReminderKinds are planned when none are configured.
var DefaultReminderKinds = []string{events.Reminder24h, events.Reminder2h}

type Planner struct {
	dispatcher Dispatcher
	kinds      []string
	logger     *slog.Logger
	now        func() time.Time
}

// NewPlanner keeps the known kinds from kinds, falling back to
// DefaultReminderKinds when none remain.
func NewPlanner(dispatcher Dispatcher, kinds []string, logger *slog.Logger) *Planner {
	var known []string
	for _, k := range kinds {
		if _, ok := reminderOffsets[k]; ok {
			known = append(known, k)
		} else {
			logger.Warn("unknown reminder kind ignored", "kind", k)
		}
	}
	if len(known) == 0 {
		known = DefaultReminderKinds
	}
	return &Planner{dispatcher: dispatcher, kinds: known, logger: logger, now: time.Now}
}

// Handle is a kafkax.Handler for the appointment topics.
func (p *Planner) Handle(ctx context.Context, msg kafka.Message) error {
	var evt events.AppointmentEvent
	if err := json.Unmarshal(msg.Value, &evt); err != nil || evt.AppointmentID == "" || evt.BusinessID == "" {
		p.logger.Error("invalid appointment event payload", "err", err, "topic", msg.Topic)
		return nil
	}
	if evt.Business.ID == "" {
		evt.Business.ID = evt.BusinessID
	}

	switch msg.Topic {
	case events.AppointmentScheduled:
		return p.plan(ctx, evt)
	case events.AppointmentRescheduled:
		if err := p.supersede(ctx, evt, "appointment rescheduled"); err != nil {
			return err
		}
		return p.plan(ctx, evt)
	case events.AppointmentStatusChanged:
		return p.statusChanged(ctx, evt)
	default:
		p.logger.Warn("unexpected topic", "topic", msg.Topic)
		return nil
	}
}

func (p *Planner) statusChanged(ctx context.Context, evt events.AppointmentEvent) error {
	switch {
	case !evt.Active:
		return p.supersede(ctx, evt, "appointment archived")
	case evt.Status == "cancelled" || evt.Status == "no-show":
		return p.supersede(ctx, evt, "appointment "+evt.Status)
	case evt.Status == "completed":
		if err := p.supersede(ctx, evt, "appointment completed"); err != nil {
			return err
		}
		return p.send(ctx, evt, events.MessageFollowUp, "", nil)
	default:
		return nil
	}
}

// plan sends the confirmation now and schedules the reminders that still
// lie in the future. Only a failed confirmation is returned, since a retry
// of the event would send it again.
func (p *Planner) plan(ctx context.Context, evt events.AppointmentEvent) error {
	if !evt.Active || (evt.Status != "scheduled" && evt.Status != "confirmed") {
		return nil
	}
	if err := p.send(ctx, evt, events.MessageConfirmation, "", nil); err != nil {
		return err
	}
	now := p.now()
	for _, kind := range p.kinds {
		at := evt.StartTime.Add(-reminderOffsets[kind])
		if !at.After(now) {
			continue
		}
		if err := p.send(ctx, evt, events.MessageReminder, kind, &at); err != nil {
			p.logger.Error("reminder not planned", "err", err, "appointment_id", evt.AppointmentID, "kind", kind)
		}
	}
	return nil
}

// send dispatches one message. Events without a reachable client and
// requests the dispatcher rejects as invalid are logged and skipped.
func (p *Planner) send(ctx context.Context, evt events.AppointmentEvent, messageType, kind string, at *time.Time) error {
	if evt.Client == nil || evt.Client.WhatsAppNumber == "" {
		p.logger.Info("no client number, message skipped", "appointment_id", evt.AppointmentID, "type", messageType)
		return nil
	}
	msg, err := p.dispatcher.Dispatch(ctx, dispatch.DispatchRequest{
		Type:         messageType,
		ReminderKind: kind,
		Appointment: templates.Appointment{
			ID:              evt.AppointmentID,
			Service:         evt.Service,
			StartTime:       evt.StartTime,
			DurationMinutes: evt.DurationMinutes,
		},
		Client:       *evt.Client,
		Business:     evt.Business,
		ScheduledFor: at,
	})
	var invalid *apperr.ValidationError
	if errors.As(err, &invalid) {
		p.logger.Warn("message rejected", "err", err, "appointment_id", evt.AppointmentID, "type", messageType)
		return nil
	}
	if err != nil {
		return err
	}
	p.logger.Info("message dispatched", "message_id", msg.ID, "appointment_id", evt.AppointmentID,
		"type", messageType, "reminder_kind", kind, "status", string(msg.Status))
	return nil
}

func (p *Planner) supersede(ctx context.Context, evt events.AppointmentEvent, reason string) error {
	_, err := p.dispatcher.Supersede(ctx, evt.BusinessID, evt.AppointmentID, reason)
	return err
}
