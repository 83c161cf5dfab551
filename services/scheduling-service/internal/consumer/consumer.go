// Package consumer applies events from other services to scheduling state:
// business registrations from auth and message outcomes from notification.
package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/md-rashed-zaman/notifywise/libs/apperr"
	"github.com/md-rashed-zaman/notifywise/libs/events"
	"github.com/md-rashed-zaman/notifywise/services/scheduling-service/internal/model"
	"github.com/segmentio/kafka-go"
)

type Store interface {
	RegisterBusiness(ctx context.Context, evt events.BusinessRegisteredEvent) error
	RecordReminder(ctx context.Context, businessID, appointmentID, key string, at time.Time, result model.ReminderResult) error
}

type Handler struct {
	store  Store
	logger *slog.Logger
}

func NewHandler(store Store, logger *slog.Logger) *Handler {
	return &Handler{store: store, logger: logger}
}

// Handle is a kafkax.Handler. Malformed payloads and events for records
// that no longer exist are logged and dropped; other errors are returned so
// the consumer retries.
func (h *Handler) Handle(ctx context.Context, msg kafka.Message) error {
	switch msg.Topic {
	case events.BusinessRegistered:
		var evt events.BusinessRegisteredEvent
		if err := json.Unmarshal(msg.Value, &evt); err != nil || evt.BusinessID == "" {
			h.logger.Error("invalid business registration payload", "err", err, "topic", msg.Topic)
			return nil
		}
		return h.store.RegisterBusiness(ctx, evt)
	case events.NotificationSent, events.NotificationFailed, events.NotificationDelivered:
		var evt events.NotificationOutcome
		if err := json.Unmarshal(msg.Value, &evt); err != nil || evt.BusinessID == "" {
			h.logger.Error("invalid notification outcome payload", "err", err, "topic", msg.Topic)
			return nil
		}
		if evt.AppointmentID == "" {
			return nil
		}
		result, ok := reminderResult(msg.Topic)
		if !ok {
			return nil
		}
		at := evt.At
		if at.IsZero() {
			at = msg.Time
		}
		err := h.store.RecordReminder(ctx, evt.BusinessID, evt.AppointmentID, events.ReminderKey(evt.Type, evt.ReminderKind), at, result)
		var nf *apperr.NotFoundError
		if errors.As(err, &nf) {
			h.logger.Info("outcome for unknown appointment dropped",
				"business_id", evt.BusinessID, "appointment_id", evt.AppointmentID, "message_id", evt.MessageID)
			return nil
		}
		return err
	default:
		h.logger.Warn("unexpected topic", "topic", msg.Topic)
		return nil
	}
}

// reminderResult maps an outcome topic to the reminder record result. Read
// receipts arrive on the delivered topic and count as delivered.
func reminderResult(topic string) (model.ReminderResult, bool) {
	switch topic {
	case events.NotificationSent:
		return model.ReminderSent, true
	case events.NotificationDelivered:
		return model.ReminderDelivered, true
	case events.NotificationFailed:
		return model.ReminderFailed, true
	}
	return "", false
}
