package scheduling

import (
	"context"
	"time"

	"github.com/md-rashed-zaman/notifywise/libs/events"
	"github.com/md-rashed-zaman/notifywise/libs/outbox"
	"github.com/md-rashed-zaman/notifywise/services/scheduling-service/internal/model"
)

func appointmentEvent(appt model.Appointment, client *model.Client, biz model.Business, now time.Time) events.AppointmentEvent {
	evt := events.AppointmentEvent{
		AppointmentID:   appt.ID,
		BusinessID:      appt.BusinessID,
		Service:         appt.Service,
		StartTime:       appt.StartTime.UTC(),
		DurationMinutes: appt.DurationMinutes,
		Status:          string(appt.Status),
		Active:          appt.Active,
		Business: events.BusinessView{
			ID:        biz.ID,
			Name:      biz.Name,
			Timezone:  biz.Timezone,
			Templates: biz.Templates,
		},
		OccurredAt: now.UTC(),
	}
	if client != nil {
		evt.Client = &events.ClientView{
			ID:             client.ID,
			FirstName:      client.FirstName,
			LastName:       client.LastName,
			WhatsAppNumber: client.WhatsAppNumber,
		}
	}
	return evt
}

func appendAppointmentEvent(ctx context.Context, tx Tx, eventType string, appt model.Appointment, client *model.Client, biz model.Business, now time.Time, mutate func(*events.AppointmentEvent)) error {
	payload := appointmentEvent(appt, client, biz, now)
	if mutate != nil {
		mutate(&payload)
	}
	evt, err := outbox.NewEvent("appointment", appt.ID, eventType, payload)
	if err != nil {
		return err
	}
	return tx.AppendEvent(ctx, evt)
}
