package storage

import (
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/md-rashed-zaman/notifywise/services/scheduling-service/internal/model"
)

const appointmentColumns = `
	id, business_id, COALESCE(client_id::text, ''), service, start_time, duration_minutes, status,
	price, COALESCE(currency, ''), COALESCE(notes, ''), COALESCE(cancellation_reason, ''),
	reminders, active, created_at, updated_at`

const clientColumns = `
	id, business_id, first_name, COALESCE(last_name, ''), COALESCE(email, ''), whatsapp_number,
	date_of_birth, COALESCE(notes, ''), total_appointments, last_appointment_at, active, created_at, updated_at`

const businessColumns = `
	id, COALESCE(owner_id, ''), name, COALESCE(whatsapp_number, ''), timezone, services,
	business_hours, templates, active, created_at, updated_at`

func scanAppointment(row pgx.Row) (model.Appointment, error) {
	var (
		appt      model.Appointment
		status    string
		reminders []byte
	)
	if err := row.Scan(
		&appt.ID,
		&appt.BusinessID,
		&appt.ClientID,
		&appt.Service,
		&appt.StartTime,
		&appt.DurationMinutes,
		&status,
		&appt.Price,
		&appt.Currency,
		&appt.Notes,
		&appt.CancellationReason,
		&reminders,
		&appt.Active,
		&appt.CreatedAt,
		&appt.UpdatedAt,
	); err != nil {
		return model.Appointment{}, err
	}
	appt.Status = model.Status(status)
	if len(reminders) > 0 {
		if err := json.Unmarshal(reminders, &appt.Reminders); err != nil {
			return model.Appointment{}, err
		}
	}
	return appt, nil
}

func collectAppointments(rows pgx.Rows) ([]model.Appointment, error) {
	defer rows.Close()
	appts := []model.Appointment{}
	for rows.Next() {
		appt, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		appts = append(appts, appt)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return appts, nil
}

func scanClient(row pgx.Row) (model.Client, error) {
	var (
		c    model.Client
		dob  *time.Time
		last *time.Time
	)
	if err := row.Scan(
		&c.ID,
		&c.BusinessID,
		&c.FirstName,
		&c.LastName,
		&c.Email,
		&c.WhatsAppNumber,
		&dob,
		&c.Notes,
		&c.TotalAppointments,
		&last,
		&c.Active,
		&c.CreatedAt,
		&c.UpdatedAt,
	); err != nil {
		return model.Client{}, err
	}
	c.DateOfBirth = dob
	c.LastAppointmentAt = last
	return c, nil
}

func scanBusiness(row pgx.Row) (model.Business, error) {
	var (
		b         model.Business
		hours     []byte
		templates []byte
	)
	if err := row.Scan(
		&b.ID,
		&b.OwnerID,
		&b.Name,
		&b.WhatsAppNumber,
		&b.Timezone,
		&b.Services,
		&hours,
		&templates,
		&b.Active,
		&b.CreatedAt,
		&b.UpdatedAt,
	); err != nil {
		return model.Business{}, err
	}
	if len(hours) > 0 {
		if err := json.Unmarshal(hours, &b.Hours); err != nil {
			return model.Business{}, err
		}
	}
	b.Templates = map[string]string{}
	if len(templates) > 0 {
		if err := json.Unmarshal(templates, &b.Templates); err != nil {
			return model.Business{}, err
		}
	}
	return b, nil
}

func remindersJSON(r map[string]model.ReminderEntry) ([]byte, error) {
	if r == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(r)
}
