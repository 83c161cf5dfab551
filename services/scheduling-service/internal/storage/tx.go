package storage

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/md-rashed-zaman/notifywise/libs/apperr"
	"github.com/md-rashed-zaman/notifywise/libs/db"
	"github.com/md-rashed-zaman/notifywise/libs/outbox"
	"github.com/md-rashed-zaman/notifywise/services/scheduling-service/internal/model"
)

type schedulingTx struct {
	tx     pgx.Tx
	outbox *outbox.Repository
}

// LockBusiness takes a transaction scoped advisory lock keyed by the
// business id.
func (t *schedulingTx) LockBusiness(ctx context.Context, businessID string) error {
	_, err := t.tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, businessID)
	return err
}

func (t *schedulingTx) Business(ctx context.Context, businessID string) (model.Business, error) {
	return getBusiness(ctx, t.tx, businessID)
}

func (t *schedulingTx) FindConflict(ctx context.Context, businessID string, start, end time.Time, excludeID string) (*model.Appointment, error) {
	return findConflict(ctx, t.tx, businessID, start, end, excludeID)
}

func (t *schedulingTx) GetForUpdate(ctx context.Context, businessID, appointmentID string) (model.Appointment, error) {
	appt, err := scanAppointment(t.tx.QueryRow(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE id = $1 AND business_id = $2 AND active
		FOR UPDATE
	`, appointmentID, businessID))
	if db.IsNotFound(err) || db.IsInvalidText(err) {
		return model.Appointment{}, apperr.NotFound("appointment", appointmentID)
	}
	return appt, err
}

func (t *schedulingTx) Insert(ctx context.Context, appt model.Appointment) error {
	reminders, err := remindersJSON(appt.Reminders)
	if err != nil {
		return err
	}
	_, err = t.tx.Exec(ctx, `
		INSERT INTO appointments
			(id, business_id, client_id, service, start_time, end_time, duration_minutes, status,
			 price, currency, notes, reminders, active, created_at, updated_at)
		VALUES ($1, $2, NULLIF($3, '')::uuid, $4, $5, $6, $7, $8, $9, NULLIF($10, ''), NULLIF($11, ''), $12, $13, $14, $15)
	`, appt.ID, appt.BusinessID, appt.ClientID, appt.Service, appt.StartTime, appt.EndTime(), appt.DurationMinutes,
		string(appt.Status), appt.Price, appt.Currency, appt.Notes, reminders, appt.Active, appt.CreatedAt, appt.UpdatedAt)
	return mapWriteError(err, appt)
}

func (t *schedulingTx) Update(ctx context.Context, appt model.Appointment) error {
	reminders, err := remindersJSON(appt.Reminders)
	if err != nil {
		return err
	}
	tag, err := t.tx.Exec(ctx, `
		UPDATE appointments
		SET start_time = $3,
			end_time = $4,
			duration_minutes = $5,
			status = $6,
			cancellation_reason = NULLIF($7, ''),
			reminders = $8,
			active = $9,
			updated_at = $10,
			client_id = NULLIF($11, '')::uuid,
			service = $12,
			price = $13,
			currency = NULLIF($14, ''),
			notes = NULLIF($15, '')
		WHERE id = $1 AND business_id = $2
	`, appt.ID, appt.BusinessID, appt.StartTime, appt.EndTime(), appt.DurationMinutes, string(appt.Status),
		appt.CancellationReason, reminders, appt.Active, appt.UpdatedAt,
		appt.ClientID, appt.Service, appt.Price, appt.Currency, appt.Notes)
	if err != nil {
		return mapWriteError(err, appt)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("appointment", appt.ID)
	}
	return nil
}

func (t *schedulingTx) GetClient(ctx context.Context, businessID, clientID string) (model.Client, error) {
	c, err := scanClient(t.tx.QueryRow(ctx, `
		SELECT `+clientColumns+`
		FROM clients
		WHERE id = $1 AND business_id = $2 AND active
	`, clientID, businessID))
	if db.IsNotFound(err) || db.IsInvalidText(err) {
		return model.Client{}, apperr.NotFound("client", clientID)
	}
	return c, err
}

func (t *schedulingTx) FindClientByNumber(ctx context.Context, businessID, number string) (*model.Client, error) {
	c, err := scanClient(t.tx.QueryRow(ctx, `
		SELECT `+clientColumns+`
		FROM clients
		WHERE business_id = $1 AND whatsapp_number = $2 AND active
	`, businessID, number))
	if db.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (t *schedulingTx) InsertClient(ctx context.Context, c model.Client) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO clients
			(id, business_id, first_name, last_name, email, whatsapp_number, date_of_birth, notes,
			 total_appointments, last_appointment_at, active, created_at, updated_at)
		VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''), $6, $7, NULLIF($8, ''), $9, $10, $11, $12, $13)
	`, c.ID, c.BusinessID, c.FirstName, c.LastName, c.Email, c.WhatsAppNumber, c.DateOfBirth, c.Notes,
		c.TotalAppointments, c.LastAppointmentAt, c.Active, c.CreatedAt, c.UpdatedAt)
	if db.IsUniqueViolation(err) {
		return apperr.Invalid("whatsapp_number", "already registered for this business")
	}
	return err
}

func (t *schedulingTx) UpdateClient(ctx context.Context, c model.Client) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE clients
		SET first_name = $3,
			last_name = NULLIF($4, ''),
			email = NULLIF($5, ''),
			whatsapp_number = $6,
			date_of_birth = $7,
			notes = NULLIF($8, ''),
			updated_at = $9
		WHERE id = $1 AND business_id = $2 AND active
	`, c.ID, c.BusinessID, c.FirstName, c.LastName, c.Email, c.WhatsAppNumber, c.DateOfBirth, c.Notes, c.UpdatedAt)
	if db.IsUniqueViolation(err) {
		return apperr.Invalid("whatsapp_number", "already registered for this business")
	}
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("client", c.ID)
	}
	return nil
}

// ClaimIdempotencyKey inserts the key if absent and locks its row. A row
// with an appointment id was finalized by an earlier booking.
func (t *schedulingTx) ClaimIdempotencyKey(ctx context.Context, businessID, key string) (string, error) {
	if _, err := t.tx.Exec(ctx, `
		INSERT INTO booking_idempotency_keys (business_id, idempotency_key)
		VALUES ($1, $2)
		ON CONFLICT (business_id, idempotency_key) DO NOTHING
	`, businessID, key); err != nil {
		return "", err
	}
	var appointmentID string
	err := t.tx.QueryRow(ctx, `
		SELECT COALESCE(appointment_id::text, '')
		FROM booking_idempotency_keys
		WHERE business_id = $1 AND idempotency_key = $2
		FOR UPDATE
	`, businessID, key).Scan(&appointmentID)
	return appointmentID, err
}

func (t *schedulingTx) FinalizeIdempotencyKey(ctx context.Context, businessID, key, appointmentID string) error {
	_, err := t.tx.Exec(ctx, `
		UPDATE booking_idempotency_keys
		SET appointment_id = $3,
			updated_at = now()
		WHERE business_id = $1 AND idempotency_key = $2
	`, businessID, key, appointmentID)
	return err
}

func (t *schedulingTx) AppendEvent(ctx context.Context, evt outbox.Event) error {
	return t.outbox.Insert(ctx, t.tx, evt)
}

// overlapError is an exclusion constraint violation on appt's interval. The
// transaction is aborted by then, so Repository.InTx resolves it into a
// ConflictError once the transaction is gone.
type overlapError struct {
	appt model.Appointment
	err  error
}

func (e *overlapError) Error() string { return "appointment overlap: " + e.err.Error() }
func (e *overlapError) Unwrap() error { return e.err }

// mapWriteError catches the overlap exclusion constraint. It only fires if a
// write slipped past the advisory lock.
func mapWriteError(err error, appt model.Appointment) error {
	if db.IsExclusionViolation(err) {
		return &overlapError{appt: appt, err: err}
	}
	return err
}
