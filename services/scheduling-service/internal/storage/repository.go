// Package storage is the Postgres implementation of the scheduling
// repository.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/md-rashed-zaman/notifywise/libs/apperr"
	"github.com/md-rashed-zaman/notifywise/libs/db"
	"github.com/md-rashed-zaman/notifywise/libs/outbox"
	"github.com/md-rashed-zaman/notifywise/services/scheduling-service/internal/model"
	"github.com/md-rashed-zaman/notifywise/services/scheduling-service/internal/scheduling"
)

type Repository struct {
	pool   *db.Pool
	outbox *outbox.Repository
}

func NewRepository(pool *db.Pool) *Repository {
	return &Repository{pool: pool, outbox: outbox.NewRepository()}
}

func (r *Repository) InTx(ctx context.Context, fn func(scheduling.Tx) error) error {
	err := r.pool.InTx(ctx, func(tx pgx.Tx) error {
		return fn(&schedulingTx{tx: tx, outbox: r.outbox})
	})
	var overlap *overlapError
	if errors.As(err, &overlap) {
		return resolveOverlap(context.WithoutCancel(ctx), r.pool, overlap.appt)
	}
	return err
}

// resolveOverlap looks up the committed appointment that won the interval.
// The requested interval is reported when it has gone again.
func resolveOverlap(ctx context.Context, q querier, appt model.Appointment) error {
	conflict := &apperr.ConflictError{Start: appt.StartTime, End: appt.EndTime()}
	existing, err := findConflict(ctx, q, appt.BusinessID, appt.StartTime, appt.EndTime(), appt.ID)
	if err == nil && existing != nil {
		conflict.AppointmentID = existing.ID
		conflict.Start = existing.StartTime
		conflict.End = existing.EndTime()
	}
	return conflict
}

func findConflict(ctx context.Context, q querier, businessID string, start, end time.Time, excludeID string) (*model.Appointment, error) {
	appt, err := scanAppointment(q.QueryRow(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE business_id = $1
			AND active
			AND status IN ('scheduled', 'confirmed')
			AND start_time < $3
			AND end_time > $2
			AND ($4 = '' OR id::text <> $4)
		ORDER BY start_time
		LIMIT 1
	`, businessID, start, end, excludeID))
	if db.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &appt, nil
}

func (r *Repository) Business(ctx context.Context, businessID string) (model.Business, error) {
	return getBusiness(ctx, r.pool, businessID)
}

// SaveBusiness upserts the editable profile. The owner and creation time of
// an existing row are kept.
func (r *Repository) SaveBusiness(ctx context.Context, b model.Business) (model.Business, error) {
	hours, err := json.Marshal(b.Hours)
	if err != nil {
		return model.Business{}, err
	}
	templates, err := json.Marshal(b.Templates)
	if err != nil {
		return model.Business{}, err
	}
	services := b.Services
	if services == nil {
		services = []string{}
	}
	return scanBusiness(r.pool.QueryRow(ctx, `
		INSERT INTO businesses (id, name, whatsapp_number, timezone, services, business_hours, templates, active)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, $7, true)
		ON CONFLICT (id) DO UPDATE
		SET name = EXCLUDED.name,
			whatsapp_number = EXCLUDED.whatsapp_number,
			timezone = EXCLUDED.timezone,
			services = EXCLUDED.services,
			business_hours = EXCLUDED.business_hours,
			templates = EXCLUDED.templates,
			updated_at = now()
		RETURNING `+businessColumns,
		b.ID, b.Name, b.WhatsAppNumber, b.Timezone, services, hours, templates))
}

func (r *Repository) EnsureBusiness(ctx context.Context, b model.Business) error {
	hours, err := json.Marshal(b.Hours)
	if err != nil {
		return err
	}
	templates, err := json.Marshal(b.Templates)
	if err != nil {
		return err
	}
	_, err = r.pool.Exec(ctx, `
		INSERT INTO businesses (id, owner_id, name, whatsapp_number, timezone, services, business_hours, templates, active, created_at, updated_at)
		VALUES ($1, NULLIF($2, ''), $3, NULLIF($4, ''), $5, '{}', $6, $7, true, $8, $8)
		ON CONFLICT (id) DO NOTHING
	`, b.ID, b.OwnerID, b.Name, b.WhatsAppNumber, b.Timezone, hours, templates, b.CreatedAt)
	return err
}

func (r *Repository) Get(ctx context.Context, businessID, appointmentID string) (model.Appointment, error) {
	appt, err := scanAppointment(r.pool.QueryRow(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE id = $1 AND business_id = $2 AND active
	`, appointmentID, businessID))
	if db.IsNotFound(err) || db.IsInvalidText(err) {
		return model.Appointment{}, apperr.NotFound("appointment", appointmentID)
	}
	return appt, err
}

var sortColumns = map[string]string{
	scheduling.SortStartTime: "start_time",
	scheduling.SortCreatedAt: "created_at",
	scheduling.SortStatus:    "status",
	scheduling.SortService:   "service",
}

func (r *Repository) List(ctx context.Context, businessID string, q scheduling.ListQuery) ([]model.Appointment, int, error) {
	where := "business_id = $1 AND active"
	args := []any{businessID}
	if q.Status != "" {
		args = append(args, string(q.Status))
		where += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if q.ClientID != "" {
		args = append(args, q.ClientID)
		where += fmt.Sprintf(" AND client_id = $%d", len(args))
	}
	if q.From != nil {
		args = append(args, *q.From)
		where += fmt.Sprintf(" AND start_time >= $%d", len(args))
	}
	if q.To != nil {
		args = append(args, *q.To)
		where += fmt.Sprintf(" AND start_time < $%d", len(args))
	}

	var total int
	if err := r.pool.QueryRow(ctx, `SELECT count(*) FROM appointments WHERE `+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	column, ok := sortColumns[q.SortBy]
	if !ok {
		column = "start_time"
	}
	direction := "ASC"
	if q.Desc {
		direction = "DESC"
	}
	args = append(args, q.Limit, q.Offset)
	rows, err := r.pool.Query(ctx, fmt.Sprintf(`
		SELECT %s
		FROM appointments
		WHERE %s
		ORDER BY %s %s, id
		LIMIT $%d OFFSET $%d
	`, appointmentColumns, where, column, direction, len(args)-1, len(args)), args...)
	if err != nil {
		return nil, 0, err
	}
	appts, err := collectAppointments(rows)
	if err != nil {
		return nil, 0, err
	}
	return appts, total, nil
}

func (r *Repository) Stats(ctx context.Context, businessID string, w scheduling.StatsWindow) (scheduling.Stats, error) {
	var st scheduling.Stats
	err := r.pool.QueryRow(ctx, `
		SELECT
			count(*),
			count(*) FILTER (WHERE start_time >= $2 AND start_time < $3),
			count(*) FILTER (WHERE start_time >= $4 AND start_time < $5),
			count(*) FILTER (WHERE start_time >= $6 AND status IN ('scheduled', 'confirmed')),
			count(*) FILTER (WHERE status = 'completed'),
			count(*) FILTER (WHERE status = 'cancelled')
		FROM appointments
		WHERE business_id = $1 AND active
	`, businessID, w.DayStart, w.DayEnd, w.MonthStart, w.MonthEnd, w.AsOf).Scan(
		&st.Total, &st.Today, &st.ThisMonth, &st.Upcoming, &st.Completed, &st.Cancelled,
	)
	return st, err
}

func (r *Repository) Booked(ctx context.Context, businessID string, from, to time.Time) ([]model.Appointment, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE business_id = $1
			AND active
			AND status IN ('scheduled', 'confirmed')
			AND start_time < $3
			AND end_time > $2
		ORDER BY start_time ASC
	`, businessID, from, to)
	if err != nil {
		return nil, err
	}
	return collectAppointments(rows)
}

func (r *Repository) GetClient(ctx context.Context, businessID, clientID string) (model.Client, error) {
	c, err := scanClient(r.pool.QueryRow(ctx, `
		SELECT `+clientColumns+`
		FROM clients
		WHERE id = $1 AND business_id = $2 AND active
	`, clientID, businessID))
	if db.IsNotFound(err) || db.IsInvalidText(err) {
		return model.Client{}, apperr.NotFound("client", clientID)
	}
	return c, err
}

var clientSortColumns = map[string]string{
	scheduling.ClientSortCreatedAt: "created_at",
	scheduling.ClientSortFirstName: "first_name",
	scheduling.ClientSortLastName:  "last_name",
}

func (r *Repository) ListClients(ctx context.Context, businessID string, q scheduling.ClientQuery) ([]model.Client, int, error) {
	where := "business_id = $1 AND active"
	args := []any{businessID}
	if q.Search != "" {
		args = append(args, "%"+escapeLike(q.Search)+"%")
		n := len(args)
		where += fmt.Sprintf(" AND (first_name ILIKE $%d OR last_name ILIKE $%d OR email ILIKE $%d)", n, n, n)
	}

	var total int
	if err := r.pool.QueryRow(ctx, `SELECT count(*) FROM clients WHERE `+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	column, ok := clientSortColumns[q.SortBy]
	if !ok {
		column = "created_at"
	}
	direction := "ASC"
	if q.Desc {
		direction = "DESC"
	}
	args = append(args, q.Limit, q.Offset)
	rows, err := r.pool.Query(ctx, fmt.Sprintf(`
		SELECT %s
		FROM clients
		WHERE %s
		ORDER BY %s %s, id
		LIMIT $%d OFFSET $%d
	`, clientColumns, where, column, direction, len(args)-1, len(args)), args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	clients := []model.Client{}
	for rows.Next() {
		c, err := scanClient(rows)
		if err != nil {
			return nil, 0, err
		}
		clients = append(clients, c)
	}
	if rows.Err() != nil {
		return nil, 0, rows.Err()
	}
	return clients, total, nil
}

func (r *Repository) ClientStats(ctx context.Context, businessID string, monthStart, weekStart time.Time) (scheduling.ClientStats, error) {
	var st scheduling.ClientStats
	err := r.pool.QueryRow(ctx, `
		SELECT
			count(*),
			count(*) FILTER (WHERE created_at >= $2),
			count(*) FILTER (WHERE created_at >= $3)
		FROM clients
		WHERE business_id = $1 AND active
	`, businessID, monthStart, weekStart).Scan(&st.Total, &st.NewThisMonth, &st.NewThisWeek)
	return st, err
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, "%", `\%`, "_", `\_`).Replace(s)
}

func (r *Repository) ArchiveClient(ctx context.Context, businessID, clientID string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE clients
		SET active = false, updated_at = now()
		WHERE id = $1 AND business_id = $2 AND active
	`, clientID, businessID)
	if db.IsInvalidText(err) {
		return apperr.NotFound("client", clientID)
	}
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("client", clientID)
	}
	return nil
}

// RecordCompletedVisit bumps the client's visit counter. The last visit
// timestamp only moves forward.
func (r *Repository) RecordCompletedVisit(ctx context.Context, businessID, clientID string, at time.Time) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE clients
		SET total_appointments = total_appointments + 1,
			last_appointment_at = GREATEST(COALESCE(last_appointment_at, $3), $3),
			updated_at = now()
		WHERE id = $1 AND business_id = $2
	`, clientID, businessID, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("client", clientID)
	}
	return nil
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func getBusiness(ctx context.Context, q querier, businessID string) (model.Business, error) {
	b, err := scanBusiness(q.QueryRow(ctx, `
		SELECT `+businessColumns+`
		FROM businesses
		WHERE id = $1 AND active
	`, businessID))
	if db.IsNotFound(err) {
		return model.Business{}, apperr.NotFound("business", businessID)
	}
	return b, err
}
