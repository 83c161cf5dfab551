// Package storage is the Postgres implementation of the dispatch
// repository.
package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/md-rashed-zaman/notifywise/libs/apperr"
	"github.com/md-rashed-zaman/notifywise/libs/db"
	"github.com/md-rashed-zaman/notifywise/libs/events"
	"github.com/md-rashed-zaman/notifywise/libs/outbox"
	"github.com/md-rashed-zaman/notifywise/services/notification-service/internal/dispatch"
	"github.com/md-rashed-zaman/notifywise/services/notification-service/internal/model"
)

const messageColumns = `
	id, business_id, COALESCE(appointment_id, ''), COALESCE(client_id, ''), type, COALESCE(reminder_kind, ''),
	destination, content, provider, COALESCE(provider_message_id, ''), status, scheduled_for,
	sent_at, delivered_at, read_at, COALESCE(error, ''), retry_count, max_retries, created_at, updated_at`

var _ dispatch.Repository = (*Repository)(nil)

type Repository struct {
	pool   *db.Pool
	outbox *outbox.Repository
}

func NewRepository(pool *db.Pool) *Repository {
	return &Repository{pool: pool, outbox: outbox.NewRepository()}
}

func (r *Repository) Create(ctx context.Context, m model.Message) error {
	return r.pool.InTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO messages
				(id, business_id, appointment_id, client_id, type, reminder_kind, destination, content, provider,
				 provider_message_id, status, scheduled_for, sent_at, error, retry_count, max_retries, created_at, updated_at)
			VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''), $5, NULLIF($6, ''), $7, $8, $9,
				NULLIF($10, ''), $11, $12, $13, NULLIF($14, ''), $15, $16, $17, $18)
		`, m.ID, m.BusinessID, m.AppointmentID, m.ClientID, m.Type, m.ReminderKind, m.Destination, m.Content, m.Provider,
			m.ProviderMessageID, string(m.Status), m.ScheduledFor, m.SentAt, m.Error, m.RetryCount, m.MaxRetries, m.CreatedAt, m.UpdatedAt)
		if err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
		return r.appendOutcome(ctx, tx, m)
	})
}

func (r *Repository) Settle(ctx context.Context, m model.Message) error {
	return r.pool.InTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE messages
			SET provider = $3,
				provider_message_id = NULLIF($4, ''),
				status = $5,
				sent_at = $6,
				error = NULLIF($7, ''),
				claimed_until = NULL,
				updated_at = $8
			WHERE id = $1 AND business_id = $2
		`, m.ID, m.BusinessID, m.Provider, m.ProviderMessageID, string(m.Status), m.SentAt, m.Error, m.UpdatedAt)
		if err != nil {
			return fmt.Errorf("settle message: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return apperr.NotFound("message", m.ID)
		}
		return r.appendOutcome(ctx, tx, m)
	})
}

func (r *Repository) Get(ctx context.Context, businessID, messageID string) (model.Message, error) {
	m, err := scanMessage(r.pool.QueryRow(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE id::text = $1 AND business_id = $2
	`, messageID, businessID))
	if db.IsNotFound(err) {
		return model.Message{}, apperr.NotFound("message", messageID)
	}
	return m, err
}

// ClaimRetry is a single conditional update, so of two concurrent retries
// only one sees a row.
func (r *Repository) ClaimRetry(ctx context.Context, businessID, messageID string, now time.Time, lease time.Duration) (model.Message, bool, error) {
	return r.claimOne(ctx, businessID, messageID, `
		UPDATE messages
		SET retry_count = retry_count + 1, claimed_until = $3, updated_at = $4
		WHERE id::text = $1 AND business_id = $2
			AND status = 'failed'
			AND retry_count < max_retries
			AND (claimed_until IS NULL OR claimed_until < $4)
		RETURNING `+messageColumns, now.Add(lease), now)
}

func (r *Repository) ClaimPending(ctx context.Context, businessID, messageID string, now time.Time, lease time.Duration) (model.Message, bool, error) {
	return r.claimOne(ctx, businessID, messageID, `
		UPDATE messages
		SET claimed_until = $3
		WHERE id::text = $1 AND business_id = $2
			AND status = 'pending'
			AND (scheduled_for IS NULL OR scheduled_for <= $4)
			AND (claimed_until IS NULL OR claimed_until < $4)
		RETURNING `+messageColumns, now.Add(lease), now)
}

func (r *Repository) claimOne(ctx context.Context, businessID, messageID, query string, until, now time.Time) (model.Message, bool, error) {
	m, err := scanMessage(r.pool.QueryRow(ctx, query, messageID, businessID, until, now))
	if err == nil {
		return m, true, nil
	}
	if !db.IsNotFound(err) {
		return model.Message{}, false, err
	}
	if _, err := r.Get(ctx, businessID, messageID); err != nil {
		return model.Message{}, false, err
	}
	return model.Message{}, false, nil
}

func (r *Repository) ClaimDue(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]model.Message, error) {
	rows, err := r.pool.Query(ctx, `
		UPDATE messages
		SET claimed_until = $2
		WHERE id IN (
			SELECT id FROM messages
			WHERE status = 'pending'
				AND (scheduled_for IS NULL OR scheduled_for <= $1)
				AND (claimed_until IS NULL OR claimed_until < $1)
			ORDER BY scheduled_for NULLS FIRST, created_at
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+messageColumns, now, now.Add(lease), limit)
	if err != nil {
		return nil, err
	}
	return collectMessages(rows)
}

func (r *Repository) RetryCandidates(ctx context.Context, now time.Time, baseDelay time.Duration, limit int) ([]model.Message, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE status = 'failed'
			AND retry_count < max_retries
			AND (claimed_until IS NULL OR claimed_until < $1)
			AND updated_at <= $1 - make_interval(secs => $2 * power(2, retry_count))
		ORDER BY updated_at
		LIMIT $3
	`, now, baseDelay.Seconds(), limit)
	if err != nil {
		return nil, err
	}
	return collectMessages(rows)
}

func (r *Repository) AwaitingReceipt(ctx context.Context, since time.Time, limit int) ([]model.Message, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE status = 'sent' AND provider_message_id IS NOT NULL AND sent_at > $1
		ORDER BY sent_at
		LIMIT $2
	`, since, limit)
	if err != nil {
		return nil, err
	}
	return collectMessages(rows)
}

func (r *Repository) UpdateDelivery(ctx context.Context, key dispatch.DeliveryKey, apply func(*model.Message) bool) (model.Message, bool, error) {
	var (
		out     model.Message
		changed bool
	)
	err := r.pool.InTx(ctx, func(tx pgx.Tx) error {
		var (
			m   model.Message
			err error
		)
		if key.MessageID != "" {
			m, err = scanMessage(tx.QueryRow(ctx, `SELECT `+messageColumns+` FROM messages WHERE id::text = $1 FOR UPDATE`, key.MessageID))
		} else {
			m, err = scanMessage(tx.QueryRow(ctx, `
				SELECT `+messageColumns+` FROM messages
				WHERE provider_message_id = $1
				ORDER BY created_at DESC
				LIMIT 1
				FOR UPDATE
			`, key.ProviderMessageID))
		}
		if db.IsNotFound(err) {
			id := key.MessageID
			if id == "" {
				id = key.ProviderMessageID
			}
			return apperr.NotFound("message", id)
		}
		if err != nil {
			return err
		}
		out = m
		if !apply(&m) {
			return nil
		}
		if _, err := tx.Exec(ctx, `
			UPDATE messages
			SET status = $2, delivered_at = $3, read_at = $4, updated_at = $5
			WHERE id = $1
		`, m.ID, string(m.Status), m.DeliveredAt, m.ReadAt, m.UpdatedAt); err != nil {
			return fmt.Errorf("update delivery: %w", err)
		}
		at := *m.DeliveredAt
		if m.ReadAt != nil {
			at = *m.ReadAt
		}
		evt, err := outbox.NewEvent("message", m.ID, events.NotificationDelivered, outcome(m, at))
		if err != nil {
			return err
		}
		if err := r.outbox.Insert(ctx, tx, evt); err != nil {
			return err
		}
		out, changed = m, true
		return nil
	})
	return out, changed, err
}

func (r *Repository) Supersede(ctx context.Context, businessID, appointmentID, reason string, now time.Time) (int, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE messages
		SET status = 'failed', error = $3, retry_count = max_retries, claimed_until = NULL, updated_at = $4
		WHERE business_id = $1 AND appointment_id = $2 AND status = 'pending'
	`, businessID, appointmentID, reason, now)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (r *Repository) List(ctx context.Context, businessID string, f dispatch.ListFilter) ([]model.Message, error) {
	where := "business_id = $1"
	args := []any{businessID}
	if f.Status != "" {
		args = append(args, string(f.Status))
		where += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if f.Type != "" {
		args = append(args, f.Type)
		where += fmt.Sprintf(" AND type = $%d", len(args))
	}
	if f.AppointmentID != "" {
		args = append(args, f.AppointmentID)
		where += fmt.Sprintf(" AND appointment_id = $%d", len(args))
	}
	args = append(args, f.Limit)
	rows, err := r.pool.Query(ctx, fmt.Sprintf(`
		SELECT %s
		FROM messages
		WHERE %s
		ORDER BY created_at DESC, id
		LIMIT $%d
	`, messageColumns, where, len(args)), args...)
	if err != nil {
		return nil, err
	}
	return collectMessages(rows)
}

func (r *Repository) Stats(ctx context.Context, businessID string) (model.Stats, error) {
	var st model.Stats
	err := r.pool.QueryRow(ctx, `
		SELECT
			count(*),
			count(*) FILTER (WHERE status = 'pending'),
			count(*) FILTER (WHERE status = 'sent'),
			count(*) FILTER (WHERE status = 'delivered'),
			count(*) FILTER (WHERE status = 'read'),
			count(*) FILTER (WHERE status = 'failed')
		FROM messages
		WHERE business_id = $1
	`, businessID).Scan(&st.Total, &st.Pending, &st.Sent, &st.Delivered, &st.Read, &st.Failed)
	return st, err
}

// appendOutcome enqueues notification.sent or notification.failed for a
// settled message. Pending rows produce nothing.
func (r *Repository) appendOutcome(ctx context.Context, tx pgx.Tx, m model.Message) error {
	var eventType string
	switch m.Status {
	case model.StatusSent:
		eventType = events.NotificationSent
	case model.StatusFailed:
		eventType = events.NotificationFailed
	default:
		return nil
	}
	evt, err := outbox.NewEvent("message", m.ID, eventType, outcome(m, m.UpdatedAt))
	if err != nil {
		return err
	}
	return r.outbox.Insert(ctx, tx, evt)
}

func outcome(m model.Message, at time.Time) events.NotificationOutcome {
	return events.NotificationOutcome{
		MessageID:     m.ID,
		BusinessID:    m.BusinessID,
		AppointmentID: m.AppointmentID,
		Type:          m.Type,
		ReminderKind:  m.ReminderKind,
		Status:        string(m.Status),
		Error:         m.Error,
		At:            at.UTC(),
	}
}

func scanMessage(row pgx.Row) (model.Message, error) {
	var (
		m      model.Message
		status string
	)
	if err := row.Scan(
		&m.ID,
		&m.BusinessID,
		&m.AppointmentID,
		&m.ClientID,
		&m.Type,
		&m.ReminderKind,
		&m.Destination,
		&m.Content,
		&m.Provider,
		&m.ProviderMessageID,
		&status,
		&m.ScheduledFor,
		&m.SentAt,
		&m.DeliveredAt,
		&m.ReadAt,
		&m.Error,
		&m.RetryCount,
		&m.MaxRetries,
		&m.CreatedAt,
		&m.UpdatedAt,
	); err != nil {
		return model.Message{}, err
	}
	m.Status = model.Status(status)
	return m, nil
}

func collectMessages(rows pgx.Rows) ([]model.Message, error) {
	defer rows.Close()
	out := []model.Message{}
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
