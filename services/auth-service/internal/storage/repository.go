// Package storage is the Postgres implementation of the accounts
// repository: users, refresh tokens and the audit trail.
package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/md-rashed-zaman/notifywise/libs/apperr"
	"github.com/md-rashed-zaman/notifywise/libs/db"
	"github.com/md-rashed-zaman/notifywise/libs/outbox"
	"github.com/md-rashed-zaman/notifywise/services/auth-service/internal/accounts"
)

var _ accounts.Repository = (*Repository)(nil)

type Repository struct {
	pool   *db.Pool
	outbox *outbox.Repository
}

func NewRepository(pool *db.Pool) *Repository {
	return &Repository{pool: pool, outbox: outbox.NewRepository()}
}

func (r *Repository) InTx(ctx context.Context, fn func(accounts.Tx) error) error {
	return r.pool.InTx(ctx, func(tx pgx.Tx) error {
		return fn(&accountsTx{tx: tx, outbox: r.outbox})
	})
}

func (r *Repository) UserByEmail(ctx context.Context, email string) (accounts.User, error) {
	return r.user(ctx, `WHERE email = $1`, email)
}

func (r *Repository) UserByID(ctx context.Context, id string) (accounts.User, error) {
	return r.user(ctx, `WHERE id::text = $1`, id)
}

func (r *Repository) user(ctx context.Context, where string, arg string) (accounts.User, error) {
	var u accounts.User
	err := r.pool.QueryRow(ctx, `
		SELECT id, business_id, email, password_hash, role, created_at
		FROM users `+where, arg).Scan(&u.ID, &u.BusinessID, &u.Email, &u.PasswordHash, &u.Role, &u.CreatedAt)
	if db.IsNotFound(err) {
		return accounts.User{}, apperr.NotFound("user", arg)
	}
	return u, err
}

func (r *Repository) CreateRefreshToken(ctx context.Context, userID, tokenHash string, expiresAt time.Time) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO refresh_tokens (id, user_id, token_hash, expires_at)
		VALUES (gen_random_uuid(), $1, $2, $3)
	`, userID, tokenHash, expiresAt)
	return err
}

func (r *Repository) RefreshToken(ctx context.Context, tokenHash string) (accounts.RefreshToken, error) {
	var t accounts.RefreshToken
	err := r.pool.QueryRow(ctx, `
		SELECT id, user_id, expires_at, revoked_at
		FROM refresh_tokens
		WHERE token_hash = $1
	`, tokenHash).Scan(&t.ID, &t.UserID, &t.ExpiresAt, &t.RevokedAt)
	if db.IsNotFound(err) {
		return accounts.RefreshToken{}, apperr.NotFound("refresh_token", "")
	}
	return t, err
}

func (r *Repository) RevokeRefreshToken(ctx context.Context, id string, at time.Time) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE refresh_tokens SET revoked_at = $2 WHERE id = $1 AND revoked_at IS NULL
	`, id, at)
	return err
}

func (r *Repository) RecordAudit(ctx context.Context, eventType, actorID string, metadata map[string]any) error {
	return recordAudit(ctx, r.pool, eventType, actorID, metadata)
}

type accountsTx struct {
	tx     pgx.Tx
	outbox *outbox.Repository
}

func (t *accountsTx) CreateUser(ctx context.Context, u accounts.User) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO users (id, business_id, email, password_hash, role, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, u.ID, u.BusinessID, u.Email, u.PasswordHash, u.Role, u.CreatedAt)
	if db.IsUniqueViolation(err) {
		return apperr.Invalid("email", "already registered")
	}
	return err
}

func (t *accountsTx) UpdateEmail(ctx context.Context, userID, email string) error {
	tag, err := t.tx.Exec(ctx, `UPDATE users SET email = $2 WHERE id::text = $1`, userID, email)
	if db.IsUniqueViolation(err) {
		return apperr.Invalid("email", "already registered")
	}
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("user", userID)
	}
	return nil
}

func (t *accountsTx) UpdatePassword(ctx context.Context, userID, passwordHash string) error {
	tag, err := t.tx.Exec(ctx, `UPDATE users SET password_hash = $2 WHERE id::text = $1`, userID, passwordHash)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("user", userID)
	}
	return nil
}

func (t *accountsTx) RevokeUserRefreshTokens(ctx context.Context, userID string, at time.Time) error {
	_, err := t.tx.Exec(ctx, `
		UPDATE refresh_tokens SET revoked_at = $2 WHERE user_id::text = $1 AND revoked_at IS NULL
	`, userID, at)
	return err
}

func (t *accountsTx) AppendEvent(ctx context.Context, evt outbox.Event) error {
	return t.outbox.Insert(ctx, t.tx, evt)
}

func (t *accountsTx) RecordAudit(ctx context.Context, eventType, actorID string, metadata map[string]any) error {
	return recordAudit(ctx, t.tx, eventType, actorID, metadata)
}

type execer interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

func recordAudit(ctx context.Context, q execer, eventType, actorID string, metadata map[string]any) error {
	if metadata == nil {
		metadata = map[string]any{}
	}
	raw, err := json.Marshal(metadata)
	if err != nil {
		return err
	}
	_, err = q.Exec(ctx, `
		INSERT INTO audit_events (event_type, actor_id, metadata)
		VALUES ($1, NULLIF($2, '')::uuid, $3)
	`, eventType, actorID, raw)
	return err
}
