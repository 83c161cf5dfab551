package accounts

import (
	"context"
	"time"

	"github.com/md-rashed-zaman/notifywise/libs/outbox"
)

type User struct {
	ID           string
	BusinessID   string
	Email        string
	PasswordHash string
	Role         string
	CreatedAt    time.Time
}

type RefreshToken struct {
	ID        string
	UserID    string
	ExpiresAt time.Time
	RevokedAt *time.Time
}

// Tx is the transactional view used by registration and account edits.
type Tx interface {
	// CreateUser and UpdateEmail fail with an *apperr.ValidationError on
	// field "email" when the address is taken.
	CreateUser(ctx context.Context, u User) error
	UpdateEmail(ctx context.Context, userID, email string) error
	UpdatePassword(ctx context.Context, userID, passwordHash string) error
	RevokeUserRefreshTokens(ctx context.Context, userID string, at time.Time) error
	AppendEvent(ctx context.Context, evt outbox.Event) error
	RecordAudit(ctx context.Context, eventType, actorID string, metadata map[string]any) error
}

// Repository lookups return an *apperr.NotFoundError for unknown records.
type Repository interface {
	InTx(ctx context.Context, fn func(Tx) error) error

	UserByEmail(ctx context.Context, email string) (User, error)
	UserByID(ctx context.Context, id string) (User, error)

	CreateRefreshToken(ctx context.Context, userID, tokenHash string, expiresAt time.Time) error
	RefreshToken(ctx context.Context, tokenHash string) (RefreshToken, error)
	RevokeRefreshToken(ctx context.Context, id string, at time.Time) error

	RecordAudit(ctx context.Context, eventType, actorID string, metadata map[string]any) error
}
