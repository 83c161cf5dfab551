// Package accounts registers business owners and issues their sessions.
// Registering creates the owner's user and business id together and
// announces the business to the scheduling service.
package accounts

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/md-rashed-zaman/notifywise/libs/apperr"
	"github.com/md-rashed-zaman/notifywise/libs/auth"
	"github.com/md-rashed-zaman/notifywise/libs/email"
	"github.com/md-rashed-zaman/notifywise/libs/events"
	"github.com/md-rashed-zaman/notifywise/libs/outbox"
	"github.com/md-rashed-zaman/notifywise/libs/phone"
)

// ErrInvalidCredentials covers unknown emails, wrong passwords and unusable
// refresh tokens alike.
var ErrInvalidCredentials = errors.New("invalid credentials")

const RoleOwner = "owner"

type RegisterRequest struct {
	Email          string
	Password       string
	BusinessName   string
	WhatsAppNumber string
	Timezone       string
}

type Session struct {
	AccessToken  string
	RefreshToken string
	User         User
}

type Service struct {
	repo       Repository
	signer     *auth.Signer
	phones     phone.Normalizer
	logger     *slog.Logger
	refreshTTL time.Duration
	now        func() time.Time
}

func NewService(repo Repository, signer *auth.Signer, phones phone.Normalizer, logger *slog.Logger, refreshTTL time.Duration) *Service {
	if refreshTTL <= 0 {
		refreshTTL = 30 * 24 * time.Hour
	}
	return &Service{repo: repo, signer: signer, phones: phones, logger: logger, refreshTTL: refreshTTL, now: time.Now}
}

// Register creates an owner with a fresh business id and publishes
// business.registered.v1 in the same transaction.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (Session, error) {
	addr, err := email.Normalize("email", req.Email)
	if err != nil {
		return Session{}, err
	}
	if len(req.Password) < auth.MinPasswordLength {
		return Session{}, apperr.Invalid("password", "must be at least 6 characters")
	}
	name := strings.TrimSpace(req.BusinessName)
	if len(name) > 100 {
		return Session{}, apperr.Invalid("business_name", "must be at most 100 characters")
	}
	var number string
	if strings.TrimSpace(req.WhatsAppNumber) != "" {
		if number, err = s.phones.Validate("whatsapp_number", req.WhatsAppNumber); err != nil {
			return Session{}, err
		}
	}
	timezone := strings.TrimSpace(req.Timezone)
	if timezone != "" {
		if _, err := time.LoadLocation(timezone); err != nil {
			return Session{}, apperr.Invalid("timezone", "must be an IANA time zone name")
		}
	}

	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		return Session{}, err
	}
	now := s.now().UTC()
	user := User{
		ID:           uuid.NewString(),
		BusinessID:   uuid.NewString(),
		Email:        addr,
		PasswordHash: hash,
		Role:         RoleOwner,
		CreatedAt:    now,
	}
	err = s.repo.InTx(ctx, func(tx Tx) error {
		if err := tx.CreateUser(ctx, user); err != nil {
			return err
		}
		evt, err := outbox.NewEvent("business", user.BusinessID, events.BusinessRegistered, events.BusinessRegisteredEvent{
			BusinessID:     user.BusinessID,
			OwnerID:        user.ID,
			Name:           name,
			WhatsAppNumber: number,
			Timezone:       timezone,
			OccurredAt:     now,
		})
		if err != nil {
			return err
		}
		if err := tx.AppendEvent(ctx, evt); err != nil {
			return err
		}
		return tx.RecordAudit(ctx, "user.registered", user.ID, map[string]any{"business_id": user.BusinessID})
	})
	if err != nil {
		return Session{}, err
	}
	return s.issue(ctx, user)
}

func (s *Service) Login(ctx context.Context, email, password string) (Session, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	user, err := s.repo.UserByEmail(ctx, email)
	var nf *apperr.NotFoundError
	if errors.As(err, &nf) {
		s.audit(ctx, "login.failed", "", map[string]any{"reason": "unknown email"})
		return Session{}, ErrInvalidCredentials
	}
	if err != nil {
		return Session{}, err
	}
	if err := auth.VerifyPassword(user.PasswordHash, password); err != nil {
		s.audit(ctx, "login.failed", user.ID, map[string]any{"reason": "password mismatch"})
		return Session{}, ErrInvalidCredentials
	}
	s.audit(ctx, "login.succeeded", user.ID, nil)
	return s.issue(ctx, user)
}

// Refresh exchanges a live refresh token for a new session. The old token
// is revoked.
func (s *Service) Refresh(ctx context.Context, rawToken string) (Session, error) {
	token, err := s.liveToken(ctx, rawToken)
	if err != nil {
		return Session{}, err
	}
	user, err := s.repo.UserByID(ctx, token.UserID)
	var nf *apperr.NotFoundError
	if errors.As(err, &nf) {
		return Session{}, ErrInvalidCredentials
	}
	if err != nil {
		return Session{}, err
	}
	if err := s.repo.RevokeRefreshToken(ctx, token.ID, s.now().UTC()); err != nil {
		return Session{}, err
	}
	return s.issue(ctx, user)
}

// Logout revokes a refresh token. Unknown or already revoked tokens are
// not an error.
func (s *Service) Logout(ctx context.Context, rawToken string) error {
	token, err := s.liveToken(ctx, rawToken)
	if errors.Is(err, ErrInvalidCredentials) {
		return nil
	}
	if err != nil {
		return err
	}
	return s.repo.RevokeRefreshToken(ctx, token.ID, s.now().UTC())
}

// Me verifies an access token and returns its claims.
func (s *Service) Me(token string) (*auth.Claims, error) {
	claims, err := s.signer.Verify(token)
	if err != nil {
		return nil, ErrInvalidCredentials
	}
	return claims, nil
}

// Profile returns the user behind an access token's subject.
func (s *Service) Profile(ctx context.Context, userID string) (User, error) {
	return s.repo.UserByID(ctx, userID)
}

// UpdateProfile changes the login email. The business name and WhatsApp
// sender live on the scheduling service's business profile.
func (s *Service) UpdateProfile(ctx context.Context, userID, rawEmail string) (User, error) {
	addr, err := email.Normalize("email", rawEmail)
	if err != nil {
		return User{}, err
	}
	user, err := s.repo.UserByID(ctx, userID)
	if err != nil {
		return User{}, err
	}
	if user.Email == addr {
		return user, nil
	}
	err = s.repo.InTx(ctx, func(tx Tx) error {
		if err := tx.UpdateEmail(ctx, userID, addr); err != nil {
			return err
		}
		return tx.RecordAudit(ctx, "profile.updated", userID, map[string]any{"field": "email"})
	})
	if err != nil {
		return User{}, err
	}
	user.Email = addr
	return user, nil
}

// ChangePassword replaces the password after checking the current one and
// revokes every refresh token of the user, so other sessions end once
// their access tokens expire.
func (s *Service) ChangePassword(ctx context.Context, userID, current, next string) error {
	if current == "" {
		return apperr.Invalid("current_password", "required")
	}
	if len(next) < auth.MinPasswordLength {
		return apperr.Invalid("new_password", "must be at least 6 characters")
	}
	if next == current {
		return apperr.Invalid("new_password", "must differ from the current password")
	}
	user, err := s.repo.UserByID(ctx, userID)
	if err != nil {
		return err
	}
	if err := auth.VerifyPassword(user.PasswordHash, current); err != nil {
		s.audit(ctx, "password.change_failed", userID, nil)
		return apperr.Invalid("current_password", "is incorrect")
	}
	hash, err := auth.HashPassword(next)
	if err != nil {
		return err
	}
	return s.repo.InTx(ctx, func(tx Tx) error {
		if err := tx.UpdatePassword(ctx, userID, hash); err != nil {
			return err
		}
		if err := tx.RevokeUserRefreshTokens(ctx, userID, s.now().UTC()); err != nil {
			return err
		}
		return tx.RecordAudit(ctx, "password.changed", userID, nil)
	})
}

func (s *Service) liveToken(ctx context.Context, rawToken string) (RefreshToken, error) {
	rawToken = strings.TrimSpace(rawToken)
	if rawToken == "" {
		return RefreshToken{}, apperr.Invalid("refresh_token", "required")
	}
	token, err := s.repo.RefreshToken(ctx, HashToken(rawToken))
	var nf *apperr.NotFoundError
	if errors.As(err, &nf) {
		return RefreshToken{}, ErrInvalidCredentials
	}
	if err != nil {
		return RefreshToken{}, err
	}
	if token.RevokedAt != nil || !token.ExpiresAt.After(s.now()) {
		return RefreshToken{}, ErrInvalidCredentials
	}
	return token, nil
}

func (s *Service) issue(ctx context.Context, user User) (Session, error) {
	access, err := s.signer.Issue(user.ID, user.BusinessID, user.Role)
	if err != nil {
		return Session{}, err
	}
	refresh, err := newRefreshToken()
	if err != nil {
		return Session{}, err
	}
	if err := s.repo.CreateRefreshToken(ctx, user.ID, HashToken(refresh), s.now().UTC().Add(s.refreshTTL)); err != nil {
		return Session{}, err
	}
	return Session{AccessToken: access, RefreshToken: refresh, User: user}, nil
}

// audit records a security event. Failures are logged only.
func (s *Service) audit(ctx context.Context, eventType, actorID string, metadata map[string]any) {
	if err := s.repo.RecordAudit(context.WithoutCancel(ctx), eventType, actorID, metadata); err != nil {
		s.logger.Error("audit record failed", "err", err, "event_type", eventType)
	}
}

// HashToken is the stored form of a refresh token.
func HashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

func newRefreshToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

