package accounts

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/md-rashed-zaman/notifywise/libs/apperr"
	"github.com/md-rashed-zaman/notifywise/libs/outbox"
)

type memRepo struct {
	mu     sync.Mutex
	users  map[string]User
	tokens map[string]RefreshToken
	events []outbox.Event
	audit  []string
	failTx bool
}

func newMemRepo() *memRepo {
	return &memRepo{users: map[string]User{}, tokens: map[string]RefreshToken{}}
}

type memTx struct{ r *memRepo }

func (r *memRepo) InTx(_ context.Context, fn func(Tx) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	users := make(map[string]User, len(r.users))
	for k, v := range r.users {
		users[k] = v
	}
	events, audit := len(r.events), len(r.audit)
	err := fn(memTx{r})
	if err == nil && r.failTx {
		err = errors.New("commit failed")
	}
	if err != nil {
		r.users = users
		r.events = r.events[:events]
		r.audit = r.audit[:audit]
	}
	return err
}

func (t memTx) CreateUser(_ context.Context, u User) error {
	for _, existing := range t.r.users {
		if existing.Email == u.Email {
			return apperr.Invalid("email", "already registered")
		}
	}
	t.r.users[u.ID] = u
	return nil
}

func (t memTx) UpdateEmail(_ context.Context, userID, email string) error {
	for id, existing := range t.r.users {
		if id != userID && existing.Email == email {
			return apperr.Invalid("email", "already registered")
		}
	}
	u, ok := t.r.users[userID]
	if !ok {
		return apperr.NotFound("user", userID)
	}
	u.Email = email
	t.r.users[userID] = u
	return nil
}

func (t memTx) UpdatePassword(_ context.Context, userID, passwordHash string) error {
	u, ok := t.r.users[userID]
	if !ok {
		return apperr.NotFound("user", userID)
	}
	u.PasswordHash = passwordHash
	t.r.users[userID] = u
	return nil
}

func (t memTx) RevokeUserRefreshTokens(_ context.Context, userID string, at time.Time) error {
	for hash, tok := range t.r.tokens {
		if tok.UserID == userID && tok.RevokedAt == nil {
			tok.RevokedAt = &at
			t.r.tokens[hash] = tok
		}
	}
	return nil
}

func (t memTx) AppendEvent(_ context.Context, evt outbox.Event) error {
	t.r.events = append(t.r.events, evt)
	return nil
}

func (t memTx) RecordAudit(_ context.Context, eventType, _ string, _ map[string]any) error {
	t.r.audit = append(t.r.audit, eventType)
	return nil
}

func (r *memRepo) UserByEmail(_ context.Context, email string) (User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, u := range r.users {
		if u.Email == email {
			return u, nil
		}
	}
	return User{}, apperr.NotFound("user", email)
}

func (r *memRepo) UserByID(_ context.Context, id string) (User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[id]
	if !ok {
		return User{}, apperr.NotFound("user", id)
	}
	return u, nil
}

func (r *memRepo) CreateRefreshToken(_ context.Context, userID, tokenHash string, expiresAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tokens[tokenHash] = RefreshToken{ID: tokenHash, UserID: userID, ExpiresAt: expiresAt}
	return nil
}

func (r *memRepo) RefreshToken(_ context.Context, tokenHash string) (RefreshToken, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tokens[tokenHash]
	if !ok {
		return RefreshToken{}, apperr.NotFound("refresh_token", "")
	}
	return t, nil
}

func (r *memRepo) RevokeRefreshToken(_ context.Context, id string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t := r.tokens[id]
	t.RevokedAt = &at
	r.tokens[id] = t
	return nil
}

func (r *memRepo) RecordAudit(_ context.Context, eventType, _ string, _ map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.audit = append(r.audit, eventType)
	return nil
}
