package scheduling

import (
	"context"
	"strings"
	"time"

	"github.com/md-rashed-zaman/notifywise/libs/events"
	"github.com/md-rashed-zaman/notifywise/services/scheduling-service/internal/model"
)

// ProfileUpdate replaces the editable part of a business profile.
type ProfileUpdate struct {
	BusinessID     string
	Name           string
	WhatsAppNumber string
	Timezone       string
	Services       []string
	Hours          model.BusinessHours
	Templates      map[string]string
}

func (s *Store) Profile(ctx context.Context, businessID string) (model.Business, error) {
	return s.repo.Business(ctx, businessID)
}

func (s *Store) UpdateProfile(ctx context.Context, u ProfileUpdate) (model.Business, error) {
	b, err := s.validateProfile(u)
	if err != nil {
		return model.Business{}, err
	}
	b.UpdatedAt = s.now().UTC()
	return s.repo.SaveBusiness(ctx, b)
}

// RegisterBusiness seeds a business from its registration event. Replays
// and later profile edits are left untouched.
func (s *Store) RegisterBusiness(ctx context.Context, evt events.BusinessRegisteredEvent) error {
	name := strings.TrimSpace(evt.Name)
	if name == "" {
		name = "My Business"
	}
	b := model.Business{
		ID:        evt.BusinessID,
		OwnerID:   evt.OwnerID,
		Name:      name,
		Timezone:  evt.Timezone,
		Hours:     model.DefaultBusinessHours(),
		Templates: map[string]string{},
		Active:    true,
		CreatedAt: evt.OccurredAt.UTC(),
		UpdatedAt: evt.OccurredAt.UTC(),
	}
	if b.CreatedAt.IsZero() {
		b.CreatedAt = s.now().UTC()
		b.UpdatedAt = b.CreatedAt
	}
	if _, err := time.LoadLocation(b.Timezone); b.Timezone == "" || err != nil {
		b.Timezone = "UTC"
	}
	if evt.WhatsAppNumber != "" {
		if number, err := s.phones.Validate("whatsapp_number", evt.WhatsAppNumber); err == nil {
			b.WhatsAppNumber = number
		}
	}
	return s.repo.EnsureBusiness(ctx, b)
}
