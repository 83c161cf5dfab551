package scheduling

import (
	"context"
	"strings"
	"time"

	"github.com/md-rashed-zaman/notifywise/libs/apperr"
	"github.com/md-rashed-zaman/notifywise/services/scheduling-service/internal/availability"
	"github.com/md-rashed-zaman/notifywise/services/scheduling-service/internal/model"
)

const maxIdempotencyKeyLen = 128

// BookingRequest is a public booking made by the client through the
// business's booking page.
type BookingRequest struct {
	BusinessID      string
	IdempotencyKey  string
	Client          ClientRequest
	Service         string
	Start           time.Time
	DurationMinutes int
	Notes           string
}

// Book finds or creates the client by WhatsApp number and schedules the
// appointment in one transaction. Replaying an idempotency key returns the
// appointment the first request created.
func (s *Store) Book(ctx context.Context, req BookingRequest) (model.Appointment, bool, error) {
	req.Service = strings.TrimSpace(req.Service)
	req.IdempotencyKey = strings.TrimSpace(req.IdempotencyKey)
	req.Client.BusinessID = req.BusinessID
	if tooLong(req.IdempotencyKey, maxIdempotencyKeyLen) {
		return model.Appointment{}, false, apperr.Invalid("idempotency_key", "must be at most 128 characters")
	}

	var (
		out      model.Appointment
		replayed bool
	)
	err := s.repo.InTx(ctx, func(tx Tx) error {
		biz, err := lockBusiness(ctx, tx, req.BusinessID)
		if err != nil {
			return err
		}
		if req.IdempotencyKey != "" {
			existingID, err := tx.ClaimIdempotencyKey(ctx, req.BusinessID, req.IdempotencyKey)
			if err != nil {
				return err
			}
			if existingID != "" {
				out, err = tx.GetForUpdate(ctx, req.BusinessID, existingID)
				replayed = err == nil
				return err
			}
		}
		if req.Service != "" && !biz.OffersService(req.Service) {
			return apperr.Invalid("service", "not offered by this business")
		}
		client, err := s.findOrCreateClient(ctx, tx, req.Client)
		if err != nil {
			return err
		}
		out, err = s.create(ctx, tx, biz, &client, ScheduleRequest{
			BusinessID:      req.BusinessID,
			ClientID:        client.ID,
			Service:         req.Service,
			Start:           req.Start,
			DurationMinutes: req.DurationMinutes,
			Notes:           strings.TrimSpace(req.Notes),
		})
		if err != nil {
			return err
		}
		if req.IdempotencyKey != "" {
			return tx.FinalizeIdempotencyKey(ctx, req.BusinessID, req.IdempotencyKey, out.ID)
		}
		return nil
	})
	s.observe("book", err)
	return out, replayed, err
}

// Slots lists the free start times of a local date (YYYY-MM-DD) for an
// appointment of durationMinutes, stepping by stepMinutes.
func (s *Store) Slots(ctx context.Context, businessID, date string, durationMinutes, stepMinutes int) ([]time.Time, error) {
	if durationMinutes < model.MinDurationMinutes || durationMinutes > model.MaxDurationMinutes {
		return nil, apperr.Invalid("duration_minutes", "must be between 15 and 480")
	}
	if stepMinutes <= 0 {
		stepMinutes = durationMinutes
	}
	biz, err := s.repo.Business(ctx, businessID)
	if err != nil {
		return nil, err
	}
	if _, err := time.ParseInLocation("2006-01-02", date, biz.Location()); err != nil {
		return nil, apperr.Invalid("date", "must be YYYY-MM-DD")
	}
	window, ok := availability.DayWindow(biz, date)
	if !ok {
		return []time.Time{}, nil
	}
	booked, err := s.repo.Booked(ctx, businessID, window.Start.UTC(), window.End.UTC())
	if err != nil {
		return nil, err
	}
	slots := availability.AvailableSlots(window.Start, window.End,
		time.Duration(durationMinutes)*time.Minute, time.Duration(stepMinutes)*time.Minute,
		availability.Busy(booked), s.now())
	if slots == nil {
		slots = []time.Time{}
	}
	return slots, nil
}
