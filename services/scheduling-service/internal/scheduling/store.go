// Package scheduling owns appointment state for a business: booking with
// double-booking prevention, rescheduling, the status lifecycle and the
// read models built on top of it.
package scheduling

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/md-rashed-zaman/notifywise/libs/apperr"
	"github.com/md-rashed-zaman/notifywise/libs/events"
	"github.com/md-rashed-zaman/notifywise/libs/phone"
	"github.com/md-rashed-zaman/notifywise/services/scheduling-service/internal/model"
	"github.com/shopspring/decimal"
)

type ScheduleRequest struct {
	BusinessID      string
	ClientID        string
	Service         string
	Start           time.Time
	DurationMinutes int
	Price           *decimal.Decimal
	Currency        string
	Notes           string
}

type Store struct {
	repo     Repository
	visits   ClientVisits
	phones   phone.Normalizer
	logger   *slog.Logger
	observer Observer
	now      func() time.Time
}

type Option func(*Store)

func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func WithObserver(o Observer) Option {
	return func(s *Store) { s.observer = o }
}

func NewStore(repo Repository, visits ClientVisits, phones phone.Normalizer, logger *slog.Logger, opts ...Option) *Store {
	s := &Store{
		repo:   repo,
		visits: visits,
		phones: phones,
		logger: logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Schedule books a new appointment in status scheduled. The conflict check
// and the insert run under the business lock, so two overlapping requests
// cannot both succeed.
func (s *Store) Schedule(ctx context.Context, req ScheduleRequest) (model.Appointment, error) {
	req.Service = strings.TrimSpace(req.Service)
	req.Notes = strings.TrimSpace(req.Notes)

	var out model.Appointment
	err := s.repo.InTx(ctx, func(tx Tx) error {
		biz, err := lockBusiness(ctx, tx, req.BusinessID)
		if err != nil {
			return err
		}
		var client *model.Client
		if req.ClientID != "" {
			if !validID(req.ClientID) {
				return apperr.NotFound("client", req.ClientID)
			}
			c, err := tx.GetClient(ctx, req.BusinessID, req.ClientID)
			if err != nil {
				return err
			}
			client = &c
		}
		out, err = s.create(ctx, tx, biz, client, req)
		return err
	})
	s.observe("schedule", err)
	return out, err
}

func (s *Store) create(ctx context.Context, tx Tx, biz model.Business, client *model.Client, req ScheduleRequest) (model.Appointment, error) {
	now := s.now()
	price, currency, err := validateSchedule(req, biz.Location(), now)
	if err != nil {
		return model.Appointment{}, err
	}
	start := req.Start.UTC()
	end := start.Add(time.Duration(req.DurationMinutes) * time.Minute)
	if err := checkConflict(ctx, tx, biz.ID, start, end, ""); err != nil {
		return model.Appointment{}, err
	}

	appt := model.Appointment{
		ID:              uuid.NewString(),
		BusinessID:      biz.ID,
		Service:         req.Service,
		StartTime:       start,
		DurationMinutes: req.DurationMinutes,
		Status:          model.StatusScheduled,
		Price:           price,
		Currency:        currency,
		Notes:           req.Notes,
		Active:          true,
		CreatedAt:       now.UTC(),
		UpdatedAt:       now.UTC(),
	}
	if client != nil {
		appt.ClientID = client.ID
	}
	if err := tx.Insert(ctx, appt); err != nil {
		return model.Appointment{}, err
	}
	if err := appendAppointmentEvent(ctx, tx, events.AppointmentScheduled, appt, client, biz, now, nil); err != nil {
		return model.Appointment{}, err
	}
	return appt, nil
}

// Reschedule moves a non-terminal appointment to a new interval. A zero
// newDuration keeps the current duration.
func (s *Store) Reschedule(ctx context.Context, businessID, appointmentID string, newStart time.Time, newDuration int) (model.Appointment, error) {
	if !validID(appointmentID) {
		return model.Appointment{}, apperr.NotFound("appointment", appointmentID)
	}
	var out model.Appointment
	err := s.repo.InTx(ctx, func(tx Tx) error {
		biz, err := lockBusiness(ctx, tx, businessID)
		if err != nil {
			return err
		}
		appt, err := tx.GetForUpdate(ctx, businessID, appointmentID)
		if err != nil {
			return err
		}
		if appt.Status.Terminal() {
			return &apperr.InvalidTransitionError{From: string(appt.Status), To: "rescheduled"}
		}

		duration := appt.DurationMinutes
		if newDuration != 0 {
			duration = newDuration
		}
		now := s.now()
		if err := validateInterval(newStart, duration, biz.Location(), now); err != nil {
			return err
		}
		start := newStart.UTC()
		end := start.Add(time.Duration(duration) * time.Minute)
		if err := checkConflict(ctx, tx, businessID, start, end, appt.ID); err != nil {
			return err
		}

		prevStart := appt.StartTime
		appt.StartTime = start
		appt.DurationMinutes = duration
		appt.UpdatedAt = now.UTC()
		if err := tx.Update(ctx, appt); err != nil {
			return err
		}
		client, err := clientFor(ctx, tx, appt)
		if err != nil {
			return err
		}
		if err := appendAppointmentEvent(ctx, tx, events.AppointmentRescheduled, appt, client, biz, now, func(e *events.AppointmentEvent) {
			e.PreviousStart = &prevStart
		}); err != nil {
			return err
		}
		out = appt
		return nil
	})
	s.observe("reschedule", err)
	return out, err
}

// AppointmentEdit changes the details of an appointment. Nil fields are
// left as they are.
type AppointmentEdit struct {
	BusinessID      string
	ID              string
	ClientID        *string
	Service         *string
	Start           *time.Time
	DurationMinutes *int
	Price           *decimal.Decimal
	Currency        *string
	Notes           *string
}

// Edit applies an AppointmentEdit to a non-terminal appointment. A changed
// interval goes through the same checks as Reschedule and is announced as a
// reschedule.
func (s *Store) Edit(ctx context.Context, e AppointmentEdit) (model.Appointment, error) {
	if !validID(e.ID) {
		return model.Appointment{}, apperr.NotFound("appointment", e.ID)
	}
	var out model.Appointment
	err := s.repo.InTx(ctx, func(tx Tx) error {
		biz, err := lockBusiness(ctx, tx, e.BusinessID)
		if err != nil {
			return err
		}
		appt, err := tx.GetForUpdate(ctx, e.BusinessID, e.ID)
		if err != nil {
			return err
		}
		if appt.Status.Terminal() {
			return &apperr.InvalidTransitionError{From: string(appt.Status), To: "edited"}
		}

		req := ScheduleRequest{
			BusinessID:      appt.BusinessID,
			Service:         appt.Service,
			Start:           appt.StartTime,
			DurationMinutes: appt.DurationMinutes,
			Currency:        appt.Currency,
			Notes:           appt.Notes,
		}
		if appt.Price.Valid {
			p := appt.Price.Decimal
			req.Price = &p
		}
		if e.Service != nil {
			req.Service = strings.TrimSpace(*e.Service)
		}
		if e.Notes != nil {
			req.Notes = strings.TrimSpace(*e.Notes)
		}
		if e.Price != nil {
			req.Price = e.Price
		}
		if e.Currency != nil {
			req.Currency = *e.Currency
		}
		if e.Start != nil {
			req.Start = *e.Start
		}
		if e.DurationMinutes != nil {
			req.DurationMinutes = *e.DurationMinutes
		}
		moved := !req.Start.Equal(appt.StartTime) || req.DurationMinutes != appt.DurationMinutes

		now := s.now()
		price, currency, err := validateDetails(req)
		if err != nil {
			return err
		}
		if moved {
			if err := validateInterval(req.Start, req.DurationMinutes, biz.Location(), now); err != nil {
				return err
			}
			start := req.Start.UTC()
			if err := checkConflict(ctx, tx, e.BusinessID, start, start.Add(time.Duration(req.DurationMinutes)*time.Minute), appt.ID); err != nil {
				return err
			}
		}

		client, err := clientFor(ctx, tx, appt)
		if err != nil {
			return err
		}
		if e.ClientID != nil && *e.ClientID != appt.ClientID {
			id := strings.TrimSpace(*e.ClientID)
			if !validID(id) {
				return apperr.NotFound("client", id)
			}
			c, err := tx.GetClient(ctx, e.BusinessID, id)
			if err != nil {
				return err
			}
			appt.ClientID = c.ID
			client = &c
		}

		prevStart := appt.StartTime
		appt.Service = req.Service
		appt.Notes = req.Notes
		appt.Price = price
		appt.Currency = currency
		appt.StartTime = req.Start.UTC()
		appt.DurationMinutes = req.DurationMinutes
		appt.UpdatedAt = now.UTC()
		if err := tx.Update(ctx, appt); err != nil {
			return err
		}
		if moved {
			if err := appendAppointmentEvent(ctx, tx, events.AppointmentRescheduled, appt, client, biz, now, func(ev *events.AppointmentEvent) {
				ev.PreviousStart = &prevStart
			}); err != nil {
				return err
			}
		}
		out = appt
		return nil
	})
	s.observe("edit", err)
	return out, err
}

// UpdateStatus applies one state machine step. Completing an appointment
// also records the visit on its client once the transition has committed.
func (s *Store) UpdateStatus(ctx context.Context, businessID, appointmentID, status string) (model.Appointment, error) {
	next, err := model.ParseStatus(status)
	if err != nil {
		return model.Appointment{}, err
	}
	return s.transition(ctx, businessID, appointmentID, next, "")
}

// Cancel is UpdateStatus to cancelled with a stored reason.
func (s *Store) Cancel(ctx context.Context, businessID, appointmentID, reason string) (model.Appointment, error) {
	reason = strings.TrimSpace(reason)
	if tooLong(reason, maxReasonLen) {
		return model.Appointment{}, apperr.Invalid("reason", "must be at most 500 characters")
	}
	return s.transition(ctx, businessID, appointmentID, model.StatusCancelled, reason)
}

func (s *Store) transition(ctx context.Context, businessID, appointmentID string, next model.Status, reason string) (model.Appointment, error) {
	if !validID(appointmentID) {
		return model.Appointment{}, apperr.NotFound("appointment", appointmentID)
	}
	var out model.Appointment
	err := s.repo.InTx(ctx, func(tx Tx) error {
		biz, err := lockBusiness(ctx, tx, businessID)
		if err != nil {
			return err
		}
		appt, err := tx.GetForUpdate(ctx, businessID, appointmentID)
		if err != nil {
			return err
		}
		prev := appt.Status
		if err := appt.Transition(next); err != nil {
			return err
		}
		if next == model.StatusCancelled {
			appt.CancellationReason = reason
		}
		now := s.now()
		appt.UpdatedAt = now.UTC()
		if err := tx.Update(ctx, appt); err != nil {
			return err
		}
		client, err := clientFor(ctx, tx, appt)
		if err != nil {
			return err
		}
		if err := appendAppointmentEvent(ctx, tx, events.AppointmentStatusChanged, appt, client, biz, now, func(e *events.AppointmentEvent) {
			e.PreviousStatus = string(prev)
			e.Reason = reason
		}); err != nil {
			return err
		}
		out = appt
		return nil
	})
	s.observe("status_"+string(next), err)
	if err != nil {
		return model.Appointment{}, err
	}

	if next == model.StatusCompleted && out.ClientID != "" && s.visits != nil {
		if err := s.visits.RecordCompletedVisit(context.WithoutCancel(ctx), businessID, out.ClientID, out.StartTime); err != nil {
			s.logger.Warn("client visit update failed",
				"err", err, "business_id", businessID, "appointment_id", out.ID, "client_id", out.ClientID)
		}
	}
	return out, nil
}

// Archive soft-deletes an appointment. It keeps its history but no longer
// blocks its interval or shows up in lists and stats.
func (s *Store) Archive(ctx context.Context, businessID, appointmentID string) (model.Appointment, error) {
	if !validID(appointmentID) {
		return model.Appointment{}, apperr.NotFound("appointment", appointmentID)
	}
	var out model.Appointment
	err := s.repo.InTx(ctx, func(tx Tx) error {
		biz, err := lockBusiness(ctx, tx, businessID)
		if err != nil {
			return err
		}
		appt, err := tx.GetForUpdate(ctx, businessID, appointmentID)
		if err != nil {
			return err
		}
		now := s.now()
		appt.Active = false
		appt.UpdatedAt = now.UTC()
		if err := tx.Update(ctx, appt); err != nil {
			return err
		}
		if appt.Status.Blocking() {
			client, err := clientFor(ctx, tx, appt)
			if err != nil {
				return err
			}
			if err := appendAppointmentEvent(ctx, tx, events.AppointmentStatusChanged, appt, client, biz, now, func(e *events.AppointmentEvent) {
				e.PreviousStatus = string(appt.Status)
				e.Reason = "archived"
			}); err != nil {
				return err
			}
		}
		out = appt
		return nil
	})
	s.observe("archive", err)
	return out, err
}

func (s *Store) Get(ctx context.Context, businessID, appointmentID string) (model.Appointment, error) {
	if !validID(appointmentID) {
		return model.Appointment{}, apperr.NotFound("appointment", appointmentID)
	}
	return s.repo.Get(ctx, businessID, appointmentID)
}

// List returns one page of active appointments and the total match count.
func (s *Store) List(ctx context.Context, businessID string, f ListFilter, p Page, srt Sort) ([]model.Appointment, int, error) {
	q, err := buildListQuery(f, p, srt)
	if err != nil {
		return nil, 0, err
	}
	return s.repo.List(ctx, businessID, q)
}

// Stats counts active appointments. A zero asOf means now.
func (s *Store) Stats(ctx context.Context, businessID string, asOf time.Time) (Stats, error) {
	if asOf.IsZero() {
		asOf = s.now()
	}
	biz, err := s.repo.Business(ctx, businessID)
	if err != nil {
		return Stats{}, err
	}
	return s.repo.Stats(ctx, businessID, statsWindow(asOf, biz.Location()))
}

// RecordReminder applies a notification outcome to the appointment's
// reminder record.
func (s *Store) RecordReminder(ctx context.Context, businessID, appointmentID, key string, at time.Time, result model.ReminderResult) error {
	if !validID(appointmentID) {
		return apperr.NotFound("appointment", appointmentID)
	}
	return s.repo.InTx(ctx, func(tx Tx) error {
		appt, err := tx.GetForUpdate(ctx, businessID, appointmentID)
		if err != nil {
			return err
		}
		if !appt.RecordReminder(key, at, result) {
			return nil
		}
		appt.UpdatedAt = s.now().UTC()
		return tx.Update(ctx, appt)
	})
}

func lockBusiness(ctx context.Context, tx Tx, businessID string) (model.Business, error) {
	if strings.TrimSpace(businessID) == "" {
		return model.Business{}, apperr.Invalid("business_id", "required")
	}
	if err := tx.LockBusiness(ctx, businessID); err != nil {
		return model.Business{}, err
	}
	return tx.Business(ctx, businessID)
}

// validID reports whether id is a canonical uuid. Anything else cannot name
// a stored appointment or client.
func validID(id string) bool {
	if len(id) != 36 {
		return false
	}
	_, err := uuid.Parse(id)
	return err == nil
}

func checkConflict(ctx context.Context, tx Tx, businessID string, start, end time.Time, excludeID string) error {
	existing, err := tx.FindConflict(ctx, businessID, start, end, excludeID)
	if err != nil {
		return err
	}
	if existing != nil {
		return &apperr.ConflictError{AppointmentID: existing.ID, Start: existing.StartTime, End: existing.EndTime()}
	}
	return nil
}

// clientFor resolves the appointment's client for event projections. The
// reference is weak: a missing or archived client yields nil.
func clientFor(ctx context.Context, tx Tx, appt model.Appointment) (*model.Client, error) {
	if appt.ClientID == "" {
		return nil, nil
	}
	c, err := tx.GetClient(ctx, appt.BusinessID, appt.ClientID)
	if err != nil {
		var nf *apperr.NotFoundError
		if errors.As(err, &nf) {
			return nil, nil
		}
		return nil, err
	}
	return &c, nil
}

func (s *Store) observe(op string, err error) {
	if s.observer == nil {
		return
	}
	var conflict *apperr.ConflictError
	switch {
	case err == nil:
		s.observer.Observe(op)
	case errors.As(err, &conflict):
		s.observer.Observe(op + "_conflict")
	default:
		s.observer.Observe(op + "_rejected")
	}
}
