package scheduling

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/md-rashed-zaman/notifywise/libs/apperr"
	"github.com/md-rashed-zaman/notifywise/libs/events"
	"github.com/md-rashed-zaman/notifywise/libs/phone"
	"github.com/md-rashed-zaman/notifywise/services/scheduling-service/internal/model"
	"github.com/shopspring/decimal"
)

const bizID = "biz-1"

// Monday 2026-03-02 08:00 UTC.
var testNow = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

func at(hour, min int) time.Time {
	return time.Date(2026, 3, 2, hour, min, 0, 0, time.UTC)
}

func newTestStore(t *testing.T, opts ...Option) (*Store, *memRepo, *visitRecorder) {
	t.Helper()
	repo := newMemRepo(model.Business{
		ID:       bizID,
		Name:     "Salon",
		Timezone: "UTC",
		Hours:    model.DefaultBusinessHours(),
		Services: []string{"Haircut", "Color"},
		Active:   true,
	}, model.Business{ID: "biz-2", Name: "Other", Timezone: "UTC", Active: true})
	visits := &visitRecorder{}
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	opts = append([]Option{WithClock(func() time.Time { return testNow })}, opts...)
	return NewStore(repo, visits, phone.New("212", "1"), logger, opts...), repo, visits
}

func schedule(t *testing.T, s *Store, start time.Time, minutes int) model.Appointment {
	t.Helper()
	appt, err := s.Schedule(context.Background(), ScheduleRequest{
		BusinessID: bizID, Service: "Haircut", Start: start, DurationMinutes: minutes,
	})
	if err != nil {
		t.Fatalf("schedule %s+%d: %v", start.Format("15:04"), minutes, err)
	}
	return appt
}

func TestScheduleRejectsOverlap(t *testing.T) {
	s, _, _ := newTestStore(t)
	first := schedule(t, s, at(10, 0), 60)

	_, err := s.Schedule(context.Background(), ScheduleRequest{
		BusinessID: bizID, Service: "Haircut", Start: at(10, 30), DurationMinutes: 30,
	})
	var conflict *apperr.ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if conflict.AppointmentID != first.ID || !conflict.Start.Equal(at(10, 0)) || !conflict.End.Equal(at(11, 0)) {
		t.Fatalf("unexpected conflict details: %+v", conflict)
	}

	// Touching intervals do not overlap.
	schedule(t, s, at(11, 0), 30)
	schedule(t, s, at(9, 30), 30)
}

func TestScheduleIgnoresOtherBusinessesAndFreedSlots(t *testing.T) {
	s, _, _ := newTestStore(t)
	first := schedule(t, s, at(10, 0), 60)

	if _, err := s.Schedule(context.Background(), ScheduleRequest{
		BusinessID: "biz-2", Service: "Massage", Start: at(10, 0), DurationMinutes: 60,
	}); err != nil {
		t.Fatalf("other business must not conflict: %v", err)
	}

	if _, err := s.Cancel(context.Background(), bizID, first.ID, "client called"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	schedule(t, s, at(10, 0), 60)
}

func TestScheduleDateRule(t *testing.T) {
	s, _, _ := newTestStore(t)

	// Earlier today is still accepted.
	schedule(t, s, at(6, 0), 30)

	_, err := s.Schedule(context.Background(), ScheduleRequest{
		BusinessID: bizID, Service: "Haircut", Start: at(10, 0).AddDate(0, 0, -1), DurationMinutes: 30,
	})
	var ve *apperr.ValidationError
	if !errors.As(err, &ve) || ve.Field != "start_time" {
		t.Fatalf("expected start_time validation error, got %v", err)
	}
}

func TestScheduleValidation(t *testing.T) {
	s, _, _ := newTestStore(t)
	neg := decimal.NewFromInt(-5)
	cases := map[string]ScheduleRequest{
		"duration": {BusinessID: bizID, Service: "Haircut", Start: at(10, 0), DurationMinutes: 10},
		"service":  {BusinessID: bizID, Start: at(10, 0), DurationMinutes: 30},
		"price":    {BusinessID: bizID, Service: "Haircut", Start: at(10, 0), DurationMinutes: 30, Price: &neg},
		"currency": {BusinessID: bizID, Service: "Haircut", Start: at(10, 0), DurationMinutes: 30, Currency: "dollars"},
	}
	for name, req := range cases {
		_, err := s.Schedule(context.Background(), req)
		var ve *apperr.ValidationError
		if !errors.As(err, &ve) {
			t.Fatalf("%s: expected validation error, got %v", name, err)
		}
	}
}

func TestScheduleDefaultsCurrencyWithPrice(t *testing.T) {
	s, _, _ := newTestStore(t)
	price := decimal.RequireFromString("25.50")
	appt, err := s.Schedule(context.Background(), ScheduleRequest{
		BusinessID: bizID, Service: "Haircut", Start: at(10, 0), DurationMinutes: 30, Price: &price,
	})
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if !appt.Price.Valid || !appt.Price.Decimal.Equal(price) || appt.Currency != "USD" {
		t.Fatalf("unexpected price: %+v %s", appt.Price, appt.Currency)
	}
}

func TestConcurrentScheduleAdmitsOne(t *testing.T) {
	s, _, _ := newTestStore(t)
	const n = 16
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		ok        int
		conflicts int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Schedule(context.Background(), ScheduleRequest{
				BusinessID: bizID, Service: "Haircut", Start: at(14, 0), DurationMinutes: 45,
			})
			var conflict *apperr.ConflictError
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.As(err, &conflict):
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	if ok != 1 || conflicts != n-1 {
		t.Fatalf("expected 1 success and %d conflicts, got %d and %d", n-1, ok, conflicts)
	}
}

func TestRescheduleExcludesItself(t *testing.T) {
	s, repo, _ := newTestStore(t)
	appt := schedule(t, s, at(10, 0), 60)
	other := schedule(t, s, at(12, 0), 60)

	moved, err := s.Reschedule(context.Background(), bizID, appt.ID, at(10, 30), 0)
	if err != nil {
		t.Fatalf("reschedule onto own slot: %v", err)
	}
	if !moved.StartTime.Equal(at(10, 30)) || moved.DurationMinutes != 60 {
		t.Fatalf("unexpected appointment after reschedule: %+v", moved)
	}

	_, err = s.Reschedule(context.Background(), bizID, appt.ID, at(11, 45), 30)
	var conflict *apperr.ConflictError
	if !errors.As(err, &conflict) || conflict.AppointmentID != other.ID {
		t.Fatalf("expected conflict with %s, got %v", other.ID, err)
	}
	got, _ := s.Get(context.Background(), bizID, appt.ID)
	if !got.StartTime.Equal(at(10, 30)) {
		t.Fatalf("failed reschedule must not move the appointment: %v", got.StartTime)
	}

	types := repo.eventTypes()
	if types[len(types)-1] != events.AppointmentRescheduled {
		t.Fatalf("expected rescheduled event last, got %v", types)
	}
}

func TestRescheduleTerminalIsInvalidTransition(t *testing.T) {
	s, _, _ := newTestStore(t)
	appt := schedule(t, s, at(10, 0), 60)
	if _, err := s.Cancel(context.Background(), bizID, appt.ID, ""); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	_, err := s.Reschedule(context.Background(), bizID, appt.ID, at(15, 0), 0)
	var ite *apperr.InvalidTransitionError
	if !errors.As(err, &ite) || ite.From != "cancelled" {
		t.Fatalf("expected invalid transition, got %v", err)
	}
}

func TestUpdateStatusFollowsStateMachine(t *testing.T) {
	s, _, _ := newTestStore(t)
	appt := schedule(t, s, at(10, 0), 60)

	if _, err := s.UpdateStatus(context.Background(), bizID, appt.ID, "confirmed"); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	_, err := s.UpdateStatus(context.Background(), bizID, appt.ID, "scheduled")
	var ite *apperr.InvalidTransitionError
	if !errors.As(err, &ite) {
		t.Fatalf("confirmed -> scheduled must be rejected, got %v", err)
	}
	if _, err := s.UpdateStatus(context.Background(), bizID, appt.ID, "done"); err == nil {
		t.Fatal("unknown status must be rejected")
	}
	got, _ := s.Get(context.Background(), bizID, appt.ID)
	if got.Status != model.StatusConfirmed {
		t.Fatalf("expected confirmed, got %s", got.Status)
	}
}

func TestCancelStoresReason(t *testing.T) {
	s, _, _ := newTestStore(t)
	appt := schedule(t, s, at(10, 0), 60)
	got, err := s.Cancel(context.Background(), bizID, appt.ID, "  sick  ")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if got.Status != model.StatusCancelled || got.CancellationReason != "sick" {
		t.Fatalf("unexpected cancel result: %+v", got)
	}
}

func TestCompleteRecordsVisitBestEffort(t *testing.T) {
	s, _, visits := newTestStore(t)
	client, err := s.CreateClient(context.Background(), ClientRequest{
		BusinessID: bizID, FirstName: "Amina", WhatsAppNumber: "0612345678",
	})
	if err != nil {
		t.Fatalf("create client: %v", err)
	}
	appt, err := s.Schedule(context.Background(), ScheduleRequest{
		BusinessID: bizID, ClientID: client.ID, Service: "Haircut", Start: at(10, 0), DurationMinutes: 30,
	})
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}

	visits.err = errors.New("db down")
	ctx, cancel := context.WithCancel(context.Background())
	got, err := s.UpdateStatus(ctx, bizID, appt.ID, "completed")
	cancel()
	if err != nil {
		t.Fatalf("visit failure must not fail the transition: %v", err)
	}
	if got.Status != model.StatusCompleted {
		t.Fatalf("expected completed, got %s", got.Status)
	}
	if len(visits.calls) != 1 || visits.calls[0] != client.ID {
		t.Fatalf("expected one visit update for %s, got %v", client.ID, visits.calls)
	}
}

func TestArchiveHidesAndFreesSlot(t *testing.T) {
	s, repo, _ := newTestStore(t)
	appt := schedule(t, s, at(10, 0), 60)
	if _, err := s.Archive(context.Background(), bizID, appt.ID); err != nil {
		t.Fatalf("archive: %v", err)
	}
	_, err := s.Get(context.Background(), bizID, appt.ID)
	var nf *apperr.NotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("archived appointment must read as not found, got %v", err)
	}
	schedule(t, s, at(10, 0), 60)

	types := repo.eventTypes()
	if len(types) != 3 || types[1] != events.AppointmentStatusChanged {
		t.Fatalf("unexpected events: %v", types)
	}
}

func TestGetIsScopedToBusiness(t *testing.T) {
	s, _, _ := newTestStore(t)
	appt := schedule(t, s, at(10, 0), 60)
	if _, err := s.Get(context.Background(), "biz-2", appt.ID); err == nil {
		t.Fatal("expected not found for another business")
	}
}

func TestRecordReminderIsMonotonic(t *testing.T) {
	s, _, _ := newTestStore(t)
	appt := schedule(t, s, at(10, 0), 60)
	key := events.ReminderKey(events.MessageReminder, events.Reminder2h)
	ctx := context.Background()

	if err := s.RecordReminder(ctx, bizID, appt.ID, key, at(8, 1), model.ReminderDelivered); err != nil {
		t.Fatalf("record delivered: %v", err)
	}
	if err := s.RecordReminder(ctx, bizID, appt.ID, key, at(8, 5), model.ReminderSent); err != nil {
		t.Fatalf("record late sent: %v", err)
	}
	got, _ := s.Get(ctx, bizID, appt.ID)
	entry := got.Reminders[key]
	if entry.Result != model.ReminderDelivered || !entry.At.Equal(at(8, 1)) {
		t.Fatalf("delivered entry must not be downgraded: %+v", entry)
	}
}

func TestListAndStats(t *testing.T) {
	s, _, _ := newTestStore(t)
	a := schedule(t, s, at(10, 0), 60)
	schedule(t, s, at(12, 0), 60)
	tomorrow := schedule(t, s, at(12, 0).AddDate(0, 0, 1), 60)
	if _, err := s.UpdateStatus(context.Background(), bizID, a.ID, "completed"); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if _, err := s.Cancel(context.Background(), bizID, tomorrow.ID, ""); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	items, total, err := s.List(context.Background(), bizID, ListFilter{Status: "scheduled"}, Page{}, Sort{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if total != 1 || len(items) != 1 || !items[0].StartTime.Equal(at(12, 0)) {
		t.Fatalf("unexpected list: total=%d items=%v", total, items)
	}
	if _, _, err := s.List(context.Background(), bizID, ListFilter{}, Page{}, Sort{Field: "price"}); err == nil {
		t.Fatal("unknown sort field must be rejected")
	}

	st, err := s.Stats(context.Background(), bizID, time.Time{})
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	want := Stats{Total: 3, Today: 2, ThisMonth: 3, Upcoming: 1, Completed: 1, Cancelled: 1}
	if st != want {
		t.Fatalf("stats = %+v, want %+v", st, want)
	}
}

func TestObserverCountsOutcomes(t *testing.T) {
	obs := &countingObserver{}
	s, _, _ := newTestStore(t, WithObserver(obs))
	schedule(t, s, at(10, 0), 60)
	_, _ = s.Schedule(context.Background(), ScheduleRequest{
		BusinessID: bizID, Service: "Haircut", Start: at(10, 0), DurationMinutes: 60,
	})
	if obs.counts["schedule"] != 1 || obs.counts["schedule_conflict"] != 1 {
		t.Fatalf("unexpected counts: %v", obs.counts)
	}
}

func TestMalformedIDsAreNotFound(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()
	var nf *apperr.NotFoundError
	for _, id := range []string{"abc", "6f1c2a8e1b7d4c1e9a550c7a4f3b2d10", "'; DROP TABLE appointments; --"} {
		if _, err := s.Get(ctx, bizID, id); !errors.As(err, &nf) {
			t.Fatalf("get %q: %v", id, err)
		}
		if _, err := s.UpdateStatus(ctx, bizID, id, "confirmed"); !errors.As(err, &nf) {
			t.Fatalf("status %q: %v", id, err)
		}
		if _, err := s.Reschedule(ctx, bizID, id, at(12, 0), 0); !errors.As(err, &nf) {
			t.Fatalf("reschedule %q: %v", id, err)
		}
		if _, err := s.Archive(ctx, bizID, id); !errors.As(err, &nf) {
			t.Fatalf("archive %q: %v", id, err)
		}
		if err := s.RecordReminder(ctx, bizID, id, "confirmation", at(8, 0), model.ReminderSent); !errors.As(err, &nf) {
			t.Fatalf("record reminder %q: %v", id, err)
		}
	}
	_, err := s.Schedule(ctx, ScheduleRequest{BusinessID: bizID, ClientID: "abc", Service: "Haircut", Start: at(10, 0), DurationMinutes: 30})
	if !errors.As(err, &nf) || nf.Kind != "client" {
		t.Fatalf("schedule with malformed client id: %v", err)
	}
	var ve *apperr.ValidationError
	if _, _, err := s.List(ctx, bizID, ListFilter{ClientID: "abc"}, Page{}, Sort{}); !errors.As(err, &ve) || ve.Field != "client_id" {
		t.Fatalf("list with malformed client id: %v", err)
	}
}

func TestEditUpdatesDetails(t *testing.T) {
	s, repo, _ := newTestStore(t)
	ctx := context.Background()
	appt := schedule(t, s, at(10, 0), 60)
	client, err := s.CreateClient(ctx, ClientRequest{BusinessID: bizID, FirstName: "Amina", WhatsAppNumber: "0612345678"})
	if err != nil {
		t.Fatalf("create client: %v", err)
	}
	before := len(repo.eventTypes())

	service, notes, currency := " Color ", "bring photos", "mad"
	price := decimal.RequireFromString("150.50")
	got, err := s.Edit(ctx, AppointmentEdit{
		BusinessID: bizID, ID: appt.ID, ClientID: &client.ID,
		Service: &service, Notes: &notes, Price: &price, Currency: &currency,
	})
	if err != nil {
		t.Fatalf("edit: %v", err)
	}
	if got.Service != "Color" || got.Notes != "bring photos" || got.Currency != "MAD" || !got.Price.Decimal.Equal(price) || got.ClientID != client.ID {
		t.Fatalf("unexpected appointment %+v", got)
	}
	if !got.StartTime.Equal(appt.StartTime) || got.DurationMinutes != 60 {
		t.Fatalf("interval must not move: %+v", got)
	}
	if len(repo.eventTypes()) != before {
		t.Fatal("a details-only edit must not publish a reschedule")
	}
	stored, _ := s.Get(ctx, bizID, appt.ID)
	if stored.Service != "Color" || stored.Currency != "MAD" {
		t.Fatalf("edit not stored: %+v", stored)
	}

	empty := ""
	var ve *apperr.ValidationError
	if _, err := s.Edit(ctx, AppointmentEdit{BusinessID: bizID, ID: appt.ID, Service: &empty}); !errors.As(err, &ve) || ve.Field != "service" {
		t.Fatalf("empty service: %v", err)
	}
	bad := "abc"
	var nf *apperr.NotFoundError
	if _, err := s.Edit(ctx, AppointmentEdit{BusinessID: bizID, ID: appt.ID, ClientID: &bad}); !errors.As(err, &nf) {
		t.Fatalf("malformed client id: %v", err)
	}
}

func TestEditIntervalKeepsConflictAndTerminalRules(t *testing.T) {
	s, repo, _ := newTestStore(t)
	ctx := context.Background()
	first := schedule(t, s, at(10, 0), 60)
	second := schedule(t, s, at(12, 0), 60)

	overlapping := at(10, 30)
	_, err := s.Edit(ctx, AppointmentEdit{BusinessID: bizID, ID: second.ID, Start: &overlapping})
	var conflict *apperr.ConflictError
	if !errors.As(err, &conflict) || conflict.AppointmentID != first.ID {
		t.Fatalf("expected conflict with %s, got %v", first.ID, err)
	}

	longer := 90
	got, err := s.Edit(ctx, AppointmentEdit{BusinessID: bizID, ID: second.ID, DurationMinutes: &longer})
	if err != nil || got.DurationMinutes != 90 {
		t.Fatalf("extend: %+v %v", got, err)
	}
	types := repo.eventTypes()
	if types[len(types)-1] != events.AppointmentRescheduled {
		t.Fatalf("a moved interval must publish a reschedule, got %v", types)
	}

	if _, err := s.Cancel(ctx, bizID, first.ID, ""); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	notes := "late"
	var it *apperr.InvalidTransitionError
	if _, err := s.Edit(ctx, AppointmentEdit{BusinessID: bizID, ID: first.ID, Notes: &notes}); !errors.As(err, &it) {
		t.Fatalf("edit of cancelled appointment: %v", err)
	}
}
