package dispatch

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/md-rashed-zaman/notifywise/libs/apperr"
	"github.com/md-rashed-zaman/notifywise/services/notification-service/internal/model"
)

type memRepo struct {
	mu       sync.Mutex
	messages map[string]model.Message
	claimed  map[string]time.Time
	outcomes []model.Status
}

func newMemRepo() *memRepo {
	return &memRepo{messages: map[string]model.Message{}, claimed: map[string]time.Time{}}
}

func (r *memRepo) Create(ctx context.Context, m model.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages[m.ID] = m
	r.emit(m)
	return nil
}

func (r *memRepo) Settle(ctx context.Context, m model.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.messages[m.ID]; !ok {
		return apperr.NotFound("message", m.ID)
	}
	r.messages[m.ID] = m
	delete(r.claimed, m.ID)
	r.emit(m)
	return nil
}

func (r *memRepo) emit(m model.Message) {
	if m.Status == model.StatusSent || m.Status == model.StatusFailed {
		r.outcomes = append(r.outcomes, m.Status)
	}
}

func (r *memRepo) Get(_ context.Context, businessID, messageID string) (model.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.messages[messageID]
	if !ok || m.BusinessID != businessID {
		return model.Message{}, apperr.NotFound("message", messageID)
	}
	return m, nil
}

func (r *memRepo) free(id string, now time.Time) bool {
	until, ok := r.claimed[id]
	return !ok || until.Before(now)
}

func (r *memRepo) ClaimRetry(_ context.Context, businessID, messageID string, now time.Time, lease time.Duration) (model.Message, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.messages[messageID]
	if !ok || m.BusinessID != businessID {
		return model.Message{}, false, apperr.NotFound("message", messageID)
	}
	if !m.Retryable() || !r.free(m.ID, now) {
		return model.Message{}, false, nil
	}
	m.RetryCount++
	r.messages[m.ID] = m
	r.claimed[m.ID] = now.Add(lease)
	return m, true, nil
}

func (r *memRepo) ClaimPending(_ context.Context, businessID, messageID string, now time.Time, lease time.Duration) (model.Message, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.messages[messageID]
	if !ok || m.BusinessID != businessID {
		return model.Message{}, false, apperr.NotFound("message", messageID)
	}
	if !m.Due(now) || !r.free(m.ID, now) {
		return model.Message{}, false, nil
	}
	r.claimed[m.ID] = now.Add(lease)
	return m, true, nil
}

func (r *memRepo) ClaimDue(_ context.Context, now time.Time, limit int, lease time.Duration) ([]model.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.Message
	for _, m := range r.sorted() {
		if len(out) == limit {
			break
		}
		if m.Due(now) && r.free(m.ID, now) {
			r.claimed[m.ID] = now.Add(lease)
			out = append(out, m)
		}
	}
	return out, nil
}

func (r *memRepo) RetryCandidates(_ context.Context, now time.Time, baseDelay time.Duration, limit int) ([]model.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.Message
	for _, m := range r.sorted() {
		if len(out) == limit {
			break
		}
		wait := baseDelay * time.Duration(1<<m.RetryCount)
		if m.Retryable() && r.free(m.ID, now) && !m.UpdatedAt.Add(wait).After(now) {
			out = append(out, m)
		}
	}
	return out, nil
}

func (r *memRepo) AwaitingReceipt(_ context.Context, since time.Time, limit int) ([]model.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.Message
	for _, m := range r.sorted() {
		if len(out) == limit {
			break
		}
		if m.Status == model.StatusSent && m.ProviderMessageID != "" && m.SentAt != nil && m.SentAt.After(since) {
			out = append(out, m)
		}
	}
	return out, nil
}

func (r *memRepo) UpdateDelivery(_ context.Context, key DeliveryKey, apply func(*model.Message) bool) (model.Message, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, m := range r.messages {
		if (key.MessageID != "" && id == key.MessageID) || (key.ProviderMessageID != "" && m.ProviderMessageID == key.ProviderMessageID) {
			if !apply(&m) {
				return m, false, nil
			}
			r.messages[id] = m
			return m, true, nil
		}
	}
	if key.MessageID != "" {
		return model.Message{}, false, apperr.NotFound("message", key.MessageID)
	}
	return model.Message{}, false, apperr.NotFound("message", key.ProviderMessageID)
}

func (r *memRepo) Supersede(_ context.Context, businessID, appointmentID, reason string, now time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for id, m := range r.messages {
		if m.BusinessID == businessID && m.AppointmentID == appointmentID && m.Supersede(reason) {
			m.UpdatedAt = now
			r.messages[id] = m
			n++
		}
	}
	return n, nil
}

func (r *memRepo) List(_ context.Context, businessID string, f ListFilter) ([]model.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.Message
	for _, m := range r.sorted() {
		if m.BusinessID != businessID || (f.Status != "" && m.Status != f.Status) ||
			(f.Type != "" && m.Type != f.Type) || (f.AppointmentID != "" && m.AppointmentID != f.AppointmentID) {
			continue
		}
		out = append(out, m)
		if len(out) == f.Limit {
			break
		}
	}
	return out, nil
}

func (r *memRepo) Stats(_ context.Context, businessID string) (model.Stats, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var s model.Stats
	for _, m := range r.messages {
		if m.BusinessID != businessID {
			continue
		}
		s.Total++
		switch m.Status {
		case model.StatusPending:
			s.Pending++
		case model.StatusSent:
			s.Sent++
		case model.StatusDelivered:
			s.Delivered++
		case model.StatusRead:
			s.Read++
		case model.StatusFailed:
			s.Failed++
		}
	}
	return s, nil
}

func (r *memRepo) sorted() []model.Message {
	out := make([]model.Message, 0, len(r.messages))
	for _, m := range r.messages {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// fakeSender fails while fail is set and can run a hook before answering.
type fakeSender struct {
	mu     sync.Mutex
	calls  int
	fail   bool
	before func(ctx context.Context)
	gate   chan struct{}
}

func (s *fakeSender) ProviderID() string { return "fake" }

func (s *fakeSender) SendText(ctx context.Context, to, body string) (string, error) {
	s.mu.Lock()
	s.calls++
	n := s.calls
	fail := s.fail
	before := s.before
	gate := s.gate
	s.mu.Unlock()
	if gate != nil {
		<-gate
	}
	if before != nil {
		before(ctx)
	}
	if fail {
		return "", &apperr.GatewayError{Provider: "fake", StatusCode: 503, Err: errors.New("provider unavailable")}
	}
	return "wamid-" + strconv.Itoa(n), nil
}

func (s *fakeSender) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *fakeSender) setFail(fail bool) {
	s.mu.Lock()
	s.fail = fail
	s.mu.Unlock()
}

type countingObserver struct {
	mu     sync.Mutex
	counts map[string]int
}

func (o *countingObserver) Observe(event string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.counts == nil {
		o.counts = map[string]int{}
	}
	o.counts[event]++
}

func (o *countingObserver) count(event string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.counts[event]
}
