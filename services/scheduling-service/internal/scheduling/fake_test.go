package scheduling

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/md-rashed-zaman/notifywise/libs/apperr"
	"github.com/md-rashed-zaman/notifywise/libs/outbox"
	"github.com/md-rashed-zaman/notifywise/services/scheduling-service/internal/model"
)

// memRepo is an in-memory Repository. A transaction holds the mutex for its
// whole lifetime and restores a snapshot when fn fails.
type memRepo struct {
	mu         sync.Mutex
	businesses map[string]model.Business
	appts      map[string]model.Appointment
	clients    map[string]model.Client
	idem       map[string]string
	events     []outbox.Event
}

func newMemRepo(bizs ...model.Business) *memRepo {
	r := &memRepo{
		businesses: map[string]model.Business{},
		appts:      map[string]model.Appointment{},
		clients:    map[string]model.Client{},
		idem:       map[string]string{},
	}
	for _, b := range bizs {
		r.businesses[b.ID] = b
	}
	return r
}

type memSnapshot struct {
	appts   map[string]model.Appointment
	clients map[string]model.Client
	idem    map[string]string
	events  int
}

func (r *memRepo) snapshot() memSnapshot {
	s := memSnapshot{
		appts:   make(map[string]model.Appointment, len(r.appts)),
		clients: make(map[string]model.Client, len(r.clients)),
		idem:    make(map[string]string, len(r.idem)),
		events:  len(r.events),
	}
	for k, v := range r.appts {
		s.appts[k] = cloneAppt(v)
	}
	for k, v := range r.clients {
		s.clients[k] = v
	}
	for k, v := range r.idem {
		s.idem[k] = v
	}
	return s
}

func cloneAppt(a model.Appointment) model.Appointment {
	if a.Reminders != nil {
		m := make(map[string]model.ReminderEntry, len(a.Reminders))
		for k, v := range a.Reminders {
			m[k] = v
		}
		a.Reminders = m
	}
	return a
}

func (r *memRepo) InTx(ctx context.Context, fn func(Tx) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	snap := r.snapshot()
	if err := fn(memTx{r}); err != nil {
		r.appts = snap.appts
		r.clients = snap.clients
		r.idem = snap.idem
		r.events = r.events[:snap.events]
		return err
	}
	return nil
}

func (r *memRepo) eventTypes() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.EventType)
	}
	return out
}

func (r *memRepo) business(id string) (model.Business, error) {
	b, ok := r.businesses[id]
	if !ok {
		return model.Business{}, apperr.NotFound("business", id)
	}
	return b, nil
}

func (r *memRepo) Business(ctx context.Context, businessID string) (model.Business, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.business(businessID)
}

func (r *memRepo) SaveBusiness(ctx context.Context, b model.Business) (model.Business, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.businesses[b.ID]; ok {
		b.OwnerID = prev.OwnerID
		b.CreatedAt = prev.CreatedAt
	}
	r.businesses[b.ID] = b
	return b, nil
}

func (r *memRepo) EnsureBusiness(ctx context.Context, b model.Business) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.businesses[b.ID]; !ok {
		r.businesses[b.ID] = b
	}
	return nil
}

func (r *memRepo) Get(ctx context.Context, businessID, appointmentID string) (model.Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.get(businessID, appointmentID)
}

func (r *memRepo) get(businessID, appointmentID string) (model.Appointment, error) {
	a, ok := r.appts[appointmentID]
	if !ok || a.BusinessID != businessID || !a.Active {
		return model.Appointment{}, apperr.NotFound("appointment", appointmentID)
	}
	return cloneAppt(a), nil
}

func (r *memRepo) List(ctx context.Context, businessID string, q ListQuery) ([]model.Appointment, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.Appointment
	for _, a := range r.appts {
		if a.BusinessID != businessID || !a.Active {
			continue
		}
		if q.Status != "" && a.Status != q.Status {
			continue
		}
		if q.ClientID != "" && a.ClientID != q.ClientID {
			continue
		}
		if q.From != nil && a.StartTime.Before(*q.From) {
			continue
		}
		if q.To != nil && !a.StartTime.Before(*q.To) {
			continue
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		if q.Desc {
			return out[i].StartTime.After(out[j].StartTime)
		}
		return out[i].StartTime.Before(out[j].StartTime)
	})
	total := len(out)
	if q.Offset >= len(out) {
		return []model.Appointment{}, total, nil
	}
	out = out[q.Offset:]
	if len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, total, nil
}

func (r *memRepo) Stats(ctx context.Context, businessID string, w StatsWindow) (Stats, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var st Stats
	for _, a := range r.appts {
		if a.BusinessID != businessID || !a.Active {
			continue
		}
		st.Total++
		if !a.StartTime.Before(w.DayStart) && a.StartTime.Before(w.DayEnd) {
			st.Today++
		}
		if !a.StartTime.Before(w.MonthStart) && a.StartTime.Before(w.MonthEnd) {
			st.ThisMonth++
		}
		if !a.StartTime.Before(w.AsOf) && a.Status.Blocking() {
			st.Upcoming++
		}
		switch a.Status {
		case model.StatusCompleted:
			st.Completed++
		case model.StatusCancelled:
			st.Cancelled++
		}
	}
	return st, nil
}

func (r *memRepo) Booked(ctx context.Context, businessID string, from, to time.Time) ([]model.Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.Appointment
	for _, a := range r.appts {
		if a.BusinessID == businessID && a.Active && a.Status.Blocking() && a.Overlaps(from, to) {
			out = append(out, a)
		}
	}
	return out, nil
}

func (r *memRepo) GetClient(ctx context.Context, businessID, clientID string) (model.Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return memTx{r}.GetClient(ctx, businessID, clientID)
}

func (r *memRepo) ListClients(ctx context.Context, businessID string, q ClientQuery) ([]model.Client, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	needle := strings.ToLower(q.Search)
	var out []model.Client
	for _, c := range r.clients {
		if c.BusinessID != businessID || !c.Active {
			continue
		}
		if needle != "" && !strings.Contains(strings.ToLower(c.FirstName+" "+c.LastName+" "+c.Email), needle) {
			continue
		}
		out = append(out, c)
	}
	key := func(c model.Client) string {
		switch q.SortBy {
		case ClientSortFirstName:
			return c.FirstName
		case ClientSortLastName:
			return c.LastName
		default:
			return c.CreatedAt.Format(time.RFC3339Nano)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if q.Desc {
			return key(out[i]) > key(out[j])
		}
		return key(out[i]) < key(out[j])
	})
	total := len(out)
	if q.Offset >= len(out) {
		return []model.Client{}, total, nil
	}
	out = out[q.Offset:]
	if len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, total, nil
}

func (r *memRepo) ClientStats(ctx context.Context, businessID string, monthStart, weekStart time.Time) (ClientStats, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var st ClientStats
	for _, c := range r.clients {
		if c.BusinessID != businessID || !c.Active {
			continue
		}
		st.Total++
		if !c.CreatedAt.Before(monthStart) {
			st.NewThisMonth++
		}
		if !c.CreatedAt.Before(weekStart) {
			st.NewThisWeek++
		}
	}
	return st, nil
}

func (r *memRepo) ArchiveClient(ctx context.Context, businessID, clientID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.clients[clientID]
	if !ok || c.BusinessID != businessID || !c.Active {
		return apperr.NotFound("client", clientID)
	}
	c.Active = false
	r.clients[clientID] = c
	return nil
}

// memTx runs with memRepo.mu already held.
type memTx struct{ r *memRepo }

func (t memTx) LockBusiness(ctx context.Context, businessID string) error {
	_, err := t.r.business(businessID)
	return err
}

func (t memTx) Business(ctx context.Context, businessID string) (model.Business, error) {
	return t.r.business(businessID)
}

func (t memTx) FindConflict(ctx context.Context, businessID string, start, end time.Time, excludeID string) (*model.Appointment, error) {
	for _, a := range t.r.appts {
		if a.BusinessID != businessID || a.ID == excludeID || !a.Active || !a.Status.Blocking() {
			continue
		}
		if a.Overlaps(start, end) {
			found := a
			return &found, nil
		}
	}
	return nil, nil
}

func (t memTx) GetForUpdate(ctx context.Context, businessID, appointmentID string) (model.Appointment, error) {
	return t.r.get(businessID, appointmentID)
}

func (t memTx) Insert(ctx context.Context, appt model.Appointment) error {
	t.r.appts[appt.ID] = cloneAppt(appt)
	return nil
}

func (t memTx) Update(ctx context.Context, appt model.Appointment) error {
	t.r.appts[appt.ID] = cloneAppt(appt)
	return nil
}

func (t memTx) GetClient(ctx context.Context, businessID, clientID string) (model.Client, error) {
	c, ok := t.r.clients[clientID]
	if !ok || c.BusinessID != businessID || !c.Active {
		return model.Client{}, apperr.NotFound("client", clientID)
	}
	return c, nil
}

func (t memTx) FindClientByNumber(ctx context.Context, businessID, number string) (*model.Client, error) {
	for _, c := range t.r.clients {
		if c.BusinessID == businessID && c.Active && c.WhatsAppNumber == number {
			found := c
			return &found, nil
		}
	}
	return nil, nil
}

func (t memTx) InsertClient(ctx context.Context, client model.Client) error {
	t.r.clients[client.ID] = client
	return nil
}

func (t memTx) UpdateClient(ctx context.Context, client model.Client) error {
	c, ok := t.r.clients[client.ID]
	if !ok || c.BusinessID != client.BusinessID || !c.Active {
		return apperr.NotFound("client", client.ID)
	}
	t.r.clients[client.ID] = client
	return nil
}

func (t memTx) ClaimIdempotencyKey(ctx context.Context, businessID, key string) (string, error) {
	k := businessID + "/" + key
	if id, ok := t.r.idem[k]; ok {
		return id, nil
	}
	t.r.idem[k] = ""
	return "", nil
}

func (t memTx) FinalizeIdempotencyKey(ctx context.Context, businessID, key, appointmentID string) error {
	t.r.idem[businessID+"/"+key] = appointmentID
	return nil
}

func (t memTx) AppendEvent(ctx context.Context, evt outbox.Event) error {
	t.r.events = append(t.r.events, evt)
	return nil
}

type visitRecorder struct {
	mu    sync.Mutex
	err   error
	calls []string
}

func (v *visitRecorder) RecordCompletedVisit(ctx context.Context, businessID, clientID string, at time.Time) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.calls = append(v.calls, clientID)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return v.err
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
