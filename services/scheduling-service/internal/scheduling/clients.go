package scheduling

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/md-rashed-zaman/notifywise/libs/apperr"
	"github.com/md-rashed-zaman/notifywise/services/scheduling-service/internal/model"
)

type ClientRequest struct {
	BusinessID     string
	FirstName      string
	LastName       string
	Email          string
	WhatsAppNumber string
	DateOfBirth    *time.Time
	Notes          string
}

// CreateClient registers a client. The WhatsApp number is normalized and
// must be unique among the business's active clients.
func (s *Store) CreateClient(ctx context.Context, req ClientRequest) (model.Client, error) {
	var out model.Client
	err := s.repo.InTx(ctx, func(tx Tx) error {
		if _, err := lockBusiness(ctx, tx, req.BusinessID); err != nil {
			return err
		}
		c, err := s.validateClient(req, s.now())
		if err != nil {
			return err
		}
		existing, err := tx.FindClientByNumber(ctx, req.BusinessID, c.WhatsAppNumber)
		if err != nil {
			return err
		}
		if existing != nil {
			return apperr.Invalid("whatsapp_number", "already registered for this business")
		}
		out, err = s.insertClient(ctx, tx, c)
		return err
	})
	return out, err
}

// findOrCreateClient returns the active client with the request's number,
// creating one when none exists.
func (s *Store) findOrCreateClient(ctx context.Context, tx Tx, req ClientRequest) (model.Client, error) {
	c, err := s.validateClient(req, s.now())
	if err != nil {
		return model.Client{}, err
	}
	existing, err := tx.FindClientByNumber(ctx, req.BusinessID, c.WhatsAppNumber)
	if err != nil {
		return model.Client{}, err
	}
	if existing != nil {
		return *existing, nil
	}
	return s.insertClient(ctx, tx, c)
}

func (s *Store) insertClient(ctx context.Context, tx Tx, c model.Client) (model.Client, error) {
	now := s.now().UTC()
	c.ID = uuid.NewString()
	c.CreatedAt = now
	c.UpdatedAt = now
	if err := tx.InsertClient(ctx, c); err != nil {
		return model.Client{}, err
	}
	return c, nil
}

func (s *Store) GetClient(ctx context.Context, businessID, clientID string) (model.Client, error) {
	if !validID(clientID) {
		return model.Client{}, apperr.NotFound("client", clientID)
	}
	return s.repo.GetClient(ctx, businessID, clientID)
}

// UpdateClient replaces the profile fields of an active client. Visit
// counters are kept, and a changed number must stay unique.
func (s *Store) UpdateClient(ctx context.Context, clientID string, req ClientRequest) (model.Client, error) {
	if !validID(clientID) {
		return model.Client{}, apperr.NotFound("client", clientID)
	}
	var out model.Client
	err := s.repo.InTx(ctx, func(tx Tx) error {
		if _, err := lockBusiness(ctx, tx, req.BusinessID); err != nil {
			return err
		}
		current, err := tx.GetClient(ctx, req.BusinessID, clientID)
		if err != nil {
			return err
		}
		c, err := s.validateClient(req, s.now())
		if err != nil {
			return err
		}
		if c.WhatsAppNumber != current.WhatsAppNumber {
			existing, err := tx.FindClientByNumber(ctx, req.BusinessID, c.WhatsAppNumber)
			if err != nil {
				return err
			}
			if existing != nil && existing.ID != clientID {
				return apperr.Invalid("whatsapp_number", "already registered for this business")
			}
		}
		c.ID = current.ID
		c.TotalAppointments = current.TotalAppointments
		c.LastAppointmentAt = current.LastAppointmentAt
		c.CreatedAt = current.CreatedAt
		c.UpdatedAt = s.now().UTC()
		if err := tx.UpdateClient(ctx, c); err != nil {
			return err
		}
		out = c
		return nil
	})
	return out, err
}

const (
	ClientSortCreatedAt = "created_at"
	ClientSortFirstName = "first_name"
	ClientSortLastName  = "last_name"
)

// ClientQuery is a validated client list request. Search matches first
// name, last name or email, case-insensitively.
type ClientQuery struct {
	Search string
	Limit  int
	Offset int
	SortBy string
	Desc   bool
}

// ListClients returns one page of active clients and the total match count.
// The default order is newest first.
func (s *Store) ListClients(ctx context.Context, businessID, search string, p Page, srt Sort) ([]model.Client, int, error) {
	q := ClientQuery{Search: strings.TrimSpace(search), Desc: srt.Desc}
	if tooLong(q.Search, maxNameLen*2) {
		return nil, 0, apperr.Invalid("search", "must be at most 100 characters")
	}
	switch srt.Field {
	case "":
		q.SortBy = ClientSortCreatedAt
		q.Desc = true
	case ClientSortCreatedAt, ClientSortFirstName, ClientSortLastName:
		q.SortBy = srt.Field
	default:
		return nil, 0, apperr.Invalid("sort", "must be one of created_at, first_name, last_name")
	}
	q.Limit, q.Offset = p.bounds()
	return s.repo.ListClients(ctx, businessID, q)
}

type ClientStats struct {
	Total        int `json:"total"`
	NewThisMonth int `json:"new_this_month"`
	NewThisWeek  int `json:"new_this_week"`
}

// ClientStats counts active clients, those created since the first of the
// month in the business timezone and those created in the last 7 days. A
// zero asOf means now.
func (s *Store) ClientStats(ctx context.Context, businessID string, asOf time.Time) (ClientStats, error) {
	if asOf.IsZero() {
		asOf = s.now()
	}
	biz, err := s.repo.Business(ctx, businessID)
	if err != nil {
		return ClientStats{}, err
	}
	w := statsWindow(asOf, biz.Location())
	return s.repo.ClientStats(ctx, businessID, w.MonthStart, asOf.Add(-7*24*time.Hour))
}

// ArchiveClient soft-deletes a client. Its appointments are kept.
func (s *Store) ArchiveClient(ctx context.Context, businessID, clientID string) error {
	if !validID(clientID) {
		return apperr.NotFound("client", clientID)
	}
	return s.repo.ArchiveClient(ctx, businessID, clientID)
}
