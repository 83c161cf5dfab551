package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/md-rashed-zaman/notifywise/libs/apperr"
	"github.com/md-rashed-zaman/notifywise/libs/httpx"
	"github.com/md-rashed-zaman/notifywise/services/scheduling-service/internal/model"
	"github.com/md-rashed-zaman/notifywise/services/scheduling-service/internal/scheduling"
)

type Clients interface {
	CreateClient(ctx context.Context, req scheduling.ClientRequest) (model.Client, error)
	GetClient(ctx context.Context, businessID, clientID string) (model.Client, error)
	UpdateClient(ctx context.Context, clientID string, req scheduling.ClientRequest) (model.Client, error)
	ListClients(ctx context.Context, businessID, search string, p scheduling.Page, s scheduling.Sort) ([]model.Client, int, error)
	ClientStats(ctx context.Context, businessID string, asOf time.Time) (scheduling.ClientStats, error)
	ArchiveClient(ctx context.Context, businessID, clientID string) error
}

type ClientHandler struct {
	store  Clients
	logger *slog.Logger
}

func NewClientHandler(store Clients, logger *slog.Logger) *ClientHandler {
	return &ClientHandler{store: store, logger: logger}
}

type clientRequest struct {
	ID             string `json:"id,omitempty"`
	FirstName      string `json:"first_name"`
	LastName       string `json:"last_name"`
	Email          string `json:"email"`
	WhatsAppNumber string `json:"whatsapp_number"`
	DateOfBirth    string `json:"date_of_birth"`
	Notes          string `json:"notes"`
}

func (req clientRequest) toDomain(businessID string) (scheduling.ClientRequest, error) {
	out := scheduling.ClientRequest{
		BusinessID:     businessID,
		FirstName:      req.FirstName,
		LastName:       req.LastName,
		Email:          req.Email,
		WhatsAppNumber: req.WhatsAppNumber,
		Notes:          req.Notes,
	}
	if dob := strings.TrimSpace(req.DateOfBirth); dob != "" {
		t, err := time.Parse("2006-01-02", dob)
		if err != nil {
			return scheduling.ClientRequest{}, apperr.Invalid("date_of_birth", "must be YYYY-MM-DD")
		}
		out.DateOfBirth = &t
	}
	return out, nil
}

func (h *ClientHandler) Collection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var req clientRequest
		if err := httpx.DecodeJSON(r, &req); err != nil {
			httpx.WriteError(w, r, h.logger, err)
			return
		}
		in, err := req.toDomain(httpx.BusinessID(r))
		if err != nil {
			httpx.WriteError(w, r, h.logger, err)
			return
		}
		c, err := h.store.CreateClient(r.Context(), in)
		if err != nil {
			httpx.WriteError(w, r, h.logger, err)
			return
		}
		httpx.WriteJSON(w, http.StatusCreated, toClientResponse(c))
	case http.MethodGet:
		q := r.URL.Query()
		page, sort, err := parsePaging(q)
		if err != nil {
			httpx.WriteError(w, r, h.logger, err)
			return
		}
		clients, total, err := h.store.ListClients(r.Context(), httpx.BusinessID(r), q.Get("search"), page, sort)
		if err != nil {
			httpx.WriteError(w, r, h.logger, err)
			return
		}
		page = page.Normalized()
		resp := clientListResponse{Items: make([]clientResponse, 0, len(clients)), Total: total, Page: page.Number, PageSize: page.Size}
		for _, c := range clients {
			resp.Items = append(resp.Items, toClientResponse(c))
		}
		httpx.WriteJSON(w, http.StatusOK, resp)
	default:
		w.Header().Set("Allow", "GET, POST")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *ClientHandler) Get(w http.ResponseWriter, r *http.Request) {
	if !httpx.AllowMethod(w, r, http.MethodGet) {
		return
	}
	id := strings.TrimSpace(r.URL.Query().Get("id"))
	if id == "" {
		httpx.WriteError(w, r, h.logger, apperr.Invalid("id", "required"))
		return
	}
	c, err := h.store.GetClient(r.Context(), httpx.BusinessID(r), id)
	if err != nil {
		httpx.WriteError(w, r, h.logger, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, toClientResponse(c))
}

// Update replaces a client's profile fields, validated like a new client.
func (h *ClientHandler) Update(w http.ResponseWriter, r *http.Request) {
	if !httpx.AllowMethod(w, r, http.MethodPost) {
		return
	}
	var req clientRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, r, h.logger, err)
		return
	}
	id := strings.TrimSpace(req.ID)
	if id == "" {
		httpx.WriteError(w, r, h.logger, apperr.Invalid("id", "required"))
		return
	}
	in, err := req.toDomain(httpx.BusinessID(r))
	if err != nil {
		httpx.WriteError(w, r, h.logger, err)
		return
	}
	c, err := h.store.UpdateClient(r.Context(), id, in)
	if err != nil {
		httpx.WriteError(w, r, h.logger, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, toClientResponse(c))
}

func (h *ClientHandler) Stats(w http.ResponseWriter, r *http.Request) {
	if !httpx.AllowMethod(w, r, http.MethodGet) {
		return
	}
	asOf, err := parseOptionalInstant("as_of", r.URL.Query().Get("as_of"))
	if err != nil {
		httpx.WriteError(w, r, h.logger, err)
		return
	}
	var at time.Time
	if asOf != nil {
		at = *asOf
	}
	stats, err := h.store.ClientStats(r.Context(), httpx.BusinessID(r), at)
	if err != nil {
		httpx.WriteError(w, r, h.logger, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, stats)
}

func (h *ClientHandler) Archive(w http.ResponseWriter, r *http.Request) {
	if !httpx.AllowMethod(w, r, http.MethodPost) {
		return
	}
	var req idRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, r, h.logger, err)
		return
	}
	if strings.TrimSpace(req.ID) == "" {
		httpx.WriteError(w, r, h.logger, apperr.Invalid("id", "required"))
		return
	}
	if err := h.store.ArchiveClient(r.Context(), httpx.BusinessID(r), strings.TrimSpace(req.ID)); err != nil {
		httpx.WriteError(w, r, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
