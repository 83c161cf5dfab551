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

type Businesses interface {
	Profile(ctx context.Context, businessID string) (model.Business, error)
	UpdateProfile(ctx context.Context, u scheduling.ProfileUpdate) (model.Business, error)
	Slots(ctx context.Context, businessID, date string, durationMinutes, stepMinutes int) ([]time.Time, error)
	Book(ctx context.Context, req scheduling.BookingRequest) (model.Appointment, bool, error)
}

type BusinessHandler struct {
	store  Businesses
	logger *slog.Logger
}

func NewBusinessHandler(store Businesses, logger *slog.Logger) *BusinessHandler {
	return &BusinessHandler{store: store, logger: logger}
}

type profileRequest struct {
	Name           string              `json:"name"`
	WhatsAppNumber string              `json:"whatsapp_number"`
	Timezone       string              `json:"timezone"`
	Services       []string            `json:"services"`
	BusinessHours  model.BusinessHours `json:"business_hours"`
	Templates      map[string]string   `json:"templates"`
}

// Profile serves GET and PUT of the caller's business profile.
func (h *BusinessHandler) Profile(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		b, err := h.store.Profile(r.Context(), httpx.BusinessID(r))
		if err != nil {
			httpx.WriteError(w, r, h.logger, err)
			return
		}
		httpx.WriteJSON(w, http.StatusOK, toBusinessResponse(b, true))
	case http.MethodPut:
		var req profileRequest
		if err := httpx.DecodeJSON(r, &req); err != nil {
			httpx.WriteError(w, r, h.logger, err)
			return
		}
		b, err := h.store.UpdateProfile(r.Context(), scheduling.ProfileUpdate{
			BusinessID:     httpx.BusinessID(r),
			Name:           req.Name,
			WhatsAppNumber: req.WhatsAppNumber,
			Timezone:       req.Timezone,
			Services:       req.Services,
			Hours:          req.BusinessHours,
			Templates:      req.Templates,
		})
		if err != nil {
			httpx.WriteError(w, r, h.logger, err)
			return
		}
		httpx.WriteJSON(w, http.StatusOK, toBusinessResponse(b, true))
	default:
		w.Header().Set("Allow", "GET, PUT")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// PublicBusiness is the booking page view of a business. Templates stay
// private.
func (h *BusinessHandler) PublicBusiness(w http.ResponseWriter, r *http.Request) {
	if !httpx.AllowMethod(w, r, http.MethodGet) {
		return
	}
	id := strings.TrimSpace(r.URL.Query().Get("business_id"))
	if id == "" {
		httpx.WriteError(w, r, h.logger, apperr.Invalid("business_id", "required"))
		return
	}
	b, err := h.store.Profile(r.Context(), id)
	if err != nil {
		httpx.WriteError(w, r, h.logger, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, toBusinessResponse(b, false))
}

type slotItem struct {
	StartTime string `json:"start_time"`
	EndTime   string `json:"end_time"`
}

func (h *BusinessHandler) PublicSlots(w http.ResponseWriter, r *http.Request) {
	if !httpx.AllowMethod(w, r, http.MethodGet) {
		return
	}
	q := r.URL.Query()
	id := strings.TrimSpace(q.Get("business_id"))
	if id == "" {
		httpx.WriteError(w, r, h.logger, apperr.Invalid("business_id", "required"))
		return
	}
	duration, err := parseOptionalInt("duration_minutes", q.Get("duration_minutes"))
	if err != nil {
		httpx.WriteError(w, r, h.logger, err)
		return
	}
	if duration == 0 {
		duration = 30
	}
	step, err := parseOptionalInt("step_minutes", q.Get("step_minutes"))
	if err != nil {
		httpx.WriteError(w, r, h.logger, err)
		return
	}
	date := strings.TrimSpace(q.Get("date"))
	if date == "" {
		httpx.WriteError(w, r, h.logger, apperr.Invalid("date", "required"))
		return
	}

	slots, err := h.store.Slots(r.Context(), id, date, duration, step)
	if err != nil {
		httpx.WriteError(w, r, h.logger, err)
		return
	}
	items := make([]slotItem, 0, len(slots))
	for _, s := range slots {
		items = append(items, slotItem{
			StartTime: s.UTC().Format(time.RFC3339),
			EndTime:   s.Add(time.Duration(duration) * time.Minute).UTC().Format(time.RFC3339),
		})
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"date": date, "slots": items})
}

type bookRequest struct {
	BusinessID      string        `json:"business_id"`
	Client          clientRequest `json:"client"`
	Service         string        `json:"service"`
	StartTime       string        `json:"start_time"`
	DurationMinutes int           `json:"duration_minutes"`
	Notes           string        `json:"notes"`
}

// IdempotencyKeyHeader lets a retried public booking return the original
// appointment instead of a conflict.
const IdempotencyKeyHeader = "Idempotency-Key"

func (h *BusinessHandler) PublicBook(w http.ResponseWriter, r *http.Request) {
	if !httpx.AllowMethod(w, r, http.MethodPost) {
		return
	}
	var req bookRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, r, h.logger, err)
		return
	}
	businessID := strings.TrimSpace(req.BusinessID)
	if businessID == "" {
		httpx.WriteError(w, r, h.logger, apperr.Invalid("business_id", "required"))
		return
	}
	start, err := parseInstant("start_time", req.StartTime)
	if err != nil {
		httpx.WriteError(w, r, h.logger, err)
		return
	}
	client, err := req.Client.toDomain(businessID)
	if err != nil {
		httpx.WriteError(w, r, h.logger, err)
		return
	}

	appt, replayed, err := h.store.Book(r.Context(), scheduling.BookingRequest{
		BusinessID:      businessID,
		IdempotencyKey:  r.Header.Get(IdempotencyKeyHeader),
		Client:          client,
		Service:         req.Service,
		Start:           start,
		DurationMinutes: req.DurationMinutes,
		Notes:           req.Notes,
	})
	if err != nil {
		httpx.WriteError(w, r, h.logger, err)
		return
	}
	status := http.StatusCreated
	if replayed {
		status = http.StatusOK
	}
	httpx.WriteJSON(w, status, toAppointmentResponse(appt))
}
