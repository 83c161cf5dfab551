package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/md-rashed-zaman/notifywise/libs/apperr"
	"github.com/md-rashed-zaman/notifywise/libs/httpx"
	"github.com/md-rashed-zaman/notifywise/services/scheduling-service/internal/model"
	"github.com/md-rashed-zaman/notifywise/services/scheduling-service/internal/scheduling"
	"github.com/shopspring/decimal"
)

// Appointments is the part of the appointment store the HTTP API drives.
type Appointments interface {
	Schedule(ctx context.Context, req scheduling.ScheduleRequest) (model.Appointment, error)
	Reschedule(ctx context.Context, businessID, appointmentID string, newStart time.Time, newDuration int) (model.Appointment, error)
	Edit(ctx context.Context, e scheduling.AppointmentEdit) (model.Appointment, error)
	UpdateStatus(ctx context.Context, businessID, appointmentID, status string) (model.Appointment, error)
	Cancel(ctx context.Context, businessID, appointmentID, reason string) (model.Appointment, error)
	Archive(ctx context.Context, businessID, appointmentID string) (model.Appointment, error)
	Get(ctx context.Context, businessID, appointmentID string) (model.Appointment, error)
	List(ctx context.Context, businessID string, f scheduling.ListFilter, p scheduling.Page, s scheduling.Sort) ([]model.Appointment, int, error)
	Stats(ctx context.Context, businessID string, asOf time.Time) (scheduling.Stats, error)
}

type AppointmentHandler struct {
	store  Appointments
	logger *slog.Logger
}

func NewAppointmentHandler(store Appointments, logger *slog.Logger) *AppointmentHandler {
	return &AppointmentHandler{store: store, logger: logger}
}

type scheduleRequest struct {
	ClientID        string           `json:"client_id"`
	Service         string           `json:"service"`
	StartTime       string           `json:"start_time"`
	DurationMinutes int              `json:"duration_minutes"`
	Price           *decimal.Decimal `json:"price"`
	Currency        string           `json:"currency"`
	Notes           string           `json:"notes"`
}

type rescheduleRequest struct {
	ID              string `json:"id"`
	StartTime       string `json:"start_time"`
	DurationMinutes int    `json:"duration_minutes"`
}

// editRequest uses pointers so omitted fields stay unchanged.
type editRequest struct {
	ID              string           `json:"id"`
	ClientID        *string          `json:"client_id"`
	Service         *string          `json:"service"`
	StartTime       *string          `json:"start_time"`
	DurationMinutes *int             `json:"duration_minutes"`
	Price           *decimal.Decimal `json:"price"`
	Currency        *string          `json:"currency"`
	Notes           *string          `json:"notes"`
}

type statusRequest struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

type cancelRequest struct {
	ID     string `json:"id"`
	Reason string `json:"reason"`
}

type idRequest struct {
	ID string `json:"id"`
}

type listResponse struct {
	Items    []appointmentResponse `json:"items"`
	Total    int                   `json:"total"`
	Page     int                   `json:"page"`
	PageSize int                   `json:"page_size"`
}

// Collection serves POST (schedule) and GET (list) on the collection path.
func (h *AppointmentHandler) Collection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		h.schedule(w, r)
	case http.MethodGet:
		h.list(w, r)
	default:
		w.Header().Set("Allow", "GET, POST")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *AppointmentHandler) schedule(w http.ResponseWriter, r *http.Request) {
	var req scheduleRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, r, h.logger, err)
		return
	}
	start, err := parseInstant("start_time", req.StartTime)
	if err != nil {
		httpx.WriteError(w, r, h.logger, err)
		return
	}
	appt, err := h.store.Schedule(r.Context(), scheduling.ScheduleRequest{
		BusinessID:      httpx.BusinessID(r),
		ClientID:        strings.TrimSpace(req.ClientID),
		Service:         req.Service,
		Start:           start,
		DurationMinutes: req.DurationMinutes,
		Price:           req.Price,
		Currency:        req.Currency,
		Notes:           req.Notes,
	})
	if err != nil {
		httpx.WriteError(w, r, h.logger, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, toAppointmentResponse(appt))
}

func (h *AppointmentHandler) list(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := scheduling.ListFilter{
		Status:   strings.TrimSpace(q.Get("status")),
		ClientID: strings.TrimSpace(q.Get("client_id")),
	}
	var err error
	if filter.From, err = parseOptionalInstant("from", q.Get("from")); err != nil {
		httpx.WriteError(w, r, h.logger, err)
		return
	}
	if filter.To, err = parseOptionalInstant("to", q.Get("to")); err != nil {
		httpx.WriteError(w, r, h.logger, err)
		return
	}
	page, sort, err := parsePaging(q)
	if err != nil {
		httpx.WriteError(w, r, h.logger, err)
		return
	}

	items, total, err := h.store.List(r.Context(), httpx.BusinessID(r), filter, page, sort)
	if err != nil {
		httpx.WriteError(w, r, h.logger, err)
		return
	}
	page = page.Normalized()
	resp := listResponse{Items: make([]appointmentResponse, 0, len(items)), Total: total, Page: page.Number, PageSize: page.Size}
	for _, a := range items {
		resp.Items = append(resp.Items, toAppointmentResponse(a))
	}
	httpx.WriteJSON(w, http.StatusOK, resp)
}

func (h *AppointmentHandler) Get(w http.ResponseWriter, r *http.Request) {
	if !httpx.AllowMethod(w, r, http.MethodGet) {
		return
	}
	id := strings.TrimSpace(r.URL.Query().Get("id"))
	if id == "" {
		httpx.WriteError(w, r, h.logger, apperr.Invalid("id", "required"))
		return
	}
	appt, err := h.store.Get(r.Context(), httpx.BusinessID(r), id)
	if err != nil {
		httpx.WriteError(w, r, h.logger, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, toAppointmentResponse(appt))
}

func (h *AppointmentHandler) Reschedule(w http.ResponseWriter, r *http.Request) {
	if !httpx.AllowMethod(w, r, http.MethodPost) {
		return
	}
	var req rescheduleRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, r, h.logger, err)
		return
	}
	if strings.TrimSpace(req.ID) == "" {
		httpx.WriteError(w, r, h.logger, apperr.Invalid("id", "required"))
		return
	}
	start, err := parseInstant("start_time", req.StartTime)
	if err != nil {
		httpx.WriteError(w, r, h.logger, err)
		return
	}
	appt, err := h.store.Reschedule(r.Context(), httpx.BusinessID(r), strings.TrimSpace(req.ID), start, req.DurationMinutes)
	h.respond(w, r, appt, err)
}

// Update edits the details of an appointment. Moving it is checked for
// conflicts like a reschedule.
func (h *AppointmentHandler) Update(w http.ResponseWriter, r *http.Request) {
	if !httpx.AllowMethod(w, r, http.MethodPost) {
		return
	}
	var req editRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, r, h.logger, err)
		return
	}
	if strings.TrimSpace(req.ID) == "" {
		httpx.WriteError(w, r, h.logger, apperr.Invalid("id", "required"))
		return
	}
	edit := scheduling.AppointmentEdit{
		BusinessID:      httpx.BusinessID(r),
		ID:              strings.TrimSpace(req.ID),
		ClientID:        req.ClientID,
		Service:         req.Service,
		DurationMinutes: req.DurationMinutes,
		Price:           req.Price,
		Currency:        req.Currency,
		Notes:           req.Notes,
	}
	if req.StartTime != nil {
		start, err := parseInstant("start_time", *req.StartTime)
		if err != nil {
			httpx.WriteError(w, r, h.logger, err)
			return
		}
		edit.Start = &start
	}
	appt, err := h.store.Edit(r.Context(), edit)
	h.respond(w, r, appt, err)
}

func (h *AppointmentHandler) Status(w http.ResponseWriter, r *http.Request) {
	if !httpx.AllowMethod(w, r, http.MethodPost) {
		return
	}
	var req statusRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, r, h.logger, err)
		return
	}
	if strings.TrimSpace(req.ID) == "" {
		httpx.WriteError(w, r, h.logger, apperr.Invalid("id", "required"))
		return
	}
	appt, err := h.store.UpdateStatus(r.Context(), httpx.BusinessID(r), strings.TrimSpace(req.ID), strings.TrimSpace(req.Status))
	h.respond(w, r, appt, err)
}

func (h *AppointmentHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	if !httpx.AllowMethod(w, r, http.MethodPost) {
		return
	}
	var req cancelRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, r, h.logger, err)
		return
	}
	if strings.TrimSpace(req.ID) == "" {
		httpx.WriteError(w, r, h.logger, apperr.Invalid("id", "required"))
		return
	}
	appt, err := h.store.Cancel(r.Context(), httpx.BusinessID(r), strings.TrimSpace(req.ID), req.Reason)
	h.respond(w, r, appt, err)
}

func (h *AppointmentHandler) Archive(w http.ResponseWriter, r *http.Request) {
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
	appt, err := h.store.Archive(r.Context(), httpx.BusinessID(r), strings.TrimSpace(req.ID))
	h.respond(w, r, appt, err)
}

func (h *AppointmentHandler) Stats(w http.ResponseWriter, r *http.Request) {
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
	stats, err := h.store.Stats(r.Context(), httpx.BusinessID(r), at)
	if err != nil {
		httpx.WriteError(w, r, h.logger, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, stats)
}

func (h *AppointmentHandler) respond(w http.ResponseWriter, r *http.Request, appt model.Appointment, err error) {
	if err != nil {
		httpx.WriteError(w, r, h.logger, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, toAppointmentResponse(appt))
}

func parseInstant(field, raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, apperr.Invalid(field, "required")
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, apperr.Invalid(field, "must be an RFC3339 timestamp")
	}
	return t, nil
}

func parseOptionalInstant(field, raw string) (*time.Time, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	t, err := parseInstant(field, raw)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// parsePaging reads page, page_size, sort and order.
func parsePaging(q url.Values) (scheduling.Page, scheduling.Sort, error) {
	page, err := parseOptionalInt("page", q.Get("page"))
	if err != nil {
		return scheduling.Page{}, scheduling.Sort{}, err
	}
	size, err := parseOptionalInt("page_size", q.Get("page_size"))
	if err != nil {
		return scheduling.Page{}, scheduling.Sort{}, err
	}
	sort := scheduling.Sort{Field: strings.TrimSpace(q.Get("sort")), Desc: strings.EqualFold(q.Get("order"), "desc")}
	return scheduling.Page{Number: page, Size: size}, sort, nil
}

func parseOptionalInt(field, raw string) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, apperr.Invalid(field, "must be an integer")
	}
	return n, nil
}
