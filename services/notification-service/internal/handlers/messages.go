package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/md-rashed-zaman/notifywise/libs/apperr"
	"github.com/md-rashed-zaman/notifywise/libs/events"
	"github.com/md-rashed-zaman/notifywise/libs/httpx"
	"github.com/md-rashed-zaman/notifywise/services/notification-service/internal/dispatch"
	"github.com/md-rashed-zaman/notifywise/services/notification-service/internal/model"
	"github.com/md-rashed-zaman/notifywise/services/notification-service/internal/templates"
)

// Messages is the part of the dispatcher the HTTP API drives.
type Messages interface {
	Dispatch(ctx context.Context, req dispatch.DispatchRequest) (model.Message, error)
	Retry(ctx context.Context, businessID, messageID string) (model.Message, error)
	SendTest(ctx context.Context, businessID, to, text string) (model.Message, error)
	Get(ctx context.Context, businessID, messageID string) (model.Message, error)
	List(ctx context.Context, businessID string, f dispatch.ListFilter) ([]model.Message, error)
	Stats(ctx context.Context, businessID string) (model.Stats, error)
}

type MessageHandler struct {
	messages Messages
	logger   *slog.Logger
}

func NewMessageHandler(messages Messages, logger *slog.Logger) *MessageHandler {
	return &MessageHandler{messages: messages, logger: logger}
}

type appointmentPayload struct {
	ID              string `json:"id"`
	Service         string `json:"service"`
	StartTime       string `json:"start_time"`
	DurationMinutes int    `json:"duration_minutes"`
}

type dispatchRequest struct {
	Type         string              `json:"type"`
	ReminderKind string              `json:"reminder_kind"`
	CustomText   string              `json:"custom_text"`
	Appointment  appointmentPayload  `json:"appointment"`
	Client       events.ClientView   `json:"client"`
	Business     events.BusinessView `json:"business"`
	ScheduledFor string              `json:"scheduled_for"`
	MaxRetries   int                 `json:"max_retries"`
}

type idRequest struct {
	ID string `json:"id"`
}

type testRequest struct {
	To   string `json:"to"`
	Text string `json:"text"`
}

type messageResponse struct {
	ID                string     `json:"id"`
	BusinessID        string     `json:"business_id"`
	AppointmentID     string     `json:"appointment_id,omitempty"`
	ClientID          string     `json:"client_id,omitempty"`
	Type              string     `json:"type"`
	ReminderKind      string     `json:"reminder_kind,omitempty"`
	Destination       string     `json:"destination"`
	Content           string     `json:"content"`
	Provider          string     `json:"provider"`
	ProviderMessageID string     `json:"provider_message_id,omitempty"`
	Status            string     `json:"status"`
	ScheduledFor      *time.Time `json:"scheduled_for,omitempty"`
	SentAt            *time.Time `json:"sent_at,omitempty"`
	DeliveredAt       *time.Time `json:"delivered_at,omitempty"`
	ReadAt            *time.Time `json:"read_at,omitempty"`
	Error             string     `json:"error,omitempty"`
	RetryCount        int        `json:"retry_count"`
	MaxRetries        int        `json:"max_retries"`
	Retryable         bool       `json:"retryable"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

func toMessageResponse(m model.Message) messageResponse {
	return messageResponse{
		ID:                m.ID,
		BusinessID:        m.BusinessID,
		AppointmentID:     m.AppointmentID,
		ClientID:          m.ClientID,
		Type:              m.Type,
		ReminderKind:      m.ReminderKind,
		Destination:       m.Destination,
		Content:           m.Content,
		Provider:          m.Provider,
		ProviderMessageID: m.ProviderMessageID,
		Status:            string(m.Status),
		ScheduledFor:      m.ScheduledFor,
		SentAt:            m.SentAt,
		DeliveredAt:       m.DeliveredAt,
		ReadAt:            m.ReadAt,
		Error:             m.Error,
		RetryCount:        m.RetryCount,
		MaxRetries:        m.MaxRetries,
		Retryable:         dispatch.IsRetryable(m),
		CreatedAt:         m.CreatedAt,
		UpdatedAt:         m.UpdatedAt,
	}
}

type statsResponse struct {
	Total     int `json:"total"`
	Pending   int `json:"pending"`
	Sent      int `json:"sent"`
	Delivered int `json:"delivered"`
	Read      int `json:"read"`
	Failed    int `json:"failed"`
}

// Dispatch composes and sends (or schedules) one message. A failed send is
// still 201: the body reports status failed with the provider's reason.
func (h *MessageHandler) Dispatch(w http.ResponseWriter, r *http.Request) {
	if !httpx.AllowMethod(w, r, http.MethodPost) {
		return
	}
	var req dispatchRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, r, h.logger, err)
		return
	}
	var start time.Time
	if strings.TrimSpace(req.Appointment.StartTime) != "" {
		t, err := parseInstant("appointment.start_time", req.Appointment.StartTime)
		if err != nil {
			httpx.WriteError(w, r, h.logger, err)
			return
		}
		start = t
	}
	var scheduledFor *time.Time
	if strings.TrimSpace(req.ScheduledFor) != "" {
		t, err := parseInstant("scheduled_for", req.ScheduledFor)
		if err != nil {
			httpx.WriteError(w, r, h.logger, err)
			return
		}
		scheduledFor = &t
	}
	business := req.Business
	business.ID = httpx.BusinessID(r)

	msg, err := h.messages.Dispatch(r.Context(), dispatch.DispatchRequest{
		Type:         strings.TrimSpace(req.Type),
		ReminderKind: strings.TrimSpace(req.ReminderKind),
		CustomText:   req.CustomText,
		Appointment: templates.Appointment{
			ID:              strings.TrimSpace(req.Appointment.ID),
			Service:         strings.TrimSpace(req.Appointment.Service),
			StartTime:       start,
			DurationMinutes: req.Appointment.DurationMinutes,
		},
		Client:       req.Client,
		Business:     business,
		ScheduledFor: scheduledFor,
		MaxRetries:   req.MaxRetries,
	})
	if err != nil {
		httpx.WriteError(w, r, h.logger, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, toMessageResponse(msg))
}

func (h *MessageHandler) Retry(w http.ResponseWriter, r *http.Request) {
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
	msg, err := h.messages.Retry(r.Context(), httpx.BusinessID(r), strings.TrimSpace(req.ID))
	if err != nil {
		httpx.WriteError(w, r, h.logger, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, toMessageResponse(msg))
}

func (h *MessageHandler) Test(w http.ResponseWriter, r *http.Request) {
	if !httpx.AllowMethod(w, r, http.MethodPost) {
		return
	}
	var req testRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, r, h.logger, err)
		return
	}
	msg, err := h.messages.SendTest(r.Context(), httpx.BusinessID(r), req.To, req.Text)
	if err != nil {
		httpx.WriteError(w, r, h.logger, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, toMessageResponse(msg))
}

func (h *MessageHandler) Get(w http.ResponseWriter, r *http.Request) {
	if !httpx.AllowMethod(w, r, http.MethodGet) {
		return
	}
	id := strings.TrimSpace(r.URL.Query().Get("id"))
	if id == "" {
		httpx.WriteError(w, r, h.logger, apperr.Invalid("id", "required"))
		return
	}
	msg, err := h.messages.Get(r.Context(), httpx.BusinessID(r), id)
	if err != nil {
		httpx.WriteError(w, r, h.logger, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, toMessageResponse(msg))
}

func (h *MessageHandler) List(w http.ResponseWriter, r *http.Request) {
	if !httpx.AllowMethod(w, r, http.MethodGet) {
		return
	}
	q := r.URL.Query()
	filter := dispatch.ListFilter{
		Status:        model.Status(strings.TrimSpace(q.Get("status"))),
		Type:          strings.TrimSpace(q.Get("type")),
		AppointmentID: strings.TrimSpace(q.Get("appointment_id")),
	}
	if raw := strings.TrimSpace(q.Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			httpx.WriteError(w, r, h.logger, apperr.Invalid("limit", "must be an integer"))
			return
		}
		filter.Limit = n
	}
	msgs, err := h.messages.List(r.Context(), httpx.BusinessID(r), filter)
	if err != nil {
		httpx.WriteError(w, r, h.logger, err)
		return
	}
	items := make([]messageResponse, 0, len(msgs))
	for _, m := range msgs {
		items = append(items, toMessageResponse(m))
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (h *MessageHandler) Stats(w http.ResponseWriter, r *http.Request) {
	if !httpx.AllowMethod(w, r, http.MethodGet) {
		return
	}
	st, err := h.messages.Stats(r.Context(), httpx.BusinessID(r))
	if err != nil {
		httpx.WriteError(w, r, h.logger, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, statsResponse{
		Total:     st.Total,
		Pending:   st.Pending,
		Sent:      st.Sent,
		Delivered: st.Delivered,
		Read:      st.Read,
		Failed:    st.Failed,
	})
}

func parseInstant(field, raw string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, strings.TrimSpace(raw))
	if err != nil {
		return time.Time{}, apperr.Invalid(field, "must be an RFC3339 timestamp")
	}
	return t, nil
}
