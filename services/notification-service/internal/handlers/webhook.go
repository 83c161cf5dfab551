package handlers

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/md-rashed-zaman/notifywise/libs/apperr"
	"github.com/md-rashed-zaman/notifywise/libs/httpx"
	"github.com/md-rashed-zaman/notifywise/services/notification-service/internal/model"
)

// WebhookSecretHeader carries the secret shared with the provider.
const WebhookSecretHeader = "X-Webhook-Secret"

type Receipts interface {
	RecordDeliveryUpdateByProviderID(ctx context.Context, providerMessageID, status string, at time.Time) (model.Message, error)
}

// WebhookHandler accepts delivery receipts from the WhatsApp provider.
type WebhookHandler struct {
	receipts Receipts
	secret   string
	logger   *slog.Logger
}

func NewWebhookHandler(receipts Receipts, secret string, logger *slog.Logger) *WebhookHandler {
	return &WebhookHandler{receipts: receipts, secret: secret, logger: logger}
}

type receiptRequest struct {
	MessageID string `json:"message_id"`
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

func (h *WebhookHandler) WhatsApp(w http.ResponseWriter, r *http.Request) {
	if !httpx.AllowMethod(w, r, http.MethodPost) {
		return
	}
	got := r.Header.Get(WebhookSecretHeader)
	if h.secret == "" || subtle.ConstantTimeCompare([]byte(got), []byte(h.secret)) != 1 {
		httpx.WriteJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid webhook secret"})
		return
	}
	var req receiptRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, r, h.logger, err)
		return
	}
	if strings.TrimSpace(req.MessageID) == "" {
		httpx.WriteError(w, r, h.logger, apperr.Invalid("message_id", "required"))
		return
	}
	var at time.Time
	if strings.TrimSpace(req.Timestamp) != "" {
		t, err := parseInstant("timestamp", req.Timestamp)
		if err != nil {
			httpx.WriteError(w, r, h.logger, err)
			return
		}
		at = t
	}
	msg, err := h.receipts.RecordDeliveryUpdateByProviderID(r.Context(), strings.TrimSpace(req.MessageID), req.Status, at)
	if err != nil {
		httpx.WriteError(w, r, h.logger, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]string{"id": msg.ID, "status": string(msg.Status)})
}
