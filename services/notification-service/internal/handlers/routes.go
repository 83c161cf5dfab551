package handlers

import (
	"net/http"

	"github.com/md-rashed-zaman/notifywise/libs/httpx"
)

// Register mounts the notification API on mux. Message routes require the
// business header set by the gateway; the provider webhook authenticates
// with its shared secret instead.
func Register(mux *http.ServeMux, messages *MessageHandler, webhooks *WebhookHandler) {
	tenant := func(h http.HandlerFunc) http.Handler {
		return httpx.RequireBusiness(h)
	}
	mux.Handle("/api/v1/messages", tenant(messages.List))
	mux.Handle("/api/v1/messages/get", tenant(messages.Get))
	mux.Handle("/api/v1/messages/dispatch", tenant(messages.Dispatch))
	mux.Handle("/api/v1/messages/retry", tenant(messages.Retry))
	mux.Handle("/api/v1/messages/stats", tenant(messages.Stats))
	mux.Handle("/api/v1/messages/test", tenant(messages.Test))

	mux.HandleFunc("/api/v1/webhooks/whatsapp", webhooks.WhatsApp)
}
