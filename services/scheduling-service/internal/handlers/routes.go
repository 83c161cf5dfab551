package handlers

import (
	"net/http"

	"github.com/md-rashed-zaman/notifywise/libs/httpx"
)

// Register mounts the scheduling API on mux. Tenant routes require the
// business header set by the gateway; /api/v1/public/ routes do not.
func Register(mux *http.ServeMux, appts *AppointmentHandler, clients *ClientHandler, biz *BusinessHandler) {
	tenant := func(h http.HandlerFunc) http.Handler {
		return httpx.RequireBusiness(h)
	}
	mux.Handle("/api/v1/appointments", tenant(appts.Collection))
	mux.Handle("/api/v1/appointments/get", tenant(appts.Get))
	mux.Handle("/api/v1/appointments/update", tenant(appts.Update))
	mux.Handle("/api/v1/appointments/reschedule", tenant(appts.Reschedule))
	mux.Handle("/api/v1/appointments/status", tenant(appts.Status))
	mux.Handle("/api/v1/appointments/cancel", tenant(appts.Cancel))
	mux.Handle("/api/v1/appointments/archive", tenant(appts.Archive))
	mux.Handle("/api/v1/appointments/stats", tenant(appts.Stats))

	mux.Handle("/api/v1/clients", tenant(clients.Collection))
	mux.Handle("/api/v1/clients/get", tenant(clients.Get))
	mux.Handle("/api/v1/clients/update", tenant(clients.Update))
	mux.Handle("/api/v1/clients/stats", tenant(clients.Stats))
	mux.Handle("/api/v1/clients/archive", tenant(clients.Archive))

	mux.Handle("/api/v1/business/profile", tenant(biz.Profile))

	mux.HandleFunc("/api/v1/public/business", biz.PublicBusiness)
	mux.HandleFunc("/api/v1/public/slots", biz.PublicSlots)
	mux.HandleFunc("/api/v1/public/book", biz.PublicBook)
}
