package httpx

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/md-rashed-zaman/notifywise/libs/apperr"
)

type errorBody struct {
	Error   string         `json:"error"`
	Details map[string]any `json:"details,omitempty"`
}

func WriteJSON(w http.ResponseWriter, status int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		http.Error(w, "failed to build response", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

// WriteError renders domain errors with their details and hides anything
// else behind a generic 500, logging the cause.
func WriteError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	status := apperr.HTTPStatus(err)
	if status == http.StatusInternalServerError {
		if logger != nil {
			logger.Error("request failed", "err", err, "path", r.URL.Path, "request_id", RequestIDFromContext(r.Context()))
		}
		WriteJSON(w, status, errorBody{Error: "internal error"})
		return
	}
	WriteJSON(w, status, errorBody{Error: err.Error(), Details: apperr.Details(err)})
}

// DecodeJSON reads a JSON body into dst, rejecting unknown fields.
func DecodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return apperr.Invalid("body", "too large")
		}
		return apperr.Invalid("body", "invalid json: "+err.Error())
	}
	return nil
}

func BusinessID(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get(BusinessIDHeader))
}

// AllowMethod writes 405 and returns false when r uses another method.
func AllowMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method != method {
		w.Header().Set("Allow", method)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	return true
}
