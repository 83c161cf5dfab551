package httpx

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/md-rashed-zaman/notifywise/libs/apperr"
)

func TestWriteErrorValidationDetails(t *testing.T) {
	rw := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/x", nil)
	WriteError(rw, r, nil, apperr.Invalid("duration_minutes", "must be between 15 and 480"))
	if rw.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rw.Code)
	}
	var body struct {
		Error   string         `json:"error"`
		Details map[string]any `json:"details"`
	}
	if err := json.Unmarshal(rw.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Details["field"] != "duration_minutes" {
		t.Fatalf("unexpected details %v", body.Details)
	}
}

func TestWriteErrorHidesInternalErrors(t *testing.T) {
	rw := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/x", nil)
	WriteError(rw, r, nil, errors.New("pq: connection refused"))
	if rw.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rw.Code)
	}
	if strings.Contains(rw.Body.String(), "connection refused") {
		t.Fatal("internal error leaked to client")
	}
}

func TestDecodeJSONRejectsUnknownFields(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/x", strings.NewReader(`{"a":1,"b":2}`))
	var dst struct {
		A int `json:"a"`
	}
	err := DecodeJSON(r, &dst)
	var verr *apperr.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestRequireBusiness(t *testing.T) {
	h := RequireBusiness(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) }))
	rw := httptest.NewRecorder()
	h.ServeHTTP(rw, httptest.NewRequest(http.MethodGet, "/", nil))
	if rw.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rw.Code)
	}
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(BusinessIDHeader, "biz-1")
	rw = httptest.NewRecorder()
	h.ServeHTTP(rw, req)
	if rw.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rw.Code)
	}
}
