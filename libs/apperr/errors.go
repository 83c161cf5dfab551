// Package apperr holds the error kinds that callers are expected to handle:
// bad input, booking conflicts, illegal status changes, missing records,
// exhausted retries and messaging gateway failures.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// ValidationError names the rejected field and the constraint it broke.
type ValidationError struct {
	Field      string
	Constraint string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Constraint)
}

func Invalid(field, constraint string) error {
	return &ValidationError{Field: field, Constraint: constraint}
}

// ConflictError carries the interval that already occupies the requested slot.
type ConflictError struct {
	AppointmentID string
	Start         time.Time
	End           time.Time
}

func (e *ConflictError) Error() string {
	if e.AppointmentID == "" {
		return "time slot conflicts with an existing appointment"
	}
	return fmt.Sprintf("time slot conflicts with appointment %s [%s, %s)",
		e.AppointmentID, e.Start.UTC().Format(time.RFC3339), e.End.UTC().Format(time.RFC3339))
}

type InvalidTransitionError struct {
	From string
	To   string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("cannot change status from %s to %s", e.From, e.To)
}

type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

func NotFound(kind, id string) error {
	return &NotFoundError{Kind: kind, ID: id}
}

type NotRetryableError struct {
	MessageID  string
	Status     string
	RetryCount int
	MaxRetries int
}

func (e *NotRetryableError) Error() string {
	return fmt.Sprintf("message %s is not retryable (status=%s retries=%d/%d)",
		e.MessageID, e.Status, e.RetryCount, e.MaxRetries)
}

// GatewayError is a failed send: a transport error, a timeout or a non-2xx
// answer from the provider.
type GatewayError struct {
	Provider   string
	StatusCode int
	Err        error
}

func (e *GatewayError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s: provider returned %d: %v", e.Provider, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Provider, e.Err)
}

func (e *GatewayError) Unwrap() error { return e.Err }

// HTTPStatus maps an error to the status code the API layer answers with.
func HTTPStatus(err error) int {
	var (
		validation *ValidationError
		conflict   *ConflictError
		transition *InvalidTransitionError
		notFound   *NotFoundError
		retry      *NotRetryableError
		gateway    *GatewayError
	)
	switch {
	case errors.As(err, &validation):
		return http.StatusBadRequest
	case errors.As(err, &conflict):
		return http.StatusConflict
	case errors.As(err, &transition):
		return http.StatusConflict
	case errors.As(err, &notFound):
		return http.StatusNotFound
	case errors.As(err, &retry):
		return http.StatusConflict
	case errors.As(err, &gateway):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Details returns the machine readable fields of a known error kind, or nil.
func Details(err error) map[string]any {
	var (
		validation *ValidationError
		conflict   *ConflictError
		transition *InvalidTransitionError
		notFound   *NotFoundError
		retry      *NotRetryableError
	)
	switch {
	case errors.As(err, &validation):
		return map[string]any{"field": validation.Field, "constraint": validation.Constraint}
	case errors.As(err, &conflict):
		d := map[string]any{"conflicting_appointment_id": conflict.AppointmentID}
		if !conflict.Start.IsZero() {
			d["conflict_start"] = conflict.Start.UTC().Format(time.RFC3339)
			d["conflict_end"] = conflict.End.UTC().Format(time.RFC3339)
		}
		return d
	case errors.As(err, &transition):
		return map[string]any{"from": transition.From, "to": transition.To}
	case errors.As(err, &notFound):
		return map[string]any{"kind": notFound.Kind, "id": notFound.ID}
	case errors.As(err, &retry):
		return map[string]any{
			"status":      retry.Status,
			"retry_count": retry.RetryCount,
			"max_retries": retry.MaxRetries,
		}
	default:
		return nil
	}
}
