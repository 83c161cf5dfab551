package dispatch

import (
	"context"
	"time"

	"github.com/md-rashed-zaman/notifywise/services/notification-service/internal/model"
)

// Repository persists messages. Create and Settle also enqueue the
// notification outcome event for sent and failed rows in the same
// transaction. Lookups outside the business return *apperr.NotFoundError.
type Repository interface {
	Create(ctx context.Context, m model.Message) error
	// Settle stores the outcome of a claimed send and releases the claim.
	Settle(ctx context.Context, m model.Message) error
	Get(ctx context.Context, businessID, messageID string) (model.Message, error)

	// ClaimRetry increments retry_count of a retryable, unclaimed message
	// and leases it until now+lease. It returns ok=false when the message
	// exists but is not claimable.
	ClaimRetry(ctx context.Context, businessID, messageID string, now time.Time, lease time.Duration) (model.Message, bool, error)
	// ClaimPending leases one pending message whose scheduled time has come.
	ClaimPending(ctx context.Context, businessID, messageID string, now time.Time, lease time.Duration) (model.Message, bool, error)
	// ClaimDue leases up to limit due pending messages across businesses,
	// skipping rows locked by other workers.
	ClaimDue(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]model.Message, error)
	// RetryCandidates lists failed, retryable, unclaimed messages whose last
	// attempt is at least baseDelay*2^retry_count old.
	RetryCandidates(ctx context.Context, now time.Time, baseDelay time.Duration, limit int) ([]model.Message, error)
	// AwaitingReceipt lists sent messages with a provider id sent after since.
	AwaitingReceipt(ctx context.Context, since time.Time, limit int) ([]model.Message, error)

	// UpdateDelivery locks the message matched by key, runs apply and, when
	// apply reports a change, stores it and enqueues notification.delivered.
	UpdateDelivery(ctx context.Context, key DeliveryKey, apply func(*model.Message) bool) (model.Message, bool, error)
	// Supersede retires the pending messages of an appointment.
	Supersede(ctx context.Context, businessID, appointmentID, reason string, now time.Time) (int, error)

	List(ctx context.Context, businessID string, f ListFilter) ([]model.Message, error)
	Stats(ctx context.Context, businessID string) (model.Stats, error)
}

// DeliveryKey finds a message by its own id or by the provider's id.
type DeliveryKey struct {
	MessageID         string
	ProviderMessageID string
}

type ListFilter struct {
	Status        model.Status
	Type          string
	AppointmentID string
	Limit         int
}

// Observer is told about dispatch outcomes, e.g. for metrics.
type Observer interface {
	Observe(event string)
}
