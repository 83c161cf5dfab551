package scheduling

import (
	"context"
	"time"

	"github.com/md-rashed-zaman/notifywise/libs/outbox"
	"github.com/md-rashed-zaman/notifywise/services/scheduling-service/internal/model"
)

// Tx is the transactional view the Store mutates through. Lookups return an
// *apperr.NotFoundError for ids outside the business.
type Tx interface {
	// LockBusiness serializes every mutating operation of one business until
	// the transaction ends.
	LockBusiness(ctx context.Context, businessID string) error
	Business(ctx context.Context, businessID string) (model.Business, error)

	// FindConflict returns an active blocking appointment whose interval
	// overlaps [start, end), ignoring excludeID, or nil.
	FindConflict(ctx context.Context, businessID string, start, end time.Time, excludeID string) (*model.Appointment, error)
	GetForUpdate(ctx context.Context, businessID, appointmentID string) (model.Appointment, error)
	Insert(ctx context.Context, appt model.Appointment) error
	Update(ctx context.Context, appt model.Appointment) error

	GetClient(ctx context.Context, businessID, clientID string) (model.Client, error)
	FindClientByNumber(ctx context.Context, businessID, number string) (*model.Client, error)
	InsertClient(ctx context.Context, client model.Client) error
	UpdateClient(ctx context.Context, client model.Client) error

	// ClaimIdempotencyKey returns the appointment already booked under key,
	// or "" after reserving the key for this transaction.
	ClaimIdempotencyKey(ctx context.Context, businessID, key string) (string, error)
	FinalizeIdempotencyKey(ctx context.Context, businessID, key, appointmentID string) error

	AppendEvent(ctx context.Context, evt outbox.Event) error
}

type Repository interface {
	InTx(ctx context.Context, fn func(Tx) error) error

	Business(ctx context.Context, businessID string) (model.Business, error)
	SaveBusiness(ctx context.Context, b model.Business) (model.Business, error)
	// EnsureBusiness inserts b unless a business with its id already exists.
	EnsureBusiness(ctx context.Context, b model.Business) error

	Get(ctx context.Context, businessID, appointmentID string) (model.Appointment, error)
	List(ctx context.Context, businessID string, q ListQuery) ([]model.Appointment, int, error)
	Stats(ctx context.Context, businessID string, w StatsWindow) (Stats, error)
	// Booked lists active blocking appointments overlapping [from, to).
	Booked(ctx context.Context, businessID string, from, to time.Time) ([]model.Appointment, error)

	GetClient(ctx context.Context, businessID, clientID string) (model.Client, error)
	ListClients(ctx context.Context, businessID string, q ClientQuery) ([]model.Client, int, error)
	// ClientStats counts active clients and those created at or after
	// monthStart and weekStart.
	ClientStats(ctx context.Context, businessID string, monthStart, weekStart time.Time) (ClientStats, error)
	ArchiveClient(ctx context.Context, businessID, clientID string) error
}

// ClientVisits applies the completed-visit side effect of an appointment.
type ClientVisits interface {
	RecordCompletedVisit(ctx context.Context, businessID, clientID string, at time.Time) error
}

// Observer is told about domain outcomes, e.g. for metrics.
type Observer interface {
	Observe(event string)
}
