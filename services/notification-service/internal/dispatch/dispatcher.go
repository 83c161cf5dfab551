// Package dispatch composes WhatsApp messages, sends them through the
// gateway and tracks their delivery. It knows appointments only through the
// projections its callers pass in.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/md-rashed-zaman/notifywise/libs/apperr"
	"github.com/md-rashed-zaman/notifywise/libs/events"
	"github.com/md-rashed-zaman/notifywise/libs/phone"
	"github.com/md-rashed-zaman/notifywise/services/notification-service/internal/gateway"
	"github.com/md-rashed-zaman/notifywise/services/notification-service/internal/model"
	"github.com/md-rashed-zaman/notifywise/services/notification-service/internal/templates"
)

type DispatchRequest struct {
	Type         string
	ReminderKind string
	CustomText   string
	Appointment  templates.Appointment
	Client       events.ClientView
	Business     events.BusinessView
	ScheduledFor *time.Time
	MaxRetries   int
}

const (
	DefaultSendTimeout = 30 * time.Second
	DefaultPageSize    = 50
	MaxPageSize        = 200

	claimLease   = 2 * time.Minute
	writeTimeout = 10 * time.Second
)

type Dispatcher struct {
	repo        Repository
	sender      gateway.Sender
	phones      phone.Normalizer
	logger      *slog.Logger
	observer    Observer
	now         func() time.Time
	sendTimeout time.Duration
}

type Option func(*Dispatcher)

func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

func WithObserver(o Observer) Option {
	return func(d *Dispatcher) { d.observer = o }
}

// WithSendTimeout bounds each gateway call.
func WithSendTimeout(timeout time.Duration) Option {
	return func(d *Dispatcher) {
		if timeout > 0 {
			d.sendTimeout = timeout
		}
	}
}

func NewDispatcher(repo Repository, sender gateway.Sender, phones phone.Normalizer, logger *slog.Logger, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		repo:        repo,
		sender:      sender,
		phones:      phones,
		logger:      logger,
		now:         time.Now,
		sendTimeout: DefaultSendTimeout,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch composes and validates a message. A message scheduled for the
// future is stored as pending; anything else is sent now and stored with
// its outcome. A gateway failure is not an error: the returned message is
// failed and carries the reason.
func (d *Dispatcher) Dispatch(ctx context.Context, req DispatchRequest) (model.Message, error) {
	msg, err := d.prepare(req)
	if err != nil {
		d.observe("message_rejected")
		return model.Message{}, err
	}

	if msg.ScheduledFor != nil && msg.ScheduledFor.After(msg.CreatedAt) {
		if err := d.repo.Create(ctx, msg); err != nil {
			return model.Message{}, err
		}
		d.observe("message_scheduled")
		return msg, nil
	}

	d.deliver(ctx, &msg)
	if err := d.write(ctx, func(ctx context.Context) error { return d.repo.Create(ctx, msg) }); err != nil {
		return model.Message{}, err
	}
	d.observeOutcome(msg)
	return msg, nil
}

// SendTest sends a custom text to an arbitrary number on behalf of a
// business. The message is recorded like any other.
func (d *Dispatcher) SendTest(ctx context.Context, businessID, to, text string) (model.Message, error) {
	return d.Dispatch(ctx, DispatchRequest{
		Type:       events.MessageCustom,
		CustomText: text,
		Client:     events.ClientView{WhatsAppNumber: to},
		Business:   events.BusinessView{ID: businessID},
		MaxRetries: model.MinMaxRetries,
	})
}

// SendDue sends one stored pending message whose scheduled time has come.
func (d *Dispatcher) SendDue(ctx context.Context, businessID, messageID string) (model.Message, error) {
	msg, ok, err := d.repo.ClaimPending(ctx, businessID, messageID, d.now().UTC(), claimLease)
	if err != nil {
		return model.Message{}, err
	}
	if !ok {
		current, err := d.repo.Get(ctx, businessID, messageID)
		if err != nil {
			return model.Message{}, err
		}
		if current.Status != model.StatusPending {
			return current, &apperr.InvalidTransitionError{From: string(current.Status), To: string(model.StatusSent)}
		}
		return current, apperr.Invalid("scheduled_for", "message is not due yet")
	}
	return d.sendClaimed(ctx, msg)
}

// SendDueBatch claims and sends up to limit due messages of any business.
func (d *Dispatcher) SendDueBatch(ctx context.Context, limit int) (int, error) {
	due, err := d.repo.ClaimDue(ctx, d.now().UTC(), limit, claimLease)
	if err != nil {
		return 0, err
	}
	sent := 0
	for _, msg := range due {
		if ctx.Err() != nil {
			break
		}
		if _, err := d.sendClaimed(ctx, msg); err != nil {
			d.logger.Error("scheduled message not settled", "err", err, "message_id", msg.ID)
			continue
		}
		sent++
	}
	return sent, nil
}

// Retry resends a failed message with its stored content. The retry is
// claimed before the gateway is called, so concurrent retries of one
// message make a single call and the retry bound holds.
func (d *Dispatcher) Retry(ctx context.Context, businessID, messageID string) (model.Message, error) {
	msg, ok, err := d.repo.ClaimRetry(ctx, businessID, messageID, d.now().UTC(), claimLease)
	if err != nil {
		return model.Message{}, err
	}
	if !ok {
		current, err := d.repo.Get(ctx, businessID, messageID)
		if err != nil {
			return model.Message{}, err
		}
		d.observe("retry_rejected")
		return current, &apperr.NotRetryableError{
			MessageID:  current.ID,
			Status:     string(current.Status),
			RetryCount: current.RetryCount,
			MaxRetries: current.MaxRetries,
		}
	}
	return d.sendClaimed(ctx, msg)
}

// RetryBatch retries failed messages whose backoff has elapsed.
func (d *Dispatcher) RetryBatch(ctx context.Context, baseDelay time.Duration, limit int) (int, error) {
	candidates, err := d.repo.RetryCandidates(ctx, d.now().UTC(), baseDelay, limit)
	if err != nil {
		return 0, err
	}
	retried := 0
	for _, msg := range candidates {
		if ctx.Err() != nil {
			break
		}
		_, err := d.Retry(ctx, msg.BusinessID, msg.ID)
		var notRetryable *apperr.NotRetryableError
		switch {
		case errors.As(err, &notRetryable):
			continue
		case err != nil:
			d.logger.Error("automatic retry failed", "err", err, "message_id", msg.ID)
			continue
		}
		retried++
	}
	return retried, nil
}

// PollReceipts asks checker for the status of messages sent within window
// and applies any delivered or read answers. Other provider statuses are
// ignored.
func (d *Dispatcher) PollReceipts(ctx context.Context, checker gateway.StatusChecker, window time.Duration, limit int) (int, error) {
	sent, err := d.repo.AwaitingReceipt(ctx, d.now().UTC().Add(-window), limit)
	if err != nil {
		return 0, err
	}
	updated := 0
	for _, msg := range sent {
		if ctx.Err() != nil {
			break
		}
		status, err := checker.MessageStatus(ctx, msg.ProviderMessageID)
		if err != nil {
			d.logger.Warn("message status poll failed", "err", err, "message_id", msg.ID)
			continue
		}
		if _, err := model.ParseDeliveryStatus(status); err != nil {
			continue
		}
		got, err := d.RecordDeliveryUpdate(ctx, msg.ID, status, time.Time{})
		if err != nil {
			d.logger.Error("delivery update failed", "err", err, "message_id", msg.ID)
			continue
		}
		if got.Status != msg.Status {
			updated++
		}
	}
	return updated, nil
}

// IsRetryable reports whether an explicit retry of m may be attempted.
func IsRetryable(m model.Message) bool {
	return m.Retryable()
}

// RecordDeliveryUpdate applies a delivered or read receipt to a message.
// Receipts that would move the status backwards, repeat it, or target a
// message that was never sent leave it unchanged.
func (d *Dispatcher) RecordDeliveryUpdate(ctx context.Context, messageID, status string, at time.Time) (model.Message, error) {
	return d.recordDelivery(ctx, DeliveryKey{MessageID: messageID}, status, at)
}

func (d *Dispatcher) RecordDeliveryUpdateByProviderID(ctx context.Context, providerMessageID, status string, at time.Time) (model.Message, error) {
	return d.recordDelivery(ctx, DeliveryKey{ProviderMessageID: providerMessageID}, status, at)
}

func (d *Dispatcher) recordDelivery(ctx context.Context, key DeliveryKey, raw string, at time.Time) (model.Message, error) {
	status, err := model.ParseDeliveryStatus(strings.ToLower(strings.TrimSpace(raw)))
	if err != nil {
		return model.Message{}, err
	}
	if key.MessageID == "" && key.ProviderMessageID == "" {
		return model.Message{}, apperr.Invalid("message_id", "required")
	}
	if at.IsZero() {
		at = d.now()
	}
	msg, changed, err := d.repo.UpdateDelivery(ctx, key, func(m *model.Message) bool {
		if !m.ApplyDelivery(status, at) {
			return false
		}
		m.UpdatedAt = d.now().UTC()
		return true
	})
	if err != nil {
		return model.Message{}, err
	}
	if changed {
		d.observe("message_" + string(status))
	}
	return msg, nil
}

// Supersede retires the pending messages of an appointment that moved or
// went away. They stay on record as failed with no retries left.
func (d *Dispatcher) Supersede(ctx context.Context, businessID, appointmentID, reason string) (int, error) {
	if businessID == "" || appointmentID == "" {
		return 0, apperr.Invalid("appointment_id", "required")
	}
	n, err := d.repo.Supersede(ctx, businessID, appointmentID, reason, d.now().UTC())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		d.logger.Info("pending messages superseded", "business_id", businessID, "appointment_id", appointmentID, "count", n, "reason", reason)
	}
	return n, nil
}

func (d *Dispatcher) Get(ctx context.Context, businessID, messageID string) (model.Message, error) {
	return d.repo.Get(ctx, businessID, messageID)
}

func (d *Dispatcher) List(ctx context.Context, businessID string, f ListFilter) ([]model.Message, error) {
	if businessID == "" {
		return nil, apperr.Invalid("business_id", "required")
	}
	if f.Status != "" {
		switch f.Status {
		case model.StatusPending, model.StatusSent, model.StatusDelivered, model.StatusRead, model.StatusFailed:
		default:
			return nil, apperr.Invalid("status", "unknown message status")
		}
	}
	if f.Limit <= 0 {
		f.Limit = DefaultPageSize
	}
	if f.Limit > MaxPageSize {
		f.Limit = MaxPageSize
	}
	return d.repo.List(ctx, businessID, f)
}

func (d *Dispatcher) Stats(ctx context.Context, businessID string) (model.Stats, error) {
	if businessID == "" {
		return model.Stats{}, apperr.Invalid("business_id", "required")
	}
	return d.repo.Stats(ctx, businessID)
}

func (d *Dispatcher) prepare(req DispatchRequest) (model.Message, error) {
	if strings.TrimSpace(req.Business.ID) == "" {
		return model.Message{}, apperr.Invalid("business_id", "required")
	}
	if req.Type != events.MessageReminder {
		req.ReminderKind = ""
	}
	maxRetries := req.MaxRetries
	if maxRetries == 0 {
		maxRetries = model.DefaultMaxRetries
	}
	if maxRetries < model.MinMaxRetries || maxRetries > model.MaxMaxRetries {
		return model.Message{}, apperr.Invalid("max_retries", "must be between 1 and 10")
	}
	content, err := templates.Compose(templates.Request{
		Type:         req.Type,
		ReminderKind: req.ReminderKind,
		CustomText:   req.CustomText,
		Appointment:  req.Appointment,
		Client:       req.Client,
		Business:     req.Business,
	})
	if err != nil {
		return model.Message{}, err
	}
	destination, err := d.phones.Validate("destination", req.Client.WhatsAppNumber)
	if err != nil {
		return model.Message{}, err
	}

	now := d.now().UTC()
	msg := model.Message{
		ID:            uuid.NewString(),
		BusinessID:    req.Business.ID,
		AppointmentID: req.Appointment.ID,
		ClientID:      req.Client.ID,
		Type:          req.Type,
		ReminderKind:  req.ReminderKind,
		Destination:   destination,
		Content:       content,
		Provider:      d.sender.ProviderID(),
		Status:        model.StatusPending,
		MaxRetries:    maxRetries,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if req.ScheduledFor != nil {
		t := req.ScheduledFor.UTC()
		msg.ScheduledFor = &t
	}
	return msg, nil
}

// sendClaimed sends a leased message and settles it.
func (d *Dispatcher) sendClaimed(ctx context.Context, msg model.Message) (model.Message, error) {
	d.deliver(ctx, &msg)
	if err := d.write(ctx, func(ctx context.Context) error { return d.repo.Settle(ctx, msg) }); err != nil {
		return model.Message{}, err
	}
	d.observeOutcome(msg)
	return msg, nil
}

// deliver makes the gateway call and records its outcome on msg.
func (d *Dispatcher) deliver(ctx context.Context, msg *model.Message) {
	sendCtx, cancel := context.WithTimeout(ctx, d.sendTimeout)
	defer cancel()

	providerID, err := d.sender.SendText(sendCtx, msg.Destination, msg.Content)
	msg.Provider = d.sender.ProviderID()
	msg.UpdatedAt = d.now().UTC()
	if err != nil {
		d.logger.Warn("whatsapp send failed", "err", err, "message_id", msg.ID, "business_id", msg.BusinessID)
		msg.MarkFailed(err.Error())
		return
	}
	msg.MarkSent(providerID, d.now())
}

// write runs a store write that must land even when the caller has gone
// away, since the gateway call it records has already happened.
func (d *Dispatcher) write(ctx context.Context, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
	defer cancel()
	return fn(ctx)
}

func (d *Dispatcher) observeOutcome(msg model.Message) {
	if msg.Status == model.StatusSent {
		d.observe("message_sent")
		return
	}
	d.observe("message_failed")
}

func (d *Dispatcher) observe(event string) {
	if d.observer != nil {
		d.observer.Observe(event)
	}
}
