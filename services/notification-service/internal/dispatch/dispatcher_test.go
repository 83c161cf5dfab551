package dispatch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/md-rashed-zaman/notifywise/libs/apperr"
	"github.com/md-rashed-zaman/notifywise/libs/events"
	"github.com/md-rashed-zaman/notifywise/libs/phone"
	"github.com/md-rashed-zaman/notifywise/services/notification-service/internal/model"
	"github.com/md-rashed-zaman/notifywise/services/notification-service/internal/templates"
)

var testNow = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestDispatcher(t *testing.T) (*Dispatcher, *memRepo, *fakeSender, *clock) {
	t.Helper()
	repo := newMemRepo()
	sender := &fakeSender{}
	clk := &clock{now: testNow}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	d := NewDispatcher(repo, sender, phone.New("212", "1"), logger, WithClock(clk.Now))
	return d, repo, sender, clk
}

func confirmation() DispatchRequest {
	return DispatchRequest{
		Type: events.MessageConfirmation,
		Appointment: templates.Appointment{
			ID: "appt-1", Service: "Haircut", StartTime: testNow.Add(26 * time.Hour), DurationMinutes: 30,
		},
		Client:   events.ClientView{ID: "client-1", FirstName: "Amina", WhatsAppNumber: "+212 612-345-678"},
		Business: events.BusinessView{ID: "biz-1", Name: "Salon Atlas", Timezone: "UTC"},
	}
}

func TestDispatchSendsNow(t *testing.T) {
	d, repo, sender, _ := newTestDispatcher(t)

	msg, err := d.Dispatch(context.Background(), confirmation())
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if msg.Status != model.StatusSent || msg.ProviderMessageID != "wamid-1" || msg.SentAt == nil {
		t.Fatalf("unexpected message %+v", msg)
	}
	if msg.Destination != "212612345678" || msg.RetryCount != 0 || msg.MaxRetries != model.DefaultMaxRetries {
		t.Fatalf("unexpected message %+v", msg)
	}
	if sender.Calls() != 1 || len(repo.outcomes) != 1 {
		t.Fatalf("calls=%d outcomes=%v", sender.Calls(), repo.outcomes)
	}
	stored, _ := repo.Get(context.Background(), "biz-1", msg.ID)
	if stored.Status != model.StatusSent {
		t.Fatalf("stored status %s", stored.Status)
	}
}

func TestDispatchGatewayFailureIsRecorded(t *testing.T) {
	d, repo, sender, _ := newTestDispatcher(t)
	sender.setFail(true)

	msg, err := d.Dispatch(context.Background(), confirmation())
	if err != nil {
		t.Fatalf("gateway failure must not be returned: %v", err)
	}
	if msg.Status != model.StatusFailed || msg.Error == "" || msg.RetryCount != 0 {
		t.Fatalf("unexpected message %+v", msg)
	}
	if !IsRetryable(msg) {
		t.Fatal("fresh failure should be retryable")
	}
	if repo.outcomes[0] != model.StatusFailed {
		t.Fatalf("outcomes=%v", repo.outcomes)
	}
}

func TestDispatchRejectsBadDestinationBeforeGateway(t *testing.T) {
	d, repo, sender, _ := newTestDispatcher(t)
	for _, number := range []string{"", "12345", "612345678", "+212 6abc 45678"} {
		req := confirmation()
		req.Client.WhatsAppNumber = number
		_, err := d.Dispatch(context.Background(), req)
		var ve *apperr.ValidationError
		if !errors.As(err, &ve) || ve.Field != "destination" {
			t.Fatalf("%q: expected destination validation error, got %v", number, err)
		}
	}
	if sender.Calls() != 0 || len(repo.messages) != 0 {
		t.Fatalf("nothing should be sent or stored, calls=%d rows=%d", sender.Calls(), len(repo.messages))
	}
}

func TestDispatchValidation(t *testing.T) {
	d, _, sender, _ := newTestDispatcher(t)
	cases := map[string]func(*DispatchRequest){
		"business_id":   func(r *DispatchRequest) { r.Business.ID = "" },
		"max_retries":   func(r *DispatchRequest) { r.MaxRetries = 11 },
		"type":          func(r *DispatchRequest) { r.Type = "promo" },
		"reminder_kind": func(r *DispatchRequest) { r.Type = events.MessageReminder; r.ReminderKind = "" },
		"custom_text":   func(r *DispatchRequest) { r.Type = events.MessageCustom },
	}
	for field, mutate := range cases {
		req := confirmation()
		mutate(&req)
		_, err := d.Dispatch(context.Background(), req)
		var ve *apperr.ValidationError
		if !errors.As(err, &ve) || ve.Field != field {
			t.Fatalf("%s: got %v", field, err)
		}
	}
	if sender.Calls() != 0 {
		t.Fatal("invalid requests must not reach the gateway")
	}
}

func TestRetryBound(t *testing.T) {
	d, _, sender, _ := newTestDispatcher(t)
	sender.setFail(true)
	ctx := context.Background()

	msg, err := d.Dispatch(ctx, confirmation())
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	for i := 1; i <= 3; i++ {
		msg, err = d.Retry(ctx, "biz-1", msg.ID)
		if err != nil {
			t.Fatalf("retry %d: %v", i, err)
		}
		if msg.RetryCount != i || msg.Status != model.StatusFailed {
			t.Fatalf("retry %d: %+v", i, msg)
		}
	}
	if sender.Calls() != 4 {
		t.Fatalf("expected 4 gateway calls, got %d", sender.Calls())
	}

	_, err = d.Retry(ctx, "biz-1", msg.ID)
	var nr *apperr.NotRetryableError
	if !errors.As(err, &nr) || nr.RetryCount != 3 || nr.MaxRetries != 3 {
		t.Fatalf("expected NotRetryableError, got %v", err)
	}
	if sender.Calls() != 4 {
		t.Fatal("rejected retry must not call the gateway")
	}
}

func TestRetrySucceedsAndStopsBeingRetryable(t *testing.T) {
	d, _, sender, _ := newTestDispatcher(t)
	sender.setFail(true)
	msg, _ := d.Dispatch(context.Background(), confirmation())

	sender.setFail(false)
	msg, err := d.Retry(context.Background(), "biz-1", msg.ID)
	if err != nil || msg.Status != model.StatusSent || msg.RetryCount != 1 || msg.Error != "" {
		t.Fatalf("msg=%+v err=%v", msg, err)
	}
	if _, err := d.Retry(context.Background(), "biz-1", msg.ID); err == nil {
		t.Fatal("a sent message is not retryable")
	}
}

func TestConcurrentRetriesCallGatewayOnce(t *testing.T) {
	d, _, sender, _ := newTestDispatcher(t)
	sender.setFail(true)
	msg, _ := d.Dispatch(context.Background(), confirmation())

	sender.mu.Lock()
	sender.calls = 0
	sender.gate = make(chan struct{})
	sender.mu.Unlock()

	var wg sync.WaitGroup
	results := make(chan error, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := d.Retry(context.Background(), "biz-1", msg.ID)
			results <- err
		}()
	}
	// Rejected retries return without touching the gateway; the winner
	// blocks on the gate until released.
	rejected := 0
	for rejected < 4 {
		err := <-results
		var nr *apperr.NotRetryableError
		if !errors.As(err, &nr) {
			t.Fatalf("expected NotRetryableError, got %v", err)
		}
		rejected++
	}
	close(sender.gate)
	wg.Wait()
	if err := <-results; err != nil {
		t.Fatalf("winning retry: %v", err)
	}
	if sender.Calls() != 1 {
		t.Fatalf("expected one gateway call, got %d", sender.Calls())
	}
}

func TestOutcomeIsStoredAfterCallerCancels(t *testing.T) {
	d, repo, sender, _ := newTestDispatcher(t)
	ctx, cancel := context.WithCancel(context.Background())
	sender.before = func(context.Context) { cancel() }

	msg, err := d.Dispatch(ctx, confirmation())
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	stored, err := repo.Get(context.Background(), "biz-1", msg.ID)
	if err != nil || stored.Status != model.StatusSent {
		t.Fatalf("stored=%+v err=%v", stored, err)
	}
}

func TestScheduledMessageWaitsUntilDue(t *testing.T) {
	d, repo, sender, clk := newTestDispatcher(t)
	req := confirmation()
	req.Type = events.MessageReminder
	req.ReminderKind = events.Reminder2h
	at := testNow.Add(time.Hour)
	req.ScheduledFor = &at

	msg, err := d.Dispatch(context.Background(), req)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if msg.Status != model.StatusPending || sender.Calls() != 0 || len(repo.outcomes) != 0 {
		t.Fatalf("expected stored pending message, got %+v", msg)
	}

	if _, err := d.SendDue(context.Background(), "biz-1", msg.ID); err == nil {
		t.Fatal("message is not due yet")
	}
	if n, _ := d.SendDueBatch(context.Background(), 10); n != 0 {
		t.Fatalf("nothing due yet, sent %d", n)
	}

	clk.Advance(time.Hour)
	n, err := d.SendDueBatch(context.Background(), 10)
	if err != nil || n != 1 {
		t.Fatalf("n=%d err=%v", n, err)
	}
	stored, _ := repo.Get(context.Background(), "biz-1", msg.ID)
	if stored.Status != model.StatusSent {
		t.Fatalf("stored %+v", stored)
	}

	_, err = d.SendDue(context.Background(), "biz-1", msg.ID)
	var it *apperr.InvalidTransitionError
	if !errors.As(err, &it) {
		t.Fatalf("resending a sent message: %v", err)
	}
}

func TestSendDueByID(t *testing.T) {
	d, _, sender, clk := newTestDispatcher(t)
	req := confirmation()
	at := testNow.Add(10 * time.Minute)
	req.ScheduledFor = &at
	msg, _ := d.Dispatch(context.Background(), req)

	clk.Advance(10 * time.Minute)
	sent, err := d.SendDue(context.Background(), "biz-1", msg.ID)
	if err != nil || sent.Status != model.StatusSent || sender.Calls() != 1 {
		t.Fatalf("sent=%+v err=%v", sent, err)
	}
	if _, err := d.SendDue(context.Background(), "biz-2", msg.ID); !errors.As(err, new(*apperr.NotFoundError)) {
		t.Fatalf("other business must not see the message: %v", err)
	}
}

func TestDeliveryUpdatesAreMonotonicAndIdempotent(t *testing.T) {
	d, _, _, _ := newTestDispatcher(t)
	ctx := context.Background()
	msg, _ := d.Dispatch(ctx, confirmation())
	t1 := testNow.Add(time.Minute)

	got, err := d.RecordDeliveryUpdate(ctx, msg.ID, "delivered", t1)
	if err != nil || got.Status != model.StatusDelivered || !got.DeliveredAt.Equal(t1) {
		t.Fatalf("got=%+v err=%v", got, err)
	}
	again, _ := d.RecordDeliveryUpdate(ctx, msg.ID, "delivered", t1.Add(time.Minute))
	if !again.DeliveredAt.Equal(t1) {
		t.Fatal("duplicate receipt must not change the message")
	}

	read, _ := d.RecordDeliveryUpdateByProviderID(ctx, msg.ProviderMessageID, "read", t1.Add(2*time.Minute))
	if read.Status != model.StatusRead {
		t.Fatalf("expected read, got %s", read.Status)
	}
	late, _ := d.RecordDeliveryUpdate(ctx, msg.ID, "delivered", t1.Add(3*time.Minute))
	if late.Status != model.StatusRead {
		t.Fatal("out-of-order receipt must not regress the status")
	}

	if _, err := d.RecordDeliveryUpdate(ctx, msg.ID, "sent", t1); !errors.As(err, new(*apperr.ValidationError)) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if _, err := d.RecordDeliveryUpdate(ctx, "missing", "read", t1); !errors.As(err, new(*apperr.NotFoundError)) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestDeliveryUpdateIgnoresFailedMessages(t *testing.T) {
	d, _, sender, _ := newTestDispatcher(t)
	sender.setFail(true)
	msg, _ := d.Dispatch(context.Background(), confirmation())

	got, err := d.RecordDeliveryUpdate(context.Background(), msg.ID, "read", testNow)
	if err != nil || got.Status != model.StatusFailed || got.ReadAt != nil {
		t.Fatalf("got=%+v err=%v", got, err)
	}
}

func TestSupersedeRetiresPendingMessages(t *testing.T) {
	d, _, _, _ := newTestDispatcher(t)
	ctx := context.Background()
	sent, _ := d.Dispatch(ctx, confirmation())
	req := confirmation()
	req.Type = events.MessageReminder
	req.ReminderKind = events.Reminder24h
	at := testNow.Add(2 * time.Hour)
	req.ScheduledFor = &at
	pending, _ := d.Dispatch(ctx, req)

	n, err := d.Supersede(ctx, "biz-1", "appt-1", "appointment cancelled")
	if err != nil || n != 1 {
		t.Fatalf("n=%d err=%v", n, err)
	}
	retired, _ := d.Get(ctx, "biz-1", pending.ID)
	if retired.Status != model.StatusFailed || IsRetryable(retired) || retired.RetryCount != retired.MaxRetries {
		t.Fatalf("retired=%+v", retired)
	}
	kept, _ := d.Get(ctx, "biz-1", sent.ID)
	if kept.Status != model.StatusSent {
		t.Fatal("sent messages are not superseded")
	}
}

func TestRetryBatchWaitsForBackoff(t *testing.T) {
	d, _, sender, clk := newTestDispatcher(t)
	sender.setFail(true)
	msg, _ := d.Dispatch(context.Background(), confirmation())

	if n, _ := d.RetryBatch(context.Background(), time.Minute, 10); n != 0 {
		t.Fatal("backoff has not elapsed")
	}
	clk.Advance(time.Minute)
	if n, _ := d.RetryBatch(context.Background(), time.Minute, 10); n != 1 {
		t.Fatal("first automatic retry expected")
	}
	clk.Advance(time.Minute)
	if n, _ := d.RetryBatch(context.Background(), time.Minute, 10); n != 0 {
		t.Fatal("second retry waits twice as long")
	}
	clk.Advance(time.Minute)
	if n, _ := d.RetryBatch(context.Background(), time.Minute, 10); n != 1 {
		t.Fatal("second automatic retry expected")
	}
	got, _ := d.Get(context.Background(), "biz-1", msg.ID)
	if got.RetryCount != 2 {
		t.Fatalf("retry count %d", got.RetryCount)
	}
}

func TestSendTestListAndStats(t *testing.T) {
	d, _, sender, _ := newTestDispatcher(t)
	obs := &countingObserver{}
	d.observer = obs
	ctx := context.Background()

	if _, err := d.SendTest(ctx, "biz-1", "0612345678", "Connectivity check"); err != nil {
		t.Fatalf("send test: %v", err)
	}
	if _, err := d.SendTest(ctx, "biz-1", "0612345678", ""); err == nil {
		t.Fatal("empty test text must be rejected")
	}
	sender.setFail(true)
	_, _ = d.Dispatch(ctx, confirmation())

	list, err := d.List(ctx, "biz-1", ListFilter{Status: model.StatusFailed})
	if err != nil || len(list) != 1 || list[0].Type != events.MessageConfirmation {
		t.Fatalf("list=%+v err=%v", list, err)
	}
	if _, err := d.List(ctx, "biz-1", ListFilter{Status: "bogus"}); err == nil {
		t.Fatal("unknown status filter must be rejected")
	}
	stats, _ := d.Stats(ctx, "biz-1")
	if stats.Total != 2 || stats.Sent != 1 || stats.Failed != 1 {
		t.Fatalf("stats=%+v", stats)
	}
	if other, _ := d.Stats(ctx, "biz-2"); other.Total != 0 {
		t.Fatal("stats must be scoped to the business")
	}
	if obs.count("message_sent") != 1 || obs.count("message_failed") != 1 || obs.count("message_rejected") != 1 {
		t.Fatalf("observer counts %+v", obs.counts)
	}
}

type fakeChecker map[string]string

func (f fakeChecker) MessageStatus(_ context.Context, id string) (string, error) {
	status, ok := f[id]
	if !ok {
		return "", errors.New("unknown message")
	}
	return status, nil
}

func TestPollReceipts(t *testing.T) {
	d, _, _, clk := newTestDispatcher(t)
	ctx := context.Background()
	first, _ := d.Dispatch(ctx, confirmation())
	second, _ := d.Dispatch(ctx, confirmation())
	third, _ := d.Dispatch(ctx, confirmation())
	clk.Advance(time.Minute)

	checker := fakeChecker{
		first.ProviderMessageID:  "read",
		second.ProviderMessageID: "queued",
	}
	n, err := d.PollReceipts(ctx, checker, time.Hour, 10)
	if err != nil || n != 1 {
		t.Fatalf("n=%d err=%v", n, err)
	}
	got, _ := d.Get(ctx, "biz-1", first.ID)
	if got.Status != model.StatusRead || got.DeliveredAt == nil {
		t.Fatalf("first=%+v", got)
	}
	for _, id := range []string{second.ID, third.ID} {
		if m, _ := d.Get(ctx, "biz-1", id); m.Status != model.StatusSent {
			t.Fatalf("%s should still be sent, got %s", id, m.Status)
		}
	}

	clk.Advance(2 * time.Hour)
	if n, _ := d.PollReceipts(ctx, checker, time.Hour, 10); n != 0 {
		t.Fatal("messages outside the window are not polled")
	}
}
