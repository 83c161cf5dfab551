package kafkax

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/cenkalti/backoff/v5"
	"github.com/segmentio/kafka-go"
)

// queueReader hands out its messages once, then cancels the run.
type queueReader struct {
	msgs      []kafka.Message
	committed []int64
	cancel    context.CancelFunc
	closed    bool
}

func (r *queueReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	if len(r.msgs) == 0 {
		r.cancel()
		return kafka.Message{}, ctx.Err()
	}
	msg := r.msgs[0]
	r.msgs = r.msgs[1:]
	return msg, nil
}

func (r *queueReader) CommitMessages(ctx context.Context, msgs ...kafka.Message) error {
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *queueReader) Close() error {
	r.closed = true
	return nil
}

type flakyInbox struct {
	failures int
	calls    int
	seen     map[string]bool
	onFail   func()
}

func (in *flakyInbox) Record(ctx context.Context, eventID, eventType string) (bool, error) {
	in.calls++
	if in.failures < 0 || in.calls <= in.failures {
		if in.onFail != nil {
			in.onFail()
		}
		return false, errors.New("inbox unavailable")
	}
	if in.seen[eventID] {
		return false, nil
	}
	in.seen[eventID] = true
	return true, nil
}

func (in *flakyInbox) Forget(ctx context.Context, eventID string) error {
	delete(in.seen, eventID)
	return nil
}

func newTestConsumer(reader messageReader, inbox Inbox, handler Handler) *Consumer {
	return &Consumer{
		reader:      reader,
		logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		inbox:       inbox,
		handler:     handler,
		maxAttempts: 1,
		redeliver:   &backoff.ZeroBackOff{},
	}
}

func eventMessage(id string, offset int64) kafka.Message {
	return kafka.Message{
		Topic:   "appointment.scheduled.v1",
		Offset:  offset,
		Headers: []kafka.Header{{Key: "event_id", Value: []byte(id)}},
	}
}

func TestInboxFailureRedeliversBeforeCommit(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	reader := &queueReader{msgs: []kafka.Message{eventMessage("evt-1", 7), eventMessage("evt-2", 8)}, cancel: cancel}
	inbox := &flakyInbox{failures: 2, seen: map[string]bool{}}

	var handled []string
	c := newTestConsumer(reader, inbox, func(ctx context.Context, msg kafka.Message) error {
		if len(reader.committed) != len(handled) {
			t.Fatalf("offset committed before handling: %v", reader.committed)
		}
		handled = append(handled, ExtractEventMeta(msg).EventID)
		return nil
	})
	c.Run(ctx)

	if len(handled) != 2 || handled[0] != "evt-1" || handled[1] != "evt-2" {
		t.Fatalf("every event must be handled once in order, got %v", handled)
	}
	if len(reader.committed) != 2 || reader.committed[0] != 7 || reader.committed[1] != 8 {
		t.Fatalf("unexpected commits %v", reader.committed)
	}
	if inbox.calls != 4 {
		t.Fatalf("expected 2 failed and 2 good inbox calls, got %d", inbox.calls)
	}
	if !reader.closed {
		t.Fatal("reader should be closed when Run returns")
	}
}

func TestInboxOutageLeavesOffsetUncommitted(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	reader := &queueReader{msgs: []kafka.Message{eventMessage("evt-1", 3)}, cancel: cancel}
	inbox := &flakyInbox{failures: -1, seen: map[string]bool{}}
	inbox.onFail = func() {
		if inbox.calls == 3 {
			cancel()
		}
	}

	c := newTestConsumer(reader, inbox, func(ctx context.Context, msg kafka.Message) error {
		t.Fatal("handler must not run without an inbox record")
		return nil
	})
	c.Run(ctx)

	if len(reader.committed) != 0 {
		t.Fatalf("offset must stay uncommitted for redelivery, got %v", reader.committed)
	}
	if inbox.calls != 3 {
		t.Fatalf("expected redelivery until shutdown, got %d inbox calls", inbox.calls)
	}
}

func TestDuplicateIsCommittedWithoutHandling(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	reader := &queueReader{msgs: []kafka.Message{eventMessage("evt-1", 1), eventMessage("evt-1", 2)}, cancel: cancel}
	inbox := &flakyInbox{seen: map[string]bool{}}

	calls := 0
	c := newTestConsumer(reader, inbox, func(ctx context.Context, msg kafka.Message) error {
		calls++
		return nil
	})
	c.Run(ctx)

	if calls != 1 || len(reader.committed) != 2 {
		t.Fatalf("calls=%d commits=%v", calls, reader.committed)
	}
}
