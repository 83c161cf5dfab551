package kafkax

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type Handler func(ctx context.Context, msg kafka.Message) error

// Inbox deduplicates deliveries by event id. Record reports false for an id
// it has already seen. Forget releases an id whose handling failed for good
// so a replay of the topic can process it again.
type Inbox interface {
	Record(ctx context.Context, eventID string, eventType string) (bool, error)
	Forget(ctx context.Context, eventID string) error
}

type ConsumerConfig struct {
	Brokers string
	GroupID string
	Topics  []string
	// MaxAttempts bounds handler retries for a single message before it is
	// logged and skipped.
	MaxAttempts uint
}

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Consumer struct {
	reader      messageReader
	logger      *slog.Logger
	inbox       Inbox
	handler     Handler
	maxAttempts uint
	// redeliver paces retries of a message whose inbox record could not
	// be written.
	redeliver backoff.BackOff
}

func NewConsumer(logger *slog.Logger, inbox Inbox, cfg ConsumerConfig, handler Handler) *Consumer {
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 3
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     SplitBrokers(cfg.Brokers),
		GroupID:     cfg.GroupID,
		GroupTopics: cfg.Topics,
		MinBytes:    1,
		MaxBytes:    10e6,
	})
	return &Consumer{
		reader:      reader,
		logger:      logger,
		inbox:       inbox,
		handler:     handler,
		maxAttempts: cfg.MaxAttempts,
		redeliver:   newRedeliverBackOff(),
	}
}

func newRedeliverBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxInterval = time.Minute
	return b
}

// Run fetches until ctx is cancelled. Offsets are committed only after a
// message was handled, skipped as a duplicate, or given up on. A message
// whose inbox record fails is delivered again and its offset stays
// uncommitted until that succeeds.
func (c *Consumer) Run(ctx context.Context) {
	defer c.reader.Close()

	readBackoff := backoff.NewExponentialBackOff()
	readBackoff.InitialInterval = 500 * time.Millisecond
	readBackoff.MaxInterval = 30 * time.Second

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			wait := readBackoff.NextBackOff()
			c.logger.Error("kafka fetch error", "err", err, "retry_in", wait.String())
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
			continue
		}
		readBackoff.Reset()

		if !c.deliver(ctx, msg) {
			return
		}

		if err := c.reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			c.logger.Error("kafka commit error", "err", err, "topic", msg.Topic, "offset", msg.Offset)
		}
	}
}

// deliver consumes msg until it is settled. It reports false when ctx ended
// first, in which case the offset must not be committed.
func (c *Consumer) deliver(ctx context.Context, msg kafka.Message) bool {
	c.redeliver.Reset()
	for {
		if c.consume(ctx, msg) {
			return true
		}
		if ctx.Err() != nil {
			return false
		}
		wait := c.redeliver.NextBackOff()
		if wait == backoff.Stop {
			wait = time.Minute
		}
		c.logger.Warn("redelivering event", "topic", msg.Topic, "offset", msg.Offset, "retry_in", wait.String())
		select {
		case <-ctx.Done():
			return false
		case <-time.After(wait):
		}
	}
}

// consume reports whether msg is settled and its offset may be committed.
func (c *Consumer) consume(ctx context.Context, msg kafka.Message) bool {
	ctxMsg := ExtractTraceContext(ctx, msg)
	ctxSpan, span := otel.Tracer("kafka").Start(ctxMsg, "kafka.consume",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.system", "kafka"),
			attribute.String("messaging.destination", msg.Topic),
		),
	)
	defer span.End()

	meta := ExtractEventMeta(msg)
	logger := c.logger.With("event_id", meta.EventID, "event_type", meta.EventType)

	ok, err := backoff.Retry(ctxSpan, func() (bool, error) {
		return c.inbox.Record(ctxSpan, meta.EventID, meta.EventType)
	}, backoff.WithMaxTries(c.maxAttempts))
	if err != nil {
		logger.Error("inbox record failed", "err", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "inbox")
		return false
	}
	if !ok {
		logger.Info("duplicate event ignored")
		return true
	}

	_, err = backoff.Retry(ctxSpan, func() (struct{}, error) {
		return struct{}{}, c.handler(ctxSpan, msg)
	},
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(c.maxAttempts),
		backoff.WithNotify(func(err error, wait time.Duration) {
			logger.Warn("handler error, retrying", "err", err, "retry_in", wait.String())
		}),
	)
	if err == nil {
		return true
	}

	logger.Error("handler gave up", "err", err)
	span.RecordError(err)
	span.SetStatus(codes.Error, "handler")
	if ferr := c.inbox.Forget(context.WithoutCancel(ctxSpan), meta.EventID); ferr != nil {
		logger.Error("inbox forget failed", "err", ferr)
	}
	return true
}
