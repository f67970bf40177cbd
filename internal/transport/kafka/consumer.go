package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	kafkago "github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"schedula/availability/internal/domain"
	"schedula/availability/internal/service/slots"
	"schedula/availability/internal/store"
)

const (
	DefaultTopic = "calendar.events.v1"

	typeBooked    = "booked"
	typeCancelled = "cancelled"

	maxAttempts       = 3
	defaultRetryDelay = time.Second
)

var errMissingKey = errors.New("cancellation carries no event id")

type Config struct {
	Brokers string
	GroupID string
	Topic   string
}

type calendarMessage struct {
	Type                string    `json:"type" validate:"required,oneof=booked cancelled"`
	OwnerID             string    `json:"owner_id" validate:"required,max=256"`
	EventID             string    `json:"event_id" validate:"max=256"`
	Title               string    `json:"title" validate:"required_if=Type booked,max=512"`
	StartTime           time.Time `json:"start_time" validate:"required_if=Type booked"`
	EndTime             time.Time `json:"end_time" validate:"required_if=Type booked"`
	BufferBeforeMinutes int       `json:"buffer_before_minutes" validate:"gte=0,lte=1440"`
	BufferAfterMinutes  int       `json:"buffer_after_minutes" validate:"gte=0,lte=1440"`
}

type calendarWriter interface {
	CreateEvent(ctx context.Context, in slots.CreateEventInput) (domain.Event, error)
	DeleteEvent(ctx context.Context, ownerID string, eventID uuid.UUID) error
}

type messageReader interface {
	FetchMessage(ctx context.Context) (kafkago.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

// Consumer applies booking and cancellation messages to stored calendars. Messages
// are committed once handled or once they are known to be unprocessable.
type Consumer struct {
	reader     messageReader
	svc        calendarWriter
	log        *slog.Logger
	validate   *validator.Validate
	tracer     trace.Tracer
	retryDelay time.Duration
}

func New(cfg Config, svc calendarWriter, log *slog.Logger) *Consumer {
	topic := strings.TrimSpace(cfg.Topic)
	if topic == "" {
		topic = DefaultTopic
	}
	reader := kafkago.NewReader(kafkago.ReaderConfig{
		Brokers:  SplitBrokers(cfg.Brokers),
		GroupID:  cfg.GroupID,
		Topic:    topic,
		MinBytes: 1,
		MaxBytes: 10e6,
	})
	return newConsumer(reader, svc, log)
}

func newConsumer(reader messageReader, svc calendarWriter, log *slog.Logger) *Consumer {
	if log == nil {
		log = slog.Default()
	}
	return &Consumer{
		reader:     reader,
		svc:        svc,
		log:        log.With(slog.String("component", "kafka.calendar_events")),
		validate:   validator.New(validator.WithRequiredStructEnabled()),
		tracer:     otel.Tracer("schedula/availability/kafka"),
		retryDelay: defaultRetryDelay,
	}
}

func (c *Consumer) Run(ctx context.Context) error {
	defer c.reader.Close()

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.log.Error("kafka fetch failed", slog.Any("err", err))
			if !sleep(ctx, c.retryDelay) {
				return nil
			}
			continue
		}

		if err := c.handleWithRetry(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.log.Error("message dropped after retries",
				slog.Any("err", err),
				slog.String("topic", msg.Topic),
				slog.Int64("offset", msg.Offset),
			)
		}
		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.log.Error("kafka commit failed", slog.Any("err", err), slog.Int64("offset", msg.Offset))
		}
	}
}

func (c *Consumer) handleWithRetry(ctx context.Context, msg kafkago.Message) error {
	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err = c.Handle(ctx, msg); err == nil {
			return nil
		}
		c.log.Warn("message handling failed", slog.Any("err", err), slog.Int("attempt", attempt))
		if attempt < maxAttempts && !sleep(ctx, c.retryDelay) {
			return ctx.Err()
		}
	}
	return err
}

// Handle applies one message. It returns an error only for failures worth retrying;
// malformed or rejected messages are logged and skipped.
func (c *Consumer) Handle(ctx context.Context, msg kafkago.Message) error {
	ctx, span := c.tracer.Start(extractTraceContext(ctx, msg), "kafka.consume",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.system", "kafka"),
			attribute.String("messaging.destination", msg.Topic),
			attribute.Int64("messaging.kafka.offset", msg.Offset),
		),
	)
	defer span.End()

	var m calendarMessage
	if err := json.Unmarshal(msg.Value, &m); err != nil {
		c.log.Warn("malformed message skipped", slog.Any("err", err), slog.Int64("offset", msg.Offset))
		span.SetStatus(codes.Error, "malformed message")
		return nil
	}
	if err := c.validate.Struct(m); err != nil {
		c.log.Warn("invalid message skipped", slog.Any("err", err), slog.Int64("offset", msg.Offset))
		span.SetStatus(codes.Error, "invalid message")
		return nil
	}

	key := idempotencyKey(msg, m)
	span.SetAttributes(attribute.String("calendar.owner_id", m.OwnerID), attribute.String("calendar.message_type", m.Type))

	err := c.apply(ctx, m, key)
	if err == nil {
		return nil
	}
	if permanent(err) {
		c.log.Info("message rejected",
			slog.Any("err", err),
			slog.String("type", m.Type),
			slog.String("owner_id", m.OwnerID),
			slog.String("key", key),
		)
		return nil
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

func (c *Consumer) apply(ctx context.Context, m calendarMessage, key string) error {
	switch m.Type {
	case typeBooked:
		ev, err := c.svc.CreateEvent(ctx, slots.CreateEventInput{
			OwnerID:             m.OwnerID,
			Title:               m.Title,
			StartTime:           m.StartTime,
			EndTime:             m.EndTime,
			BufferBeforeMinutes: m.BufferBeforeMinutes,
			BufferAfterMinutes:  m.BufferAfterMinutes,
			IdempotencyKey:      key,
		})
		if err != nil {
			return err
		}
		c.log.Info("booking applied", slog.String("event_id", ev.ID.String()), slog.String("owner_id", ev.OwnerID))
		return nil
	case typeCancelled:
		if key == "" {
			return errMissingKey
		}
		id := slots.EventIDForKey(strings.TrimSpace(m.OwnerID), key)
		if err := c.svc.DeleteEvent(ctx, m.OwnerID, id); err != nil {
			return err
		}
		c.log.Info("cancellation applied", slog.String("event_id", id.String()), slog.String("owner_id", m.OwnerID))
		return nil
	}
	return fmt.Errorf("unknown message type %q", m.Type)
}

// idempotencyKey prefers the event_id header, then the payload, then the message key.
func idempotencyKey(msg kafkago.Message, m calendarMessage) string {
	for _, k := range []string{headerValue(msg.Headers, "event_id"), m.EventID, string(msg.Key)} {
		if k = strings.TrimSpace(k); k != "" {
			return k
		}
	}
	return ""
}

func permanent(err error) bool {
	var vErr *slots.ValidationError
	return errors.As(err, &vErr) ||
		errors.Is(err, errMissingKey) ||
		errors.Is(err, store.ErrConflict) ||
		errors.Is(err, store.ErrIdempotencyConflict) ||
		errors.Is(err, store.ErrNotFound)
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
