package kafka

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	kafkago "github.com/segmentio/kafka-go"

	"schedula/availability/internal/domain"
	"schedula/availability/internal/service/slots"
	"schedula/availability/internal/store"
)

type fakeWriter struct {
	createEventFn func(ctx context.Context, in slots.CreateEventInput) (domain.Event, error)
	deleteEventFn func(ctx context.Context, ownerID string, eventID uuid.UUID) error
}

func (f *fakeWriter) CreateEvent(ctx context.Context, in slots.CreateEventInput) (domain.Event, error) {
	if f.createEventFn == nil {
		panic("CreateEvent not configured")
	}
	return f.createEventFn(ctx, in)
}

func (f *fakeWriter) DeleteEvent(ctx context.Context, ownerID string, eventID uuid.UUID) error {
	if f.deleteEventFn == nil {
		panic("DeleteEvent not configured")
	}
	return f.deleteEventFn(ctx, ownerID, eventID)
}

// fakeReader hands out queued messages, then blocks until the context ends.
type fakeReader struct {
	mu        sync.Mutex
	queue     []kafkago.Message
	committed []int64
	closed    bool
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafkago.Message, error) {
	r.mu.Lock()
	if len(r.queue) > 0 {
		msg := r.queue[0]
		r.queue = r.queue[1:]
		r.mu.Unlock()
		return msg, nil
	}
	r.mu.Unlock()
	<-ctx.Done()
	return kafkago.Message{}, ctx.Err()
}

func (r *fakeReader) CommitMessages(ctx context.Context, msgs ...kafkago.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func (r *fakeReader) commits() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.committed)
}

const bookedPayload = `{
	"type": "booked",
	"owner_id": "o1",
	"event_id": "ext-42",
	"title": "Consultation",
	"start_time": "2024-01-15T10:00:00Z",
	"end_time": "2024-01-15T11:00:00Z",
	"buffer_after_minutes": 15
}`

func TestHandle_BookedCreatesEvent(t *testing.T) {
	var got slots.CreateEventInput
	c := newConsumer(&fakeReader{}, &fakeWriter{
		createEventFn: func(ctx context.Context, in slots.CreateEventInput) (domain.Event, error) {
			got = in
			return domain.Event{OwnerID: in.OwnerID}, nil
		},
	}, slog.Default())

	err := c.Handle(context.Background(), kafkago.Message{Value: []byte(bookedPayload)})
	if err != nil {
		t.Fatalf("Handle error: %v", err)
	}
	if got.OwnerID != "o1" || got.Title != "Consultation" {
		t.Fatalf("input = %+v, want owner o1 titled Consultation", got)
	}
	if want := time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC); !got.StartTime.Equal(want) {
		t.Fatalf("start = %v, want %v", got.StartTime, want)
	}
	if got.BufferAfterMinutes != 15 {
		t.Fatalf("buffer after = %d, want 15", got.BufferAfterMinutes)
	}
	if got.IdempotencyKey != "ext-42" {
		t.Fatalf("idempotency key = %q, want %q", got.IdempotencyKey, "ext-42")
	}
}

func TestIdempotencyKey_Precedence(t *testing.T) {
	m := calendarMessage{EventID: "payload"}
	msg := kafkago.Message{Key: []byte("key"), Headers: []kafkago.Header{{Key: "event_id", Value: []byte("header")}}}
	if got := idempotencyKey(msg, m); got != "header" {
		t.Fatalf("key = %q, want header", got)
	}
	msg.Headers = nil
	if got := idempotencyKey(msg, m); got != "payload" {
		t.Fatalf("key = %q, want payload", got)
	}
	if got := idempotencyKey(msg, calendarMessage{}); got != "key" {
		t.Fatalf("key = %q, want key", got)
	}
}

func TestHandle_CancelledDeletesDerivedEvent(t *testing.T) {
	var gotOwner string
	var gotID uuid.UUID
	c := newConsumer(&fakeReader{}, &fakeWriter{
		deleteEventFn: func(ctx context.Context, ownerID string, eventID uuid.UUID) error {
			gotOwner, gotID = ownerID, eventID
			return nil
		},
	}, slog.Default())

	err := c.Handle(context.Background(), kafkago.Message{
		Key:   []byte("ext-42"),
		Value: []byte(`{"type":"cancelled","owner_id":"o1"}`),
	})
	if err != nil {
		t.Fatalf("Handle error: %v", err)
	}
	if gotOwner != "o1" {
		t.Fatalf("owner = %q, want o1", gotOwner)
	}
	if want := slots.EventIDForKey("o1", "ext-42"); gotID != want {
		t.Fatalf("event id = %s, want %s", gotID, want)
	}
}

func TestHandle_SkipsUnprocessableMessages(t *testing.T) {
	c := newConsumer(&fakeReader{}, &fakeWriter{
		createEventFn: func(ctx context.Context, in slots.CreateEventInput) (domain.Event, error) {
			return domain.Event{}, store.ErrConflict
		},
		deleteEventFn: func(ctx context.Context, ownerID string, eventID uuid.UUID) error {
			return store.ErrNotFound
		},
	}, slog.Default())

	tests := []struct {
		name  string
		key   string
		value string
	}{
		{"not json", "", `{"type":`},
		{"unknown type", "", `{"type":"moved","owner_id":"o1"}`},
		{"missing owner", "", `{"type":"booked","title":"t","start_time":"2024-01-15T10:00:00Z","end_time":"2024-01-15T11:00:00Z"}`},
		{"booked without times", "", `{"type":"booked","owner_id":"o1","title":"t"}`},
		{"negative buffer", "", `{"type":"booked","owner_id":"o1","title":"t","start_time":"2024-01-15T10:00:00Z","end_time":"2024-01-15T11:00:00Z","buffer_before_minutes":-5}`},
		{"cancel without id", "", `{"type":"cancelled","owner_id":"o1"}`},
		{"conflict", "", bookedPayload},
		{"already cancelled", "ext-1", `{"type":"cancelled","owner_id":"o1"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := c.Handle(context.Background(), kafkago.Message{Key: []byte(tt.key), Value: []byte(tt.value)})
			if err != nil {
				t.Fatalf("Handle error = %v, want nil", err)
			}
		})
	}
}

func TestHandle_ReturnsTransientErrors(t *testing.T) {
	boom := errors.New("db down")
	c := newConsumer(&fakeReader{}, &fakeWriter{
		createEventFn: func(ctx context.Context, in slots.CreateEventInput) (domain.Event, error) {
			return domain.Event{}, boom
		},
	}, slog.Default())

	err := c.Handle(context.Background(), kafkago.Message{Value: []byte(bookedPayload)})
	if !errors.Is(err, boom) {
		t.Fatalf("Handle error = %v, want %v", err, boom)
	}
}

func TestRun_RetriesThenCommits(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	reader := &fakeReader{queue: []kafkago.Message{
		{Offset: 1, Value: []byte(bookedPayload)},
		{Offset: 2, Value: []byte(`not json`)},
	}}
	c := newConsumer(reader, &fakeWriter{
		createEventFn: func(ctx context.Context, in slots.CreateEventInput) (domain.Event, error) {
			mu.Lock()
			defer mu.Unlock()
			calls++
			if calls < 2 {
				return domain.Event{}, errors.New("transient")
			}
			return domain.Event{OwnerID: in.OwnerID}, nil
		},
	}, slog.Default())
	c.retryDelay = time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for reader.commits() < 2 {
		if time.Now().After(deadline) {
			cancel()
			t.Fatalf("commits = %d, want 2", reader.commits())
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()

	if err := <-done; err != nil {
		t.Fatalf("Run error: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if calls != 2 {
		t.Fatalf("CreateEvent calls = %d, want 2", calls)
	}
	if !reader.closed {
		t.Fatalf("reader not closed")
	}
	if reader.committed[0] != 1 || reader.committed[1] != 2 {
		t.Fatalf("committed = %v, want [1 2]", reader.committed)
	}
}

func TestSplitBrokers(t *testing.T) {
	got := SplitBrokers(" a:9092, ,b:9092 ")
	if len(got) != 2 || got[0] != "a:9092" || got[1] != "b:9092" {
		t.Fatalf("SplitBrokers = %v, want [a:9092 b:9092]", got)
	}
	if SplitBrokers("") != nil {
		t.Fatalf("SplitBrokers(\"\") = non-nil, want nil")
	}
}
