package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"schedula/availability/internal/domain"
)

// EventLookaround widens event reads around a slot query so buffered events that start
// or end outside the query window still block slots inside it.
const EventLookaround = 24 * time.Hour

type CalendarRepository interface {
	ReplaceAvailability(ctx context.Context, ownerID string, rules []domain.WeeklyRule) error
	ListRules(ctx context.Context, ownerID string) ([]domain.WeeklyRule, error)

	CreateEvent(ctx context.Context, ev domain.Event) (domain.Event, error)
	ListEvents(ctx context.Context, ownerID string, windowStart, windowEnd time.Time) ([]domain.Event, error)
	DeleteEvent(ctx context.Context, ownerID string, eventID uuid.UUID) error
}

type CalendarTx interface {
	DeleteRules(ctx context.Context, ownerID string) error
	InsertRules(ctx context.Context, rules []domain.WeeklyRule) error

	CreateEvent(ctx context.Context, ev domain.Event) (domain.Event, error)
	ListEvents(ctx context.Context, ownerID string, windowStart, windowEnd time.Time) ([]domain.Event, error)
	DeleteEvent(ctx context.Context, ownerID string, eventID uuid.UUID) error
}
