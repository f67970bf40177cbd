package domain

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

type Event struct {
	bun.BaseModel `bun:"table:calendar_events"`

	ID                  uuid.UUID `bun:"id,pk,type:uuid"`
	OwnerID             string    `bun:"owner_id,notnull"`
	Title               string    `bun:"title,notnull"`
	StartTime           time.Time `bun:"start_time,notnull"`
	EndTime             time.Time `bun:"end_time,notnull"`
	BufferBeforeMinutes int       `bun:"buffer_before_minutes,notnull"`
	BufferAfterMinutes  int       `bun:"buffer_after_minutes,notnull"`
	CreatedAt           time.Time `bun:"created_at,notnull"`
	UpdatedAt           time.Time `bun:"updated_at,notnull"`
}

func (e *Event) BeforeAppendModel(ctx context.Context, query bun.Query) error {
	now := time.Now().UTC()
	switch query.(type) {
	case *bun.InsertQuery:
		if e.ID == uuid.Nil {
			id, err := uuid.NewV7()
			if err != nil {
				return err
			}
			e.ID = id
		}
		if e.CreatedAt.IsZero() {
			e.CreatedAt = now
		}
		if e.UpdatedAt.IsZero() {
			e.UpdatedAt = now
		}
	case *bun.UpdateQuery:
		e.UpdatedAt = now
	}
	return nil
}

func (e Event) Calendar() CalendarEvent {
	return CalendarEvent{
		Start: e.StartTime.UTC(),
		End:   e.EndTime.UTC(),
		Buffer: Buffer{
			Before: e.BufferBeforeMinutes,
			After:  e.BufferAfterMinutes,
		},
	}
}

// SameBooking reports whether two events describe the same booking, ignoring ids and
// timestamps.
func (e Event) SameBooking(o Event) bool {
	return e.OwnerID == o.OwnerID &&
		e.Title == o.Title &&
		e.StartTime.Equal(o.StartTime) &&
		e.EndTime.Equal(o.EndTime) &&
		e.BufferBeforeMinutes == o.BufferBeforeMinutes &&
		e.BufferAfterMinutes == o.BufferAfterMinutes
}

func CalendarEvents(events []Event) []CalendarEvent {
	out := make([]CalendarEvent, 0, len(events))
	for _, e := range events {
		out = append(out, e.Calendar())
	}
	return out
}

type WeeklyRule struct {
	bun.BaseModel `bun:"table:availability_rules"`

	OwnerID    string    `bun:"owner_id,pk"`
	Weekday    int16     `bun:"weekday,pk"`
	Boundaries []int16   `bun:"boundaries,array,notnull"`
	CreatedAt  time.Time `bun:"created_at,notnull"`
	UpdatedAt  time.Time `bun:"updated_at,notnull"`
}

func (r *WeeklyRule) BeforeAppendModel(ctx context.Context, query bun.Query) error {
	now := time.Now().UTC()
	switch query.(type) {
	case *bun.InsertQuery:
		if r.CreatedAt.IsZero() {
			r.CreatedAt = now
		}
		if r.UpdatedAt.IsZero() {
			r.UpdatedAt = now
		}
	case *bun.UpdateQuery:
		r.UpdatedAt = now
	}
	return nil
}

func WeeklyRules(ownerID string, a CalendarAvailability) []WeeklyRule {
	out := make([]WeeklyRule, 0, len(a.Include))
	for _, r := range a.Include {
		b := make([]int16, 0, len(r.Range))
		for _, t := range r.Range {
			b = append(b, int16(t.minuteOfDay()))
		}
		out = append(out, WeeklyRule{OwnerID: ownerID, Weekday: int16(r.Weekday), Boundaries: b})
	}
	return out
}

func AvailabilityFromRules(rows []WeeklyRule) CalendarAvailability {
	rows = append([]WeeklyRule(nil), rows...)
	sort.Slice(rows, func(i, j int) bool { return rows[i].Weekday < rows[j].Weekday })

	out := CalendarAvailability{Include: make([]AvailabilityRule, 0, len(rows))}
	for _, row := range rows {
		r := AvailabilityRule{Weekday: time.Weekday(row.Weekday), Range: make([]TimeOfDay, 0, len(row.Boundaries))}
		for _, m := range row.Boundaries {
			r.Range = append(r.Range, TimeOfDayFromMinutes(int(m)))
		}
		out.Include = append(out.Include, r)
	}
	return out
}
