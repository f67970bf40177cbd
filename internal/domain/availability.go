package domain

import (
	"errors"
	"fmt"
	"time"
)

const (
	SlotMinutes = 30

	slotLength = SlotMinutes * time.Minute
)

var (
	ErrInvalidSlot         = errors.New("invalid slot")
	ErrInvalidRange        = errors.New("invalid range")
	ErrInvalidAvailability = errors.New("invalid availability")
	ErrInvalidEvent        = errors.New("invalid event")
)

type TimeOfDay struct {
	Hours   int `json:"hours"`
	Minutes int `json:"minutes"`
}

func (t TimeOfDay) valid() bool {
	return t.Hours >= 0 && t.Hours <= 23 && t.Minutes >= 0 && t.Minutes <= 59
}

func (t TimeOfDay) minuteOfDay() int {
	return t.Hours*60 + t.Minutes
}

func (t TimeOfDay) On(day time.Time) time.Time {
	d := day.UTC()
	return time.Date(d.Year(), d.Month(), d.Day(), t.Hours, t.Minutes, 0, 0, time.UTC)
}

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", t.Hours, t.Minutes)
}

func TimeOfDayFromMinutes(m int) TimeOfDay {
	return TimeOfDay{Hours: m / 60, Minutes: m % 60}
}

type AvailabilityRule struct {
	Weekday time.Weekday `json:"weekday"`
	Range   []TimeOfDay  `json:"range"`
}

type CalendarAvailability struct {
	Include []AvailabilityRule `json:"include"`
}

func (a CalendarAvailability) rule(wd time.Weekday) (AvailabilityRule, bool) {
	for _, r := range a.Include {
		if r.Weekday == wd {
			return r, true
		}
	}
	return AvailabilityRule{}, false
}

type Buffer struct {
	Before int `json:"before"`
	After  int `json:"after"`
}

type CalendarEvent struct {
	Start  time.Time `json:"start"`
	End    time.Time `json:"end"`
	Buffer Buffer    `json:"buffer"`
}

func (e CalendarEvent) Blocked() (time.Time, time.Time) {
	return e.Start.Add(-time.Duration(e.Buffer.Before) * time.Minute),
		e.End.Add(time.Duration(e.Buffer.After) * time.Minute)
}

type CalendarSlot struct {
	Start     time.Time `json:"start"`
	DurationM int       `json:"duration_m"`
}

func (s CalendarSlot) End() time.Time {
	return s.Start.Add(time.Duration(s.DurationM) * time.Minute)
}

type OwnerQuery struct {
	Availability CalendarAvailability
	Events       []CalendarEvent
}

// Overlaps reports whether [aStart, aEnd) and [bStart, bEnd) intersect.
// Touching endpoints do not overlap.
func Overlaps(aStart, aEnd, bStart, bEnd time.Time) bool {
	return aStart.Before(bEnd) && aEnd.After(bStart)
}

func freeOf(start, end time.Time, events []CalendarEvent) bool {
	for _, e := range events {
		bs, be := e.Blocked()
		if Overlaps(start, end, bs, be) {
			return false
		}
	}
	return true
}

func validateEvents(events []CalendarEvent) error {
	for i, e := range events {
		if e.Buffer.Before < 0 || e.Buffer.After < 0 {
			return fmt.Errorf("%w: events[%d]: negative buffer", ErrInvalidEvent, i)
		}
		if e.End.Before(e.Start) {
			return fmt.Errorf("%w: events[%d]: end before start", ErrInvalidEvent, i)
		}
	}
	return nil
}

func validateRange(rangeStart, rangeEnd time.Time) error {
	if rangeStart.After(rangeEnd) {
		return fmt.Errorf("%w: start %s after end %s", ErrInvalidRange,
			rangeStart.UTC().Format(time.RFC3339), rangeEnd.UTC().Format(time.RFC3339))
	}
	return nil
}
