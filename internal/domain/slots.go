package domain

import (
	"fmt"
	"iter"
	"slices"
	"time"
)

func (f SlotFinder) IsAvailable(a CalendarAvailability, events []CalendarEvent, slot CalendarSlot) (bool, error) {
	if slot.DurationM <= 0 {
		return false, fmt.Errorf("%w: duration %d minutes", ErrInvalidSlot, slot.DurationM)
	}
	if err := f.Validate(a); err != nil {
		return false, err
	}
	if err := validateEvents(events); err != nil {
		return false, err
	}

	start := slot.Start.UTC()
	end := slot.End().UTC()

	fits := false
	for _, w := range f.Windows(a, start) {
		if w.contains(start, end) {
			fits = true
			break
		}
	}
	if !fits {
		return false, nil
	}
	return freeOf(start, end, events), nil
}

// Slots lazily enumerates the free 30-minute slots of one owner between rangeStart and
// rangeEnd (inclusive bounds). Each range over the returned sequence recomputes from the
// inputs, so it can be consumed more than once.
func (f SlotFinder) Slots(a CalendarAvailability, events []CalendarEvent, rangeStart, rangeEnd time.Time) (iter.Seq[CalendarSlot], error) {
	if err := validateRange(rangeStart, rangeEnd); err != nil {
		return nil, err
	}
	if err := f.Validate(a); err != nil {
		return nil, err
	}
	if err := validateEvents(events); err != nil {
		return nil, err
	}

	rs, re := rangeStart.UTC(), rangeEnd.UTC()
	return func(yield func(CalendarSlot) bool) {
		for day := startOfDay(rs); !day.After(re); day = day.AddDate(0, 0, 1) {
			for _, start := range f.boundaries(a, day) {
				end := start.Add(slotLength)
				if start.Before(rs) || end.After(re) {
					continue
				}
				if !freeOf(start, end, events) {
					continue
				}
				if !yield(CalendarSlot{Start: start, DurationM: SlotMinutes}) {
					return
				}
			}
		}
	}, nil
}

func (f SlotFinder) ListSlots(a CalendarAvailability, events []CalendarEvent, rangeStart, rangeEnd time.Time) ([]CalendarSlot, error) {
	seq, err := f.Slots(a, events, rangeStart, rangeEnd)
	if err != nil {
		return nil, err
	}
	return slices.Collect(seq), nil
}

// CommonSlots lazily enumerates the 30-minute slots free for every owner at once.
//
// Per day, each owner's availability windows are cut into 30-minute boundaries and the
// boundary sets are intersected by exact start instant. Owners whose windows are not
// aligned on the same 30-minute grid share no candidates for the misaligned part of the
// day. Survivors must then be clear of every owner's buffered events.
func (f SlotFinder) CommonSlots(owners []OwnerQuery, rangeStart, rangeEnd time.Time) (iter.Seq[CalendarSlot], error) {
	if err := validateRange(rangeStart, rangeEnd); err != nil {
		return nil, err
	}
	for i, o := range owners {
		if err := f.Validate(o.Availability); err != nil {
			return nil, fmt.Errorf("owners[%d]: %w", i, err)
		}
		if err := validateEvents(o.Events); err != nil {
			return nil, fmt.Errorf("owners[%d]: %w", i, err)
		}
	}

	rs, re := rangeStart.UTC(), rangeEnd.UTC()
	return func(yield func(CalendarSlot) bool) {
		if len(owners) == 0 {
			return
		}
		for day := startOfDay(rs); !day.After(re); day = day.AddDate(0, 0, 1) {
			for _, start := range f.commonBoundaries(owners, day) {
				end := start.Add(slotLength)
				if start.Before(rs) || end.After(re) {
					continue
				}
				if !freeForAll(start, end, owners) {
					continue
				}
				if !yield(CalendarSlot{Start: start, DurationM: SlotMinutes}) {
					return
				}
			}
		}
	}, nil
}

func (f SlotFinder) ListCommonSlots(owners []OwnerQuery, rangeStart, rangeEnd time.Time) ([]CalendarSlot, error) {
	seq, err := f.CommonSlots(owners, rangeStart, rangeEnd)
	if err != nil {
		return nil, err
	}
	return slices.Collect(seq), nil
}

func (f SlotFinder) boundaries(a CalendarAvailability, day time.Time) []time.Time {
	var out []time.Time
	for _, w := range f.Windows(a, day) {
		for t := w.Start; !t.Add(slotLength).After(w.End); t = t.Add(slotLength) {
			out = append(out, t)
		}
	}
	return out
}

func (f SlotFinder) commonBoundaries(owners []OwnerQuery, day time.Time) []time.Time {
	common := f.boundaries(owners[0].Availability, day)
	for _, o := range owners[1:] {
		if len(common) == 0 {
			return nil
		}
		own := f.boundaries(o.Availability, day)
		set := make(map[int64]struct{}, len(own))
		for _, t := range own {
			set[t.UnixNano()] = struct{}{}
		}
		common = slices.DeleteFunc(common, func(t time.Time) bool {
			_, ok := set[t.UnixNano()]
			return !ok
		})
	}
	return common
}

func freeForAll(start, end time.Time, owners []OwnerQuery) bool {
	for _, o := range owners {
		if !freeOf(start, end, o.Events) {
			return false
		}
	}
	return true
}

func startOfDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
