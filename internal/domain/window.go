package domain

import (
	"fmt"
	"strings"
	"time"
)

type TrailingBoundaryPolicy int

const (
	RejectOdd TrailingBoundaryPolicy = iota
	AssumeThirtyMinutes
	// AssumeRestOfDay closes the lone boundary at 23:59 of the same day.
	AssumeRestOfDay
)

var restOfDay = TimeOfDay{Hours: 23, Minutes: 59}

func (p TrailingBoundaryPolicy) String() string {
	switch p {
	case RejectOdd:
		return "reject_odd"
	case AssumeThirtyMinutes:
		return "assume_thirty_minutes"
	case AssumeRestOfDay:
		return "assume_rest_of_day"
	default:
		return fmt.Sprintf("TrailingBoundaryPolicy(%d)", int(p))
	}
}

func ParseTrailingBoundaryPolicy(s string) (TrailingBoundaryPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "reject_odd", "reject":
		return RejectOdd, nil
	case "assume_thirty_minutes", "thirty_minutes", "30m":
		return AssumeThirtyMinutes, nil
	case "assume_rest_of_day", "rest_of_day":
		return AssumeRestOfDay, nil
	default:
		return RejectOdd, fmt.Errorf("unknown trailing boundary policy %q", s)
	}
}

type Window struct {
	Start time.Time
	End   time.Time
}

func (w Window) contains(start, end time.Time) bool {
	return !start.Before(w.Start) && !end.After(w.End)
}

// SlotFinder evaluates availability queries. The zero value uses RejectOdd.
type SlotFinder struct {
	Policy TrailingBoundaryPolicy
}

// Validate checks that availability has one rule per weekday, and that every rule has at
// least two ascending in-bounds boundaries whose explicit windows end after they start.
// An odd boundary count is only accepted when the policy supplies a fallback end.
func (f SlotFinder) Validate(a CalendarAvailability) error {
	seen := make(map[time.Weekday]struct{}, len(a.Include))
	for i, r := range a.Include {
		if r.Weekday < time.Sunday || r.Weekday > time.Saturday {
			return fmt.Errorf("%w: include[%d]: weekday %d out of range", ErrInvalidAvailability, i, int(r.Weekday))
		}
		if _, ok := seen[r.Weekday]; ok {
			return fmt.Errorf("%w: include[%d]: duplicate rule for %s", ErrInvalidAvailability, i, r.Weekday)
		}
		seen[r.Weekday] = struct{}{}

		if len(r.Range) < 2 {
			return fmt.Errorf("%w: include[%d]: range needs at least 2 boundaries, got %d", ErrInvalidAvailability, i, len(r.Range))
		}
		for j, b := range r.Range {
			if !b.valid() {
				return fmt.Errorf("%w: include[%d].range[%d]: %02d:%02d out of bounds", ErrInvalidAvailability, i, j, b.Hours, b.Minutes)
			}
			if j > 0 && b.minuteOfDay() < r.Range[j-1].minuteOfDay() {
				return fmt.Errorf("%w: include[%d].range[%d]: boundaries must be ascending", ErrInvalidAvailability, i, j)
			}
		}
		if len(r.Range)%2 == 1 && f.Policy == RejectOdd {
			return fmt.Errorf("%w: include[%d]: odd number of boundaries (%d)", ErrInvalidAvailability, i, len(r.Range))
		}
		for k := 0; k+1 < len(r.Range); k += 2 {
			if r.Range[k+1].minuteOfDay() <= r.Range[k].minuteOfDay() {
				return fmt.Errorf("%w: include[%d]: window %s-%s ends before it starts", ErrInvalidAvailability, i, r.Range[k], r.Range[k+1])
			}
		}
	}
	return nil
}

func (f SlotFinder) Windows(a CalendarAvailability, day time.Time) []Window {
	r, ok := a.rule(day.UTC().Weekday())
	if !ok {
		return nil
	}
	return f.ruleWindows(r, day)
}

func (f SlotFinder) ruleWindows(r AvailabilityRule, day time.Time) []Window {
	out := make([]Window, 0, (len(r.Range)+1)/2)
	for k := 0; k < len(r.Range); k += 2 {
		start := r.Range[k].On(day)
		if k+1 < len(r.Range) {
			out = append(out, Window{Start: start, End: r.Range[k+1].On(day)})
			continue
		}
		switch f.Policy {
		case AssumeThirtyMinutes:
			out = append(out, Window{Start: start, End: start.Add(slotLength)})
		case AssumeRestOfDay:
			out = append(out, Window{Start: start, End: restOfDay.On(day)})
		}
	}
	return out
}
