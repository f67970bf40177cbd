package slots

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"schedula/availability/internal/domain"
	"schedula/availability/internal/store"
	slotcache "schedula/availability/internal/store/redis"
)

const (
	DefaultMaxRange  = 31 * 24 * time.Hour
	DefaultMaxOwners = 16

	maxEventDuration = 24 * time.Hour
	maxBufferMinutes = 24 * 60
	ownerLoadLimit   = 8
)

type ValidationError struct {
	msg string
	err error
}

func (e *ValidationError) Error() string {
	return e.msg
}

func (e *ValidationError) Unwrap() error {
	return e.err
}

func validationError(msg string) error {
	return &ValidationError{msg: msg}
}

func invalidInput(err error) error {
	switch {
	case errors.Is(err, domain.ErrInvalidSlot),
		errors.Is(err, domain.ErrInvalidRange),
		errors.Is(err, domain.ErrInvalidAvailability),
		errors.Is(err, domain.ErrInvalidEvent):
		return &ValidationError{msg: err.Error(), err: err}
	default:
		return err
	}
}

type SlotCache interface {
	Generations(ctx context.Context, ownerIDs []string) (map[string]int64, error)
	Get(ctx context.Context, q slotcache.SlotQuery) ([]domain.CalendarSlot, bool, error)
	Put(ctx context.Context, q slotcache.SlotQuery, slots []domain.CalendarSlot) error
	InvalidateOwner(ctx context.Context, ownerID string) error
}

type Options struct {
	Policy    domain.TrailingBoundaryPolicy
	MaxRange  time.Duration
	MaxOwners int
	Cache     SlotCache
	Logger    *slog.Logger
}

type Service struct {
	repo      store.CalendarRepository
	finder    domain.SlotFinder
	maxRange  time.Duration
	maxOwners int
	cache     SlotCache
	log       *slog.Logger
}

func NewService(repo store.CalendarRepository, opts Options) *Service {
	s := &Service{
		repo:      repo,
		finder:    domain.SlotFinder{Policy: opts.Policy},
		maxRange:  opts.MaxRange,
		maxOwners: opts.MaxOwners,
		cache:     opts.Cache,
		log:       opts.Logger,
	}
	if s.maxRange <= 0 {
		s.maxRange = DefaultMaxRange
	}
	if s.maxOwners <= 0 {
		s.maxOwners = DefaultMaxOwners
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	return s
}

func (s *Service) SetAvailability(ctx context.Context, ownerID string, a domain.CalendarAvailability) error {
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return validationError("owner_id is required")
	}
	if err := s.finder.Validate(a); err != nil {
		return invalidInput(err)
	}
	if err := s.repo.ReplaceAvailability(ctx, ownerID, domain.WeeklyRules(ownerID, a)); err != nil {
		return err
	}
	s.invalidate(ctx, ownerID)
	return nil
}

func (s *Service) GetAvailability(ctx context.Context, ownerID string) (domain.CalendarAvailability, error) {
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return domain.CalendarAvailability{}, validationError("owner_id is required")
	}
	rows, err := s.repo.ListRules(ctx, ownerID)
	if err != nil {
		return domain.CalendarAvailability{}, err
	}
	return domain.AvailabilityFromRules(rows), nil
}

type CreateEventInput struct {
	OwnerID             string
	Title               string
	StartTime           time.Time
	EndTime             time.Time
	BufferBeforeMinutes int
	BufferAfterMinutes  int
	IdempotencyKey      string
}

func (s *Service) CreateEvent(ctx context.Context, in CreateEventInput) (domain.Event, error) {
	ownerID := strings.TrimSpace(in.OwnerID)
	if ownerID == "" {
		return domain.Event{}, validationError("owner_id is required")
	}
	title := strings.TrimSpace(in.Title)
	if title == "" {
		return domain.Event{}, validationError("title is required")
	}

	start := in.StartTime.UTC()
	end := in.EndTime.UTC()
	if !end.After(start) {
		return domain.Event{}, validationError("end_time must be after start_time")
	}
	if end.Sub(start) > maxEventDuration {
		return domain.Event{}, validationError("duration too long")
	}
	if in.BufferBeforeMinutes < 0 || in.BufferBeforeMinutes > maxBufferMinutes ||
		in.BufferAfterMinutes < 0 || in.BufferAfterMinutes > maxBufferMinutes {
		return domain.Event{}, validationError("buffers must be between 0 and 1440 minutes")
	}

	ev := domain.Event{
		OwnerID:             ownerID,
		Title:               title,
		StartTime:           start,
		EndTime:             end,
		BufferBeforeMinutes: in.BufferBeforeMinutes,
		BufferAfterMinutes:  in.BufferAfterMinutes,
	}

	key := strings.TrimSpace(in.IdempotencyKey)
	if key != "" {
		if len(key) > 256 {
			return domain.Event{}, validationError("idempotency_key too long")
		}
		ev.ID = EventIDForKey(ownerID, key)
	}

	out, err := s.repo.CreateEvent(ctx, ev)
	if err != nil {
		return domain.Event{}, err
	}
	s.invalidate(ctx, ownerID)
	return out, nil
}

// EventIDForKey derives the stored id of an event created with an idempotency key, so
// retries and later cancellations resolve to the same row.
func EventIDForKey(ownerID, key string) uuid.UUID {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte("schedula:create_event:"+ownerID+":"+key))
}

func (s *Service) ListEvents(ctx context.Context, ownerID string, windowStart, windowEnd time.Time) ([]domain.Event, error) {
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return nil, validationError("owner_id is required")
	}

	start := windowStart.UTC()
	end := windowEnd.UTC()
	if !end.After(start) {
		return nil, validationError("window_end must be after window_start")
	}

	return s.repo.ListEvents(ctx, ownerID, start, end)
}

func (s *Service) DeleteEvent(ctx context.Context, ownerID string, eventID uuid.UUID) error {
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return validationError("owner_id is required")
	}
	if eventID == uuid.Nil {
		return validationError("event_id is required")
	}
	if err := s.repo.DeleteEvent(ctx, ownerID, eventID); err != nil {
		return err
	}
	s.invalidate(ctx, ownerID)
	return nil
}

func (s *Service) CheckSlot(ctx context.Context, ownerID string, start time.Time, durationM int) (bool, error) {
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return false, validationError("owner_id is required")
	}
	slot := domain.CalendarSlot{Start: start.UTC(), DurationM: durationM}
	if durationM <= 0 {
		return false, invalidInput(fmt.Errorf("%w: duration %d minutes", domain.ErrInvalidSlot, durationM))
	}
	if time.Duration(durationM)*time.Minute > s.maxRange {
		return false, validationError("duration exceeds maximum range")
	}

	owner, err := s.loadOwner(ctx, ownerID, slot.Start, slot.End())
	if err != nil {
		return false, err
	}
	ok, err := s.finder.IsAvailable(owner.Availability, owner.Events, slot)
	if err != nil {
		return false, invalidInput(err)
	}
	return ok, nil
}

func (s *Service) ListSlots(ctx context.Context, ownerID string, rangeStart, rangeEnd time.Time) ([]domain.CalendarSlot, error) {
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return nil, validationError("owner_id is required")
	}
	rs, re, err := s.queryRange(rangeStart, rangeEnd)
	if err != nil {
		return nil, err
	}

	q := slotcache.SlotQuery{Op: "owner", Policy: s.finder.Policy, OwnerIDs: []string{ownerID}, RangeStart: rs, RangeEnd: re}
	q, cached, ok := s.cached(ctx, q)
	if ok {
		return cached, nil
	}

	owner, err := s.loadOwner(ctx, ownerID, rs, re)
	if err != nil {
		return nil, err
	}
	out, err := s.finder.ListSlots(owner.Availability, owner.Events, rs, re)
	if err != nil {
		return nil, invalidInput(err)
	}
	s.remember(ctx, q, out)
	return out, nil
}

func (s *Service) ListCommonSlots(ctx context.Context, ownerIDs []string, rangeStart, rangeEnd time.Time) ([]domain.CalendarSlot, error) {
	ids := dedupeOwners(ownerIDs)
	if len(ids) == 0 {
		return nil, validationError("at least one owner_id is required")
	}
	if len(ids) > s.maxOwners {
		return nil, validationError(fmt.Sprintf("at most %d owners per query", s.maxOwners))
	}
	rs, re, err := s.queryRange(rangeStart, rangeEnd)
	if err != nil {
		return nil, err
	}

	q := slotcache.SlotQuery{Op: "common", Policy: s.finder.Policy, OwnerIDs: ids, RangeStart: rs, RangeEnd: re}
	q, cached, ok := s.cached(ctx, q)
	if ok {
		return cached, nil
	}

	owners := make([]domain.OwnerQuery, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(ownerLoadLimit)
	for i, id := range ids {
		g.Go(func() error {
			o, err := s.loadOwner(gctx, id, rs, re)
			if err != nil {
				return fmt.Errorf("load owner %q: %w", id, err)
			}
			owners[i] = o
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out, err := s.finder.ListCommonSlots(owners, rs, re)
	if err != nil {
		return nil, invalidInput(err)
	}
	s.remember(ctx, q, out)
	return out, nil
}

func (s *Service) queryRange(rangeStart, rangeEnd time.Time) (time.Time, time.Time, error) {
	rs, re := rangeStart.UTC(), rangeEnd.UTC()
	if rs.IsZero() || re.IsZero() {
		return rs, re, validationError("range_start and range_end are required")
	}
	if rs.After(re) {
		return rs, re, invalidInput(fmt.Errorf("%w: start %s after end %s", domain.ErrInvalidRange,
			rs.Format(time.RFC3339), re.Format(time.RFC3339)))
	}
	if re.Sub(rs) > s.maxRange {
		return rs, re, validationError(fmt.Sprintf("range longer than %s", s.maxRange))
	}
	return rs, re, nil
}

func (s *Service) loadOwner(ctx context.Context, ownerID string, start, end time.Time) (domain.OwnerQuery, error) {
	rules, err := s.repo.ListRules(ctx, ownerID)
	if err != nil {
		return domain.OwnerQuery{}, err
	}
	events, err := s.repo.ListEvents(ctx, ownerID, start.Add(-store.EventLookaround), end.Add(store.EventLookaround))
	if err != nil {
		return domain.OwnerQuery{}, err
	}
	return domain.OwnerQuery{
		Availability: domain.AvailabilityFromRules(rules),
		Events:       domain.CalendarEvents(events),
	}, nil
}

// cached stamps q with the owners' current generations before anything is read from
// the store, then looks it up. A write that lands after the stamp bumps a generation,
// so a listing computed from older data is stored under a key no later read uses.
// When the stamp fails q is returned without generations and is not stored.
func (s *Service) cached(ctx context.Context, q slotcache.SlotQuery) (slotcache.SlotQuery, []domain.CalendarSlot, bool) {
	if s.cache == nil {
		return q, nil, false
	}
	gens, err := s.cache.Generations(ctx, q.OwnerIDs)
	if err != nil {
		s.log.WarnContext(ctx, "slot cache generation read failed", "op", q.Op, "error", err)
		return q, nil, false
	}
	q.Generations = gens
	out, ok, err := s.cache.Get(ctx, q)
	if err != nil {
		s.log.WarnContext(ctx, "slot cache read failed", "op", q.Op, "error", err)
		return q, nil, false
	}
	return q, out, ok
}

func (s *Service) remember(ctx context.Context, q slotcache.SlotQuery, out []domain.CalendarSlot) {
	if s.cache == nil || q.Generations == nil {
		return
	}
	if err := s.cache.Put(ctx, q, out); err != nil {
		s.log.WarnContext(ctx, "slot cache write failed", "op", q.Op, "error", err)
	}
}

func (s *Service) invalidate(ctx context.Context, ownerID string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.InvalidateOwner(ctx, ownerID); err != nil {
		s.log.WarnContext(ctx, "slot cache invalidation failed", "owner_id", ownerID, "error", err)
	}
}

func dedupeOwners(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
