package grpc

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"schedula/availability/internal/domain"
	"schedula/availability/internal/service/slots"
	"schedula/availability/internal/store"
)

type AvailabilityServer struct {
	svc availabilityService
	log *slog.Logger
}

var _ AvailabilityServiceServer = (*AvailabilityServer)(nil)

type availabilityService interface {
	CheckSlot(ctx context.Context, ownerID string, start time.Time, durationM int) (bool, error)
	ListSlots(ctx context.Context, ownerID string, rangeStart, rangeEnd time.Time) ([]domain.CalendarSlot, error)
	ListCommonSlots(ctx context.Context, ownerIDs []string, rangeStart, rangeEnd time.Time) ([]domain.CalendarSlot, error)
	SetAvailability(ctx context.Context, ownerID string, a domain.CalendarAvailability) error
	GetAvailability(ctx context.Context, ownerID string) (domain.CalendarAvailability, error)
	CreateEvent(ctx context.Context, in slots.CreateEventInput) (domain.Event, error)
	ListEvents(ctx context.Context, ownerID string, windowStart, windowEnd time.Time) ([]domain.Event, error)
	DeleteEvent(ctx context.Context, ownerID string, eventID uuid.UUID) error
}

func NewAvailabilityServer(svc availabilityService, log *slog.Logger) *AvailabilityServer {
	if log == nil {
		log = slog.Default()
	}
	return &AvailabilityServer{
		svc: svc,
		log: log.With(slog.String("component", "grpc.availability")),
	}
}

func (s *AvailabilityServer) CheckSlot(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	log := s.log.With(slog.String("rpc", "CheckSlot"))

	var in checkSlotRequest
	if err := decodeRequest(req, &in); err != nil {
		return nil, invalidArgument(log, "decode", err)
	}
	start, err := parseTime("start", in.Start)
	if err != nil {
		return nil, invalidArgument(log, "bad_time", err, slog.String("owner_id", in.OwnerID))
	}

	ok, err := s.svc.CheckSlot(ctx, in.OwnerID, start, in.DurationM)
	if err != nil {
		return nil, s.statusError(log, "slot check", err, slog.String("owner_id", in.OwnerID))
	}

	log.Debug("slot checked",
		slog.String("owner_id", in.OwnerID),
		slog.Time("start", start),
		slog.Int("duration_m", in.DurationM),
		slog.Bool("available", ok),
	)
	return encodeResponse(map[string]any{"available": ok})
}

func (s *AvailabilityServer) ListSlots(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	log := s.log.With(slog.String("rpc", "ListSlots"))

	var in rangeRequest
	if err := decodeRequest(req, &in); err != nil {
		return nil, invalidArgument(log, "decode", err)
	}
	rs, re, err := parseRange(in)
	if err != nil {
		return nil, invalidArgument(log, "bad_range", err, slog.String("owner_id", in.OwnerID))
	}

	out, err := s.svc.ListSlots(ctx, in.OwnerID, rs, re)
	if err != nil {
		return nil, s.statusError(log, "slots list", err, slog.String("owner_id", in.OwnerID))
	}

	log.Debug("slots listed",
		slog.String("owner_id", in.OwnerID),
		slog.Int("count", len(out)),
		slog.Time("range_start", rs),
		slog.Time("range_end", re),
	)
	return encodeResponse(map[string]any{"slots": toSlotMessages(out)})
}

func (s *AvailabilityServer) ListCommonSlots(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	log := s.log.With(slog.String("rpc", "ListCommonSlots"))

	var in rangeRequest
	if err := decodeRequest(req, &in); err != nil {
		return nil, invalidArgument(log, "decode", err)
	}
	rs, re, err := parseRange(in)
	if err != nil {
		return nil, invalidArgument(log, "bad_range", err, slog.Int("owners", len(in.OwnerIDs)))
	}

	out, err := s.svc.ListCommonSlots(ctx, in.OwnerIDs, rs, re)
	if err != nil {
		return nil, s.statusError(log, "common slots list", err, slog.Int("owners", len(in.OwnerIDs)))
	}

	log.Debug("common slots listed",
		slog.Int("owners", len(in.OwnerIDs)),
		slog.Int("count", len(out)),
		slog.Time("range_start", rs),
		slog.Time("range_end", re),
	)
	return encodeResponse(map[string]any{"slots": toSlotMessages(out)})
}

func (s *AvailabilityServer) SetAvailability(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	log := s.log.With(slog.String("rpc", "SetAvailability"))

	var in setAvailabilityRequest
	if err := decodeRequest(req, &in); err != nil {
		return nil, invalidArgument(log, "decode", err)
	}
	if in.Availability == nil {
		return nil, invalidArgument(log, "missing_availability", errors.New("availability is required"), slog.String("owner_id", in.OwnerID))
	}

	if err := s.svc.SetAvailability(ctx, in.OwnerID, *in.Availability); err != nil {
		return nil, s.statusError(log, "availability update", err, slog.String("owner_id", in.OwnerID))
	}

	log.Info("availability updated", slog.String("owner_id", in.OwnerID), slog.Int("rules", len(in.Availability.Include)))
	return &structpb.Struct{}, nil
}

func (s *AvailabilityServer) GetAvailability(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	log := s.log.With(slog.String("rpc", "GetAvailability"))

	var in ownerRequest
	if err := decodeRequest(req, &in); err != nil {
		return nil, invalidArgument(log, "decode", err)
	}

	a, err := s.svc.GetAvailability(ctx, in.OwnerID)
	if err != nil {
		return nil, s.statusError(log, "availability read", err, slog.String("owner_id", in.OwnerID))
	}
	if a.Include == nil {
		a.Include = []domain.AvailabilityRule{}
	}
	return encodeResponse(map[string]any{"availability": a})
}

func (s *AvailabilityServer) CreateEvent(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	log := s.log.With(slog.String("rpc", "CreateEvent"))

	var in createEventRequest
	if err := decodeRequest(req, &in); err != nil {
		return nil, invalidArgument(log, "decode", err)
	}
	start, err := parseTime("start_time", in.StartTime)
	if err != nil {
		return nil, invalidArgument(log, "missing_times", err, slog.String("owner_id", in.OwnerID))
	}
	end, err := parseTime("end_time", in.EndTime)
	if err != nil {
		return nil, invalidArgument(log, "missing_times", err, slog.String("owner_id", in.OwnerID))
	}

	ev, err := s.svc.CreateEvent(ctx, slots.CreateEventInput{
		OwnerID:             in.OwnerID,
		Title:               in.Title,
		StartTime:           start,
		EndTime:             end,
		BufferBeforeMinutes: in.BufferBeforeMinutes,
		BufferAfterMinutes:  in.BufferAfterMinutes,
		IdempotencyKey:      idempotencyKey(ctx),
	})
	if err != nil {
		return nil, s.statusError(log, "event create", err,
			slog.String("owner_id", in.OwnerID),
			slog.Time("start_time", start),
			slog.Time("end_time", end),
		)
	}

	log.Info("event created",
		slog.String("event_id", ev.ID.String()),
		slog.String("owner_id", ev.OwnerID),
		slog.Time("start_time", ev.StartTime),
		slog.Time("end_time", ev.EndTime),
	)
	return encodeResponse(map[string]any{"event": toEventMessage(ev)})
}

func (s *AvailabilityServer) ListEvents(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	log := s.log.With(slog.String("rpc", "ListEvents"))

	var in listEventsRequest
	if err := decodeRequest(req, &in); err != nil {
		return nil, invalidArgument(log, "decode", err)
	}
	ws, err := parseTime("window_start", in.WindowStart)
	if err != nil {
		return nil, invalidArgument(log, "missing_window", err, slog.String("owner_id", in.OwnerID))
	}
	we, err := parseTime("window_end", in.WindowEnd)
	if err != nil {
		return nil, invalidArgument(log, "missing_window", err, slog.String("owner_id", in.OwnerID))
	}

	events, err := s.svc.ListEvents(ctx, in.OwnerID, ws, we)
	if err != nil {
		return nil, s.statusError(log, "events list", err, slog.String("owner_id", in.OwnerID))
	}

	out := make([]eventMessage, 0, len(events))
	for _, e := range events {
		out = append(out, toEventMessage(e))
	}
	log.Debug("events listed", slog.String("owner_id", in.OwnerID), slog.Int("count", len(out)))
	return encodeResponse(map[string]any{"events": out})
}

func (s *AvailabilityServer) DeleteEvent(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	log := s.log.With(slog.String("rpc", "DeleteEvent"))

	var in deleteEventRequest
	if err := decodeRequest(req, &in); err != nil {
		return nil, invalidArgument(log, "decode", err)
	}
	id, err := uuid.Parse(in.EventID)
	if err != nil {
		return nil, invalidArgument(log, "invalid_uuid", errors.New("event_id must be a UUID"), slog.String("owner_id", in.OwnerID))
	}

	if err := s.svc.DeleteEvent(ctx, in.OwnerID, id); err != nil {
		return nil, s.statusError(log, "event delete", err, slog.String("event_id", id.String()), slog.String("owner_id", in.OwnerID))
	}

	log.Info("event deleted", slog.String("event_id", id.String()), slog.String("owner_id", in.OwnerID))
	return &structpb.Struct{}, nil
}

func parseRange(in rangeRequest) (time.Time, time.Time, error) {
	rs, err := parseTime("range_start", in.RangeStart)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	re, err := parseTime("range_end", in.RangeEnd)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	return rs, re, nil
}

func invalidArgument(log *slog.Logger, reason string, err error, attrs ...any) error {
	args := append([]any{slog.String("reason", reason), slog.Any("err", err)}, attrs...)
	log.Warn("invalid request", args...)
	return status.Error(codes.InvalidArgument, err.Error())
}

func (s *AvailabilityServer) statusError(log *slog.Logger, op string, err error, attrs ...any) error {
	args := append([]any{slog.Any("err", err)}, attrs...)

	var vErr *slots.ValidationError
	switch {
	case errors.As(err, &vErr):
		log.Warn("invalid request", args...)
		return status.Error(codes.InvalidArgument, vErr.Error())
	case errors.Is(err, store.ErrConflict):
		log.Info(op+" conflict", args...)
		return status.Error(codes.FailedPrecondition, "That time overlaps an existing event. Pick a different slot.")
	case errors.Is(err, store.ErrIdempotencyConflict):
		log.Info(op+" idempotency conflict", args...)
		return status.Error(codes.FailedPrecondition, "This request key was already used for a different event. Try again.")
	case errors.Is(err, store.ErrNotFound):
		log.Info(op+" not found", args...)
		return status.Error(codes.NotFound, "event not found")
	case errors.Is(err, context.DeadlineExceeded):
		log.Warn(op+" timed out", args...)
		return status.Error(codes.DeadlineExceeded, "request timed out")
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, "request canceled")
	}
	log.Error(op+" failed", args...)
	return status.Error(codes.Internal, "internal error")
}

func idempotencyKey(ctx context.Context) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	values := md.Get("idempotency-key")
	if len(values) == 0 {
		values = md.Get("x-idempotency-key")
	}
	if len(values) == 0 {
		return ""
	}
	return strings.TrimSpace(values[0])
}
