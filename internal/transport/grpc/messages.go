package grpc

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"schedula/availability/internal/domain"
)

var errNilRequest = errors.New("request is required")

type checkSlotRequest struct {
	OwnerID   string `json:"owner_id"`
	Start     string `json:"start"`
	DurationM int    `json:"duration_m"`
}

type rangeRequest struct {
	OwnerID    string   `json:"owner_id"`
	OwnerIDs   []string `json:"owner_ids"`
	RangeStart string   `json:"range_start"`
	RangeEnd   string   `json:"range_end"`
}

type setAvailabilityRequest struct {
	OwnerID      string                       `json:"owner_id"`
	Availability *domain.CalendarAvailability `json:"availability"`
}

type ownerRequest struct {
	OwnerID string `json:"owner_id"`
}

type createEventRequest struct {
	OwnerID             string `json:"owner_id"`
	Title               string `json:"title"`
	StartTime           string `json:"start_time"`
	EndTime             string `json:"end_time"`
	BufferBeforeMinutes int    `json:"buffer_before_minutes"`
	BufferAfterMinutes  int    `json:"buffer_after_minutes"`
}

type listEventsRequest struct {
	OwnerID     string `json:"owner_id"`
	WindowStart string `json:"window_start"`
	WindowEnd   string `json:"window_end"`
}

type deleteEventRequest struct {
	OwnerID string `json:"owner_id"`
	EventID string `json:"event_id"`
}

type slotMessage struct {
	Start     string `json:"start"`
	End       string `json:"end"`
	DurationM int    `json:"duration_m"`
}

type eventMessage struct {
	ID                  string `json:"id"`
	OwnerID             string `json:"owner_id"`
	Title               string `json:"title"`
	StartTime           string `json:"start_time"`
	EndTime             string `json:"end_time"`
	BufferBeforeMinutes int    `json:"buffer_before_minutes"`
	BufferAfterMinutes  int    `json:"buffer_after_minutes"`
	CreatedAt           string `json:"created_at,omitempty"`
	UpdatedAt           string `json:"updated_at,omitempty"`
}

func decodeRequest(req *structpb.Struct, dst any) error {
	if req == nil {
		return errNilRequest
	}
	b, err := protojson.Marshal(req)
	if err != nil {
		return fmt.Errorf("malformed request: %w", err)
	}
	if err := json.Unmarshal(b, dst); err != nil {
		return fmt.Errorf("malformed request: %w", err)
	}
	return nil
}

func encodeResponse(v any) (*structpb.Struct, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	out := &structpb.Struct{}
	if err := protojson.Unmarshal(b, out); err != nil {
		return nil, err
	}
	return out, nil
}

func parseTime(field, value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, fmt.Errorf("%s is required", field)
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("%s must be an RFC3339 timestamp", field)
	}
	return t.UTC(), nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func toSlotMessages(slots []domain.CalendarSlot) []slotMessage {
	out := make([]slotMessage, 0, len(slots))
	for _, s := range slots {
		out = append(out, slotMessage{
			Start:     formatTime(s.Start),
			End:       formatTime(s.End()),
			DurationM: s.DurationM,
		})
	}
	return out
}

func toEventMessage(e domain.Event) eventMessage {
	return eventMessage{
		ID:                  e.ID.String(),
		OwnerID:             e.OwnerID,
		Title:               e.Title,
		StartTime:           formatTime(e.StartTime),
		EndTime:             formatTime(e.EndTime),
		BufferBeforeMinutes: e.BufferBeforeMinutes,
		BufferAfterMinutes:  e.BufferAfterMinutes,
		CreatedAt:           formatTime(e.CreatedAt),
		UpdatedAt:           formatTime(e.UpdatedAt),
	}
}
