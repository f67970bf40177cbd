package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/uptrace/bun"

	"schedula/availability/internal/domain"
	"schedula/availability/internal/store"
)

const (
	pgExclusionViolation = "23P01"

	eventsNoOverlap = "calendar_events_no_overlap"
)

type CalendarRepo struct {
	db *bun.DB
}

func NewCalendarRepo(db *bun.DB) *CalendarRepo {
	return &CalendarRepo{db: db}
}

type calendarTx struct {
	tx bun.Tx
}

func (r *CalendarRepo) ReplaceAvailability(ctx context.Context, ownerID string, rules []domain.WeeklyRule) error {
	return r.InOwnerTransaction(ctx, ownerID, func(ctx context.Context, tx store.CalendarTx) error {
		if err := tx.DeleteRules(ctx, ownerID); err != nil {
			return err
		}
		return tx.InsertRules(ctx, rules)
	})
}

func (r *CalendarRepo) ListRules(ctx context.Context, ownerID string) ([]domain.WeeklyRule, error) {
	var rows []domain.WeeklyRule
	err := r.db.NewSelect().
		Model(&rows).
		Where("owner_id = ?", ownerID).
		OrderExpr("weekday ASC").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *CalendarRepo) CreateEvent(ctx context.Context, ev domain.Event) (domain.Event, error) {
	var out domain.Event
	err := r.InOwnerTransaction(ctx, ev.OwnerID, func(ctx context.Context, tx store.CalendarTx) error {
		e, err := tx.CreateEvent(ctx, ev)
		if err != nil {
			return err
		}
		out = e
		return nil
	})
	if err != nil {
		return domain.Event{}, err
	}
	return out, nil
}

func (r *CalendarRepo) ListEvents(ctx context.Context, ownerID string, windowStart, windowEnd time.Time) ([]domain.Event, error) {
	return listEvents(ctx, r.db, ownerID, windowStart, windowEnd)
}

func (r *CalendarRepo) DeleteEvent(ctx context.Context, ownerID string, eventID uuid.UUID) error {
	return r.InOwnerTransaction(ctx, ownerID, func(ctx context.Context, tx store.CalendarTx) error {
		return tx.DeleteEvent(ctx, ownerID, eventID)
	})
}

// InOwnerTransaction runs fn in a transaction that holds the owner's advisory lock, so
// concurrent writes to one calendar serialize.
func (r *CalendarRepo) InOwnerTransaction(ctx context.Context, ownerID string, fn func(ctx context.Context, tx store.CalendarTx) error) error {
	return r.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if err := lockOwnerCalendar(ctx, tx, ownerID); err != nil {
			return err
		}
		return fn(ctx, calendarTx{tx: tx})
	})
}

func lockOwnerCalendar(ctx context.Context, tx bun.Tx, ownerID string) error {
	_, err := tx.NewRaw("SELECT pg_advisory_xact_lock(hashtext(?))", ownerID).Exec(ctx)
	return err
}

func listEvents(ctx context.Context, db bun.IDB, ownerID string, windowStart, windowEnd time.Time) ([]domain.Event, error) {
	var rows []domain.Event
	err := db.NewSelect().
		Model(&rows).
		Where("owner_id = ?", ownerID).
		Where("start_time < ?", windowEnd).
		Where("end_time > ?", windowStart).
		OrderExpr("start_time ASC").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (r calendarTx) DeleteRules(ctx context.Context, ownerID string) error {
	_, err := r.tx.NewDelete().
		Model((*domain.WeeklyRule)(nil)).
		Where("owner_id = ?", ownerID).
		Exec(ctx)
	return err
}

func (r calendarTx) InsertRules(ctx context.Context, rules []domain.WeeklyRule) error {
	if len(rules) == 0 {
		return nil
	}
	_, err := r.tx.NewInsert().Model(&rules).Exec(ctx)
	return err
}

func (r calendarTx) CreateEvent(ctx context.Context, ev domain.Event) (domain.Event, error) {
	m := domain.Event{
		ID:                  ev.ID,
		OwnerID:             ev.OwnerID,
		Title:               ev.Title,
		StartTime:           ev.StartTime,
		EndTime:             ev.EndTime,
		BufferBeforeMinutes: ev.BufferBeforeMinutes,
		BufferAfterMinutes:  ev.BufferAfterMinutes,
		CreatedAt:           ev.CreatedAt,
		UpdatedAt:           ev.UpdatedAt,
	}

	// A retried idempotent create reuses the id; ON CONFLICT keeps the transaction usable
	// so the existing row can be compared.
	res, err := r.tx.NewInsert().
		Model(&m).
		On("CONFLICT (id) DO NOTHING").
		Exec(ctx)
	if err != nil {
		return domain.Event{}, insertEventError(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return domain.Event{}, err
	}
	if affected > 0 {
		return m, nil
	}

	var existing domain.Event
	err = r.tx.NewSelect().
		Model(&existing).
		Where("id = ?", m.ID).
		Limit(1).
		Scan(ctx)
	if err != nil {
		return domain.Event{}, err
	}
	if !existing.SameBooking(ev) {
		return domain.Event{}, store.ErrIdempotencyConflict
	}
	return existing, nil
}

func insertEventError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgExclusionViolation && pgErr.ConstraintName == eventsNoOverlap {
		return store.ErrConflict
	}
	return err
}

func (r calendarTx) ListEvents(ctx context.Context, ownerID string, windowStart, windowEnd time.Time) ([]domain.Event, error) {
	return listEvents(ctx, r.tx, ownerID, windowStart, windowEnd)
}

func (r calendarTx) DeleteEvent(ctx context.Context, ownerID string, eventID uuid.UUID) error {
	res, err := r.tx.NewDelete().
		Model((*domain.Event)(nil)).
		Where("owner_id = ?", ownerID).
		Where("id = ?", eventID).
		Exec(ctx)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}
