package postgres

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io/fs"
	"os"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"

	"schedula/availability/internal/domain"
	"schedula/availability/internal/store"
	"schedula/availability/migrations"
)

func TestPostgresIntegration_EventCreateListOverlapAndIdempotency(t *testing.T) {
	db := openTestDB(t)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	err := inTestSchema(ctx, t, db, func(ctx context.Context, tx bun.Tx) error {
		c := calendarTx{tx: tx}

		ownerID := "owner-1"
		start := time.Date(2026, 1, 5, 10, 0, 0, 0, time.UTC)
		end := start.Add(time.Hour)

		e1, err := c.CreateEvent(ctx, domain.Event{
			ID:                 uuid.MustParse("00000000-0000-0000-0000-000000000901"),
			OwnerID:            ownerID,
			Title:              "standup",
			StartTime:          start,
			EndTime:            end,
			BufferAfterMinutes: 15,
		})
		if err != nil {
			return err
		}

		rows, err := c.ListEvents(ctx, ownerID, start.Add(-time.Minute), end.Add(time.Minute))
		if err != nil {
			return err
		}
		if len(rows) != 1 {
			return fmt.Errorf("len(rows) = %d, want 1", len(rows))
		}
		if rows[0].ID != e1.ID || rows[0].BufferAfterMinutes != 15 {
			return fmt.Errorf("listed = %+v, want id %s with 15m after-buffer", rows[0], e1.ID)
		}

		err = withSavepoint(ctx, tx, func() error {
			_, err := c.CreateEvent(ctx, domain.Event{
				ID:        uuid.MustParse("00000000-0000-0000-0000-000000000902"),
				OwnerID:   ownerID,
				Title:     "overlapping",
				StartTime: start.Add(30 * time.Minute),
				EndTime:   end.Add(30 * time.Minute),
			})
			return err
		})
		if err != store.ErrConflict {
			return fmt.Errorf("overlap err = %v, want %v", err, store.ErrConflict)
		}

		e2, err := c.CreateEvent(ctx, domain.Event{
			OwnerID:   ownerID,
			Title:     "touching",
			StartTime: end,
			EndTime:   end.Add(time.Hour),
		})
		if err != nil {
			return err
		}
		if e2.ID == uuid.Nil {
			return fmt.Errorf("expected generated id")
		}

		again, err := c.CreateEvent(ctx, domain.Event{
			ID:                 e1.ID,
			OwnerID:            ownerID,
			Title:              "standup",
			StartTime:          start,
			EndTime:            end,
			BufferAfterMinutes: 15,
		})
		if err != nil {
			return err
		}
		if again.ID != e1.ID {
			return fmt.Errorf("idempotent id = %s, want %s", again.ID, e1.ID)
		}

		_, err = c.CreateEvent(ctx, domain.Event{
			ID:        e1.ID,
			OwnerID:   ownerID,
			Title:     "different",
			StartTime: start,
			EndTime:   end,
		})
		if err != store.ErrIdempotencyConflict {
			return fmt.Errorf("idempotency err = %v, want %v", err, store.ErrIdempotencyConflict)
		}

		if err := c.DeleteEvent(ctx, ownerID, e2.ID); err != nil {
			return err
		}
		if err := c.DeleteEvent(ctx, ownerID, e2.ID); err != store.ErrNotFound {
			return fmt.Errorf("second delete err = %v, want %v", err, store.ErrNotFound)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("tx error: %v", err)
	}
}

func TestPostgresIntegration_RulesReplace(t *testing.T) {
	db := openTestDB(t)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	err := inTestSchema(ctx, t, db, func(ctx context.Context, tx bun.Tx) error {
		c := calendarTx{tx: tx}
		ownerID := "owner-1"

		first := domain.WeeklyRules(ownerID, domain.CalendarAvailability{Include: []domain.AvailabilityRule{
			{Weekday: time.Monday, Range: []domain.TimeOfDay{{Hours: 9}, {Hours: 12}}},
			{Weekday: time.Tuesday, Range: []domain.TimeOfDay{{Hours: 14}, {Hours: 18}}},
		}})
		if err := c.InsertRules(ctx, first); err != nil {
			return err
		}

		second := domain.WeeklyRules(ownerID, domain.CalendarAvailability{Include: []domain.AvailabilityRule{
			{Weekday: time.Friday, Range: []domain.TimeOfDay{{Hours: 13}, {Hours: 17, Minutes: 30}}},
		}})
		if err := c.DeleteRules(ctx, ownerID); err != nil {
			return err
		}
		if err := c.InsertRules(ctx, second); err != nil {
			return err
		}

		rows, err := listRules(ctx, tx, ownerID)
		if err != nil {
			return err
		}
		a := domain.AvailabilityFromRules(rows)
		if len(a.Include) != 1 || a.Include[0].Weekday != time.Friday {
			return fmt.Errorf("availability = %+v, want friday only", a)
		}
		if got := a.Include[0].Range[1]; got != (domain.TimeOfDay{Hours: 17, Minutes: 30}) {
			return fmt.Errorf("end boundary = %v, want 17:30", got)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("tx error: %v", err)
	}
}

func listRules(ctx context.Context, db bun.IDB, ownerID string) ([]domain.WeeklyRule, error) {
	var rows []domain.WeeklyRule
	err := db.NewSelect().Model(&rows).Where("owner_id = ?", ownerID).Scan(ctx)
	return rows, err
}

func openTestDB(t *testing.T) *bun.DB {
	t.Helper()
	databaseURL := strings.TrimSpace(os.Getenv("SCHEDULA_TEST_DATABASE_URL"))
	if databaseURL == "" {
		t.Skip("SCHEDULA_TEST_DATABASE_URL not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	db, err := Open(ctx, databaseURL, PoolConfig{MaxOpenConns: 1})
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	t.Cleanup(func() {
		_ = Close(db)
	})
	return db
}

// inTestSchema runs fn in a transaction scoped to a fresh schema with migrations
// applied. The schema is dropped on cleanup.
func inTestSchema(ctx context.Context, t *testing.T, db *bun.DB, fn func(ctx context.Context, tx bun.Tx) error) error {
	t.Helper()
	schema := "schedula_test_" + randomHex(t, 8)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_, _ = db.NewRaw("DROP SCHEMA IF EXISTS " + schema + " CASCADE").Exec(ctx)
	})

	return db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if _, err := tx.NewRaw("CREATE SCHEMA " + schema).Exec(ctx); err != nil {
			return err
		}
		if _, err := tx.NewRaw("SET LOCAL search_path TO " + schema + ", public").Exec(ctx); err != nil {
			return err
		}
		if err := applyMigrations(ctx, tx); err != nil {
			return err
		}
		return fn(ctx, tx)
	})
}

// withSavepoint isolates an expected failure so the surrounding transaction stays usable.
func withSavepoint(ctx context.Context, tx bun.Tx, fn func() error) error {
	if _, err := tx.NewRaw("SAVEPOINT expected_failure").Exec(ctx); err != nil {
		return err
	}
	ferr := fn()
	if ferr != nil {
		if _, err := tx.NewRaw("ROLLBACK TO SAVEPOINT expected_failure").Exec(ctx); err != nil {
			return err
		}
		return ferr
	}
	_, err := tx.NewRaw("RELEASE SAVEPOINT expected_failure").Exec(ctx)
	return err
}

func randomHex(t *testing.T, bytesLen int) string {
	t.Helper()
	b := make([]byte, bytesLen)
	if _, err := rand.Read(b); err != nil {
		t.Fatalf("rand.Read error: %v", err)
	}
	return hex.EncodeToString(b)
}

// applyMigrations runs the Up section of every embedded migration in name order.
func applyMigrations(ctx context.Context, tx bun.Tx) error {
	names, err := fs.Glob(migrations.FS, "*.sql")
	if err != nil {
		return err
	}
	slices.Sort(names)

	for _, name := range names {
		b, err := migrations.FS.ReadFile(name)
		if err != nil {
			return err
		}
		stmts, err := gooseUpStatements(string(b))
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		for _, stmt := range stmts {
			if _, err := tx.NewRaw(pinExtensionSchema(stmt)).Exec(ctx); err != nil {
				return fmt.Errorf("%s: %w", name, err)
			}
		}
	}
	return nil
}

// gooseUpStatements returns the statements between the Up and Down markers.
func gooseUpStatements(sql string) ([]string, error) {
	_, up, ok := strings.Cut(sql, "-- +goose Up")
	if !ok {
		return nil, fmt.Errorf("missing goose up marker")
	}
	up, _, _ = strings.Cut(up, "-- +goose Down")

	var stmts []string
	for _, part := range strings.Split(up, ";") {
		if stmt := strings.TrimSpace(part); stmt != "" {
			stmts = append(stmts, stmt)
		}
	}
	return stmts, nil
}

// pinExtensionSchema installs extensions into public so they outlive the dropped test schema.
func pinExtensionSchema(stmt string) string {
	upper := strings.ToUpper(stmt)
	if strings.HasPrefix(upper, "CREATE EXTENSION") && !strings.Contains(upper, " SCHEMA ") {
		return stmt + " SCHEMA public"
	}
	return stmt
}
