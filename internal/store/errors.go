package store

import "errors"

var (
	ErrConflict            = errors.New("calendar event overlaps an existing event")
	ErrNotFound            = errors.New("calendar event not found")
	ErrIdempotencyConflict = errors.New("idempotency key reused for a different event")
)
