package environment

import (
	"context"
	"time"
)

// Repository persists environment records. Implementations do not enforce
// owner isolation; the Service does.
type Repository interface {
	// Insert stores a new record.
	Insert(ctx context.Context, env *Environment) error

	// Get returns the record with the given ID or ErrNotFound.
	Get(ctx context.Context, id string) (*Environment, error)

	// UpdateStatus moves the record from one status to another, stamping
	// UpdatedAt. It returns ErrStatusConflict when no record with the ID is
	// currently in status from.
	UpdateStatus(ctx context.Context, id string, from, to Status, at time.Time) error

	// ListActiveByOwner returns the owner's active records, newest first.
	ListActiveByOwner(ctx context.Context, owner string) ([]*Environment, error)

	// ListActiveExpiredBefore returns active records whose expiration time is
	// at or before t, oldest expiry first.
	ListActiveExpiredBefore(ctx context.Context, t time.Time) ([]*Environment, error)

	// ListActive returns every active record.
	ListActive(ctx context.Context) ([]*Environment, error)
}
