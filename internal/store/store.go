package store

import (
	"context"
	"errors"

	"github.com/darmiel/cirrus/internal/core"
)

// SchemaVersion is the version of the persisted layout.
const SchemaVersion = 1

var ErrClosed = errors.New("store is closed")

// UpdateFunc receives the current record (nil when absent) and returns the
// record to persist. Returning nil removes the record. Returning an error
// aborts the update without writing.
//
// The function may be called more than once if the underlying transaction is
// retried, so it must not have side effects outside the returned record.
type UpdateFunc func(old *core.IdentityRecord) (*core.IdentityRecord, error)

// Store persists one IdentityRecord per app key.
type Store interface {
	// Get returns the record for key, or nil if there is none.
	Get(ctx context.Context, key string) (*core.IdentityRecord, error)

	Set(ctx context.Context, key string, rec *core.IdentityRecord) error

	Remove(ctx context.Context, key string) error

	// Update atomically reads the record for key, applies fn and writes the
	// result. It returns the record as written (nil if removed).
	Update(ctx context.Context, key string, fn UpdateFunc) (*core.IdentityRecord, error)

	// Clear removes all records.
	Clear(ctx context.Context) error

	Close() error
}
