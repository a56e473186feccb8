package storage

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/iudanet/synceddb/internal/models"
)

//go:generate moq -out changelog_mock.go . ChangeLog

// ChangeLog defines the append-only log of accepted changes kept by the server
type ChangeLog interface {
	// SaveChange appends change and returns it as stored. The log assigns the
	// timestamp, which is strictly greater than every earlier one, and may
	// assign a new key to a create (see AssignKey).
	SaveChange(ctx context.Context, change *models.Change) (*models.Change, error)

	// GetChanges returns the changes of a store with a timestamp after since
	// (every change if since is nil) in ascending timestamp order.
	// Returns empty slice if no changes found
	GetChanges(ctx context.Context, storeName string, since *int64) ([]*models.Change, error)

	// ResetChanges drops every stored change
	ResetChanges(ctx context.Context) error

	// Close releases the backend
	Close() error
}

// Options are shared by all change log backends
type Options struct {
	// AssignKeys makes the log assign a fresh key to every create
	AssignKeys bool
}

// KeyTaken reports whether a live record exists under key
type KeyTaken func(ctx context.Context, storeName string, key models.Key) (bool, error)

// AssignKey gives a create a fresh key when it has none, when its key is
// taken by a live record or when the log always assigns keys.
// Other change types are left untouched.
func AssignKey(ctx context.Context, change *models.Change, opts Options, taken KeyTaken) error {
	if change.Type != models.ChangeCreate {
		return nil
	}

	if !opts.AssignKeys && !change.Key.IsZero() {
		busy, err := taken(ctx, change.StoreName, change.Key)
		if err != nil {
			return fmt.Errorf("failed to check key %s: %w", change.Key, err)
		}
		if !busy {
			return nil
		}
	}

	change.Key = models.StringKey(uuid.NewString())
	return nil
}

// CheckChange validates a change before it is stored
func CheckChange(change *models.Change) error {
	if change == nil {
		return fmt.Errorf("%w: nil change", ErrInvalidChange)
	}
	if change.StoreName == "" {
		return fmt.Errorf("%w: missing store name", ErrInvalidChange)
	}
	switch change.Type {
	case models.ChangeCreate:
	case models.ChangeUpdate, models.ChangeDelete:
		if change.Key.IsZero() {
			return fmt.Errorf("%w: %s without key", ErrInvalidChange, change.Type)
		}
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidChange, change.Type)
	}
	return nil
}
