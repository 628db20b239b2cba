// Package directory holds the cross-process presence hints: which user is
// online and the handle of the socket they hold on some process.
//
// Entries are hints, not truth. The relays still verify locality against the
// per-process registry before delivering anything.
package directory

import (
	"context"
	"errors"
	"time"

	"github.com/Tyrowin/gochat-relay/internal/registry"
)

// ErrUnavailable is returned when the backing store cannot be reached.
var ErrUnavailable = errors.New("directory unavailable")

// Entry is what the directory knows about one online user.
type Entry struct {
	Handle    registry.Handle `json:"handle"`
	Node      string          `json:"node"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// Directory is the shared user → handle map. Absence means offline.
type Directory interface {
	Set(ctx context.Context, userID string, entry Entry) error
	// Delete removes userID unconditionally. Deleting an absent key is not an error.
	Delete(ctx context.Context, userID string) error
	// DeleteIf removes userID only while it still points at handle.
	DeleteIf(ctx context.Context, userID string, handle registry.Handle) (bool, error)
	Get(ctx context.Context, userID string) (Entry, bool, error)
	GetAll(ctx context.Context) (map[string]Entry, error)
}
