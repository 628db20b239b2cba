// Package registry keeps the per-process map from user ID to the single live
// connection handle that user holds on this node.
package registry

import (
	"sync"

	"github.com/google/uuid"
)

// Handle identifies one live socket on one process. It is minted when the
// socket is accepted and dies with it.
type Handle string

// NewHandle mints a fresh, globally unique handle.
func NewHandle() Handle {
	return Handle(uuid.NewString())
}

func (h Handle) String() string {
	return string(h)
}

// Registry is safe for concurrent use. A user maps to at most one handle;
// registering again replaces the previous entry (last writer wins).
type Registry struct {
	mu    sync.RWMutex
	users map[string]Handle
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{users: make(map[string]Handle)}
}

// Register binds userID to handle and returns the handle it replaced, if any.
func (r *Registry) Register(userID string, handle Handle) (Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev, had := r.users[userID]
	r.users[userID] = handle
	return prev, had && prev != handle
}

// Unregister removes userID regardless of which handle it holds. It reports
// whether an entry existed.
func (r *Registry) Unregister(userID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, ok := r.users[userID]
	delete(r.users, userID)
	return ok
}

// UnregisterIf removes userID only while it still maps to handle, so a
// closing older socket cannot evict a newer one.
func (r *Registry) UnregisterIf(userID string, handle Handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cur, ok := r.users[userID]; ok && cur == handle {
		delete(r.users, userID)
		return true
	}
	return false
}

// Lookup returns the handle registered for userID.
func (r *Registry) Lookup(userID string) (Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, ok := r.users[userID]
	return h, ok
}

// Has reports whether userID is connected to this process.
func (r *Registry) Has(userID string) bool {
	_, ok := r.Lookup(userID)
	return ok
}

// Len returns the number of registered users.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users)
}
