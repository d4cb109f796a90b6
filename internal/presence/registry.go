package presence

import (
	"context"
	"sync"
)

// Identity is what the server knows about a connection. Both fields are empty
// for a connection that never joined.
type Identity struct {
	Username string
	RoomID   string
}

// InRoom reports whether the connection currently occupies a room under a
// username.
func (id Identity) InRoom() bool {
	return id.Username != "" && id.RoomID != ""
}

// Patch updates selected Identity fields. A nil field is left untouched; a
// pointer to "" clears the field.
type Patch struct {
	Username *string
	RoomID   *string
}

// String returns a pointer to v for use in a Patch.
func String(v string) *string {
	return &v
}

func (p Patch) apply(id Identity) Identity {
	if p.Username != nil {
		id.Username = *p.Username
	}
	if p.RoomID != nil {
		id.RoomID = *p.RoomID
	}
	return id
}

// Registry maps connection ids to their current identity. It enforces no
// uniqueness; it is a per-connection scratchpad.
type Registry interface {
	// Get returns the connection's identity, or the zero Identity if unknown.
	Get(ctx context.Context, connID string) Identity
	// Set merges patch into the connection's record, creating it if needed.
	Set(ctx context.Context, connID string, patch Patch) error
	// Clear forgets the connection.
	Clear(ctx context.Context, connID string) error
}

// MemoryRegistry is the in-process Registry.
type MemoryRegistry struct {
	mu    sync.RWMutex
	conns map[string]Identity
}

// NewMemoryRegistry creates an empty MemoryRegistry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{conns: make(map[string]Identity)}
}

func (r *MemoryRegistry) Get(_ context.Context, connID string) Identity {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.conns[connID]
}

func (r *MemoryRegistry) Set(_ context.Context, connID string, patch Patch) error {
	r.mu.Lock()
	r.conns[connID] = patch.apply(r.conns[connID])
	r.mu.Unlock()
	return nil
}

func (r *MemoryRegistry) Clear(_ context.Context, connID string) error {
	r.mu.Lock()
	delete(r.conns, connID)
	r.mu.Unlock()
	return nil
}

// Len returns the number of known connections.
func (r *MemoryRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}
