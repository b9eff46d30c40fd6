package presence

import "sync"

// Conn is a live connection that can be reached through the registry.
// ID returns the connection handle, unique per accepted connection.
type Conn interface {
	ID() string
	Send(payload []byte) error
	Close()
}

// Registry maps a user identifier to the single connection currently serving it.
// A later Register for the same user wins; the older connection stays open but unreachable.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]Conn
}

func NewRegistry() *Registry {
	return &Registry{conns: make(map[string]Conn)}
}

// Register upserts the entry for userID and returns the connection it replaced, if any.
func (r *Registry) Register(userID string, conn Conn) Conn {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev := r.conns[userID]
	r.conns[userID] = conn
	return prev
}

func (r *Registry) Lookup(userID string) (Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conn, ok := r.conns[userID]
	return conn, ok
}

// Unregister removes the entry for userID only while it is still owned by the connection
// with the given handle. A disconnect from a superseded connection is a no-op.
func (r *Registry) Unregister(userID, handle string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.conns[userID]
	if !ok || conn.ID() != handle {
		return false
	}
	delete(r.conns, userID)
	return true
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Clear empties the registry and returns the connections that were mapped, so the caller can close them.
func (r *Registry) Clear() []Conn {
	r.mu.Lock()
	defer r.mu.Unlock()

	evicted := make([]Conn, 0, len(r.conns))
	for _, conn := range r.conns {
		evicted = append(evicted, conn)
	}
	r.conns = make(map[string]Conn)
	return evicted
}
