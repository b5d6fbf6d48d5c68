package websocket

import (
	"sync"

	"smcp/pkg/interfaces"
)

// Registry tracks live connections by id. It knows nothing about roles or
// offices; those live in the session registry.
type Registry struct {
	mu          sync.RWMutex
	connections map[string]interfaces.Connection
	accepted    uint64
}

// NewRegistry creates an empty connection table.
func NewRegistry() *Registry {
	return &Registry{connections: make(map[string]interfaces.Connection)}
}

// Add registers conn under its id.
func (r *Registry) Add(conn interfaces.Connection) error {
	if conn == nil {
		return ErrNilConnection
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.connections[conn.ID()]; exists {
		return ErrDuplicateConnection
	}
	r.connections[conn.ID()] = conn
	r.accepted++
	return nil
}

// Remove drops conn, but only if it is the instance currently registered
// under its id.
func (r *Registry) Remove(conn interfaces.Connection) bool {
	if conn == nil {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if registered, ok := r.connections[conn.ID()]; !ok || registered != conn {
		return false
	}
	delete(r.connections, conn.ID())
	return true
}

// Get looks up a live connection.
func (r *Registry) Get(connID string) (interfaces.Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conn, ok := r.connections[connID]
	return conn, ok
}

// Len returns the number of live connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.connections)
}

// CloseAll closes every registered connection.
func (r *Registry) CloseAll() {
	r.mu.RLock()
	conns := make([]interfaces.Connection, 0, len(r.connections))
	for _, c := range r.connections {
		conns = append(conns, c)
	}
	r.mu.RUnlock()

	for _, c := range conns {
		_ = c.Close()
	}
}

// GetStats returns registry statistics for monitoring.
func (r *Registry) GetStats() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return map[string]int{
		"total_connections": len(r.connections),
		"accepted":          int(r.accepted),
	}
}
