// Package registry tracks which transport connections belong to which users.
package registry

import "sync"

// Registry maps logical user identities to the set of live connection IDs bound to
// them. A user may have several connections at once (multiple devices or tabs), but
// a connection ID belongs to at most one user at a time. The registry is purely
// in-memory: it's rebuilt from join events after a restart, so clients must rejoin
// on reconnect.
type Registry struct {
	mutex       sync.Mutex
	connsByUser map[string]map[string]bool
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{
		connsByUser: make(map[string]map[string]bool),
	}
}

// Register binds a connection to a user. If the connection was previously bound to
// another user, it's moved.
func (r *Registry) Register(userID, connID string) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	r.removeLocked(connID)

	conns, ok := r.connsByUser[userID]
	if !ok {
		conns = make(map[string]bool)
		r.connsByUser[userID] = conns
	}
	conns[connID] = true
}

// Unregister removes a connection wherever it appears. The owning user may not be
// known at disconnect time if the join handshake never completed, so every user's
// set is scanned. Unregistering a connection that was never registered is a no-op.
func (r *Registry) Unregister(connID string) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	r.removeLocked(connID)
}

// removeLocked removes a connection from every user it appears under, dropping any
// user entry left empty. The caller must hold the mutex.
func (r *Registry) removeLocked(connID string) {
	for userID, conns := range r.connsByUser {
		if conns[connID] {
			delete(conns, connID)
			if len(conns) == 0 {
				delete(r.connsByUser, userID)
			}
		}
	}
}

// ConnectionsFor returns a snapshot of the connection IDs currently bound to a user.
func (r *Registry) ConnectionsFor(userID string) []string {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	conns := make([]string, 0, len(r.connsByUser[userID]))
	for connID := range r.connsByUser[userID] {
		conns = append(conns, connID)
	}
	return conns
}

// IsOnline reports whether a user has at least one live connection.
func (r *Registry) IsOnline(userID string) bool {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	return len(r.connsByUser[userID]) > 0
}

// ConnectedUsers returns the number of users with at least one live connection.
func (r *Registry) ConnectedUsers() int {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	return len(r.connsByUser)
}
