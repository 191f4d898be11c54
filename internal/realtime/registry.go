package realtime

import "sync"

// EvictionReason is sent to a superseded connection when its user binds a
// new one.
const EvictionReason = "new connection established"

// Conn is the live connection handle the registry tracks. Implementations
// must be safe for concurrent Send calls.
type Conn interface {
	// Send delivers an outbound message to the remote end.
	Send(message Message) error
	// Kick signals closure to the remote end. Used when a newer
	// connection supersedes this one; the eviction must not surface as an
	// error to the newly-connecting client.
	Kick(reason string)
}

// Registry maintains the live user-to-connection bindings. At most one
// connection per user and one user per connection exist at any instant.
type Registry struct {
	mu     sync.Mutex
	byUser map[string]Conn
	byConn map[Conn]string
}

// NewRegistry constructs an empty registry. One instance lives for the
// whole process.
func NewRegistry() *Registry {
	return &Registry{
		byUser: make(map[string]Conn),
		byConn: make(map[Conn]string),
	}
}

// Bind installs conn as the user's single live connection. Any prior
// binding for the user is removed first and its connection kicked, so
// there is no window with two handles bound to one user.
func (r *Registry) Bind(userID string, conn Conn) {
	r.mu.Lock()
	prior := r.byUser[userID]
	if prior != nil {
		delete(r.byConn, prior)
	}
	if oldUser, ok := r.byConn[conn]; ok && r.byUser[oldUser] == conn {
		delete(r.byUser, oldUser)
	}
	r.byUser[userID] = conn
	r.byConn[conn] = userID
	r.mu.Unlock()

	if prior != nil {
		prior.Kick(EvictionReason)
	}
}

// Unbind removes the binding owned by conn. No-op when conn holds no
// binding (already superseded by a reconnect).
func (r *Registry) Unbind(conn Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	userID, ok := r.byConn[conn]
	if !ok {
		return
	}
	delete(r.byConn, conn)
	if r.byUser[userID] == conn {
		delete(r.byUser, userID)
	}
}

// Lookup returns the user's live connection, if any.
func (r *Registry) Lookup(userID string) (Conn, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	conn, ok := r.byUser[userID]
	return conn, ok
}
