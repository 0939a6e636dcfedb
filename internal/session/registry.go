package session

import (
	"context"
	"sync"

	"github.com/MrWong99/voxbooth/pkg/protocol"
)

// StatusSuperseded is the websocket close code sent to a client socket that
// has been replaced by a newer socket for the same session ID.
const StatusSuperseded = 4000

// ReasonSuperseded is the close reason paired with [StatusSuperseded].
const ReasonSuperseded = "superseded"

// Conn is a client socket as seen by the session layer. Implementations must
// be safe for concurrent use: the read loop, the running task and the
// registry may all touch the same Conn.
type Conn interface {
	// WriteMessage sends one JSON control message.
	WriteMessage(ctx context.Context, msg protocol.ServerMessage) error

	// WriteAudio sends one binary audio frame.
	WriteAudio(ctx context.Context, p []byte) error

	// Close closes the socket with the given close code and reason. It must
	// not block on the peer.
	Close(code int, reason string) error
}

// Registry maps session IDs to the one live client socket for each session.
// Tasks never hold a Conn; they look it up on every push so that a refreshed
// page picks up in-flight audio on its new socket.
type Registry struct {
	mu    sync.Mutex
	conns map[string]Conn

	// onSupersede, if set, is called after a prior socket has been closed.
	onSupersede func(id string)
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{conns: make(map[string]Conn)}
}

// Register makes conn the live socket for id. A different socket already
// registered under id is closed with [StatusSuperseded] and returned.
func (r *Registry) Register(conn Conn, id string) (superseded Conn) {
	r.mu.Lock()
	prior := r.conns[id]
	r.conns[id] = conn
	r.mu.Unlock()

	if prior == nil || prior == conn {
		return nil
	}
	_ = prior.Close(StatusSuperseded, ReasonSuperseded)
	if r.onSupersede != nil {
		r.onSupersede(id)
	}
	return prior
}

// Lookup returns the live socket for id, or nil.
func (r *Registry) Lookup(id string) Conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conns[id]
}

// Unregister removes id only if conn is the socket currently registered for
// it. A stale socket closing late cannot evict its replacement.
func (r *Registry) Unregister(conn Conn, id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.conns[id]; !ok || cur != conn {
		return false
	}
	delete(r.conns, id)
	return true
}

// Len returns the number of registered sockets.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// CloseAll closes every registered socket with code and reason and empties
// the registry.
func (r *Registry) CloseAll(code int, reason string) {
	r.mu.Lock()
	conns := r.conns
	r.conns = make(map[string]Conn)
	r.mu.Unlock()

	for _, c := range conns {
		_ = c.Close(code, reason)
	}
}
