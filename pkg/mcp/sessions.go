package mcp

import "sync"

// SessionRegistry maps governed session IDs to MCP client session IDs.
// Populated whenever a client calls a tool naming a session.
type SessionRegistry struct {
	mu      sync.RWMutex
	clients map[string]string // governed session -> MCP client session
}

// NewSessionRegistry creates an empty SessionRegistry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{clients: make(map[string]string)}
}

// Register associates a governed session with a client. The latest client wins.
func (r *SessionRegistry) Register(sessionID, clientID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[sessionID] = clientID
}

// SessionFor returns the client watching the governed session, if any.
func (r *SessionRegistry) SessionFor(sessionID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cid, ok := r.clients[sessionID]
	return cid, ok
}

// Remove drops every mapping that points at the client.
func (r *SessionRegistry) Remove(clientID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for sid, cid := range r.clients {
		if cid == clientID {
			delete(r.clients, sid)
		}
	}
}
