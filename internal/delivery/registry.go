// Package delivery terminates live client sessions and performs best-effort
// terminal delivery of dispatched notifications.
package delivery

import (
	"strings"
	"sync"
)

// Registry is the in-memory bidirectional index between logical receiver
// identity and live session identity. Receiver IDs are lower-cased before
// indexing, so lookups are case-insensitive; session IDs are compared
// exactly. The registry is owned by the process holding the sessions and is
// never persisted: after a restart, receivers are unknown until they
// reconnect.
type Registry struct {
	mu                sync.RWMutex
	receiverToSession map[string]string
	sessionToReceiver map[string]string
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		receiverToSession: make(map[string]string),
		sessionToReceiver: make(map[string]string),
	}
}

// Register maps receiverID to sessionID. A receiver holds at most one active
// session: a second registration overwrites the first and removes the stale
// reverse mapping, so the old session no longer resolves to the receiver.
// Both directions are updated under one lock.
func (r *Registry) Register(receiverID, sessionID string) {
	normalized := strings.ToLower(receiverID)

	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.receiverToSession[normalized]; ok {
		delete(r.sessionToReceiver, prev)
	}
	r.receiverToSession[normalized] = sessionID
	r.sessionToReceiver[sessionID] = normalized
}

// Unregister removes both directions of the mapping for sessionID. Unknown
// sessions are a no-op. A session that was already overwritten by a newer
// registration does not disturb the newer mapping.
func (r *Registry) Unregister(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	receiverID, ok := r.sessionToReceiver[sessionID]
	if !ok {
		return
	}

	delete(r.sessionToReceiver, sessionID)
	if r.receiverToSession[receiverID] == sessionID {
		delete(r.receiverToSession, receiverID)
	}
}

// Lookup returns the live session for receiverID, matching
// case-insensitively.
func (r *Registry) Lookup(receiverID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sessionID, ok := r.receiverToSession[strings.ToLower(receiverID)]
	return sessionID, ok
}
