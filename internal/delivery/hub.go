package delivery

import (
	"log"
	"sync"
)

// Hub tracks the live sessions of this process and their topic room
// membership, and keeps the connection Registry in step with session
// lifecycle. It is safe for concurrent use; both structures are updated
// under one lock so a session can never be present in a room but absent
// from the index.
type Hub struct {
	registry *Registry

	mu       sync.RWMutex
	sessions map[string]*Session            // session ID -> session
	rooms    map[string]map[string]*Session // topic ID -> session ID -> session
}

// NewHub creates a Hub wired to the given registry.
func NewHub(registry *Registry) *Hub {
	return &Hub{
		registry: registry,
		sessions: make(map[string]*Session),
		rooms:    make(map[string]map[string]*Session),
	}
}

// Register adds a session to the hub and maps its receiver in the registry.
func (h *Hub) Register(s *Session) {
	h.mu.Lock()
	h.sessions[s.ID] = s
	h.mu.Unlock()

	h.registry.Register(s.ReceiverID, s.ID)
	log.Printf("delivery: session %s registered (receiver=%s)", s.ID, s.ReceiverID)
}

// Unregister removes a session from the hub, from every room it joined and
// from the registry. Unknown sessions are a no-op.
func (h *Hub) Unregister(s *Session) {
	h.mu.Lock()
	if _, ok := h.sessions[s.ID]; ok {
		delete(h.sessions, s.ID)
		for topic, members := range h.rooms {
			delete(members, s.ID)
			if len(members) == 0 {
				delete(h.rooms, topic)
			}
		}
		s.close()
	}
	h.mu.Unlock()

	h.registry.Unregister(s.ID)
	log.Printf("delivery: session %s unregistered", s.ID)
}

// Session returns the live session with the given ID.
func (h *Hub) Session(sessionID string) (*Session, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	s, ok := h.sessions[sessionID]
	return s, ok
}

// JoinRooms adds the session to the rooms of the given topics. Joining a
// room twice is a no-op.
func (h *Hub) JoinRooms(s *Session, topics []string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	// The session may have disconnected between lookup and join.
	if _, ok := h.sessions[s.ID]; !ok {
		return
	}

	for _, topic := range topics {
		if h.rooms[topic] == nil {
			h.rooms[topic] = make(map[string]*Session)
		}
		h.rooms[topic][s.ID] = s
	}
}

// BroadcastRoom emits an event to every session currently in the topic's
// room and returns how many sessions were addressed. An empty room is a
// valid, silent outcome.
func (h *Hub) BroadcastRoom(topicID, event string, data any) int {
	h.mu.RLock()
	members := make([]*Session, 0, len(h.rooms[topicID]))
	for _, s := range h.rooms[topicID] {
		members = append(members, s)
	}
	h.mu.RUnlock()

	for _, s := range members {
		s.Emit(event, data)
	}
	return len(members)
}
