package delivery

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	// writeWait is the maximum time allowed to write a message to the peer.
	writeWait = 10 * time.Second
	// pongWait is the maximum time to wait for a pong reply from the peer.
	pongWait = 60 * time.Second
	// pingPeriod must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
	// maxMessageSize is the maximum inbound message size in bytes.
	maxMessageSize = 512
)

// Events emitted to connected clients.
const (
	EventPush  = "push"
	EventError = "error"
)

// frame is the JSON envelope for every server-to-client message.
type frame struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// Session represents a single live WebSocket connection for one receiver.
type Session struct {
	ID         string
	ReceiverID string
	conn       *websocket.Conn
	send       chan []byte
	hub        *Hub

	mu     sync.Mutex
	closed bool
}

// NewSession creates a Session for the given connection. Register it with
// the hub before starting the pumps.
func NewSession(hub *Hub, conn *websocket.Conn, receiverID string) *Session {
	return &Session{
		ID:         uuid.New().String(),
		ReceiverID: receiverID,
		conn:       conn,
		send:       make(chan []byte, 256),
		hub:        hub,
	}
}

// Emit encodes an event frame and queues it for delivery. A slow consumer
// whose buffer is full drops the frame instead of blocking the caller, and a
// session that already closed drops it silently. Callers may hold a *Session
// snapshot past its disconnect; Emit must stay safe to call at any point.
func (s *Session) Emit(event string, data any) {
	msg, err := json.Marshal(frame{Event: event, Data: data})
	if err != nil {
		log.Printf("delivery: failed to marshal %s frame for session %s: %v", event, s.ID, err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		log.Printf("delivery: session %s closed, dropping %s frame", s.ID, event)
		return
	}

	select {
	case s.send <- msg:
	default:
		log.Printf("delivery: session %s send buffer full, dropping %s frame", s.ID, event)
	}
}

// close marks the session closed and closes the send channel so WritePump
// terminates. Safe to call more than once; after it returns, Emit drops
// frames instead of sending.
func (s *Session) close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true
	close(s.send)
}

// ReadPump pumps inbound traffic from the connection until it closes. The
// client is not expected to send anything; the pump exists to detect
// disconnects and answer pings. It runs in its own goroutine per session.
func (s *Session) ReadPump() {
	defer func() {
		s.hub.Unregister(s)
		s.conn.Close()
	}()

	s.conn.SetReadLimit(maxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("delivery: session %s read error: %v", s.ID, err)
			}
			return
		}
	}
}

// WritePump pumps queued frames to the connection and keeps it alive with
// pings. It runs in its own goroutine per session.
func (s *Session) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub closed the channel.
				s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}

		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
