package delivery

import (
	"encoding/json"
	"log"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/fanoutlabs/courier/internal/correlation"
)

// Handler upgrades HTTP connections to WebSocket sessions, identifies the
// receiver, and joins the session to its topic rooms by querying the
// dispatcher over the bus.
type Handler struct {
	hub      *Hub
	topics   *correlation.Tracker
	upgrader websocket.Upgrader
}

// NewHandler creates a Handler. allowedOrigins is a comma-separated list of
// acceptable Origin header values; empty means same-origin/non-browser
// clients only.
func NewHandler(hub *Hub, topics *correlation.Tracker, allowedOrigins string) *Handler {
	origins := splitOrigins(allowedOrigins)

	return &Handler{
		hub:    hub,
		topics: topics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(origins),
		},
	}
}

// RegisterRoutes wires the WebSocket endpoint.
func (h *Handler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/ws", h.ServeWS).Methods(http.MethodGet)
}

// ServeWS upgrades an HTTP GET /ws request to a WebSocket session. The
// client identifies its receiver through the receiverId query parameter;
// connections without one get an error frame and are closed.
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	receiverID := r.URL.Query().Get("receiverId")

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// upgrader already wrote the error response.
		return
	}

	if receiverID == "" {
		log.Printf("delivery: client %s attempted to connect without receiverId", r.RemoteAddr)
		msg, _ := json.Marshal(frame{Event: EventError, Data: "missing receiverId"})
		conn.WriteMessage(websocket.TextMessage, msg)
		conn.Close()
		return
	}

	session := NewSession(h.hub, conn, receiverID)
	h.hub.Register(session)

	go session.WritePump()
	go session.ReadPump()
	go h.joinTopicRooms(session)
}

// joinTopicRooms asks the dispatcher for the receiver's subscriptions and
// joins the session to the matching rooms. On timeout the session simply
// stays out of its rooms until it reconnects; direct delivery is unaffected.
func (h *Handler) joinTopicRooms(s *Session) {
	pending, err := h.topics.Issue(func(correlationID string) ([]byte, error) {
		return json.Marshal(map[string]string{
			"correlationId": correlationID,
			"receiverId":    s.ReceiverID,
		})
	})
	if err != nil {
		log.Printf("delivery: failed to query topics for receiver %s: %v", s.ReceiverID, err)
		return
	}

	resp, err := pending.Await()
	if err != nil {
		log.Printf("delivery: topic query for receiver %s: %v", s.ReceiverID, err)
		return
	}

	var result struct {
		Topics []string `json:"topics"`
	}
	if err := json.Unmarshal(resp, &result); err != nil {
		log.Printf("delivery: failed to parse topic query response for receiver %s: %v", s.ReceiverID, err)
		return
	}

	if len(result.Topics) == 0 {
		return
	}

	h.hub.JoinRooms(s, result.Topics)
	log.Printf("delivery: session %s joined rooms %v", s.ID, result.Topics)
}

func splitOrigins(raw string) []string {
	var origins []string
	for _, o := range strings.Split(raw, ",") {
		o = strings.TrimSpace(o)
		if o != "" {
			origins = append(origins, o)
		}
	}
	return origins
}

// originChecker validates the Origin header against the configured list. A
// missing Origin header means a same-origin request or a non-browser client
// and is always accepted.
func originChecker(allowed []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, a := range allowed {
			if strings.EqualFold(origin, a) {
				return true
			}
		}
		return false
	}
}
