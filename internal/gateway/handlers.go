package gateway

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/fanoutlabs/courier/internal/correlation"
	"github.com/fanoutlabs/courier/internal/httputil"
	"github.com/fanoutlabs/courier/internal/notify"
)

// Handlers provides the HTTP surface of the gateway.
type Handlers struct {
	service *Service
}

// NewHandlers creates a new Handlers.
func NewHandlers(service *Service) *Handlers {
	return &Handlers{service: service}
}

// RegisterRoutes wires the gateway endpoints onto the provided router,
// normally the /api subrouter.
func (h *Handlers) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/notifications", h.CreateNotification).Methods(http.MethodPost)
	r.HandleFunc("/notifications/{id}/status", h.GetStatus).Methods(http.MethodGet)
	r.HandleFunc("/topics/subscribe", h.Subscribe).Methods(http.MethodPost)
	r.HandleFunc("/topics/unsubscribe", h.Unsubscribe).Methods(http.MethodPost)
	r.HandleFunc("/topics/{receiverId}", h.ListTopics).Methods(http.MethodGet)
}

// CreateNotification handles POST /api/notifications. It replies 202: the
// notification is accepted for routing, not yet routed.
func (h *Handlers) CreateNotification(w http.ResponseWriter, r *http.Request) {
	var n notify.Notification
	if err := json.NewDecoder(r.Body).Decode(&n); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	id, err := h.service.CreateNotification(&n)
	if err != nil {
		switch {
		case errors.Is(err, notify.ErrMissingSenderID),
			errors.Is(err, notify.ErrMissingPayload),
			errors.Is(err, notify.ErrAmbiguousAddress):
			httputil.WriteError(w, http.StatusBadRequest, err.Error())
		default:
			httputil.WriteError(w, http.StatusInternalServerError, "failed to accept notification")
		}
		return
	}

	httputil.WriteJSON(w, http.StatusAccepted, map[string]string{
		"notificationId": id,
		"status":         string(notify.StatusAccepted),
	})
}

// GetStatus handles GET /api/notifications/{id}/status. An unknown ID never
// receives a response on the bus, so it surfaces here as a gateway timeout.
func (h *Handlers) GetStatus(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if id == "" {
		httputil.WriteError(w, http.StatusBadRequest, "notificationId is required")
		return
	}

	result, err := h.service.GetStatus(id)
	if err != nil {
		if errors.Is(err, correlation.ErrTimeout) {
			httputil.WriteError(w, http.StatusGatewayTimeout, "status query timed out")
			return
		}
		httputil.WriteError(w, http.StatusInternalServerError, "status query failed")
		return
	}

	httputil.WriteJSON(w, http.StatusOK, result)
}

type membershipRequest struct {
	ReceiverID string `json:"receiverId"`
	TopicID    string `json:"topicId"`
}

func (m *membershipRequest) validate() error {
	if m.ReceiverID == "" {
		return errors.New("receiverId is required")
	}
	if m.TopicID == "" {
		return errors.New("topicId is required")
	}
	return nil
}

// Subscribe handles POST /api/topics/subscribe.
func (h *Handlers) Subscribe(w http.ResponseWriter, r *http.Request) {
	h.membership(w, r, h.service.Subscribe)
}

// Unsubscribe handles POST /api/topics/unsubscribe.
func (h *Handlers) Unsubscribe(w http.ResponseWriter, r *http.Request) {
	h.membership(w, r, h.service.Unsubscribe)
}

func (h *Handlers) membership(w http.ResponseWriter, r *http.Request, op func(receiverID, topicID string) error) {
	var req membershipRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := req.validate(); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := op(req.ReceiverID, req.TopicID); err != nil {
		httputil.WriteError(w, http.StatusInternalServerError, "failed to publish request")
		return
	}

	httputil.WriteJSON(w, http.StatusAccepted, map[string]string{"status": string(notify.StatusAccepted)})
}

// ListTopics handles GET /api/topics/{receiverId}.
func (h *Handlers) ListTopics(w http.ResponseWriter, r *http.Request) {
	receiverID := mux.Vars(r)["receiverId"]
	if receiverID == "" {
		httputil.WriteError(w, http.StatusBadRequest, "receiverId is required")
		return
	}

	result, err := h.service.ListTopics(receiverID)
	if err != nil {
		if errors.Is(err, correlation.ErrTimeout) {
			httputil.WriteError(w, http.StatusGatewayTimeout, "topic query timed out")
			return
		}
		httputil.WriteError(w, http.StatusInternalServerError, "topic query failed")
		return
	}

	httputil.WriteJSON(w, http.StatusOK, result)
}
