package delivery

import (
	"encoding/json"
	"log"

	"github.com/fanoutlabs/courier/internal/bus"
	"github.com/fanoutlabs/courier/internal/config"
	"github.com/fanoutlabs/courier/internal/notify"
)

// Engine consumes dispatched notifications from the bus and emits them to
// live sessions. Delivery is best effort: a receiver with no current
// connection loses the notification, and the acknowledgment published after
// an emit confirms only that the emit call was issued, not client receipt.
type Engine struct {
	broker   bus.Broker
	hub      *Hub
	registry *Registry
	channels config.Channels
}

// NewEngine creates an Engine. Call Start to subscribe it to the dispatch
// channel.
func NewEngine(broker bus.Broker, hub *Hub, registry *Registry, channels config.Channels) *Engine {
	return &Engine{
		broker:   broker,
		hub:      hub,
		registry: registry,
		channels: channels,
	}
}

// Start subscribes the engine to the dispatch channel.
func (e *Engine) Start() error {
	if _, err := e.broker.Subscribe(e.channels.Dispatch, e.deliver); err != nil {
		return err
	}
	log.Printf("delivery: subscribed to %s", e.channels.Dispatch)
	return nil
}

// deliver handles one dispatched notification: topic multicast to the
// topic's room, or direct emit to the receiver's single session. Malformed
// messages and unresolvable destinations are logged and dropped; nothing is
// retried or queued.
func (e *Engine) deliver(data []byte) {
	var n notify.Notification
	if err := json.Unmarshal(data, &n); err != nil {
		log.Printf("delivery: failed to parse message on %s: %v", e.channels.Dispatch, err)
		return
	}

	if err := n.Validate(); err != nil {
		log.Printf("delivery: invalid message on %s: %v", e.channels.Dispatch, err)
		return
	}

	if n.TopicID != "" {
		count := e.hub.BroadcastRoom(n.TopicID, EventPush, n.PushPayload())
		e.publishAck(n.NotificationID)
		log.Printf("delivery: notification %s multicast to topic %s (%d sessions)", n.NotificationID, n.TopicID, count)
		return
	}

	sessionID, ok := e.registry.Lookup(n.ReceiverID)
	if !ok {
		log.Printf("delivery: no active connection for receiver %s", n.ReceiverID)
		return
	}

	session, ok := e.hub.Session(sessionID)
	if !ok {
		log.Printf("delivery: session %s not found for receiver %s", sessionID, n.ReceiverID)
		return
	}

	session.Emit(EventPush, n.PushPayload())
	e.publishAck(n.NotificationID)
	log.Printf("delivery: notification %s delivered to receiver %s", n.NotificationID, n.ReceiverID)
}

// publishAck reports a completed emit back to the dispatcher. The ack frame
// is the raw notificationId string.
func (e *Engine) publishAck(notificationID string) {
	if err := e.broker.Publish(e.channels.Ack, []byte(notificationID)); err != nil {
		log.Printf("delivery: failed to publish ack for %s: %v", notificationID, err)
	}
}
