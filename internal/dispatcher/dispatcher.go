// Package dispatcher implements the central router. It subscribes to the six
// control channels on the bus, enriches and persists incoming notifications,
// republishes them for delivery, and answers correlation-based status and
// topic-membership queries.
package dispatcher

import (
	"context"
	"encoding/json"
	"log"
	"strings"
	"time"

	"github.com/fanoutlabs/courier/internal/bus"
	"github.com/fanoutlabs/courier/internal/config"
	"github.com/fanoutlabs/courier/internal/notify"
	"github.com/fanoutlabs/courier/internal/store"
)

// persistTimeout bounds the detached persistence writes so a hung store
// cannot accumulate goroutines forever.
const persistTimeout = 10 * time.Second

// Dispatcher is a stateless router over the control channels. A single bad
// message on any channel is logged and dropped; it never stops a
// subscription loop.
type Dispatcher struct {
	broker        bus.Broker
	notifications store.NotificationStore
	subscriptions store.SubscriptionStore
	channels      config.Channels
}

// New creates a Dispatcher. Call Start to subscribe it to the bus.
func New(broker bus.Broker, notifications store.NotificationStore, subscriptions store.SubscriptionStore, channels config.Channels) *Dispatcher {
	return &Dispatcher{
		broker:        broker,
		notifications: notifications,
		subscriptions: subscriptions,
		channels:      channels,
	}
}

// Start subscribes the dispatcher to its six inbound channels. It returns
// immediately; message handling runs via the broker's subscription callbacks.
func (d *Dispatcher) Start() error {
	subs := []struct {
		channel string
		handler bus.Handler
	}{
		{d.channels.Incoming, d.handleIncoming},
		{d.channels.Ack, d.handleAck},
		{d.channels.StatusQuery, d.handleStatusQuery},
		{d.channels.TopicSubscribe, d.handleTopicSubscribe},
		{d.channels.TopicUnsubscribe, d.handleTopicUnsubscribe},
		{d.channels.TopicQuery, d.handleTopicQuery},
	}

	for _, s := range subs {
		if _, err := d.broker.Subscribe(s.channel, s.handler); err != nil {
			return err
		}
		log.Printf("dispatcher: subscribed to %s", s.channel)
	}
	return nil
}

// handleIncoming validates a raw notification event, enriches it with
// status=pending and a timestamp, publishes it for delivery and persists it.
// The dispatch publish is on the critical path and happens before the store
// write, which runs in a detached goroutine: delivery latency must not
// depend on store latency.
func (d *Dispatcher) handleIncoming(data []byte) {
	var n notify.Notification
	if err := json.Unmarshal(data, &n); err != nil {
		log.Printf("dispatcher: failed to parse message on %s: %v", d.channels.Incoming, err)
		return
	}

	if err := n.Validate(); err != nil {
		log.Printf("dispatcher: invalid message on %s: %v", d.channels.Incoming, err)
		return
	}

	// The router is the single authority for these two fields: whatever the
	// producer claimed, the routed record starts out pending, and a missing
	// timestamp is stamped here.
	n.Status = notify.StatusPending
	if n.Timestamp.IsZero() {
		n.Timestamp = time.Now().UTC()
	}

	enriched, err := json.Marshal(&n)
	if err != nil {
		log.Printf("dispatcher: failed to marshal notification %s: %v", n.NotificationID, err)
		return
	}

	if err := d.broker.Publish(d.channels.Dispatch, enriched); err != nil {
		log.Printf("dispatcher: failed to publish notification %s to %s: %v", n.NotificationID, d.channels.Dispatch, err)
		return
	}

	// Fire-and-forget persistence: a store failure is logged, never retried,
	// and never reaches the dispatch path.
	go func(n notify.Notification) {
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()
		if err := d.notifications.Create(ctx, &n); err != nil {
			log.Printf("dispatcher: failed to persist notification %s: %v", n.NotificationID, err)
		}
	}(n)

	log.Printf("dispatcher: notification %s enriched with status=pending and dispatched to %s", n.NotificationID, d.channels.Dispatch)
}

// handleAck marks a notification as delivered. The ack frame is the raw
// notificationId string; there is no response channel, so failures are only
// logged.
func (d *Dispatcher) handleAck(data []byte) {
	notificationID := strings.TrimSpace(string(data))
	if notificationID == "" {
		log.Printf("dispatcher: ignoring empty ack on %s", d.channels.Ack)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	if err := d.notifications.SetStatus(ctx, notificationID, notify.StatusDelivered); err != nil {
		log.Printf("dispatcher: failed to update notification %s status: %v", notificationID, err)
		return
	}
	log.Printf("dispatcher: notification %s marked delivered", notificationID)
}

type statusQuery struct {
	CorrelationID  string `json:"correlationId"`
	NotificationID string `json:"notificationId"`
}

type statusResponse struct {
	CorrelationID  string        `json:"correlationId"`
	NotificationID string        `json:"notificationId"`
	Status         notify.Status `json:"status"`
	Timestamp      time.Time     `json:"timestamp"`
}

// handleStatusQuery looks up a notification and publishes its status to the
// response channel. An unknown notificationId produces no response at all;
// the querying side observes a timeout rather than a not-found error.
func (d *Dispatcher) handleStatusQuery(data []byte) {
	var q statusQuery
	if err := json.Unmarshal(data, &q); err != nil {
		log.Printf("dispatcher: failed to parse status query: %v", err)
		return
	}
	if q.CorrelationID == "" || q.NotificationID == "" {
		log.Printf("dispatcher: invalid status query: %s", data)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	n, err := d.notifications.FindByID(ctx, q.NotificationID)
	if err != nil {
		log.Printf("dispatcher: status query for %s: %v", q.NotificationID, err)
		return
	}

	resp, err := json.Marshal(statusResponse{
		CorrelationID:  q.CorrelationID,
		NotificationID: n.NotificationID,
		Status:         n.Status,
		Timestamp:      n.Timestamp,
	})
	if err != nil {
		log.Printf("dispatcher: failed to marshal status response for %s: %v", q.NotificationID, err)
		return
	}

	if err := d.broker.Publish(d.channels.StatusResponse, resp); err != nil {
		log.Printf("dispatcher: failed to publish status response for %s: %v", q.NotificationID, err)
		return
	}
	log.Printf("dispatcher: sent status response for notification %s", q.NotificationID)
}

type topicMembership struct {
	ReceiverID string `json:"receiverId"`
	TopicID    string `json:"topicId"`
}

// handleTopicSubscribe upserts a (receiverId, topicId) pair. Idempotent; no
// response channel.
func (d *Dispatcher) handleTopicSubscribe(data []byte) {
	var m topicMembership
	if err := json.Unmarshal(data, &m); err != nil {
		log.Printf("dispatcher: failed to parse subscribe payload: %v", err)
		return
	}
	if m.ReceiverID == "" || m.TopicID == "" {
		log.Printf("dispatcher: invalid subscribe payload: %s", data)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	if err := d.subscriptions.Subscribe(ctx, m.ReceiverID, m.TopicID); err != nil {
		log.Printf("dispatcher: failed to subscribe %s to %s: %v", m.ReceiverID, m.TopicID, err)
		return
	}
	log.Printf("dispatcher: subscribed receiver %s to topic %s", m.ReceiverID, m.TopicID)
}

// handleTopicUnsubscribe removes a (receiverId, topicId) pair. Idempotent; no
// response channel.
func (d *Dispatcher) handleTopicUnsubscribe(data []byte) {
	var m topicMembership
	if err := json.Unmarshal(data, &m); err != nil {
		log.Printf("dispatcher: failed to parse unsubscribe payload: %v", err)
		return
	}
	if m.ReceiverID == "" || m.TopicID == "" {
		log.Printf("dispatcher: invalid unsubscribe payload: %s", data)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	if err := d.subscriptions.Unsubscribe(ctx, m.ReceiverID, m.TopicID); err != nil {
		log.Printf("dispatcher: failed to unsubscribe %s from %s: %v", m.ReceiverID, m.TopicID, err)
		return
	}
	log.Printf("dispatcher: unsubscribed receiver %s from topic %s", m.ReceiverID, m.TopicID)
}

type topicQuery struct {
	CorrelationID string `json:"correlationId"`
	ReceiverID    string `json:"receiverId"`
}

type topicQueryResponse struct {
	CorrelationID string   `json:"correlationId"`
	ReceiverID    string   `json:"receiverId"`
	Topics        []string `json:"topics"`
}

// handleTopicQuery lists a receiver's topics and publishes the response,
// empty list included.
func (d *Dispatcher) handleTopicQuery(data []byte) {
	var q topicQuery
	if err := json.Unmarshal(data, &q); err != nil {
		log.Printf("dispatcher: failed to parse topic query payload: %v", err)
		return
	}
	if q.CorrelationID == "" || q.ReceiverID == "" {
		log.Printf("dispatcher: invalid topic query payload: %s", data)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	topics, err := d.subscriptions.ListTopics(ctx, q.ReceiverID)
	if err != nil {
		log.Printf("dispatcher: failed to resolve topics for receiver %s: %v", q.ReceiverID, err)
		return
	}

	resp, err := json.Marshal(topicQueryResponse{
		CorrelationID: q.CorrelationID,
		ReceiverID:    q.ReceiverID,
		Topics:        topics,
	})
	if err != nil {
		log.Printf("dispatcher: failed to marshal topic query response for %s: %v", q.ReceiverID, err)
		return
	}

	if err := d.broker.Publish(d.channels.TopicQueryResponse, resp); err != nil {
		log.Printf("dispatcher: failed to publish topic query response for %s: %v", q.ReceiverID, err)
	}
}
