// Package gateway is the ingress front-end. It accepts producer requests
// over HTTP, assigns notification IDs, hands events to the bus, and answers
// synchronous-looking status and topic queries through the correlation
// tracker.
package gateway

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/fanoutlabs/courier/internal/bus"
	"github.com/fanoutlabs/courier/internal/config"
	"github.com/fanoutlabs/courier/internal/correlation"
	"github.com/fanoutlabs/courier/internal/notify"
)

// Service implements the gateway operations on top of the bus.
type Service struct {
	broker   bus.Broker
	status   *correlation.Tracker
	topics   *correlation.Tracker
	channels config.Channels
}

// NewService creates a Service with trackers for the two query channel
// pairs.
func NewService(broker bus.Broker, channels config.Channels, queryTimeout time.Duration) (*Service, error) {
	status, err := correlation.NewTracker(broker, channels.StatusQuery, channels.StatusResponse, queryTimeout)
	if err != nil {
		return nil, fmt.Errorf("status tracker: %w", err)
	}

	topics, err := correlation.NewTracker(broker, channels.TopicQuery, channels.TopicQueryResponse, queryTimeout)
	if err != nil {
		return nil, fmt.Errorf("topics tracker: %w", err)
	}

	return &Service{
		broker:   broker,
		status:   status,
		topics:   topics,
		channels: channels,
	}, nil
}

// CreateNotification validates a producer submission, assigns the
// notification its permanent ID and publishes it to the incoming channel.
// The ID is assigned exactly once, here at ingress; the routed record keeps
// it for life.
func (s *Service) CreateNotification(n *notify.Notification) (string, error) {
	if err := n.ValidateAddress(); err != nil {
		return "", err
	}

	n.NotificationID = uuid.New().String()
	n.Status = ""

	data, err := json.Marshal(n)
	if err != nil {
		return "", fmt.Errorf("marshal notification: %w", err)
	}

	if err := s.broker.Publish(s.channels.Incoming, data); err != nil {
		return "", fmt.Errorf("publish notification: %w", err)
	}

	log.Printf("gateway: notification %s accepted from sender %s", n.NotificationID, n.SenderID)
	return n.NotificationID, nil
}

// StatusResult is the dispatcher's answer to a status query.
type StatusResult struct {
	NotificationID string        `json:"notificationId"`
	Status         notify.Status `json:"status"`
	Timestamp      time.Time     `json:"timestamp"`
}

// GetStatus performs a correlation-based status query. It blocks the calling
// goroutine until the dispatcher answers or the deadline fires, in which
// case the error is correlation.ErrTimeout.
func (s *Service) GetStatus(notificationID string) (*StatusResult, error) {
	pending, err := s.status.Issue(func(correlationID string) ([]byte, error) {
		return json.Marshal(map[string]string{
			"correlationId":  correlationID,
			"notificationId": notificationID,
		})
	})
	if err != nil {
		return nil, err
	}

	resp, err := pending.Await()
	if err != nil {
		return nil, err
	}

	var result StatusResult
	if err := json.Unmarshal(resp, &result); err != nil {
		return nil, fmt.Errorf("parse status response: %w", err)
	}
	return &result, nil
}

// Subscribe publishes a topic subscription request. The dispatcher applies
// it asynchronously; there is no confirmation beyond the publish itself.
func (s *Service) Subscribe(receiverID, topicID string) error {
	return s.publishMembership(s.channels.TopicSubscribe, receiverID, topicID)
}

// Unsubscribe publishes a topic unsubscription request.
func (s *Service) Unsubscribe(receiverID, topicID string) error {
	return s.publishMembership(s.channels.TopicUnsubscribe, receiverID, topicID)
}

func (s *Service) publishMembership(channel, receiverID, topicID string) error {
	data, err := json.Marshal(map[string]string{
		"receiverId": receiverID,
		"topicId":    topicID,
	})
	if err != nil {
		return err
	}
	return s.broker.Publish(channel, data)
}

// TopicsResult is the dispatcher's answer to a topic-membership query.
type TopicsResult struct {
	ReceiverID string   `json:"receiverId"`
	Topics     []string `json:"topics"`
}

// ListTopics performs a correlation-based topic-membership query.
func (s *Service) ListTopics(receiverID string) (*TopicsResult, error) {
	pending, err := s.topics.Issue(func(correlationID string) ([]byte, error) {
		return json.Marshal(map[string]string{
			"correlationId": correlationID,
			"receiverId":    receiverID,
		})
	})
	if err != nil {
		return nil, err
	}

	resp, err := pending.Await()
	if err != nil {
		return nil, err
	}

	var result TopicsResult
	if err := json.Unmarshal(resp, &result); err != nil {
		return nil, fmt.Errorf("parse topic query response: %w", err)
	}
	return &result, nil
}
