// Package notify defines the notification data model shared by the gateway,
// dispatcher and delivery processes.
package notify

import (
	"encoding/json"
	"errors"
	"time"
)

// Status is the lifecycle state of a notification. It only moves forward:
// accepted -> pending -> delivered | failed.
type Status string

const (
	StatusAccepted  Status = "accepted"
	StatusPending   Status = "pending"
	StatusDelivered Status = "delivered"
	StatusFailed    Status = "failed"
)

// statusRanks orders the lifecycle states. Terminal states share the highest
// rank so that neither can replace the other.
var statusRanks = map[Status]int{
	StatusAccepted:  0,
	StatusPending:   1,
	StatusDelivered: 2,
	StatusFailed:    2,
}

// Rank returns the position of s in the lifecycle, or -1 for unknown values.
func (s Status) Rank() int {
	if r, ok := statusRanks[s]; ok {
		return r
	}
	return -1
}

// Valid reports whether s is one of the defined lifecycle states.
func (s Status) Valid() bool {
	return s.Rank() >= 0
}

// Validation errors returned by Notification.Validate.
var (
	ErrMissingNotificationID = errors.New("notificationId is required")
	ErrMissingSenderID       = errors.New("senderId is required")
	ErrMissingPayload        = errors.New("payload is required")
	ErrAmbiguousAddress      = errors.New("exactly one of receiverId or topicId is required")
)

// Notification is the unit routed through the system. Payload and Metadata
// are opaque producer-defined documents; the core never decodes them into a
// fixed shape.
type Notification struct {
	NotificationID string          `json:"notificationId"`
	SenderID       string          `json:"senderId"`
	ReceiverID     string          `json:"receiverId,omitempty"`
	TopicID        string          `json:"topicId,omitempty"`
	Payload        json.RawMessage `json:"payload"`
	Metadata       json.RawMessage `json:"metadata,omitempty"`
	Status         Status          `json:"status,omitempty"`
	Timestamp      time.Time       `json:"timestamp,omitzero"`
}

// Validate checks the invariants every routed notification must satisfy:
// notificationId, senderId and payload present, and exactly one of receiverId
// or topicId set.
func (n *Notification) Validate() error {
	if n.NotificationID == "" {
		return ErrMissingNotificationID
	}
	if err := n.ValidateAddress(); err != nil {
		return err
	}
	return nil
}

// ValidateAddress checks the fields a producer must supply before an ID is
// assigned: senderId, payload, and the receiverId/topicId exclusive pair.
func (n *Notification) ValidateAddress() error {
	if n.SenderID == "" {
		return ErrMissingSenderID
	}
	if len(n.Payload) == 0 {
		return ErrMissingPayload
	}
	if (n.ReceiverID == "") == (n.TopicID == "") {
		return ErrAmbiguousAddress
	}
	return nil
}

// PushPayload returns the notification stripped of its addressing fields,
// which is the shape emitted to a client session.
func (n *Notification) PushPayload() Notification {
	out := *n
	out.ReceiverID = ""
	out.TopicID = ""
	return out
}
