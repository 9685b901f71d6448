// Package store persists notification records and topic subscriptions.
package store

import (
	"context"
	"errors"

	"github.com/fanoutlabs/courier/internal/notify"
)

// ErrNotFound is returned when a notification ID has no stored record.
var ErrNotFound = errors.New("store: not found")

// NotificationStore holds the durable notification records. Uniqueness of
// notificationId is enforced by the storage layer, not by callers.
type NotificationStore interface {
	// Create stores a new record. Inserting a duplicate notificationId fails.
	Create(ctx context.Context, n *notify.Notification) error

	// FindByID returns the record for the given notificationId, or
	// ErrNotFound.
	FindByID(ctx context.Context, notificationID string) (*notify.Notification, error)

	// SetStatus advances the record's status. The lifecycle only moves
	// forward; an update that would regress the status (or replace one
	// terminal state with another) is a silent no-op. Returns ErrNotFound
	// when no record exists.
	SetStatus(ctx context.Context, notificationID string, status notify.Status) error
}

// SubscriptionStore holds the (receiverId, topicId) membership pairs.
// Uniqueness of the pair is enforced by the storage layer.
type SubscriptionStore interface {
	// Subscribe records the pair; subscribing twice is a no-op success.
	Subscribe(ctx context.Context, receiverID, topicID string) error

	// Unsubscribe removes the pair; removing a non-existent pair is a no-op
	// success.
	Unsubscribe(ctx context.Context, receiverID, topicID string) error

	// ListTopics returns the topics the receiver is subscribed to. The empty
	// list is a valid result, never an error.
	ListTopics(ctx context.Context, receiverID string) ([]string, error)
}
