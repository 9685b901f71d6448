package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/fanoutlabs/courier/internal/notify"
)

// MemoryNotificationStore is a mutex-guarded in-memory NotificationStore for
// single-node runs and tests. Semantics match the PostgreSQL implementation:
// duplicate notificationIds are rejected and status never regresses.
type MemoryNotificationStore struct {
	mu      sync.RWMutex
	records map[string]notify.Notification
}

// NewMemoryNotificationStore creates an empty MemoryNotificationStore.
func NewMemoryNotificationStore() *MemoryNotificationStore {
	return &MemoryNotificationStore{records: make(map[string]notify.Notification)}
}

// Create stores a new record, rejecting duplicate notificationIds.
func (s *MemoryNotificationStore) Create(ctx context.Context, n *notify.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.records[n.NotificationID]; exists {
		return fmt.Errorf("notification %s already exists", n.NotificationID)
	}
	s.records[n.NotificationID] = *n
	return nil
}

// FindByID returns a copy of the stored record, or ErrNotFound.
func (s *MemoryNotificationStore) FindByID(ctx context.Context, notificationID string) (*notify.Notification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n, ok := s.records[notificationID]
	if !ok {
		return nil, ErrNotFound
	}
	return &n, nil
}

// SetStatus advances the record's status; regressions are a silent no-op.
func (s *MemoryNotificationStore) SetStatus(ctx context.Context, notificationID string, status notify.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.records[notificationID]
	if !ok {
		return ErrNotFound
	}
	if status.Rank() <= n.Status.Rank() {
		return nil
	}
	n.Status = status
	s.records[notificationID] = n
	return nil
}

// MemorySubscriptionStore is a mutex-guarded in-memory SubscriptionStore.
// The nested map enforces (receiverId, topicId) uniqueness.
type MemorySubscriptionStore struct {
	mu   sync.RWMutex
	subs map[string]map[string]struct{} // receiverID -> set of topicIDs
}

// NewMemorySubscriptionStore creates an empty MemorySubscriptionStore.
func NewMemorySubscriptionStore() *MemorySubscriptionStore {
	return &MemorySubscriptionStore{subs: make(map[string]map[string]struct{})}
}

// Subscribe records the pair; duplicates are a no-op.
func (s *MemorySubscriptionStore) Subscribe(ctx context.Context, receiverID, topicID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.subs[receiverID] == nil {
		s.subs[receiverID] = make(map[string]struct{})
	}
	s.subs[receiverID][topicID] = struct{}{}
	return nil
}

// Unsubscribe removes the pair; missing pairs are a no-op.
func (s *MemorySubscriptionStore) Unsubscribe(ctx context.Context, receiverID, topicID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if topics, ok := s.subs[receiverID]; ok {
		delete(topics, topicID)
		if len(topics) == 0 {
			delete(s.subs, receiverID)
		}
	}
	return nil
}

// ListTopics returns the receiver's subscribed topics.
func (s *MemorySubscriptionStore) ListTopics(ctx context.Context, receiverID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	topics := []string{}
	for t := range s.subs[receiverID] {
		topics = append(topics, t)
	}
	return topics, nil
}
