package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fanoutlabs/courier/internal/notify"
)

// Connect opens a pgx pool against databaseURL and verifies it with a ping.
func Connect(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping db: %w", err)
	}
	return pool, nil
}

// RunMigrations applies the SQL migrations under migrationsPath.
func RunMigrations(databaseURL, migrationsPath string) error {
	m, err := migrate.New("file://"+migrationsPath, databaseURL)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// PostgresNotificationStore implements NotificationStore on PostgreSQL.
// The notifications.notification_id unique index backs the uniqueness
// contract.
type PostgresNotificationStore struct {
	pool *pgxpool.Pool
}

// NewPostgresNotificationStore creates a PostgresNotificationStore.
func NewPostgresNotificationStore(pool *pgxpool.Pool) *PostgresNotificationStore {
	return &PostgresNotificationStore{pool: pool}
}

// Create stores a new notification record.
func (s *PostgresNotificationStore) Create(ctx context.Context, n *notify.Notification) error {
	metadata := n.Metadata
	if metadata == nil {
		metadata = json.RawMessage("{}")
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO notifications (notification_id, sender_id, receiver_id, topic_id, payload, metadata, status, created_at)
		 VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''), $5, $6, $7, $8)`,
		n.NotificationID, n.SenderID, n.ReceiverID, n.TopicID, n.Payload, metadata, string(n.Status), n.Timestamp,
	)
	return err
}

// FindByID returns the record for notificationID, or ErrNotFound.
func (s *PostgresNotificationStore) FindByID(ctx context.Context, notificationID string) (*notify.Notification, error) {
	var n notify.Notification
	var receiverID, topicID *string
	var status string

	err := s.pool.QueryRow(ctx,
		`SELECT notification_id, sender_id, receiver_id, topic_id, payload, metadata, status, created_at
		 FROM notifications WHERE notification_id = $1`,
		notificationID,
	).Scan(&n.NotificationID, &n.SenderID, &receiverID, &topicID, &n.Payload, &n.Metadata, &status, &n.Timestamp)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	if receiverID != nil {
		n.ReceiverID = *receiverID
	}
	if topicID != nil {
		n.TopicID = *topicID
	}
	n.Status = notify.Status(status)
	return &n, nil
}

// SetStatus advances the record's status. The WHERE clause compares the rank
// of the stored and requested states (delivered and failed share the top
// rank), so a regression updates zero rows and stays a no-op even under
// concurrent writers.
func (s *PostgresNotificationStore) SetStatus(ctx context.Context, notificationID string, status notify.Status) error {
	const ranks = `'{accepted,pending,delivered,failed}'::text[]`
	query := `UPDATE notifications SET status = $2
	          WHERE notification_id = $1
	            AND least(array_position(` + ranks + `, status), 3) < least(array_position(` + ranks + `, $2), 3)`

	tag, err := s.pool.Exec(ctx, query, notificationID, string(status))
	if err != nil {
		return err
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	// Zero rows: either the record is missing or the transition was a no-op.
	var exists bool
	if err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM notifications WHERE notification_id = $1)`,
		notificationID,
	).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return ErrNotFound
	}
	return nil
}

// PostgresSubscriptionStore implements SubscriptionStore on PostgreSQL. The
// (receiver_id, topic_id) primary key backs the pair-uniqueness contract.
type PostgresSubscriptionStore struct {
	pool *pgxpool.Pool
}

// NewPostgresSubscriptionStore creates a PostgresSubscriptionStore.
func NewPostgresSubscriptionStore(pool *pgxpool.Pool) *PostgresSubscriptionStore {
	return &PostgresSubscriptionStore{pool: pool}
}

// Subscribe upserts the pair; ON CONFLICT DO NOTHING makes duplicates a no-op.
func (s *PostgresSubscriptionStore) Subscribe(ctx context.Context, receiverID, topicID string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO subscriptions (receiver_id, topic_id) VALUES ($1, $2)
		 ON CONFLICT (receiver_id, topic_id) DO NOTHING`,
		receiverID, topicID,
	)
	return err
}

// Unsubscribe deletes the pair; deleting a missing pair is a no-op.
func (s *PostgresSubscriptionStore) Unsubscribe(ctx context.Context, receiverID, topicID string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM subscriptions WHERE receiver_id = $1 AND topic_id = $2`,
		receiverID, topicID,
	)
	return err
}

// ListTopics returns the receiver's subscribed topics.
func (s *PostgresSubscriptionStore) ListTopics(ctx context.Context, receiverID string) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT topic_id FROM subscriptions WHERE receiver_id = $1 ORDER BY topic_id`,
		receiverID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	topics := []string{}
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		topics = append(topics, t)
	}
	return topics, rows.Err()
}
