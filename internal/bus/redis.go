package bus

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisBroker implements Broker on top of Redis pub/sub. It uses a single
// client for publishing and one PubSub subscription per Subscribe call, each
// drained by its own goroutine. Redis pub/sub is fire-and-forget: frames
// published while a subscriber is disconnected are lost, which matches the
// at-most-once contract of the Broker interface.
type RedisBroker struct {
	client *redis.Client
	mu     sync.Mutex
	subs   map[string]*redisSubscription
	closed bool
	ctx    context.Context
	cancel context.CancelFunc
}

type redisSubscription struct {
	id     string
	pubsub *redis.PubSub
}

// NewRedisBroker connects to Redis at the given URL (redis://host:port/db)
// and verifies the connection with a ping.
func NewRedisBroker(url string) (*RedisBroker, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithCancel(context.Background())
	if err := client.Ping(ctx).Err(); err != nil {
		cancel()
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return &RedisBroker{
		client: client,
		subs:   make(map[string]*redisSubscription),
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// Publish sends the frame to the given Redis channel.
func (b *RedisBroker) Publish(channel string, data []byte) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return fmt.Errorf("broker is closed")
	}
	b.mu.Unlock()

	if err := b.client.Publish(b.ctx, channel, data).Err(); err != nil {
		return fmt.Errorf("publish to redis: %w", err)
	}
	return nil
}

// Subscribe opens a Redis subscription for the given channel and invokes the
// handler for each message received until Close() is called.
func (b *RedisBroker) Subscribe(channel string, handler Handler) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return "", fmt.Errorf("broker is closed")
	}

	id := uuid.New().String()
	pubsub := b.client.Subscribe(b.ctx, channel)

	b.subs[id] = &redisSubscription{id: id, pubsub: pubsub}

	go func() {
		for msg := range pubsub.Channel() {
			invoke(handler, []byte(msg.Payload))
		}
	}()

	return id, nil
}

// Close unsubscribes everything and closes the underlying client.
func (b *RedisBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}

	b.closed = true
	b.cancel()

	var firstErr error

	for _, sub := range b.subs {
		if err := sub.pubsub.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if err := b.client.Close(); err != nil && firstErr == nil {
		firstErr = err
	}

	return firstErr
}
