package bus

import (
	"fmt"
	"log"
	"sync"

	"github.com/google/uuid"
)

type subscription struct {
	id      string
	handler Handler
}

// InMemoryBroker is a simple, single-process Broker backed by Go channels.
// It is suitable for development, tests and single-node deployments where
// gateway, dispatcher and delivery run in one process.
type InMemoryBroker struct {
	mu      sync.RWMutex
	subs    map[string][]subscription // channel -> subscriptions
	closed  bool
	frameCh chan frame
	done    chan struct{}
}

type frame struct {
	channel string
	data    []byte
}

// NewInMemoryBroker creates and starts an InMemoryBroker. The broker starts a
// background goroutine to dispatch frames; call Close() to stop it.
func NewInMemoryBroker() *InMemoryBroker {
	b := &InMemoryBroker{
		subs:    make(map[string][]subscription),
		frameCh: make(chan frame, 1024),
		done:    make(chan struct{}),
	}
	go b.dispatch()
	return b
}

// Publish enqueues a frame for asynchronous delivery to all subscribers of
// the given channel. The enqueue never blocks: handlers publish back into the
// broker (the routing path does exactly that), and a blocking send from the
// dispatch goroutine into its own full queue would deadlock the whole bus.
// When the queue is full the frame is dropped with a log, which the
// at-most-once contract permits.
func (b *InMemoryBroker) Publish(channel string, data []byte) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return fmt.Errorf("broker is closed")
	}

	select {
	case b.frameCh <- frame{channel: channel, data: data}:
	default:
		log.Printf("bus: frame queue full, dropping frame for %s", channel)
	}
	return nil
}

// Subscribe registers a handler for the given channel and returns a
// subscription ID.
func (b *InMemoryBroker) Subscribe(channel string, handler Handler) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return "", fmt.Errorf("broker is closed")
	}

	id := uuid.New().String()
	b.subs[channel] = append(b.subs[channel], subscription{id: id, handler: handler})
	return id, nil
}

// Close stops the dispatch goroutine and prevents further Publish/Subscribe
// calls.
func (b *InMemoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}

	b.closed = true
	close(b.frameCh)
	<-b.done
	return nil
}

// dispatch runs in a goroutine and fans out published frames to the matching
// subscribers.
func (b *InMemoryBroker) dispatch() {
	defer close(b.done)

	for f := range b.frameCh {
		b.mu.RLock()
		subs := b.subs[f.channel]
		// Copy the slice so we can release the lock before calling handlers.
		handlers := make([]Handler, len(subs))
		for i, s := range subs {
			handlers[i] = s.handler
		}
		b.mu.RUnlock()

		for _, h := range handlers {
			invoke(h, f.data)
		}
	}
}
