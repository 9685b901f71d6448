// Package bus provides the publish/subscribe adapter that connects the
// courier processes to each other. Every inter-process interaction in the
// system (ingress to dispatcher, dispatcher to delivery, acknowledgments,
// correlation queries) travels through a Broker as a raw JSON frame.
package bus

import "log"

// Handler is a callback invoked with the raw frame of every message received
// on a subscribed channel. Handlers must tolerate malformed frames; a bad
// message is the handler's problem to log and drop, never the broker's.
type Handler func(data []byte)

// Broker is the interface for publishing and subscribing to named channels.
// Delivery is fire-and-forget and at-most-once per subscriber group, with no
// ordering guarantee across channels. Implementations include InMemoryBroker
// (single process), RedisBroker and KafkaBroker (distributed setups).
type Broker interface {
	// Publish sends a raw frame to the given channel. Subscribers registered
	// for that channel receive the frame asynchronously.
	Publish(channel string, data []byte) error

	// Subscribe registers a handler that is called for every frame published
	// to the given channel. Returns a subscription ID for tracking purposes.
	Subscribe(channel string, handler Handler) (string, error)

	// Close shuts down the broker, releasing connections, goroutines and
	// channels. After Close returns, Publish and Subscribe must not be called.
	Close() error
}

// invoke runs a handler, recovering panics so one bad handler cannot stop a
// subscription loop.
func invoke(h Handler, data []byte) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("bus: handler panic: %v", r)
		}
	}()
	h(data)
}
