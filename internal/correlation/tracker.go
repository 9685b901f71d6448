// Package correlation implements synchronous-style request/response on top
// of the one-way message bus. A caller publishes a request carrying a unique
// correlation ID and blocks on a waiter; whichever process answers publishes
// a response carrying the same ID on a designated response channel, and the
// tracker hands it to the waiting caller. The same primitive serves both
// notification status queries and topic-membership queries; only the channel
// pair and payload shape differ.
package correlation

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fanoutlabs/courier/internal/bus"
)

// ErrTimeout is returned by Await when no response arrived before the
// tracker's deadline. It is distinguishable from every other failure; a query
// that times out never looks like an empty success.
var ErrTimeout = errors.New("correlation: query timed out")

type waiter struct {
	ch    chan json.RawMessage
	timer *time.Timer
}

// Tracker manages pending request/response exchanges over one
// (request channel, response channel) pair.
type Tracker struct {
	broker          bus.Broker
	requestChannel  string
	responseChannel string
	timeout         time.Duration

	mu      sync.Mutex
	pending map[string]*waiter
}

// NewTracker creates a Tracker and subscribes it to the response channel.
// Responses whose correlation ID has no waiter are dropped silently.
func NewTracker(broker bus.Broker, requestChannel, responseChannel string, timeout time.Duration) (*Tracker, error) {
	t := &Tracker{
		broker:          broker,
		requestChannel:  requestChannel,
		responseChannel: responseChannel,
		timeout:         timeout,
		pending:         make(map[string]*waiter),
	}

	if _, err := broker.Subscribe(responseChannel, t.handleResponse); err != nil {
		return nil, fmt.Errorf("subscribe to %s: %w", responseChannel, err)
	}
	return t, nil
}

// Pending is the handle for one in-flight query. Exactly one of a response or
// a timeout is delivered to it.
type Pending struct {
	correlationID string
	ch            chan json.RawMessage
}

// CorrelationID returns the ID attached to this query.
func (p *Pending) CorrelationID() string {
	return p.correlationID
}

// Await blocks until the query resolves and returns the raw response frame,
// or ErrTimeout if the deadline fired first. It must be called from a
// goroutine that is allowed to block; the tracker itself keeps processing
// other responses meanwhile.
func (p *Pending) Await() (json.RawMessage, error) {
	resp, ok := <-p.ch
	if !ok {
		return nil, ErrTimeout
	}
	return resp, nil
}

// Issue generates a correlation ID, registers a waiter with an armed deadline
// and publishes the request built by the callback. If building or publishing
// fails, the waiter is torn down and the error is returned immediately rather
// than left to time out.
func (t *Tracker) Issue(build func(correlationID string) ([]byte, error)) (*Pending, error) {
	id := uuid.New().String()
	w := &waiter{ch: make(chan json.RawMessage, 1)}

	t.mu.Lock()
	t.pending[id] = w
	t.mu.Unlock()

	// The timer is the only cleanup path for abandoned waits, so it is armed
	// before the request is on the wire.
	w.timer = time.AfterFunc(t.timeout, func() { t.expire(id) })

	payload, err := build(id)
	if err != nil {
		t.discard(id)
		return nil, err
	}

	if err := t.broker.Publish(t.requestChannel, payload); err != nil {
		t.discard(id)
		return nil, fmt.Errorf("publish query: %w", err)
	}

	return &Pending{correlationID: id, ch: w.ch}, nil
}

// Resolve delivers a response to the waiter registered for correlationID and
// reports whether one existed. Resolving twice, resolving after the timeout
// fired, or resolving an unknown ID is a safe no-op.
func (t *Tracker) Resolve(correlationID string, response json.RawMessage) bool {
	t.mu.Lock()
	w, ok := t.pending[correlationID]
	if ok {
		delete(t.pending, correlationID)
	}
	t.mu.Unlock()

	if !ok {
		return false
	}

	w.timer.Stop()
	w.ch <- response
	return true
}

// expire removes a waiter whose deadline fired and signals the timeout by
// closing its channel.
func (t *Tracker) expire(correlationID string) {
	t.mu.Lock()
	w, ok := t.pending[correlationID]
	if ok {
		delete(t.pending, correlationID)
	}
	t.mu.Unlock()

	if ok {
		close(w.ch)
	}
}

// discard removes a waiter that never made it onto the wire.
func (t *Tracker) discard(correlationID string) {
	t.mu.Lock()
	w, ok := t.pending[correlationID]
	if ok {
		delete(t.pending, correlationID)
	}
	t.mu.Unlock()

	if ok {
		w.timer.Stop()
	}
}

// PendingCount returns the number of in-flight queries. Used by tests and
// health reporting.
func (t *Tracker) PendingCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

func (t *Tracker) handleResponse(data []byte) {
	var envelope struct {
		CorrelationID string `json:"correlationId"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		log.Printf("correlation: dropping unparsable response on %s: %v", t.responseChannel, err)
		return
	}
	if envelope.CorrelationID == "" {
		log.Printf("correlation: dropping response without correlationId on %s", t.responseChannel)
		return
	}

	// A false return means the waiter already timed out or never existed;
	// late responses are dropped silently.
	t.Resolve(envelope.CorrelationID, json.RawMessage(data))
}
