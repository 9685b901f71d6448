package delivery

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/fanoutlabs/courier/internal/bus"
	"github.com/fanoutlabs/courier/internal/config"
	"github.com/fanoutlabs/courier/internal/notify"
)

func testChannels() config.Channels {
	return config.Channels{
		Dispatch: "notifications.dispatch",
		Ack:      "notifications.ack",
	}
}

type engineFixture struct {
	broker   *bus.InMemoryBroker
	registry *Registry
	hub      *Hub
	acks     chan []byte
}

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()

	f := &engineFixture{
		broker:   bus.NewInMemoryBroker(),
		registry: NewRegistry(),
		acks:     make(chan []byte, 16),
	}
	f.hub = NewHub(f.registry)
	t.Cleanup(func() { f.broker.Close() })

	if _, err := f.broker.Subscribe(testChannels().Ack, func(data []byte) {
		f.acks <- data
	}); err != nil {
		t.Fatalf("Subscribe to ack channel failed: %v", err)
	}

	e := NewEngine(f.broker, f.hub, f.registry, testChannels())
	if err := e.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	return f
}

func (f *engineFixture) dispatch(t *testing.T, n notify.Notification) {
	t.Helper()

	data, err := json.Marshal(&n)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	if err := f.broker.Publish(testChannels().Dispatch, data); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
}

func awaitFrame(t *testing.T, s *Session) frame {
	t.Helper()

	select {
	case msg := <-s.send:
		var f frame
		if err := json.Unmarshal(msg, &f); err != nil {
			t.Fatalf("failed to parse frame: %v", err)
		}
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frame")
		return frame{}
	}
}

func (f *engineFixture) awaitAck(t *testing.T, want string) {
	t.Helper()

	select {
	case data := <-f.acks:
		if string(data) != want {
			t.Errorf("expected ack %q, got %q", want, data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for ack")
	}
}

func TestEngineDirectDelivery(t *testing.T) {
	f := newEngineFixture(t)

	s := newTestSession(f.hub, "s-1", "user-1")
	f.hub.Register(s)

	f.dispatch(t, notify.Notification{
		NotificationID: "n-1",
		SenderID:       "svc",
		ReceiverID:     "User-1", // case differs from the registered receiver
		Payload:        json.RawMessage(`{"text":"hi"}`),
		Status:         notify.StatusPending,
	})

	fr := awaitFrame(t, s)
	if fr.Event != EventPush {
		t.Errorf("expected push frame, got %q", fr.Event)
	}

	// The emitted notification must not leak its addressing.
	data, err := json.Marshal(fr.Data)
	if err != nil {
		t.Fatalf("marshal frame data failed: %v", err)
	}
	var emitted map[string]json.RawMessage
	if err := json.Unmarshal(data, &emitted); err != nil {
		t.Fatalf("failed to parse emitted notification: %v", err)
	}
	if _, ok := emitted["receiverId"]; ok {
		t.Error("expected receiverId stripped from the push frame")
	}

	f.awaitAck(t, "n-1")
}

func TestEngineTopicDelivery(t *testing.T) {
	f := newEngineFixture(t)

	a := newTestSession(f.hub, "s-a", "user-a")
	b := newTestSession(f.hub, "s-b", "user-b")
	c := newTestSession(f.hub, "s-c", "user-c")
	for _, s := range []*Session{a, b, c} {
		f.hub.Register(s)
	}
	f.hub.JoinRooms(a, []string{"deploys"})
	f.hub.JoinRooms(b, []string{"deploys"})

	f.dispatch(t, notify.Notification{
		NotificationID: "n-1",
		SenderID:       "svc",
		TopicID:        "deploys",
		Payload:        json.RawMessage(`{"text":"released"}`),
		Status:         notify.StatusPending,
	})

	for _, s := range []*Session{a, b} {
		if fr := awaitFrame(t, s); fr.Event != EventPush {
			t.Errorf("expected push frame, got %q", fr.Event)
		}
	}
	f.awaitAck(t, "n-1")

	select {
	case <-c.send:
		t.Error("non-member session received a topic notification")
	default:
	}
}

func TestEngineDropsWhenReceiverOffline(t *testing.T) {
	f := newEngineFixture(t)

	f.dispatch(t, notify.Notification{
		NotificationID: "n-1",
		SenderID:       "svc",
		ReceiverID:     "ghost",
		Payload:        json.RawMessage(`{}`),
		Status:         notify.StatusPending,
	})

	// No connection means no delivery and no ack; the record stays pending.
	select {
	case data := <-f.acks:
		t.Errorf("expected no ack for offline receiver, got %q", data)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestEngineDropsMalformedDispatch(t *testing.T) {
	f := newEngineFixture(t)

	if err := f.broker.Publish(testChannels().Dispatch, []byte(`not json`)); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	f.dispatch(t, notify.Notification{
		SenderID:   "svc",
		ReceiverID: "user-1",
		Payload:    json.RawMessage(`{}`),
	})

	select {
	case data := <-f.acks:
		t.Errorf("expected no ack for malformed frames, got %q", data)
	case <-time.After(100 * time.Millisecond):
	}
}
