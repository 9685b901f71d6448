package correlation

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/fanoutlabs/courier/internal/bus"
)

func TestTrackerRoundTrip(t *testing.T) {
	b := bus.NewInMemoryBroker()
	defer b.Close()

	// Fake responder: echoes the correlation ID back with a result field.
	if _, err := b.Subscribe("query", func(data []byte) {
		var req struct {
			CorrelationID string `json:"correlationId"`
		}
		if err := json.Unmarshal(data, &req); err != nil {
			t.Errorf("responder failed to parse request: %v", err)
			return
		}
		resp, _ := json.Marshal(map[string]string{
			"correlationId": req.CorrelationID,
			"result":        "ok",
		})
		b.Publish("query.response", resp)
	}); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	tr, err := NewTracker(b, "query", "query.response", 2*time.Second)
	if err != nil {
		t.Fatalf("NewTracker failed: %v", err)
	}

	pending, err := tr.Issue(func(correlationID string) ([]byte, error) {
		return json.Marshal(map[string]string{"correlationId": correlationID})
	})
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}

	resp, err := pending.Await()
	if err != nil {
		t.Fatalf("Await failed: %v", err)
	}

	var result struct {
		Result string `json:"result"`
	}
	if err := json.Unmarshal(resp, &result); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if result.Result != "ok" {
		t.Errorf("expected result ok, got %q", result.Result)
	}
	if tr.PendingCount() != 0 {
		t.Errorf("expected 0 pending queries, got %d", tr.PendingCount())
	}
}

func TestTrackerTimeout(t *testing.T) {
	b := bus.NewInMemoryBroker()
	defer b.Close()

	// Nobody answers on the response channel.
	tr, err := NewTracker(b, "query", "query.response", 50*time.Millisecond)
	if err != nil {
		t.Fatalf("NewTracker failed: %v", err)
	}

	pending, err := tr.Issue(func(correlationID string) ([]byte, error) {
		return []byte(`{}`), nil
	})
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}

	if _, err := pending.Await(); !errors.Is(err, ErrTimeout) {
		t.Errorf("expected ErrTimeout, got %v", err)
	}
	if tr.PendingCount() != 0 {
		t.Errorf("expected 0 pending queries after timeout, got %d", tr.PendingCount())
	}
}

func TestTrackerLateResolveIsNoOp(t *testing.T) {
	b := bus.NewInMemoryBroker()
	defer b.Close()

	tr, err := NewTracker(b, "query", "query.response", 20*time.Millisecond)
	if err != nil {
		t.Fatalf("NewTracker failed: %v", err)
	}

	pending, err := tr.Issue(func(correlationID string) ([]byte, error) {
		return []byte(`{}`), nil
	})
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}

	if _, err := pending.Await(); !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}

	if tr.Resolve(pending.CorrelationID(), json.RawMessage(`{}`)) {
		t.Error("expected Resolve after timeout to report no waiter")
	}
}

func TestTrackerDoubleResolve(t *testing.T) {
	b := bus.NewInMemoryBroker()
	defer b.Close()

	tr, err := NewTracker(b, "query", "query.response", 2*time.Second)
	if err != nil {
		t.Fatalf("NewTracker failed: %v", err)
	}

	pending, err := tr.Issue(func(correlationID string) ([]byte, error) {
		return []byte(`{}`), nil
	})
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}

	if !tr.Resolve(pending.CorrelationID(), json.RawMessage(`{"n":1}`)) {
		t.Fatal("expected first Resolve to deliver")
	}
	if tr.Resolve(pending.CorrelationID(), json.RawMessage(`{"n":2}`)) {
		t.Error("expected second Resolve to be a no-op")
	}

	resp, err := pending.Await()
	if err != nil {
		t.Fatalf("Await failed: %v", err)
	}
	if string(resp) != `{"n":1}` {
		t.Errorf("expected first response, got %s", resp)
	}
}

func TestTrackerIssueBuildFailure(t *testing.T) {
	b := bus.NewInMemoryBroker()
	defer b.Close()

	tr, err := NewTracker(b, "query", "query.response", 2*time.Second)
	if err != nil {
		t.Fatalf("NewTracker failed: %v", err)
	}

	if _, err := tr.Issue(func(string) ([]byte, error) {
		return nil, fmt.Errorf("marshal exploded")
	}); err == nil {
		t.Fatal("expected Issue to propagate the build error")
	}
	if tr.PendingCount() != 0 {
		t.Errorf("expected failed Issue to leave no waiter, got %d", tr.PendingCount())
	}
}

func TestTrackerDropsResponseWithoutCorrelationID(t *testing.T) {
	b := bus.NewInMemoryBroker()
	defer b.Close()

	tr, err := NewTracker(b, "query", "query.response", 100*time.Millisecond)
	if err != nil {
		t.Fatalf("NewTracker failed: %v", err)
	}

	pending, err := tr.Issue(func(string) ([]byte, error) {
		return []byte(`{}`), nil
	})
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}

	// Neither frame matches the waiter; the query must still time out.
	b.Publish("query.response", []byte(`not json`))
	b.Publish("query.response", []byte(`{"status":"ok"}`))

	if _, err := pending.Await(); !errors.Is(err, ErrTimeout) {
		t.Errorf("expected ErrTimeout, got %v", err)
	}
}
