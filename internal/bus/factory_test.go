package bus

import (
	"testing"

	"github.com/fanoutlabs/courier/internal/config"
)

func TestNewDefaultsToInMemory(t *testing.T) {
	b, err := New(&config.Config{})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer b.Close()

	if _, ok := b.(*InMemoryBroker); !ok {
		t.Errorf("expected *InMemoryBroker, got %T", b)
	}
}

func TestNewSelectsKafka(t *testing.T) {
	b, err := New(&config.Config{KafkaBrokers: "localhost:9092,localhost:9093"})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer b.Close()

	kb, ok := b.(*KafkaBroker)
	if !ok {
		t.Fatalf("expected *KafkaBroker, got %T", b)
	}
	if len(kb.config.Brokers) != 2 {
		t.Errorf("expected 2 broker addresses, got %d", len(kb.config.Brokers))
	}
}
