package bus

import "testing"

var _ Broker = (*RedisBroker)(nil)

func TestNewRedisBrokerRejectsBadURL(t *testing.T) {
	if _, err := NewRedisBroker("://not-a-url"); err == nil {
		t.Error("expected error for malformed redis url")
	}
}
