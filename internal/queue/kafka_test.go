package queue

import "testing"

func TestKafkaConsumer_ClosePreservesPendingDeliveries(t *testing.T) {
	c := NewKafkaConsumer("localhost:9092", "group", "inbound")
	c.deliveries <- NewDelivery([]byte("pending"), nil, nil)

	if err := c.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	// Close must not close the deliveries channel: the fetch loop may be
	// mid-send and owns the close.
	select {
	case d, ok := <-c.deliveries:
		if !ok {
			t.Fatal("deliveries channel closed by Close before the fetch loop exited")
		}
		if string(d.Value) != "pending" {
			t.Errorf("unexpected payload %q", d.Value)
		}
	default:
		t.Fatal("pending delivery lost")
	}
}

func TestKafkaConsumer_CloseBeforeStart(t *testing.T) {
	c := NewKafkaConsumer("localhost:9092", "group", "inbound")
	if err := c.Close(); err != nil {
		t.Fatalf("close before start: %v", err)
	}
}
