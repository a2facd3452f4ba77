// Package queue consumes inbound channel events from a durable broker
// and drives the message router.
package queue

import "context"

// Delivery is one raw message pulled from the broker. Every delivery
// must be either Acked (done, do not redeliver) or Abandoned (return to
// the broker for redelivery).
type Delivery struct {
	Value   []byte
	ack     func() error
	abandon func() error
}

// NewDelivery builds a delivery with its settlement callbacks.
func NewDelivery(value []byte, ack, abandon func() error) *Delivery {
	return &Delivery{Value: value, ack: ack, abandon: abandon}
}

// Ack settles the delivery as processed.
func (d *Delivery) Ack() error {
	if d.ack == nil {
		return nil
	}
	return d.ack()
}

// Abandon returns the delivery to the broker for redelivery.
func (d *Delivery) Abandon() error {
	if d.abandon == nil {
		return nil
	}
	return d.abandon()
}

// Consumer reads deliveries from a durable queue with at-least-once
// semantics.
type Consumer interface {
	// Start begins the receive loop. It must survive transient broker
	// errors by backing off and reconnecting.
	Start(ctx context.Context) error
	// Deliveries returns the channel of received deliveries.
	Deliveries() <-chan *Delivery
	// Close stops the consumer and releases broker resources.
	Close() error
}

// ChannelConsumer is an in-process Consumer implementation backed by a
// Go channel, used in tests.
type ChannelConsumer struct {
	ch chan *Delivery
}

// NewChannelConsumer creates an in-process consumer.
func NewChannelConsumer() *ChannelConsumer {
	return &ChannelConsumer{ch: make(chan *Delivery, 100)}
}

// Start is a no-op for the channel consumer.
func (c *ChannelConsumer) Start(ctx context.Context) error { return nil }

// Deliveries returns the delivery channel.
func (c *ChannelConsumer) Deliveries() <-chan *Delivery { return c.ch }

// Close closes the channel.
func (c *ChannelConsumer) Close() error {
	close(c.ch)
	return nil
}

// Send pushes a delivery into the consumer (for testing).
func (c *ChannelConsumer) Send(d *Delivery) {
	c.ch <- d
}
