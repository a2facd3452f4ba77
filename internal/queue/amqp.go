package queue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// amqpReconnectDelay is the fixed backoff between reconnect attempts.
const amqpReconnectDelay = 10 * time.Second

// AMQPConsumer implements Consumer over RabbitMQ with explicit per-
// delivery Ack/Nack. Connection loss triggers a reconnect loop; the
// broker redelivers anything left unacked.
type AMQPConsumer struct {
	url        string
	queue      string
	deliveries chan *Delivery
	conn       *amqp.Connection
}

// NewAMQPConsumer creates a RabbitMQ consumer for the named queue.
func NewAMQPConsumer(url, queue string) *AMQPConsumer {
	return &AMQPConsumer{
		url:        url,
		queue:      queue,
		deliveries: make(chan *Delivery, 100),
	}
}

// Start begins the supervised receive loop.
func (c *AMQPConsumer) Start(ctx context.Context) error {
	go c.run(ctx)
	return nil
}

func (c *AMQPConsumer) run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		if err := c.consumeOnce(ctx); err != nil {
			slog.Error("amqp: connection error, reconnecting", "error", err, "retry_in", amqpReconnectDelay)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(amqpReconnectDelay):
		}
	}
}

// consumeOnce dials, declares the queue and pumps deliveries until the
// connection dies or the context is cancelled.
func (c *AMQPConsumer) consumeOnce(ctx context.Context) error {
	conn, err := amqp.Dial(c.url)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	c.conn = conn
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("channel: %w", err)
	}
	defer ch.Close()

	if _, err := ch.QueueDeclare(c.queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue %s: %w", c.queue, err)
	}
	if err := ch.Qos(1, 0, false); err != nil {
		return fmt.Errorf("qos: %w", err)
	}

	msgs, err := ch.Consume(c.queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", c.queue, err)
	}
	closeCh := conn.NotifyClose(make(chan *amqp.Error, 1))
	slog.Info("amqp: listening", "queue", c.queue)

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-closeCh:
			return fmt.Errorf("connection closed: %v", err)
		case d, ok := <-msgs:
			if !ok {
				return fmt.Errorf("delivery channel closed")
			}
			c.deliveries <- NewDelivery(d.Body,
				func() error { return d.Ack(false) },
				func() error { return d.Nack(false, true) })
		}
	}
}

// Deliveries returns the channel of received messages.
func (c *AMQPConsumer) Deliveries() <-chan *Delivery { return c.deliveries }

// Close tears the connection down.
func (c *AMQPConsumer) Close() error {
	if c.conn != nil && !c.conn.IsClosed() {
		return c.conn.Close()
	}
	return nil
}
