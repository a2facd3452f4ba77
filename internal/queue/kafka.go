package queue

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
)

// KafkaConsumer implements Consumer using segmentio/kafka-go. Ack maps
// to an explicit offset commit; an abandoned delivery is simply not
// committed, so the group redelivers it after a rebalance or restart.
type KafkaConsumer struct {
	brokers       string
	consumerGroup string
	topic         string
	reader        *kafka.Reader
	deliveries    chan *Delivery
}

// NewKafkaConsumer creates a Kafka consumer for the inbound topic.
func NewKafkaConsumer(brokers, consumerGroup, topic string) *KafkaConsumer {
	return &KafkaConsumer{
		brokers:       brokers,
		consumerGroup: consumerGroup,
		topic:         topic,
		deliveries:    make(chan *Delivery, 100),
	}
}

// Start begins fetching messages. The loop backs off on read errors and
// keeps going until the context is cancelled.
func (c *KafkaConsumer) Start(ctx context.Context) error {
	c.reader = kafka.NewReader(kafka.ReaderConfig{
		Brokers:  strings.Split(c.brokers, ","),
		Topic:    c.topic,
		GroupID:  c.consumerGroup,
		MinBytes: 1,
		MaxBytes: 10e6,
	})

	go func() {
		// Only the fetch loop closes deliveries; closing from Close
		// could race a blocked send and panic.
		defer close(c.deliveries)
		for {
			msg, err := c.reader.FetchMessage(ctx)
			if err != nil {
				if ctx.Err() != nil || errors.Is(err, io.ErrClosedPipe) {
					return
				}
				slog.Warn("kafka: fetch error", "topic", c.topic, "error", err)
				select {
				case <-ctx.Done():
					return
				case <-time.After(5 * time.Second):
				}
				continue
			}
			m := msg
			d := NewDelivery(m.Value,
				func() error { return c.reader.CommitMessages(ctx, m) },
				func() error {
					// No explicit nack in Kafka; leaving the offset
					// uncommitted is what triggers redelivery.
					slog.Warn("kafka: delivery abandoned", "topic", c.topic, "offset", m.Offset)
					return nil
				})
			select {
			case c.deliveries <- d:
			case <-ctx.Done():
				return
			}
		}
	}()
	return nil
}

// Deliveries returns the channel of fetched messages.
func (c *KafkaConsumer) Deliveries() <-chan *Delivery { return c.deliveries }

// Close stops the reader. The deliveries channel is closed by the fetch
// loop on exit, not here.
func (c *KafkaConsumer) Close() error {
	if c.reader != nil {
		return c.reader.Close()
	}
	return nil
}
