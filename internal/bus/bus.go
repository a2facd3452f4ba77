// Package bus provides the async dispatch path between the queue
// processor and the outbound channel senders.
package bus

import (
	"context"
	"sync"
	"time"
)

// OutboundMessage is an agent reply headed back to a customer.
type OutboundMessage struct {
	ChannelType string    `json:"channel_type"`
	ChannelID   string    `json:"channel_id"`
	Recipient   string    `json:"recipient"`
	Content     string    `json:"content"`
	TraceID     string    `json:"trace_id"`
	Timestamp   time.Time `json:"timestamp"`
}

// MessageBus decouples message processing from channel delivery.
type MessageBus struct {
	outbound chan *OutboundMessage
	subs     map[string][]func(*OutboundMessage)
	mu       sync.RWMutex
}

// NewMessageBus creates a new message bus.
func NewMessageBus() *MessageBus {
	return &MessageBus{
		outbound: make(chan *OutboundMessage, 100),
		subs:     make(map[string][]func(*OutboundMessage)),
	}
}

// PublishOutbound queues a reply for delivery.
func (b *MessageBus) PublishOutbound(msg *OutboundMessage) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	b.outbound <- msg
}

// Subscribe registers a callback for outbound messages on a channel type.
func (b *MessageBus) Subscribe(channelType string, callback func(*OutboundMessage)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[channelType] = append(b.subs[channelType], callback)
}

// DispatchOutbound runs the outbound dispatcher until the context is
// cancelled. Run as a goroutine.
func (b *MessageBus) DispatchOutbound(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-b.outbound:
			b.mu.RLock()
			callbacks := b.subs[msg.ChannelType]
			b.mu.RUnlock()
			for _, cb := range callbacks {
				cb(msg)
			}
		}
	}
}

// OutboundSize returns the number of pending outbound messages.
func (b *MessageBus) OutboundSize() int {
	return len(b.outbound)
}
