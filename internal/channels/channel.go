// Package channels implements outbound delivery to messaging platforms.
package channels

import (
	"context"

	"github.com/numroute/numroute/internal/bus"
)

// Sender delivers agent replies through one channel type.
type Sender interface {
	// Name returns the channel type this sender serves ("whatsapp", "sms").
	Name() string
	// Start prepares the sender and subscribes it to the bus.
	Start(ctx context.Context) error
	// Stop shuts the sender down.
	Stop() error
	// Send delivers one message. ChannelID is the registration identifier
	// of the business channel the reply goes out through.
	Send(ctx context.Context, msg *bus.OutboundMessage) error
}

// BaseSender provides the bus handle shared by all senders.
type BaseSender struct {
	Bus *bus.MessageBus
}
