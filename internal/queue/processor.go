package queue

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/numroute/numroute/internal/bus"
	"github.com/numroute/numroute/internal/router"
	"github.com/numroute/numroute/internal/transcribe"
)

// EventTypeMessageReceived is the only event type the processor handles.
// Everything else is acknowledged and skipped.
const EventTypeMessageReceived = "message.received"

// MediaRef points at an attachment blob held by the channel provider.
type MediaRef struct {
	ID       string `json:"id"`
	MimeType string `json:"mimeType"`
	Caption  string `json:"caption,omitempty"`
}

// EventData is the inbound-message payload.
type EventData struct {
	ChannelType string    `json:"channelType"`
	From        string    `json:"from"`
	To          string    `json:"to"`
	Content     string    `json:"content"`
	Media       *MediaRef `json:"media,omitempty"`
}

// Event is the queue envelope.
type Event struct {
	EventType string    `json:"eventType"`
	Data      EventData `json:"data"`
}

// Processor consumes inbound channel events, runs them through the
// router and publishes replies for outbound delivery. Consumption is
// at-most-once per message: business failures are acked (and answered
// by the router's apology path); only handler panics abandon the
// delivery for broker redelivery.
type Processor struct {
	consumer    Consumer
	router      *router.Router
	outbound    *bus.MessageBus
	media       MediaFetcher
	transcriber transcribe.Transcriber

	running atomic.Bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewProcessor creates a queue processor. media and transcriber may be
// nil when no media pipeline is configured.
func NewProcessor(consumer Consumer, rt *router.Router, outbound *bus.MessageBus, media MediaFetcher, transcriber transcribe.Transcriber) *Processor {
	return &Processor{
		consumer:    consumer,
		router:      rt,
		outbound:    outbound,
		media:       media,
		transcriber: transcriber,
	}
}

// Start launches the receive loop. Safe to call once.
func (p *Processor) Start(ctx context.Context) error {
	if !p.running.CompareAndSwap(false, true) {
		return nil
	}
	loopCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})

	if err := p.consumer.Start(loopCtx); err != nil {
		p.running.Store(false)
		cancel()
		close(p.done)
		return err
	}

	go func() {
		defer close(p.done)
		slog.Info("queue: processor listening")
		for {
			select {
			case <-loopCtx.Done():
				return
			case d, ok := <-p.consumer.Deliveries():
				if !ok {
					return
				}
				p.handle(loopCtx, d)
			}
		}
	}()
	return nil
}

// Stop cancels the receive loop and waits for it to exit. In-flight
// handling completes or abandons; it is never dropped silently.
func (p *Processor) Stop() {
	if !p.running.CompareAndSwap(true, false) {
		return
	}
	p.cancel()
	<-p.done
	p.consumer.Close()
	slog.Info("queue: processor stopped")
}

// Running reports whether the receive loop is active.
func (p *Processor) Running() bool { return p.running.Load() }

// handle settles exactly one delivery. A panic in the handler abandons
// the message so the broker redelivers it; everything else acks.
func (p *Processor) handle(ctx context.Context, d *Delivery) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("queue: handler panic, abandoning delivery", "panic", r)
			if err := d.Abandon(); err != nil {
				slog.Error("queue: abandon failed", "error", err)
			}
		}
	}()

	var event Event
	if err := json.Unmarshal(d.Value, &event); err != nil {
		slog.Warn("queue: undecodable event, acking", "error", err)
		p.ack(d)
		return
	}

	if event.EventType != EventTypeMessageReceived {
		slog.Info("queue: skipping event", "event_type", event.EventType)
		p.ack(d)
		return
	}

	data := event.Data
	content := p.resolveMedia(ctx, data.Media, data.Content)
	if strings.TrimSpace(content) == "" {
		slog.Info("queue: no text content, acking", "from", data.From)
		p.ack(d)
		return
	}

	conversationID := router.ConversationID(data.ChannelType, data.From)
	result := p.router.ProcessMessage(ctx, data.From, data.To, content, conversationID)
	if !result.Success {
		// Business failure: answered (or unanswerable), not retryable
		// through the queue.
		slog.Error("queue: message processing failed", "from", data.From, "to", data.To, "error", result.Error)
		p.ack(d)
		return
	}

	p.outbound.PublishOutbound(&bus.OutboundMessage{
		ChannelType: result.RoutingInfo.ChannelType,
		ChannelID:   result.RoutingInfo.ChannelID,
		Recipient:   data.From,
		Content:     result.Response,
		TraceID:     uuid.NewString(),
	})
	p.ack(d)
}

func (p *Processor) ack(d *Delivery) {
	if err := d.Ack(); err != nil {
		slog.Error("queue: ack failed", "error", err)
	}
}
