package queue

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/numroute/numroute/internal/bus"
	"github.com/numroute/numroute/internal/convstore"
	"github.com/numroute/numroute/internal/registry"
	"github.com/numroute/numroute/internal/router"
)

type stubInvoker struct {
	reply string
}

func (s *stubInvoker) Ask(ctx context.Context, endpoint, agentID, conversationID, text string) (string, error) {
	return s.reply, nil
}

// settlement tracks how a test delivery was settled.
type settlement struct {
	acked     atomic.Bool
	abandoned atomic.Bool
	done      chan struct{}
}

func newSettlement() *settlement {
	return &settlement{done: make(chan struct{}, 2)}
}

func (s *settlement) delivery(payload []byte) *Delivery {
	return NewDelivery(payload,
		func() error { s.acked.Store(true); s.done <- struct{}{}; return nil },
		func() error { s.abandoned.Store(true); s.done <- struct{}{}; return nil })
}

func (s *settlement) wait(t *testing.T) {
	t.Helper()
	select {
	case <-s.done:
	case <-time.After(5 * time.Second):
		t.Fatal("delivery never settled")
	}
}

type procFixture struct {
	registry  *registry.Registry
	conv      *convstore.Store
	consumer  *ChannelConsumer
	outbound  *bus.MessageBus
	processor *Processor
}

func newProcFixture(t *testing.T, routed bool) *procFixture {
	t.Helper()
	store, err := registry.OpenStore(filepath.Join(t.TempDir(), "numroute.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	reg := registry.New(store)
	conv := convstore.NewWithDB(store.DB())
	if routed {
		if err := reg.AddAgent(registry.Agent{AgentID: "asst_1", AgentName: "Bot", Endpoint: "https://agents.example.com"}); err != nil {
			t.Fatal(err)
		}
		if err := reg.AddChannel(registry.Channel{
			ChannelID: "ch-1", ChannelName: "Line", ChannelType: registry.ChannelTypeWhatsApp,
			Provider: "acme", PhoneNumber: "+18325550100", IsActive: true,
		}); err != nil {
			t.Fatal(err)
		}
		if err := reg.AddMapping(registry.Mapping{MappingID: "map-1", AgentID: "asst_1", ChannelID: "ch-1", IsActive: true}); err != nil {
			t.Fatal(err)
		}
	}

	rt := router.New(reg, conv, &stubInvoker{reply: "the answer"})
	consumer := NewChannelConsumer()
	outbound := bus.NewMessageBus()
	proc := NewProcessor(consumer, rt, outbound, nil, nil)
	if err := proc.Start(context.Background()); err != nil {
		t.Fatalf("start processor: %v", err)
	}
	t.Cleanup(proc.Stop)
	return &procFixture{registry: reg, conv: conv, consumer: consumer, outbound: outbound, processor: proc}
}

func eventPayload(t *testing.T, eventType string, data EventData) []byte {
	t.Helper()
	payload, err := json.Marshal(Event{EventType: eventType, Data: data})
	if err != nil {
		t.Fatal(err)
	}
	return payload
}

func TestProcessor_RoutesAndPublishesReply(t *testing.T) {
	f := newProcFixture(t, true)

	replies := make(chan *bus.OutboundMessage, 1)
	f.outbound.Subscribe("whatsapp", func(msg *bus.OutboundMessage) { replies <- msg })
	dispatchCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.outbound.DispatchOutbound(dispatchCtx)

	s := newSettlement()
	f.consumer.Send(s.delivery(eventPayload(t, EventTypeMessageReceived, EventData{
		ChannelType: "whatsapp",
		From:        "+15550001111",
		To:          "+18325550100",
		Content:     "hi there",
	})))
	s.wait(t)

	if !s.acked.Load() || s.abandoned.Load() {
		t.Error("expected delivery to be acked")
	}

	select {
	case reply := <-replies:
		if reply.Recipient != "+15550001111" {
			t.Errorf("reply to %s, want customer", reply.Recipient)
		}
		if reply.Content != "the answer" {
			t.Errorf("unexpected reply content %q", reply.Content)
		}
		if reply.ChannelID != "ch-1" || reply.ChannelType != "whatsapp" {
			t.Errorf("unexpected reply routing: %+v", reply)
		}
		if reply.TraceID == "" {
			t.Error("expected a trace id on the reply")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no outbound reply published")
	}

	conv, err := f.conv.Get("+18325550100", "whatsapp_15550001111")
	if err != nil || conv == nil {
		t.Fatal("conversation not persisted")
	}
	if len(conv.Messages) != 2 {
		t.Errorf("expected 2 persisted messages, got %d", len(conv.Messages))
	}
}

func TestProcessor_AcksUnknownEventType(t *testing.T) {
	f := newProcFixture(t, true)

	s := newSettlement()
	f.consumer.Send(s.delivery(eventPayload(t, "message.read", EventData{
		ChannelType: "whatsapp", From: "+15550001111", To: "+18325550100", Content: "ignored",
	})))
	s.wait(t)

	if !s.acked.Load() {
		t.Error("expected unknown event type to be acked")
	}
	if conv, _ := f.conv.Get("+18325550100", "whatsapp_15550001111"); conv != nil {
		t.Error("unknown event type reached the router")
	}
}

func TestProcessor_AcksBlankContent(t *testing.T) {
	f := newProcFixture(t, true)

	s := newSettlement()
	f.consumer.Send(s.delivery(eventPayload(t, EventTypeMessageReceived, EventData{
		ChannelType: "whatsapp", From: "+15550001111", To: "+18325550100", Content: "   ",
	})))
	s.wait(t)

	if !s.acked.Load() {
		t.Error("expected blank-content event to be acked")
	}
	if conv, _ := f.conv.Get("+18325550100", "whatsapp_15550001111"); conv != nil {
		t.Error("blank event reached the router")
	}
	if f.outbound.OutboundSize() != 0 {
		t.Error("blank event produced an outbound reply")
	}
}

func TestProcessor_AcksUndecodablePayload(t *testing.T) {
	f := newProcFixture(t, true)

	s := newSettlement()
	f.consumer.Send(s.delivery([]byte("not json")))
	s.wait(t)

	if !s.acked.Load() {
		t.Error("expected undecodable payload to be acked")
	}
}

func TestProcessor_AcksRoutingFailure(t *testing.T) {
	// No registry content: every route resolution fails. That is a
	// business failure, not a transient one, so no redelivery.
	f := newProcFixture(t, false)

	s := newSettlement()
	f.consumer.Send(s.delivery(eventPayload(t, EventTypeMessageReceived, EventData{
		ChannelType: "whatsapp", From: "+15550001111", To: "+19999999999", Content: "hello",
	})))
	s.wait(t)

	if !s.acked.Load() || s.abandoned.Load() {
		t.Error("expected routing failure to ack, not abandon")
	}
	if f.outbound.OutboundSize() != 0 {
		t.Error("routing failure produced an outbound reply")
	}
}

func TestProcessor_AbandonsOnPanic(t *testing.T) {
	// A nil router makes the handler panic; the recover path must return
	// the delivery to the broker.
	consumer := NewChannelConsumer()
	proc := NewProcessor(consumer, nil, bus.NewMessageBus(), nil, nil)
	if err := proc.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(proc.Stop)

	s := newSettlement()
	consumer.Send(s.delivery(eventPayload(t, EventTypeMessageReceived, EventData{
		ChannelType: "whatsapp", From: "+15550001111", To: "+18325550100", Content: "boom",
	})))
	s.wait(t)

	if !s.abandoned.Load() {
		t.Error("expected panicking handler to abandon the delivery")
	}
	if s.acked.Load() {
		t.Error("panicking handler must not ack")
	}
}

func TestProcessor_StartIsIdempotent(t *testing.T) {
	f := newProcFixture(t, false)
	if err := f.processor.Start(context.Background()); err != nil {
		t.Errorf("second start errored: %v", err)
	}
	if !f.processor.Running() {
		t.Error("processor should be running")
	}
}
