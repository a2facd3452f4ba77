package router

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/numroute/numroute/internal/convstore"
	"github.com/numroute/numroute/internal/registry"
)

// fakeInvoker records agent calls and returns a canned reply or error.
type fakeInvoker struct {
	calls    []string
	reply    string
	err      error
	lastConv string
}

func (f *fakeInvoker) Ask(ctx context.Context, endpoint, agentID, conversationID, text string) (string, error) {
	f.calls = append(f.calls, text)
	f.lastConv = conversationID
	if f.err != nil {
		return "", f.err
	}
	return f.reply, nil
}

type fixture struct {
	registry *registry.Registry
	conv     *convstore.Store
	invoker  *fakeInvoker
	router   *Router
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := registry.OpenStore(filepath.Join(t.TempDir(), "numroute.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	reg := registry.New(store)
	conv := convstore.NewWithDB(store.DB())
	invoker := &fakeInvoker{reply: "canned reply"}
	return &fixture{
		registry: reg,
		conv:     conv,
		invoker:  invoker,
		router:   New(reg, conv, invoker),
	}
}

// seedRoute wires one agent to one whatsapp channel on +18325550100.
func (f *fixture) seedRoute(t *testing.T) {
	t.Helper()
	if err := f.registry.AddAgent(registry.Agent{
		AgentID: "asst_support", AgentName: "Support Bot", Endpoint: "https://agents.example.com/api",
	}); err != nil {
		t.Fatal(err)
	}
	if err := f.registry.AddChannel(registry.Channel{
		ChannelID: "ch-1", ChannelName: "Main Line", ChannelType: registry.ChannelTypeWhatsApp,
		Provider: "acme", PhoneNumber: "+18325550100", IsActive: true,
	}); err != nil {
		t.Fatal(err)
	}
	if err := f.registry.AddMapping(registry.Mapping{
		MappingID: "map-1", AgentID: "asst_support", ChannelID: "ch-1", IsPrimary: true, IsActive: true,
	}); err != nil {
		t.Fatal(err)
	}
}

func TestConversationID(t *testing.T) {
	if got := ConversationID("whatsapp", "+15550001111"); got != "whatsapp_15550001111" {
		t.Errorf("ConversationID = %q", got)
	}
	if got := ConversationID("sms", "+1 (555) 000-2222"); got != "sms_15550002222" {
		t.Errorf("ConversationID = %q", got)
	}
}

func TestRouter_ResolveNoRoute(t *testing.T) {
	f := newFixture(t)

	if info := f.router.Resolve("+19999999999"); info != nil {
		t.Errorf("expected nil routing info, got %+v", info)
	}

	result := f.router.ProcessMessage(context.Background(), "+15550001111", "+19999999999", "hello", "")
	if result.Success {
		t.Error("expected failure for unrouted number")
	}
	if !strings.Contains(result.Error, "no agent configured") {
		t.Errorf("unexpected error: %s", result.Error)
	}
	if len(f.invoker.calls) != 0 {
		t.Errorf("agent called despite missing route: %v", f.invoker.calls)
	}
}

func TestRouter_Resolve(t *testing.T) {
	f := newFixture(t)
	f.seedRoute(t)

	info := f.router.Resolve("+18325550100")
	if info == nil {
		t.Fatal("expected routing info")
	}
	if info.AgentID != "asst_support" || info.ChannelID != "ch-1" {
		t.Errorf("unexpected route: %+v", info)
	}
	if info.ChannelType != registry.ChannelTypeWhatsApp {
		t.Errorf("unexpected channel type %s", info.ChannelType)
	}

	// Resolution normalizes the lookup number.
	if info := f.router.Resolve("18325550100"); info == nil {
		t.Error("expected normalized phone to resolve")
	}
}

func TestRouter_ProcessMessagePersistsExchange(t *testing.T) {
	f := newFixture(t)
	f.seedRoute(t)

	result := f.router.ProcessMessage(context.Background(), "+15550001111", "+18325550100", "what are your hours?", "")
	if !result.Success {
		t.Fatalf("process failed: %s", result.Error)
	}
	if result.Response != "canned reply" {
		t.Errorf("unexpected response %q", result.Response)
	}
	if result.ConversationID != "whatsapp_15550001111" {
		t.Errorf("unexpected conversation id %s", result.ConversationID)
	}
	if f.invoker.lastConv != "whatsapp_15550001111" {
		t.Errorf("agent saw conversation id %s", f.invoker.lastConv)
	}

	conv, err := f.conv.Get("+18325550100", "whatsapp_15550001111")
	if err != nil || conv == nil {
		t.Fatalf("conversation not persisted: %v", err)
	}
	if len(conv.Messages) != 2 {
		t.Fatalf("expected user+assistant pair, got %d messages", len(conv.Messages))
	}
	if conv.Messages[0].Role != "user" || conv.Messages[0].Content != "what are your hours?" {
		t.Errorf("unexpected user message: %+v", conv.Messages[0])
	}
	if conv.Messages[1].Role != "assistant" || conv.Messages[1].Name != "agent-asst_support" {
		t.Errorf("unexpected assistant message: %+v", conv.Messages[1])
	}
}

func TestRouter_ProcessMessageAccumulatesHistory(t *testing.T) {
	f := newFixture(t)
	f.seedRoute(t)

	for _, text := range []string{"first", "second"} {
		if result := f.router.ProcessMessage(context.Background(), "+15550001111", "+18325550100", text, ""); !result.Success {
			t.Fatalf("process %q failed: %s", text, result.Error)
		}
	}
	conv, err := f.conv.Get("+18325550100", "whatsapp_15550001111")
	if err != nil || conv == nil {
		t.Fatal(err)
	}
	if len(conv.Messages) != 4 {
		t.Errorf("expected 4 messages after two turns, got %d", len(conv.Messages))
	}
}

func TestRouter_SharedConversationIDAcrossSenders(t *testing.T) {
	f := newFixture(t)
	f.seedRoute(t)

	if result := f.router.ProcessMessage(context.Background(), "+15550001111", "+18325550100", "hello", "shared_1"); !result.Success {
		t.Fatalf("first sender failed: %s", result.Error)
	}
	if result := f.router.ProcessMessage(context.Background(), "+15550002222", "+18325550100", "hola", "shared_1"); !result.Success {
		t.Fatalf("second sender failed: %s", result.Error)
	}

	conv, err := f.conv.Get("+18325550100", "shared_1")
	if err != nil || conv == nil {
		t.Fatal(err)
	}
	if len(conv.Messages) != 4 {
		t.Fatalf("expected 4 messages across both senders, got %d", len(conv.Messages))
	}
	if conv.Messages[0].Content != "hello" || conv.Messages[0].Name != "+15550001111" {
		t.Errorf("first pair not preserved: %+v", conv.Messages[0])
	}
	if conv.Messages[2].Content != "hola" || conv.Messages[2].Name != "+15550002222" {
		t.Errorf("second sender's message misplaced: %+v", conv.Messages[2])
	}
}

func TestRouter_ProcessMessageExplicitConversationID(t *testing.T) {
	f := newFixture(t)
	f.seedRoute(t)

	result := f.router.ProcessMessage(context.Background(), "+15550001111", "+18325550100", "hi", "custom_123")
	if !result.Success {
		t.Fatalf("process failed: %s", result.Error)
	}
	if result.ConversationID != "custom_123" {
		t.Errorf("explicit conversation id not honored: %s", result.ConversationID)
	}
	conv, err := f.conv.Get("+18325550100", "custom_123")
	if err != nil || conv == nil {
		t.Fatal("conversation not stored under explicit id")
	}
}

func TestRouter_AgentFailureDegradesToApology(t *testing.T) {
	f := newFixture(t)
	f.seedRoute(t)
	f.invoker.err = errors.New("connection refused")

	result := f.router.ProcessMessage(context.Background(), "+15550001111", "+18325550100", "hello", "")
	if !result.Success {
		t.Fatalf("expected success with apology, got error: %s", result.Error)
	}
	if !strings.Contains(result.Response, "technical difficulties") {
		t.Errorf("expected apology, got %q", result.Response)
	}
	if !strings.Contains(result.Response, "Support Bot") {
		t.Errorf("apology should name the agent: %q", result.Response)
	}

	// The failed turn is still recorded.
	conv, err := f.conv.Get("+18325550100", "whatsapp_15550001111")
	if err != nil || conv == nil {
		t.Fatal("conversation missing")
	}
	if len(conv.Messages) != 2 {
		t.Errorf("expected apology turn persisted, got %d messages", len(conv.Messages))
	}
}

func TestRouter_RoutingStats(t *testing.T) {
	f := newFixture(t)
	f.seedRoute(t)

	stats := f.router.RoutingStats()
	if stats.TotalRoutes != 1 || stats.ActiveAgents != 1 {
		t.Errorf("unexpected stats: %+v", stats)
	}
	if stats.RoutesByType[registry.ChannelTypeWhatsApp] != 1 {
		t.Errorf("unexpected routes by type: %v", stats.RoutesByType)
	}
	if stats.RoutesByAgent["Support Bot"] != 1 {
		t.Errorf("unexpected routes by agent: %v", stats.RoutesByAgent)
	}
}

func TestRouter_ValidateRoutingConfig(t *testing.T) {
	f := newFixture(t)
	f.seedRoute(t)

	// An active channel without any mapping is an issue.
	if err := f.registry.AddChannel(registry.Channel{
		ChannelID: "ch-dangling", ChannelName: "Dangling", ChannelType: registry.ChannelTypeSMS,
		Provider: "acme", PhoneNumber: "+18325550199", IsActive: true,
	}); err != nil {
		t.Fatal(err)
	}

	report := f.router.ValidateRoutingConfig()
	if report.Valid {
		t.Error("expected invalid report")
	}
	if len(report.Issues) != 1 || !strings.Contains(report.Issues[0], "+18325550199") {
		t.Errorf("unexpected issues: %v", report.Issues)
	}
	if report.TotalRoutes != 1 {
		t.Errorf("unexpected total routes %d", report.TotalRoutes)
	}
}
