// Package router resolves inbound (from, to) phone pairs to a configured
// agent, drives the agent call and records the exchange.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/numroute/numroute/internal/agentclient"
	"github.com/numroute/numroute/internal/convstore"
	"github.com/numroute/numroute/internal/registry"
)

// DefaultCacheTTL bounds routing-cache staleness.
const DefaultCacheTTL = 5 * time.Minute

// RoutingInfo describes a resolved route for one inbound message.
type RoutingInfo struct {
	AgentID       string    `json:"agent_id"`
	AgentName     string    `json:"agent_name"`
	Endpoint      string    `json:"endpoint"`
	ChannelID     string    `json:"channel_id"`
	ChannelName   string    `json:"channel_name"`
	ChannelType   string    `json:"channel_type"`
	BusinessPhone string    `json:"business_phone"`
	CustomerPhone string    `json:"customer_phone,omitempty"`
	RoutedAt      time.Time `json:"routed_at"`
}

// Result is the outcome of processing one inbound message.
type Result struct {
	Success        bool         `json:"success"`
	Error          string       `json:"error,omitempty"`
	RoutingInfo    *RoutingInfo `json:"routing_info,omitempty"`
	Response       string       `json:"response,omitempty"`
	ConversationID string       `json:"conversation_id,omitempty"`
	Timestamp      time.Time    `json:"timestamp"`
}

type route struct {
	agent   registry.Agent
	channel registry.Channel
}

// Router composes the registry, the conversation store and the agent
// client into the single entry point for message processing.
type Router struct {
	registry *registry.Registry
	conv     *convstore.Store
	agent    agentclient.Invoker
	ttl      time.Duration
	now      registry.Clock

	mu          sync.RWMutex
	routes      map[string]route
	lastRefresh time.Time
}

// Option configures a Router.
type Option func(*Router)

// WithClock injects a clock for cache-expiry tests.
func WithClock(now registry.Clock) Option {
	return func(r *Router) { r.now = now }
}

// WithCacheTTL overrides the routing cache TTL.
func WithCacheTTL(ttl time.Duration) Option {
	return func(r *Router) { r.ttl = ttl }
}

// New creates a router.
func New(reg *registry.Registry, conv *convstore.Store, agent agentclient.Invoker, opts ...Option) *Router {
	r := &Router{
		registry: reg,
		conv:     conv,
		agent:    agent,
		ttl:      DefaultCacheTTL,
		now:      time.Now,
		routes:   map[string]route{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// refreshIfStale rebuilds the phone -> route table from the registry
// when the TTL has elapsed.
func (r *Router) refreshIfStale() {
	r.mu.RLock()
	stale := r.lastRefresh.IsZero() || r.now().Sub(r.lastRefresh) > r.ttl
	r.mu.RUnlock()
	if !stale {
		return
	}

	active := true
	channels := r.registry.ListChannels("", &active)
	routes := make(map[string]route, len(channels))
	for _, c := range channels {
		agent, ok := r.registry.GetAgentForPhone(c.PhoneNumber)
		if !ok {
			continue
		}
		routes[c.PhoneNumber] = route{agent: agent, channel: c}
	}

	r.mu.Lock()
	r.routes = routes
	r.lastRefresh = r.now()
	r.mu.Unlock()
	slog.Info("router: routing cache refreshed", "routes", len(routes))
}

// Resolve maps a business phone number to its routing info. A nil result
// means no agent is configured for that number, which is not a transient
// failure.
func (r *Router) Resolve(toPhone string) *RoutingInfo {
	r.refreshIfStale()
	toPhone = registry.NormalizePhone(toPhone)

	r.mu.RLock()
	rt, ok := r.routes[toPhone]
	r.mu.RUnlock()
	if !ok {
		slog.Warn("router: no agent configured", "business_phone", toPhone)
		return nil
	}
	return &RoutingInfo{
		AgentID:       rt.agent.AgentID,
		AgentName:     rt.agent.AgentName,
		Endpoint:      rt.agent.Endpoint,
		ChannelID:     rt.channel.ChannelID,
		ChannelName:   rt.channel.ChannelName,
		ChannelType:   rt.channel.ChannelType,
		BusinessPhone: toPhone,
		RoutedAt:      r.now(),
	}
}

// ProcessMessage routes one inbound message end to end: resolve, load
// history, invoke the agent, append the user/assistant pair, persist.
// Errors come back as Result.Error; the call never panics outward.
func (r *Router) ProcessMessage(ctx context.Context, fromPhone, toPhone, text, conversationID string) Result {
	now := r.now()
	info := r.Resolve(toPhone)
	if info == nil {
		return Result{
			Success:   false,
			Error:     fmt.Sprintf("no agent configured for business number %s", registry.NormalizePhone(toPhone)),
			Timestamp: now,
		}
	}
	info.CustomerPhone = fromPhone

	if conversationID == "" {
		conversationID = ConversationID(info.ChannelType, fromPhone)
	}

	response := r.invokeAgent(ctx, info, conversationID, text)

	userMsg := convstore.Message{Role: "user", Content: text, Name: fromPhone, Timestamp: now}
	agentMsg := convstore.Message{Role: "assistant", Content: response, Name: "agent-" + info.AgentID, Timestamp: r.now()}
	if err := r.conv.AppendMessages(info.BusinessPhone, conversationID, []convstore.Message{userMsg, agentMsg}); err != nil {
		slog.Error("router: persist conversation failed",
			"conversation_id", conversationID, "business_phone", info.BusinessPhone, "error", err)
		return Result{
			Success:        false,
			Error:          fmt.Sprintf("persist conversation: %v", err),
			RoutingInfo:    info,
			ConversationID: conversationID,
			Timestamp:      r.now(),
		}
	}

	slog.Info("router: processed message",
		"from", fromPhone, "agent", info.AgentName, "channel", info.ChannelName, "conversation_id", conversationID)
	return Result{
		Success:        true,
		RoutingInfo:    info,
		Response:       response,
		ConversationID: conversationID,
		Timestamp:      r.now(),
	}
}

// invokeAgent calls the external agent. Any failure degrades to a fixed
// apology naming the agent; agent trouble must never break the reply path.
func (r *Router) invokeAgent(ctx context.Context, info *RoutingInfo, conversationID, text string) string {
	response, err := r.agent.Ask(ctx, info.Endpoint, info.AgentID, conversationID, text)
	if err != nil {
		slog.Error("router: agent call failed", "agent_id", info.AgentID, "conversation_id", conversationID, "error", err)
		return fmt.Sprintf("I apologize, but I'm experiencing technical difficulties. Please try again later. (Agent: %s)", info.AgentName)
	}
	return response
}
