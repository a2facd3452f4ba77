package registry

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
)

// Clock abstracts time.Now so cache expiry is testable.
type Clock func() time.Time

// DefaultTTL is how long cached configuration is served before a refresh.
const DefaultTTL = 300 * time.Second

// Registry holds the configuration cache over the persistent store.
// Reads are served from the cache and never fail outward; writes go to
// the store first and update the cache synchronously on success.
type Registry struct {
	store *Store
	ttl   time.Duration
	now   Clock

	mu          sync.RWMutex
	agents      map[string]Agent
	channels    map[string]Channel
	mappings    map[string]Mapping
	lastRefresh time.Time
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock injects a clock, used by tests to control cache expiry.
func WithClock(now Clock) Option {
	return func(r *Registry) { r.now = now }
}

// WithTTL overrides the cache TTL.
func WithTTL(ttl time.Duration) Option {
	return func(r *Registry) { r.ttl = ttl }
}

// New creates a registry over the given store.
func New(store *Store, opts ...Option) *Registry {
	r := &Registry{
		store:    store,
		ttl:      DefaultTTL,
		now:      time.Now,
		agents:   map[string]Agent{},
		channels: map[string]Channel{},
		mappings: map[string]Mapping{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// refreshIfStale reloads the cache from the store when the TTL has
// elapsed. Refresh failures keep the previous snapshot; stale reads are
// an accepted trade-off.
func (r *Registry) refreshIfStale() {
	r.mu.RLock()
	stale := r.lastRefresh.IsZero() || r.now().Sub(r.lastRefresh) > r.ttl
	r.mu.RUnlock()
	if !stale {
		return
	}
	r.Refresh()
}

// Refresh forces a cache reload from the store.
func (r *Registry) Refresh() {
	agents, err := r.store.listAgents()
	if err != nil {
		slog.Error("registry: refresh agents failed", "error", err)
		return
	}
	channels, err := r.store.listChannels()
	if err != nil {
		slog.Error("registry: refresh channels failed", "error", err)
		return
	}
	mappings, err := r.store.listMappings()
	if err != nil {
		slog.Error("registry: refresh mappings failed", "error", err)
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents = make(map[string]Agent, len(agents))
	for _, a := range agents {
		r.agents[a.AgentID] = a
	}
	r.channels = make(map[string]Channel, len(channels))
	for _, c := range channels {
		r.channels[c.ChannelID] = c
	}
	r.mappings = make(map[string]Mapping, len(mappings))
	for _, m := range mappings {
		r.mappings[m.MappingID] = m
	}
	r.lastRefresh = r.now()
	slog.Info("registry: cache refreshed",
		"agents", len(agents), "channels", len(channels), "mappings", len(mappings))
}

// ---------------------------------------------------------------------------
// Agent management
// ---------------------------------------------------------------------------

// AddAgent validates and persists a new agent.
func (r *Registry) AddAgent(a Agent) error {
	const op = "add agent"
	if err := a.validate(); err != nil {
		return validationErr(op, err)
	}
	now := r.now()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.UpdatedAt = now

	r.mu.RLock()
	_, exists := r.agents[a.AgentID]
	r.mu.RUnlock()
	if exists {
		return conflictErr(op, fmt.Errorf("agent %s already exists", a.AgentID))
	}

	if err := r.store.insertAgent(a); err != nil {
		slog.Error("registry: add agent failed", "agent_id", a.AgentID, "error", err)
		return storageErr(op, err)
	}
	r.mu.Lock()
	r.agents[a.AgentID] = a
	r.mu.Unlock()
	slog.Info("registry: added agent", "agent_id", a.AgentID)
	return nil
}

// UpdateAgent applies updates to an existing agent. The agent id itself
// cannot change.
func (r *Registry) UpdateAgent(agentID string, update func(*Agent)) error {
	const op = "update agent"
	r.refreshIfStale()

	r.mu.RLock()
	a, ok := r.agents[agentID]
	r.mu.RUnlock()
	if !ok {
		return notFoundErr(op, fmt.Errorf("agent %s not found", agentID))
	}

	update(&a)
	a.AgentID = agentID
	a.UpdatedAt = r.now()
	if err := a.validate(); err != nil {
		return validationErr(op, err)
	}
	if err := r.store.updateAgent(a); err != nil {
		slog.Error("registry: update agent failed", "agent_id", agentID, "error", err)
		return storageErr(op, err)
	}
	r.mu.Lock()
	r.agents[agentID] = a
	r.mu.Unlock()
	return nil
}

// RemoveAgent cascade-deletes the agent's mappings, then the agent.
// Best-effort: a mapping that fails to delete is logged and skipped.
func (r *Registry) RemoveAgent(agentID string) error {
	const op = "remove agent"
	for _, m := range r.MappingsByAgent(agentID) {
		if err := r.RemoveMapping(m.MappingID); err != nil {
			slog.Warn("registry: cascade mapping delete failed", "mapping_id", m.MappingID, "error", err)
		}
	}
	if err := r.store.deleteAgent(agentID); err != nil {
		slog.Error("registry: remove agent failed", "agent_id", agentID, "error", err)
		return storageErr(op, err)
	}
	r.mu.Lock()
	delete(r.agents, agentID)
	r.mu.Unlock()
	slog.Info("registry: removed agent", "agent_id", agentID)
	return nil
}

// GetAgent returns the agent and whether it exists.
func (r *Registry) GetAgent(agentID string) (Agent, bool) {
	r.refreshIfStale()
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[agentID]
	return a, ok
}

// ListAgents returns all agents, ordered by id.
func (r *Registry) ListAgents() []Agent {
	r.refreshIfStale()
	r.mu.RLock()
	defer r.mu.RUnlock()
	agents := make([]Agent, 0, len(r.agents))
	for _, a := range r.agents {
		agents = append(agents, a)
	}
	sort.Slice(agents, func(i, j int) bool { return agents[i].AgentID < agents[j].AgentID })
	return agents
}

// ---------------------------------------------------------------------------
// Channel management
// ---------------------------------------------------------------------------

// AddChannel validates and persists a new channel. Phone numbers must be
// unique across channels.
func (r *Registry) AddChannel(c Channel) error {
	const op = "add channel"
	c.ChannelType = strings.ToLower(c.ChannelType)
	c.PhoneNumber = NormalizePhone(c.PhoneNumber)
	if err := c.validate(); err != nil {
		return validationErr(op, err)
	}
	now := r.now()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now

	r.mu.RLock()
	_, exists := r.channels[c.ChannelID]
	var dup string
	for _, other := range r.channels {
		if other.PhoneNumber == c.PhoneNumber {
			dup = other.ChannelID
			break
		}
	}
	r.mu.RUnlock()
	if exists {
		return conflictErr(op, fmt.Errorf("channel %s already exists", c.ChannelID))
	}
	if dup != "" {
		return conflictErr(op, fmt.Errorf("phone number %s already used by channel %s", c.PhoneNumber, dup))
	}

	if err := r.store.insertChannel(c); err != nil {
		slog.Error("registry: add channel failed", "channel_id", c.ChannelID, "error", err)
		return storageErr(op, err)
	}
	r.mu.Lock()
	r.channels[c.ChannelID] = c
	r.mu.Unlock()
	slog.Info("registry: added channel", "channel_id", c.ChannelID, "phone", c.PhoneNumber)
	return nil
}

// UpdateChannel applies updates to an existing channel.
func (r *Registry) UpdateChannel(channelID string, update func(*Channel)) error {
	const op = "update channel"
	r.refreshIfStale()

	r.mu.RLock()
	c, ok := r.channels[channelID]
	r.mu.RUnlock()
	if !ok {
		return notFoundErr(op, fmt.Errorf("channel %s not found", channelID))
	}

	update(&c)
	c.ChannelID = channelID
	c.ChannelType = strings.ToLower(c.ChannelType)
	c.PhoneNumber = NormalizePhone(c.PhoneNumber)
	c.UpdatedAt = r.now()
	if err := c.validate(); err != nil {
		return validationErr(op, err)
	}
	if err := r.store.updateChannel(c); err != nil {
		slog.Error("registry: update channel failed", "channel_id", channelID, "error", err)
		return storageErr(op, err)
	}
	r.mu.Lock()
	r.channels[channelID] = c
	r.mu.Unlock()
	return nil
}

// RemoveChannel cascade-deletes the channel's mappings, then the channel.
func (r *Registry) RemoveChannel(channelID string) error {
	const op = "remove channel"
	for _, m := range r.MappingsByChannel(channelID) {
		if err := r.RemoveMapping(m.MappingID); err != nil {
			slog.Warn("registry: cascade mapping delete failed", "mapping_id", m.MappingID, "error", err)
		}
	}
	if err := r.store.deleteChannel(channelID); err != nil {
		slog.Error("registry: remove channel failed", "channel_id", channelID, "error", err)
		return storageErr(op, err)
	}
	r.mu.Lock()
	delete(r.channels, channelID)
	r.mu.Unlock()
	slog.Info("registry: removed channel", "channel_id", channelID)
	return nil
}

// GetChannel returns the channel and whether it exists.
func (r *Registry) GetChannel(channelID string) (Channel, bool) {
	r.refreshIfStale()
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.channels[channelID]
	return c, ok
}

// GetChannelByPhone finds the channel serving the given phone number.
func (r *Registry) GetChannelByPhone(phone string) (Channel, bool) {
	r.refreshIfStale()
	phone = NormalizePhone(phone)
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, c := range r.channels {
		if c.PhoneNumber == phone {
			return c, true
		}
	}
	return Channel{}, false
}

// ListChannels returns channels filtered by type and/or active flag.
// Empty channelType and nil active mean no filtering.
func (r *Registry) ListChannels(channelType string, active *bool) []Channel {
	r.refreshIfStale()
	channelType = strings.ToLower(channelType)
	r.mu.RLock()
	defer r.mu.RUnlock()
	var channels []Channel
	for _, c := range r.channels {
		if channelType != "" && c.ChannelType != channelType {
			continue
		}
		if active != nil && c.IsActive != *active {
			continue
		}
		channels = append(channels, c)
	}
	sort.Slice(channels, func(i, j int) bool { return channels[i].ChannelID < channels[j].ChannelID })
	return channels
}

// ---------------------------------------------------------------------------
// Mapping management
// ---------------------------------------------------------------------------

// AddMapping persists an agent-channel mapping. When the new mapping is
// primary, any prior primary for the same channel is demoted so only one
// survives.
func (r *Registry) AddMapping(m Mapping) error {
	const op = "add mapping"
	if err := m.validate(); err != nil {
		return validationErr(op, err)
	}
	now := r.now()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	m.UpdatedAt = now

	r.mu.RLock()
	_, exists := r.mappings[m.MappingID]
	var pair string
	for _, other := range r.mappings {
		if other.AgentID == m.AgentID && other.ChannelID == m.ChannelID {
			pair = other.MappingID
			break
		}
	}
	r.mu.RUnlock()
	if exists {
		return conflictErr(op, fmt.Errorf("mapping %s already exists", m.MappingID))
	}
	if pair != "" {
		return conflictErr(op, fmt.Errorf("mapping for agent %s and channel %s already exists (%s)", m.AgentID, m.ChannelID, pair))
	}

	if err := r.store.insertMapping(m); err != nil {
		slog.Error("registry: add mapping failed", "mapping_id", m.MappingID, "error", err)
		return storageErr(op, err)
	}
	if m.IsPrimary {
		if err := r.store.demotePrimaries(m.ChannelID, m.MappingID, now); err != nil {
			slog.Warn("registry: demote prior primary failed", "channel_id", m.ChannelID, "error", err)
		}
	}

	r.mu.Lock()
	if m.IsPrimary {
		for id, other := range r.mappings {
			if other.ChannelID == m.ChannelID && other.IsPrimary {
				other.IsPrimary = false
				other.UpdatedAt = now
				r.mappings[id] = other
			}
		}
	}
	r.mappings[m.MappingID] = m
	r.mu.Unlock()
	slog.Info("registry: added mapping", "mapping_id", m.MappingID, "agent_id", m.AgentID, "channel_id", m.ChannelID, "primary", m.IsPrimary)
	return nil
}

// RemoveMapping deletes a mapping.
func (r *Registry) RemoveMapping(mappingID string) error {
	const op = "remove mapping"
	if err := r.store.deleteMapping(mappingID); err != nil {
		slog.Error("registry: remove mapping failed", "mapping_id", mappingID, "error", err)
		return storageErr(op, err)
	}
	r.mu.Lock()
	delete(r.mappings, mappingID)
	r.mu.Unlock()
	return nil
}

// MappingsByAgent returns all mappings for an agent.
func (r *Registry) MappingsByAgent(agentID string) []Mapping {
	r.refreshIfStale()
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Mapping
	for _, m := range r.mappings {
		if m.AgentID == agentID {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// MappingsByChannel returns all mappings for a channel.
func (r *Registry) MappingsByChannel(channelID string) []Mapping {
	r.refreshIfStale()
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Mapping
	for _, m := range r.mappings {
		if m.ChannelID == channelID {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// ---------------------------------------------------------------------------
// Lookup
// ---------------------------------------------------------------------------

// GetAgentForPhone resolves the agent serving a business phone number:
// channel by phone, then its primary active mapping, else the first
// active one, else none.
func (r *Registry) GetAgentForPhone(phone string) (Agent, bool) {
	channel, ok := r.GetChannelByPhone(phone)
	if !ok {
		return Agent{}, false
	}
	mappings := r.MappingsByChannel(channel.ChannelID)
	var active []Mapping
	for _, m := range mappings {
		if m.IsActive {
			active = append(active, m)
		}
	}
	if len(active) == 0 {
		return Agent{}, false
	}
	chosen := active[0]
	for _, m := range active {
		if m.IsPrimary {
			chosen = m
			break
		}
	}
	return r.GetAgent(chosen.AgentID)
}

// ChannelsForAgent returns all channels an agent is actively mapped to.
func (r *Registry) ChannelsForAgent(agentID string) []Channel {
	var channels []Channel
	for _, m := range r.MappingsByAgent(agentID) {
		if !m.IsActive {
			continue
		}
		if c, ok := r.GetChannel(m.ChannelID); ok {
			channels = append(channels, c)
		}
	}
	return channels
}

// ---------------------------------------------------------------------------
// Diagnostics
// ---------------------------------------------------------------------------

// GetStats summarizes cache contents.
func (r *Registry) GetStats() Stats {
	r.refreshIfStale()
	r.mu.RLock()
	defer r.mu.RUnlock()
	st := Stats{
		TotalAgents:   len(r.agents),
		TotalChannels: len(r.channels),
		TotalMappings: len(r.mappings),
	}
	for _, c := range r.channels {
		if c.IsActive {
			st.ActiveChannels++
		}
		switch c.ChannelType {
		case ChannelTypeWhatsApp:
			st.WhatsAppChannels++
		case ChannelTypeSMS:
			st.SMSChannels++
		}
	}
	return st
}

// ValidateConfiguration scans the cache for orphaned mappings, duplicate
// phone numbers and agents without any mapping.
func (r *Registry) ValidateConfiguration() ValidationReport {
	r.refreshIfStale()
	r.mu.RLock()
	defer r.mu.RUnlock()

	report := ValidationReport{Issues: []string{}, Warnings: []string{}}

	for _, m := range r.mappings {
		if _, ok := r.agents[m.AgentID]; !ok {
			report.Issues = append(report.Issues,
				fmt.Sprintf("mapping %s references non-existent agent %s", m.MappingID, m.AgentID))
		}
		if _, ok := r.channels[m.ChannelID]; !ok {
			report.Issues = append(report.Issues,
				fmt.Sprintf("mapping %s references non-existent channel %s", m.MappingID, m.ChannelID))
		}
	}

	phones := map[string]string{}
	for _, c := range r.channels {
		if prior, dup := phones[c.PhoneNumber]; dup {
			report.Issues = append(report.Issues,
				fmt.Sprintf("duplicate phone number %s in channels %s and %s", c.PhoneNumber, prior, c.ChannelID))
		} else {
			phones[c.PhoneNumber] = c.ChannelID
		}
	}

	for _, a := range r.agents {
		mapped := false
		for _, m := range r.mappings {
			if m.AgentID == a.AgentID {
				mapped = true
				break
			}
		}
		if !mapped {
			report.Warnings = append(report.Warnings,
				fmt.Sprintf("agent %s has no channel mappings", a.AgentID))
		}
	}

	sort.Strings(report.Issues)
	sort.Strings(report.Warnings)
	report.Valid = len(report.Issues) == 0

	st := Stats{TotalAgents: len(r.agents), TotalChannels: len(r.channels), TotalMappings: len(r.mappings)}
	for _, c := range r.channels {
		if c.IsActive {
			st.ActiveChannels++
		}
		switch c.ChannelType {
		case ChannelTypeWhatsApp:
			st.WhatsAppChannels++
		case ChannelTypeSMS:
			st.SMSChannels++
		}
	}
	report.Stats = st
	return report
}
