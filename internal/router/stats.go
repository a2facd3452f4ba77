package router

import (
	"fmt"
	"sort"
	"time"
)

// Stats summarizes the routing cache.
type Stats struct {
	TotalRoutes    int            `json:"total_routes"`
	ActiveAgents   int            `json:"active_agents"`
	ActiveChannels int            `json:"active_channels"`
	RoutesByType   map[string]int `json:"routes_by_type"`
	RoutesByAgent  map[string]int `json:"routes_by_agent"`
	CacheUpdated   time.Time      `json:"cache_updated"`
}

// RoutingStats returns read-only diagnostics over the routing cache.
func (r *Router) RoutingStats() Stats {
	r.refreshIfStale()
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := Stats{
		TotalRoutes:    len(r.routes),
		ActiveChannels: len(r.routes),
		RoutesByType:   map[string]int{},
		RoutesByAgent:  map[string]int{},
		CacheUpdated:   r.lastRefresh,
	}
	agents := map[string]bool{}
	for _, rt := range r.routes {
		agents[rt.agent.AgentID] = true
		stats.RoutesByType[rt.channel.ChannelType]++
		stats.RoutesByAgent[rt.agent.AgentName]++
	}
	stats.ActiveAgents = len(agents)
	return stats
}

// ValidationReport lists routing problems found in the cache.
type ValidationReport struct {
	Valid       bool      `json:"valid"`
	Issues      []string  `json:"issues"`
	Warnings    []string  `json:"warnings"`
	TotalRoutes int       `json:"total_routes"`
	ValidatedAt time.Time `json:"validated_at"`
}

// ValidateRoutingConfig checks every active channel has a route.
func (r *Router) ValidateRoutingConfig() ValidationReport {
	r.refreshIfStale()

	report := ValidationReport{Issues: []string{}, Warnings: []string{}, ValidatedAt: r.now()}

	active := true
	for _, c := range r.registry.ListChannels("", &active) {
		r.mu.RLock()
		_, routed := r.routes[c.PhoneNumber]
		r.mu.RUnlock()
		if !routed {
			report.Issues = append(report.Issues,
				fmt.Sprintf("channel %s (%s) has no agent mapping", c.ChannelName, c.PhoneNumber))
		}
	}
	sort.Strings(report.Issues)

	r.mu.RLock()
	report.TotalRoutes = len(r.routes)
	r.mu.RUnlock()
	report.Valid = len(report.Issues) == 0
	return report
}
