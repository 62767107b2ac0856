package adminapi

import (
	"net/http"

	"github.com/aegis-network/edge/infrastructure/httputil"
	"github.com/aegis-network/edge/services/pipeline"
)

// RouteSource supplies the currently active route table.
type RouteSource interface {
	Snapshot() []*pipeline.RouteConfig
}

// BlocklistSource supplies the packet-filter blocklist's current size.
type BlocklistSource interface {
	BlocklistSize() int
}

// RateLimitSource supplies rate-limit store diagnostics.
type RateLimitSource interface {
	ResourceCount() int
	ActorCounts() map[string]int
}

// ModuleSource supplies the edge-module registry's contents.
type ModuleSource interface {
	IDs() []string
	Len() int
}

// routeSummary is the wire shape for a dumped route; it omits
// ModuleHashes/WAFPatterns bulk content operators don't need at a glance.
type routeSummary struct {
	Hostname          string `json:"hostname"`
	Path              string `json:"path"`
	CacheDefaultTTL   int    `json:"cache_default_ttl_seconds"`
	WAFBuiltinEnabled bool   `json:"waf_builtin_enabled"`
	BotPolicy         string `json:"bot_policy"`
	ModuleCount       int    `json:"module_count"`
	BodyCapBytes      int    `json:"body_cap_bytes"`
}

func (s *Server) handleRoutes(w http.ResponseWriter, r *http.Request) {
	routes := s.routes.Snapshot()
	out := make([]routeSummary, 0, len(routes))
	for _, route := range routes {
		out = append(out, routeSummary{
			Hostname:          route.Hostname,
			Path:              route.Path,
			CacheDefaultTTL:   route.CacheDefaultTTLSeconds,
			WAFBuiltinEnabled: route.WAFBuiltinEnabled,
			BotPolicy:         route.BotPolicy,
			ModuleCount:       len(route.ModuleHashes),
			BodyCapBytes:      route.BodyCapBytes,
		})
	}
	httputil.WriteJSON(w, http.StatusOK, out)
}

func (s *Server) handleBlocklist(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]int{
		"size": s.blocklist.BlocklistSize(),
	})
}

func (s *Server) handleRateLimits(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"resource_count": s.rateLimits.ResourceCount(),
		"actor_counts":   s.rateLimits.ActorCounts(),
	})
}

func (s *Server) handleModules(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"count": s.modules.Len(),
		"ids":   s.modules.IDs(),
	})
}
