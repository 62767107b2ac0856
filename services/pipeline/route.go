package pipeline

import (
	"sort"
	"strings"
	"sync"
)

// RouteConfig is a declarative per-hostname+path pipeline definition.
type RouteConfig struct {
	Hostname string // exact host or a leading "*." wildcard
	Path     string // path prefix; longest match wins among same-host routes

	StageOrder []string // informational; the fixed pipeline order is structural, not configurable

	ModuleHashes []string // content hashes of Modules bound to this route, in invocation order

	CacheDefaultTTLSeconds int
	WAFBuiltinEnabled      bool
	WAFPatterns            []string
	WAFBlockStatus         int
	BotPolicy              string // allow|log|challenge|block, default policy absent a signature match

	BodyCapBytes int
}

// Table holds the currently active set of RouteConfigs, swapped
// atomically on reload so readers never observe a half-updated route set
// (mirrors the single-writer/many-reader pattern used by infrastructure/node).
type Table struct {
	mu     sync.RWMutex
	byHost map[string][]*RouteConfig // host -> routes sorted by path length, descending
}

// NewTable builds a Table from a flat slice of routes.
func NewTable(routes []*RouteConfig) *Table {
	t := &Table{byHost: make(map[string][]*RouteConfig)}
	t.Reload(routes)
	return t
}

// Reload atomically replaces the route set. Existing in-flight requests
// keep using the Route pointer they already resolved; only new lookups
// observe the new table.
func (t *Table) Reload(routes []*RouteConfig) {
	byHost := make(map[string][]*RouteConfig)
	for _, r := range routes {
		byHost[r.Hostname] = append(byHost[r.Hostname], r)
	}
	for host := range byHost {
		rs := byHost[host]
		sort.SliceStable(rs, func(i, j int) bool { return len(rs[i].Path) > len(rs[j].Path) })
		byHost[host] = rs
	}
	t.mu.Lock()
	t.byHost = byHost
	t.mu.Unlock()
}

// Snapshot returns every route currently active, in no particular order;
// used by the operator read-only surface to dump the route table.
func (t *Table) Snapshot() []*RouteConfig {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []*RouteConfig
	for _, routes := range t.byHost {
		out = append(out, routes...)
	}
	return out
}

// Match selects a RouteConfig for host+path: exact hostname first, then
// the nearest "*.<parent>" wildcard ancestor; within a matched hostname,
// the longest path prefix wins. Returns nil if nothing matches.
func (t *Table) Match(host, path string) *RouteConfig {
	t.mu.RLock()
	defer t.mu.RUnlock()

	host = strings.ToLower(host)
	if r := matchPath(t.byHost[host], path); r != nil {
		return r
	}

	for h := host; ; {
		idx := strings.IndexByte(h, '.')
		if idx < 0 {
			break
		}
		h = h[idx+1:]
		if r := matchPath(t.byHost["*."+h], path); r != nil {
			return r
		}
	}
	return nil
}

// matchPath assumes routes is sorted by descending path length.
func matchPath(routes []*RouteConfig, path string) *RouteConfig {
	for _, r := range routes {
		if strings.HasPrefix(path, r.Path) {
			return r
		}
	}
	return nil
}
