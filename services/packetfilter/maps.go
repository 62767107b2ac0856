package packetfilter

import (
	"net"
	"sync"
	"time"
)

type counterWindow struct {
	windowStart time.Time
	count       uint64
}

// Maps is the in-memory reference implementation of MapSet: the decision
// logic tested by unit tests, and the software fallback used when XDP
// attach is unavailable (containers, non-Linux dev machines, CI).
type Maps struct {
	mu sync.Mutex

	blocklistV4 map[string]BlockEntry
	blocklistV6 map[string]BlockEntry
	whitelist   map[string]struct{}
	synCounts   map[string]*counterWindow
	udpCounts   map[string]*counterWindow
	thresholds  Thresholds
	stats       Stats

	windowSize time.Duration
}

// NewMaps constructs an empty Maps with the given thresholds. windowSize
// defaults to 1 second.
func NewMaps(thresholds Thresholds, windowSize time.Duration) *Maps {
	if windowSize <= 0 {
		windowSize = time.Second
	}
	return &Maps{
		blocklistV4: make(map[string]BlockEntry),
		blocklistV6: make(map[string]BlockEntry),
		whitelist:   make(map[string]struct{}),
		synCounts:   make(map[string]*counterWindow),
		udpCounts:   make(map[string]*counterWindow),
		thresholds:  thresholds,
		windowSize:  windowSize,
	}
}

func blocklistFor(ip net.IP, v4, v6 map[string]BlockEntry) map[string]BlockEntry {
	if ip.To4() != nil {
		return v4
	}
	return v6
}

func (m *Maps) BlocklistLookup(ip net.IP, now time.Time) (BlockEntry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	table := blocklistFor(ip, m.blocklistV4, m.blocklistV6)
	entry, ok := table[ip.String()]
	if !ok {
		return BlockEntry{}, false
	}
	if !now.Before(entry.Expiry) {
		// Invariant (d): expired entries are treated as absent.
		delete(table, ip.String())
		return BlockEntry{}, false
	}
	return entry, true
}

// BlocklistSize reports the number of currently held entries across both
// address families, without pruning expired ones; used by the operator
// read-only surface.
func (m *Maps) BlocklistSize() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.blocklistV4) + len(m.blocklistV6)
}

func (m *Maps) BlocklistAdd(ip net.IP, expiry time.Time, reasonCode string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	table := blocklistFor(ip, m.blocklistV4, m.blocklistV6)
	table[ip.String()] = BlockEntry{Expiry: expiry, ReasonCode: reasonCode}
}

// RemoveBlocklistEntry removes an entry ahead of its expiry.
func (m *Maps) RemoveBlocklistEntry(ip net.IP) {
	m.mu.Lock()
	defer m.mu.Unlock()
	table := blocklistFor(ip, m.blocklistV4, m.blocklistV6)
	delete(table, ip.String())
}

func (m *Maps) Whitelisted(ip net.IP) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.whitelist[ip.String()]
	return ok
}

// AddWhitelist adds an always-pass address.
func (m *Maps) AddWhitelist(ip net.IP) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.whitelist[ip.String()] = struct{}{}
}

func (m *Maps) bump(counters map[string]*counterWindow, ip net.IP, now time.Time) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := ip.String()
	w, ok := counters[key]
	if !ok {
		w = &counterWindow{windowStart: now, count: 0}
		counters[key] = w
	}

	// Windowing: on window boundary, decay (halve, floor 1) rather than
	// hard-resetting, to resist micro-burst attackers timing around the
	// edge.
	if now.Sub(w.windowStart) >= m.windowSize {
		w.windowStart = now
		if w.count > 1 {
			w.count /= 2
		} else if w.count == 1 {
			w.count = 1
		}
	}

	w.count++
	return w.count
}

func (m *Maps) BumpSYNCount(ip net.IP, now time.Time) uint64 {
	return m.bump(m.synCounts, ip, now)
}

func (m *Maps) BumpUDPCount(ip net.IP, now time.Time) uint64 {
	return m.bump(m.udpCounts, ip, now)
}

func (m *Maps) Thresholds() Thresholds {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.thresholds
}

// SetThresholds updates the configuration cells.
func (m *Maps) SetThresholds(t Thresholds) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.thresholds = t
}

func (m *Maps) RecordStat(field string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch field {
	case StatTotal:
		m.stats.Total++
	case StatTCP:
		m.stats.TCP++
	case StatUDP:
		m.stats.UDP++
	case StatOther:
		m.stats.Other++
	case StatDropped:
		m.stats.Dropped++
	case StatBlockedDrop:
		m.stats.BlockedDrop++
	case StatPassed:
		m.stats.Passed++
	}
}

// Stats returns a snapshot of the statistics map.
func (m *Maps) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}
