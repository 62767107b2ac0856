// Package packetfilter implements the per-packet decision logic:
// blocklist check, SYN/UDP flood thresholding with decay, and auto-block
// escalation. It is expressed over a MapSet interface so
// the same decision code runs against either real kernel BPF maps
// (packetfilter/bpf) or the in-memory reference implementation in this
// package, used by tests and as the fallback when XDP attach is
// unavailable — fail-open by falling back rather than refusing to start.
package packetfilter

import (
	"net"
	"time"
)

// BlockEntry is the blocklist kernel-map value.
type BlockEntry struct {
	Expiry     time.Time
	ReasonCode string
}

// Stats mirrors the statistics map: total, per-protocol, dropped,
// blocked-drop, pass.
type Stats struct {
	Total       uint64
	TCP         uint64
	UDP         uint64
	Other       uint64
	Dropped     uint64
	BlockedDrop uint64
	Passed      uint64
}

// Thresholds mirrors the configuration-cells map.
type Thresholds struct {
	SYNPerSecond uint64
	UDPPerSecond uint64
	AutoBlockFor time.Duration
}

// DefaultThresholds returns the stock flood thresholds.
func DefaultThresholds() Thresholds {
	return Thresholds{
		SYNPerSecond: 1000,
		UDPPerSecond: 1000,
		AutoBlockFor: 30 * time.Second,
	}
}

// MapSet is the set of maps the decision logic in Decide operates over.
// packetfilter/bpf implements this against real kernel BPF maps; this
// package's Maps type implements it in-process for tests and as the
// software fallback.
type MapSet interface {
	// Lookup returns the blocklist entry for ip, if present and unexpired
	// as of now.
	BlocklistLookup(ip net.IP, now time.Time) (BlockEntry, bool)
	// BlocklistAdd inserts or replaces a blocklist entry with the given
	// expiry and reason.
	BlocklistAdd(ip net.IP, expiry time.Time, reasonCode string)
	// Whitelisted reports whether ip is in the always-pass whitelist.
	Whitelisted(ip net.IP) bool
	// SYNCount returns the current (possibly decayed) SYN counter for ip
	// and bumps it by one, along with the window it belongs to.
	BumpSYNCount(ip net.IP, now time.Time) uint64
	// BumpUDPCount is the UDP analogue of BumpSYNCount.
	BumpUDPCount(ip net.IP, now time.Time) uint64
	// Thresholds returns the current configuration cells.
	Thresholds() Thresholds
	// RecordStat increments a named statistic.
	RecordStat(field string)
}

// Stat field names, matching the statistics map.
const (
	StatTotal       = "total"
	StatTCP         = "tcp"
	StatUDP         = "udp"
	StatOther       = "other"
	StatDropped     = "dropped"
	StatBlockedDrop = "blocked_drop"
	StatPassed      = "passed"
)
