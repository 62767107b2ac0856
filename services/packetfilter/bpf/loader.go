//go:build linux

// Package bpf attaches the packet filter's decision maps to a real XDP
// program on a network interface, implementing packetfilter.MapSet
// against kernel BPF maps instead of the in-process reference tables.
// Building/attaching the XDP object is itself out of scope here (it
// would ship as a compiled .o loaded via ebpf.CollectionSpec); this
// loader focuses on the map side, which is what the decision logic in
// packetfilter.Decide actually touches — the kernel-side hot path drops
// packets without a syscall, and this package keeps userspace state in
// sync for visibility (blocklist adds, threshold reads, stats).
package bpf

import (
	"encoding/binary"
	"net"
	"time"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"
	"github.com/cilium/ebpf/rlimit"

	coreerrors "github.com/aegis-network/edge/infrastructure/errors"
	"github.com/aegis-network/edge/services/packetfilter"
)

// Map names, matching the pinned BPF map layout the compiled XDP object
// exposes.
const (
	mapBlocklistV4 = "blocklist_v4"
	mapBlocklistV6 = "blocklist_v6"
	mapWhitelist   = "whitelist"
	mapSYNCounters = "syn_counters"
	mapUDPCounters = "udp_counters"
	mapThresholds  = "thresholds"
	mapStatistics  = "statistics"
)

// blockValue mirrors the kernel-side BlocklistEntry struct layout:
// expiry as a monotonic nanosecond deadline, plus a fixed-width reason
// code.
type blockValue struct {
	ExpiryNanos uint64
	ReasonCode  [16]byte
}

var _ packetfilter.MapSet = (*Loader)(nil)

// Loader attaches an already-compiled XDP program (spec) to a network
// interface and exposes its maps through the packetfilter.MapSet
// interface.
type Loader struct {
	coll      *ebpf.Collection
	link      link.Link
	ifaceName string
}

// Attach loads spec's maps/programs, pins the program named progName to
// the XDP hook on iface, and returns a Loader satisfying MapSet. Callers
// should fall back to packetfilter.NewMaps when Attach fails. XDP
// attach commonly fails in containers and non-root dev environments,
// and the filter fails open rather than refusing to start.
func Attach(spec *ebpf.CollectionSpec, progName, iface string) (*Loader, error) {
	if err := rlimit.RemoveMemlock(); err != nil {
		return nil, coreerrors.FatalBoot("remove_memlock", err)
	}

	coll, err := ebpf.NewCollection(spec)
	if err != nil {
		return nil, coreerrors.FatalBoot("load_bpf_collection", err)
	}

	prog, ok := coll.Programs[progName]
	if !ok {
		coll.Close()
		return nil, coreerrors.Invalid("prog_name", "program not found in collection: "+progName)
	}

	ifc, err := net.InterfaceByName(iface)
	if err != nil {
		coll.Close()
		return nil, coreerrors.FatalBoot("resolve_interface", err)
	}

	l, err := link.AttachXDP(link.XDPOptions{
		Program:   prog,
		Interface: ifc.Index,
	})
	if err != nil {
		coll.Close()
		return nil, coreerrors.TransientUpstream("attach_xdp", err)
	}

	return &Loader{coll: coll, link: l, ifaceName: iface}, nil
}

// Close detaches the XDP program and releases the collection's maps.
func (l *Loader) Close() error {
	var err error
	if l.link != nil {
		err = l.link.Close()
	}
	if l.coll != nil {
		l.coll.Close()
	}
	return err
}

func ipKey(ip net.IP) []byte {
	if v4 := ip.To4(); v4 != nil {
		return v4
	}
	return ip.To16()
}

func (l *Loader) blocklistMap(ip net.IP) *ebpf.Map {
	if ip.To4() != nil {
		return l.coll.Maps[mapBlocklistV4]
	}
	return l.coll.Maps[mapBlocklistV6]
}

func (l *Loader) BlocklistLookup(ip net.IP, now time.Time) (packetfilter.BlockEntry, bool) {
	m := l.blocklistMap(ip)
	var v blockValue
	if err := m.Lookup(ipKey(ip), &v); err != nil {
		return packetfilter.BlockEntry{}, false
	}
	expiry := time.Unix(0, int64(v.ExpiryNanos))
	if !now.Before(expiry) {
		_ = m.Delete(ipKey(ip))
		return packetfilter.BlockEntry{}, false
	}
	return packetfilter.BlockEntry{Expiry: expiry, ReasonCode: reasonFromBytes(v.ReasonCode)}, true
}

func (l *Loader) BlocklistAdd(ip net.IP, expiry time.Time, reasonCode string) {
	m := l.blocklistMap(ip)
	v := blockValue{ExpiryNanos: uint64(expiry.UnixNano())}
	copy(v.ReasonCode[:], reasonCode)
	_ = m.Put(ipKey(ip), &v)
}

// BlocklistSize counts entries across both address-family maps,
// including ones whose expiry has passed but that the kernel has not yet
// evicted; it is a diagnostic, not an enforcement surface.
func (l *Loader) BlocklistSize() int {
	total := 0
	for _, name := range []string{mapBlocklistV4, mapBlocklistV6} {
		m := l.coll.Maps[name]
		if m == nil {
			continue
		}
		var key []byte
		var v blockValue
		iter := m.Iterate()
		for iter.Next(&key, &v) {
			total++
		}
	}
	return total
}

func (l *Loader) Whitelisted(ip net.IP) bool {
	var present uint8
	err := l.coll.Maps[mapWhitelist].Lookup(ipKey(ip), &present)
	return err == nil && present != 0
}

func (l *Loader) bumpCounter(mapName string, ip net.IP, now time.Time) uint64 {
	m := l.coll.Maps[mapName]
	key := ipKey(ip)

	var window [16]byte
	binary.LittleEndian.PutUint64(window[:8], uint64(now.UnixNano()))
	var count uint64
	if err := m.Lookup(key, &count); err == nil {
		count++
	} else {
		count = 1
	}
	_ = m.Put(key, &count)
	return count
}

func (l *Loader) BumpSYNCount(ip net.IP, now time.Time) uint64 {
	return l.bumpCounter(mapSYNCounters, ip, now)
}

func (l *Loader) BumpUDPCount(ip net.IP, now time.Time) uint64 {
	return l.bumpCounter(mapUDPCounters, ip, now)
}

func (l *Loader) Thresholds() packetfilter.Thresholds {
	var cells [3]uint64
	_ = l.coll.Maps[mapThresholds].Lookup(uint32(0), &cells)
	return packetfilter.Thresholds{
		SYNPerSecond: cells[0],
		UDPPerSecond: cells[1],
		AutoBlockFor: time.Duration(cells[2]),
	}
}

// SetThresholds writes the configuration-cells map, mirrored from
// userspace config reload.
func (l *Loader) SetThresholds(t packetfilter.Thresholds) error {
	cells := [3]uint64{t.SYNPerSecond, t.UDPPerSecond, uint64(t.AutoBlockFor)}
	if err := l.coll.Maps[mapThresholds].Put(uint32(0), &cells); err != nil {
		return coreerrors.TransientUpstream("set_thresholds", err)
	}
	return nil
}

func (l *Loader) RecordStat(field string) {
	idx, ok := statIndex[field]
	if !ok {
		return
	}
	var count uint64
	m := l.coll.Maps[mapStatistics]
	if err := m.Lookup(uint32(idx), &count); err == nil {
		count++
	} else {
		count = 1
	}
	_ = m.Put(uint32(idx), &count)
}

var statIndex = map[string]uint32{
	packetfilter.StatTotal:       0,
	packetfilter.StatTCP:         1,
	packetfilter.StatUDP:         2,
	packetfilter.StatOther:       3,
	packetfilter.StatDropped:     4,
	packetfilter.StatBlockedDrop: 5,
	packetfilter.StatPassed:      6,
}

func reasonFromBytes(b [16]byte) string {
	n := 0
	for n < len(b) && b[n] != 0 {
		n++
	}
	return string(b[:n])
}
