package packetfilter

import (
	"net"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// Verdict is the outcome of Decide for a single packet.
type Verdict int

const (
	// VerdictPass lets the packet continue up the stack.
	VerdictPass Verdict = iota
	// VerdictDrop discards the packet without recording a new block.
	VerdictDrop
	// VerdictBlockedDrop discards the packet because the source is
	// already on the blocklist.
	VerdictBlockedDrop
	// VerdictAutoBlock discards the packet and installs a new, timed
	// blocklist entry for its source.
	VerdictAutoBlock
)

// autoBlockMultiplier is the escalation point: a source at twice the
// flood threshold is auto-blocked, not just dropped.
const autoBlockMultiplier = 2

// Decide implements the per-packet operation sequence:
//
//  1. Parse the link-layer header; anything that doesn't decode as
//     Ethernet/IP passes (XDP only sees IP traffic at its attach point in
//     practice, but decode failures fail open rather than drop).
//  2. Parse the network header to obtain the source address and protocol.
//  3. If the source is already blocklisted and unexpired, drop.
//  4. If TCP with SYN set and ACK unset, bump the SYN counter and compare
//     against the threshold.
//  5. If UDP, bump the UDP counter and compare against the threshold.
//  6. Otherwise pass.
func Decide(maps MapSet, data []byte, now time.Time) Verdict {
	maps.RecordStat(StatTotal)

	pkt := gopacket.NewPacket(data, layers.LayerTypeEthernet, gopacket.DecodeOptions{
		Lazy:   true,
		NoCopy: true,
	})

	src, proto, tcp, ok := decodeNetwork(pkt)
	if !ok {
		maps.RecordStat(StatOther)
		maps.RecordStat(StatPassed)
		return VerdictPass
	}

	if maps.Whitelisted(src) {
		recordProtoStat(maps, proto)
		maps.RecordStat(StatPassed)
		return VerdictPass
	}

	if _, blocked := maps.BlocklistLookup(src, now); blocked {
		recordProtoStat(maps, proto)
		maps.RecordStat(StatDropped)
		maps.RecordStat(StatBlockedDrop)
		return VerdictBlockedDrop
	}

	switch proto {
	case layers.IPProtocolTCP:
		maps.RecordStat(StatTCP)
		if tcp == nil || !tcp.SYN || tcp.ACK {
			maps.RecordStat(StatPassed)
			return VerdictPass
		}
		return evaluateFlood(maps, src, now, maps.BumpSYNCount(src, now), maps.Thresholds().SYNPerSecond)

	case layers.IPProtocolUDP:
		maps.RecordStat(StatUDP)
		return evaluateFlood(maps, src, now, maps.BumpUDPCount(src, now), maps.Thresholds().UDPPerSecond)

	default:
		maps.RecordStat(StatOther)
		maps.RecordStat(StatPassed)
		return VerdictPass
	}
}

// evaluateFlood applies the threshold/auto-block escalation shared by the
// SYN and UDP paths: at or under threshold, pass; over threshold but under
// 2x, drop; at or over 2x threshold, drop and install an auto-block.
func evaluateFlood(maps MapSet, src net.IP, now time.Time, count uint64, threshold uint64) Verdict {
	if threshold == 0 || count <= threshold {
		maps.RecordStat(StatPassed)
		return VerdictPass
	}

	if count >= threshold*autoBlockMultiplier {
		expiry := now.Add(maps.Thresholds().AutoBlockFor)
		maps.BlocklistAdd(src, expiry, "flood_auto_block")
		maps.RecordStat(StatDropped)
		return VerdictAutoBlock
	}

	maps.RecordStat(StatDropped)
	return VerdictDrop
}

func recordProtoStat(maps MapSet, proto layers.IPProtocol) {
	switch proto {
	case layers.IPProtocolTCP:
		maps.RecordStat(StatTCP)
	case layers.IPProtocolUDP:
		maps.RecordStat(StatUDP)
	default:
		maps.RecordStat(StatOther)
	}
}

// decodeNetwork extracts the source address, IP protocol, and (if present)
// the TCP layer from an already-decoded link-layer packet. ok is false if
// no IPv4/IPv6 layer was found.
func decodeNetwork(pkt gopacket.Packet) (src net.IP, proto layers.IPProtocol, tcp *layers.TCP, ok bool) {
	if ip4 := pkt.Layer(layers.LayerTypeIPv4); ip4 != nil {
		v4, _ := ip4.(*layers.IPv4)
		src = v4.SrcIP
		proto = v4.Protocol
		ok = true
	} else if ip6 := pkt.Layer(layers.LayerTypeIPv6); ip6 != nil {
		v6, _ := ip6.(*layers.IPv6)
		src = v6.SrcIP
		proto = v6.NextHeader
		ok = true
	}
	if !ok {
		return nil, 0, nil, false
	}

	if proto == layers.IPProtocolTCP {
		if tl := pkt.Layer(layers.LayerTypeTCP); tl != nil {
			tcp, _ = tl.(*layers.TCP)
		}
	}
	return src, proto, tcp, true
}
