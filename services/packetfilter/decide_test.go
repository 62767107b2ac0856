package packetfilter

import (
	"net"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/require"
)

func buildTCP(t *testing.T, srcIP, dstIP string, syn, ack bool) []byte {
	t.Helper()
	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0x00, 0x01, 0x02, 0x03, 0x04, 0x05},
		DstMAC:       net.HardwareAddr{0x00, 0x0a, 0x0b, 0x0c, 0x0d, 0x0e},
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Protocol: layers.IPProtocolTCP,
		SrcIP:    net.ParseIP(srcIP).To4(),
		DstIP:    net.ParseIP(dstIP).To4(),
	}
	tcp := &layers.TCP{
		SrcPort: 40000,
		DstPort: 443,
		SYN:     syn,
		ACK:     ack,
	}
	require.NoError(t, tcp.SetNetworkLayerForChecksum(ip))

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{ComputeChecksums: true, FixLengths: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, eth, ip, tcp))
	return buf.Bytes()
}

func buildUDP(t *testing.T, srcIP, dstIP string) []byte {
	t.Helper()
	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0x00, 0x01, 0x02, 0x03, 0x04, 0x05},
		DstMAC:       net.HardwareAddr{0x00, 0x0a, 0x0b, 0x0c, 0x0d, 0x0e},
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    net.ParseIP(srcIP).To4(),
		DstIP:    net.ParseIP(dstIP).To4(),
	}
	udp := &layers.UDP{SrcPort: 51234, DstPort: 53}
	require.NoError(t, udp.SetNetworkLayerForChecksum(ip))

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{ComputeChecksums: true, FixLengths: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, eth, ip, udp))
	return buf.Bytes()
}

func TestDecide_PlainSYNPasses(t *testing.T) {
	m := NewMaps(DefaultThresholds(), time.Second)
	now := time.Now()
	pkt := buildTCP(t, "10.0.0.1", "10.0.0.2", true, false)

	require.Equal(t, VerdictPass, Decide(m, pkt, now))
}

func TestDecide_ACKOnlyNeverCountsAsFlood(t *testing.T) {
	m := NewMaps(Thresholds{SYNPerSecond: 1, UDPPerSecond: 1, AutoBlockFor: 30 * time.Second}, time.Second)
	now := time.Now()
	pkt := buildTCP(t, "10.0.0.1", "10.0.0.2", true, true) // SYN+ACK, not a bare SYN

	for i := 0; i < 5; i++ {
		require.Equal(t, VerdictPass, Decide(m, pkt, now))
	}
}

func TestDecide_BlocklistedSourceDrops(t *testing.T) {
	m := NewMaps(DefaultThresholds(), time.Second)
	now := time.Now()
	m.BlocklistAdd(net.ParseIP("10.0.0.1"), now.Add(time.Minute), "manual")

	pkt := buildTCP(t, "10.0.0.1", "10.0.0.2", true, false)
	require.Equal(t, VerdictBlockedDrop, Decide(m, pkt, now))
}

func TestDecide_WhitelistBypassesEverything(t *testing.T) {
	m := NewMaps(Thresholds{SYNPerSecond: 1, UDPPerSecond: 1, AutoBlockFor: 30 * time.Second}, time.Second)
	now := time.Now()
	m.AddWhitelist(net.ParseIP("10.0.0.1"))
	m.BlocklistAdd(net.ParseIP("10.0.0.1"), now.Add(time.Minute), "manual")

	pkt := buildTCP(t, "10.0.0.1", "10.0.0.2", true, false)
	require.Equal(t, VerdictPass, Decide(m, pkt, now))
}

// TestDecide_SYNThresholdBoundary exercises the threshold boundary: at
// exactly threshold, pass; threshold+1 in the same window, drop; at 2x
// threshold cumulative, drop and auto-block.
func TestDecide_SYNThresholdBoundary(t *testing.T) {
	thresholds := Thresholds{SYNPerSecond: 5, UDPPerSecond: 5, AutoBlockFor: 30 * time.Second}
	m := NewMaps(thresholds, time.Second)
	now := time.Now()
	pkt := buildTCP(t, "10.0.0.9", "10.0.0.2", true, false)

	for i := 0; i < 5; i++ {
		require.Equal(t, VerdictPass, Decide(m, pkt, now), "packet %d should pass at/under threshold", i+1)
	}

	// 6th packet: threshold+1, over but under 2x (10) — drop, no block yet.
	require.Equal(t, VerdictDrop, Decide(m, pkt, now))
	_, blocked := m.BlocklistLookup(net.ParseIP("10.0.0.9"), now)
	require.False(t, blocked)

	// Drive the count up to 2x threshold (10).
	for i := 0; i < 3; i++ {
		Decide(m, pkt, now)
	}
	verdict := Decide(m, pkt, now) // 10th packet: count reaches 2x threshold
	require.Equal(t, VerdictAutoBlock, verdict)

	entry, blocked := m.BlocklistLookup(net.ParseIP("10.0.0.9"), now)
	require.True(t, blocked)
	require.Equal(t, "flood_auto_block", entry.ReasonCode)
	require.WithinDuration(t, now.Add(30*time.Second), entry.Expiry, time.Second)

	// Once blocked, subsequent packets are dropped as blocked, not re-evaluated.
	require.Equal(t, VerdictBlockedDrop, Decide(m, pkt, now))
}

func TestDecide_UDPFloodThreshold(t *testing.T) {
	thresholds := Thresholds{SYNPerSecond: 1000, UDPPerSecond: 2, AutoBlockFor: 30 * time.Second}
	m := NewMaps(thresholds, time.Second)
	now := time.Now()
	pkt := buildUDP(t, "10.0.0.5", "10.0.0.2")

	require.Equal(t, VerdictPass, Decide(m, pkt, now))
	require.Equal(t, VerdictPass, Decide(m, pkt, now))
	require.Equal(t, VerdictDrop, Decide(m, pkt, now))
}

func TestDecide_UnparseablePacketPassesOpen(t *testing.T) {
	m := NewMaps(DefaultThresholds(), time.Now())
	verdict := Decide(m, []byte{0x01, 0x02, 0x03}, time.Now())
	require.Equal(t, VerdictPass, verdict)
}

func TestDecide_BlocklistExpiryTreatedAsAbsent(t *testing.T) {
	m := NewMaps(DefaultThresholds(), time.Second)
	now := time.Now()
	m.BlocklistAdd(net.ParseIP("10.0.0.7"), now.Add(-time.Second), "stale")

	pkt := buildTCP(t, "10.0.0.7", "10.0.0.2", true, false)
	require.Equal(t, VerdictPass, Decide(m, pkt, now))
}

func TestDecide_StatsAccumulate(t *testing.T) {
	m := NewMaps(DefaultThresholds(), time.Second)
	now := time.Now()
	Decide(m, buildTCP(t, "10.0.0.1", "10.0.0.2", true, false), now)
	Decide(m, buildUDP(t, "10.0.0.1", "10.0.0.2"), now)

	stats := m.Stats()
	require.Equal(t, uint64(2), stats.Total)
	require.Equal(t, uint64(1), stats.TCP)
	require.Equal(t, uint64(1), stats.UDP)
	require.Equal(t, uint64(2), stats.Passed)
}
