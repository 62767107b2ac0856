package threatintel

import (
	"context"
	"net"
	"time"

	"github.com/hashicorp/memberlist"

	coreerrors "github.com/aegis-network/edge/infrastructure/errors"
	"github.com/aegis-network/edge/infrastructure/logging"
	"github.com/aegis-network/edge/services/packetfilter"
)

func parseIP(s string) net.IP {
	return net.ParseIP(s)
}

// gossipChannel is the logical topic name; memberlist has no channel
// concept of its own, so every user message on this mesh is implicitly
// on this channel.
const gossipChannel = "aegis-threat-intel"

// Bus is the peer-to-peer gossip overlay that propagates
// ThreatIntelligence messages and applies the receipt policy to inbound
// ones.
type Bus struct {
	ml         *memberlist.Memberlist
	broadcasts *memberlist.TransmitLimitedQueue

	keyring *KeyRing
	policy  ReceiptPolicy
	maps    packetfilter.MapSet
	store   *Store
	logger  *logging.Logger
}

// Config configures a Bus.
type Config struct {
	NodeID    string
	BindAddr  string
	BindPort  int
	JoinAddrs []string
	Policy    ReceiptPolicy
}

// NewBus starts the memberlist agent and wires its delegate to this Bus.
func NewBus(cfg Config, keyring *KeyRing, maps packetfilter.MapSet, store *Store, logger *logging.Logger) (*Bus, error) {
	b := &Bus{
		keyring: keyring,
		policy:  cfg.Policy,
		maps:    maps,
		store:   store,
		logger:  logger,
	}
	if b.policy == (ReceiptPolicy{}) {
		b.policy = DefaultReceiptPolicy()
	}

	mlConfig := memberlist.DefaultLANConfig()
	mlConfig.Name = cfg.NodeID
	if cfg.BindAddr != "" {
		mlConfig.BindAddr = cfg.BindAddr
	}
	if cfg.BindPort != 0 {
		mlConfig.BindPort = cfg.BindPort
		mlConfig.AdvertisePort = cfg.BindPort
	}
	mlConfig.Delegate = &delegate{bus: b}

	ml, err := memberlist.Create(mlConfig)
	if err != nil {
		return nil, coreerrors.FatalBoot("start threat-intel gossip agent", err)
	}
	b.ml = ml
	b.broadcasts = &memberlist.TransmitLimitedQueue{
		NumNodes:       func() int { return ml.NumMembers() },
		RetransmitMult: 3,
	}

	if len(cfg.JoinAddrs) > 0 {
		if _, err := ml.Join(cfg.JoinAddrs); err != nil {
			return nil, coreerrors.Wrap(coreerrors.TransientIO, "join threat-intel gossip mesh", err)
		}
	}
	return b, nil
}

// Publish broadcasts msg to every known peer. It never blocks on delivery
// acknowledgement; memberlist's gossip rounds carry it with
// RetransmitMult-bounded redundancy.
func (b *Bus) Publish(msg *ThreatIntelligence) error {
	data, err := Marshal(msg)
	if err != nil {
		return coreerrors.Wrap(coreerrors.BadInput, "marshal threat intelligence for publish", err)
	}
	b.broadcasts.QueueBroadcast(broadcast(data))
	return nil
}

// Shutdown leaves the mesh and releases the agent's resources.
func (b *Bus) Shutdown(timeout time.Duration) error {
	if err := b.ml.Leave(timeout); err != nil {
		return coreerrors.Wrap(coreerrors.TransientIO, "leave threat-intel gossip mesh", err)
	}
	return b.ml.Shutdown()
}

// NumPeers reports the current mesh size, for the admin API.
func (b *Bus) NumPeers() int {
	return b.ml.NumMembers()
}

// handleInbound applies the receipt policy to a gossiped message and, on
// acceptance, writes it to the kernel map and the durable store.
func (b *Bus) handleInbound(data []byte) {
	msg, err := Unmarshal(data)
	if err != nil {
		b.logRejection("", err)
		return
	}

	if err := b.policy.Accept(msg, b.keyring, time.Now()); err != nil {
		b.logRejection(msg.IP, err)
		return
	}

	now := time.Now()
	expiry := msg.Expiry(now)

	if ip := parseIP(msg.IP); ip != nil && b.maps != nil {
		b.maps.BlocklistAdd(ip, expiry, msg.ThreatType)
	}

	if b.store != nil {
		row := Row{
			IP:             msg.IP,
			BlockedUntilUs: expiry.UnixMicro(),
			Reason:         msg.ThreatType,
			CreatedAt:      now.UnixMicro(),
		}
		if err := b.store.Insert(context.Background(), row); err != nil && b.logger != nil {
			b.logger.WithError(err).Warn("threatintel: failed to persist accepted entry")
		}
	}
}

func (b *Bus) logRejection(ip string, err error) {
	if b.logger == nil {
		return
	}
	b.logger.WithError(err).WithField("ip", ip).Warn("threatintel: rejected gossiped message")
}

// delegate implements memberlist.Delegate, forwarding inbound user
// messages to Bus.handleInbound and serving the broadcast queue.
type delegate struct {
	bus *Bus
}

func (d *delegate) NodeMeta(limit int) []byte { return nil }

func (d *delegate) NotifyMsg(buf []byte) {
	if len(buf) == 0 {
		return
	}
	d.bus.handleInbound(buf)
}

func (d *delegate) GetBroadcasts(overhead, limit int) [][]byte {
	return d.bus.broadcasts.GetBroadcasts(overhead, limit)
}

func (d *delegate) LocalState(join bool) []byte { return nil }

func (d *delegate) MergeRemoteState(buf []byte, join bool) {}

// broadcast adapts a raw message to memberlist.Broadcast. Messages are
// never invalidated by a later one — each ThreatIntelligence entry is
// independent, unlike the rate-limit CRDT's superseding updates.
type broadcast []byte

func (b broadcast) Invalidates(other memberlist.Broadcast) bool { return false }
func (b broadcast) Message() []byte                             { return b }
func (b broadcast) Finished()                                   {}
