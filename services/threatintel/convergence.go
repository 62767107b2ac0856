package threatintel

import (
	"context"
	"time"

	"github.com/aegis-network/edge/services/packetfilter"
)

// Converge performs startup convergence: restore every non-expired
// entry from the durable store into the kernel map, then
// re-announce each one on the bus so recently-rejoined peers relearn what
// this node already knew.
func Converge(ctx context.Context, store *Store, maps packetfilter.MapSet, bus *Bus, signer Signer) error {
	now := time.Now()
	rows, err := store.NonExpired(ctx, now.UnixMicro())
	if err != nil {
		return err
	}

	for _, row := range rows {
		ip := parseIP(row.IP)
		if ip == nil {
			continue
		}
		expiry := time.UnixMicro(row.BlockedUntilUs)
		if maps != nil {
			maps.BlocklistAdd(ip, expiry, row.Reason)
		}

		if bus == nil || signer == nil {
			continue
		}
		remaining := time.Until(expiry)
		if remaining <= 0 {
			continue
		}
		msg, err := New(signer, row.IP, row.Reason, MaxSeverity, remaining, "restored at boot")
		if err != nil {
			continue
		}
		_ = bus.Publish(msg)
	}
	return nil
}
