package threatintel

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"github.com/aegis-network/edge/services/packetfilter"
)

func newTestBus(t *testing.T, keyring *KeyRing, maps packetfilter.MapSet, store *Store) *Bus {
	t.Helper()
	return &Bus{
		keyring: keyring,
		policy:  DefaultReceiptPolicy(),
		maps:    maps,
		store:   store,
	}
}

func TestBus_HandleInboundAppliesAcceptedEntryToMaps(t *testing.T) {
	signer, pub := newFakeSigner(t, "node-a")
	keyring := NewKeyRing()
	keyring.Set("node-a", pub)
	maps := packetfilter.NewMaps(packetfilter.DefaultThresholds(), time.Second)

	b := newTestBus(t, keyring, maps, nil)

	msg, err := New(signer, "203.0.113.7", "syn_flood", 8, 5*time.Minute, "")
	require.NoError(t, err)
	data, err := Marshal(msg)
	require.NoError(t, err)

	b.handleInbound(data)

	entry, ok := maps.BlocklistLookup(net.ParseIP("203.0.113.7"), time.Now())
	require.True(t, ok)
	require.Equal(t, "syn_flood", entry.ReasonCode)
}

func TestBus_HandleInboundIgnoresRejectedEntry(t *testing.T) {
	signer, _ := newFakeSigner(t, "node-a") // key never installed in the ring
	keyring := NewKeyRing()
	maps := packetfilter.NewMaps(packetfilter.DefaultThresholds(), time.Second)

	b := newTestBus(t, keyring, maps, nil)

	msg, err := New(signer, "203.0.113.7", "syn_flood", 8, 5*time.Minute, "")
	require.NoError(t, err)
	data, err := Marshal(msg)
	require.NoError(t, err)

	b.handleInbound(data)

	_, ok := maps.BlocklistLookup(net.ParseIP("203.0.113.7"), time.Now())
	require.False(t, ok, "a message from an unknown issuer must never reach the map")
}

func TestBus_HandleInboundIgnoresMalformedPayload(t *testing.T) {
	maps := packetfilter.NewMaps(packetfilter.DefaultThresholds(), time.Second)
	b := newTestBus(t, NewKeyRing(), maps, nil)
	require.NotPanics(t, func() { b.handleInbound([]byte("not json")) })
}

func TestBus_HandleInboundPersistsAcceptedEntry(t *testing.T) {
	signer, pub := newFakeSigner(t, "node-a")
	keyring := NewKeyRing()
	keyring.Set("node-a", pub)
	maps := packetfilter.NewMaps(packetfilter.DefaultThresholds(), time.Second)

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	mock.ExpectExec(".*").WillReturnResult(sqlmock.NewResult(0, 0)) // schema
	mock.ExpectExec("INSERT INTO blocklist").WillReturnResult(sqlmock.NewResult(1, 1))

	store, err := NewStore(context.Background(), db)
	require.NoError(t, err)

	b := newTestBus(t, keyring, maps, store)

	msg, err := New(signer, "203.0.113.7", "syn_flood", 8, 5*time.Minute, "")
	require.NoError(t, err)
	data, err := Marshal(msg)
	require.NoError(t, err)

	b.handleInbound(data)
	require.NoError(t, mock.ExpectationsWereMet())
}
