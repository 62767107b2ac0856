package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T, actorID string) *Store {
	t.Helper()
	s, err := New(Config{ActorID: actorID, Window: time.Minute}, nil, nil)
	require.NoError(t, err)
	return s
}

func TestStore_RequiresActorID(t *testing.T) {
	_, err := New(Config{}, nil, nil)
	require.Error(t, err)
}

func TestStore_MergeOperationConverges(t *testing.T) {
	s := newTestStore(t, "node-1")

	s.mergeOperation(Operation{ActorID: "node-1", ResourceID: "ip:1.2.3.4", Value: 3})
	s.mergeOperation(Operation{ActorID: "node-2", ResourceID: "ip:1.2.3.4", Value: 4})
	s.mergeOperation(Operation{ActorID: "node-3", ResourceID: "ip:1.2.3.4", Value: 3})

	require.Equal(t, uint64(10), s.Total("ip:1.2.3.4"))
}

func TestStore_MergeOperationIdempotent(t *testing.T) {
	s := newTestStore(t, "node-1")
	op := Operation{ActorID: "node-2", ResourceID: "route:/api", Value: 7}

	s.mergeOperation(op)
	s.mergeOperation(op)
	s.mergeOperation(op)

	require.Equal(t, uint64(7), s.Total("route:/api"))
}

func TestStore_Exceeds(t *testing.T) {
	s := newTestStore(t, "node-1")
	s.mergeOperation(Operation{ActorID: "node-1", ResourceID: "ip:9.9.9.9", Value: 10})

	require.True(t, s.Exceeds("ip:9.9.9.9", 10))
	require.False(t, s.Exceeds("ip:9.9.9.9", 11))
	require.True(t, s.Exceeds("ip:9.9.9.9", 9))
}

func TestStore_UnknownResourceTotalsZero(t *testing.T) {
	s := newTestStore(t, "node-1")
	require.Equal(t, uint64(0), s.Total("never-seen"))
	require.False(t, s.Exceeds("never-seen", 1))
}

func TestStore_ResourceCount(t *testing.T) {
	s := newTestStore(t, "node-1")
	s.mergeOperation(Operation{ActorID: "node-1", ResourceID: "a", Value: 1})
	s.mergeOperation(Operation{ActorID: "node-1", ResourceID: "b", Value: 1})
	require.Equal(t, 2, s.ResourceCount())
}
