package ratelimit

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func mergedCopy(base *Counter, remotes ...map[string]uint64) *Counter {
	c := NewCounter()
	c.Merge(base.Snapshot())
	for _, r := range remotes {
		c.Merge(r)
	}
	return c
}

func TestCounter_MergeIsCommutative(t *testing.T) {
	a := NewCounter()
	a.Increment("node-1", 3)
	b := map[string]uint64{"node-2": 5}

	ab := mergedCopy(a, b)
	ba := NewCounter()
	ba.Merge(b)
	ba.Merge(a.Snapshot())

	require.Equal(t, ab.Total(), ba.Total())
	require.Equal(t, ab.Snapshot(), ba.Snapshot())
}

func TestCounter_MergeIsIdempotent(t *testing.T) {
	a := NewCounter()
	a.Increment("node-1", 7)
	remote := map[string]uint64{"node-2": 4}

	once := mergedCopy(a, remote)
	twice := mergedCopy(a, remote, remote)

	require.Equal(t, once.Total(), twice.Total())
	require.Equal(t, once.Snapshot(), twice.Snapshot())
}

func TestCounter_MergeIsAssociative(t *testing.T) {
	a := map[string]uint64{"node-1": 1}
	b := map[string]uint64{"node-2": 2}
	c := map[string]uint64{"node-3": 3}

	left := NewCounter() // (a merge b) merge c
	left.Merge(a)
	left.Merge(b)
	left.Merge(c)

	right := NewCounter() // a merge (b merge c)
	bc := NewCounter()
	bc.Merge(b)
	bc.Merge(c)
	right.Merge(a)
	right.Merge(bc.Snapshot())

	require.Equal(t, left.Total(), right.Total())
}

func TestCounter_GrowOnly(t *testing.T) {
	c := NewCounter()
	c.Increment("node-1", 5)
	require.Equal(t, uint64(5), c.Total())

	// Merging a smaller observed value never decreases the counter.
	c.Merge(map[string]uint64{"node-1": 2})
	require.Equal(t, uint64(5), c.Total())

	c.Merge(map[string]uint64{"node-1": 9})
	require.Equal(t, uint64(9), c.Total())
}

func TestCounter_CompactPreservesTotal(t *testing.T) {
	c := NewCounter()
	c.Increment("node-1", 10)
	c.Merge(map[string]uint64{"node-2": 20, "node-3": 5})
	total := c.Total()

	c.Compact("node-1")
	require.Equal(t, total, c.Total())
	require.Equal(t, 1, c.ActorCount())
}

func TestCounter_ResetReplacesRatherThanDecrements(t *testing.T) {
	c := NewCounter()
	c.Increment("node-1", 100)
	c.Reset()
	require.Equal(t, uint64(0), c.Total())
	require.Equal(t, 0, c.ActorCount())
}
