package buddy

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

// Scenario 1 from the design's testable properties: Buddy(size=7).
func TestAcquireReleaseScenario(t *testing.T) {
	tree := New(7)

	off, ok := tree.Acquire(2)
	require.True(t, ok)
	require.EqualValues(t, 0, off)

	off, ok = tree.Acquire(1)
	require.True(t, ok)
	require.EqualValues(t, 4, off)

	off, ok = tree.Acquire(0)
	require.True(t, ok)
	require.EqualValues(t, 6, off)

	tree.Release(4)
	tree.Release(0)
	tree.Release(6)

	require.True(t, tree.Empty())
	require.EqualValues(t, 7, tree.avail[1])
	require.EqualValues(t, ^uint32(0), tree.avail[0])
}

func TestAcquireFailsWhenTooLarge(t *testing.T) {
	tree := New(8)
	_, ok := tree.Acquire(3) // exactly the whole tree
	require.True(t, ok)

	_, ok = tree.Acquire(0)
	require.False(t, ok, "tree should be fully allocated")
}

func TestQuerySizeExponentRoundTrips(t *testing.T) {
	tree := New(64)
	off, ok := tree.Acquire(4)
	require.True(t, ok)
	require.EqualValues(t, 4, tree.QuerySizeExponent(off))
	tree.Release(off)
}

// Round-trip law: release(acquire(k)) composed under any order returns the
// tree to its initial state.
func TestRoundTripRestoresInitialState(t *testing.T) {
	const size = 1024
	rng := rand.New(rand.NewSource(42))

	for trial := 0; trial < 50; trial++ {
		tree := New(size)
		initial := append([]uint32(nil), tree.avail...)

		var offsets []uint32
		for i := 0; i < 20; i++ {
			exp := uint32(rng.Intn(6))
			if off, ok := tree.Acquire(exp); ok {
				offsets = append(offsets, off)
			}
		}

		rng.Shuffle(len(offsets), func(i, j int) {
			offsets[i], offsets[j] = offsets[j], offsets[i]
		})
		for _, off := range offsets {
			tree.Release(off)
		}

		require.True(t, tree.Empty())
		require.Equal(t, initial, tree.avail)
	}
}

func TestHasSpaceTracksOutstandingAllocations(t *testing.T) {
	tree := New(32)
	off0, ok := tree.Acquire(2)
	require.True(t, ok)
	off1, ok := tree.Acquire(3)
	require.True(t, ok)

	require.True(t, tree.HasSpace(2))

	tree.Release(off0)
	tree.Release(off1)
	require.True(t, tree.Empty())
}

func TestAcquireOutOfSpaceLeavesStateUnchanged(t *testing.T) {
	tree := New(4)
	_, ok := tree.Acquire(2)
	require.True(t, ok)

	before := append([]uint32(nil), tree.avail...)
	_, ok = tree.Acquire(2)
	require.False(t, ok)
	require.Equal(t, before, tree.avail)
}
