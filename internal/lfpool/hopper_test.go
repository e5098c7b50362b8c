package lfpool

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func chainToSlice[T any](pool *Pool[T], first uint32) []uint32 {
	var out []uint32
	idx := first
	for {
		_, next, ok := pool.Iterate(idx)
		if !ok {
			break
		}
		out = append(out, idx)
		idx = next
	}
	return out
}

func TestHopperPushCloseIteration(t *testing.T) {
	pool := New[int](4)
	hopper := NewHopper(pool)

	a, _ := pool.Acquire()
	b, _ := pool.Acquire()
	c, _ := pool.Acquire()

	require.True(t, hopper.Push(a))
	require.True(t, hopper.Push(b))
	require.True(t, hopper.Push(c))

	first, ok := hopper.Close()
	require.True(t, ok)
	require.True(t, hopper.IsClosed())

	chain := chainToSlice(pool, first)
	require.ElementsMatch(t, []uint32{a, b, c}, chain)
}

func TestHopperPushAfterCloseFails(t *testing.T) {
	pool := New[int](2)
	hopper := NewHopper(pool)
	a, _ := pool.Acquire()
	require.True(t, hopper.Push(a))

	_, ok := hopper.Close()
	require.True(t, ok)

	b, _ := pool.Acquire()
	require.False(t, hopper.Push(b), "push after close must fail")

	_, ok = hopper.Close()
	require.False(t, ok, "double close reports failure")
}

func TestHopperResetAllowsReuse(t *testing.T) {
	pool := New[int](2)
	hopper := NewHopper(pool)
	a, _ := pool.Acquire()
	hopper.Push(a)
	hopper.Close()

	hopper.Reset()
	require.False(t, hopper.IsClosed())

	b, _ := pool.Acquire()
	require.True(t, hopper.Push(b))
}
