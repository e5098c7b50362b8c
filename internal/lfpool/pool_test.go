package lfpool

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAcquireCoversFullRange(t *testing.T) {
	pool := New[int](4) // 16 entries
	seen := make(map[uint32]bool)
	for {
		idx, ok := pool.Acquire()
		if !ok {
			break
		}
		require.False(t, seen[idx], "index %d acquired twice", idx)
		seen[idx] = true
	}
	require.Len(t, seen, 16)

	_, ok := pool.Acquire()
	require.False(t, ok, "exhausted pool must fail further acquires")
}

func TestReleaseMakesEntryAcquirableAgain(t *testing.T) {
	pool := New[string](2)
	idx, ok := pool.Acquire()
	require.True(t, ok)
	*pool.GetEntryPtr(idx) = "hello"

	pool.Release(idx)

	idx2, ok := pool.Acquire()
	require.True(t, ok)
	require.Equal(t, "hello", *pool.GetEntryPtr(idx2))
}

func TestConcurrentAcquireReleaseNoDuplicates(t *testing.T) {
	const exponent = 10
	pool := New[int](exponent)
	n := 1 << exponent

	var wg sync.WaitGroup
	results := make(chan uint32, n*4)
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < n/2; i++ {
				idx, ok := pool.Acquire()
				if !ok {
					continue
				}
				results <- idx
				pool.Release(idx)
			}
		}()
	}
	wg.Wait()
	close(results)

	count := 0
	for range results {
		count++
	}
	require.Greater(t, count, 0)

	// The pool must still be fully available afterwards.
	seen := make(map[uint32]bool)
	for {
		idx, ok := pool.Acquire()
		if !ok {
			break
		}
		seen[idx] = true
	}
	require.Len(t, seen, n)
}

func TestReleaseIndexRangeConcatenatesChain(t *testing.T) {
	pool := New[int](4)
	a, _ := pool.Acquire()
	b, _ := pool.Acquire()
	c, _ := pool.Acquire()
	pool.Link(a, b)
	pool.Link(b, c)

	pool.ReleaseIndexRange(a, c)

	seen := map[uint32]bool{}
	for i := 0; i < 3; i++ {
		idx, ok := pool.Acquire()
		require.True(t, ok)
		seen[idx] = true
	}
	require.True(t, seen[a] && seen[b] && seen[c])
}

func TestCallForEveryEntryVisitsAll(t *testing.T) {
	pool := New[int](3)
	for i := range pool.entries {
		pool.entries[i] = i * 10
	}
	total := 0
	pool.CallForEveryEntry(func(idx uint32, e *int) {
		total += *e
	})
	require.Equal(t, 0+10+20+30+40+50+60+70, total)
}
