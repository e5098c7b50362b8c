package vkstaging

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cvmforge/vkruntime/pkg/vkdevice"
)

func newTestRing(t *testing.T, size uint64) (*Ring, *vkdevice.FakeDevice) {
	t.Helper()
	dev := vkdevice.NewFakeDevice()
	r, err := Init(dev, vkdevice.BufferUsageTransferSrc, size)
	require.NoError(t, err)
	return r, dev
}

func TestAcquireFlushReleaseRoundTrip(t *testing.T) {
	r, _ := newTestRing(t, 4096)
	defer r.Terminate()

	alloc := r.AllocationAcquire(256, 1)
	copy(alloc.Mapping, []byte("hello staging"))
	require.NoError(t, r.AllocationFlushRange(alloc, 0, 256))

	last := r.AllocationRelease(alloc, vkdevice.Moment{})
	require.True(t, last)
}

// Scenario 3: a 1 MiB ring, a 700 KiB allocation, then a 400 KiB
// allocation that must wrap and block on the first segment's release
// moment before it can proceed.
func TestWrappingAllocationBlocksOnFirstSegmentMoment(t *testing.T) {
	const total = 1 << 20 // 1 MiB
	r, dev := newTestRing(t, total)
	defer r.Terminate()

	sem, err := vkdevice.CreateTimelineSemaphore(dev)
	require.NoError(t, err)

	first := r.AllocationAcquire(700*1024, 1)
	moment := sem.GenerateMoment()
	last := r.AllocationRelease(first, moment)
	require.True(t, last)

	acquired := make(chan Allocation, 1)
	go func() {
		acquired <- r.AllocationAcquire(400*1024, 1)
	}()

	select {
	case <-acquired:
		t.Fatal("wrapping allocation proceeded before the blocking segment's moment elapsed")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, dev.SignalSemaphore(moment.Semaphore, moment.Value))

	select {
	case second := <-acquired:
		require.EqualValues(t, 0, second.Offset, "wrapping allocation must restart at offset 0")
	case <-time.After(2 * time.Second):
		t.Fatal("wrapping allocation never proceeded")
	}
}

func TestAllocationLargerThanRingIsMisuse(t *testing.T) {
	r, _ := newTestRing(t, 1024)
	defer r.Terminate()
	require.Panics(t, func() { r.AllocationAcquire(2048, 1) })
}

func TestMultipleRetainsAllMustReleaseBeforeLastRetain(t *testing.T) {
	r, _ := newTestRing(t, 4096)
	defer r.Terminate()

	alloc := r.AllocationAcquire(128, 3)
	require.False(t, r.AllocationRelease(alloc, vkdevice.Moment{}))
	require.False(t, r.AllocationRelease(alloc, vkdevice.Moment{}))
	require.True(t, r.AllocationRelease(alloc, vkdevice.Moment{}))
}

func TestAllocationAlignOffsetRoundsUp(t *testing.T) {
	r, _ := newTestRing(t, 4096)
	defer r.Terminate()
	aligned := r.AllocationAlignOffset(1)
	require.GreaterOrEqual(t, aligned, uint64(1))
	require.EqualValues(t, 0, aligned%r.alignment)
}

func TestPruneReclaimsSpaceAfterMomentElapses(t *testing.T) {
	const total = 4096
	r, dev := newTestRing(t, total)
	defer r.Terminate()

	sem, err := vkdevice.CreateTimelineSemaphore(dev)
	require.NoError(t, err)

	alloc := r.AllocationAcquire(2048, 1)
	moment := sem.GenerateMoment()
	r.AllocationRelease(alloc, moment)
	require.NoError(t, dev.SignalSemaphore(moment.Semaphore, moment.Value))

	// A second allocation of the same size should now succeed promptly
	// since pruning reclaims the first segment's space.
	done := make(chan struct{})
	go func() {
		r.AllocationAcquire(2048, 1)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("second allocation never proceeded after first segment's moment elapsed")
	}
}
