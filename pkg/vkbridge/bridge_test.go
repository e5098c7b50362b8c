package vkbridge

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cvmforge/vkruntime/pkg/vkdevice"
	"github.com/cvmforge/vkruntime/pkg/vksync"
)

// Scenario 6: a gate with one outstanding condition is registered against
// a moment on a producer's timeline semaphore. The consumer's Wait must
// not return until the device semaphore actually reaches that value.
func TestGateReleasesOnlyAfterMomentElapses(t *testing.T) {
	dev := vkdevice.NewFakeDevice()
	sem, err := vkdevice.CreateTimelineSemaphore(dev)
	require.NoError(t, err)

	mgr, err := New(dev)
	require.NoError(t, err)
	defer mgr.Shutdown()

	sys := vksync.NewSystem(2, 4)
	defer sys.Shutdown()

	moment := sem.GenerateMoment()
	gate := sys.NewGate(0)
	mgr.ImposeTimelineSemaphoreMomentCondition(moment, gate)

	done := make(chan struct{})
	go func() { gate.Wait(); close(done) }()

	select {
	case <-done:
		t.Fatal("gate released before its moment elapsed")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, dev.SignalSemaphore(moment.Semaphore, moment.Value))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("gate never released after moment elapsed")
	}
}

// A moment that has already elapsed before registration must not block at
// all: ImposeTimelineSemaphoreMomentCondition is a no-op in that case.
func TestAlreadyElapsedMomentDoesNotBlock(t *testing.T) {
	dev := vkdevice.NewFakeDevice()
	sem, err := vkdevice.CreateTimelineSemaphore(dev)
	require.NoError(t, err)

	mgr, err := New(dev)
	require.NoError(t, err)
	defer mgr.Shutdown()

	sys := vksync.NewSystem(2, 4)
	defer sys.Shutdown()

	moment := sem.GenerateMoment()
	require.NoError(t, dev.SignalSemaphore(moment.Semaphore, moment.Value))

	gate := sys.NewGate(0)
	mgr.ImposeTimelineSemaphoreMomentCondition(moment, gate)

	done := make(chan struct{})
	go func() { gate.Wait(); close(done) }()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("gate never released for an already-elapsed moment")
	}
}

// Shutdown asserts no tracked moments remain; a manager with nothing
// outstanding must shut down cleanly.
func TestShutdownWithNoPendingMomentsDoesNotPanic(t *testing.T) {
	dev := vkdevice.NewFakeDevice()
	mgr, err := New(dev)
	require.NoError(t, err)
	require.NotPanics(t, mgr.Shutdown)
}

// Multiple moments tracked concurrently must each independently release
// their own successor once their own semaphore/value is reached.
func TestMultipleTrackedMomentsFireIndependently(t *testing.T) {
	dev := vkdevice.NewFakeDevice()
	semA, err := vkdevice.CreateTimelineSemaphore(dev)
	require.NoError(t, err)
	semB, err := vkdevice.CreateTimelineSemaphore(dev)
	require.NoError(t, err)

	mgr, err := New(dev)
	require.NoError(t, err)
	defer mgr.Shutdown()

	sys := vksync.NewSystem(2, 4)
	defer sys.Shutdown()

	momentA := semA.GenerateMoment()
	momentB := semB.GenerateMoment()
	gateA := sys.NewGate(0)
	gateB := sys.NewGate(0)
	mgr.ImposeTimelineSemaphoreMomentCondition(momentA, gateA)
	mgr.ImposeTimelineSemaphoreMomentCondition(momentB, gateB)

	doneA := make(chan struct{})
	doneB := make(chan struct{})
	go func() { gateA.Wait(); close(doneA) }()
	go func() { gateB.Wait(); close(doneB) }()

	require.NoError(t, dev.SignalSemaphore(momentA.Semaphore, momentA.Value))

	select {
	case <-doneA:
	case <-time.After(2 * time.Second):
		t.Fatal("gateA never released")
	}
	select {
	case <-doneB:
		t.Fatal("gateB released before its own moment elapsed")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, dev.SignalSemaphore(momentB.Semaphore, momentB.Value))
	select {
	case <-doneB:
	case <-time.After(2 * time.Second):
		t.Fatal("gateB never released")
	}
}

// More than vkdevice.MaxMoments-1 moments tracked at once must still each
// fire: the wait-any set the helper goroutine builds per iteration is
// capped at MaxMoments (including the alteration semaphore), so a moment
// registered past that cap is only ever found by the unconditional sweep,
// never by the wait-any itself.
func TestMomentBeyondWaitSetCapStillFires(t *testing.T) {
	dev := vkdevice.NewFakeDevice()
	mgr, err := New(dev)
	require.NoError(t, err)
	defer mgr.Shutdown()

	sys := vksync.NewSystem(2, 4)
	defer sys.Shutdown()

	const trackedCount = vkdevice.MaxMoments + 2 // comfortably past the cap

	moments := make([]vkdevice.Moment, trackedCount)
	gates := make([]*vksync.Gate, trackedCount)
	dones := make([]chan struct{}, trackedCount)
	for i := 0; i < trackedCount; i++ {
		sem, err := vkdevice.CreateTimelineSemaphore(dev)
		require.NoError(t, err)
		moments[i] = sem.GenerateMoment()
		gates[i] = sys.NewGate(0)
		mgr.ImposeTimelineSemaphoreMomentCondition(moments[i], gates[i])

		done := make(chan struct{})
		idx := i
		go func() { gates[idx].Wait(); close(done) }()
		dones[i] = done
	}

	// Signal only the last-registered moment: whichever of the first
	// MaxMoments-1 entries happen to land in a given iteration's wait-any
	// set, this one is never among them, so it can only be observed by
	// the sweep that runs regardless of wait outcome.
	last := trackedCount - 1
	require.NoError(t, dev.SignalSemaphore(moments[last].Semaphore, moments[last].Value))

	select {
	case <-dones[last]:
	case <-time.After(3 * boundedWaitTimeout):
		t.Fatal("moment beyond the wait-set cap never fired")
	}

	for i := 0; i < last; i++ {
		select {
		case <-dones[i]:
			t.Fatalf("gate %d released before its own moment elapsed", i)
		default:
		}
	}

	// Shutdown asserts nothing is still tracked, so let the remaining
	// moments elapse and fire before the deferred Shutdown runs.
	for i := 0; i < last; i++ {
		require.NoError(t, dev.SignalSemaphore(moments[i].Semaphore, moments[i].Value))
	}
	for i := 0; i < last; i++ {
		select {
		case <-dones[i]:
		case <-time.After(3 * boundedWaitTimeout):
			t.Fatalf("gate %d never released after its moment elapsed", i)
		}
	}
}
