package vkdevice

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNullMomentAlwaysElapsed(t *testing.T) {
	dev := NewFakeDevice()
	var m Moment
	require.True(t, m.IsNull())
	require.True(t, Query(dev, m))
	Wait(dev, m) // must return immediately
}

func TestGenerateMomentIsMonotonic(t *testing.T) {
	dev := NewFakeDevice()
	sem, err := CreateTimelineSemaphore(dev)
	require.NoError(t, err)

	m1 := sem.GenerateMoment()
	m2 := sem.GenerateMoment()
	require.Equal(t, sem.Handle(), m1.Semaphore)
	require.Less(t, m1.Value, m2.Value)
}

func TestQueryReflectsSignaledValue(t *testing.T) {
	dev := NewFakeDevice()
	sem, err := CreateTimelineSemaphore(dev)
	require.NoError(t, err)

	m := sem.GenerateMoment()
	require.False(t, Query(dev, m))

	dev.Signal(sem.Handle(), m.Value)
	require.True(t, Query(dev, m))
}

func TestWaitBlocksUntilSignaled(t *testing.T) {
	dev := NewFakeDevice()
	sem, err := CreateTimelineSemaphore(dev)
	require.NoError(t, err)
	m := sem.GenerateMoment()

	done := make(chan struct{})
	go func() {
		Wait(dev, m)
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("Wait returned before the moment was signaled")
	case <-time.After(20 * time.Millisecond):
	}

	dev.Signal(sem.Handle(), m.Value)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Wait did not return after the moment was signaled")
	}
}

func TestWaitMultipleWaitAllRequiresEvery(t *testing.T) {
	dev := NewFakeDevice()
	semA, _ := CreateTimelineSemaphore(dev)
	semB, _ := CreateTimelineSemaphore(dev)
	mA := semA.GenerateMoment()
	mB := semB.GenerateMoment()

	dev.Signal(semA.Handle(), mA.Value)
	require.False(t, QueryMultiple(dev, []Moment{mA, mB}, true))

	dev.Signal(semB.Handle(), mB.Value)
	require.True(t, QueryMultiple(dev, []Moment{mA, mB}, true))
}

func TestQueryMultipleWaitAnySucceedsOnFirstSignal(t *testing.T) {
	dev := NewFakeDevice()
	semA, _ := CreateTimelineSemaphore(dev)
	semB, _ := CreateTimelineSemaphore(dev)
	mA := semA.GenerateMoment()
	mB := semB.GenerateMoment()

	require.False(t, QueryMultiple(dev, []Moment{mA, mB}, false))
	dev.Signal(semB.Handle(), mB.Value)
	require.True(t, QueryMultiple(dev, []Moment{mA, mB}, false))
}

func TestQueryMultipleWaitAnyShortCircuitsOnNullMoment(t *testing.T) {
	dev := NewFakeDevice()
	sem, _ := CreateTimelineSemaphore(dev)
	m := sem.GenerateMoment()

	require.True(t, QueryMultiple(dev, []Moment{m, {}}, false))
}

func TestWaitMultiplePanicsPastMaxMoments(t *testing.T) {
	dev := NewFakeDevice()
	moments := make([]Moment, MaxMoments+1)
	require.Panics(t, func() { WaitMultiple(dev, moments, true) })
}

func TestSubmitInfoCarriesMomentAndStages(t *testing.T) {
	m := Moment{Semaphore: 7, Value: 42}
	info := m.SubmitInfo(PipelineStageTransfer)
	require.Equal(t, SemaphoreHandle(7), info.Semaphore)
	require.EqualValues(t, 42, info.Value)
	require.Equal(t, PipelineStageTransfer, info.Stages)
}

func TestConcurrentWaitersAllReleasedOnSignal(t *testing.T) {
	dev := NewFakeDevice()
	sem, _ := CreateTimelineSemaphore(dev)
	m := sem.GenerateMoment()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			Wait(dev, m)
		}()
	}

	time.Sleep(10 * time.Millisecond)
	dev.Signal(sem.Handle(), m.Value)

	waitDone := make(chan struct{})
	go func() {
		wg.Wait()
		close(waitDone)
	}()
	select {
	case <-waitDone:
	case <-time.After(2 * time.Second):
		t.Fatal("not all waiters released after signal")
	}
}
