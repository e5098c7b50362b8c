// Package vkbridge implements a GPU→CPU sync manager: a helper goroutine
// that translates timeline-semaphore completion into CPU-side
// vksync.Primitive signals.
package vkbridge

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/cvmforge/vkruntime/internal/telemetry"
	"github.com/cvmforge/vkruntime/pkg/vkdevice"
	"github.com/cvmforge/vkruntime/pkg/vksync"
)

// boundedWaitTimeout bounds each iteration of the helper goroutine's wait,
// so a shutdown request or an alteration bump is noticed promptly even if
// nothing ever signals.
const boundedWaitTimeout = 2 * time.Second

type entry struct {
	primitive vksync.Primitive
	semaphore vkdevice.SemaphoreHandle
	value     uint64
}

// Manager owns one helper goroutine that watches a set of timeline-
// semaphore moments and fires the CPU-side primitive registered against
// each once its moment elapses.
type Manager struct {
	dev        vkdevice.Device
	alteration *vkdevice.TimelineSemaphore

	mu      sync.Mutex
	entries []entry

	shutdown chan struct{}
	done     chan struct{}

	limiter *rate.Limiter
	metrics *telemetry.Registry
}

// New starts the manager's helper goroutine against dev.
func New(dev vkdevice.Device) (*Manager, error) {
	alt, err := vkdevice.CreateTimelineSemaphore(dev)
	if err != nil {
		return nil, err
	}
	m := &Manager{
		dev:        dev,
		alteration: alt,
		shutdown:   make(chan struct{}),
		done:       make(chan struct{}),
		limiter:    rate.NewLimiter(rate.Every(time.Second), 1),
	}
	go m.run()
	return m, nil
}

// WithMetrics attaches a telemetry registry the manager reports pending
// moment count and timeout retries through. Optional.
func (m *Manager) WithMetrics(reg *telemetry.Registry) *Manager {
	m.metrics = reg
	return m
}

// ImposeTimelineSemaphoreMomentCondition arranges for successor to be
// signaled once moment elapses. If moment has already elapsed, successor
// is left untouched — no condition is imposed and nothing is tracked.
func (m *Manager) ImposeTimelineSemaphoreMomentCondition(moment vkdevice.Moment, successor vksync.Primitive) {
	if vkdevice.Query(m.dev, moment) {
		return
	}
	successor.ImposeCondition()

	m.mu.Lock()
	m.entries = append(m.entries, entry{primitive: successor, semaphore: moment.Semaphore, value: moment.Value})
	pending := len(m.entries)
	alterationMoment := m.alteration.GenerateMoment()
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.BridgePendingMoments.Set(float64(pending))
	}
	if err := m.dev.SignalSemaphore(alterationMoment.Semaphore, alterationMoment.Value); err != nil {
		telemetry.Misuse("vkbridge: failed to signal alteration semaphore: %v", err)
	}
}

// run is the helper goroutine: wait-any on the alteration semaphore's
// next value plus up to MaxMoments-1 tracked moments (the wait-any set
// the device can accept in one call is bounded); then, whether that wait
// succeeded or timed out, check every tracked moment individually — not
// just the ones that fit in the capped wait-any set — and fire the ones
// that elapsed. Running the full sweep unconditionally (rather than only
// after a successful wait) matters once more than MaxMoments-1 moments
// are tracked at once: a moment that never made it into the capped
// wait-any set can still have elapsed on the GPU, and skipping the sweep
// on timeout would leave it unsignaled until something in the capped set
// happened to change. Finally bump the alteration baseline so a stale
// signal from this round cannot immediately re-trigger the next wait.
func (m *Manager) run() {
	defer close(m.done)
	for {
		select {
		case <-m.shutdown:
			return
		default:
		}

		currentAlteration := m.alteration.CurrentValue()
		waitSet := []vkdevice.Moment{{Semaphore: m.alteration.Handle(), Value: currentAlteration + 1}}

		m.mu.Lock()
		for _, e := range m.entries {
			if len(waitSet) >= vkdevice.MaxMoments {
				break
			}
			waitSet = append(waitSet, vkdevice.Moment{Semaphore: e.semaphore, Value: e.value})
		}
		m.mu.Unlock()

		if !vkdevice.WaitMultipleTimeout(m.dev, waitSet, false, boundedWaitTimeout) {
			if m.limiter.Allow() {
				telemetry.Warnf("vkbridge: bounded timeline wait timed out after %s, retrying", boundedWaitTimeout)
			}
			if m.metrics != nil {
				m.metrics.BridgeTimeoutRetries.Inc()
			}
			// No continue here: a timeout only means none of the capped
			// waitSet changed. Entries beyond the cap can still have
			// elapsed, so the full sweep below must run regardless.
		}

		select {
		case <-m.shutdown:
			return
		default:
		}

		m.mu.Lock()
		remaining := m.entries[:0]
		for _, e := range m.entries {
			if vkdevice.Query(m.dev, vkdevice.Moment{Semaphore: e.semaphore, Value: e.value}) {
				e.primitive.SignalCondition()
			} else {
				remaining = append(remaining, e)
			}
		}
		m.entries = remaining
		pending := len(m.entries)
		m.alteration.GenerateMoment()
		m.mu.Unlock()

		if m.metrics != nil {
			m.metrics.BridgePendingMoments.Set(float64(pending))
		}
	}
}

// Shutdown stops the helper goroutine and waits for it to drain. It
// asserts no tracked moments remain, since every caller must have waited
// out its own conditions before tearing the manager down.
func (m *Manager) Shutdown() {
	close(m.shutdown)
	if err := m.dev.SignalSemaphore(m.alteration.Handle(), m.alteration.CurrentValue()+1); err != nil {
		telemetry.Misuse("vkbridge: failed to signal alteration semaphore during shutdown: %v", err)
	}
	<-m.done

	m.mu.Lock()
	pending := len(m.entries)
	m.mu.Unlock()
	if pending != 0 {
		telemetry.Misuse("vkbridge: shutdown with %d tracked moment(s) still pending", pending)
	}
	m.dev.DestroySemaphore(m.alteration.Handle())
}
