package vkdevice

import (
	"sync/atomic"
	"time"

	"github.com/cvmforge/vkruntime/internal/telemetry"
)

// DefaultWaitTimeout bounds a single internal timeline wait attempt before
// it is retried. Timeouts never surface as errors — they are retried with
// a log message.
const DefaultWaitTimeout = 2 * time.Second

// MaxMoments is the largest batch WaitMultiple/QueryMultiple accept.
const MaxMoments = 8

// Moment is a (semaphore, value) pair marking a point on a timeline
// semaphore's progress — a copyable GPU progress marker that never owns
// the semaphore. The zero Moment is null and always reports as already
// elapsed.
type Moment struct {
	Semaphore SemaphoreHandle
	Value     uint64
}

// IsNull reports whether m is the null moment.
func (m Moment) IsNull() bool { return m.Semaphore == 0 }

// PipelineStageFlags mirrors the subset of VkPipelineStageFlagBits this
// module's submit records reference.
type PipelineStageFlags uint32

const (
	PipelineStageTopOfPipe PipelineStageFlags = 1 << iota
	PipelineStageTransfer
	PipelineStageComputeShader
	PipelineStageVertexInput
	PipelineStageFragmentShader
	PipelineStageBottomOfPipe
)

// SubmitInfo is the GPU-side submit record produced by Moment.SubmitInfo.
type SubmitInfo struct {
	Semaphore SemaphoreHandle
	Value     uint64
	Stages    PipelineStageFlags
}

// SubmitInfo builds the submit record for signaling m at the given
// pipeline stages.
func (m Moment) SubmitInfo(stages PipelineStageFlags) SubmitInfo {
	return SubmitInfo{Semaphore: m.Semaphore, Value: m.Value, Stages: stages}
}

// TimelineSemaphore owns a device timeline semaphore and the monotonic
// counter GenerateMoment advances.
type TimelineSemaphore struct {
	handle  SemaphoreHandle
	counter atomic.Uint64
}

// CreateTimelineSemaphore creates a new timeline semaphore starting at 0.
func CreateTimelineSemaphore(dev Device) (*TimelineSemaphore, error) {
	h, err := dev.CreateTimelineSemaphore(0)
	if err != nil {
		return nil, err
	}
	return &TimelineSemaphore{handle: h}, nil
}

// Handle returns the underlying device semaphore handle.
func (s *TimelineSemaphore) Handle() SemaphoreHandle { return s.handle }

// CurrentValue peeks the counter without advancing it.
func (s *TimelineSemaphore) CurrentValue() uint64 { return s.counter.Load() }

// GenerateMoment post-increments the semaphore's counter and returns the
// moment the next GPU submission against this semaphore should signal.
func (s *TimelineSemaphore) GenerateMoment() Moment {
	v := s.counter.Add(1)
	return Moment{Semaphore: s.handle, Value: v}
}

// Destroy releases the underlying device semaphore.
func (s *TimelineSemaphore) Destroy(dev Device) {
	dev.DestroySemaphore(s.handle)
}

// filterElapsed drops null moments from the wait set. For a wait-any set,
// a null moment is itself an already-elapsed condition, so the whole call
// short-circuits true; for a wait-all set, null moments simply contribute
// nothing and are dropped.
func filterElapsed(moments []Moment, waitAll bool) (sems []SemaphoreHandle, values []uint64, shortCircuit bool) {
	for _, m := range moments {
		if m.IsNull() {
			if !waitAll {
				return nil, nil, true
			}
			continue
		}
		sems = append(sems, m.Semaphore)
		values = append(values, m.Value)
	}
	return sems, values, false
}

// WaitMultipleTimeout performs a single, non-retrying wait-all/wait-any
// attempt over moments bounded by timeout (zero means a pure query).
// Unlike WaitMultiple it does not loop past a timeout itself — callers
// that need the "retry with a log message" behaviour and must also
// refresh their own wake-up state between retries (like the GPU bridge)
// drive that loop themselves.
func WaitMultipleTimeout(dev Device, moments []Moment, waitAll bool, timeout time.Duration) bool {
	if len(moments) == 0 {
		return true
	}
	if len(moments) > MaxMoments {
		telemetry.Misuse("vkdevice: WaitMultipleTimeout takes at most %d moments, got %d", MaxMoments, len(moments))
	}
	sems, values, done := filterElapsed(moments, waitAll)
	if done || len(sems) == 0 {
		return true
	}
	ok, err := dev.WaitSemaphores(sems, values, waitAll, timeout)
	if err != nil {
		telemetry.Misuse("vkdevice: wait failed: %v", err)
	}
	return ok
}

// QueryMultiple is a zero-timeout WaitMultipleTimeout: it reports whether
// the wait-all/wait-any condition over moments already holds, without
// blocking.
func QueryMultiple(dev Device, moments []Moment, waitAll bool) bool {
	return WaitMultipleTimeout(dev, moments, waitAll, 0)
}

// Query is QueryMultiple for a single moment.
func Query(dev Device, m Moment) bool {
	return QueryMultiple(dev, []Moment{m}, true)
}

// WaitMultiple blocks until the wait-all/wait-any condition over moments
// holds, retrying internally (with a log message) on each
// DefaultWaitTimeout timeout. There is no user-level cancellation or
// surfaced wait error; a failed wait is a device-level misuse.
func WaitMultiple(dev Device, moments []Moment, waitAll bool) {
	for {
		if WaitMultipleTimeout(dev, moments, waitAll, DefaultWaitTimeout) {
			return
		}
		telemetry.Warnf("vkdevice: timeline wait timed out after %s, retrying", DefaultWaitTimeout)
	}
}

// Wait is WaitMultiple for a single moment.
func Wait(dev Device, m Moment) {
	WaitMultiple(dev, []Moment{m}, true)
}
