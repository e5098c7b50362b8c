// Package vkstaging implements a staging ring: one host-visible mapped
// buffer that producers carve transient upload regions out of, tracked by
// per-segment release moments so space is reclaimed only once the GPU has
// actually finished consuming it.
package vkstaging

import (
	"sync"

	"github.com/cvmforge/vkruntime/internal/telemetry"
	"github.com/cvmforge/vkruntime/pkg/vkdevice"
)

// segment describes one reserved span of the ring, still tracked until
// every retain against it has released and every recorded release moment
// has elapsed.
type segment struct {
	offset      uint64
	size        uint64
	retainCount int
	moments     []vkdevice.Moment // fixed-capacity slice sized to the segment's initial retainCount
	filled      int               // number of moments slots actually written by Release
}

// Allocation is the handle AllocationAcquire hands back: where to write,
// and the bookkeeping AllocationFlushRange/AllocationRelease need.
type Allocation struct {
	Buffer       vkdevice.BufferHandle
	Offset       uint64
	Mapping      []byte
	segmentIndex int
}

// Ring is the staging buffer: one mapped device buffer plus the
// segment FIFO (each segment holding its own release moments) that tracks
// its in-flight contents.
type Ring struct {
	mu   sync.Mutex
	cond *sync.Cond

	dev     vkdevice.Device
	buffer  vkdevice.BufferHandle
	memory  vkdevice.MemoryHandle
	mapping []byte

	alignment uint64
	totalSize uint64

	currentOffset  uint64
	remainingSpace uint64

	segments []segment // FIFO; front is segments[0]

	terminating bool
	metrics     *telemetry.Registry
}

// Init creates and maps a host-visible buffer of at least size bytes
// (rounded up to the device's required alignment) with the given usage
// flags.
func Init(dev vkdevice.Device, usage vkdevice.BufferUsageFlags, size uint64) (*Ring, error) {
	buf, err := dev.CreateBuffer(vkdevice.BufferCreateInfo{Size: size, Usage: usage})
	if err != nil {
		return nil, err
	}
	reqs := dev.BufferMemoryRequirements(buf)
	total := roundUp(size, reqs.Alignment)
	if total != size {
		dev.DestroyBuffer(buf)
		if buf, err = dev.CreateBuffer(vkdevice.BufferCreateInfo{Size: total, Usage: usage}); err != nil {
			return nil, err
		}
		reqs = dev.BufferMemoryRequirements(buf)
	}

	mem, err := dev.AllocateMemory(vkdevice.MemoryAllocateInfo{
		Size:          reqs.Size,
		RequiredProps: vkdevice.MemoryPropertyHostVisible,
		DesiredProps:  vkdevice.MemoryPropertyHostCoherent,
	})
	if err != nil {
		dev.DestroyBuffer(buf)
		return nil, err
	}
	if err := dev.BindBufferMemory(buf, mem, 0); err != nil {
		dev.FreeMemory(mem)
		dev.DestroyBuffer(buf)
		return nil, err
	}
	mapping, err := dev.MapMemory(mem, 0, reqs.Size)
	if err != nil {
		dev.FreeMemory(mem)
		dev.DestroyBuffer(buf)
		return nil, err
	}

	r := &Ring{
		dev:            dev,
		buffer:         buf,
		memory:         mem,
		mapping:        mapping,
		alignment:      reqs.Alignment,
		totalSize:      total,
		remainingSpace: total,
	}
	r.cond = sync.NewCond(&r.mu)
	return r, nil
}

// WithMetrics attaches a telemetry registry the ring reports in-flight
// segment count and byte usage through. Optional.
func (r *Ring) WithMetrics(reg *telemetry.Registry) *Ring {
	r.metrics = reg
	return r
}

// Terminate drains every in-flight segment (blocking on their release
// moments exactly like a blocking acquire would) and releases the
// backing buffer and memory.
func (r *Ring) Terminate() {
	r.mu.Lock()
	r.terminating = true
	for len(r.segments) > 0 {
		r.drainFront()
	}
	r.mu.Unlock()

	r.dev.UnmapMemory(r.memory)
	r.dev.FreeMemory(r.memory)
	r.dev.DestroyBuffer(r.buffer)
}

// AllocationAlignOffset rounds offset up to the ring's required
// alignment, exposed standalone so producers can pre-compute
// alignment-padded sizes before calling AllocationAcquire.
func (r *Ring) AllocationAlignOffset(offset uint64) uint64 {
	return roundUp(offset, r.alignment)
}

func roundUp(v, align uint64) uint64 {
	if align == 0 {
		return v
	}
	return (v + align - 1) &^ (align - 1)
}

// AllocationAcquire reserves size bytes (alignment-rounded) for a caller
// that intends to release it retainCount times, blocking if the ring
// cannot currently satisfy the request.
func (r *Ring) AllocationAcquire(size uint64, retainCount int) Allocation {
	size = roundUp(size, r.alignment)
	if size > r.totalSize {
		telemetry.Misuse("vkstaging: requested allocation of %d bytes exceeds ring size %d", size, r.totalSize)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for {
		r.pruneAllocations()

		wraps := r.currentOffset+size > r.totalSize
		required := size
		if wraps {
			required += r.totalSize - r.currentOffset
		}

		if required <= r.remainingSpace {
			offset := r.currentOffset
			if wraps {
				offset = 0
			}
			r.remainingSpace -= required
			r.currentOffset = offset + size

			seg := segment{offset: offset, size: required, retainCount: retainCount, moments: make([]vkdevice.Moment, retainCount)}
			r.segments = append(r.segments, seg)
			idx := len(r.segments) - 1

			r.reportMetricsLocked()
			return Allocation{Buffer: r.buffer, Offset: offset, Mapping: r.mapping[offset : offset+size], segmentIndex: idx}
		}

		if len(r.segments) == 0 {
			telemetry.Misuse("vkstaging: allocation of %d bytes cannot fit in an empty ring of size %d", size, r.totalSize)
		}
		r.blockOnFront()
	}
}

// blockOnFront waits for the segment at the head of the FIFO to make
// progress: if it still has outstanding retains, its release moments
// aren't all known yet, so wait on the setup condvar; otherwise drop the
// lock and wait-all on its known release moments.
func (r *Ring) blockOnFront() {
	if r.metrics != nil {
		r.metrics.StagingBlockedWaiters.Inc()
		defer r.metrics.StagingBlockedWaiters.Dec()
	}

	front := &r.segments[0]
	if front.retainCount > 0 {
		r.cond.Wait()
		return
	}

	moments := append([]vkdevice.Moment(nil), front.moments[:front.filled]...)

	r.mu.Unlock()
	vkdevice.WaitMultiple(r.dev, moments, true)
	r.mu.Lock()
}

// AllocationFlushRange issues a mapped-memory flush over [offset, size)
// relative to alloc's base, for allocations on non-host-coherent memory.
func (r *Ring) AllocationFlushRange(alloc Allocation, offset, size uint64) error {
	return r.dev.FlushMappedRange(r.memory, alloc.Offset+offset, size)
}

// AllocationRelease records a release moment (if moment is non-null) and
// decrements the segment's retain count. lastRetain reports whether this
// call brought the count to zero.
func (r *Ring) AllocationRelease(alloc Allocation, moment vkdevice.Moment) (lastRetain bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	seg := &r.segments[alloc.segmentIndex]
	if !moment.IsNull() {
		seg.moments[seg.filled] = moment
		seg.filled++
	}
	seg.retainCount--
	if seg.retainCount < 0 {
		telemetry.Misuse("vkstaging: segment retain count underflow")
	}
	if seg.retainCount == 0 {
		r.cond.Broadcast()
	}
	return seg.retainCount == 0
}

// pruneAllocations pops fully-elapsed segments from the front of the
// FIFO, reclaiming their space, and resets currentOffset to 0 once the
// whole ring is free so subsequent large allocations stay contiguous.
func (r *Ring) pruneAllocations() {
	for len(r.segments) > 0 {
		seg := &r.segments[0]
		if seg.retainCount != 0 {
			break
		}
		if !vkdevice.QueryMultiple(r.dev, seg.moments[:seg.filled], true) {
			break
		}
		r.remainingSpace += seg.size
		r.segments = r.segments[1:]
		if len(r.segments) == 0 {
			r.currentOffset = 0
		}
	}
	r.reportMetricsLocked()
}

// drainFront forces progress on the front segment during Terminate,
// exactly like blockOnFront but unconditionally advancing until the
// queue empties.
func (r *Ring) drainFront() {
	r.pruneAllocations()
	if len(r.segments) == 0 {
		return
	}
	r.blockOnFront()
	r.pruneAllocations()
}

func (r *Ring) reportMetricsLocked() {
	if r.metrics == nil {
		return
	}
	r.metrics.StagingSegmentsInUse.Set(float64(len(r.segments)))
	r.metrics.StagingBytesInUse.Set(float64(r.totalSize - r.remainingSpace))
}
