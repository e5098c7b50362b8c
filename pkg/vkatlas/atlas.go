// Package vkatlas implements a buffer atlas: a single GPU buffer
// subdivided by a buddy tree into regions addressed either by a
// caller-chosen 64-bit identifier or transiently, with a writer-slot
// visibility model gating cross-slot reads until the writing GPU work
// has completed.
package vkatlas

import (
	"math/bits"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/cvmforge/vkruntime/internal/buddy"
	"github.com/cvmforge/vkruntime/internal/rhmap"
	"github.com/cvmforge/vkruntime/internal/telemetry"
	"github.com/cvmforge/vkruntime/pkg/vkdevice"
)

// Status is the outcome of a Find/Obtain call.
type Status int

const (
	StatusOK Status = iota
	// StatusNotInitialised: the region exists but its writer's range has
	// not yet closed, and the caller is not that writer.
	StatusNotInitialised
	// StatusAbsent: no region with this identifier exists.
	StatusAbsent
	// StatusFailFull: the buddy tree cannot satisfy the request even
	// after evicting every available region.
	StatusFailFull
	// StatusFailMapFull: the identifier map is full even after the ring
	// has been drained of every evictable region.
	StatusFailMapFull
)

const maxSlots = 255

// region is one arena-of-indices entry: a region still tracked by the
// atlas, either sitting in the available ring (retain == 0) or held by
// one or more access ranges (retain > 0). Index 0 is reserved as the
// available ring's header sentinel and never holds a real region.
type region struct {
	identifier  uint64
	buddyOffset uint32
	retain      uint32
	writerSlot  uint8
	visible     bool

	// prev/next form the available ring's doubly linked list. They are
	// only meaningful while the region sits in the ring (retain == 0);
	// unlinking a region from the ring resets both links to 0.
	prev, next uint32
}

type transientAlloc struct {
	offset uint32
}

type inFlightRange struct {
	regions []uint32
	moment  vkdevice.Moment
}

// liveRange is the per-slot in-progress access range: the identified
// regions it has retained so far, and the transient regions it has
// carved that must be released the moment it ends.
type liveRange struct {
	retained  []uint32
	transient []transientAlloc

	hasLastMoment bool
	lastMoment    vkdevice.Moment
}

// CreateInfo configures a new Atlas.
type CreateInfo struct {
	Usage              vkdevice.BufferUsageFlags
	TotalSize          uint64
	BaseAllocationSize uint64
	SlotCount          int
	// Multithreaded controls whether every public operation takes the
	// atlas mutex. Single-threaded mode skips locking entirely.
	Multithreaded bool
}

// Atlas is the buffer atlas: one GPU buffer, a buddy tree over it in
// units of BaseAllocationSize, and an identifier->region map for named
// regions that outlive a single access range.
type Atlas struct {
	dev    vkdevice.Device
	buffer vkdevice.BufferHandle
	memory vkdevice.MemoryHandle

	baseSize uint64
	tree     *buddy.Tree

	mu            sync.Mutex
	multithreaded bool

	regions      []region
	freeList     []uint32
	byIdentifier *rhmap.Map[uint64, uint32]

	slots    []liveRange
	inFlight []inFlightRange

	idCounter atomic.Uint64

	metrics *telemetry.Registry
}

const (
	lcgMultiplier = 6364136223846793005
	lcgIncrement  = 1442695040888963407
)

// splitmix64 is a standard, well-distributed 64-bit mixer; used here
// purely as the hash function backing the identifier map, not as a
// cryptographic primitive.
func splitmix64(x uint64) uint64 {
	x += 0x9E3779B97F4A7C15
	x = (x ^ (x >> 30)) * 0xBF58476D1CE4E5B9
	x = (x ^ (x >> 27)) * 0x94D049BB133111EB
	return x ^ (x >> 31)
}

// Create allocates the atlas's backing buffer and memory and builds its
// empty buddy tree, region arena and identifier map.
func Create(dev vkdevice.Device, info CreateInfo) (*Atlas, error) {
	if info.SlotCount <= 0 || info.SlotCount > maxSlots {
		telemetry.Misuse("vkatlas: slot count must be in (0, %d], got %d", maxSlots, info.SlotCount)
	}

	buf, err := dev.CreateBuffer(vkdevice.BufferCreateInfo{Size: info.TotalSize, Usage: info.Usage})
	if err != nil {
		return nil, err
	}
	reqs := dev.BufferMemoryRequirements(buf)
	mem, err := dev.AllocateMemory(vkdevice.MemoryAllocateInfo{
		Size:          reqs.Size,
		RequiredProps: vkdevice.MemoryPropertyDeviceLocal,
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

	elementCount := uint32(info.TotalSize / info.BaseAllocationSize)
	a := &Atlas{
		dev:           dev,
		buffer:        buf,
		memory:        mem,
		baseSize:      info.BaseAllocationSize,
		tree:          buddy.New(elementCount),
		multithreaded: info.Multithreaded,
		regions:       make([]region, 1), // regions[0] is the ring sentinel
		byIdentifier:  rhmap.New[uint64, uint32](splitmix64, rhmap.Config{}),
		slots:         make([]liveRange, info.SlotCount),
	}
	return a, nil
}

// WithMetrics attaches a telemetry registry the atlas reports retained
// region counts and eviction/failure totals through. Optional.
func (a *Atlas) WithMetrics(reg *telemetry.Registry) *Atlas {
	a.metrics = reg
	return a
}

// Destroy waits serially on every pending in-flight access range, drains
// the available ring back to the buddy tree, and releases the backing
// buffer and memory. Any region still retained by a caller at this point
// is a programming error and surfaces as a panic from the buddy tree's
// own termination assertion.
func (a *Atlas) Destroy() {
	a.lock()
	for len(a.inFlight) > 0 {
		front := a.inFlight[0].moment
		a.unlock()
		vkdevice.Wait(a.dev, front)
		a.lock()
		a.releaseCompletedAccessRangesLocked()
	}
	for a.regions[0].next != 0 {
		a.evictOldestAvailableLocked()
	}
	a.byIdentifier.Clear()
	a.unlock()

	a.tree.Close()
	a.dev.FreeMemory(a.memory)
	a.dev.DestroyBuffer(a.buffer)
}

// AccessBuffer returns the single GPU buffer every region's offset is
// relative to.
func (a *Atlas) AccessBuffer() vkdevice.BufferHandle { return a.buffer }

// GenerateRegionIdentifier advances the atlas's LCG counter and returns
// a fresh 64-bit identifier. Collisions are statistically negligible but
// not prevented.
func (a *Atlas) GenerateRegionIdentifier() uint64 {
	for {
		old := a.idCounter.Load()
		next := old*lcgMultiplier + lcgIncrement
		if !a.idCounter.CompareAndSwap(old, next) {
			continue
		}
		if next == 0 {
			continue // 0 is reserved for transient regions
		}
		return next
	}
}

func (a *Atlas) lock() {
	if a.multithreaded {
		a.mu.Lock()
	}
}

func (a *Atlas) unlock() {
	if a.multithreaded {
		a.mu.Unlock()
	}
}

// sizeExponent computes k = ceil(log2(ceil(size / base))).
func sizeExponent(size, base uint64) uint32 {
	count := (size + base - 1) / base
	if count == 0 {
		count = 1
	}
	return uint32(bits.Len64(count - 1))
}

// QueryRegionSizeExponent reports the buddy size class backing the
// region at a previously-returned byte offset, without the caller
// needing to track it separately — a direct accessor over the buddy
// tree's own per-leaf bookkeeping.
func (a *Atlas) QueryRegionSizeExponent(offset uint64) uint32 {
	a.lock()
	defer a.unlock()
	return a.tree.QuerySizeExponent(uint32(offset / a.baseSize))
}

func (a *Atlas) allocateRegionSlot() uint32 {
	if n := len(a.freeList); n > 0 {
		idx := a.freeList[n-1]
		a.freeList = a.freeList[:n-1]
		return idx
	}
	a.regions = append(a.regions, region{})
	return uint32(len(a.regions) - 1)
}

func slotLabel(slot uint8) string { return strconv.Itoa(int(slot)) }

func (a *Atlas) freeRegionSlot(idx uint32) {
	a.regions[idx] = region{}
	a.freeList = append(a.freeList, idx)
}

// ringInsertBack appends idx as the most-recently-returned region (the
// ring's tail); evictOldestAvailableLocked always takes from the head,
// giving FIFO (least-recently-returned-first) eviction order.
func (a *Atlas) ringInsertBack(idx uint32) {
	header := &a.regions[0]
	tail := header.prev
	a.regions[idx].prev = tail
	a.regions[idx].next = 0
	a.regions[tail].next = idx
	header.prev = idx
}

func (a *Atlas) unlinkRing(idx uint32) {
	r := &a.regions[idx]
	a.regions[r.prev].next = r.next
	a.regions[r.next].prev = r.prev
	r.prev, r.next = 0, 0
}

func (a *Atlas) evictOldestAvailableLocked() bool {
	head := a.regions[0].next
	if head == 0 {
		return false
	}
	r := &a.regions[head]
	a.unlinkRing(head)
	a.byIdentifier.Remove(r.identifier)
	a.tree.Release(r.buddyOffset)
	a.freeRegionSlot(head)
	if a.metrics != nil {
		a.metrics.AtlasEvictionsTotal.Inc()
	}
	return true
}

// ensureBuddySpaceLocked evicts available regions until the tree can
// satisfy exponent k, or reports failure once the ring is drained.
func (a *Atlas) ensureBuddySpaceLocked(k uint32) bool {
	for !a.tree.HasSpace(k) {
		if !a.evictOldestAvailableLocked() {
			return false
		}
	}
	return true
}

// retainRegionLocked implements the shared "retain" step of Find and
// Obtain (identified): unlink from the ring if this is the first
// retainer, record the region against the calling slot's in-progress
// range, and bump the retain count.
func (a *Atlas) retainRegionLocked(slot uint8, idx uint32) {
	r := &a.regions[idx]
	if r.retain == 0 {
		a.unlinkRing(idx)
	}
	r.retain++
	if r.retain == 0 {
		telemetry.Misuse("vkatlas: region retain count overflow")
	}
	s := &a.slots[slot]
	s.retained = append(s.retained, idx)

	if a.metrics != nil {
		a.metrics.AtlasRegionsRetained.WithLabelValues(slotLabel(r.writerSlot)).Inc()
	}
}

// FindIdentifiedRegion looks up an existing region by identifier. It
// never allocates: a missing or not-yet-visible region is reported via
// status rather than created.
func (a *Atlas) FindIdentifiedRegion(identifier uint64, slot uint8) (offset, size uint64, status Status) {
	a.lock()
	defer a.unlock()

	idx, ok := a.byIdentifier.Find(identifier)
	if !ok {
		return 0, 0, StatusAbsent
	}
	r := &a.regions[idx]
	if r.writerSlot != slot && !r.visible {
		return 0, 0, StatusNotInitialised
	}
	a.retainRegionLocked(slot, idx)
	exp := a.tree.QuerySizeExponent(r.buddyOffset)
	return uint64(r.buddyOffset) * a.baseSize, uint64(1) << exp * a.baseSize, StatusOK
}

// ObtainIdentifiedRegion looks up identifier, retaining it if present
// and visible to the caller, or allocates and inserts a brand-new region
// of at least size bytes (writer-owned by slot) if absent. Both cases
// report StatusOK: the status does not tell the caller whether the region
// was found or freshly inserted.
func (a *Atlas) ObtainIdentifiedRegion(identifier uint64, slot uint8, size uint64) (offset uint64, status Status) {
	a.lock()
	defer a.unlock()

	if idx, ok := a.byIdentifier.Find(identifier); ok {
		r := &a.regions[idx]
		if r.writerSlot != slot && !r.visible {
			return 0, StatusNotInitialised
		}
		a.retainRegionLocked(slot, idx)
		return uint64(r.buddyOffset) * a.baseSize, StatusOK
	}

	k := sizeExponent(size, a.baseSize)
	if !a.ensureBuddySpaceLocked(k) {
		if a.metrics != nil {
			a.metrics.AtlasObtainFailures.WithLabelValues("full").Inc()
		}
		return 0, StatusFailFull
	}
	buddyOffset, ok := a.tree.Acquire(k)
	if !ok {
		telemetry.Misuse("vkatlas: buddy tree rejected acquire after HasSpace reported room")
	}

	idx := a.allocateRegionSlot()
	for {
		res := a.byIdentifier.Insert(identifier, idx)
		if res != rhmap.ResultFull {
			break
		}
		if !a.evictOldestAvailableLocked() {
			a.tree.Release(buddyOffset)
			a.freeRegionSlot(idx)
			if a.metrics != nil {
				a.metrics.AtlasObtainFailures.WithLabelValues("map_full").Inc()
			}
			return 0, StatusFailMapFull
		}
	}

	a.regions[idx] = region{identifier: identifier, buddyOffset: buddyOffset, retain: 1, writerSlot: slot, visible: false}
	a.slots[slot].retained = append(a.slots[slot].retained, idx)
	if a.metrics != nil {
		a.metrics.AtlasRegionsRetained.WithLabelValues(slotLabel(slot)).Inc()
	}
	return uint64(buddyOffset) * a.baseSize, StatusOK
}

// ObtainTransientRegion allocates a region with no identifier: it is
// writer-only for the duration of the current access range and is
// released directly to the buddy tree at range end, never entering the
// available ring or the identifier map.
func (a *Atlas) ObtainTransientRegion(slot uint8, size uint64) (offset uint64, status Status) {
	a.lock()
	defer a.unlock()

	k := sizeExponent(size, a.baseSize)
	if !a.ensureBuddySpaceLocked(k) {
		if a.metrics != nil {
			a.metrics.AtlasObtainFailures.WithLabelValues("full").Inc()
		}
		return 0, StatusFailFull
	}
	buddyOffset, ok := a.tree.Acquire(k)
	if !ok {
		telemetry.Misuse("vkatlas: buddy tree rejected acquire after HasSpace reported room")
	}
	a.slots[slot].transient = append(a.slots[slot].transient, transientAlloc{offset: buddyOffset})
	return uint64(buddyOffset) * a.baseSize, StatusOK
}

// AccessRangeBegin starts a new access range on slot: it resets the
// range's retained/transient bookkeeping and releases whatever regions
// from earlier, now-elapsed ranges (on any slot) have become reclaimable.
func (a *Atlas) AccessRangeBegin(slot uint8) {
	a.lock()
	defer a.unlock()
	s := &a.slots[slot]
	s.retained = s.retained[:0]
	s.transient = s.transient[:0]
	a.releaseCompletedAccessRangesLocked()
}

// releaseCompletedAccessRangesLocked scans the in-flight queue from the
// front and, for each range whose last-use moment has elapsed, marks its
// retained regions visible and returns them to the available ring once
// their retain count reaches zero.
func (a *Atlas) releaseCompletedAccessRangesLocked() {
	for len(a.inFlight) > 0 {
		front := &a.inFlight[0]
		if !vkdevice.Query(a.dev, front.moment) {
			break
		}
		for _, idx := range front.regions {
			r := &a.regions[idx]
			r.visible = true
			r.retain--
			if a.metrics != nil {
				a.metrics.AtlasRegionsRetained.WithLabelValues(slotLabel(r.writerSlot)).Dec()
			}
			if r.retain == 0 {
				a.ringInsertBack(idx)
			}
		}
		a.inFlight = a.inFlight[1:]
	}
}

// AccessRangeEnd closes slot's current access range: its transient
// regions are released to the buddy tree immediately, and its retained
// identified regions are queued for lazy release once lastUseMoment
// elapses (observed on a later AccessRangeBegin for any slot).
func (a *Atlas) AccessRangeEnd(slot uint8, lastUseMoment vkdevice.Moment) {
	a.lock()
	defer a.unlock()

	s := &a.slots[slot]
	for _, ta := range s.transient {
		a.tree.Release(ta.offset)
	}
	s.transient = s.transient[:0]

	if len(s.retained) > 0 {
		a.inFlight = append(a.inFlight, inFlightRange{
			regions: append([]uint32(nil), s.retained...),
			moment:  lastUseMoment,
		})
	}
	s.hasLastMoment = true
	s.lastMoment = lastUseMoment
}

// AccessRangeWaitMoment reports the last-use moment recorded by slot's
// most recent AccessRangeEnd, for callers that want to synchronize on a
// slot's GPU progress without tracking the moment themselves.
func (a *Atlas) AccessRangeWaitMoment(slot uint8) (vkdevice.Moment, bool) {
	a.lock()
	defer a.unlock()
	s := &a.slots[slot]
	if !s.hasLastMoment {
		return vkdevice.Moment{}, false
	}
	return s.lastMoment, true
}
