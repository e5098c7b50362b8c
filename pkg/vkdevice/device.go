// Package vkdevice defines the Vulkan-like device abstraction the rest of
// this module is built against, and the timeline-semaphore moment
// primitive used throughout to observe GPU progress from the CPU.
package vkdevice

import "time"

// BufferHandle, MemoryHandle and SemaphoreHandle stand in for VkBuffer,
// VkDeviceMemory and VkSemaphore. Zero is the null handle for all three.
type (
	BufferHandle    uint64
	MemoryHandle    uint64
	SemaphoreHandle uint64
)

// BufferUsageFlags mirrors the subset of VkBufferUsageFlagBits this module
// cares about.
type BufferUsageFlags uint32

const (
	BufferUsageTransferSrc BufferUsageFlags = 1 << iota
	BufferUsageTransferDst
	BufferUsageStorageBuffer
	BufferUsageUniformBuffer
	BufferUsageVertexBuffer
	BufferUsageIndexBuffer
)

// MemoryPropertyFlags mirrors VkMemoryPropertyFlagBits.
type MemoryPropertyFlags uint32

const (
	MemoryPropertyDeviceLocal MemoryPropertyFlags = 1 << iota
	MemoryPropertyHostVisible
	MemoryPropertyHostCoherent
	MemoryPropertyHostCached
)

// BufferCreateInfo mirrors VkBufferCreateInfo's fields relevant here.
type BufferCreateInfo struct {
	Size  uint64
	Usage BufferUsageFlags
}

// MemoryRequirements mirrors VkMemoryRequirements plus the dedicated-
// allocation distinction VkMemoryDedicatedRequirements carries.
type MemoryRequirements struct {
	Size           uint64
	Alignment      uint64
	MemoryTypeBits uint32
	// Dedicated reports that this buffer should get its own VkDeviceMemory
	// rather than be suballocated from a shared pool.
	Dedicated bool
}

// MemoryAllocateInfo mirrors VkMemoryAllocateInfo plus
// VkMemoryDedicatedAllocateInfo.
type MemoryAllocateInfo struct {
	Size              uint64
	RequiredProps     MemoryPropertyFlags
	DesiredProps      MemoryPropertyFlags
	DedicatedForBuffer BufferHandle // zero unless Dedicated was set
}

// Allocator is the Go stand-in for VkAllocationCallbacks*: a handful of
// optional instrumentation hooks, not a real allocator — Go's own GC backs
// every allocation this module makes. A zero Allocator is valid and simply
// does not instrument.
type Allocator struct {
	OnAllocate func(size uint64)
	OnFree     func(size uint64)
}

func (a Allocator) allocate(size uint64) {
	if a.OnAllocate != nil {
		a.OnAllocate(size)
	}
}

func (a Allocator) free(size uint64) {
	if a.OnFree != nil {
		a.OnFree(size)
	}
}

// Device is the device surface this module's core consumes: buffer
// create/destroy, memory allocate/free/bind, buffer-memory requirements,
// mapped-memory flush, semaphore create/destroy, and wait/signal/query on
// timeline semaphores.
type Device interface {
	CreateBuffer(info BufferCreateInfo) (BufferHandle, error)
	DestroyBuffer(buf BufferHandle)
	BufferMemoryRequirements(buf BufferHandle) MemoryRequirements

	AllocateMemory(info MemoryAllocateInfo) (MemoryHandle, error)
	FreeMemory(mem MemoryHandle)
	BindBufferMemory(buf BufferHandle, mem MemoryHandle, offset uint64) error

	// MapMemory returns a slice backed by the mapped range; it stays valid
	// until UnmapMemory. Only meaningful for host-visible memory.
	MapMemory(mem MemoryHandle, offset, size uint64) ([]byte, error)
	UnmapMemory(mem MemoryHandle)
	FlushMappedRange(mem MemoryHandle, offset, size uint64) error

	CreateTimelineSemaphore(initialValue uint64) (SemaphoreHandle, error)
	DestroySemaphore(sem SemaphoreHandle)

	// SignalSemaphore is the host-side vkSignalSemaphore — used by the
	// sync manager to wake its helper goroutine, not by GPU submissions.
	SignalSemaphore(sem SemaphoreHandle, value uint64) error
	SemaphoreCounterValue(sem SemaphoreHandle) (uint64, error)

	// WaitSemaphores mirrors vkWaitSemaphores: wait for all (or any) of
	// sems to reach their paired values, or until timeout elapses. A
	// timeout of zero is a non-blocking query.
	WaitSemaphores(sems []SemaphoreHandle, values []uint64, waitAll bool, timeout time.Duration) (bool, error)

	Allocator() Allocator
}
