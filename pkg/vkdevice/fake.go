package vkdevice

import (
	"sync"
	"time"
)

// FakeDevice is a deterministic in-memory Device used by this module's own
// test suites in place of a real Vulkan context: buffers and memory are
// backed by plain Go byte slices, and semaphores are signaled explicitly
// through Signal rather than by GPU submission completing.
type FakeDevice struct {
	mu sync.Mutex

	nextBuffer BufferHandle
	nextMemory MemoryHandle
	nextSem    SemaphoreHandle

	buffers    map[BufferHandle]*fakeBuffer
	memories   map[MemoryHandle][]byte
	semaphores map[SemaphoreHandle]*fakeSemaphore
}

type fakeBuffer struct {
	size   uint64
	usage  BufferUsageFlags
	memory MemoryHandle
	offset uint64
}

type fakeSemaphore struct {
	mu    sync.Mutex
	value uint64
}

// NewFakeDevice builds an empty FakeDevice.
func NewFakeDevice() *FakeDevice {
	return &FakeDevice{
		buffers:    make(map[BufferHandle]*fakeBuffer),
		memories:   make(map[MemoryHandle][]byte),
		semaphores: make(map[SemaphoreHandle]*fakeSemaphore),
	}
}

func (d *FakeDevice) CreateBuffer(info BufferCreateInfo) (BufferHandle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextBuffer++
	h := d.nextBuffer
	d.buffers[h] = &fakeBuffer{size: info.Size, usage: info.Usage}
	return h, nil
}

func (d *FakeDevice) DestroyBuffer(h BufferHandle) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.buffers, h)
}

func (d *FakeDevice) BufferMemoryRequirements(h BufferHandle) MemoryRequirements {
	d.mu.Lock()
	defer d.mu.Unlock()
	b := d.buffers[h]
	return MemoryRequirements{Size: b.size, Alignment: 256, MemoryTypeBits: 1}
}

func (d *FakeDevice) AllocateMemory(info MemoryAllocateInfo) (MemoryHandle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextMemory++
	h := d.nextMemory
	d.memories[h] = make([]byte, info.Size)
	return h, nil
}

func (d *FakeDevice) FreeMemory(h MemoryHandle) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.memories, h)
}

func (d *FakeDevice) BindBufferMemory(bh BufferHandle, mh MemoryHandle, offset uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	b := d.buffers[bh]
	b.memory = mh
	b.offset = offset
	return nil
}

func (d *FakeDevice) MapMemory(h MemoryHandle, offset, size uint64) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	mem := d.memories[h]
	return mem[offset : offset+size], nil
}

func (d *FakeDevice) UnmapMemory(MemoryHandle) {}

func (d *FakeDevice) FlushMappedRange(MemoryHandle, uint64, uint64) error { return nil }

func (d *FakeDevice) CreateTimelineSemaphore(initialValue uint64) (SemaphoreHandle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextSem++
	h := d.nextSem
	d.semaphores[h] = &fakeSemaphore{value: initialValue}
	return h, nil
}

func (d *FakeDevice) DestroySemaphore(h SemaphoreHandle) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.semaphores, h)
}

func (d *FakeDevice) lookup(h SemaphoreHandle) *fakeSemaphore {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.semaphores[h]
}

// Signal advances sem to value if it is not already further along. It is
// exported (beyond SignalSemaphore) so tests can drive GPU-completion
// simulation directly.
func (d *FakeDevice) Signal(sem SemaphoreHandle, value uint64) {
	fs := d.lookup(sem)
	fs.mu.Lock()
	if value > fs.value {
		fs.value = value
	}
	fs.mu.Unlock()
}

func (d *FakeDevice) SignalSemaphore(sem SemaphoreHandle, value uint64) error {
	d.Signal(sem, value)
	return nil
}

func (d *FakeDevice) SemaphoreCounterValue(sem SemaphoreHandle) (uint64, error) {
	fs := d.lookup(sem)
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.value, nil
}

func (d *FakeDevice) satisfied(sems []SemaphoreHandle, values []uint64, waitAll bool) bool {
	count := 0
	for i, s := range sems {
		fs := d.lookup(s)
		fs.mu.Lock()
		v := fs.value
		fs.mu.Unlock()
		if v >= values[i] {
			count++
		}
	}
	if waitAll {
		return count == len(sems)
	}
	return count > 0
}

// WaitSemaphores polls at a short interval until satisfied or timeout
// elapses. A real Device would block on a kernel/driver primitive; polling
// is an acceptable simplification for a deterministic test double.
func (d *FakeDevice) WaitSemaphores(sems []SemaphoreHandle, values []uint64, waitAll bool, timeout time.Duration) (bool, error) {
	if d.satisfied(sems, values, waitAll) {
		return true, nil
	}
	if timeout <= 0 {
		return false, nil
	}
	deadline := time.Now().Add(timeout)
	const pollInterval = 200 * time.Microsecond
	for time.Now().Before(deadline) {
		time.Sleep(pollInterval)
		if d.satisfied(sems, values, waitAll) {
			return true, nil
		}
	}
	return false, nil
}

func (d *FakeDevice) Allocator() Allocator { return Allocator{} }
