package vksync

import (
	"sync/atomic"

	"github.com/cvmforge/vkruntime/internal/lfpool"
	"github.com/cvmforge/vkruntime/internal/telemetry"
)

// Barrier is like a Task with no function and an unbounded successor
// chain, built on a lockfree hopper over the system's shared successor
// pool rather than a bounded array.
type Barrier struct {
	conditionCount atomic.Int32
	referenceCount atomic.Int32
	hopper         *lfpool.Hopper[Primitive]

	system    *System
	poolIndex uint32
}

// NewBarrier allocates a barrier from the system's pool, ready to have
// conditions imposed and successors attached.
func (s *System) NewBarrier() *Barrier {
	idx, ok := s.barrierPool.Acquire()
	if !ok {
		telemetry.Misuse("vksync: barrier pool exhausted")
	}
	b := s.barrierPool.GetEntryPtr(idx)
	if b.hopper == nil {
		b.hopper = lfpool.NewHopper(s.successorPool)
	} else {
		b.hopper.Reset()
	}
	b.system = s
	b.poolIndex = idx
	b.conditionCount.Store(1)
	b.referenceCount.Store(1)
	return b
}

// Enqueue releases the barrier's creation-time condition, matching Task's
// Enqueue.
func (b *Barrier) Enqueue() { b.SignalCondition() }

func (b *Barrier) ImposeCondition() { b.conditionCount.Add(1) }

func (b *Barrier) SignalCondition() {
	remaining := b.conditionCount.Add(-1)
	if remaining < 0 {
		telemetry.Misuse("vksync: barrier condition count underflow")
	}
	if remaining == 0 {
		b.fire()
	}
}

// AttachSuccessor pushes p onto the barrier's successor chain. If the
// barrier has already fired (its chain is closed), p is signaled
// immediately instead.
func (b *Barrier) AttachSuccessor(p Primitive) {
	idx, ok := b.system.successorPool.Acquire()
	if !ok {
		telemetry.Misuse("vksync: barrier successor pool exhausted")
	}
	*b.system.successorPool.GetEntryPtr(idx) = p

	if !b.hopper.Push(idx) {
		b.system.successorPool.Release(idx)
		p.SignalCondition()
	}
}

// fire closes the successor hopper, signals every chain entry, then
// releases the creation-time reference taken out in NewBarrier. Like
// Task, the pool slot is only actually returned once the reference count
// reaches zero: a caller that called RetainReference (a valid pattern
// around AttachSuccessor) keeps the slot alive past fire() until it calls
// its own ReleaseReference, so it can never observe a pool slot it still
// believes it owns get handed back out by a concurrent NewBarrier.
func (b *Barrier) fire() {
	first, ok := b.hopper.Close()
	if !ok {
		telemetry.Misuse("vksync: barrier fired twice")
	}

	processChain(b.system.successorPool, first, func(p *Primitive) {
		(*p).SignalCondition()
	})

	b.ReleaseReference()
}

func (b *Barrier) RetainReference() { b.referenceCount.Add(1) }

// ReleaseReference mirrors Task.ReleaseReference: the pool slot is handed
// back only once the reference count reaches zero, which happens no
// earlier than fire()'s own release of the creation-time reference.
func (b *Barrier) ReleaseReference() {
	remaining := b.referenceCount.Add(-1)
	if remaining < 0 {
		telemetry.Misuse("vksync: barrier reference count underflow")
	}
	if remaining == 0 {
		b.system.releaseBarrier(b)
	}
}
