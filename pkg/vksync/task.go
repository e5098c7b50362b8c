package vksync

import (
	"runtime"
	"sync/atomic"

	"github.com/cvmforge/vkruntime/internal/telemetry"
)

// maxTaskSuccessors bounds Task's inline successor array. Barriers use an
// unbounded hopper-backed chain instead, since a barrier's fan-out can be
// arbitrarily large.
const maxTaskSuccessors = 8

// spinLock is a flag-based spin lock guarding a task's successor array and
// completion flag.
type spinLock struct {
	flag atomic.Bool
}

func (l *spinLock) Lock() {
	for !l.flag.CompareAndSwap(false, true) {
		runtime.Gosched()
	}
}

func (l *spinLock) Unlock() { l.flag.Store(false) }

// Task runs a function on a worker goroutine once its conditions are
// satisfied, then signals its successors. Tasks are pool-allocated; obtain
// one via System.NewTask, never construct directly.
type Task struct {
	fn   func(data any)
	data any

	conditionCount atomic.Int32
	referenceCount atomic.Int32

	lock           spinLock
	successors     [maxTaskSuccessors]Primitive
	successorCount int
	complete       bool

	system    *System
	poolIndex uint32
}

// NewTask allocates a task from the system's pool. conditionCount and
// referenceCount both start at 1: the extra condition is released by
// Enqueue (so the task cannot run before its creator finishes wiring
// successors), and the extra reference is released by the worker after
// successor signaling completes.
func (s *System) NewTask(fn func(data any), data any) *Task {
	idx, ok := s.taskPool.Acquire()
	if !ok {
		telemetry.Misuse("vksync: task pool exhausted")
	}
	t := s.taskPool.GetEntryPtr(idx)
	t.fn = fn
	t.data = data
	t.successorCount = 0
	t.complete = false
	t.system = s
	t.poolIndex = idx
	t.conditionCount.Store(1)
	t.referenceCount.Store(1)
	return t
}

// Enqueue releases the creation-time condition, allowing the task to run
// once any other imposed conditions are also satisfied. Call this only
// after AttachSuccessor has been called for every successor the caller
// intends to wire.
func (t *Task) Enqueue() { t.SignalCondition() }

func (t *Task) ImposeCondition() { t.conditionCount.Add(1) }

func (t *Task) SignalCondition() {
	remaining := t.conditionCount.Add(-1)
	if remaining < 0 {
		telemetry.Misuse("vksync: task condition count underflow")
	}
	if remaining == 0 {
		t.system.pending.Push(t.poolIndex)
		select {
		case t.system.wake <- struct{}{}:
		default:
		}
	}
}

// AttachSuccessor arranges for p to be signaled once this task completes.
// If the task has already completed, p is signaled immediately. The task
// must currently be retained (see RetainReference) by the caller.
func (t *Task) AttachSuccessor(p Primitive) {
	if t.referenceCount.Load() <= 0 {
		telemetry.Misuse("vksync: AttachSuccessor on a task with no outstanding reference")
	}
	t.lock.Lock()
	if t.complete {
		t.lock.Unlock()
		p.SignalCondition()
		return
	}
	if t.successorCount >= maxTaskSuccessors {
		t.lock.Unlock()
		telemetry.Misuse("vksync: task successor array overflow (max %d)", maxTaskSuccessors)
	}
	t.successors[t.successorCount] = p
	t.successorCount++
	t.lock.Unlock()
}

func (t *Task) RetainReference() { t.referenceCount.Add(1) }

func (t *Task) ReleaseReference() {
	remaining := t.referenceCount.Add(-1)
	if remaining < 0 {
		telemetry.Misuse("vksync: task reference count underflow")
	}
	if remaining == 0 {
		t.system.releaseTask(t)
	}
}
