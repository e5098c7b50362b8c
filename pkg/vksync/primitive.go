// Package vksync implements the task/barrier/gate synchronization core.
// The three concrete primitives share no layout; what they share is the
// operation set, modeled here as the Primitive interface rather than a
// hand-rolled vtable.
package vksync

import "github.com/cvmforge/vkruntime/internal/lfpool"

// Primitive is the unified operation set Task, Barrier and Gate all
// implement. Higher-level code (the sync bridge, task graphs) dispatches
// through this interface polymorphically.
type Primitive interface {
	// ImposeCondition registers one more prerequisite that must be
	// satisfied (via a matching SignalCondition) before the primitive
	// fires.
	ImposeCondition()
	// SignalCondition satisfies one previously-imposed condition.
	SignalCondition()
	// AttachSuccessor arranges for p.SignalCondition to be called once
	// this primitive fires (immediately, if it has already fired).
	AttachSuccessor(p Primitive)
	RetainReference()
	ReleaseReference()
}

// processChain walks a hopper-closed chain of *T starting at first,
// invoking visit on each entry, then returns every visited index back to
// pool in a single release. It is a no-op if the chain was empty.
func processChain[T any](pool *lfpool.Pool[T], first uint32, visit func(*T)) {
	idx := first
	last := first
	visited := false
	for {
		entry, next, ok := pool.Iterate(idx)
		if !ok {
			break
		}
		visit(entry)
		last = idx
		idx = next
		visited = true
	}
	if visited {
		pool.ReleaseIndexRange(first, last)
	}
}
