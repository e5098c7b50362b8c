package vksync

import (
	"sync"

	"github.com/cvmforge/vkruntime/internal/telemetry"
)

// Gate is a one-shot primitive: a counter, a mutex and a condition
// variable. It has no successors of its own — it is the terminal node a
// caller blocks on directly via Wait.
type Gate struct {
	mu    sync.Mutex
	cond  *sync.Cond
	count int32

	system    *System
	poolIndex uint32
}

// NewGate allocates a gate from the system's pool with the given number
// of outstanding conditions.
func (s *System) NewGate(initialConditions int32) *Gate {
	idx, ok := s.gatePool.Acquire()
	if !ok {
		telemetry.Misuse("vksync: gate pool exhausted")
	}
	g := s.gatePool.GetEntryPtr(idx)
	if g.cond == nil {
		g.cond = sync.NewCond(&g.mu)
	}
	g.count = initialConditions
	g.system = s
	g.poolIndex = idx
	return g
}

func (g *Gate) ImposeCondition() {
	g.mu.Lock()
	g.count++
	g.mu.Unlock()
}

func (g *Gate) SignalCondition() {
	g.mu.Lock()
	g.count--
	if g.count < 0 {
		g.mu.Unlock()
		telemetry.Misuse("vksync: gate condition count underflow")
		return
	}
	if g.count == 0 {
		g.cond.Broadcast()
	}
	g.mu.Unlock()
}

// AttachSuccessor is not meaningful on a gate: nothing chains off it,
// callers block on Wait instead.
func (g *Gate) AttachSuccessor(Primitive) {
	telemetry.Misuse("vksync: gate is a terminal primitive and has no successors")
}

// RetainReference/ReleaseReference are no-ops: a gate is owned by exactly
// the caller that created it and waits on it, so it needs no refcounting
// to decide when to return to its pool — Wait does that directly.
func (g *Gate) RetainReference()  {}
func (g *Gate) ReleaseReference() {}

// Wait blocks while the gate's condition count is positive, then returns
// the gate to its pool.
func (g *Gate) Wait() {
	g.mu.Lock()
	for g.count > 0 {
		g.cond.Wait()
	}
	g.mu.Unlock()
	g.system.releaseGate(g)
}
