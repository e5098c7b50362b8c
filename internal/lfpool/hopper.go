package lfpool

import "sync/atomic"

const hopperClosedBit = uint32(1) << 31

// Hopper is an append-only chain of pool entries with a single close
// operation. Push links a freshly-acquired pool entry onto the chain;
// Close atomically seals it and hands the caller the chain head for
// (single-consumer) iteration via the backing pool's Iterate.
type Hopper[T any] struct {
	pool *Pool[T]
	head atomic.Uint32 // bit 31: closed; bits 0-30: chain head index (or emptyIndex)
}

// NewHopper builds a hopper over pool, initially open and empty.
func NewHopper[T any](pool *Pool[T]) *Hopper[T] {
	h := &Hopper[T]{pool: pool}
	h.Reset()
	return h
}

// Reset reopens the hopper with an empty chain, for reuse by a pooled
// object (e.g. a barrier returning to its own pool between uses).
func (h *Hopper[T]) Reset() {
	h.head.Store(emptyIndex)
}

// IsClosed reports whether Close has been called since the last Reset.
func (h *Hopper[T]) IsClosed() bool {
	return h.head.Load()&hopperClosedBit != 0
}

// Push links index onto the chain. It fails (returns false) without
// touching the pool if the hopper has already been closed.
func (h *Hopper[T]) Push(index uint32) bool {
	for {
		cur := h.head.Load()
		if cur&hopperClosedBit != 0 {
			return false
		}
		h.pool.Link(index, cur&^hopperClosedBit)
		if h.head.CompareAndSwap(cur, index) {
			return true
		}
	}
}

// Close seals the hopper against further pushes and returns the chain's
// first index (the most recently pushed entry) for iteration. ok is
// false if the hopper was already closed.
func (h *Hopper[T]) Close() (first uint32, ok bool) {
	for {
		cur := h.head.Load()
		if cur&hopperClosedBit != 0 {
			return 0, false
		}
		sealed := cur | hopperClosedBit
		if h.head.CompareAndSwap(cur, sealed) {
			return cur, true
		}
	}
}
