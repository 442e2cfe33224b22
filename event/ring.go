package event

import "sync/atomic"

// RingChannel is a bounded channel-like buffer with overwrite-oldest
// semantics, used for per-characteristic notification streams: producers
// (the dispatch goroutine) never block, and a slow consumer loses the
// oldest values rather than stalling the protocol engine.
//
// Readers use C() like a normal receive channel. Overwritten counts how
// many values were discarded, letting consumers detect gaps.
type RingChannel[T any] struct {
	ch          chan T
	closed      atomic.Bool
	written     atomic.Uint64
	overwritten atomic.Uint64
}

// NewRingChannel creates a RingChannel with the given capacity.
func NewRingChannel[T any](capacity int) *RingChannel[T] {
	if capacity <= 0 {
		panic("event: ring channel capacity must be > 0")
	}
	return &RingChannel[T]{ch: make(chan T, capacity)}
}

// C returns the underlying receive-only channel. Consumers can range over
// it until the ring is closed.
func (rc *RingChannel[T]) C() <-chan T {
	return rc.ch
}

// Send inserts a value, discarding the oldest if the buffer is full. It
// reports whether a value was dropped to make room. Send never blocks
// indefinitely and is a no-op after Close.
func (rc *RingChannel[T]) Send(v T) (dropped bool) {
	if rc.closed.Load() {
		return false
	}
	select {
	case rc.ch <- v:
		rc.written.Add(1)
		return false
	default:
	}
	select {
	case <-rc.ch: // drop oldest
		rc.overwritten.Add(1)
		dropped = true
	default:
	}
	if rc.closed.Load() {
		return dropped
	}
	select {
	case rc.ch <- v:
		rc.written.Add(1)
	default:
	}
	return dropped
}

// Written returns the number of values accepted into the ring.
func (rc *RingChannel[T]) Written() uint64 { return rc.written.Load() }

// Overwritten returns the number of values discarded to make room.
func (rc *RingChannel[T]) Overwritten() uint64 { return rc.overwritten.Load() }

// Close closes the ring exactly once; subsequent Sends are dropped.
func (rc *RingChannel[T]) Close() {
	if rc.closed.CompareAndSwap(false, true) {
		close(rc.ch)
	}
}
