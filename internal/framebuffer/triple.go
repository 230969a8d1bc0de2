// Package framebuffer implements a triple buffer for handing whole frames
// from one producer goroutine to one consumer goroutine.
//
// The buffer owns three pre-allocated slots bound to three roles:
//
//	back  - written by the producer
//	spare - holds the latest published frame not yet taken by the consumer
//	front - read by the consumer
//
// Publishing swaps back and spare; reading swaps front and spare when a new
// frame is pending. Only the role swap happens under the lock, so neither
// side ever waits on the other for a frame copy, and neither side can touch
// the slot the other is using. A consumer slower than the producer skips
// intermediate frames but never sees a torn one.
//
// Slots are only reachable inside the callbacks passed to Write and Read, so
// a slot reference cannot be held past its publish or past the next read.
package framebuffer

import (
	"sync"
	"sync/atomic"
)

// TripleBuffer is a single-producer single-consumer frame exchange.
// Write must only be called from the producer goroutine and Read only from
// the consumer goroutine. Stats may be called from anywhere.
type TripleBuffer[T any] struct {
	slots [3]T

	mu    sync.Mutex // guards front, spare, fresh and writes to back
	front int
	spare int
	back  int // read without the lock: only the producer changes it
	fresh bool

	published  atomic.Uint64
	delivered  atomic.Uint64
	skipped    atomic.Uint64
	staleReads atomic.Uint64
}

// Stats is a snapshot of buffer counters
type Stats struct {
	Published  uint64 `json:"published"`   // Frames published by the producer
	Delivered  uint64 `json:"delivered"`   // Fresh frames handed to the consumer
	Skipped    uint64 `json:"skipped"`     // Published frames replaced before the consumer read them
	StaleReads uint64 `json:"stale_reads"` // Reads that found no new frame
}

// New creates a triple buffer. newSlot is called three times to allocate
// the physical slots up front; frames are then filled in place.
func New[T any](newSlot func() T) *TripleBuffer[T] {
	b := &TripleBuffer[T]{
		front: 0,
		spare: 1,
		back:  2,
	}
	for i := range b.slots {
		b.slots[i] = newSlot()
	}
	return b
}

// Write gives fn exclusive access to the producer's slot and publishes it
// when fn returns. fn must write a complete frame and must not keep the
// pointer.
func (b *TripleBuffer[T]) Write(fn func(slot *T)) {
	fn(b.acquireForWrite())
	b.publish()
}

// WriteErr is like Write, but publishes only when fn succeeds. On error the
// partially written slot stays private to the producer and is overwritten
// by the next write.
func (b *TripleBuffer[T]) WriteErr(fn func(slot *T) error) error {
	if err := fn(b.acquireForWrite()); err != nil {
		return err
	}
	b.publish()
	return nil
}

// Read gives fn the consumer's slot. fresh reports whether the slot was just
// swapped in with a newly published frame; when false, fn sees the same
// frame as the previous Read. fn must not modify or keep the slot.
func (b *TripleBuffer[T]) Read(fn func(slot *T, fresh bool)) {
	slot, fresh := b.acquireForRead()
	fn(slot, fresh)
}

// Stats returns a snapshot of the buffer counters. It never takes the role lock.
func (b *TripleBuffer[T]) Stats() Stats {
	return Stats{
		Published:  b.published.Load(),
		Delivered:  b.delivered.Load(),
		Skipped:    b.skipped.Load(),
		StaleReads: b.staleReads.Load(),
	}
}

// acquireForWrite returns the slot bound to back. No lock: back is only
// reassigned by publish, which runs on the producer goroutine.
func (b *TripleBuffer[T]) acquireForWrite() *T {
	return &b.slots[b.back]
}

// publish makes the freshly written back slot the pending spare and hands
// the old spare to the producer.
func (b *TripleBuffer[T]) publish() {
	b.mu.Lock()
	b.back, b.spare = b.spare, b.back
	pending := b.fresh
	b.fresh = true
	b.mu.Unlock()

	b.published.Add(1)
	if pending {
		b.skipped.Add(1)
	}
}

// acquireForRead swaps in the pending frame, if any, and returns the slot
// bound to front.
func (b *TripleBuffer[T]) acquireForRead() (*T, bool) {
	b.mu.Lock()
	fresh := b.fresh
	if fresh {
		b.front, b.spare = b.spare, b.front
		b.fresh = false
	}
	front := b.front
	b.mu.Unlock()

	if fresh {
		b.delivered.Add(1)
	} else {
		b.staleReads.Add(1)
	}
	return &b.slots[front], fresh
}
