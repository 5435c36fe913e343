// Package circular implements the counter algebra shared by every HiCR
// channel: a head/tail pair with wrap-around positions, a fixed capacity,
// and the depth invariant 0 <= depth <= capacity.
package circular

import (
	"sync/atomic"

	"github.com/hicr-go/hicr/core/herr"
)

// Buffer is a circular-buffer counter pair. Head and tail are not owned by
// Buffer: they typically alias the head/tail words of a coordination buffer
// so that a channel endpoint can advance its own counter in place and have
// the update visible to whichever remote peer reads that same memory. This
// mirrors HiCR's CircularBuffer, which is constructed over externally owned
// head/tail counters rather than allocating its own.
type Buffer struct {
	capacity uint64
	head     *uint64
	tail     *uint64
}

// New builds a Buffer over the given head/tail counter cells. Capacity must
// be greater than zero.
func New(capacity uint64, head, tail *uint64) *Buffer {
	if capacity == 0 {
		herr.Fatal(herr.InvalidArgument, "circular.New", "capacity must be greater than zero", nil)
	}
	return &Buffer{capacity: capacity, head: head, tail: tail}
}

// Capacity returns the buffer's fixed capacity.
func (b *Buffer) Capacity() uint64 { return b.capacity }

// Depth returns head - tail. It is always in [0, capacity].
func (b *Buffer) Depth() uint64 {
	return atomic.LoadUint64(b.head) - atomic.LoadUint64(b.tail)
}

// IsEmpty reports whether depth == 0.
func (b *Buffer) IsEmpty() bool { return b.Depth() == 0 }

// IsFull reports whether depth == capacity.
func (b *Buffer) IsFull() bool { return b.Depth() == b.capacity }

// HeadPosition returns head mod capacity, always in [0, capacity).
func (b *Buffer) HeadPosition() uint64 { return atomic.LoadUint64(b.head) % b.capacity }

// TailPosition returns tail mod capacity, always in [0, capacity).
func (b *Buffer) TailPosition() uint64 { return atomic.LoadUint64(b.tail) % b.capacity }

// AdvanceHead advances the head counter by n; AdvanceHead1 covers the
// common n == 1 case. It is fatal if depth+n would exceed capacity.
func (b *Buffer) AdvanceHead(n uint64) {
	depth := b.Depth()
	if depth+n > b.capacity {
		herr.Fatal(herr.DepthViolation, "circular.AdvanceHead", "advance would exceed capacity", map[string]any{
			"depth": depth, "n": n, "capacity": b.capacity,
		})
	}
	atomic.AddUint64(b.head, n)
}

// AdvanceTail advances the tail counter by n. It is fatal if n exceeds the
// current depth.
func (b *Buffer) AdvanceTail(n uint64) {
	depth := b.Depth()
	if n > depth {
		herr.Fatal(herr.DepthViolation, "circular.AdvanceTail", "advance would underflow depth", map[string]any{
			"depth": depth, "n": n,
		})
	}
	atomic.AddUint64(b.tail, n)
}

// AdvanceHead1 advances the head counter by exactly one token.
func (b *Buffer) AdvanceHead1() { b.AdvanceHead(1) }

// AdvanceTail1 advances the tail counter by exactly one token.
func (b *Buffer) AdvanceTail1() { b.AdvanceTail(1) }
