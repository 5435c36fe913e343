// Package coordination implements the fixed 24-byte coordination-buffer
// layout shared by every channel endpoint: three little-endian uint64
// words (head, tail, lock) at offsets 0, 8, 16. The layout is
// transport-invariant; only the byte slice backing it changes between
// backends. This mirrors how kernel/threads/sab's InMemoryProvider exposes
// aligned atomic words over a plain byte slice via unsafe.Pointer, gated by
// the same alignment check.
package coordination

import (
	"sync/atomic"
	"unsafe"

	"github.com/hicr-go/hicr/core/herr"
)

// Size is the fixed byte size of a coordination buffer:
// Base.getCoordinationBufferSize() == 24 in spec.md.
const Size = 24

const (
	offsetHead = 0
	offsetTail = 8
	offsetLock = 16
)

// HeadOffset, TailOffset, and LockOffset expose the word layout so callers
// that move coordination state over a comm.Manager (rather than through
// this package's own methods) can address the individual words directly,
// e.g. to Memcpy just the head word to a peer's coordination buffer.
const (
	HeadOffset = offsetHead
	TailOffset = offsetTail
	LockOffset = offsetLock
)

// Buffer is a view over a 24-byte region exposing head, tail, and lock as
// independently addressable atomic uint64 words.
type Buffer struct {
	data []byte
	head *uint64
	tail *uint64
	lock *uint64
}

// New wraps data (which must be at least Size bytes, 8-byte aligned) as a
// coordination buffer view.
func New(data []byte) *Buffer {
	const op = "coordination.New"
	if len(data) < Size {
		herr.Fatal(herr.InvalidArgument, op, "coordination buffer region is smaller than Size", map[string]any{
			"len": len(data), "want": Size,
		})
	}
	return &Buffer{
		data: data,
		head: wordAt(data, offsetHead, op),
		tail: wordAt(data, offsetTail, op),
		lock: wordAt(data, offsetLock, op),
	}
}

func wordAt(data []byte, offset int, op string) *uint64 {
	if uintptr(unsafe.Pointer(&data[offset]))%8 != 0 {
		herr.Fatal(herr.ProtocolViolation, op, "coordination buffer region is not 8-byte aligned", map[string]any{
			"offset": offset,
		})
	}
	return (*uint64)(unsafe.Pointer(&data[offset]))
}

// Initialize zeros all three words, as required after allocation and before
// the first exchange.
func (b *Buffer) Initialize() {
	atomic.StoreUint64(b.head, 0)
	atomic.StoreUint64(b.tail, 0)
	atomic.StoreUint64(b.lock, 0)
}

// HeadPtr, TailPtr return the counter cells backing this buffer's head and
// tail words, suitable for handing to circular.New.
func (b *Buffer) HeadPtr() *uint64 { return b.head }
func (b *Buffer) TailPtr() *uint64 { return b.tail }

// LoadHead, LoadTail read the current head/tail words.
func (b *Buffer) LoadHead() uint64 { return atomic.LoadUint64(b.head) }
func (b *Buffer) LoadTail() uint64 { return atomic.LoadUint64(b.tail) }

// StoreHead, StoreTail overwrite the head/tail words directly; used when a
// remote peer's update has already arrived via Memcpy and must be
// reflected without going through the local advance path.
func (b *Buffer) StoreHead(v uint64) { atomic.StoreUint64(b.head, v) }
func (b *Buffer) StoreTail(v uint64) { atomic.StoreUint64(b.tail, v) }

// TryLock attempts to atomically swap the lock word from unlocked (0) to
// locked (1). It returns true on success and never blocks.
func (b *Buffer) TryLock() bool {
	return atomic.CompareAndSwapUint64(b.lock, 0, 1)
}

// Unlock sets the lock word back to unlocked. It is fatal if the lock is
// not currently held, matching spec.md's ProtocolViolation for "release of
// a lock not held".
func (b *Buffer) Unlock() {
	if !atomic.CompareAndSwapUint64(b.lock, 1, 0) {
		herr.Fatal(herr.ProtocolViolation, "coordination.Buffer.Unlock", "release of a lock not held", nil)
	}
}
