// Package comm defines the communication-manager contract: global-slot
// exchange under a tag, distributed fences, one-sided memcpy, message-count
// queries, and lock/unlock on global slots. It names the capability set a
// channel is built against; concrete transports (shared memory, MPI, LPF,
// ...) satisfy Manager without the channel code ever dispatching on which
// one it got.
package comm

import "github.com/hicr-go/hicr/core/memory"

// ExchangeEntry publishes one local slot under key as part of an
// ExchangeGlobalMemorySlots call.
type ExchangeEntry struct {
	Key   uint64
	Local *memory.LocalSlot
}

// Endpoint names the source or destination of a Memcpy: exactly one of
// Local or Global is set. A Global endpoint whose slot is itself local
// (IsLocal() == true) is copied through directly; a Global endpoint whose
// slot is remote requires the backend's transport.
type Endpoint struct {
	Local  *memory.LocalSlot
	Global *memory.GlobalSlot
}

// OfLocal builds an Endpoint over a local slot.
func OfLocal(s *memory.LocalSlot) Endpoint { return Endpoint{Local: s} }

// OfGlobal builds an Endpoint over a global slot.
func OfGlobal(s *memory.GlobalSlot) Endpoint { return Endpoint{Global: s} }

// Resolve returns the concrete local slot backing this endpoint, if any:
// itself for a Local endpoint, or its source slot for a Global endpoint
// that was promoted from this instance. It returns nil for a remote Global
// endpoint with no local backing.
func (e Endpoint) Resolve() *memory.LocalSlot {
	if e.Local != nil {
		return e.Local
	}
	if e.Global != nil {
		return e.Global.Source
	}
	return nil
}

// Manager brokers one-sided data movement and metadata exchange among a
// statically known participant set defined by the backend. See spec §4.2
// for the full contract each method below implements.
type Manager interface {
	// ExchangeGlobalMemorySlots begins an epoch in which each participant
	// publishes zero or more local slots under (tag, key). Resolution
	// requires a subsequent Fence(tag).
	ExchangeGlobalMemorySlots(tag uint64, entries []ExchangeEntry) error

	// Fence is the collective barrier that completes all in-flight
	// operations tagged with tag and finalizes pending slot promotions and
	// deregistrations from the most recent exchange under that tag.
	Fence(tag uint64) error

	// FencePointToPoint returns once slot.MessagesSent() >= expectedSent
	// and slot.MessagesRecv() >= expectedRecv.
	FencePointToPoint(slot *memory.LocalSlot, expectedSent, expectedRecv uint64) error

	// GetGlobalMemorySlot resolves a slot published under (tag, key) in the
	// most recently fenced epoch. It fails with NotFound if no such
	// publication exists.
	GetGlobalMemorySlot(tag, key uint64) (*memory.GlobalSlot, error)

	// DeregisterGlobalMemorySlot marks slot for removal at the next
	// Fence(slot's tag).
	DeregisterGlobalMemorySlot(slot *memory.GlobalSlot) error

	// Memcpy enqueues a one-sided copy of size bytes from src (at
	// srcOffset) to dst (at dstOffset). Completion is not guaranteed until
	// a subsequent Fence on the involved tag, or FencePointToPoint on the
	// involved slot. On completion, src's local slot (if any) has
	// MessagesSent incremented once, and dst's local slot (if any) has
	// MessagesRecv incremented once.
	Memcpy(dst Endpoint, dstOffset uint64, src Endpoint, srcOffset uint64, size uint64) error

	// QueryMemorySlotUpdates refreshes the local view of slot's
	// MessagesSent/MessagesRecv counters, for transports where remote peers
	// update them asynchronously.
	QueryMemorySlotUpdates(slot *memory.GlobalSlot) error

	// AcquireGlobalLock tries to atomically swap slot's coordination word
	// from unlocked to locked. It returns true on success and never blocks.
	AcquireGlobalLock(slot *memory.GlobalSlot) (bool, error)

	// ReleaseGlobalLock sets slot's coordination word back to unlocked. The
	// caller must currently own the lock; releasing a lock not held is a
	// ProtocolViolation.
	ReleaseGlobalLock(slot *memory.GlobalSlot) error
}
