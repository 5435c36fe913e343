// Package memory implements HiCR's local/global memory slot model and the
// memory manager that allocates, registers, frees, and deregisters local
// slots within a memory space.
package memory

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/hicr-go/hicr/core/herr"
	"github.com/hicr-go/hicr/core/topology"
)

// Space is a byte-addressable region with a capacity and usage accounting,
// as described by topology discovery.
type Space = topology.MemorySpace

// LocalSlot is an owned-or-registered contiguous buffer in a memory space.
// Data backs the slot's bytes directly (Go's equivalent of HiCR's raw
// pointer + size pair). MessagesSent and MessagesRecv are incremented by a
// communication manager on completion of remote operations that used this
// slot as source or destination, respectively; they are monotonically
// non-decreasing for the life of the slot.
type LocalSlot struct {
	ID    uuid.UUID
	Data  []byte
	Space *Space

	owned bool

	messagesSent atomic.Uint64
	messagesRecv atomic.Uint64
}

// Size returns the slot's byte size.
func (s *LocalSlot) Size() uint64 { return uint64(len(s.Data)) }

// MessagesSent returns the slot's current sent-message counter.
func (s *LocalSlot) MessagesSent() uint64 { return s.messagesSent.Load() }

// MessagesRecv returns the slot's current received-message counter.
func (s *LocalSlot) MessagesRecv() uint64 { return s.messagesRecv.Load() }

// IncrementSent is called by a communication manager exactly once per
// completed copy for which this slot was the source.
func (s *LocalSlot) IncrementSent() { s.messagesSent.Add(1) }

// IncrementRecv is called by a communication manager exactly once per
// completed copy for which this slot was the destination.
func (s *LocalSlot) IncrementRecv() { s.messagesRecv.Add(1) }

// GlobalSlot is a (tag,key)-named handle that may reference local or remote
// memory. Exactly one local slot backs a global slot at the instance that
// promoted it; remote global slots carry no local buffer, only whatever
// transport-private connection state the communication manager attached.
type GlobalSlot struct {
	Tag    uint64
	Key    uint64
	Source *LocalSlot // nil iff this global slot is remote

	// Backend holds transport-private connection state (RDMA window
	// handles, remote rank, etc). Only the communication manager that
	// created this slot interprets it.
	Backend any
}

// IsLocal reports whether this global slot was promoted from a local slot
// on this instance.
func (g *GlobalSlot) IsLocal() bool { return g.Source != nil }

// Manager allocates, registers, frees, and deregisters local memory slots
// within memory spaces it owns. A Manager only owns the spaces explicitly
// handed to it via Own; allocating in a space it does not own is an
// InvalidArgument error. Registration does not check ownership.
type Manager struct {
	mu        sync.Mutex
	spaces    map[uuid.UUID]*Space
	allocated map[uuid.UUID]*LocalSlot
}

// NewManager returns a memory manager that owns no spaces yet.
func NewManager() *Manager {
	return &Manager{
		spaces:    make(map[uuid.UUID]*Space),
		allocated: make(map[uuid.UUID]*LocalSlot),
	}
}

// Own declares that this manager is responsible for allocations within
// space. AllocateLocalMemorySlot rejects spaces that were never passed to
// Own.
func (m *Manager) Own(space *Space) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.spaces[space.ID] = space
}

func (m *Manager) owns(space *Space) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.spaces[space.ID]
	return ok
}

// AllocateLocalMemorySlot allocates size bytes in space, which must be
// owned by this manager. It fails with OutOfResource if size would exceed
// the space's remaining capacity, and with InvalidArgument if the space is
// not owned by this manager.
func (m *Manager) AllocateLocalMemorySlot(space *Space, size uint64) (*LocalSlot, error) {
	const op = "memory.Manager.AllocateLocalMemorySlot"

	if space == nil {
		return nil, herr.New(herr.InvalidArgument, op, "space must not be nil")
	}
	if !m.owns(space) {
		return nil, herr.New(herr.InvalidArgument, op, "space is not owned by this manager").
			WithContext("space", space.ID)
	}
	if size == 0 {
		return nil, herr.New(herr.InvalidArgument, op, "size must be greater than zero")
	}
	if remaining := space.Size - space.Usage(); size > remaining {
		return nil, herr.New(herr.OutOfResource, op, "allocation would exceed space capacity").
			WithContext("space", space.ID).WithContext("requested", size).WithContext("remaining", remaining)
	}

	slot := &LocalSlot{ID: uuid.New(), Data: make([]byte, size), Space: space, owned: true}
	space.Reserve(size)

	m.mu.Lock()
	m.allocated[slot.ID] = slot
	m.mu.Unlock()

	return slot, nil
}

// RegisterLocalMemorySlot wraps user-provided memory as a slot without
// taking ownership of it. No usage accounting is performed against space.
func (m *Manager) RegisterLocalMemorySlot(space *Space, data []byte) (*LocalSlot, error) {
	const op = "memory.Manager.RegisterLocalMemorySlot"

	if space == nil {
		return nil, herr.New(herr.InvalidArgument, op, "space must not be nil")
	}
	if len(data) == 0 {
		return nil, herr.New(herr.InvalidArgument, op, "data must not be empty")
	}

	return &LocalSlot{ID: uuid.New(), Data: data, Space: space, owned: false}, nil
}

// FreeLocalMemorySlot releases an allocation made by AllocateLocalMemorySlot
// and decreases the owning space's usage by the slot's size. It is fatal if
// slot was not allocated by this manager.
func (m *Manager) FreeLocalMemorySlot(slot *LocalSlot) {
	const op = "memory.Manager.FreeLocalMemorySlot"

	m.mu.Lock()
	_, ok := m.allocated[slot.ID]
	if ok {
		delete(m.allocated, slot.ID)
	}
	m.mu.Unlock()

	if !ok {
		herr.Fatal(herr.ProtocolViolation, op, "free of a slot not allocated by this manager", map[string]any{
			"slot": slot.ID,
		})
	}

	slot.Space.Release(slot.Size())
}

// DeregisterLocalMemorySlot is the opposite of RegisterLocalMemorySlot: it
// never frees the user-owned backing memory, and since registered slots
// carry no manager bookkeeping there is nothing else to release. It is
// fatal if slot was allocated (not registered) by this manager, since that
// would leak the allocation.
func (m *Manager) DeregisterLocalMemorySlot(slot *LocalSlot) {
	const op = "memory.Manager.DeregisterLocalMemorySlot"

	m.mu.Lock()
	_, allocatedByUs := m.allocated[slot.ID]
	m.mu.Unlock()

	if allocatedByUs {
		herr.Fatal(herr.ProtocolViolation, op, "deregister of a slot allocated (not registered) by this manager", map[string]any{
			"slot": slot.ID,
		})
	}
}
