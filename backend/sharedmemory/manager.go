// Package sharedmemory implements comm.Manager for the degenerate
// single-process backend: every participant lives in the same address
// space, so a "remote" global memory slot is always backed by a real
// local slot and Memcpy is a direct byte copy rather than a wire
// transfer. It plays the role HiCR's backends/sharedMemory plays in the
// reference implementation: the simplest backend that proves the
// frontend contracts without a real network.
package sharedmemory

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/hicr-go/hicr/config"
	"github.com/hicr-go/hicr/core/comm"
	"github.com/hicr-go/hicr/core/comm/wire"
	"github.com/hicr-go/hicr/core/coordination"
	"github.com/hicr-go/hicr/core/herr"
	"github.com/hicr-go/hicr/core/memory"
)

// pointToPointPollInterval is how often FencePointToPoint rechecks a
// slot's counters while waiting for them to converge.
const pointToPointPollInterval = time.Microsecond

var (
	memcpyTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "hicr",
		Subsystem: "sharedmemory",
		Name:      "memcpy_total",
		Help:      "Number of completed Memcpy operations.",
	})
	memcpyBytesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "hicr",
		Subsystem: "sharedmemory",
		Name:      "memcpy_bytes_total",
		Help:      "Total bytes moved by Memcpy operations.",
	})
	fenceTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hicr",
		Subsystem: "sharedmemory",
		Name:      "fence_total",
		Help:      "Number of Fence calls, by tag.",
	}, []string{"tag"})
	lockContention = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "hicr",
		Subsystem: "sharedmemory",
		Name:      "lock_acquire_failed_total",
		Help:      "Number of AcquireGlobalLock calls that found the lock already held.",
	})
)

func init() {
	prometheus.MustRegister(memcpyTotal, memcpyBytesTotal, fenceTotal, lockContention)
}

// Manager is a comm.Manager over in-process memory. It is safe for
// concurrent use by multiple goroutines, each standing in for what would
// be a separate rank or process in a real deployment.
type Manager struct {
	mu sync.Mutex

	// staged holds publications from ExchangeGlobalMemorySlots that have
	// not yet crossed a Fence for their tag.
	staged map[uint64]map[uint64]*memory.GlobalSlot
	// published holds slots resolvable by GetGlobalMemorySlot.
	published map[uint64]map[uint64]*memory.GlobalSlot
	// pendingDereg holds slots to drop from published at the next Fence
	// for their tag.
	pendingDereg map[uint64][]*memory.GlobalSlot

	// pointToPointFenceTimeout bounds how long FencePointToPoint spins
	// before giving up with a FenceFailure.
	pointToPointFenceTimeout time.Duration
}

// NewManager returns an empty shared-memory communication manager
// configured with config.Default().
func NewManager() *Manager {
	return NewManagerWithConfig(config.Default())
}

// NewManagerWithConfig returns an empty shared-memory communication
// manager whose FencePointToPoint timeout comes from cfg.
func NewManagerWithConfig(cfg config.Runtime) *Manager {
	return &Manager{
		staged:                   make(map[uint64]map[uint64]*memory.GlobalSlot),
		published:                make(map[uint64]map[uint64]*memory.GlobalSlot),
		pendingDereg:             make(map[uint64][]*memory.GlobalSlot),
		pointToPointFenceTimeout: cfg.PointToPointFenceTimeout,
	}
}

func (m *Manager) ExchangeGlobalMemorySlots(tag uint64, entries []comm.ExchangeEntry) error {
	const op = "sharedmemory.Manager.ExchangeGlobalMemorySlots"

	m.mu.Lock()
	defer m.mu.Unlock()

	bucket, ok := m.staged[tag]
	if !ok {
		bucket = make(map[uint64]*memory.GlobalSlot)
		m.staged[tag] = bucket
	}
	for _, e := range entries {
		if e.Local == nil {
			return herr.New(herr.InvalidArgument, op, "exchange entry has a nil local slot").WithContext("key", e.Key)
		}

		// This backend never leaves the process, so the advertisement never
		// needs to travel anywhere; round-tripping it through the wire
		// encoding a real transport would use still catches a malformed
		// (tag, key, size) tuple before it is published.
		advert, err := wire.Unmarshal(wire.Marshal(wire.SlotAdvertisement{
			Tag: tag, Key: e.Key, Size: e.Local.Size(), DeviceID: e.Local.Space.Type,
		}))
		if err != nil {
			return herr.Wrap(herr.InvalidArgument, op, "slot advertisement failed to round-trip", err)
		}

		bucket[e.Key] = &memory.GlobalSlot{Tag: tag, Key: e.Key, Source: e.Local, Backend: advert}
	}
	return nil
}

func (m *Manager) Fence(tag uint64) error {
	fenceTotal.WithLabelValues(tagLabel(tag)).Inc()

	m.mu.Lock()
	defer m.mu.Unlock()

	if staged, ok := m.staged[tag]; ok {
		bucket, ok := m.published[tag]
		if !ok {
			bucket = make(map[uint64]*memory.GlobalSlot)
			m.published[tag] = bucket
		}
		for key, slot := range staged {
			bucket[key] = slot
		}
		delete(m.staged, tag)
	}

	if pending := m.pendingDereg[tag]; len(pending) > 0 {
		bucket := m.published[tag]
		for _, slot := range pending {
			if bucket != nil {
				delete(bucket, slot.Key)
			}
		}
		delete(m.pendingDereg, tag)
	}

	return nil
}

// FenceMany fences every tag in tags concurrently, returning the first
// error encountered (if any) after all fences have completed. Callers
// that manage many independently-tagged channels use this instead of
// fencing each tag in sequence.
func (m *Manager) FenceMany(tags []uint64) error {
	var g errgroup.Group
	for _, tag := range tags {
		tag := tag
		g.Go(func() error { return m.Fence(tag) })
	}
	return g.Wait()
}

func (m *Manager) FencePointToPoint(slot *memory.LocalSlot, expectedSent, expectedRecv uint64) error {
	const op = "sharedmemory.Manager.FencePointToPoint"

	if slot == nil {
		return herr.New(herr.InvalidArgument, op, "slot must not be nil")
	}

	// Memcpy in this backend is synchronous, so counters are already
	// current; the retry loop only guards against a caller racing a
	// concurrent goroutine's in-flight copy.
	deadline := time.Now().Add(m.pointToPointFenceTimeout)
	for {
		if slot.MessagesSent() >= expectedSent && slot.MessagesRecv() >= expectedRecv {
			return nil
		}
		if time.Now().After(deadline) {
			break
		}
		time.Sleep(pointToPointPollInterval)
	}
	return herr.New(herr.FenceFailure, op, "point-to-point fence did not converge").
		WithContext("sent", slot.MessagesSent()).WithContext("recv", slot.MessagesRecv()).
		WithContext("expectedSent", expectedSent).WithContext("expectedRecv", expectedRecv)
}

func (m *Manager) GetGlobalMemorySlot(tag, key uint64) (*memory.GlobalSlot, error) {
	const op = "sharedmemory.Manager.GetGlobalMemorySlot"

	m.mu.Lock()
	defer m.mu.Unlock()

	bucket, ok := m.published[tag]
	if !ok {
		return nil, herr.New(herr.NotFound, op, "no publication for tag").WithContext("tag", tag)
	}
	slot, ok := bucket[key]
	if !ok {
		return nil, herr.New(herr.NotFound, op, "no publication for key").WithContext("tag", tag).WithContext("key", key)
	}
	return slot, nil
}

func (m *Manager) DeregisterGlobalMemorySlot(slot *memory.GlobalSlot) error {
	const op = "sharedmemory.Manager.DeregisterGlobalMemorySlot"
	if slot == nil {
		return herr.New(herr.InvalidArgument, op, "slot must not be nil")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.pendingDereg[slot.Tag] = append(m.pendingDereg[slot.Tag], slot)
	return nil
}

func (m *Manager) Memcpy(dst comm.Endpoint, dstOffset uint64, src comm.Endpoint, srcOffset uint64, size uint64) error {
	const op = "sharedmemory.Manager.Memcpy"

	dstSlot := dst.Resolve()
	srcSlot := src.Resolve()
	if dstSlot == nil || srcSlot == nil {
		return herr.New(herr.InvalidArgument, op, "this backend requires both endpoints to have local backing")
	}
	if srcOffset+size > srcSlot.Size() {
		return herr.New(herr.InvalidArgument, op, "source range exceeds slot size").
			WithContext("offset", srcOffset).WithContext("size", size).WithContext("slotSize", srcSlot.Size())
	}
	if dstOffset+size > dstSlot.Size() {
		return herr.New(herr.InvalidArgument, op, "destination range exceeds slot size").
			WithContext("offset", dstOffset).WithContext("size", size).WithContext("slotSize", dstSlot.Size())
	}

	copy(dstSlot.Data[dstOffset:dstOffset+size], srcSlot.Data[srcOffset:srcOffset+size])
	srcSlot.IncrementSent()
	dstSlot.IncrementRecv()

	memcpyTotal.Inc()
	memcpyBytesTotal.Add(float64(size))
	return nil
}

func (m *Manager) QueryMemorySlotUpdates(slot *memory.GlobalSlot) error {
	if slot == nil {
		return herr.New(herr.InvalidArgument, "sharedmemory.Manager.QueryMemorySlotUpdates", "slot must not be nil")
	}
	// Updates are visible as soon as Memcpy returns; nothing to refresh.
	return nil
}

func (m *Manager) AcquireGlobalLock(slot *memory.GlobalSlot) (bool, error) {
	const op = "sharedmemory.Manager.AcquireGlobalLock"
	if slot == nil || slot.Source == nil {
		return false, herr.New(herr.InvalidArgument, op, "lock requires a slot with local backing on this backend")
	}
	acquired := coordination.New(slot.Source.Data).TryLock()
	if !acquired {
		lockContention.Inc()
	}
	return acquired, nil
}

func (m *Manager) ReleaseGlobalLock(slot *memory.GlobalSlot) error {
	const op = "sharedmemory.Manager.ReleaseGlobalLock"
	if slot == nil || slot.Source == nil {
		return herr.New(herr.InvalidArgument, op, "unlock requires a slot with local backing on this backend")
	}
	coordination.New(slot.Source.Data).Unlock()
	return nil
}

func tagLabel(tag uint64) string {
	return "tag:" + strconv.FormatUint(tag, 10)
}

var _ comm.Manager = (*Manager)(nil)
