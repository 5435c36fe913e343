// Package topology describes the devices, compute resources, and memory
// spaces visible to a HiCR instance, and serializes that description to the
// JSON wire format other instances use to request or merge topologies.
package topology

import (
	"encoding/json"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/hicr-go/hicr/core/herr"
)

// MemorySpace describes a byte-addressable region with a capacity and
// live usage accounting. Usage is tracked by the memory manager that owns
// allocations within this space; it is never decremented below zero and
// never exceeds Size.
type MemorySpace struct {
	ID    uuid.UUID `json:"-"`
	Type  string    `json:"Type"`
	Size  uint64    `json:"Size"`
	usage atomic.Uint64

	// Extra carries JSON object keys beyond Type/Size seen on
	// UnmarshalJSON, so a topology round-tripped through
	// Serialize/Deserialize preserves fields this instance does not
	// interpret instead of dropping them.
	Extra map[string]json.RawMessage
}

// NewMemorySpace constructs a memory space of the given type and total
// size.
func NewMemorySpace(spaceType string, size uint64) *MemorySpace {
	return &MemorySpace{ID: uuid.New(), Type: spaceType, Size: size}
}

// Usage returns the currently outstanding allocation total.
func (m *MemorySpace) Usage() uint64 { return m.usage.Load() }

// Reserve increases usage by delta. It is fatal if the result would exceed
// Size; callers (the memory manager) must check OutOfResource themselves
// before allocating and only call Reserve once the allocation is known to
// fit, so this is a last-line invariant check rather than the primary
// admission test.
func (m *MemorySpace) Reserve(delta uint64) {
	for {
		cur := m.usage.Load()
		next := cur + delta
		if next > m.Size {
			herr.Fatal(herr.DepthViolation, "topology.MemorySpace.Reserve", "usage would exceed space size", map[string]any{
				"space": m.ID, "usage": cur, "delta": delta, "size": m.Size,
			})
		}
		if m.usage.CompareAndSwap(cur, next) {
			return
		}
	}
}

// Release decreases usage by delta. It is fatal if delta exceeds the
// current usage.
func (m *MemorySpace) Release(delta uint64) {
	for {
		cur := m.usage.Load()
		if delta > cur {
			herr.Fatal(herr.ProtocolViolation, "topology.MemorySpace.Release", "release would underflow usage", map[string]any{
				"space": m.ID, "usage": cur, "delta": delta,
			})
		}
		if m.usage.CompareAndSwap(cur, cur-delta) {
			return
		}
	}
}

// MarshalJSON renders the required "Type"/"Size" keys alongside whatever
// extra keys were preserved from an earlier UnmarshalJSON.
func (m *MemorySpace) MarshalJSON() ([]byte, error) {
	out := make(map[string]json.RawMessage, len(m.Extra)+2)
	for k, v := range m.Extra {
		out[k] = v
	}

	typeRaw, err := json.Marshal(m.Type)
	if err != nil {
		return nil, err
	}
	out["Type"] = typeRaw

	sizeRaw, err := json.Marshal(m.Size)
	if err != nil {
		return nil, err
	}
	out["Size"] = sizeRaw

	return json.Marshal(out)
}

// UnmarshalJSON decodes "Type" and "Size" and stashes any other keys in
// Extra so a later MarshalJSON can re-emit them unchanged.
func (m *MemorySpace) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	if v, ok := raw["Type"]; ok {
		if err := json.Unmarshal(v, &m.Type); err != nil {
			return err
		}
		delete(raw, "Type")
	}
	if v, ok := raw["Size"]; ok {
		if err := json.Unmarshal(v, &m.Size); err != nil {
			return err
		}
		delete(raw, "Size")
	}

	m.ID = uuid.New()
	m.usage.Store(0)
	if len(raw) > 0 {
		m.Extra = raw
	} else {
		m.Extra = nil
	}
	return nil
}

// ComputeResource is an opaque description of a compute resource
// ("Type", plus whatever other keys the discovering backend chose to
// report). HiCR's core never interprets these fields; it only carries them.
type ComputeResource map[string]any

// Type returns the resource's "Type" field, or the empty string if absent.
func (c ComputeResource) Type() string {
	t, _ := c["Type"].(string)
	return t
}

// Device is a named aggregate of compute resources and memory spaces. A
// device does not own memory on behalf of the user; it only describes what
// is allocable through the memory spaces it reports.
type Device struct {
	ID               uuid.UUID
	Type             string
	ComputeResources []ComputeResource
	MemorySpaces     []*MemorySpace

	// Extra carries JSON object keys beyond Type/Compute Resources/Memory
	// Spaces seen on UnmarshalJSON, preserved unchanged through
	// Serialize/Deserialize. See MemorySpace.Extra for the same treatment
	// one level down.
	Extra map[string]json.RawMessage
}

// NewDevice constructs an empty device of the given type.
func NewDevice(deviceType string) *Device {
	return &Device{ID: uuid.New(), Type: deviceType}
}

// MarshalJSON renders the required "Type"/"Compute Resources"/"Memory
// Spaces" keys alongside whatever extra keys were preserved from an
// earlier UnmarshalJSON.
func (d *Device) MarshalJSON() ([]byte, error) {
	out := make(map[string]json.RawMessage, len(d.Extra)+3)
	for k, v := range d.Extra {
		out[k] = v
	}

	typeRaw, err := json.Marshal(d.Type)
	if err != nil {
		return nil, err
	}
	out["Type"] = typeRaw

	computeRaw, err := json.Marshal(d.ComputeResources)
	if err != nil {
		return nil, err
	}
	out["Compute Resources"] = computeRaw

	spacesRaw, err := json.Marshal(d.MemorySpaces)
	if err != nil {
		return nil, err
	}
	out["Memory Spaces"] = spacesRaw

	return json.Marshal(out)
}

// UnmarshalJSON decodes "Type", "Compute Resources", and "Memory Spaces"
// and stashes any other keys in Extra so a later MarshalJSON can re-emit
// them unchanged.
func (d *Device) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	if v, ok := raw["Type"]; ok {
		if err := json.Unmarshal(v, &d.Type); err != nil {
			return err
		}
		delete(raw, "Type")
	}
	if v, ok := raw["Compute Resources"]; ok {
		if err := json.Unmarshal(v, &d.ComputeResources); err != nil {
			return err
		}
		delete(raw, "Compute Resources")
	}
	if v, ok := raw["Memory Spaces"]; ok {
		if err := json.Unmarshal(v, &d.MemorySpaces); err != nil {
			return err
		}
		delete(raw, "Memory Spaces")
	}

	d.ID = uuid.New()
	if len(raw) > 0 {
		d.Extra = raw
	} else {
		d.Extra = nil
	}
	return nil
}

// Topology is a set of devices, describing either a local instance or a
// request for new instances.
type Topology struct {
	devices map[uuid.UUID]*Device
}

// New returns an empty topology.
func New() *Topology {
	return &Topology{devices: make(map[uuid.UUID]*Device)}
}

// AddDevice inserts device into the topology. Re-adding a device with the
// same ID is a no-op.
func (t *Topology) AddDevice(d *Device) {
	if t.devices == nil {
		t.devices = make(map[uuid.UUID]*Device)
	}
	t.devices[d.ID] = d
}

// Devices returns the set of devices known to this topology.
func (t *Topology) Devices() []*Device {
	out := make([]*Device, 0, len(t.devices))
	for _, d := range t.devices {
		out = append(out, d)
	}
	return out
}

// Merge unions source's devices into t, by device identity.
func (t *Topology) Merge(source *Topology) {
	for _, d := range source.Devices() {
		t.AddDevice(d)
	}
}

type topologyJSON struct {
	Devices []*Device `json:"Devices"`
}

// Serialize renders the topology to the JSON wire format: an object with a
// "Devices" array. Unknown keys are preserved but never interpreted here:
// on devices and memory spaces through their Extra maps, on compute
// resources through ComputeResource's map representation. Devices appear
// in no particular order.
func (t *Topology) Serialize() ([]byte, error) {
	return json.Marshal(topologyJSON{Devices: t.Devices()})
}

// Deserialize parses the JSON wire format produced by Serialize (or by any
// other HiCR instance) into a new Topology. It verifies the required shape
// before building the result: a "Devices" array whose entries each carry a
// string "Type".
func Deserialize(data []byte) (*Topology, error) {
	if err := Verify(data); err != nil {
		return nil, err
	}
	var w topologyJSON
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, herr.Wrap(herr.InvalidArgument, "topology.Deserialize", "malformed topology JSON", err)
	}
	t := New()
	for _, d := range w.Devices {
		t.AddDevice(d)
	}
	return t, nil
}

// Verify checks that data satisfies the standard topology wire shape
// without fully decoding it: a "Devices" array whose entries each carry a
// string "Type".
func Verify(data []byte) error {
	var raw struct {
		Devices []json.RawMessage `json:"Devices"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return herr.Wrap(herr.InvalidArgument, "topology.Verify", "serialized topology is not a JSON object", err)
	}
	if raw.Devices == nil {
		return herr.New(herr.InvalidArgument, "topology.Verify", "serialized topology lacks the 'Devices' entry")
	}
	for _, rd := range raw.Devices {
		var probe struct {
			Type *string `json:"Type"`
		}
		if err := json.Unmarshal(rd, &probe); err != nil {
			return herr.Wrap(herr.InvalidArgument, "topology.Verify", "serialized device is not a JSON object", err)
		}
		if probe.Type == nil {
			return herr.New(herr.InvalidArgument, "topology.Verify", "serialized device lacks the 'Type' entry")
		}
	}
	return nil
}
