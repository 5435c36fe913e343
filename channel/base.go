// Package channel provides the common base every fixed- and variable-size
// channel endpoint builds on: token-buffer sizing, coordination-buffer
// layout, and the capacity/token-size contracts shared by producers and
// consumers alike.
package channel

import (
	"github.com/hicr-go/hicr/core/comm"
	"github.com/hicr-go/hicr/core/coordination"
	"github.com/hicr-go/hicr/core/herr"
	"github.com/hicr-go/hicr/core/memory"
)

// State is a channel endpoint's lifecycle stage, carried uniformly by every
// channel flavor in this module (fixed or variable size, producer or
// consumer): Uninitialized -> Configured -> Exchanged -> Active ->
// Draining -> Destroyed. Illegal transitions are fatal ProtocolViolations.
type State int

const (
	Uninitialized State = iota
	Configured
	Exchanged
	Active
	Draining
	Destroyed
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "Uninitialized"
	case Configured:
		return "Configured"
	case Exchanged:
		return "Exchanged"
	case Active:
		return "Active"
	case Draining:
		return "Draining"
	case Destroyed:
		return "Destroyed"
	default:
		return "Unknown"
	}
}

var legalTransitions = map[State]map[State]bool{
	Uninitialized: {Configured: true},
	Configured:    {Exchanged: true},
	Exchanged:     {Active: true},
	Active:        {Draining: true},
	Draining:      {Destroyed: true},
}

// Lifecycle tracks a channel endpoint's current State and rejects illegal
// transitions.
type Lifecycle struct {
	state State
}

// State returns the current lifecycle state.
func (l *Lifecycle) State() State { return l.state }

// Transition moves the lifecycle to next. It is fatal (ProtocolViolation)
// if the transition is not one of the legal steps in the state machine.
func (l *Lifecycle) Transition(next State) {
	if !legalTransitions[l.state][next] {
		herr.Fatal(herr.ProtocolViolation, "channel.Lifecycle.Transition", "illegal channel endpoint state transition", map[string]any{
			"from": l.state.String(), "to": next.String(),
		})
	}
	l.state = next
}

// RequireActive is the guard every Push/Peek/Pop call makes before touching
// channel state: it is fatal to operate on an endpoint that has not
// finished its exchange fence, or that has begun draining.
func (l *Lifecycle) RequireActive(op string) {
	if l.state != Active {
		herr.Fatal(herr.ProtocolViolation, op, "channel endpoint is not Active", map[string]any{
			"state": l.state.String(),
		})
	}
}

// Base is embedded by the fixed-size SPSC producer and consumer and by the
// fixed-size locking MPSC consumer; the other endpoints keep their own
// coordination state and use only Lifecycle from this package. It
// carries the communication manager capability set, the endpoint's own
// coordination buffer, and the token-size/capacity contract negotiated at
// construction.
type Base struct {
	Comm      comm.Manager
	Coord     *coordination.Buffer
	CoordSlot *memory.LocalSlot

	TokenSize uint64
	Capacity  uint64

	Lifecycle Lifecycle
}

// NewBase validates the token-size/capacity contract, wraps
// coordinationBuffer's bytes as a Buffer view, and returns a Base in the
// Configured state. coordinationBuffer must be at least
// coordination.Size bytes.
func NewBase(cm comm.Manager, coordinationBuffer *memory.LocalSlot, tokenSize, capacity uint64) (*Base, error) {
	const op = "channel.NewBase"

	if cm == nil {
		return nil, herr.New(herr.InvalidArgument, op, "communication manager must not be nil")
	}
	if tokenSize == 0 {
		return nil, herr.New(herr.InvalidArgument, op, "token size must be greater than zero")
	}
	if capacity == 0 {
		return nil, herr.New(herr.InvalidArgument, op, "capacity must be greater than zero")
	}
	if coordinationBuffer == nil || coordinationBuffer.Size() < coordination.Size {
		return nil, herr.New(herr.InvalidArgument, op, "coordination buffer is missing or undersized")
	}

	coord := coordination.New(coordinationBuffer.Data)
	coord.Initialize()

	b := &Base{
		Comm:      cm,
		Coord:     coord,
		CoordSlot: coordinationBuffer,
		TokenSize: tokenSize,
		Capacity:  capacity,
	}
	b.Lifecycle.Transition(Configured)
	return b, nil
}

// CoordinationBufferSize reports the fixed, transport-invariant byte size
// of a channel endpoint's coordination buffer.
func (b *Base) CoordinationBufferSize() uint64 { return coordination.Size }
