// Package locking implements HiCR's fixed-size multi-producer/single-consumer
// channel in its locking variant: every producer and the consumer share one
// coordination buffer and one token buffer, and a producer must hold the
// coordination buffer's remote lock for the duration of a push. Unlike the
// SPSC producer, a producer here has no local memory of its own backing the
// shared coordination buffer, so it refreshes a local scratch copy under
// the lock, mutates it, and writes the head word back before releasing.
package locking

import (
	"github.com/hicr-go/hicr/channel"
	"github.com/hicr-go/hicr/core/circular"
	"github.com/hicr-go/hicr/core/comm"
	"github.com/hicr-go/hicr/core/coordination"
	"github.com/hicr-go/hicr/core/herr"
	"github.com/hicr-go/hicr/core/memory"
)

// Producer is one of potentially many write endpoints contending for the
// same fixed-size channel.
type Producer struct {
	comm      comm.Manager
	tokenSize uint64
	capacity  uint64
	lifecycle channel.Lifecycle

	scratch           *memory.LocalSlot
	coordination      *memory.GlobalSlot
	tokenBufferGlobal *memory.GlobalSlot
}

// NewProducer builds a Producer against an already-exchanged shared
// coordination buffer and token buffer. scratch is a locally owned
// coordination.Size buffer private to this producer, used to stage reads
// and writes of the shared coordination buffer while its lock is held.
func NewProducer(cm comm.Manager, scratch *memory.LocalSlot, coord, tokenBuffer *memory.GlobalSlot, tokenSize, capacity uint64) (*Producer, error) {
	const op = "locking.NewProducer"

	if cm == nil {
		return nil, herr.New(herr.InvalidArgument, op, "communication manager must not be nil")
	}
	if tokenSize == 0 || capacity == 0 {
		return nil, herr.New(herr.InvalidArgument, op, "token size and capacity must be greater than zero")
	}
	if scratch == nil || scratch.Size() < coordination.Size {
		return nil, herr.New(herr.InvalidArgument, op, "scratch buffer is missing or undersized")
	}
	if coord == nil || tokenBuffer == nil {
		return nil, herr.New(herr.InvalidArgument, op, "producer requires resolved coordination and token buffer global slots")
	}

	p := &Producer{
		comm:              cm,
		tokenSize:         tokenSize,
		capacity:          capacity,
		scratch:           scratch,
		coordination:      coord,
		tokenBufferGlobal: tokenBuffer,
	}
	p.lifecycle.Transition(channel.Configured)
	p.lifecycle.Transition(channel.Exchanged)
	p.lifecycle.Transition(channel.Active)
	return p, nil
}

// Push attempts to acquire the channel's coordination lock and, if
// successful, push token. It returns false without copying if the lock is
// currently held by another producer or if the channel is full; it never
// blocks waiting for the lock.
func (p *Producer) Push(token *memory.LocalSlot) (bool, error) {
	const op = "locking.Producer.Push"
	p.lifecycle.RequireActive(op)

	if token == nil || token.Size() != p.tokenSize {
		return false, herr.New(herr.InvalidArgument, op, "token size does not match channel token size").
			WithContext("tokenSize", p.tokenSize)
	}

	acquired, err := p.comm.AcquireGlobalLock(p.coordination)
	if err != nil {
		return false, err
	}
	if !acquired {
		return false, nil
	}
	defer func() { _ = p.comm.ReleaseGlobalLock(p.coordination) }()

	if err := p.comm.Memcpy(comm.OfLocal(p.scratch), 0, comm.OfGlobal(p.coordination), 0, coordination.Size); err != nil {
		return false, err
	}
	coord := coordination.New(p.scratch.Data)
	circ := circular.New(p.capacity, coord.HeadPtr(), coord.TailPtr())

	if circ.IsFull() {
		return false, nil
	}

	offset := circ.HeadPosition() * p.tokenSize
	if err := p.comm.Memcpy(comm.OfGlobal(p.tokenBufferGlobal), offset, comm.OfLocal(token), 0, p.tokenSize); err != nil {
		return false, err
	}
	circ.AdvanceHead1()

	if err := p.comm.Memcpy(comm.OfGlobal(p.coordination), coordination.HeadOffset, comm.OfLocal(p.scratch), coordination.HeadOffset, 8); err != nil {
		return false, err
	}
	return true, nil
}

// Consumer is the single read endpoint of a locking fixed-size MPSC
// channel. It owns the coordination buffer and token buffer directly, so
// unlike the producers it reads and advances its circular buffer in place;
// it still takes the shared lock around each operation so a concurrent
// producer's Memcpy of the head word cannot interleave with a read.
type Consumer struct {
	*channel.Base

	circ        *circular.Buffer
	coordGlobal *memory.GlobalSlot
	tokenBuffer *memory.LocalSlot
}

// NewConsumer builds the Consumer. ownCoordination/ownCoordinationGlobal
// and tokenBuffer are this consumer's own storage, already promoted and
// exchanged so producers can reach them.
func NewConsumer(cm comm.Manager, ownCoordination *memory.LocalSlot, ownCoordinationGlobal *memory.GlobalSlot, tokenBuffer *memory.LocalSlot, tokenSize, capacity uint64) (*Consumer, error) {
	const op = "locking.NewConsumer"

	base, err := channel.NewBase(cm, ownCoordination, tokenSize, capacity)
	if err != nil {
		return nil, err
	}
	if ownCoordinationGlobal == nil {
		return nil, herr.New(herr.InvalidArgument, op, "consumer requires a resolved coordination global slot")
	}
	if tokenBuffer == nil || tokenBuffer.Size() != tokenSize*capacity {
		return nil, herr.New(herr.InvalidArgument, op, "token buffer must be exactly capacity * tokenSize bytes")
	}

	c := &Consumer{
		Base:        base,
		circ:        circular.New(capacity, base.Coord.HeadPtr(), base.Coord.TailPtr()),
		coordGlobal: ownCoordinationGlobal,
		tokenBuffer: tokenBuffer,
	}
	c.Lifecycle.Transition(channel.Exchanged)
	c.Lifecycle.Transition(channel.Active)
	return c, nil
}

// Peek returns the oldest unconsumed token without removing it, taking the
// shared lock for the duration of the read. ok is false if the channel is
// currently empty or the lock could not be acquired.
func (c *Consumer) Peek() (token []byte, ok bool, err error) {
	const op = "locking.Consumer.Peek"
	c.Lifecycle.RequireActive(op)

	acquired, err := c.Comm.AcquireGlobalLock(c.coordGlobal)
	if err != nil {
		return nil, false, err
	}
	if !acquired {
		return nil, false, nil
	}
	defer func() { _ = c.Comm.ReleaseGlobalLock(c.coordGlobal) }()

	if c.circ.IsEmpty() {
		return nil, false, nil
	}
	offset := c.circ.TailPosition() * c.TokenSize
	return c.tokenBuffer.Data[offset : offset+c.TokenSize], true, nil
}

// Pop advances past the oldest unconsumed token under the shared lock. It
// returns false if the channel is empty or the lock could not be acquired.
func (c *Consumer) Pop() (bool, error) {
	const op = "locking.Consumer.Pop"
	c.Lifecycle.RequireActive(op)

	acquired, err := c.Comm.AcquireGlobalLock(c.coordGlobal)
	if err != nil {
		return false, err
	}
	if !acquired {
		return false, nil
	}
	defer func() { _ = c.Comm.ReleaseGlobalLock(c.coordGlobal) }()

	if c.circ.IsEmpty() {
		return false, nil
	}
	c.circ.AdvanceTail1()
	return true, nil
}
