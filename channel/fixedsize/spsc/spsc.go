// Package spsc implements HiCR's fixed-size single-producer/single-consumer
// channel: a circular buffer of Capacity equal-sized tokens, coordinated by
// a pair of 24-byte coordination buffers (one per endpoint) exchanged once
// up front. Each endpoint advances its own authoritative counter locally
// and mirrors it into the peer's coordination buffer by Memcpy; there is no
// further negotiation once the channel is Active.
package spsc

import (
	"github.com/hicr-go/hicr/channel"
	"github.com/hicr-go/hicr/core/circular"
	"github.com/hicr-go/hicr/core/comm"
	"github.com/hicr-go/hicr/core/coordination"
	"github.com/hicr-go/hicr/core/herr"
	"github.com/hicr-go/hicr/core/memory"
)

// Producer is the write endpoint of a fixed-size SPSC channel.
type Producer struct {
	*channel.Base

	circ *circular.Buffer

	ownCoordinationGlobal *memory.GlobalSlot
	peerCoordination      *memory.GlobalSlot
	peerTokenBuffer       *memory.GlobalSlot
}

// NewProducer builds a Producer. ownCoordination is this producer's own
// coordination buffer, already registered locally and also promoted and
// exchanged as ownCoordinationGlobal so the consumer can mirror tail
// updates into it. peerCoordination and peerTokenBuffer are the consumer's
// coordination buffer and token buffer, already resolved via
// comm.Manager.GetGlobalMemorySlot. Callers are expected to have completed
// the exchange/fence choreography before calling NewProducer; the returned
// Producer starts Active.
func NewProducer(cm comm.Manager, ownCoordination *memory.LocalSlot, ownCoordinationGlobal, peerCoordination, peerTokenBuffer *memory.GlobalSlot, tokenSize, capacity uint64) (*Producer, error) {
	const op = "spsc.NewProducer"

	base, err := channel.NewBase(cm, ownCoordination, tokenSize, capacity)
	if err != nil {
		return nil, err
	}
	if ownCoordinationGlobal == nil || peerCoordination == nil || peerTokenBuffer == nil {
		return nil, herr.New(herr.InvalidArgument, op, "producer requires resolved coordination and token buffer global slots")
	}

	p := &Producer{
		Base:                  base,
		circ:                  circular.New(capacity, base.Coord.HeadPtr(), base.Coord.TailPtr()),
		ownCoordinationGlobal: ownCoordinationGlobal,
		peerCoordination:      peerCoordination,
		peerTokenBuffer:       peerTokenBuffer,
	}
	p.Lifecycle.Transition(channel.Exchanged)
	p.Lifecycle.Transition(channel.Active)
	return p, nil
}

// Push copies token's bytes into the next free slot of the consumer's
// token buffer and advances the shared head counter. It returns false
// without copying if the channel is currently full; it never blocks.
// token's length must equal the channel's TokenSize.
func (p *Producer) Push(token *memory.LocalSlot) (bool, error) {
	const op = "spsc.Producer.Push"
	p.Lifecycle.RequireActive(op)

	if token == nil || token.Size() != p.TokenSize {
		return false, herr.New(herr.InvalidArgument, op, "token size does not match channel token size").
			WithContext("tokenSize", p.TokenSize)
	}

	if err := p.Comm.QueryMemorySlotUpdates(p.ownCoordinationGlobal); err != nil {
		return false, err
	}
	if p.circ.IsFull() {
		return false, nil
	}

	offset := p.circ.HeadPosition() * p.TokenSize
	if err := p.Comm.Memcpy(comm.OfGlobal(p.peerTokenBuffer), offset, comm.OfLocal(token), 0, p.TokenSize); err != nil {
		return false, err
	}

	p.circ.AdvanceHead1()

	if err := p.Comm.Memcpy(comm.OfGlobal(p.peerCoordination), coordination.HeadOffset, comm.OfLocal(p.CoordSlot), coordination.HeadOffset, 8); err != nil {
		return false, err
	}
	return true, nil
}

// IsFull reports whether the channel's last known depth equals its
// capacity, without refreshing the view of the consumer's tail first.
func (p *Producer) IsFull() bool { return p.circ.IsFull() }

// Consumer is the read endpoint of a fixed-size SPSC channel.
type Consumer struct {
	*channel.Base

	circ *circular.Buffer

	ownCoordinationGlobal *memory.GlobalSlot
	peerCoordination      *memory.GlobalSlot
	tokenBuffer           *memory.LocalSlot
}

// NewConsumer builds a Consumer. ownCoordination is this consumer's own
// coordination buffer, also promoted and exchanged as
// ownCoordinationGlobal so the producer can mirror head updates into it.
// tokenBuffer is this consumer's own token storage, sized capacity *
// tokenSize, also exchanged globally so the producer can Memcpy tokens
// into it directly. peerCoordination is the producer's coordination
// buffer. The returned Consumer starts Active.
func NewConsumer(cm comm.Manager, ownCoordination *memory.LocalSlot, ownCoordinationGlobal, peerCoordination *memory.GlobalSlot, tokenBuffer *memory.LocalSlot, tokenSize, capacity uint64) (*Consumer, error) {
	const op = "spsc.NewConsumer"

	base, err := channel.NewBase(cm, ownCoordination, tokenSize, capacity)
	if err != nil {
		return nil, err
	}
	if ownCoordinationGlobal == nil || peerCoordination == nil {
		return nil, herr.New(herr.InvalidArgument, op, "consumer requires resolved coordination global slots")
	}
	if tokenBuffer == nil || tokenBuffer.Size() != tokenSize*capacity {
		return nil, herr.New(herr.InvalidArgument, op, "token buffer must be exactly capacity * tokenSize bytes")
	}

	c := &Consumer{
		Base:                  base,
		circ:                  circular.New(capacity, base.Coord.HeadPtr(), base.Coord.TailPtr()),
		ownCoordinationGlobal: ownCoordinationGlobal,
		peerCoordination:      peerCoordination,
		tokenBuffer:           tokenBuffer,
	}
	c.Lifecycle.Transition(channel.Exchanged)
	c.Lifecycle.Transition(channel.Active)
	return c, nil
}

// Peek returns the oldest unconsumed token without removing it. ok is
// false if the channel is currently empty. The returned slice aliases the
// consumer's token buffer and is only valid until the next Pop advances
// past it.
func (c *Consumer) Peek() (token []byte, ok bool, err error) {
	const op = "spsc.Consumer.Peek"
	c.Lifecycle.RequireActive(op)

	if err := c.Comm.QueryMemorySlotUpdates(c.ownCoordinationGlobal); err != nil {
		return nil, false, err
	}
	if c.circ.IsEmpty() {
		return nil, false, nil
	}

	offset := c.circ.TailPosition() * c.TokenSize
	return c.tokenBuffer.Data[offset : offset+c.TokenSize], true, nil
}

// Pop advances past the oldest unconsumed token, making its slot
// available to the producer again. It returns false if the channel is
// currently empty.
func (c *Consumer) Pop() (bool, error) {
	const op = "spsc.Consumer.Pop"
	c.Lifecycle.RequireActive(op)

	if c.circ.IsEmpty() {
		return false, nil
	}
	c.circ.AdvanceTail1()

	if err := c.Comm.Memcpy(comm.OfGlobal(c.peerCoordination), coordination.TailOffset, comm.OfLocal(c.CoordSlot), coordination.TailOffset, 8); err != nil {
		return false, err
	}
	return true, nil
}

// IsEmpty reports whether the channel's last known depth is zero, without
// refreshing the view of the producer's head first.
func (c *Consumer) IsEmpty() bool { return c.circ.IsEmpty() }
