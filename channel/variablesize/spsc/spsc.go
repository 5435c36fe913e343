// Package spsc implements HiCR's variable-size single-producer/single-
// consumer channel. Tokens of differing sizes are carried in a shared
// payload byte buffer addressed by a circular buffer counted in bytes
// rather than tokens; a parallel, fixed-size control channel carries one
// {payloadOffset, payloadSize} record per token so the consumer knows
// where each token's bytes landed. A token whose bytes straddle the end of
// the payload buffer is written (and read back) as two separate copies,
// one up to the buffer's end and one wrapped back to its start.
package spsc

import (
	"encoding/binary"

	"github.com/hicr-go/hicr/channel"
	"github.com/hicr-go/hicr/core/circular"
	"github.com/hicr-go/hicr/core/comm"
	"github.com/hicr-go/hicr/core/coordination"
	"github.com/hicr-go/hicr/core/herr"
	"github.com/hicr-go/hicr/core/memory"
)

// recordSize is the wire size of a control record: two little-endian
// uint64 fields, payloadOffset then payloadSize.
const recordSize = 16

type record struct {
	payloadOffset uint64
	payloadSize   uint64
}

func putRecord(dst []byte, r record) {
	binary.LittleEndian.PutUint64(dst[0:8], r.payloadOffset)
	binary.LittleEndian.PutUint64(dst[8:16], r.payloadSize)
}

func getRecord(src []byte) record {
	return record{
		payloadOffset: binary.LittleEndian.Uint64(src[0:8]),
		payloadSize:   binary.LittleEndian.Uint64(src[8:16]),
	}
}

// Producer is the write endpoint of a variable-size SPSC channel.
type Producer struct {
	comm comm.Manager

	tokenCapacity   uint64
	payloadCapacity uint64
	lifecycle       channel.Lifecycle

	ownControlCoord       *coordination.Buffer
	ownControlCoordSlot   *memory.LocalSlot
	ownControlCoordGlobal *memory.GlobalSlot

	ownPayloadCoord       *coordination.Buffer
	ownPayloadCoordSlot   *memory.LocalSlot
	ownPayloadCoordGlobal *memory.GlobalSlot

	controlCirc *circular.Buffer
	payloadCirc *circular.Buffer

	recordScratch *memory.LocalSlot

	peerControlCoordGlobal   *memory.GlobalSlot
	peerControlRecordsGlobal *memory.GlobalSlot
	peerPayloadCoordGlobal   *memory.GlobalSlot
	peerPayloadBufferGlobal  *memory.GlobalSlot
}

// NewProducer builds a Producer. ownControlCoord/ownPayloadCoord are this
// producer's own coordination buffers (also promoted and exchanged as
// ownControlCoordGlobal/ownPayloadCoordGlobal so the consumer can mirror
// its tail counters into them). recordScratch is a private, reusable
// recordSize-byte local slot used to stage each control record before it
// is copied to the consumer. The peer* arguments are the consumer's
// resolved coordination buffers, control-record storage, and payload
// buffer. tokenCapacity bounds in-flight control records; payloadCapacity
// bounds total in-flight payload bytes.
func NewProducer(cm comm.Manager, ownControlCoord, ownPayloadCoord *memory.LocalSlot, ownControlCoordGlobal, ownPayloadCoordGlobal *memory.GlobalSlot, recordScratch *memory.LocalSlot, peerControlCoordGlobal, peerControlRecordsGlobal, peerPayloadCoordGlobal, peerPayloadBufferGlobal *memory.GlobalSlot, tokenCapacity, payloadCapacity uint64) (*Producer, error) {
	const op = "spsc.NewProducer"

	if cm == nil {
		return nil, herr.New(herr.InvalidArgument, op, "communication manager must not be nil")
	}
	if tokenCapacity == 0 || payloadCapacity == 0 {
		return nil, herr.New(herr.InvalidArgument, op, "token capacity and payload capacity must be greater than zero")
	}
	if ownControlCoord == nil || ownControlCoord.Size() < coordination.Size {
		return nil, herr.New(herr.InvalidArgument, op, "own control coordination buffer is missing or undersized")
	}
	if ownPayloadCoord == nil || ownPayloadCoord.Size() < coordination.Size {
		return nil, herr.New(herr.InvalidArgument, op, "own payload coordination buffer is missing or undersized")
	}
	if recordScratch == nil || recordScratch.Size() < recordSize {
		return nil, herr.New(herr.InvalidArgument, op, "record scratch buffer is missing or undersized")
	}
	if ownControlCoordGlobal == nil || ownPayloadCoordGlobal == nil || peerControlCoordGlobal == nil ||
		peerControlRecordsGlobal == nil || peerPayloadCoordGlobal == nil || peerPayloadBufferGlobal == nil {
		return nil, herr.New(herr.InvalidArgument, op, "producer requires all coordination and storage global slots resolved")
	}

	controlCoord := coordination.New(ownControlCoord.Data)
	controlCoord.Initialize()
	payloadCoord := coordination.New(ownPayloadCoord.Data)
	payloadCoord.Initialize()

	p := &Producer{
		comm:                     cm,
		tokenCapacity:            tokenCapacity,
		payloadCapacity:          payloadCapacity,
		ownControlCoord:          controlCoord,
		ownControlCoordSlot:      ownControlCoord,
		ownControlCoordGlobal:    ownControlCoordGlobal,
		ownPayloadCoord:          payloadCoord,
		ownPayloadCoordSlot:      ownPayloadCoord,
		ownPayloadCoordGlobal:    ownPayloadCoordGlobal,
		controlCirc:              circular.New(tokenCapacity, controlCoord.HeadPtr(), controlCoord.TailPtr()),
		payloadCirc:              circular.New(payloadCapacity, payloadCoord.HeadPtr(), payloadCoord.TailPtr()),
		recordScratch:            recordScratch,
		peerControlCoordGlobal:   peerControlCoordGlobal,
		peerControlRecordsGlobal: peerControlRecordsGlobal,
		peerPayloadCoordGlobal:   peerPayloadCoordGlobal,
		peerPayloadBufferGlobal:  peerPayloadBufferGlobal,
	}
	p.lifecycle.Transition(channel.Configured)
	p.lifecycle.Transition(channel.Exchanged)
	p.lifecycle.Transition(channel.Active)
	return p, nil
}

// Push copies token's bytes into the consumer's payload buffer, splitting
// the copy across the buffer's wrap point when necessary, then publishes a
// control record describing where the bytes landed. It returns false
// without copying if the control channel is full or if the payload buffer
// does not currently have room for len(token) bytes. A token larger than
// the payload buffer can ever hold is rejected with an InvalidArgument
// error.
func (p *Producer) Push(token *memory.LocalSlot) (bool, error) {
	const op = "spsc.Producer.Push"
	p.lifecycle.RequireActive(op)

	if token == nil || token.Size() == 0 {
		return false, herr.New(herr.InvalidArgument, op, "token must not be empty")
	}
	size := token.Size()
	if size > p.payloadCapacity {
		return false, herr.New(herr.InvalidArgument, op, "token exceeds payload buffer capacity").
			WithContext("tokenSize", size).WithContext("payloadCapacity", p.payloadCapacity)
	}

	if err := p.comm.QueryMemorySlotUpdates(p.ownControlCoordGlobal); err != nil {
		return false, err
	}
	if err := p.comm.QueryMemorySlotUpdates(p.ownPayloadCoordGlobal); err != nil {
		return false, err
	}

	if p.controlCirc.IsFull() {
		return false, nil
	}
	if p.payloadCapacity-p.payloadCirc.Depth() < size {
		return false, nil
	}

	offset := p.payloadCirc.HeadPosition()
	if offset+size <= p.payloadCapacity {
		if err := p.comm.Memcpy(comm.OfGlobal(p.peerPayloadBufferGlobal), offset, comm.OfLocal(token), 0, size); err != nil {
			return false, err
		}
	} else {
		firstPart := p.payloadCapacity - offset
		if err := p.comm.Memcpy(comm.OfGlobal(p.peerPayloadBufferGlobal), offset, comm.OfLocal(token), 0, firstPart); err != nil {
			return false, err
		}
		if err := p.comm.Memcpy(comm.OfGlobal(p.peerPayloadBufferGlobal), 0, comm.OfLocal(token), firstPart, size-firstPart); err != nil {
			return false, err
		}
	}
	p.payloadCirc.AdvanceHead(size)

	putRecord(p.recordScratch.Data, record{payloadOffset: offset, payloadSize: size})
	recordOffset := p.controlCirc.HeadPosition() * recordSize
	if err := p.comm.Memcpy(comm.OfGlobal(p.peerControlRecordsGlobal), recordOffset, comm.OfLocal(p.recordScratch), 0, recordSize); err != nil {
		return false, err
	}
	p.controlCirc.AdvanceHead1()

	if err := p.comm.Memcpy(comm.OfGlobal(p.peerControlCoordGlobal), coordination.HeadOffset, comm.OfLocal(p.ownControlCoordSlot), coordination.HeadOffset, 8); err != nil {
		return false, err
	}
	if err := p.comm.Memcpy(comm.OfGlobal(p.peerPayloadCoordGlobal), coordination.HeadOffset, comm.OfLocal(p.ownPayloadCoordSlot), coordination.HeadOffset, 8); err != nil {
		return false, err
	}
	return true, nil
}

// Consumer is the read endpoint of a variable-size SPSC channel.
type Consumer struct {
	comm comm.Manager

	tokenCapacity   uint64
	payloadCapacity uint64
	lifecycle       channel.Lifecycle

	ownControlCoord       *coordination.Buffer
	ownControlCoordSlot   *memory.LocalSlot
	ownControlCoordGlobal *memory.GlobalSlot

	ownPayloadCoord       *coordination.Buffer
	ownPayloadCoordSlot   *memory.LocalSlot
	ownPayloadCoordGlobal *memory.GlobalSlot

	controlCirc *circular.Buffer
	payloadCirc *circular.Buffer

	controlRecords *memory.LocalSlot
	payloadBuffer  *memory.LocalSlot

	peerControlCoordGlobal *memory.GlobalSlot
	peerPayloadCoordGlobal *memory.GlobalSlot
}

// NewConsumer builds the Consumer. ownControlCoord/ownPayloadCoord,
// controlRecords, and payloadBuffer are this consumer's own storage,
// already promoted and exchanged so the producer can reach them.
// peerControlCoordGlobal/peerPayloadCoordGlobal are the producer's own
// coordination buffers, where this consumer mirrors its tail counters.
func NewConsumer(cm comm.Manager, ownControlCoord, ownPayloadCoord *memory.LocalSlot, ownControlCoordGlobal, ownPayloadCoordGlobal *memory.GlobalSlot, controlRecords, payloadBuffer *memory.LocalSlot, peerControlCoordGlobal, peerPayloadCoordGlobal *memory.GlobalSlot, tokenCapacity, payloadCapacity uint64) (*Consumer, error) {
	const op = "spsc.NewConsumer"

	if cm == nil {
		return nil, herr.New(herr.InvalidArgument, op, "communication manager must not be nil")
	}
	if tokenCapacity == 0 || payloadCapacity == 0 {
		return nil, herr.New(herr.InvalidArgument, op, "token capacity and payload capacity must be greater than zero")
	}
	if ownControlCoord == nil || ownControlCoord.Size() < coordination.Size {
		return nil, herr.New(herr.InvalidArgument, op, "own control coordination buffer is missing or undersized")
	}
	if ownPayloadCoord == nil || ownPayloadCoord.Size() < coordination.Size {
		return nil, herr.New(herr.InvalidArgument, op, "own payload coordination buffer is missing or undersized")
	}
	if controlRecords == nil || controlRecords.Size() != tokenCapacity*recordSize {
		return nil, herr.New(herr.InvalidArgument, op, "control records buffer must be exactly tokenCapacity * recordSize bytes")
	}
	if payloadBuffer == nil || payloadBuffer.Size() != payloadCapacity {
		return nil, herr.New(herr.InvalidArgument, op, "payload buffer must be exactly payloadCapacity bytes")
	}
	if ownControlCoordGlobal == nil || ownPayloadCoordGlobal == nil || peerControlCoordGlobal == nil || peerPayloadCoordGlobal == nil {
		return nil, herr.New(herr.InvalidArgument, op, "consumer requires all coordination global slots resolved")
	}

	controlCoord := coordination.New(ownControlCoord.Data)
	payloadCoord := coordination.New(ownPayloadCoord.Data)

	c := &Consumer{
		comm:                   cm,
		tokenCapacity:          tokenCapacity,
		payloadCapacity:        payloadCapacity,
		ownControlCoord:        controlCoord,
		ownControlCoordSlot:    ownControlCoord,
		ownControlCoordGlobal:  ownControlCoordGlobal,
		ownPayloadCoord:        payloadCoord,
		ownPayloadCoordSlot:    ownPayloadCoord,
		ownPayloadCoordGlobal:  ownPayloadCoordGlobal,
		controlCirc:            circular.New(tokenCapacity, controlCoord.HeadPtr(), controlCoord.TailPtr()),
		payloadCirc:            circular.New(payloadCapacity, payloadCoord.HeadPtr(), payloadCoord.TailPtr()),
		controlRecords:         controlRecords,
		payloadBuffer:          payloadBuffer,
		peerControlCoordGlobal: peerControlCoordGlobal,
		peerPayloadCoordGlobal: peerPayloadCoordGlobal,
	}
	c.lifecycle.Transition(channel.Configured)
	c.lifecycle.Transition(channel.Exchanged)
	c.lifecycle.Transition(channel.Active)
	return c, nil
}

// Peek returns the oldest unconsumed token without removing it. If the
// token's bytes wrap around the end of the payload buffer, Peek copies
// them into a freshly allocated contiguous slice; otherwise it returns a
// slice aliasing the payload buffer directly. ok is false if the channel
// is currently empty.
func (c *Consumer) Peek() (token []byte, ok bool, err error) {
	const op = "spsc.Consumer.Peek"
	c.lifecycle.RequireActive(op)

	if err := c.comm.QueryMemorySlotUpdates(c.ownControlCoordGlobal); err != nil {
		return nil, false, err
	}
	if err := c.comm.QueryMemorySlotUpdates(c.ownPayloadCoordGlobal); err != nil {
		return nil, false, err
	}
	if c.controlCirc.IsEmpty() {
		return nil, false, nil
	}

	rec := c.peekRecord()
	if rec.payloadOffset+rec.payloadSize <= c.payloadCapacity {
		return c.payloadBuffer.Data[rec.payloadOffset : rec.payloadOffset+rec.payloadSize], true, nil
	}

	firstPart := c.payloadCapacity - rec.payloadOffset
	buf := make([]byte, rec.payloadSize)
	copy(buf, c.payloadBuffer.Data[rec.payloadOffset:c.payloadCapacity])
	copy(buf[firstPart:], c.payloadBuffer.Data[0:rec.payloadSize-firstPart])
	return buf, true, nil
}

func (c *Consumer) peekRecord() record {
	offset := c.controlCirc.TailPosition() * recordSize
	return getRecord(c.controlRecords.Data[offset : offset+recordSize])
}

// Pop advances past the oldest unconsumed token, freeing its control
// record slot and its payload bytes. It returns false if the channel is
// currently empty.
func (c *Consumer) Pop() (bool, error) {
	const op = "spsc.Consumer.Pop"
	c.lifecycle.RequireActive(op)

	if c.controlCirc.IsEmpty() {
		return false, nil
	}

	rec := c.peekRecord()
	c.controlCirc.AdvanceTail1()
	c.payloadCirc.AdvanceTail(rec.payloadSize)

	if err := c.comm.Memcpy(comm.OfGlobal(c.peerControlCoordGlobal), coordination.TailOffset, comm.OfLocal(c.ownControlCoordSlot), coordination.TailOffset, 8); err != nil {
		return false, err
	}
	if err := c.comm.Memcpy(comm.OfGlobal(c.peerPayloadCoordGlobal), coordination.TailOffset, comm.OfLocal(c.ownPayloadCoordSlot), coordination.TailOffset, 8); err != nil {
		return false, err
	}
	return true, nil
}
