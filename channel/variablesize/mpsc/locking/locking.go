// Package locking implements HiCR's variable-size multi-producer/single-
// consumer channel in its locking variant: every producer and the
// consumer share one control-record coordination buffer, one control
// record storage buffer, one payload coordination buffer, and one payload
// buffer. A producer must hold the shared lock for the duration of a push,
// refreshing both shared coordination buffers into local scratch, staging
// its payload and control record writes, and writing back the two head
// words before releasing.
package locking

import (
	"encoding/binary"

	"github.com/hicr-go/hicr/channel"
	"github.com/hicr-go/hicr/core/circular"
	"github.com/hicr-go/hicr/core/comm"
	"github.com/hicr-go/hicr/core/coordination"
	"github.com/hicr-go/hicr/core/herr"
	"github.com/hicr-go/hicr/core/memory"
)

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

// Producer is one of potentially many write endpoints contending for the
// same variable-size channel.
type Producer struct {
	comm comm.Manager

	tokenCapacity   uint64
	payloadCapacity uint64
	lifecycle       channel.Lifecycle

	controlScratch *memory.LocalSlot
	payloadScratch *memory.LocalSlot
	recordScratch  *memory.LocalSlot

	controlCoord   *memory.GlobalSlot
	controlRecords *memory.GlobalSlot
	payloadCoord   *memory.GlobalSlot
	payloadBuffer  *memory.GlobalSlot
}

// NewProducer builds a Producer against already-exchanged shared control
// and payload channels. controlScratch and payloadScratch are private
// coordination.Size buffers used to stage reads/writes of the shared
// coordination buffers under lock; recordScratch is a private
// recordSize-byte buffer used to stage each control record.
func NewProducer(cm comm.Manager, controlScratch, payloadScratch, recordScratch *memory.LocalSlot, controlCoord, controlRecords, payloadCoord, payloadBuffer *memory.GlobalSlot, tokenCapacity, payloadCapacity uint64) (*Producer, error) {
	const op = "locking.NewProducer"

	if cm == nil {
		return nil, herr.New(herr.InvalidArgument, op, "communication manager must not be nil")
	}
	if tokenCapacity == 0 || payloadCapacity == 0 {
		return nil, herr.New(herr.InvalidArgument, op, "token capacity and payload capacity must be greater than zero")
	}
	if controlScratch == nil || controlScratch.Size() < coordination.Size {
		return nil, herr.New(herr.InvalidArgument, op, "control scratch buffer is missing or undersized")
	}
	if payloadScratch == nil || payloadScratch.Size() < coordination.Size {
		return nil, herr.New(herr.InvalidArgument, op, "payload scratch buffer is missing or undersized")
	}
	if recordScratch == nil || recordScratch.Size() < recordSize {
		return nil, herr.New(herr.InvalidArgument, op, "record scratch buffer is missing or undersized")
	}
	if controlCoord == nil || controlRecords == nil || payloadCoord == nil || payloadBuffer == nil {
		return nil, herr.New(herr.InvalidArgument, op, "producer requires all shared global slots resolved")
	}

	p := &Producer{
		comm:            cm,
		tokenCapacity:   tokenCapacity,
		payloadCapacity: payloadCapacity,
		controlScratch:  controlScratch,
		payloadScratch:  payloadScratch,
		recordScratch:   recordScratch,
		controlCoord:    controlCoord,
		controlRecords:  controlRecords,
		payloadCoord:    payloadCoord,
		payloadBuffer:   payloadBuffer,
	}
	p.lifecycle.Transition(channel.Configured)
	p.lifecycle.Transition(channel.Exchanged)
	p.lifecycle.Transition(channel.Active)
	return p, nil
}

// Push attempts to acquire the channel's shared lock and, if successful,
// push token. It returns false without copying if the lock is currently
// held by another producer, if the control channel is full, or if the
// payload buffer has no room for token. It never blocks waiting for the
// lock.
func (p *Producer) Push(token *memory.LocalSlot) (bool, error) {
	const op = "locking.Producer.Push"
	p.lifecycle.RequireActive(op)

	if token == nil || token.Size() == 0 {
		return false, herr.New(herr.InvalidArgument, op, "token must not be empty")
	}
	size := token.Size()
	if size > p.payloadCapacity {
		return false, herr.New(herr.InvalidArgument, op, "token exceeds payload buffer capacity").
			WithContext("tokenSize", size).WithContext("payloadCapacity", p.payloadCapacity)
	}

	acquired, err := p.comm.AcquireGlobalLock(p.controlCoord)
	if err != nil {
		return false, err
	}
	if !acquired {
		return false, nil
	}
	defer func() { _ = p.comm.ReleaseGlobalLock(p.controlCoord) }()

	if err := p.comm.Memcpy(comm.OfLocal(p.controlScratch), 0, comm.OfGlobal(p.controlCoord), 0, coordination.Size); err != nil {
		return false, err
	}
	if err := p.comm.Memcpy(comm.OfLocal(p.payloadScratch), 0, comm.OfGlobal(p.payloadCoord), 0, coordination.Size); err != nil {
		return false, err
	}

	controlCoord := coordination.New(p.controlScratch.Data)
	payloadCoord := coordination.New(p.payloadScratch.Data)
	controlCirc := circular.New(p.tokenCapacity, controlCoord.HeadPtr(), controlCoord.TailPtr())
	payloadCirc := circular.New(p.payloadCapacity, payloadCoord.HeadPtr(), payloadCoord.TailPtr())

	if controlCirc.IsFull() {
		return false, nil
	}
	if p.payloadCapacity-payloadCirc.Depth() < size {
		return false, nil
	}

	offset := payloadCirc.HeadPosition()
	if offset+size <= p.payloadCapacity {
		if err := p.comm.Memcpy(comm.OfGlobal(p.payloadBuffer), offset, comm.OfLocal(token), 0, size); err != nil {
			return false, err
		}
	} else {
		firstPart := p.payloadCapacity - offset
		if err := p.comm.Memcpy(comm.OfGlobal(p.payloadBuffer), offset, comm.OfLocal(token), 0, firstPart); err != nil {
			return false, err
		}
		if err := p.comm.Memcpy(comm.OfGlobal(p.payloadBuffer), 0, comm.OfLocal(token), firstPart, size-firstPart); err != nil {
			return false, err
		}
	}
	payloadCirc.AdvanceHead(size)

	putRecord(p.recordScratch.Data, record{payloadOffset: offset, payloadSize: size})
	recordOffset := controlCirc.HeadPosition() * recordSize
	if err := p.comm.Memcpy(comm.OfGlobal(p.controlRecords), recordOffset, comm.OfLocal(p.recordScratch), 0, recordSize); err != nil {
		return false, err
	}
	controlCirc.AdvanceHead1()

	if err := p.comm.Memcpy(comm.OfGlobal(p.controlCoord), coordination.HeadOffset, comm.OfLocal(p.controlScratch), coordination.HeadOffset, 8); err != nil {
		return false, err
	}
	if err := p.comm.Memcpy(comm.OfGlobal(p.payloadCoord), coordination.HeadOffset, comm.OfLocal(p.payloadScratch), coordination.HeadOffset, 8); err != nil {
		return false, err
	}
	return true, nil
}

// Consumer is the single read endpoint of a locking variable-size MPSC
// channel. It owns the control-record and payload coordination buffers
// and storage directly, and takes the shared lock around each operation
// so a concurrent producer's writes cannot interleave with a read.
type Consumer struct {
	comm comm.Manager

	tokenCapacity   uint64
	payloadCapacity uint64
	lifecycle       channel.Lifecycle

	controlCoord     *coordination.Buffer
	controlCoordSlot *memory.LocalSlot
	controlGlobal    *memory.GlobalSlot

	payloadCoord     *coordination.Buffer
	payloadCoordSlot *memory.LocalSlot

	controlCirc *circular.Buffer
	payloadCirc *circular.Buffer

	controlRecords *memory.LocalSlot
	payloadBuffer  *memory.LocalSlot
}

// NewConsumer builds the Consumer over its own storage, already promoted
// and exchanged so producers can reach them. controlGlobal is the
// consumer's own control coordination buffer promoted globally; its lock
// word arbitrates access to both the control and payload channels.
func NewConsumer(cm comm.Manager, ownControlCoord, ownPayloadCoord *memory.LocalSlot, controlGlobal *memory.GlobalSlot, controlRecords, payloadBuffer *memory.LocalSlot, tokenCapacity, payloadCapacity uint64) (*Consumer, error) {
	const op = "locking.NewConsumer"

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
	if controlGlobal == nil {
		return nil, herr.New(herr.InvalidArgument, op, "consumer requires a resolved control coordination global slot")
	}

	controlCoord := coordination.New(ownControlCoord.Data)
	controlCoord.Initialize()
	payloadCoord := coordination.New(ownPayloadCoord.Data)
	payloadCoord.Initialize()

	c := &Consumer{
		comm:             cm,
		tokenCapacity:    tokenCapacity,
		payloadCapacity:  payloadCapacity,
		controlCoord:     controlCoord,
		controlCoordSlot: ownControlCoord,
		controlGlobal:    controlGlobal,
		payloadCoord:     payloadCoord,
		payloadCoordSlot: ownPayloadCoord,
		controlCirc:      circular.New(tokenCapacity, controlCoord.HeadPtr(), controlCoord.TailPtr()),
		payloadCirc:      circular.New(payloadCapacity, payloadCoord.HeadPtr(), payloadCoord.TailPtr()),
		controlRecords:   controlRecords,
		payloadBuffer:    payloadBuffer,
	}
	c.lifecycle.Transition(channel.Configured)
	c.lifecycle.Transition(channel.Exchanged)
	c.lifecycle.Transition(channel.Active)
	return c, nil
}

func (c *Consumer) peekRecordLocked() record {
	offset := c.controlCirc.TailPosition() * recordSize
	return getRecord(c.controlRecords.Data[offset : offset+recordSize])
}

// Peek returns the oldest unconsumed token without removing it, taking
// the shared lock for the duration of the read. ok is false if the
// channel is currently empty or the lock could not be acquired.
func (c *Consumer) Peek() (token []byte, ok bool, err error) {
	const op = "locking.Consumer.Peek"
	c.lifecycle.RequireActive(op)

	acquired, err := c.comm.AcquireGlobalLock(c.controlGlobal)
	if err != nil {
		return nil, false, err
	}
	if !acquired {
		return nil, false, nil
	}
	defer func() { _ = c.comm.ReleaseGlobalLock(c.controlGlobal) }()

	if c.controlCirc.IsEmpty() {
		return nil, false, nil
	}
	rec := c.peekRecordLocked()
	if rec.payloadOffset+rec.payloadSize <= c.payloadCapacity {
		return c.payloadBuffer.Data[rec.payloadOffset : rec.payloadOffset+rec.payloadSize], true, nil
	}
	firstPart := c.payloadCapacity - rec.payloadOffset
	buf := make([]byte, rec.payloadSize)
	copy(buf, c.payloadBuffer.Data[rec.payloadOffset:c.payloadCapacity])
	copy(buf[firstPart:], c.payloadBuffer.Data[0:rec.payloadSize-firstPart])
	return buf, true, nil
}

// Pop advances past the oldest unconsumed token under the shared lock. It
// returns false if the channel is empty or the lock could not be
// acquired.
func (c *Consumer) Pop() (bool, error) {
	const op = "locking.Consumer.Pop"
	c.lifecycle.RequireActive(op)

	acquired, err := c.comm.AcquireGlobalLock(c.controlGlobal)
	if err != nil {
		return false, err
	}
	if !acquired {
		return false, nil
	}
	defer func() { _ = c.comm.ReleaseGlobalLock(c.controlGlobal) }()

	if c.controlCirc.IsEmpty() {
		return false, nil
	}
	rec := c.peekRecordLocked()
	c.controlCirc.AdvanceTail1()
	c.payloadCirc.AdvanceTail(rec.payloadSize)
	return true, nil
}
