package spsc

import (
	"bytes"
	"testing"

	"github.com/hicr-go/hicr/backend/sharedmemory"
	"github.com/hicr-go/hicr/core/comm"
	"github.com/hicr-go/hicr/core/coordination"
	"github.com/hicr-go/hicr/core/memory"
	"github.com/hicr-go/hicr/core/topology"
)

const (
	tag                    = 1
	keyProducerControlCoord = 1
	keyProducerPayloadCoord = 2
	keyConsumerControlCoord = 3
	keyConsumerPayloadCoord = 4
	keyControlRecords       = 5
	keyPayloadBuffer        = 6
)

type pair struct {
	producer *Producer
	consumer *Consumer
	mm       *memory.Manager
	space    *topology.MemorySpace
}

func buildPair(t *testing.T, tokenCapacity, payloadCapacity uint64) *pair {
	t.Helper()

	space := topology.NewMemorySpace("ram", 1<<20)
	mm := memory.NewManager()
	mm.Own(space)
	cm := sharedmemory.NewManager()

	producerControlCoord := mustAlloc(t, mm, space, coordination.Size)
	producerPayloadCoord := mustAlloc(t, mm, space, coordination.Size)
	consumerControlCoord := mustAlloc(t, mm, space, coordination.Size)
	consumerPayloadCoord := mustAlloc(t, mm, space, coordination.Size)
	controlRecords := mustAlloc(t, mm, space, tokenCapacity*recordSize)
	payloadBuffer := mustAlloc(t, mm, space, payloadCapacity)
	recordScratch := mustAlloc(t, mm, space, recordSize)

	err := cm.ExchangeGlobalMemorySlots(tag, []comm.ExchangeEntry{
		{Key: keyProducerControlCoord, Local: producerControlCoord},
		{Key: keyProducerPayloadCoord, Local: producerPayloadCoord},
		{Key: keyConsumerControlCoord, Local: consumerControlCoord},
		{Key: keyConsumerPayloadCoord, Local: consumerPayloadCoord},
		{Key: keyControlRecords, Local: controlRecords},
		{Key: keyPayloadBuffer, Local: payloadBuffer},
	})
	if err != nil {
		t.Fatalf("exchange: %v", err)
	}
	if err := cm.Fence(tag); err != nil {
		t.Fatalf("fence: %v", err)
	}

	resolve := func(key uint64) *memory.GlobalSlot {
		g, err := cm.GetGlobalMemorySlot(tag, key)
		if err != nil {
			t.Fatalf("resolve key %d: %v", key, err)
		}
		return g
	}

	producerControlCoordGlobal := resolve(keyProducerControlCoord)
	producerPayloadCoordGlobal := resolve(keyProducerPayloadCoord)
	consumerControlCoordGlobal := resolve(keyConsumerControlCoord)
	consumerPayloadCoordGlobal := resolve(keyConsumerPayloadCoord)
	controlRecordsGlobal := resolve(keyControlRecords)
	payloadBufferGlobal := resolve(keyPayloadBuffer)

	producer, err := NewProducer(cm, producerControlCoord, producerPayloadCoord,
		producerControlCoordGlobal, producerPayloadCoordGlobal, recordScratch,
		consumerControlCoordGlobal, controlRecordsGlobal, consumerPayloadCoordGlobal, payloadBufferGlobal,
		tokenCapacity, payloadCapacity)
	if err != nil {
		t.Fatalf("new producer: %v", err)
	}

	consumer, err := NewConsumer(cm, consumerControlCoord, consumerPayloadCoord,
		consumerControlCoordGlobal, consumerPayloadCoordGlobal, controlRecords, payloadBuffer,
		producerControlCoordGlobal, producerPayloadCoordGlobal,
		tokenCapacity, payloadCapacity)
	if err != nil {
		t.Fatalf("new consumer: %v", err)
	}

	return &pair{producer: producer, consumer: consumer, mm: mm, space: space}
}

func mustAlloc(t *testing.T, mm *memory.Manager, space *topology.MemorySpace, size uint64) *memory.LocalSlot {
	t.Helper()
	slot, err := mm.AllocateLocalMemorySlot(space, size)
	if err != nil {
		t.Fatalf("allocate %d bytes: %v", size, err)
	}
	return slot
}

func registerToken(t *testing.T, p *pair, data []byte) *memory.LocalSlot {
	t.Helper()
	slot, err := p.mm.RegisterLocalMemorySlot(p.space, data)
	if err != nil {
		t.Fatalf("register token: %v", err)
	}
	return slot
}

func TestPushPeekPopVariableSizes(t *testing.T) {
	p := buildPair(t, 8, 64)

	want := [][]byte{
		[]byte("a"),
		[]byte("hello"),
		[]byte("variable size token payload"),
	}
	for _, w := range want {
		ok, err := p.producer.Push(registerToken(t, p, append([]byte(nil), w...)))
		if err != nil {
			t.Fatalf("push: %v", err)
		}
		if !ok {
			t.Fatalf("expected push to succeed for %q", w)
		}
	}

	for _, w := range want {
		got, ok, err := p.consumer.Peek()
		if err != nil {
			t.Fatalf("peek: %v", err)
		}
		if !ok {
			t.Fatalf("expected a token")
		}
		if !bytes.Equal(got, w) {
			t.Fatalf("got %q, want %q", got, w)
		}
		popped, err := p.consumer.Pop()
		if err != nil {
			t.Fatalf("pop: %v", err)
		}
		if !popped {
			t.Fatalf("expected pop to succeed")
		}
	}
}

func TestPayloadWrapsAroundBuffer(t *testing.T) {
	p := buildPair(t, 8, 16)

	// Fill most of the 16-byte payload buffer, drain it, then push a token
	// that must straddle the wrap point.
	first := registerToken(t, p, bytes.Repeat([]byte{0x01}, 12))
	ok, err := p.producer.Push(first)
	if err != nil || !ok {
		t.Fatalf("push first: ok=%v err=%v", ok, err)
	}
	if _, ok, err := p.consumer.Peek(); err != nil || !ok {
		t.Fatalf("peek first: ok=%v err=%v", ok, err)
	}
	if ok, err := p.consumer.Pop(); err != nil || !ok {
		t.Fatalf("pop first: ok=%v err=%v", ok, err)
	}

	wrapping := []byte("0123456789") // 10 bytes; head is at offset 12, wraps at 16
	ok, err = p.producer.Push(registerToken(t, p, append([]byte(nil), wrapping...)))
	if err != nil {
		t.Fatalf("push wrapping: %v", err)
	}
	if !ok {
		t.Fatalf("expected wrapping push to succeed")
	}

	got, ok, err := p.consumer.Peek()
	if err != nil {
		t.Fatalf("peek wrapping: %v", err)
	}
	if !ok {
		t.Fatalf("expected a wrapped token")
	}
	if !bytes.Equal(got, wrapping) {
		t.Fatalf("got %q, want %q", got, wrapping)
	}
}

func TestPushRejectsOversizedToken(t *testing.T) {
	p := buildPair(t, 4, 8)

	_, err := p.producer.Push(registerToken(t, p, bytes.Repeat([]byte{0xAA}, 9)))
	if err == nil {
		t.Fatalf("expected error for token larger than payload capacity")
	}
}

func TestPushFailsWhenPayloadBufferFull(t *testing.T) {
	p := buildPair(t, 4, 8)

	ok, err := p.producer.Push(registerToken(t, p, bytes.Repeat([]byte{0x01}, 8)))
	if err != nil || !ok {
		t.Fatalf("expected first full-capacity push to succeed: ok=%v err=%v", ok, err)
	}

	ok, err = p.producer.Push(registerToken(t, p, []byte{0x02}))
	if err != nil {
		t.Fatalf("push on full payload buffer: %v", err)
	}
	if ok {
		t.Fatalf("expected push on full payload buffer to report false")
	}
}
