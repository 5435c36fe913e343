package spsc

import (
	"testing"

	"github.com/hicr-go/hicr/backend/sharedmemory"
	"github.com/hicr-go/hicr/core/comm"
	"github.com/hicr-go/hicr/core/coordination"
	"github.com/hicr-go/hicr/core/memory"
	"github.com/hicr-go/hicr/core/topology"
)

const (
	tag              = 1
	keyProducerCoord = 10
	keyConsumerCoord = 11
	keyTokenBuffer   = 12
)

// pair bundles a connected producer/consumer and the memory manager that
// backs both, so tests can allocate additional token slots from it.
type pair struct {
	producer *Producer
	consumer *Consumer
	mm       *memory.Manager
	space    *topology.MemorySpace
}

func buildPair(t *testing.T, capacity, tokenSize uint64) *pair {
	t.Helper()

	space := topology.NewMemorySpace("ram", 1<<20)
	mm := memory.NewManager()
	mm.Own(space)
	cm := sharedmemory.NewManager()

	producerCoord, err := mm.AllocateLocalMemorySlot(space, coordination.Size)
	if err != nil {
		t.Fatalf("allocate producer coordination: %v", err)
	}
	consumerCoord, err := mm.AllocateLocalMemorySlot(space, coordination.Size)
	if err != nil {
		t.Fatalf("allocate consumer coordination: %v", err)
	}
	tokenBuffer, err := mm.AllocateLocalMemorySlot(space, capacity*tokenSize)
	if err != nil {
		t.Fatalf("allocate token buffer: %v", err)
	}

	err = cm.ExchangeGlobalMemorySlots(tag, []comm.ExchangeEntry{
		{Key: keyProducerCoord, Local: producerCoord},
		{Key: keyConsumerCoord, Local: consumerCoord},
		{Key: keyTokenBuffer, Local: tokenBuffer},
	})
	if err != nil {
		t.Fatalf("exchange: %v", err)
	}
	if err := cm.Fence(tag); err != nil {
		t.Fatalf("fence: %v", err)
	}

	producerCoordGlobal, err := cm.GetGlobalMemorySlot(tag, keyProducerCoord)
	if err != nil {
		t.Fatalf("resolve producer coordination: %v", err)
	}
	consumerCoordGlobal, err := cm.GetGlobalMemorySlot(tag, keyConsumerCoord)
	if err != nil {
		t.Fatalf("resolve consumer coordination: %v", err)
	}
	tokenBufferGlobal, err := cm.GetGlobalMemorySlot(tag, keyTokenBuffer)
	if err != nil {
		t.Fatalf("resolve token buffer: %v", err)
	}

	producer, err := NewProducer(cm, producerCoord, producerCoordGlobal, consumerCoordGlobal, tokenBufferGlobal, tokenSize, capacity)
	if err != nil {
		t.Fatalf("new producer: %v", err)
	}
	consumer, err := NewConsumer(cm, consumerCoord, consumerCoordGlobal, producerCoordGlobal, tokenBuffer, tokenSize, capacity)
	if err != nil {
		t.Fatalf("new consumer: %v", err)
	}

	return &pair{producer: producer, consumer: consumer, mm: mm, space: space}
}

func token(t *testing.T, p *pair, b byte, size uint64) *memory.LocalSlot {
	t.Helper()
	slot, err := p.mm.RegisterLocalMemorySlot(p.space, make([]byte, size))
	if err != nil {
		t.Fatalf("register token: %v", err)
	}
	for i := range slot.Data {
		slot.Data[i] = b
	}
	return slot
}

func TestPushPeekPopBasic(t *testing.T) {
	p := buildPair(t, 4, 8)

	if !p.consumer.IsEmpty() {
		t.Fatalf("expected new channel to be empty")
	}

	ok, err := p.producer.Push(token(t, p, 0xAB, 8))
	if err != nil {
		t.Fatalf("push: %v", err)
	}
	if !ok {
		t.Fatalf("expected push to succeed")
	}

	got, ok, err := p.consumer.Peek()
	if err != nil {
		t.Fatalf("peek: %v", err)
	}
	if !ok {
		t.Fatalf("expected a token to be available")
	}
	for _, b := range got {
		if b != 0xAB {
			t.Fatalf("unexpected token contents: %v", got)
		}
	}

	popped, err := p.consumer.Pop()
	if err != nil {
		t.Fatalf("pop: %v", err)
	}
	if !popped {
		t.Fatalf("expected pop to succeed")
	}
	if !p.consumer.IsEmpty() {
		t.Fatalf("expected channel to be empty again after pop")
	}
}

func TestPushFailsWhenFull(t *testing.T) {
	p := buildPair(t, 2, 4)

	for i := 0; i < 2; i++ {
		ok, err := p.producer.Push(token(t, p, byte(i), 4))
		if err != nil {
			t.Fatalf("push %d: %v", i, err)
		}
		if !ok {
			t.Fatalf("expected push %d to succeed", i)
		}
	}

	ok, err := p.producer.Push(token(t, p, 9, 4))
	if err != nil {
		t.Fatalf("push on full channel: %v", err)
	}
	if ok {
		t.Fatalf("expected push on full channel to report false")
	}
}

func TestPopFailsWhenEmpty(t *testing.T) {
	p := buildPair(t, 2, 4)

	ok, err := p.consumer.Pop()
	if err != nil {
		t.Fatalf("pop on empty channel: %v", err)
	}
	if ok {
		t.Fatalf("expected pop on empty channel to report false")
	}
}

func TestWrapsAroundCapacity(t *testing.T) {
	p := buildPair(t, 3, 4)

	for round := 0; round < 5; round++ {
		ok, err := p.producer.Push(token(t, p, byte(round), 4))
		if err != nil {
			t.Fatalf("push round %d: %v", round, err)
		}
		if !ok {
			t.Fatalf("expected push round %d to succeed", round)
		}

		got, ok, err := p.consumer.Peek()
		if err != nil {
			t.Fatalf("peek round %d: %v", round, err)
		}
		if !ok {
			t.Fatalf("expected token at round %d", round)
		}
		if got[0] != byte(round) {
			t.Fatalf("round %d: got token %v, want first byte %d", round, got, round)
		}
		if _, err := p.consumer.Pop(); err != nil {
			t.Fatalf("pop round %d: %v", round, err)
		}
	}
}
