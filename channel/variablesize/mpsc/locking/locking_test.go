package locking

import (
	"sync"
	"testing"

	"github.com/hicr-go/hicr/backend/sharedmemory"
	"github.com/hicr-go/hicr/core/comm"
	"github.com/hicr-go/hicr/core/coordination"
	"github.com/hicr-go/hicr/core/memory"
	"github.com/hicr-go/hicr/core/topology"
)

const (
	tag            = 1
	keyControlCoord = 1
	keyControlRecs  = 2
	keyPayloadCoord = 3
	keyPayloadBuf   = 4
)

func buildChannel(t *testing.T, producerCount int, tokenCapacity, payloadCapacity uint64) (*Consumer, []*Producer, *memory.Manager, *topology.MemorySpace) {
	t.Helper()

	space := topology.NewMemorySpace("ram", 1<<20)
	mm := memory.NewManager()
	mm.Own(space)
	cm := sharedmemory.NewManager()

	controlCoord := alloc(t, mm, space, coordination.Size)
	controlRecords := alloc(t, mm, space, tokenCapacity*recordSize)
	payloadCoord := alloc(t, mm, space, coordination.Size)
	payloadBuffer := alloc(t, mm, space, payloadCapacity)

	err := cm.ExchangeGlobalMemorySlots(tag, []comm.ExchangeEntry{
		{Key: keyControlCoord, Local: controlCoord},
		{Key: keyControlRecs, Local: controlRecords},
		{Key: keyPayloadCoord, Local: payloadCoord},
		{Key: keyPayloadBuf, Local: payloadBuffer},
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
	controlCoordGlobal := resolve(keyControlCoord)
	controlRecordsGlobal := resolve(keyControlRecs)
	payloadCoordGlobal := resolve(keyPayloadCoord)
	payloadBufferGlobal := resolve(keyPayloadBuf)

	consumer, err := NewConsumer(cm, controlCoord, payloadCoord, controlCoordGlobal, controlRecords, payloadBuffer, tokenCapacity, payloadCapacity)
	if err != nil {
		t.Fatalf("new consumer: %v", err)
	}

	producers := make([]*Producer, producerCount)
	for i := 0; i < producerCount; i++ {
		controlScratch := alloc(t, mm, space, coordination.Size)
		payloadScratch := alloc(t, mm, space, coordination.Size)
		recordScratch := alloc(t, mm, space, recordSize)
		producers[i], err = NewProducer(cm, controlScratch, payloadScratch, recordScratch,
			controlCoordGlobal, controlRecordsGlobal, payloadCoordGlobal, payloadBufferGlobal,
			tokenCapacity, payloadCapacity)
		if err != nil {
			t.Fatalf("new producer %d: %v", i, err)
		}
	}

	return consumer, producers, mm, space
}

func alloc(t *testing.T, mm *memory.Manager, space *topology.MemorySpace, size uint64) *memory.LocalSlot {
	t.Helper()
	slot, err := mm.AllocateLocalMemorySlot(space, size)
	if err != nil {
		t.Fatalf("allocate %d bytes: %v", size, err)
	}
	return slot
}

func TestConcurrentProducersVariableSizes(t *testing.T) {
	const producerCount = 4
	const pushesPerProducer = 30
	const tokenCapacity = 64
	const payloadCapacity = 256

	consumer, producers, mm, space := buildChannel(t, producerCount, tokenCapacity, payloadCapacity)

	var wg sync.WaitGroup
	for i, p := range producers {
		wg.Add(1)
		go func(idx int, p *Producer) {
			defer wg.Done()
			sent := 0
			for sent < pushesPerProducer {
				size := 1 + (sent % 5)
				data := make([]byte, size)
				for j := range data {
					data[j] = byte(idx)
				}
				tok, err := mm.RegisterLocalMemorySlot(space, data)
				if err != nil {
					t.Errorf("register token: %v", err)
					return
				}
				ok, err := p.Push(tok)
				if err != nil {
					t.Errorf("push: %v", err)
					return
				}
				if ok {
					sent++
				}
			}
		}(i, p)
	}

	drained := 0
	want := producerCount * pushesPerProducer
	done := make(chan struct{})
	go func() {
		for drained < want {
			if token, ok, err := consumer.Peek(); err == nil && ok {
				if len(token) == 0 {
					t.Errorf("unexpected empty token")
				}
				if popped, err := consumer.Pop(); err == nil && popped {
					drained++
				}
			}
		}
		close(done)
	}()

	wg.Wait()
	<-done

	if drained != want {
		t.Fatalf("drained %d tokens, want %d", drained, want)
	}
}
