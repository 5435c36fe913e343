package nonlocking

import (
	"sync"
	"testing"

	"github.com/hicr-go/hicr/backend/sharedmemory"
	"github.com/hicr-go/hicr/channel/fixedsize/spsc"
	"github.com/hicr-go/hicr/core/comm"
	"github.com/hicr-go/hicr/core/coordination"
	"github.com/hicr-go/hicr/core/memory"
	"github.com/hicr-go/hicr/core/topology"
)

const tag = 1

func buildChannel(t *testing.T, producerCount int, capacityPerShard, tokenSize uint64) (*Consumer, []*Producer, *memory.Manager, *topology.MemorySpace) {
	t.Helper()

	space := topology.NewMemorySpace("ram", 1<<20)
	mm := memory.NewManager()
	mm.Own(space)
	cm := sharedmemory.NewManager()

	producers := make([]*Producer, producerCount)
	consumers := make([]*spsc.Consumer, producerCount)

	for i := 0; i < producerCount; i++ {
		producerCoord, err := mm.AllocateLocalMemorySlot(space, coordination.Size)
		if err != nil {
			t.Fatalf("allocate producer %d coordination: %v", i, err)
		}
		consumerCoord, err := mm.AllocateLocalMemorySlot(space, coordination.Size)
		if err != nil {
			t.Fatalf("allocate shard %d coordination: %v", i, err)
		}
		tokenBuffer, err := mm.AllocateLocalMemorySlot(space, capacityPerShard*tokenSize)
		if err != nil {
			t.Fatalf("allocate shard %d token buffer: %v", i, err)
		}

		keyBase := uint64(i * 10)
		err = cm.ExchangeGlobalMemorySlots(tag, []comm.ExchangeEntry{
			{Key: keyBase + 1, Local: producerCoord},
			{Key: keyBase + 2, Local: consumerCoord},
			{Key: keyBase + 3, Local: tokenBuffer},
		})
		if err != nil {
			t.Fatalf("exchange shard %d: %v", i, err)
		}
		if err := cm.Fence(tag); err != nil {
			t.Fatalf("fence shard %d: %v", i, err)
		}

		producerCoordGlobal, err := cm.GetGlobalMemorySlot(tag, keyBase+1)
		if err != nil {
			t.Fatalf("resolve producer %d coordination: %v", i, err)
		}
		consumerCoordGlobal, err := cm.GetGlobalMemorySlot(tag, keyBase+2)
		if err != nil {
			t.Fatalf("resolve shard %d coordination: %v", i, err)
		}
		tokenBufferGlobal, err := cm.GetGlobalMemorySlot(tag, keyBase+3)
		if err != nil {
			t.Fatalf("resolve shard %d token buffer: %v", i, err)
		}

		producer, err := NewProducer(cm, producerCoord, producerCoordGlobal, consumerCoordGlobal, tokenBufferGlobal, tokenSize, capacityPerShard)
		if err != nil {
			t.Fatalf("new producer %d: %v", i, err)
		}
		consumer, err := spsc.NewConsumer(cm, consumerCoord, consumerCoordGlobal, producerCoordGlobal, tokenBuffer, tokenSize, capacityPerShard)
		if err != nil {
			t.Fatalf("new consumer shard %d: %v", i, err)
		}

		producers[i] = producer
		consumers[i] = consumer
	}

	fanIn, err := NewConsumer(consumers)
	if err != nil {
		t.Fatalf("new fan-in consumer: %v", err)
	}

	return fanIn, producers, mm, space
}

func TestRoundRobinFairness(t *testing.T) {
	const capacityPerShard = 4
	const tokenSize = 4
	const producerCount = 3

	consumer, producers, mm, space := buildChannel(t, producerCount, capacityPerShard, tokenSize)

	for i, p := range producers {
		tok, err := mm.RegisterLocalMemorySlot(space, make([]byte, tokenSize))
		if err != nil {
			t.Fatalf("register token: %v", err)
		}
		tok.Data[0] = byte(i)
		ok, err := p.Push(tok)
		if err != nil {
			t.Fatalf("push from producer %d: %v", i, err)
		}
		if !ok {
			t.Fatalf("expected push from producer %d to succeed", i)
		}
	}

	seen := make([]byte, 0, producerCount)
	for i := 0; i < producerCount; i++ {
		token, shardIndex, ok, err := consumer.Peek()
		if err != nil {
			t.Fatalf("peek: %v", err)
		}
		if !ok {
			t.Fatalf("expected a token at round %d", i)
		}
		seen = append(seen, token[0])
		if _, err := consumer.Pop(shardIndex); err != nil {
			t.Fatalf("pop: %v", err)
		}
	}

	for i, b := range seen {
		if int(b) != i {
			t.Fatalf("round-robin order = %v, want sequential producer indices", seen)
		}
	}
}

func TestConcurrentProducersAllDrained(t *testing.T) {
	const capacityPerShard = 8
	const tokenSize = 4
	const producerCount = 4
	const pushesPerProducer = 40

	consumer, producers, mm, space := buildChannel(t, producerCount, capacityPerShard, tokenSize)

	var wg sync.WaitGroup
	for i, p := range producers {
		wg.Add(1)
		go func(idx int, p *Producer) {
			defer wg.Done()
			sent := 0
			for sent < pushesPerProducer {
				tok, err := mm.RegisterLocalMemorySlot(space, make([]byte, tokenSize))
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
			if _, shardIndex, ok, err := consumer.Peek(); err == nil && ok {
				if popped, err := consumer.Pop(shardIndex); err == nil && popped {
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
