// Command hicr-demo wires together a topology, a memory manager, the
// shared-memory communication backend, and a fixed-size SPSC channel to
// exercise the full push/peek/pop path end to end.
package main

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hicr-go/hicr/backend/sharedmemory"
	"github.com/hicr-go/hicr/channel/fixedsize/spsc"
	"github.com/hicr-go/hicr/config"
	"github.com/hicr-go/hicr/core/comm"
	"github.com/hicr-go/hicr/core/coordination"
	"github.com/hicr-go/hicr/core/memory"
	"github.com/hicr-go/hicr/core/topology"
)

const (
	tag              = 1
	keyProducerCoord = 1
	keyConsumerCoord = 2
	keyTokenBuffer   = 3
	tokenSize        = 8
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	cfg, err := config.FromEnvironment()
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	if cfg.MetricsAddr != "" {
		serveMetrics(logger, cfg.MetricsAddr)
	}

	topo := topology.New()
	space := topology.NewMemorySpace("host-ram", cfg.DefaultMemorySpaceSize)
	device := topology.NewDevice("cpu")
	device.ComputeResources = append(device.ComputeResources, topology.ComputeResource{"Type": "Core"})
	device.MemorySpaces = append(device.MemorySpaces, space)
	topo.AddDevice(device)

	serialized, err := topo.Serialize()
	if err != nil {
		logger.Error("serialize topology", "error", err)
		os.Exit(1)
	}
	logger.Info("discovered topology", "devices", len(topo.Devices()), "json", string(serialized))

	mm := memory.NewManager()
	mm.Own(space)
	cm := sharedmemory.NewManagerWithConfig(cfg)

	capacity := cfg.ChannelTokenCapacity

	producerCoord, err := mm.AllocateLocalMemorySlot(space, coordination.Size)
	must(logger, "allocate producer coordination", err)
	consumerCoord, err := mm.AllocateLocalMemorySlot(space, coordination.Size)
	must(logger, "allocate consumer coordination", err)
	tokenBuffer, cleanupTokenBuffer, err := openTokenBuffer(mm, space, cfg.UseNativeMemorySpace, capacity*tokenSize)
	must(logger, "allocate token buffer", err)
	defer cleanupTokenBuffer()

	err = cm.ExchangeGlobalMemorySlots(tag, []comm.ExchangeEntry{
		{Key: keyProducerCoord, Local: producerCoord},
		{Key: keyConsumerCoord, Local: consumerCoord},
		{Key: keyTokenBuffer, Local: tokenBuffer},
	})
	must(logger, "exchange global memory slots", err)
	must(logger, "fence", cm.Fence(tag))

	producerCoordGlobal, err := cm.GetGlobalMemorySlot(tag, keyProducerCoord)
	must(logger, "resolve producer coordination", err)
	consumerCoordGlobal, err := cm.GetGlobalMemorySlot(tag, keyConsumerCoord)
	must(logger, "resolve consumer coordination", err)
	tokenBufferGlobal, err := cm.GetGlobalMemorySlot(tag, keyTokenBuffer)
	must(logger, "resolve token buffer", err)

	producer, err := spsc.NewProducer(cm, producerCoord, producerCoordGlobal, consumerCoordGlobal, tokenBufferGlobal, tokenSize, capacity)
	must(logger, "new producer", err)
	consumer, err := spsc.NewConsumer(cm, consumerCoord, consumerCoordGlobal, producerCoordGlobal, tokenBuffer, tokenSize, capacity)
	must(logger, "new consumer", err)

	for i := uint64(0); i < capacity; i++ {
		payload := make([]byte, tokenSize)
		copy(payload, fmt.Sprintf("tok-%d", i))
		token, err := mm.RegisterLocalMemorySlot(space, payload)
		must(logger, "register token", err)

		ok, err := producer.Push(token)
		must(logger, "push", err)
		logger.Info("pushed token", "index", i, "accepted", ok)
	}

	for i := uint64(0); i < capacity; i++ {
		got, ok, err := consumer.Peek()
		must(logger, "peek", err)
		if !ok {
			logger.Warn("expected a token but channel was empty", "index", i)
			break
		}
		logger.Info("consumed token", "index", i, "payload", string(got))
		_, err = consumer.Pop()
		must(logger, "pop", err)
	}
}

// serveMetrics starts a background HTTP server exposing the
// backend/sharedmemory Prometheus counters at /metrics.
func serveMetrics(logger *slog.Logger, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil {
			logger.Error("metrics server stopped", "error", err)
		}
	}()
	logger.Info("serving metrics", "addr", addr)
}

func must(logger *slog.Logger, op string, err error) {
	if err != nil {
		logger.Error(op+" failed", "error", err)
		os.Exit(1)
	}
}
