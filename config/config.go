// Package config loads runtime configuration for a HiCR deployment from
// HICR_*-prefixed environment variables, following the same struct-of-
// defaults-then-override shape kernel/core/mesh/transport uses for its
// TransportConfig.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/hicr-go/hicr/core/herr"
)

// Runtime holds the knobs a backend and its channels are built from.
type Runtime struct {
	// DefaultMemorySpaceSize bounds a freshly discovered memory space when
	// the topology backend does not report one of its own.
	DefaultMemorySpaceSize uint64
	// ChannelTokenCapacity is the default fixed-size channel capacity used
	// by cmd/hicr-demo when none is given explicitly.
	ChannelTokenCapacity uint64
	// PointToPointFenceTimeout bounds how long FencePointToPoint spins
	// before giving up with a FenceFailure.
	PointToPointFenceTimeout time.Duration
	// UseNativeMemorySpace makes cmd/hicr-demo back its token buffer with
	// an mmap region (see backend/sharedmemory/native_unix.go) instead of a
	// Go-heap slot, on builds that include that file.
	UseNativeMemorySpace bool
	// MetricsAddr, if non-empty, is the address a Prometheus HTTP exporter
	// should listen on.
	MetricsAddr string
}

// Default returns the built-in defaults, used when an environment
// variable is absent.
func Default() Runtime {
	return Runtime{
		DefaultMemorySpaceSize:   1 << 30, // 1 GiB
		ChannelTokenCapacity:     1024,
		PointToPointFenceTimeout: 5 * time.Second,
		UseNativeMemorySpace:     false,
		MetricsAddr:              "",
	}
}

// FromEnvironment returns Default() with any set HICR_* variable applied
// on top. Recognized variables:
//
//	HICR_MEMORY_SPACE_SIZE_BYTES   uint64
//	HICR_CHANNEL_TOKEN_CAPACITY    uint64
//	HICR_FENCE_TIMEOUT_MS          uint64
//	HICR_USE_MMAP                  "1" or "true"
//	HICR_METRICS_ADDR              string
//
// It returns an error naming the first malformed variable it finds.
func FromEnvironment() (Runtime, error) {
	const op = "config.FromEnvironment"
	cfg := Default()

	if v, ok := os.LookupEnv("HICR_MEMORY_SPACE_SIZE_BYTES"); ok {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return Runtime{}, herr.Wrap(herr.InvalidArgument, op, "HICR_MEMORY_SPACE_SIZE_BYTES is not a valid uint64", err)
		}
		cfg.DefaultMemorySpaceSize = n
	}

	if v, ok := os.LookupEnv("HICR_CHANNEL_TOKEN_CAPACITY"); ok {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return Runtime{}, herr.Wrap(herr.InvalidArgument, op, "HICR_CHANNEL_TOKEN_CAPACITY is not a valid uint64", err)
		}
		cfg.ChannelTokenCapacity = n
	}

	if v, ok := os.LookupEnv("HICR_FENCE_TIMEOUT_MS"); ok {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return Runtime{}, herr.Wrap(herr.InvalidArgument, op, "HICR_FENCE_TIMEOUT_MS is not a valid uint64", err)
		}
		cfg.PointToPointFenceTimeout = time.Duration(n) * time.Millisecond
	}

	if v, ok := os.LookupEnv("HICR_USE_MMAP"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return Runtime{}, herr.Wrap(herr.InvalidArgument, op, "HICR_USE_MMAP is not a valid bool", err)
		}
		cfg.UseNativeMemorySpace = b
	}

	if v, ok := os.LookupEnv("HICR_METRICS_ADDR"); ok {
		cfg.MetricsAddr = v
	}

	return cfg, nil
}
