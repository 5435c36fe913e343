//go:build !js && !wasm

package main

import (
	"os"
	"path/filepath"

	"github.com/hicr-go/hicr/backend/sharedmemory"
	"github.com/hicr-go/hicr/core/memory"
)

// openTokenBuffer backs the consumer's token buffer with a real
// memory-mapped file when useNative is set (HICR_USE_MMAP=1), instead of
// a Go-heap slot.
func openTokenBuffer(mm *memory.Manager, space *memory.Space, useNative bool, size uint64) (*memory.LocalSlot, func(), error) {
	if !useNative {
		slot, err := mm.AllocateLocalMemorySlot(space, size)
		return slot, func() {}, err
	}

	dir, err := os.MkdirTemp("", "hicr-demo-")
	if err != nil {
		return nil, func() {}, err
	}
	region, err := sharedmemory.OpenNativeRegion(filepath.Join(dir, "tokens"), size, true)
	if err != nil {
		_ = os.RemoveAll(dir)
		return nil, func() {}, err
	}

	slot, err := mm.RegisterLocalMemorySlot(space, region.Bytes())
	cleanup := func() {
		_ = region.Close()
		_ = os.RemoveAll(dir)
	}
	if err != nil {
		cleanup()
		return nil, func() {}, err
	}
	return slot, cleanup, nil
}
