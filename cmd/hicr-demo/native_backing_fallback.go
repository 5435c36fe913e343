//go:build js || wasm

package main

import "github.com/hicr-go/hicr/core/memory"

// openTokenBuffer falls back to a Go-heap slot on platforms with no native
// memory-mapped region implementation (backend/sharedmemory's NativeRegion
// is built only for !js && !wasm targets).
func openTokenBuffer(mm *memory.Manager, space *memory.Space, useNative bool, size uint64) (*memory.LocalSlot, func(), error) {
	slot, err := mm.AllocateLocalMemorySlot(space, size)
	return slot, func() {}, err
}
