//go:build !js && !wasm

// Native-backed regions back a LocalSlot with a real memory-mapped file
// instead of the Go heap, so that HICR_USE_MMAP deployments can share a
// coordination buffer or token buffer across separate OS processes rather
// than goroutines within one. This plays the role
// kernel/threads/sab.SharedMemoryProvider plays for the teacher's shared
// array buffer emulation, rebuilt on golang.org/x/sys/unix instead of the
// syscall package directly.
package sharedmemory

import (
	"os"

	"golang.org/x/sys/unix"

	"github.com/hicr-go/hicr/core/herr"
)

// NativeRegion is a memory-mapped file usable as the backing store for
// memory.Manager.RegisterLocalMemorySlot.
type NativeRegion struct {
	path string
	file *os.File
	data []byte
}

// OpenNativeRegion opens (and, if create is true, creates and sizes) a
// memory-mapped region at path.
func OpenNativeRegion(path string, size uint64, create bool) (*NativeRegion, error) {
	const op = "sharedmemory.OpenNativeRegion"

	flags := os.O_RDWR
	if create {
		flags |= os.O_CREATE
	}
	file, err := os.OpenFile(path, flags, 0o600)
	if err != nil {
		return nil, herr.Wrap(herr.OutOfResource, op, "open native region file", err)
	}

	if create {
		if size == 0 {
			_ = file.Close()
			return nil, herr.New(herr.InvalidArgument, op, "size must be greater than zero when creating a region")
		}
		if err := file.Truncate(int64(size)); err != nil {
			_ = file.Close()
			return nil, herr.Wrap(herr.OutOfResource, op, "truncate native region file", err)
		}
	}

	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, herr.Wrap(herr.OutOfResource, op, "stat native region file", err)
	}
	if info.Size() == 0 {
		_ = file.Close()
		return nil, herr.New(herr.InvalidArgument, op, "native region file has zero size")
	}

	data, err := unix.Mmap(int(file.Fd()), 0, int(info.Size()), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		_ = file.Close()
		return nil, herr.Wrap(herr.OutOfResource, op, "mmap native region file", err)
	}

	return &NativeRegion{path: path, file: file, data: data}, nil
}

// Bytes returns the mapped region, suitable for
// memory.Manager.RegisterLocalMemorySlot.
func (r *NativeRegion) Bytes() []byte { return r.data }

// Path returns the filesystem path backing this region.
func (r *NativeRegion) Path() string { return r.path }

// Close unmaps the region and closes its backing file.
func (r *NativeRegion) Close() error {
	const op = "sharedmemory.NativeRegion.Close"

	var outer error
	if r.data != nil {
		if err := unix.Munmap(r.data); err != nil {
			outer = herr.Wrap(herr.OutOfResource, op, "munmap native region", err)
		}
		r.data = nil
	}
	if r.file != nil {
		if err := r.file.Close(); err != nil && outer == nil {
			outer = herr.Wrap(herr.OutOfResource, op, "close native region file", err)
		}
		r.file = nil
	}
	return outer
}
