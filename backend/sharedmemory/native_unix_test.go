//go:build !js && !wasm

package sharedmemory

import (
	"path/filepath"
	"testing"
)

func TestOpenNativeRegionRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "region")

	region, err := OpenNativeRegion(path, 4096, true)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer region.Close()

	data := region.Bytes()
	if len(data) != 4096 {
		t.Fatalf("len(data) = %d, want 4096", len(data))
	}
	data[0] = 0xAB

	reopened, err := OpenNativeRegion(path, 0, false)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	if reopened.Bytes()[0] != 0xAB {
		t.Fatalf("expected reopened region to see the write made through the first mapping")
	}
}

func TestOpenNativeRegionRejectsZeroSizeCreate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "region")
	if _, err := OpenNativeRegion(path, 0, true); err == nil {
		t.Fatalf("expected an error creating a zero-size region")
	}
}
