package herr

import (
	"errors"
	"testing"
)

func TestNewAndWithContext(t *testing.T) {
	err := New(NotFound, "comm.GetGlobalMemorySlot", "no such tag/key").WithContext("tag", uint64(7))

	if err.Kind != NotFound {
		t.Fatalf("kind = %v, want NotFound", err.Kind)
	}
	if err.Context["tag"] != uint64(7) {
		t.Fatalf("context tag = %v, want 7", err.Context["tag"])
	}
}

func TestIsMatchesKind(t *testing.T) {
	err := New(OutOfResource, "memory.Allocate", "no room")

	if !errors.Is(err, OutOfResource) {
		t.Fatalf("expected errors.Is to match Kind")
	}
	if errors.Is(err, NotFound) {
		t.Fatalf("expected errors.Is to reject a different Kind")
	}
}

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("underlying")
	err := Wrap(InvalidArgument, "op", "bad", cause)

	if !errors.Is(err, cause) {
		t.Fatalf("expected Unwrap chain to reach cause")
	}
}

func TestFatalPanics(t *testing.T) {
	defer func() {
		r := recover()
		if r == nil {
			t.Fatalf("expected Fatal to panic")
		}
		e, ok := r.(*Error)
		if !ok {
			t.Fatalf("expected panic value to be *Error, got %T", r)
		}
		if e.Kind != DepthViolation {
			t.Fatalf("kind = %v, want DepthViolation", e.Kind)
		}
	}()
	Fatal(DepthViolation, "circular.AdvanceHead", "would exceed capacity", map[string]any{"n": 3})
}
