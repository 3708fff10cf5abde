package heap_test

import (
	"testing"

	"github.com/cgos-go/kernel/internal/heap"
	"github.com/cgos-go/kernel/internal/memio"
	"github.com/cgos-go/kernel/internal/pmm"
	"github.com/cgos-go/kernel/internal/vmm"
)

const hhdm = uintptr(0xFFFF_8000_0000_0000)
const arenaBase = uintptr(0xFFFF_9000_0000_0000)

// newFixture backs the heap with a real VMM arena over fake memory, the
// same stack cmd/kernel wires at boot.
func newFixture(t *testing.T, arenaBytes uint64) (*heap.Heap, *vmm.VMM, *memio.FakeMemory) {
	t.Helper()
	frames := pmm.New(0x10_0000, 16*1024*1024)
	mem := memio.NewFake()

	pml4, ok := frames.AllocFrame()
	if !ok {
		t.Fatal("failed to allocate PML4 frame")
	}
	mem.Zero(pml4+hhdm, 4096)

	v := vmm.New(mem, frames, pml4, hhdm)
	v.InitHeapArena(arenaBase, arenaBytes)
	return heap.New(mem, v), v, mem
}

func TestAllocBasic(t *testing.T) {
	h, _, _ := newFixture(t, 1024*1024)

	ptr, ok := h.Alloc(128)
	if !ok {
		t.Fatal("Alloc failed")
	}
	if ptr == 0 {
		t.Error("Alloc returned a zero pointer")
	}
	if !h.CheckMagics() {
		t.Error("CheckMagics failed after one allocation")
	}
	if h.Count() != 1 {
		t.Errorf("Count() = %d, want 1", h.Count())
	}
}

func TestAllocFreeRoundTripRestoresCapacity(t *testing.T) {
	h, v, _ := newFixture(t, 1024*1024)
	before := v.ArenaFreeBytes()

	ptr, ok := h.Alloc(4096)
	if !ok {
		t.Fatal("Alloc failed")
	}
	if !h.Free(ptr) {
		t.Fatal("Free failed")
	}

	if got := v.ArenaFreeBytes(); got != before {
		t.Errorf("ArenaFreeBytes() = %d after round trip, want %d", got, before)
	}
	if h.UsedBytes() != 0 {
		t.Errorf("UsedBytes() = %d, want 0", h.UsedBytes())
	}
	if h.Count() != 0 {
		t.Errorf("Count() = %d, want 0", h.Count())
	}
}

func TestArenaFreePlusActiveAllocationsIsArenaSize(t *testing.T) {
	// Free arena bytes plus active allocation bytes (headers included)
	// always account for the arena's full extent.
	h, v, _ := newFixture(t, 1024*1024)

	h.Alloc(64)
	p2, _ := h.Alloc(4000)
	h.Alloc(1)

	if got := v.ArenaFreeBytes() + h.UsedBytes(); got != 1024*1024 {
		t.Errorf("free+used = %d, want %d", got, 1024*1024)
	}

	h.Free(p2)
	if got := v.ArenaFreeBytes() + h.UsedBytes(); got != 1024*1024 {
		t.Errorf("free+used = %d after a free, want %d", got, 1024*1024)
	}
}

func TestFreeDetectsCorruptedMagic(t *testing.T) {
	h, _, mem := newFixture(t, 1024*1024)

	ptr, ok := h.Alloc(32)
	if !ok {
		t.Fatal("Alloc failed")
	}

	mem.Write32(ptr-32+8, 0x12345678) // stomp the header's magic field directly

	if h.Free(ptr) {
		t.Error("a corrupted header must fail the free, not halt")
	}
}

func TestDoubleFreeIsRejected(t *testing.T) {
	h, _, _ := newFixture(t, 1024*1024)

	ptr, ok := h.Alloc(64)
	if !ok {
		t.Fatal("Alloc failed")
	}
	if !h.Free(ptr) {
		t.Fatal("first Free failed")
	}

	// Free cleared the header's magic, so the second free is caught.
	if h.Free(ptr) {
		t.Error("second Free of the same pointer should fail")
	}
	if !h.CheckMagics() {
		t.Error("CheckMagics failed after double-free attempt")
	}
}

func TestAllocatedDataIsZeroed(t *testing.T) {
	h, _, mem := newFixture(t, 1024*1024)

	p1, ok := h.Alloc(512)
	if !ok {
		t.Fatal("Alloc failed")
	}
	mem.WriteBytes(p1, []byte("leftover tenant data"))
	if !h.Free(p1) {
		t.Fatal("Free failed")
	}

	// Reallocate over the just-freed run; the data must come back zero even
	// though the previous tenant wrote to it.
	p2, ok := h.Alloc(512)
	if !ok {
		t.Fatal("second Alloc failed")
	}

	buf := make([]byte, 512)
	mem.ReadBytes(p2, buf)
	for i, b := range buf {
		if b != 0 {
			t.Fatalf("byte %d = %#x, want 0", i, b)
		}
	}
}

func TestExhaustionReturnsFalseNeverPanics(t *testing.T) {
	h, _, _ := newFixture(t, 2*4096) // a tiny arena

	if _, ok := h.Alloc(100000); ok {
		t.Error("Alloc should fail on a too-small arena")
	}
}

func TestManyAllocationsThenFreeAllCoalesces(t *testing.T) {
	h, v, _ := newFixture(t, 1024*1024)
	before := v.ArenaFreeBytes()

	var ptrs []uintptr
	for i := 0; i < 50; i++ {
		p, ok := h.Alloc(64)
		if !ok {
			t.Fatalf("Alloc %d failed", i)
		}
		ptrs = append(ptrs, p)
	}
	for i, p := range ptrs {
		if !h.Free(p) {
			t.Fatalf("Free %d failed", i)
		}
	}

	if got := v.ArenaFreeBytes(); got != before {
		t.Errorf("ArenaFreeBytes() = %d after freeing all, want %d", got, before)
	}
	if !h.CheckMagics() {
		t.Error("CheckMagics failed")
	}
	if h.Count() != 0 {
		t.Errorf("Count() = %d, want 0", h.Count())
	}
}
