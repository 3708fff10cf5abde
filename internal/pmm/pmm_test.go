package pmm_test

import (
	"testing"

	"github.com/cgos-go/kernel/internal/pmm"
)

func TestAllocFrameBasic(t *testing.T) {
	a := pmm.New(0x100000, 64*1024*1024)
	if got := a.TotalBytes(); got != 64*1024*1024 {
		t.Fatalf("TotalBytes() = %d, want %d", got, 64*1024*1024)
	}
	if a.FreeBytes() != a.TotalBytes() {
		t.Fatalf("FreeBytes() = %d, want %d", a.FreeBytes(), a.TotalBytes())
	}

	f1, ok := a.AllocFrame()
	if !ok {
		t.Fatal("first AllocFrame failed")
	}
	if f1 != 0x100000 {
		t.Errorf("first frame = %#x, want 0x100000", f1)
	}

	f2, ok := a.AllocFrame()
	if !ok {
		t.Fatal("second AllocFrame failed")
	}
	if f2 != 0x101000 {
		t.Errorf("second frame = %#x, want 0x101000", f2)
	}

	if got, want := a.FreeBytes(), a.TotalBytes()-2*pmm.FrameSize; got != want {
		t.Errorf("FreeBytes() = %d, want %d", got, want)
	}
}

func TestAllocFreeRoundTrip(t *testing.T) {
	// Alloc then free must return the allocator to an equivalent state
	// (same free-bit count).
	a := pmm.New(0x100000, 16*pmm.FrameSize)
	before := a.FreeBytes()

	addr, ok := a.AllocFrame()
	if !ok {
		t.Fatal("AllocFrame failed")
	}
	a.FreeFrame(addr)

	if got := a.FreeBytes(); got != before {
		t.Errorf("FreeBytes() = %d after round trip, want %d", got, before)
	}
}

func TestExhaustion(t *testing.T) {
	a := pmm.New(0, 4*pmm.FrameSize)
	for i := 0; i < 4; i++ {
		if _, ok := a.AllocFrame(); !ok {
			t.Fatalf("AllocFrame %d failed before exhaustion", i)
		}
	}
	if _, ok := a.AllocFrame(); ok {
		t.Error("allocator must return false, never panic, when exhausted")
	}
}

func TestAllocContiguous(t *testing.T) {
	a := pmm.New(0, 16*pmm.FrameSize)
	a.AllocFrame() // 0
	a.AllocFrame() // 1
	f2, _ := a.AllocFrame()
	a.FreeFrame(f2)
	a.AllocFrame()

	base, ok := a.AllocContiguous(4)
	if !ok {
		t.Fatal("AllocContiguous(4) failed")
	}
	if uint64(base)%pmm.FrameSize != 0 {
		t.Errorf("contiguous base %#x is not frame aligned", base)
	}
}

func TestAllocContiguousFailsWhenNoRunFits(t *testing.T) {
	a := pmm.New(0, 4*pmm.FrameSize)
	if _, ok := a.AllocFrame(); !ok {
		t.Fatal("AllocFrame failed")
	}

	if _, ok := a.AllocContiguous(4); ok {
		t.Error("AllocContiguous(4) should fail with only 3 frames free")
	}
}

func TestFreeOutsideRegionIsIgnored(t *testing.T) {
	a := pmm.New(0x100000, 4*pmm.FrameSize)
	before := a.FreeBytes()
	a.FreeFrame(0xDEADB000) // nowhere near the managed region
	if got := a.FreeBytes(); got != before {
		t.Errorf("FreeBytes() = %d after out-of-region free, want %d", got, before)
	}
}

func TestDoubleFreeIsIdempotent(t *testing.T) {
	a := pmm.New(0, 4*pmm.FrameSize)
	addr, _ := a.AllocFrame()
	a.FreeFrame(addr)
	before := a.FreeBytes()
	a.FreeFrame(addr) // already free; must not double-credit
	if got := a.FreeBytes(); got != before {
		t.Errorf("FreeBytes() = %d after double free, want %d", got, before)
	}
}

func TestReserveRegion(t *testing.T) {
	a := pmm.New(0, 16*pmm.FrameSize)
	// Reserve a sub-frame range; it should round outward to cover the frame.
	a.ReserveRegion(100, 10)
	if a.UsedBytes() < pmm.FrameSize {
		t.Errorf("UsedBytes() = %d, want at least one frame", a.UsedBytes())
	}

	// A frame inside the reservation can no longer be handed out as free.
	addr, ok := a.AllocFrame()
	if !ok {
		t.Fatal("AllocFrame failed")
	}
	if addr == 0 {
		t.Error("allocated frame overlaps the reserved frame 0")
	}
}

func TestBitSetIffFrameHeld(t *testing.T) {
	// A bitmap bit is set iff the frame is allocated or reserved.
	a := pmm.New(0, 8*pmm.FrameSize)
	a.ReserveRegion(2*pmm.FrameSize, pmm.FrameSize)

	seen := map[uintptr]bool{}
	for {
		addr, ok := a.AllocFrame()
		if !ok {
			break
		}
		if seen[addr] {
			t.Fatalf("frame %#x handed out twice while still held", addr)
		}
		seen[addr] = true
	}
	// Every frame should now be accounted for (reserved one + user allocs).
	if got := a.FreeBytes(); got != 0 {
		t.Errorf("FreeBytes() = %d after exhausting, want 0", got)
	}
}
