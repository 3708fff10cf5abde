package bootinfo_test

import (
	"testing"

	"github.com/cgos-go/kernel/internal/bootinfo"
)

func TestValid(t *testing.T) {
	h := &bootinfo.Handoff{BaseRevision: bootinfo.SupportedBaseRevision}
	if !h.Valid() {
		t.Error("handoff with supported base revision should be valid")
	}

	h.BaseRevision = 999
	if h.Valid() {
		t.Error("handoff with unknown base revision should be invalid")
	}
}

func TestLargestUsableRegion(t *testing.T) {
	h := &bootinfo.Handoff{
		MemoryMap: []bootinfo.MemoryMapEntry{
			{Base: 0, Length: 0x1000, Type: bootinfo.Reserved},
			{Base: 0x100000, Length: 64 * 1024 * 1024, Type: bootinfo.Usable},
			{Base: 0x5000000, Length: 4096, Type: bootinfo.Usable},
		},
	}

	region, ok := h.LargestUsableRegion()
	if !ok {
		t.Fatal("expected a usable region")
	}
	if region.Base != 0x100000 {
		t.Errorf("region.Base = %#x, want 0x100000", region.Base)
	}
	if region.Length != 64*1024*1024 {
		t.Errorf("region.Length = %d, want %d", region.Length, 64*1024*1024)
	}
}

func TestLargestUsableRegionNone(t *testing.T) {
	h := &bootinfo.Handoff{MemoryMap: []bootinfo.MemoryMapEntry{{Type: bootinfo.Reserved, Length: 10}}}
	if _, ok := h.LargestUsableRegion(); ok {
		t.Error("expected no usable region in an all-reserved map")
	}
}

func TestPhysVirtRoundTrip(t *testing.T) {
	h := &bootinfo.Handoff{HHDMOffset: 0xFFFF800000000000}
	phys := uintptr(0x123000)
	virt := h.PhysToVirt(phys)
	if got := h.VirtToPhys(virt); got != phys {
		t.Errorf("VirtToPhys(PhysToVirt(%#x)) = %#x, want %#x", phys, got, phys)
	}
}
