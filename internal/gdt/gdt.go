// Package gdt builds the five-descriptor GDT plus the 64-bit TSS and loads
// it via the asm package's lgdt/ltr wrappers. The layout is the standard
// long-mode one: null, kernel code, kernel data, user code, user data,
// then a 16-byte TSS descriptor at selector 0x28.
package gdt

import (
	"unsafe"

	"github.com/cgos-go/kernel/asm"
)

// Segment selectors, 8 bytes per descriptor.
const (
	SelectorNull       uint16 = 0x00
	SelectorKernelCode uint16 = 0x08
	SelectorKernelData uint16 = 0x10
	SelectorUserCode   uint16 = 0x18
	SelectorUserData   uint16 = 0x20
	SelectorTSS        uint16 = 0x28
)

// Access byte bits.
const (
	accessPresent    uint8 = 1 << 7
	accessDPL0       uint8 = 0 << 5
	accessDPL3       uint8 = 3 << 5
	accessSegment    uint8 = 1 << 4 // descriptor type: 1 = code/data
	accessExecutable uint8 = 1 << 3
	accessRW         uint8 = 1 << 1
	accessTSSType    uint8 = 0x9 // 64-bit TSS (available)
)

// Flags nibble (packed into the high nibble of byte 6).
const (
	flagLong        uint8 = 1 << 5
	flagGranularity uint8 = 1 << 7
)

type entry struct {
	limitLow     uint16
	baseLow      uint16
	baseMid      uint8
	access       uint8
	flagsLimitHi uint8
	baseHigh     uint8
}

func newEntry(base, limit uint32, access, flags uint8) entry {
	return entry{
		limitLow:     uint16(limit & 0xFFFF),
		baseLow:      uint16(base & 0xFFFF),
		baseMid:      uint8((base >> 16) & 0xFF),
		access:       access,
		flagsLimitHi: uint8((limit>>16)&0x0F) | (flags & 0xF0),
		baseHigh:     uint8((base >> 24) & 0xFF),
	}
}

type tssDescriptor struct {
	limitLow     uint16
	baseLow      uint16
	baseMid      uint8
	access       uint8
	flagsLimitHi uint8
	baseHigh     uint8
	baseUpper    uint32
	reserved     uint32
}

// TSS is the 64-bit Task State Segment. Only RSP0 and the I/O permission
// bitmap offset are used; IST slots are reserved for future fault-stack use
// and currently left zero.
type TSS struct {
	reserved0 uint32
	RSP0      uint64
	rsp1      uint64
	rsp2      uint64
	reserved1 uint64
	ist       [7]uint64
	reserved2 uint64
	reserved3 uint16
	IOPBase   uint16
}

type table struct {
	entries [5]entry
	tssDesc tssDescriptor
}

// GDT owns the live descriptor table and TSS; both must stay resident for
// as long as the CPU has them loaded, so GDT is built once at boot and
// never moved.
type GDT struct {
	table table
	tss   TSS
}

// New builds (but does not yet load) a GDT with the standard five
// descriptors and a TSS descriptor pointing at the embedded TSS.
func New() *GDT {
	g := &GDT{}

	g.table.entries[0] = newEntry(0, 0, 0, 0)
	g.table.entries[1] = newEntry(0, 0xFFFFF,
		accessPresent|accessDPL0|accessSegment|accessExecutable|accessRW,
		flagLong|flagGranularity)
	g.table.entries[2] = newEntry(0, 0xFFFFF,
		accessPresent|accessDPL0|accessSegment|accessRW,
		flagGranularity)
	g.table.entries[3] = newEntry(0, 0xFFFFF,
		accessPresent|accessDPL3|accessSegment|accessExecutable|accessRW,
		flagLong|flagGranularity)
	g.table.entries[4] = newEntry(0, 0xFFFFF,
		accessPresent|accessDPL3|accessSegment|accessRW,
		flagGranularity)

	g.tss.IOPBase = uint16(unsafe.Sizeof(TSS{}))
	g.setTSSDescriptor()

	return g
}

func (g *GDT) setTSSDescriptor() {
	addr := uint64(uintptr(unsafe.Pointer(&g.tss)))
	size := uint32(unsafe.Sizeof(TSS{})) - 1
	g.table.tssDesc = tssDescriptor{
		limitLow:     uint16(size & 0xFFFF),
		baseLow:      uint16(addr & 0xFFFF),
		baseMid:      uint8((addr >> 16) & 0xFF),
		access:       accessPresent | accessTSSType,
		flagsLimitHi: uint8((size >> 16) & 0x0F),
		baseHigh:     uint8((addr >> 24) & 0xFF),
		baseUpper:    uint32(addr >> 32),
	}
}

// Load installs this GDT and TSS on the current CPU: lgdt, reload segment
// registers via a far return to kernel code, then ltr the TSS selector.
func (g *GDT) Load() {
	ptr := asm.NewDescriptorPtr(
		uint16(unsafe.Sizeof(g.table)-1),
		uint64(uintptr(unsafe.Pointer(&g.table))),
	)
	asm.Lgdt(&ptr)
	asm.ReloadSegments(SelectorKernelCode, SelectorKernelData)
	asm.Ltr(SelectorTSS)
}

// SetKernelStack updates RSP0, the stack the CPU switches to on any
// ring3->ring0 transition or interrupt taken while in the kernel. The
// scheduler calls this on every context switch so the next interrupt lands
// on the incoming thread's kernel stack.
func (g *GDT) SetKernelStack(rsp0 uintptr) {
	g.tss.RSP0 = uint64(rsp0)
}
