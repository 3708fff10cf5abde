// Package memio is the single seam every subsystem that touches raw memory
// goes through: page tables (internal/vmm), heap allocation headers
// (internal/heap), and E1000 DMA rings/buffers (internal/e1000) all read and
// write through a Memory value instead of a bare unsafe.Pointer field.
//
// The same page-table walker, heap allocator, and DMA ring code runs
// unchanged against HostMemory (real hardware, addresses interpreted as
// bare virtual addresses in the kernel's single address space) and
// FakeMemory (a sparse map, used by every _test.go in this module).
package memio

// Memory is byte-addressable storage with fixed-width accessors matching
// the widths the kernel core actually needs: bytes (FAT16 sectors, E1000
// buffers), words (ATA IDENTIFY), dwords (page-table-adjacent registers),
// and qwords (page table entries).
type Memory interface {
	Read8(addr uintptr) uint8
	Write8(addr uintptr, v uint8)
	Read16(addr uintptr) uint16
	Write16(addr uintptr, v uint16)
	Read32(addr uintptr) uint32
	Write32(addr uintptr, v uint32)
	Read64(addr uintptr) uint64
	Write64(addr uintptr, v uint64)

	// ReadBytes/WriteBytes move a contiguous run; used for packet and
	// sector buffer copies.
	ReadBytes(addr uintptr, buf []byte)
	WriteBytes(addr uintptr, buf []byte)

	// Zero fills n bytes starting at addr with zero, used when a fresh
	// page-table node or DMA buffer must start clean.
	Zero(addr uintptr, n int)
}
