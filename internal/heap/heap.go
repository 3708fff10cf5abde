// Package heap is the kernel-heap allocator: page-granular, layered on the
// PMM and the VMM's kernel-heap arena. Every allocation is a fresh run of
// kernel pages prefixed with a {size, magic, prev, next} header linking it
// into one process-wide doubly-linked active-allocation list; freeing
// unlinks the header and returns the whole run to the arena. The header
// carries a magic number so a stomped or double-freed header is caught at
// free time, and all header accesses go through memio.Memory rather than
// raw pointers.
package heap

import (
	"github.com/cgos-go/kernel/internal/memio"
)

// Magic tags a live allocation's header; Free clears it so a second free of
// the same pointer is caught as corruption.
const Magic uint32 = 0xDEADBEEF

// ArenaSize is the fixed size of the kernel heap arena.
const ArenaSize uint64 = 64 * 1024 * 1024

const pageSize = 4096

// headerSize is the on-arena byte layout prefixed to every allocation:
//
//	0   size  uint64  (whole run length in bytes, header included, page-rounded)
//	8   magic uint32
//	12  _pad  uint32
//	16  prev  uint64  (virtual address of previous header, 0 if none)
//	24  next  uint64  (virtual address of next header, 0 if none)
const headerSize = 32

// PageSource is the subset of vmm.VMM the heap allocates backing pages
// from.
type PageSource interface {
	AllocKernelPages(n int) (uintptr, bool)
	FreeKernelPages(virt uintptr)
}

// Heap hands out header-tagged page runs and tracks them in a doubly-linked
// active-allocation list.
type Heap struct {
	mem   memio.Memory
	pages PageSource

	head  uintptr // most recently allocated header, 0 if none
	used  uint64  // bytes held by active allocations, headers included
	count int
}

// New returns an empty Heap over the given page source. The caller must
// have initialized the source's arena (vmm.InitHeapArena) first.
func New(mem memio.Memory, pages PageSource) *Heap {
	return &Heap{mem: mem, pages: pages}
}

func (h *Heap) writeHeader(addr uintptr, size uint64, magic uint32, prev, next uintptr) {
	h.mem.Write64(addr, size)
	h.mem.Write32(addr+8, magic)
	h.mem.Write32(addr+12, 0)
	h.mem.Write64(addr+16, uint64(prev))
	h.mem.Write64(addr+24, uint64(next))
}

func (h *Heap) headerSizeField(addr uintptr) uint64  { return h.mem.Read64(addr) }
func (h *Heap) headerMagic(addr uintptr) uint32      { return h.mem.Read32(addr + 8) }
func (h *Heap) headerPrev(addr uintptr) uintptr      { return uintptr(h.mem.Read64(addr + 16)) }
func (h *Heap) headerNext(addr uintptr) uintptr      { return uintptr(h.mem.Read64(addr + 24)) }
func (h *Heap) setHeaderPrev(addr, prev uintptr)     { h.mem.Write64(addr+16, uint64(prev)) }
func (h *Heap) setHeaderNext(addr, next uintptr)     { h.mem.Write64(addr+24, uint64(next)) }
func (h *Heap) setHeaderMagic(addr uintptr, m uint32) { h.mem.Write32(addr+8, m) }

// Alloc returns size bytes of zero-initialized memory, or (0, false) if the
// arena (or physical memory) is exhausted. The returned address is the data
// area immediately after the run's header.
func (h *Heap) Alloc(size uint32) (uintptr, bool) {
	if size == 0 {
		return 0, false
	}
	total := uint64(headerSize) + uint64(size)
	pages := int((total + pageSize - 1) / pageSize)

	virt, ok := h.pages.AllocKernelPages(pages)
	if !ok {
		return 0, false
	}
	runBytes := uint64(pages) * pageSize

	h.writeHeader(virt, runBytes, Magic, 0, h.head)
	if h.head != 0 {
		h.setHeaderPrev(h.head, virt)
	}
	h.head = virt
	h.used += runBytes
	h.count++

	dataAddr := virt + headerSize
	h.mem.Zero(dataAddr, int(size))
	return dataAddr, true
}

// Free returns a previously allocated pointer's whole run to the arena. It
// reports false (and changes nothing) if ptr's header's magic does not
// match, which means a double free or an overrun stomped the header.
// Corruption is a caller-visible failure, never a halt.
func (h *Heap) Free(ptr uintptr) bool {
	if ptr == 0 {
		return true
	}
	addr := ptr - headerSize
	if h.headerMagic(addr) != Magic {
		return false
	}

	prev := h.headerPrev(addr)
	next := h.headerNext(addr)
	if prev != 0 {
		h.setHeaderNext(prev, next)
	} else {
		h.head = next
	}
	if next != 0 {
		h.setHeaderPrev(next, prev)
	}

	h.used -= h.headerSizeField(addr)
	h.count--
	h.setHeaderMagic(addr, 0)
	h.pages.FreeKernelPages(addr)
	return true
}

// UsedBytes is the total bytes held by active allocations, headers and
// page-rounding included.
func (h *Heap) UsedBytes() uint64 { return h.used }

// Count is the number of active allocations.
func (h *Heap) Count() int { return h.count }

// CheckMagics walks the active-allocation list and reports whether every
// reachable header still carries Magic.
func (h *Heap) CheckMagics() bool {
	for addr := h.head; addr != 0; addr = h.headerNext(addr) {
		if h.headerMagic(addr) != Magic {
			return false
		}
	}
	return true
}
