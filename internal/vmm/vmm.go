// Package vmm is the four-level x86_64 page-table walker. It assumes the
// bootloader already enabled paging and published a PML4 plus an HHDM
// offset (internal/bootinfo.Handoff); the VMM extends that address space,
// it never replaces it. Every level is walked by translating a table's
// physical address to a virtual one through the HHDM offset and
// reading/writing through internal/memio.
package vmm

import (
	"github.com/cgos-go/kernel/internal/memio"
)

// Page table entry flags.
const (
	Present  uint64 = 1 << 0
	Writable uint64 = 1 << 1
	User     uint64 = 1 << 2
	PWT      uint64 = 1 << 3
	PCD      uint64 = 1 << 4
	NoExec   uint64 = 1 << 63

	physAddrMask uint64 = 0x000F_FFFF_FFFF_F000
)

const (
	entriesPerTable = 512
	entrySize       = 8
	tableBytes      = entriesPerTable * entrySize
	pageSize        = 4096
	pageShift       = 12

	pml4Shift = 39
	pdptShift = 30
	pdShift   = 21
	ptShift   = 12

	indexMask = 0x1FF
)

// MMIOWindowBase is the virtual base MapMMIO's bump allocator hands pages
// out from.
const MMIOWindowBase = uintptr(0xFFFF_FFFF_C000_0000)

// FrameAllocator is the subset of pmm.Allocator the VMM needs: a source of
// fresh page-table frames, with the ability to roll an allocation back.
type FrameAllocator interface {
	AllocFrame() (uintptr, bool)
	FreeFrame(addr uintptr)
}

// maxArenaRecords bounds the kernel-heap arena's {virt, size, free} record
// table.
const maxArenaRecords = 256

// arenaRecord is one run of kernel-heap virtual pages. Free records are
// unmapped address space; used records are backed by frames.
type arenaRecord struct {
	virt  uintptr
	pages int
	free  bool
}

// VMM owns one address space's PML4, the bump allocator backing map_mmio's
// virtual window, and the kernel-heap virtual arena's free-list.
type VMM struct {
	mem        memio.Memory
	frames     FrameAllocator
	hhdm       uintptr
	pml4Phys   uintptr
	mmioNext   uintptr

	arena      [maxArenaRecords]arenaRecord
	arenaCount int
}

// New constructs a VMM over an already-live PML4 at pml4Phys, given the
// HHDM offset from the boot handoff.
func New(mem memio.Memory, frames FrameAllocator, pml4Phys, hhdmOffset uintptr) *VMM {
	return &VMM{
		mem:      mem,
		frames:   frames,
		hhdm:     hhdmOffset,
		pml4Phys: pml4Phys,
		mmioNext: MMIOWindowBase,
	}
}

func (v *VMM) toVirt(phys uintptr) uintptr { return phys + v.hhdm }

func tableIndex(virt uintptr, shift uint) uint64 {
	return (uint64(virt) >> shift) & indexMask
}

// walk returns the physical address of the table at the given level for
// virt, allocating (and zeroing) missing intermediate tables when create is
// true. It records every table it allocates in created so a failure deeper
// in the walk can be rolled back by the caller. ok is false when a table is
// missing and create is false, or when create is true and an allocation
// failed.
func (v *VMM) walk(virt uintptr, create bool, created *[]rolledBack) (pdpt, pd, pt uintptr, ok bool) {
	next := func(tablePhys uintptr, idx uint64, parentIdx int) (uintptr, bool) {
		entryAddr := v.toVirt(tablePhys) + uintptr(idx*entrySize)
		entry := v.mem.Read64(entryAddr)
		if entry&Present != 0 {
			return uintptr(entry & physAddrMask), true
		}
		if !create {
			return 0, false
		}
		frame, allocated := v.frames.AllocFrame()
		if !allocated {
			return 0, false
		}
		v.mem.Zero(v.toVirt(frame), tableBytes)
		v.mem.Write64(entryAddr, uint64(frame)|Present|Writable|User)
		if created != nil {
			*created = append(*created, rolledBack{parentTable: tablePhys, index: idx, frame: frame})
		}
		return frame, true
	}

	pml4Idx := tableIndex(virt, pml4Shift)
	pdptPhys, ok := next(v.pml4Phys, pml4Idx, 0)
	if !ok {
		return 0, 0, 0, false
	}

	pdptIdx := tableIndex(virt, pdptShift)
	pdPhys, ok := next(pdptPhys, pdptIdx, 1)
	if !ok {
		return pdptPhys, 0, 0, false
	}

	pdIdx := tableIndex(virt, pdShift)
	ptPhys, ok := next(pdPhys, pdIdx, 2)
	if !ok {
		return pdptPhys, pdPhys, 0, false
	}

	return pdptPhys, pdPhys, ptPhys, true
}

type rolledBack struct {
	parentTable uintptr
	index       uint64
	frame       uintptr
}

func (v *VMM) rollback(created []rolledBack) {
	for i := len(created) - 1; i >= 0; i-- {
		c := created[i]
		entryAddr := v.toVirt(c.parentTable) + uintptr(c.index*entrySize)
		v.mem.Write64(entryAddr, 0)
		v.frames.FreeFrame(c.frame)
	}
}

// MapPage installs a single 4 KiB leaf mapping. On any frame-allocation
// failure while walking to the leaf, every table this call created is freed
// and its parent entry cleared before returning false, so no partial
// mapping is ever observable.
func (v *VMM) MapPage(phys, virt uintptr, flags uint64) bool {
	var created []rolledBack
	_, _, ptPhys, ok := v.walk(virt, true, &created)
	if !ok {
		v.rollback(created)
		return false
	}

	ptIdx := tableIndex(virt, ptShift)
	leafAddr := v.toVirt(ptPhys) + uintptr(ptIdx*entrySize)
	v.mem.Write64(leafAddr, uint64(phys&uintptr(physAddrMask))|flags)
	return true
}

// Unmap clears ⌈size/4096⌉ leaf entries starting at virt.
func (v *VMM) Unmap(virt uintptr, size uint64) {
	pages := (size + pageSize - 1) / pageSize
	for i := uint64(0); i < pages; i++ {
		va := virt + uintptr(i*pageSize)
		_, _, ptPhys, ok := v.walk(va, false, nil)
		if !ok {
			continue
		}
		ptIdx := tableIndex(va, ptShift)
		leafAddr := v.toVirt(ptPhys) + uintptr(ptIdx*entrySize)
		v.mem.Write64(leafAddr, 0)
	}
}

// PhysOf walks the tables without modification, returning the mapped
// physical address and true, or (0, false) if virt is unmapped.
func (v *VMM) PhysOf(virt uintptr) (uintptr, bool) {
	_, _, ptPhys, ok := v.walk(virt, false, nil)
	if !ok {
		return 0, false
	}
	ptIdx := tableIndex(virt, ptShift)
	leafAddr := v.toVirt(ptPhys) + uintptr(ptIdx*entrySize)
	entry := v.mem.Read64(leafAddr)
	if entry&Present == 0 {
		return 0, false
	}
	return uintptr(entry&physAddrMask) | (virt & (pageSize - 1)), true
}

// MapMMIO allocates ⌈size/4096⌉ virtual pages from the MMIO bump region and
// maps phys there uncached/write-through-disabled (Present|Writable|PCD|
// PWT), returning the virtual base.
func (v *VMM) MapMMIO(phys uintptr, size uint64) (uintptr, bool) {
	pages := (size + pageSize - 1) / pageSize
	base := v.mmioNext
	for i := uint64(0); i < pages; i++ {
		virt := base + uintptr(i*pageSize)
		p := (phys &^ (pageSize - 1)) + uintptr(i*pageSize)
		if !v.MapPage(p, virt, Present|Writable|PCD|PWT) {
			// Roll back everything mapped so far in this call.
			v.Unmap(base, i*pageSize)
			return 0, false
		}
	}
	v.mmioNext = base + uintptr(pages*pageSize)
	return base, true
}

// InitHeapArena declares [base, base+size) as the kernel-heap virtual
// arena, initially one all-free record. Nothing is mapped until
// AllocKernelPages carves runs out of it.
func (v *VMM) InitHeapArena(base uintptr, size uint64) {
	v.arena[0] = arenaRecord{virt: base, pages: int(size / pageSize), free: true}
	v.arenaCount = 1
}

// AllocKernelPages carves a run of n pages out of the heap arena
// (first-fit), allocates a fresh frame for each, and maps the run with
// Present|Writable, returning the virtual base. Any frame-allocation
// failure unmaps and frees everything this call did before returning
// failure.
func (v *VMM) AllocKernelPages(n int) (uintptr, bool) {
	if n <= 0 || v.arenaCount == 0 {
		return 0, false
	}

	slot := -1
	for i := 0; i < v.arenaCount; i++ {
		if v.arena[i].free && v.arena[i].pages >= n {
			slot = i
			break
		}
	}
	if slot < 0 {
		return 0, false
	}

	rec := &v.arena[slot]
	virt := rec.virt
	if rec.pages > n {
		if v.arenaCount >= maxArenaRecords {
			return 0, false
		}
		copy(v.arena[slot+2:v.arenaCount+1], v.arena[slot+1:v.arenaCount])
		v.arena[slot+1] = arenaRecord{virt: virt + uintptr(n*pageSize), pages: rec.pages - n, free: true}
		v.arenaCount++
		rec = &v.arena[slot]
	}
	rec.pages = n
	rec.free = false

	for i := 0; i < n; i++ {
		frame, ok := v.frames.AllocFrame()
		if ok {
			if v.MapPage(frame, virt+uintptr(i*pageSize), Present|Writable) {
				continue
			}
			v.frames.FreeFrame(frame)
		}
		v.releaseArenaRun(virt, i)
		return 0, false
	}
	return virt, true
}

// FreeKernelPages returns the run starting at virt to the arena, unmapping
// its pages and freeing their frames. A virt that does not start a used
// record is ignored.
func (v *VMM) FreeKernelPages(virt uintptr) {
	for i := 0; i < v.arenaCount; i++ {
		if !v.arena[i].free && v.arena[i].virt == virt {
			v.releaseArenaRun(virt, v.arena[i].pages)
			return
		}
	}
}

// releaseArenaRun unmaps mapped pages of a used record, frees their frames,
// and coalesces the record with adjacent free neighbors.
func (v *VMM) releaseArenaRun(virt uintptr, mappedPages int) {
	slot := -1
	for i := 0; i < v.arenaCount; i++ {
		if v.arena[i].virt == virt {
			slot = i
			break
		}
	}
	if slot < 0 {
		return
	}
	for i := 0; i < mappedPages; i++ {
		va := virt + uintptr(i*pageSize)
		if phys, ok := v.PhysOf(va); ok {
			v.Unmap(va, pageSize)
			v.frames.FreeFrame(phys &^ (pageSize - 1))
		}
	}
	v.arena[slot].free = true

	if slot+1 < v.arenaCount && v.arena[slot+1].free {
		v.arena[slot].pages += v.arena[slot+1].pages
		copy(v.arena[slot+1:v.arenaCount-1], v.arena[slot+2:v.arenaCount])
		v.arenaCount--
	}
	if slot > 0 && v.arena[slot-1].free {
		v.arena[slot-1].pages += v.arena[slot].pages
		copy(v.arena[slot:v.arenaCount-1], v.arena[slot+1:v.arenaCount])
		v.arenaCount--
	}
}

// ArenaFreeBytes sums the arena's free records; together with the heap's
// active allocation bytes it accounts for the arena's full extent.
func (v *VMM) ArenaFreeBytes() uint64 {
	var total uint64
	for i := 0; i < v.arenaCount; i++ {
		if v.arena[i].free {
			total += uint64(v.arena[i].pages) * pageSize
		}
	}
	return total
}
