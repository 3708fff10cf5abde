// Package pmm is the physical frame allocator: one bit per 4 KiB frame over
// the single largest usable region the bootloader reported. First-fit
// linear scan for single frames, first-fit run scan for contiguous runs,
// and a region-reservation pass that marks bootloader-reserved ranges (and
// the bitmap's own storage) used without ever double counting them.
package pmm

import "math/bits"

// FrameSize is the frame granularity the whole core assumes.
const FrameSize = 4096

// Allocator owns one contiguous region's frame bitmap. The zero value is not
// usable; construct with New.
type Allocator struct {
	base       uintptr // physical address of frame 0
	frameCount uint64
	bitmap     []uint64 // one bit per frame, 1 == in use

	reserved uint64 // bytes reserved outside of user alloc/free accounting
	usedUser uint64 // bytes currently held by alloc_frame/alloc_contiguous
}

// New creates an allocator managing [base, base+length) in FrameSize chunks.
// Partial trailing frames are dropped. The bitmap itself lives in ordinary
// Go memory (in a hosted build) or in a region the caller has already set
// aside (on real hardware, immediately past the kernel image); either way
// the caller is responsible for reserving that storage with ReserveRegion
// if it physically overlaps the managed region.
func New(base uintptr, length uint64) *Allocator {
	frames := length / FrameSize
	words := (frames + 63) / 64
	return &Allocator{
		base:       base,
		frameCount: frames,
		bitmap:     make([]uint64, words),
	}
}

// TotalBytes is the size of the managed region.
func (a *Allocator) TotalBytes() uint64 { return a.frameCount * FrameSize }

// UsedBytes is reserved-region bytes plus bytes handed out through Alloc*.
func (a *Allocator) UsedBytes() uint64 { return a.reserved + a.usedUser }

// FreeBytes is TotalBytes minus UsedBytes, read directly off the bitmap so
// it stays correct even if the accounting counters ever drift.
func (a *Allocator) FreeBytes() uint64 {
	return a.freeFrameCount() * FrameSize
}

func (a *Allocator) freeFrameCount() uint64 {
	var used uint64
	for i, word := range a.bitmap {
		validBits := uint64(64)
		if i == len(a.bitmap)-1 {
			if tail := a.frameCount - uint64(i)*64; tail < 64 {
				validBits = tail
				word &= (uint64(1) << validBits) - 1
			}
		}
		used += uint64(bits.OnesCount64(word))
	}
	return a.frameCount - used
}

func (a *Allocator) frameIndex(addr uintptr) (uint64, bool) {
	if addr < a.base {
		return 0, false
	}
	off := uint64(addr - a.base)
	if off%FrameSize != 0 {
		return 0, false
	}
	idx := off / FrameSize
	if idx >= a.frameCount {
		return 0, false
	}
	return idx, true
}

func (a *Allocator) set(idx uint64)      { a.bitmap[idx/64] |= 1 << (idx % 64) }
func (a *Allocator) clear(idx uint64)    { a.bitmap[idx/64] &^= 1 << (idx % 64) }
func (a *Allocator) isSet(idx uint64) bool {
	return a.bitmap[idx/64]&(1<<(idx%64)) != 0
}

func (a *Allocator) frameAddr(idx uint64) uintptr {
	return a.base + uintptr(idx*FrameSize)
}

// AllocFrame returns one free frame's physical address, or (0, false) if the
// region is exhausted. First-fit linear scan, never panics.
func (a *Allocator) AllocFrame() (uintptr, bool) {
	for idx := uint64(0); idx < a.frameCount; idx++ {
		if !a.isSet(idx) {
			a.set(idx)
			a.usedUser += FrameSize
			return a.frameAddr(idx), true
		}
	}
	return 0, false
}

// AllocContiguous returns the base of a run of n free, contiguous frames, or
// (0, false) if no such run exists.
func (a *Allocator) AllocContiguous(n uint64) (uintptr, bool) {
	if n == 0 {
		return 0, false
	}
	var runStart uint64
	var runLen uint64
	for idx := uint64(0); idx < a.frameCount; idx++ {
		if a.isSet(idx) {
			runLen = 0
			continue
		}
		if runLen == 0 {
			runStart = idx
		}
		runLen++
		if runLen == n {
			for i := runStart; i < runStart+n; i++ {
				a.set(i)
			}
			a.usedUser += n * FrameSize
			return a.frameAddr(runStart), true
		}
	}
	return 0, false
}

// FreeFrame releases a single frame. Freeing an address outside the managed
// region, or one that is already free, is silently ignored, so a second
// free after module cleanup stays harmless.
func (a *Allocator) FreeFrame(addr uintptr) {
	idx, ok := a.frameIndex(addr)
	if !ok || !a.isSet(idx) {
		return
	}
	a.clear(idx)
	if a.usedUser >= FrameSize {
		a.usedUser -= FrameSize
	}
}

// FreeContiguous releases n frames starting at addr.
func (a *Allocator) FreeContiguous(addr uintptr, n uint64) {
	for i := uint64(0); i < n; i++ {
		a.FreeFrame(addr + uintptr(i*FrameSize))
	}
}

// ReserveRegion marks every frame overlapping [base, base+length) as in use
// without charging it to user-allocation accounting, for the bootloader's
// reserved memory-map entries and the bitmap's own backing storage. Base and
// length are rounded outward to frame boundaries. Addresses outside the
// managed region are ignored.
func (a *Allocator) ReserveRegion(base uintptr, length uint64) {
	if length == 0 {
		return
	}
	alignedBase := base &^ (FrameSize - 1)
	end := uint64(base) + length
	alignedEnd := (end + FrameSize - 1) &^ (FrameSize - 1)

	for addr := alignedBase; uint64(addr) < alignedEnd; addr += FrameSize {
		idx, ok := a.frameIndex(addr)
		if !ok {
			continue
		}
		if !a.isSet(idx) {
			a.set(idx)
			a.reserved += FrameSize
		}
	}
}

// Contains reports whether addr falls within the region this allocator
// manages.
func (a *Allocator) Contains(addr uintptr) bool {
	_, ok := a.frameIndex(addr)
	return ok
}
