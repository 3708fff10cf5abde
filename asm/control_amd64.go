//go:build amd64

package asm

// DescriptorPtr is the 10-byte packed operand GDTR/IDTR loads take: a
// 16-bit limit followed by a 64-bit linear base. Go would pad an equivalent
// struct to 16 bytes, so the bytes are packed by hand via NewDescriptorPtr.
type DescriptorPtr [10]byte

// NewDescriptorPtr packs limit and base into the GDTR/IDTR load format.
func NewDescriptorPtr(limit uint16, base uint64) DescriptorPtr {
	var p DescriptorPtr
	p[0] = byte(limit)
	p[1] = byte(limit >> 8)
	for i := 0; i < 8; i++ {
		p[2+i] = byte(base >> (8 * uint(i)))
	}
	return p
}

// Lgdt loads the GDTR from the given descriptor pointer. Callers must follow
// with a far-return segment reload, which Go cannot express either; that
// reload is folded into ReloadSegments.
//
//go:noescape
func Lgdt(ptr *DescriptorPtr)

// ReloadSegments performs the far-return-based CS reload plus flat DS/ES/SS/
// FS/GS loads that must happen immediately after Lgdt, using the supplied
// code and data selectors.
//
//go:noescape
func ReloadSegments(codeSelector, dataSelector uint16)

// Ltr loads the task register with the given TSS selector.
//
//go:noescape
func Ltr(selector uint16)

// Lidt loads the IDTR from the given descriptor pointer.
//
//go:noescape
func Lidt(ptr *DescriptorPtr)

// EnableInterrupts executes STI.
//
//go:noescape
func EnableInterrupts()

// DisableInterrupts executes CLI.
//
//go:noescape
func DisableInterrupts()

// InterruptsEnabled reads RFLAGS.IF via pushfq.
//
//go:noescape
func InterruptsEnabled() bool

// Halt executes HLT once. Callers that want "halt forever" loop around it.
//
//go:noescape
func Halt()

// Invlpg invalidates the TLB entry for the given virtual address.
//
//go:noescape
func Invlpg(virt uintptr)

// ReadCR2 returns the faulting linear address recorded by the last #PF.
//
//go:noescape
func ReadCR2() uintptr

// ReadCR3 returns the current PML4 physical base.
//
//go:noescape
func ReadCR3() uintptr

// WriteCR3 loads a new PML4 physical base, flushing the (non-global) TLB.
//
//go:noescape
func WriteCR3(pml4Phys uintptr)

// Pause executes the PAUSE instruction, the spin-loop hint the spinlock
// and mutex/semaphore busy-waits rely on.
//
//go:noescape
func Pause()

// MemoryFence executes MFENCE (sequentially consistent fence).
//
//go:noescape
func MemoryFence()

// LoadFence executes LFENCE (acquire-side fence).
//
//go:noescape
func LoadFence()

// StoreFence executes SFENCE (release-side fence).
//
//go:noescape
func StoreFence()
