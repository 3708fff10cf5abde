// Package idt builds and installs the 256-gate Interrupt Descriptor Table:
// vectors 0-31 are CPU exceptions, 32-47 are the PIC-remapped IRQs, and
// the remainder are spare. Each of vectors 0-47 lands in one assembly trampoline
// (idt_amd64.s) that saves general-purpose registers in a fixed order,
// calls Dispatch with a pointer to the saved frame, restores registers,
// and executes iretq.
//
// Frame has no RSP/SS fields: this kernel never runs code at a different
// privilege level than the one that was interrupted, so the CPU never
// pushes them.
package idt

import (
	"github.com/cgos-go/kernel/asm"
)

// Gate type/attribute bytes.
const (
	TypeInterruptGate uint8 = 0x8E
	TypeTrapGate      uint8 = 0x8F
)

// Exception vectors (0-31).
const (
	VectorDivideError         = 0
	VectorDebug               = 1
	VectorNMI                 = 2
	VectorBreakpoint          = 3
	VectorOverflow            = 4
	VectorBoundRangeExceeded  = 5
	VectorInvalidOpcode       = 6
	VectorDeviceNotAvailable  = 7
	VectorDoubleFault         = 8
	VectorInvalidTSS          = 10
	VectorSegmentNotPresent   = 11
	VectorStackSegmentFault   = 12
	VectorGeneralProtection   = 13
	VectorPageFault           = 14
	VectorX87FPUError         = 16
	VectorAlignmentCheck      = 17
	VectorMachineCheck        = 18
	VectorSIMDFPException     = 19
)

// IRQBase is the vector the PIC is remapped to land IRQ0 on; IRQ n arrives
// at vector IRQBase+n.
const IRQBase = 32

// Remapped IRQ vectors by device.
const (
	VectorIRQTimer        = IRQBase + 0
	VectorIRQKeyboard     = IRQBase + 1
	VectorIRQCascade      = IRQBase + 2
	VectorIRQCOM2         = IRQBase + 3
	VectorIRQCOM1         = IRQBase + 4
	VectorIRQPrimaryATA   = IRQBase + 14
	VectorIRQSecondaryATA = IRQBase + 15
)

const NumEntries = 256

// ExceptionNames indexes vector -> human-readable name for vectors 0-19;
// used only by the default exception handler's log line.
var ExceptionNames = map[int]string{
	VectorDivideError:        "divide error",
	VectorDebug:               "debug",
	VectorNMI:                "non-maskable interrupt",
	VectorBreakpoint:          "breakpoint",
	VectorOverflow:            "overflow",
	VectorBoundRangeExceeded:  "bound range exceeded",
	VectorInvalidOpcode:       "invalid opcode",
	VectorDeviceNotAvailable:  "device not available",
	VectorDoubleFault:         "double fault",
	VectorInvalidTSS:          "invalid TSS",
	VectorSegmentNotPresent:   "segment not present",
	VectorStackSegmentFault:   "stack segment fault",
	VectorGeneralProtection:   "general protection fault",
	VectorPageFault:           "page fault",
	VectorX87FPUError:         "x87 FPU error",
	VectorAlignmentCheck:      "alignment check",
	VectorMachineCheck:        "machine check",
	VectorSIMDFPException:     "SIMD floating-point exception",
}

// hasHardwareErrorCode lists the exception vectors for which the CPU itself
// pushes an error code; every other vector's trampoline pushes a dummy 0 so
// Frame.ErrorCode is always meaningful to read. idt_amd64.s's ERR_STUB/
// NOERR_STUB macro choice per vector must agree with this table.
var hasHardwareErrorCode = map[int]bool{
	VectorDoubleFault:       true,
	VectorInvalidTSS:        true,
	VectorSegmentNotPresent: true,
	VectorStackSegmentFault: true,
	VectorGeneralProtection: true,
	VectorPageFault:         true,
	VectorAlignmentCheck:    true,
}

// HasHardwareErrorCode reports whether the CPU itself pushes an error code
// for vector before the trampoline runs.
func HasHardwareErrorCode(vector int) bool {
	return hasHardwareErrorCode[vector]
}

// Frame is the register snapshot handed to every Handler. Field order
// matches the push order in idt_amd64.s exactly.
type Frame struct {
	R15, R14, R13, R12, R11, R10, R9, R8 uint64
	RBP, RDI, RSI, RDX, RCX, RBX, RAX    uint64
	Vector                               uint64
	ErrorCode                            uint64
	RIP, CS, RFLAGS                      uint64
}

// Handler processes one interrupt or exception. It runs with interrupts
// disabled and must not block.
type Handler func(*Frame)

type entry struct {
	offsetLow  uint16
	selector   uint16
	ist        uint8
	typeAttr   uint8
	offsetMid  uint16
	offsetHigh uint32
	reserved   uint32
}

// IDT owns the live gate table and the per-vector handler registry.
type IDT struct {
	entries  [NumEntries]entry
	handlers [NumEntries]Handler

	// Logger receives one line per unhandled exception/IRQ; nil discards it.
	Logger func(string)
	// Halt is invoked by the default exception handler after logging; it
	// must not return. Defaults to asm.Halt in a loop but is overridable so
	// tests can observe the "halt was requested" outcome instead of
	// actually stopping the CPU.
	Halt func()
}

// New returns an IDT with every gate cleared and Halt wired to the real
// cli/hlt loop.
func New() *IDT {
	t := &IDT{}
	t.Halt = func() {
		asm.DisableInterrupts()
		for {
			asm.Halt()
		}
	}
	return t
}

// SetGate installs a gate at index pointing at handler (an address, e.g.
// the result of taking a trampoline stub's PC).
func (t *IDT) SetGate(index int, handler uintptr, selector uint16, typeAttr uint8) {
	if index < 0 || index >= NumEntries {
		return
	}
	h := uint64(handler)
	t.entries[index] = entry{
		offsetLow:  uint16(h & 0xFFFF),
		selector:   selector,
		ist:        0,
		typeAttr:   typeAttr,
		offsetMid:  uint16((h >> 16) & 0xFFFF),
		offsetHigh: uint32((h >> 32) & 0xFFFFFFFF),
	}
}

// RegisterHandler installs a caller-supplied handler for vector, overriding
// the default exception/IRQ behavior.
func (t *IDT) RegisterHandler(vector int, h Handler) {
	if vector < 0 || vector >= NumEntries {
		return
	}
	t.handlers[vector] = h
}

// UnregisterHandler removes any handler installed for vector, reverting to
// the default behavior.
func (t *IDT) UnregisterHandler(vector int) {
	t.RegisterHandler(vector, nil)
}

// Load installs this table with lidt. Every stub address must already have
// been wired with SetGate before calling Load.
func (t *IDT) Load() {
	ptr := asm.NewDescriptorPtr(
		uint16(NumEntries*16-1),
		uint64(entryTableAddr(&t.entries)),
	)
	asm.Lidt(&ptr)
}

func (t *IDT) logf(s string) {
	if t.Logger != nil {
		t.Logger(s)
	}
}

// Dispatch is called by idt_amd64.s for every vector (and directly by
// tests). It is the single Go entry point every trampoline stub funnels
// into.
func (t *IDT) Dispatch(f *Frame) {
	v := int(f.Vector)
	if h := t.handlers[v]; h != nil {
		h(f)
		return
	}
	if v < IRQBase {
		t.defaultException(f)
		return
	}
	if v < IRQBase+16 {
		t.defaultIRQ(f)
		return
	}
	// Spare vector with no registered handler: ignore.
}

func (t *IDT) defaultException(f *Frame) {
	name, ok := ExceptionNames[int(f.Vector)]
	if !ok {
		name = "unknown exception"
	}
	t.logf("exception " + name)
	t.Halt()
}

func (t *IDT) defaultIRQ(f *Frame) {
	t.logf("unhandled irq")
	// The default sends no EOI, so the PIC keeps an unhandled line in
	// service. Callers that care about a given IRQ register a handler that
	// EOIs itself.
}
