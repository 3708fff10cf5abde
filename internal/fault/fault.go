// Package fault classifies and (when possible) repairs page faults. A
// not-present kernel fault inside the MMIO window is repaired by mapping
// the page and retrying; everything else is a genuine fault that logs the
// decoded cause and halts.
package fault

import "github.com/cgos-go/kernel/internal/vmm"

// Page-fault error code bits (Intel SDM vol. 3, §4.7).
const (
	Present       uint64 = 1 << 0 // 0 = not-present, 1 = protection violation
	Write         uint64 = 1 << 1 // 0 = read, 1 = write
	User          uint64 = 1 << 2 // 0 = kernel, 1 = user-mode access
	ReservedBit   uint64 = 1 << 3
	InstrFetch    uint64 = 1 << 4
)

// Classification decodes a page fault's error code and faulting address.
type Classification struct {
	FaultAddr      uintptr
	WasProtection  bool // true: page present but access violated protection
	WasWrite       bool
	WasUser        bool
	ReservedBitSet bool
	WasInstrFetch  bool
}

// Classify decodes errorCode (as the CPU pushed it) alongside the CR2
// value, without touching any page table.
func Classify(faultAddr uintptr, errorCode uint64) Classification {
	return Classification{
		FaultAddr:      faultAddr,
		WasProtection:  errorCode&Present != 0,
		WasWrite:       errorCode&Write != 0,
		WasUser:        errorCode&User != 0,
		ReservedBitSet: errorCode&ReservedBit != 0,
		WasInstrFetch:  errorCode&InstrFetch != 0,
	}
}

// VMM is the subset of *vmm.VMM the repair path needs.
type VMM interface {
	MapPage(phys, virt uintptr, flags uint64) bool
}

// Handler decodes and attempts to repair page faults. Window bounds the
// range treated as repairable MMIO; cmd/kernel passes the identity-mapped
// device region FaultMMIOBase..FaultMMIOEnd below 4 GiB.
type Handler struct {
	vm           VMM
	windowBase   uintptr
	windowEnd    uintptr
	Logger       func(string)
	Halt         func()
}

// NewHandler builds a Handler that treats [windowBase, windowEnd) as
// repairable by identity-mapping the faulting page (phys == virt).
func NewHandler(vm VMM, windowBase, windowEnd uintptr) *Handler {
	return &Handler{vm: vm, windowBase: windowBase, windowEnd: windowEnd}
}

func (h *Handler) logf(s string) {
	if h.Logger != nil {
		h.Logger(s)
	}
}

const pageSize = 4096
const pageMask = pageSize - 1

// Handle classifies the fault and, if the address falls in the configured
// MMIO window and is not already present, maps it 1:1 and returns true
// (the faulting instruction should be retried). Any other case logs and
// invokes Halt, then returns false (reached only if Halt itself returns,
// which production wiring never does).
func (h *Handler) Handle(faultAddr uintptr, errorCode uint64) bool {
	c := Classify(faultAddr, errorCode)

	if !c.WasProtection && !c.WasUser && faultAddr >= h.windowBase && faultAddr < h.windowEnd {
		pageAddr := faultAddr &^ pageMask
		flags := vmm.Present | vmm.Writable | vmm.PCD | vmm.PWT
		if h.vm.MapPage(pageAddr, pageAddr, flags) {
			h.logf("mapped mmio page on demand")
			return true
		}
		h.logf("failed to map mmio page")
	}

	h.logf("unrecoverable page fault")
	if h.Halt != nil {
		h.Halt()
	}
	return false
}
