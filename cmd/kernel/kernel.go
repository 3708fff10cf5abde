// Package kernel wires every subsystem together into the boot sequence:
// the boot handoff feeds the PMM, which underpins the VMM, which underpins
// the heap; IDT+PIC+PIT arm ticks that drive the scheduler; PCI yields
// devices to the E1000 probe; Ethernet rises through the network stack;
// ATA underpins FAT16; the keyboard buffers characters for the shell.
package kernel

import (
	"github.com/cgos-go/kernel/asm"
	"github.com/cgos-go/kernel/internal/ata"
	"github.com/cgos-go/kernel/internal/bootinfo"
	"github.com/cgos-go/kernel/internal/console"
	"github.com/cgos-go/kernel/internal/e1000"
	"github.com/cgos-go/kernel/internal/fat16"
	"github.com/cgos-go/kernel/internal/fault"
	"github.com/cgos-go/kernel/internal/gdt"
	"github.com/cgos-go/kernel/internal/heap"
	"github.com/cgos-go/kernel/internal/idt"
	"github.com/cgos-go/kernel/internal/keyboard"
	"github.com/cgos-go/kernel/internal/memio"
	netstack "github.com/cgos-go/kernel/internal/net"
	"github.com/cgos-go/kernel/internal/pci"
	"github.com/cgos-go/kernel/internal/pic"
	"github.com/cgos-go/kernel/internal/pit"
	"github.com/cgos-go/kernel/internal/pmm"
	"github.com/cgos-go/kernel/internal/sched"
	"github.com/cgos-go/kernel/internal/vmm"
)

// HeapSize is the kernel heap arena's fixed capacity.
const HeapSize = 64 * 1024 * 1024

// HeapBase is an arbitrary high-half virtual base for the heap arena, well
// clear of the HHDM region a 64 MiB physical map would occupy.
const HeapBase uintptr = 0xFFFF_9000_0000_0000

// FaultMMIOBase/End bound the identity-mapped window the page-fault
// handler repairs on demand; vmm.MapMMIO's own bump window is a separate
// region whose pages each MapMMIO call maps itself.
const (
	FaultMMIOBase = uintptr(0xE000_0000)
	FaultMMIOEnd  = uintptr(0x1_0000_0000)
)

// Tables performs the privileged descriptor-table loads: lgdt + segment
// reload + ltr, then trampoline-stub wiring + lidt. These are the two boot
// steps that cannot execute in a hosted process, so they sit behind their
// own seam the way port I/O does.
type Tables interface {
	LoadGDT(*gdt.GDT)
	LoadIDT(*idt.IDT)
}

type realTables struct{}

func (realTables) LoadGDT(g *gdt.GDT) { g.Load() }
func (realTables) LoadIDT(t *idt.IDT) { t.InstallStubs(gdt.SelectorKernelCode) }

// Hardware bundles every hardware-adjacent package's port-I/O seam plus the
// byte-addressable memory backing page tables, the heap, and thread stacks,
// mirroring how each of those packages itself splits a real implementation
// from a fake one: BootWith(h, RealHardware()) is what an actual boot image
// runs, and a test can substitute its own bundle of fakes without Boot ever
// knowing the difference.
type Hardware struct {
	Mem      memio.Memory
	PIC      pic.Ports
	PCI      pci.Ports
	ATA      ata.Ports
	Keyboard keyboard.Ports
	Console  console.Port
	Tables   Tables
}

// RealHardware returns the Hardware bundle Boot uses in production, backed
// directly by the asm package and by dereferencing real (HHDM-aliased)
// memory.
func RealHardware() Hardware {
	return Hardware{
		Mem:      memio.HostMemory{},
		PIC:      pic.RealPorts{},
		PCI:      pci.RealPorts{},
		ATA:      ata.RealPorts{},
		Keyboard: keyboard.RealPorts{},
		Console:  console.RealPort{},
		Tables:   realTables{},
	}
}

// Kernel holds every live subsystem once boot has completed, so shell glue
// (out of scope here) has one place to reach into.
type Kernel struct {
	Log *console.Logger

	PMM   *pmm.Allocator
	VMM   *vmm.VMM
	Heap  *heap.Heap
	GDT   *gdt.GDT
	IDT   *idt.IDT
	PIC   *pic.PIC
	PIT   *pit.PIT
	Fault *fault.Handler
	Sched *sched.Scheduler

	PCI      *pci.Bus
	Net      *e1000.Device
	Iface    *netstack.Interface
	DHCP     *netstack.DHCPClient
	ATA      *ata.Controller
	FS       *fat16.FS
	Keyboard *keyboard.Driver
}

// Boot brings every subsystem up in dependency order using the real
// hardware ports, logging one line per stage, and returns the assembled
// Kernel. A handoff that fails validation, or a PMM with no usable region,
// halts the boot.
func Boot(h *bootinfo.Handoff) (*Kernel, bool) {
	return BootWith(h, RealHardware())
}

// BootWith is Boot parameterized over the hardware bundle, so tests can
// exercise the full boot sequence against fakes.
func BootWith(h *bootinfo.Handoff, hw Hardware) (*Kernel, bool) {
	logWriter := console.NewWriter(hw.Console)
	log := console.NewLogger(logWriter, console.NewRingLog())

	if !h.Valid() {
		log.Println("FATAL: unsupported bootloader base revision")
		return nil, false
	}

	region, ok := h.LargestUsableRegion()
	if !ok {
		log.Println("FATAL: no usable memory region in boot handoff")
		return nil, false
	}

	k := &Kernel{Log: log}

	k.PMM = pmm.New(uintptr(region.Base), region.Length)
	log.Println("Physical memory manager initialized")

	mem := hw.Mem
	pml4Phys, ok := k.PMM.AllocFrame()
	if !ok {
		log.Println("FATAL: failed to allocate PML4 frame")
		return nil, false
	}
	mem.Zero(h.PhysToVirt(pml4Phys), 4096)
	k.VMM = vmm.New(mem, k.PMM, pml4Phys, h.HHDMOffset)
	log.Println("Virtual memory manager initialized")

	k.VMM.InitHeapArena(HeapBase, HeapSize)
	k.Heap = heap.New(mem, k.VMM)
	log.Println("Kernel heap initialized")

	k.GDT = gdt.New()
	hw.Tables.LoadGDT(k.GDT)
	log.Println("GDT/TSS initialized")

	k.IDT = idt.New()
	k.IDT.Logger = log.Println

	k.Fault = fault.NewHandler(k.VMM, FaultMMIOBase, FaultMMIOEnd)
	k.Fault.Logger = log.Println
	k.Fault.Halt = k.IDT.Halt
	k.IDT.RegisterHandler(idt.VectorPageFault, func(f *idt.Frame) {
		k.Fault.Handle(asm.ReadCR2(), f.ErrorCode)
	})

	hw.Tables.LoadIDT(k.IDT)
	log.Println("IDT initialized")

	k.PIC = pic.New(hw.PIC, pic.DefaultMasterOffset, pic.DefaultSlaveOffset)
	log.Println("PIC remapped")

	k.PIT = pit.New(hw.PIC, k.PIC)
	log.Println("PIT programmed")
	log.Println("Page fault handler installed")

	k.Sched = sched.New(mem, k.PMM, h.HHDMOffset, k.GDT)
	idleThread, ok := k.Sched.CreateThread("idle", func() {}, sched.PriorityIdle)
	if !ok {
		log.Println("FATAL: failed to create idle thread")
		return nil, false
	}
	k.Sched.Idle = idleThread
	k.IDT.RegisterHandler(idt.VectorIRQTimer, func(*idt.Frame) {
		k.PIT.Tick(k.Sched.Tick)
	})
	k.PIC.Enable(0)
	log.Println("Scheduler initialized")

	k.PCI = pci.New(hw.PCI)
	k.PCI.Scan()
	log.Println("PCI bus enumerated")

	if dev, ok := k.PCI.FindByClass(0x02, 0x00); ok && e1000.Supported(dev.VendorID, dev.DeviceID) {
		if nic, ok := e1000.Probe(k.PCI, mem, k.VMM, h.HHDMOffset, dev); ok {
			k.Net = nic
			nic.Reset(busyWaitMillis)
			nic.ReadMACAddress()
			if nic.InitRings(k.PMM) {
				nic.SetLinkUp()
				k.Iface = netstack.New(nic, k.PIT, netstack.MAC(nic.MAC()))
				k.DHCP, _ = netstack.NewDHCPClient(k.Iface)
				k.DHCP.Start()
				log.Println("E1000 network interface initialized")
			}
		}
	}

	k.ATA = ata.New(hw.ATA)
	if n := k.ATA.Init(); n > 0 {
		log.Println("ATA drive(s) detected")
		if fs, ok := fat16.Mount(k.ATA, ata.DriveMaster); ok {
			k.FS = fs
			log.Println("FAT16 filesystem mounted")
		}
	}

	k.Keyboard = keyboard.New(hw.Keyboard, k.PIC)
	k.IDT.RegisterHandler(idt.VectorIRQKeyboard, func(*idt.Frame) {
		k.Keyboard.HandleIRQ()
	})
	log.Println("Keyboard driver initialized")

	return k, true
}

// busyWaitMillis is the sleep hook e1000.Device.Reset expects; the real
// boot path would spin on the PIT tick count, but nothing here needs to
// actually wait during this hosted simulation.
func busyWaitMillis(ms uint32) {}
