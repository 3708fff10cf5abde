package kernel

import (
	"testing"

	"github.com/cgos-go/kernel/internal/ata"
	"github.com/cgos-go/kernel/internal/bootinfo"
	"github.com/cgos-go/kernel/internal/console"
	"github.com/cgos-go/kernel/internal/gdt"
	"github.com/cgos-go/kernel/internal/idt"
	"github.com/cgos-go/kernel/internal/keyboard"
	"github.com/cgos-go/kernel/internal/memio"
	"github.com/cgos-go/kernel/internal/pci"
	"github.com/cgos-go/kernel/internal/pic"
)

const mib = 1024 * 1024

func testHandoff() *bootinfo.Handoff {
	return &bootinfo.Handoff{
		BaseRevision: bootinfo.SupportedBaseRevision,
		MemoryMap: []bootinfo.MemoryMapEntry{
			{Base: 0x0010_0000, Length: 64 * mib, Type: bootinfo.Usable},
		},
		HHDMOffset: 0xFFFF_8000_0000_0000,
	}
}

// nopTables skips the privileged lgdt/lidt loads a hosted test process
// cannot execute; everything up to the actual load instruction (table
// construction, handler registration) still runs.
type nopTables struct{}

func (nopTables) LoadGDT(*gdt.GDT) {}
func (nopTables) LoadIDT(*idt.IDT) {}

// testHardware returns a Hardware bundle backed entirely by fakes, so the
// boot sequence can be exercised without real ports or real memory.
func testHardware() Hardware {
	return Hardware{
		Mem:      memio.NewFake(),
		PIC:      pic.NewFakePorts(),
		PCI:      pci.NewFake(),
		ATA:      ata.NewFakeDisk(),
		Keyboard: keyboard.FakePorts{},
		Console:  console.FakePort{},
		Tables:   nopTables{},
	}
}

func TestBootPathInitializesCoreSubsystems(t *testing.T) {
	k, ok := BootWith(testHandoff(), testHardware())
	if !ok {
		t.Fatal("BootWith failed")
	}
	if k == nil {
		t.Fatal("BootWith returned a nil kernel")
	}

	if got := k.PMM.TotalBytes(); got != 64*mib {
		t.Errorf("TotalBytes() = %d, want %d", got, 64*mib)
	}
	if k.PMM.FreeBytes() == 0 {
		t.Error("FreeBytes() = 0 after boot, want some free memory")
	}
	if !k.Log.Contains("Scheduler initialized") {
		t.Error(`boot log missing "Scheduler initialized"`)
	}
}

func TestBootRejectsUnsupportedBaseRevision(t *testing.T) {
	h := testHandoff()
	h.BaseRevision = 1
	if _, ok := BootWith(h, testHardware()); ok {
		t.Error("BootWith succeeded with an unsupported base revision")
	}
}

func TestBootRejectsEmptyMemoryMap(t *testing.T) {
	h := testHandoff()
	h.MemoryMap = nil
	if _, ok := BootWith(h, testHardware()); ok {
		t.Error("BootWith succeeded with no usable memory")
	}
}

func TestBootSchedulerHasNoDeviceDependencies(t *testing.T) {
	k, ok := BootWith(testHandoff(), testHardware())
	if !ok {
		t.Fatal("BootWith failed")
	}

	if k.Sched.ByTID(k.Sched.Idle.TID) != k.Sched.Idle {
		t.Error("idle thread not findable in the thread table")
	}
	if k.Net != nil {
		t.Error("no NIC on the fake bus, but a device was probed")
	}
	if k.FS != nil {
		t.Error("no disk on the fake channel, but a filesystem was mounted")
	}
}
