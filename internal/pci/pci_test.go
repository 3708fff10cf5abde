package pci

import "testing"

func TestScanFindsDevice(t *testing.T) {
	ports := NewFake()
	ports.Set(0, 3, 0, OffsetVendorID, uint32(0x100E)<<16|0x8086) // vendor lo word, device hi word
	ports.Set(0, 3, 0, OffsetClassCode, uint32(0x02)<<24|0x00<<16|0x00<<8)
	ports.Set(0, 3, 0, OffsetHeaderType, 0)
	ports.Set(0, 3, 0, OffsetBAR0, 0xFEBC_0000)

	bus := New(ports)
	if n := bus.Scan(); n != 1 {
		t.Fatalf("Scan() = %d devices, want 1", n)
	}

	dev, ok := bus.Find(0x8086, 0x100E)
	if !ok {
		t.Fatal("Find failed for the primed device")
	}
	if dev.ClassCode != 0x02 {
		t.Errorf("ClassCode = %#x, want 0x02", dev.ClassCode)
	}
	if dev.BAR[0] != 0xFEBC_0000 {
		t.Errorf("BAR0 = %#x, want 0xFEBC_0000", dev.BAR[0])
	}
}

func TestScanSkipsAbsentFunctions(t *testing.T) {
	ports := NewFake()
	bus := New(ports)
	if n := bus.Scan(); n != 0 {
		t.Errorf("Scan() = %d on an empty bus, want 0", n)
	}
	if len(bus.Devices()) != 0 {
		t.Errorf("Devices() = %v, want empty", bus.Devices())
	}
}

func TestEnableMemoryAndBusMaster(t *testing.T) {
	ports := NewFake()
	ports.Set(0, 3, 0, OffsetVendorID, uint32(0x100E)<<16|0x8086)
	ports.Set(0, 3, 0, OffsetHeaderType, 0)
	bus := New(ports)
	bus.Scan()
	dev, _ := bus.Find(0x8086, 0x100E)

	bus.EnableMemoryAndBusMaster(dev)
	cmd := bus.ConfigRead16(dev.Bus, dev.Slot, dev.Function, OffsetCommand)
	if cmd&CommandMemory == 0 {
		t.Error("memory-space bit not set")
	}
	if cmd&CommandMaster == 0 {
		t.Error("bus-master bit not set")
	}
}
