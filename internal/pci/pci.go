// Package pci implements configuration-space access and bus enumeration
// through the legacy 0xCF8/0xCFC port pair: the address word is enable bit
// 31 | bus<<16 | device<<11 | function<<8 | offset&0xFC, a vendor id of
// 0xFFFF means the function is absent, and header-type bit 7 selects
// whether functions 1-7 are probed. Ports mirrors the same seam
// internal/pic and internal/pit use, so pci_test.go can assert the exact
// address words written without real hardware.
package pci

// Config-space offsets.
const (
	OffsetVendorID     = 0x00
	OffsetDeviceID      = 0x02
	OffsetCommand       = 0x04
	OffsetStatus        = 0x06
	OffsetRevisionID    = 0x08
	OffsetProgIF        = 0x09
	OffsetSubclass      = 0x0A
	OffsetClassCode     = 0x0B
	OffsetHeaderType    = 0x0E
	OffsetBAR0          = 0x10
	OffsetInterruptLine = 0x3C
	OffsetInterruptPin  = 0x3D
)

// Command register bits.
const (
	CommandIO     uint16 = 1 << 0
	CommandMemory uint16 = 1 << 1
	CommandMaster uint16 = 1 << 2
)

const (
	addressPort = 0xCF8
	dataPort    = 0xCFC

	vendorAbsent = 0xFFFF
	headerMultiF = 0x80

	maxBus  = 256
	maxDev  = 32
	maxFunc = 8
)

// Ports is the 32-bit port I/O this package needs.
type Ports interface {
	Outl(port uint16, v uint32)
	Inl(port uint16) uint32
}

// Device is one discovered PCI function.
type Device struct {
	Bus, Slot, Function uint8
	VendorID, DeviceID  uint16
	ClassCode, Subclass uint8
	ProgIF, RevisionID  uint8
	BAR                 [6]uint32
	InterruptLine       uint8
	InterruptPin        uint8
}

// Bus owns port access and the discovered device table.
type Bus struct {
	ports   Ports
	devices []Device
}

// New returns a Bus that has not yet been scanned; call Scan to populate it.
func New(ports Ports) *Bus {
	return &Bus{ports: ports}
}

func address(bus, device, function uint8, offset uint8) uint32 {
	return 1<<31 |
		uint32(bus)<<16 |
		uint32(device)<<11 |
		uint32(function)<<8 |
		uint32(offset&0xFC)
}

// ConfigRead32 reads one dword from config space.
func (b *Bus) ConfigRead32(bus, device, function, offset uint8) uint32 {
	b.ports.Outl(addressPort, address(bus, device, function, offset))
	return b.ports.Inl(dataPort)
}

// ConfigRead16 reads one word, selecting the correct half of the dword.
func (b *Bus) ConfigRead16(bus, device, function, offset uint8) uint16 {
	v := b.ConfigRead32(bus, device, function, offset)
	return uint16(v >> ((offset & 2) * 8))
}

// ConfigRead8 reads one byte, selecting the correct byte of the dword.
func (b *Bus) ConfigRead8(bus, device, function, offset uint8) uint8 {
	v := b.ConfigRead32(bus, device, function, offset)
	return uint8(v >> ((offset & 3) * 8))
}

// ConfigWrite32 writes one dword to config space.
func (b *Bus) ConfigWrite32(bus, device, function, offset uint8, value uint32) {
	b.ports.Outl(addressPort, address(bus, device, function, offset))
	b.ports.Outl(dataPort, value)
}

// ConfigWrite16 read-modify-writes the half-dword containing offset.
func (b *Bus) ConfigWrite16(bus, device, function, offset uint8, value uint16) {
	shift := (offset & 2) * 8
	data := b.ConfigRead32(bus, device, function, offset&0xFC)
	data &^= 0xFFFF << shift
	data |= uint32(value) << shift
	b.ports.Outl(addressPort, address(bus, device, function, offset))
	b.ports.Outl(dataPort, data)
}

// Scan walks every bus/device/function, recording every present function.
// Absent devices (vendor id 0xFFFF at function 0) skip the remaining
// functions; single-function devices (header-type bit 7 clear) skip
// functions 1-7. Returns the number of devices found.
func (b *Bus) Scan() int {
	b.devices = b.devices[:0]
	for bus := 0; bus < maxBus; bus++ {
		for dev := 0; dev < maxDev; dev++ {
			for fn := 0; fn < maxFunc; fn++ {
				vendor := b.ConfigRead16(uint8(bus), uint8(dev), uint8(fn), OffsetVendorID)
				if vendor == vendorAbsent {
					if fn == 0 {
						break
					}
					continue
				}

				d := Device{
					Bus: uint8(bus), Slot: uint8(dev), Function: uint8(fn),
					VendorID:      vendor,
					DeviceID:      b.ConfigRead16(uint8(bus), uint8(dev), uint8(fn), OffsetDeviceID),
					ClassCode:     b.ConfigRead8(uint8(bus), uint8(dev), uint8(fn), OffsetClassCode),
					Subclass:      b.ConfigRead8(uint8(bus), uint8(dev), uint8(fn), OffsetSubclass),
					ProgIF:        b.ConfigRead8(uint8(bus), uint8(dev), uint8(fn), OffsetProgIF),
					RevisionID:    b.ConfigRead8(uint8(bus), uint8(dev), uint8(fn), OffsetRevisionID),
					InterruptLine: b.ConfigRead8(uint8(bus), uint8(dev), uint8(fn), OffsetInterruptLine),
					InterruptPin:  b.ConfigRead8(uint8(bus), uint8(dev), uint8(fn), OffsetInterruptPin),
				}
				for i := 0; i < 6; i++ {
					d.BAR[i] = b.ConfigRead32(uint8(bus), uint8(dev), uint8(fn), uint8(OffsetBAR0+i*4))
				}
				b.devices = append(b.devices, d)

				if fn == 0 {
					headerType := b.ConfigRead8(uint8(bus), uint8(dev), uint8(fn), OffsetHeaderType)
					if headerType&headerMultiF == 0 {
						break
					}
				}
			}
		}
	}
	return len(b.devices)
}

// Devices returns every device found by the last Scan.
func (b *Bus) Devices() []Device {
	return b.devices
}

// Find returns the first device matching vendor/device ids.
func (b *Bus) Find(vendorID, deviceID uint16) (Device, bool) {
	for _, d := range b.devices {
		if d.VendorID == vendorID && d.DeviceID == deviceID {
			return d, true
		}
	}
	return Device{}, false
}

// FindByClass returns the first device of the given class/subclass.
func (b *Bus) FindByClass(class, subclass uint8) (Device, bool) {
	for _, d := range b.devices {
		if d.ClassCode == class && d.Subclass == subclass {
			return d, true
		}
	}
	return Device{}, false
}

// EnableMemoryAndBusMaster sets the memory-space and bus-master bits in the
// device's command register, as the E1000 probe requires.
func (b *Bus) EnableMemoryAndBusMaster(d Device) {
	cmd := b.ConfigRead16(d.Bus, d.Slot, d.Function, OffsetCommand)
	cmd |= CommandMemory | CommandMaster
	b.ConfigWrite16(d.Bus, d.Slot, d.Function, OffsetCommand, cmd)
}
