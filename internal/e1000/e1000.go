// Package e1000 drives the Intel 82540EM/82545EM/82574L gigabit Ethernet
// controller: PCI probe, MMIO register access, RX/TX descriptor rings
// backed by PMM frames, and non-blocking send/receive.
//
// Descriptor rings and packet buffers are DMA frames: the device-visible
// fields carry physical addresses, while all software access goes through
// the frame's HHDM alias via internal/memio.
package e1000

import (
	"github.com/cgos-go/kernel/internal/memio"
	"github.com/cgos-go/kernel/internal/pci"
)

// Register offsets.
const (
	regCTRL   = 0x00000
	regSTATUS = 0x00008
	regICR    = 0x000C0
	regIMC    = 0x000D8
	regRCTL   = 0x00100
	regRDBAL  = 0x02800
	regRDBAH  = 0x02804
	regRDLEN  = 0x02808
	regRDH    = 0x02810
	regRDT    = 0x02818
	regTCTL   = 0x00400
	regTDBAL  = 0x03800
	regTDBAH  = 0x03804
	regTDLEN  = 0x03808
	regTDH    = 0x03810
	regTDT    = 0x03818
	regRAL    = 0x05400
	regRAH    = 0x05404
)

const (
	ctrlRST = 0x04000000
	ctrlSLU = 0x00000040

	rctlEN    = 0x00000002
	rctlUPE   = 0x00000008
	rctlMPE   = 0x00000010
	rctlBAM   = 0x00008000
	rctlSECRC = 0x04000000

	tctlEN   = 0x00000002
	tctlPSP  = 0x00000008
	tctlCTshift  = 4
	tctlCOLDshift = 12
	collisionThreshold = 0x10
	collisionDistance  = 0x40

	rxdStatDD = 0x01

	txdCmdEOP = 0x01
	txdCmdIFCS = 0x02
	txdCmdRS  = 0x08
	txdStatDD = 0x01
)

// NumRXDesc/NumTXDesc/BufferSize are the fixed ring geometry.
const (
	NumRXDesc  = 32
	NumTXDesc  = 32
	BufferSize = 2048

	mmioSize = 0x20000

	rxDescSize = 16
	txDescSize = 16
)

var vendorID uint16 = 0x8086

var supportedDevices = [...]uint16{0x100E, 0x100F, 0x10D3}

// Supported reports whether (vendor, device) is a driver match.
func Supported(vendor, device uint16) bool {
	if vendor != vendorID {
		return false
	}
	for _, d := range supportedDevices {
		if d == device {
			return true
		}
	}
	return false
}

// FrameAllocator is the subset of pmm.Allocator the driver needs.
type FrameAllocator interface {
	AllocFrame() (uintptr, bool)
}

// MMIOMapper is the subset of vmm.VMM the driver needs.
type MMIOMapper interface {
	MapMMIO(phys uintptr, size uint64) (uintptr, bool)
}

// Device owns one E1000 adapter's MMIO window and descriptor rings.
type Device struct {
	mem    memio.Memory
	mmio   uintptr // virtual base of the 128 KiB BAR0 window
	hhdm   uintptr // added to a DMA frame's physical address for software access
	mac    [6]byte

	rxDescPhys uintptr
	txDescPhys uintptr
	rxBufPhys  [NumRXDesc]uintptr
	txBufPhys  [NumTXDesc]uintptr
	rxCur      uint16
	txCur      uint16
}

func (d *Device) readReg(reg uint32) uint32  { return d.mem.Read32(d.mmio + uintptr(reg)) }
func (d *Device) writeReg(reg uint32, v uint32) { d.mem.Write32(d.mmio+uintptr(reg), v) }

// Probe matches a PCI device against the supported id list, enables memory
// space and bus mastering, maps BAR0, and returns an un-reset Device. It
// aborts (returns false) if STATUS reads all-ones, meaning BAR0 is not
// actually backed by hardware.
func Probe(bus *pci.Bus, mem memio.Memory, vm MMIOMapper, hhdm uintptr, dev pci.Device) (*Device, bool) {
	if !Supported(dev.VendorID, dev.DeviceID) {
		return nil, false
	}
	bus.EnableMemoryAndBusMaster(dev)

	physBase := uintptr(dev.BAR[0] &^ 0xF)
	virt, ok := vm.MapMMIO(physBase, mmioSize)
	if !ok {
		return nil, false
	}

	d := &Device{mem: mem, mmio: virt, hhdm: hhdm}
	if d.readReg(regSTATUS) == 0xFFFF_FFFF {
		return nil, false
	}
	return d, true
}

// Reset performs the device reset sequence, masks all interrupts, and
// clears any pending interrupt cause.
func (d *Device) Reset(sleepMS func(uint32)) {
	d.writeReg(regCTRL, ctrlRST)
	if sleepMS != nil {
		sleepMS(10)
	}
	d.writeReg(regIMC, 0xFFFF_FFFF)
	d.readReg(regICR)
}

// ReadMACAddress loads RAL/RAH into the device's MAC; if they read as all
// zero, it installs a default locally-administered address and writes it
// back with the valid bit set.
func (d *Device) ReadMACAddress() [6]byte {
	ral := d.readReg(regRAL)
	rah := d.readReg(regRAH)
	mac := [6]byte{
		byte(ral), byte(ral >> 8), byte(ral >> 16), byte(ral >> 24),
		byte(rah), byte(rah >> 8),
	}
	if mac == ([6]byte{}) {
		mac = [6]byte{0x52, 0x54, 0x00, 0x12, 0x34, 0x56}
		ral = uint32(mac[0]) | uint32(mac[1])<<8 | uint32(mac[2])<<16 | uint32(mac[3])<<24
		rah = uint32(mac[4]) | uint32(mac[5])<<8 | 1<<31
		d.writeReg(regRAL, ral)
		d.writeReg(regRAH, rah)
	}
	d.mac = mac
	return mac
}

// MAC returns the driver's current MAC address.
func (d *Device) MAC() [6]byte { return d.mac }

// InitRings allocates the descriptor arrays and per-descriptor DMA buffers
// from frames, programs RDBAL/RDLEN/RDH/RDT and RCTL for RX, and
// TDBAL/TDLEN/TDH/TDT and TCTL for TX. Returns false if any
// frame allocation fails.
func (d *Device) InitRings(frames FrameAllocator) bool {
	rxDescFrame, ok := frames.AllocFrame()
	if !ok {
		return false
	}
	txDescFrame, ok := frames.AllocFrame()
	if !ok {
		return false
	}
	d.rxDescPhys = rxDescFrame
	d.txDescPhys = txDescFrame
	d.mem.Zero(d.virt(rxDescFrame), NumRXDesc*rxDescSize)
	d.mem.Zero(d.virt(txDescFrame), NumTXDesc*txDescSize)

	for i := 0; i < NumRXDesc; i++ {
		buf, ok := frames.AllocFrame()
		if !ok {
			return false
		}
		d.rxBufPhys[i] = buf
		d.writeRXDescAddr(i, buf)
	}
	for i := 0; i < NumTXDesc; i++ {
		buf, ok := frames.AllocFrame()
		if !ok {
			return false
		}
		d.txBufPhys[i] = buf
		d.writeTXDescAddr(i, buf)
		d.setTXStatus(i, txdStatDD) // every slot starts "done" so send finds it free
	}
	d.rxCur = 0
	d.txCur = 0

	d.writeReg(regRDBAH, 0)
	d.writeReg(regRDBAL, uint32(d.rxDescPhys))
	d.writeReg(regRDLEN, NumRXDesc*rxDescSize)
	d.writeReg(regRDH, 0)
	d.writeReg(regRDT, NumRXDesc-1)
	d.writeReg(regRCTL, rctlEN|rctlUPE|rctlMPE|rctlBAM|rctlSECRC)

	d.writeReg(regTDBAH, 0)
	d.writeReg(regTDBAL, uint32(d.txDescPhys))
	d.writeReg(regTDLEN, NumTXDesc*txDescSize)
	d.writeReg(regTDH, 0)
	d.writeReg(regTDT, 0)
	d.writeReg(regTCTL, tctlEN|tctlPSP|collisionThreshold<<tctlCTshift|collisionDistance<<tctlCOLDshift)

	return true
}

// SetLinkUp sets CTRL.SLU once rings are initialized.
func (d *Device) SetLinkUp() {
	d.writeReg(regCTRL, d.readReg(regCTRL)|ctrlSLU)
}

// virt is the HHDM alias software must use to touch a DMA frame; the
// hardware-visible descriptor fields and ring base registers keep the
// physical address.
func (d *Device) virt(phys uintptr) uintptr { return phys + d.hhdm }

// rxDescBase/txDescBase and the accessors below lay out the 16-byte descriptor by hand
// (buffer_addr u64, length u16, checksum u16, status u8, errors u8,
// special u16), matching e1000_rx_desc_t's packed layout.
func (d *Device) rxDescBase(i int) uintptr { return d.virt(d.rxDescPhys) + uintptr(i*rxDescSize) }
func (d *Device) txDescBase(i int) uintptr { return d.virt(d.txDescPhys) + uintptr(i*txDescSize) }

func (d *Device) writeRXDescAddr(i int, phys uintptr) {
	d.mem.Write64(d.rxDescBase(i), uint64(phys))
}
func (d *Device) writeTXDescAddr(i int, phys uintptr) {
	d.mem.Write64(d.txDescBase(i), uint64(phys))
}

func (d *Device) rxStatus(i int) uint8  { return d.mem.Read8(d.rxDescBase(i) + 12) }
func (d *Device) setRXStatus(i int, v uint8) { d.mem.Write8(d.rxDescBase(i)+12, v) }
func (d *Device) rxLength(i int) uint16 { return d.mem.Read16(d.rxDescBase(i) + 8) }

func (d *Device) txStatus(i int) uint8      { return d.mem.Read8(d.txDescBase(i) + 12) }
func (d *Device) setTXStatus(i int, v uint8) { d.mem.Write8(d.txDescBase(i)+12, v) }
func (d *Device) setTXLength(i int, v uint16) { d.mem.Write16(d.txDescBase(i)+8, v) }
func (d *Device) setTXCmd(i int, v uint8)    { d.mem.Write8(d.txDescBase(i)+11, v) }

// Send copies data into the current TX buffer and kicks the tail pointer.
// Fails (returns false) when len is 0, exceeds BufferSize, or the current
// descriptor is not marked done (ring full).
func (d *Device) Send(data []byte) bool {
	if len(data) == 0 || len(data) > BufferSize {
		return false
	}
	if d.txStatus(int(d.txCur))&txdStatDD == 0 {
		return false
	}
	d.mem.WriteBytes(d.virt(d.txBufPhys[d.txCur]), data)
	d.setTXLength(int(d.txCur), uint16(len(data)))
	d.setTXCmd(int(d.txCur), txdCmdEOP|txdCmdIFCS|txdCmdRS)
	d.setTXStatus(int(d.txCur), 0)

	d.txCur = (d.txCur + 1) % NumTXDesc
	d.writeReg(regTDT, uint32(d.txCur))
	return true
}

// Receive is a non-blocking poll: returns 0 immediately if the current RX
// descriptor is not done, otherwise copies min(length, len(buf)) bytes and
// advances the ring.
func (d *Device) Receive(buf []byte) int {
	i := int(d.rxCur)
	if d.rxStatus(i)&rxdStatDD == 0 {
		return 0
	}
	n := int(d.rxLength(i))
	if n > len(buf) {
		n = len(buf)
	}
	d.mem.ReadBytes(d.virt(d.rxBufPhys[i]), buf[:n])
	d.setRXStatus(i, 0)

	d.writeReg(regRDT, uint32(i))
	d.rxCur = (d.rxCur + 1) % NumRXDesc
	return n
}
