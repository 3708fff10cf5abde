// Package pit programs PIT channel 0 for a fixed 1 kHz mode-3 square wave
// and tracks the monotonic tick counter its interrupt advances.
package pit

import (
	"github.com/cgos-go/kernel/asm"
	"github.com/cgos-go/kernel/internal/pic"
)

const (
	channel0     = 0x40
	commandPort  = 0x43
	baseFreqHz   = 1_193_182
	targetHz     = 1000
	accessLoHi   = 0x30
	channel0Sel  = 0x00
	mode3Square  = 0x06
	binaryMode   = 0x00
)

// Ports is the port I/O PIT needs; pic.Ports (and pic.RealPorts/FakePorts)
// already satisfies this shape.
type Ports interface {
	Outb(port uint16, v uint8)
}

// PIT owns the monotonic tick counter incremented by the timer IRQ handler.
type PIT struct {
	ports Ports
	pic   *pic.PIC
	ticks uint64
}

// New programs channel 0 for a 1 kHz square wave and returns a PIT ready to
// have its Tick method called from the IRQ0 handler. p may be nil in tests
// that only exercise tick bookkeeping, in which case EOI is skipped.
func New(ports Ports, p *pic.PIC) *PIT {
	divisor := uint16(baseFreqHz / targetHz)

	ports.Outb(commandPort, channel0Sel|accessLoHi|mode3Square|binaryMode)
	ports.Outb(channel0, uint8(divisor&0xFF))
	ports.Outb(channel0, uint8(divisor>>8))

	return &PIT{ports: ports, pic: p}
}

// Tick is called from the IRQ0 handler. It increments the monotonic
// counter, invokes onTick (typically the scheduler's tick hook) if
// non-nil, and sends EOI.
func (t *PIT) Tick(onTick func(ticks uint64)) {
	t.ticks++
	if onTick != nil {
		onTick(t.ticks)
	}
	if t.pic != nil {
		t.pic.EOI(0)
	}
}

// Ticks reads the counter without locking; PIT.Tick is its only writer.
func (t *PIT) Ticks() uint64 { return t.ticks }

// UptimeMillis converts the tick counter to elapsed milliseconds at the
// fixed 1 kHz rate.
func (t *PIT) UptimeMillis() uint64 { return t.ticks }

// SleepMS busy-waits until n more ticks have elapsed. The counter only
// advances from the timer IRQ, so interrupts must be enabled when calling.
func (t *PIT) SleepMS(n uint64) {
	deadline := t.ticks + n
	for t.ticks < deadline {
		asm.Pause()
	}
}
