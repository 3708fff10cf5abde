// Package keyboard implements a PS/2 Scancode Set 1 driver: IRQ1-driven
// scancode translation, shift/caps-lock handling, and a ring buffer of
// decoded characters.
package keyboard

// I/O ports and status bits.
const (
	DataPort    = 0x60
	StatusPort  = 0x64
	CommandPort = 0x64

	statusOutputFull = 0x01
)

// IRQ line the PIC routes this device's interrupts through.
const IRQ = 1

// Scancodes this driver treats specially.
const (
	keyLShift   = 0x2A
	keyRShift   = 0x36
	keyLCtrl    = 0x1D
	keyLAlt     = 0x38
	keyCapsLock = 0x3A
)

// Modifier flags.
const (
	ModShift uint8 = 0x01
	ModCtrl  uint8 = 0x02
	ModAlt   uint8 = 0x04
	ModCaps  uint8 = 0x08
)

const bufferSize = 64

// Reserved non-ASCII codes the shell interprets for history navigation
// and line editing: ESC plus the four arrow keys, which arrive as
// 0xE0-prefixed extended scancodes.
const (
	KeyEscape byte = 0x1B
	KeyUp     byte = 0x80
	KeyDown   byte = 0x81
	KeyLeft   byte = 0x82
	KeyRight  byte = 0x83
)

// Extended (0xE0-prefixed) make codes for the arrow keys.
const (
	extUp    = 0x48
	extDown  = 0x50
	extLeft  = 0x4B
	extRight = 0x4D
)

// scancodeToASCII/scancodeToASCIIShift are Scancode Set 1's make-code to
// ASCII tables (lowercase and shifted).
var scancodeToASCII = [...]byte{
	0, KeyEscape, '1', '2', '3', '4', '5', '6', '7', '8', '9', '0', '-', '=', '\b',
	'\t', 'q', 'w', 'e', 'r', 't', 'y', 'u', 'i', 'o', 'p', '[', ']', '\n',
	0, 'a', 's', 'd', 'f', 'g', 'h', 'j', 'k', 'l', ';', '\'', '`',
	0, '\\', 'z', 'x', 'c', 'v', 'b', 'n', 'm', ',', '.', '/', 0,
	'*', 0, ' ',
}

var scancodeToASCIIShift = [...]byte{
	0, KeyEscape, '!', '@', '#', '$', '%', '^', '&', '*', '(', ')', '_', '+', '\b',
	'\t', 'Q', 'W', 'E', 'R', 'T', 'Y', 'U', 'I', 'O', 'P', '{', '}', '\n',
	0, 'A', 'S', 'D', 'F', 'G', 'H', 'J', 'K', 'L', ':', '"', '~',
	0, '|', 'Z', 'X', 'C', 'V', 'B', 'N', 'M', '<', '>', '?', 0,
	'*', 0, ' ',
}

// Ports is the byte-wide port I/O this driver needs.
type Ports interface {
	Inb(port uint16) uint8
}

// InterruptController is the subset of pic.PIC this driver drives: clear
// the mask at init time, send EOI after each scancode.
type InterruptController interface {
	Enable(irq int)
	EOI(irq int)
}

// Event is one decoded key transition.
type Event struct {
	ASCII     byte
	Scancode  uint8
	Modifiers uint8
	Released  bool
}

// Driver owns the ring buffer and modifier state; HandleIRQ is called
// from the IRQ1 handler.
type Driver struct {
	ports Ports
	pic   InterruptController

	buffer            [bufferSize]byte
	head, tail        int
	modifiers         uint8
	extendedPending   bool
}

// New drains any pending byte from the controller and unmasks IRQ1.
func New(ports Ports, pic InterruptController) *Driver {
	d := &Driver{ports: ports, pic: pic}
	for ports.Inb(StatusPort)&statusOutputFull != 0 {
		ports.Inb(DataPort)
	}
	pic.Enable(IRQ)
	return d
}

func (d *Driver) put(c byte) {
	next := (d.head + 1) % bufferSize
	if next != d.tail {
		d.buffer[d.head] = c
		d.head = next
	}
}

// HasKey reports whether a decoded character is waiting.
func (d *Driver) HasKey() bool { return d.head != d.tail }

// GetChar pops the oldest buffered character, or (0, false) if empty.
// Callers that want a blocking read spin on HasKey themselves.
func (d *Driver) GetChar() (byte, bool) {
	if !d.HasKey() {
		return 0, false
	}
	c := d.buffer[d.tail]
	d.tail = (d.tail + 1) % bufferSize
	return c, true
}

// Modifiers returns the current modifier key state.
func (d *Driver) Modifiers() uint8 { return d.modifiers }

// HandleIRQ reads one scancode, updates modifier state or buffers the
// translated ASCII character, and sends EOI.
func (d *Driver) HandleIRQ() {
	scancode := d.ports.Inb(DataPort)
	if scancode == 0xE0 {
		d.extendedPending = true
		d.pic.EOI(IRQ)
		return
	}
	released := scancode&0x80 != 0
	key := scancode & 0x7F

	if d.extendedPending {
		d.extendedPending = false
		if !released {
			switch key {
			case extUp:
				d.put(KeyUp)
			case extDown:
				d.put(KeyDown)
			case extLeft:
				d.put(KeyLeft)
			case extRight:
				d.put(KeyRight)
			}
		}
		d.pic.EOI(IRQ)
		return
	}

	switch key {
	case keyLShift, keyRShift:
		d.setModifier(ModShift, released)
		d.pic.EOI(IRQ)
		return
	case keyLCtrl:
		d.setModifier(ModCtrl, released)
		d.pic.EOI(IRQ)
		return
	case keyLAlt:
		d.setModifier(ModAlt, released)
		d.pic.EOI(IRQ)
		return
	case keyCapsLock:
		if !released {
			d.modifiers ^= ModCaps
		}
		d.pic.EOI(IRQ)
		return
	}

	if released {
		d.pic.EOI(IRQ)
		return
	}

	ascii := d.translate(key)
	if ascii != 0 {
		d.put(ascii)
	}
	d.pic.EOI(IRQ)
}

func (d *Driver) setModifier(flag uint8, released bool) {
	if released {
		d.modifiers &^= flag
	} else {
		d.modifiers |= flag
	}
}

// translate mirrors the C dispatch's shift/caps-lock precedence exactly:
// caps lock toggles shift only across the letter range (0x10-0x32).
func (d *Driver) translate(key uint8) byte {
	if int(key) >= len(scancodeToASCII) {
		return 0
	}
	shift := d.modifiers&ModShift != 0
	caps := d.modifiers&ModCaps != 0
	if caps && key >= 0x10 && key <= 0x32 {
		shift = !shift
	}
	if shift {
		return scancodeToASCIIShift[key]
	}
	return scancodeToASCII[key]
}
