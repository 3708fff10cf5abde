//go:build amd64

package pic

import "github.com/cgos-go/kernel/asm"

// RealPorts is the production Ports, backed directly by the asm package's
// IN/OUT instruction wrappers.
type RealPorts struct{}

func (RealPorts) Outb(port uint16, v uint8) { asm.Outb(port, v) }
func (RealPorts) Inb(port uint16) uint8     { return asm.Inb(port) }
func (RealPorts) IOWait()                   { asm.IOWait() }
