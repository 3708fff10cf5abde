//go:build amd64

package keyboard

import "github.com/cgos-go/kernel/asm"

// RealPorts is the production Ports, backed directly by asm.Inb.
type RealPorts struct{}

func (RealPorts) Inb(port uint16) uint8 { return asm.Inb(port) }
