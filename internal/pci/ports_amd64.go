//go:build amd64

package pci

import "github.com/cgos-go/kernel/asm"

// RealPorts is the production Ports, backed directly by asm.Outl/Inl.
type RealPorts struct{}

func (RealPorts) Outl(port uint16, v uint32) { asm.Outl(port, v) }
func (RealPorts) Inl(port uint16) uint32     { return asm.Inl(port) }
