//go:build amd64

package ata

import "github.com/cgos-go/kernel/asm"

// RealPorts is the production Ports, backed directly by asm.Inb/Outb/Inw/Outw.
type RealPorts struct{}

func (RealPorts) Inb(port uint16) uint8      { return asm.Inb(port) }
func (RealPorts) Outb(port uint16, v uint8)  { asm.Outb(port, v) }
func (RealPorts) Inw(port uint16) uint16     { return asm.Inw(port) }
func (RealPorts) Outw(port uint16, v uint16) { asm.Outw(port, v) }
