//go:build amd64

package console

import "github.com/cgos-go/kernel/asm"

// RealPort is the production Port, backed directly by asm.Outb.
type RealPort struct{}

func (RealPort) Outb(port uint16, v uint8) { asm.Outb(port, v) }
