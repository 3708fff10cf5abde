package pit_test

import (
	"testing"

	"github.com/cgos-go/kernel/internal/pic"
	"github.com/cgos-go/kernel/internal/pit"
)

func TestNewProgramsChannel0ForOneKilohertz(t *testing.T) {
	ports := pic.NewFakePorts()
	pit.New(ports, nil)

	if len(ports.Writes) != 3 {
		t.Fatalf("init produced %d writes, want 3", len(ports.Writes))
	}
	if ports.Writes[0].Port != 0x43 {
		t.Errorf("first write port = %#x, want 0x43", ports.Writes[0].Port)
	}
	if ports.Writes[0].Value != 0x36 { // channel0|lohi|mode3|binary
		t.Errorf("command byte = %#x, want 0x36", ports.Writes[0].Value)
	}

	divisor := uint16(1_193_182 / 1000)
	if ports.Writes[1].Value != uint8(divisor&0xFF) {
		t.Errorf("divisor low byte = %#x, want %#x", ports.Writes[1].Value, uint8(divisor&0xFF))
	}
	if ports.Writes[2].Value != uint8(divisor>>8) {
		t.Errorf("divisor high byte = %#x, want %#x", ports.Writes[2].Value, uint8(divisor>>8))
	}
}

func TestTickIncrementsAndInvokesCallback(t *testing.T) {
	ports := pic.NewFakePorts()
	timer := pit.New(ports, nil)

	var seen []uint64
	timer.Tick(func(ticks uint64) { seen = append(seen, ticks) })
	timer.Tick(func(ticks uint64) { seen = append(seen, ticks) })

	if len(seen) != 2 || seen[0] != 1 || seen[1] != 2 {
		t.Errorf("callback saw %v, want [1 2]", seen)
	}
	if timer.Ticks() != 2 {
		t.Errorf("Ticks() = %d, want 2", timer.Ticks())
	}
}

func TestTickSendsEOIToMasterOnly(t *testing.T) {
	ports := pic.NewFakePorts()
	p := pic.New(ports, pic.DefaultMasterOffset, pic.DefaultSlaveOffset)
	timer := pit.New(ports, p)
	ports.Writes = nil

	timer.Tick(nil)

	if len(ports.Writes) != 1 || ports.Writes[0] != (pic.PortWrite{Port: pic.Port1Command, Value: 0x20}) {
		t.Errorf("Tick writes = %+v, want one master EOI", ports.Writes)
	}
}
