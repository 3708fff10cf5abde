package idt_test

import (
	"testing"

	"github.com/cgos-go/kernel/internal/idt"
)

func TestSetGateIgnoresOutOfRangeIndex(t *testing.T) {
	tbl := idt.New()
	tbl.SetGate(-1, 0x1000, 0x08, idt.TypeInterruptGate)
	tbl.SetGate(idt.NumEntries, 0x1000, 0x08, idt.TypeInterruptGate)
}

func TestRegisteredHandlerTakesPriorityOverDefault(t *testing.T) {
	tbl := idt.New()
	var got *idt.Frame
	halted := false
	tbl.Halt = func() { halted = true }

	tbl.RegisterHandler(idt.VectorBreakpoint, func(f *idt.Frame) { got = f })

	frame := &idt.Frame{Vector: idt.VectorBreakpoint}
	tbl.Dispatch(frame)

	if got == nil {
		t.Fatal("registered handler was not invoked")
	}
	if got.Vector != idt.VectorBreakpoint {
		t.Errorf("handler saw vector %d, want %d", got.Vector, idt.VectorBreakpoint)
	}
	if halted {
		t.Error("a registered handler must suppress the default halt-on-exception behavior")
	}
}

func TestUnhandledExceptionLogsAndHalts(t *testing.T) {
	tbl := idt.New()
	var logged string
	halted := false
	tbl.Logger = func(s string) { logged = s }
	tbl.Halt = func() { halted = true }

	tbl.Dispatch(&idt.Frame{Vector: idt.VectorGeneralProtection})

	if logged != "exception general protection fault" {
		t.Errorf("logged %q, want the decoded exception name", logged)
	}
	if !halted {
		t.Error("unhandled exception must halt")
	}
}

func TestUnregisterHandlerRestoresDefaultBehavior(t *testing.T) {
	tbl := idt.New()
	halted := false
	tbl.Halt = func() { halted = true }
	tbl.RegisterHandler(idt.VectorDivideError, func(*idt.Frame) {})
	tbl.UnregisterHandler(idt.VectorDivideError)

	tbl.Dispatch(&idt.Frame{Vector: idt.VectorDivideError})

	if !halted {
		t.Error("dispatch after UnregisterHandler should hit the default halt path")
	}
}

func TestHasHardwareErrorCodeMatchesKnownVectors(t *testing.T) {
	if !idt.HasHardwareErrorCode(idt.VectorPageFault) {
		t.Error("page fault pushes a hardware error code")
	}
	if !idt.HasHardwareErrorCode(idt.VectorGeneralProtection) {
		t.Error("general protection fault pushes a hardware error code")
	}
	if idt.HasHardwareErrorCode(idt.VectorBreakpoint) {
		t.Error("breakpoint pushes no hardware error code")
	}
}

func TestUnhandledIRQDoesNotHalt(t *testing.T) {
	tbl := idt.New()
	halted := false
	tbl.Halt = func() { halted = true }

	tbl.Dispatch(&idt.Frame{Vector: idt.IRQBase + 3})

	if halted {
		t.Error("an unrecognized IRQ must not halt the kernel")
	}
}
