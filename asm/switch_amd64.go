//go:build amd64

package asm

// SwitchContext is the pure register-preserving context switch: it saves
// the callee-saved registers and RFLAGS of the outgoing thread onto its
// own stack, stores the resulting RSP at
// *outgoingRSP, then loads incomingRSP and pops the incoming thread's
// registers and RFLAGS before returning. Must be called with interrupts
// disabled; returns with whatever interrupt flag the incoming thread saved.
//
//go:noescape
func SwitchContext(outgoingRSP *uintptr, incomingRSP uintptr)

// ThreadTrampolineEntry returns the address a freshly created thread's stack
// is rigged to "return" into on its first switch-in: a tiny assembly stub
// that calls sched.ThreadEntryGo (wired up via SetThreadEntryGo) and halts
// if that call ever returns.
//
//go:noescape
func ThreadTrampolineEntry() uintptr

// SetThreadEntryGo records the Go function the trampoline calls on a fresh
// thread's first dispatch. internal/sched calls this once at scheduler init
// so the trampoline's CALL target resolves without asm importing sched
// (which would be a dependency cycle: sched imports asm for the switch).
// fn is retained in a package global, so it escapes.
func SetThreadEntryGo(fn func())
