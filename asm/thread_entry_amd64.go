//go:build amd64

package asm

// threadEntryHook is set once by internal/sched via SetThreadEntryGo and
// invoked by the assembly trampoline on a fresh thread's first dispatch.
var threadEntryHook func()

// threadEntryDispatch is the CALL target threadTrampoline (switch_amd64.s)
// jumps to. It exists so the assembly never has to reason about Go's
// closure calling convention beyond a single indirect call through this
// ordinary Go function.
func threadEntryDispatch() {
	if threadEntryHook != nil {
		threadEntryHook()
	}
}
