// Package asm is the narrow seam between the kernel core and instructions Go
// cannot express: port I/O, privileged control-register access, and the
// register-preserving context switch. Every exported function here is a thin
// declaration whose body lives in a sibling .s file.
//
// Nothing in this package holds state; callers in internal/* own all data
// structures and pass addresses/values by value.
package asm
