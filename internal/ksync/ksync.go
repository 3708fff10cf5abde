// Package ksync implements the kernel's synchronization primitives:
// spinlocks, IRQ-save critical sections, a mutex, a semaphore, and memory
// fences. Named ksync (not sync) to avoid shadowing the standard library
// package.
//
// The mutex and semaphore are built atop the spinlock rather than atop a
// scheduler-level block/wake primitive, because they must work before the
// thread system is up; callers that hold them across long waits spin.
package ksync

import (
	"sync/atomic"

	"github.com/cgos-go/kernel/asm"
)

// SpinLock is a test-and-set lock with acquire/release memory ordering.
// Name and LockTick exist for debugging contended locks.
type SpinLock struct {
	state    atomic.Uint32
	Name     string
	LockTick uint64
}

const (
	unlocked = 0
	locked   = 1
)

// NewSpinLock returns an unlocked spinlock labeled name (for debugging).
func NewSpinLock(name string) *SpinLock {
	return &SpinLock{Name: name}
}

// Acquire busy-waits until the lock is held, pausing between attempts to
// be friendly to a sibling hardware thread.
func (l *SpinLock) Acquire() {
	for !l.state.CompareAndSwap(unlocked, locked) {
		asm.Pause()
	}
}

// TryAcquire attempts to acquire the lock without blocking.
func (l *SpinLock) TryAcquire() bool {
	return l.state.CompareAndSwap(unlocked, locked)
}

// Release releases the lock.
func (l *SpinLock) Release() {
	l.state.Store(unlocked)
}

// IsLocked reports whether the lock is currently held.
func (l *SpinLock) IsLocked() bool {
	return l.state.Load() == locked
}

// IRQState is the interrupt-enable snapshot a critical section restores on
// exit.
type IRQState struct {
	interruptsWereEnabled bool
}

// EnterCritical disables interrupts and returns the prior state.
func EnterCritical() IRQState {
	state := IRQState{interruptsWereEnabled: asm.InterruptsEnabled()}
	asm.DisableInterrupts()
	return state
}

// ExitCritical restores interrupts to the state EnterCritical observed.
func ExitCritical(state IRQState) {
	if state.interruptsWereEnabled {
		asm.EnableInterrupts()
	}
}

// AcquireIRQSave disables interrupts before spinning for lock, for use by
// code that must synchronize with an interrupt handler on this CPU.
func (l *SpinLock) AcquireIRQSave() IRQState {
	state := EnterCritical()
	l.Acquire()
	return state
}

// ReleaseIRQRestore releases lock and restores the interrupt state captured
// by the matching AcquireIRQSave.
func (l *SpinLock) ReleaseIRQRestore(state IRQState) {
	l.Release()
	ExitCritical(state)
}

// Mutex is a busy-wait mutual-exclusion lock built atop a SpinLock. It
// spins rather than blocking the thread on a wait-list; a scheduler-aware
// blocking version would need the thread system up first.
type Mutex struct {
	guard  SpinLock
	locked bool
	Name   string
}

// NewMutex returns an unlocked, named mutex.
func NewMutex(name string) *Mutex {
	return &Mutex{guard: SpinLock{Name: name}, Name: name}
}

// Acquire blocks (by spinning) until the mutex is free, then takes it.
func (m *Mutex) Acquire() {
	for {
		m.guard.Acquire()
		if !m.locked {
			m.locked = true
			m.guard.Release()
			return
		}
		m.guard.Release()
		asm.Pause()
	}
}

// TryAcquire attempts to take the mutex without blocking.
func (m *Mutex) TryAcquire() bool {
	m.guard.Acquire()
	defer m.guard.Release()
	if m.locked {
		return false
	}
	m.locked = true
	return true
}

// Release frees the mutex.
func (m *Mutex) Release() {
	m.guard.Acquire()
	m.locked = false
	m.guard.Release()
}

// Semaphore is a counting semaphore bounded by maxCount.
type Semaphore struct {
	guard    SpinLock
	count    int
	maxCount int
	Name     string
}

// NewSemaphore returns a semaphore starting at initialCount, saturating at
// maxCount.
func NewSemaphore(initialCount, maxCount int, name string) *Semaphore {
	return &Semaphore{guard: SpinLock{Name: name}, count: initialCount, maxCount: maxCount, Name: name}
}

// Wait blocks (by spinning) until a unit is available, then takes it.
func (s *Semaphore) Wait() {
	for {
		s.guard.Acquire()
		if s.count > 0 {
			s.count--
			s.guard.Release()
			return
		}
		s.guard.Release()
		asm.Pause()
	}
}

// TryWait attempts to take a unit without blocking.
func (s *Semaphore) TryWait() bool {
	s.guard.Acquire()
	defer s.guard.Release()
	if s.count <= 0 {
		return false
	}
	s.count--
	return true
}

// Signal returns a unit to the semaphore, saturating at MaxCount.
func (s *Semaphore) Signal() {
	s.guard.Acquire()
	if s.count < s.maxCount {
		s.count++
	}
	s.guard.Release()
}

// Count reads the current count under the guard lock.
func (s *Semaphore) Count() int {
	s.guard.Acquire()
	defer s.guard.Release()
	return s.count
}

// MemoryBarrier is a full sequentially-consistent fence.
func MemoryBarrier() { asm.MemoryFence() }

// ReadBarrier is an acquire fence.
func ReadBarrier() { asm.LoadFence() }

// WriteBarrier is a release fence.
func WriteBarrier() { asm.StoreFence() }
