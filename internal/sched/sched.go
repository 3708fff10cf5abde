// Package sched implements the preemptive multi-level adaptive scheduler:
// seven priority-ordered ready queues, a sorted sleep queue, a blocked
// queue, and the promotion/demotion rule that nudges a thread's effective
// priority toward idle when it monopolizes the CPU and back toward its
// base priority when it does not.
//
// A fresh thread's kernel stack is primed so its first SwitchContext pop
// sequence lands on asm.ThreadTrampolineEntry with interrupts enabled
// (RFLAGS = 0x202) and every callee-saved register zero.
package sched

import (
	"github.com/cgos-go/kernel/asm"
	"github.com/cgos-go/kernel/internal/memio"
)

// Thread scheduling state.
type State int

const (
	Created State = iota
	Ready
	Running
	Blocked
	Sleeping
	Terminated
)

func (s State) String() string {
	switch s {
	case Created:
		return "CREATED"
	case Ready:
		return "READY"
	case Running:
		return "RUNNING"
	case Blocked:
		return "BLOCKED"
	case Sleeping:
		return "SLEEPING"
	case Terminated:
		return "TERMINATED"
	default:
		return "UNKNOWN"
	}
}

// Priority levels, 0 = highest.
const (
	PriorityRealtime    = 0
	PriorityHigh        = 1
	PriorityAboveNormal = 2
	PriorityNormal      = 3
	PriorityBelowNormal = 4
	PriorityLow         = 5
	PriorityIdle        = 6
	PriorityLevels      = 7
)

func PriorityName(p uint8) string {
	switch p {
	case PriorityRealtime:
		return "REALTIME"
	case PriorityHigh:
		return "HIGH"
	case PriorityAboveNormal:
		return "ABOVE_NORMAL"
	case PriorityNormal:
		return "NORMAL"
	case PriorityBelowNormal:
		return "BELOW_NORMAL"
	case PriorityLow:
		return "LOW"
	case PriorityIdle:
		return "IDLE"
	default:
		return "UNKNOWN"
	}
}

const (
	TimeSliceBaseMS        = 10
	KernelStackSize        = 8192
	CPUHistorySamples      = 8
	PriorityBoostThreshold = 30
	PriorityDemoteThreshold = 80
	MaxThreads             = 256
)

// calculateTimeSlice gives higher priority (lower number) a longer slice.
func calculateTimeSlice(priority uint8) uint32 {
	return TimeSliceBaseMS + uint32(PriorityLevels-int(priority))*3
}

// Thread is the thread control block. Nothing but SwitchContext touches
// RSP, and it does so through a plain *uintptr, so field order follows Go
// struct-layout convention rather than any fixed assembly-visible prefix.
type Thread struct {
	TID  uint32
	Name string
	state State

	KernelStackBase uintptr
	KernelStackSize uintptr
	RSP             uintptr

	Entry func()

	Priority     uint8
	BasePriority uint8

	TimeSlice       uint32
	TimeSliceLength uint32
	TotalTicks      uint64

	CPUUsageHistory [CPUHistorySamples]uint8
	HistoryIndex    uint8
	AvgCPUUsage     uint8

	SliceStartTicks    uint64
	TicksUsedThisSlice uint64

	WakeTime uint64

	next *Thread
	prev *Thread

	ExitCode int
}

// State returns the thread's current scheduling state.
func (t *Thread) State() State { return t.state }

// FrameAllocator is the subset of pmm.Allocator a kernel stack needs.
type FrameAllocator interface {
	AllocContiguous(n uint64) (uintptr, bool)
	FreeContiguous(addr uintptr, n uint64)
}

// GDT is the subset of gdt.GDT the scheduler needs to retarget ring-0
// entry on every switch.
type GDT interface {
	SetKernelStack(rsp0 uintptr)
}

type queue struct {
	head, tail *Thread
}

func (q *queue) pushBack(t *Thread) {
	t.next, t.prev = nil, q.tail
	if q.tail != nil {
		q.tail.next = t
	} else {
		q.head = t
	}
	q.tail = t
}

func (q *queue) popFront() *Thread {
	t := q.head
	if t == nil {
		return nil
	}
	q.head = t.next
	if q.head != nil {
		q.head.prev = nil
	} else {
		q.tail = nil
	}
	t.next, t.prev = nil, nil
	return t
}

func (q *queue) empty() bool { return q.head == nil }

// Scheduler owns every queue, the thread table, and the currently-running
// thread. The zero value is not usable; construct with New.
type Scheduler struct {
	mem    memio.Memory
	frames FrameAllocator
	hhdm   uintptr
	gdt    GDT

	ready   [PriorityLevels]queue
	sleep   queue // singly-used as a sorted singly-linked list via next
	blocked queue

	table   [MaxThreads]*Thread
	nextTID uint32

	current *Thread
	Idle    *Thread
	lastTick uint64

	// Switch performs the actual register/stack swap. Defaults to
	// asm.SwitchContext; overridable so tests can observe scheduling
	// decisions without executing a real stack switch inside the test
	// process.
	Switch func(outgoingRSP *uintptr, incomingRSP uintptr)
}

// New returns a scheduler with empty queues and the real context switch
// wired in. Callers must still CreateThread an idle thread and assign it to
// Idle before the first Tick; the idle thread is dispatched directly when
// every ready queue is empty and is never enqueued itself.
func New(mem memio.Memory, frames FrameAllocator, hhdm uintptr, gdt GDT) *Scheduler {
	s := &Scheduler{mem: mem, frames: frames, hhdm: hhdm, gdt: gdt, nextTID: 1}
	s.Switch = asm.SwitchContext
	asm.SetThreadEntryGo(func() {
		if s.current != nil && s.current.Entry != nil {
			s.current.Entry()
		}
		s.Exit()
	})
	return s
}

const stackPages = KernelStackSize / 4096

// initStack primes a fresh kernel stack so the first SwitchContext into it
// returns into asm.ThreadTrampolineEntry with RFLAGS.IF set and every
// callee-saved register zeroed, per asm.SwitchContext's pop order (BP, BX,
// R12, R13, R14, R15, RFLAGS, return address read last by RET).
func (s *Scheduler) initStack(virtBase uintptr, size uintptr) uintptr {
	top := virtBase + size
	sp := top

	sp -= 8
	s.mem.Write64(sp, uint64(asm.ThreadTrampolineEntry()))
	sp -= 8
	s.mem.Write64(sp, 0x202) // RFLAGS: IF=1, reserved bit 1 set
	sp -= 8
	s.mem.Write64(sp, 0) // R15
	sp -= 8
	s.mem.Write64(sp, 0) // R14
	sp -= 8
	s.mem.Write64(sp, 0) // R13
	sp -= 8
	s.mem.Write64(sp, 0) // R12
	sp -= 8
	s.mem.Write64(sp, 0) // BX
	sp -= 8
	s.mem.Write64(sp, 0) // BP

	return sp
}

// CreateThread allocates a kernel stack, primes it, assigns a TID, and
// registers the thread in state Created. It does not enqueue the thread;
// callers call Add to make it schedulable. priority is clamped to
// PriorityNormal if out of range.
func (s *Scheduler) CreateThread(name string, entry func(), priority uint8) (*Thread, bool) {
	if priority >= PriorityLevels {
		priority = PriorityNormal
	}

	slot := -1
	for i, t := range s.table {
		if t == nil {
			slot = i
			break
		}
	}
	if slot < 0 {
		return nil, false
	}

	stackPhys, ok := s.frames.AllocContiguous(stackPages)
	if !ok {
		return nil, false
	}
	stackVirt := stackPhys + s.hhdm

	t := &Thread{
		TID:             s.nextTID,
		Name:            name,
		Entry:           entry,
		KernelStackBase: stackVirt,
		KernelStackSize: KernelStackSize,
		Priority:        priority,
		BasePriority:    priority,
		AvgCPUUsage:     50,
	}
	for i := range t.CPUUsageHistory {
		t.CPUUsageHistory[i] = 50
	}
	t.TimeSliceLength = calculateTimeSlice(priority)
	t.TimeSlice = t.TimeSliceLength
	t.RSP = s.initStack(stackVirt, KernelStackSize)
	t.state = Created

	s.nextTID++
	s.table[slot] = t
	return t, true
}

// Add moves a Created or Ready thread into its priority's ready queue.
func (s *Scheduler) Add(t *Thread) {
	t.state = Ready
	s.ready[t.Priority].pushBack(t)
}

// Current returns the currently-running thread, or nil before the first
// dispatch.
func (s *Scheduler) Current() *Thread { return s.current }

// ByTID looks up a live thread by TID.
func (s *Scheduler) ByTID(tid uint32) *Thread {
	for _, t := range s.table {
		if t != nil && t.TID == tid {
			return t
		}
	}
	return nil
}

// pickNext dequeues the highest-priority ready thread (queue 0 first) and
// switches the CPU into it. If no ready thread exists and Idle is set, idle
// runs. If the chosen thread is already current, no switch happens.
func (s *Scheduler) pickNext() {
	var next *Thread
	for p := 0; p < PriorityLevels; p++ {
		if !s.ready[p].empty() {
			next = s.ready[p].popFront()
			break
		}
	}
	if next == nil {
		next = s.Idle
	}
	if next == nil {
		return
	}

	prev := s.current
	next.state = Running
	next.SliceStartTicks = s.lastTick
	s.current = next
	if s.gdt != nil {
		s.gdt.SetKernelStack(next.KernelStackBase + next.KernelStackSize)
	}

	if prev == next {
		return
	}
	var outPtr *uintptr
	if prev != nil {
		outPtr = &prev.RSP
	} else {
		var discard uintptr
		outPtr = &discard
	}
	s.Switch(outPtr, next.RSP)
}

// updateUsage recomputes a thread's moving-average CPU usage from the ticks
// it used in the slice that just ended (full dispatch) or that it gave up
// early (voluntary yield), then adjusts its effective priority: demote one
// level (never past idle) above 80%, promote one level (never above base)
// below 30%. Realtime and idle threads are never adjusted.
func (s *Scheduler) updateUsage(t *Thread) {
	sample := t.TicksUsedThisSlice * 100 / uint64(t.TimeSliceLength)
	if sample > 100 {
		sample = 100
	}
	t.CPUUsageHistory[t.HistoryIndex] = uint8(sample)
	t.HistoryIndex = (t.HistoryIndex + 1) % CPUHistorySamples

	var sum uint32
	for _, v := range t.CPUUsageHistory {
		sum += uint32(v)
	}
	t.AvgCPUUsage = uint8(sum / CPUHistorySamples)
	t.TicksUsedThisSlice = 0

	if t.Priority != PriorityRealtime && t.Priority != PriorityIdle {
		if t.AvgCPUUsage > PriorityDemoteThreshold {
			if t.Priority < PriorityIdle {
				t.Priority++
			}
		} else if t.AvgCPUUsage < PriorityBoostThreshold {
			if t.Priority > t.BasePriority {
				t.Priority--
			}
		}
	}
	t.TimeSliceLength = calculateTimeSlice(t.Priority)
	t.TimeSlice = t.TimeSliceLength
}

// Tick is called once per PIT interrupt (internal/pit's onTick hook). It
// wakes due sleepers and, if the current thread's slice has just expired,
// adjusts its priority, re-enqueues it, and dispatches the next thread.
func (s *Scheduler) Tick(now uint64) {
	s.lastTick = now
	for s.sleep.head != nil && s.sleep.head.WakeTime <= now {
		t := s.sleep.popFront()
		t.state = Ready
		s.ready[t.Priority].pushBack(t)
	}

	if s.current == nil {
		return
	}
	s.current.TotalTicks++
	s.current.TicksUsedThisSlice++
	if s.current.TimeSlice > 0 {
		s.current.TimeSlice--
	}

	if s.current.TimeSlice == 0 && s.current.Priority != PriorityIdle {
		t := s.current
		s.updateUsage(t)
		if t.state == Running {
			t.state = Ready
			s.ready[t.Priority].pushBack(t)
		}
		s.pickNext()
	}
}

// Yield voluntarily gives up the remainder of the current thread's slice:
// its usage history updates with the partial slice, its priority adjusts,
// and (unless it has terminated) it re-enqueues before the next thread is
// dispatched.
func (s *Scheduler) Yield() {
	t := s.current
	if t == nil {
		s.pickNext()
		return
	}
	s.updateUsage(t)
	if t.state != Terminated {
		t.state = Ready
		if t != s.Idle {
			s.ready[t.Priority].pushBack(t)
		}
	}
	s.pickNext()
}

// Sleep moves t into the sleep queue, ordered ascending by wakeTime, waking
// at or after wakeTime, and switches away if t was current. A thread still
// linked into a ready or blocked queue is not unlinked from it first.
func (s *Scheduler) Sleep(t *Thread, wakeTime uint64) {
	t.state = Sleeping
	t.WakeTime = wakeTime

	if s.sleep.head == nil || wakeTime < s.sleep.head.WakeTime {
		t.next = s.sleep.head
		s.sleep.head = t
	} else {
		cur := s.sleep.head
		for cur.next != nil && cur.next.WakeTime <= wakeTime {
			cur = cur.next
		}
		t.next = cur.next
		cur.next = t
	}

	if s.current == t {
		s.current = nil
		s.pickNext()
	}
}

// Block moves t into the blocked queue, switching away if it was current.
func (s *Scheduler) Block(t *Thread) {
	t.state = Blocked
	s.blocked.pushBack(t)
	if s.current == t {
		s.current = nil
		s.pickNext()
	}
}

// Unblock removes t from the blocked queue and makes it ready again.
func (s *Scheduler) Unblock(t *Thread) {
	s.removeFromBlocked(t)
	t.state = Ready
	s.ready[t.Priority].pushBack(t)
}

func (s *Scheduler) removeFromBlocked(t *Thread) {
	if t.prev != nil {
		t.prev.next = t.next
	} else if s.blocked.head == t {
		s.blocked.head = t.next
	}
	if t.next != nil {
		t.next.prev = t.prev
	} else if s.blocked.tail == t {
		s.blocked.tail = t.prev
	}
	t.next, t.prev = nil, nil
}

// Exit marks the current thread terminated and switches away. The
// scheduler does not reclaim the stack synchronously; Reap does, once the
// thread is confirmed off-CPU.
func (s *Scheduler) Exit() {
	t := s.current
	if t == nil {
		return
	}
	t.state = Terminated
	s.current = nil
	s.pickNext()
}

// Reap frees a terminated thread's kernel stack and removes it from the
// thread table. Callers must ensure t is not current and not queued
// anywhere.
func (s *Scheduler) Reap(t *Thread) {
	if t.state != Terminated {
		return
	}
	s.frames.FreeContiguous(t.KernelStackBase-s.hhdm, stackPages)
	for i, entry := range s.table {
		if entry == t {
			s.table[i] = nil
			break
		}
	}
}
