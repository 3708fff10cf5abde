package sched_test

import (
	"testing"

	"github.com/cgos-go/kernel/internal/memio"
	"github.com/cgos-go/kernel/internal/pmm"
	"github.com/cgos-go/kernel/internal/sched"
)

const hhdm = uintptr(0xFFFF_8000_0000_0000)

type fakeGDT struct {
	lastRSP0 uintptr
	calls    int
}

func (g *fakeGDT) SetKernelStack(rsp0 uintptr) {
	g.lastRSP0 = rsp0
	g.calls++
}

func newFixture(t *testing.T) (*sched.Scheduler, *fakeGDT) {
	t.Helper()
	frames := pmm.New(0x10_0000, 16*1024*1024)
	mem := memio.NewFake()
	gdt := &fakeGDT{}
	s := sched.New(mem, frames, hhdm, gdt)
	s.Switch = func(outgoingRSP *uintptr, incomingRSP uintptr) {
		if outgoingRSP != nil {
			*outgoingRSP = incomingRSP // fake: record, never actually switch CPU stacks in-test
		}
	}
	return s, gdt
}

func mustCreate(t *testing.T, s *sched.Scheduler, name string, priority uint8) *sched.Thread {
	t.Helper()
	thread, ok := s.CreateThread(name, func() {}, priority)
	if !ok {
		t.Fatalf("CreateThread(%q) failed", name)
	}
	return thread
}

func TestCreateThreadAssignsMonotonicTIDsAndDefaultsToNormalPriority(t *testing.T) {
	s, _ := newFixture(t)

	t1 := mustCreate(t, s, "one", sched.PriorityLevels+5)
	t2 := mustCreate(t, s, "two", sched.PriorityHigh)

	if t1.TID != 1 || t2.TID != 2 {
		t.Errorf("TIDs = %d, %d, want 1, 2", t1.TID, t2.TID)
	}
	if t1.Priority != sched.PriorityNormal {
		t.Errorf("out-of-range priority = %d, want clamp to %d", t1.Priority, sched.PriorityNormal)
	}
	if t2.Priority != sched.PriorityHigh {
		t.Errorf("priority = %d, want %d", t2.Priority, sched.PriorityHigh)
	}
	if t1.State() != sched.Created {
		t.Errorf("state = %v, want CREATED", t1.State())
	}
}

func TestTimeSliceLengthIsLongerForHigherPriority(t *testing.T) {
	s, _ := newFixture(t)
	rt := mustCreate(t, s, "rt", sched.PriorityRealtime)
	idle := mustCreate(t, s, "idle", sched.PriorityIdle)

	if rt.TimeSliceLength <= idle.TimeSliceLength {
		t.Errorf("realtime slice %d not longer than idle slice %d", rt.TimeSliceLength, idle.TimeSliceLength)
	}
	if rt.TimeSliceLength != 10+7*3 {
		t.Errorf("realtime slice = %d, want %d", rt.TimeSliceLength, 10+7*3)
	}
	if idle.TimeSliceLength != 10+1*3 {
		t.Errorf("idle slice = %d, want %d", idle.TimeSliceLength, 10+1*3)
	}
}

func TestPickNextDispatchesHighestPriorityReadyThreadFirst(t *testing.T) {
	s, gdt := newFixture(t)
	low := mustCreate(t, s, "low", sched.PriorityLow)
	high := mustCreate(t, s, "high", sched.PriorityHigh)
	s.Add(low)
	s.Add(high)

	s.Yield() // no current thread yet: dispatches highest-priority ready thread

	if s.Current() == nil {
		t.Fatal("no thread dispatched")
	}
	if s.Current().TID != high.TID {
		t.Errorf("dispatched TID %d, want the high-priority thread %d", s.Current().TID, high.TID)
	}
	if high.State() != sched.Running {
		t.Errorf("state = %v, want RUNNING", high.State())
	}
	if gdt.calls != 1 {
		t.Errorf("SetKernelStack called %d times, want 1", gdt.calls)
	}
}

func TestTickExpiresSliceAndRotatesEqualPriorityThreads(t *testing.T) {
	s, _ := newFixture(t)
	a := mustCreate(t, s, "a", sched.PriorityNormal)
	b := mustCreate(t, s, "b", sched.PriorityNormal)
	s.Add(a)
	s.Add(b)
	s.Yield() // dispatch a

	if s.Current().TID != a.TID {
		t.Fatalf("dispatched TID %d, want %d", s.Current().TID, a.TID)
	}
	sliceLen := a.TimeSliceLength
	for i := uint32(0); i < sliceLen; i++ {
		s.Tick(uint64(i))
	}

	if s.Current() == nil {
		t.Fatal("no thread running after slice expiry")
	}
	if s.Current().TID != b.TID {
		t.Errorf("expired slice must rotate to the other ready thread, got TID %d", s.Current().TID)
	}
	if a.State() != sched.Ready {
		t.Errorf("rotated-out thread state = %v, want READY", a.State())
	}
}

func TestSustainedCPUUsageDemotesPriorityTowardIdle(t *testing.T) {
	s, _ := newFixture(t)
	a := mustCreate(t, s, "hog", sched.PriorityNormal)
	idle := mustCreate(t, s, "idle", sched.PriorityIdle)
	s.Idle = idle
	s.Add(a)
	s.Yield()

	if s.Current().TID != a.TID {
		t.Fatalf("dispatched TID %d, want %d", s.Current().TID, a.TID)
	}
	base := a.Priority
	for round := 0; round < sched.CPUHistorySamples+1; round++ {
		sliceLen := a.TimeSliceLength
		for i := uint32(0); i < sliceLen; i++ {
			s.Tick(uint64(round)*1000 + uint64(i))
		}
		// a is the only non-idle ready thread, so it's immediately redispatched
	}

	if a.Priority <= base {
		t.Errorf("priority = %d, want demotion below base %d for a thread that never yields", a.Priority, base)
	}
}

func TestSleepMovesThreadOutOfRunningAndTickWakesIt(t *testing.T) {
	s, _ := newFixture(t)
	a := mustCreate(t, s, "sleeper", sched.PriorityNormal)
	idle := mustCreate(t, s, "idle", sched.PriorityIdle)
	s.Idle = idle
	s.Add(a)
	s.Yield()
	if s.Current().TID != a.TID {
		t.Fatalf("dispatched TID %d, want %d", s.Current().TID, a.TID)
	}

	s.Sleep(a, 100)
	if a.State() != sched.Sleeping {
		t.Errorf("state = %v, want SLEEPING", a.State())
	}
	if s.Current().TID != idle.TID {
		t.Errorf("current TID = %d, want idle %d while the only other thread sleeps", s.Current().TID, idle.TID)
	}

	s.Tick(50) // not due yet
	s.Yield()
	if s.Current().TID != idle.TID {
		t.Errorf("current TID = %d, want idle %d before the sleeper is due", s.Current().TID, idle.TID)
	}

	s.Tick(150) // now due
	if a.State() != sched.Ready {
		t.Errorf("state = %v after due tick, want READY", a.State())
	}
}

func TestBlockAndUnblockRoundTrip(t *testing.T) {
	s, _ := newFixture(t)
	a := mustCreate(t, s, "blocker", sched.PriorityNormal)
	idle := mustCreate(t, s, "idle", sched.PriorityIdle)
	s.Idle = idle
	s.Add(a)
	s.Yield()
	if s.Current().TID != a.TID {
		t.Fatalf("dispatched TID %d, want %d", s.Current().TID, a.TID)
	}

	s.Block(a)
	if a.State() != sched.Blocked {
		t.Errorf("state = %v, want BLOCKED", a.State())
	}
	if s.Current().TID != idle.TID {
		t.Errorf("current TID = %d, want idle %d", s.Current().TID, idle.TID)
	}

	s.Unblock(a)
	if a.State() != sched.Ready {
		t.Errorf("state = %v after unblock, want READY", a.State())
	}
}

func TestByTIDFindsRegisteredThreads(t *testing.T) {
	s, _ := newFixture(t)
	a := mustCreate(t, s, "findme", sched.PriorityNormal)

	found := s.ByTID(a.TID)
	if found == nil {
		t.Fatal("ByTID failed to find a live thread")
	}
	if found.Name != "findme" {
		t.Errorf("Name = %q, want %q", found.Name, "findme")
	}
	if s.ByTID(a.TID+999) != nil {
		t.Error("ByTID found a thread for an unknown TID")
	}
}

func TestReapFreesTerminatedThreadFromTable(t *testing.T) {
	s, _ := newFixture(t)
	a := mustCreate(t, s, "short", sched.PriorityNormal)
	s.Add(a)
	s.Yield()
	s.Exit()

	if a.State() != sched.Terminated {
		t.Fatalf("state = %v after Exit, want TERMINATED", a.State())
	}
	s.Reap(a)
	if s.ByTID(a.TID) != nil {
		t.Error("reaped thread still findable by TID")
	}
}
