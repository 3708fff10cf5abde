package console

import "testing"

type fakePort struct {
	written []byte
}

func (f *fakePort) Outb(port uint16, v uint8) {
	if port != DebugPort {
		return
	}
	f.written = append(f.written, v)
}

func TestWriterWritesEveryByte(t *testing.T) {
	port := &fakePort{}
	w := NewWriter(port)
	n, err := w.Write([]byte("hello"))
	if err != nil {
		t.Fatalf("Write returned error: %v", err)
	}
	if n != 5 {
		t.Errorf("Write returned %d, want 5", n)
	}
	if string(port.written) != "hello" {
		t.Errorf("port received %q, want %q", port.written, "hello")
	}
}

func TestRingLogWrapsAtCapacity(t *testing.T) {
	log := NewRingLog()
	for i := 0; i < ringLogCapacity+5; i++ {
		log.Add("line")
	}
	if got := len(log.Lines()); got != ringLogCapacity {
		t.Errorf("len(Lines()) = %d, want %d", got, ringLogCapacity)
	}
}

func TestRingLogPreservesOrder(t *testing.T) {
	log := NewRingLog()
	log.Add("first")
	log.Add("second")
	log.Add("third")
	want := []string{"first", "second", "third"}
	got := log.Lines()
	if len(got) != len(want) {
		t.Fatalf("len(Lines()) = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Lines()[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestLoggerRecordsAndWrites(t *testing.T) {
	port := &fakePort{}
	logger := NewLogger(NewWriter(port), NewRingLog())
	logger.Println("Scheduler initialized")
	if string(port.written) != "Scheduler initialized\n" {
		t.Errorf("port received %q, want %q", port.written, "Scheduler initialized\n")
	}
	if !logger.log.Contains("Scheduler initialized") {
		t.Error("ring log should contain the logged line")
	}
}
