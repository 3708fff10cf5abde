package console

// FakePort discards every byte, for wiring tests that only care that a
// Logger exists and not that bytes actually reach 0xE9.
type FakePort struct{}

func (FakePort) Outb(port uint16, v uint8) {}
