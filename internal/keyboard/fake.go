package keyboard

// FakePorts is an empty PS/2 controller: StatusPort always reads 0 (no byte
// pending) and DataPort always reads 0. It lets higher-level wiring (the
// kernel entry point's tests) construct a Driver without real hardware.
type FakePorts struct{}

func (FakePorts) Inb(port uint16) uint8 { return 0 }
