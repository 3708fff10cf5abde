package net

// Ethernet frame layout constants.
const (
	ethAddrLen  = 6
	EthHeaderLen = 14
	EthMinFrame  = 60 // pad to 60 bytes minimum (excludes the 4-byte FCS the NIC appends)
	EthMaxFrame  = 1514

	EtherTypeIPv4 uint16 = 0x0800
	EtherTypeARP  uint16 = 0x0806
)

// SendFrame builds dest|src|ethertype|payload, zero-pads to EthMinFrame,
// and hands it to the transmitter.
func (ifc *Interface) SendFrame(dest MAC, ethertype uint16, payload []byte) bool {
	if len(payload) > EthMaxFrame-EthHeaderLen {
		return false
	}
	frameLen := EthHeaderLen + len(payload)
	if frameLen < EthMinFrame {
		frameLen = EthMinFrame
	}
	frame := make([]byte, frameLen)
	copy(frame[0:6], dest[:])
	copy(frame[6:12], ifc.MAC[:])
	putU16(frame, 12, ethertype)
	copy(frame[14:], payload)
	return ifc.TX.Send(frame)
}

// HandleFrame dispatches a received frame by ethertype. Frames not
// addressed to our MAC or broadcast are dropped.
func (ifc *Interface) HandleFrame(frame []byte) {
	if len(frame) < EthHeaderLen {
		return
	}
	var dest MAC
	copy(dest[:], frame[0:6])
	if dest != ifc.MAC && !dest.IsBroadcast() {
		return
	}

	var src MAC
	copy(src[:], frame[6:12])
	ethertype := getU16(frame, 12)
	payload := frame[EthHeaderLen:]

	switch ethertype {
	case EtherTypeARP:
		ifc.handleARP(payload)
	case EtherTypeIPv4:
		ifc.handleIP(payload)
	}
}

// PollOnce drains one received frame (if any) from rx and dispatches it;
// returns the number of bytes processed (0 if the ring was empty), for
// callers driving the strictly non-blocking network loop.
func (ifc *Interface) PollOnce(rx func([]byte) int) int {
	buf := make([]byte, EthMaxFrame)
	n := rx(buf)
	if n == 0 {
		return 0
	}
	ifc.HandleFrame(buf[:n])
	return n
}
