package net

// ICMP header layout: type, code, checksum, then a 4-byte rest-of-header
// (echo identifier+sequence here).
const (
	icmpHeaderLen = 8

	icmpEchoReply   uint8 = 0
	icmpEchoRequest uint8 = 8
)

func marshalICMP(typ, code uint8, identifier, sequence uint16, data []byte) []byte {
	b := make([]byte, icmpHeaderLen+len(data))
	b[0] = typ
	b[1] = code
	putU16(b, 2, 0) // checksum placeholder
	putU16(b, 4, identifier)
	putU16(b, 6, sequence)
	copy(b[icmpHeaderLen:], data)
	putU16(b, 2, checksum16(b))
	return b
}

// SendEchoRequest sends an ICMP echo request to destIP via IP.
func (ifc *Interface) SendEchoRequest(destIP IPv4, identifier, sequence uint16, data []byte) bool {
	return ifc.SendIP(destIP, ProtoICMP, marshalICMP(icmpEchoRequest, 0, identifier, sequence, data))
}

func (ifc *Interface) sendEchoReply(destIP IPv4, identifier, sequence uint16, data []byte) bool {
	return ifc.SendIP(destIP, ProtoICMP, marshalICMP(icmpEchoReply, 0, identifier, sequence, data))
}

// pingReplyState tracks the single in-flight ping reply the receive path
// records and Ping consumes.
type pingReplyState struct {
	received bool
	srcIP    IPv4
	sequence uint16
	atTick   uint64
}

// handleICMP validates the checksum, answers echo requests, and records
// echo replies for Ping to consume.
func (ifc *Interface) handleICMP(srcIP IPv4, payload []byte) {
	if len(payload) < icmpHeaderLen {
		return
	}
	original := getU16(payload, 2)
	check := make([]byte, len(payload))
	copy(check, payload)
	putU16(check, 2, 0)
	if checksum16(check) != original {
		return
	}

	typ := payload[0]
	identifier := getU16(payload, 4)
	sequence := getU16(payload, 6)
	data := payload[icmpHeaderLen:]

	switch typ {
	case icmpEchoRequest:
		ifc.sendEchoReply(srcIP, identifier, sequence, data)
	case icmpEchoReply:
		ifc.pingReply = pingReplyState{
			received: true,
			srcIP:    srcIP,
			sequence: sequence,
			atTick:   ifc.Clock.Ticks(),
		}
	}
}

// PingResult summarizes one Ping run.
type PingResult struct {
	Sent, Received        int
	MinRTT, AvgRTT, MaxRTT uint64 // milliseconds (== ticks, at the 1 kHz PIT rate)
}

const (
	pingTimeoutTicks  = 1000
	pingIntervalTicks = 500
)

// Ping sends count echo requests at 500-tick intervals, each waiting up to
// one second (1000 ticks) for a matching reply. poll is invoked on every
// spin iteration to pump the non-blocking receive path and must return the
// current tick count.
func (ifc *Interface) Ping(dest IPv4, count int, poll func() uint64) PingResult {
	var result PingResult
	result.MinRTT = ^uint64(0)
	identifier := uint16(ifc.Clock.Ticks())

	for i := 0; i < count; i++ {
		ifc.pingReply = pingReplyState{}
		sendTick := ifc.Clock.Ticks()
		if !ifc.SendEchoRequest(dest, identifier, uint16(i), nil) {
			continue
		}
		result.Sent++

		deadline := sendTick + pingTimeoutTicks
		for !ifc.pingReply.received && poll() < deadline {
		}

		if ifc.pingReply.received && ifc.pingReply.srcIP == dest {
			rtt := ifc.pingReply.atTick - sendTick
			result.Received++
			result.AvgRTT += rtt
			if rtt < result.MinRTT {
				result.MinRTT = rtt
			}
			if rtt > result.MaxRTT {
				result.MaxRTT = rtt
			}
		}

		if i < count-1 {
			delayEnd := sendTick + pingIntervalTicks
			for poll() < delayEnd {
			}
		}
	}

	if result.Received > 0 {
		result.AvgRTT /= uint64(result.Received)
	} else {
		result.MinRTT = 0
	}
	return result
}
