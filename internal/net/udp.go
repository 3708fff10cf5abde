package net

// UDP header layout: src port, dest port, length, checksum - 8 bytes.
const UDPHeaderLen = 8

// UDPSocket is one socket's state: bound/connected flags, a receive
// callback, and a bounded receive queue so datagrams that arrive before
// the caller polls are not lost.
type UDPSocket struct {
	ifc         *Interface
	LocalPort   uint16
	RemoteIP    IPv4
	RemotePort  uint16
	Bound       bool
	Connected   bool
	OnReceive   func(data []byte, srcIP IPv4, srcPort uint16)

	queue []udpDatagram
}

type udpDatagram struct {
	data   []byte
	srcIP  IPv4
	srcPort uint16
}

const udpSocketQueueDepth = 16

// CreateUDPSocket allocates a socket from the interface's fixed-capacity
// table, or returns (nil, false) if the table is full.
func (ifc *Interface) CreateUDPSocket() (*UDPSocket, bool) {
	if len(ifc.udpSockets) >= maxUDPSockets {
		return nil, false
	}
	s := &UDPSocket{ifc: ifc}
	ifc.udpSockets = append(ifc.udpSockets, s)
	return s, true
}

// Bind claims a local port, failing if it's already bound elsewhere.
func (s *UDPSocket) Bind(port uint16) bool {
	if port == 0 {
		return false
	}
	for _, other := range s.ifc.udpSockets {
		if other != s && other.Bound && other.LocalPort == port {
			return false
		}
	}
	s.LocalPort = port
	s.Bound = true
	return true
}

// Connect fixes the remote endpoint for subsequent Send calls.
func (s *UDPSocket) Connect(remoteIP IPv4, remotePort uint16) bool {
	if remoteIP == 0 || remotePort == 0 {
		return false
	}
	s.RemoteIP = remoteIP
	s.RemotePort = remotePort
	s.Connected = true
	return true
}

// Send transmits to the connected remote endpoint.
func (s *UDPSocket) Send(data []byte) bool {
	if !s.Connected {
		return false
	}
	return s.SendTo(data, s.RemoteIP, s.RemotePort)
}

// SendTo transmits a UDP datagram from this socket's local port.
func (s *UDPSocket) SendTo(data []byte, destIP IPv4, destPort uint16) bool {
	if len(data) == 0 || destIP == 0 || destPort == 0 || !s.Bound {
		return false
	}
	return s.ifc.sendUDPPacket(destIP, s.LocalPort, destPort, data)
}

// Recv pops the oldest queued datagram.
func (s *UDPSocket) Recv() (data []byte, srcIP IPv4, srcPort uint16, ok bool) {
	if len(s.queue) == 0 {
		return nil, 0, 0, false
	}
	d := s.queue[0]
	s.queue = s.queue[1:]
	return d.data, d.srcIP, d.srcPort, true
}

// Close releases the socket's binding; the slot itself stays in the
// table.
func (s *UDPSocket) Close() {
	s.Bound = false
	s.Connected = false
	s.LocalPort = 0
	s.RemoteIP = 0
	s.RemotePort = 0
	s.OnReceive = nil
	s.queue = nil
}

func (ifc *Interface) sendUDPPacket(destIP IPv4, srcPort, destPort uint16, payload []byte) bool {
	b := make([]byte, UDPHeaderLen+len(payload))
	putU16(b, 0, srcPort)
	putU16(b, 2, destPort)
	putU16(b, 4, uint16(len(b)))
	putU16(b, 6, 0)
	copy(b[UDPHeaderLen:], payload)

	pseudo := pseudoHeaderSum(ifc.IP, destIP, ProtoUDP, uint16(len(b)))
	putU16(b, 6, checksum16WithPseudo(pseudo, b))

	return ifc.SendIP(destIP, ProtoUDP, b)
}

// handleUDP dispatches a datagram to the socket bound to its destination
// port, queuing it and invoking OnReceive if set.
func (ifc *Interface) handleUDP(srcIP IPv4, payload []byte) {
	if len(payload) < UDPHeaderLen {
		return
	}
	srcPort := getU16(payload, 0)
	destPort := getU16(payload, 2)
	length := getU16(payload, 4)
	if int(length) < UDPHeaderLen || int(length) > len(payload) {
		return
	}
	data := payload[UDPHeaderLen:length]

	for _, s := range ifc.udpSockets {
		if s.Bound && s.LocalPort == destPort {
			if s.OnReceive != nil {
				s.OnReceive(data, srcIP, srcPort)
			}
			if len(s.queue) >= udpSocketQueueDepth {
				s.queue = s.queue[1:]
			}
			cp := append([]byte(nil), data...)
			s.queue = append(s.queue, udpDatagram{data: cp, srcIP: srcIP, srcPort: srcPort})
			return
		}
	}
}
