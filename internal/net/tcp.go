package net

// TCP header layout: src/dest port, seq, ack, data offset + flags,
// window, checksum, urgent pointer - 20 bytes, no options.
const (
	TCPHeaderLen = 20

	tcpFlagFIN uint8 = 0x01
	tcpFlagSYN uint8 = 0x02
	tcpFlagRST uint8 = 0x04
	tcpFlagPSH uint8 = 0x08
	tcpFlagACK uint8 = 0x10

	tcpDefaultWindow uint16 = 8192
)

// TCPState is a connection's position in the TCP state machine.
type TCPState int

const (
	TCPClosed TCPState = iota
	TCPListen
	TCPSynSent
	TCPSynReceived
	TCPEstablished
	TCPFinWait1
	TCPFinWait2
	TCPCloseWait
	TCPClosing
	TCPLastAck
	TCPTimeWait
)

// TCPConnection is one entry of the fixed-capacity connection table.
type TCPConnection struct {
	ifc *Interface

	State TCPState

	LocalPort  uint16
	RemoteIP   IPv4
	RemotePort uint16

	sendNext uint32
	sendUna  uint32
	recvNext uint32

	listening bool

	recvQueue []byte

	timeWaitUntil uint64

	OnDataReceived func(data []byte)
	OnStateChange  func(state TCPState)
}

// TCPListen allocates a connection-table slot in the LISTEN state bound to
// port, or (nil, false) if the table is full or the port's already taken.
func (ifc *Interface) TCPListen(port uint16) (*TCPConnection, bool) {
	if port == 0 || len(ifc.tcpConns) >= maxTCPConns {
		return nil, false
	}
	for _, c := range ifc.tcpConns {
		if c.listening && c.LocalPort == port {
			return nil, false
		}
	}
	c := &TCPConnection{ifc: ifc, State: TCPListen, LocalPort: port, listening: true}
	ifc.tcpConns = append(ifc.tcpConns, c)
	return c, true
}

// TCPConnect actively opens a connection to remoteIP:remotePort, sending
// the initial SYN of the three-way handshake.
func (ifc *Interface) TCPConnect(remoteIP IPv4, remotePort uint16) (*TCPConnection, bool) {
	if remoteIP == 0 || remotePort == 0 || len(ifc.tcpConns) >= maxTCPConns {
		return nil, false
	}
	localPort := ifc.nextEphemeralPort()
	c := &TCPConnection{
		ifc: ifc, State: TCPSynSent,
		LocalPort: localPort, RemoteIP: remoteIP, RemotePort: remotePort,
		sendNext: ifc.tcpISN, sendUna: ifc.tcpISN,
	}
	ifc.tcpISN += 64000
	ifc.tcpConns = append(ifc.tcpConns, c)
	c.sendSegment(tcpFlagSYN, nil)
	c.sendNext++
	return c, true
}

func (ifc *Interface) nextEphemeralPort() uint16 {
	p := ifc.tcpEphemeral
	ifc.tcpEphemeral++
	if ifc.tcpEphemeral == 0 {
		ifc.tcpEphemeral = 32768
	}
	return p
}

func (c *TCPConnection) setState(s TCPState) {
	c.State = s
	if c.OnStateChange != nil {
		c.OnStateChange(s)
	}
}

func marshalTCP(srcPort, destPort uint16, seq, ack uint32, flags uint8, window uint16, payload []byte) []byte {
	b := make([]byte, TCPHeaderLen+len(payload))
	putU16(b, 0, srcPort)
	putU16(b, 2, destPort)
	putU32(b, 4, seq)
	putU32(b, 8, ack)
	b[12] = (TCPHeaderLen / 4) << 4
	b[13] = flags
	putU16(b, 14, window)
	putU16(b, 16, 0) // checksum placeholder
	putU16(b, 18, 0) // urgent pointer
	copy(b[TCPHeaderLen:], payload)
	return b
}

func (c *TCPConnection) sendSegment(flags uint8, payload []byte) bool {
	ifc := c.ifc
	seg := marshalTCP(c.LocalPort, c.RemotePort, c.sendNext, c.recvNext, flags, tcpDefaultWindow, payload)
	pseudo := pseudoHeaderSum(ifc.IP, c.RemoteIP, ProtoTCP, uint16(len(seg)))
	putU16(seg, 16, checksum16WithPseudo(pseudo, seg))
	return ifc.SendIP(c.RemoteIP, ProtoTCP, seg)
}

// Send transmits payload at once as one PSH|ACK segment on an established
// connection.
func (c *TCPConnection) Send(payload []byte) bool {
	if c.State != TCPEstablished && c.State != TCPCloseWait {
		return false
	}
	if !c.sendSegment(tcpFlagACK|tcpFlagPSH, payload) {
		return false
	}
	c.sendNext += uint32(len(payload))
	return true
}

// Recv pops all currently-buffered received bytes.
func (c *TCPConnection) Recv() ([]byte, bool) {
	if len(c.recvQueue) == 0 {
		return nil, false
	}
	data := c.recvQueue
	c.recvQueue = nil
	return data, true
}

// Close begins the active-close sequence.
func (c *TCPConnection) Close() bool {
	switch c.State {
	case TCPEstablished:
		c.sendSegment(tcpFlagFIN|tcpFlagACK, nil)
		c.sendNext++
		c.setState(TCPFinWait1)
		return true
	case TCPCloseWait:
		c.sendSegment(tcpFlagFIN|tcpFlagACK, nil)
		c.sendNext++
		c.setState(TCPLastAck)
		return true
	default:
		return false
	}
}

func (ifc *Interface) findTCPConn(localPort uint16, remoteIP IPv4, remotePort uint16) *TCPConnection {
	var listener *TCPConnection
	for _, c := range ifc.tcpConns {
		if c.LocalPort != localPort {
			continue
		}
		if c.listening && c.State == TCPListen {
			listener = c
			continue
		}
		if c.RemoteIP == remoteIP && c.RemotePort == remotePort {
			return c
		}
	}
	return listener
}

// handleTCP drives the per-connection state machine, dispatching on the
// connection's current State.
func (ifc *Interface) handleTCP(srcIP, destIP IPv4, payload []byte) {
	if len(payload) < TCPHeaderLen {
		return
	}
	srcPort := getU16(payload, 0)
	destPort := getU16(payload, 2)
	seq := getU32(payload, 4)
	ack := getU32(payload, 8)
	dataOff := int(payload[12]>>4) * 4
	flags := payload[13]
	if dataOff < TCPHeaderLen || dataOff > len(payload) {
		dataOff = TCPHeaderLen
	}
	data := payload[dataOff:]

	conn := ifc.findTCPConn(destPort, srcIP, srcPort)
	if conn == nil {
		return
	}

	switch conn.State {
	case TCPListen:
		if flags&tcpFlagSYN != 0 {
			child := &TCPConnection{
				ifc: ifc, State: TCPSynReceived,
				LocalPort: destPort, RemoteIP: srcIP, RemotePort: srcPort,
				sendNext: ifc.tcpISN, sendUna: ifc.tcpISN,
				recvNext: seq + 1,
			}
			ifc.tcpISN += 64000
			ifc.tcpConns = append(ifc.tcpConns, child)
			child.sendSegment(tcpFlagSYN|tcpFlagACK, nil)
			child.sendNext++
		}

	case TCPSynSent:
		if flags&tcpFlagSYN != 0 && flags&tcpFlagACK != 0 && ack == conn.sendNext {
			conn.recvNext = seq + 1
			conn.sendUna = ack
			conn.sendSegment(tcpFlagACK, nil)
			conn.setState(TCPEstablished)
		}

	case TCPSynReceived:
		if flags&tcpFlagACK != 0 && ack == conn.sendNext {
			conn.sendUna = ack
			conn.setState(TCPEstablished)
		}

	case TCPEstablished:
		if flags&tcpFlagRST != 0 {
			conn.setState(TCPClosed)
			return
		}
		if len(data) > 0 && seq == conn.recvNext {
			conn.recvNext += uint32(len(data))
			conn.recvQueue = append(conn.recvQueue, data...)
			if conn.OnDataReceived != nil {
				conn.OnDataReceived(data)
			}
			conn.sendSegment(tcpFlagACK, nil)
		}
		if flags&tcpFlagFIN != 0 {
			conn.recvNext++
			conn.sendSegment(tcpFlagACK, nil)
			conn.setState(TCPCloseWait)
		}

	case TCPFinWait1:
		if flags&tcpFlagACK != 0 && ack == conn.sendNext {
			conn.sendUna = ack
			if flags&tcpFlagFIN != 0 {
				conn.recvNext++
				conn.sendSegment(tcpFlagACK, nil)
				conn.enterTimeWait()
			} else {
				conn.setState(TCPFinWait2)
			}
		} else if flags&tcpFlagFIN != 0 {
			conn.recvNext++
			conn.sendSegment(tcpFlagACK, nil)
			conn.setState(TCPClosing)
		}

	case TCPFinWait2:
		if flags&tcpFlagFIN != 0 {
			conn.recvNext++
			conn.sendSegment(tcpFlagACK, nil)
			conn.enterTimeWait()
		}

	case TCPClosing:
		if flags&tcpFlagACK != 0 && ack == conn.sendNext {
			conn.enterTimeWait()
		}

	case TCPLastAck:
		if flags&tcpFlagACK != 0 && ack == conn.sendNext {
			conn.setState(TCPClosed)
		}
	}
}

const tcpTimeWaitTicks = 2000

func (c *TCPConnection) enterTimeWait() {
	c.timeWaitUntil = c.ifc.Clock.Ticks() + tcpTimeWaitTicks
	c.setState(TCPTimeWait)
}

// ExpireTimeWait transitions any connection whose 2*MSL TIME-WAIT has
// elapsed to CLOSED; callers invoke this from the periodic tick handler.
func (ifc *Interface) ExpireTimeWait() {
	now := ifc.Clock.Ticks()
	for _, c := range ifc.tcpConns {
		if c.State == TCPTimeWait && now >= c.timeWaitUntil {
			c.setState(TCPClosed)
		}
	}
}
