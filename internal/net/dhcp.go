package net

// DHCP constants: fixed header layout, magic cookie, and the option
// codes/message types this client uses.
const (
	dhcpClientPort = 68
	dhcpServerPort = 67

	dhcpFixedHeaderLen = 236
	dhcpMagicCookie    = 0x63825363

	dhcpOpRequest = 1
	dhcpOpReply   = 2

	dhcpHTypeEthernet = 1
	dhcpHLenEthernet  = 6

	optPad          = 0
	optSubnetMask   = 1
	optRouter       = 3
	optDNS          = 6
	optDomainName   = 15
	optBroadcast    = 28
	optRequestedIP  = 50
	optLeaseTime    = 51
	optMsgType      = 53
	optServerID     = 54
	optParamReqList = 55
	optClientID     = 61
	optEnd          = 255

	dhcpDiscover = 1
	dhcpOffer    = 2
	dhcpRequest  = 3
	dhcpAck      = 5
	dhcpNak      = 6
)

// DHCPState is the client's position in the DORA progression.
type DHCPState int

const (
	DHCPInit DHCPState = iota
	DHCPSelecting
	DHCPRequesting
	DHCPBound
	DHCPRenewing
	DHCPRebinding
)

// DHCPClient drives the Discover/Offer/Request/Ack exchange over an
// Interface's UDP layer.
type DHCPClient struct {
	ifc      *Interface
	sock     *UDPSocket
	State    DHCPState
	xid      uint32
	offeredIP IPv4
	serverID  IPv4
	leaseEnd  uint64
	leaseTime uint32
}

// NewDHCPClient binds the client socket; returns false if the interface's
// socket table is already full.
func NewDHCPClient(ifc *Interface) (*DHCPClient, bool) {
	sock, ok := ifc.CreateUDPSocket()
	if !ok {
		return nil, false
	}
	if !sock.Bind(dhcpClientPort) {
		return nil, false
	}
	c := &DHCPClient{ifc: ifc, sock: sock, xid: uint32(ifc.Clock.Ticks())}
	sock.OnReceive = c.onReceive
	return c, true
}

func dhcpOptions(fields map[uint8][]byte, order []uint8) []byte {
	var out []byte
	for _, code := range order {
		v, ok := fields[code]
		if !ok {
			continue
		}
		out = append(out, code, byte(len(v)))
		out = append(out, v...)
	}
	out = append(out, optEnd)
	return out
}

func be32Bytes(v uint32) []byte {
	return []byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)}
}

func (c *DHCPClient) marshal(msgType uint8, requestedIP, serverID IPv4) []byte {
	b := make([]byte, dhcpFixedHeaderLen+4) // + magic cookie
	b[0] = dhcpOpRequest
	b[1] = dhcpHTypeEthernet
	b[2] = dhcpHLenEthernet
	b[3] = 0 // hops
	putU32(b, 4, c.xid)
	putU16(b, 10, 0x8000) // broadcast flag: reply must be broadcast, we have no IP yet
	// secs, ciaddr, yiaddr, siaddr, giaddr all zero
	copy(b[28:34], c.ifc.MAC[:])
	putU32(b, 236-4, dhcpMagicCookie)

	fields := map[uint8][]byte{optMsgType: {msgType}}
	order := []uint8{optMsgType}
	if requestedIP != 0 {
		fields[optRequestedIP] = be32Bytes(uint32(requestedIP))
		order = append(order, optRequestedIP)
	}
	if serverID != 0 {
		fields[optServerID] = be32Bytes(uint32(serverID))
		order = append(order, optServerID)
	}
	fields[optParamReqList] = []byte{optSubnetMask, optRouter, optDNS, optDomainName, optBroadcast}
	order = append(order, optParamReqList)
	clientID := append([]byte{dhcpHTypeEthernet}, c.ifc.MAC[:]...)
	fields[optClientID] = clientID
	order = append(order, optClientID)

	return append(b, dhcpOptions(fields, order)...)
}

// Start sends the initial DHCPDISCOVER.
func (c *DHCPClient) Start() bool {
	c.State = DHCPSelecting
	pkt := c.marshal(dhcpDiscover, 0, 0)
	return c.sock.SendTo(pkt, BroadcastIP, dhcpServerPort)
}

func parseDHCPOptions(payload []byte) map[uint8][]byte {
	out := map[uint8][]byte{}
	i := dhcpFixedHeaderLen + 4
	for i < len(payload) {
		code := payload[i]
		if code == optEnd {
			break
		}
		if code == optPad {
			i++
			continue
		}
		if i+1 >= len(payload) {
			break
		}
		length := int(payload[i+1])
		start := i + 2
		if start+length > len(payload) {
			break
		}
		out[code] = payload[start : start+length]
		i = start + length
	}
	return out
}

func ipFromBytes(b []byte) IPv4 {
	if len(b) != 4 {
		return 0
	}
	return IPv4From(b[0], b[1], b[2], b[3])
}

func u32FromBytes(b []byte) uint32 {
	if len(b) != 4 {
		return 0
	}
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

func (c *DHCPClient) onReceive(payload []byte, _ IPv4, _ uint16) {
	if len(payload) < dhcpFixedHeaderLen+4 {
		return
	}
	if getU32(payload, 4) != c.xid {
		return
	}
	opts := parseDHCPOptions(payload)
	msgType, ok := opts[optMsgType]
	if !ok || len(msgType) != 1 {
		return
	}

	switch msgType[0] {
	case dhcpOffer:
		if c.State != DHCPSelecting {
			return
		}
		yiaddr := IPv4(getU32(payload, 16))
		c.offeredIP = yiaddr
		if sid, ok := opts[optServerID]; ok {
			c.serverID = ipFromBytes(sid)
		}
		c.State = DHCPRequesting
		pkt := c.marshal(dhcpRequest, c.offeredIP, c.serverID)
		c.sock.SendTo(pkt, BroadcastIP, dhcpServerPort)

	case dhcpAck:
		if c.State != DHCPRequesting && c.State != DHCPRenewing && c.State != DHCPRebinding {
			return
		}
		yiaddr := IPv4(getU32(payload, 16))
		c.ifc.IP = yiaddr
		if m, ok := opts[optSubnetMask]; ok {
			c.ifc.Mask = ipFromBytes(m)
		}
		if r, ok := opts[optRouter]; ok {
			c.ifc.Gateway = ipFromBytes(r)
		}
		if d, ok := opts[optDNS]; ok {
			c.ifc.DNS = ipFromBytes(d)
		}
		if l, ok := opts[optLeaseTime]; ok {
			c.leaseTime = u32FromBytes(l)
		} else {
			c.leaseTime = 3600
		}
		c.leaseEnd = c.ifc.Clock.Ticks() + uint64(c.leaseTime)*1000
		c.State = DHCPBound

	case dhcpNak:
		c.ifc.IP = 0
		c.State = DHCPInit
		c.Start()
	}
}

// Tick drives lease renewal; call periodically from the scheduler. Renewal
// starts once past 50% of the lease and rebinding past 87.5% (the usual
// T1/T2 defaults; T1/T2 options from the server are not read), and the
// address is dropped once the lease ends.
func (c *DHCPClient) Tick() {
	if c.leaseTime == 0 || (c.State != DHCPBound && c.State != DHCPRenewing && c.State != DHCPRebinding) {
		return
	}
	now := c.ifc.Clock.Ticks()
	total := uint64(c.leaseTime) * 1000
	elapsed := total - (c.leaseEnd - now)
	switch {
	case now >= c.leaseEnd:
		c.State = DHCPInit
		c.ifc.IP = 0
		c.Start()
	case elapsed >= total*7/8 && c.State != DHCPRebinding:
		c.State = DHCPRebinding
		pkt := c.marshal(dhcpRequest, c.ifc.IP, 0)
		c.sock.SendTo(pkt, BroadcastIP, dhcpServerPort)
	case elapsed >= total/2 && c.State == DHCPBound:
		c.State = DHCPRenewing
		pkt := c.marshal(dhcpRequest, c.ifc.IP, c.serverID)
		c.sock.SendTo(pkt, c.serverID, dhcpServerPort)
	}
}
