package net

// IPv4 header layout: 20 bytes, no options.
const (
	IPHeaderLen = 20

	ProtoICMP = 1
	ProtoTCP  = 6
	ProtoUDP  = 17

	ipFlagDontFragment uint16 = 0x4000
	ipTTL              uint8  = 64
	ipVersion4         uint8  = 4
)

func marshalIP(version uint8, ident uint16, ttl, proto uint8, src, dst IPv4, payload []byte) []byte {
	total := IPHeaderLen + len(payload)
	b := make([]byte, total)
	b[0] = version<<4 | (IPHeaderLen / 4)
	b[1] = 0 // TOS
	putU16(b, 2, uint16(total))
	putU16(b, 4, ident)
	putU16(b, 6, ipFlagDontFragment)
	b[8] = ttl
	b[9] = proto
	putU16(b, 10, 0) // checksum placeholder
	putU32(b, 12, uint32(src))
	putU32(b, 16, uint32(dst))
	copy(b[IPHeaderLen:], payload)

	sum := checksum16(b[:IPHeaderLen])
	putU16(b, 10, sum)
	return b
}

// SendIP builds and sends an IPv4 packet to destIP carrying protocol
// proto. Resolves the destination MAC (broadcast bypasses ARP entirely);
// on an ARP cache miss it issues the ARP request and returns false without
// queuing the packet.
func (ifc *Interface) SendIP(destIP IPv4, proto uint8, payload []byte) bool {
	if len(payload) == 0 {
		return false
	}
	destMAC, ok := ifc.ResolveMAC(destIP)
	if !ok {
		return false
	}
	pkt := marshalIP(ipVersion4, ifc.ipIdent, ipTTL, proto, ifc.IP, destIP, payload)
	ifc.ipIdent++
	return ifc.SendFrame(destMAC, EtherTypeIPv4, pkt)
}

// handleIP validates version/checksum/destination and dispatches to the
// transport-layer handler for the packet's protocol.
func (ifc *Interface) handleIP(payload []byte) {
	if len(payload) < IPHeaderLen {
		return
	}
	header := payload[:IPHeaderLen]
	version := header[0] >> 4
	if version != ipVersion4 {
		return
	}

	original := getU16(header, 10)
	check := make([]byte, IPHeaderLen)
	copy(check, header)
	putU16(check, 10, 0)
	if checksum16(check) != original {
		return
	}

	totalLen := int(getU16(header, 2))
	if totalLen < IPHeaderLen || totalLen > len(payload) {
		totalLen = len(payload)
	}
	srcIP := IPv4(getU32(header, 12))
	destIP := IPv4(getU32(header, 16))
	proto := header[9]
	body := payload[IPHeaderLen:totalLen]

	isBroadcast := destIP == BroadcastIP
	isForUs := destIP == ifc.IP
	waitingForDHCP := ifc.IP == 0
	isSubnetBroadcast := ifc.Mask != 0 && (destIP|ifc.Mask) == BroadcastIP

	if !isForUs && !isBroadcast && !waitingForDHCP && !isSubnetBroadcast {
		return
	}

	switch proto {
	case ProtoICMP:
		ifc.handleICMP(srcIP, body)
	case ProtoUDP:
		ifc.handleUDP(srcIP, body)
	case ProtoTCP:
		ifc.handleTCP(srcIP, destIP, body)
	}
}
