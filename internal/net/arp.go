package net

// ARP header layout: hardware type, protocol type, hlen, plen, operation,
// sender MAC/IP, target MAC/IP - 28 bytes total.
const (
	arpHeaderLen = 28

	arpHardwareEthernet uint16 = 1
	arpProtocolIPv4     uint16 = 0x0800

	ArpRequest uint16 = 1
	ArpReply   uint16 = 2

	arpCacheSize = 128
)

// ARPEntry is one resolved {IP, MAC} pair.
type ARPEntry struct {
	IP       IPv4
	MAC      MAC
	LastSeen uint64
	Valid    bool
}

// ARPCache is a fixed-capacity table; when full, the least-recently-
// updated record is evicted.
type ARPCache struct {
	entries [arpCacheSize]ARPEntry
}

// Lookup returns the cached MAC for ip, if present.
func (c *ARPCache) Lookup(ip IPv4) (MAC, bool) {
	for i := range c.entries {
		if c.entries[i].Valid && c.entries[i].IP == ip {
			return c.entries[i].MAC, true
		}
	}
	return MAC{}, false
}

// Update inserts or refreshes the entry for ip, evicting the
// least-recently-updated entry if the cache is full and ip isn't already
// present.
func (c *ARPCache) Update(ip IPv4, mac MAC, now uint64) {
	oldest := 0
	oldestTime := uint64(1<<64 - 1)
	for i := range c.entries {
		if c.entries[i].Valid && c.entries[i].IP == ip {
			c.entries[i].MAC = mac
			c.entries[i].LastSeen = now
			return
		}
		if !c.entries[i].Valid {
			oldest = i
			oldestTime = 0
			continue
		}
		if c.entries[i].LastSeen < oldestTime {
			oldestTime = c.entries[i].LastSeen
			oldest = i
		}
	}
	c.entries[oldest] = ARPEntry{IP: ip, MAC: mac, LastSeen: now, Valid: true}
}

// Entries returns every valid cache entry, for shell `arp` glue.
func (c *ARPCache) Entries() []ARPEntry {
	var out []ARPEntry
	for _, e := range c.entries {
		if e.Valid {
			out = append(out, e)
		}
	}
	return out
}

func marshalARP(op uint16, senderMAC MAC, senderIP IPv4, targetMAC MAC, targetIP IPv4) []byte {
	b := make([]byte, arpHeaderLen)
	putU16(b, 0, arpHardwareEthernet)
	putU16(b, 2, arpProtocolIPv4)
	b[4] = ethAddrLen
	b[5] = 4
	putU16(b, 6, op)
	copy(b[8:14], senderMAC[:])
	putU32(b, 14, uint32(senderIP))
	copy(b[18:24], targetMAC[:])
	putU32(b, 24, uint32(targetIP))
	return b
}

// SendARPRequest broadcasts a who-has request for targetIP.
func (ifc *Interface) SendARPRequest(targetIP IPv4) bool {
	pkt := marshalARP(ArpRequest, ifc.MAC, ifc.IP, MAC{}, targetIP)
	return ifc.SendFrame(Broadcast, EtherTypeARP, pkt)
}

// SendARPReply answers a request from targetMAC/targetIP.
func (ifc *Interface) SendARPReply(targetIP IPv4, targetMAC MAC) bool {
	pkt := marshalARP(ArpReply, ifc.MAC, ifc.IP, targetMAC, targetIP)
	return ifc.SendFrame(targetMAC, EtherTypeARP, pkt)
}

// handleARP updates the cache from every request or reply, and answers any
// request whose target IP equals ours.
func (ifc *Interface) handleARP(payload []byte) {
	if len(payload) < arpHeaderLen {
		return
	}
	op := getU16(payload, 6)
	var senderMAC MAC
	copy(senderMAC[:], payload[8:14])
	senderIP := IPv4(getU32(payload, 14))
	targetIP := IPv4(getU32(payload, 24))

	ifc.arp.Update(senderIP, senderMAC, ifc.Clock.Ticks())

	if op == ArpRequest && targetIP == ifc.IP {
		ifc.SendARPReply(senderIP, senderMAC)
	}
}

// ResolveMAC resolves ip's MAC from the cache, issuing a request (and
// failing this call) on miss; broadcast resolves without consulting ARP.
func (ifc *Interface) ResolveMAC(ip IPv4) (MAC, bool) {
	if ip == BroadcastIP {
		return Broadcast, true
	}
	if mac, ok := ifc.arp.Lookup(ip); ok {
		return mac, true
	}
	ifc.SendARPRequest(ip)
	return MAC{}, false
}
