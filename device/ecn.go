package device

import (
	"encoding/binary"

	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

// Tunnel ECN decapsulation (RFC 6040, normal mode): when the outer
// transport header arrived marked congestion-experienced, that signal
// must survive into the decrypted inner packet, or congestion feedback
// dies at the tunnel boundary.

const (
	ecnMask = 0x03
	ecnCE   = 0x03
)

func ecnIsCE(ds byte) bool {
	return ds&ecnMask == ecnCE
}

// ecnDecapsulate propagates an outer CE mark into the inner packet.
// Not-ECT inner packets are left alone: the sender did not negotiate
// ECN and would misread the mark.
func ecnDecapsulate(packet []byte, outerDS byte) {
	if !ecnIsCE(outerDS) {
		return
	}
	switch packet[0] >> 4 {
	case 4:
		ipv4SetCE(packet)
	case 6:
		ipv6SetCE(packet)
	}
}

func ipv4SetCE(packet []byte) {
	if len(packet) < ipv4.HeaderLen {
		return
	}
	tos := packet[1]
	if tos&ecnMask == 0 || tos&ecnMask == ecnCE {
		// not ECN-capable, or already marked
		return
	}
	// The TOS byte shares a 16-bit checksum word with version/IHL;
	// patch the header checksum incrementally (RFC 1624) instead of
	// recomputing the whole header.
	oldWord := binary.BigEndian.Uint16(packet[0:2])
	packet[1] = tos | ecnCE
	newWord := binary.BigEndian.Uint16(packet[0:2])
	check := binary.BigEndian.Uint16(packet[10:12])
	binary.BigEndian.PutUint16(packet[10:12], checksumAdjust(check, oldWord, newWord))
}

func ipv6SetCE(packet []byte) {
	if len(packet) < ipv6.HeaderLen {
		return
	}
	// traffic class straddles the first two bytes
	ecn := (packet[1] >> 4) & ecnMask
	if ecn == 0 || ecn == ecnCE {
		return
	}
	packet[1] |= ecnCE << 4
}

// checksumAdjust implements the incremental internet checksum update
// HC' = ~(~HC + ~m + m') from RFC 1624, folding carries back in.
func checksumAdjust(check, old, new uint16) uint16 {
	sum := uint32(^check) + uint32(^old) + uint32(new)
	for sum>>16 != 0 {
		sum = sum&0xffff + sum>>16
	}
	return ^uint16(sum)
}
