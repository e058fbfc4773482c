package device

import (
	"encoding/binary"
	"errors"
	"net/netip"

	"github.com/telhawk/wiretun/conn"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

// Structural validation of raw datagrams, before any cryptographic or
// state-machine work runs. Everything here is O(header parse): a
// malformed or adversarial datagram costs a few comparisons and is
// silently dropped.

const (
	udpHeaderLen = 8
	// the message type header every payload must at least contain
	messageHeaderLen = 4
	protocolUDP      = 17

	ipv4offsetDSCP     = 1
	ipv4offsetProtocol = 9
	ipv4offsetSrc      = 12
	ipv6offsetNextHdr  = 6
	ipv6offsetSrc      = 8
)

var (
	errDatagramTooShort  = errors.New("datagram shorter than an IP header")
	errBadIPVersion      = errors.New("datagram has unsupported IP version")
	errNotUDP            = errors.New("datagram does not carry UDP")
	errTruncatedUDP      = errors.New("datagram too short to hold UDP fields")
	errUDPLengthTooSmall = errors.New("UDP length field smaller than the UDP header")
	errUDPLengthLying    = errors.New("UDP length field exceeds remaining bytes")
	errOffsetOverflow    = errors.New("payload offset beyond 16-bit bound")
	errNoMessageHeader   = errors.New("payload too short for a message header")
)

// parseDatagram validates the outer IP and UDP framing of a raw
// datagram and locates the protocol payload. It returns the payload
// offset and length, the sender's endpoint taken from the outer
// headers, and the outer DS field for ECN decapsulation.
func parseDatagram(datagram []byte) (offset, length int, ep conn.Endpoint, ds byte, err error) {
	if len(datagram) < ipv4.HeaderLen {
		return 0, 0, nil, 0, errDatagramTooShort
	}

	var udpOffset int
	var srcAddr netip.Addr

	switch version := datagram[0] >> 4; version {
	case 4:
		ihl := int(datagram[0]&0x0f) * 4
		if ihl < ipv4.HeaderLen || ihl > len(datagram) {
			return 0, 0, nil, 0, errDatagramTooShort
		}
		if datagram[ipv4offsetProtocol] != protocolUDP {
			return 0, 0, nil, 0, errNotUDP
		}
		srcAddr = netip.AddrFrom4([4]byte(datagram[ipv4offsetSrc : ipv4offsetSrc+4]))
		ds = datagram[ipv4offsetDSCP]
		udpOffset = ihl
	case 6:
		if len(datagram) < ipv6.HeaderLen {
			return 0, 0, nil, 0, errDatagramTooShort
		}
		// extension header chains are not walked; anything but UDP
		// directly after the fixed header is dropped
		if datagram[ipv6offsetNextHdr] != protocolUDP {
			return 0, 0, nil, 0, errNotUDP
		}
		srcAddr = netip.AddrFrom16([16]byte(datagram[ipv6offsetSrc : ipv6offsetSrc+16]))
		ds = datagram[0]<<4 | datagram[1]>>4
		udpOffset = ipv6.HeaderLen
	default:
		return 0, 0, nil, 0, errBadIPVersion
	}

	if udpOffset > 0xffff {
		return 0, 0, nil, 0, errOffsetOverflow
	}
	if udpOffset+udpHeaderLen > len(datagram) {
		return 0, 0, nil, 0, errTruncatedUDP
	}

	udpLen := int(binary.BigEndian.Uint16(datagram[udpOffset+4:]))
	if udpLen < udpHeaderLen {
		return 0, 0, nil, 0, errUDPLengthTooSmall
	}
	if udpLen > len(datagram)-udpOffset {
		return 0, 0, nil, 0, errUDPLengthLying
	}

	offset = udpOffset + udpHeaderLen
	length = udpLen - udpHeaderLen
	if length < messageHeaderLen {
		return 0, 0, nil, 0, errNoMessageHeader
	}

	srcPort := binary.BigEndian.Uint16(datagram[udpOffset:])
	ep = conn.StdNetEndpoint{AddrPort: netip.AddrPortFrom(srcAddr, srcPort)}
	return offset, length, ep, ds, nil
}

// determineMessageType reads the fixed discriminant at the payload's
// start and checks the size is plausible for that type. Handshake
// messages have exact sizes; transport messages have a minimum.
func determineMessageType(packet []byte) uint32 {
	if len(packet) < messageHeaderLen {
		return MessageInvalidType
	}
	switch msgType := binary.LittleEndian.Uint32(packet); msgType {
	case MessageInitiationType:
		if len(packet) == MessageInitiationSize {
			return msgType
		}
	case MessageResponseType:
		if len(packet) == MessageResponseSize {
			return msgType
		}
	case MessageCookieReplyType:
		if len(packet) == MessageCookieReplySize {
			return msgType
		}
	case MessageTransportType:
		if len(packet) >= MessageTransportSize {
			return msgType
		}
	}
	return MessageInvalidType
}
