package device

import (
	"encoding/binary"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// buildIPv4UDP frames payload in minimal IPv4+UDP headers from
// 192.0.2.1:7777.
func buildIPv4UDP(payload []byte) []byte {
	datagram := make([]byte, 20+8+len(payload))
	datagram[0] = 0x45 // version 4, IHL 5
	binary.BigEndian.PutUint16(datagram[2:4], uint16(len(datagram)))
	datagram[9] = 17 // UDP
	copy(datagram[12:16], []byte{192, 0, 2, 1})
	copy(datagram[16:20], []byte{192, 0, 2, 2})
	binary.BigEndian.PutUint16(datagram[20:22], 7777)
	binary.BigEndian.PutUint16(datagram[22:24], 51820)
	binary.BigEndian.PutUint16(datagram[24:26], uint16(8+len(payload)))
	copy(datagram[28:], payload)
	return datagram
}

func buildIPv6UDP(payload []byte) []byte {
	datagram := make([]byte, 40+8+len(payload))
	datagram[0] = 0x60
	binary.BigEndian.PutUint16(datagram[4:6], uint16(8+len(payload)))
	datagram[6] = 17 // next header: UDP
	addr := netip.MustParseAddr("2001:db8::1")
	src := addr.As16()
	copy(datagram[8:24], src[:])
	binary.BigEndian.PutUint16(datagram[40:42], 7777)
	binary.BigEndian.PutUint16(datagram[42:44], 51820)
	binary.BigEndian.PutUint16(datagram[44:46], uint16(8+len(payload)))
	copy(datagram[48:], payload)
	return datagram
}

func TestParseDatagramIPv4(t *testing.T) {
	payload := []byte{1, 0, 0, 0, 0xaa, 0xbb}
	datagram := buildIPv4UDP(payload)

	offset, length, ep, _, err := parseDatagram(datagram)
	require.NoError(t, err)
	assert.Equal(t, 28, offset)
	assert.Equal(t, len(payload), length)
	assert.Equal(t, payload, datagram[offset:offset+length])
	assert.Equal(t, "192.0.2.1:7777", ep.DstToString())
}

func TestParseDatagramIPv6(t *testing.T) {
	payload := []byte{4, 0, 0, 0, 1, 2, 3, 4}
	datagram := buildIPv6UDP(payload)

	offset, length, ep, _, err := parseDatagram(datagram)
	require.NoError(t, err)
	assert.Equal(t, 48, offset)
	assert.Equal(t, len(payload), length)
	assert.Equal(t, netip.MustParseAddr("2001:db8::1"), ep.DstIP())
}

func TestParseDatagramDSField(t *testing.T) {
	datagram := buildIPv4UDP([]byte{1, 0, 0, 0})
	datagram[1] = 0x03 // CE
	_, _, _, ds, err := parseDatagram(datagram)
	require.NoError(t, err)
	assert.True(t, ecnIsCE(ds))

	datagram6 := buildIPv6UDP([]byte{1, 0, 0, 0})
	// traffic class straddles bytes 0 and 1
	datagram6[1] |= 0x03 << 4
	_, _, _, ds, err = parseDatagram(datagram6)
	require.NoError(t, err)
	assert.True(t, ecnIsCE(ds))
}

func TestParseDatagramRejectsMalformed(t *testing.T) {
	base := buildIPv4UDP([]byte{1, 0, 0, 0})

	tests := []struct {
		name    string
		mangle  func(d []byte) []byte
		wantErr error
	}{
		{
			"truncated header",
			func(d []byte) []byte { return d[:12] },
			errDatagramTooShort,
		},
		{
			"bad version",
			func(d []byte) []byte { d[0] = 0x75; return d },
			errBadIPVersion,
		},
		{
			"IHL past end",
			func(d []byte) []byte { d[0] = 0x4f; return d[:28] },
			errDatagramTooShort,
		},
		{
			"not UDP",
			func(d []byte) []byte { d[9] = 6; return d },
			errNotUDP,
		},
		{
			"UDP length lies long",
			func(d []byte) []byte {
				binary.BigEndian.PutUint16(d[24:26], uint16(len(d)))
				return d
			},
			errUDPLengthLying,
		},
		{
			"UDP length below header",
			func(d []byte) []byte {
				binary.BigEndian.PutUint16(d[24:26], 4)
				return d
			},
			errUDPLengthTooSmall,
		},
		{
			"no room for message header",
			func(d []byte) []byte {
				binary.BigEndian.PutUint16(d[24:26], 8+2)
				return d
			},
			errNoMessageHeader,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			datagram := tt.mangle(append([]byte(nil), base...))
			_, _, _, _, err := parseDatagram(datagram)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

// The UDP length field, not the datagram tail, bounds the payload:
// trailing garbage after a truthful UDP length must not reach the
// protocol layer.
func TestParseDatagramHonorsUDPLength(t *testing.T) {
	payload := make([]byte, MessageKeepaliveSize)
	binary.LittleEndian.PutUint32(payload, MessageTransportType)
	datagram := buildIPv4UDP(payload)
	datagram = append(datagram, 0xde, 0xad, 0xbe, 0xef)

	offset, length, _, _, err := parseDatagram(datagram)
	require.NoError(t, err)
	assert.Equal(t, len(payload), length)
	assert.Equal(t, payload, datagram[offset:offset+length])
}

func TestDetermineMessageType(t *testing.T) {
	mk := func(msgType uint32, size int) []byte {
		p := make([]byte, size)
		binary.LittleEndian.PutUint32(p, msgType)
		return p
	}

	assert.Equal(t, uint32(MessageInitiationType), determineMessageType(mk(MessageInitiationType, MessageInitiationSize)))
	assert.Equal(t, uint32(MessageResponseType), determineMessageType(mk(MessageResponseType, MessageResponseSize)))
	assert.Equal(t, uint32(MessageCookieReplyType), determineMessageType(mk(MessageCookieReplyType, MessageCookieReplySize)))
	assert.Equal(t, uint32(MessageTransportType), determineMessageType(mk(MessageTransportType, MessageTransportSize)))
	assert.Equal(t, uint32(MessageTransportType), determineMessageType(mk(MessageTransportType, MessageTransportSize+1000)))

	// handshake sizes are exact, not minimums
	assert.Equal(t, uint32(MessageInvalidType), determineMessageType(mk(MessageInitiationType, MessageInitiationSize+1)))
	assert.Equal(t, uint32(MessageInvalidType), determineMessageType(mk(MessageResponseType, MessageResponseSize-1)))
	// transport below the keepalive floor
	assert.Equal(t, uint32(MessageInvalidType), determineMessageType(mk(MessageTransportType, MessageTransportSize-1)))
	// unknown discriminant
	assert.Equal(t, uint32(MessageInvalidType), determineMessageType(mk(99, 148)))
	// shorter than the discriminant itself
	assert.Equal(t, uint32(MessageInvalidType), determineMessageType([]byte{1, 0}))
}
