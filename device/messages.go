package device

import (
	"encoding/binary"
	"errors"

	"github.com/telhawk/wiretun/tai64n"
	"golang.org/x/crypto/blake2s"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	NoiseConstruction = "Noise_IKpsk2_25519_ChaChaPoly_BLAKE2s"
	WGIdentifier      = "WireGuard v1 zx2c4 Jason@zx2c4.com"
	WGLabelMAC1       = "mac1----"
	WGLabelCookie     = "cookie--"
)

// The message type lives in the first byte of every datagram, padded to
// a little-endian uint32 by three zero bytes.
const (
	MessageInitiationType  = 1
	MessageResponseType    = 2
	MessageCookieReplyType = 3
	MessageTransportType   = 4
	MessageInvalidType     = 0
)

const (
	MessageInitiationSize      = 148
	MessageResponseSize        = 92
	MessageCookieReplySize     = 64
	MessageTransportHeaderSize = 16
	MessageTransportSize       = MessageTransportHeaderSize + chacha20poly1305.Overhead
	MessageKeepaliveSize       = MessageTransportSize
	MessageHandshakeSize       = MessageInitiationSize
)

const (
	MessageTransportOffsetReceiver = 4
	MessageTransportOffsetCounter  = 8
	MessageTransportOffsetContent  = 16
)

var errMessageLenMismatch = errors.New("message length mismatch")

type MessageInitiation struct {
	Type      uint32
	Sender    uint32
	Ephemeral NoisePublicKey
	Static    [NoisePublicKeySize + chacha20poly1305.Overhead]byte
	Timestamp [tai64n.TimestampSize + chacha20poly1305.Overhead]byte
	MAC1      [blake2s.Size128]byte
	MAC2      [blake2s.Size128]byte
}

func (m *MessageInitiation) marshal(b []byte) error {
	if len(b) != MessageInitiationSize {
		return errMessageLenMismatch
	}
	binary.LittleEndian.PutUint32(b, m.Type)
	binary.LittleEndian.PutUint32(b[4:], m.Sender)
	b = b[8:]
	b = b[copy(b, m.Ephemeral[:]):]
	b = b[copy(b, m.Static[:]):]
	b = b[copy(b, m.Timestamp[:]):]
	b = b[copy(b, m.MAC1[:]):]
	copy(b, m.MAC2[:])
	return nil
}

func (m *MessageInitiation) unmarshal(b []byte) error {
	if len(b) != MessageInitiationSize {
		return errMessageLenMismatch
	}
	m.Type = binary.LittleEndian.Uint32(b)
	m.Sender = binary.LittleEndian.Uint32(b[4:])
	b = b[8:]
	b = b[copy(m.Ephemeral[:], b):]
	b = b[copy(m.Static[:], b):]
	b = b[copy(m.Timestamp[:], b):]
	b = b[copy(m.MAC1[:], b):]
	copy(m.MAC2[:], b)
	return nil
}

type MessageResponse struct {
	Type      uint32
	Sender    uint32
	Receiver  uint32
	Ephemeral NoisePublicKey
	Empty     [chacha20poly1305.Overhead]byte
	MAC1      [blake2s.Size128]byte
	MAC2      [blake2s.Size128]byte
}

func (m *MessageResponse) marshal(b []byte) error {
	if len(b) != MessageResponseSize {
		return errMessageLenMismatch
	}
	binary.LittleEndian.PutUint32(b, m.Type)
	binary.LittleEndian.PutUint32(b[4:], m.Sender)
	binary.LittleEndian.PutUint32(b[8:], m.Receiver)
	b = b[12:]
	b = b[copy(b, m.Ephemeral[:]):]
	b = b[copy(b, m.Empty[:]):]
	b = b[copy(b, m.MAC1[:]):]
	copy(b, m.MAC2[:])
	return nil
}

func (m *MessageResponse) unmarshal(b []byte) error {
	if len(b) != MessageResponseSize {
		return errMessageLenMismatch
	}
	m.Type = binary.LittleEndian.Uint32(b)
	m.Sender = binary.LittleEndian.Uint32(b[4:])
	m.Receiver = binary.LittleEndian.Uint32(b[8:])
	b = b[12:]
	b = b[copy(m.Ephemeral[:], b):]
	b = b[copy(m.Empty[:], b):]
	b = b[copy(m.MAC1[:], b):]
	copy(m.MAC2[:], b)
	return nil
}

// MessageTransport is never materialized as a struct on the hot path;
// the receive and send code indexes the packet with the offsets above.
type MessageTransport struct {
	Type     uint32
	Receiver uint32
	Counter  uint64
	Content  []byte
}

type MessageCookieReply struct {
	Type     uint32
	Receiver uint32
	Nonce    [chacha20poly1305.NonceSizeX]byte
	Cookie   [blake2s.Size128 + chacha20poly1305.Overhead]byte
}

func (m *MessageCookieReply) marshal(b []byte) error {
	if len(b) != MessageCookieReplySize {
		return errMessageLenMismatch
	}
	binary.LittleEndian.PutUint32(b, m.Type)
	binary.LittleEndian.PutUint32(b[4:], m.Receiver)
	copy(b[8:], m.Nonce[:])
	copy(b[8+len(m.Nonce):], m.Cookie[:])
	return nil
}

func (m *MessageCookieReply) unmarshal(b []byte) error {
	if len(b) != MessageCookieReplySize {
		return errMessageLenMismatch
	}
	m.Type = binary.LittleEndian.Uint32(b)
	m.Receiver = binary.LittleEndian.Uint32(b[4:])
	copy(m.Nonce[:], b[8:])
	copy(m.Cookie[:], b[8+len(m.Nonce):])
	return nil
}
