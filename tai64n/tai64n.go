// Package tai64n provides the TAI64N timestamps carried inside
// handshake initiation messages. Monotonicity of these timestamps is
// what lets a responder reject replayed initiations.
package tai64n

import (
	"bytes"
	"encoding/binary"
	"time"
)

const (
	TimestampSize = 12
	// offset placing all representable times in the positive range of
	// the TAI64 label space
	base = uint64(0x400000000000000a)
	// The low 24 bits of the nanosecond field are blanked so the
	// timestamp does not leak fine-grained clock behavior. Roughly
	// 16ms of precision remains, far more than handshake cadence needs.
	whitenerMask = uint32(0xffffff)
)

// Timestamp is 8 bytes of seconds followed by 4 bytes of nanoseconds,
// both big-endian.
type Timestamp [TimestampSize]byte

func stamp(t time.Time) Timestamp {
	var ts Timestamp
	secs := base + uint64(t.Unix())
	nano := uint32(t.Nanosecond()) &^ whitenerMask
	binary.BigEndian.PutUint64(ts[:], secs)
	binary.BigEndian.PutUint32(ts[8:], nano)
	return ts
}

// Now returns the whitened timestamp for the current time.
func Now() Timestamp {
	return stamp(time.Now())
}

// After reports whether t is strictly later than other.
func (t Timestamp) After(other Timestamp) bool {
	return bytes.Compare(t[:], other[:]) > 0
}

func (t Timestamp) String() string {
	secs := int64(binary.BigEndian.Uint64(t[:8]) - base)
	nano := int64(binary.BigEndian.Uint32(t[8:]))
	return time.Unix(secs, nano).String()
}
