package device

import (
	"crypto/subtle"
	"encoding/hex"
	"errors"
)

const (
	NoisePublicKeySize    = 32
	NoisePrivateKeySize   = 32
	NoisePresharedKeySize = 32
)

type (
	NoisePublicKey    [NoisePublicKeySize]byte
	NoisePrivateKey   [NoisePrivateKeySize]byte
	NoisePresharedKey [NoisePresharedKeySize]byte
)

func hexToBytes(dst []byte, src string) error {
	decoded, err := hex.DecodeString(src)
	if err != nil {
		return err
	}
	if len(decoded) != len(dst) {
		return errors.New("hex string does not fit the slice")
	}
	copy(dst, decoded)
	return nil
}

// clamp forces the scalar into the shape Curve25519 requires: a
// multiple of the cofactor with the high bits pinned. Every private key
// passes through here exactly once, right after generation or parsing.
func (key *NoisePrivateKey) clamp() {
	key[0] &= 248
	key[31] = (key[31] & 127) | 64
}

func (key NoisePrivateKey) Equals(other NoisePrivateKey) bool {
	return subtle.ConstantTimeCompare(key[:], other[:]) == 1
}

func (key NoisePrivateKey) IsZero() bool {
	var zero NoisePrivateKey
	return key.Equals(zero)
}

func (key *NoisePrivateKey) FromHex(src string) error {
	err := hexToBytes(key[:], src)
	key.clamp()
	return err
}

func (key *NoisePrivateKey) FromMaybeZeroHex(src string) error {
	err := hexToBytes(key[:], src)
	if key.IsZero() {
		return err
	}
	key.clamp()
	return err
}

func (key NoisePublicKey) Equals(other NoisePublicKey) bool {
	return subtle.ConstantTimeCompare(key[:], other[:]) == 1
}

func (key NoisePublicKey) IsZero() bool {
	var zero NoisePublicKey
	return key.Equals(zero)
}

func (key *NoisePublicKey) FromHex(src string) error {
	return hexToBytes(key[:], src)
}

func (key *NoisePresharedKey) FromHex(src string) error {
	return hexToBytes(key[:], src)
}
