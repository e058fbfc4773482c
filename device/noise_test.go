package device

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/telhawk/wiretun/conn/bindtest"
	"github.com/telhawk/wiretun/tai64n"
	"github.com/telhawk/wiretun/tun/tuntest"
)

func newTestDevice(t *testing.T) *Device {
	t.Helper()
	sk, err := newPrivateKey()
	require.NoError(t, err)

	binds := bindtest.NewChannelBinds()
	d := NewDevice(tuntest.NewChannelTUN(), binds[0], DiscardLogger)
	require.NoError(t, d.SetPrivateKey(sk))
	t.Cleanup(d.Close)
	return d
}

// runHandshake performs one complete handshake, initiated by dev1, and
// derives sessions on both sides.
func runHandshake(t *testing.T, dev1, dev2 *Device, peer1, peer2 *Peer) {
	t.Helper()

	msg1, err := dev1.CreateMessageInitiation(peer1)
	require.NoError(t, err)

	consumed := dev2.ConsumeMessageInitiation(msg1)
	require.NotNil(t, consumed, "initiation should authenticate")
	assert.Same(t, peer2, consumed)

	msg2, err := dev2.CreateMessageResponse(peer2)
	require.NoError(t, err)

	consumed = dev1.ConsumeMessageResponse(msg2)
	require.NotNil(t, consumed, "response should authenticate")
	assert.Same(t, peer1, consumed)

	require.NoError(t, peer1.BeginSymmetricSession())
	require.NoError(t, peer2.BeginSymmetricSession())
}

func TestHandshake(t *testing.T) {
	dev1 := newTestDevice(t)
	dev2 := newTestDevice(t)

	peer1, err := dev1.NewPeer(dev2.keys.publicKey)
	require.NoError(t, err)
	peer2, err := dev2.NewPeer(dev1.keys.publicKey)
	require.NoError(t, err)
	peer1.Start()
	peer2.Start()

	runHandshake(t, dev1, dev2, peer1, peer2)

	// initiator sends immediately; responder holds next unconfirmed
	key1 := peer1.keypairs.Current()
	require.NotNil(t, key1)
	assert.True(t, key1.isInitiator)
	assert.Nil(t, peer2.keypairs.Current())
	key2 := peer2.keypairs.next.Load()
	require.NotNil(t, key2)
	assert.False(t, key2.isInitiator)

	// sessions interoperate in both directions
	testMsg := []byte("wire test message 1")
	var nonce [chacha20poly1305.NonceSize]byte
	out := key1.send.Seal(nil, nonce[:], testMsg, nil)
	in, err := key2.receive.Open(nil, nonce[:], out, nil)
	require.NoError(t, err)
	assert.Equal(t, testMsg, in)

	testMsg = []byte("wire test message 2")
	out = key2.send.Seal(nil, nonce[:], testMsg, nil)
	in, err = key1.receive.Open(nil, nonce[:], out, nil)
	require.NoError(t, err)
	assert.Equal(t, testMsg, in)

	// first authenticated receive confirms the responder's session
	assert.True(t, peer2.ReceivedWithKeypair(key2))
	assert.Same(t, key2, peer2.keypairs.Current())
	assert.Nil(t, peer2.keypairs.next.Load())
	// a second call must not re-confirm
	assert.False(t, peer2.ReceivedWithKeypair(key2))
}

func TestHandshakeRejectsWrongResponder(t *testing.T) {
	dev1 := newTestDevice(t)
	dev2 := newTestDevice(t)
	dev3 := newTestDevice(t)

	peer1, err := dev1.NewPeer(dev2.keys.publicKey)
	require.NoError(t, err)
	peer1.Start()

	// dev3 never configured dev1's public key
	msg1, err := dev1.CreateMessageInitiation(peer1)
	require.NoError(t, err)
	assert.Nil(t, dev3.ConsumeMessageInitiation(msg1))
}

func TestHandshakeReplayRejected(t *testing.T) {
	dev1 := newTestDevice(t)
	dev2 := newTestDevice(t)

	peer1, err := dev1.NewPeer(dev2.keys.publicKey)
	require.NoError(t, err)
	_, err = dev2.NewPeer(dev1.keys.publicKey)
	require.NoError(t, err)
	peer1.Start()
	dev2.LookupPeer(dev1.keys.publicKey).Start()

	msg1, err := dev1.CreateMessageInitiation(peer1)
	require.NoError(t, err)

	require.NotNil(t, dev2.ConsumeMessageInitiation(msg1))
	// same message again: stale timestamp
	assert.Nil(t, dev2.ConsumeMessageInitiation(msg1))
}

// clearConsumptionState forgets the responder's replay and flood
// bookkeeping so back-to-back handshakes in a test are not mistaken
// for an attack. Timestamps are whitened to coarse granularity, so two
// quick initiations can carry the same value.
func clearConsumptionState(peer *Peer) {
	hs := &peer.handshake
	hs.Lock()
	hs.lastTimestamp = tai64n.Timestamp{}
	hs.lastInitiationConsumption = time.Time{}
	hs.Unlock()
}

func TestKeypairRotation(t *testing.T) {
	dev1 := newTestDevice(t)
	dev2 := newTestDevice(t)

	peer1, err := dev1.NewPeer(dev2.keys.publicKey)
	require.NoError(t, err)
	peer2, err := dev2.NewPeer(dev1.keys.publicKey)
	require.NoError(t, err)
	peer1.Start()
	peer2.Start()

	runHandshake(t, dev1, dev2, peer1, peer2)
	keyA := peer1.keypairs.Current()
	require.NotNil(t, keyA)

	// confirm the responder's session before rotating again
	require.True(t, peer2.ReceivedWithKeypair(peer2.keypairs.next.Load()))

	// next handshake: the initiator's old current becomes previous
	clearConsumptionState(peer2)
	runHandshake(t, dev1, dev2, peer1, peer2)
	keyB := peer1.keypairs.Current()
	require.NotNil(t, keyB)
	assert.NotSame(t, keyA, keyB)
	assert.Same(t, keyA, peer1.keypairs.previous)

	// rotating a third time evicts the oldest session entirely
	require.True(t, peer2.ReceivedWithKeypair(peer2.keypairs.next.Load()))
	clearConsumptionState(peer2)
	runHandshake(t, dev1, dev2, peer1, peer2)
	assert.Same(t, keyB, peer1.keypairs.previous)
	assert.NotSame(t, keyA, peer1.keypairs.previous)
	assert.Zero(t, dev1.indexTable.Get(keyA.localIndex))
}
