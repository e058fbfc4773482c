package device

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/telhawk/wiretun/tai64n"
	"golang.org/x/crypto/blake2s"
	"golang.org/x/crypto/chacha20poly1305"
)

func init() {
	InitialChainKey = blake2s.Sum256([]byte(NoiseConstruction))
	mixHash(&InitialHash, &InitialChainKey, []byte(WGIdentifier))
}

type handshakeState int

const (
	handshakeZeroed handshakeState = iota
	handshakeInitiationCreated
	handshakeInitiationConsumed
	handshakeResponseCreated
	handshakeResponseConsumed
)

func (hs handshakeState) String() string {
	switch hs {
	case handshakeZeroed:
		return "handshakeZeroed"
	case handshakeInitiationCreated:
		return "handshakeInitiationCreated"
	case handshakeInitiationConsumed:
		return "handshakeInitiationConsumed"
	case handshakeResponseCreated:
		return "handshakeResponseCreated"
	case handshakeResponseConsumed:
		return "handshakeResponseConsumed"
	default:
		return fmt.Sprintf("Unknown handshake state: %d", int(hs))
	}
}

var (
	InitialChainKey [blake2s.Size]byte
	InitialHash     [blake2s.Size]byte
	ZeroNonce       [chacha20poly1305.NonceSize]byte
)

// Handshake holds the in-progress key exchange for one peer. Ephemeral
// material lives only between initiation and session derivation; every
// new attempt starts from fresh ephemerals, never reusing a previous
// attempt's state.
type Handshake struct {
	state                     handshakeState
	hash                      [blake2s.Size]byte
	chainKey                  [blake2s.Size]byte
	presharedKey              NoisePresharedKey
	localEphemeral            NoisePrivateKey
	localIndex                uint32
	remoteIndex               uint32
	remoteStatic              NoisePublicKey
	remoteEphemeral           NoisePublicKey
	precomputedStaticStatic   [NoisePublicKeySize]byte
	lastTimestamp             tai64n.Timestamp
	lastInitiationConsumption time.Time
	lastSentHandshake         time.Time
	sync.RWMutex
}

// Clear wipes ephemeral state after completion, timeout, or teardown.
func (hs *Handshake) Clear() {
	setZero(hs.localEphemeral[:])
	setZero(hs.remoteEphemeral[:])
	setZero(hs.chainKey[:])
	setZero(hs.hash[:])
	hs.localIndex = 0
	hs.state = handshakeZeroed
}

func (hs *Handshake) mixHash(data []byte) {
	mixHash(&hs.hash, &hs.hash, data)
}

func (hs *Handshake) mixKey(data []byte) {
	mixKey(&hs.chainKey, &hs.chainKey, data)
}

func mixKey(dst, c *[blake2s.Size]byte, data []byte) {
	KDF1(dst, c[:], data)
}

func mixHash(dst, h *[blake2s.Size]byte, data []byte) {
	hash, _ := blake2s.New256(nil)
	hash.Write(h[:])
	hash.Write(data)
	hash.Sum(dst[:0])
	hash.Reset()
}

func (d *Device) CreateMessageInitiation(peer *Peer) (*MessageInitiation, error) {
	d.keys.RLock()
	defer d.keys.RUnlock()

	hs := &peer.handshake
	hs.Lock()
	defer hs.Unlock()

	// fresh ephemeral for this attempt
	var err error
	hs.hash = InitialHash
	hs.chainKey = InitialChainKey
	hs.localEphemeral, err = newPrivateKey()
	if err != nil {
		return nil, err
	}
	hs.mixHash(hs.remoteStatic[:])

	msg := MessageInitiation{
		Type:      MessageInitiationType,
		Ephemeral: hs.localEphemeral.publicKey(),
	}
	hs.mixKey(msg.Ephemeral[:])
	hs.mixHash(msg.Ephemeral[:])

	// encrypt static key
	shared, err := hs.localEphemeral.sharedSecret(hs.remoteStatic)
	if err != nil {
		return nil, err
	}
	var key [chacha20poly1305.KeySize]byte
	KDF2(&hs.chainKey, &key, hs.chainKey[:], shared[:])
	aead, _ := chacha20poly1305.New(key[:])
	aead.Seal(msg.Static[:0], ZeroNonce[:], d.keys.publicKey[:], hs.hash[:])
	hs.mixHash(msg.Static[:])

	// encrypt timestamp
	if isZero(hs.precomputedStaticStatic[:]) {
		return nil, errInvalidPublicKey
	}
	KDF2(&hs.chainKey, &key, hs.chainKey[:], hs.precomputedStaticStatic[:])
	timestamp := tai64n.Now()
	aead, _ = chacha20poly1305.New(key[:])
	aead.Seal(msg.Timestamp[:0], ZeroNonce[:], timestamp[:], hs.hash[:])

	// assign index
	d.indexTable.Delete(hs.localIndex)
	msg.Sender, err = d.indexTable.NewIndexForHandshake(peer, hs)
	if err != nil {
		return nil, err
	}
	hs.localIndex = msg.Sender

	hs.mixHash(msg.Timestamp[:])
	hs.state = handshakeInitiationCreated
	return &msg, nil
}

// ConsumeMessageInitiation authenticates an initiation and returns the
// originating peer, or nil. Callers must treat nil uniformly: a wrong
// peer and a corrupted message are indistinguishable on the wire.
func (d *Device) ConsumeMessageInitiation(msg *MessageInitiation) *Peer {
	var (
		hash     [blake2s.Size]byte
		chainKey [blake2s.Size]byte
	)

	if msg.Type != MessageInitiationType {
		return nil
	}

	d.keys.RLock()
	defer d.keys.RUnlock()

	mixHash(&hash, &InitialHash, d.keys.publicKey[:])
	mixHash(&hash, &hash, msg.Ephemeral[:])
	mixKey(&chainKey, &InitialChainKey, msg.Ephemeral[:])

	// decrypt static key
	var peerPK NoisePublicKey
	var key [chacha20poly1305.KeySize]byte
	shared, err := d.keys.privateKey.sharedSecret(msg.Ephemeral)
	if err != nil {
		return nil
	}
	KDF2(&chainKey, &key, chainKey[:], shared[:])
	aead, _ := chacha20poly1305.New(key[:])
	_, err = aead.Open(peerPK[:0], ZeroNonce[:], msg.Static[:], hash[:])
	if err != nil {
		return nil
	}
	mixHash(&hash, &hash, msg.Static[:])

	// lookup peer
	peer := d.LookupPeer(peerPK)
	if peer == nil || !peer.isRunning.Load() {
		return nil
	}
	hs := &peer.handshake

	// verify identity
	var timestamp tai64n.Timestamp
	hs.RLock()
	if isZero(hs.precomputedStaticStatic[:]) {
		hs.RUnlock()
		return nil
	}
	KDF2(&chainKey, &key, chainKey[:], hs.precomputedStaticStatic[:])
	aead, _ = chacha20poly1305.New(key[:])
	_, err = aead.Open(timestamp[:0], ZeroNonce[:], msg.Timestamp[:], hash[:])
	if err != nil {
		hs.RUnlock()
		return nil
	}
	mixHash(&hash, &hash, msg.Timestamp[:])

	// protect against replayed and flooded initiations
	replay := !timestamp.After(hs.lastTimestamp)
	flood := time.Since(hs.lastInitiationConsumption) <= HandshakeInitiationRate
	hs.RUnlock()
	if replay {
		d.log.Verbosef("%v - ConsumeMessageInitiation: handshake replay @ %v", peer, timestamp)
		return nil
	}
	if flood {
		d.log.Verbosef("%v - ConsumeMessageInitiation: handshake flood", peer)
		return nil
	}

	// update handshake state
	hs.Lock()
	hs.hash = hash
	hs.chainKey = chainKey
	hs.remoteIndex = msg.Sender
	hs.remoteEphemeral = msg.Ephemeral
	if timestamp.After(hs.lastTimestamp) {
		hs.lastTimestamp = timestamp
	}
	now := time.Now()
	if now.After(hs.lastInitiationConsumption) {
		hs.lastInitiationConsumption = now
	}
	hs.state = handshakeInitiationConsumed
	hs.Unlock()

	setZero(hash[:])
	setZero(chainKey[:])
	return peer
}

func (d *Device) CreateMessageResponse(peer *Peer) (*MessageResponse, error) {
	hs := &peer.handshake
	hs.Lock()
	defer hs.Unlock()

	if hs.state != handshakeInitiationConsumed {
		return nil, errors.New("handshake initiation must be consumed first")
	}

	// assign index
	var err error
	d.indexTable.Delete(hs.localIndex)
	hs.localIndex, err = d.indexTable.NewIndexForHandshake(peer, hs)
	if err != nil {
		return nil, err
	}

	var msg MessageResponse
	msg.Type = MessageResponseType
	msg.Sender = hs.localIndex
	msg.Receiver = hs.remoteIndex

	// ephemeral and the two remaining DH operations
	hs.localEphemeral, err = newPrivateKey()
	if err != nil {
		return nil, err
	}
	msg.Ephemeral = hs.localEphemeral.publicKey()
	hs.mixHash(msg.Ephemeral[:])
	hs.mixKey(msg.Ephemeral[:])

	shared, err := hs.localEphemeral.sharedSecret(hs.remoteEphemeral)
	if err != nil {
		return nil, err
	}
	hs.mixKey(shared[:])
	shared, err = hs.localEphemeral.sharedSecret(hs.remoteStatic)
	if err != nil {
		return nil, err
	}
	hs.mixKey(shared[:])

	// add preshared key
	var tau [blake2s.Size]byte
	var key [chacha20poly1305.KeySize]byte
	KDF3(&hs.chainKey, &tau, &key, hs.chainKey[:], hs.presharedKey[:])
	hs.mixHash(tau[:])

	aead, _ := chacha20poly1305.New(key[:])
	aead.Seal(msg.Empty[:0], ZeroNonce[:], nil, hs.hash[:])
	hs.mixHash(msg.Empty[:])

	hs.state = handshakeResponseCreated
	return &msg, nil
}

// ConsumeMessageResponse completes the exchange this node initiated.
// Returns the peer on success, nil otherwise, with the same silence
// contract as ConsumeMessageInitiation.
func (d *Device) ConsumeMessageResponse(msg *MessageResponse) *Peer {
	if msg.Type != MessageResponseType {
		return nil
	}

	// find the in-flight handshake by our receiver index
	entry := d.indexTable.Get(msg.Receiver)
	hs := entry.handshake
	if hs == nil {
		return nil
	}

	var (
		hash     [blake2s.Size]byte
		chainKey [blake2s.Size]byte
	)

	ok := func() bool {
		hs.RLock()
		defer hs.RUnlock()
		if hs.state != handshakeInitiationCreated {
			return false
		}
		d.keys.RLock()
		defer d.keys.RUnlock()

		// finish 3-way DH
		mixHash(&hash, &hs.hash, msg.Ephemeral[:])
		mixKey(&chainKey, &hs.chainKey, msg.Ephemeral[:])

		shared, err := hs.localEphemeral.sharedSecret(msg.Ephemeral)
		if err != nil {
			return false
		}
		mixKey(&chainKey, &chainKey, shared[:])
		setZero(shared[:])

		shared, err = d.keys.privateKey.sharedSecret(msg.Ephemeral)
		if err != nil {
			return false
		}
		mixKey(&chainKey, &chainKey, shared[:])
		setZero(shared[:])

		// add preshared key and authenticate the transcript
		var tau [blake2s.Size]byte
		var key [chacha20poly1305.KeySize]byte
		KDF3(&chainKey, &tau, &key, chainKey[:], hs.presharedKey[:])
		mixHash(&hash, &hash, tau[:])

		aead, _ := chacha20poly1305.New(key[:])
		_, err = aead.Open(nil, ZeroNonce[:], msg.Empty[:], hash[:])
		if err != nil {
			return false
		}
		mixHash(&hash, &hash, msg.Empty[:])
		return true
	}()
	if !ok {
		return nil
	}

	hs.Lock()
	hs.hash = hash
	hs.chainKey = chainKey
	hs.remoteIndex = msg.Sender
	hs.state = handshakeResponseConsumed
	hs.Unlock()

	setZero(hash[:])
	setZero(chainKey[:])
	return entry.peer
}

// BeginSymmetricSession derives a keypair from the completed handshake,
// wipes the ephemeral state, and rotates it into the peer's keypair
// window.
func (peer *Peer) BeginSymmetricSession() error {
	d := peer.device
	hs := &peer.handshake
	hs.Lock()
	defer hs.Unlock()

	// derive keys
	var (
		isInitiator bool
		sendKey     [chacha20poly1305.KeySize]byte
		recvKey     [chacha20poly1305.KeySize]byte
	)
	switch hs.state {
	case handshakeResponseConsumed:
		KDF2(&sendKey, &recvKey, hs.chainKey[:], nil)
		isInitiator = true
	case handshakeResponseCreated:
		KDF2(&recvKey, &sendKey, hs.chainKey[:], nil)
		isInitiator = false
	default:
		return fmt.Errorf("invalid state for keypair derivation: %v", hs.state)
	}

	// zero handshake
	setZero(hs.chainKey[:])
	setZero(hs.hash[:])
	setZero(hs.localEphemeral[:])
	hs.state = handshakeZeroed

	// construct the immutable keypair
	keypair := new(Keypair)
	keypair.send, _ = chacha20poly1305.New(sendKey[:])
	keypair.receive, _ = chacha20poly1305.New(recvKey[:])
	setZero(sendKey[:])
	setZero(recvKey[:])
	keypair.created = time.Now()
	keypair.replayFilter.Reset()
	keypair.isInitiator = isInitiator
	keypair.localIndex = hs.localIndex
	keypair.remoteIndex = hs.remoteIndex

	// remap index from handshake to keypair
	d.indexTable.SwapIndexForKeypair(hs.localIndex, keypair)
	hs.localIndex = 0

	// rotate the keypair window
	keypairs := &peer.keypairs
	keypairs.Lock()
	defer keypairs.Unlock()

	previous := keypairs.previous
	next := keypairs.next.Load()
	current := keypairs.current

	if isInitiator {
		// The initiator may start sending on the new keypair at once;
		// the old current stays as previous to drain in-flight receives.
		if next != nil {
			keypairs.next.Store(nil)
			keypairs.previous = next
			d.DeleteKeypair(current)
		} else {
			keypairs.previous = current
		}
		d.DeleteKeypair(previous)
		keypairs.current = keypair
	} else {
		// The responder keeps the new keypair as next until the first
		// authenticated transport message confirms the initiator has it.
		keypairs.next.Store(keypair)
		d.DeleteKeypair(next)
		keypairs.previous = nil
		d.DeleteKeypair(previous)
	}

	return nil
}

// ReceivedWithKeypair promotes next to current once the first transport
// message authenticated under it arrives, confirming the remote side
// holds the session.
func (peer *Peer) ReceivedWithKeypair(receivedKeypair *Keypair) bool {
	keypairs := &peer.keypairs
	if keypairs.next.Load() != receivedKeypair {
		return false
	}
	keypairs.Lock()
	defer keypairs.Unlock()
	if keypairs.next.Load() != receivedKeypair {
		return false
	}
	old := keypairs.previous
	keypairs.previous = keypairs.current
	peer.device.DeleteKeypair(old)
	keypairs.current = keypairs.next.Load()
	keypairs.next.Store(nil)
	return true
}
