package device

import (
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/telhawk/wiretun/conn"
)

// Peer is one remote tunnel endpoint: its static key, its current
// network address, the handshake in flight (if any), and the keypair
// window carrying its sessions.
type Peer struct {
	isRunning     atomic.Bool
	keypairs      Keypairs
	handshake     Handshake
	device        *Device
	stopping      sync.WaitGroup
	txBytes       atomic.Uint64
	rxBytes       atomic.Uint64
	lastHandshake atomic.Int64 // nanoseconds since epoch

	// latest endpoint observed on an authenticated packet
	endpoint struct {
		sync.Mutex
		val conn.Endpoint
	}

	timers timers

	// guards Start and Stop against each other
	state struct {
		sync.Mutex
	}

	queue struct {
		// plaintext packets waiting for a session
		staged chan *QuOutItem
		// decrypted-in-progress transport messages, consumed in order
		inbound chan *QuInItem
	}

	// serializes transport encryption so nonces hit the wire in order
	txMu sync.Mutex

	cookieGenerator             CookieGenerator
	persistentKeepaliveInterval atomic.Uint32
}

type timers struct {
	newHandshake            *Timer
	retransmitHandshake     *Timer
	sendKeepalive           *Timer
	persistentKeepalive     *Timer
	zeroKeyMaterial         *Timer
	handshakeAttempts       atomic.Uint32
	sentLastMinuteHandshake atomic.Bool
	needAnotherKeepalive    atomic.Bool
}

func (d *Device) NewPeer(pk NoisePublicKey) (*Peer, error) {
	if d.isClosed() {
		return nil, errors.New("device closed")
	}

	d.keys.RLock()
	defer d.keys.RUnlock()

	d.peers.Lock()
	defer d.peers.Unlock()

	if len(d.peers.p) >= MaxPeers {
		return nil, errors.New("too many peers")
	}
	if _, ok := d.peers.p[pk]; ok {
		return nil, errors.New("adding existing peer")
	}

	peer := new(Peer)
	peer.device = d
	peer.cookieGenerator.Init(pk)
	peer.queue.staged = make(chan *QuOutItem, QuStagedSize)
	peer.queue.inbound = make(chan *QuInItem, QuInSize)

	hs := &peer.handshake
	hs.Lock()
	hs.precomputedStaticStatic, _ = d.keys.privateKey.sharedSecret(pk)
	hs.remoteStatic = pk
	hs.Unlock()

	peer.timersInit()

	d.peers.p[pk] = peer
	return peer, nil
}

// Start brings the peer online: its sequential receiver runs and its
// timers may fire. Idempotent while running.
func (peer *Peer) Start() {
	if peer.device.isClosed() {
		return
	}

	peer.state.Lock()
	defer peer.state.Unlock()
	if peer.isRunning.Load() {
		return
	}

	peer.timersStart()

	peer.stopping.Add(1)
	go peer.RoutineSequentialReceiver()

	peer.isRunning.Store(true)
}

// Stop takes the peer offline and wipes its sessions. In-flight items
// drain through the sentinel before the receiver exits.
func (peer *Peer) Stop() {
	peer.state.Lock()
	defer peer.state.Unlock()
	if !peer.isRunning.Swap(false) {
		return
	}

	peer.timersStop()
	peer.queue.inbound <- nil // sentinel: receiver drains and exits
	peer.stopping.Wait()
	// an item racing the sentinel sits in the queue unowned; free it
	peer.device.flushInboundQueue(peer.queue.inbound)

	peer.ZeroAndFlushAll()
}

// SetEndpointFromPacket records the sender's address from a packet that
// authenticated, so replies chase a roaming peer.
func (peer *Peer) SetEndpointFromPacket(ep conn.Endpoint) {
	peer.endpoint.Lock()
	peer.endpoint.val = ep
	peer.endpoint.Unlock()
}

// SendBuffers transmits raw message buffers to the peer's current
// endpoint.
func (peer *Peer) SendBuffers(bufs [][]byte) error {
	peer.device.net.RLock()
	defer peer.device.net.RUnlock()

	if peer.device.isClosed() {
		return nil
	}
	bind := peer.device.net.bind
	if bind == nil {
		return errors.New("no bind")
	}

	peer.endpoint.Lock()
	endpoint := peer.endpoint.val
	peer.endpoint.Unlock()
	if endpoint == nil {
		return errors.New("no known endpoint for peer")
	}

	err := bind.Send(bufs, endpoint)
	if err == nil {
		var total uint64
		for _, b := range bufs {
			total += uint64(len(b))
		}
		peer.txBytes.Add(total)
	}
	return err
}

// ZeroAndFlushAll discards every session and staged packet. Used on
// stop and when key material has gone unrenewed for too long.
func (peer *Peer) ZeroAndFlushAll() {
	d := peer.device

	keypairs := &peer.keypairs
	keypairs.Lock()
	d.DeleteKeypair(keypairs.previous)
	d.DeleteKeypair(keypairs.current)
	d.DeleteKeypair(keypairs.next.Load())
	keypairs.previous = nil
	keypairs.current = nil
	keypairs.next.Store(nil)
	keypairs.Unlock()

	hs := &peer.handshake
	hs.Lock()
	d.indexTable.Delete(hs.localIndex)
	hs.Clear()
	hs.Unlock()

	peer.FlushStagedPackets()
}

// ExpireCurrentKeypairs leaves sessions in place for receiving but
// forces the next send to negotiate fresh keys.
func (peer *Peer) ExpireCurrentKeypairs() {
	hs := &peer.handshake
	hs.Lock()
	peer.device.indexTable.Delete(hs.localIndex)
	hs.Clear()
	hs.lastSentHandshake = time.Now().Add(-(RekeyTimeout + time.Second))
	hs.Unlock()

	keypairs := &peer.keypairs
	keypairs.Lock()
	if keypairs.current != nil {
		keypairs.current.sendNonce.Store(RejectAfterMessages)
	}
	if next := keypairs.next.Load(); next != nil {
		next.sendNonce.Store(RejectAfterMessages)
	}
	keypairs.Unlock()
}

// SetPersistentKeepaliveInterval enables (or with 0 disables) the
// persistent keepalive and kicks one off immediately when enabling on
// a running peer.
func (peer *Peer) SetPersistentKeepaliveInterval(seconds uint32) {
	old := peer.persistentKeepaliveInterval.Swap(seconds)
	if seconds > 0 && old == 0 && peer.isRunning.Load() {
		peer.SendKeepalive()
	}
}

func (peer *Peer) String() string {
	base64Key := base64.StdEncoding.EncodeToString(peer.handshake.remoteStatic[:])
	return fmt.Sprintf("peer(%s…%s)", base64Key[0:4], base64Key[39:43])
}
