package device

import (
	"errors"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/telhawk/wiretun/conn"
	"github.com/telhawk/wiretun/ratelimiter"
	"github.com/telhawk/wiretun/tun"
)

type deviceState uint32

const (
	deviceStateDown deviceState = iota
	deviceStateUp
	deviceStateClosed
)

// Device owns everything with device scope: the static identity, the
// peer set, the cookie checker, the bounded handshake queue and its
// single worker, and the shared decryption workers. All peer and
// keypair state dies with it on Close.
type Device struct {
	state struct {
		mu       sync.Mutex // protects state transitions
		current  atomic.Uint32
		stopping sync.WaitGroup
	}

	net struct {
		sync.RWMutex
		bind     conn.Bind
		port     uint16
		stopping sync.WaitGroup
	}

	keys       keys
	peers      peers
	indexTable IndexTable
	allowedIPs AllowedIPs

	cookieChecker CookieChecker

	rate struct {
		underLoadUntil atomic.Int64
		limiter        ratelimiter.Ratelimiter
	}

	pools pools

	queue struct {
		handshake  *quHandshake
		decryption *quIn
	}

	tun struct {
		device tun.Device
		mtu    atomic.Int32
	}

	stats deviceStats

	closed chan struct{}
	log    *Logger
}

type keys struct {
	sync.RWMutex
	privateKey NoisePrivateKey
	publicKey  NoisePublicKey
}

type peers struct {
	sync.RWMutex
	p map[NoisePublicKey]*Peer
}

type pools struct {
	inItems  *WaitPool
	outItems *WaitPool
	msgBufs  *WaitPool
}

// deviceStats are the named drop and error counters the receive path
// feeds. Every adversary-triggerable condition lands in exactly one of
// these rather than in an error return.
type deviceStats struct {
	// classifier rejects: framing or length inconsistencies
	malformed atomic.Uint64
	// handshake queue was full on arrival
	handshakeQueueDrops atomic.Uint64
	// mac/cookie/handshake-crypto failures
	authFailures atomic.Uint64
	// decrypted inner source not routable to the decrypting peer
	spoofedSource atomic.Uint64
	// local stack refused delivery
	deliveryDrops atomic.Uint64
	// inner packet not plausible IPv4/IPv6
	lengthErrors atomic.Uint64
}

func NewDevice(tunDevice tun.Device, bind conn.Bind, logger *Logger) *Device {
	d := new(Device)
	d.state.current.Store(uint32(deviceStateDown))
	d.closed = make(chan struct{})
	d.log = logger
	d.net.bind = bind
	d.tun.device = tunDevice

	mtu, err := tunDevice.MTU()
	if err != nil {
		d.log.Errorf("Trouble determining MTU, assuming default: %v", err)
		mtu = DefaultMTU
	}
	d.tun.mtu.Store(int32(mtu))

	d.peers.p = make(map[NoisePublicKey]*Peer)
	d.indexTable.Init()
	d.rate.limiter.Init()
	d.PopulatePools()

	d.queue.handshake = newQuHandshake()
	d.queue.decryption = newQuIn()

	// The handshake worker is deliberately singular: per-peer handshake
	// transitions must not interleave, and one serialized consumer
	// bounds the CPU a handshake flood can burn.
	d.state.stopping.Add(1)
	go d.RoutineHandshake()

	for i := 0; i < runtime.NumCPU(); i++ {
		d.state.stopping.Add(1)
		go d.RoutineDecryption(i + 1)
	}

	d.state.stopping.Add(1)
	go d.RoutineReadFromTUN()
	// Exits on its own once the TUN closes; deliberately not part of
	// state.stopping so Close never waits on a routine that may itself
	// be waiting for the state lock.
	go d.RoutineTUNEventReader()

	return d
}

func (d *Device) deviceState() deviceState {
	return deviceState(d.state.current.Load())
}

func (d *Device) isClosed() bool {
	return d.deviceState() == deviceStateClosed
}

func (d *Device) isUp() bool {
	return d.deviceState() == deviceStateUp
}

func (d *Device) LookupPeer(pk NoisePublicKey) *Peer {
	d.peers.RLock()
	defer d.peers.RUnlock()
	return d.peers.p[pk]
}

func (d *Device) RemovePeer(pk NoisePublicKey) {
	d.peers.Lock()
	peer, ok := d.peers.p[pk]
	if ok {
		delete(d.peers.p, pk)
	}
	d.peers.Unlock()
	if !ok {
		return
	}
	peer.Stop()
	d.allowedIPs.RemoveByPeer(peer)
}

func (d *Device) RemoveAllPeers() {
	d.peers.Lock()
	removed := make([]*Peer, 0, len(d.peers.p))
	for pk, peer := range d.peers.p {
		removed = append(removed, peer)
		delete(d.peers.p, pk)
	}
	d.peers.Unlock()
	for _, peer := range removed {
		peer.Stop()
		d.allowedIPs.RemoveByPeer(peer)
	}
}

// SetPrivateKey installs the device identity. Existing sessions were
// negotiated under the old identity, so their sending keys are expired
// and every peer's static-static DH is precomputed anew.
func (d *Device) SetPrivateKey(sk NoisePrivateKey) error {
	d.keys.Lock()
	defer d.keys.Unlock()

	if sk.Equals(d.keys.privateKey) {
		return nil
	}

	d.peers.Lock()
	defer d.peers.Unlock()

	publicKey := sk.publicKey()
	if peer, ok := d.peers.p[publicKey]; ok {
		// a peer configured with our own new key would loop traffic
		peer.Stop()
		delete(d.peers.p, publicKey)
		d.allowedIPs.RemoveByPeer(peer)
	}

	d.keys.privateKey = sk
	d.keys.publicKey = publicKey
	d.cookieChecker.Init(publicKey)

	for _, peer := range d.peers.p {
		hs := &peer.handshake
		hs.Lock()
		hs.precomputedStaticStatic, _ = sk.sharedSecret(hs.remoteStatic)
		hs.Unlock()
		peer.ExpireCurrentKeypairs()
	}

	return nil
}

// Up opens the bind and lets peers exchange traffic.
func (d *Device) Up() error {
	d.state.mu.Lock()
	defer d.state.mu.Unlock()

	switch d.deviceState() {
	case deviceStateClosed:
		return errors.New("device closed")
	case deviceStateUp:
		return nil
	}

	if err := d.bindOpen(); err != nil {
		return err
	}
	d.state.current.Store(uint32(deviceStateUp))

	d.peers.RLock()
	for _, peer := range d.peers.p {
		peer.Start()
		if peer.persistentKeepaliveInterval.Load() > 0 {
			peer.SendKeepalive()
		}
	}
	d.peers.RUnlock()

	return nil
}

// Down stops traffic but keeps configuration; Up may follow.
func (d *Device) Down() error {
	d.state.mu.Lock()
	defer d.state.mu.Unlock()

	if d.deviceState() != deviceStateUp {
		return nil
	}
	d.state.current.Store(uint32(deviceStateDown))

	d.peers.RLock()
	for _, peer := range d.peers.p {
		peer.Stop()
	}
	d.peers.RUnlock()

	d.bindClose()
	return nil
}

func (d *Device) bindOpen() error {
	d.net.Lock()
	defer d.net.Unlock()

	if d.net.bind == nil {
		return errors.New("no bind attached")
	}
	fns, port, err := d.net.bind.Open(d.net.port)
	if err != nil {
		return err
	}
	d.net.port = port

	for _, fn := range fns {
		d.net.stopping.Add(1)
		d.queue.handshake.wg.Add(1)
		d.queue.decryption.wg.Add(1)
		go d.RoutineReceiveIncoming(fn)
	}
	return nil
}

func (d *Device) bindClose() {
	d.net.Lock()
	if d.net.bind != nil {
		if err := d.net.bind.Close(); err != nil {
			d.log.Errorf("Bind close failed: %v", err)
		}
	}
	d.net.Unlock()
	d.net.stopping.Wait()
}

// Close tears the device down for good: peers stopped, queues drained,
// key material dropped.
func (d *Device) Close() {
	d.state.mu.Lock()
	defer d.state.mu.Unlock()
	if d.isClosed() {
		return
	}
	d.log.Verbosef("Device closing")

	d.tun.device.Close()

	if d.deviceState() == deviceStateUp {
		d.peers.RLock()
		for _, peer := range d.peers.p {
			peer.Stop()
		}
		d.peers.RUnlock()
		d.bindClose()
	}
	d.state.current.Store(uint32(deviceStateClosed))

	d.RemoveAllPeers()

	// drop the creation references; the queues close once all
	// producers are gone and the workers drain out
	d.queue.handshake.wg.Done()
	d.queue.decryption.wg.Done()
	d.state.stopping.Wait()

	d.rate.limiter.Close()

	d.keys.Lock()
	setZero(d.keys.privateKey[:])
	setZero(d.keys.publicKey[:])
	d.keys.Unlock()

	close(d.closed)
	d.log.Verbosef("Device closed")
}

// flushInboundQueue frees items that slipped into a peer's inbound
// queue after the stop sentinel, once the sequential receiver has
// exited. Taking each item's lock waits out any decryption worker
// still writing to it.
func (d *Device) flushInboundQueue(c chan *QuInItem) {
	for {
		select {
		case item := <-c:
			if item == nil {
				continue
			}
			item.Lock()
			item.Unlock()
			d.PutMsgBuf(item.buf)
			d.PutInItem(item)
		default:
			return
		}
	}
}

// Wait returns a channel closed when the device finishes closing.
func (d *Device) Wait() chan struct{} {
	return d.closed
}

// IsUnderLoad reports whether the handshake queue is congested enough
// to demand cookies. The condition is sticky for UnderLoadAfterTime so
// an attacker cannot dodge it by pulsing.
func (d *Device) IsUnderLoad() bool {
	now := time.Now()
	underLoad := len(d.queue.handshake.c) >= HandshakeLoadThreshold
	if underLoad {
		d.rate.underLoadUntil.Store(now.Add(UnderLoadAfterTime).UnixNano())
		return true
	}
	return now.UnixNano() < d.rate.underLoadUntil.Load()
}

func (d *Device) RoutineTUNEventReader() {
	for event := range d.tun.device.Events() {
		if event&tun.EventMTUUpdate != 0 {
			mtu, err := d.tun.device.MTU()
			if err != nil {
				d.log.Errorf("Failed to load updated MTU of device: %v", err)
				continue
			}
			if mtu > MaxContentSize {
				mtu = MaxContentSize
			}
			d.tun.mtu.Store(int32(mtu))
		}
		if event&tun.EventUp != 0 {
			d.log.Verbosef("Interface up requested")
			d.Up()
		}
		if event&tun.EventDown != 0 {
			d.log.Verbosef("Interface down requested")
			d.Down()
		}
	}
}
