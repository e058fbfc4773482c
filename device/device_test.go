package device

import (
	"encoding/binary"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telhawk/wiretun/conn/bindtest"
	"github.com/telhawk/wiretun/tun/tuntest"
)

type testPair struct {
	dev  [2]*Device
	tun  [2]*tuntest.ChannelTUN
	peer [2]*Peer // dev[i]'s view of the other device
	ip   [2][4]byte
}

// genTestPair wires two devices back to back over an in-memory bind and
// configures each as the other's peer.
func genTestPair(t *testing.T) *testPair {
	t.Helper()

	pair := &testPair{
		ip: [2][4]byte{
			{192, 168, 4, 1},
			{192, 168, 4, 2},
		},
	}
	binds := bindtest.NewChannelBinds()

	var sk [2]NoisePrivateKey
	for i := range sk {
		var err error
		sk[i], err = newPrivateKey()
		require.NoError(t, err)
	}

	for i := range pair.dev {
		pair.tun[i] = tuntest.NewChannelTUN()
		pair.dev[i] = NewDevice(pair.tun[i], binds[i], DiscardLogger)
		require.NoError(t, pair.dev[i].SetPrivateKey(sk[i]))
		t.Cleanup(pair.dev[i].Close)
	}

	for i := range pair.dev {
		other := 1 - i
		peer, err := pair.dev[i].NewPeer(sk[other].publicKey())
		require.NoError(t, err)
		pair.peer[i] = peer

		prefix := netip.PrefixFrom(netip.AddrFrom4(pair.ip[other]), 32)
		pair.dev[i].allowedIPs.Insert(prefix, peer)

		ep, err := binds[i].ParseEndpoint("127.0.0.1:1")
		require.NoError(t, err)
		peer.SetEndpointFromPacket(ep)
	}

	for i := range pair.dev {
		require.NoError(t, pair.dev[i].Up())
	}
	return pair
}

// ping builds a minimal IPv4 packet from src to dst.
func ping(src, dst [4]byte, seq uint16) []byte {
	p := make([]byte, 28)
	p[0] = 0x45
	binary.BigEndian.PutUint16(p[2:4], uint16(len(p)))
	p[8] = 64
	p[9] = 1 // ICMP
	copy(p[12:16], src[:])
	copy(p[16:20], dst[:])
	binary.BigEndian.PutUint16(p[26:28], seq)
	return p
}

func (pair *testPair) send(t *testing.T, from int, seq uint16) {
	t.Helper()
	to := 1 - from
	packet := ping(pair.ip[from], pair.ip[to], seq)

	pair.tun[from].Outbound <- packet
	select {
	case got := <-pair.tun[to].Inbound:
		assert.Equal(t, packet, got)
	case <-time.After(5 * time.Second):
		t.Fatalf("packet %d from device %d never arrived", seq, from)
	}
}

func TestTwoDevicePing(t *testing.T) {
	pair := genTestPair(t)
	// first packet triggers the handshake and flushes once confirmed
	for seq := uint16(0); seq < 10; seq++ {
		pair.send(t, 0, seq)
	}
	for seq := uint16(0); seq < 10; seq++ {
		pair.send(t, 1, seq)
	}
	// both directions again, interleaved
	for seq := uint16(10); seq < 15; seq++ {
		pair.send(t, 0, seq)
		pair.send(t, 1, seq)
	}
}

func TestUpDownUp(t *testing.T) {
	pair := genTestPair(t)
	pair.send(t, 0, 1)

	for i := range pair.dev {
		require.NoError(t, pair.dev[i].Down())
	}
	for i := range pair.dev {
		require.NoError(t, pair.dev[i].Up())
	}
	// sessions were wiped on Down; traffic renegotiates
	pair.send(t, 1, 2)
	pair.send(t, 0, 3)
}

func TestReceiveDatagramMalformed(t *testing.T) {
	pair := genTestPair(t)
	d := pair.dev[0]

	before := d.stats.malformed.Load()
	d.ReceiveDatagram([]byte{0x45, 0x00})
	d.ReceiveDatagram(nil)
	notUDP := buildIPv4UDP([]byte{1, 0, 0, 0})
	notUDP[9] = 6
	d.ReceiveDatagram(notUDP)
	assert.Equal(t, before+3, d.stats.malformed.Load())

	// structurally fine but an unknown message type also counts
	before = d.stats.malformed.Load()
	d.ReceiveDatagram(buildIPv4UDP([]byte{0x77, 0, 0, 0}))
	assert.Equal(t, before+1, d.stats.malformed.Load())
}

// A raw-framed handshake initiation fed through ReceiveDatagram must
// reach the handshake machinery like one from the bind does.
func TestReceiveDatagramHandshake(t *testing.T) {
	pair := genTestPair(t)
	dev1, dev2 := pair.dev[0], pair.dev[1]

	msg, err := dev1.CreateMessageInitiation(pair.peer[0])
	require.NoError(t, err)
	var packet [MessageInitiationSize]byte
	require.NoError(t, msg.marshal(packet[:]))
	pair.peer[0].cookieGenerator.AddMacs(packet[:])

	consumed := dev2.stats.authFailures.Load()
	dev2.ReceiveDatagram(buildIPv4UDP(packet[:]))

	require.Eventually(t, func() bool {
		pair.peer[1].handshake.RLock()
		defer pair.peer[1].handshake.RUnlock()
		return pair.peer[1].handshake.remoteIndex == msg.Sender
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, consumed, dev2.stats.authFailures.Load())
}

func TestUnderLoadStickiness(t *testing.T) {
	pair := genTestPair(t)
	d := pair.dev[0]

	assert.False(t, d.IsUnderLoad())
	d.rate.underLoadUntil.Store(time.Now().Add(UnderLoadAfterTime).UnixNano())
	assert.True(t, d.IsUnderLoad())
	d.rate.underLoadUntil.Store(time.Now().Add(-time.Nanosecond).UnixNano())
	assert.False(t, d.IsUnderLoad())
}

// A full handshake queue drops new arrivals without ever blocking the
// receive path.
func TestHandshakeQueueFullDrops(t *testing.T) {
	pair := genTestPair(t)
	d := pair.dev[0]

	// park a full queue that no worker drains, then restore
	orig := d.queue.handshake.c
	d.queue.handshake.c = make(chan QuHandshake, 1)
	d.queue.handshake.c <- QuHandshake{}
	defer func() { d.queue.handshake.c = orig }()

	payload := make([]byte, MessageInitiationSize)
	binary.LittleEndian.PutUint32(payload, MessageInitiationType)

	before := d.stats.handshakeQueueDrops.Load()
	done := make(chan struct{})
	go func() {
		d.ReceiveDatagram(buildIPv4UDP(payload))
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("full handshake queue blocked the receive path")
	}
	assert.Equal(t, before+1, d.stats.handshakeQueueDrops.Load())

	// with room again the same datagram is admitted
	<-d.queue.handshake.c
	d.ReceiveDatagram(buildIPv4UDP(payload))
	assert.Equal(t, before+1, d.stats.handshakeQueueDrops.Load())
	assert.Len(t, d.queue.handshake.c, 1)
}

// Under load, a mac1-only initiation earns a cookie challenge through
// the pipeline instead of handshake progress, even when its source has
// exhausted the per-address rate allowance.
func TestUnderLoadCookieChallenge(t *testing.T) {
	pair := genTestPair(t)
	dev2 := pair.dev[1]

	dev2.rate.underLoadUntil.Store(time.Now().Add(UnderLoadAfterTime).UnixNano())
	require.True(t, dev2.IsUnderLoad())
	for dev2.rate.limiter.Allow(netip.MustParseAddr("127.0.0.1")) {
	}

	pair.peer[0].SendHandshakeInitiation(false)

	// the initiator learns a cookie rather than completing a session
	require.Eventually(t, func() bool {
		gen := &pair.peer[0].cookieGenerator
		gen.RLock()
		defer gen.RUnlock()
		return !gen.mac2.cookieSet.IsZero()
	}, 5*time.Second, 10*time.Millisecond)
	assert.Nil(t, pair.peer[0].keypairs.Current())
}

// Receiving on an aging key triggers at most one proactive rekey per
// key epoch.
func TestKeepKeyFreshReceivingOneShot(t *testing.T) {
	pair := genTestPair(t)
	pair.send(t, 0, 1)
	peer := pair.peer[0]

	keypair := peer.keypairs.Current()
	require.NotNil(t, keypair)
	require.True(t, keypair.isInitiator)
	keypair.created = time.Now().Add(-(RekeyFreshnessMargin + time.Second))

	// keep the rekey from completing, which would reset the epoch
	require.NoError(t, pair.dev[1].Down())

	// clear the spacing left by the handshake that just ran
	peer.handshake.Lock()
	peer.handshake.lastSentHandshake = time.Now().Add(-(RekeyTimeout + time.Second))
	peer.handshake.Unlock()

	peer.keepKeyFreshReceiving()
	assert.True(t, peer.timers.sentLastMinuteHandshake.Load())
	peer.handshake.RLock()
	first := peer.handshake.lastSentHandshake
	peer.handshake.RUnlock()
	assert.WithinDuration(t, time.Now(), first, time.Second)

	// spacing allows another send; the epoch flag alone suppresses it
	peer.handshake.Lock()
	peer.handshake.lastSentHandshake = time.Now().Add(-(RekeyTimeout + time.Second))
	peer.handshake.Unlock()
	peer.keepKeyFreshReceiving()
	peer.handshake.RLock()
	second := peer.handshake.lastSentHandshake
	peer.handshake.RUnlock()
	assert.True(t, second.Before(time.Now().Add(-RekeyTimeout)))
}

// An inbound item that slips into the peer queue after the stop
// sentinel is released by the flush, once its decryption worker is
// done with it.
func TestStopDrainsLateInbound(t *testing.T) {
	pair := genTestPair(t)
	pair.send(t, 0, 1)
	peer := pair.peer[0]
	d := pair.dev[0]

	keypair := peer.keypairs.Current()
	require.NotNil(t, keypair)
	peer.Stop()

	item := d.GetInItem()
	item.buf = d.GetMsgBuf()
	item.packet = item.buf[:MessageTransportSize]
	item.keypair = keypair
	item.Lock()
	peer.queue.inbound <- item
	d.queue.decryption.c <- item

	d.flushInboundQueue(peer.queue.inbound)
	assert.Len(t, peer.queue.inbound, 0)
	assert.Nil(t, item.buf)
}

func TestSendKeepaliveStagesOnce(t *testing.T) {
	pair := genTestPair(t)
	peer := pair.peer[0]
	require.NoError(t, pair.dev[0].Down())
	peer.isRunning.Store(true) // staged but not flushable while down

	peer.SendKeepalive()
	assert.Len(t, peer.queue.staged, 1)
	// a pending staged packet suppresses the empty keepalive
	peer.SendKeepalive()
	assert.Len(t, peer.queue.staged, 1)

	peer.FlushStagedPackets()
	assert.Len(t, peer.queue.staged, 0)
}
