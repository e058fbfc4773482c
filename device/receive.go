package device

import (
	"encoding/binary"
	"errors"
	"net"
	"runtime"
	"time"

	"github.com/telhawk/wiretun/conn"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

// offsets into inner IP headers needed for validation and ECN handling
const (
	IPv4offsetTotalLength = 2
	IPv4offsetSrc         = 12
	IPv4offsetDst         = IPv4offsetSrc + net.IPv4len

	IPv6offsetPayloadLength = 4
	IPv6offsetSrc           = 8
	IPv6offsetDst           = IPv6offsetSrc + net.IPv6len
)

/* Inbound flow
 *
 * 1. Classification: structural validation and message-type dispatch.
 *    Runs on whatever goroutine delivered the datagram and never
 *    blocks; its cost is bounded by a header parse.
 * 2. Handshake path: a bounded queue into a single burst-limited
 *    worker. Dropping on overflow, rather than blocking or growing,
 *    is itself the DoS defense.
 * 3. Data path: decryption fans out across CPUs; per-peer sequential
 *    receivers then validate, decapsulate, and deliver in order.
 *
 * The contract of every entry point here is "never fails, only
 * drops": nothing an unauthenticated sender does produces an error
 * return, only a counter increment and silence.
 */

// ReceiveDatagram is the raw entry point: one datagram as it came off
// the wire, outer IP and UDP framing included. All outcomes are
// internal side effects; malformed or unwanted input vanishes.
//
// Safe for concurrent use. Must not be called after Close.
func (d *Device) ReceiveDatagram(datagram []byte) {
	offset, length, endpoint, ds, err := parseDatagram(datagram)
	if err != nil {
		d.stats.malformed.Add(1)
		d.log.Verbosef("Dropping malformed datagram: %v", err)
		return
	}
	d.handlePayload(datagram[offset:offset+length], endpoint, ds)
}

// RoutineReceiveIncoming drains one of the bind's receive functions.
// The bind has already stripped IP/UDP framing, so payloads go straight
// to type dispatch. One routine runs per receive function for as long
// as the bind is open.
func (d *Device) RoutineReceiveIncoming(recv conn.ReceiveFunc) {
	defer func() {
		d.log.Verbosef("Routine: receive incoming - stopped")
		d.queue.handshake.wg.Done()
		d.queue.decryption.wg.Done()
		d.net.stopping.Done()
	}()

	d.log.Verbosef("Routine: receive incoming - started")

	var (
		bufs      = make([][]byte, conn.BatchSize)
		sizes     = make([]int, conn.BatchSize)
		endpoints = make([]conn.Endpoint, conn.BatchSize)
		deadSpins int
	)
	for i := range bufs {
		bufs[i] = make([]byte, MaxMessageSize)
	}

	for {
		count, err := recv(bufs, sizes, endpoints)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			d.log.Verbosef("Failed to receive packet: %v", err)
			if neterr, ok := err.(net.Error); ok && !neterr.Temporary() {
				return
			}
			if deadSpins < 10 {
				deadSpins++
				time.Sleep(time.Second / 3)
				continue
			}
			return
		}
		deadSpins = 0
		for i := 0; i < count; i++ {
			// no outer header on this path, so no DS field to carry
			d.handlePayload(bufs[i][:sizes[i]], endpoints[i], 0)
		}
	}
}

// handlePayload dispatches one protocol payload by its type
// discriminant. Handshake-class messages are copied into the bounded
// queue or dropped; transport messages enter the decryption pipeline.
func (d *Device) handlePayload(payload []byte, endpoint conn.Endpoint, ds byte) {
	switch msgType := determineMessageType(payload); msgType {
	case MessageInitiationType, MessageResponseType, MessageCookieReplyType:
		buf := d.GetMsgBuf()
		packet := buf[:copy(buf[:], payload)]
		select {
		case d.queue.handshake.c <- QuHandshake{
			buf:      buf,
			packet:   packet,
			msgType:  msgType,
			endpoint: endpoint,
		}:
		default:
			// full queue: drop, never block the receive path
			d.stats.handshakeQueueDrops.Add(1)
			d.PutMsgBuf(buf)
		}

	case MessageTransportType:
		receiver := binary.LittleEndian.Uint32(
			payload[MessageTransportOffsetReceiver:MessageTransportOffsetCounter],
		)
		entry := d.indexTable.Get(receiver)
		keypair := entry.keypair
		if keypair == nil {
			return
		}
		if keypair.created.Add(RejectAfterTime).Before(time.Now()) {
			return
		}
		peer := entry.peer
		if peer == nil || !peer.isRunning.Load() {
			return
		}

		item := d.GetInItem()
		item.buf = d.GetMsgBuf()
		item.packet = item.buf[:copy(item.buf[:], payload)]
		item.keypair = keypair
		item.endpoint = endpoint
		item.ds = ds
		item.counter = 0

		// Locked until decryption completes; the sequential receiver
		// blocks on this lock to keep per-peer ordering while workers
		// decrypt out of order.
		item.Lock()
		select {
		case peer.queue.inbound <- item:
			d.queue.decryption.c <- item
		default:
			item.Unlock()
			d.PutMsgBuf(item.buf)
			d.PutInItem(item)
		}

	default:
		d.stats.malformed.Add(1)
	}
}

// RoutineDecryption decrypts transport messages in place. It makes no
// policy decisions; failure is recorded by nilling the packet and left
// for the sequential receiver to count.
func (d *Device) RoutineDecryption(id int) {
	var nonce [chacha20poly1305.NonceSize]byte

	defer func() {
		d.log.Verbosef("Routine: decryption worker %d - stopped", id)
		d.state.stopping.Done()
	}()
	d.log.Verbosef("Routine: decryption worker %d - started", id)

	for item := range d.queue.decryption.c {
		counter := item.packet[MessageTransportOffsetCounter:MessageTransportOffsetContent]
		content := item.packet[MessageTransportOffsetContent:]

		item.counter = binary.LittleEndian.Uint64(counter)
		binary.LittleEndian.PutUint64(nonce[4:12], item.counter)
		var err error
		item.packet, err = item.keypair.receive.Open(
			content[:0],
			nonce[:],
			content,
			nil,
		)
		if err != nil {
			item.packet = nil
		}
		item.Unlock()
	}
}

// RoutineHandshake is the single consumer of the handshake queue. It
// owns all handshake state transitions, so none can interleave, and it
// yields after a bounded burst so a flood of queued handshakes cannot
// monopolize a CPU over other work.
func (d *Device) RoutineHandshake() {
	defer func() {
		d.log.Verbosef("Routine: handshake worker - stopped")
		d.state.stopping.Done()
	}()
	d.log.Verbosef("Routine: handshake worker - started")

	burst := 0
	for elem := range d.queue.handshake.c {
		d.handleHandshakeMessage(elem)
		d.PutMsgBuf(elem.buf)
		if burst++; burst >= MaxHandshakeBurst {
			burst = 0
			runtime.Gosched()
		}
	}
}

func (d *Device) handleHandshakeMessage(elem QuHandshake) {
	// cookie replies carry no macs of their own and never produce a
	// reply; handle and return before the mac machinery
	if elem.msgType == MessageCookieReplyType {
		var reply MessageCookieReply
		if err := reply.unmarshal(elem.packet); err != nil {
			d.log.Verbosef("Failed to decode cookie reply")
			return
		}
		entry := d.indexTable.Get(reply.Receiver)
		if entry.peer == nil || !entry.peer.isRunning.Load() {
			return
		}
		d.log.Verbosef("Receiving cookie response from %s", elem.endpoint.DstToString())
		if !entry.peer.cookieGenerator.ConsumeReply(&reply) {
			d.log.Verbosef("Could not decrypt invalid cookie response")
		}
		return
	}

	switch elem.msgType {
	case MessageInitiationType, MessageResponseType:
	default:
		// The classifier and queue admit nothing else; reaching here is
		// a bug in this program, not a network condition.
		d.log.Errorf("Invalid packet ended up in the handshake queue")
		return
	}

	// admission control: macs first, cookie challenge before the
	// source rate limit
	underLoad := d.IsUnderLoad()
	var needsCookie bool
	switch state := d.cookieChecker.ValidateMacs(elem.packet, elem.endpoint.DstToBytes(), underLoad); {
	case underLoad && state == macValidWithCookie,
		!underLoad && state == macValidNoCookie:
		needsCookie = false
	case underLoad && state == macValidNoCookie:
		needsCookie = true
	default:
		d.stats.authFailures.Add(1)
		d.log.Verbosef("Received packet with invalid mac from %s", elem.endpoint.DstToString())
		return
	}
	if needsCookie {
		// The sender checked out as far as mac1 goes but has not
		// proven reachability at its claimed source. Challenge it and
		// spend no asymmetric crypto.
		d.SendHandshakeCookie(elem)
		return
	}

	// the challenge itself is cheap and stateless; only full handshake
	// processing is rate limited per source
	if underLoad && !d.rate.limiter.Allow(elem.endpoint.DstIP()) {
		return
	}

	switch elem.msgType {
	case MessageInitiationType:
		var msg MessageInitiation
		if err := msg.unmarshal(elem.packet); err != nil {
			d.log.Errorf("Failed to decode initiation message")
			return
		}

		peer := d.ConsumeMessageInitiation(&msg)
		if peer == nil {
			d.stats.authFailures.Add(1)
			d.log.Verbosef("Received invalid initiation message from %s", elem.endpoint.DstToString())
			return
		}

		peer.SetEndpointFromPacket(elem.endpoint)
		d.log.Verbosef("%v - Received handshake initiation", peer)
		peer.rxBytes.Add(uint64(len(elem.packet)))

		// the response goes out within this same processing step
		peer.SendHandshakeResponse()

		peer.timersAnyAuthenticatedPacketReceived()
		peer.timersAnyAuthenticatedPacketTraversal()

	case MessageResponseType:
		var msg MessageResponse
		if err := msg.unmarshal(elem.packet); err != nil {
			d.log.Errorf("Failed to decode response message")
			return
		}

		peer := d.ConsumeMessageResponse(&msg)
		if peer == nil {
			d.stats.authFailures.Add(1)
			d.log.Verbosef("Received invalid response message from %s", elem.endpoint.DstToString())
			return
		}

		peer.SetEndpointFromPacket(elem.endpoint)
		d.log.Verbosef("%v - Received handshake response", peer)
		peer.rxBytes.Add(uint64(len(elem.packet)))

		if err := peer.BeginSymmetricSession(); err != nil {
			d.log.Errorf("%v - Failed to derive keypair: %v", peer, err)
			return
		}

		peer.timersSessionDerived()
		peer.timersHandshakeComplete()

		// Flush anything that was waiting on a session, or failing
		// that send a keepalive so the peer gets immediate
		// confirmation that the session is live.
		peer.SendKeepalive()

		peer.timersAnyAuthenticatedPacketReceived()
		peer.timersAnyAuthenticatedPacketTraversal()
	}
}

/* Called when an authenticated message has been received.
 *
 * NOTE: Not thread safe, but called by the sequential receiver!
 */
func (peer *Peer) keepKeyFreshReceiving() {
	if peer.timers.sentLastMinuteHandshake.Load() {
		return
	}
	keypair := peer.keypairs.Current()
	if keypair != nil && keypair.isInitiator && time.Since(keypair.created) > RekeyFreshnessMargin {
		// one proactive rekey per key epoch
		peer.timers.sentLastMinuteHandshake.Store(true)
		peer.SendHandshakeInitiation(false)
	}
}

// RoutineSequentialReceiver finishes inbound transport messages for one
// peer, in order: replay check, keepalive handling, inner-header
// validation, ECN decapsulation, source authorization, delivery. Every
// path out of an item releases its buffers exactly once.
func (peer *Peer) RoutineSequentialReceiver() {
	d := peer.device
	defer func() {
		d.log.Verbosef("%v - Routine: sequential receiver - stopped", peer)
		peer.stopping.Done()
	}()
	d.log.Verbosef("%v - Routine: sequential receiver - started", peer)

	bufs := make([][]byte, 0, 1)

	for item := range peer.queue.inbound {
		if item == nil {
			return
		}
		// wait for the decryption worker
		item.Lock()

		ok := func() bool {
			if item.packet == nil {
				// decryption failed
				d.stats.authFailures.Add(1)
				return false
			}
			if !item.keypair.replayFilter.ValidateCounter(item.counter, RejectAfterMessages) {
				return false
			}

			peer.SetEndpointFromPacket(item.endpoint)
			if peer.ReceivedWithKeypair(item.keypair) {
				// first confirmation of the newest session
				peer.timersHandshakeComplete()
				peer.SendStagedPackets()
			}
			peer.keepKeyFreshReceiving()
			peer.timersAnyAuthenticatedPacketReceived()
			peer.timersAnyAuthenticatedPacketTraversal()
			peer.rxBytes.Add(uint64(len(item.packet) + MinMessageSize))

			if len(item.packet) == 0 {
				d.log.Verbosef("%v - Receiving keepalive packet", peer)
				return false
			}
			peer.timersDataReceived()

			switch item.packet[0] >> 4 {
			case 4:
				if len(item.packet) < ipv4.HeaderLen {
					d.stats.lengthErrors.Add(1)
					return false
				}
				field := item.packet[IPv4offsetTotalLength : IPv4offsetTotalLength+2]
				length := binary.BigEndian.Uint16(field)
				if int(length) > len(item.packet) || int(length) < ipv4.HeaderLen {
					d.stats.lengthErrors.Add(1)
					return false
				}
				item.packet = item.packet[:length]
				ecnDecapsulate(item.packet, item.ds)
				src := item.packet[IPv4offsetSrc : IPv4offsetSrc+net.IPv4len]
				if d.allowedIPs.Lookup(src) != peer {
					d.stats.spoofedSource.Add(1)
					d.log.Verbosef("IPv4 packet with disallowed source address from %v", peer)
					return false
				}

			case 6:
				if len(item.packet) < ipv6.HeaderLen {
					d.stats.lengthErrors.Add(1)
					return false
				}
				field := item.packet[IPv6offsetPayloadLength : IPv6offsetPayloadLength+2]
				length := binary.BigEndian.Uint16(field) + ipv6.HeaderLen
				if int(length) > len(item.packet) {
					d.stats.lengthErrors.Add(1)
					return false
				}
				item.packet = item.packet[:length]
				ecnDecapsulate(item.packet, item.ds)
				src := item.packet[IPv6offsetSrc : IPv6offsetSrc+net.IPv6len]
				if d.allowedIPs.Lookup(src) != peer {
					d.stats.spoofedSource.Add(1)
					d.log.Verbosef("IPv6 packet with disallowed source address from %v", peer)
					return false
				}

			default:
				d.stats.lengthErrors.Add(1)
				d.log.Verbosef("Packet with invalid IP version from %v", peer)
				return false
			}

			return true
		}()

		if ok {
			bufs = append(bufs, item.buf[:MessageTransportOffsetContent+len(item.packet)])
			if _, err := d.tun.device.Write(bufs, MessageTransportOffsetContent); err != nil {
				d.stats.deliveryDrops.Add(1)
				if !d.isClosed() {
					d.log.Errorf("Failed to write packet to TUN device: %v", err)
				}
			}
			bufs = bufs[:0]
		}
		d.PutMsgBuf(item.buf)
		d.PutInItem(item)
	}
}
