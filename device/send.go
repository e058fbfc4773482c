package device

import (
	"encoding/binary"
	"errors"
	"net"
	"os"
	"time"

	"github.com/telhawk/wiretun/conn"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

/* Outbound flow
 *
 * Plaintext packets from the TUN device are routed to a peer by their
 * destination address and staged on that peer. When a confirmed
 * session exists they are encrypted and transmitted under the peer's
 * send lock, which keeps the nonce sequence and the wire order
 * identical. When no session exists, staging a packet triggers a
 * handshake instead; the flush happens once the session confirms.
 */

// SendKeepalive transmits a single flow-sustaining signal to the peer:
// the staged backlog when one exists, otherwise one empty transport
// message. Exactly one of the two goes out.
func (peer *Peer) SendKeepalive() {
	if len(peer.queue.staged) == 0 && peer.isRunning.Load() {
		item := peer.device.NewOutItem()
		// content length zero, positioned after the header
		item.packet = item.buf[MessageTransportHeaderSize:MessageTransportHeaderSize]
		select {
		case peer.queue.staged <- item:
			peer.device.log.Verbosef("%v - Sending keepalive packet", peer)
		default:
			peer.device.PutMsgBuf(item.buf)
			peer.device.PutOutItem(item)
		}
	}
	peer.SendStagedPackets()
}

// SendHandshakeInitiation starts or retries a handshake. Non-retry
// calls within RekeyTimeout of the previous transmission coalesce into
// the attempt already in flight.
func (peer *Peer) SendHandshakeInitiation(isRetry bool) error {
	if !isRetry {
		peer.timers.handshakeAttempts.Store(0)
	}

	peer.handshake.RLock()
	if time.Since(peer.handshake.lastSentHandshake) < RekeyTimeout {
		peer.handshake.RUnlock()
		return nil
	}
	peer.handshake.RUnlock()

	peer.handshake.Lock()
	if time.Since(peer.handshake.lastSentHandshake) < RekeyTimeout {
		peer.handshake.Unlock()
		return nil
	}
	peer.handshake.lastSentHandshake = time.Now()
	peer.handshake.Unlock()

	peer.device.log.Verbosef("%v - Sending handshake initiation", peer)

	msg, err := peer.device.CreateMessageInitiation(peer)
	if err != nil {
		peer.device.log.Errorf("%v - Failed to create initiation message: %v", peer, err)
		return err
	}

	var buf [MessageInitiationSize]byte
	_ = msg.marshal(buf[:])
	peer.cookieGenerator.AddMacs(buf[:])

	peer.timersAnyAuthenticatedPacketTraversal()
	peer.timersAnyAuthenticatedPacketSent()

	err = peer.SendBuffers([][]byte{buf[:]})
	if err != nil {
		peer.device.log.Errorf("%v - Failed to send handshake initiation: %v", peer, err)
	}
	peer.timersHandshakeInitiated()

	return err
}

// SendHandshakeResponse answers a consumed initiation. The responder's
// session is derived here, before the response leaves, so the first
// transport message from the initiator finds keys in place.
func (peer *Peer) SendHandshakeResponse() error {
	peer.handshake.Lock()
	peer.handshake.lastSentHandshake = time.Now()
	peer.handshake.Unlock()

	peer.device.log.Verbosef("%v - Sending handshake response", peer)

	msg, err := peer.device.CreateMessageResponse(peer)
	if err != nil {
		peer.device.log.Errorf("%v - Failed to create response message: %v", peer, err)
		return err
	}

	var buf [MessageResponseSize]byte
	_ = msg.marshal(buf[:])
	peer.cookieGenerator.AddMacs(buf[:])

	err = peer.BeginSymmetricSession()
	if err != nil {
		peer.device.log.Errorf("%v - Failed to derive keypair: %v", peer, err)
		return err
	}

	peer.timersSessionDerived()
	peer.timersAnyAuthenticatedPacketTraversal()
	peer.timersAnyAuthenticatedPacketSent()

	err = peer.SendBuffers([][]byte{buf[:]})
	if err != nil {
		peer.device.log.Errorf("%v - Failed to send handshake response: %v", peer, err)
	}
	return err
}

// SendHandshakeCookie answers a mac1-valid message that lacked a valid
// mac2 while the device is under load. The reply proves nothing except
// that the claimed source can receive; no handshake state is touched.
func (d *Device) SendHandshakeCookie(elem QuHandshake) error {
	d.log.Verbosef("Sending cookie response for denied handshake message from %s", elem.endpoint.DstToString())

	sender := binary.LittleEndian.Uint32(elem.packet[4:8])
	reply, err := d.cookieChecker.CreateReply(elem.packet, sender, elem.endpoint.DstToBytes())
	if err != nil {
		d.log.Errorf("Failed to create cookie reply: %v", err)
		return err
	}

	var buf [MessageCookieReplySize]byte
	_ = reply.marshal(buf[:])

	d.net.RLock()
	defer d.net.RUnlock()
	if d.net.bind == nil {
		return errors.New("no bind")
	}
	return d.net.bind.Send([][]byte{buf[:]}, elem.endpoint)
}

/* Called when a data packet is given to the peer.
 *
 * Blocks until a slot frees if the staged queue is full, by evicting
 * the oldest staged packet. Newest traffic wins: a stale packet that
 * waited out a whole handshake is the least worth delivering.
 */
func (peer *Peer) StagePacket(item *QuOutItem) {
	for {
		select {
		case peer.queue.staged <- item:
			return
		default:
		}
		select {
		case old := <-peer.queue.staged:
			peer.device.PutMsgBuf(old.buf)
			peer.device.PutOutItem(old)
		default:
		}
	}
}

// keepKeyFreshSending initiates a rekey when the sending session is
// aging out, so the handshake completes before sends start failing.
func (peer *Peer) keepKeyFreshSending() {
	keypair := peer.keypairs.Current()
	if keypair == nil {
		return
	}
	nonce := keypair.sendNonce.Load()
	if nonce > RekeyAfterMessages || (keypair.isInitiator && time.Since(keypair.created) > RekeyAfterTime) {
		peer.SendHandshakeInitiation(false)
	}
}

// SendStagedPackets encrypts and transmits everything staged on the
// peer, in order. If no usable session exists the packets stay staged
// and a handshake is initiated instead.
func (peer *Peer) SendStagedPackets() {
top:
	if len(peer.queue.staged) == 0 || !peer.device.isUp() {
		return
	}

	keypair := peer.keypairs.Current()
	if keypair == nil || keypair.sendNonce.Load() >= RejectAfterMessages || time.Since(keypair.created) >= RejectAfterTime {
		peer.SendHandshakeInitiation(false)
		return
	}

	if !peer.sendStagedBatch(keypair) {
		return
	}
	if len(peer.queue.staged) > 0 {
		goto top
	}
}

// sendStagedBatch drains up to one batch of staged packets under the
// send lock. Returns false when transmission failed.
func (peer *Peer) sendStagedBatch(keypair *Keypair) bool {
	peer.txMu.Lock()
	defer peer.txMu.Unlock()

	var (
		items [conn.BatchSize]*QuOutItem
		bufs  [conn.BatchSize][]byte
		count int
	)

	for count < len(items) {
		var item *QuOutItem
		select {
		case item = <-peer.queue.staged:
		default:
		}
		if item == nil {
			break
		}

		item.nonce = keypair.sendNonce.Add(1) - 1
		if item.nonce >= RejectAfterMessages {
			// nonce space exhausted mid-flush: restage and rekey
			keypair.sendNonce.Store(RejectAfterMessages)
			peer.StagePacket(item)
			break
		}
		item.keypair = keypair
		items[count] = item
		count++
	}

	if count == 0 {
		return true
	}

	var nonce [chacha20poly1305.NonceSize]byte
	for i := 0; i < count; i++ {
		item := items[i]

		// pad the content, then lay the header down in front of it
		paddingSize := calculatePaddingSize(len(item.packet), int(peer.device.tun.mtu.Load()))
		for j := 0; j < paddingSize; j++ {
			item.packet = append(item.packet, 0)
		}

		header := item.buf[:MessageTransportHeaderSize]
		binary.LittleEndian.PutUint32(header[0:4], MessageTransportType)
		binary.LittleEndian.PutUint32(header[4:8], item.keypair.remoteIndex)
		binary.LittleEndian.PutUint64(header[8:16], item.nonce)

		binary.LittleEndian.PutUint64(nonce[4:12], item.nonce)
		item.packet = item.keypair.send.Seal(header, nonce[:], item.packet, nil)
		bufs[i] = item.packet
	}

	peer.timersAnyAuthenticatedPacketTraversal()
	peer.timersAnyAuthenticatedPacketSent()
	if count > 0 && len(bufs[0]) > MessageKeepaliveSize {
		peer.timersDataSent()
	}

	err := peer.SendBuffers(bufs[:count])
	for i := 0; i < count; i++ {
		peer.device.PutMsgBuf(items[i].buf)
		peer.device.PutOutItem(items[i])
	}
	if err != nil {
		peer.device.log.Errorf("%v - Failed to send data packets: %v", peer, err)
		return false
	}
	peer.keepKeyFreshSending()
	return true
}

// FlushStagedPackets silently discards the staged backlog.
func (peer *Peer) FlushStagedPackets() {
	for {
		select {
		case item := <-peer.queue.staged:
			peer.device.PutMsgBuf(item.buf)
			peer.device.PutOutItem(item)
		default:
			return
		}
	}
}

// calculatePaddingSize pads content to a multiple of PaddingMultiple,
// never past the MTU. Keepalives stay empty.
func calculatePaddingSize(contentSize, mtu int) int {
	lastUnit := contentSize
	if mtu == 0 {
		return ((lastUnit + PaddingMultiple - 1) & ^(PaddingMultiple - 1)) - lastUnit
	}
	if lastUnit > mtu {
		lastUnit %= mtu
	}
	paddedSize := (lastUnit + PaddingMultiple - 1) & ^(PaddingMultiple - 1)
	if paddedSize > mtu {
		paddedSize = mtu
	}
	return paddedSize - lastUnit
}

// RoutineReadFromTUN reads outbound plaintext from the TUN device,
// routes each packet to a peer by destination address, and stages it.
func (d *Device) RoutineReadFromTUN() {
	defer func() {
		d.log.Verbosef("Routine: TUN reader - stopped")
		d.state.stopping.Done()
	}()
	d.log.Verbosef("Routine: TUN reader - started")

	var (
		batchSize = d.tun.device.BatchSize()
		bufs      = make([][]byte, batchSize)
		sizes     = make([]int, batchSize)
		items     = make([]*QuOutItem, batchSize)
		stagedFor = make(map[*Peer]struct{}, batchSize)
	)

	for {
		for i := range items {
			if items[i] == nil {
				items[i] = d.NewOutItem()
				bufs[i] = items[i].buf[:]
			}
		}

		count, err := d.tun.device.Read(bufs, sizes, MessageTransportHeaderSize)

		for i := 0; i < count; i++ {
			if sizes[i] < 1 {
				continue
			}
			item := items[i]
			item.packet = bufs[i][MessageTransportHeaderSize : MessageTransportHeaderSize+sizes[i]]

			// route by inner destination
			var peer *Peer
			switch item.packet[0] >> 4 {
			case 4:
				if len(item.packet) < ipv4.HeaderLen {
					continue
				}
				dst := item.packet[IPv4offsetDst : IPv4offsetDst+net.IPv4len]
				peer = d.allowedIPs.Lookup(dst)
			case 6:
				if len(item.packet) < ipv6.HeaderLen {
					continue
				}
				dst := item.packet[IPv6offsetDst : IPv6offsetDst+net.IPv6len]
				peer = d.allowedIPs.Lookup(dst)
			default:
				d.log.Verbosef("Received packet with unknown IP version")
			}
			if peer == nil || !peer.isRunning.Load() {
				continue
			}

			peer.StagePacket(item)
			items[i] = nil
			stagedFor[peer] = struct{}{}
		}

		for peer := range stagedFor {
			peer.SendStagedPackets()
			delete(stagedFor, peer)
		}

		if err != nil {
			if errors.Is(err, os.ErrClosed) || d.isClosed() {
				return
			}
			d.log.Errorf("Failed to read packet from TUN device: %v", err)
			go d.Close()
			return
		}
	}
}
