package device

import (
	"math/rand/v2"
	"sync"
	"time"
)

/* The timer set drives everything the protocol must do without being
 * asked: retransmit handshakes, answer traffic with keepalives, rekey
 * before expiry, and wipe keys that have gone unrenewed. Each event
 * function below corresponds to one protocol obligation and is called
 * from the receive or send paths at the moments the protocol names.
 */

// Timer mirrors the interface of a kernel timer: it can be (re)armed
// with Mod, disarmed with Del, and fires its expiry function at most
// once per arming.
type Timer struct {
	*time.Timer
	runningMu   sync.Mutex
	modifyingMu sync.RWMutex
	isPending   bool
}

// NewTimer returns a stopped timer bound to peer. The placeholder hour
// duration never elapses; every real deadline comes through Mod.
func (peer *Peer) NewTimer(expFunc func(*Peer)) *Timer {
	t := &Timer{}
	t.Timer = time.AfterFunc(time.Hour, func() {
		t.runningMu.Lock()
		defer t.runningMu.Unlock()
		t.modifyingMu.Lock()
		if !t.isPending {
			t.modifyingMu.Unlock()
			return
		}
		t.isPending = false
		t.modifyingMu.Unlock()
		expFunc(peer)
	})
	t.Stop()
	return t
}

func (t *Timer) Mod(d time.Duration) {
	t.modifyingMu.Lock()
	t.isPending = true
	t.Reset(d)
	t.modifyingMu.Unlock()
}

func (t *Timer) Del() {
	t.modifyingMu.Lock()
	t.isPending = false
	t.Stop()
	t.modifyingMu.Unlock()
}

// DelSync additionally waits out a concurrently running expiry
// function, so a stopped peer never has one in flight.
func (t *Timer) DelSync() {
	t.Del()
	t.runningMu.Lock()
	t.Del()
	t.runningMu.Unlock()
}

func (t *Timer) IsPending() bool {
	t.modifyingMu.RLock()
	defer t.modifyingMu.RUnlock()
	return t.isPending
}

func expiredNewHandshake(peer *Peer) {
	peer.device.log.Verbosef(
		"%s - Retrying handshake because we stopped hearing back after %d seconds",
		peer, int((KeepaliveTimeout + RekeyTimeout).Seconds()),
	)
	peer.SendHandshakeInitiation(false)
}

func expiredRetransmitHandshake(peer *Peer) {
	if peer.timers.handshakeAttempts.Load() > MaxTimerHandshakes {
		peer.device.log.Verbosef(
			"%s - Handshake did not complete after %d attempts, giving up",
			peer, MaxTimerHandshakes+2,
		)
		if peer.timersActive() {
			peer.timers.sendKeepalive.Del()
		}
		// Stop retrying and drop whatever was waiting on a session;
		// schedule removal of any residue of the partial exchange.
		peer.FlushStagedPackets()
		if peer.timersActive() && !peer.timers.zeroKeyMaterial.IsPending() {
			peer.timers.zeroKeyMaterial.Mod(RejectAfterTime * 3)
		}
	} else {
		peer.timers.handshakeAttempts.Add(1)
		peer.device.log.Verbosef(
			"%s - Handshake did not complete after %d seconds, retrying (try %d)",
			peer, int(RekeyTimeout.Seconds()), peer.timers.handshakeAttempts.Load()+1,
		)
		peer.SendHandshakeInitiation(true)
	}
}

func expiredSendKeepalive(peer *Peer) {
	peer.SendKeepalive()
	if peer.timers.needAnotherKeepalive.Load() {
		peer.timers.needAnotherKeepalive.Store(false)
		if peer.timersActive() {
			peer.timers.sendKeepalive.Mod(KeepaliveTimeout)
		}
	}
}

func expiredPersistentKeepalive(peer *Peer) {
	if peer.persistentKeepaliveInterval.Load() > 0 {
		peer.SendKeepalive()
	}
}

func expiredZeroKeyMaterial(peer *Peer) {
	peer.device.log.Verbosef(
		"%s - Removing all keys, since we haven't received a new one in %d seconds",
		peer, int((RejectAfterTime * 3).Seconds()),
	)
	peer.ZeroAndFlushAll()
}

func (peer *Peer) timersInit() {
	peer.timers.newHandshake = peer.NewTimer(expiredNewHandshake)
	peer.timers.retransmitHandshake = peer.NewTimer(expiredRetransmitHandshake)
	peer.timers.sendKeepalive = peer.NewTimer(expiredSendKeepalive)
	peer.timers.persistentKeepalive = peer.NewTimer(expiredPersistentKeepalive)
	peer.timers.zeroKeyMaterial = peer.NewTimer(expiredZeroKeyMaterial)
}

func (peer *Peer) timersStart() {
	peer.timers.handshakeAttempts.Store(0)
	peer.timers.sentLastMinuteHandshake.Store(false)
	peer.timers.needAnotherKeepalive.Store(false)
}

func (peer *Peer) timersStop() {
	peer.timers.newHandshake.DelSync()
	peer.timers.retransmitHandshake.DelSync()
	peer.timers.sendKeepalive.DelSync()
	peer.timers.persistentKeepalive.DelSync()
	peer.timers.zeroKeyMaterial.DelSync()
}

func (peer *Peer) timersActive() bool {
	return peer.isRunning.Load() && peer.device != nil && peer.device.isUp()
}

// Should be called after an authenticated data packet is sent.
func (peer *Peer) timersDataSent() {
	if peer.timersActive() && !peer.timers.newHandshake.IsPending() {
		d := KeepaliveTimeout + RekeyTimeout + time.Millisecond*time.Duration(rand.Int64N(RekeyTimeoutJitterMaxMs))
		peer.timers.newHandshake.Mod(d)
	}
}

// Should be called after an authenticated data packet is received.
func (peer *Peer) timersDataReceived() {
	if peer.timersActive() {
		if !peer.timers.sendKeepalive.IsPending() {
			peer.timers.sendKeepalive.Mod(KeepaliveTimeout)
		} else {
			peer.timers.needAnotherKeepalive.Store(true)
		}
	}
}

// Should be called after any type of authenticated packet is sent,
// whether keepalive, data, or handshake.
func (peer *Peer) timersAnyAuthenticatedPacketSent() {
	if peer.timersActive() {
		peer.timers.sendKeepalive.Del()
	}
}

// Should be called after any type of authenticated packet is received,
// whether keepalive, data, or handshake.
func (peer *Peer) timersAnyAuthenticatedPacketReceived() {
	if peer.timersActive() {
		peer.timers.newHandshake.Del()
	}
}

// Should be called after a handshake initiation message is sent.
func (peer *Peer) timersHandshakeInitiated() {
	if peer.timersActive() {
		d := RekeyTimeout + time.Millisecond*time.Duration(rand.Int64N(RekeyTimeoutJitterMaxMs))
		peer.timers.retransmitHandshake.Mod(d)
	}
}

// Should be called after a handshake response message is received and
// processed, or when getting key confirmation via the first data
// message.
func (peer *Peer) timersHandshakeComplete() {
	if peer.timersActive() {
		peer.timers.retransmitHandshake.Del()
	}
	peer.timers.handshakeAttempts.Store(0)
	peer.timers.sentLastMinuteHandshake.Store(false)
	peer.lastHandshake.Store(time.Now().UnixNano())
}

// Should be called after an ephemeral key is created, which is before
// sending a handshake response or after receiving a handshake response.
func (peer *Peer) timersSessionDerived() {
	if peer.timersActive() {
		peer.timers.zeroKeyMaterial.Mod(RejectAfterTime * 3)
	}
}

// Should be called before a packet with authentication, whether
// keepalive, data, or handshake is sent, or after one is received.
func (peer *Peer) timersAnyAuthenticatedPacketTraversal() {
	keepalive := peer.persistentKeepaliveInterval.Load()
	if keepalive > 0 && peer.timersActive() {
		peer.timers.persistentKeepalive.Mod(time.Duration(keepalive) * time.Second)
	}
}
