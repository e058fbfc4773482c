package device

import (
	"crypto/hmac"
	"crypto/rand"
	"sync"
	"time"

	"golang.org/x/crypto/blake2s"
	"golang.org/x/crypto/chacha20poly1305"
)

// The cookie machinery is the device's amortized DoS defense. Every
// handshake message carries mac1, a keyed MAC proving the sender knows
// our public key; that check is cheap and always enforced. Under load
// the device additionally demands mac2, keyed by a cookie we previously
// mailed to the sender's source address. The cookie is an HMAC of the
// address under a secret that rotates every CookieRefreshTime and is
// never stored per sender, so validating it costs one recomputation and
// zero state.

// macState is the verdict on a handshake message's MAC trailer.
type macState int

const (
	macInvalid macState = iota
	// mac1 checks out, no usable mac2
	macValidNoCookie
	// mac1 and the address-bound mac2 both check out
	macValidWithCookie
)

// CookieChecker is the receiving side: it verifies macs on inbound
// handshake messages and mints cookie replies.
type CookieChecker struct {
	sync.RWMutex
	mac1 struct {
		key [blake2s.Size]byte
	}
	mac2 struct {
		secret        [blake2s.Size]byte
		secretSet     time.Time
		prevSecret    [blake2s.Size]byte
		prevSecretSet time.Time
		encryptionKey [chacha20poly1305.KeySize]byte
	}
}

// CookieGenerator is the sending side: it stamps mac1 (and mac2 when a
// fresh cookie is cached) onto outbound handshake messages and consumes
// cookie replies.
type CookieGenerator struct {
	sync.RWMutex
	mac1 struct {
		key [blake2s.Size]byte
	}
	mac2 struct {
		cookie        [blake2s.Size128]byte
		cookieSet     time.Time
		hasLastMAC1   bool
		lastMAC1      [blake2s.Size128]byte
		encryptionKey [chacha20poly1305.KeySize]byte
	}
}

func (st *CookieChecker) Init(pk NoisePublicKey) {
	st.Lock()
	defer st.Unlock()

	func() {
		hash, _ := blake2s.New256(nil)
		hash.Write([]byte(WGLabelMAC1))
		hash.Write(pk[:])
		hash.Sum(st.mac1.key[:0])
	}()

	func() {
		hash, _ := blake2s.New256(nil)
		hash.Write([]byte(WGLabelCookie))
		hash.Write(pk[:])
		hash.Sum(st.mac2.encryptionKey[:0])
	}()

	st.mac2.secretSet = time.Time{}
	st.mac2.prevSecretSet = time.Time{}
}

func (st *CookieChecker) CheckMAC1(msg []byte) bool {
	st.RLock()
	defer st.RUnlock()

	size := len(msg)
	startMac2 := size - blake2s.Size128
	startMac1 := startMac2 - blake2s.Size128

	var mac1 [blake2s.Size128]byte
	mac, _ := blake2s.New128(st.mac1.key[:])
	mac.Write(msg[:startMac1])
	mac.Sum(mac1[:0])

	return hmac.Equal(mac1[:], msg[startMac1:startMac2])
}

func (st *CookieChecker) CheckMAC2(msg, src []byte) bool {
	st.RLock()
	defer st.RUnlock()

	// A cookie minted at the very end of a secret's life must still
	// validate after rotation, so each secret stays acceptable for a
	// short latency window past its refresh age, and the pre-rotation
	// secret is consulted as a fallback.
	return st.checkMAC2Secret(msg, src, &st.mac2.secret, st.mac2.secretSet) ||
		st.checkMAC2Secret(msg, src, &st.mac2.prevSecret, st.mac2.prevSecretSet)
}

func (st *CookieChecker) checkMAC2Secret(msg, src []byte, secret *[blake2s.Size]byte, set time.Time) bool {
	if time.Since(set) > CookieRefreshTime+CookieSecretLatency {
		return false
	}

	// recompute the cookie this source would have been issued
	var cookie [blake2s.Size128]byte
	func() {
		mac, _ := blake2s.New128(secret[:])
		mac.Write(src)
		mac.Sum(cookie[:0])
	}()

	// mac2 covers the whole message including mac1
	startMac2 := len(msg) - blake2s.Size128
	var mac2 [blake2s.Size128]byte
	func() {
		mac, _ := blake2s.New128(cookie[:])
		mac.Write(msg[:startMac2])
		mac.Sum(mac2[:0])
	}()

	return hmac.Equal(mac2[:], msg[startMac2:])
}

// ValidateMacs classifies a handshake message's trailer. When not under
// load, a valid mac1 is sufficient and mac2 is not even computed; under
// load, mac2 is checked against the sender's claimed source address.
func (st *CookieChecker) ValidateMacs(msg, src []byte, underLoad bool) macState {
	if !st.CheckMAC1(msg) {
		return macInvalid
	}
	if !underLoad {
		return macValidNoCookie
	}
	if st.CheckMAC2(msg, src) {
		return macValidWithCookie
	}
	return macValidNoCookie
}

// CreateReply mints a cookie reply for a sender whose message had a
// valid mac1 but no acceptable mac2. No per-sender state is kept: the
// cookie is derived from the rotating secret and the source address,
// then sealed under a key only the genuine public-key holder can
// derive, with the message's mac1 as associated data tying the reply to
// this particular attempt.
func (st *CookieChecker) CreateReply(msg []byte, recv uint32, src []byte) (*MessageCookieReply, error) {
	st.RLock()

	// Rotate a stale secret, keeping the outgoing one around so
	// cookies it minted survive the rotation.
	if time.Since(st.mac2.secretSet) > CookieRefreshTime {
		st.RUnlock()
		st.Lock()
		if time.Since(st.mac2.secretSet) > CookieRefreshTime {
			st.mac2.prevSecret = st.mac2.secret
			st.mac2.prevSecretSet = st.mac2.secretSet
			_, err := rand.Read(st.mac2.secret[:])
			if err != nil {
				st.Unlock()
				return nil, err
			}
			st.mac2.secretSet = time.Now()
		}
		st.Unlock()
		st.RLock()
	}

	var cookie [blake2s.Size128]byte
	func() {
		mac, _ := blake2s.New128(st.mac2.secret[:])
		mac.Write(src)
		mac.Sum(cookie[:0])
	}()

	size := len(msg)
	startMac2 := size - blake2s.Size128
	startMac1 := startMac2 - blake2s.Size128

	reply := new(MessageCookieReply)
	reply.Type = MessageCookieReplyType
	reply.Receiver = recv

	_, err := rand.Read(reply.Nonce[:])
	if err != nil {
		st.RUnlock()
		return nil, err
	}

	xchapoly, _ := chacha20poly1305.NewX(st.mac2.encryptionKey[:])
	xchapoly.Seal(reply.Cookie[:0], reply.Nonce[:], cookie[:], msg[startMac1:startMac2])

	st.RUnlock()
	return reply, nil
}

func (st *CookieGenerator) Init(pk NoisePublicKey) {
	st.Lock()
	defer st.Unlock()

	func() {
		hash, _ := blake2s.New256(nil)
		hash.Write([]byte(WGLabelMAC1))
		hash.Write(pk[:])
		hash.Sum(st.mac1.key[:0])
	}()

	func() {
		hash, _ := blake2s.New256(nil)
		hash.Write([]byte(WGLabelCookie))
		hash.Write(pk[:])
		hash.Sum(st.mac2.encryptionKey[:0])
	}()

	st.mac2.cookieSet = time.Time{}
}

// ConsumeReply caches the cookie for the in-flight handshake so the
// next retransmission can carry a valid mac2. It never replies itself;
// a reply to a reply would hand an attacker an infinite reflection
// loop.
func (st *CookieGenerator) ConsumeReply(msg *MessageCookieReply) bool {
	st.Lock()
	defer st.Unlock()

	if !st.mac2.hasLastMAC1 {
		return false
	}

	var cookie [blake2s.Size128]byte
	xchapoly, _ := chacha20poly1305.NewX(st.mac2.encryptionKey[:])
	_, err := xchapoly.Open(cookie[:0], msg.Nonce[:], msg.Cookie[:], st.mac2.lastMAC1[:])
	if err != nil {
		return false
	}

	st.mac2.cookieSet = time.Now()
	st.mac2.cookie = cookie
	return true
}

// AddMacs stamps mac1 and, when a fresh cookie is on hand, mac2 onto an
// outbound handshake message whose trailer bytes are still zero.
func (st *CookieGenerator) AddMacs(msg []byte) {
	size := len(msg)
	startMac2 := size - blake2s.Size128
	startMac1 := startMac2 - blake2s.Size128

	mac1 := msg[startMac1:startMac2]
	mac2 := msg[startMac2:]

	st.Lock()
	defer st.Unlock()

	func() {
		mac, _ := blake2s.New128(st.mac1.key[:])
		mac.Write(msg[:startMac1])
		mac.Sum(mac1[:0])
	}()
	copy(st.mac2.lastMAC1[:], mac1)
	st.mac2.hasLastMAC1 = true

	if time.Since(st.mac2.cookieSet) > CookieRefreshTime {
		return
	}

	func() {
		mac, _ := blake2s.New128(st.mac2.cookie[:])
		mac.Write(msg[:startMac2])
		mac.Sum(mac2[:0])
	}()
}
