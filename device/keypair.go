package device

import (
	"crypto/cipher"
	"sync"
	"sync/atomic"
	"time"

	"github.com/telhawk/wiretun/replay"
)

/* Go and x/crypto currently offer no way to guarantee key material is
 * erased from memory, which weakens forward secrecy somewhat. Keys are
 * still zeroed where the code controls the buffer.
 */

// Keypair is one derived symmetric session. It is immutable after
// construction except for the send counter and the replay filter.
type Keypair struct {
	sendNonce    atomic.Uint64
	send         cipher.AEAD
	receive      cipher.AEAD
	replayFilter replay.Filter
	isInitiator  bool
	created      time.Time
	localIndex   uint32
	remoteIndex  uint32
}

// Keypairs is the per-peer sliding window: previous drains in-flight
// receives during rotation, current carries traffic, next waits for
// confirmation on the responder side. At most one keypair is current at
// any time; rotation happens under the lock while readers go through
// Current.
type Keypairs struct {
	sync.RWMutex
	current  *Keypair
	previous *Keypair
	next     atomic.Pointer[Keypair]
}

func (k *Keypairs) Current() *Keypair {
	k.RLock()
	defer k.RUnlock()
	return k.current
}

func (d *Device) DeleteKeypair(key *Keypair) {
	if key != nil {
		d.indexTable.Delete(key.localIndex)
	}
}
