package device

import (
	"crypto/rand"
	"encoding/binary"
	"sync"
)

// Index resolves a local 32-bit receiver index to whatever owns it: an
// in-flight handshake or an established keypair, plus the peer either
// way.
type Index struct {
	peer      *Peer
	handshake *Handshake
	keypair   *Keypair
}

type IndexTable struct {
	mu    sync.RWMutex
	table map[uint32]Index
}

func randUint32() (uint32, error) {
	var buf [4]byte
	_, err := rand.Read(buf[:])
	return binary.LittleEndian.Uint32(buf[:]), err
}

func (t *IndexTable) Init() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.table = make(map[uint32]Index)
}

func (t *IndexTable) Get(id uint32) Index {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.table[id]
}

func (t *IndexTable) Delete(id uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.table, id)
}

// SwapIndexForKeypair rebinds an index from the handshake that claimed
// it to the keypair derived from that handshake.
func (t *IndexTable) SwapIndexForKeypair(index uint32, keypair *Keypair) {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.table[index]
	if !ok {
		return
	}
	t.table[index] = Index{
		peer:    entry.peer,
		keypair: keypair,
	}
}

// NewIndexForHandshake picks an unused random index and claims it for
// the handshake. Collisions simply retry; the space is 2^32 against at
// most a few entries per peer.
func (t *IndexTable) NewIndexForHandshake(peer *Peer, handshake *Handshake) (uint32, error) {
	for {
		index, err := randUint32()
		if err != nil {
			return index, err
		}
		t.mu.RLock()
		_, ok := t.table[index]
		t.mu.RUnlock()
		if ok {
			continue
		}
		// recheck under the write lock; another goroutine may have
		// claimed it between the two lookups
		t.mu.Lock()
		_, ok = t.table[index]
		if ok {
			t.mu.Unlock()
			continue
		}
		t.table[index] = Index{
			peer:      peer,
			handshake: handshake,
		}
		t.mu.Unlock()
		return index, nil
	}
}
