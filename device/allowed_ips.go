package device

import (
	"net/netip"
	"sync"
)

// AllowedIPs maps source-address prefixes to the peer authorized to
// originate them. Its one security-critical contract is Lookup: the
// data pipeline asks which peer a decrypted packet's source belongs to,
// and a mismatch with the decrypting peer means spoofing inside an
// authenticated tunnel.
//
// The table is longest-prefix-match over an ordered slice. Peer counts
// in this engine are modest and lookups are read-mostly; a trie buys
// nothing until the table gets large.
type AllowedIPs struct {
	mu      sync.RWMutex
	entries []allowedEntry
}

type allowedEntry struct {
	prefix netip.Prefix
	peer   *Peer
}

// Insert binds prefix to peer, replacing any previous owner of exactly
// that prefix.
func (t *AllowedIPs) Insert(prefix netip.Prefix, peer *Peer) {
	prefix = prefix.Masked()
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, e := range t.entries {
		if e.prefix == prefix {
			t.entries[i].peer = peer
			return
		}
	}
	// keep longest prefixes first so Lookup's linear scan is LPM
	pos := len(t.entries)
	for i, e := range t.entries {
		if prefix.Bits() > e.prefix.Bits() {
			pos = i
			break
		}
	}
	t.entries = append(t.entries, allowedEntry{})
	copy(t.entries[pos+1:], t.entries[pos:])
	t.entries[pos] = allowedEntry{prefix: prefix, peer: peer}
}

// Lookup returns the peer authorized to originate ip, or nil.
func (t *AllowedIPs) Lookup(ip []byte) *Peer {
	addr, ok := netip.AddrFromSlice(ip)
	if !ok {
		return nil
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, e := range t.entries {
		if e.prefix.Contains(addr) {
			return e.peer
		}
	}
	return nil
}

// RemoveByPeer drops every prefix bound to peer.
func (t *AllowedIPs) RemoveByPeer(peer *Peer) {
	t.mu.Lock()
	defer t.mu.Unlock()
	kept := t.entries[:0]
	for _, e := range t.entries {
		if e.peer != peer {
			kept = append(kept, e)
		}
	}
	for i := len(kept); i < len(t.entries); i++ {
		t.entries[i] = allowedEntry{}
	}
	t.entries = kept
}

// EntriesForPeer visits every prefix bound to peer until fn returns
// false.
func (t *AllowedIPs) EntriesForPeer(peer *Peer, fn func(prefix netip.Prefix) bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, e := range t.entries {
		if e.peer == peer && !fn(e.prefix) {
			return
		}
	}
}
