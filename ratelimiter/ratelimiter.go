// Package ratelimiter bounds how often a single source address may
// trigger handshake processing while the device is under load. It is a
// per-address token bucket measured in nanoseconds of "packet cost".
package ratelimiter

import (
	"net/netip"
	"sync"
	"time"
)

const (
	// sustained admission rate per source address
	packetsPerSecond = 20
	packetCost       = 1_000_000_000 / packetsPerSecond
	// a short burst above the sustained rate is tolerated
	packetsBurst = 5
	maxTokens    = packetCost * packetsBurst
	// entries idle longer than this are garbage collected
	cleanupInterval = time.Second
)

type entry struct {
	mu       sync.Mutex
	tokens   int64
	lastTime time.Time
}

type Ratelimiter struct {
	mu    sync.RWMutex
	table map[netip.Addr]*entry
	now   func() time.Time // swappable for tests
	// send to restart the cleanup ticker, close to stop it
	stopOrReset chan struct{}
}

func (r *Ratelimiter) Init() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.now == nil {
		r.now = time.Now
	}
	if r.stopOrReset != nil {
		close(r.stopOrReset)
	}
	r.table = make(map[netip.Addr]*entry)
	r.stopOrReset = make(chan struct{})
	stopOrReset := r.stopOrReset
	go func() {
		ticker := time.NewTicker(time.Second)
		ticker.Stop()
		for {
			select {
			case _, ok := <-stopOrReset:
				ticker.Stop()
				if !ok {
					return
				}
				ticker = time.NewTicker(time.Second)
			case <-ticker.C:
				if r.cleanup() {
					ticker.Stop()
				}
			}
		}
	}()
}

// cleanup drops idle entries and reports whether the table is empty, in
// which case the caller may park the ticker until new entries arrive.
func (r *Ratelimiter) cleanup() (empty bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, e := range r.table {
		e.mu.Lock()
		if r.now().Sub(e.lastTime) > cleanupInterval {
			delete(r.table, key)
		}
		e.mu.Unlock()
	}
	return len(r.table) == 0
}

// Allow reports whether a packet from ip may be admitted now.
func (r *Ratelimiter) Allow(ip netip.Addr) bool {
	r.mu.RLock()
	e, ok := r.table[ip]
	r.mu.RUnlock()
	if !ok {
		// First sighting of this address; it pays one packet cost out
		// of a full bucket. Another goroutine may race us here, in
		// which case its entry wins and we account against that.
		r.mu.Lock()
		e, ok = r.table[ip]
		if !ok {
			e = &entry{
				tokens:   maxTokens - packetCost,
				lastTime: r.now(),
			}
			r.table[ip] = e
			if len(r.table) == 1 {
				r.stopOrReset <- struct{}{}
			}
			r.mu.Unlock()
			return true
		}
		r.mu.Unlock()
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	now := r.now()
	e.tokens += now.Sub(e.lastTime).Nanoseconds()
	e.lastTime = now
	if e.tokens > maxTokens {
		e.tokens = maxTokens
	}
	if e.tokens >= packetCost {
		e.tokens -= packetCost
		return true
	}
	return false
}

func (r *Ratelimiter) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopOrReset != nil {
		close(r.stopOrReset)
		r.stopOrReset = nil
	}
}
