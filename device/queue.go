package device

import (
	"sync"

	"github.com/telhawk/wiretun/conn"
)

const (
	// largest possible UDP datagram
	MaxSegmentSize = (1 << 16) - 1
	// 0 disables the ceiling and allows unbounded pool growth
	PreallocatedBufsPerPool = 0
)

// QuHandshake is a queued handshake-class datagram: raw bytes plus the
// source they came from. It is passed by value; buffer ownership moves
// with it.
type QuHandshake struct {
	buf      *[MaxMessageSize]byte
	packet   []byte
	msgType  uint32
	endpoint conn.Endpoint
}

// QuInItem is one inbound transport message moving through decryption.
// The embedded mutex is held from enqueue until the decryption worker
// finishes, so the sequential receiver can block on Lock to preserve
// per-peer ordering while decryption itself runs in parallel.
type QuInItem struct {
	sync.Mutex
	buf      *[MaxMessageSize]byte
	packet   []byte
	counter  uint64
	keypair  *Keypair
	endpoint conn.Endpoint
	// outer DS field, for ECN decapsulation
	ds byte
}

// zeroOutPointers zeroes out item fields that contain pointers.
// This makes the garbage collector's life easier and
// avoids accidentally keeping other objects around unnecessarily.
// It also reduces the possible collateral damage from use-after-free bugs.
func (i *QuInItem) zeroOutPointers() {
	i.buf = nil
	i.packet = nil
	i.keypair = nil
	i.endpoint = nil
}

// QuOutItem is one outbound plaintext packet staged for encryption.
type QuOutItem struct {
	buf     *[MaxMessageSize]byte
	packet  []byte
	nonce   uint64
	keypair *Keypair
	peer    *Peer
}

func (i *QuOutItem) zeroOutPointers() {
	i.buf = nil
	i.packet = nil
	i.keypair = nil
	i.peer = nil
}

func (d *Device) NewOutItem() *QuOutItem {
	item := d.GetOutItem()
	item.buf = d.GetMsgBuf()
	item.nonce = 0
	// keypair and peer were zeroed out by zeroOutPointers
	return item
}

// quHandshake is a ref-counted channel: the queue holds one reference
// from creation, every additional writer takes one with wg.Add and
// drops it with wg.Done. When the count hits zero the channel closes
// and the consumer drains out.
type quHandshake struct {
	c  chan QuHandshake
	wg sync.WaitGroup
}

func newQuHandshake() *quHandshake {
	q := &quHandshake{
		c: make(chan QuHandshake, QuHandshakeSize),
	}
	q.wg.Add(1)
	go func() {
		q.wg.Wait()
		close(q.c)
	}()
	return q
}

// quIn is similar to quHandshake. See above.
type quIn struct {
	c  chan *QuInItem
	wg sync.WaitGroup
}

func newQuIn() *quIn {
	q := &quIn{
		c: make(chan *QuInItem, QuInSize),
	}
	q.wg.Add(1)
	go func() {
		q.wg.Wait()
		close(q.c)
	}()
	return q
}
