// Package bindtest provides an in-memory Bind pair for exercising two
// devices against each other without sockets.
package bindtest

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"

	"github.com/telhawk/wiretun/conn"
)

type ChannelBind struct {
	rx, tx      *chan []byte
	closeSignal chan struct{}
	source      ChannelEndpoint
	target      ChannelEndpoint
	mu          sync.Mutex
	open        bool
}

// ChannelEndpoint is a fake address: just a port number.
type ChannelEndpoint uint16

var (
	_ conn.Bind     = (*ChannelBind)(nil)
	_ conn.Endpoint = ChannelEndpoint(0)
)

// NewChannelBinds returns two binds wired back to back: whatever one
// sends, the other receives.
func NewChannelBinds() [2]conn.Bind {
	arx4 := make(chan []byte, 8192)
	brx4 := make(chan []byte, 8192)
	var binds [2]ChannelBind
	binds[0].rx = &arx4
	binds[0].tx = &brx4
	binds[1].rx = &brx4
	binds[1].tx = &arx4
	binds[0].target = ChannelEndpoint(1)
	binds[1].target = ChannelEndpoint(2)
	binds[0].source = binds[1].target
	binds[1].source = binds[0].target
	return [2]conn.Bind{&binds[0], &binds[1]}
}

func (e ChannelEndpoint) DstToString() string { return fmt.Sprintf("127.0.0.1:%d", uint16(e)) }

func (e ChannelEndpoint) DstToBytes() []byte { return []byte{byte(e), byte(e >> 8)} }

func (e ChannelEndpoint) DstIP() netip.Addr { return netip.AddrFrom4([4]byte{127, 0, 0, 1}) }

func (b *ChannelBind) Open(port uint16) ([]conn.ReceiveFunc, uint16, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.open {
		return nil, 0, errors.New("bind already open")
	}
	b.closeSignal = make(chan struct{})
	b.open = true
	if port == 0 {
		port = uint16(b.source)
	}
	return []conn.ReceiveFunc{b.makeReceiveFunc()}, port, nil
}

func (b *ChannelBind) makeReceiveFunc() conn.ReceiveFunc {
	rx := *b.rx
	closeSignal := b.closeSignal
	return func(bufs [][]byte, sizes []int, eps []conn.Endpoint) (int, error) {
		select {
		case <-closeSignal:
			return 0, net.ErrClosed
		case rxPacket, ok := <-rx:
			if !ok {
				return 0, net.ErrClosed
			}
			copied := copy(bufs[0], rxPacket)
			sizes[0] = copied
			eps[0] = b.target
			return 1, nil
		}
	}
}

func (b *ChannelBind) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.open {
		b.open = false
		close(b.closeSignal)
	}
	return nil
}

func (b *ChannelBind) Send(bufs [][]byte, ep conn.Endpoint) error {
	b.mu.Lock()
	open := b.open
	b.mu.Unlock()
	if !open {
		return errors.New("bind closed")
	}
	for _, buf := range bufs {
		select {
		case *b.tx <- append([]byte(nil), buf...):
		default:
			// model an overflowing socket buffer: drop
		}
	}
	return nil
}

func (b *ChannelBind) ParseEndpoint(s string) (conn.Endpoint, error) {
	ap, err := netip.ParseAddrPort(s)
	if err != nil {
		return nil, err
	}
	return ChannelEndpoint(ap.Port()), nil
}
