package conn

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"sync"
)

// StdNetBind is a plain dual-stack UDP bind on top of net.ListenUDP.
// It deliberately has no platform offload tricks; it exists so the
// device can run end to end with nothing but the standard socket API.
type StdNetBind struct {
	mu   sync.Mutex
	conn *net.UDPConn
}

var (
	_ Bind     = (*StdNetBind)(nil)
	_ Endpoint = StdNetEndpoint{}
)

func NewStdNetBind() Bind {
	return &StdNetBind{}
}

// StdNetEndpoint is an Endpoint backed by a netip.AddrPort.
type StdNetEndpoint struct {
	AddrPort netip.AddrPort
}

func (e StdNetEndpoint) DstToString() string { return e.AddrPort.String() }

func (e StdNetEndpoint) DstIP() netip.Addr { return e.AddrPort.Addr() }

func (e StdNetEndpoint) DstToBytes() []byte {
	b, _ := e.AddrPort.MarshalBinary()
	return b
}

func (*StdNetBind) ParseEndpoint(s string) (Endpoint, error) {
	ap, err := netip.ParseAddrPort(s)
	if err != nil {
		return nil, err
	}
	return StdNetEndpoint{AddrPort: ap}, nil
}

func (b *StdNetBind) Open(port uint16) ([]ReceiveFunc, uint16, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn != nil {
		return nil, 0, errors.New("bind already open")
	}
	lc := listenConfig()
	pc, err := lc.ListenPacket(context.Background(), "udp", (&net.UDPAddr{Port: int(port)}).String())
	if err != nil {
		return nil, 0, err
	}
	conn := pc.(*net.UDPConn)
	b.conn = conn
	actual := uint16(conn.LocalAddr().(*net.UDPAddr).Port)
	return []ReceiveFunc{b.makeReceive(conn)}, actual, nil
}

func (b *StdNetBind) makeReceive(conn *net.UDPConn) ReceiveFunc {
	return func(bufs [][]byte, sizes []int, eps []Endpoint) (int, error) {
		n, addr, err := conn.ReadFromUDPAddrPort(bufs[0])
		if err != nil {
			return 0, err
		}
		sizes[0] = n
		eps[0] = StdNetEndpoint{AddrPort: netip.AddrPortFrom(addr.Addr().Unmap(), addr.Port())}
		return 1, nil
	}
}

func (b *StdNetBind) Send(bufs [][]byte, ep Endpoint) error {
	b.mu.Lock()
	conn := b.conn
	b.mu.Unlock()
	if conn == nil {
		return net.ErrClosed
	}
	end, ok := ep.(StdNetEndpoint)
	if !ok {
		return errors.New("endpoint is not a StdNetEndpoint")
	}
	for _, buf := range bufs {
		if _, err := conn.WriteToUDPAddrPort(buf, end.AddrPort); err != nil {
			return err
		}
	}
	return nil
}

func (b *StdNetBind) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn == nil {
		return nil
	}
	err := b.conn.Close()
	b.conn = nil
	return err
}
