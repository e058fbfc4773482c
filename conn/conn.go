// Package conn carries encrypted datagrams between the device and the
// outside world. The device only depends on the interfaces here; real
// sockets, test loopbacks, and raw captures all sit behind them.
package conn

import (
	"net/netip"
)

const (
	// number of datagrams a ReceiveFunc may deliver per call
	BatchSize = 128
)

// A ReceiveFunc receives at least one datagram. Implementations write
// into bufs, record datagram lengths in sizes and sources in eps, and
// return how many entries were filled. It blocks until data is
// available or the bind is closed.
type ReceiveFunc func(bufs [][]byte, sizes []int, eps []Endpoint) (n int, err error)

// Bind is a transport attachment point. The device never opens sockets
// itself; it sends through the bind and drains the bind's receive
// functions.
type Bind interface {
	// Open binds to port and returns one ReceiveFunc per underlying
	// socket together with the actual port selected.
	Open(port uint16) (fns []ReceiveFunc, actualPort uint16, err error)

	// Send transmits bufs to the given endpoint.
	Send(bufs [][]byte, ep Endpoint) error

	// Close unblocks all outstanding receives and releases resources.
	Close() error

	// ParseEndpoint converts an address literal into an Endpoint.
	ParseEndpoint(s string) (Endpoint, error)
}

// Endpoint identifies the remote end of a datagram exchange. "Dst"
// values describe where we send to, which for an inbound datagram is
// the address it came from.
type Endpoint interface {
	DstToString() string
	// DstToBytes is the canonical byte form the cookie machinery binds
	// cookies to. It must be stable for a given source.
	DstToBytes() []byte
	DstIP() netip.Addr
}
