package conn

import (
	"net"
	"syscall"
)

// UDP socket buffers default to sizes tuned for request/response
// traffic; a tunnel carrying bulk flows wants considerably more room
// before the kernel starts shedding datagrams.
const socketBufferSize = 7 << 20

// A ControlFn configures a socket before binding. Platform files append
// to controlFns; the list is empty on platforms with nothing to tune.
type ControlFn func(network, address string, c syscall.RawConn) error

var controlFns = []ControlFn{}

// listenConfig returns a net.ListenConfig that applies every registered
// control function.
func listenConfig() *net.ListenConfig {
	return &net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			for _, fn := range controlFns {
				if err := fn(network, address, c); err != nil {
					return err
				}
			}
			return nil
		},
	}
}
