package conn

import (
	"syscall"

	"golang.org/x/sys/unix"
)

func init() {
	controlFns = append(controlFns,
		// Enlarge the kernel buffers. SetsockoptInt is capped by
		// rmem_max/wmem_max; the FORCE variants need CAP_NET_ADMIN, so
		// try those first and fall back silently.
		func(network, address string, c syscall.RawConn) error {
			return c.Control(func(fd uintptr) {
				err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_RCVBUFFORCE, socketBufferSize)
				if err != nil {
					unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_RCVBUF, socketBufferSize)
				}
				err = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_SNDBUFFORCE, socketBufferSize)
				if err != nil {
					unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_SNDBUF, socketBufferSize)
				}
			})
		},

		// IPv6 sockets should also accept v4-mapped traffic so a single
		// socket can serve both families.
		func(network, address string, c syscall.RawConn) error {
			if network != "udp6" {
				return nil
			}
			return c.Control(func(fd uintptr) {
				unix.SetsockoptInt(int(fd), unix.IPPROTO_IPV6, unix.IPV6_V6ONLY, 0)
			})
		},
	)
}
