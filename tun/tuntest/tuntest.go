// Package tuntest provides an in-memory tun.Device for tests: packets
// written by the engine pop out of a channel, packets pushed into a
// channel come back from Read.
package tuntest

import (
	"io"
	"os"

	"github.com/telhawk/wiretun/tun"
)

const defaultMTU = 1420

type ChannelTUN struct {
	Inbound  chan []byte // packets the engine delivered to "the host"
	Outbound chan []byte // packets "the host" wants tunnelled

	closed chan struct{}
	events chan tun.Event
}

var _ tun.Device = (*ChannelTUN)(nil)

func NewChannelTUN() *ChannelTUN {
	c := &ChannelTUN{
		Inbound:  make(chan []byte, 256),
		Outbound: make(chan []byte, 256),
		closed:   make(chan struct{}),
		events:   make(chan tun.Event, 1),
	}
	c.events <- tun.EventUp
	return c
}

func (c *ChannelTUN) Read(bufs [][]byte, sizes []int, offset int) (int, error) {
	select {
	case <-c.closed:
		return 0, os.ErrClosed
	case packet := <-c.Outbound:
		sizes[0] = copy(bufs[0][offset:], packet)
		return 1, nil
	}
}

func (c *ChannelTUN) Write(bufs [][]byte, offset int) (int, error) {
	for i, buf := range bufs {
		packet := make([]byte, len(buf)-offset)
		copy(packet, buf[offset:])
		select {
		case <-c.closed:
			return i, os.ErrClosed
		case c.Inbound <- packet:
		default:
			// a full inbound channel models local stack backpressure
			return i, io.ErrShortWrite
		}
	}
	return len(bufs), nil
}

func (c *ChannelTUN) MTU() (int, error) { return defaultMTU, nil }

func (c *ChannelTUN) BatchSize() int { return 1 }

func (c *ChannelTUN) Events() <-chan tun.Event { return c.events }

func (c *ChannelTUN) Close() error {
	select {
	case <-c.closed:
	default:
		close(c.closed)
		close(c.events)
	}
	return nil
}
