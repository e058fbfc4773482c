// Package tun defines the virtual network interface the tunnel
// terminates on. The engine only writes decrypted packets into it and
// reads plaintext out of it; creating and configuring real interfaces
// is the platform's business and lives outside this module.
package tun

type Event int

const (
	EventUp Event = 1 << iota
	EventDown
	EventMTUUpdate
)

type Device interface {
	// Read fetches one or more packets from the device, each written
	// into the corresponding buf at offset. Lengths go into sizes.
	Read(bufs [][]byte, sizes []int, offset int) (n int, err error)

	// Write hands one or more packets to the local network stack. Each
	// packet begins at offset within its buf. It returns the number of
	// packets accepted; rejected packets are dropped, not retried.
	Write(bufs [][]byte, offset int) (int, error)

	// MTU returns the device MTU.
	MTU() (int, error)

	// BatchSize is the largest slice count Read and Write accept.
	BatchSize() int

	// Events returns a channel of state changes.
	Events() <-chan Event

	Close() error
}
