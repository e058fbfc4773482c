package device

import (
	"time"
)

/* Protocol constants */
const (
	RekeyAfterMessages      = (1 << 60)
	RejectAfterMessages     = (1 << 64) - (1 << 13) - 1
	RekeyAfterTime          = time.Second * 120
	RekeyAttemptTime        = time.Second * 90
	RekeyTimeout            = time.Second * 5
	MaxTimerHandshakes      = 90 / 5 /* RekeyAttemptTime / RekeyTimeout */
	RekeyTimeoutJitterMaxMs = 334
	RejectAfterTime         = time.Second * 180
	KeepaliveTimeout        = time.Second * 10
	CookieRefreshTime       = time.Second * 120
	CookieSecretLatency     = time.Second * 5
	HandshakeInitiationRate = time.Second / 50
	PaddingMultiple         = 16
)

const (
	// minimum size of transport message (keepalive)
	MinMessageSize = MessageKeepaliveSize
	// maximum size of transport message
	MaxMessageSize = MaxSegmentSize
	// maximum size of transport message content
	MaxContentSize = MaxSegmentSize - MessageTransportSize
)

/* Implementation constants */
const (
	// The sending keypair is proactively renewed once its age crosses
	// RejectAfterTime - KeepaliveTimeout - RekeyTimeout, so the remote
	// side never starts rejecting before a fresh session is in place.
	RekeyFreshnessMargin = RejectAfterTime - KeepaliveTimeout - RekeyTimeout

	// Handshake messages past this many queued are dropped on arrival.
	QuHandshakeSize = 1024
	// Occupancy at which the device considers itself under load and
	// starts demanding cookies.
	HandshakeLoadThreshold = QuHandshakeSize / 2
	// how many queued handshakes the worker consumes before yielding
	MaxHandshakeBurst = 16

	// how long the device remains under load after detection
	UnderLoadAfterTime = time.Second

	QuInSize     = 1024
	QuStagedSize = 128

	// maximum number of configured peers
	MaxPeers = 1 << 16

	// assumed when the TUN device cannot report its MTU
	DefaultMTU = 1420
)
