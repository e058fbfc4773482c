package ratelimiter

import (
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenBucket(t *testing.T) {
	var now time.Time
	var r Ratelimiter
	r.now = func() time.Time { return now }
	r.Init()
	defer r.Close()

	ip := netip.MustParseAddr("192.0.2.33")

	// the initial burst is admitted
	for i := 0; i < packetsBurst; i++ {
		assert.True(t, r.Allow(ip), "burst packet %d", i)
	}
	// an immediate extra packet is not
	assert.False(t, r.Allow(ip))

	// after one packet cost of wall time, exactly one more fits
	now = now.Add(time.Duration(packetCost))
	assert.True(t, r.Allow(ip))
	assert.False(t, r.Allow(ip))

	// a long quiet period refills at most the burst capacity
	now = now.Add(time.Minute)
	for i := 0; i < packetsBurst; i++ {
		assert.True(t, r.Allow(ip), "refilled packet %d", i)
	}
	assert.False(t, r.Allow(ip))
}

func TestIndependentAddresses(t *testing.T) {
	var now time.Time
	var r Ratelimiter
	r.now = func() time.Time { return now }
	r.Init()
	defer r.Close()

	a := netip.MustParseAddr("192.0.2.1")
	b := netip.MustParseAddr("2001:db8::1")
	for i := 0; i < packetsBurst; i++ {
		require.True(t, r.Allow(a))
	}
	require.False(t, r.Allow(a))
	// exhausting one address must not affect another
	assert.True(t, r.Allow(b))
}
