package replay

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

const limit = (1 << 64) - (1 << 13) - 1

func TestFilterSequential(t *testing.T) {
	var f Filter
	for i := uint64(0); i < 1000; i++ {
		assert.True(t, f.ValidateCounter(i, limit), "fresh counter %d", i)
	}
	for i := uint64(0); i < 1000; i++ {
		assert.False(t, f.ValidateCounter(i, limit), "replayed counter %d", i)
	}
}

func TestFilterOutOfOrder(t *testing.T) {
	var f Filter
	assert.True(t, f.ValidateCounter(10, limit))
	// within the window, unseen values are still fine
	assert.True(t, f.ValidateCounter(4, limit))
	assert.True(t, f.ValidateCounter(9, limit))
	assert.False(t, f.ValidateCounter(10, limit))
	assert.False(t, f.ValidateCounter(4, limit))
}

func TestFilterWindowSlide(t *testing.T) {
	var f Filter
	assert.True(t, f.ValidateCounter(0, limit))
	assert.True(t, f.ValidateCounter(windowSize+1, limit))
	// 0 is now behind the window
	assert.False(t, f.ValidateCounter(0, limit))
	// the far edge of the window is still acceptable
	assert.True(t, f.ValidateCounter(1, limit))
	assert.True(t, f.ValidateCounter(windowSize, limit))
}

func TestFilterJumpClearsRing(t *testing.T) {
	var f Filter
	assert.True(t, f.ValidateCounter(barrier(), limit))
	assert.True(t, f.ValidateCounter(barrier()+10*wordBits, limit))
	// values cleared by the jump must be accepted once
	assert.True(t, f.ValidateCounter(barrier()+9*wordBits, limit))
	assert.False(t, f.ValidateCounter(barrier()+9*wordBits, limit))
}

func barrier() uint64 { return 2 * windowSize }

func TestFilterLimit(t *testing.T) {
	var f Filter
	assert.False(t, f.ValidateCounter(limit, limit))
	assert.False(t, f.ValidateCounter(limit+1, limit))
	assert.True(t, f.ValidateCounter(limit-1, limit))
	assert.False(t, f.ValidateCounter(limit-1, limit))
}

func TestFilterReset(t *testing.T) {
	var f Filter
	assert.True(t, f.ValidateCounter(0, limit))
	assert.False(t, f.ValidateCounter(0, limit))
	f.Reset()
	assert.True(t, f.ValidateCounter(0, limit))
}
