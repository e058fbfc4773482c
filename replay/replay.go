// Package replay implements the RFC 6479 anti-replay window used to
// reject duplicated or very old transport counters.
package replay

const (
	wordBitShift = 6
	// bits per ring word, must be a power of two
	wordBits = 1 << wordBitShift
	// words in the ring, must be a power of two
	ringWords  = 1 << 7
	bitMask    = wordBits - 1
	wordMask   = ringWords - 1
	windowSize = (ringWords - 1) * wordBits
)

// Filter tracks which counter values have been seen inside a sliding
// window behind the highest value accepted so far. The zero value is an
// empty filter ready for use. A Filter must not be shared between
// goroutines without external locking; in this codebase each keypair
// owns one and only the sequential receiver touches it.
type Filter struct {
	last uint64
	ring [ringWords]uint64
}

// ValidateCounter reports whether counter should be accepted and marks
// it as seen if so. Values at or above limit are always rejected, which
// enforces the protocol's absolute message cap.
func (f *Filter) ValidateCounter(counter, limit uint64) bool {
	if counter >= limit {
		return false
	}
	word := counter >> wordBitShift
	if counter > f.last {
		// The window advances; clear the words it slid over.
		current := f.last >> wordBitShift
		diff := min(word-current, ringWords)
		for i := current + 1; i <= current+diff; i++ {
			f.ring[i&wordMask] = 0
		}
		f.last = counter
	} else if f.last-counter > windowSize {
		// too far behind the window to judge
		return false
	}
	bit := uint64(1) << (counter & bitMask)
	old := f.ring[word&wordMask]
	f.ring[word&wordMask] = old | bit
	return old&bit == 0
}

// Reset returns the filter to its initial empty state.
func (f *Filter) Reset() {
	f.last = 0
	f.ring[0] = 0
}
