/*
Package godiva provides a succinct, dynamic range filter over uint64 keys.
The filter answers point membership and "does any key exist in [lo, hi]?"
queries with one-sided error: false positives are possible at a configured
rate, false negatives never happen for keys that were inserted and not
deleted.
*/
package godiva

import "math/bits"

// sharedPrefixSize returns the number of high-order bits on which every key
// of the span [lo, hi] agrees
func sharedPrefixSize(lo, hi uint64) uint {
	if lo == hi {
		return 64
	}
	return uint(bits.LeadingZeros64(lo ^ hi))
}

// encodeFingerprint maps _key_ to its (quotient, remainder) pair relative to
// the bucket span [lo, hi]. The bits every key of the span shares are dropped
// and the next quotientSize+remainderSize bits of the key form the
// fingerprint: the high part is the quotient, the low part the remainder.
// The mapping is monotone nondecreasing over keys of the span, so a key range
// always maps to a contiguous fingerprint range. Distinct keys can collide
// once the span is wide enough that significant bits fall past the window;
// those collisions are the filter's false positives.
func encodeFingerprint(key, lo, hi uint64, quotientSize, remainderSize uint) (uint64, uint64) {
	shared := sharedPrefixSize(lo, hi)
	window := quotientSize + remainderSize
	infix := (key << shared) >> (64 - window)
	quotient := infix >> remainderSize
	remainder := infix & ((1 << remainderSize) - 1)
	return quotient, remainder
}
