package godiva

import "sort"

// The bucket type. A bucket owns the slice of the key domain starting at its
// boundary key _lo_ and holds one InfixStore with a fingerprint per live key.
// _hiAnchor_ is the largest key the bucket has held; together with _lo_ it
// anchors the fingerprint codec on the tightest span covering the bucket's
// keys. Growing the anchor re-encodes the store.
// _keys_ is the auxiliary sorted key list: buckets are bounded by twice the
// filter's target size, so the list stays small. It supplies exact split
// medians and rebuilds; queries never consult it, membership is always
// answered by the store.
type bucket struct {
	lo            uint64
	hiAnchor      uint64
	keys          []uint64
	store         *InfixStore
	quotientSize  uint
	remainderSize uint
	targetSlots   uint
}

func newBucket(lo uint64, quotientSize, remainderSize, targetSlots uint) *bucket {
	return &bucket{
		lo:            lo,
		hiAnchor:      lo,
		quotientSize:  quotientSize,
		remainderSize: remainderSize,
		targetSlots:   targetSlots,
		store:         NewInfixStore(quotientSize, remainderSize, targetSlots),
	}
}

// newBucketWithKeys builds a bucket rooted at _lo_ holding _sortedKeys_,
// which must be sorted, unique and not precede _lo_
func newBucketWithKeys(lo uint64, sortedKeys []uint64, quotientSize, remainderSize, targetSlots uint) *bucket {
	b := newBucket(lo, quotientSize, remainderSize, targetSlots)
	if len(sortedKeys) == 0 {
		return b
	}
	b.keys = append(b.keys, sortedKeys...)
	b.hiAnchor = b.keys[len(b.keys)-1]
	b.rebuildStore()
	return b
}

func (b *bucket) occupancy() uint64 {
	return uint64(len(b.keys))
}

func (b *bucket) hasKey(key uint64) bool {
	i := sort.Search(len(b.keys), func(i int) bool { return b.keys[i] >= key })
	return i < len(b.keys) && b.keys[i] == key
}

// insert adds _key_ to the bucket. It returns false when the store is full,
// which the facade answers by splitting the bucket; the key is then already
// accounted for in the key list and lands in the rebuilt halves.
func (b *bucket) insert(key uint64) bool {
	if b.hasKey(key) {
		return true
	}
	if key > b.hiAnchor {
		// the span grows, every stored fingerprint shifts with the anchor
		b.insertKeyList(key)
		b.hiAnchor = key
		return b.rebuildStore()
	}
	quotient, remainder := encodeFingerprint(key, b.lo, b.hiAnchor, b.quotientSize, b.remainderSize)
	if !b.store.Insert(quotient, remainder) {
		return false
	}
	b.insertKeyList(key)
	return true
}

// delete removes _key_. The first result is the store's belief that the key
// was present (subject to fingerprint collisions), the second whether a live
// key was actually removed. The stored fingerprint survives as long as any
// remaining key encodes to it, so deletes never turn another key into a
// false negative.
func (b *bucket) delete(key uint64) (bool, bool) {
	if len(b.keys) == 0 || key < b.lo || key > b.hiAnchor {
		return false, false
	}
	quotient, remainder := encodeFingerprint(key, b.lo, b.hiAnchor, b.quotientSize, b.remainderSize)
	believed := b.store.Contains(quotient, remainder)
	removed := b.removeKeyList(key)
	if removed && !b.sharesFingerprint(quotient, remainder) {
		b.store.Delete(quotient, remainder)
	}
	return believed, removed
}

func (b *bucket) sharesFingerprint(quotient, remainder uint64) bool {
	for _, other := range b.keys {
		q, r := encodeFingerprint(other, b.lo, b.hiAnchor, b.quotientSize, b.remainderSize)
		if q == quotient && r == remainder {
			return true
		}
	}
	return false
}

func (b *bucket) contains(key uint64) bool {
	if len(b.keys) == 0 || key < b.lo || key > b.hiAnchor {
		return false
	}
	quotient, remainder := encodeFingerprint(key, b.lo, b.hiAnchor, b.quotientSize, b.remainderSize)
	return b.store.Contains(quotient, remainder)
}

// rangeHits reports whether any live key may fall in [lo, hi]. The range is
// first clipped to the bucket's span; a range covering the whole span is
// answered by occupancy alone.
func (b *bucket) rangeHits(lo, hi uint64) bool {
	if len(b.keys) == 0 {
		return false
	}
	if lo < b.lo {
		lo = b.lo
	}
	if hi > b.hiAnchor {
		hi = b.hiAnchor
	}
	if lo > hi {
		return false
	}
	if lo == b.lo && hi == b.hiAnchor {
		return true
	}
	quotientLo, remainderLo := encodeFingerprint(lo, b.lo, b.hiAnchor, b.quotientSize, b.remainderSize)
	quotientHi, remainderHi := encodeFingerprint(hi, b.lo, b.hiAnchor, b.quotientSize, b.remainderSize)
	return b.store.RangeContains(quotientLo, remainderLo, quotientHi, remainderHi)
}

func (b *bucket) needsSplit(targetSize uint64) bool {
	return b.occupancy() > 2*targetSize
}

func (b *bucket) needsMerge(targetSize uint64) bool {
	return b.occupancy() < targetSize/4
}

// rebuildStore re-encodes every live key against the current anchors into a
// fresh store. Returns false if the keys no longer fit, which only the split
// path may observe.
func (b *bucket) rebuildStore() bool {
	store := NewInfixStore(b.quotientSize, b.remainderSize, b.targetSlots)
	ok := true
	for _, key := range b.keys {
		quotient, remainder := encodeFingerprint(key, b.lo, b.hiAnchor, b.quotientSize, b.remainderSize)
		if !store.Insert(quotient, remainder) {
			ok = false
			break
		}
	}
	b.store = store
	return ok
}

func (b *bucket) insertKeyList(key uint64) {
	i := sort.Search(len(b.keys), func(i int) bool { return b.keys[i] >= key })
	b.keys = append(b.keys, 0)
	copy(b.keys[i+1:], b.keys[i:])
	b.keys[i] = key
}

func (b *bucket) removeKeyList(key uint64) bool {
	i := sort.Search(len(b.keys), func(i int) bool { return b.keys[i] >= key })
	if i >= len(b.keys) || b.keys[i] != key {
		return false
	}
	b.keys = append(b.keys[:i], b.keys[i+1:]...)
	return true
}

func (b *bucket) equals(other *bucket) bool {
	if b.lo != other.lo || len(b.keys) != len(other.keys) {
		return false
	}
	for i := range b.keys {
		if b.keys[i] != other.keys[i] {
			return false
		}
	}
	return true
}
