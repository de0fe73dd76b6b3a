/*
Package godiva provides a succinct, dynamic range filter over uint64 keys.
The filter answers point membership and "does any key exist in [lo, hi]?"
queries with one-sided error: false positives are possible at a configured
rate, false negatives never happen for keys that were inserted and not
deleted.
*/
package godiva

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"sort"

	"github.com/kwertop/godiva/internal/util"
)

// ErrInvalidConfig is returned when a filter is constructed with a zero
// target size or a false positive rate outside (0, 1)
var ErrInvalidConfig = errors.New("godiva: invalid filter config")

// ErrInvalidRange is returned by RangeQuery when the low endpoint of the
// queried range exceeds the high endpoint
var ErrInvalidRange = errors.New("godiva: invalid query range")

// The DivaFilter data structure. It samples boundary keys out of the inserted
// key set, partitions the key domain into one bucket per boundary and keeps a
// compressed InfixStore of key fingerprints per bucket. An exact BoundaryIndex
// routes queries and updates to the owning buckets; buckets split and merge as
// occupancy drifts from _targetSize_ so the per-bucket false positive
// probability stays near _fpr_.
// All operations assume a single writer or external synchronization.
type DivaFilter struct {
	targetSize    uint64
	fpr           float64
	quotientSize  uint
	remainderSize uint
	boundaries    *BoundaryIndex
	buckets       map[uint64]*bucket
	length        uint64
}

// NewDivaFilter creates and returns a new empty DivaFilter
// _targetSize_ is the desired average number of keys per bucket
// _fpr_ is the desired false positive probability of a bucket query
func NewDivaFilter(targetSize uint64, fpr float64) (*DivaFilter, error) {
	if targetSize == 0 || fpr <= 0 || fpr >= 1 {
		return nil, fmt.Errorf("godiva: bad target size %d or false positive rate %v: %w", targetSize, fpr, ErrInvalidConfig)
	}
	return &DivaFilter{
		targetSize:    targetSize,
		fpr:           fpr,
		quotientSize:  util.CalculateQuotientSize(targetSize),
		remainderSize: util.CalculateRemainderSize(fpr),
		boundaries:    NewBoundaryIndex(),
		buckets:       make(map[uint64]*bucket),
	}, nil
}

// NewDivaFilterWithKeys creates and returns a new DivaFilter built from
// _keys_, which are sorted and deduplicated defensively. The keys are
// partitioned into chunks of _targetSize_, the first key of each chunk
// becomes a boundary key owning one bucket.
func NewDivaFilterWithKeys(keys []uint64, targetSize uint64, fpr float64) (*DivaFilter, error) {
	divaFilter, err := NewDivaFilter(targetSize, fpr)
	if err != nil {
		return nil, err
	}
	sorted := append([]uint64{}, keys...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	unique := sorted[:0]
	for i, key := range sorted {
		if i == 0 || key != sorted[i-1] {
			unique = append(unique, key)
		}
	}
	for chunkStart := 0; chunkStart < len(unique); chunkStart += int(targetSize) {
		chunkEnd := chunkStart + int(targetSize)
		if chunkEnd > len(unique) {
			chunkEnd = len(unique)
		}
		chunk := unique[chunkStart:chunkEnd]
		b := divaFilter.makeBucket(chunk[0], chunk)
		divaFilter.buckets[b.lo] = b
		divaFilter.boundaries.InsertBoundary(b.lo)
		divaFilter.length += uint64(len(chunk))
	}
	return divaFilter, nil
}

func (divaFilter *DivaFilter) makeBucket(lo uint64, keys []uint64) *bucket {
	return newBucketWithKeys(lo, keys, divaFilter.quotientSize, divaFilter.remainderSize, uint(divaFilter.targetSize))
}

// Insert adds _key_ to the filter, creating, re-rooting or splitting buckets
// as needed. Inserting a key already present is a no-op.
func (divaFilter *DivaFilter) Insert(key uint64) {
	if divaFilter.boundaries.Len() == 0 {
		b := newBucket(key, divaFilter.quotientSize, divaFilter.remainderSize, uint(divaFilter.targetSize))
		b.insert(key)
		divaFilter.buckets[key] = b
		divaFilter.boundaries.InsertBoundary(key)
		divaFilter.length++
		return
	}
	boundary, ok := divaFilter.boundaries.Predecessor(key)
	if !ok {
		divaFilter.rerootFirstBucket(key)
		return
	}
	b := divaFilter.buckets[boundary]
	if b.hasKey(key) {
		return
	}
	for !b.insert(key) {
		// the store is out of capacity, split and route the key again
		divaFilter.splitBucket(b)
		boundary, _ = divaFilter.boundaries.Predecessor(key)
		b = divaFilter.buckets[boundary]
		if b.hasKey(key) {
			// the key entered the key list before the failed rebuild and was
			// carried into the split halves
			break
		}
	}
	divaFilter.length++
	if b.needsSplit(divaFilter.targetSize) {
		divaFilter.splitBucket(b)
	}
}

// Contains returns true if _key_ may have been inserted, false if it
// definitely was not
func (divaFilter *DivaFilter) Contains(key uint64) bool {
	boundary, ok := divaFilter.boundaries.Predecessor(key)
	if !ok {
		return false
	}
	return divaFilter.buckets[boundary].contains(key)
}

// RangeQuery returns true if any inserted key may fall inside [lo, hi],
// false if the range definitely holds no key. Errors with ErrInvalidRange
// when lo > hi.
func (divaFilter *DivaFilter) RangeQuery(lo, hi uint64) (bool, error) {
	if lo > hi {
		return false, fmt.Errorf("godiva: query range [%d, %d] is reversed: %w", lo, hi, ErrInvalidRange)
	}
	for _, boundary := range divaFilter.boundaries.EnumerateRange(lo, hi) {
		if divaFilter.buckets[boundary].rangeHits(lo, hi) {
			return true, nil
		}
	}
	return false, nil
}

// Delete removes _key_ and returns whether the filter believed it present.
// The belief is subject to fingerprint collisions, like Contains. Deleting an
// absent key has no effect on other keys.
func (divaFilter *DivaFilter) Delete(key uint64) bool {
	boundary, ok := divaFilter.boundaries.Predecessor(key)
	if !ok {
		return false
	}
	b := divaFilter.buckets[boundary]
	believed, removed := b.delete(key)
	if removed {
		divaFilter.length--
	}
	if len(divaFilter.buckets) > 1 && b.needsMerge(divaFilter.targetSize) {
		divaFilter.mergeBucket(boundary)
	}
	return believed
}

// Length returns the number of live keys in the filter
func (divaFilter *DivaFilter) Length() uint64 {
	return divaFilter.length
}

// NumBuckets returns the number of buckets the domain is partitioned into
func (divaFilter *DivaFilter) NumBuckets() int {
	return len(divaFilter.buckets)
}

// TargetSize returns the configured desired average bucket occupancy
func (divaFilter *DivaFilter) TargetSize() uint64 {
	return divaFilter.targetSize
}

// FalsePositiveRate returns the configured false positive rate
func (divaFilter *DivaFilter) FalsePositiveRate() float64 {
	return divaFilter.fpr
}

// PositiveRate estimates the current probability that a point query on an
// absent key answers true, from the average run length and remainder width
func (divaFilter *DivaFilter) PositiveRate() float64 {
	var elems, occupied float64
	for _, b := range divaFilter.buckets {
		elems += float64(b.store.Count())
		occupied += float64(b.store.OccupiedQuotients())
	}
	if occupied == 0 {
		return 0
	}
	rate := (elems / occupied) / math.Pow(2, float64(divaFilter.remainderSize))
	if rate > 1 {
		return 1
	}
	return rate
}

// rerootFirstBucket handles a key preceding every boundary: the first bucket
// is rebuilt rooted at _key_ and the boundary index is updated, new state
// first, swap after
func (divaFilter *DivaFilter) rerootFirstBucket(key uint64) {
	first, _ := divaFilter.boundaries.Min()
	old := divaFilter.buckets[first]
	merged := append([]uint64{key}, old.keys...)
	rerooted := divaFilter.makeBucket(key, merged)
	delete(divaFilter.buckets, first)
	divaFilter.boundaries.RemoveBoundary(first)
	divaFilter.buckets[key] = rerooted
	divaFilter.boundaries.InsertBoundary(key)
	divaFilter.length++
	if rerooted.needsSplit(divaFilter.targetSize) {
		divaFilter.splitBucket(rerooted)
	}
}

// splitBucket cuts _b_ at the exact median of its key list. The new buckets
// are built before the bucket set and boundary index are touched so queries
// never observe boundaries and buckets disagreeing.
func (divaFilter *DivaFilter) splitBucket(b *bucket) {
	mid := len(b.keys) / 2
	median := b.keys[mid]
	lower := divaFilter.makeBucket(b.lo, b.keys[:mid])
	upper := divaFilter.makeBucket(median, b.keys[mid:])
	divaFilter.buckets[b.lo] = lower
	divaFilter.buckets[median] = upper
	divaFilter.boundaries.InsertBoundary(median)
}

// mergeBucket folds the bucket at _boundary_ into its left sibling, or into
// its right sibling when it is the first bucket, rebuilding one store from
// the union of the key lists
func (divaFilter *DivaFilter) mergeBucket(boundary uint64) {
	b := divaFilter.buckets[boundary]
	var targetBoundary uint64
	hasPrev := false
	if boundary > 0 {
		targetBoundary, hasPrev = divaFilter.boundaries.Predecessor(boundary - 1)
	}
	var merged *bucket
	if hasPrev {
		target := divaFilter.buckets[targetBoundary]
		union := append(append([]uint64{}, target.keys...), b.keys...)
		merged = divaFilter.makeBucket(target.lo, union)
		delete(divaFilter.buckets, boundary)
		divaFilter.boundaries.RemoveBoundary(boundary)
		divaFilter.buckets[merged.lo] = merged
	} else {
		nextBoundary, ok := divaFilter.boundaries.Successor(boundary + 1)
		if !ok {
			return
		}
		next := divaFilter.buckets[nextBoundary]
		union := append(append([]uint64{}, b.keys...), next.keys...)
		merged = divaFilter.makeBucket(b.lo, union)
		delete(divaFilter.buckets, nextBoundary)
		divaFilter.boundaries.RemoveBoundary(nextBoundary)
		divaFilter.buckets[merged.lo] = merged
	}
	if merged.needsSplit(divaFilter.targetSize) {
		divaFilter.splitBucket(merged)
	}
}

// Equals checks if two DivaFilter's hold the same configuration, boundaries
// and keys
func (aFilter *DivaFilter) Equals(bFilter *DivaFilter) bool {
	if aFilter.targetSize != bFilter.targetSize || aFilter.fpr != bFilter.fpr ||
		aFilter.length != bFilter.length || len(aFilter.buckets) != len(bFilter.buckets) {
		return false
	}
	for lo, b := range aFilter.buckets {
		other, ok := bFilter.buckets[lo]
		if !ok || !b.equals(other) {
			return false
		}
	}
	return true
}

type bucketJSON struct {
	Lo   uint64   `json:"l"`
	Keys []uint64 `json:"k"`
}

type divaFilterJSON struct {
	TargetSize uint64       `json:"t"`
	Fpr        float64      `json:"f"`
	Buckets    []bucketJSON `json:"b"`
}

// Export returns the json marshalling of the filter. The snapshot carries the
// configuration and per-bucket key lists; the compressed state is rebuilt
// deterministically on Import.
func (divaFilter *DivaFilter) Export() ([]byte, error) {
	bucketsJSON := make([]bucketJSON, 0, len(divaFilter.buckets))
	for _, lo := range divaFilter.boundaryKeys() {
		b := divaFilter.buckets[lo]
		bucketsJSON = append(bucketsJSON, bucketJSON{b.lo, append([]uint64{}, b.keys...)})
	}
	return json.Marshal(divaFilterJSON{divaFilter.targetSize, divaFilter.fpr, bucketsJSON})
}

// Import imports the json marshalled filter from _data_
func (divaFilter *DivaFilter) Import(data []byte) error {
	var f divaFilterJSON
	err := json.Unmarshal(data, &f)
	if err != nil {
		return fmt.Errorf("godiva: error importing filter. error: %v", err)
	}
	if f.TargetSize == 0 || f.Fpr <= 0 || f.Fpr >= 1 {
		return fmt.Errorf("godiva: imported config is unusable: %w", ErrInvalidConfig)
	}
	divaFilter.targetSize = f.TargetSize
	divaFilter.fpr = f.Fpr
	divaFilter.quotientSize = util.CalculateQuotientSize(f.TargetSize)
	divaFilter.remainderSize = util.CalculateRemainderSize(f.Fpr)
	divaFilter.boundaries = NewBoundaryIndex()
	divaFilter.buckets = make(map[uint64]*bucket)
	divaFilter.length = 0
	for _, bj := range f.Buckets {
		b := divaFilter.makeBucket(bj.Lo, bj.Keys)
		divaFilter.buckets[b.lo] = b
		divaFilter.boundaries.InsertBoundary(b.lo)
		divaFilter.length += uint64(len(bj.Keys))
	}
	return nil
}

// WriteTo writes the filter to _stream_ and returns the number of bytes
// written onto the stream
func (divaFilter *DivaFilter) WriteTo(stream io.Writer) (int64, error) {
	err := binary.Write(stream, binary.BigEndian, divaFilter.targetSize)
	if err != nil {
		return 0, err
	}
	err = binary.Write(stream, binary.BigEndian, math.Float64bits(divaFilter.fpr))
	if err != nil {
		return 0, err
	}
	err = binary.Write(stream, binary.BigEndian, uint64(len(divaFilter.buckets)))
	if err != nil {
		return 0, err
	}
	numBytes := int64(3 * binary.Size(uint64(0)))
	for _, lo := range divaFilter.boundaryKeys() {
		b := divaFilter.buckets[lo]
		err = binary.Write(stream, binary.BigEndian, b.lo)
		if err != nil {
			return 0, err
		}
		err = binary.Write(stream, binary.BigEndian, uint64(len(b.keys)))
		if err != nil {
			return 0, err
		}
		err = binary.Write(stream, binary.BigEndian, b.keys)
		if err != nil {
			return 0, err
		}
		numBytes += int64((2 + len(b.keys)) * binary.Size(uint64(0)))
	}
	return numBytes, nil
}

// ReadFrom reads the stream and imports it into the filter and returns the
// number of bytes read
func (divaFilter *DivaFilter) ReadFrom(stream io.Reader) (int64, error) {
	var targetSize, fprBits, numBuckets uint64
	err := binary.Read(stream, binary.BigEndian, &targetSize)
	if err != nil {
		return 0, err
	}
	err = binary.Read(stream, binary.BigEndian, &fprBits)
	if err != nil {
		return 0, err
	}
	err = binary.Read(stream, binary.BigEndian, &numBuckets)
	if err != nil {
		return 0, err
	}
	fpr := math.Float64frombits(fprBits)
	if targetSize == 0 || fpr <= 0 || fpr >= 1 {
		return 0, fmt.Errorf("godiva: stream config is unusable: %w", ErrInvalidConfig)
	}
	divaFilter.targetSize = targetSize
	divaFilter.fpr = fpr
	divaFilter.quotientSize = util.CalculateQuotientSize(targetSize)
	divaFilter.remainderSize = util.CalculateRemainderSize(fpr)
	divaFilter.boundaries = NewBoundaryIndex()
	divaFilter.buckets = make(map[uint64]*bucket)
	divaFilter.length = 0
	numBytes := int64(3 * binary.Size(uint64(0)))
	for i := uint64(0); i < numBuckets; i++ {
		var lo, numKeys uint64
		err = binary.Read(stream, binary.BigEndian, &lo)
		if err != nil {
			return 0, err
		}
		err = binary.Read(stream, binary.BigEndian, &numKeys)
		if err != nil {
			return 0, err
		}
		keys := make([]uint64, numKeys)
		err = binary.Read(stream, binary.BigEndian, keys)
		if err != nil {
			return 0, err
		}
		b := divaFilter.makeBucket(lo, keys)
		divaFilter.buckets[b.lo] = b
		divaFilter.boundaries.InsertBoundary(b.lo)
		divaFilter.length += numKeys
		numBytes += int64((2 + len(keys)) * binary.Size(uint64(0)))
	}
	return numBytes, nil
}

func (divaFilter *DivaFilter) boundaryKeys() []uint64 {
	return divaFilter.boundaries.EnumerateRange(0, ^uint64(0))
}
