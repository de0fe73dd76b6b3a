/*
Package godiva provides a succinct, dynamic range filter over uint64 keys.
The filter answers point membership and "does any key exist in [lo, hi]?"
queries with one-sided error: false positives are possible at a configured
rate, false negatives never happen for keys that were inserted and not
deleted.
*/
package godiva

import (
	"math"

	"github.com/bits-and-blooms/bitset"
)

const (
	sizeGradeCount   = 31
	neutralSizeGrade = 14
	sizeGradeGrowth  = 1.055
)

// The InfixStore data structure. It is the compressed membership structure
// owned by exactly one bucket of the range filter, holding quotient-filter
// style fingerprints.
// _occupieds_ is a bitmap over the quotient space marking quotients that own
// a run of remainders.
// _runends_ is a bitmap over the slot array marking the last slot of each run.
// _slots_ is a flat bit-packed array of remainders, _remainderSize_ bits each;
// runs are stored contiguously in quotient order and sorted within a run.
// _sizeGrade_ picks the slot capacity out of a precomputed scale so the load
// factor stays bounded as elements come and go.
type InfixStore struct {
	elemCount     uint
	sizeGrade     int
	quotientSize  uint
	remainderSize uint
	scaledSizes   []uint
	occupieds     *bitset.BitSet
	runends       *bitset.BitSet
	slots         []uint64
}

// NewInfixStore creates and returns a new empty InfixStore
// _quotientSize_ is the number of quotient bits, so the quotient space has
// 2^quotientSize values
// _remainderSize_ is the number of bits stored per remainder
// _targetSlots_ is the slot capacity of the neutral size grade; the store
// starts at the smallest grade and resizes itself as elements are inserted
// and deleted
func NewInfixStore(quotientSize, remainderSize uint, targetSlots uint) *InfixStore {
	scaledSizes := scaledSlotSizes(targetSlots)
	numSlots := scaledSizes[0]
	return &InfixStore{
		elemCount:     0,
		sizeGrade:     0,
		quotientSize:  quotientSize,
		remainderSize: remainderSize,
		scaledSizes:   scaledSizes,
		occupieds:     bitset.New(1 << quotientSize),
		runends:       bitset.New(numSlots),
		slots:         make([]uint64, slotWords(numSlots, remainderSize)),
	}
}

func scaledSlotSizes(targetSlots uint) []uint {
	sizes := make([]uint, sizeGradeCount)
	for grade := range sizes {
		scaled := float64(targetSlots) * math.Pow(sizeGradeGrowth, float64(grade-neutralSizeGrade))
		size := uint(math.Ceil(scaled))
		if size < 1 {
			size = 1
		}
		sizes[grade] = size
	}
	return sizes
}

func slotWords(numSlots, remainderSize uint) uint {
	return (numSlots*remainderSize + 63) / 64
}

// Insert places _remainder_ into the run owned by _quotient_, keeping the run
// sorted and contiguous. A remainder already present in the run is absorbed.
// It returns false only when the store is full at its largest size grade,
// which the owning bucket must answer with a split.
func (store *InfixStore) Insert(quotient, remainder uint64) bool {
	// neighboring grades can round to the same slot count, keep growing
	// until a slot is actually free
	for store.elemCount >= store.NumSlots() {
		if !store.resizeUp() {
			return false
		}
	}
	q := uint(quotient)
	isNew := !store.occupieds.Test(q)
	var insertPos, runEnd uint
	if isNew {
		rank := store.runRank(q)
		if rank == 0 {
			insertPos = 0
		} else {
			end, _ := selectNth(store.runends, rank-1)
			insertPos = end + 1
		}
	} else {
		var runStart uint
		runStart, runEnd = store.runBounds(q)
		insertPos = runEnd + 1
		for pos := runStart; pos <= runEnd; pos++ {
			val := store.readSlot(pos)
			if val == remainder {
				return true
			}
			if val > remainder {
				insertPos = pos
				break
			}
		}
	}
	store.shiftSlotsRight(insertPos)
	store.shiftRunendsRight(insertPos)
	store.writeSlot(insertPos, remainder)
	if isNew {
		store.runends.Set(insertPos)
		store.occupieds.Set(q)
	} else if insertPos > runEnd {
		// appended past the old run end, move the run end marker
		store.runends.Clear(runEnd)
		store.runends.Set(insertPos)
	}
	store.elemCount++
	return true
}

// Contains returns true if the run owned by _quotient_ holds _remainder_
func (store *InfixStore) Contains(quotient, remainder uint64) bool {
	q := uint(quotient)
	if !store.occupieds.Test(q) {
		return false
	}
	runStart, runEnd := store.runBounds(q)
	for pos := runStart; pos <= runEnd; pos++ {
		if store.readSlot(pos) == remainder {
			return true
		}
	}
	return false
}

// Delete removes one occurrence of _remainder_ from the run owned by
// _quotient_ and returns whether a removal happened. Deleting a pair that is
// not stored has no effect.
func (store *InfixStore) Delete(quotient, remainder uint64) bool {
	q := uint(quotient)
	if !store.occupieds.Test(q) {
		return false
	}
	runStart, runEnd := store.runBounds(q)
	pos := runStart
	found := false
	for ; pos <= runEnd; pos++ {
		if store.readSlot(pos) == remainder {
			found = true
			break
		}
	}
	if !found {
		return false
	}
	if runStart == runEnd {
		store.occupieds.Clear(q)
	} else if pos == runEnd {
		store.runends.Set(pos - 1)
	}
	store.shiftSlotsLeft(pos)
	store.shiftRunendsLeft(pos)
	store.elemCount--
	if store.sizeGrade > 0 && store.elemCount <= store.scaledSizes[store.sizeGrade-1]/2 {
		store.resizeDown()
	}
	return true
}

// RangeContains reports whether any stored fingerprint falls inside the
// fingerprint range spanning [_quotientLo_, _quotientHi_]. For the two edge
// quotients the stored remainders are compared against _remainderLo_ and
// _remainderHi_; for interior quotients any occupied slot is a hit. It is
// used by a bucket when a query range covers only part of the bucket's span
// and never yields a false negative.
func (store *InfixStore) RangeContains(quotientLo, remainderLo, quotientHi, remainderHi uint64) bool {
	if quotientLo == quotientHi {
		if !store.occupieds.Test(uint(quotientLo)) {
			return false
		}
		runStart, runEnd := store.runBounds(uint(quotientLo))
		for pos := runStart; pos <= runEnd; pos++ {
			val := store.readSlot(pos)
			if val >= remainderLo && val <= remainderHi {
				return true
			}
		}
		return false
	}
	if quotientHi > quotientLo+1 {
		if pos, ok := store.occupieds.NextSet(uint(quotientLo) + 1); ok && uint64(pos) < quotientHi {
			return true
		}
	}
	if store.occupieds.Test(uint(quotientLo)) {
		// remainders are sorted within the run, the last one is the largest
		_, runEnd := store.runBounds(uint(quotientLo))
		if store.readSlot(runEnd) >= remainderLo {
			return true
		}
	}
	if store.occupieds.Test(uint(quotientHi)) {
		runStart, _ := store.runBounds(uint(quotientHi))
		if store.readSlot(runStart) <= remainderHi {
			return true
		}
	}
	return false
}

// Count returns the number of fingerprints held by the store
func (store *InfixStore) Count() uint {
	return store.elemCount
}

// NumSlots returns the slot capacity at the current size grade
func (store *InfixStore) NumSlots() uint {
	return store.scaledSizes[store.sizeGrade]
}

// SizeGrade returns the current size grade of the store
func (store *InfixStore) SizeGrade() int {
	return store.sizeGrade
}

// RemainderSize returns the number of bits stored per remainder
func (store *InfixStore) RemainderSize() uint {
	return store.remainderSize
}

// QuotientSize returns the number of quotient bits
func (store *InfixStore) QuotientSize() uint {
	return store.quotientSize
}

// OccupiedQuotients returns the number of quotients owning a run
func (store *InfixStore) OccupiedQuotients() uint {
	return store.occupieds.Count()
}

// Equals checks if two InfixStore's hold the same fingerprints
func (aStore *InfixStore) Equals(bStore *InfixStore) bool {
	if aStore.quotientSize != bStore.quotientSize ||
		aStore.remainderSize != bStore.remainderSize ||
		aStore.elemCount != bStore.elemCount {
		return false
	}
	if !aStore.occupieds.Equal(bStore.occupieds) {
		return false
	}
	for pos := uint(0); pos < aStore.elemCount; pos++ {
		if aStore.readSlot(pos) != bStore.readSlot(pos) {
			return false
		}
		if aStore.runends.Test(pos) != bStore.runends.Test(pos) {
			return false
		}
	}
	return true
}

// runRank returns the number of occupied quotients strictly below _q_
func (store *InfixStore) runRank(q uint) uint {
	if q == 0 {
		return 0
	}
	return store.occupieds.Rank(q - 1)
}

// runBounds returns the first and last slot of the run owned by _q_.
// The caller must have checked that _q_ is occupied.
func (store *InfixStore) runBounds(q uint) (uint, uint) {
	rank := store.runRank(q)
	runEnd, _ := selectNth(store.runends, rank)
	runStart := uint(0)
	if rank > 0 {
		prevEnd, _ := selectNth(store.runends, rank-1)
		runStart = prevEnd + 1
	}
	return runStart, runEnd
}

func (store *InfixStore) shiftSlotsRight(from uint) {
	for pos := store.elemCount; pos > from; pos-- {
		store.writeSlot(pos, store.readSlot(pos-1))
	}
}

func (store *InfixStore) shiftRunendsRight(from uint) {
	for pos := store.elemCount; pos > from; pos-- {
		if store.runends.Test(pos - 1) {
			store.runends.Set(pos)
		} else {
			store.runends.Clear(pos)
		}
	}
	store.runends.Clear(from)
}

func (store *InfixStore) shiftSlotsLeft(from uint) {
	for pos := from; pos+1 < store.elemCount; pos++ {
		store.writeSlot(pos, store.readSlot(pos+1))
	}
}

func (store *InfixStore) shiftRunendsLeft(from uint) {
	for pos := from; pos+1 < store.elemCount; pos++ {
		if store.runends.Test(pos + 1) {
			store.runends.Set(pos)
		} else {
			store.runends.Clear(pos)
		}
	}
	store.runends.Clear(store.elemCount - 1)
}

func (store *InfixStore) resizeTo(newGrade int) {
	newNumSlots := store.scaledSizes[newGrade]
	newRunends := bitset.New(newNumSlots)
	for pos, ok := store.runends.NextSet(0); ok && pos < store.elemCount; pos, ok = store.runends.NextSet(pos + 1) {
		newRunends.Set(pos)
	}
	newSlots := make([]uint64, slotWords(newNumSlots, store.remainderSize))
	copy(newSlots, store.slots[:slotWords(store.elemCount, store.remainderSize)])
	store.runends = newRunends
	store.slots = newSlots
	store.sizeGrade = newGrade
}

func (store *InfixStore) resizeUp() bool {
	if store.sizeGrade >= sizeGradeCount-1 {
		return false
	}
	store.resizeTo(store.sizeGrade + 1)
	return true
}

func (store *InfixStore) resizeDown() bool {
	if store.sizeGrade == 0 {
		return false
	}
	store.resizeTo(store.sizeGrade - 1)
	return true
}

func (store *InfixStore) readSlot(pos uint) uint64 {
	bitPos := pos * store.remainderSize
	wordIndex := bitPos / 64
	bitOffset := bitPos % 64
	mask := uint64(1)<<store.remainderSize - 1
	val := (store.slots[wordIndex] >> bitOffset) & mask
	if bitOffset+store.remainderSize > 64 {
		overflowBits := bitOffset + store.remainderSize - 64
		overflowMask := uint64(1)<<overflowBits - 1
		val |= (store.slots[wordIndex+1] & overflowMask) << (store.remainderSize - overflowBits)
	}
	return val
}

func (store *InfixStore) writeSlot(pos uint, remainder uint64) {
	bitPos := pos * store.remainderSize
	wordIndex := bitPos / 64
	bitOffset := bitPos % 64
	mask := uint64(1)<<store.remainderSize - 1
	store.slots[wordIndex] &^= mask << bitOffset
	store.slots[wordIndex] |= (remainder & mask) << bitOffset
	if bitOffset+store.remainderSize > 64 {
		overflowBits := bitOffset + store.remainderSize - 64
		overflowMask := uint64(1)<<overflowBits - 1
		store.slots[wordIndex+1] &^= overflowMask
		store.slots[wordIndex+1] |= (remainder & mask) >> (store.remainderSize - overflowBits)
	}
}

// selectNth returns the position of the _n_-th (0-based) set bit of _b_
func selectNth(b *bitset.BitSet, n uint) (uint, bool) {
	idx := uint(0)
	for i := uint(0); ; i++ {
		pos, ok := b.NextSet(idx)
		if !ok {
			return 0, false
		}
		if i == n {
			return pos, true
		}
		idx = pos + 1
	}
}
