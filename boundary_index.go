package godiva

import "github.com/tidwall/btree"

const (
	clusterTargetSize = 64
	clusterMaxSize    = 2 * clusterTargetSize
	clusterMinSize    = clusterTargetSize / 4
)

// The BoundaryIndex data structure. It is an exact, ordered index over the
// filter's boundary keys supporting predecessor, successor, range enumeration
// and updates in near-constant time over the 64-bit universe.
// It is built in two tiers: the bottom tier clusters boundary keys into
// balanced ordered sets of roughly clusterTargetSize keys each, and the top
// tier indexes the cluster representatives (each cluster's minimum) by every
// one of their bit prefixes so the owning cluster can be located with a
// binary search over prefix lengths instead of over keys.
// _levels_ holds, per prefix length, the set of representative prefixes along
// with the smallest and largest representative sharing each prefix.
// _reps_ maps a representative key to its node; nodes are doubly linked in
// key order.
type BoundaryIndex struct {
	levels []map[uint64]*prefixEntry
	reps   map[uint64]*repNode
	head   *repNode
	tail   *repNode
	count  int
}

type prefixEntry struct {
	min uint64
	max uint64
}

type repNode struct {
	key     uint64
	prev    *repNode
	next    *repNode
	cluster *btree.BTreeG[uint64]
}

func newCluster() *btree.BTreeG[uint64] {
	return btree.NewBTreeG(func(a, b uint64) bool { return a < b })
}

// NewBoundaryIndex creates and returns a new empty BoundaryIndex
func NewBoundaryIndex() *BoundaryIndex {
	levels := make([]map[uint64]*prefixEntry, 65)
	for level := 1; level <= 64; level++ {
		levels[level] = make(map[uint64]*prefixEntry)
	}
	return &BoundaryIndex{
		levels: levels,
		reps:   make(map[uint64]*repNode),
	}
}

// Len returns the number of boundary keys held by the index
func (index *BoundaryIndex) Len() int {
	return index.count
}

// Min returns the smallest boundary key, if any
func (index *BoundaryIndex) Min() (uint64, bool) {
	if index.head == nil {
		return 0, false
	}
	return index.head.key, true
}

// Predecessor returns the greatest boundary key less than or equal to _key_
func (index *BoundaryIndex) Predecessor(key uint64) (uint64, bool) {
	rep := index.repPredecessor(key)
	if rep == nil {
		return 0, false
	}
	var result uint64
	found := false
	rep.cluster.Descend(key, func(item uint64) bool {
		result = item
		found = true
		return false
	})
	return result, found
}

// Successor returns the smallest boundary key greater than or equal to _key_
func (index *BoundaryIndex) Successor(key uint64) (uint64, bool) {
	rep := index.repPredecessor(key)
	if rep == nil {
		if index.head == nil {
			return 0, false
		}
		return index.head.key, true
	}
	var result uint64
	found := false
	rep.cluster.Ascend(key, func(item uint64) bool {
		result = item
		found = true
		return false
	})
	if found {
		return result, true
	}
	if rep.next == nil {
		return 0, false
	}
	return rep.next.key, true
}

// EnumerateRange returns, in ascending order, the predecessor boundary of
// _lo_ followed by every boundary key in (predecessor, hi]. These are exactly
// the boundaries whose buckets a range query over [lo, hi] touches. The
// returned slice is a snapshot: inserting or removing boundaries invalidates
// nothing about it, but it must be re-derived after any mutation.
func (index *BoundaryIndex) EnumerateRange(lo, hi uint64) []uint64 {
	var result []uint64
	rep := index.repPredecessor(lo)
	start := lo
	if rep == nil {
		rep = index.head
	} else if pred, ok := index.Predecessor(lo); ok {
		result = append(result, pred)
		if pred == ^uint64(0) {
			return result
		}
		start = pred + 1
	}
	for node := rep; node != nil; node = node.next {
		stop := false
		node.cluster.Ascend(start, func(item uint64) bool {
			if item > hi {
				stop = true
				return false
			}
			result = append(result, item)
			return true
		})
		if stop {
			break
		}
	}
	return result
}

// InsertBoundary adds _key_ to the index, splitting its cluster if the
// cluster outgrows its bound
func (index *BoundaryIndex) InsertBoundary(key uint64) {
	if len(index.reps) == 0 {
		cluster := newCluster()
		cluster.Set(key)
		index.insertRep(key, cluster)
		index.count++
		return
	}
	rep := index.repPredecessor(key)
	if rep == nil {
		// key precedes every boundary, it becomes the head cluster's representative
		head := index.head
		cluster := head.cluster
		index.removeRep(head)
		node := index.insertRep(key, cluster)
		node.cluster.Set(key)
		index.count++
		if node.cluster.Len() > clusterMaxSize {
			index.splitCluster(node)
		}
		return
	}
	if _, replaced := rep.cluster.Set(key); replaced {
		return
	}
	index.count++
	if rep.cluster.Len() > clusterMaxSize {
		index.splitCluster(rep)
	}
}

// RemoveBoundary removes _key_ from the index and returns whether it was
// present, merging its cluster with a neighbor if it shrinks under its bound
func (index *BoundaryIndex) RemoveBoundary(key uint64) bool {
	rep := index.repPredecessor(key)
	if rep == nil {
		return false
	}
	if _, removed := rep.cluster.Delete(key); !removed {
		return false
	}
	index.count--
	if rep.cluster.Len() == 0 {
		index.removeRep(rep)
		return true
	}
	if key == rep.key {
		// the representative must stay the cluster minimum
		newMin, _ := rep.cluster.Min()
		cluster := rep.cluster
		index.removeRep(rep)
		rep = index.insertRep(newMin, cluster)
	}
	if rep.cluster.Len() < clusterMinSize {
		index.mergeCluster(rep)
	}
	return true
}

// repPredecessor locates the representative of the cluster owning _key_: the
// greatest representative less than or equal to _key_. It binary searches the
// prefix levels for the longest prefix of _key_ any representative shares,
// then resolves the neighbor through the min/max descendants of the sibling
// branch and the linked representative list.
func (index *BoundaryIndex) repPredecessor(key uint64) *repNode {
	if len(index.reps) == 0 {
		return nil
	}
	low, high := uint(0), uint(64)
	for low < high {
		mid := (low + high + 1) / 2
		if _, ok := index.levels[mid][key>>(64-mid)]; ok {
			low = mid
		} else {
			high = mid - 1
		}
	}
	if low == 64 {
		return index.reps[key]
	}
	if low == 0 {
		// not even the top bit is shared, every representative sits on the other side
		if key>>63 == 1 {
			return index.tail
		}
		return nil
	}
	childPrefix := key >> (63 - low)
	if childPrefix&1 == 1 {
		left := index.levels[low+1][childPrefix&^1]
		return index.reps[left.max]
	}
	right := index.levels[low+1][childPrefix|1]
	return index.reps[right.min].prev
}

func (index *BoundaryIndex) insertRep(key uint64, cluster *btree.BTreeG[uint64]) *repNode {
	node := &repNode{key: key, cluster: cluster}
	pred := index.repPredecessor(key)
	if pred == nil {
		node.next = index.head
		if index.head != nil {
			index.head.prev = node
		} else {
			index.tail = node
		}
		index.head = node
	} else {
		node.prev = pred
		node.next = pred.next
		pred.next = node
		if node.next != nil {
			node.next.prev = node
		} else {
			index.tail = node
		}
	}
	index.reps[key] = node
	for level := uint(1); level <= 64; level++ {
		prefix := key >> (64 - level)
		entry, ok := index.levels[level][prefix]
		if !ok {
			index.levels[level][prefix] = &prefixEntry{min: key, max: key}
			continue
		}
		if key < entry.min {
			entry.min = key
		}
		if key > entry.max {
			entry.max = key
		}
	}
	return node
}

func (index *BoundaryIndex) removeRep(node *repNode) {
	key := node.key
	prev, next := node.prev, node.next
	for level := uint(1); level <= 64; level++ {
		prefix := key >> (64 - level)
		entry := index.levels[level][prefix]
		if entry.min == key && entry.max == key {
			delete(index.levels[level], prefix)
			continue
		}
		// representatives sharing a prefix are contiguous in key order, so the
		// list neighbors are the replacement min/max
		if entry.min == key {
			entry.min = next.key
		}
		if entry.max == key {
			entry.max = prev.key
		}
	}
	if prev != nil {
		prev.next = next
	} else {
		index.head = next
	}
	if next != nil {
		next.prev = prev
	} else {
		index.tail = prev
	}
	delete(index.reps, key)
	node.prev, node.next = nil, nil
}

func (index *BoundaryIndex) splitCluster(rep *repNode) {
	items := make([]uint64, 0, rep.cluster.Len())
	rep.cluster.Scan(func(item uint64) bool {
		items = append(items, item)
		return true
	})
	mid := len(items) / 2
	upper := newCluster()
	for _, item := range items[mid:] {
		rep.cluster.Delete(item)
		upper.Set(item)
	}
	index.insertRep(items[mid], upper)
}

func (index *BoundaryIndex) mergeCluster(rep *repNode) {
	target := rep.prev
	if target == nil {
		next := rep.next
		if next == nil {
			// sole cluster, nothing to merge with
			return
		}
		next.cluster.Scan(func(item uint64) bool {
			rep.cluster.Set(item)
			return true
		})
		index.removeRep(next)
		if rep.cluster.Len() > clusterMaxSize {
			index.splitCluster(rep)
		}
		return
	}
	rep.cluster.Scan(func(item uint64) bool {
		target.cluster.Set(item)
		return true
	})
	index.removeRep(rep)
	if target.cluster.Len() > clusterMaxSize {
		index.splitCluster(target)
	}
}
