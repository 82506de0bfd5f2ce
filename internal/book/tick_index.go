package book

import (
	"fmt"
	"sort"

	"github.com/tidwall/btree"

	"tickmatch/internal/event"
)

// bucketEntry orders ids inside a bucket by (created_at, order_id).
type bucketEntry struct {
	CreatedAt uint64
	OrderID   string
}

func (e bucketEntry) less(other bucketEntry) bool {
	if e.CreatedAt != other.CreatedAt {
		return e.CreatedAt < other.CreatedAt
	}
	return e.OrderID < other.OrderID
}

// TickBucket holds the buy and sell order ids resident at one
// (pair, tick) coordinate, each set ordered ascending by created_at
// with order id tie-break.
type TickBucket struct {
	buys  []bucketEntry
	sells []bucketEntry
}

func (b *TickBucket) BuyCount() int  { return len(b.buys) }
func (b *TickBucket) SellCount() int { return len(b.sells) }

// Buys exposes the ordered buy entries. Callers must not mutate.
func (b *TickBucket) Buys() []bucketEntry { return b.buys }

// Sells exposes the ordered sell entries. Callers must not mutate.
func (b *TickBucket) Sells() []bucketEntry { return b.sells }

func (b *TickBucket) side(s event.Side) *[]bucketEntry {
	if s == event.SideSell {
		return &b.sells
	}
	return &b.buys
}

func (b *TickBucket) empty() bool {
	return len(b.buys) == 0 && len(b.sells) == 0
}

// insertEntry places e at its sorted position. Reports false when the entry
// is already present.
func insertEntry(set *[]bucketEntry, e bucketEntry) bool {
	entries := *set
	i := sort.Search(len(entries), func(i int) bool { return !entries[i].less(e) })
	if i < len(entries) && entries[i] == e {
		return false
	}
	entries = append(entries, bucketEntry{})
	copy(entries[i+1:], entries[i:])
	entries[i] = e
	*set = entries
	return true
}

// removeEntry splices e out. Reports false when absent.
func removeEntry(set *[]bucketEntry, e bucketEntry) bool {
	entries := *set
	i := sort.Search(len(entries), func(i int) bool { return !entries[i].less(e) })
	if i >= len(entries) || entries[i] != e {
		return false
	}
	*set = append(entries[:i], entries[i+1:]...)
	return true
}

// TickIndex is the secondary index mapping (pair, tick) to the orders
// whose declared range covers that tick. Buckets are kept in a b-tree
// per pair so ascending traversal and range scans stay ordered.
// Not thread-safe; only accessed from the single-threaded core.
type TickIndex struct {
	pairs map[uint64]*btree.Map[uint64, *TickBucket]
}

func NewTickIndex() *TickIndex {
	return &TickIndex{
		pairs: make(map[uint64]*btree.Map[uint64, *TickBucket]),
	}
}

// InsertOrder indexes the order at every tick in [TickLower, TickUpper).
func (ti *TickIndex) InsertOrder(o *Order) error {
	ticks, ok := ti.pairs[o.PairID]
	if !ok {
		ticks = new(btree.Map[uint64, *TickBucket])
		ti.pairs[o.PairID] = ticks
	}
	e := bucketEntry{CreatedAt: o.CreatedAt, OrderID: o.OrderID}
	for t := o.TickLower; t < o.TickUpper; t++ {
		bucket, ok := ticks.Get(t)
		if !ok {
			bucket = &TickBucket{}
			ticks.Set(t, bucket)
		}
		if !insertEntry(bucket.side(o.Side), e) {
			return fmt.Errorf("order %s already indexed at pair=%d tick=%d", o.OrderID, o.PairID, t)
		}
	}
	return nil
}

// RemoveOrder is the inverse of InsertOrder; empty buckets are pruned.
func (ti *TickIndex) RemoveOrder(o *Order) error {
	ticks, ok := ti.pairs[o.PairID]
	if !ok {
		return fmt.Errorf("order %s not indexed: pair %d has no buckets", o.OrderID, o.PairID)
	}
	e := bucketEntry{CreatedAt: o.CreatedAt, OrderID: o.OrderID}
	for t := o.TickLower; t < o.TickUpper; t++ {
		bucket, ok := ticks.Get(t)
		if !ok {
			return fmt.Errorf("order %s not indexed at pair=%d tick=%d", o.OrderID, o.PairID, t)
		}
		if !removeEntry(bucket.side(o.Side), e) {
			return fmt.Errorf("order %s not indexed at pair=%d tick=%d", o.OrderID, o.PairID, t)
		}
		if bucket.empty() {
			ticks.Delete(t)
		}
	}
	if ticks.Len() == 0 {
		delete(ti.pairs, o.PairID)
	}
	return nil
}

// AscendBuckets visits the pair's buckets in ascending tick order
// until fn returns false. Finite and restartable.
func (ti *TickIndex) AscendBuckets(pairID uint64, fn func(tick uint64, b *TickBucket) bool) {
	ticks, ok := ti.pairs[pairID]
	if !ok {
		return
	}
	ticks.Scan(fn)
}

// ordersOverlapping unions the requested side's entries across every
// bucket intersecting [tickLower, tickUpper), deduplicating with a
// visited set. An order sits in every bucket of its range, so any
// intersecting bucket suffices and dedup yields each order once.
func (ti *TickIndex) ordersOverlapping(pairID uint64, side event.Side, tickLower, tickUpper uint64) []string {
	ticks, ok := ti.pairs[pairID]
	if !ok {
		return nil
	}
	visited := make(map[string]struct{})
	var found []bucketEntry
	ticks.Ascend(tickLower, func(tick uint64, b *TickBucket) bool {
		if tick >= tickUpper {
			return false
		}
		for _, e := range *b.side(side) {
			if _, seen := visited[e.OrderID]; seen {
				continue
			}
			visited[e.OrderID] = struct{}{}
			found = append(found, e)
		}
		return true
	})
	sort.Slice(found, func(i, j int) bool { return found[i].less(found[j]) })
	ids := make([]string, len(found))
	for i, e := range found {
		ids[i] = e.OrderID
	}
	return ids
}

// BuyOrdersOverlapping yields each buy order whose tick range
// intersects [tickLower, tickUpper) exactly once, ascending created_at
// then order id.
func (ti *TickIndex) BuyOrdersOverlapping(pairID, tickLower, tickUpper uint64) []string {
	return ti.ordersOverlapping(pairID, event.SideBuy, tickLower, tickUpper)
}

// SellOrdersOverlapping is the sell-side counterpart.
func (ti *TickIndex) SellOrdersOverlapping(pairID, tickLower, tickUpper uint64) []string {
	return ti.ordersOverlapping(pairID, event.SideSell, tickLower, tickUpper)
}

// VerifyIndexed checks that the order is present at every tick of its
// range. Used by invariant sweeps.
func (ti *TickIndex) VerifyIndexed(o *Order) error {
	ticks, ok := ti.pairs[o.PairID]
	if !ok {
		return fmt.Errorf("order %s: pair %d has no buckets", o.OrderID, o.PairID)
	}
	for t := o.TickLower; t < o.TickUpper; t++ {
		bucket, ok := ticks.Get(t)
		if !ok {
			return fmt.Errorf("order %s: missing bucket pair=%d tick=%d", o.OrderID, o.PairID, t)
		}
		set := *bucket.side(o.Side)
		e := bucketEntry{CreatedAt: o.CreatedAt, OrderID: o.OrderID}
		i := sort.Search(len(set), func(i int) bool { return !set[i].less(e) })
		if i >= len(set) || set[i] != e {
			return fmt.Errorf("order %s: absent from bucket pair=%d tick=%d", o.OrderID, o.PairID, t)
		}
	}
	return nil
}

// BucketCount returns the number of live buckets for a pair.
func (ti *TickIndex) BucketCount(pairID uint64) int {
	ticks, ok := ti.pairs[pairID]
	if !ok {
		return 0
	}
	return ticks.Len()
}

// Pairs lists pair ids currently holding buckets, ascending.
func (ti *TickIndex) Pairs() []uint64 {
	out := make([]uint64, 0, len(ti.pairs))
	for id := range ti.pairs {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
