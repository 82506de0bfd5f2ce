package core

import (
	"container/list"
	"fmt"
)

// IdempotencyChecker deduplicates ledger event deliveries with a
// two-tier lookup: an in-memory LRU over composite keys, backed by an
// optional durable checker (the host's audit store).
type IdempotencyChecker struct {
	lru *idempotencyLRU

	dbChecker DBIdempotencyChecker

	duplicatesLRU int64
	duplicatesDB  int64
	tier2Errors   int64
}

// DBIdempotencyChecker is the durable dedup lookup.
type DBIdempotencyChecker interface {
	IsDuplicate(eventType string, idempotencyKey string) (bool, error)
}

func NewIdempotencyChecker(capacity int, dbChecker DBIdempotencyChecker) *IdempotencyChecker {
	return &IdempotencyChecker{
		lru:       newIdempotencyLRU(capacity),
		dbChecker: dbChecker,
	}
}

// IsDuplicate reports whether the event was already applied.
func (ic *IdempotencyChecker) IsDuplicate(eventType string, idempotencyKey string) bool {
	compositeKey := fmt.Sprintf("%s:%s", eventType, idempotencyKey)

	if ic.lru.contains(compositeKey) {
		ic.duplicatesLRU++
		return true
	}

	if ic.dbChecker != nil {
		isDup, err := ic.dbChecker.IsDuplicate(eventType, idempotencyKey)
		if err != nil {
			// Conservative on lookup failure: assume not duplicate so a
			// storage hiccup cannot stall the stream.
			ic.tier2Errors++
			return false
		}
		if isDup {
			ic.duplicatesDB++
			ic.lru.add(compositeKey)
			return true
		}
	}

	return false
}

// MarkProcessed records the key after the event fully applied.
func (ic *IdempotencyChecker) MarkProcessed(eventType string, idempotencyKey string) {
	ic.lru.add(fmt.Sprintf("%s:%s", eventType, idempotencyKey))
}

// Warm preloads composite keys, typically the most recent rows of the
// audit store, so a restart does not pay the cold path per event.
func (ic *IdempotencyChecker) Warm(keys []string) {
	for _, key := range keys {
		ic.lru.add(key)
	}
}

// Duplicates returns (lru, durable) hit counts.
func (ic *IdempotencyChecker) Duplicates() (int64, int64) {
	return ic.duplicatesLRU, ic.duplicatesDB
}

func (ic *IdempotencyChecker) Size() int {
	return ic.lru.size()
}

// Keys returns the cached composite keys, most recent first, for
// snapshot warming on the next start.
func (ic *IdempotencyChecker) Keys() []string {
	return ic.lru.keys()
}

// --- LRU ---

// idempotencyLRU caches composite keys.
// Not thread-safe; only accessed from the single-threaded core.
type idempotencyLRU struct {
	capacity int
	cache    map[string]*list.Element
	lruList  *list.List
}

func newIdempotencyLRU(capacity int) *idempotencyLRU {
	return &idempotencyLRU{
		capacity: capacity,
		cache:    make(map[string]*list.Element, capacity),
		lruList:  list.New(),
	}
}

func (lru *idempotencyLRU) contains(key string) bool {
	elem, exists := lru.cache[key]
	if exists {
		lru.lruList.MoveToFront(elem)
		return true
	}
	return false
}

func (lru *idempotencyLRU) add(key string) {
	if elem, exists := lru.cache[key]; exists {
		lru.lruList.MoveToFront(elem)
		return
	}

	elem := lru.lruList.PushFront(key)
	lru.cache[key] = elem

	if lru.lruList.Len() > lru.capacity {
		oldest := lru.lruList.Back()
		if oldest != nil {
			lru.lruList.Remove(oldest)
			delete(lru.cache, oldest.Value.(string))
		}
	}
}

func (lru *idempotencyLRU) size() int {
	return lru.lruList.Len()
}

func (lru *idempotencyLRU) keys() []string {
	out := make([]string, 0, lru.lruList.Len())
	for elem := lru.lruList.Front(); elem != nil; elem = elem.Next() {
		out = append(out, elem.Value.(string))
	}
	return out
}
