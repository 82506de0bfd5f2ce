package core

import (
	"errors"
	"testing"
)

func TestIdempotencyMarkThenDetect(t *testing.T) {
	ic := NewIdempotencyChecker(16, nil)

	if ic.IsDuplicate("OrderObserved", "k1") {
		t.Error("unseen key reported duplicate")
	}
	ic.MarkProcessed("OrderObserved", "k1")
	if !ic.IsDuplicate("OrderObserved", "k1") {
		t.Error("marked key not reported duplicate")
	}
	// The composite key includes the event type.
	if ic.IsDuplicate("SettlementCommitted", "k1") {
		t.Error("same key under different type reported duplicate")
	}
}

func TestIdempotencyEvictsOldest(t *testing.T) {
	ic := NewIdempotencyChecker(2, nil)
	ic.MarkProcessed("E", "k1")
	ic.MarkProcessed("E", "k2")
	ic.MarkProcessed("E", "k3")

	if ic.IsDuplicate("E", "k1") {
		t.Error("evicted key still reported duplicate")
	}
	if !ic.IsDuplicate("E", "k2") || !ic.IsDuplicate("E", "k3") {
		t.Error("retained keys not reported duplicate")
	}
	if got := ic.Size(); got != 2 {
		t.Errorf("size: got %d, want 2", got)
	}
}

func TestIdempotencyWarmAndKeys(t *testing.T) {
	ic := NewIdempotencyChecker(8, nil)
	ic.Warm([]string{"E:k1", "E:k2"})

	if !ic.IsDuplicate("E", "k1") || !ic.IsDuplicate("E", "k2") {
		t.Error("warmed keys not reported duplicate")
	}
	keys := ic.Keys()
	if len(keys) != 2 {
		t.Fatalf("keys: got %d, want 2", len(keys))
	}
}

type fakeDBChecker struct {
	dup   bool
	err   error
	calls int
}

func (c *fakeDBChecker) IsDuplicate(eventType, idempotencyKey string) (bool, error) {
	c.calls++
	return c.dup, c.err
}

func TestIdempotencyFallsThroughToDurableTier(t *testing.T) {
	db := &fakeDBChecker{dup: true}
	ic := NewIdempotencyChecker(8, db)

	if !ic.IsDuplicate("E", "k1") {
		t.Fatal("durable hit not reported duplicate")
	}
	// The hit is cached: the second lookup stays in memory.
	if !ic.IsDuplicate("E", "k1") {
		t.Fatal("cached durable hit not reported duplicate")
	}
	if db.calls != 1 {
		t.Errorf("durable lookups: got %d, want 1", db.calls)
	}
	lru, durable := ic.Duplicates()
	if lru != 1 || durable != 1 {
		t.Errorf("duplicate counts: got lru=%d durable=%d, want 1/1", lru, durable)
	}
}

func TestIdempotencyToleratesDurableErrors(t *testing.T) {
	db := &fakeDBChecker{err: errors.New("connection reset")}
	ic := NewIdempotencyChecker(8, db)

	if ic.IsDuplicate("E", "k1") {
		t.Error("lookup failure must not report duplicate")
	}
}
