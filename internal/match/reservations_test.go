package match

import (
	"testing"

	"tickmatch/internal/book"
	"tickmatch/internal/event"
)

func TestReserveAndRelease(t *testing.T) {
	r := NewReservations()
	r.Reserve("ord-1", 400, 6_000)
	r.Reserve("ord-1", 100, 1_500)

	if got := r.ReservedQty("ord-1"); got != 500 {
		t.Errorf("reserved qty: got %d, want 500", got)
	}
	if got := r.ReservedEscrow("ord-1"); got != 7_500 {
		t.Errorf("reserved escrow: got %d, want 7_500", got)
	}

	if err := r.Release("ord-1", 500, 7_500); err != nil {
		t.Fatalf("release: %v", err)
	}
	if r.Len() != 0 {
		t.Errorf("len after full release: got %d, want 0", r.Len())
	}
}

func TestReleaseExceedsHold(t *testing.T) {
	r := NewReservations()
	r.Reserve("ord-1", 400, 6_000)

	if err := r.Release("ord-1", 401, 6_000); err == nil {
		t.Error("expected error for qty over-release")
	}
	if err := r.Release("ord-1", 400, 6_001); err == nil {
		t.Error("expected error for escrow over-release")
	}
	if err := r.Release("ord-2", 1, 1); err == nil {
		t.Error("expected error for release without hold")
	}
}

func TestRemaining(t *testing.T) {
	r := NewReservations()
	o := &book.Order{
		OrderID:  "ord-1",
		Side:     event.SideBuy,
		Quantity: 1000,
		Filled:   200,
		Status:   book.StatusPartiallyFilled,
	}

	if got := r.Remaining(o); got != 800 {
		t.Errorf("remaining without holds: got %d, want 800", got)
	}

	r.Reserve("ord-1", 300, 0)
	if got := r.Remaining(o); got != 500 {
		t.Errorf("remaining with hold: got %d, want 500", got)
	}

	r.Reserve("ord-1", 600, 0)
	if got := r.Remaining(o); got != 0 {
		t.Errorf("remaining saturates at zero: got %d, want 0", got)
	}
}
