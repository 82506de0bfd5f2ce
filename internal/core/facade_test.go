package core

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"tickmatch/internal/book"
	"tickmatch/internal/escrow"
	"tickmatch/internal/event"
	"tickmatch/internal/fpmath"
	"tickmatch/internal/market"
	"tickmatch/internal/match"
	"tickmatch/internal/observability"
)

const (
	testPairID     uint64 = 7
	testBaseToken  uint64 = 1
	testQuoteToken uint64 = 2
)

type coreFixture struct {
	facade    *Facade
	proposals chan match.Proposal
	seq       int64
	created   uint64
	now       time.Time
}

func newCoreFixture(t *testing.T) *coreFixture {
	t.Helper()
	f := &coreFixture{
		proposals: make(chan match.Proposal, 64),
		now:       time.UnixMicro(1_700_000_000_000_000),
	}
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	f.facade = NewFacade(DefaultConfig(), f.proposals, nil, metrics, zerolog.Nop())
	f.apply(t, &event.PairRegistered{
		PairIDValue:  testPairID,
		BaseTokenID:  testBaseToken,
		QuoteTokenID: testQuoteToken,
		TickSize:     100,
		MaxTickRange: 50,
		Seq:          f.nextSeq(),
		Timestamp:    f.now,
	})
	return f
}

func (f *coreFixture) nextSeq() int64 {
	f.seq++
	return f.seq
}

func (f *coreFixture) apply(t *testing.T, ev event.Event) {
	t.Helper()
	if err := f.facade.ApplyLedgerEvent(ev); err != nil {
		t.Fatalf("apply %s: %v", ev.EventType(), err)
	}
}

func (f *coreFixture) submit(t *testing.T, id, owner string, side event.Side, lower, upper, limit, qty uint64) {
	t.Helper()
	escrowAmt := qty
	if side == event.SideBuy {
		var err error
		escrowAmt, err = fpmath.BuyEscrow(qty, limit)
		if err != nil {
			t.Fatalf("escrow for %s: %v", id, err)
		}
	}
	f.created++
	_, err := f.facade.Submit(SubmitOrder{
		OrderID:      id,
		Owner:        owner,
		PairID:       testPairID,
		Side:         side,
		TickLower:    lower,
		TickUpper:    upper,
		LimitPrice:   limit,
		Quantity:     qty,
		EscrowAmount: escrowAmt,
		CreatedAt:    f.created,
	})
	if err != nil {
		t.Fatalf("submit %s: %v", id, err)
	}
}

func (f *coreFixture) scan(t *testing.T) []match.Proposal {
	t.Helper()
	proposals, err := f.facade.ScanAndMatch(context.Background(), testPairID, 0)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	return proposals
}

func (f *coreFixture) drainProposals() []match.Proposal {
	var out []match.Proposal
	for {
		select {
		case p := <-f.proposals:
			out = append(out, p)
		default:
			return out
		}
	}
}

func (f *coreFixture) verify(t *testing.T) {
	t.Helper()
	if err := f.facade.VerifyInvariants(); err != nil {
		t.Fatalf("invariants: %v", err)
	}
}

func TestSubmitBooksEscrowAndIndexes(t *testing.T) {
	f := newCoreFixture(t)
	f.submit(t, "ord-b", "alice", event.SideBuy, 1490, 1510, 150_000, 1000)

	if got := f.facade.EscrowCommitted("alice", testQuoteToken); got != 15_000 {
		t.Errorf("alice quote escrow: got %d, want 15_000", got)
	}
	o, err := f.facade.GetOrder("ord-b")
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if o.Status != book.StatusActive {
		t.Errorf("status: got %v, want active", o.Status)
	}
	if o.EscrowRemaining != 15_000 {
		t.Errorf("escrow remaining: got %d, want 15_000", o.EscrowRemaining)
	}
	if len(f.facade.BookView(testPairID)) == 0 {
		t.Error("book view: no buckets after submit")
	}
	f.verify(t)
}

func TestFullFillLifecycle(t *testing.T) {
	f := newCoreFixture(t)
	f.submit(t, "ord-b", "alice", event.SideBuy, 1490, 1510, 150_000, 1000)
	f.submit(t, "ord-s", "bob", event.SideSell, 1495, 1505, 149_500, 1000)

	proposals := f.scan(t)
	if len(proposals) != 1 {
		t.Fatalf("proposals: got %d, want 1", len(proposals))
	}
	p := proposals[0]
	if p.FillQty != 1000 {
		t.Errorf("fill qty: got %d, want 1000", p.FillQty)
	}
	if p.ExecPrice != 149_750 {
		t.Errorf("exec price: got %d, want 149_750", p.ExecPrice)
	}
	if p.QuoteAmount != 14_975 {
		t.Errorf("quote amount: got %d, want 14_975", p.QuoteAmount)
	}
	if p.MatcherFee != 7 {
		t.Errorf("matcher fee: got %d, want 7", p.MatcherFee)
	}
	if got := f.facade.Stats().InflightCount; got != 1 {
		t.Errorf("inflight: got %d, want 1", got)
	}

	f.apply(t, &event.SettlementCommitted{
		BuyID: "ord-b", SellID: "ord-s",
		FillQty: 1000, ExecPrice: 149_750,
		Seq: f.nextSeq(), Timestamp: f.now.Add(time.Second),
	})

	if _, err := f.facade.GetOrder("ord-b"); !errors.Is(err, book.ErrUnknownOrder) {
		t.Errorf("buy after fill: got %v, want ErrUnknownOrder", err)
	}
	if _, err := f.facade.GetOrder("ord-s"); !errors.Is(err, book.ErrUnknownOrder) {
		t.Errorf("sell after fill: got %v, want ErrUnknownOrder", err)
	}
	if got := f.facade.EscrowCommitted("alice", testQuoteToken); got != 0 {
		t.Errorf("alice escrow after fill: got %d, want 0", got)
	}
	if got := f.facade.EscrowCommitted("bob", testBaseToken); got != 0 {
		t.Errorf("bob escrow after fill: got %d, want 0", got)
	}
	stats := f.facade.Stats()
	if stats.LiveOrders != 0 || stats.InflightCount != 0 {
		t.Errorf("stats after fill: live=%d inflight=%d, want 0/0", stats.LiveOrders, stats.InflightCount)
	}
	f.verify(t)
}

func TestPartialFillKeepsResidual(t *testing.T) {
	f := newCoreFixture(t)
	f.submit(t, "ord-b", "alice", event.SideBuy, 1490, 1510, 150_000, 1000)
	f.submit(t, "ord-s", "bob", event.SideSell, 1495, 1505, 149_500, 600)

	proposals := f.scan(t)
	if len(proposals) != 1 {
		t.Fatalf("proposals: got %d, want 1", len(proposals))
	}
	if proposals[0].FillQty != 600 {
		t.Errorf("fill qty: got %d, want 600", proposals[0].FillQty)
	}

	f.apply(t, &event.SettlementCommitted{
		BuyID: "ord-b", SellID: "ord-s",
		FillQty: 600, ExecPrice: 149_750,
		Seq: f.nextSeq(), Timestamp: f.now.Add(time.Second),
	})

	o, err := f.facade.GetOrder("ord-b")
	if err != nil {
		t.Fatalf("get residual buy: %v", err)
	}
	if o.Filled != 600 {
		t.Errorf("filled: got %d, want 600", o.Filled)
	}
	if o.Status != book.StatusPartiallyFilled {
		t.Errorf("status: got %v, want partially_filled", o.Status)
	}
	// 600 * 149_750 / 10_000 quote units left the escrow with the fill.
	if o.EscrowRemaining != 15_000-8_985 {
		t.Errorf("escrow remaining: got %d, want %d", o.EscrowRemaining, 15_000-8_985)
	}
	if got := f.facade.EscrowCommitted("alice", testQuoteToken); got != 6_015 {
		t.Errorf("alice escrow: got %d, want 6_015", got)
	}
	if _, err := f.facade.GetOrder("ord-s"); !errors.Is(err, book.ErrUnknownOrder) {
		t.Errorf("sell after full fill: got %v, want ErrUnknownOrder", err)
	}

	if got := f.scan(t); len(got) != 0 {
		t.Errorf("rescan with no counterparty: got %d proposals, want 0", len(got))
	}
	f.verify(t)
}

func TestScanIgnoresNonCrossingPrices(t *testing.T) {
	f := newCoreFixture(t)
	f.submit(t, "ord-b", "alice", event.SideBuy, 1490, 1510, 149_000, 1000)
	f.submit(t, "ord-s", "bob", event.SideSell, 1495, 1505, 149_500, 1000)

	if got := f.scan(t); len(got) != 0 {
		t.Errorf("proposals: got %d, want 0", len(got))
	}
	if got := f.facade.Stats().InflightCount; got != 0 {
		t.Errorf("inflight: got %d, want 0", got)
	}
}

func TestScanNeverMatchesSameOwner(t *testing.T) {
	f := newCoreFixture(t)
	f.submit(t, "ord-b", "alice", event.SideBuy, 1490, 1510, 150_000, 1000)
	f.submit(t, "ord-s", "alice", event.SideSell, 1495, 1505, 149_500, 1000)

	if got := f.scan(t); len(got) != 0 {
		t.Errorf("proposals: got %d, want 0", len(got))
	}
}

func TestUpdateRejectedBelowReservedQuantity(t *testing.T) {
	f := newCoreFixture(t)
	f.submit(t, "ord-b", "alice", event.SideBuy, 1490, 1510, 150_000, 1000)
	f.submit(t, "ord-s", "bob", event.SideSell, 1495, 1505, 149_500, 600)
	f.scan(t)

	err := f.facade.Update(UpdateOrder{
		OrderID: "ord-b", Caller: "alice",
		NewTickLower: 1490, NewTickUpper: 1510,
		NewLimit: 150_000, NewQuantity: 500,
	})
	if !errors.Is(err, ErrQuantityBelowHeld) {
		t.Errorf("update below reservation: got %v, want ErrQuantityBelowHeld", err)
	}

	// Raising quantity above the held floor is still allowed.
	if err := f.facade.Update(UpdateOrder{
		OrderID: "ord-b", Caller: "alice",
		NewTickLower: 1490, NewTickUpper: 1510,
		NewLimit: 150_000, NewQuantity: 1200,
	}); err != nil {
		t.Fatalf("update above reservation: %v", err)
	}
	if got := f.facade.EscrowCommitted("alice", testQuoteToken); got != 18_000 {
		t.Errorf("alice escrow after resize: got %d, want 18_000", got)
	}
	f.verify(t)
}

func TestRejectedProposalRetriesThenCommits(t *testing.T) {
	f := newCoreFixture(t)
	f.submit(t, "ord-b", "alice", event.SideBuy, 1490, 1510, 150_000, 1000)
	f.submit(t, "ord-s", "bob", event.SideSell, 1495, 1505, 149_500, 1000)
	f.scan(t)
	f.drainProposals()

	f.apply(t, &event.SettlementRejected{
		BuyID: "ord-b", SellID: "ord-s", Reason: "escrow_check_failed",
		Seq: f.nextSeq(), Timestamp: f.now.Add(time.Second),
	})

	retries := f.drainProposals()
	if len(retries) != 1 {
		t.Fatalf("retry proposals: got %d, want 1", len(retries))
	}
	if retries[0].Attempt != 2 {
		t.Errorf("retry attempt: got %d, want 2", retries[0].Attempt)
	}
	if got := f.facade.Stats().InflightCount; got != 1 {
		t.Errorf("inflight after retry: got %d, want 1", got)
	}

	f.apply(t, &event.SettlementCommitted{
		BuyID: "ord-b", SellID: "ord-s",
		FillQty: 1000, ExecPrice: 149_750,
		Seq: f.nextSeq(), Timestamp: f.now.Add(2 * time.Second),
	})
	if got := f.facade.Stats().LiveOrders; got != 0 {
		t.Errorf("live orders after commit: got %d, want 0", got)
	}
	if got := f.facade.EscrowCommitted("alice", testQuoteToken); got != 0 {
		t.Errorf("alice escrow: got %d, want 0", got)
	}
	f.verify(t)
}

func TestAckTimeoutReproposes(t *testing.T) {
	f := newCoreFixture(t)
	f.submit(t, "ord-b", "alice", event.SideBuy, 1490, 1510, 150_000, 1000)
	f.submit(t, "ord-s", "bob", event.SideSell, 1495, 1505, 149_500, 1000)
	f.scan(t)
	f.drainProposals()

	if err := f.facade.Tick(f.now.Add(61 * time.Second)); err != nil {
		t.Fatalf("tick: %v", err)
	}
	reproposals := f.drainProposals()
	if len(reproposals) != 1 {
		t.Fatalf("reproposals: got %d, want 1", len(reproposals))
	}
	if reproposals[0].Attempt != 2 {
		t.Errorf("repropose attempt: got %d, want 2", reproposals[0].Attempt)
	}
	f.verify(t)
}

func TestSubmitThenCancelLeavesNoResidue(t *testing.T) {
	f := newCoreFixture(t)
	f.submit(t, "ord-b", "alice", event.SideBuy, 1490, 1510, 150_000, 1000)

	if err := f.facade.Cancel("ord-b", "alice"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if got := f.facade.EscrowCommitted("alice", testQuoteToken); got != 0 {
		t.Errorf("escrow after cancel: got %d, want 0", got)
	}
	if _, err := f.facade.GetOrder("ord-b"); !errors.Is(err, book.ErrUnknownOrder) {
		t.Errorf("order after cancel: got %v, want ErrUnknownOrder", err)
	}
	if got := len(f.facade.BookView(testPairID)); got != 0 {
		t.Errorf("buckets after cancel: got %d, want 0", got)
	}
	f.verify(t)
}

func TestCancelRequiresOwner(t *testing.T) {
	f := newCoreFixture(t)
	f.submit(t, "ord-b", "alice", event.SideBuy, 1490, 1510, 150_000, 1000)

	if err := f.facade.Cancel("ord-b", "mallory"); !errors.Is(err, ErrNotOwner) {
		t.Errorf("cancel by non-owner: got %v, want ErrNotOwner", err)
	}
	if err := f.facade.Cancel("ord-b", "alice"); err != nil {
		t.Fatalf("cancel by owner: %v", err)
	}
	if err := f.facade.Cancel("ord-b", "alice"); !errors.Is(err, book.ErrUnknownOrder) {
		t.Errorf("double cancel: got %v, want ErrUnknownOrder", err)
	}
}

func TestCancelDefersBehindReservation(t *testing.T) {
	f := newCoreFixture(t)
	f.submit(t, "ord-b", "alice", event.SideBuy, 1490, 1510, 150_000, 1000)
	f.submit(t, "ord-s", "bob", event.SideSell, 1495, 1505, 149_500, 600)
	f.scan(t)

	if err := f.facade.Cancel("ord-b", "alice"); err != nil {
		t.Fatalf("cancel with reservation: %v", err)
	}
	o, err := f.facade.GetOrder("ord-b")
	if err != nil {
		t.Fatalf("get pending order: %v", err)
	}
	if !o.PendingCancel {
		t.Error("pending cancel flag not set")
	}
	// Only the reserved slice of 600 * 149_750 / 10_000 stays booked.
	if o.EscrowRemaining != 8_985 {
		t.Errorf("escrow remaining: got %d, want 8_985", o.EscrowRemaining)
	}
	if got := f.facade.EscrowCommitted("alice", testQuoteToken); got != 8_985 {
		t.Errorf("alice escrow: got %d, want 8_985", got)
	}
	if err := f.facade.Cancel("ord-b", "alice"); !errors.Is(err, ErrAlreadyTerminal) {
		t.Errorf("cancel while pending: got %v, want ErrAlreadyTerminal", err)
	}

	f.drainProposals()
	f.apply(t, &event.SettlementRejected{
		BuyID: "ord-b", SellID: "ord-s", Reason: "escrow_check_failed",
		Seq: f.nextSeq(), Timestamp: f.now.Add(time.Second),
	})

	if _, err := f.facade.GetOrder("ord-b"); !errors.Is(err, book.ErrUnknownOrder) {
		t.Errorf("order after resolution: got %v, want ErrUnknownOrder", err)
	}
	if got := f.facade.EscrowCommitted("alice", testQuoteToken); got != 0 {
		t.Errorf("alice escrow after resolution: got %d, want 0", got)
	}
	if got := f.drainProposals(); len(got) != 0 {
		t.Errorf("retry against cancelled order: got %d proposals, want 0", len(got))
	}
	f.verify(t)
}

func TestIdenticalUpdateKeepsEscrow(t *testing.T) {
	f := newCoreFixture(t)
	f.submit(t, "ord-b", "alice", event.SideBuy, 1490, 1510, 150_000, 1000)

	if err := f.facade.Update(UpdateOrder{
		OrderID: "ord-b", Caller: "alice",
		NewTickLower: 1490, NewTickUpper: 1510,
		NewLimit: 150_000, NewQuantity: 1000,
	}); err != nil {
		t.Fatalf("identical update: %v", err)
	}
	if got := f.facade.EscrowCommitted("alice", testQuoteToken); got != 15_000 {
		t.Errorf("escrow after identical update: got %d, want 15_000", got)
	}
	f.verify(t)
}

func TestSubmitValidationBoundaries(t *testing.T) {
	cases := []struct {
		name    string
		lower   uint64
		upper   uint64
		limit   uint64
		qty     uint64
		wantErr error
	}{
		{"zero width range", 1500, 1500, 150_000, 1000, match.ErrInvalidTickRange},
		{"inverted range", 1510, 1490, 150_000, 1000, match.ErrInvalidTickRange},
		{"width above max", 1480, 1531, 150_000, 1000, match.ErrTickRangeExceedsMax},
		{"width at max", 1480, 1530, 150_000, 1000, nil},
		{"price below floor", 1490, 1510, 148_999, 1000, match.ErrPriceOutsideTicks},
		{"price at floor", 1490, 1510, 149_000, 1000, nil},
		{"price at ceiling", 1490, 1510, 151_000, 1000, nil},
		{"price above ceiling", 1490, 1510, 151_001, 1000, match.ErrPriceOutsideTicks},
		{"zero quantity", 1490, 1510, 150_000, 0, match.ErrNonPositiveQuantity},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newCoreFixture(t)
			escrowAmt, _ := fpmath.BuyEscrow(tc.qty, tc.limit)
			_, err := f.facade.Submit(SubmitOrder{
				OrderID: "ord-x", Owner: "alice", PairID: testPairID,
				Side: event.SideBuy, TickLower: tc.lower, TickUpper: tc.upper,
				LimitPrice: tc.limit, Quantity: tc.qty, EscrowAmount: escrowAmt,
			})
			if tc.wantErr == nil {
				if err != nil {
					t.Fatalf("submit: %v", err)
				}
				return
			}
			if !errors.Is(err, tc.wantErr) {
				t.Errorf("submit: got %v, want %v", err, tc.wantErr)
			}
		})
	}
}

func TestSubmitRejectsShortEscrowAndDuplicates(t *testing.T) {
	f := newCoreFixture(t)
	_, err := f.facade.Submit(SubmitOrder{
		OrderID: "ord-b", Owner: "alice", PairID: testPairID,
		Side: event.SideBuy, TickLower: 1490, TickUpper: 1510,
		LimitPrice: 150_000, Quantity: 1000, EscrowAmount: 14_999,
	})
	if !errors.Is(err, ErrInsufficientEscrow) {
		t.Errorf("short escrow: got %v, want ErrInsufficientEscrow", err)
	}

	f.submit(t, "ord-b", "alice", event.SideBuy, 1490, 1510, 150_000, 1000)
	_, err = f.facade.Submit(SubmitOrder{
		OrderID: "ord-b", Owner: "alice", PairID: testPairID,
		Side: event.SideBuy, TickLower: 1490, TickUpper: 1510,
		LimitPrice: 150_000, Quantity: 1000, EscrowAmount: 15_000,
	})
	if !errors.Is(err, book.ErrDuplicateOrder) {
		t.Errorf("duplicate id: got %v, want ErrDuplicateOrder", err)
	}
}

func TestPairDeactivationGatesCommands(t *testing.T) {
	f := newCoreFixture(t)
	f.apply(t, &event.PairDeactivated{
		PairIDValue: testPairID, Seq: f.nextSeq(), Timestamp: f.now.Add(time.Second),
	})

	_, err := f.facade.Submit(SubmitOrder{
		OrderID: "ord-b", Owner: "alice", PairID: testPairID,
		Side: event.SideBuy, TickLower: 1490, TickUpper: 1510,
		LimitPrice: 150_000, Quantity: 1000, EscrowAmount: 15_000,
	})
	if !errors.Is(err, market.ErrPairInactive) {
		t.Errorf("submit on inactive pair: got %v, want ErrPairInactive", err)
	}
	if _, err := f.facade.ScanAndMatch(context.Background(), testPairID, 0); !errors.Is(err, market.ErrPairInactive) {
		t.Errorf("scan on inactive pair: got %v, want ErrPairInactive", err)
	}

	f.apply(t, &event.PairReactivated{
		PairIDValue: testPairID, Seq: f.nextSeq(), Timestamp: f.now.Add(2 * time.Second),
	})
	f.submit(t, "ord-b", "alice", event.SideBuy, 1490, 1510, 150_000, 1000)
}

func TestOrderObservedReplayConverges(t *testing.T) {
	f := newCoreFixture(t)
	obs := &event.OrderObserved{
		OrderID: "ord-b", Owner: "alice", PairIDValue: testPairID,
		OrderSide: event.SideBuy, TickLower: 1490, TickUpper: 1510,
		LimitPrice: 150_000, Quantity: 1000, EscrowAmount: 15_000,
		CreatedAt: 1, Seq: f.nextSeq(), Timestamp: f.now.Add(time.Second),
	}
	f.apply(t, obs)
	cursor := f.facade.Cursor()
	hash := f.facade.StateHash()

	// Redelivery of the same sequence is absorbed by the dedup layer.
	f.apply(t, obs)

	if got := f.facade.Cursor(); got != cursor {
		t.Errorf("cursor after replay: got %d, want %d", got, cursor)
	}
	if string(f.facade.StateHash()) != string(hash) {
		t.Error("state hash changed on replay")
	}
	if got := f.facade.EscrowCommitted("alice", testQuoteToken); got != 15_000 {
		t.Errorf("escrow after replay: got %d, want 15_000", got)
	}
	f.verify(t)
}

func TestSequenceGapRejectedWithoutHalt(t *testing.T) {
	f := newCoreFixture(t)
	err := f.facade.ApplyLedgerEvent(&event.PairDeactivated{
		PairIDValue: testPairID, Seq: f.seq + 2, Timestamp: f.now,
	})
	if !errors.Is(err, ErrSequenceGap) {
		t.Errorf("gap: got %v, want ErrSequenceGap", err)
	}
	if f.facade.Halted() {
		t.Error("gap must not halt the core")
	}
	if got := f.facade.Cursor(); got != f.seq {
		t.Errorf("cursor after gap: got %d, want %d", got, f.seq)
	}
}

func TestUnseenStaleSequenceHalts(t *testing.T) {
	f := newCoreFixture(t)
	err := f.facade.ApplyLedgerEvent(&event.OrderObserved{
		OrderID: "ord-b", Owner: "alice", PairIDValue: testPairID,
		OrderSide: event.SideBuy, TickLower: 1490, TickUpper: 1510,
		LimitPrice: 150_000, Quantity: 1000, EscrowAmount: 15_000,
		Seq: 1, Timestamp: f.now,
	})
	if !errors.Is(err, ErrDuplicateLedgerEvent) {
		t.Errorf("conflicting stale: got %v, want ErrDuplicateLedgerEvent", err)
	}
	if !f.facade.Halted() {
		t.Error("conflicting stale sequence must halt")
	}
	_, err = f.facade.Submit(SubmitOrder{
		OrderID: "ord-x", Owner: "alice", PairID: testPairID,
		Side: event.SideBuy, TickLower: 1490, TickUpper: 1510,
		LimitPrice: 150_000, Quantity: 1000, EscrowAmount: 15_000,
	})
	if !errors.Is(err, ErrCoreHalted) {
		t.Errorf("submit while halted: got %v, want ErrCoreHalted", err)
	}
}

func TestEscrowDesyncHaltsFreezesAndRecovers(t *testing.T) {
	f := newCoreFixture(t)
	f.submit(t, "ord-b", "alice", event.SideBuy, 1490, 1510, 150_000, 1000)

	err := f.facade.ApplyLedgerEvent(&event.EscrowSync{
		Owner: "alice", TokenID: testQuoteToken, ExternalCommitted: 14_000,
		Seq: f.nextSeq(), Timestamp: f.now.Add(time.Second),
	})
	if !errors.Is(err, ErrEscrowDesync) {
		t.Fatalf("diverged sync: got %v, want ErrEscrowDesync", err)
	}
	if !f.facade.Halted() {
		t.Fatal("diverged sync must halt")
	}
	// The ledger's figure wins immediately.
	if got := f.facade.EscrowCommitted("alice", testQuoteToken); got != 14_000 {
		t.Errorf("forced escrow: got %d, want 14_000", got)
	}

	f.facade.ResetAfterDesync()
	if f.facade.Halted() {
		t.Fatal("reset did not clear halt")
	}

	// The owner stays frozen until a matching sync arrives.
	_, err = f.facade.Submit(SubmitOrder{
		OrderID: "ord-x", Owner: "alice", PairID: testPairID,
		Side: event.SideBuy, TickLower: 1490, TickUpper: 1510,
		LimitPrice: 150_000, Quantity: 100, EscrowAmount: 1_500,
	})
	if !errors.Is(err, escrow.ErrOwnerFrozen) {
		t.Errorf("submit while frozen: got %v, want ErrOwnerFrozen", err)
	}

	f.apply(t, &event.EscrowSync{
		Owner: "alice", TokenID: testQuoteToken, ExternalCommitted: 14_000,
		Seq: f.seq, Timestamp: f.now.Add(2 * time.Second),
	})
	f.submit(t, "ord-x", "alice", event.SideBuy, 1490, 1510, 150_000, 100)
}

func TestMatchingEscrowSyncIsQuiet(t *testing.T) {
	f := newCoreFixture(t)
	f.submit(t, "ord-b", "alice", event.SideBuy, 1490, 1510, 150_000, 1000)

	f.apply(t, &event.EscrowSync{
		Owner: "alice", TokenID: testQuoteToken, ExternalCommitted: 15_000,
		Seq: f.nextSeq(), Timestamp: f.now.Add(time.Second),
	})
	if f.facade.Halted() {
		t.Error("matching sync must not halt")
	}
	f.verify(t)
}

func TestScanBudgetBoundsEmission(t *testing.T) {
	f := newCoreFixture(t)
	f.submit(t, "buy-1", "alice", event.SideBuy, 1490, 1510, 150_000, 100)
	f.submit(t, "buy-2", "carol", event.SideBuy, 1490, 1510, 150_000, 100)
	f.submit(t, "sell-1", "bob", event.SideSell, 1495, 1505, 149_500, 100)
	f.submit(t, "sell-2", "dave", event.SideSell, 1495, 1505, 149_500, 100)

	proposals, err := f.facade.ScanAndMatch(context.Background(), testPairID, 1)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(proposals) != 1 {
		t.Errorf("budget 1: got %d proposals, want 1", len(proposals))
	}
}

func TestScanStopsOnCancelledContext(t *testing.T) {
	f := newCoreFixture(t)
	f.submit(t, "ord-b", "alice", event.SideBuy, 1490, 1510, 150_000, 1000)
	f.submit(t, "ord-s", "bob", event.SideSell, 1495, 1505, 149_500, 1000)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := f.facade.ScanAndMatch(ctx, testPairID, 0); !errors.Is(err, context.Canceled) {
		t.Errorf("cancelled scan: got %v, want context.Canceled", err)
	}
}

func TestStateHashDeterministicAcrossInstances(t *testing.T) {
	a := newCoreFixture(t)
	b := newCoreFixture(t)
	for _, f := range []*coreFixture{a, b} {
		f.apply(t, &event.OrderObserved{
			OrderID: "ord-b", Owner: "alice", PairIDValue: testPairID,
			OrderSide: event.SideBuy, TickLower: 1490, TickUpper: 1510,
			LimitPrice: 150_000, Quantity: 1000, EscrowAmount: 15_000,
			CreatedAt: 1, Seq: f.nextSeq(), Timestamp: f.now.Add(time.Second),
		})
	}
	if string(a.facade.StateHash()) != string(b.facade.StateHash()) {
		t.Error("identical event streams produced different state hashes")
	}

	a.apply(t, &event.PairDeactivated{
		PairIDValue: testPairID, Seq: a.nextSeq(), Timestamp: a.now.Add(2 * time.Second),
	})
	if string(a.facade.StateHash()) == string(b.facade.StateHash()) {
		t.Error("diverged event streams produced equal state hashes")
	}
}
