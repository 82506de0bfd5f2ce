package core

import (
	"fmt"
	"time"

	"tickmatch/internal/book"
	"tickmatch/internal/escrow"
	"tickmatch/internal/event"
	"tickmatch/internal/market"
)

// Snapshot is the serialisable working set at a cursor position.
// Settlement reservations are deliberately absent: in-flight proposals
// do not survive a restart, their acks replay from the ledger stream.
type Snapshot struct {
	Cursor          int64            `json:"cursor"`
	StateHash       []byte           `json:"state_hash"`
	Pairs           []market.Pair    `json:"pairs"`
	Orders          []book.Order     `json:"orders"`
	Accounts        []escrow.Account `json:"accounts"`
	FrozenOwners    []string         `json:"frozen_owners,omitempty"`
	IdempotencyKeys []string         `json:"idempotency_keys"`
	TakenAt         time.Time        `json:"taken_at"`
}

// Snapshot captures the current working set. Call only between events.
func (f *Facade) Snapshot() *Snapshot {
	hash := f.hasher.PrevHash()

	orders := f.store.All()
	orderRows := make([]book.Order, 0, len(orders))
	for _, o := range orders {
		orderRows = append(orderRows, *o)
	}

	return &Snapshot{
		Cursor:          f.cursor.Cursor(),
		StateHash:       hash[:],
		Pairs:           f.registry.All(),
		Orders:          orderRows,
		Accounts:        f.escrowLedger.Accounts(),
		FrozenOwners:    f.escrowLedger.FrozenOwners(),
		IdempotencyKeys: f.idempotency.Keys(),
		TakenAt:         f.now,
	}
}

// Restore rebuilds the working set from a snapshot. The tick index is
// reconstructed from the order rows rather than stored. Orders that
// were awaiting a reservation resolution to cancel finalise here: the
// reservation died with the previous process, so nothing holds their
// escrow any more.
func (f *Facade) Restore(snap *Snapshot) error {
	for _, pair := range snap.Pairs {
		if err := f.registry.Upsert(pair); err != nil {
			return fmt.Errorf("restore pair %d: %w", pair.PairID, err)
		}
	}

	for _, acct := range snap.Accounts {
		f.escrowLedger.ForceSet(acct.Owner, acct.TokenID, acct.Committed)
	}
	for _, owner := range snap.FrozenOwners {
		f.escrowLedger.Freeze(owner)
	}

	for i := range snap.Orders {
		o := snap.Orders[i]
		if err := f.store.Insert(&o); err != nil {
			return fmt.Errorf("restore order %s: %w", o.OrderID, err)
		}
		if o.Live() && !o.PendingCancel {
			if err := f.index.InsertOrder(&o); err != nil {
				return fmt.Errorf("restore index %s: %w", o.OrderID, err)
			}
		}
	}

	for i := range snap.Orders {
		o := snap.Orders[i]
		if !o.PendingCancel {
			continue
		}
		if err := f.finalizeRestoredCancel(o.OrderID); err != nil {
			return err
		}
	}

	f.idempotency.Warm(snap.IdempotencyKeys)
	f.cursor.SetCursor(snap.Cursor)
	if len(snap.StateHash) == 32 {
		var hash [32]byte
		copy(hash[:], snap.StateHash)
		f.hasher.SetPrevHash(hash)
	}
	f.advanceClock(snap.TakenAt)

	f.metrics.SetLiveOrders(f.store.Len())
	f.log.Info().
		Int64("cursor", snap.Cursor).
		Int("orders", len(snap.Orders)).
		Int("pairs", len(snap.Pairs)).
		Msg("state restored from snapshot")
	return nil
}

func (f *Facade) finalizeRestoredCancel(orderID string) error {
	o, err := f.store.Get(orderID)
	if err != nil {
		return err
	}
	pair, ok := f.registry.Get(o.PairID)
	if !ok {
		return fmt.Errorf("restore cancel %s: %w: %d", orderID, market.ErrPairNotFound, o.PairID)
	}
	token := pair.BaseTokenID
	if o.Side == event.SideBuy {
		token = pair.QuoteTokenID
	}
	if o.EscrowRemaining > 0 {
		if err := f.escrowLedger.Release(o.Owner, token, o.EscrowRemaining); err != nil {
			return fmt.Errorf("restore cancel %s: %w", orderID, err)
		}
	}
	if err := f.store.Mutate(orderID, func(next *book.Order) error {
		next.EscrowRemaining = 0
		next.PendingCancel = false
		next.Status = book.StatusCancelled
		return nil
	}); err != nil {
		return err
	}
	if _, err := f.store.Remove(orderID); err != nil {
		return err
	}
	f.log.Info().Str("order_id", orderID).Msg("pending cancel finalised on restore")
	return nil
}
