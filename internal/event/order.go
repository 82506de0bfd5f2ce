package event

import (
	"fmt"
	"time"
)

// OrderObserved reports an order record witnessed on the ledger.
// Replays of the same order id must converge to the same state.
type OrderObserved struct {
	OrderID      string // Opaque field-sized identifier from the submitter
	Owner        string // Opaque principal identifier
	PairIDValue  uint64
	OrderSide    Side
	TickLower    uint64
	TickUpper    uint64
	LimitPrice   uint64 // Basis points
	Quantity     uint64 // Base-token smallest units
	EscrowAmount uint64 // Buy: quote units, sell: base units
	CreatedAt    uint64 // Monotonic logical timestamp from the ledger
	Seq          int64
	Timestamp    time.Time // Versioned input timestamp (NOT wall-clock)
}

func (e *OrderObserved) IdempotencyKey() string {
	return fmt.Sprintf("order-observed:%s:%d", e.OrderID, e.Seq)
}

func (e *OrderObserved) EventType() EventType {
	return EventTypeOrderObserved
}

func (e *OrderObserved) PairID() *uint64 {
	p := e.PairIDValue
	return &p
}

func (e *OrderObserved) Sequence() int64 {
	return e.Seq
}

func (e *OrderObserved) When() time.Time {
	return e.Timestamp
}

// OrderCancelledOnChain reports a cancellation witnessed on the ledger.
type OrderCancelledOnChain struct {
	OrderID   string
	Seq       int64
	Timestamp time.Time
}

func (e *OrderCancelledOnChain) IdempotencyKey() string {
	return fmt.Sprintf("order-cancelled:%s:%d", e.OrderID, e.Seq)
}

func (e *OrderCancelledOnChain) EventType() EventType {
	return EventTypeOrderCancelledOnChain
}

func (e *OrderCancelledOnChain) PairID() *uint64 {
	return nil
}

func (e *OrderCancelledOnChain) Sequence() int64 {
	return e.Seq
}

func (e *OrderCancelledOnChain) When() time.Time {
	return e.Timestamp
}
