package event

import (
	"fmt"
	"time"
)

// SettlementCommitted is the ledger's acknowledgement of a proposal.
type SettlementCommitted struct {
	BuyID       string
	SellID      string
	FillQty     uint64
	ExecPrice   uint64 // Basis points
	BlockHeight uint64
	Seq         int64
	Timestamp   time.Time // Versioned input timestamp (NOT wall-clock)
}

func (e *SettlementCommitted) IdempotencyKey() string {
	return fmt.Sprintf("settlement-committed:%s:%s:%d", e.BuyID, e.SellID, e.Seq)
}

func (e *SettlementCommitted) EventType() EventType {
	return EventTypeSettlementCommitted
}

func (e *SettlementCommitted) PairID() *uint64 {
	return nil
}

func (e *SettlementCommitted) Sequence() int64 {
	return e.Seq
}

func (e *SettlementCommitted) When() time.Time {
	return e.Timestamp
}

// SettlementRejected is the ledger's refusal of a proposal. Reasons are
// opaque strings.
type SettlementRejected struct {
	BuyID     string
	SellID    string
	Reason    string
	Seq       int64
	Timestamp time.Time
}

func (e *SettlementRejected) IdempotencyKey() string {
	return fmt.Sprintf("settlement-rejected:%s:%s:%d", e.BuyID, e.SellID, e.Seq)
}

func (e *SettlementRejected) EventType() EventType {
	return EventTypeSettlementRejected
}

func (e *SettlementRejected) PairID() *uint64 {
	return nil
}

func (e *SettlementRejected) Sequence() int64 {
	return e.Seq
}

func (e *SettlementRejected) When() time.Time {
	return e.Timestamp
}
