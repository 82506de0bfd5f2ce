package event

import (
	"fmt"
	"time"
)

// EscrowSync carries the ledger's authoritative committed amount for an
// (owner, token) account. Divergence from the core's own accounting is
// an EscrowDesync condition.
type EscrowSync struct {
	Owner             string
	TokenID           uint64
	ExternalCommitted uint64
	Seq               int64
	Timestamp         time.Time
}

func (e *EscrowSync) IdempotencyKey() string {
	return fmt.Sprintf("escrow-sync:%s:%d:%d", e.Owner, e.TokenID, e.Seq)
}

func (e *EscrowSync) EventType() EventType {
	return EventTypeEscrowSync
}

func (e *EscrowSync) PairID() *uint64 {
	return nil
}

func (e *EscrowSync) Sequence() int64 {
	return e.Seq
}

func (e *EscrowSync) When() time.Time {
	return e.Timestamp
}
