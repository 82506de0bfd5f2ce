package event

import (
	"fmt"
	"time"
)

// PairRegistered announces a token pair witnessed on the ledger.
// Idempotency key: (kind, pair_id, sequence).
type PairRegistered struct {
	PairIDValue  uint64
	BaseTokenID  uint64
	QuoteTokenID uint64
	TickSize     uint64 // Quote-currency basis points per tick
	MaxTickRange uint64
	Seq          int64
	Timestamp    time.Time // Versioned input timestamp (NOT wall-clock)
}

func (e *PairRegistered) IdempotencyKey() string {
	return fmt.Sprintf("pair-registered:%d:%d", e.PairIDValue, e.Seq)
}

func (e *PairRegistered) EventType() EventType {
	return EventTypePairRegistered
}

func (e *PairRegistered) PairID() *uint64 {
	p := e.PairIDValue
	return &p
}

func (e *PairRegistered) Sequence() int64 {
	return e.Seq
}

func (e *PairRegistered) When() time.Time {
	return e.Timestamp
}

// PairDeactivated suspends matching for a pair. The registry entry is
// preserved.
type PairDeactivated struct {
	PairIDValue uint64
	Seq         int64
	Timestamp   time.Time
}

func (e *PairDeactivated) IdempotencyKey() string {
	return fmt.Sprintf("pair-deactivated:%d:%d", e.PairIDValue, e.Seq)
}

func (e *PairDeactivated) EventType() EventType {
	return EventTypePairDeactivated
}

func (e *PairDeactivated) PairID() *uint64 {
	p := e.PairIDValue
	return &p
}

func (e *PairDeactivated) Sequence() int64 {
	return e.Seq
}

func (e *PairDeactivated) When() time.Time {
	return e.Timestamp
}

// PairReactivated resumes matching for a previously deactivated pair.
type PairReactivated struct {
	PairIDValue uint64
	Seq         int64
	Timestamp   time.Time
}

func (e *PairReactivated) IdempotencyKey() string {
	return fmt.Sprintf("pair-reactivated:%d:%d", e.PairIDValue, e.Seq)
}

func (e *PairReactivated) EventType() EventType {
	return EventTypePairReactivated
}

func (e *PairReactivated) PairID() *uint64 {
	p := e.PairIDValue
	return &p
}

func (e *PairReactivated) Sequence() int64 {
	return e.Seq
}

func (e *PairReactivated) When() time.Time {
	return e.Timestamp
}
