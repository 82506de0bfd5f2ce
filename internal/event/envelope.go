package event

import (
	"time"
)

// EventType discriminator for event payloads
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypePairRegistered
	EventTypePairDeactivated
	EventTypePairReactivated
	EventTypeOrderObserved
	EventTypeOrderCancelledOnChain
	EventTypeSettlementCommitted
	EventTypeSettlementRejected
	EventTypeEscrowSync
)

// EventEnvelope wraps every event in the ledger stream
type EventEnvelope struct {
	// Monotonic sequence assigned by the ledger
	Sequence int64

	// Stable idempotency key derived from (kind, key, sequence)
	IdempotencyKey string

	// Event type discriminator
	EventType EventType

	// Pair context (nullable for global events such as EscrowSync)
	PairID *uint64

	// Versioned input timestamp (NOT wall-clock)
	Timestamp time.Time

	// JSON-encoded event-specific data as read off the wire
	Payload []byte
}

// Event is the interface all event payloads must implement
type Event interface {
	// IdempotencyKey returns the stable dedup key
	IdempotencyKey() string

	// EventType returns the discriminator
	EventType() EventType

	// PairID returns the pair context (nil for global events)
	PairID() *uint64

	// Sequence returns the ledger ordering key
	Sequence() int64

	// When returns the versioned input timestamp (NOT wall-clock)
	When() time.Time
}

func (et EventType) String() string {
	switch et {
	case EventTypePairRegistered:
		return "PairRegistered"
	case EventTypePairDeactivated:
		return "PairDeactivated"
	case EventTypePairReactivated:
		return "PairReactivated"
	case EventTypeOrderObserved:
		return "OrderObserved"
	case EventTypeOrderCancelledOnChain:
		return "OrderCancelledOnChain"
	case EventTypeSettlementCommitted:
		return "SettlementCommitted"
	case EventTypeSettlementRejected:
		return "SettlementRejected"
	case EventTypeEscrowSync:
		return "EscrowSync"
	default:
		return "Unknown"
	}
}

// Side represents order direction
type Side int32

const (
	SideBuy Side = iota
	SideSell
)

func (s Side) String() string {
	if s == SideSell {
		return "sell"
	}
	return "buy"
}
