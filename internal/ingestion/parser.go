package ingestion

import (
	"encoding/json"
	"fmt"
	"time"

	"tickmatch/internal/event"
)

// ParseRawEvent converts a RawEvent (JSON bytes + event type string)
// into a typed event.Event. The shell parses and validates here so
// only well-formed events reach the core.
func ParseRawEvent(raw RawEvent, eventType string) (event.Event, error) {
	switch eventType {
	case "PairRegistered":
		return parsePairRegistered(raw.Data)
	case "PairDeactivated":
		return parsePairDeactivated(raw.Data)
	case "PairReactivated":
		return parsePairReactivated(raw.Data)
	case "OrderObserved":
		return parseOrderObserved(raw.Data)
	case "OrderCancelledOnChain":
		return parseOrderCancelled(raw.Data)
	case "SettlementCommitted":
		return parseSettlementCommitted(raw.Data)
	case "SettlementRejected":
		return parseSettlementRejected(raw.Data)
	case "EscrowSync":
		return parseEscrowSync(raw.Data)
	default:
		return nil, fmt.Errorf("unknown event type: %s", eventType)
	}
}

// --- JSON wire formats ---
// Field names use snake_case to match the ledger collaborator.

type pairRegisteredJSON struct {
	PairID       uint64 `json:"pair_id"`
	BaseTokenID  uint64 `json:"base_token_id"`
	QuoteTokenID uint64 `json:"quote_token_id"`
	TickSize     uint64 `json:"tick_size"`
	MaxTickRange uint64 `json:"max_tick_range"`
	Sequence     int64  `json:"sequence"`
	TimestampUs  int64  `json:"timestamp_us"`
}

func parsePairRegistered(data []byte) (*event.PairRegistered, error) {
	var j pairRegisteredJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse PairRegistered: %w", err)
	}
	if j.PairID == 0 {
		return nil, fmt.Errorf("parse PairRegistered: pair_id must not be zero")
	}
	if j.TickSize == 0 {
		return nil, fmt.Errorf("parse PairRegistered: tick_size must not be zero")
	}
	return &event.PairRegistered{
		PairIDValue:  j.PairID,
		BaseTokenID:  j.BaseTokenID,
		QuoteTokenID: j.QuoteTokenID,
		TickSize:     j.TickSize,
		MaxTickRange: j.MaxTickRange,
		Seq:          j.Sequence,
		Timestamp:    time.UnixMicro(j.TimestampUs),
	}, nil
}

type pairLifecycleJSON struct {
	PairID      uint64 `json:"pair_id"`
	Sequence    int64  `json:"sequence"`
	TimestampUs int64  `json:"timestamp_us"`
}

func parsePairDeactivated(data []byte) (*event.PairDeactivated, error) {
	var j pairLifecycleJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse PairDeactivated: %w", err)
	}
	return &event.PairDeactivated{
		PairIDValue: j.PairID,
		Seq:         j.Sequence,
		Timestamp:   time.UnixMicro(j.TimestampUs),
	}, nil
}

func parsePairReactivated(data []byte) (*event.PairReactivated, error) {
	var j pairLifecycleJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse PairReactivated: %w", err)
	}
	return &event.PairReactivated{
		PairIDValue: j.PairID,
		Seq:         j.Sequence,
		Timestamp:   time.UnixMicro(j.TimestampUs),
	}, nil
}

type orderObservedJSON struct {
	OrderID      string `json:"order_id"`
	Owner        string `json:"owner"`
	PairID       uint64 `json:"pair_id"`
	Side         string `json:"side"` // "buy" or "sell"
	TickLower    uint64 `json:"tick_lower"`
	TickUpper    uint64 `json:"tick_upper"`
	LimitPrice   uint64 `json:"limit_price"`
	Quantity     uint64 `json:"quantity"`
	EscrowAmount uint64 `json:"escrow_amount"`
	CreatedAt    uint64 `json:"created_at"`
	Sequence     int64  `json:"sequence"`
	TimestampUs  int64  `json:"timestamp_us"`
}

func parseOrderObserved(data []byte) (*event.OrderObserved, error) {
	var j orderObservedJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse OrderObserved: %w", err)
	}
	if j.OrderID == "" {
		return nil, fmt.Errorf("parse OrderObserved: order_id must not be empty")
	}
	if j.Owner == "" {
		return nil, fmt.Errorf("parse OrderObserved: owner must not be empty")
	}
	side, err := parseSide(j.Side)
	if err != nil {
		return nil, fmt.Errorf("parse OrderObserved: %w", err)
	}
	return &event.OrderObserved{
		OrderID:      j.OrderID,
		Owner:        j.Owner,
		PairIDValue:  j.PairID,
		OrderSide:    side,
		TickLower:    j.TickLower,
		TickUpper:    j.TickUpper,
		LimitPrice:   j.LimitPrice,
		Quantity:     j.Quantity,
		EscrowAmount: j.EscrowAmount,
		CreatedAt:    j.CreatedAt,
		Seq:          j.Sequence,
		Timestamp:    time.UnixMicro(j.TimestampUs),
	}, nil
}

type orderCancelledJSON struct {
	OrderID     string `json:"order_id"`
	Sequence    int64  `json:"sequence"`
	TimestampUs int64  `json:"timestamp_us"`
}

func parseOrderCancelled(data []byte) (*event.OrderCancelledOnChain, error) {
	var j orderCancelledJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse OrderCancelledOnChain: %w", err)
	}
	if j.OrderID == "" {
		return nil, fmt.Errorf("parse OrderCancelledOnChain: order_id must not be empty")
	}
	return &event.OrderCancelledOnChain{
		OrderID:   j.OrderID,
		Seq:       j.Sequence,
		Timestamp: time.UnixMicro(j.TimestampUs),
	}, nil
}

type settlementCommittedJSON struct {
	BuyID       string `json:"buy_order_id"`
	SellID      string `json:"sell_order_id"`
	FillQty     uint64 `json:"fill_qty"`
	ExecPrice   uint64 `json:"exec_price"`
	BlockHeight uint64 `json:"block_height"`
	Sequence    int64  `json:"sequence"`
	TimestampUs int64  `json:"timestamp_us"`
}

func parseSettlementCommitted(data []byte) (*event.SettlementCommitted, error) {
	var j settlementCommittedJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse SettlementCommitted: %w", err)
	}
	if j.BuyID == "" || j.SellID == "" {
		return nil, fmt.Errorf("parse SettlementCommitted: order ids must not be empty")
	}
	if j.FillQty == 0 {
		return nil, fmt.Errorf("parse SettlementCommitted: fill_qty must not be zero")
	}
	return &event.SettlementCommitted{
		BuyID:       j.BuyID,
		SellID:      j.SellID,
		FillQty:     j.FillQty,
		ExecPrice:   j.ExecPrice,
		BlockHeight: j.BlockHeight,
		Seq:         j.Sequence,
		Timestamp:   time.UnixMicro(j.TimestampUs),
	}, nil
}

type settlementRejectedJSON struct {
	BuyID       string `json:"buy_order_id"`
	SellID      string `json:"sell_order_id"`
	Reason      string `json:"reason"`
	Sequence    int64  `json:"sequence"`
	TimestampUs int64  `json:"timestamp_us"`
}

func parseSettlementRejected(data []byte) (*event.SettlementRejected, error) {
	var j settlementRejectedJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse SettlementRejected: %w", err)
	}
	if j.BuyID == "" || j.SellID == "" {
		return nil, fmt.Errorf("parse SettlementRejected: order ids must not be empty")
	}
	return &event.SettlementRejected{
		BuyID:     j.BuyID,
		SellID:    j.SellID,
		Reason:    j.Reason,
		Seq:       j.Sequence,
		Timestamp: time.UnixMicro(j.TimestampUs),
	}, nil
}

type escrowSyncJSON struct {
	Owner             string `json:"owner"`
	TokenID           uint64 `json:"token_id"`
	ExternalCommitted uint64 `json:"external_committed"`
	Sequence          int64  `json:"sequence"`
	TimestampUs       int64  `json:"timestamp_us"`
}

func parseEscrowSync(data []byte) (*event.EscrowSync, error) {
	var j escrowSyncJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse EscrowSync: %w", err)
	}
	if j.Owner == "" {
		return nil, fmt.Errorf("parse EscrowSync: owner must not be empty")
	}
	return &event.EscrowSync{
		Owner:             j.Owner,
		TokenID:           j.TokenID,
		ExternalCommitted: j.ExternalCommitted,
		Seq:               j.Sequence,
		Timestamp:         time.UnixMicro(j.TimestampUs),
	}, nil
}

func parseSide(s string) (event.Side, error) {
	switch s {
	case "buy":
		return event.SideBuy, nil
	case "sell":
		return event.SideSell, nil
	default:
		return 0, fmt.Errorf("unknown side %q", s)
	}
}
