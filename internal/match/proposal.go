package match

import (
	"time"

	"github.com/google/uuid"
)

// Proposal is the settlement artifact handed to the ledger
// collaborator. Speculative until acknowledged.
type Proposal struct {
	ProposalID  uuid.UUID `json:"proposal_id"`
	PairID      uint64    `json:"pair_id"`
	BuyID       string    `json:"buy_id"`
	SellID      string    `json:"sell_id"`
	FillQty     uint64    `json:"fill_qty"`
	ExecPrice   uint64    `json:"exec_price"` // Basis points
	BaseAmount  uint64    `json:"base_amount"`
	QuoteAmount uint64    `json:"quote_amount"`
	MatcherFee  uint64    `json:"matcher_fee"`
	ProposedAt  time.Time `json:"proposed_at"`
	Attempt     int       `json:"attempt"`
}
