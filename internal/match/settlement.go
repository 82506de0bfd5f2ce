package match

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"tickmatch/internal/book"
	"tickmatch/internal/escrow"
	"tickmatch/internal/event"
	"tickmatch/internal/fpmath"
	"tickmatch/internal/market"
)

// Config bounds the settlement state machine.
type Config struct {
	AckTimeout     time.Duration
	MaxRetries     int
	SuppressWindow time.Duration
	MatcherFeeBps  uint64
}

// DefaultConfig mirrors the deployment defaults.
func DefaultConfig() Config {
	return Config{
		AckTimeout:     60 * time.Second,
		MaxRetries:     3,
		SuppressWindow: 30 * time.Second,
		MatcherFeeBps:  5,
	}
}

// ProposeStatus reports the outcome of driving a candidate through the
// Proposed -> Reserved transition.
type ProposeStatus int32

const (
	// ProposeOK: reservation placed, proposal emitted.
	ProposeOK ProposeStatus = iota
	// ProposeSkipped: an in-flight proposal or suppression already
	// covers this (buy, sell) pair.
	ProposeSkipped
	// ProposeRequeued: transient failure; the candidate may reappear
	// in a later scan.
	ProposeRequeued
	// ProposeEvicted: terminal rejection; the candidate is dropped.
	ProposeEvicted
)

// inflightProposal tracks one AwaitingAck reservation.
type inflightProposal struct {
	Proposal Proposal
	Deadline time.Time
	Retries  int
}

// Engine drives candidates through the settlement state machine:
// Proposed -> Reserved -> AwaitingAck -> Committed | ReleasedBack.
// Shadow reservations keep concurrent scan cycles from re-proposing
// the same liquidity while an acknowledgement is outstanding.
// Not thread-safe; owned by the single-writer core.
type Engine struct {
	store        *book.Store
	index        *book.TickIndex
	escrowLedger *escrow.Ledger
	registry     *market.Registry
	reservations *Reservations

	inflight   map[pairKey]*inflightProposal
	suppressed map[pairKey]time.Time

	cfg Config
	log zerolog.Logger
}

func NewEngine(
	store *book.Store,
	index *book.TickIndex,
	escrowLedger *escrow.Ledger,
	registry *market.Registry,
	reservations *Reservations,
	cfg Config,
	log zerolog.Logger,
) *Engine {
	return &Engine{
		store:        store,
		index:        index,
		escrowLedger: escrowLedger,
		registry:     registry,
		reservations: reservations,
		inflight:     make(map[pairKey]*inflightProposal),
		suppressed:   make(map[pairKey]time.Time),
		cfg:          cfg,
		log:          log,
	}
}

// Reservations exposes the shadow bookkeeping for callers that need
// remaining-quantity arithmetic (scanner, update validation).
func (e *Engine) Reservations() *Reservations {
	return e.reservations
}

// InflightCount returns the number of AwaitingAck proposals.
func (e *Engine) InflightCount() int {
	return len(e.inflight)
}

// Covered reports whether the (buy, sell) pair is already in flight or
// suppressed at the given instant. Expired suppressions are pruned.
func (e *Engine) Covered(buyID, sellID string, now time.Time) bool {
	key := pairKey{BuyID: buyID, SellID: sellID}
	if _, ok := e.inflight[key]; ok {
		return true
	}
	until, ok := e.suppressed[key]
	if !ok {
		return false
	}
	if now.Before(until) {
		return true
	}
	delete(e.suppressed, key)
	return false
}

// Propose re-validates a candidate under current state, places the
// shadow reservation, and emits the proposal. now is the core's
// versioned clock, never wall-clock.
func (e *Engine) Propose(cand Candidate, pair *market.Pair, now time.Time) (*Proposal, ProposeStatus, error) {
	return e.propose(cand.BuyID, cand.SellID, pair, now, 0)
}

func (e *Engine) propose(buyID, sellID string, pair *market.Pair, now time.Time, retries int) (*Proposal, ProposeStatus, error) {
	key := pairKey{BuyID: buyID, SellID: sellID}
	if e.Covered(buyID, sellID, now) {
		return nil, ProposeSkipped, nil
	}

	buy, err := e.store.Get(buyID)
	if err != nil {
		return nil, ProposeEvicted, nil
	}
	sell, err := e.store.Get(sellID)
	if err != nil {
		return nil, ProposeEvicted, nil
	}
	if buy.PendingCancel || sell.PendingCancel {
		return nil, ProposeEvicted, nil
	}
	if rej := CheckMatch(buy, sell, pair); rej != nil {
		e.log.Debug().
			Str("buy_id", buyID).
			Str("sell_id", sellID).
			Str("reason", rej.Reason.String()).
			Msg("proposal rejected at reservation")
		if rej.Reason.Terminal() {
			return nil, ProposeEvicted, nil
		}
		return nil, ProposeRequeued, nil
	}

	fillQty := min(e.reservations.Remaining(buy), e.reservations.Remaining(sell))
	if fillQty == 0 {
		return nil, ProposeRequeued, nil
	}
	execPrice := fpmath.MidpointPrice(buy.LimitPrice, sell.LimitPrice)
	quoteAmount, err := fpmath.QuoteAmount(fillQty, execPrice)
	if err != nil {
		return nil, ProposeEvicted, nil
	}
	matcherFee, err := fpmath.MatcherFee(quoteAmount, e.cfg.MatcherFeeBps)
	if err != nil {
		return nil, ProposeEvicted, nil
	}

	if e.escrowLedger.IsFrozen(buy.Owner) || e.escrowLedger.IsFrozen(sell.Owner) {
		return nil, ProposeRequeued, nil
	}
	// Collateral check: the seller's unreserved base escrow must cover
	// the fill, the buyer's unreserved quote escrow the quote amount.
	if sell.EscrowRemaining-e.reservations.ReservedEscrow(sellID) < fillQty {
		return nil, ProposeRequeued, nil
	}
	if buy.EscrowRemaining-e.reservations.ReservedEscrow(buyID) < quoteAmount {
		return nil, ProposeRequeued, nil
	}
	if e.escrowLedger.Committed(sell.Owner, pair.BaseTokenID) < fillQty {
		return nil, ProposeRequeued, fmt.Errorf("%w: seller base escrow below booked order escrow", escrow.ErrUnderflow)
	}
	if e.escrowLedger.Committed(buy.Owner, pair.QuoteTokenID) < quoteAmount {
		return nil, ProposeRequeued, fmt.Errorf("%w: buyer quote escrow below booked order escrow", escrow.ErrUnderflow)
	}

	e.reservations.Reserve(buyID, fillQty, quoteAmount)
	e.reservations.Reserve(sellID, fillQty, fillQty)

	proposal := Proposal{
		ProposalID:  uuid.New(),
		PairID:      pair.PairID,
		BuyID:       buyID,
		SellID:      sellID,
		FillQty:     fillQty,
		ExecPrice:   execPrice,
		BaseAmount:  fillQty,
		QuoteAmount: quoteAmount,
		MatcherFee:  matcherFee,
		ProposedAt:  now,
		Attempt:     retries + 1,
	}
	e.inflight[key] = &inflightProposal{
		Proposal: proposal,
		Deadline: now.Add(e.cfg.AckTimeout),
		Retries:  retries,
	}
	e.log.Info().
		Str("proposal_id", proposal.ProposalID.String()).
		Str("buy_id", buyID).
		Str("sell_id", sellID).
		Uint64("fill_qty", fillQty).
		Uint64("exec_price", execPrice).
		Int("attempt", proposal.Attempt).
		Msg("settlement proposed")
	return &proposal, ProposeOK, nil
}

// OnCommitted applies a ledger acknowledgement: releases the shadow
// reservation and commits fills, escrow releases, and status changes
// to both legs. Also the replay path, where inflight state is absent.
func (e *Engine) OnCommitted(buyID, sellID string, fillQty, execPrice uint64) error {
	key := pairKey{BuyID: buyID, SellID: sellID}
	if fl, ok := e.inflight[key]; ok {
		delete(e.inflight, key)
		if err := e.releaseShadow(fl.Proposal); err != nil {
			return err
		}
	}
	delete(e.suppressed, key)

	quoteAmount, err := fpmath.QuoteAmount(fillQty, execPrice)
	if err != nil {
		return fmt.Errorf("settlement %s/%s: %w", buyID, sellID, err)
	}
	if err := e.commitLeg(buyID, fillQty, quoteAmount); err != nil {
		return err
	}
	if err := e.commitLeg(sellID, fillQty, fillQty); err != nil {
		return err
	}
	e.log.Info().
		Str("buy_id", buyID).
		Str("sell_id", sellID).
		Uint64("fill_qty", fillQty).
		Uint64("exec_price", execPrice).
		Msg("settlement committed")
	return nil
}

// commitLeg applies one side of a committed settlement: fill advance,
// escrow release, status transition, terminal cleanup.
func (e *Engine) commitLeg(orderID string, fillQty, escrowSpent uint64) error {
	o, err := e.store.Get(orderID)
	if err != nil {
		return fmt.Errorf("settlement commit for unknown order: %w", err)
	}
	pair, ok := e.registry.Get(o.PairID)
	if !ok {
		return fmt.Errorf("settlement commit: %w: %d", market.ErrPairNotFound, o.PairID)
	}

	err = e.store.Mutate(orderID, func(next *book.Order) error {
		if fillQty > next.Unfilled() {
			return fmt.Errorf("order %s: commit fill %d exceeds unfilled %d", orderID, fillQty, next.Unfilled())
		}
		if escrowSpent > next.EscrowRemaining {
			return fmt.Errorf("order %s: commit spend %d exceeds escrow remaining %d", orderID, escrowSpent, next.EscrowRemaining)
		}
		next.Filled += fillQty
		next.EscrowRemaining -= escrowSpent
		next.Status = book.StatusForFill(next.Filled, next.Quantity)
		return nil
	})
	if err != nil {
		return err
	}

	if err := e.escrowLedger.Release(o.Owner, escrowToken(o, pair), escrowSpent); err != nil {
		return err
	}

	o, err = e.store.Get(orderID)
	if err != nil {
		return err
	}
	switch {
	case o.Status == book.StatusFilled:
		// A pending-cancel order already left the index when the
		// cancel was accepted.
		if !o.PendingCancel {
			if err := e.index.RemoveOrder(o); err != nil {
				return err
			}
		}
		return e.retireOrder(o, pair)
	case o.PendingCancel && e.reservations.ReservedQty(orderID) == 0:
		return e.finalizePendingCancel(o, pair)
	}
	return nil
}

// escrowToken picks the token an order's escrow is denominated in:
// quote for buys, base for sells.
func escrowToken(o *book.Order, pair *market.Pair) uint64 {
	if o.Side == event.SideBuy {
		return pair.QuoteTokenID
	}
	return pair.BaseTokenID
}

// OnRejected handles a ledger nack: the shadow reservation is undone
// and, within the retry budget, a fresh proposal with the same inputs
// is emitted. Beyond the budget the pair is suppressed.
func (e *Engine) OnRejected(buyID, sellID, reason string, now time.Time) (*Proposal, error) {
	key := pairKey{BuyID: buyID, SellID: sellID}
	fl, ok := e.inflight[key]
	if !ok {
		// Replay or stale nack for a reservation this instance never
		// held. Nothing reserved, nothing to undo.
		return nil, nil
	}
	delete(e.inflight, key)
	if err := e.releaseShadow(fl.Proposal); err != nil {
		return nil, err
	}
	if err := e.resolvePendingCancels(fl.Proposal); err != nil {
		return nil, err
	}

	retries := fl.Retries + 1
	e.log.Warn().
		Str("buy_id", buyID).
		Str("sell_id", sellID).
		Str("reason", reason).
		Int("retries", retries).
		Msg("settlement rejected by ledger")
	if retries > e.cfg.MaxRetries {
		e.suppressed[key] = now.Add(e.cfg.SuppressWindow)
		e.log.Warn().
			Str("buy_id", buyID).
			Str("sell_id", sellID).
			Dur("window", e.cfg.SuppressWindow).
			Msg("candidate pair suppressed")
		return nil, nil
	}

	pair, err := e.registry.RequireActive(fl.Proposal.PairID)
	if err != nil {
		return nil, nil
	}
	proposal, status, err := e.propose(buyID, sellID, pair, now, retries)
	if err != nil || status != ProposeOK {
		return nil, err
	}
	return proposal, nil
}

// ExpireTimeouts releases every reservation whose acknowledgement
// deadline has passed. A timeout counts as a retriable rejection, so
// re-proposals within the retry budget are returned for publishing.
func (e *Engine) ExpireTimeouts(now time.Time) ([]*Proposal, error) {
	var expired []pairKey
	for key, fl := range e.inflight {
		if !fl.Deadline.After(now) {
			expired = append(expired, key)
		}
	}
	var reproposals []*Proposal
	for _, key := range expired {
		fl := e.inflight[key]
		delete(e.inflight, key)
		if err := e.releaseShadow(fl.Proposal); err != nil {
			return reproposals, err
		}
		if err := e.resolvePendingCancels(fl.Proposal); err != nil {
			return reproposals, err
		}
		retries := fl.Retries + 1
		e.log.Warn().
			Str("buy_id", key.BuyID).
			Str("sell_id", key.SellID).
			Int("retries", retries).
			Msg("settlement acknowledgement timed out")
		if retries > e.cfg.MaxRetries {
			e.suppressed[key] = now.Add(e.cfg.SuppressWindow)
			continue
		}
		pair, err := e.registry.RequireActive(fl.Proposal.PairID)
		if err != nil {
			continue
		}
		proposal, status, err := e.propose(key.BuyID, key.SellID, pair, now, retries)
		if err != nil {
			return reproposals, err
		}
		if status == ProposeOK {
			reproposals = append(reproposals, proposal)
		}
	}
	return reproposals, nil
}

// releaseShadow undoes the reservation a proposal placed.
func (e *Engine) releaseShadow(p Proposal) error {
	if e.store.Has(p.BuyID) {
		if err := e.reservations.Release(p.BuyID, p.FillQty, p.QuoteAmount); err != nil {
			return err
		}
	}
	if e.store.Has(p.SellID) {
		if err := e.reservations.Release(p.SellID, p.FillQty, p.FillQty); err != nil {
			return err
		}
	}
	return nil
}

// resolvePendingCancels finalises either leg whose cancellation was
// deferred behind this reservation.
func (e *Engine) resolvePendingCancels(p Proposal) error {
	for _, orderID := range []string{p.BuyID, p.SellID} {
		o, err := e.store.Get(orderID)
		if err != nil {
			continue
		}
		if o.PendingCancel && e.reservations.ReservedQty(orderID) == 0 {
			pair, ok := e.registry.Get(o.PairID)
			if !ok {
				return fmt.Errorf("pending cancel: %w: %d", market.ErrPairNotFound, o.PairID)
			}
			if err := e.finalizePendingCancel(o, pair); err != nil {
				return err
			}
		}
	}
	return nil
}

// finalizePendingCancel completes a cancellation that waited out its
// reservation: residual escrow returned, terminal status applied. The
// order left the tick index when the cancel was accepted.
func (e *Engine) finalizePendingCancel(o *book.Order, pair *market.Pair) error {
	err := e.store.Mutate(o.OrderID, func(next *book.Order) error {
		next.Status = book.StatusCancelled
		next.PendingCancel = false
		return nil
	})
	if err != nil {
		return err
	}
	o, err = e.store.Get(o.OrderID)
	if err != nil {
		return err
	}
	return e.retireOrder(o, pair)
}

// retireOrder releases residual escrow and drops the terminal record
// from the store.
func (e *Engine) retireOrder(o *book.Order, pair *market.Pair) error {
	if o.EscrowRemaining > 0 {
		if err := e.escrowLedger.Release(o.Owner, escrowToken(o, pair), o.EscrowRemaining); err != nil {
			return err
		}
		if err := e.store.Mutate(o.OrderID, func(next *book.Order) error {
			next.EscrowRemaining = 0
			return nil
		}); err != nil {
			return err
		}
	}
	removed, err := e.store.Remove(o.OrderID)
	if err != nil {
		return err
	}
	e.log.Info().
		Str("order_id", removed.OrderID).
		Str("status", removed.Status.String()).
		Uint64("filled", removed.Filled).
		Msg("order retired")
	return nil
}
