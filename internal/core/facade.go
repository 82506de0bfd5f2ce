package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"tickmatch/internal/book"
	"tickmatch/internal/escrow"
	"tickmatch/internal/event"
	"tickmatch/internal/fpmath"
	"tickmatch/internal/market"
	"tickmatch/internal/match"
	"tickmatch/internal/observability"
)

// Config bounds the facade's settlement machinery.
type Config struct {
	Settlement           match.Config
	IdempotencyCapacity  int
	DefaultScanBudget    int
	InitialCursor        int64
	IdempotencyDBChecker DBIdempotencyChecker
}

func DefaultConfig() Config {
	return Config{
		Settlement:          match.DefaultConfig(),
		IdempotencyCapacity: 100_000,
		DefaultScanBudget:   64,
	}
}

// SubmitOrder is the order-entry command. EscrowAmount is the amount
// the submitter locked with the ledger; the core books the computed
// requirement and rejects when the lock falls short.
type SubmitOrder struct {
	OrderID      string
	Owner        string
	PairID       uint64
	Side         event.Side
	TickLower    uint64
	TickUpper    uint64
	LimitPrice   uint64
	Quantity     uint64
	EscrowAmount uint64
	CreatedAt    uint64
}

// UpdateOrder is a validated in-place replacement of an order's
// price/range/quantity parameters.
type UpdateOrder struct {
	OrderID      string
	Caller       string
	NewTickLower uint64
	NewTickUpper uint64
	NewLimit     uint64
	NewQuantity  uint64
}

// AuditRecord is the persistence-bound trace of proposal lifecycle.
type AuditRecord struct {
	BuyID     string
	SellID    string
	FillQty   uint64
	ExecPrice uint64
	Outcome   string // proposed | committed | rejected
	At        time.Time
}

// Facade is the single-threaded entry point of the matching core. It
// owns every mutable structure; all commands, ledger events, scans and
// timer ticks are serialised through it. It never reads the wall
// clock: time is a versioned input carried by events and Tick.
type Facade struct {
	registry     *market.Registry
	store        *book.Store
	index        *book.TickIndex
	escrowLedger *escrow.Ledger
	reservations *match.Reservations
	scanner      *match.Scanner
	engine       *match.Engine

	idempotency *IdempotencyChecker
	cursor      *CursorTracker
	hasher      *StateHasher

	cfg     Config
	halted  bool
	haltErr error
	now     time.Time

	// proposalCh feeds the publisher; sends block so a proposal is
	// never dropped. auditCh is best-effort.
	proposalCh chan<- match.Proposal
	auditCh    chan<- AuditRecord

	log     zerolog.Logger
	metrics *observability.Metrics
}

func NewFacade(
	cfg Config,
	proposalCh chan<- match.Proposal,
	auditCh chan<- AuditRecord,
	metrics *observability.Metrics,
	log zerolog.Logger,
) *Facade {
	registry := market.NewRegistry()
	store := book.NewStore()
	index := book.NewTickIndex()
	escrowLedger := escrow.NewLedger()
	reservations := match.NewReservations()

	return &Facade{
		registry:     registry,
		store:        store,
		index:        index,
		escrowLedger: escrowLedger,
		reservations: reservations,
		scanner:      match.NewScanner(store, index, reservations, log),
		engine:       match.NewEngine(store, index, escrowLedger, registry, reservations, cfg.Settlement, log),
		idempotency:  NewIdempotencyChecker(cfg.IdempotencyCapacity, cfg.IdempotencyDBChecker),
		cursor:       NewCursorTracker(cfg.InitialCursor),
		hasher:       NewStateHasher(),
		cfg:          cfg,
		proposalCh:   proposalCh,
		auditCh:      auditCh,
		log:          log,
		metrics:      metrics,
	}
}

// Halted reports the sticky fatal flag.
func (f *Facade) Halted() bool {
	return f.halted
}

// HaltReason returns the fatal condition that tripped the flag.
func (f *Facade) HaltReason() error {
	return f.haltErr
}

func (f *Facade) halt(err error) {
	if !f.halted {
		f.halted = true
		f.haltErr = err
		f.metrics.SetHalted(true)
		f.log.Error().Err(err).Msg("core halted")
	}
}

// ResetAfterDesync clears the halt flag after a supervisor has
// resynchronised escrow. Owner freezes lift individually when a
// matching EscrowSync arrives.
func (f *Facade) ResetAfterDesync() {
	f.halted = false
	f.haltErr = nil
	f.metrics.SetHalted(false)
	f.log.Warn().Msg("core reset after desync")
}

// Cursor returns the last fully applied ledger sequence.
func (f *Facade) Cursor() int64 {
	return f.cursor.Cursor()
}

// Now returns the core's versioned clock.
func (f *Facade) Now() time.Time {
	return f.now
}

func (f *Facade) advanceClock(ts time.Time) {
	if ts.After(f.now) {
		f.now = ts
	}
}

// ---- Commands ----

// Submit validates and indexes a new order, booking its escrow.
// A returned order id guarantees the order is indexed and its escrow
// booked.
func (f *Facade) Submit(cmd SubmitOrder) (string, error) {
	if f.halted {
		return "", fmt.Errorf("%w: %v", ErrCoreHalted, f.haltErr)
	}
	result := "ok"
	defer func() { f.metrics.RecordCommand("submit", result) }()

	pair, err := f.registry.RequireActive(cmd.PairID)
	if err != nil {
		result = "rejected"
		return "", err
	}
	if err := match.CheckSubmission(pair, cmd.TickLower, cmd.TickUpper, cmd.LimitPrice, cmd.Quantity); err != nil {
		result = "rejected"
		return "", err
	}
	if f.store.Has(cmd.OrderID) {
		result = "rejected"
		return "", fmt.Errorf("%w: %s", book.ErrDuplicateOrder, cmd.OrderID)
	}
	if f.escrowLedger.IsFrozen(cmd.Owner) {
		result = "rejected"
		return "", fmt.Errorf("%w: %s", escrow.ErrOwnerFrozen, cmd.Owner)
	}

	required, err := requiredEscrow(cmd.Side, cmd.Quantity, cmd.LimitPrice)
	if err != nil {
		result = "rejected"
		return "", err
	}
	if cmd.EscrowAmount < required {
		result = "rejected"
		return "", fmt.Errorf("%w: need %d, locked %d", ErrInsufficientEscrow, required, cmd.EscrowAmount)
	}

	order := &book.Order{
		OrderID:         cmd.OrderID,
		Owner:           cmd.Owner,
		PairID:          cmd.PairID,
		Side:            cmd.Side,
		TickLower:       cmd.TickLower,
		TickUpper:       cmd.TickUpper,
		LimitPrice:      cmd.LimitPrice,
		Quantity:        cmd.Quantity,
		EscrowRemaining: required,
		CreatedAt:       cmd.CreatedAt,
		Status:          book.StatusActive,
	}
	if err := f.installOrder(order, pair); err != nil {
		result = "error"
		return "", err
	}
	f.log.Info().
		Str("order_id", cmd.OrderID).
		Uint64("pair_id", cmd.PairID).
		Str("side", cmd.Side.String()).
		Uint64("quantity", cmd.Quantity).
		Msg("order submitted")
	f.metrics.SetLiveOrders(f.store.Len())
	return cmd.OrderID, nil
}

// installOrder books escrow and indexes atomically: any failure after
// a partial step unwinds it.
func (f *Facade) installOrder(order *book.Order, pair *market.Pair) error {
	token := pair.BaseTokenID
	if order.Side == event.SideBuy {
		token = pair.QuoteTokenID
	}
	if err := f.escrowLedger.Commit(order.Owner, token, order.EscrowRemaining); err != nil {
		return err
	}
	if err := f.store.Insert(order); err != nil {
		_ = f.escrowLedger.Release(order.Owner, token, order.EscrowRemaining)
		return err
	}
	if err := f.index.InsertOrder(order); err != nil {
		_, _ = f.store.Remove(order.OrderID)
		_ = f.escrowLedger.Release(order.Owner, token, order.EscrowRemaining)
		f.halt(err)
		return err
	}
	return nil
}

// Cancel removes the caller's order from matching. With a settlement
// reservation outstanding, the index removal and unreserved escrow
// release happen now and the terminal transition waits for the
// reservation to resolve.
func (f *Facade) Cancel(orderID, caller string) error {
	if f.halted {
		return fmt.Errorf("%w: %v", ErrCoreHalted, f.haltErr)
	}
	result := "ok"
	defer func() { f.metrics.RecordCommand("cancel", result) }()

	o, err := f.store.Get(orderID)
	if err != nil {
		result = "rejected"
		return err
	}
	if o.Owner != caller {
		result = "rejected"
		return fmt.Errorf("%w: %s", ErrNotOwner, orderID)
	}
	if o.Terminal() || o.PendingCancel {
		result = "rejected"
		return fmt.Errorf("%w: %s", ErrAlreadyTerminal, orderID)
	}
	if f.escrowLedger.IsFrozen(o.Owner) {
		result = "rejected"
		return fmt.Errorf("%w: %s", escrow.ErrOwnerFrozen, o.Owner)
	}
	if err := f.cancelOrder(o); err != nil {
		result = "error"
		f.halt(err)
		return err
	}
	f.metrics.SetLiveOrders(f.store.Len())
	return nil
}

func (f *Facade) cancelOrder(o *book.Order) error {
	pair, ok := f.registry.Get(o.PairID)
	if !ok {
		return fmt.Errorf("cancel: %w: %d", market.ErrPairNotFound, o.PairID)
	}
	token := pair.BaseTokenID
	if o.Side == event.SideBuy {
		token = pair.QuoteTokenID
	}

	if err := f.index.RemoveOrder(o); err != nil {
		return err
	}

	reservedEscrow := f.reservations.ReservedEscrow(o.OrderID)
	if f.reservations.ReservedQty(o.OrderID) == 0 {
		if o.EscrowRemaining > 0 {
			if err := f.escrowLedger.Release(o.Owner, token, o.EscrowRemaining); err != nil {
				return err
			}
		}
		if err := f.store.Mutate(o.OrderID, func(next *book.Order) error {
			next.EscrowRemaining = 0
			next.Status = book.StatusCancelled
			return nil
		}); err != nil {
			return err
		}
		removed, err := f.store.Remove(o.OrderID)
		if err != nil {
			return err
		}
		f.log.Info().Str("order_id", removed.OrderID).Msg("order cancelled")
		return nil
	}

	// Reservation outstanding: give back only the unreserved slice and
	// defer the terminal transition.
	unreserved := o.EscrowRemaining - reservedEscrow
	if unreserved > 0 {
		if err := f.escrowLedger.Release(o.Owner, token, unreserved); err != nil {
			return err
		}
	}
	if err := f.store.Mutate(o.OrderID, func(next *book.Order) error {
		next.EscrowRemaining = reservedEscrow
		next.PendingCancel = true
		return nil
	}); err != nil {
		return err
	}
	f.log.Info().Str("order_id", o.OrderID).Msg("order cancel pending reservation")
	return nil
}

// Update replaces an order's parameters in place. The old order is
// untouched on any validation failure.
func (f *Facade) Update(cmd UpdateOrder) error {
	if f.halted {
		return fmt.Errorf("%w: %v", ErrCoreHalted, f.haltErr)
	}
	result := "ok"
	defer func() { f.metrics.RecordCommand("update", result) }()

	o, err := f.store.Get(cmd.OrderID)
	if err != nil {
		result = "rejected"
		return err
	}
	if o.Owner != cmd.Caller {
		result = "rejected"
		return fmt.Errorf("%w: %s", ErrNotOwner, cmd.OrderID)
	}
	if o.Terminal() || o.PendingCancel {
		result = "rejected"
		return fmt.Errorf("%w: %s", ErrAlreadyTerminal, cmd.OrderID)
	}
	if f.escrowLedger.IsFrozen(o.Owner) {
		result = "rejected"
		return fmt.Errorf("%w: %s", escrow.ErrOwnerFrozen, o.Owner)
	}
	pair, err := f.registry.RequireActive(o.PairID)
	if err != nil {
		result = "rejected"
		return err
	}
	if err := match.CheckSubmission(pair, cmd.NewTickLower, cmd.NewTickUpper, cmd.NewLimit, cmd.NewQuantity); err != nil {
		result = "rejected"
		return err
	}

	reservedQty := f.reservations.ReservedQty(cmd.OrderID)
	if cmd.NewQuantity < o.Filled+reservedQty {
		result = "rejected"
		return fmt.Errorf("%w: new=%d filled=%d reserved=%d",
			ErrQuantityBelowHeld, cmd.NewQuantity, o.Filled, reservedQty)
	}

	target, err := requiredEscrow(o.Side, cmd.NewQuantity-o.Filled, cmd.NewLimit)
	if err != nil {
		result = "rejected"
		return err
	}
	reservedEscrow := f.reservations.ReservedEscrow(cmd.OrderID)
	if target < reservedEscrow {
		result = "rejected"
		return fmt.Errorf("%w: recomputed escrow %d below reserved %d",
			ErrInsufficientEscrow, target, reservedEscrow)
	}

	token := pair.BaseTokenID
	if o.Side == event.SideBuy {
		token = pair.QuoteTokenID
	}
	// Validation is done; apply the delta and reindex.
	switch {
	case target > o.EscrowRemaining:
		if err := f.escrowLedger.Commit(o.Owner, token, target-o.EscrowRemaining); err != nil {
			result = "rejected"
			return err
		}
	case target < o.EscrowRemaining:
		if err := f.escrowLedger.Release(o.Owner, token, o.EscrowRemaining-target); err != nil {
			result = "error"
			f.halt(err)
			return err
		}
	}

	if err := f.index.RemoveOrder(o); err != nil {
		result = "error"
		f.halt(err)
		return err
	}
	if err := f.store.Mutate(cmd.OrderID, func(next *book.Order) error {
		next.TickLower = cmd.NewTickLower
		next.TickUpper = cmd.NewTickUpper
		next.LimitPrice = cmd.NewLimit
		next.Quantity = cmd.NewQuantity
		next.EscrowRemaining = target
		next.Status = book.StatusForFill(next.Filled, next.Quantity)
		return nil
	}); err != nil {
		result = "error"
		f.halt(err)
		return err
	}
	o, err = f.store.Get(cmd.OrderID)
	if err != nil {
		result = "error"
		f.halt(err)
		return err
	}
	if err := f.index.InsertOrder(o); err != nil {
		result = "error"
		f.halt(err)
		return err
	}
	f.log.Info().
		Str("order_id", cmd.OrderID).
		Uint64("new_quantity", cmd.NewQuantity).
		Uint64("new_limit", cmd.NewLimit).
		Msg("order updated")
	return nil
}

// ---- Ledger events ----

// ApplyLedgerEvent reconciles the core with the ledger stream. The
// pipeline is idempotency check, cursor validation, dispatch, cursor
// advance, digest update.
func (f *Facade) ApplyLedgerEvent(ev event.Event) error {
	if f.halted && ev.EventType() != event.EventTypeEscrowSync {
		return fmt.Errorf("%w: %v", ErrCoreHalted, f.haltErr)
	}

	eventType := ev.EventType().String()
	if f.idempotency.IsDuplicate(eventType, ev.IdempotencyKey()) {
		f.metrics.RecordEventDuplicate(eventType)
		return nil
	}

	switch f.cursor.Check(ev.Sequence()) {
	case SeqStale:
		// An unseen payload at an already applied sequence is not a
		// re-delivery.
		f.halt(fmt.Errorf("%w: seq=%d cursor=%d type=%s",
			ErrDuplicateLedgerEvent, ev.Sequence(), f.cursor.Cursor(), eventType))
		return f.haltErr
	case SeqGap:
		return fmt.Errorf("%w: seq=%d cursor=%d", ErrSequenceGap, ev.Sequence(), f.cursor.Cursor())
	}

	if err := f.dispatchEvent(ev); err != nil {
		return err
	}

	f.idempotency.MarkProcessed(eventType, ev.IdempotencyKey())
	f.cursor.Advance(ev.Sequence())
	f.hasher.ComputeHash(ev.Sequence(), f.stateDigest())
	f.metrics.RecordEventProcessed(eventType)
	f.metrics.SetLiveOrders(f.store.Len())
	f.metrics.SetInflight(f.engine.InflightCount())
	return nil
}

func (f *Facade) dispatchEvent(ev event.Event) error {
	switch e := ev.(type) {
	case *event.PairRegistered:
		f.advanceClock(e.Timestamp)
		return f.registry.Upsert(market.Pair{
			PairID:       e.PairIDValue,
			BaseTokenID:  e.BaseTokenID,
			QuoteTokenID: e.QuoteTokenID,
			TickSize:     e.TickSize,
			MaxTickRange: e.MaxTickRange,
			Active:       true,
		})

	case *event.PairDeactivated:
		f.advanceClock(e.Timestamp)
		return f.registry.SetActive(e.PairIDValue, false)

	case *event.PairReactivated:
		f.advanceClock(e.Timestamp)
		return f.registry.SetActive(e.PairIDValue, true)

	case *event.OrderObserved:
		f.advanceClock(e.Timestamp)
		return f.applyOrderObserved(e)

	case *event.OrderCancelledOnChain:
		f.advanceClock(e.Timestamp)
		o, err := f.store.Get(e.OrderID)
		if err != nil {
			// Already terminal here; the chain confirms what we knew.
			return nil
		}
		if o.Terminal() || o.PendingCancel {
			return nil
		}
		if err := f.cancelOrder(o); err != nil {
			f.halt(err)
			return err
		}
		return nil

	case *event.SettlementCommitted:
		f.advanceClock(e.Timestamp)
		if err := f.engine.OnCommitted(e.BuyID, e.SellID, e.FillQty, e.ExecPrice); err != nil {
			f.halt(err)
			return err
		}
		f.emitAudit(AuditRecord{
			BuyID: e.BuyID, SellID: e.SellID,
			FillQty: e.FillQty, ExecPrice: e.ExecPrice,
			Outcome: "committed", At: f.now,
		})
		f.metrics.RecordProposal("committed")
		return nil

	case *event.SettlementRejected:
		f.advanceClock(e.Timestamp)
		retry, err := f.engine.OnRejected(e.BuyID, e.SellID, e.Reason, f.now)
		if err != nil {
			f.halt(err)
			return err
		}
		f.emitAudit(AuditRecord{
			BuyID: e.BuyID, SellID: e.SellID,
			Outcome: "rejected", At: f.now,
		})
		f.metrics.RecordProposal("rejected")
		if retry != nil {
			f.emitProposal(*retry)
		}
		return nil

	case *event.EscrowSync:
		f.advanceClock(e.Timestamp)
		return f.applyEscrowSync(e)

	default:
		return fmt.Errorf("unhandled ledger event type %s", ev.EventType())
	}
}

func (f *Facade) applyOrderObserved(e *event.OrderObserved) error {
	if f.store.Has(e.OrderID) {
		// Replays of the same order record converge to the same state.
		return nil
	}
	pair, ok := f.registry.Get(e.PairIDValue)
	if !ok {
		return fmt.Errorf("order observed: %w: %d", market.ErrPairNotFound, e.PairIDValue)
	}
	order := &book.Order{
		OrderID:         e.OrderID,
		Owner:           e.Owner,
		PairID:          e.PairIDValue,
		Side:            e.OrderSide,
		TickLower:       e.TickLower,
		TickUpper:       e.TickUpper,
		LimitPrice:      e.LimitPrice,
		Quantity:        e.Quantity,
		EscrowRemaining: e.EscrowAmount,
		CreatedAt:       e.CreatedAt,
		Status:          book.StatusActive,
	}
	return f.installOrder(order, pair)
}

func (f *Facade) applyEscrowSync(e *event.EscrowSync) error {
	if !f.escrowLedger.Diverged(e.Owner, e.TokenID, e.ExternalCommitted) {
		if f.escrowLedger.IsFrozen(e.Owner) {
			f.escrowLedger.Unfreeze(e.Owner)
			f.log.Info().Str("owner", e.Owner).Msg("owner escrow resynchronised")
		}
		return nil
	}
	internal := f.escrowLedger.Committed(e.Owner, e.TokenID)
	f.escrowLedger.Freeze(e.Owner)
	f.escrowLedger.ForceSet(e.Owner, e.TokenID, e.ExternalCommitted)
	err := fmt.Errorf("%w: owner=%s token=%d internal=%d external=%d",
		ErrEscrowDesync, e.Owner, e.TokenID, internal, e.ExternalCommitted)
	f.halt(err)
	return err
}

// ---- Matching ----

// ScanAndMatch runs one scan cycle over the pair and drives its
// candidates through the settlement engine, emitting each accepted
// proposal until budget proposals have been emitted. Cancellable
// between candidates via ctx.
func (f *Facade) ScanAndMatch(ctx context.Context, pairID uint64, budget int) ([]match.Proposal, error) {
	if f.halted {
		return nil, fmt.Errorf("%w: %v", ErrCoreHalted, f.haltErr)
	}
	pair, err := f.registry.RequireActive(pairID)
	if err != nil {
		return nil, err
	}
	if budget <= 0 {
		budget = f.cfg.DefaultScanBudget
	}

	started := f.now
	candidates := f.scanner.Scan(pair, func(buyID, sellID string) bool {
		return f.engine.Covered(buyID, sellID, started)
	})

	var emitted []match.Proposal
	for _, cand := range candidates {
		if len(emitted) >= budget {
			break
		}
		if err := ctx.Err(); err != nil {
			return emitted, err
		}
		proposal, status, err := f.engine.Propose(cand, pair, f.now)
		if err != nil {
			f.halt(fmt.Errorf("%w: %v", ErrEscrowDesync, err))
			return emitted, f.haltErr
		}
		if status != match.ProposeOK {
			continue
		}
		f.emitProposal(*proposal)
		emitted = append(emitted, *proposal)
	}
	f.metrics.ObserveScan(pairID, len(candidates), len(emitted))
	f.metrics.SetInflight(f.engine.InflightCount())
	return emitted, nil
}

// Tick advances the versioned clock and expires overdue
// acknowledgements, publishing any re-proposals.
func (f *Facade) Tick(now time.Time) error {
	f.advanceClock(now)
	if f.halted {
		return nil
	}
	reproposals, err := f.engine.ExpireTimeouts(f.now)
	for _, p := range reproposals {
		f.emitProposal(*p)
	}
	if err != nil {
		f.halt(err)
		return err
	}
	f.metrics.SetInflight(f.engine.InflightCount())
	return nil
}

func (f *Facade) emitProposal(p match.Proposal) {
	if f.proposalCh != nil {
		f.proposalCh <- p
	}
	f.emitAudit(AuditRecord{
		BuyID: p.BuyID, SellID: p.SellID,
		FillQty: p.FillQty, ExecPrice: p.ExecPrice,
		Outcome: "proposed", At: p.ProposedAt,
	})
	f.metrics.RecordProposal("proposed")
}

func (f *Facade) emitAudit(rec AuditRecord) {
	if f.auditCh == nil {
		return
	}
	select {
	case f.auditCh <- rec:
	default:
		// Audit is best-effort; the core never blocks on it.
		f.metrics.RecordAuditDrop()
	}
}

// ---- Queries ----

// GetOrder returns a copy of the order record.
func (f *Facade) GetOrder(orderID string) (book.Order, error) {
	o, err := f.store.Get(orderID)
	if err != nil {
		return book.Order{}, err
	}
	return *o, nil
}

// Pairs lists registered pairs.
func (f *Facade) Pairs() []market.Pair {
	return f.registry.All()
}

// EscrowCommitted returns the accounting balance for an account.
func (f *Facade) EscrowCommitted(owner string, tokenID uint64) uint64 {
	return f.escrowLedger.Committed(owner, tokenID)
}

// StateHash returns the chained hash after the last applied event.
func (f *Facade) StateHash() []byte {
	h := f.hasher.PrevHash()
	return h[:]
}

// WarmIdempotency preloads the dedup LRU with composite keys, used on
// cold start when no snapshot carries them.
func (f *Facade) WarmIdempotency(keys []string) {
	f.idempotency.Warm(keys)
}

// BucketView is one row of the book inspection query.
type BucketView struct {
	Tick      uint64 `json:"tick"`
	BuyCount  int    `json:"buy_count"`
	SellCount int    `json:"sell_count"`
}

// BookView lists the pair's live buckets in ascending tick order.
func (f *Facade) BookView(pairID uint64) []BucketView {
	var out []BucketView
	f.index.AscendBuckets(pairID, func(tick uint64, b *book.TickBucket) bool {
		out = append(out, BucketView{Tick: tick, BuyCount: b.BuyCount(), SellCount: b.SellCount()})
		return true
	})
	return out
}

// Stats is the operational summary exposed to the admin surface.
type Stats struct {
	LiveOrders     int    `json:"live_orders"`
	Pairs          int    `json:"pairs"`
	InflightCount  int    `json:"inflight_proposals"`
	Cursor         int64  `json:"cursor"`
	Halted         bool   `json:"halted"`
	HaltReason     string `json:"halt_reason,omitempty"`
	EscrowAccounts int    `json:"escrow_accounts"`
}

func (f *Facade) Stats() Stats {
	s := Stats{
		LiveOrders:     f.store.Len(),
		Pairs:          f.registry.Len(),
		InflightCount:  f.engine.InflightCount(),
		Cursor:         f.cursor.Cursor(),
		Halted:         f.halted,
		EscrowAccounts: f.escrowLedger.Len(),
	}
	if f.haltErr != nil {
		s.HaltReason = f.haltErr.Error()
	}
	return s
}

// VerifyInvariants sweeps the working set checking the structural
// invariants: every live order fully indexed, fill bounded, and escrow
// accounting in balance. Any violation is fatal.
func (f *Facade) VerifyInvariants() error {
	expected := make(map[escrow.AccountKey]uint64)
	for _, o := range f.store.All() {
		if err := o.Validate(); err != nil {
			f.halt(err)
			return err
		}
		if o.Live() && !o.PendingCancel {
			if err := f.index.VerifyIndexed(o); err != nil {
				f.halt(err)
				return err
			}
		}
		pair, ok := f.registry.Get(o.PairID)
		if !ok {
			err := fmt.Errorf("order %s: %w: %d", o.OrderID, market.ErrPairNotFound, o.PairID)
			f.halt(err)
			return err
		}
		token := pair.BaseTokenID
		if o.Side == event.SideBuy {
			token = pair.QuoteTokenID
		}
		expected[escrow.AccountKey{Owner: o.Owner, TokenID: token}] += o.EscrowRemaining
	}
	for key, want := range expected {
		if got := f.escrowLedger.Committed(key.Owner, key.TokenID); got != want {
			err := fmt.Errorf("%w: owner=%s token=%d ledger=%d orders=%d",
				ErrEscrowDesync, key.Owner, key.TokenID, got, want)
			f.halt(err)
			return err
		}
	}
	for _, acct := range f.escrowLedger.Accounts() {
		if expected[escrow.AccountKey{Owner: acct.Owner, TokenID: acct.TokenID}] != acct.Committed {
			err := fmt.Errorf("%w: dangling account owner=%s token=%d committed=%d",
				ErrEscrowDesync, acct.Owner, acct.TokenID, acct.Committed)
			f.halt(err)
			return err
		}
	}
	return nil
}

// stateDigest summarises the working set for the hash chain.
func (f *Facade) stateDigest() []byte {
	buf := make([]byte, 0, 64)
	buf = appendUint64LE(buf, uint64(f.store.Len()))
	buf = appendUint64LE(buf, uint64(f.registry.Len()))
	buf = appendUint64LE(buf, uint64(f.escrowLedger.Len()))
	buf = appendUint64LE(buf, uint64(f.engine.InflightCount()))
	buf = appendUint64LE(buf, uint64(f.cursor.Cursor()))
	return buf
}

// requiredEscrow computes the commitment an order books: quote for
// buys, base for sells.
func requiredEscrow(side event.Side, quantity, limitPrice uint64) (uint64, error) {
	if side == event.SideBuy {
		amount, err := fpmath.BuyEscrow(quantity, limitPrice)
		if err != nil {
			return 0, fmt.Errorf("%w: escrow amount overflows", ErrInsufficientEscrow)
		}
		return amount, nil
	}
	return quantity, nil
}

// IsFatal reports whether an error is one of the halt conditions.
func IsFatal(err error) bool {
	return errors.Is(err, ErrEscrowDesync) || errors.Is(err, ErrDuplicateLedgerEvent)
}
