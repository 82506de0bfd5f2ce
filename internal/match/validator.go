package match

import (
	"errors"
	"fmt"

	"tickmatch/internal/book"
	"tickmatch/internal/fpmath"
	"tickmatch/internal/market"
)

var (
	ErrInvalidTickRange    = errors.New("invalid tick range")
	ErrTickRangeExceedsMax = errors.New("tick range exceeds pair maximum")
	ErrPriceOutsideTicks   = errors.New("limit price outside declared tick range")
	ErrNonPositiveQuantity = errors.New("non-positive quantity")
)

// RejectReason classifies why a candidate pair may not cross.
type RejectReason int32

const (
	RejectNone RejectReason = iota
	RejectPairMismatch
	RejectSameOwner
	RejectPricesDoNotCross
	RejectNoTickOverlap
	RejectEitherAlreadyFilled
	RejectOverlapPriceOutOfBounds
)

func (r RejectReason) String() string {
	switch r {
	case RejectPairMismatch:
		return "pair_mismatch"
	case RejectSameOwner:
		return "same_owner"
	case RejectPricesDoNotCross:
		return "prices_do_not_cross"
	case RejectNoTickOverlap:
		return "no_tick_overlap"
	case RejectEitherAlreadyFilled:
		return "either_already_filled"
	case RejectOverlapPriceOutOfBounds:
		return "overlap_price_out_of_bounds"
	default:
		return "none"
	}
}

// Terminal reports whether the rejection can never clear for this
// candidate, so retrying is pointless.
func (r RejectReason) Terminal() bool {
	return r == RejectSameOwner || r == RejectPricesDoNotCross
}

// Rejection is a non-fatal candidate failure. Logged, never returned
// to submitters.
type Rejection struct {
	Reason RejectReason
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("match rejected: %s", r.Reason)
}

// CheckSubmission validates order parameters against pair metadata.
// Pure: no state is consulted beyond the pair record.
func CheckSubmission(pair *market.Pair, tickLower, tickUpper, limitPrice, quantity uint64) error {
	if !pair.Active {
		return market.ErrPairInactive
	}
	if tickLower >= tickUpper {
		return fmt.Errorf("%w: [%d, %d)", ErrInvalidTickRange, tickLower, tickUpper)
	}
	if tickUpper-tickLower > pair.MaxTickRange {
		return fmt.Errorf("%w: width %d > max %d", ErrTickRangeExceedsMax, tickUpper-tickLower, pair.MaxTickRange)
	}
	// Bounds are inclusive at both tick edges. Widened compares keep
	// tick*tick_size from wrapping u64.
	if fpmath.MulCmp(tickLower, pair.TickSize, limitPrice) > 0 {
		return fmt.Errorf("%w: price %d below tick floor", ErrPriceOutsideTicks, limitPrice)
	}
	if fpmath.MulCmp(tickUpper, pair.TickSize, limitPrice) < 0 {
		return fmt.Errorf("%w: price %d above tick ceiling", ErrPriceOutsideTicks, limitPrice)
	}
	if quantity == 0 {
		return ErrNonPositiveQuantity
	}
	return nil
}

// CheckMatch decides whether a buy and a sell may legally cross.
// Pure: reads the two orders and the pair record only.
func CheckMatch(buy, sell *book.Order, pair *market.Pair) *Rejection {
	if buy.PairID != sell.PairID || buy.PairID != pair.PairID {
		return &Rejection{Reason: RejectPairMismatch}
	}
	if buy.Owner == sell.Owner {
		return &Rejection{Reason: RejectSameOwner}
	}
	if buy.LimitPrice < sell.LimitPrice {
		return &Rejection{Reason: RejectPricesDoNotCross}
	}
	overlapLow := max(buy.TickLower, sell.TickLower)
	overlapHigh := min(buy.TickUpper, sell.TickUpper)
	if overlapLow >= overlapHigh {
		return &Rejection{Reason: RejectNoTickOverlap}
	}
	if !buy.Live() || !sell.Live() || buy.Unfilled() == 0 || sell.Unfilled() == 0 {
		return &Rejection{Reason: RejectEitherAlreadyFilled}
	}
	execPrice := fpmath.MidpointPrice(buy.LimitPrice, sell.LimitPrice)
	// The overlap interval covers prices [low*tick_size, high*tick_size).
	if fpmath.MulCmp(overlapLow, pair.TickSize, execPrice) > 0 ||
		fpmath.MulCmp(overlapHigh, pair.TickSize, execPrice) <= 0 {
		return &Rejection{Reason: RejectOverlapPriceOutOfBounds}
	}
	return nil
}

// Overlap returns the intersection of the two orders' tick ranges.
func Overlap(buy, sell *book.Order) (low, high uint64) {
	return max(buy.TickLower, sell.TickLower), min(buy.TickUpper, sell.TickUpper)
}
