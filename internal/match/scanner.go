package match

import (
	"sort"

	"github.com/rs/zerolog"

	"tickmatch/internal/book"
	"tickmatch/internal/fpmath"
	"tickmatch/internal/market"
)

// Candidate is a potential (buy, sell) cross discovered by a scan.
type Candidate struct {
	BuyID          string
	SellID         string
	OverlapLow     uint64
	OverlapHigh    uint64
	ProjectedFill  uint64
	ProjectedPrice uint64 // Truncating midpoint, basis points
	Score          uint64 // Spread weighted by projected fill

	buyCreatedAt  uint64
	sellCreatedAt uint64
}

// pairKey identifies a (buy, sell) candidate pair.
type pairKey struct {
	BuyID  string
	SellID string
}

// Scanner walks the tick index looking for overlapping liquidity.
// A scan cycle is finite and produces candidates in descending score
// order; the caller may stop consuming between candidates.
type Scanner struct {
	store        *book.Store
	index        *book.TickIndex
	reservations *Reservations
	log          zerolog.Logger
}

func NewScanner(store *book.Store, index *book.TickIndex, reservations *Reservations, log zerolog.Logger) *Scanner {
	return &Scanner{
		store:        store,
		index:        index,
		reservations: reservations,
		log:          log,
	}
}

// Scan enumerates the pair's buckets in ascending tick order, crosses
// the buy and sell sides of every two-sided bucket, and returns the
// surviving candidates best-first. Each (buy, sell) pair appears at
// most once per cycle; skip reports candidates the caller wants
// excluded (suppressed or already in flight).
func (s *Scanner) Scan(pair *market.Pair, skip func(buyID, sellID string) bool) []Candidate {
	visited := make(map[pairKey]struct{})
	var out []Candidate

	s.index.AscendBuckets(pair.PairID, func(tick uint64, bucket *book.TickBucket) bool {
		if bucket.BuyCount() == 0 || bucket.SellCount() == 0 {
			return true
		}
		for _, be := range bucket.Buys() {
			for _, se := range bucket.Sells() {
				key := pairKey{BuyID: be.OrderID, SellID: se.OrderID}
				if _, seen := visited[key]; seen {
					continue
				}
				visited[key] = struct{}{}
				if skip != nil && skip(key.BuyID, key.SellID) {
					continue
				}
				if cand, ok := s.evaluate(key, pair); ok {
					out = append(out, cand)
				}
			}
		}
		return true
	})

	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		if out[i].buyCreatedAt != out[j].buyCreatedAt {
			return out[i].buyCreatedAt < out[j].buyCreatedAt
		}
		return out[i].sellCreatedAt < out[j].sellCreatedAt
	})
	return out
}

func (s *Scanner) evaluate(key pairKey, pair *market.Pair) (Candidate, bool) {
	buy, err := s.store.Get(key.BuyID)
	if err != nil {
		return Candidate{}, false
	}
	sell, err := s.store.Get(key.SellID)
	if err != nil {
		return Candidate{}, false
	}
	if rej := CheckMatch(buy, sell, pair); rej != nil {
		s.log.Debug().
			Str("buy_id", key.BuyID).
			Str("sell_id", key.SellID).
			Str("reason", rej.Reason.String()).
			Msg("candidate rejected")
		return Candidate{}, false
	}

	projected := min(s.reservations.Remaining(buy), s.reservations.Remaining(sell))
	if projected == 0 {
		return Candidate{}, false
	}

	low, high := Overlap(buy, sell)
	return Candidate{
		BuyID:          key.BuyID,
		SellID:         key.SellID,
		OverlapLow:     low,
		OverlapHigh:    high,
		ProjectedFill:  projected,
		ProjectedPrice: fpmath.MidpointPrice(buy.LimitPrice, sell.LimitPrice),
		Score:          fpmath.Score(buy.LimitPrice-sell.LimitPrice, projected),
		buyCreatedAt:   buy.CreatedAt,
		sellCreatedAt:  sell.CreatedAt,
	}, true
}
