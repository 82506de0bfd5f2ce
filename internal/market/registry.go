package market

import (
	"errors"
	"sort"
)

var (
	ErrInvalidPair  = errors.New("invalid pair: zero tick size or tick range")
	ErrUnknownPair  = errors.New("unknown pair")
	ErrPairNotFound = errors.New("pair not found")
	ErrPairInactive = errors.New("pair inactive")
)

// Pair holds token-pair metadata sourced from the ledger.
type Pair struct {
	PairID       uint64
	BaseTokenID  uint64
	QuoteTokenID uint64
	TickSize     uint64 // Quote-currency basis points per tick
	MaxTickRange uint64
	Active       bool
}

// Registry stores pair metadata. Pairs enter only through ledger
// events; the core never fabricates them.
// Not thread-safe; only accessed from the single-threaded core.
type Registry struct {
	pairs map[uint64]*Pair
}

func NewRegistry() *Registry {
	return &Registry{
		pairs: make(map[uint64]*Pair),
	}
}

// Upsert installs or replaces a pair entry. Applied only in response
// to a pair_registered ledger event.
func (r *Registry) Upsert(p Pair) error {
	if p.TickSize == 0 || p.MaxTickRange == 0 {
		return ErrInvalidPair
	}
	stored := p
	r.pairs[p.PairID] = &stored
	return nil
}

// SetActive toggles the activity flag. Idempotent.
func (r *Registry) SetActive(pairID uint64, active bool) error {
	p, ok := r.pairs[pairID]
	if !ok {
		return ErrUnknownPair
	}
	p.Active = active
	return nil
}

// RequireActive returns the pair or fails with PairNotFound or
// PairInactive.
func (r *Registry) RequireActive(pairID uint64) (*Pair, error) {
	p, ok := r.pairs[pairID]
	if !ok {
		return nil, ErrPairNotFound
	}
	if !p.Active {
		return nil, ErrPairInactive
	}
	return p, nil
}

// Get returns the pair regardless of activity.
func (r *Registry) Get(pairID uint64) (*Pair, bool) {
	p, ok := r.pairs[pairID]
	return p, ok
}

// All returns every registered pair in ascending pair id order.
func (r *Registry) All() []Pair {
	out := make([]Pair, 0, len(r.pairs))
	for _, p := range r.pairs {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PairID < out[j].PairID })
	return out
}

func (r *Registry) Len() int {
	return len(r.pairs)
}
