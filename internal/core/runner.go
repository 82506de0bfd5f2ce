package core

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
)

// ErrRunnerStopped is returned by Do once the runner's loop has exited.
var ErrRunnerStopped = errors.New("core runner stopped")

type op struct {
	fn   func(*Facade)
	done chan error
}

// Runner owns the facade's single-writer loop. Ingestion, the HTTP
// surface, the match scheduler and the timer all funnel their work
// through Do; the loop applies one closure at a time so the facade
// never needs a lock.
type Runner struct {
	facade *Facade
	ops    chan op

	tickEvery time.Duration
	scanEvery time.Duration

	log zerolog.Logger
}

func NewRunner(facade *Facade, queueDepth int, tickEvery, scanEvery time.Duration, log zerolog.Logger) *Runner {
	if queueDepth <= 0 {
		queueDepth = 1024
	}
	return &Runner{
		facade:    facade,
		ops:       make(chan op, queueDepth),
		tickEvery: tickEvery,
		scanEvery: scanEvery,
		log:       log,
	}
}

// Do runs fn against the facade on the loop goroutine and waits for it
// to finish. fn must not retain the facade past its return.
func (r *Runner) Do(ctx context.Context, fn func(*Facade)) error {
	o := op{fn: fn, done: make(chan error, 1)}
	select {
	case r.ops <- o:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-o.done:
		return err
	case <-ctx.Done():
		// The closure may still run; the caller only stops waiting.
		return ctx.Err()
	}
}

// Run drives the loop until ctx is cancelled. Timer ticks advance the
// versioned clock and expire overdue acknowledgements; scan ticks run
// one matching cycle per active pair.
func (r *Runner) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.tickEvery)
	defer ticker.Stop()
	scanTicker := time.NewTicker(r.scanEvery)
	defer scanTicker.Stop()

	defer r.drain()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case o := <-r.ops:
			o.fn(r.facade)
			o.done <- nil

		case now := <-ticker.C:
			if err := r.facade.Tick(now); err != nil {
				r.log.Error().Err(err).Msg("tick failed")
			}

		case <-scanTicker.C:
			r.scanAll(ctx)
		}
	}
}

func (r *Runner) scanAll(ctx context.Context) {
	if r.facade.Halted() {
		return
	}
	for _, pair := range r.facade.Pairs() {
		if !pair.Active {
			continue
		}
		if _, err := r.facade.ScanAndMatch(ctx, pair.PairID, 0); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return
			}
			r.log.Error().Err(err).Uint64("pair_id", pair.PairID).Msg("scan cycle failed")
			return
		}
	}
}

// drain unblocks callers queued behind a stopped loop.
func (r *Runner) drain() {
	for {
		select {
		case o := <-r.ops:
			o.done <- ErrRunnerStopped
		default:
			return
		}
	}
}
