package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"tickmatch/internal/observability"
)

// Worker drains the event and audit channels and batch-writes to
// Postgres. The event channel uses blocking sends from the shell, so
// if the worker falls behind the core stalls and no event is lost.
// The audit channel is best-effort upstream.
type Worker struct {
	writer       *Writer
	eventsIn     <-chan EventRow
	auditIn      <-chan AuditRow
	batchSize    int
	flushTimeout time.Duration
	metrics      *observability.Metrics
	log          zerolog.Logger
}

func NewWorker(
	db *sql.DB,
	eventsIn <-chan EventRow,
	auditIn <-chan AuditRow,
	batchSize int,
	flushTimeout time.Duration,
	metrics *observability.Metrics,
	log zerolog.Logger,
) *Worker {
	return &Worker{
		writer:       NewWriter(db),
		eventsIn:     eventsIn,
		auditIn:      auditIn,
		batchSize:    batchSize,
		flushTimeout: flushTimeout,
		metrics:      metrics,
		log:          log,
	}
}

// Run batches incoming rows and flushes when the batch fills or the
// flush timeout expires. Blocks until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	eventBatch := make([]EventRow, 0, w.batchSize)
	auditBatch := make([]AuditRow, 0, w.batchSize)

	timer := time.NewTimer(w.flushTimeout)
	defer timer.Stop()

	flush := func(flushCtx context.Context) {
		if len(eventBatch) == 0 && len(auditBatch) == 0 {
			return
		}
		if err := w.flushWithRetry(flushCtx, eventBatch, auditBatch); err != nil {
			w.log.Error().Err(err).Msg("batch flush failed after retries")
		}
		eventBatch = eventBatch[:0]
		auditBatch = auditBatch[:0]
	}

	for {
		select {
		case <-ctx.Done():
			flush(context.Background())
			return ctx.Err()

		case row, ok := <-w.eventsIn:
			if !ok {
				flush(context.Background())
				return nil
			}
			eventBatch = append(eventBatch, row)
			if len(eventBatch) >= w.batchSize {
				flush(ctx)
				timer.Reset(w.flushTimeout)
			}

		case row, ok := <-w.auditIn:
			if !ok {
				flush(context.Background())
				return nil
			}
			auditBatch = append(auditBatch, row)
			if len(auditBatch) >= w.batchSize {
				flush(ctx)
				timer.Reset(w.flushTimeout)
			}

		case <-timer.C:
			flush(ctx)
			timer.Reset(w.flushTimeout)
		}
	}
}

// flushWithRetry retries with exponential backoff. The worker never
// drops rows: it retries until the write succeeds or the context is
// cancelled, in which case it attempts one final flush.
func (w *Worker) flushWithRetry(ctx context.Context, events []EventRow, audits []AuditRow) error {
	backoff := 100 * time.Millisecond
	const maxBackoff = 30 * time.Second

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			w.log.Warn().
				Int("attempt", attempt).
				Dur("backoff", backoff).
				Int("events", len(events)).
				Msg("persistence retry")
			w.metrics.PersistRetry.Inc()
			select {
			case <-ctx.Done():
				if err := w.flush(context.Background(), events, audits); err != nil {
					return fmt.Errorf("final flush on shutdown failed: %w", err)
				}
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}

		if err := w.flush(ctx, events, audits); err == nil {
			if attempt > 0 {
				w.log.Info().Int("retries", attempt).Msg("persistence flush recovered")
			}
			return nil
		}
	}
}

func (w *Worker) flush(ctx context.Context, events []EventRow, audits []AuditRow) error {
	start := time.Now()

	tx, err := w.writer.db.BeginTx(ctx, nil)
	if err != nil {
		w.metrics.PersistErrors.WithLabelValues("tx_begin").Inc()
		return err
	}
	defer tx.Rollback()

	if err := w.writer.WriteEventBatch(ctx, tx, events); err != nil {
		w.metrics.PersistErrors.WithLabelValues("write_events").Inc()
		return err
	}
	if err := w.writer.WriteAuditBatch(ctx, tx, audits); err != nil {
		w.metrics.PersistErrors.WithLabelValues("write_audit").Inc()
		return err
	}
	if err := tx.Commit(); err != nil {
		w.metrics.PersistErrors.WithLabelValues("tx_commit").Inc()
		return err
	}

	w.metrics.PersistBatchDur.Observe(time.Since(start).Seconds())
	w.metrics.PersistBatchSize.Observe(float64(len(events) + len(audits)))
	w.metrics.PersistRowsWritten.WithLabelValues("events").Add(float64(len(events)))
	w.metrics.PersistRowsWritten.WithLabelValues("proposal_audit").Add(float64(len(audits)))
	return nil
}
