package query

import (
	"context"
	"database/sql"
	"fmt"
)

// Service provides read-only access to the persisted event log and
// audit trail. Audit history entries include as_of_sequence so callers
// can reason about freshness relative to the live core.
type Service struct {
	db *sql.DB
}

func NewService(db *sql.DB) *Service {
	return &Service{db: db}
}

// OrderAuditHistory returns proposal lifecycle rows touching an order,
// newest first, with cursor-based pagination on the row id.
func (s *Service) OrderAuditHistory(
	ctx context.Context,
	orderID string,
	limit int,
	beforeID *int64,
) ([]AuditEntry, error) {
	asOfSeq, err := s.latestSequence(ctx)
	if err != nil {
		return nil, fmt.Errorf("latest sequence: %w", err)
	}

	query := `
		SELECT id, buy_order_id, sell_order_id, fill_qty, exec_price, outcome, at
		FROM matcher.proposal_audit
		WHERE (buy_order_id = $1 OR sell_order_id = $1)
	`
	args := []interface{}{orderID}
	argIdx := 2

	if beforeID != nil {
		query += fmt.Sprintf(" AND id < $%d", argIdx)
		args = append(args, *beforeID)
		argIdx++
	}

	query += " ORDER BY id DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []AuditEntry
	for rows.Next() {
		var e AuditEntry
		e.AsOfSequence = asOfSeq
		if err := rows.Scan(
			&e.ID, &e.BuyOrderID, &e.SellOrderID, &e.FillQty,
			&e.ExecPrice, &e.Outcome, &e.At,
		); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// EventHistory returns applied events newest first, optionally filtered
// by pair, with cursor-based pagination on the sequence.
func (s *Service) EventHistory(
	ctx context.Context,
	pairID *int64,
	limit int,
	beforeSequence *int64,
) ([]EventEntry, error) {
	query := `
		SELECT sequence, event_type, idempotency_key, pair_id, payload, state_hash, timestamp
		FROM matcher.events
		WHERE TRUE
	`
	var args []interface{}
	argIdx := 1

	if pairID != nil {
		query += fmt.Sprintf(" AND pair_id = $%d", argIdx)
		args = append(args, *pairID)
		argIdx++
	}

	if beforeSequence != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *beforeSequence)
		argIdx++
	}

	query += " ORDER BY sequence DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []EventEntry
	for rows.Next() {
		var e EventEntry
		if err := rows.Scan(
			&e.Sequence, &e.EventType, &e.IdempotencyKey, &e.PairID,
			&e.Payload, &e.StateHash, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// VerifyIntegrity sweeps the persisted event log for sequence gaps.
// A gap means an applied event was never persisted, so replay from the
// last snapshot would diverge.
func (s *Service) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	report := &IntegrityReport{}

	latest, err := s.latestSequence(ctx)
	if err != nil {
		return nil, err
	}
	report.LatestSequence = latest

	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM matcher.events
	`).Scan(&report.EventCount); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT e.sequence
		FROM matcher.events e
		LEFT JOIN matcher.events prev ON prev.sequence = e.sequence - 1
		WHERE prev.sequence IS NULL
		  AND e.sequence > (SELECT MIN(sequence) FROM matcher.events)
		ORDER BY e.sequence
		LIMIT 10
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			return nil, err
		}
		report.SequenceGaps = append(report.SequenceGaps, seq)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	report.IsHealthy = len(report.SequenceGaps) == 0
	return report, nil
}

func (s *Service) latestSequence(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT MAX(sequence) FROM matcher.events
	`).Scan(&seq)
	if err != nil {
		return 0, err
	}
	if !seq.Valid {
		return 0, nil
	}
	return seq.Int64, nil
}
