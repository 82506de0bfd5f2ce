package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// Writer batch-inserts applied events and proposal audit rows.
// Multi-row INSERT keeps the writer portable; switch to pgx CopyFrom
// if the event rate outgrows it.
type Writer struct {
	db *sql.DB
}

// EventRow represents a row in matcher.events: one fully applied
// ledger event with its chained state hash.
type EventRow struct {
	Sequence       int64
	EventType      string
	IdempotencyKey string
	PairID         *int64
	Payload        []byte
	StateHash      []byte
	Timestamp      time.Time
}

// AuditRow represents a row in matcher.proposal_audit.
type AuditRow struct {
	BuyID     string
	SellID    string
	FillQty   int64
	ExecPrice int64
	Outcome   string
	At        time.Time
}

func NewWriter(db *sql.DB) *Writer {
	return &Writer{db: db}
}

func (w *Writer) DB() *sql.DB {
	return w.db
}

// WriteEventBatch writes applied events inside tx. Conflicting
// sequences are skipped so replays stay idempotent.
func (w *Writer) WriteEventBatch(ctx context.Context, tx *sql.Tx, events []EventRow) error {
	if len(events) == 0 {
		return nil
	}

	query := `INSERT INTO matcher.events
		(sequence, event_type, idempotency_key, pair_id, payload, state_hash, timestamp)
		VALUES `

	values := make([]string, 0, len(events))
	args := make([]interface{}, 0, len(events)*7)

	for i, e := range events {
		base := i * 7
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7,
		))
		args = append(args,
			e.Sequence, e.EventType, e.IdempotencyKey, e.PairID,
			e.Payload, e.StateHash, e.Timestamp,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (sequence) DO NOTHING"

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

// WriteAuditBatch writes proposal lifecycle rows inside tx.
func (w *Writer) WriteAuditBatch(ctx context.Context, tx *sql.Tx, audits []AuditRow) error {
	if len(audits) == 0 {
		return nil
	}

	query := `INSERT INTO matcher.proposal_audit
		(buy_order_id, sell_order_id, fill_qty, exec_price, outcome, at)
		VALUES `

	values := make([]string, 0, len(audits))
	args := make([]interface{}, 0, len(audits)*6)

	for i, a := range audits {
		base := i * 6
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6,
		))
		args = append(args, a.BuyID, a.SellID, a.FillQty, a.ExecPrice, a.Outcome, a.At)
	}

	query += strings.Join(values, ", ")

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}
