package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SnapshotStore persists opaque core snapshots for warm restarts.
// The store does not interpret the payload; the shell encodes and
// decodes it.
type SnapshotStore struct {
	db *sql.DB
}

// SnapshotRecord is one stored snapshot.
type SnapshotRecord struct {
	Cursor    int64
	StateHash []byte
	Data      []byte
	CreatedAt time.Time
}

func NewSnapshotStore(db *sql.DB) *SnapshotStore {
	return &SnapshotStore{db: db}
}

// Save persists a snapshot. One row per cursor; a re-save at the same
// cursor overwrites.
func (ss *SnapshotStore) Save(ctx context.Context, rec *SnapshotRecord) error {
	snapshotID := uuid.New()
	_, err := ss.db.ExecContext(ctx, `
		INSERT INTO matcher.snapshots
			(snapshot_id, cursor, data, state_hash, size_bytes, verified, created_at)
		VALUES ($1, $2, $3, $4, $5, FALSE, $6)
		ON CONFLICT (cursor) DO UPDATE SET data = $3, state_hash = $4, size_bytes = $5
	`, snapshotID, rec.Cursor, rec.Data, rec.StateHash, len(rec.Data), rec.CreatedAt)
	return err
}

// LoadLatest returns the most recent verified snapshot, or nil on a
// cold start.
func (ss *SnapshotStore) LoadLatest(ctx context.Context) (*SnapshotRecord, error) {
	row := ss.db.QueryRowContext(ctx, `
		SELECT cursor, state_hash, data, created_at
		FROM matcher.snapshots
		WHERE verified = TRUE
		ORDER BY cursor DESC
		LIMIT 1
	`)

	var rec SnapshotRecord
	if err := row.Scan(&rec.Cursor, &rec.StateHash, &rec.Data, &rec.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	return &rec, nil
}

// MarkVerified marks a snapshot usable for recovery.
func (ss *SnapshotStore) MarkVerified(ctx context.Context, cursor int64) error {
	_, err := ss.db.ExecContext(ctx, `
		UPDATE matcher.snapshots SET verified = TRUE WHERE cursor = $1
	`, cursor)
	return err
}

// LoadEventsFrom loads applied events for replay, ordered by sequence.
func (ss *SnapshotStore) LoadEventsFrom(ctx context.Context, fromSequence int64, limit int) ([]EventRow, error) {
	rows, err := ss.db.QueryContext(ctx, `
		SELECT sequence, event_type, idempotency_key, pair_id, payload, state_hash, timestamp
		FROM matcher.events
		WHERE sequence >= $1
		ORDER BY sequence ASC
		LIMIT $2
	`, fromSequence, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []EventRow
	for rows.Next() {
		var e EventRow
		if err := rows.Scan(
			&e.Sequence, &e.EventType, &e.IdempotencyKey, &e.PairID,
			&e.Payload, &e.StateHash, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// LatestSequence returns the highest applied sequence in the log, or
// zero on an empty log.
func (ss *SnapshotStore) LatestSequence(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	err := ss.db.QueryRowContext(ctx, `
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
