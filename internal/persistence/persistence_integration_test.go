package persistence_test

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"tickmatch/internal/persistence"
	"tickmatch/internal/testutil"
)

func setupPersistence(t *testing.T) (*persistence.Writer, *persistence.SnapshotStore, func()) {
	t.Helper()
	testutil.RequireIntegration(t)

	db, cleanup := testutil.SetupTestDB(t)
	m := persistence.NewMigrator(db, "../../migrations", zerolog.Nop())
	if err := m.Up(context.Background()); err != nil {
		cleanup()
		t.Fatalf("migrate up: %v", err)
	}
	return persistence.NewWriter(db), persistence.NewSnapshotStore(db), cleanup
}

func sampleEvents(n int) []persistence.EventRow {
	pairID := int64(7)
	events := make([]persistence.EventRow, 0, n)
	for i := 0; i < n; i++ {
		events = append(events, persistence.EventRow{
			Sequence:       int64(i + 1),
			EventType:      "order_observed",
			IdempotencyKey: "order-observed:ord-" + string(rune('a'+i)) + ":1",
			PairID:         &pairID,
			Payload:        []byte(`{"order_id":"ord"}`),
			StateHash:      []byte{0x01, byte(i)},
			Timestamp:      time.UnixMicro(1_700_000_000_000_000 + int64(i)),
		})
	}
	return events
}

func TestEventBatchRoundTrip(t *testing.T) {
	writer, store, cleanup := setupPersistence(t)
	defer cleanup()
	ctx := context.Background()

	tx, err := writer.DB().BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := writer.WriteEventBatch(ctx, tx, sampleEvents(3)); err != nil {
		t.Fatalf("write batch: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	events, err := store.LoadEventsFrom(ctx, 1, 10)
	if err != nil {
		t.Fatalf("load events: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("events loaded: got %d, want 3", len(events))
	}
	for i, e := range events {
		if e.Sequence != int64(i+1) {
			t.Errorf("event %d: sequence %d, want %d", i, e.Sequence, i+1)
		}
	}

	seq, err := store.LatestSequence(ctx)
	if err != nil {
		t.Fatalf("latest sequence: %v", err)
	}
	if seq != 3 {
		t.Errorf("latest sequence: got %d, want 3", seq)
	}
}

func TestEventBatchConflictingSequenceSkipped(t *testing.T) {
	writer, store, cleanup := setupPersistence(t)
	defer cleanup()
	ctx := context.Background()

	write := func(events []persistence.EventRow) {
		t.Helper()
		tx, err := writer.DB().BeginTx(ctx, nil)
		if err != nil {
			t.Fatalf("begin: %v", err)
		}
		if err := writer.WriteEventBatch(ctx, tx, events); err != nil {
			t.Fatalf("write batch: %v", err)
		}
		if err := tx.Commit(); err != nil {
			t.Fatalf("commit: %v", err)
		}
	}

	events := sampleEvents(2)
	write(events)
	write(events)

	loaded, err := store.LoadEventsFrom(ctx, 1, 10)
	if err != nil {
		t.Fatalf("load events: %v", err)
	}
	if len(loaded) != 2 {
		t.Errorf("events after replay: got %d, want 2", len(loaded))
	}
}

func TestDurableIdempotencyChecker(t *testing.T) {
	writer, _, cleanup := setupPersistence(t)
	defer cleanup()
	ctx := context.Background()

	tx, err := writer.DB().BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := writer.WriteEventBatch(ctx, tx, sampleEvents(2)); err != nil {
		t.Fatalf("write batch: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	checker := persistence.NewPostgresIdempotencyChecker(writer.DB())
	dup, err := checker.IsDuplicate("order_observed", "order-observed:ord-a:1")
	if err != nil {
		t.Fatalf("is duplicate: %v", err)
	}
	if !dup {
		t.Error("persisted key reported as new")
	}
	dup, err = checker.IsDuplicate("order_observed", "order-observed:ord-z:1")
	if err != nil {
		t.Fatalf("is duplicate: %v", err)
	}
	if dup {
		t.Error("unknown key reported as duplicate")
	}

	keys, err := checker.RecentKeys(ctx, 10)
	if err != nil {
		t.Fatalf("recent keys: %v", err)
	}
	if len(keys) != 2 {
		t.Fatalf("recent keys: got %d, want 2", len(keys))
	}
	if keys[0] != "order_observed:order-observed:ord-b:1" {
		t.Errorf("newest key first: got %q", keys[0])
	}
}

func TestSnapshotSaveVerifyLoad(t *testing.T) {
	_, store, cleanup := setupPersistence(t)
	defer cleanup()
	ctx := context.Background()

	rec := &persistence.SnapshotRecord{
		Cursor:    42,
		StateHash: []byte{0xaa, 0xbb},
		Data:      []byte(`{"cursor":42}`),
		CreatedAt: time.Now().UTC(),
	}
	if err := store.Save(ctx, rec); err != nil {
		t.Fatalf("save: %v", err)
	}

	// Unverified snapshots are invisible to recovery.
	loaded, err := store.LoadLatest(ctx)
	if err != nil {
		t.Fatalf("load latest: %v", err)
	}
	if loaded != nil {
		t.Fatalf("unverified snapshot loaded: cursor %d", loaded.Cursor)
	}

	if err := store.MarkVerified(ctx, 42); err != nil {
		t.Fatalf("mark verified: %v", err)
	}
	loaded, err = store.LoadLatest(ctx)
	if err != nil {
		t.Fatalf("load latest: %v", err)
	}
	if loaded == nil {
		t.Fatal("verified snapshot not loaded")
	}
	if loaded.Cursor != 42 || string(loaded.Data) != `{"cursor":42}` {
		t.Errorf("snapshot round trip: cursor=%d data=%s", loaded.Cursor, loaded.Data)
	}
}

func TestAuditBatchInsert(t *testing.T) {
	writer, _, cleanup := setupPersistence(t)
	defer cleanup()
	ctx := context.Background()

	tx, err := writer.DB().BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	audits := []persistence.AuditRow{
		{BuyID: "ord-b", SellID: "ord-s", FillQty: 1000, ExecPrice: 149_750, Outcome: "proposed", At: time.Now().UTC()},
		{BuyID: "ord-b", SellID: "ord-s", FillQty: 1000, ExecPrice: 149_750, Outcome: "committed", At: time.Now().UTC()},
	}
	if err := writer.WriteAuditBatch(ctx, tx, audits); err != nil {
		t.Fatalf("write audit batch: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	var count int
	err = writer.DB().QueryRowContext(ctx, `
		SELECT COUNT(*) FROM matcher.proposal_audit
		WHERE buy_order_id = 'ord-b' AND sell_order_id = 'ord-s'
	`).Scan(&count)
	if err != nil {
		t.Fatalf("count audits: %v", err)
	}
	if count != 2 {
		t.Errorf("audit rows: got %d, want 2", count)
	}
}
