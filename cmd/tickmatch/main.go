package main

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"tickmatch/internal/config"
	"tickmatch/internal/core"
	"tickmatch/internal/ingestion"
	"tickmatch/internal/match"
	"tickmatch/internal/observability"
	"tickmatch/internal/persistence"
	"tickmatch/internal/query"
	"tickmatch/internal/server"
)

const replayBatchSize = 1000

func main() {
	log := observability.NewLogger("main")
	log.Info().Msg("tickmatch starting")

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// --- Postgres ---
	db, err := sql.Open("postgres", cfg.PostgresDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("postgres open")
	}
	defer db.Close()

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		log.Fatal().Err(err).Msg("postgres ping")
	}
	log.Info().Msg("postgres connected")

	migrator := persistence.NewMigrator(db, cfg.MigrationsDir, observability.NewLogger("migrator"))
	if err := migrator.Up(ctx); err != nil {
		log.Fatal().Err(err).Msg("run migrations")
	}

	snapshotStore := persistence.NewSnapshotStore(db)
	dbChecker := persistence.NewPostgresIdempotencyChecker(db)

	// --- Observability ---
	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
	healthChecker := observability.NewHealthChecker()

	// --- Channels ---
	// The proposal and persist channels block so nothing is lost under
	// backpressure; the audit channel drops when full.
	proposalCh := make(chan match.Proposal, cfg.ProposalChanSize)
	auditCh := make(chan core.AuditRecord, cfg.AuditChanSize)
	rawEventCh := make(chan ingestion.RawEvent, cfg.RawEventChanSize)
	persistEventCh := make(chan persistence.EventRow, cfg.RawEventChanSize)
	persistAuditCh := make(chan persistence.AuditRow, cfg.AuditChanSize)

	// --- Core ---
	coreCfg := core.Config{
		Settlement: match.Config{
			AckTimeout:     cfg.AckTimeout,
			MaxRetries:     cfg.MaxRetries,
			SuppressWindow: cfg.SuppressWindow,
			MatcherFeeBps:  cfg.MatcherFeeBps,
		},
		IdempotencyCapacity:  cfg.IdempotencyLRUCapacity,
		DefaultScanBudget:    cfg.ScanBudget,
		IdempotencyDBChecker: dbChecker,
	}
	facade := core.NewFacade(coreCfg, proposalCh, auditCh, metrics, observability.NewLogger("core"))

	// --- Recovery: snapshot restore + event replay ---
	if err := recoverState(ctx, facade, snapshotStore, dbChecker, metrics, log); err != nil {
		log.Fatal().Err(err).Msg("state recovery")
	}

	// --- NATS ---
	nc, js, err := ingestion.ConnectNATS(cfg.NATSURL, observability.NewLogger("nats"))
	if err != nil {
		log.Fatal().Err(err).Msg("nats connect")
	}
	defer nc.Close()

	ingestLog := observability.NewLogger("ingestion")
	if err := ingestion.EnsureStreams(ctx, js, ingestLog); err != nil {
		log.Fatal().Err(err).Msg("ensure ledger streams")
	}
	if err := ingestion.EnsureProposalStream(ctx, js, ingestLog); err != nil {
		log.Fatal().Err(err).Msg("ensure proposal stream")
	}

	subscriber := ingestion.NewNATSSubscriber(js, rawEventCh, ingestLog)
	if err := subscriber.Subscribe(ctx, ingestion.DefaultSubjects()); err != nil {
		log.Fatal().Err(err).Msg("nats subscribe")
	}

	startCursor := facade.Cursor()

	// --- Runner and services ---
	runner := core.NewRunner(facade, 1024, cfg.TickInterval, cfg.ScanInterval, observability.NewLogger("runner"))
	publisher := ingestion.NewProposalPublisher(js, proposalCh, observability.NewLogger("publisher"))
	worker := persistence.NewWorker(db, persistEventCh, persistAuditCh,
		cfg.PersistBatchSize, cfg.PersistFlushTimeout, metrics, observability.NewLogger("persistence"))
	historyService := query.NewService(db)
	httpServer := server.NewServer(runner, historyService, healthChecker, metrics, observability.NewLogger("http"))

	errChan := make(chan error, 8)

	go func() {
		errChan <- runner.Run(ctx)
	}()
	go func() {
		errChan <- worker.Run(ctx)
	}()
	go func() {
		errChan <- publisher.Run(ctx)
	}()
	go func() {
		errChan <- httpServer.Start(ctx, cfg.HTTPAddr)
	}()
	go runIngestionLoop(ctx, rawEventCh, runner, persistEventCh, metrics, ingestLog)
	go runAuditBridge(ctx, auditCh, persistAuditCh)
	go runPeriodicSnapshots(ctx, runner, snapshotStore, cfg.SnapshotInterval, metrics, log)
	go runMetricsServer(ctx, cfg.MetricsAddr, errChan, log)

	healthChecker.SetReady(true)
	log.Info().
		Int64("cursor", startCursor).
		Str("http", cfg.HTTPAddr).
		Str("metrics", cfg.MetricsAddr).
		Msg("tickmatch ready")

	select {
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errChan:
		if err != nil && err != context.Canceled {
			log.Error().Err(err).Msg("component failed, shutting down")
		}
	}

	healthChecker.SetReady(false)
	cancel()
	subscriber.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	// The worker drains and flushes on its channel close.
	close(persistEventCh)
	close(persistAuditCh)

	if err := takeSnapshot(shutdownCtx, facade, snapshotStore, metrics); err != nil {
		log.Error().Err(err).Msg("final snapshot failed")
	} else {
		log.Info().Msg("final snapshot saved")
	}

	log.Info().Msg("tickmatch shutdown complete")
}

// recoverState restores the latest verified snapshot, warms the dedup
// LRU, replays events past the snapshot cursor, and verifies the hash
// chain converged.
func recoverState(
	ctx context.Context,
	facade *core.Facade,
	store *persistence.SnapshotStore,
	dbChecker *persistence.PostgresIdempotencyChecker,
	metrics *observability.Metrics,
	log zerolog.Logger,
) error {
	rec, err := store.LoadLatest(ctx)
	if err != nil {
		return fmt.Errorf("load latest snapshot: %w", err)
	}

	if rec != nil {
		var snap core.Snapshot
		if err := json.Unmarshal(rec.Data, &snap); err != nil {
			return fmt.Errorf("decode snapshot at cursor %d: %w", rec.Cursor, err)
		}
		if err := facade.Restore(&snap); err != nil {
			return fmt.Errorf("restore snapshot at cursor %d: %w", rec.Cursor, err)
		}
	} else {
		log.Info().Msg("no snapshot found, cold start")
		keys, err := dbChecker.RecentKeys(ctx, 10_000)
		if err != nil {
			return fmt.Errorf("warm idempotency keys: %w", err)
		}
		if len(keys) > 0 {
			facade.WarmIdempotency(keys)
			log.Info().Int("keys", len(keys)).Msg("idempotency lru warmed from event log")
		}
	}

	replayed, lastHash, err := replayEvents(ctx, facade, store, metrics, log)
	if err != nil {
		return err
	}

	switch {
	case replayed > 0:
		if !bytes.Equal(facade.StateHash(), lastHash) {
			return fmt.Errorf("state hash mismatch after replay at cursor %d: have %x want %x",
				facade.Cursor(), facade.StateHash(), lastHash)
		}
		log.Info().Int("events", replayed).Int64("cursor", facade.Cursor()).Msg("replay complete, hash verified")
	case rec != nil:
		if !bytes.Equal(facade.StateHash(), rec.StateHash) {
			return fmt.Errorf("state hash mismatch after restore at cursor %d: have %x want %x",
				rec.Cursor, facade.StateHash(), rec.StateHash)
		}
		log.Info().Int64("cursor", rec.Cursor).Msg("snapshot restore verified")
	}
	return nil
}

// replayEvents re-applies persisted events past the current cursor and
// returns the count and the stored hash of the last replayed event.
func replayEvents(
	ctx context.Context,
	facade *core.Facade,
	store *persistence.SnapshotStore,
	metrics *observability.Metrics,
	log zerolog.Logger,
) (int, []byte, error) {
	var (
		replayed int
		lastHash []byte
	)

	for {
		rows, err := store.LoadEventsFrom(ctx, facade.Cursor()+1, replayBatchSize)
		if err != nil {
			return replayed, lastHash, fmt.Errorf("load events from %d: %w", facade.Cursor()+1, err)
		}
		if len(rows) == 0 {
			return replayed, lastHash, nil
		}

		for _, row := range rows {
			evt, err := ingestion.ParseRawEvent(ingestion.RawEvent{Data: row.Payload}, row.EventType)
			if err != nil {
				return replayed, lastHash, fmt.Errorf("replay parse seq %d: %w", row.Sequence, err)
			}
			if err := facade.ApplyLedgerEvent(evt); err != nil {
				return replayed, lastHash, fmt.Errorf("replay apply seq %d: %w", row.Sequence, err)
			}
			metrics.ReplayEvents.Inc()
			replayed++
			lastHash = row.StateHash
		}

		if replayed%10_000 < replayBatchSize {
			log.Info().Int("events", replayed).Int64("cursor", facade.Cursor()).Msg("replay progress")
		}
	}
}

// runIngestionLoop drains raw NATS messages, parses them, applies them
// through the runner and forwards applied events to the persistence
// worker. Messages are acked after parse and channel handoff, not after
// core processing; the blocking persist send is the backpressure path.
func runIngestionLoop(
	ctx context.Context,
	rawCh <-chan ingestion.RawEvent,
	runner *core.Runner,
	persistCh chan<- persistence.EventRow,
	metrics *observability.Metrics,
	log zerolog.Logger,
) {
	subjectToType := make(map[string]string)
	for _, sc := range ingestion.DefaultSubjects() {
		subjectToType[strings.TrimSuffix(sc.Subject, ".>")] = sc.EventType
	}

	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-rawCh:
			if !ok {
				return
			}

			eventType := resolveEventType(raw.Subject, subjectToType)
			if eventType == "" {
				log.Warn().Str("subject", raw.Subject).Msg("unknown subject")
				raw.AckFunc()
				continue
			}
			metrics.IngestMessages.WithLabelValues(eventType).Inc()

			evt, err := ingestion.ParseRawEvent(raw, eventType)
			if err != nil {
				log.Warn().Err(err).Str("subject", raw.Subject).Msg("event parse failed")
				metrics.IngestParseFails.WithLabelValues(eventType).Inc()
				raw.AckFunc()
				continue
			}
			raw.AckFunc()

			var (
				applied   bool
				stateHash []byte
			)
			doErr := runner.Do(ctx, func(f *core.Facade) {
				before := f.Cursor()
				if err := f.ApplyLedgerEvent(evt); err != nil {
					log.Error().Err(err).
						Int64("sequence", evt.Sequence()).
						Str("event_type", eventType).
						Msg("apply ledger event failed")
					return
				}
				applied = f.Cursor() > before
				stateHash = f.StateHash()
			})
			if doErr != nil {
				return
			}
			if !applied {
				continue
			}

			row := persistence.EventRow{
				Sequence:       evt.Sequence(),
				EventType:      eventType,
				IdempotencyKey: evt.IdempotencyKey(),
				Payload:        raw.Data,
				StateHash:      stateHash,
				Timestamp:      evt.When(),
			}
			if p := evt.PairID(); p != nil {
				signed := int64(*p)
				row.PairID = &signed
			}

			select {
			case persistCh <- row:
			case <-ctx.Done():
				return
			}
		}
	}
}

// resolveEventType matches a subject against the configured prefixes,
// longest prefix wins.
func resolveEventType(subject string, prefixes map[string]string) string {
	var bestPrefix, bestType string
	for prefix, et := range prefixes {
		if strings.HasPrefix(subject, prefix) && len(prefix) > len(bestPrefix) {
			bestPrefix = prefix
			bestType = et
		}
	}
	return bestType
}

// runAuditBridge converts core audit records into persistence rows.
func runAuditBridge(ctx context.Context, in <-chan core.AuditRecord, out chan<- persistence.AuditRow) {
	for {
		select {
		case <-ctx.Done():
			return
		case rec, ok := <-in:
			if !ok {
				return
			}
			row := persistence.AuditRow{
				BuyID:     rec.BuyID,
				SellID:    rec.SellID,
				FillQty:   int64(rec.FillQty),
				ExecPrice: int64(rec.ExecPrice),
				Outcome:   rec.Outcome,
				At:        rec.At,
			}
			select {
			case out <- row:
			case <-ctx.Done():
				return
			}
		}
	}
}

// runPeriodicSnapshots takes a snapshot whenever the cursor has
// advanced by at least interval events since the last one.
func runPeriodicSnapshots(
	ctx context.Context,
	runner *core.Runner,
	store *persistence.SnapshotStore,
	interval int64,
	metrics *observability.Metrics,
	log zerolog.Logger,
) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	var lastCursor int64 = -1

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			var snap *core.Snapshot
			if err := runner.Do(ctx, func(f *core.Facade) {
				if lastCursor < 0 {
					lastCursor = f.Cursor()
				}
				if f.Cursor()-lastCursor >= interval {
					snap = f.Snapshot()
				}
			}); err != nil {
				return
			}
			if snap == nil {
				continue
			}

			if err := saveSnapshot(ctx, snap, store, metrics); err != nil {
				log.Error().Err(err).Int64("cursor", snap.Cursor).Msg("snapshot failed")
				continue
			}
			lastCursor = snap.Cursor
			log.Info().Int64("cursor", snap.Cursor).Msg("snapshot saved")
		}
	}
}

// takeSnapshot captures and saves the working set directly, used on
// shutdown after the runner has stopped.
func takeSnapshot(
	ctx context.Context,
	facade *core.Facade,
	store *persistence.SnapshotStore,
	metrics *observability.Metrics,
) error {
	return saveSnapshot(ctx, facade.Snapshot(), store, metrics)
}

// saveSnapshot persists a snapshot, re-reads it to confirm the payload
// decodes, then marks it usable for recovery.
func saveSnapshot(ctx context.Context, snap *core.Snapshot, store *persistence.SnapshotStore, metrics *observability.Metrics) error {
	start := time.Now()

	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}

	rec := &persistence.SnapshotRecord{
		Cursor:    snap.Cursor,
		StateHash: snap.StateHash,
		Data:      data,
		CreatedAt: snap.TakenAt,
	}
	if err := store.Save(ctx, rec); err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}

	var check core.Snapshot
	if err := json.Unmarshal(data, &check); err != nil {
		return fmt.Errorf("verify snapshot: %w", err)
	}
	if err := store.MarkVerified(ctx, snap.Cursor); err != nil {
		return fmt.Errorf("mark snapshot verified: %w", err)
	}

	metrics.SnapshotTaken.Inc()
	metrics.SnapshotDuration.Observe(time.Since(start).Seconds())
	metrics.SnapshotLastSeq.Set(float64(snap.Cursor))
	return nil
}

func runMetricsServer(ctx context.Context, addr string, errChan chan<- error, log zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
	}()

	log.Info().Str("addr", addr).Msg("metrics server listening")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		errChan <- fmt.Errorf("metrics server: %w", err)
	}
}
