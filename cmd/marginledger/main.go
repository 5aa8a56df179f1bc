package main

import (
	"MarginLedger/internal/config"
	"MarginLedger/internal/core"
	"MarginLedger/internal/event"
	"MarginLedger/internal/ingestion"
	"MarginLedger/internal/ledger"
	"MarginLedger/internal/observability"
	"MarginLedger/internal/persistence"
	"MarginLedger/internal/projection"
	"MarginLedger/internal/query"
	"MarginLedger/internal/server"
	"MarginLedger/migrations"
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:          "marginledger",
		Short:        "Multi-asset margin settlement and risk core",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg)
		},
	}
	rootCmd.Flags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file")

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	log := observability.NewLoggerTo(os.Stdout, "main", observability.ParseLevel(cfg.LogLevel))
	log.Info().Msg("MarginLedger starting")

	// --- Postgres ---
	db, err := sql.Open("postgres", cfg.Postgres.DSN)
	if err != nil {
		return fmt.Errorf("postgres open: %w", err)
	}
	defer db.Close()

	db.SetMaxOpenConns(cfg.Postgres.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Postgres.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.Postgres.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("postgres ping: %w", err)
	}
	log.Info().Msg("Postgres connected")

	applied, err := persistence.NewMigrator(db, migrations.FS, log).Up(ctx)
	if err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	log.Info().Int("applied", applied).Msg("migrations up to date")

	// --- Observability ---
	metrics := observability.NewMetrics(nil)
	healthChecker := observability.NewHealthChecker()
	healthChecker.Register("postgres", db.PingContext)

	// --- Channels ---
	// Persist blocks (backpressure); projection and publish drop when full.
	persistCoreChan := make(chan core.CoreOutput, cfg.Pipeline.PersistChanSize)
	projectionCoreChan := make(chan core.CoreOutput, cfg.Pipeline.ProjectionChanSize)
	persistWorkerChan := make(chan persistence.CoreOutput, cfg.Pipeline.PersistChanSize)
	projectionWorkerChan := make(chan projection.ProjectionOutput, cfg.Pipeline.ProjectionChanSize)
	publishChan := make(chan ingestion.PublishableEvent, cfg.Pipeline.PublishChanSize)

	// --- Core ---
	risks, err := cfg.AssetRiskTable()
	if err != nil {
		return err
	}
	coreLog := log.With().Str("component", "core").Logger()
	settlement := core.NewSettlementController(core.Options{
		Domain:         cfg.OrderDomain(),
		Admin:          cfg.AdminAddress(),
		OracleSigner:   cfg.OracleAddress(),
		StakeAsset:     ledger.Asset(cfg.StakeAsset),
		InsuranceAsset: ledger.Asset(cfg.InsuranceAsset),
		HealthyMargin:  cfg.HealthyMargin,
		Settings:       cfg.MarginSettings(),
		AssetRisks:     risks,
		StartSequence:  1,
		LRUCapacity:    cfg.Pipeline.LRUCapacity,
		DBChecker:      persistence.NewPostgresIdempotencyChecker(db),
		OrderStore:     persistence.NewPostgresOrderStore(db),
		Metrics:        metrics,
		Logger:         &coreLog,
		PersistChan:    persistCoreChan,
		ProjectionChan: projectionCoreChan,
	})

	snapMgr := persistence.NewSnapshotManager(db)

	// --- Recovery: snapshot + replay ---
	if err := recoverState(ctx, settlement, snapMgr, cfg.Pipeline.ReplayPageSize, log); err != nil {
		return err
	}
	discardPending(projectionCoreChan)
	if err := catchUpProjections(ctx, db, settlement.GetSequence()-1, log); err != nil {
		return err
	}

	// --- NATS ---
	natsLog := log.With().Str("component", "nats").Logger()
	nc, js, err := ingestion.ConnectNATS(cfg.NATSURL, natsLog)
	if err != nil {
		return err
	}
	defer nc.Close()
	healthChecker.Register("nats", func(context.Context) error {
		if !nc.IsConnected() {
			return fmt.Errorf("nats status %s", nc.Status())
		}
		return nil
	})

	if err := ingestion.EnsureStreams(ctx, js, natsLog); err != nil {
		return fmt.Errorf("ensure NATS streams: %w", err)
	}
	if err := ingestion.EnsureOutboundStream(ctx, js, natsLog); err != nil {
		return fmt.Errorf("ensure outbound stream: %w", err)
	}

	rawEventChan := make(chan ingestion.RawEvent, cfg.Pipeline.IngestChanSize)
	natsSubscriber := ingestion.NewNATSSubscriber(js, rawEventChan, natsLog)
	outboundPublisher := ingestion.NewOutboundPublisher(js, publishChan, natsLog)

	// --- Services ---
	history := projection.NewLiquidationHistory(cfg.Pipeline.HistoryCapacity)
	snapshotter := &snapshotter{core: settlement, snaps: snapMgr, metrics: metrics, log: log}

	grpcServer := server.NewGRPCServer(cfg.GRPCAddr, cfg.HTTPAddr, &server.Deps{
		DB:        db,
		Query:     query.NewQueryService(db, settlement, history, metrics, log.With().Str("component", "query").Logger()),
		Ingest:    ingestion.NewGRPCIngestService(settlement, log.With().Str("component", "ingest").Logger()),
		Snapshots: snapMgr,
		Admin:     cfg.AdminAddress(),
		Snapshot:  snapshotter.take,
		Health:    healthChecker,
		Metrics:   promhttp.Handler(),
		Log:       log,
	})

	// --- Goroutines ---
	// ingressCtx stops everything that can write to the core. The output
	// side keeps running on workCtx until the channels drain.
	ingressCtx, stopIngress := context.WithCancel(ctx)
	defer stopIngress()
	workCtx, stopWork := context.WithCancel(context.Background())
	defer stopWork()

	errChan := make(chan error, 8)
	var ingress, output sync.WaitGroup

	goRun := func(wg *sync.WaitGroup, name string, fn func() error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(); err != nil && ingressCtx.Err() == nil {
				errChan <- fmt.Errorf("%s: %w", name, err)
			}
		}()
	}

	persistWorker := persistence.NewPersistenceWorker(db, persistWorkerChan,
		cfg.Pipeline.PersistBatchSize, cfg.Pipeline.PersistFlushTimeout, metrics,
		log.With().Str("component", "persistence").Logger())
	projWorker := projection.NewProjectionWorker(db, projectionWorkerChan, history, metrics,
		log.With().Str("component", "projection").Logger())

	goRun(&output, "persistence worker", func() error { return persistWorker.Run(workCtx) })
	goRun(&output, "projection worker", func() error { return projWorker.Run(workCtx) })
	goRun(&output, "outbound publisher", func() error { return outboundPublisher.Run(workCtx) })
	goRun(&output, "output bridge", func() error {
		bridgeCoreOutputs(persistCoreChan, projectionCoreChan, persistWorkerChan, projectionWorkerChan, publishChan, metrics)
		return nil
	})

	if err := natsSubscriber.Subscribe(ingressCtx, ingestion.DefaultSubjects()); err != nil {
		return fmt.Errorf("nats subscribe: %w", err)
	}
	goRun(&ingress, "nats ingestion", func() error {
		runIngestionLoop(ingressCtx, rawEventChan, settlement, log.With().Str("component", "ingest").Logger())
		return nil
	})
	goRun(&ingress, "grpc server", func() error { return grpcServer.StartGRPC(ingressCtx) })
	goRun(&ingress, "http gateway", func() error { return grpcServer.StartHTTPGateway(ingressCtx) })
	goRun(&ingress, "risk sweep", func() error {
		runSweeps(ingressCtx, settlement, cfg.Pipeline.SweepInterval, log)
		return nil
	})
	goRun(&ingress, "snapshots", func() error {
		runPeriodicSnapshots(ingressCtx, snapshotter, cfg.Pipeline.SnapshotInterval)
		return nil
	})

	healthChecker.SetReady(true)
	grpcServer.SetServing(true)
	log.Info().
		Int64("sequence", settlement.GetSequence()-1).
		Str("grpc", cfg.GRPCAddr).
		Str("http", cfg.HTTPAddr).
		Msg("MarginLedger ready")

	// --- Wait for shutdown ---
	var runErr error
	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown requested")
	case runErr = <-errChan:
		log.Error().Err(runErr).Msg("goroutine failed, shutting down")
	}

	healthChecker.SetReady(false)
	grpcServer.SetServing(false)
	natsSubscriber.Stop()
	stopIngress()
	ingress.Wait()

	// Nothing writes to the core any more; drain its outputs.
	close(persistCoreChan)
	close(projectionCoreChan)

	drained := make(chan struct{})
	go func() {
		output.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(30 * time.Second):
		log.Error().Msg("output drain timed out")
		stopWork()
	}

	// The event log is flushed, so the final snapshot can be verified at once.
	finalCtx, cancelFinal := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelFinal()
	if seq, err := snapshotter.take(finalCtx); err != nil {
		log.Error().Err(err).Msg("final snapshot failed")
	} else {
		log.Info().Int64("sequence", seq).Msg("final snapshot saved")
	}

	log.Info().Msg("MarginLedger shutdown complete")
	return runErr
}

// ingestLogger tags a logger with the event being ingested.
func ingestLogger(l zerolog.Logger, evt event.Event) zerolog.Logger {
	return l.With().
		Stringer("event_type", evt.EventType()).
		Str("key", evt.IdempotencyKey()).
		Logger()
}
