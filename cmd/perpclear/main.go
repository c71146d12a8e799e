// Command perpclear runs the clearinghouse node. The serve subcommand
// wires the clearing core, NATS bridge, persistence worker, and API
// servers together; migrate applies or rolls back the SQL schema.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"perpclear/internal/bridge"
	"perpclear/internal/clearing"
	"perpclear/internal/config"
	"perpclear/internal/ledger"
	"perpclear/internal/observability"
	"perpclear/internal/persistence"
	"perpclear/internal/query"
	"perpclear/internal/server"

	_ "github.com/lib/pq"
	"github.com/spf13/cobra"
)

var cfgPath string

func main() {
	root := &cobra.Command{
		Use:   "perpclear",
		Short: "Perpetual futures clearinghouse",
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "path to YAML config file")

	root.AddCommand(cmdServe, cmdMigrate)
	cmdMigrate.AddCommand(cmdMigrateUp, cmdMigrateDown)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

var cmdServe = &cobra.Command{
	Use:   "serve",
	Short: "Run the clearinghouse node",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return err
		}
		return serve(cfg)
	},
}

var cmdMigrate = &cobra.Command{
	Use:   "migrate",
	Short: "Manage the database schema",
}

var cmdMigrateUp = &cobra.Command{
	Use:   "up",
	Short: "Apply pending migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		return migrate(cmd.Context(), true)
	},
}

var cmdMigrateDown = &cobra.Command{
	Use:   "down",
	Short: "Roll back all migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		return migrate(cmd.Context(), false)
	},
}

func migrate(ctx context.Context, up bool) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	log := observability.NewLogger("migrate")

	db, err := openPostgres(ctx, cfg.PostgresURL)
	if err != nil {
		return err
	}
	defer db.Close()

	m := persistence.NewMigrator(db, cfg.MigrationsDir, log)
	if up {
		return m.Up(ctx)
	}
	return m.Down(ctx)
}

func serve(cfg config.Config) error {
	log := observability.NewLogger("perpclear")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// --- Postgres ---
	db, err := openPostgres(ctx, cfg.PostgresURL)
	if err != nil {
		return err
	}
	defer db.Close()
	log.Info().Msg("postgres connected")

	migrator := persistence.NewMigrator(db, cfg.MigrationsDir, log)
	if err := migrator.Up(ctx); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	// --- Recovery: resume sequence and hash chain from the event log ---
	rec, err := persistence.LoadRecoveryState(ctx, db, cfg.DepositWarmLimit)
	if err != nil {
		return fmt.Errorf("load recovery state: %w", err)
	}
	if rec.NextSequence > 0 {
		log.Info().Int64("next_sequence", rec.NextSequence).
			Int("warm_deposit_ids", len(rec.DepositIDs)).
			Msg("resuming from event log")
	} else {
		log.Info().Msg("empty event log, cold start from sequence 0")
	}

	// --- Observability ---
	metrics := observability.NewMetrics()
	healthChecker := observability.NewHealthChecker()

	// --- Channels ---
	// Persist channel blocks the core on backpressure, projection drops.
	persistChan := make(chan clearing.CoreOutput, cfg.PersistChanSize)
	projectionChan := make(chan clearing.CoreOutput, cfg.ProjectionChanSize)

	// --- Clearing core ---
	core := clearing.NewCore(persistChan, projectionChan, observability.NewLogger("clearing"), clearing.Options{
		StartSequence:     rec.NextSequence,
		StartStateHash:    rec.LastStateHash,
		LRUCapacity:       cfg.IdempotencyLRUCapacity,
		DBChecker:         persistence.NewDepositChecker(db),
		Metrics:           metrics,
		LiquidationWindow: cfg.LiquidationWindow,
	})
	if len(rec.DepositIDs) > 0 {
		core.WarmIdempotency(rec.DepositIDs)
	}

	// Markets from config are registered idempotently: on warm restart
	// the ledger already knows them and the duplicate is rejected.
	for _, m := range cfg.Markets {
		params := ledger.MarketParams{
			ID:                     m.ID,
			InitialMarginRatio:     m.InitialMarginRatio,
			MaintenanceMarginRatio: m.MaintenanceMarginRatio,
			FeeBps:                 m.FeeBps,
			LiquidationPenaltyBps:  m.LiquidationPenaltyBps,
		}
		if m.SettlementTimeUs > 0 {
			params.SettlementTime = time.UnixMicro(m.SettlementTimeUs)
		}
		if err := core.RegisterMarket(params); err != nil {
			log.Warn().Err(err).Str("market", m.ID).Msg("startup market registration skipped")
		}
	}

	// --- NATS ---
	nc, js, err := bridge.ConnectNATS(cfg.NATSURL, observability.NewLogger("nats"))
	if err != nil {
		return fmt.Errorf("nats connect: %w", err)
	}
	defer nc.Close()
	log.Info().Str("url", cfg.NATSURL).Msg("nats connected")

	if err := bridge.EnsureStreams(ctx, js); err != nil {
		return fmt.Errorf("ensure bridge stream: %w", err)
	}
	if err := bridge.EnsureOutboundStream(ctx, js); err != nil {
		return fmt.Errorf("ensure outbound stream: %w", err)
	}

	msgChan := make(chan bridge.RawMessage, 4096)
	subscriber := bridge.NewSubscriber(js, msgChan, observability.NewLogger("bridge"))
	if err := subscriber.Subscribe(ctx, bridge.DefaultSubjects()); err != nil {
		return fmt.Errorf("nats subscribe: %w", err)
	}

	adapter := bridge.NewAdapter(core, msgChan, observability.NewLogger("bridge"))
	publisher := bridge.NewOutboundPublisher(js, projectionChan, observability.NewLogger("publisher"))

	// --- Persistence worker ---
	worker := persistence.NewWorker(db, persistChan, cfg.PersistBatchSize, cfg.PersistFlushTimeout, metrics, observability.NewLogger("persistence"))

	// --- API servers ---
	views := query.NewService(core, db, metrics)
	api := server.NewAPI(core, views, observability.NewLogger("http"))
	srv := server.New(api, healthChecker, cfg.HTTPAddr, cfg.OpsAddr, cfg.GRPCAddr, observability.NewLogger("server"))

	// --- Goroutines ---
	errChan := make(chan error, 8)
	workerDone := make(chan struct{})

	// The worker shuts down by channel close, not context, so that
	// events buffered in persistChan are drained before the final flush.
	go func() {
		errChan <- worker.Run(context.Background())
		close(workerDone)
	}()

	// Producers are everything that can push work into the core. They
	// must be fully stopped before persistChan closes.
	var producers sync.WaitGroup
	producers.Add(2)
	go func() {
		defer producers.Done()
		errChan <- adapter.Run(ctx)
	}()
	go func() {
		defer producers.Done()
		errChan <- srv.ServeHTTP(ctx)
	}()

	go func() { errChan <- publisher.Run(ctx) }()
	go func() { errChan <- srv.ServeOps(ctx) }()
	go func() { errChan <- srv.ServeGRPC(ctx) }()

	healthChecker.SetReady(true)
	srv.SetServing(true)

	log.Info().
		Int64("sequence", core.Sequence()).
		Str("http", cfg.HTTPAddr).
		Str("grpc", cfg.GRPCAddr).
		Str("ops", cfg.OpsAddr).
		Msg("perpclear ready")

	// --- Wait for shutdown ---
	select {
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errChan:
		log.Error().Err(err).Msg("component failed, shutting down")
	}

	healthChecker.SetReady(false)
	srv.SetServing(false)

	// Stop intake first so no new events reach the core, then close the
	// persist channel and wait for the worker's final flush.
	subscriber.Stop()
	cancel()
	producers.Wait()
	close(persistChan)
	close(projectionChan)
	<-workerDone

	log.Info().Msg("shutdown complete")
	return nil
}

func openPostgres(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres open: %w", err)
	}

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
	defer pingCancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	return db, nil
}
