// Command beacond is the tracking pixel ingestion and CRM reconciliation
// service.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/sitebeacon/beacon/pkg/api"
	"github.com/sitebeacon/beacon/pkg/cleanup"
	"github.com/sitebeacon/beacon/pkg/clock"
	"github.com/sitebeacon/beacon/pkg/config"
	"github.com/sitebeacon/beacon/pkg/database"
	"github.com/sitebeacon/beacon/pkg/identity"
	"github.com/sitebeacon/beacon/pkg/kv"
	"github.com/sitebeacon/beacon/pkg/models"
	"github.com/sitebeacon/beacon/pkg/newsletter"
	"github.com/sitebeacon/beacon/pkg/pipedrive"
	"github.com/sitebeacon/beacon/pkg/ratelimit"
	"github.com/sitebeacon/beacon/pkg/scheduler"
	"github.com/sitebeacon/beacon/pkg/store"
	"github.com/sitebeacon/beacon/pkg/tracking"
)

const shutdownTimeout = 30 * time.Second

func main() {
	// .env is optional; real deployments inject the environment directly.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}))
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("Service failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	startCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	dbCfg, err := database.LoadConfigFromEnv()
	if err != nil {
		return err
	}
	db, err := database.NewClient(startCtx, dbCfg)
	if err != nil {
		return err
	}
	defer db.Close()
	logger.Info("Database ready", "host", dbCfg.Host, "database", dbCfg.Database)

	redisDB, _ := strconv.Atoi(os.Getenv("REDIS_DB"))
	kvs, err := kv.NewStoreFromEnv(startCtx,
		envOr("REDIS_ADDR", "localhost:6379"), os.Getenv("REDIS_PASSWORD"), redisDB)
	if err != nil {
		return err
	}
	defer kvs.Close()
	logger.Info("Key/value store ready")

	clk := clock.SystemClock{}
	ids := clock.RandomIDs{}

	pixels := store.NewPixelStore(db.DB)
	visitors := store.NewVisitorStore(db.DB)
	sessions := store.NewSessionStore(db.DB)
	events := store.NewEventStore(db.DB)

	var crm scheduler.CRM
	if cfg.Pipedrive.Enabled() {
		client := pipedrive.NewClient(cfg.Pipedrive.BaseURL, cfg.Pipedrive.APIKey)
		if err := client.VerifyFieldKeys(startCtx); err != nil {
			logger.Warn("CRM field verification failed", "error", err)
		}
		crm = client
		logger.Info("CRM reconciliation enabled")
	} else {
		logger.Warn("PIPEDRIVE_API_KEY not set, CRM reconciliation disabled")
	}

	sched := scheduler.New(cfg.Scheduler, kvs, events, visitors, sessions,
		crmOrNoop(crm, logger), clk, logger)
	sched.Start()
	defer sched.Stop()

	retention := cleanup.NewService(cfg.Archive, sessions, events, clk, logger)
	retention.Start()
	defer retention.Stop()

	tasks := api.NewTaskRegistry(logger)
	nl := newsletter.NewService(cfg.Newsletter.APIURL, cfg.Newsletter.AuthToken, logger)
	ingest := tracking.NewService(pixels,
		identity.NewService(visitors, sessions, clk, ids),
		tracking.NewWriter(events, clk),
		sched, nl, tasks, ids, logger)

	limiter := ratelimit.NewLimiter(kvs.Client(), clk, logger)
	server := api.NewServer(cfg, ingest, limiter, sched, db, kvs, tasks, logger)

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("Shutdown signal received", "signal", sig.String())
	case err := <-errCh:
		return err
	}

	// Shutdown order: stop accepting requests, drain background tasks so
	// spawned side-effects land, then stop the workers.
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP shutdown failed", "error", err)
	}
	tasks.Drain(shutdownTimeout)

	logger.Info("Shutdown complete")
	return nil
}

// crmOrNoop substitutes a stub when reconciliation is unconfigured so the
// scheduler can still drain its queue.
func crmOrNoop(crm scheduler.CRM, logger *slog.Logger) scheduler.CRM {
	if crm != nil {
		return crm
	}
	return noopCRM{logger: logger}
}

type noopCRM struct{ logger *slog.Logger }

func (n noopCRM) FindAndUpdate(_ context.Context, p pipedrive.Payload) pipedrive.Result {
	n.logger.Warn("CRM disabled, marking event as error", "event_id", p.EventID)
	return pipedrive.Result{Status: models.SyncError, Reason: "crm disabled"}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
