package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/poyrazK/dnsforge/internal/adapters/acme"
	"github.com/poyrazK/dnsforge/internal/adapters/api"
	"github.com/poyrazK/dnsforge/internal/adapters/dnscheck"
	"github.com/poyrazK/dnsforge/internal/adapters/provider"
	"github.com/poyrazK/dnsforge/internal/adapters/repository"
	"github.com/poyrazK/dnsforge/internal/adapters/state"
	"github.com/poyrazK/dnsforge/internal/config"
	"github.com/poyrazK/dnsforge/internal/core/services"
	"github.com/poyrazK/dnsforge/internal/jobs"
)

// queueAdapter narrows jobs.Enqueuer to the ports.Enqueuer shape the
// services expect.
type queueAdapter struct {
	e *jobs.Enqueuer
}

func (q queueAdapter) Enqueue(ctx context.Context, taskName string, payload any) error {
	return q.e.Enqueue(ctx, taskName, payload)
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Unable to load configuration: %v", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	db, err := sql.Open("pgx", cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Unable to connect to database: %v\n", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		fmt.Printf("Warning: Could not ping database: %v\n", err)
	}

	repo := repository.NewPostgresRepository(db)
	certRepo := repository.NewPostgresCertificateRepository(db)
	syncState := state.NewRedisSyncState(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)

	dnsProvider, err := provider.NewCloudflareProvider(cfg.CloudflareAPIToken, cfg.Zone, cfg.ProviderRecordTTL)
	if err != nil {
		log.Fatalf("Unable to set up DNS provider: %v", err)
	}

	acmeClient, err := acme.NewClient(acme.Config{
		DirectoryURL:  cfg.ACMEDirectoryURL,
		Email:         cfg.ACMEEmail,
		AccountKeyPEM: cfg.ACMEAccountKeyPEM,
		AccountKID:    cfg.ACMEAccountKID,
	})
	if err != nil {
		log.Fatalf("Unable to set up ACME client: %v", err)
	}

	storage := jobs.NewPostgresStorage(db)
	enqueuer, err := jobs.NewEnqueuer(storage, services.CertificateQueue, cfg.TaskMaxRetries)
	if err != nil {
		log.Fatalf("Unable to set up enqueuer: %v", err)
	}

	recordSvc := services.NewRecordService(repo, repo, syncState, cfg.RecordQuota)
	verifier := dnscheck.NewVerifier(cfg.ChallengeRecursor)
	certSvc := services.NewCertificateService(
		certRepo, recordSvc, repo, acmeClient, verifier, queueAdapter{enqueuer},
		cfg.Zone, cfg.Production(), logger)
	reconciler := services.NewReconciler(repo, dnsProvider, syncState, cfg.Zone, logger)
	sweeper := services.NewSweeper(repo, syncState, logger)

	worker, err := jobs.NewWorker(storage,
		jobs.WithWorkerQueue(services.CertificateQueue),
		jobs.WithPollInterval(cfg.WorkerPollInterval),
		jobs.WithLockTimeout(cfg.WorkerLockTimeout),
		jobs.WithMaxConcurrentTasks(cfg.WorkerConcurrency),
		jobs.WithWorkerLogger(logger),
		jobs.WithExhaustionHook(certSvc.ExhaustionHook()))
	if err != nil {
		log.Fatalf("Unable to set up worker: %v", err)
	}
	worker.RegisterHandlers(certSvc.StageHandlers()...)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := worker.Start(ctx); err != nil && ctx.Err() == nil {
			log.Fatalf("Worker failed: %v", err)
		}
	}()
	defer worker.Stop()

	go func() {
		if err := reconciler.Run(ctx, cfg.ReconcileInterval); err != nil && ctx.Err() == nil {
			log.Fatalf("Reconciler failed: %v", err)
		}
	}()
	go func() {
		if err := sweeper.Run(ctx, cfg.SweepInterval); err != nil && ctx.Err() == nil {
			log.Fatalf("Sweeper failed: %v", err)
		}
	}()

	apiHandler := api.NewAPIHandler(recordSvc, certSvc, repo, certRepo, repo)
	mux := http.NewServeMux()
	apiHandler.RegisterRoutes(mux)

	server := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
	go func() {
		<-ctx.Done()
		if err := server.Shutdown(context.Background()); err != nil {
			logger.Error("http server shutdown failed", "error", err)
		}
	}()

	logger.Info("management API listening", "addr", cfg.MetricsAddr, "zone", cfg.Zone)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("HTTP Server failed: %v", err)
	}
}
