package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/studyforge/studyforge/internal/api"
	"github.com/studyforge/studyforge/internal/config"
	"github.com/studyforge/studyforge/internal/content"
	"github.com/studyforge/studyforge/internal/engine"
	"github.com/studyforge/studyforge/internal/extract"
	"github.com/studyforge/studyforge/internal/job"
	"github.com/studyforge/studyforge/internal/workers"
)

func main() {
	_ = godotenv.Load()

	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))
	log := slog.Default()

	cfg, err := config.Load()
	if err != nil {
		log.Error("config", "error", err)
		os.Exit(1)
	}

	jobs, err := job.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		log.Error("job store", "error", err)
		os.Exit(1)
	}
	defer jobs.Close()

	contentStore, err := content.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		log.Error("content store", "error", err)
		os.Exit(1)
	}
	defer contentStore.Close()

	dispatcher := buildDispatcher(cfg, jobs, contentStore, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.DispatchInterval > 0 {
		go dispatchLoop(ctx, dispatcher, cfg.DispatchInterval, log)
	}

	mux := http.NewServeMux()
	h := api.NewHandler(jobs, contentStore, dispatcher)
	h.RegisterRoutes(mux)

	handler := api.Chain(mux,
		api.CORS(cfg.CORSOrigins),
		api.RequestID,
		api.Logging,
		api.Auth(cfg.APIKeys),
		api.RateLimit(cfg.RateLimitRPS),
	)

	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: cfg.TickTimeBudget + 30*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		log.Info("shutting down")
		cancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("shutdown error", "error", err)
		}
	}()

	log.Info("studyforge listening", "addr", cfg.ListenAddr)
	if err := srv.ListenAndServe(); err != http.ErrServerClosed {
		log.Error("server error", "error", err)
		os.Exit(1)
	}
}

// buildDispatcher wires the engine with one worker per pipeline job type.
// Collaborators are injected here; nothing reads ambient globals.
func buildDispatcher(cfg *config.Config, jobs *job.SQLiteStore, cs *content.SQLiteStore, log *slog.Logger) *engine.Dispatcher {
	inference := extract.NewClient(cfg.ExtractorURL, cfg.ExtractorTimeout)

	d := engine.New(jobs, cs, engine.Options{
		MaxAttempts:        cfg.MaxAttempts,
		BackoffBase:        cfg.BackoffBase,
		BackoffCap:         cfg.BackoffCap,
		StalenessThreshold: cfg.StalenessThreshold,
		ClaimBatchSize:     cfg.ClaimBatchSize,
		TickTimeBudget:     cfg.TickTimeBudget,
	}, log)

	chunking := workers.ChunkOptions{Size: cfg.ChunkSize, Overlap: cfg.ChunkOverlap}
	d.Register(job.TypeIngest, workers.NewIngest(jobs, cs, inference, chunking, log))
	d.Register(job.TypeDetectSegments, workers.NewDetectSegments(jobs, cs, log))
	d.Register(job.TypeSegmentAnalyze, workers.NewSegmentAnalyze(jobs, cs, inference, log))
	d.Register(job.TypeSynthesize, workers.NewSynthesize(jobs, cs, cfg.BarrierPoll, log))
	return d
}

// dispatchLoop is the scheduled trigger: it runs dispatch cycles until the
// context is cancelled. The HTTP trigger endpoint remains available for
// on-demand cycles; concurrent cycles are safe because the claim protocol
// arbitrates between them.
func dispatchLoop(ctx context.Context, d *engine.Dispatcher, interval time.Duration, log *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			report, err := d.RunOnce(ctx)
			if err != nil {
				log.Error("dispatch cycle", "error", err)
				continue
			}
			if report.Claimed > 0 || report.Swept > 0 {
				log.Info("dispatch cycle",
					"claimed", report.Claimed, "completed", report.Completed,
					"advanced", report.Advanced, "retried", report.Retried,
					"failed", report.Failed, "swept", report.Swept)
			}
		}
	}
}
