package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-interview/internal/apiclient"
	"github.com/stemsi/exstem-interview/internal/capability"
	"github.com/stemsi/exstem-interview/internal/config"
	"github.com/stemsi/exstem-interview/internal/database"
	"github.com/stemsi/exstem-interview/internal/device"
	"github.com/stemsi/exstem-interview/internal/handler"
	"github.com/stemsi/exstem-interview/internal/logger"
	"github.com/stemsi/exstem-interview/internal/repository"
	"github.com/stemsi/exstem-interview/internal/router"
	"github.com/stemsi/exstem-interview/internal/service"
	"github.com/stemsi/exstem-interview/internal/validator"
	"github.com/stemsi/exstem-interview/internal/worker"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 5 * time.Second

func main() {
	// ─── Load Configuration ────────────────────────────────────────────
	cfg := config.Load()

	// ─── Initialize Logger ─────────────────────────────────────────────
	log := logger.Setup(cfg.LogLevel, cfg.LogFormat)
	log.Info().
		Str("port", cfg.ServerPort).
		Str("mode", cfg.GinMode).
		Str("log_level", cfg.LogLevel).
		Str("interview_api", cfg.InterviewAPIURL).
		Msg("Starting interview session host")

	// ─── Initialize Validator ──────────────────────────────────────────
	validator.Setup()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ─── Connect to PostgreSQL ─────────────────────────────────────────
	pool, err := database.NewPostgresPool(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to PostgreSQL")
	}
	defer pool.Close()

	// ─── Connect to Redis ──────────────────────────────────────────────
	rdb, err := database.NewRedisClient(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis")
	}
	defer rdb.Close()

	// ─── Initialize Repositories ───────────────────────────────────────
	auditRepo := repository.NewAuditRepository(pool)
	resultRepo := repository.NewResultRepository(pool)

	// ─── Initialize Services ──────────────────────────────────────────
	instanceID := cfg.InstanceID
	if instanceID == "" {
		instanceID, _ = os.Hostname()
	}

	hub := device.NewHub(log)
	api := apiclient.New(cfg.InterviewAPIURL, &http.Client{}, log)
	sessionService := service.NewSessionService(
		hub,
		func(sessionID, token string) service.SessionAPI { return api.ForSession(sessionID, token) },
		rdb,
		service.Queues{
			Audit:   worker.NewAuditQueue(rdb),
			Results: worker.NewResultQueue(rdb),
		},
		service.Options{
			InstanceID:        instanceID,
			FlushDelay:        cfg.AnswerFlushDelay,
			AttentionInterval: cfg.AttentionInterval,
			ForwardAttention:  cfg.ForwardAttention,
			SnapshotTTL:       cfg.SnapshotTTL,
			Speak: capability.SpeakOptions{
				Rate:  cfg.SpeechRate,
				Pitch: cfg.SpeechPitch,
				Lang:  cfg.SpeechLang,
			},
		},
		log,
	)
	auditService := service.NewAuditService(auditRepo, resultRepo)

	// ─── Initialize Handlers ──────────────────────────────────────────
	handlers := &router.Handlers{
		Session: handler.NewSessionHandler(sessionService, auditService, log),
		WS: handler.NewWSHandler(hub, sessionService, device.LinkOptions{
			FrameRate:      cfg.DeviceFrameRate,
			CommandTimeout: cfg.DeviceCommandTimeout,
			Lang:           cfg.SpeechLang,
		}, log, cfg.AllowedOrigins),
		System: handler.NewSystemHandler(rdb, pool, sessionService, hub, log),
	}

	// ─── Setup Router ──────────────────────────────────────────────────
	r := router.SetupRouter(handlers, cfg)

	// ─── Create HTTP Server ────────────────────────────────────────────
	srv := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// ─── Run Server and Background Workers ────────────────────────────
	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()
	auditWorker := worker.NewAuditWorker(auditRepo, rdb, cfg.AuditBatchSize, cfg.AuditFlushInterval, log)
	resultWorker := worker.NewResultWorker(resultRepo, rdb, log)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", srv.Addr).Msg("Server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		auditWorker.Start(workerCtx)
		return nil
	})
	g.Go(func() error {
		resultWorker.Start(workerCtx)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down gracefully...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		// 1. Stop accepting new HTTP requests.
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("HTTP server shutdown error")
		}

		// 2. End running interviews and drop device connections. Hijacked
		// WebSocket connections are not closed by srv.Shutdown.
		if err := sessionService.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Sessions did not stop in time")
		}
		hub.CloseAll()

		// 3. Stop background workers; they flush their buffers on exit.
		workerCancel()
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("Server error")
	}
	log.Info().Msg("Shutdown complete")
}

// init sets zerolog global defaults before main runs.
func init() {
	zerolog.TimeFieldFormat = time.RFC3339
}
