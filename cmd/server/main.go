package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"hls-delivery/internal/objectstore"
	"hls-delivery/internal/orchestrator"
	"hls-delivery/internal/platform/auth"
	"hls-delivery/internal/platform/config"
	"hls-delivery/internal/platform/logger"
	"hls-delivery/internal/platform/metrics"
	"hls-delivery/internal/signing"
	"hls-delivery/internal/transcoder"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

const (
	shutdownTimeout = 30 * time.Second
	startupTimeout  = 10 * time.Second
	mediaPath       = "/media"
)

func main() {
	_ = config.Load()
	cfg := config.FromEnv()

	log := logger.New(cfg.LogLevel, cfg.LogFormat)
	if err := cfg.Validate(); err != nil {
		log.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	if err := run(cfg, log); err != nil {
		log.Error("server error", "error", err)
		os.Exit(1)
	}
	log.Info("server stopped")
}

func run(cfg config.Config, log *slog.Logger) error {
	startCtx, cancel := context.WithTimeout(context.Background(), startupTimeout)
	defer cancel()

	met := metrics.New()

	var (
		objects objectstore.Store
		origin  signing.Presigner
		local   *objectstore.LocalStore
	)
	switch cfg.StorageMode {
	case config.StorageS3:
		s3, err := objectstore.NewS3Store(objectstore.S3Config{
			Endpoint:  cfg.S3Endpoint,
			Bucket:    cfg.S3Bucket,
			Region:    cfg.S3Region,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			UseSSL:    cfg.S3UseSSL,
		}, log)
		if err != nil {
			return err
		}
		if err := s3.Ping(startCtx); err != nil {
			return err
		}
		objects, origin = s3, s3
	default:
		ls, err := objectstore.NewLocalStore(cfg.LocalStorageDir, cfg.PublicBaseURL+mediaPath, cfg.LocalSigningSecret, log)
		if err != nil {
			return err
		}
		objects, origin, local = ls, ls, ls
	}

	keyPEM, err := cfg.CDNPrivateKey()
	if err != nil {
		return err
	}
	signer, err := signing.New(signing.Config{
		CDNDomain:     cfg.CDNDomain,
		KeyPairID:     cfg.CDNKeyPairID,
		PrivateKeyPEM: keyPEM,
		DefaultTTL:    cfg.SignedURLTTL,
		Markers:       orchestrator.CategoryMarkers(),
	}, origin, log)
	if err != nil {
		return err
	}
	met.SetFullySecure(signer.IsFullySecure())

	tc := transcoder.New(transcoder.Config{
		FFmpegPath:  cfg.FFmpegPath,
		FFprobePath: cfg.FFprobePath,
	}, log)
	if err := tc.CheckAvailable(startCtx); err != nil {
		// Keep serving playback; uploads fail with 503 until the tools appear.
		log.Warn("encoder unavailable", "error", err)
	}

	var repo orchestrator.Repository
	if cfg.RedisAddr != "" {
		store, err := orchestrator.NewRedisStore(startCtx, orchestrator.RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err != nil {
			return err
		}
		defer store.Close()
		repo = orchestrator.NewRepository(store)
	} else {
		log.Warn("REDIS_ADDR not set, asset records will not survive a restart")
		repo = orchestrator.NewInMemoryRepository()
	}

	svc := orchestrator.NewService(repo, tc, objects, signer, log, orchestrator.Config{
		ScratchDir:        cfg.ScratchDir,
		Workers:           cfg.TranscodeWorkers,
		UploadConcurrency: cfg.UploadConcurrency,
		PipelineTimeout:   cfg.PipelineTimeout,
		GrantTTL:          cfg.SignedURLTTL,
		InstanceID:        cfg.InstanceID,
	}, orchestrator.WithMetrics(met))
	if _, err := svc.Recover(startCtx); err != nil {
		return err
	}

	if cfg.AuthJWTSecret == "" {
		log.Warn("AUTH_JWT_SECRET not set, upload and delete routes will reject every request")
	}
	verifier := auth.NewVerifier(cfg.AuthJWTSecret, log)

	h := orchestrator.NewHandler(svc, log, met, orchestrator.HandlerConfig{
		Mode:           orchestrator.PlaybackMode(cfg.PlaybackMode),
		MaxUploadBytes: cfg.MaxUploadBytes,
	})

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(logger.RequestLogger(log))
	r.Use(metrics.RequestMiddleware(met))
	r.Get("/metrics", met.Handler(func() {
		counts, err := svc.CountByStatus(context.Background())
		if err != nil {
			log.Warn("count assets", "error", err)
			return
		}
		for status, n := range counts {
			met.SetAssets(string(status), n)
		}
	}).ServeHTTP)
	if local != nil {
		r.Mount(mediaPath, http.StripPrefix(mediaPath, local.Handler()))
	}
	h.Register(r, verifier.Require(auth.CapUpload))

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	log.Info("server starting",
		"port", cfg.Port,
		"storage", cfg.StorageMode,
		"signing", signer.Strategy(),
		"playback_mode", cfg.PlaybackMode,
		"workers", cfg.TranscodeWorkers,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	select {
	case <-sigCh:
		log.Info("shutdown signal received, draining connections")
	case err := <-errCh:
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error("shutdown error", "error", err)
	}
	// In-flight pipelines are cancelled and their partial objects purged.
	return svc.Close(ctx)
}
