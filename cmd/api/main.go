package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"presence/internal/api"
	"presence/internal/attendance"
	"presence/internal/capture"
	"presence/internal/cloudinary"
	"presence/internal/config"
	"presence/internal/faceclient"
	"presence/internal/gallery"
	"presence/internal/logger"
	"presence/internal/presence"
	"presence/internal/queue"
	"presence/internal/recognition"
	"presence/internal/store"
)

func main() {
	cfg := config.Load()

	output := "stdout"
	if !cfg.Production() {
		output = "console"
	}
	if err := logger.Init(logger.Config{Level: cfg.LogLevel, Debug: cfg.LogDebug, Output: output}); err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}

	if cfg.Production() {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := run(cfg); err != nil {
		l := logger.Get()
		l.Fatal().Err(err).Msg("api server failed")
	}
}

func run(cfg config.App) error {
	log := logger.WithComponent("api")
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var (
		db   *store.DB
		repo *attendance.Repository
	)
	if cfg.DBDriver != "none" {
		var err error
		db, err = store.NewDB(ctx, cfg.DBDriver, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("connect database: %w", err)
		}
		defer db.Close()
		if err := db.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate database: %w", err)
		}
		repo = attendance.NewRepository(db)
		log.Info().Str("driver", db.Dialect.Driver).Msg("database ready")
	} else {
		log.Warn().Msg("DB_DRIVER=none, attendance is kept in memory only")
	}

	var (
		redis *store.Redis
		sink  attendance.Sink
	)
	switch {
	case repo == nil:
	case cfg.PersistMode == "queue" && cfg.QueueBackend == "memory":
		q := queue.NewInMemory(256)
		sink = attendance.NewQueueSink(q)
		go func() {
			if err := attendance.Drain(ctx, q, repo, logger.WithComponent("persist")); err != nil {
				log.Error().Err(err).Msg("in-process persistence stopped")
			}
		}()
	case cfg.PersistMode == "queue":
		redis = store.NewRedis(cfg.RedisAddr)
		defer redis.Close()
		sink = attendance.NewQueueSink(queue.NewRedisQueue(redis.Client, cfg.QueueKey, logger.WithComponent("queue")))
		log.Info().Str("key", cfg.QueueKey).Msg("changes are published to redis for the worker")
	default:
		sink = repo
	}

	tracker := presence.NewTracker(presence.Config{
		LapseAfter:         cfg.LapseAfter,
		ResetEntryOnReturn: cfg.ResetEntryOnReturn,
	})
	svc := attendance.NewService(tracker, sink,
		attendance.WithLogger(logger.WithComponent("attendance")),
		attendance.WithWriteBuffer(cfg.WriteBuffer),
	)
	defer svc.Close()

	face := faceclient.New(cfg.FaceServiceURL, cfg.FaceSkip)
	face.HTTP.Timeout = cfg.FaceTimeout
	if err := face.Health(ctx); err != nil {
		log.Warn().Err(err).Msg("face service not available, frames will fail until it is")
	}
	enroller := gallery.EnrollerFunc(func(ctx context.Context, identity string, image []byte, filename string) error {
		_, err := face.Enroll(ctx, identity, image, filename)
		return err
	})
	enrollGallery(ctx, cfg.GalleryDir, enroller, logger.WithComponent("gallery"))

	recOpts := []recognition.Option{
		recognition.WithMinConfidence(cfg.FaceMinConfidence),
		recognition.WithLogger(logger.WithComponent("recognition")),
	}
	if cfg.CloudinaryEnabled() && repo != nil {
		cdn := cloudinary.New(cfg.CloudinaryCloudName, cfg.CloudinaryAPIKey, cfg.CloudinaryAPISecret, cfg.CloudinaryFolder)
		recOpts = append(recOpts, recognition.WithEntryArchive(cdn, flushedSnapshots{svc: svc, repo: repo}))
		log.Info().Str("cloud", cfg.CloudinaryCloudName).Msg("entry frames are archived to cloudinary")
	}
	recognizer := recognition.New(face, svc, recOpts...)

	sessions := capture.NewManager(capture.Config{
		FrameTimeout:   cfg.FrameTimeout,
		FrameInterval:  cfg.FrameInterval,
		BackoffInitial: cfg.BackoffInitial,
		BackoffMax:     cfg.BackoffMax,
	}, capture.ProcessorFunc(func(ctx context.Context, frame []byte) error {
		_, err := recognizer.Process(ctx, frame, "capture")
		return err
	}), logger.WithComponent("capture"))

	h := api.New(api.Deps{
		Config:     cfg,
		Service:    svc,
		Repo:       repo,
		Recognizer: recognizer,
		Sessions:   sessions,
		Enroller:   enroller,
		DB:         db,
		Redis:      redis,
		Log:        logger.WithComponent("http"),
	})

	srv := newServer(cfg, api.NewRouter(h))

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Msg("starting server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	log.Info().Msg("shutting down server")

	if _, err := sessions.Stop(); err == nil {
		log.Info().Msg("capture session stopped")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced shutdown")
	}
	log.Info().Msg("server exited")
	return nil
}

// newServer sizes the write timeout so a frame request can still answer
// after the face service call runs into its own timeout.
func newServer(cfg config.App, h http.Handler) *http.Server {
	return &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      h,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.FaceTimeout + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

// flushedSnapshots stores an entry snapshot once the buffered Created row
// it belongs to has been written.
type flushedSnapshots struct {
	svc  *attendance.Service
	repo *attendance.Repository
}

func (f flushedSnapshots) SetEntrySnapshot(ctx context.Context, identity, url string) error {
	if err := f.svc.Flush(ctx); err != nil {
		return err
	}
	return f.repo.SetEntrySnapshot(ctx, identity, url)
}

func enrollGallery(ctx context.Context, dir string, enroller gallery.Enroller, log zerolog.Logger) {
	refs, err := gallery.LoadDir(dir)
	if err != nil {
		log.Warn().Err(err).Msg("gallery not loaded")
		return
	}
	gallery.EnrollAll(ctx, enroller, refs, log)
}
