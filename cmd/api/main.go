package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"faceattend/internal/api"
	"faceattend/internal/attendance"
	"faceattend/internal/cloudinary"
	"faceattend/internal/config"
	"faceattend/internal/faceclient"
	"faceattend/internal/facestore"
	"faceattend/internal/httpmiddleware"
	"faceattend/internal/logger"
	"faceattend/internal/queue"
	"faceattend/internal/recognition"
	"faceattend/internal/retry"
	"faceattend/internal/store"
)

func main() {
	cfg := config.Load()
	logger.Init(cfg.LogLevel, cfg.LogFile)

	if cfg.Env == "production" || cfg.Env == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := run(cfg); err != nil {
		log.Fatalf("api server failed: %v", err)
	}
}

func providerOptions(cfg config.App) faceclient.Options {
	policy := retry.Default(faceclient.IsRateLimited)
	policy.MaxAttempts = cfg.Retry.MaxAttempts
	policy.BaseDelay = cfg.Retry.BaseDelay
	policy.MaxDelay = cfg.Retry.MaxDelay

	return faceclient.Options{
		Timeout:            cfg.Face.Timeout,
		Retry:              policy,
		AzureEndpoint:      cfg.Face.AzureEndpoint,
		AzureKey:           cfg.Face.AzureKey,
		AzurePersonGroupID: cfg.Face.AzurePersonGroupID,
		FacePPBaseURL:      cfg.Face.FacePPBaseURL,
		FacePPKey:          cfg.Face.FacePPKey,
		FacePPSecret:       cfg.Face.FacePPSecret,
		FacePPOuterID:      cfg.Face.FacePPOuterID,
		FacePPThreshold:    cfg.Face.FacePPThreshold,
		LocalDir:           cfg.FacesDir(),
	}
}

func run(cfg config.App) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	provider, err := faceclient.New(cfg.Face.Provider, providerOptions(cfg))
	if err != nil {
		return err
	}
	if !provider.Configured() {
		log.WithField("provider", provider.Kind().String()).Warn("face provider credentials missing, requests will fail until configured")
	}

	var archive recognition.ImageArchive
	if cfg.CloudinaryCloudName != "" && cfg.CloudinaryAPIKey != "" && cfg.CloudinaryAPISecret != "" {
		archive = cloudinary.New(cfg.CloudinaryCloudName, cfg.CloudinaryAPIKey, cfg.CloudinaryAPISecret, cfg.CloudinaryFolder)
		log.WithField("cloud", cfg.CloudinaryCloudName).Info("registration photos archived to cloudinary")
	}

	catalog := facestore.NewCatalog(cfg.CatalogPath(), time.Now)
	events := facestore.NewDailyLog(cfg.AttendanceDir())
	coord := recognition.NewCoordinator(provider, catalog, archive)
	marker := attendance.NewMarker(events, cfg.LateCutoff, cfg.Location, time.Now)

	checks := map[string]api.Check{}
	deps := api.Deps{Coordinator: coord, Marker: marker, Location: cfg.Location}
	var devices api.DeviceStore

	db, err := store.OpenDB(ctx, cfg.DatabaseURL)
	if err != nil {
		log.WithError(err).Warn("platform database unreachable, ledger sync disabled")
	} else {
		defer db.Close()
		repo := attendance.NewRepository(db.Client)
		if err := repo.Migrate(ctx); err != nil {
			return err
		}
		deps.Sync = attendance.NewReconciler(events, repo, repo, cfg.SyncSession).WithStatus(marker.StatusAt)
		deps.Platform = repo
		devices = repo
		checks["db"] = db.Healthy
	}

	var limiter httpmiddleware.Limiter = httpmiddleware.NewTokenBucket(cfg.RateLimitPerMin, cfg.RateLimitPerMin)
	switch cfg.QueueBackend {
	case "memory":
		if deps.Sync != nil {
			q := queue.NewInMemory(64)
			deps.Queue = q
			go consumeInProcess(ctx, q, deps.Sync)
		}
	default:
		redisClient := store.NewRedis(cfg.RedisAddr)
		defer redisClient.Close()
		deps.Queue = queue.NewRedisQueue(redisClient.Client, queue.DefaultKey)
		limiter = httpmiddleware.NewRedisWindow(redisClient.Client, cfg.RateLimitPerMin)
		checks["redis"] = redisClient.Healthy
	}

	router := api.NewRouter(api.RouterConfig{
		Face:    api.New(deps),
		Devices: devices,
		Tokens: api.TokenConfig{
			Issuer:     cfg.JWTIssuer,
			SigningKey: cfg.JWTSigningKey,
			AdminKey:   cfg.AdminKey,
			AccessTTL:  cfg.AccessTTL,
			RefreshTTL: cfg.RefreshTTL,
		},
		Limiter: limiter,
		Checks:  checks,
	})

	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithFields(log.Fields{"port": cfg.HTTPPort, "provider": provider.Kind().String()}).Info("starting server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	log.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("server forced shutdown")
	}
	log.Info("server exited")
	return nil
}

// consumeInProcess drains sync jobs when no separate worker runs.
func consumeInProcess(ctx context.Context, q queue.Queue, syncer api.Syncer) {
	jobs, err := q.Consume(ctx)
	if err != nil {
		log.WithError(err).Error("sync queue consume failed")
		return
	}
	for job := range jobs {
		sum, err := syncer.Sync(ctx, attendance.SyncRequest{Date: job.Date, ClassRef: job.ClassRef, Session: job.Session})
		if err != nil {
			log.WithError(err).WithField("job_id", job.ID).Error("sync job failed")
			continue
		}
		log.WithFields(log.Fields{"job_id": job.ID, "synced": sum.Synced, "failures": len(sum.Failures)}).Info("sync job done")
	}
}
