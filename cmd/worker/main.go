package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"faceattend/internal/attendance"
	"faceattend/internal/config"
	"faceattend/internal/facestore"
	"faceattend/internal/logger"
	"faceattend/internal/queue"
	"faceattend/internal/store"
)

// Worker consumes sync jobs and reconciles the daily log into the platform ledger.
func main() {
	cfg := config.Load()
	logger.Init(cfg.LogLevel, cfg.LogFile)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.OpenDB(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db connect failed: %v", err)
	}
	defer db.Close()

	repo := attendance.NewRepository(db.Client)
	if err := repo.Migrate(ctx); err != nil {
		log.Fatalf("migrate failed: %v", err)
	}

	redisClient := store.NewRedis(cfg.RedisAddr)
	defer redisClient.Close()
	if !redisClient.Healthy(ctx) {
		log.WithField("addr", cfg.RedisAddr).Warn("redis not reachable yet, consumer will keep retrying")
	}

	events := facestore.NewDailyLog(cfg.AttendanceDir())
	marker := attendance.NewMarker(events, cfg.LateCutoff, cfg.Location, time.Now)
	reconciler := attendance.NewReconciler(events, repo, repo, cfg.SyncSession).WithStatus(marker.StatusAt)
	q := queue.NewRedisQueue(redisClient.Client, queue.DefaultKey)

	jobs, err := q.Consume(ctx)
	if err != nil {
		log.Fatalf("queue consume init failed: %v", err)
	}

	log.Info("worker started, waiting for sync jobs")
	for job := range jobs {
		entry := log.WithFields(log.Fields{"job_id": job.ID, "date": job.Date, "requested_by": job.RequestedBy})
		started := time.Now()

		sum, err := reconciler.Sync(ctx, attendance.SyncRequest{Date: job.Date, ClassRef: job.ClassRef, Session: job.Session})
		if err != nil {
			entry.WithError(err).Error("sync job failed")
			continue
		}
		for _, f := range sum.Failures {
			entry.WithFields(log.Fields{"student_id": f.ExternalID, "reason": f.Reason}).Warn("entry not synced")
		}
		entry.WithFields(log.Fields{
			"total":   sum.Total,
			"synced":  sum.Synced,
			"skipped": sum.Skipped,
			"took":    time.Since(started).String(),
		}).Info("sync job done")
	}

	log.Info("worker stopped")
}
