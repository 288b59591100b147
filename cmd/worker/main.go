// Package main runs the standalone guardian notification worker.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/nikahlink/backend/config"
	"github.com/nikahlink/backend/internal/guardian"
	"github.com/nikahlink/backend/internal/profiles"
	"github.com/nikahlink/backend/internal/worker"
	"github.com/nikahlink/backend/pkg/database"
	"github.com/nikahlink/backend/pkg/queue"
	"github.com/nikahlink/backend/pkg/redis"
)

func main() {
	logger := newLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}

	ctx := context.Background()
	pool, err := database.NewPostgresPool(ctx, cfg.Database.DSN(), logger)
	if err != nil {
		logger.Fatal("database", zap.Error(err))
	}
	defer pool.Close()

	rdb, err := redis.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
	if err != nil {
		logger.Fatal("redis", zap.Error(err))
	}
	defer rdb.Close()

	profileStore := profiles.NewStore(pool)
	var channel guardian.DeliveryChannel
	if cfg.Guardian.Channel == "webhook" && cfg.Guardian.WebhookURL != "" {
		channel = guardian.NewWebhookChannel(cfg.Guardian.WebhookURL, nil, logger)
	} else {
		channel = guardian.NewEmailChannel(cfg.Email, logger)
	}
	dispatcher := guardian.NewDispatcher(profileStore, channel, nil,
		time.Duration(cfg.Guardian.SendTimeoutSec)*time.Second, logger)

	jobQueue := queue.NewQueue(rdb.Client, logger)
	processor := worker.NewNotificationProcessor(dispatcher, jobQueue, logger)

	workerCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go processor.Run(workerCtx)
	logger.Info("worker started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	cancel()
	time.Sleep(2 * time.Second)
	logger.Info("worker stopped")
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
