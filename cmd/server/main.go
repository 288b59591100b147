// Package main runs the call signaling HTTP server with WebSocket gateway and
// graceful shutdown.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	webrtc "github.com/pion/webrtc/v3"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/nikahlink/backend/config"
	"github.com/nikahlink/backend/internal/auth"
	"github.com/nikahlink/backend/internal/calls"
	"github.com/nikahlink/backend/internal/guardian"
	"github.com/nikahlink/backend/internal/middleware"
	"github.com/nikahlink/backend/internal/presence"
	"github.com/nikahlink/backend/internal/profiles"
	"github.com/nikahlink/backend/internal/realtime"
	"github.com/nikahlink/backend/internal/recordings"
	"github.com/nikahlink/backend/internal/worker"
	"github.com/nikahlink/backend/pkg/database"
	"github.com/nikahlink/backend/pkg/queue"
	"github.com/nikahlink/backend/pkg/redis"
	"github.com/nikahlink/backend/pkg/response"
	"github.com/nikahlink/backend/pkg/storage"
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

	if err := database.Migrate(ctx, pool); err != nil {
		logger.Fatal("migrate", zap.Error(err))
	}

	rdb, err := redis.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
	if err != nil {
		logger.Fatal("redis", zap.Error(err))
	}
	defer rdb.Close()

	var s3Client *storage.S3
	if cfg.AWS.Region != "" {
		s3Cfg := storage.S3Config{
			Region:               cfg.AWS.Region,
			AccessKeyID:          cfg.AWS.AccessKeyID,
			SecretAccessKey:      cfg.AWS.SecretAccessKey,
			RecordingsBucket:     cfg.AWS.RecordingsBucket,
			PresignExpireMinutes: cfg.AWS.PresignExpireMinutes,
		}
		s3Client, err = storage.NewS3(ctx, s3Cfg, logger)
		if err != nil {
			logger.Warn("s3 disabled", zap.Error(err))
		}
	}

	jwtService := auth.NewJWTService(cfg.JWT.Secret, cfg.JWT.ExpireHours)

	iceServers := make([]webrtc.ICEServer, 0, len(cfg.WebRTC.ICEUrls))
	for _, u := range cfg.WebRTC.ICEUrls {
		if u != "" {
			iceServers = append(iceServers, webrtc.ICEServer{URLs: []string{u}})
		}
	}

	// Auth
	authRepo := auth.NewRepository(pool)
	authHandler := auth.NewHandler(authRepo, jwtService, logger)

	// Presence registry (one authoritative connection per user)
	profileStore := profiles.NewStore(pool)
	registry := presence.NewRegistry(profileStore, logger)

	// Guardian notification queue
	jobQueue := queue.NewQueue(rdb.Client, logger)
	notifier := guardian.NewQueueNotifier(jobQueue)

	// Call session state machine
	callRepo := calls.NewRepository(pool)
	callSvc := calls.NewService(registry, callRepo, notifier,
		time.Duration(cfg.Call.RingTimeoutSec)*time.Second, logger)
	callHandler := calls.NewHandler(callSvc, callRepo, logger)

	// Recordings (disabled without S3)
	var recordingHandler *recordings.Handler
	if s3Client != nil {
		recordingRepo := recordings.NewRepository(pool)
		recordingSvc := recordings.NewService(s3Client, recordingRepo, callSvc,
			int64(cfg.Recording.MaxUploadMB)<<20, logger)
		recordingHandler = recordings.NewHandler(recordingSvc, callSvc, s3Client, logger)
	} else {
		logger.Warn("recording endpoints disabled: no S3 client")
	}

	// Guardian oversight dispatcher + in-process worker
	var channel guardian.DeliveryChannel
	if cfg.Guardian.Channel == "webhook" && cfg.Guardian.WebhookURL != "" {
		channel = guardian.NewWebhookChannel(cfg.Guardian.WebhookURL, nil, logger)
	} else {
		channel = guardian.NewEmailChannel(cfg.Email, logger)
	}
	dispatcher := guardian.NewDispatcher(profileStore, channel, nil,
		time.Duration(cfg.Guardian.SendTimeoutSec)*time.Second, logger)
	notifyProcessor := worker.NewNotificationProcessor(dispatcher, jobQueue, logger)

	jwtValidate := func(token string) (userID, role string, err error) {
		claims, err := jwtService.Validate(token)
		if err != nil {
			return "", "", err
		}
		return claims.UserID.String(), claims.Role, nil
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CORS(cfg.Server.CORSAllowedOrigins))
	router.Use(middleware.Logger(logger))

	// Health
	router.GET("/health", func(c *gin.Context) { response.OK(c, gin.H{"status": "ok"}) })

	// Auth (public)
	authGroup := router.Group("/auth")
	{
		authGroup.POST("/login", authHandler.Login)
		authGroup.POST("/register", authHandler.Register)
	}

	// Protected API (JWT required)
	api := router.Group("")
	api.Use(middleware.JWT(jwtService))
	{
		// Presence
		api.GET("/presence/online", func(c *gin.Context) {
			response.OK(c, presence.OnlinePayload{UserIDs: registry.OnlineIDs()})
		})

		// Calls (lifecycle transitions go through /ws; this is history and metadata)
		api.GET("/calls", callHandler.List)
		api.GET("/calls/:id", callHandler.GetByID)
		api.PATCH("/calls/:id/quality", callHandler.SetQuality)

		// Recordings
		if recordingHandler != nil {
			api.GET("/calls/:id/recordings", recordingHandler.ListByCall)
			api.POST("/recordings/:callId", recordingHandler.Upload)
			api.GET("/recordings/*key", recordingHandler.Serve)
			api.GET("/recordings-url/*key", recordingHandler.DownloadURL)
		}
	}

	// WebSocket (token in query; no Authorization header required)
	router.GET("/ws", realtime.ServeWs(registry, callSvc, iceServers, jwtValidate, logger))

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	// Background worker (guardian notification delivery)
	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()
	go notifyProcessor.Run(workerCtx)
	logger.Info("notification worker started")

	go func() {
		logger.Info("server listening", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	workerCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}
	logger.Info("server stopped")
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
