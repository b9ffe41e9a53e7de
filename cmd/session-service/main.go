package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	intDatabase "callsession-backend/internal/database"
	callstateHandler "callsession-backend/internal/handler/http/callstate"
	sessionHandler "callsession-backend/internal/handler/http/session"
	"callsession-backend/internal/middleware"
	"callsession-backend/internal/repository/cockroach"
	redisRepo "callsession-backend/internal/repository/redis"
	"callsession-backend/internal/service/callstate"
	sessionService "callsession-backend/internal/service/session"
	"callsession-backend/pkg/config"
	"callsession-backend/pkg/constants"
	pkgDatabase "callsession-backend/pkg/database"
	"callsession-backend/pkg/jwt"
	"callsession-backend/pkg/logger"
	"callsession-backend/pkg/media"
	"callsession-backend/pkg/metrics"
	"callsession-backend/pkg/storage"
)

func main() {
	// .env is optional; real deployments use the environment or Docker secrets
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	if err := logger.Init(&logger.Config{
		Level:    cfg.Log.Level,
		Format:   cfg.Log.Format,
		Output:   cfg.Log.Output,
		FilePath: cfg.Log.FilePath,
	}); err != nil {
		log.Fatalf("Failed to initialise logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 1. Metrics
	appMetrics := metrics.NewMetrics(cfg.Server.ServiceName)

	// 2. CockroachDB
	db, err := pkgDatabase.ConnectWithRetry(ctx, &pkgDatabase.CockroachConfig{
		Host:     cfg.Database.Host,
		Port:     cfg.Database.Port,
		User:     cfg.Database.User,
		Password: cfg.Database.Password,
		Database: cfg.Database.Database,
		SSLMode:  cfg.Database.SSLMode,
		MaxConns: cfg.Database.MaxConns,
		MinConns: cfg.Database.MinConns,
	}, constants.DatabaseConnectRetries)
	if err != nil {
		logger.Fatal("Failed to connect to CockroachDB", zap.Error(err))
	}
	defer db.Close()

	if err := pkgDatabase.Migrate(ctx, db.Pool); err != nil {
		logger.Fatal("Failed to apply migrations", zap.Error(err))
	}

	// 3. Redis with degraded mode support
	redisDB := intDatabase.NewRedisDB(&intDatabase.RedisConfig{
		Host:     cfg.Redis.Host,
		Port:     cfg.Redis.Port,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
		Timeout:  cfg.Redis.Timeout,
	}, appMetrics)
	defer redisDB.Close()

	if err := redisDB.HealthCheck(ctx); err != nil {
		logger.Warn("Redis unavailable at startup, running in degraded mode", zap.Error(err))
	}
	redisDB.StartHealthCheck(ctx, constants.RedisHealthCheckInterval)

	// 4. Media provider
	provider, err := media.NewProvider(cfg.Media, appMetrics)
	if err != nil {
		logger.Fatal("Failed to create media provider", zap.Error(err))
	}

	// 5. Repositories and services
	sessionRepo := cockroach.NewSessionRepository(db.Pool)
	roomCache := redisRepo.NewRoomCacheRepository(redisDB, cfg.Session.CacheTTL)
	stateRepo := redisRepo.NewCallStateRepository(redisDB, constants.CallStateTTL)

	stateMachine := callstate.NewMachine(stateRepo, appMetrics)

	sessionSvc := sessionService.NewService(sessionRepo, roomCache, provider, sessionService.Config{
		Policy:       sessionService.CapacityPolicyFromConfig(cfg.Session),
		EmptyTimeout: cfg.Media.EmptyTimeout,
	}, appMetrics)
	sessionSvc.SetEventPublisher(redisRepo.NewRoomEventPublisher(redisDB))
	sessionSvc.SetStateCleaner(stateMachine)

	if cfg.MinIO.Endpoint != "" {
		recordings, err := storage.NewRecordingStore(cfg.MinIO, appMetrics)
		if err != nil {
			logger.Fatal("Failed to create recording store", zap.Error(err))
		}
		if err := recordings.EnsureBucket(ctx); err != nil {
			logger.Warn("Recording bucket not ready", zap.Error(err))
		}
		sessionSvc.SetRecordingStore(recordings)
	} else {
		logger.Info("MINIO_ENDPOINT not set, recording downloads disabled")
	}

	// 6. Handlers
	jwtManager := jwt.NewJWTManager(cfg.JWT.Secret, 15*time.Minute)
	sessionHdlr := sessionHandler.NewHandler(sessionSvc)
	stateHdlr := callstateHandler.NewHandler(stateMachine)
	callLimiter := middleware.NewRateLimiter(redisDB, "call", cfg.Server.RateLimitRequests, cfg.Server.RateLimitWindow)

	// 7. Router
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	if err := router.SetTrustedProxies(nil); err != nil {
		logger.Warn("Failed to configure trusted proxies", zap.Error(err))
	}

	router.Use(middleware.Recovery())
	router.Use(middleware.RequestLogger())
	router.Use(middleware.CORSMiddleware(cfg.Server.AllowedOrigins))
	router.Use(middleware.NewPrometheusMiddleware(appMetrics).Handler())
	router.Use(middleware.Timeout(cfg.Server.RequestTimeout))

	router.GET("/health", func(c *gin.Context) {
		status := "healthy"
		code := http.StatusOK
		if err := db.Ping(c.Request.Context()); err != nil {
			status = "unhealthy"
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, gin.H{
			"status":         status,
			"service":        cfg.Server.ServiceName,
			"redis_degraded": redisDB.IsDegraded(),
			"time":           time.Now().UTC(),
		})
	})
	router.GET("/metrics", middleware.MetricsHandler(appMetrics))

	internal := router.Group("/v1/rtc/internal")
	internal.Use(middleware.InternalAuth(cfg.Server.InternalToken))
	{
		internal.POST("/rooms/:roomName/finished", sessionHdlr.RoomFinished)
		internal.POST("/rooms/:roomName/recording", sessionHdlr.AttachRecording)
	}

	v1 := router.Group("/v1/rtc")
	v1.Use(middleware.AuthMiddleware(jwtManager))
	{
		// Call management
		v1.POST("/call/start", callLimiter.Middleware(), sessionHdlr.StartCall)
		v1.POST("/call/join", callLimiter.Middleware(), sessionHdlr.JoinCall)
		v1.POST("/call/leave", sessionHdlr.LeaveCall)

		// Rooms
		v1.GET("/room/:roomName", sessionHdlr.GetRoom)
		v1.GET("/room/:roomName/participants", sessionHdlr.ListParticipants)
		v1.GET("/room/:roomName/recording", sessionHdlr.GetRecording)

		// Caller history
		v1.GET("/user/current", sessionHdlr.GetCurrent)
		v1.GET("/user/history", sessionHdlr.GetHistory)

		// Per-participant call state
		v1.GET("/state/:roomName", stateHdlr.GetState)
		v1.POST("/state/:roomName", stateHdlr.SetState)
		v1.DELETE("/state/:roomName", stateHdlr.ClearState)
	}

	// 8. Start server
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: constants.ServerReadHeaderTimeout,
	}

	go func() {
		logger.Info("Session service starting",
			zap.Int("port", cfg.Server.Port),
			zap.String("media_provider", cfg.Media.Provider),
			zap.String("env", cfg.Server.Environment))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server failed", zap.Error(err))
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down session service")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), constants.GracefulShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Graceful shutdown failed", zap.Error(err))
	}
}
