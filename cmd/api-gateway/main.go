package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	_ "github.com/noah-isme/user-guard-api/api/swagger"
	"github.com/noah-isme/user-guard-api/internal/handler"
	"github.com/noah-isme/user-guard-api/internal/repository"
	"github.com/noah-isme/user-guard-api/internal/service"
	"github.com/noah-isme/user-guard-api/pkg/cache"
	"github.com/noah-isme/user-guard-api/pkg/config"
	"github.com/noah-isme/user-guard-api/pkg/database"
	"github.com/noah-isme/user-guard-api/pkg/jobs"
	"github.com/noah-isme/user-guard-api/pkg/logger"
	"github.com/noah-isme/user-guard-api/pkg/ratelimit"
)

// @title User Guard API
// @version 1.0.0
// @description Authentication abuse protection, session lifecycle and activity auditing
// @BasePath /api/v1
// @schemes http
// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logr, err := logger.New(cfg)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logr.Sync() //nolint:errcheck

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.NewPostgres(ctx, cfg.Database)
	if err != nil {
		logr.Fatal("failed to connect database", zap.Error(err))
	}
	defer db.Close()

	if cfg.Database.AutoMigrate {
		if err := database.Migrate(ctx, db); err != nil {
			logr.Fatal("failed to migrate database", zap.Error(err))
		}
	}

	redisClient := connectRedis(ctx, cfg.Redis, logr)
	metrics := service.NewMetricsService()
	cacheRepo := repository.NewCacheRepository(redisClient, logr.Named("cache"))
	defer cacheRepo.Close() //nolint:errcheck
	cacheSvc := service.NewCacheService(cacheRepo, metrics, cfg.Audit.StatsCacheTTL, logr.Named("cache"), cfg.Audit.StatsCacheEnabled && redisClient != nil)

	validate := validator.New()

	auditSvc := service.NewAuditService(repository.NewActivityRepository(db), cacheSvc, metrics, validate, logr.Named("audit"), service.AuditConfig{
		ExportLimit:       cfg.Audit.ExportLimit,
		StatsCacheTTL:     cfg.Audit.StatsCacheTTL,
		RetentionDays:     cfg.Audit.RetentionDays,
		RetentionInterval: cfg.Audit.RetentionInterval,
	})
	var auditQueue *jobs.Queue
	if cfg.Audit.Async {
		auditQueue = jobs.NewQueue("activity", auditSvc.HandleJob, jobs.QueueConfig{
			Workers:    cfg.Audit.Workers,
			BufferSize: cfg.Audit.BufferSize,
			MaxRetries: cfg.Audit.MaxRetries,
			OnDrop:     auditSvc.HandleDrop,
			Logger:     logr.Named("jobs"),
		})
		// the queue outlives the signal context so requests still draining
		// during shutdown keep their records; it is stopped after the server
		auditQueue.Start(context.Background())
		auditSvc.UseQueue(auditQueue)
		metrics.TrackGauge("audit_queue_pending", "Activity records waiting to be written", func() float64 {
			return float64(auditQueue.Pending())
		})
	}
	auditSvc.StartRetention(ctx)

	store := ratelimit.NewMemoryStore(ratelimit.WithLogger(logr.Named("ratelimit")))
	go store.Run(ctx, cfg.RateLimit.ReapInterval)
	metrics.TrackGauge("rate_limit_tracked_keys", "Keys currently held by the rate limit store", func() float64 {
		return float64(store.Len())
	})

	guard := service.NewAbuseGuard(store, auditSvc, metrics, logr.Named("guard"), cfg.RateLimit.FailOpen, guardPolicies(cfg.RateLimit)...)

	sessions := service.NewSessionService(repository.NewRefreshTokenRepository(db), service.RandomTokenGenerator{}, metrics, logr.Named("sessions"), service.SessionConfig{
		RefreshTTL:    cfg.JWT.RefreshExpiration,
		SweepInterval: cfg.Sessions.SweepInterval,
	})
	sessions.StartSweeper(ctx)

	users := repository.NewUserRepository(db)
	tokens := service.NewJWTIssuer(cfg.JWT.Secret, cfg.JWT.Expiration, cfg.JWT.Issuer)
	authSvc := service.NewAuthService(users, sessions, auditSvc, service.BcryptHasher{}, tokens, validate, logr.Named("auth"))
	userSvc := service.NewUserService(users, sessions, auditSvc, validate, logr.Named("users"))

	metricsHandler := handler.NewMetricsHandler(metrics)
	metricsHandler.AddCheck("database", db.PingContext)
	if redisClient != nil {
		metricsHandler.AddCheck("redis", cacheRepo.Ping)
	}

	router := newRouter(cfg, logr, routeDeps{
		auth:     handler.NewAuthHandler(authSvc),
		audit:    handler.NewAuditHandler(auditSvc),
		security: handler.NewSecurityHandler(guard, metrics),
		users:    handler.NewUserHandler(userSvc),
		metrics:  metricsHandler,
		tokens:   authSvc,
		guard:    guard,
		recorder: auditSvc,
		observer: metrics,
	})

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logr.Sugar().Infow("server starting", "addr", srv.Addr, "env", cfg.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logr.Fatal("server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logr.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logr.Error("graceful shutdown failed", zap.Error(err))
	}
	if auditQueue != nil {
		auditQueue.Stop()
	}
	logr.Info("server stopped")
}

// connectRedis returns nil when Redis is disabled or unreachable; the
// statistics cache then always misses.
func connectRedis(ctx context.Context, cfg config.RedisConfig, logr *zap.Logger) redis.UniversalClient {
	if !cfg.Enabled {
		return nil
	}
	client, err := cache.NewRedis(ctx, cfg)
	if err != nil {
		logr.Warn("redis unavailable, statistics cache disabled", zap.Error(err))
		return nil
	}
	return client
}

func guardPolicies(cfg config.RateLimitConfig) []service.GuardPolicy {
	return []service.GuardPolicy{
		{
			Name:          service.PolicyLogin,
			Window:        cfg.Login.Window,
			MaxAttempts:   cfg.Login.MaxAttempts,
			BlockDuration: cfg.Login.BlockDuration,
			LocksAccount:  true,
		},
		{
			Name:          service.PolicyPasswordReset,
			Window:        cfg.PasswordReset.Window,
			MaxAttempts:   cfg.PasswordReset.MaxAttempts,
			BlockDuration: cfg.PasswordReset.BlockDuration,
		},
		{
			Name:          service.PolicyIP,
			Window:        cfg.IP.Window,
			MaxAttempts:   cfg.IP.MaxAttempts,
			BlockDuration: cfg.IP.BlockDuration,
			HardBlock:     true,
		},
	}
}
