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
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/zap"

	_ "github.com/noah-isme/iam-gate-api/api/swagger"
	"github.com/noah-isme/iam-gate-api/internal/handler"
	"github.com/noah-isme/iam-gate-api/internal/middleware"
	"github.com/noah-isme/iam-gate-api/internal/repository"
	"github.com/noah-isme/iam-gate-api/internal/router"
	"github.com/noah-isme/iam-gate-api/internal/service"
	"github.com/noah-isme/iam-gate-api/internal/token"
	"github.com/noah-isme/iam-gate-api/pkg/cache"
	"github.com/noah-isme/iam-gate-api/pkg/config"
	"github.com/noah-isme/iam-gate-api/pkg/database"
	"github.com/noah-isme/iam-gate-api/pkg/jobs"
	"github.com/noah-isme/iam-gate-api/pkg/logger"
	corsmiddleware "github.com/noah-isme/iam-gate-api/pkg/middleware/cors"
	reqidmiddleware "github.com/noah-isme/iam-gate-api/pkg/middleware/requestid"
	"github.com/noah-isme/iam-gate-api/pkg/password"
)

// @title IAM Gate API
// @version 1.0.0
// @description Authentication gate with brute-force protection
// @BasePath /v1
// @schemes http https
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

	rootCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := database.NewPostgres(rootCtx, cfg.Database)
	if err != nil {
		logr.Fatal("failed to connect postgres", zap.Error(err))
	}
	defer db.Close()

	redisClient, err := cache.NewRedis(rootCtx, cfg.Redis)
	if err != nil {
		logr.Fatal("failed to connect redis", zap.Error(err))
	}
	defer redisClient.Close()

	metricsSvc := service.NewMetricsService()

	userRepo := repository.NewUserRepository(db)
	refreshRepo := repository.NewRefreshTokenRepository(db)
	auditRepo := repository.NewAuditRepository(db)
	assignmentRepo := repository.NewAssignmentRepository(db)
	abuseRepo := repository.NewAbuseRepository(redisClient, cfg.AbuseGuard.KeyPrefix)
	cacheRepo := repository.NewCacheRepository(redisClient, cfg.Permissions.CachePrefix)

	auditWorker := service.NewAuditWorker(auditRepo, logr)
	auditQueue := jobs.NewQueue("audit", auditWorker.Handle, jobs.QueueConfig{
		Workers:    cfg.Audit.Workers,
		BufferSize: cfg.Audit.BufferSize,
		MaxRetries: cfg.Audit.MaxRetries,
		Logger:     logr,
	})
	auditQueue.Start(rootCtx)
	auditSvc := service.NewAuditService(auditQueue, logr)

	codec := token.NewCodec(cfg.Auth.AppID, cfg.Auth.SecretKey, cfg.AccessTTL())
	guard := service.NewAbuseGuard(abuseRepo, cfg.AbuseGuard, metricsSvc, logr)
	var limiter middleware.RequestLimiter
	if cfg.RateLimit.Enabled {
		limiter = repository.NewRateLimiter(redisClient, cfg.RateLimit.Prefix, cfg.RateLimit.Requests, cfg.RateLimit.Window)
	}
	refreshSvc := service.NewRefreshService(refreshRepo, logr)
	permissionSvc := service.NewPermissionService(assignmentRepo, cacheRepo, cfg.Permissions.CacheTTL, metricsSvc, logr)

	hasher := password.NewHasher(cfg.Auth.BcryptCost)
	policy := password.DefaultPolicy(cfg.Auth.PasswordMinLength)
	validate := service.NewValidator()

	authSvc := service.NewAuthService(service.AuthDependencies{
		Users:   userRepo,
		Refresh: refreshSvc,
		Guard:   guard,
		Tokens:  codec,
		Hasher:  hasher,
		Policy:  policy,
		Audit:   auditSvc,
		Metrics: metricsSvc,
	}, validate, logr, service.AuthConfig{
		PasswordHistory: cfg.Auth.PasswordHistory,
		RevokeOnSignIn:  cfg.Auth.RevokeOnSignIn,
	})
	userSvc := service.NewUserService(userRepo, hasher, policy, validate, auditSvc, logr)

	handlers := router.Handlers{
		Auth: handler.NewAuthHandler(authSvc, handler.RefreshCookie{
			Name:   cfg.Auth.RefreshCookieName,
			Path:   cfg.Auth.RefreshCookiePath,
			Secure: cfg.Auth.CookieSecure,
		}),
		Abuse: handler.NewAbuseHandler(guard, auditSvc),
		Users: handler.NewUserHandler(authSvc, userSvc, permissionSvc),
		Metrics: handler.NewMetricsHandler(metricsSvc, map[string]handler.ReadinessCheck{
			"postgres": db.PingContext,
			"redis":    abuseRepo.Ping,
		}),
	}
	guards := router.Guards{
		LiveSession: middleware.RequireLiveSession(authSvc, metricsSvc),
		Permission: func(item string) gin.HandlerFunc {
			return middleware.RequirePermission(permissionSvc, item)
		},
		Audit: func(action, resource string) gin.HandlerFunc {
			return middleware.Audit(auditSvc, action, resource)
		},
	}

	r, err := router.NewEngine(cfg.TrustedProxies)
	if err != nil {
		logr.Sugar().Fatalw("invalid TRUSTED_PROXIES", "error", err)
	}
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr, "/health", "/ready", "/metrics"))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))
	r.Use(middleware.Metrics(metricsSvc, "/metrics"))
	r.Use(middleware.AddressGuard(guard, limiter, middleware.AddressGuardConfig{
		FailOpen:     cfg.AbuseGuard.FailPolicy == config.FailOpen,
		StoreTimeout: cfg.AbuseGuard.StoreTimeout,
		Exempt:       []string{"/health", "/ready", "/metrics"},
	}, metricsSvc, logr))
	r.Use(middleware.Gate(codec, middleware.GateConfig{
		APIPrefix:      cfg.APIPrefix,
		SafeEndpoints:  cfg.SafeEndpoints,
		CookieName:     cfg.Auth.AccessCookieName,
		CookieFallback: cfg.Auth.CookieFallback,
	}, metricsSvc, logr))

	router.Register(r, router.Routes(cfg.APIPrefix, handlers, guards))

	if cfg.Env != config.EnvProduction {
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logr.Sugar().Infow("server starting", "addr", srv.Addr, "env", cfg.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logr.Sugar().Fatalw("server failed", "error", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	logr.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logr.Error("http shutdown failed", zap.Error(err))
	}
	auditQueue.Stop()
	logr.Info("server stopped")
}
