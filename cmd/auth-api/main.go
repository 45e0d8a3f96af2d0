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

	"github.com/noah-isme/secure-auth-api/internal/handler"
	"github.com/noah-isme/secure-auth-api/internal/middleware"
	"github.com/noah-isme/secure-auth-api/internal/repository"
	"github.com/noah-isme/secure-auth-api/internal/service"
	"github.com/noah-isme/secure-auth-api/pkg/cache"
	"github.com/noah-isme/secure-auth-api/pkg/config"
	"github.com/noah-isme/secure-auth-api/pkg/database"
	"github.com/noah-isme/secure-auth-api/pkg/jobs"
	"github.com/noah-isme/secure-auth-api/pkg/logger"
	corsmiddleware "github.com/noah-isme/secure-auth-api/pkg/middleware/cors"
	reqidmiddleware "github.com/noah-isme/secure-auth-api/pkg/middleware/requestid"
)

// @title Secure Auth API
// @version 1.0.0
// @description Session and token security core: rotation, revocation, device binding, second factor
// @BasePath /api/v1
// @schemes http https

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

	db, err := database.NewPostgres(cfg.Database)
	if err != nil {
		logr.Sugar().Fatalw("failed to connect postgres", "error", err)
	}
	defer db.Close()

	redisClient, err := cache.NewRedis(cfg.Redis)
	if err != nil {
		logr.Sugar().Fatalw("failed to connect redis", "error", err)
	}
	defer redisClient.Close()

	validate := validator.New()

	userRepo := repository.NewUserRepository(db)
	sessionRepo := repository.NewSessionRepository(db)
	deviceRepo := repository.NewDeviceRepository(db)
	auditRepo := repository.NewAuditRepository(db)
	limiterRepo := repository.NewLimiterRepository(redisClient, logr)

	metricsService := service.NewMetricsService()
	tokenService := service.NewTokenService(service.TokenConfig{
		AccessSecret:  cfg.JWT.AccessSecret,
		RefreshSecret: cfg.JWT.RefreshSecret,
		AccessExpiry:  cfg.JWT.AccessExpiry,
		RefreshExpiry: cfg.JWT.RefreshExpiry,
		Issuer:        cfg.JWT.Issuer,
		Audience:      cfg.JWT.Audience,
		ClockLeeway:   cfg.JWT.ClockLeeway,
	})
	totpService := service.NewTOTPService(service.TOTPConfig{
		Issuer:          cfg.Security.TOTPIssuer,
		Skew:            cfg.Security.TOTPSkew,
		BackupCodeCount: cfg.Security.BackupCodeCount,
		BcryptCost:      cfg.Security.BcryptCost,
	})
	sessionService := service.NewSessionService(sessionRepo, userRepo, tokenService, auditRepo, metricsService, logr, service.SessionConfig{
		RevokedRetention: cfg.Cleanup.RevokedRetained,
	})
	deviceService := service.NewDeviceService(deviceRepo, sessionRepo, auditRepo, logr)
	lockoutService := service.NewLockoutService(limiterRepo, userRepo, auditRepo, logr, service.LockoutConfig{
		APIMaxRequests:      cfg.RateLimit.APIMaxRequests,
		APIWindow:           cfg.RateLimit.APIWindow,
		AuthMaxAttempts:     cfg.RateLimit.AuthMaxAttempts,
		AuthWindow:          cfg.RateLimit.AuthWindow,
		AuthBlockDuration:   cfg.RateLimit.AuthBlockDuration,
		MaxFailedLogins:     cfg.Security.MaxFailedLogins,
		AccountLockDuration: cfg.Security.AccountLockDuration,
	})
	authService := service.NewAuthService(userRepo, sessionService, deviceService, lockoutService, totpService, metricsService, auditRepo, validate, logr, service.AuthConfig{
		BcryptCost: cfg.Security.BcryptCost,
	})

	authHandler := handler.NewAuthHandler(authService, sessionService, handler.CookieOptions{
		Secure:        cfg.Env == config.EnvProduction,
		RefreshPath:   cfg.APIPrefix + "/auth",
		AccessMaxAge:  int(cfg.JWT.AccessExpiry.Seconds()),
		RefreshMaxAge: int(cfg.JWT.RefreshExpiry.Seconds()),
	})
	deviceHandler := handler.NewDeviceHandler(deviceService)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))
	r.Use(middleware.Metrics(metricsService))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/ready", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := db.PingContext(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "postgres": err.Error()})
			return
		}
		if err := redisClient.Ping(ctx).Err(); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "redis": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})
	r.GET("/metrics", gin.WrapH(metricsService.Handler()))

	api := r.Group(cfg.APIPrefix)
	api.Use(middleware.APIRateLimit(lockoutService, metricsService, logr))

	auth := api.Group("/auth")
	{
		credential := auth.Group("")
		credential.Use(middleware.AuthRateLimit(lockoutService, metricsService, logr))
		credential.POST("/login", authHandler.Login)
		credential.POST("/login/passkey", authHandler.LoginPasskey)

		auth.POST("/refresh", authHandler.Refresh)

		protected := auth.Group("")
		protected.Use(middleware.JWT(sessionService))
		protected.POST("/logout", authHandler.Logout)
		protected.POST("/logout-others", authHandler.LogoutOthers)
		protected.POST("/logout-all", authHandler.LogoutAll)
		protected.POST("/change-password", authHandler.ChangePassword)
		protected.GET("/sessions", authHandler.Sessions)
		protected.GET("/me", authHandler.Me)
		protected.POST("/totp/setup", authHandler.TOTPSetup)
		protected.POST("/totp/confirm", authHandler.TOTPConfirm)
		protected.POST("/totp/disable", authHandler.TOTPDisable)
	}

	devices := api.Group("/devices")
	devices.Use(middleware.JWT(sessionService))
	{
		devices.GET("", deviceHandler.List)
		devices.POST("/:id/trust", deviceHandler.Trust)
		devices.DELETE("/:id", deviceHandler.Revoke)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cleanup := jobs.NewRunner("session-cleanup", func(jobCtx context.Context) error {
		removed, err := sessionService.Cleanup(jobCtx)
		if err != nil {
			return err
		}
		if removed > 0 {
			logr.Sugar().Infow("expired sessions removed", "count", removed)
		}
		return nil
	}, jobs.RunnerConfig{Interval: cfg.Cleanup.Interval, Logger: logr})
	cleanup.Start(ctx)
	defer cleanup.Stop()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logr.Sugar().Infow("server starting", "addr", srv.Addr, "env", cfg.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logr.Sugar().Errorw("server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logr.Sugar().Infow("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logr.Sugar().Errorw("graceful shutdown failed", "error", err)
	}
}
