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

	"github.com/vivuchat/vivuchat-api/internal/handler"
	"github.com/vivuchat/vivuchat-api/internal/middleware"
	"github.com/vivuchat/vivuchat-api/internal/models"
	"github.com/vivuchat/vivuchat-api/internal/repository"
	"github.com/vivuchat/vivuchat-api/internal/service"
	"github.com/vivuchat/vivuchat-api/pkg/cache"
	"github.com/vivuchat/vivuchat-api/pkg/config"
	"github.com/vivuchat/vivuchat-api/pkg/database"
	"github.com/vivuchat/vivuchat-api/pkg/logger"
	corsmiddleware "github.com/vivuchat/vivuchat-api/pkg/middleware/cors"
	reqidmiddleware "github.com/vivuchat/vivuchat-api/pkg/middleware/requestid"
)

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

	db, err := database.NewPostgres(cfg.Database)
	if err != nil {
		logr.Sugar().Fatalw("failed to connect to postgres", "error", err)
	}
	defer db.Close()

	redisClient, err := cache.NewRedis(cfg.Redis)
	if err != nil {
		logr.Sugar().Warnw("redis unavailable, caching disabled", "error", err)
		redisClient = nil
	}
	if redisClient != nil {
		defer redisClient.Close()
	}

	validate := validator.New()

	// Repositories.
	userRepo := repository.NewUserRepository(db)
	tokenRepo := repository.NewTokenRepository(db)
	chatRepo := repository.NewChatRepository(db)
	auditRepo := repository.NewAuditRepository(db)
	cacheRepo := repository.NewCacheRepository(redisClient, logr)

	// Services.
	metricsSvc := service.NewMetricsService()
	auditPublisher := service.NewAuditPublisher(auditRepo, logr, cfg.Audit.Workers, cfg.Audit.BufferSize)
	auditSvc := service.NewAuditService(auditRepo, logr)
	jwtSvc := service.NewJWTService(cfg.JWT)
	tokenSvc := service.NewTokenService(tokenRepo, logr, cfg.JWT.RefreshExpiration)
	authSvc := service.NewAuthService(userRepo, tokenSvc, jwtSvc, auditPublisher, validate, logr)
	userSvc := service.NewUserService(userRepo, tokenSvc, validate, logr)
	chatSvc := service.NewChatService(chatRepo, validate, logr)
	ollamaSvc := service.NewOllamaService(cfg.Ollama, cacheRepo, logr)
	purgeScheduler := service.NewPurgeScheduler(tokenSvc, logr, cfg.Purge.Interval)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	auditPublisher.Start(ctx)
	defer auditPublisher.Stop()
	purgeScheduler.Start(ctx)
	defer purgeScheduler.Stop()

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))
	r.Use(middleware.Metrics(metricsSvc))

	// Handlers.
	authHandler := handler.NewAuthHandler(authSvc, metricsSvc)
	adminHandler := handler.NewAdminHandler(authSvc, userSvc, auditSvc, metricsSvc)
	userHandler := handler.NewUserHandler(userSvc)
	chatHandler := handler.NewChatHandler(chatSvc, ollamaSvc, logr)
	modelHandler := handler.NewModelHandler(ollamaSvc)
	metricsHandler := handler.NewMetricsHandler(metricsSvc)

	r.GET("/health", metricsHandler.Health)
	r.GET("/metrics", metricsHandler.Prometheus)

	api := r.Group(cfg.APIPrefix)

	auth := api.Group("/auth")
	auth.POST("/login", authHandler.Login)
	auth.POST("/register", authHandler.Register)
	auth.POST("/refresh", authHandler.Refresh)
	auth.POST("/logout", authHandler.Logout)
	auth.POST("/revoke", authHandler.Revoke)

	authed := api.Group("")
	authed.Use(middleware.JWT(jwtSvc))

	users := authed.Group("/users")
	users.GET("/me", userHandler.Me)
	users.PUT("/me", userHandler.UpdateProfile)

	chats := authed.Group("/chats")
	chats.POST("", chatHandler.Create)
	chats.GET("", chatHandler.List)
	chats.GET("/:id", chatHandler.Get)
	chats.DELETE("/:id", chatHandler.Delete)
	chats.POST("/:id/stream", chatHandler.Stream)

	modelsGroup := authed.Group("/models")
	modelsGroup.GET("", modelHandler.List)
	modelsGroup.GET("/:name", modelHandler.Show)
	modelsGroup.POST("/pull", middleware.RBAC(models.RoleAdmin), modelHandler.Pull)
	modelsGroup.DELETE("/:name", middleware.RBAC(models.RoleAdmin), modelHandler.Delete)

	admin := authed.Group("/admin")
	admin.Use(middleware.RBAC(models.RoleAdmin))
	admin.GET("/tokens", adminHandler.ListActiveTokens)
	admin.POST("/tokens/revoke", adminHandler.RevokeToken)
	admin.POST("/tokens/purge", adminHandler.PurgeTokens)
	admin.GET("/users", adminHandler.ListUsers)
	admin.PUT("/users/:id/status", adminHandler.UpdateUserStatus)
	admin.DELETE("/users/:username/tokens", adminHandler.RevokeUserTokens)
	admin.GET("/audit", adminHandler.ListAuditEvents)
	admin.GET("/audit/export", adminHandler.ExportAuditEvents)

	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logr.Sugar().Infow("server starting", "addr", addr, "env", cfg.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logr.Sugar().Fatalw("server failed", "error", err)
		}
	}()

	<-ctx.Done()
	logr.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logr.Sugar().Errorw("graceful shutdown failed", "error", err)
	}
}
