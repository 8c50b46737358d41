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
	"go.uber.org/zap"

	"github.com/noah-isme/madrasa-sync/internal/handler"
	"github.com/noah-isme/madrasa-sync/internal/middleware"
	"github.com/noah-isme/madrasa-sync/internal/repository"
	"github.com/noah-isme/madrasa-sync/internal/service"
	"github.com/noah-isme/madrasa-sync/pkg/config"
	"github.com/noah-isme/madrasa-sync/pkg/database"
	"github.com/noah-isme/madrasa-sync/pkg/logger"
	corsmiddleware "github.com/noah-isme/madrasa-sync/pkg/middleware/cors"
	reqidmiddleware "github.com/noah-isme/madrasa-sync/pkg/middleware/requestid"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logr, err := logger.New(cfg, "record-server")
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logr.Sync() //nolint:errcheck

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	db, err := database.NewPostgres(cfg.Database)
	if err != nil {
		logr.Fatal("failed to connect to database", zap.Error(err))
	}
	defer db.Close() //nolint:errcheck

	if err := database.Migrate(db); err != nil {
		logr.Fatal("failed to migrate database", zap.Error(err))
	}

	metricsSvc := service.NewMetricsService()
	records := service.NewRecordService(repository.NewRecordRepository(db), nil, metricsSvc, logr.Named("records"))
	recordHandler := handler.NewRecordHandler(records)
	metricsHandler := handler.NewMetricsHandler(metricsSvc, map[string]handler.HealthCheck{
		"database": db.PingContext,
	})

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))
	r.Use(middleware.Metrics(metricsSvc))

	r.GET("/health", metricsHandler.Health)
	r.GET("/metrics", metricsHandler.Prometheus)

	api := r.Group(cfg.Server.APIPrefix)
	api.GET("/health", metricsHandler.Health)
	api.POST("/records/:type", recordHandler.Create)
	api.GET("/records/:type", recordHandler.Get)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		logr.Sugar().Infow("record server starting", "addr", srv.Addr, "env", cfg.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logr.Sugar().Fatalw("server failed", "error", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logr.Warn("graceful shutdown failed", zap.Error(err))
	}
}
