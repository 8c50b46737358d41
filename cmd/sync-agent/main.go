package main

import (
	"context"
	"errors"
	"fmt"
	"io"
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
	"github.com/noah-isme/madrasa-sync/pkg/cache"
	"github.com/noah-isme/madrasa-sync/pkg/config"
	"github.com/noah-isme/madrasa-sync/pkg/logger"
	corsmiddleware "github.com/noah-isme/madrasa-sync/pkg/middleware/cors"
	reqidmiddleware "github.com/noah-isme/madrasa-sync/pkg/middleware/requestid"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logr, err := logger.New(cfg, "sync-agent")
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logr.Sync() //nolint:errcheck

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	kv, closer, err := openLocalStore(cfg)
	if err != nil {
		logr.Fatal("failed to open local store", zap.String("driver", cfg.Store.Driver), zap.Error(err))
	}
	defer closer.Close() //nolint:errcheck
	store := repository.NewIndexedStore(kv)

	loc := time.Local
	if cfg.Sync.Location != "" {
		if loc, err = time.LoadLocation(cfg.Sync.Location); err != nil {
			logr.Fatal("invalid sync location", zap.String("location", cfg.Sync.Location), zap.Error(err))
		}
	}

	identity := service.NewLocalDeviceIdentity(store)
	deviceID, err := identity.DeviceID(ctx)
	if err != nil {
		logr.Fatal("failed to resolve device id", zap.Error(err))
	}

	metricsSvc := service.NewMetricsService()
	notifier := service.NewNotifier(logr.Named("notifier"))
	notifier.Start(ctx)
	defer notifier.Stop()

	queue, err := service.NewSyncQueue(ctx, store, service.SyncQueueConfig{
		RetryCeiling:     cfg.Sync.RetryCeiling,
		RetentionWindow:  cfg.Sync.RetentionWindow,
		Logger:           logr.Named("queue"),
		OnStorageWarning: service.StorageWarningPublisher(notifier),
	})
	if err != nil {
		logr.Fatal("sync queue unreadable; reset local state", zap.Error(err))
	}

	locks := service.NewAttendanceLockManager(store, nil, loc, logr.Named("locks"))
	resolver := service.NewConflictResolver(service.ConflictPolicy{
		Window:               cfg.Sync.ConflictWindow,
		MergeDisjointSubsets: cfg.Sync.MergeDisjointSubsets,
	}, nil)
	remote := repository.NewRemoteClient(cfg.Remote.BaseURL, deviceID, cfg.Remote.Timeout)

	engine := service.NewSyncEngine(queue, locks, resolver, remote, service.SyncEngineConfig{
		DeviceID:      deviceID,
		Interval:      cfg.Sync.Interval,
		ProbeInterval: cfg.Sync.ProbeInterval,
		BackoffMin:    cfg.Sync.BackoffMin,
		BackoffMax:    cfg.Sync.BackoffMax,
	},
		service.WithSnapshots(service.NewSnapshotStore(store)),
		service.WithConflictLog(service.NewConflictLog(store)),
		service.WithNotifier(notifier),
		service.WithSyncMetrics(metricsSvc),
		service.WithEngineLogger(logr.Named("engine")),
	)
	engine.Start(ctx)
	defer engine.Stop()

	status := service.NewStatusReporter(queue, engine)
	syncHandler := handler.NewSyncHandler(engine, status, locks)
	eventsHandler := handler.NewEventsHandler(notifier, cfg.CORS.AllowedOrigins, logr.Named("events"))
	metricsHandler := handler.NewMetricsHandler(metricsSvc, map[string]handler.HealthCheck{
		"local_store": func(ctx context.Context) error {
			_, err := identity.DeviceID(ctx)
			return err
		},
	})

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))
	r.Use(middleware.Metrics(metricsSvc))

	r.GET("/health", metricsHandler.Health)
	r.GET("/metrics", metricsHandler.Prometheus)

	api := r.Group(cfg.Agent.APIPrefix)
	api.POST("/mutations", syncHandler.Submit)
	api.GET("/status", syncHandler.Status)
	api.POST("/force", syncHandler.Force)
	api.GET("/locks", syncHandler.Lock)
	api.GET("/failures", syncHandler.Failures)
	api.POST("/failures/:id/retry", syncHandler.Retry)
	api.DELETE("/failures/:id", syncHandler.Dismiss)
	api.GET("/conflicts", syncHandler.Conflicts)
	api.GET("/events", eventsHandler.Stream)

	srv := &http.Server{
		Addr:              fmt.Sprintf("127.0.0.1:%d", cfg.Agent.Port),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logr.Sugar().Infow("sync agent starting", "addr", srv.Addr, "device_id", deviceID, "store", cfg.Store.Driver, "remote", cfg.Remote.BaseURL)
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

// openLocalStore builds the configured key/value backend, optionally snappy-compressed.
func openLocalStore(cfg *config.Config) (repository.KeyValueStore, io.Closer, error) {
	var (
		kv     repository.KeyValueStore
		closer io.Closer
	)
	switch cfg.Store.Driver {
	case config.StoreDriverSQLite, "":
		store, err := repository.NewSQLiteStore(repository.SQLiteStoreConfig{Path: cfg.Store.SQLitePath})
		if err != nil {
			return nil, nil, err
		}
		kv, closer = store, store
	case config.StoreDriverRedis:
		client, err := cache.NewRedis(cfg.Redis)
		if err != nil {
			return nil, nil, err
		}
		store := repository.NewRedisStore(client, cfg.Store.RedisPrefix)
		kv, closer = store, store
	case config.StoreDriverMemory:
		kv, closer = repository.NewMemoryStore(), io.NopCloser(nil)
	default:
		return nil, nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
	if cfg.Store.Compress {
		kv = repository.NewCompressedStore(kv)
	}
	return kv, closer, nil
}
