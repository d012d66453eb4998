package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	v1 "github.com/jaennil/guide_helper/media/internal/infrastructure/http/v1"
	"github.com/jaennil/guide_helper/media/internal/infrastructure/http/v1/handler"
	"github.com/jaennil/guide_helper/media/internal/raster"
	"github.com/jaennil/guide_helper/media/internal/repository/asset"
	"github.com/jaennil/guide_helper/media/internal/repository/cache"
	"github.com/jaennil/guide_helper/media/internal/repository/storage"
	"github.com/jaennil/guide_helper/media/internal/tilecache"
	"github.com/jaennil/guide_helper/media/internal/usecase"
	"github.com/jaennil/guide_helper/media/pkg/config"
	http_server "github.com/jaennil/guide_helper/media/pkg/http_server"
	"github.com/jaennil/guide_helper/media/pkg/logger"
	"github.com/jaennil/guide_helper/media/pkg/telemetry"
)

// services holds everything Run and Reap share. close releases it in
// reverse order of construction.
type services struct {
	backend  storage.Backend
	registry *asset.SQLiteRegistry
	pool     *raster.Pool
	shared   *cache.RedisStore
	tiles    *usecase.TileUseCase
	uploads  *usecase.UploadUseCase
	maxBytes int64
}

func newServices(cfg *config.Config, l logger.Logger) (*services, error) {
	backend, err := storage.New(cfg.Storage, l)
	if err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}

	registry, err := asset.NewSQLiteRegistry(cfg.Registry.DSN, l)
	if err != nil {
		return nil, fmt.Errorf("registry: %w", err)
	}
	s := &services{backend: backend, registry: registry}

	budget, err := cfg.Tiles.CacheByteBudget()
	if err != nil {
		s.close(l)
		return nil, err
	}
	tiles, err := tilecache.New(tilecache.Config{
		MaxBytes:   budget,
		MaxEntries: cfg.Tiles.CacheEntries,
		MaxAge:     cfg.Tiles.CacheMaxAge,
	}, l)
	if err != nil {
		s.close(l)
		return nil, err
	}

	var shared cache.TileStore
	if cfg.Redis.Enabled {
		s.shared, err = cache.NewRedisStore(cache.RedisConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			TTL:      cfg.Redis.TTL,
		}, l)
		if err != nil {
			s.close(l)
			return nil, err
		}
		shared = s.shared
	}

	s.pool = raster.NewPool(cfg.Tiles.PoolSize, cfg.Tiles.PoolIdleTTL, l)

	s.maxBytes, err = cfg.Upload.MaxBytes()
	if err != nil {
		s.close(l)
		return nil, err
	}

	s.tiles = usecase.NewTileUseCase(usecase.TileConfig{
		Size:          cfg.Tiles.Size,
		MinZoom:       cfg.Tiles.MinZoom,
		MaxZoom:       cfg.Tiles.MaxZoom,
		DecodeTimeout: cfg.Tiles.DecodeTimeout,
		MaxAge:        cfg.Tiles.CacheMaxAge,
	}, registry, backend, tiles, shared, s.pool, l)

	s.uploads = usecase.NewUploadUseCase(usecase.UploadConfig{
		MaxBytes:      s.maxBytes,
		ThumbnailSize: cfg.Upload.ThumbnailSize,
		PresignTTL:    cfg.Storage.PresignTTL,
	}, registry, backend, s.tiles, l)

	return s, nil
}

func (s *services) close(l logger.Logger) {
	if s.pool != nil {
		s.pool.Close()
	}
	if s.shared != nil {
		if err := s.shared.Close(); err != nil {
			l.Error("failed to close redis tile store", "error", err)
		}
	}
	if err := s.registry.Close(); err != nil {
		l.Error("failed to close registry", "error", err)
	}
}

// Run serves the HTTP API until SIGINT or SIGTERM.
func Run(cfg *config.Config) {
	l := logger.NewZapLogger(cfg.Logger)
	defer l.Sync()

	l.Info("starting media service", "storage", cfg.Storage.Kind, "redis", cfg.Redis.Enabled)

	if cfg.Telemetry.Enabled {
		shutdownTelemetry, err := telemetry.InitTracer(telemetry.Config{
			ServiceName:    cfg.Telemetry.ServiceName,
			ServiceVersion: cfg.Telemetry.ServiceVersion,
			Environment:    cfg.Telemetry.Environment,
			OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
		}, l)
		if err != nil {
			l.Fatal("failed to initialize telemetry", "error", err)
		}
		defer func() {
			if err := shutdownTelemetry(context.Background()); err != nil {
				l.Error("failed to shutdown telemetry", "error", err)
			}
		}()
		l.Info("telemetry initialized", "service", cfg.Telemetry.ServiceName)
	}

	s, err := newServices(cfg, l)
	if err != nil {
		l.Fatal("failed to initialize services", "error", err)
	}
	defer s.close(l)

	// Only the local backend hands out tokens that this service redeems.
	var blobs handler.BlobStore
	if local, ok := s.backend.(*storage.Local); ok {
		blobs = local
	}

	h := handler.NewHandler(validator.New(), s.tiles, s.uploads, blobs, s.maxBytes)
	router := v1.NewRouter(h, l, cfg.Telemetry.Enabled, cfg.Telemetry.ServiceName)
	server := http_server.NewServer(cfg.HTTP.Server, router)

	go func() {
		l.Info("starting http server", "port", cfg.HTTP.Server.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			l.Fatal("failed to start server", "error", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	l.Info("shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		l.Error("server forced to shutdown", "error", err)
		return
	}

	l.Info("server stopped")
}

// Reap removes assets soft-deleted longer than cfg.Reap.Grace ago and
// returns how many were removed.
func Reap(ctx context.Context, cfg *config.Config) (int, error) {
	l := logger.NewZapLogger(cfg.Logger)
	defer l.Sync()

	s, err := newServices(cfg, l)
	if err != nil {
		return 0, err
	}
	defer s.close(l)

	cutoff := time.Now().Add(-cfg.Reap.Grace)
	l.Info("reaping soft-deleted assets", "older_than", cutoff)
	n, err := s.uploads.Reap(ctx, cutoff)
	if err != nil {
		return n, err
	}
	l.Info("reap finished", "reaped", n)
	return n, nil
}
