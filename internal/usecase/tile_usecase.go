package usecase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jaennil/guide_helper/media/internal/entity"
	"github.com/jaennil/guide_helper/media/internal/geo"
	"github.com/jaennil/guide_helper/media/internal/raster"
	"github.com/jaennil/guide_helper/media/internal/repository/asset"
	"github.com/jaennil/guide_helper/media/internal/repository/cache"
	"github.com/jaennil/guide_helper/media/internal/repository/storage"
	"github.com/jaennil/guide_helper/media/internal/tile"
	"github.com/jaennil/guide_helper/media/internal/tilecache"
	"github.com/jaennil/guide_helper/media/pkg/logger"
	"github.com/jaennil/guide_helper/media/pkg/metrics"
	"github.com/jaennil/guide_helper/media/pkg/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

type TileConfig struct {
	Size             int
	MinZoom, MaxZoom int
	DecodeTimeout    time.Duration
	// MaxAge is advertised in Cache-Control.
	MaxAge time.Duration
}

// Tile is a rendered tile ready to be written to the client.
type Tile struct {
	Data        []byte
	ContentType string
	ETag        string
	MaxAge      time.Duration
	Empty       bool
}

type renderFunc func(ctx context.Context, src tile.Source, p tile.Plan, s tile.Style, g *entity.Geo) (tile.Image, error)

type TileUseCase struct {
	registry asset.Registry
	storage  storage.Backend
	cache    *tilecache.Cache
	shared   cache.TileStore
	pool     *raster.Pool
	cfg      TileConfig
	render   renderFunc
	logger   logger.Logger
}

// NewTileUseCase wires the tile pipeline. shared may be nil when no second
// cache tier is configured.
func NewTileUseCase(
	cfg TileConfig,
	registry asset.Registry,
	backend storage.Backend,
	tiles *tilecache.Cache,
	shared cache.TileStore,
	pool *raster.Pool,
	l logger.Logger,
) *TileUseCase {
	return &TileUseCase{
		registry: registry,
		storage:  backend,
		cache:    tiles,
		shared:   shared,
		pool:     pool,
		cfg:      cfg,
		render:   tile.Render,
		logger:   l,
	}
}

// GetTile renders tile z/x/y of an asset owned by tenantID. Tiles outside
// the asset's footprint come back as the shared transparent tile without
// touching the raster or the cache.
func (uc *TileUseCase) GetTile(ctx context.Context, tenantID, assetID string, z, x, y int, style string) (Tile, error) {
	metrics.TilesRequests.Inc()

	if err := geo.ValidTile(z, x, y, uc.cfg.MinZoom, uc.cfg.MaxZoom); err != nil {
		return Tile{}, err
	}

	a, err := uc.registry.Get(ctx, assetID)
	if err != nil {
		return Tile{}, err
	}
	if a.TenantID != tenantID {
		return Tile{}, fmt.Errorf("asset %s: %w", assetID, entity.ErrForbidden)
	}
	if !a.Tileable() {
		return Tile{}, fmt.Errorf("asset %s has no tiles (active=%t, georeferenced=%t): %w",
			assetID, a.Active, a.Geo != nil, entity.ErrNotFound)
	}

	parsed, err := tile.ParseStyle(style)
	if err != nil {
		return Tile{}, err
	}
	s, err := parsed.Resolve(a.Geo)
	if err != nil {
		return Tile{}, err
	}

	plan, err := tile.Locate(a.Geo, z, x, y, uc.cfg.Size)
	if err != nil {
		return Tile{}, err
	}
	if plan.Empty {
		metrics.TilesEmpty.Inc()
		img := tile.Transparent(uc.cfg.Size)
		return Tile{
			Data:        img.Data,
			ContentType: img.ContentType,
			ETag:        fmt.Sprintf(`"empty-%d"`, uc.cfg.Size),
			MaxAge:      uc.cfg.MaxAge,
			Empty:       true,
		}, nil
	}

	key := tilecache.Key{AssetID: a.ID, Version: a.Version, Z: z, X: x, Y: y, Style: s.Hash()}
	e, err := uc.cache.GetOrCompute(ctx, key, uc.compute(a, plan, s, key))
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			uc.logger.Warn("tile render failed", "asset_id", a.ID, "z", z, "x", x, "y", y, "style", s.String(), "error", err)
		}
		return Tile{}, err
	}

	return Tile{
		Data:        e.Data,
		ContentType: e.ContentType,
		ETag:        fmt.Sprintf(`"%s-%d-%d-%d-%d-%x"`, a.ID, a.Version, z, x, y, key.Style),
		MaxAge:      uc.cfg.MaxAge,
	}, nil
}

func (uc *TileUseCase) compute(a entity.Asset, p tile.Plan, s tile.Style, key tilecache.Key) tilecache.ComputeFunc {
	sharedKey := cache.TileKey(key)

	return func(ctx context.Context) (tilecache.Entry, error) {
		if uc.shared != nil {
			v, ok, err := uc.shared.Get(ctx, sharedKey)
			switch {
			case err != nil:
				uc.logger.Warn("shared tile store lookup failed", "key", sharedKey.String(), "error", err)
			case ok:
				metrics.TilesSharedHits.Inc()
				return tilecache.Entry{Data: v.Data, ContentType: v.ContentType}, nil
			}
		}

		if uc.cfg.DecodeTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, uc.cfg.DecodeTimeout)
			defer cancel()
		}

		h, release, err := uc.pool.Acquire(ctx, a.ID, uc.opener(a))
		if err != nil {
			return tilecache.Entry{}, err
		}
		defer release()

		ctx, span := telemetry.StartSpan(ctx, "tile.render",
			attribute.String("asset.id", a.ID),
			attribute.Int("tile.z", p.Z),
			attribute.Int("tile.x", p.X),
			attribute.Int("tile.y", p.Y),
			attribute.String("tile.style", s.String()),
		)
		defer span.End()

		start := time.Now()
		img, err := uc.render(ctx, h, p, s, a.Geo)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return tilecache.Entry{}, err
		}
		span.SetAttributes(attribute.Int("tile.bytes", len(img.Data)))
		metrics.TilesRenders.Inc()
		metrics.TilesRenderLatency.Observe(time.Since(start).Seconds())

		uc.logger.Debug("tile rendered",
			"asset_id", a.ID,
			"z", p.Z, "x", p.X, "y", p.Y,
			"style", s.String(),
			"size", len(img.Data),
			"latency", time.Since(start),
		)

		if uc.shared != nil {
			if err := uc.shared.Set(ctx, sharedKey, cache.TileValue{Data: img.Data, ContentType: img.ContentType}); err != nil {
				uc.logger.Warn("shared tile store write failed", "key", sharedKey.String(), "error", err)
			}
		}
		return tilecache.Entry{Data: img.Data, ContentType: img.ContentType}, nil
	}
}

// opener opens the asset's blob as a raster. The handle owns the object and
// closes it when the pool drops the handle.
func (uc *TileUseCase) opener(a entity.Asset) raster.Opener {
	return func(ctx context.Context) (*raster.Handle, error) {
		if err := sameBackend(uc.storage, a); err != nil {
			return nil, err
		}
		obj, err := uc.storage.Get(ctx, a.StorageKey)
		if err != nil {
			return nil, err
		}
		h, err := raster.Open(obj)
		if err != nil {
			obj.Close()
			return nil, err
		}
		uc.logger.Debug("raster opened", "asset_id", a.ID, "raster", h.String())
		return h, nil
	}
}

// Invalidate drops every cached tile and the pooled handle of assetID.
func (uc *TileUseCase) Invalidate(assetID string) {
	uc.cache.Invalidate(assetID)
	uc.pool.Invalidate(assetID)
}

func sameBackend(b storage.Backend, a entity.Asset) error {
	if a.BackendKind != b.Kind() {
		return fmt.Errorf("asset %s lives on the %s backend, serving from %s: %w", a.ID, a.BackendKind, b.Kind(), entity.ErrBackendUnavailable)
	}
	return nil
}
