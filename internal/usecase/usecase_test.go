package usecase

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"io"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jaennil/guide_helper/media/internal/entity"
	"github.com/jaennil/guide_helper/media/internal/raster"
	"github.com/jaennil/guide_helper/media/internal/repository/asset"
	"github.com/jaennil/guide_helper/media/internal/repository/cache"
	"github.com/jaennil/guide_helper/media/internal/repository/storage"
	"github.com/jaennil/guide_helper/media/internal/tile"
	"github.com/jaennil/guide_helper/media/internal/tilecache"
	"github.com/jaennil/guide_helper/media/pkg/logger"
)

const tenant = "acme"

type fixture struct {
	registry *asset.SQLiteRegistry
	storage  storage.Backend
	local    *storage.Local
	cache    *tilecache.Cache
	tiles    *TileUseCase
	uploads  *UploadUseCase
	// reads counts window reads issued by tile renders.
	reads atomic.Int32
}

type fixtureOptions struct {
	wrap     func(storage.Backend) storage.Backend
	shared   cache.TileStore
	maxBytes int64
}

func newFixture(t *testing.T, opts fixtureOptions) *fixture {
	t.Helper()
	l := logger.NewNop()

	registry, err := asset.NewSQLiteRegistry(filepath.Join(t.TempDir(), "assets.db"), l)
	if err != nil {
		t.Fatalf("NewSQLiteRegistry: %v", err)
	}
	t.Cleanup(func() { registry.Close() })

	local, err := storage.NewLocal(storage.LocalConfig{
		Dir:           t.TempDir(),
		PublicBaseURL: "http://media.test/api/v1/blobs",
		SigningSecret: []byte("secret"),
	}, l)
	if err != nil {
		t.Fatalf("NewLocal: %v", err)
	}
	var backend storage.Backend = local
	if opts.wrap != nil {
		backend = opts.wrap(local)
	}

	tiles, err := tilecache.New(tilecache.Config{MaxBytes: 64 << 20, MaxEntries: 1000}, l)
	if err != nil {
		t.Fatalf("tilecache.New: %v", err)
	}
	pool := raster.NewPool(4, time.Minute, l)
	t.Cleanup(pool.Close)

	fx := &fixture{registry: registry, storage: backend, local: local, cache: tiles}
	fx.tiles = NewTileUseCase(TileConfig{
		Size:          256,
		MinZoom:       0,
		MaxZoom:       22,
		DecodeTimeout: 10 * time.Second,
		MaxAge:        time.Hour,
	}, registry, backend, tiles, opts.shared, pool, l)
	fx.tiles.render = func(ctx context.Context, src tile.Source, p tile.Plan, s tile.Style, g *entity.Geo) (tile.Image, error) {
		return tile.Render(ctx, &countingSource{Source: src, reads: &fx.reads}, p, s, g)
	}

	maxBytes := opts.maxBytes
	if maxBytes == 0 {
		maxBytes = 1 << 30
	}
	fx.uploads = NewUploadUseCase(UploadConfig{
		MaxBytes:      maxBytes,
		ThumbnailSize: 64,
		PresignTTL:    time.Hour,
	}, registry, backend, fx.tiles, l)
	return fx
}

func (fx *fixture) upload(t *testing.T, name string, data []byte) entity.Asset {
	t.Helper()
	a, err := fx.uploads.Upload(context.Background(), UploadInput{
		TenantID: tenant,
		Filename: name,
		Body:     bytes.NewReader(data),
		Size:     int64(len(data)),
	})
	if err != nil {
		t.Fatalf("Upload(%s): %v", name, err)
	}
	return a
}

type countingSource struct {
	tile.Source
	reads *atomic.Int32
}

func (c *countingSource) ReadBands(ctx context.Context, w raster.Window, width, height int, bands []int) (*raster.Buffer, error) {
	c.reads.Add(1)
	return c.Source.ReadBands(ctx, w, width, height, bands)
}

// outage fails every write with ErrBackendUnavailable.
type outage struct {
	storage.Backend
}

func (outage) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error {
	return fmt.Errorf("put %s: connection refused: %w", key, entity.ErrBackendUnavailable)
}

func jpegBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := range h {
		for x := range w {
			img.Set(x, y, color.RGBA{R: uint8(x * 4), G: uint8(y * 4), B: 90, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, nil); err != nil {
		t.Fatalf("jpeg.Encode: %v", err)
	}
	return buf.Bytes()
}

func decodePNG(t *testing.T, data []byte) image.Image {
	t.Helper()
	img, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("png.Decode: %v", err)
	}
	return img
}

func alphaAt(img image.Image, x, y int) uint8 {
	return color.NRGBAModel.Convert(img.At(x, y)).(color.NRGBA).A
}

func collect(t *testing.T, seq func(func(entity.Asset, error) bool)) []entity.Asset {
	t.Helper()
	var out []entity.Asset
	for a, err := range seq {
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		out = append(out, a)
	}
	return out
}
