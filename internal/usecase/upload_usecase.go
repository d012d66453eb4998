package usecase

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"iter"
	"strings"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/jaennil/guide_helper/media/internal/entity"
	"github.com/jaennil/guide_helper/media/internal/geo"
	"github.com/jaennil/guide_helper/media/internal/media"
	"github.com/jaennil/guide_helper/media/internal/raster"
	"github.com/jaennil/guide_helper/media/internal/repository/asset"
	"github.com/jaennil/guide_helper/media/internal/repository/storage"
	"github.com/jaennil/guide_helper/media/internal/tile"
	"github.com/jaennil/guide_helper/media/pkg/logger"
	"github.com/jaennil/guide_helper/media/pkg/metrics"
	"golang.org/x/sync/errgroup"
)

const (
	reapBatch       = 100
	reapConcurrency = 8

	kindGeoTIFF = "geotiff"
	kindImage   = "image"
)

type UploadConfig struct {
	MaxBytes      int64
	ThumbnailSize int
	PresignTTL    time.Duration
}

// TileInvalidator forgets everything derived from an asset's pixels.
type TileInvalidator interface {
	Invalidate(assetID string)
}

type UploadInput struct {
	TenantID    string
	Filename    string
	ContentType string
	Body        io.Reader
	// Size is the declared length, or -1 when unknown.
	Size int64
}

// UploadGrant is a presigned upload plus the key the client must report to
// Ingest once the upload completed.
type UploadGrant struct {
	entity.PresignGrant
	Key      string `json:"key"`
	Filename string `json:"filename,omitempty"`
}

type UploadUseCase struct {
	registry asset.Registry
	storage  storage.Backend
	tiles    TileInvalidator
	cfg      UploadConfig
	newID    func() string
	logger   logger.Logger
}

// NewUploadUseCase builds the upload pipeline. tiles may be nil in processes
// that do not serve tiles.
func NewUploadUseCase(cfg UploadConfig, registry asset.Registry, backend storage.Backend, tiles TileInvalidator, l logger.Logger) *UploadUseCase {
	return &UploadUseCase{
		registry: registry,
		storage:  backend,
		tiles:    tiles,
		cfg:      cfg,
		newID:    uuid.NewString,
		logger:   l,
	}
}

// Upload stores the bytes, extracts what it can from them and registers the
// asset. The blob is written before the registry row so no row ever points
// at missing bytes.
func (uc *UploadUseCase) Upload(ctx context.Context, in UploadInput) (entity.Asset, error) {
	if uc.cfg.MaxBytes > 0 && in.Size > uc.cfg.MaxBytes {
		return entity.Asset{}, uc.tooLarge(in.Size)
	}

	br := bufio.NewReaderSize(in.Body, media.SniffLen)
	head, err := br.Peek(media.SniffLen)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, bufio.ErrBufferFull) {
		return entity.Asset{}, fmt.Errorf("read upload: %w: %w", entity.ErrInvalidRequest, err)
	}
	contentType, err := media.Sniff(head)
	if err != nil {
		return entity.Asset{}, err
	}
	if in.ContentType != "" && !strings.HasPrefix(strings.ToLower(in.ContentType), contentType) {
		uc.logger.Debug("declared content type differs from sniffed", "declared", in.ContentType, "sniffed", contentType)
	}

	id := uc.newID()
	a := entity.Asset{
		ID:               id,
		TenantID:         in.TenantID,
		BackendKind:      uc.storage.Kind(),
		StorageKey:       storage.AssetKey(in.TenantID, id, media.Extension(contentType)),
		ContentType:      contentType,
		OriginalFilename: in.Filename,
	}

	body := &meteredReader{r: br, limit: uc.cfg.MaxBytes, hash: sha256.New()}
	if err := uc.storage.Put(ctx, a.StorageKey, body, in.Size, contentType); err != nil {
		if body.exceeded {
			return entity.Asset{}, uc.tooLarge(body.n)
		}
		if body.err != nil {
			uc.logger.Warn("upload body failed", "tenant", in.TenantID, "read", body.n, "error", body.err)
			return entity.Asset{}, fmt.Errorf("read upload after %d bytes: %w: %w", body.n, entity.ErrInvalidRequest, body.err)
		}
		return entity.Asset{}, err
	}
	a.SizeBytes = body.n
	a.SHA256 = hex.EncodeToString(body.hash.Sum(nil))

	created, err := uc.register(ctx, a)
	if err != nil {
		uc.discard(a)
		return entity.Asset{}, err
	}
	return created, nil
}

// IssueUploadGrant reserves a storage key for a direct upload. filename is
// optional and echoed back for the later Ingest call.
func (uc *UploadUseCase) IssueUploadGrant(ctx context.Context, tenantID, contentType, filename string) (UploadGrant, error) {
	if !media.Supported(contentType) {
		return UploadGrant{}, fmt.Errorf("content type %q: %w", contentType, entity.ErrUnsupportedFormat)
	}
	ct, _, _ := strings.Cut(contentType, ";")
	ct = strings.ToLower(strings.TrimSpace(ct))

	key := storage.AssetKey(tenantID, uc.newID(), media.Extension(ct))
	grant, err := uc.storage.PresignPut(ctx, key, ct, uc.cfg.PresignTTL)
	if err != nil {
		return UploadGrant{}, err
	}
	uc.logger.Info("upload grant issued", "tenant", tenantID, "key", key, "filename", filename, "expires_at", grant.ExpiresAt)
	return UploadGrant{PresignGrant: grant, Key: key, Filename: filename}, nil
}

// Ingest registers a blob uploaded through a grant. It runs the same
// extraction as Upload; the blob is left in place when registration fails.
func (uc *UploadUseCase) Ingest(ctx context.Context, tenantID, key, filename string) (entity.Asset, error) {
	id, err := storage.ParseAssetKey(tenantID, key)
	if err != nil {
		return entity.Asset{}, err
	}

	obj, err := uc.storage.Get(ctx, key)
	if err != nil {
		return entity.Asset{}, err
	}
	size := obj.Size()
	if uc.cfg.MaxBytes > 0 && size > uc.cfg.MaxBytes {
		obj.Close()
		if err := uc.storage.Delete(ctx, key); err != nil {
			uc.logger.Warn("failed to delete oversized upload", "key", key, "error", err)
		}
		return entity.Asset{}, uc.tooLarge(size)
	}

	head := make([]byte, min(int64(media.SniffLen), size))
	_, err = obj.ReadAt(head, 0)
	if err != nil && !errors.Is(err, io.EOF) {
		obj.Close()
		return entity.Asset{}, err
	}
	contentType, err := media.Sniff(head)
	if err != nil {
		obj.Close()
		return entity.Asset{}, err
	}

	sum := sha256.New()
	_, err = io.Copy(sum, io.NewSectionReader(obj, 0, size))
	obj.Close()
	if err != nil {
		return entity.Asset{}, err
	}

	if filename == "" {
		filename = key[strings.LastIndex(key, "/")+1:]
	}
	return uc.register(ctx, entity.Asset{
		ID:               id,
		TenantID:         tenantID,
		BackendKind:      uc.storage.Kind(),
		StorageKey:       key,
		ContentType:      contentType,
		OriginalFilename: filename,
		SizeBytes:        size,
		SHA256:           hex.EncodeToString(sum.Sum(nil)),
	})
}

// register reads the stored blob back, fills in the extracted metadata and
// thumbnail, and creates the registry row.
func (uc *UploadUseCase) register(ctx context.Context, a entity.Asset) (entity.Asset, error) {
	obj, err := uc.storage.Get(ctx, a.StorageKey)
	if err != nil {
		return entity.Asset{}, err
	}
	thumb, err := uc.extract(ctx, &a, obj)
	obj.Close()
	if err != nil {
		return entity.Asset{}, err
	}

	if len(thumb) > 0 {
		key := storage.ThumbnailKey(a.StorageKey)
		err := uc.storage.Put(ctx, key, bytes.NewReader(thumb), int64(len(thumb)), media.ContentTypePNG)
		switch {
		case err == nil, errors.Is(err, entity.ErrKeyConflict):
			a.ThumbnailKey = key
		default:
			uc.logger.Warn("failed to store thumbnail", "asset_id", a.ID, "error", err)
		}
	}

	created, err := uc.registry.Create(ctx, a)
	if err != nil {
		return entity.Asset{}, err
	}

	kind := kindImage
	if created.Geo != nil {
		kind = kindGeoTIFF
	}
	metrics.Uploads.WithLabelValues(kind).Inc()
	metrics.UploadBytes.Add(float64(created.SizeBytes))

	uc.logger.Info("asset registered",
		"asset_id", created.ID,
		"tenant", created.TenantID,
		"kind", kind,
		"content_type", created.ContentType,
		"size", humanize.Bytes(uint64(created.SizeBytes)),
	)
	return created, nil
}

// extract fills dimensions and metadata of a and returns a PNG thumbnail.
// TIFFs go through the raster decoder; a TIFF it cannot decode is kept as a
// plain file, a TIFF it finds broken is rejected.
func (uc *UploadUseCase) extract(ctx context.Context, a *entity.Asset, obj storage.Object) ([]byte, error) {
	if a.ContentType != media.ContentTypeTIFF {
		info, err := media.Inspect(obj, obj.Size(), a.ContentType, uc.cfg.ThumbnailSize)
		if err != nil {
			return nil, err
		}
		a.Width, a.Height = info.Width, info.Height
		a.Exif = info.Exif
		a.PerceptualHash = info.PerceptualHash
		return info.Thumbnail, nil
	}

	h, err := raster.Open(obj)
	if errors.Is(err, entity.ErrUnsupportedFormat) {
		uc.logger.Info("tiff layout not supported by the decoder, storing as plain file", "asset_id", a.ID, "error", err)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	a.Width, a.Height = h.Width(), h.Height()

	stats, err := raster.ComputeStats(ctx, h)
	if err != nil {
		return nil, err
	}

	m, err := h.Metadata()
	if err == nil {
		if _, terr := geo.ForCRS(m.CRS); terr != nil {
			err = fmt.Errorf("%s: %w", m.CRS, raster.ErrUnsupportedCRS)
		}
	}
	switch {
	case errors.Is(err, raster.ErrNotGeoreferenced):
		uc.logger.Debug("tiff carries no georeference", "asset_id", a.ID)
	case errors.Is(err, raster.ErrUnsupportedCRS):
		uc.logger.Info("tiff crs cannot be tiled, storing as plain tiff", "asset_id", a.ID, "error", err)
	case err != nil:
		return nil, err
	default:
		a.Geo = m.Geo(stats)
	}

	thumb, err := tile.Preview(ctx, h, h.Bands(stats), uc.cfg.ThumbnailSize)
	if err != nil {
		uc.logger.Warn("failed to render raster preview", "asset_id", a.ID, "error", err)
		return nil, nil
	}
	return thumb.Data, nil
}

// discard removes the blobs of an asset that never got registered.
func (uc *UploadUseCase) discard(a entity.Asset) {
	ctx := context.Background()
	for _, key := range []string{a.StorageKey, storage.ThumbnailKey(a.StorageKey)} {
		if err := uc.storage.Delete(ctx, key); err != nil {
			uc.logger.Warn("failed to delete orphaned blob", "key", key, "error", err)
		}
	}
}

func (uc *UploadUseCase) tooLarge(size int64) error {
	return fmt.Errorf("upload of %s exceeds %s: %w",
		humanize.Bytes(uint64(max(size, 0))), humanize.Bytes(uint64(uc.cfg.MaxBytes)), entity.ErrTooLarge)
}

// Get returns an asset of tenantID, soft-deleted ones included.
func (uc *UploadUseCase) Get(ctx context.Context, tenantID, id string) (entity.Asset, error) {
	a, err := uc.registry.Get(ctx, id)
	if err != nil {
		return entity.Asset{}, err
	}
	if a.TenantID != tenantID {
		return entity.Asset{}, fmt.Errorf("asset %s: %w", id, entity.ErrForbidden)
	}
	return a, nil
}

func (uc *UploadUseCase) List(ctx context.Context, tenantID string, f asset.Filter) iter.Seq2[entity.Asset, error] {
	return uc.registry.ListByTenant(ctx, tenantID, f)
}

// SoftDelete deactivates assets of tenantID and returns how many changed.
// Blobs stay until Reap.
func (uc *UploadUseCase) SoftDelete(ctx context.Context, tenantID string, ids []string) (int64, error) {
	n, err := uc.registry.SoftDelete(ctx, tenantID, ids)
	if err != nil {
		return 0, err
	}
	if uc.tiles != nil {
		for _, id := range ids {
			uc.tiles.Invalidate(id)
		}
	}
	uc.logger.Info("assets soft deleted", "tenant", tenantID, "requested", len(ids), "deleted", n)
	return n, nil
}

// DownloadGrant presigns a GET of the original bytes of an active asset.
func (uc *UploadUseCase) DownloadGrant(ctx context.Context, tenantID, id string) (entity.PresignGrant, error) {
	a, err := uc.Get(ctx, tenantID, id)
	if err != nil {
		return entity.PresignGrant{}, err
	}
	if !a.Active {
		return entity.PresignGrant{}, fmt.Errorf("asset %s is deleted: %w", id, entity.ErrNotFound)
	}
	if err := sameBackend(uc.storage, a); err != nil {
		return entity.PresignGrant{}, err
	}
	return uc.storage.PresignGet(ctx, a.StorageKey, uc.cfg.PresignTTL)
}

// Thumbnail opens the PNG preview of an asset. The caller closes it.
func (uc *UploadUseCase) Thumbnail(ctx context.Context, tenantID, id string) (storage.Object, error) {
	a, err := uc.Get(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	if a.ThumbnailKey == "" {
		return nil, fmt.Errorf("asset %s has no thumbnail: %w", id, entity.ErrNotFound)
	}
	if err := sameBackend(uc.storage, a); err != nil {
		return nil, err
	}
	return uc.storage.Get(ctx, a.ThumbnailKey)
}

// Reap physically deletes assets soft-deleted at or before olderThan: blobs
// first, then the registry row. Assets stored on another backend are skipped.
func (uc *UploadUseCase) Reap(ctx context.Context, olderThan time.Time) (int, error) {
	var total int
	for {
		batch, err := uc.registry.ListReapable(ctx, olderThan, reapBatch)
		if err != nil {
			return total, err
		}
		if len(batch) == 0 {
			break
		}

		var purged atomic.Int64
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(reapConcurrency)
		for _, a := range batch {
			g.Go(func() error {
				ok, err := uc.reapOne(gctx, a)
				if ok {
					purged.Add(1)
				}
				return err
			})
		}
		err = g.Wait()
		total += int(purged.Load())
		if err != nil {
			return total, err
		}
		if len(batch) < reapBatch || purged.Load() == 0 {
			break
		}
	}
	if total > 0 {
		uc.logger.Info("reaped soft-deleted assets", "count", total, "older_than", olderThan)
	}
	return total, nil
}

func (uc *UploadUseCase) reapOne(ctx context.Context, a entity.Asset) (bool, error) {
	if err := sameBackend(uc.storage, a); err != nil {
		uc.logger.Warn("skipping asset on another backend", "asset_id", a.ID, "error", err)
		return false, nil
	}
	if a.ThumbnailKey != "" {
		if err := uc.storage.Delete(ctx, a.ThumbnailKey); err != nil {
			return false, err
		}
	}
	if err := uc.storage.Delete(ctx, a.StorageKey); err != nil {
		return false, err
	}
	if err := uc.registry.Purge(ctx, a.ID); err != nil {
		return false, err
	}
	if uc.tiles != nil {
		uc.tiles.Invalidate(a.ID)
	}
	metrics.ReapedAssets.Inc()
	uc.logger.Debug("asset reaped", "asset_id", a.ID, "key", a.StorageKey)
	return true, nil
}

// meteredReader hashes and counts what passes through and fails once more
// than limit bytes were read. err keeps the first failure of the source, so
// a broken body is told apart from a broken backend.
type meteredReader struct {
	r        io.Reader
	limit    int64
	n        int64
	hash     hash.Hash
	exceeded bool
	err      error
}

func (m *meteredReader) Read(p []byte) (int, error) {
	n, err := m.r.Read(p)
	m.n += int64(n)
	m.hash.Write(p[:n])
	if m.limit > 0 && m.n > m.limit {
		m.exceeded = true
		return n, entity.ErrTooLarge
	}
	if err != nil && !errors.Is(err, io.EOF) && m.err == nil {
		m.err = err
	}
	return n, err
}
