package storage

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/jaennil/guide_helper/media/internal/entity"
	"github.com/jaennil/guide_helper/media/pkg/config"
	"github.com/jaennil/guide_helper/media/pkg/logger"
)

// Object is an open blob. ReadAt issues ranged reads so raster headers and
// windows can be fetched without downloading the whole object.
type Object interface {
	io.ReaderAt
	io.Reader
	io.Closer
	Size() int64
	ContentType() string
}

// Backend is the blob contract shared by the local filesystem and the S3
// object store. Callers never branch on the concrete variant.
type Backend interface {
	Kind() entity.BackendKind
	// Put stores r under key. Readers never observe partial content.
	// Returns ErrKeyConflict when key already exists.
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error
	Get(ctx context.Context, key string) (Object, error)
	// Delete is idempotent: deleting a missing key succeeds.
	Delete(ctx context.Context, key string) error
	PresignPut(ctx context.Context, key, contentType string, ttl time.Duration) (entity.PresignGrant, error)
	PresignGet(ctx context.Context, key string, ttl time.Duration) (entity.PresignGrant, error)
}

// New builds the backend selected by cfg.Kind.
func New(cfg config.Storage, l logger.Logger) (Backend, error) {
	switch entity.BackendKind(cfg.Kind) {
	case entity.BackendLocal:
		return NewLocal(LocalConfig{
			Dir:           cfg.Local.Dir,
			PublicBaseURL: cfg.Local.PublicBaseURL,
			SigningSecret: []byte(cfg.Local.SigningSecret),
		}, l)
	case entity.BackendS3:
		return NewS3(S3Config{
			Bucket:         cfg.S3.Bucket,
			Region:         cfg.S3.Region,
			Prefix:         cfg.S3.Prefix,
			Endpoint:       cfg.S3.Endpoint,
			ForcePathStyle: cfg.S3.ForcePathStyle,
			Timeout:        cfg.Timeout,
		}, l)
	default:
		return nil, fmt.Errorf("unknown storage kind %q", cfg.Kind)
	}
}

// sourceReader remembers the first failure of the caller's reader so a
// failing body is not reported as a failing backend.
type sourceReader struct {
	r   io.Reader
	err error
}

func (s *sourceReader) Read(p []byte) (int, error) {
	n, err := s.r.Read(p)
	if err != nil && err != io.EOF && s.err == nil {
		s.err = err
	}
	return n, err
}

// readFailure classifies a failing body as the caller's error. The cause is
// kept so limits such as *http.MaxBytesError stay visible.
func readFailure(op, key string, err error) error {
	return fmt.Errorf("%s %s: read body: %w: %w", op, key, entity.ErrInvalidRequest, err)
}

// ValidateKey rejects keys that could escape the backend root: absolute
// paths, parent references and empty segments.
func ValidateKey(key string) error {
	if key == "" || strings.HasPrefix(key, "/") || strings.Contains(key, "\\") {
		return fmt.Errorf("invalid storage key %q: %w", key, entity.ErrNotFound)
	}
	if path.Clean(key) != key {
		return fmt.Errorf("invalid storage key %q: %w", key, entity.ErrNotFound)
	}
	for _, seg := range strings.Split(key, "/") {
		if seg == "" || seg == "." || seg == ".." {
			return fmt.Errorf("invalid storage key %q: %w", key, entity.ErrNotFound)
		}
	}
	return nil
}

// AssetKey is the storage key layout for uploaded originals:
// {tenant}/{id[:2]}/{id}/original{ext}.
func AssetKey(tenantID, id, ext string) string {
	return path.Join(sanitizeSegment(tenantID), id[:2], id, "original"+strings.ToLower(ext))
}

// ParseAssetKey returns the asset id encoded in a key built by AssetKey for
// tenantID. Keys of other tenants or other layouts are ErrNotFound.
func ParseAssetKey(tenantID, key string) (string, error) {
	if err := ValidateKey(key); err != nil {
		return "", err
	}
	segs := strings.Split(key, "/")
	if len(segs) != 4 || segs[0] != sanitizeSegment(tenantID) || !strings.HasPrefix(segs[3], "original") {
		return "", fmt.Errorf("key %q is not an upload of tenant %q: %w", key, tenantID, entity.ErrNotFound)
	}
	id := segs[2]
	if len(id) < 2 || segs[1] != id[:2] {
		return "", fmt.Errorf("key %q is not an upload of tenant %q: %w", key, tenantID, entity.ErrNotFound)
	}
	return id, nil
}

// ThumbnailKey is stored next to the original.
func ThumbnailKey(originalKey string) string {
	return path.Join(path.Dir(originalKey), "thumbnail.png")
}

func sanitizeSegment(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	if b.Len() == 0 {
		return "_"
	}
	return b.String()
}
