package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"mime"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/jaennil/guide_helper/media/internal/entity"
	"github.com/jaennil/guide_helper/media/pkg/logger"
	"github.com/jaennil/guide_helper/media/pkg/metrics"
	"github.com/natefinch/atomic"
)

type LocalConfig struct {
	Dir string
	// PublicBaseURL is the externally reachable prefix of the blob redemption route.
	PublicBaseURL string
	SigningSecret []byte
}

// Local stores blobs as files under a root directory. Keys map one-to-one to
// relative paths.
type Local struct {
	root    string
	baseURL string
	tokens  *tokenSigner
	logger  logger.Logger
}

var _ Backend = (*Local)(nil)

func NewLocal(cfg LocalConfig, l logger.Logger) (*Local, error) {
	if cfg.Dir == "" {
		return nil, errors.New("local storage dir is required")
	}
	if len(cfg.SigningSecret) == 0 {
		return nil, errors.New("local storage signing secret is required")
	}
	root, err := filepath.Abs(cfg.Dir)
	if err != nil {
		return nil, fmt.Errorf("resolve local storage dir: %w", err)
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create local storage dir: %w", err)
	}

	l.Info("local storage initialized", "dir", root)

	return &Local{
		root:    root,
		baseURL: strings.TrimRight(cfg.PublicBaseURL, "/"),
		tokens:  newTokenSigner(cfg.SigningSecret),
		logger:  l,
	}, nil
}

func (s *Local) Kind() entity.BackendKind {
	return entity.BackendLocal
}

// lockSuffix marks the file that claims a key while its blob is written.
const lockSuffix = ".lock"

func (s *Local) path(key string) (string, error) {
	if err := ValidateKey(key); err != nil {
		return "", err
	}
	if strings.HasSuffix(key, lockSuffix) {
		return "", fmt.Errorf("invalid storage key %q: %w", key, entity.ErrNotFound)
	}
	return filepath.Join(s.root, filepath.FromSlash(key)), nil
}

// Put claims key with an exclusive lock file, then writes through a temp
// file and rename. A key that is stored or being stored is a conflict, so
// concurrent writers of one key see exactly one success.
func (s *Local) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error {
	p, err := s.path(key)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return s.unavailable("put", err)
	}

	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return s.unavailable("put", err)
	}

	lock, err := os.OpenFile(p+lockSuffix, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if errors.Is(err, fs.ErrExist) {
		return fmt.Errorf("local put %s: upload in progress: %w", key, entity.ErrKeyConflict)
	}
	if err != nil {
		return s.unavailable("put", err)
	}
	lock.Close()
	defer os.Remove(p + lockSuffix)

	if _, err := os.Stat(p); err == nil {
		return fmt.Errorf("local put %s: %w", key, entity.ErrKeyConflict)
	} else if !errors.Is(err, fs.ErrNotExist) {
		return s.unavailable("put", err)
	}

	// atomic.WriteFile writes a temp file in the same directory and renames it.
	body := &sourceReader{r: r}
	if err := atomic.WriteFile(p, body); err != nil {
		if body.err != nil {
			return readFailure("local put", key, body.err)
		}
		return s.unavailable("put", err)
	}

	s.logger.Debug("local blob written", "key", key, "size", size, "content_type", contentType)
	return nil
}

func (s *Local) Get(ctx context.Context, key string) (Object, error) {
	p, err := s.path(key)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, s.unavailable("get", err)
	}

	f, err := os.Open(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("local get %s: %w", key, entity.ErrNotFound)
		}
		return nil, s.unavailable("get", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, s.unavailable("get", err)
	}
	if info.IsDir() {
		f.Close()
		return nil, fmt.Errorf("local get %s: %w", key, entity.ErrNotFound)
	}

	return &localObject{File: f, size: info.Size(), contentType: contentTypeOf(key)}, nil
}

func (s *Local) Delete(ctx context.Context, key string) error {
	p, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return s.unavailable("delete", err)
	}
	// Empty parent directories are left behind; they are harmless and a
	// concurrent Put may be about to reuse them.
	return nil
}

func (s *Local) PresignPut(ctx context.Context, key, contentType string, ttl time.Duration) (entity.PresignGrant, error) {
	if err := ValidateKey(key); err != nil {
		return entity.PresignGrant{}, err
	}
	token, exp, err := s.tokens.sign(key, http.MethodPut, contentType, ttl)
	if err != nil {
		return entity.PresignGrant{}, err
	}
	grant := entity.PresignGrant{
		Method:    http.MethodPut,
		URL:       s.baseURL + "/" + token,
		ExpiresAt: exp,
	}
	if contentType != "" {
		grant.RequiredHeaders = map[string]string{"Content-Type": contentType}
	}
	return grant, nil
}

func (s *Local) PresignGet(ctx context.Context, key string, ttl time.Duration) (entity.PresignGrant, error) {
	if err := ValidateKey(key); err != nil {
		return entity.PresignGrant{}, err
	}
	token, exp, err := s.tokens.sign(key, http.MethodGet, "", ttl)
	if err != nil {
		return entity.PresignGrant{}, err
	}
	return entity.PresignGrant{
		Method:    http.MethodGet,
		URL:       s.baseURL + "/" + token,
		ExpiresAt: exp,
	}, nil
}

// Redeem validates a token issued by PresignPut/PresignGet for the given
// HTTP method and returns the key and content type it grants.
func (s *Local) Redeem(token, method string) (key, contentType string, err error) {
	claims, err := s.tokens.verify(token)
	if err != nil {
		return "", "", err
	}
	if claims.Method != method {
		return "", "", fmt.Errorf("token issued for %s, used for %s: %w", claims.Method, method, entity.ErrInvalidToken)
	}
	if err := ValidateKey(claims.Key); err != nil {
		return "", "", fmt.Errorf("token key: %w", entity.ErrInvalidToken)
	}
	return claims.Key, claims.ContentType, nil
}

func (s *Local) unavailable(op string, err error) error {
	metrics.StorageErrors.WithLabelValues(string(entity.BackendLocal), op).Inc()
	s.logger.Warn("local storage failure", "op", op, "error", err)
	return fmt.Errorf("local %s: %v: %w", op, err, entity.ErrBackendUnavailable)
}

type localObject struct {
	*os.File
	size        int64
	contentType string
}

func (o *localObject) Size() int64         { return o.size }
func (o *localObject) ContentType() string { return o.contentType }

func contentTypeOf(key string) string {
	if ct := mime.TypeByExtension(path.Ext(key)); ct != "" {
		return ct
	}
	return "application/octet-stream"
}
