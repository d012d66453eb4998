package handler

import (
	"context"
	"io"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/jaennil/guide_helper/media/internal/repository/storage"
	"github.com/jaennil/guide_helper/media/internal/usecase"
	"github.com/jaennil/guide_helper/media/pkg/logger"
)

const tenantHeader = "X-Tenant-ID"

// BlobStore redeems local presign tokens. Only the local backend issues them.
type BlobStore interface {
	Redeem(token, method string) (key, contentType string, err error)
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error
	Get(ctx context.Context, key string) (storage.Object, error)
}

type Handler struct {
	validate       *validator.Validate
	tileUseCase    *usecase.TileUseCase
	uploadUseCase  *usecase.UploadUseCase
	blobs          BlobStore
	maxUploadBytes int64
}

// NewHandler builds the HTTP handlers. blobs is nil when the storage backend
// presigns natively.
func NewHandler(v *validator.Validate, tiles *usecase.TileUseCase, uploads *usecase.UploadUseCase, blobs BlobStore, maxUploadBytes int64) *Handler {
	return &Handler{
		validate:       v,
		tileUseCase:    tiles,
		uploadUseCase:  uploads,
		blobs:          blobs,
		maxUploadBytes: maxUploadBytes,
	}
}

// RequireTenant rejects requests without a tenant header and stores the
// tenant for the handlers.
func (h *Handler) RequireTenant(c *gin.Context) {
	tenant := c.GetHeader(tenantHeader)
	if tenant == "" {
		h.RespondWithError(c, ErrMissingTenant)
		c.Abort()
		return
	}
	c.Set("tenant", tenant)
	c.Next()
}

func tenantOf(c *gin.Context) string {
	return c.GetString("tenant")
}

func loggerOf(c *gin.Context) logger.Logger {
	return logger.FromContext(c.Request.Context())
}
