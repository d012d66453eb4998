package handler

import (
	"fmt"
	"mime"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/jaennil/guide_helper/media/internal/entity"
)

// PutBlob redeems a local upload token: PUT /blobs/:token.
func (h *Handler) PutBlob(c *gin.Context) {
	if h.blobs == nil {
		h.RespondWithError(c, fmt.Errorf("blob tokens are not issued by this backend: %w", entity.ErrNotFound))
		return
	}
	key, contentType, err := h.blobs.Redeem(c.Param("token"), http.MethodPut)
	if err != nil {
		h.RespondWithError(c, err)
		return
	}
	if contentType != "" {
		got, _, _ := mime.ParseMediaType(c.GetHeader("Content-Type"))
		if got != contentType {
			h.RespondWithError(c, fmt.Errorf("content type %q, token requires %q: %w", got, contentType, entity.ErrInvalidToken))
			return
		}
	}
	if h.maxUploadBytes > 0 {
		if c.Request.ContentLength > h.maxUploadBytes {
			h.RespondWithError(c, fmt.Errorf("blob of %d bytes: %w", c.Request.ContentLength, entity.ErrTooLarge))
			return
		}
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUploadBytes)
	}

	if err := h.blobs.Put(c.Request.Context(), key, c.Request.Body, c.Request.ContentLength, contentType); err != nil {
		h.RespondWithError(c, err)
		return
	}
	loggerOf(c).Info("blob uploaded with token", "key", key, "size", c.Request.ContentLength)
	c.Status(http.StatusCreated)
}

// GetBlob redeems a local download token: GET /blobs/:token.
func (h *Handler) GetBlob(c *gin.Context) {
	if h.blobs == nil {
		h.RespondWithError(c, fmt.Errorf("blob tokens are not issued by this backend: %w", entity.ErrNotFound))
		return
	}
	key, _, err := h.blobs.Redeem(c.Param("token"), http.MethodGet)
	if err != nil {
		h.RespondWithError(c, err)
		return
	}
	obj, err := h.blobs.Get(c.Request.Context(), key)
	if err != nil {
		h.RespondWithError(c, err)
		return
	}
	defer obj.Close()
	c.DataFromReader(http.StatusOK, obj.Size(), obj.ContentType(), obj, nil)
}
