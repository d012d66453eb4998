package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/jaennil/guide_helper/media/internal/infrastructure/http/v1/dto"
	"github.com/jaennil/guide_helper/media/internal/repository/asset"
	"github.com/jaennil/guide_helper/media/internal/usecase"
)

// multipartOverhead is the slack allowed on top of the file size for
// multipart framing and other form fields.
const multipartOverhead = 1 << 20

// Upload streams the multipart "file" field into the upload pipeline without
// spooling it to disk.
func (h *Handler) Upload(c *gin.Context) {
	if h.maxUploadBytes > 0 {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUploadBytes+multipartOverhead)
	}

	mr, err := c.Request.MultipartReader()
	if err != nil {
		h.RespondWithError(c, fmt.Errorf("%w: %v", ErrFailedToDecodeRequestBody, err))
		return
	}
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			h.RespondWithError(c, ErrMissingFile)
			return
		}
		if err != nil {
			h.RespondWithError(c, fmt.Errorf("%w: %v", ErrFailedToDecodeRequestBody, err))
			return
		}
		if part.FormName() != "file" {
			part.Close()
			continue
		}

		a, err := h.uploadUseCase.Upload(c.Request.Context(), usecase.UploadInput{
			TenantID:    tenantOf(c),
			Filename:    part.FileName(),
			ContentType: part.Header.Get("Content-Type"),
			Body:        part,
			Size:        -1,
		})
		part.Close()
		if err != nil {
			h.RespondWithError(c, err)
			return
		}
		c.JSON(http.StatusCreated, a)
		return
	}
}

func (h *Handler) Presign(c *gin.Context) {
	var req dto.PresignRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.RespondWithError(c, fmt.Errorf("%w: %v", ErrFailedToDecodeRequestBody, err))
		return
	}
	if err := h.validate.Struct(req); err != nil {
		h.RespondWithError(c, fmt.Errorf("%w: %v", ErrFailedToDecodeRequestBody, err))
		return
	}

	grant, err := h.uploadUseCase.IssueUploadGrant(c.Request.Context(), tenantOf(c), req.ContentType, req.Filename)
	if err != nil {
		h.RespondWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, grant)
}

func (h *Handler) Ingest(c *gin.Context) {
	var req dto.IngestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.RespondWithError(c, fmt.Errorf("%w: %v", ErrFailedToDecodeRequestBody, err))
		return
	}
	if err := h.validate.Struct(req); err != nil {
		h.RespondWithError(c, fmt.Errorf("%w: %v", ErrFailedToDecodeRequestBody, err))
		return
	}

	a, err := h.uploadUseCase.Ingest(c.Request.Context(), tenantOf(c), req.Key, req.Filename)
	if err != nil {
		h.RespondWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, a)
}

// List streams the tenant's assets as a JSON array, one registry page at a
// time. Errors after the first element cut the array short.
func (h *Handler) List(c *gin.Context) {
	var q dto.ListQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		h.RespondWithError(c, fmt.Errorf("%w: %v", ErrFailedToDecodeRequestBody, err))
		return
	}
	if err := h.validate.Struct(q); err != nil {
		h.RespondWithError(c, fmt.Errorf("%w: %v", ErrFailedToDecodeRequestBody, err))
		return
	}

	f := asset.Filter{ActiveOnly: q.Active == nil || *q.Active, GeoOnly: q.Geo, Query: q.Q}
	seq := h.uploadUseCase.List(c.Request.Context(), tenantOf(c), f)

	n := 0
	for a, err := range seq {
		if err != nil {
			if n == 0 {
				h.RespondWithError(c, err)
				return
			}
			loggerOf(c).Error("asset listing interrupted", "tenant", tenantOf(c), "written", n, "error", err)
			break
		}
		b, err := json.Marshal(a)
		if err != nil {
			loggerOf(c).Error("failed to encode asset", "asset_id", a.ID, "error", err)
			break
		}
		if n == 0 {
			c.Header("Content-Type", "application/json; charset=utf-8")
			c.Status(http.StatusOK)
			c.Writer.WriteString("[")
		} else {
			c.Writer.WriteString(",")
		}
		c.Writer.Write(b)
		n++
		if q.Limit > 0 && n >= q.Limit {
			break
		}
	}
	if n == 0 {
		c.JSON(http.StatusOK, []any{})
		return
	}
	c.Writer.WriteString("]")
}

func (h *Handler) Get(c *gin.Context) {
	a, err := h.uploadUseCase.Get(c.Request.Context(), tenantOf(c), c.Param("id"))
	if err != nil {
		h.RespondWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, a)
}

func (h *Handler) Download(c *gin.Context) {
	grant, err := h.uploadUseCase.DownloadGrant(c.Request.Context(), tenantOf(c), c.Param("id"))
	if err != nil {
		h.RespondWithError(c, err)
		return
	}
	c.Redirect(http.StatusTemporaryRedirect, grant.URL)
}

func (h *Handler) Thumbnail(c *gin.Context) {
	obj, err := h.uploadUseCase.Thumbnail(c.Request.Context(), tenantOf(c), c.Param("id"))
	if err != nil {
		h.RespondWithError(c, err)
		return
	}
	defer obj.Close()
	c.Header("Cache-Control", "public, max-age=86400")
	c.DataFromReader(http.StatusOK, obj.Size(), "image/png", obj, nil)
}

func (h *Handler) Delete(c *gin.Context) {
	n, err := h.uploadUseCase.SoftDelete(c.Request.Context(), tenantOf(c), []string{c.Param("id")})
	if err != nil {
		h.RespondWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, dto.DeleteResponse{Deleted: n})
}

func (h *Handler) DeleteMany(c *gin.Context) {
	var req dto.DeleteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.RespondWithError(c, fmt.Errorf("%w: %v", ErrFailedToDecodeRequestBody, err))
		return
	}
	if err := h.validate.Struct(req); err != nil {
		h.RespondWithError(c, fmt.Errorf("%w: %v", ErrFailedToDecodeRequestBody, err))
		return
	}

	n, err := h.uploadUseCase.SoftDelete(c.Request.Context(), tenantOf(c), req.IDs)
	if err != nil {
		h.RespondWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, dto.DeleteResponse{Deleted: n})
}
