package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/jaennil/guide_helper/media/internal/entity"
	"github.com/jaennil/guide_helper/media/internal/infrastructure/http/v1/dto"
)

const (
	internalServerErrorText = "the server encountered an error and could not process your request"

	// statusClientClosed is logged for requests whose client went away.
	statusClientClosed = 499
)

var (
	ErrFailedToDecodeRequestBody = errors.New("failed to decode request body")
	ErrMissingTenant             = errors.New("missing " + tenantHeader + " header")
	ErrMissingFile               = errors.New("multipart field \"file\" is required")
)

// errorStatus maps the error taxonomy to HTTP statuses. Order matters: a
// failed tile computation matches its cause before CacheComputeFailure.
var errorStatus = []struct {
	err    error
	kind   string
	status int
}{
	{ErrFailedToDecodeRequestBody, "InvalidRequest", http.StatusBadRequest},
	{ErrMissingTenant, "InvalidRequest", http.StatusBadRequest},
	{ErrMissingFile, "InvalidRequest", http.StatusBadRequest},
	{entity.ErrInvalidRequest, "", http.StatusBadRequest},
	{entity.ErrUnsupportedFormat, "", http.StatusUnprocessableEntity},
	{entity.ErrCorruptRaster, "", http.StatusBadRequest},
	{entity.ErrBackendUnavailable, "", http.StatusServiceUnavailable},
	{entity.ErrNotFound, "", http.StatusNotFound},
	{entity.ErrTileOutOfBounds, "", http.StatusNotFound},
	{entity.ErrDuplicateKey, "", http.StatusConflict},
	{entity.ErrKeyConflict, "", http.StatusConflict},
	{entity.ErrForbidden, "", http.StatusForbidden},
	{entity.ErrTooLarge, "", http.StatusRequestEntityTooLarge},
	{entity.ErrInvalidToken, "", http.StatusUnauthorized},
	{context.DeadlineExceeded, "Timeout", http.StatusGatewayTimeout},
	{context.Canceled, "Canceled", statusClientClosed},
	{entity.ErrCacheComputeFailure, "", http.StatusInternalServerError},
}

func classify(err error) (string, int) {
	var maxBytes *http.MaxBytesError
	if errors.As(err, &maxBytes) {
		return entity.Kind(entity.ErrTooLarge), http.StatusRequestEntityTooLarge
	}
	for _, e := range errorStatus {
		if errors.Is(err, e.err) {
			kind := e.kind
			if kind == "" {
				kind = entity.Kind(e.err)
			}
			return kind, e.status
		}
	}
	return entity.Kind(err), http.StatusInternalServerError
}

// RespondWithError writes {"error": kind} with the mapped status. Server
// errors are logged and their details withheld from the client.
func (h *Handler) RespondWithError(c *gin.Context, err error) {
	kind, status := classify(err)
	l := loggerOf(c)

	resp := dto.ErrorResponse{Error: kind}
	switch {
	case status == statusClientClosed:
		l.Debug("client went away", "path", c.Request.URL.Path, "error", err)
		c.Status(status)
		return
	case status >= http.StatusInternalServerError:
		l.Error("request failed", "path", c.Request.URL.Path, "kind", kind, "error", err)
		resp.Message = internalServerErrorText
	default:
		l.Warn("request rejected", "path", c.Request.URL.Path, "kind", kind, "error", err)
		resp.Message = err.Error()
	}
	_ = c.Error(err)
	c.JSON(status, resp)
}
