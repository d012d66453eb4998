package handler

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/jaennil/guide_helper/media/internal/entity"
)

// Tile serves GET /tiles/:id/:z/:x/:y. y may carry a .png or .jpg suffix,
// which selects the output format unless the style names one.
func (h *Handler) Tile(c *gin.Context) {
	l := loggerOf(c)

	strZ := c.Param("z")
	strX := c.Param("x")
	strY := c.Param("y")
	style := c.Query("style")

	if base, ext, ok := strings.Cut(strY, "."); ok {
		strY = base
		switch ext {
		case "png":
		case "jpg", "jpeg":
			if !hasFormat(style) {
				style += ".jpg"
			}
		default:
			h.RespondWithError(c, fmt.Errorf("tile format %q: %w", ext, entity.ErrTileOutOfBounds))
			return
		}
	}

	z, err := strconv.Atoi(strZ)
	if err != nil {
		h.RespondWithError(c, fmt.Errorf("z should be integer, got %q: %w", strZ, entity.ErrTileOutOfBounds))
		return
	}
	x, err := strconv.Atoi(strX)
	if err != nil {
		h.RespondWithError(c, fmt.Errorf("x should be integer, got %q: %w", strX, entity.ErrTileOutOfBounds))
		return
	}
	y, err := strconv.Atoi(strY)
	if err != nil {
		h.RespondWithError(c, fmt.Errorf("y should be integer, got %q: %w", strY, entity.ErrTileOutOfBounds))
		return
	}

	l.Debug("tile request", "asset_id", c.Param("id"), "z", z, "x", x, "y", y, "style", style)

	t, err := h.tileUseCase.GetTile(c.Request.Context(), tenantOf(c), c.Param("id"), z, x, y, style)
	if err != nil {
		h.RespondWithError(c, err)
		return
	}

	c.Header("Cache-Control", fmt.Sprintf("public, max-age=%d", int(t.MaxAge.Seconds())))
	c.Header("ETag", t.ETag)
	if t.Empty {
		c.Header("X-Tile-Empty", "1")
	}
	if match := c.GetHeader("If-None-Match"); match != "" && match == t.ETag {
		c.Status(http.StatusNotModified)
		return
	}
	c.Data(http.StatusOK, t.ContentType, t.Data)
}

func hasFormat(style string) bool {
	s := strings.ToLower(style)
	return strings.HasSuffix(s, ".png") || strings.HasSuffix(s, ".jpg") || strings.HasSuffix(s, ".jpeg")
}
