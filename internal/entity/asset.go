package entity

import (
	"fmt"
	"math"
	"time"
)

type BackendKind string

const (
	BackendLocal BackendKind = "local"
	BackendS3    BackendKind = "s3"
)

func (k BackendKind) Valid() bool {
	return k == BackendLocal || k == BackendS3
}

type BandKind string

const (
	// BandContinuous bands are resampled bilinearly and stretched.
	BandContinuous BandKind = "continuous"
	// BandCategorical bands hold class values; nearest-neighbour only, palette colours, lossless output.
	BandCategorical BandKind = "categorical"
)

type BoundingBox struct {
	MinX float64 `json:"minX"`
	MinY float64 `json:"minY"`
	MaxX float64 `json:"maxX"`
	MaxY float64 `json:"maxY"`
}

func (b BoundingBox) Empty() bool {
	return !(b.MaxX > b.MinX && b.MaxY > b.MinY)
}

// Intersect returns the overlap of b and o. ok is false when they only touch
// or are disjoint.
func (b BoundingBox) Intersect(o BoundingBox) (BoundingBox, bool) {
	r := BoundingBox{
		MinX: math.Max(b.MinX, o.MinX),
		MinY: math.Max(b.MinY, o.MinY),
		MaxX: math.Min(b.MaxX, o.MaxX),
		MaxY: math.Min(b.MaxY, o.MaxY),
	}
	if r.Empty() {
		return BoundingBox{}, false
	}
	return r, true
}

func (b BoundingBox) Width() float64  { return b.MaxX - b.MinX }
func (b BoundingBox) Height() float64 { return b.MaxY - b.MinY }

type Band struct {
	// Type is the sample type, e.g. "uint8", "int16", "float32".
	Type   string   `json:"type"`
	Kind   BandKind `json:"kind"`
	Min    float64  `json:"min"`
	Max    float64  `json:"max"`
	NoData *float64 `json:"noData,omitempty"`
}

type Geo struct {
	CRS string `json:"crs"`
	// AffineTransform uses GDAL order: x0, dx/dcol, dx/drow, y0, dy/dcol, dy/drow.
	AffineTransform [6]float64  `json:"affineTransform"`
	PixelWidth      int         `json:"pixelWidth"`
	PixelHeight     int         `json:"pixelHeight"`
	BandCount       int         `json:"bandCount"`
	BoundingBox     BoundingBox `json:"boundingBox"`
	Bands           []Band      `json:"bands"`
	// OverviewLevels lists decimation factors of the internal overviews, finest first.
	OverviewLevels []int   `json:"overviewLevels"`
	MetersPerPixel float64 `json:"metersPerPixel,omitempty"`
}

// Validate reports ErrCorruptRaster unless every required field is set.
// Geo metadata is stored either complete or not at all.
func (g *Geo) Validate() error {
	switch {
	case g.CRS == "":
		return fmt.Errorf("missing crs: %w", ErrCorruptRaster)
	case g.PixelWidth <= 0 || g.PixelHeight <= 0:
		return fmt.Errorf("invalid raster size %dx%d: %w", g.PixelWidth, g.PixelHeight, ErrCorruptRaster)
	case g.BandCount <= 0 || len(g.Bands) != g.BandCount:
		return fmt.Errorf("band count %d does not match %d band records: %w", g.BandCount, len(g.Bands), ErrCorruptRaster)
	case g.AffineTransform[1] == 0 && g.AffineTransform[2] == 0:
		return fmt.Errorf("degenerate affine transform: %w", ErrCorruptRaster)
	case g.BoundingBox.Empty():
		return fmt.Errorf("empty bounding box: %w", ErrCorruptRaster)
	}
	for _, v := range g.AffineTransform {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("non-finite affine transform: %w", ErrCorruptRaster)
		}
	}
	return nil
}

// Categorical reports whether the first band is a classified band.
func (g *Geo) Categorical() bool {
	return len(g.Bands) > 0 && g.Bands[0].Kind == BandCategorical
}

type Asset struct {
	ID               string            `json:"id"`
	TenantID         string            `json:"tenantId"`
	BackendKind      BackendKind       `json:"backendKind"`
	StorageKey       string            `json:"storageKey"`
	ContentType      string            `json:"contentType"`
	OriginalFilename string            `json:"originalFilename"`
	SizeBytes        int64             `json:"sizeBytes"`
	SHA256           string            `json:"sha256"`
	Width            int               `json:"width,omitempty"`
	Height           int               `json:"height,omitempty"`
	Exif             map[string]string `json:"exif,omitempty"`
	PerceptualHash   string            `json:"perceptualHash,omitempty"`
	ThumbnailKey     string            `json:"thumbnailKey,omitempty"`
	Geo              *Geo              `json:"geo,omitempty"`
	Version          int64             `json:"version"`
	Active           bool              `json:"active"`
	CreatedAt        time.Time         `json:"createdAt"`
	UpdatedAt        time.Time         `json:"updatedAt"`
}

// Tileable reports whether the asset can be served as XYZ tiles.
func (a *Asset) Tileable() bool {
	return a.Active && a.Geo != nil
}

// PresignGrant is a short-lived capability for a direct upload or download.
type PresignGrant struct {
	Method          string            `json:"method"`
	URL             string            `json:"url"`
	Fields          map[string]string `json:"fields,omitempty"`
	ExpiresAt       time.Time         `json:"expiresAt"`
	RequiredHeaders map[string]string `json:"requiredHeaders,omitempty"`
}
