package geo

import (
	"fmt"
	"math"

	"github.com/jaennil/guide_helper/media/internal/entity"
)

// Affine maps pixel (col, row) to CRS coordinates in GDAL order:
// x = a[0] + col*a[1] + row*a[2], y = a[3] + col*a[4] + row*a[5].
type Affine [6]float64

func (a Affine) Apply(col, row float64) (float64, float64) {
	return a[0] + col*a[1] + row*a[2], a[3] + col*a[4] + row*a[5]
}

// Invert returns the transform from CRS coordinates back to pixel space.
func (a Affine) Invert() (Affine, error) {
	det := a[1]*a[5] - a[2]*a[4]
	if det == 0 || math.IsNaN(det) || math.IsInf(det, 0) {
		return Affine{}, fmt.Errorf("singular affine transform %v: %w", a, entity.ErrCorruptRaster)
	}
	return Affine{
		(a[2]*a[3] - a[5]*a[0]) / det,
		a[5] / det,
		-a[2] / det,
		(a[4]*a[0] - a[1]*a[3]) / det,
		-a[4] / det,
		a[1] / det,
	}, nil
}

// PixelBounds returns the pixel-space envelope of a CRS box.
func (a Affine) PixelBounds(b entity.BoundingBox) (x0, y0, x1, y1 float64) {
	x0, y0 = math.Inf(1), math.Inf(1)
	x1, y1 = math.Inf(-1), math.Inf(-1)
	for _, p := range [4][2]float64{
		{b.MinX, b.MinY}, {b.MinX, b.MaxY}, {b.MaxX, b.MinY}, {b.MaxX, b.MaxY},
	} {
		c, r := a.Apply(p[0], p[1])
		x0, y0 = math.Min(x0, c), math.Min(y0, r)
		x1, y1 = math.Max(x1, c), math.Max(y1, r)
	}
	return x0, y0, x1, y1
}
