package tile

import (
	"math"

	"github.com/jaennil/guide_helper/media/internal/entity"
	"github.com/jaennil/guide_helper/media/internal/geo"
	"github.com/jaennil/guide_helper/media/internal/raster"
)

// Plan is the outcome of locating a tile on an asset. An Empty plan needs no
// raster access at all.
type Plan struct {
	Z, X, Y int
	Size    int
	Empty   bool

	// Bounds is the tile extent in EPSG:3857.
	Bounds entity.BoundingBox
	// Window is the source pixel window covering the tile, read into a
	// BufferWidth x BufferHeight buffer.
	Window                    raster.Window
	BufferWidth, BufferHeight int

	toCRS   geo.Transformer
	toPixel geo.Affine
}

// Locate computes the tile bounds, reprojects them into the asset CRS and
// derives the source window. Tiles that do not overlap the asset produce an
// Empty plan.
func Locate(g *entity.Geo, z, x, y, size int) (Plan, error) {
	p := Plan{Z: z, X: x, Y: y, Size: size, Bounds: geo.TileBounds(z, x, y)}

	tr, err := geo.ForCRS(g.CRS)
	if err != nil {
		return Plan{}, err
	}
	inv, err := geo.Affine(g.AffineTransform).Invert()
	if err != nil {
		return Plan{}, err
	}
	p.toCRS, p.toPixel = tr, inv

	tileCRS := geo.ProjectBounds(tr, p.Bounds)
	overlap, ok := tileCRS.Intersect(g.BoundingBox)
	if !ok {
		p.Empty = true
		return p, nil
	}

	x0, y0, x1, y1 := inv.PixelBounds(overlap)
	x0, y0 = math.Max(x0, 0), math.Max(y0, 0)
	x1, y1 = math.Min(x1, float64(g.PixelWidth)), math.Min(y1, float64(g.PixelHeight))
	if !(x1 > x0) || !(y1 > y0) {
		p.Empty = true
		return p, nil
	}
	p.Window = raster.Window{X0: x0, Y0: y0, X1: x1, Y1: y1}

	// The buffer gets as many pixels as the overlap covers in the output tile.
	p.BufferWidth = coverage(overlap.Width(), tileCRS.Width(), size)
	p.BufferHeight = coverage(overlap.Height(), tileCRS.Height(), size)
	return p, nil
}

func coverage(part, whole float64, size int) int {
	n := int(math.Ceil(part / whole * float64(size)))
	return min(max(n, 1), size)
}

// sourcePixel maps output pixel (i, j) to a buffer position, reporting false
// when it falls outside the window.
func (p *Plan) sourcePixel(i, j int) (int, int, bool) {
	mx := p.Bounds.MinX + (float64(i)+0.5)*p.Bounds.Width()/float64(p.Size)
	my := p.Bounds.MaxY - (float64(j)+0.5)*p.Bounds.Height()/float64(p.Size)
	cx, cy := p.toCRS.FromMercator(mx, my)
	col, row := p.toPixel.Apply(cx, cy)
	if !(col >= p.Window.X0 && row >= p.Window.Y0 && col < p.Window.X1 && row < p.Window.Y1) {
		return 0, 0, false
	}
	bx := int((col - p.Window.X0) / p.Window.Width() * float64(p.BufferWidth))
	by := int((row - p.Window.Y0) / p.Window.Height() * float64(p.BufferHeight))
	return min(bx, p.BufferWidth-1), min(by, p.BufferHeight-1), true
}
