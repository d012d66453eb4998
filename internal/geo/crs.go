package geo

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/jaennil/guide_helper/media/internal/entity"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/project"
)

// Transformer maps EPSG:3857 coordinates into an asset CRS. Points outside
// the domain of the CRS map to NaN.
type Transformer interface {
	FromMercator(x, y float64) (float64, float64)
}

type transformFunc func(x, y float64) (float64, float64)

func (f transformFunc) FromMercator(x, y float64) (float64, float64) { return f(x, y) }

var identity = transformFunc(func(x, y float64) (float64, float64) { return x, y })

func mercatorToLonLat(x, y float64) (float64, float64) {
	p := project.Mercator.ToWGS84(orb.Point{x, y})
	return p.Lon(), p.Lat()
}

// ForCRS returns the transformer for an "EPSG:<code>" string. Web Mercator,
// WGS84 longitude/latitude and the WGS84 UTM zones are supported; anything
// else is ErrUnsupportedFormat.
func ForCRS(crs string) (Transformer, error) {
	code, err := epsgCode(crs)
	if err != nil {
		return nil, err
	}
	switch {
	case code == 3857 || code == 900913:
		return identity, nil
	case code == 4326:
		return transformFunc(mercatorToLonLat), nil
	case code > 32600 && code <= 32660:
		return newUTM(code-32600, false), nil
	case code > 32700 && code <= 32760:
		return newUTM(code-32700, true), nil
	}
	return nil, fmt.Errorf("crs %s: %w", crs, entity.ErrUnsupportedFormat)
}

func epsgCode(crs string) (int, error) {
	s, ok := strings.CutPrefix(strings.ToUpper(strings.TrimSpace(crs)), "EPSG:")
	if !ok {
		return 0, fmt.Errorf("crs %q: %w", crs, entity.ErrUnsupportedFormat)
	}
	code, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("crs %q: %w", crs, entity.ErrUnsupportedFormat)
	}
	return code, nil
}

// densifySteps is the number of segments each bbox edge is split into when
// reprojecting; UTM and geographic edges are curved in Web Mercator.
const densifySteps = 16

// ProjectBounds transforms a Web Mercator box into the target CRS and returns
// the envelope of its densified edges. Points outside the domain of the CRS
// are skipped; a box entirely outside it comes back empty.
func ProjectBounds(t Transformer, b entity.BoundingBox) entity.BoundingBox {
	out := entity.BoundingBox{
		MinX: math.Inf(1), MinY: math.Inf(1),
		MaxX: math.Inf(-1), MaxY: math.Inf(-1),
	}
	add := func(x, y float64) {
		px, py := t.FromMercator(x, y)
		if math.IsNaN(px) || math.IsNaN(py) {
			return
		}
		out.MinX = math.Min(out.MinX, px)
		out.MinY = math.Min(out.MinY, py)
		out.MaxX = math.Max(out.MaxX, px)
		out.MaxY = math.Max(out.MaxY, py)
	}
	for i := 0; i <= densifySteps; i++ {
		f := float64(i) / densifySteps
		x := b.MinX + f*b.Width()
		y := b.MinY + f*b.Height()
		add(x, b.MinY)
		add(x, b.MaxY)
		add(b.MinX, y)
		add(b.MaxX, y)
	}
	return out
}
