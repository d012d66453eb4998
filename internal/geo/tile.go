package geo

import (
	"fmt"

	"github.com/jaennil/guide_helper/media/internal/entity"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/maptile"
	"github.com/paulmach/orb/project"
)

// ValidTile checks an XYZ address against the served zoom range and the
// 2^z grid of that zoom.
func ValidTile(z, x, y, minZoom, maxZoom int) error {
	if z < minZoom || z > maxZoom {
		return fmt.Errorf("zoom %d outside %d..%d: %w", z, minZoom, maxZoom, entity.ErrTileOutOfBounds)
	}
	n := 1 << z
	if x < 0 || y < 0 || x >= n || y >= n {
		return fmt.Errorf("tile %d/%d/%d outside the %dx%d grid: %w", z, x, y, n, n, entity.ErrTileOutOfBounds)
	}
	return nil
}

// TileBounds returns the EPSG:3857 extent of an XYZ tile.
func TileBounds(z, x, y int) entity.BoundingBox {
	b := maptile.New(uint32(x), uint32(y), maptile.Zoom(z)).Bound()
	lo := project.WGS84.ToMercator(orb.Point{b.Min.Lon(), b.Min.Lat()})
	hi := project.WGS84.ToMercator(orb.Point{b.Max.Lon(), b.Max.Lat()})
	return entity.BoundingBox{MinX: lo.X(), MinY: lo.Y(), MaxX: hi.X(), MaxY: hi.Y()}
}
