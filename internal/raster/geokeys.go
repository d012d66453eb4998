package raster

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/jaennil/guide_helper/media/internal/entity"
)

// ErrNotGeoreferenced is returned by Metadata for a valid TIFF that carries
// no georeferencing tags at all.
var ErrNotGeoreferenced = errors.New("raster is not georeferenced")

// ErrUnsupportedCRS marks georeferencing whose coordinate reference system
// cannot be reprojected. It is a kind of entity.ErrUnsupportedFormat.
var ErrUnsupportedCRS = fmt.Errorf("unsupported coordinate reference system: %w", entity.ErrUnsupportedFormat)

const (
	keyModelType      = 1024
	keyRasterType     = 1025
	keyGeographicType = 2048
	keyProjectedType  = 3072

	rasterPixelIsPoint = 2
	userDefined        = 32767
)

type georef struct {
	crs       string
	transform [6]float64
}

// georeference reads the GeoTIFF tags of the first IFD. Partial
// georeferencing is corrupt; no georeferencing at all is ErrNotGeoreferenced.
func (p *parser) georeference(d ifd) (*georef, error) {
	_, hasScale := d[tagModelPixelScale]
	_, hasTie := d[tagModelTiepoint]
	_, hasMatrix := d[tagModelTransformation]
	dir, hasKeys := d[tagGeoKeyDirectory]
	if !hasScale && !hasTie && !hasMatrix && !hasKeys {
		return nil, ErrNotGeoreferenced
	}
	if !hasKeys {
		return nil, corrupt("model tags without a geokey directory")
	}

	keys, err := p.geoKeys(dir)
	if err != nil {
		return nil, err
	}
	crs, err := crsFromKeys(keys)
	if err != nil {
		return nil, err
	}

	var t [6]float64
	switch {
	case hasMatrix:
		m, err := p.floats(d[tagModelTransformation])
		if err != nil {
			return nil, err
		}
		if len(m) != 16 {
			return nil, corrupt("model transformation has %d values", len(m))
		}
		t = [6]float64{m[3], m[0], m[1], m[7], m[4], m[5]}
	case hasScale && hasTie:
		scale, err := p.floats(d[tagModelPixelScale])
		if err != nil {
			return nil, err
		}
		tie, err := p.floats(d[tagModelTiepoint])
		if err != nil {
			return nil, err
		}
		if len(scale) < 2 || len(tie) < 6 {
			return nil, corrupt("pixel scale or tiepoint too short")
		}
		sx, sy := scale[0], scale[1]
		if sx == 0 || sy == 0 {
			return nil, corrupt("zero pixel scale")
		}
		i, j, x, y := tie[0], tie[1], tie[3], tie[4]
		t = [6]float64{x - i*sx, sx, 0, y + j*sy, 0, -sy}
	default:
		return nil, corrupt("geokeys without a pixel to model transform")
	}

	for _, v := range t {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, corrupt("non-finite model transform")
		}
	}
	if t[1]*t[5]-t[2]*t[4] == 0 {
		return nil, corrupt("singular model transform")
	}

	// Point rasters tie pixel centres; shift to the area convention.
	if keys[keyRasterType] == rasterPixelIsPoint {
		t[0] -= 0.5*t[1] + 0.5*t[2]
		t[3] -= 0.5*t[4] + 0.5*t[5]
	}

	return &georef{crs: crs, transform: t}, nil
}

// geoKeys returns the short-valued keys of a GeoKeyDirectory.
func (p *parser) geoKeys(f field) (map[uint16]uint16, error) {
	v, err := p.uints(f)
	if err != nil {
		return nil, err
	}
	if len(v) < 4 {
		return nil, corrupt("geokey directory too short")
	}
	n := int(v[3])
	if len(v) < 4+4*n {
		return nil, corrupt("geokey directory declares %d keys in %d values", n, len(v))
	}
	keys := make(map[uint16]uint16, n)
	for k := range n {
		e := v[4+4*k : 8+4*k]
		id, loc, count, val := uint16(e[0]), e[1], e[2], e[3]
		switch loc {
		case 0:
			keys[id] = uint16(val)
		case tagGeoKeyDirectory:
			if count == 0 || val >= uint64(len(v)) {
				return nil, corrupt("geokey %d points outside the directory", id)
			}
			keys[id] = uint16(v[val])
		}
	}
	return keys, nil
}

func crsFromKeys(keys map[uint16]uint16) (string, error) {
	code := keys[keyProjectedType]
	if code == 0 {
		code = keys[keyGeographicType]
	}
	switch code {
	case 0:
		return "", corrupt("geokeys name no coordinate reference system (model type %d)", keys[keyModelType])
	case userDefined:
		return "", fmt.Errorf("user-defined geokeys: %w", ErrUnsupportedCRS)
	}
	return "EPSG:" + strconv.Itoa(int(code)), nil
}

func (p *parser) noData(d ifd) (*float64, error) {
	f, ok := d[tagGDALNoData]
	if !ok {
		return nil, nil
	}
	s := strings.TrimSpace(f.ascii())
	if s == "" {
		return nil, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil, corrupt("nodata value %q", s)
	}
	return &v, nil
}
