package raster

import (
	"fmt"
	"image/color"
	"io"
	"math"
	"sort"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/jaennil/guide_helper/media/internal/entity"
)

const chunkCacheSize = 64

type chunkKey struct {
	level int
	index int
}

// Handle is an open raster. Only container structure is read by Open; pixel
// data is fetched chunk by chunk on ReadWindow. A Handle is safe for
// concurrent use provided its ByteSource supports concurrent ReadAt.
type Handle struct {
	src      ByteSource
	order    byteOrder
	levels   []*level
	geo      *georef
	geoErr   error
	noData   *float64
	colorMap []color.NRGBA
	decode   sampleDecoder
	chunks   *lru.Cache[chunkKey, *chunk]
}

// Open parses the TIFF header and IFD chain of src. Non-TIFF input is
// ErrUnsupportedFormat; a TIFF with invalid internals is ErrCorruptRaster.
func Open(src ByteSource) (*Handle, error) {
	br, err := newBlockReader(src)
	if err != nil {
		return nil, err
	}
	p, first, err := newParser(br, src.Size())
	if err != nil {
		return nil, err
	}
	ifds, err := p.readIFDs(first)
	if err != nil {
		return nil, err
	}

	base, err := p.parseLevel(ifds[0])
	if err != nil {
		return nil, err
	}
	base.factorX, base.factorY = 1, 1

	h := &Handle{
		src:    src,
		order:  p.order,
		levels: []*level{base},
		decode: newSampleDecoder(base.layout, p.order),
	}

	for _, d := range ifds[1:] {
		st := subfileType(p, d)
		if st&subfileReduced == 0 || st&subfileMask != 0 {
			continue
		}
		ov, err := p.parseLevel(d)
		if err != nil {
			// A damaged overview is skipped; full resolution is still readable.
			continue
		}
		if !ov.layout.compatible(base.layout) || ov.width >= base.width || ov.height >= base.height {
			continue
		}
		ov.factorX = float64(base.width) / float64(ov.width)
		ov.factorY = float64(base.height) / float64(ov.height)
		h.levels = append(h.levels, ov)
	}
	sort.SliceStable(h.levels[1:], func(i, j int) bool {
		return h.levels[1+i].factorX < h.levels[1+j].factorX
	})

	if base.photometric == photometricPalette {
		if h.colorMap, err = p.colorMap(ifds[0], base.bitsPerSample); err != nil {
			return nil, err
		}
	}
	if h.noData, err = p.noData(ifds[0]); err != nil {
		return nil, err
	}

	h.geo, h.geoErr = p.georeference(ifds[0])

	if h.chunks, err = lru.New[chunkKey, *chunk](chunkCacheSize); err != nil {
		return nil, err
	}
	return h, nil
}

func (h *Handle) Width() int     { return h.levels[0].width }
func (h *Handle) Height() int    { return h.levels[0].height }
func (h *Handle) BandCount() int { return h.levels[0].samplesPerPixel }

// Kind is categorical for palette images, continuous otherwise.
func (h *Handle) Kind() entity.BandKind {
	if h.levels[0].photometric == photometricPalette {
		return entity.BandCategorical
	}
	return entity.BandContinuous
}

// Bands describes every band of the raster, georeferenced or not. stats may be nil.
func (h *Handle) Bands(stats []BandStats) []entity.Band {
	bands := make([]entity.Band, h.BandCount())
	for i := range bands {
		bands[i] = entity.Band{Type: h.levels[0].sampleType(), Kind: h.Kind(), NoData: h.noData}
		if i < len(stats) {
			bands[i].Min, bands[i].Max = stats[i].Min, stats[i].Max
		}
	}
	return bands
}

// ColorMap returns the palette of a palette image, or nil.
func (h *Handle) ColorMap() []color.NRGBA { return h.colorMap }

// Close releases the underlying source when it is closable.
func (h *Handle) Close() error {
	h.chunks.Purge()
	if c, ok := h.src.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

type Metadata struct {
	CRS         string
	Transform   [6]float64
	Width       int
	Height      int
	BandCount   int
	BandTypes   []string
	Kind        entity.BandKind
	BoundingBox entity.BoundingBox
	// Overviews lists decimation factors, finest first.
	Overviews      []int
	NoData         *float64
	MetersPerPixel float64
}

// Metadata returns the complete georeferencing record, ErrNotGeoreferenced for
// a plain TIFF or ErrCorruptRaster when the geo tags are inconsistent.
func (h *Handle) Metadata() (Metadata, error) {
	if h.geoErr != nil {
		return Metadata{}, h.geoErr
	}
	base := h.levels[0]
	m := Metadata{
		CRS:       h.geo.crs,
		Transform: h.geo.transform,
		Width:     base.width,
		Height:    base.height,
		BandCount: base.samplesPerPixel,
		Kind:      h.Kind(),
		NoData:    h.noData,
	}
	for range m.BandCount {
		m.BandTypes = append(m.BandTypes, base.sampleType())
	}
	for _, lv := range h.levels[1:] {
		m.Overviews = append(m.Overviews, int(math.Round(lv.factorX)))
	}
	m.BoundingBox = boundsOf(m.Transform, m.Width, m.Height)
	m.MetersPerPixel = metersPerPixel(m.CRS, m.Transform, m.BoundingBox)
	if m.BoundingBox.Empty() {
		return Metadata{}, corrupt("empty bounding box")
	}
	return m, nil
}

// Geo converts the metadata into the registry record. stats may be nil.
func (m Metadata) Geo(stats []BandStats) *entity.Geo {
	g := &entity.Geo{
		CRS:             m.CRS,
		AffineTransform: m.Transform,
		PixelWidth:      m.Width,
		PixelHeight:     m.Height,
		BandCount:       m.BandCount,
		BoundingBox:     m.BoundingBox,
		OverviewLevels:  m.Overviews,
		MetersPerPixel:  m.MetersPerPixel,
	}
	for i, t := range m.BandTypes {
		b := entity.Band{Type: t, Kind: m.Kind, NoData: m.NoData}
		if i < len(stats) {
			b.Min, b.Max = stats[i].Min, stats[i].Max
		}
		g.Bands = append(g.Bands, b)
	}
	return g
}

func boundsOf(t [6]float64, w, h int) entity.BoundingBox {
	b := entity.BoundingBox{MinX: math.Inf(1), MinY: math.Inf(1), MaxX: math.Inf(-1), MaxY: math.Inf(-1)}
	for _, c := range [][2]float64{{0, 0}, {float64(w), 0}, {0, float64(h)}, {float64(w), float64(h)}} {
		x := t[0] + c[0]*t[1] + c[1]*t[2]
		y := t[3] + c[0]*t[4] + c[1]*t[5]
		b.MinX, b.MaxX = math.Min(b.MinX, x), math.Max(b.MaxX, x)
		b.MinY, b.MaxY = math.Min(b.MinY, y), math.Max(b.MaxY, y)
	}
	return b
}

const metersPerDegree = 111320.0

func metersPerPixel(crs string, t [6]float64, bbox entity.BoundingBox) float64 {
	mpp := (math.Hypot(t[1], t[4]) + math.Hypot(t[2], t[5])) / 2
	if crs == "EPSG:4326" {
		lat := (bbox.MinY + bbox.MaxY) / 2
		return mpp * metersPerDegree * math.Cos(lat*math.Pi/180)
	}
	return mpp
}

func (h *Handle) String() string {
	return fmt.Sprintf("raster %dx%dx%d %s (%d overviews)", h.Width(), h.Height(), h.BandCount(), h.levels[0].sampleType(), len(h.levels)-1)
}
