package raster

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"math"
	"testing"

	"github.com/jaennil/guide_helper/media/internal/entity"
	"github.com/jaennil/guide_helper/media/internal/raster/rastertest"
)

func pattern(band, x, y int) float64 {
	return float64((x*7 + y*3 + band*50) % 256)
}

func openBytes(t *testing.T, b []byte) *Handle {
	t.Helper()
	h, err := Open(bytes.NewReader(b))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return h
}

func near(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestOpenVariants(t *testing.T) {
	base := rastertest.Geo(100, 100, 2, 0, 0, 10, 10)
	base.Value = pattern

	tests := []struct {
		name   string
		modify func(o *rastertest.Options)
	}{
		{"strips", func(o *rastertest.Options) { o.RowsPerStrip = 16 }},
		{"single strip", func(o *rastertest.Options) {}},
		{"tiles", func(o *rastertest.Options) { o.TileSize = 32 }},
		{"deflate", func(o *rastertest.Options) { o.Compression = rastertest.Deflate; o.RowsPerStrip = 10 }},
		{"packbits", func(o *rastertest.Options) { o.Compression = rastertest.PackBits; o.TileSize = 16 }},
		{"predictor", func(o *rastertest.Options) { o.Compression = rastertest.Deflate; o.Predictor = true }},
		{"planar", func(o *rastertest.Options) { o.Planar = true; o.TileSize = 48 }},
		{"bigtiff", func(o *rastertest.Options) { o.BigTIFF = true; o.TileSize = 32 }},
		{"big endian", func(o *rastertest.Options) { o.BigEndian = true; o.SampleType = "uint16" }},
		{"uint16 predictor", func(o *rastertest.Options) { o.SampleType = "uint16"; o.Predictor = true; o.RowsPerStrip = 7 }},
		{"int16", func(o *rastertest.Options) { o.SampleType = "int16" }},
		{"float32", func(o *rastertest.Options) { o.SampleType = "float32"; o.TileSize = 64 }},
		{"float64 big endian", func(o *rastertest.Options) { o.SampleType = "float64"; o.BigEndian = true }},
		{"model transformation", func(o *rastertest.Options) { o.Matrix = true }},
		{"pixel is point", func(o *rastertest.Options) { o.PixelIsPoint = true }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := base
			tt.modify(&o)
			h := openBytes(t, rastertest.MustEncode(o))
			defer h.Close()

			m, err := h.Metadata()
			if err != nil {
				t.Fatalf("Metadata: %v", err)
			}
			if m.CRS != "EPSG:4326" || m.Width != 100 || m.Height != 100 || m.BandCount != 2 {
				t.Fatalf("Metadata = %+v", m)
			}
			want := entity.BoundingBox{MinX: 0, MinY: 0, MaxX: 10, MaxY: 10}
			if !near(m.BoundingBox.MinX, want.MinX) || !near(m.BoundingBox.MinY, want.MinY) ||
				!near(m.BoundingBox.MaxX, want.MaxX) || !near(m.BoundingBox.MaxY, want.MaxY) {
				t.Fatalf("BoundingBox = %+v, want %+v", m.BoundingBox, want)
			}

			buf, err := h.ReadWindow(context.Background(), Window{X1: 100, Y1: 100}, 100, 100)
			if err != nil {
				t.Fatalf("ReadWindow: %v", err)
			}
			for _, p := range [][2]int{{0, 0}, {99, 0}, {0, 99}, {37, 58}, {99, 99}} {
				for band := range 2 {
					if got, want := buf.At(band, p[0], p[1]), pattern(band, p[0], p[1]); got != want {
						t.Fatalf("band %d at %v = %v, want %v", band, p, got, want)
					}
				}
			}
		})
	}
}

func TestMetadataGeoRecord(t *testing.T) {
	o := rastertest.Geo(100, 100, 2, 0, 0, 10, 10)
	o.Overviews = []int{2, 4}
	nd := 255.0
	o.NoData = &nd
	h := openBytes(t, rastertest.MustEncode(o))

	m, err := h.Metadata()
	if err != nil {
		t.Fatalf("Metadata: %v", err)
	}
	if len(m.Overviews) != 2 || m.Overviews[0] != 2 || m.Overviews[1] != 4 {
		t.Fatalf("Overviews = %v", m.Overviews)
	}
	if m.NoData == nil || *m.NoData != 255 {
		t.Fatalf("NoData = %v", m.NoData)
	}

	g := m.Geo([]BandStats{{Min: 1, Max: 9}, {Min: 2, Max: 8}})
	if err := g.Validate(); err != nil {
		t.Fatalf("Geo.Validate: %v", err)
	}
	if g.Bands[1].Min != 2 || g.Bands[1].Max != 8 || g.Bands[0].Type != "uint8" {
		t.Fatalf("Bands = %+v", g.Bands)
	}
	if g.MetersPerPixel <= 0 {
		t.Fatalf("MetersPerPixel = %v", g.MetersPerPixel)
	}
}

func TestOpenRejects(t *testing.T) {
	valid := rastertest.MustEncode(rastertest.Geo(20, 20, 1, 0, 0, 1, 1))

	loop := bytes.Clone(valid)
	first := binary.LittleEndian.Uint32(loop[4:])
	n := binary.LittleEndian.Uint16(loop[first:])
	binary.LittleEndian.PutUint32(loop[first+2+uint32(n)*12:], first)

	badOffset := bytes.Clone(valid)
	binary.LittleEndian.PutUint32(badOffset[4:], uint32(len(valid)+100))

	tests := []struct {
		name string
		data []byte
		want error
	}{
		{"png", []byte("\x89PNG\r\n\x1a\n0000000000000"), entity.ErrUnsupportedFormat},
		{"too short", []byte("II*"), entity.ErrUnsupportedFormat},
		{"bad magic", []byte("II\x2b\x01\x08\x00\x00\x00"), entity.ErrUnsupportedFormat},
		{"truncated", valid[:len(valid)-20], entity.ErrCorruptRaster},
		{"ifd loop", loop, entity.ErrCorruptRaster},
		{"ifd outside file", badOffset, entity.ErrCorruptRaster},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Open(bytes.NewReader(tt.data))
			if !errors.Is(err, tt.want) {
				t.Fatalf("Open = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestMetadataGeoStates(t *testing.T) {
	plain := rastertest.MustEncode(rastertest.Options{Width: 10, Height: 10})
	h := openBytes(t, plain)
	if _, err := h.Metadata(); !errors.Is(err, ErrNotGeoreferenced) {
		t.Fatalf("plain tiff Metadata = %v, want ErrNotGeoreferenced", err)
	}
	if errors.Is(ErrNotGeoreferenced, entity.ErrCorruptRaster) {
		t.Fatal("ErrNotGeoreferenced must be distinct from ErrCorruptRaster")
	}

	partial := rastertest.Geo(10, 10, 1, 0, 0, 1, 1)
	partial.EPSG = 0
	partial.OmitGeoKeys = true
	h = openBytes(t, rastertest.MustEncode(partial))
	if _, err := h.Metadata(); !errors.Is(err, entity.ErrCorruptRaster) {
		t.Fatalf("partial geo Metadata = %v, want ErrCorruptRaster", err)
	}

	userDefined := rastertest.Geo(10, 10, 1, 0, 0, 1, 1)
	userDefined.EPSG = 32767
	h = openBytes(t, rastertest.MustEncode(userDefined))
	if _, err := h.Metadata(); !errors.Is(err, ErrUnsupportedCRS) || !errors.Is(err, entity.ErrUnsupportedFormat) {
		t.Fatalf("user-defined crs Metadata = %v, want ErrUnsupportedCRS", err)
	}

	utm := rastertest.Options{
		Width: 10, Height: 10, EPSG: 32633,
		Transform: [6]float64{500000, 30, 0, 4649776, 0, -30},
	}
	h = openBytes(t, rastertest.MustEncode(utm))
	m, err := h.Metadata()
	if err != nil {
		t.Fatalf("utm Metadata: %v", err)
	}
	if m.CRS != "EPSG:32633" || m.MetersPerPixel != 30 {
		t.Fatalf("utm Metadata = %+v", m)
	}
}
