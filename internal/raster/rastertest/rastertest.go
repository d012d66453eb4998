// Package rastertest writes small GeoTIFF files for tests.
package rastertest

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"fmt"
	"math"
	"sort"
)

type Compression int

const (
	None Compression = iota
	Deflate
	PackBits
)

// Options describes the file to write. Zero values give an 8-bit,
// single-band, uncompressed, stripped, little-endian classic TIFF with no
// georeferencing.
type Options struct {
	Width, Height int
	Bands         int
	// SampleType is one of uint8, uint16, int16, uint32, int32, float32, float64.
	SampleType  string
	Compression Compression
	Predictor   bool
	// TileSize > 0 writes tiles instead of strips.
	TileSize     int
	RowsPerStrip int
	Planar       bool
	BigTIFF      bool
	BigEndian    bool
	// Overviews are decimation factors, e.g. 2, 4.
	Overviews []int

	// EPSG > 0 writes a GeoKeyDirectory; Geographic selects the geographic
	// key instead of the projected one.
	EPSG       int
	Geographic bool
	// Transform in GDAL order. When Matrix is set it is written as
	// ModelTransformation, otherwise as pixel scale plus tiepoint.
	Transform    [6]float64
	Matrix       bool
	PixelIsPoint bool
	// OmitGeoKeys writes model tags without a key directory.
	OmitGeoKeys bool
	NoData      *float64
	// Palette writes a palette image with a grey ramp colour map.
	Palette bool

	// Value returns the sample of band at (x, y). Defaults to a gradient.
	Value func(band, x, y int) float64
}

// Geo returns options for a georeferenced raster covering bbox in EPSG:4326.
func Geo(width, height, bands int, minX, minY, maxX, maxY float64) Options {
	return Options{
		Width:      width,
		Height:     height,
		Bands:      bands,
		EPSG:       4326,
		Geographic: true,
		Transform: [6]float64{
			minX, (maxX - minX) / float64(width), 0,
			maxY, 0, -(maxY - minY) / float64(height),
		},
	}
}

type tagValue struct {
	tag  uint16
	typ  uint16
	ints []uint64
	dbls []float64
	str  string
}

const (
	tShort  = 3
	tLong   = 4
	tDouble = 12
	tASCII  = 2
	tLong8  = 16
)

type sampleInfo struct {
	bits   int
	format int
}

var sampleTypes = map[string]sampleInfo{
	"uint8":   {8, 1},
	"uint16":  {16, 1},
	"uint32":  {32, 1},
	"int8":    {8, 2},
	"int16":   {16, 2},
	"int32":   {32, 2},
	"float32": {32, 3},
	"float64": {64, 3},
}

// Encode renders opts into TIFF bytes.
func Encode(o Options) ([]byte, error) {
	if o.Width <= 0 || o.Height <= 0 {
		return nil, fmt.Errorf("invalid size %dx%d", o.Width, o.Height)
	}
	if o.Bands <= 0 {
		o.Bands = 1
	}
	if o.SampleType == "" {
		o.SampleType = "uint8"
	}
	si, ok := sampleTypes[o.SampleType]
	if !ok {
		return nil, fmt.Errorf("unknown sample type %q", o.SampleType)
	}
	if o.Value == nil {
		o.Value = func(band, x, y int) float64 { return float64((x + y + band*32) % 256) }
	}

	w := &writer{o: o, si: si}
	if o.BigEndian {
		w.order = binary.BigEndian
	} else {
		w.order = binary.LittleEndian
	}
	return w.encode()
}

// MustEncode is Encode for fixtures that are known to be valid.
func MustEncode(o Options) []byte {
	b, err := Encode(o)
	if err != nil {
		panic(err)
	}
	return b
}

type writer struct {
	o     Options
	si    sampleInfo
	order binary.ByteOrder
	buf   bytes.Buffer
}

type levelData struct {
	width, height   int
	factor          int
	offsets, counts []uint64
	chunkW, chunkH  int
}

func (w *writer) encode() ([]byte, error) {
	o := w.o
	if o.BigEndian {
		w.buf.WriteString("MM")
	} else {
		w.buf.WriteString("II")
	}
	if o.BigTIFF {
		w.put16(43)
		w.put16(8)
		w.put16(0)
		w.put64(0)
	} else {
		w.put16(42)
		w.put32(0)
	}

	levels := []*levelData{{width: o.Width, height: o.Height, factor: 1}}
	for _, f := range o.Overviews {
		levels = append(levels, &levelData{
			width:  (o.Width + f - 1) / f,
			height: (o.Height + f - 1) / f,
			factor: f,
		})
	}
	for _, lv := range levels {
		if err := w.writeChunks(lv); err != nil {
			return nil, err
		}
	}

	w.align()
	first := uint64(w.buf.Len())
	for i, lv := range levels {
		w.writeIFD(w.tags(lv, i > 0), i == len(levels)-1)
	}

	out := w.buf.Bytes()
	if o.BigTIFF {
		w.order.PutUint64(out[8:], first)
	} else {
		w.order.PutUint32(out[4:], uint32(first))
	}
	return out, nil
}

func (w *writer) writeChunks(lv *levelData) error {
	o := w.o
	if o.TileSize > 0 {
		lv.chunkW, lv.chunkH = o.TileSize, o.TileSize
	} else {
		rps := o.RowsPerStrip
		if rps <= 0 || rps > lv.height {
			rps = lv.height
		}
		lv.chunkW, lv.chunkH = lv.width, rps
	}
	across := (lv.width + lv.chunkW - 1) / lv.chunkW
	down := (lv.height + lv.chunkH - 1) / lv.chunkH

	planes := []int{-1}
	if o.Planar {
		planes = planes[:0]
		for b := range o.Bands {
			planes = append(planes, b)
		}
	}

	for _, plane := range planes {
		for cy := range down {
			for cx := range across {
				rows := lv.chunkH
				if o.TileSize == 0 {
					rows = min(lv.chunkH, lv.height-cy*lv.chunkH)
				}
				raw := w.chunkBytes(lv, cx, cy, rows, plane)
				data, err := w.compress(raw)
				if err != nil {
					return err
				}
				lv.offsets = append(lv.offsets, uint64(w.buf.Len()))
				lv.counts = append(lv.counts, uint64(len(data)))
				w.buf.Write(data)
			}
		}
	}
	return nil
}

func (w *writer) chunkBytes(lv *levelData, cx, cy, rows, plane int) []byte {
	o := w.o
	bps := w.si.bits / 8
	stride := o.Bands
	bands := make([]int, 0, o.Bands)
	if plane >= 0 {
		stride = 1
		bands = append(bands, plane)
	} else {
		for b := range o.Bands {
			bands = append(bands, b)
		}
	}

	out := make([]byte, lv.chunkW*rows*stride*bps)
	for y := range rows {
		for x := range lv.chunkW {
			px, py := cx*lv.chunkW+x, cy*lv.chunkH+y
			for i, b := range bands {
				v := 0.0
				if px < lv.width && py < lv.height {
					v = o.Value(b, min(px*lv.factor, o.Width-1), min(py*lv.factor, o.Height-1))
				}
				w.putSample(out[((y*lv.chunkW+x)*stride+i)*bps:], v)
			}
		}
	}

	if o.Predictor {
		rowLen := lv.chunkW * stride * bps
		for y := range rows {
			r := out[y*rowLen : (y+1)*rowLen]
			for i := lv.chunkW*stride - 1; i >= stride; i-- {
				switch bps {
				case 1:
					r[i] -= r[i-stride]
				case 2:
					w.order.PutUint16(r[2*i:], w.order.Uint16(r[2*i:])-w.order.Uint16(r[2*(i-stride):]))
				case 4:
					w.order.PutUint32(r[4*i:], w.order.Uint32(r[4*i:])-w.order.Uint32(r[4*(i-stride):]))
				case 8:
					w.order.PutUint64(r[8*i:], w.order.Uint64(r[8*i:])-w.order.Uint64(r[8*(i-stride):]))
				}
			}
		}
	}
	return out
}

func (w *writer) putSample(b []byte, v float64) {
	switch {
	case w.si.format == 3 && w.si.bits == 32:
		w.order.PutUint32(b, math.Float32bits(float32(v)))
	case w.si.format == 3:
		w.order.PutUint64(b, math.Float64bits(v))
	default:
		iv := int64(v)
		switch w.si.bits {
		case 8:
			b[0] = byte(iv)
		case 16:
			w.order.PutUint16(b, uint16(iv))
		case 32:
			w.order.PutUint32(b, uint32(iv))
		default:
			w.order.PutUint64(b, uint64(iv))
		}
	}
}

func (w *writer) compress(raw []byte) ([]byte, error) {
	switch w.o.Compression {
	case Deflate:
		var b bytes.Buffer
		zw := zlib.NewWriter(&b)
		if _, err := zw.Write(raw); err != nil {
			return nil, err
		}
		if err := zw.Close(); err != nil {
			return nil, err
		}
		return b.Bytes(), nil
	case PackBits:
		return packBits(raw), nil
	default:
		return raw, nil
	}
}

// packBits emits literal runs only, which every decoder must accept.
func packBits(raw []byte) []byte {
	var out []byte
	for i := 0; i < len(raw); i += 128 {
		end := min(i+128, len(raw))
		out = append(out, byte(end-i-1))
		out = append(out, raw[i:end]...)
	}
	return out
}

func (w *writer) tags(lv *levelData, overview bool) []tagValue {
	o := w.o
	offType := uint16(tLong)
	if o.BigTIFF {
		offType = tLong8
	}

	photometric := uint64(1)
	switch {
	case o.Palette:
		photometric = 3
	case o.Bands >= 3 && w.si.bits == 8 && w.si.format == 1:
		photometric = 2
	}

	bits := make([]uint64, o.Bands)
	formats := make([]uint64, o.Bands)
	for i := range bits {
		bits[i] = uint64(w.si.bits)
		formats[i] = uint64(w.si.format)
	}

	compression := uint64(1)
	switch o.Compression {
	case Deflate:
		compression = 8
	case PackBits:
		compression = 32773
	}

	planar := uint64(1)
	if o.Planar {
		planar = 2
	}

	tags := []tagValue{
		{tag: 256, typ: tLong, ints: []uint64{uint64(lv.width)}},
		{tag: 257, typ: tLong, ints: []uint64{uint64(lv.height)}},
		{tag: 258, typ: tShort, ints: bits},
		{tag: 259, typ: tShort, ints: []uint64{compression}},
		{tag: 262, typ: tShort, ints: []uint64{photometric}},
		{tag: 277, typ: tShort, ints: []uint64{uint64(o.Bands)}},
		{tag: 284, typ: tShort, ints: []uint64{planar}},
		{tag: 339, typ: tShort, ints: formats},
	}
	if overview {
		tags = append(tags, tagValue{tag: 254, typ: tLong, ints: []uint64{1}})
	}
	if o.Predictor {
		tags = append(tags, tagValue{tag: 317, typ: tShort, ints: []uint64{2}})
	}
	if o.TileSize > 0 {
		tags = append(tags,
			tagValue{tag: 322, typ: tShort, ints: []uint64{uint64(lv.chunkW)}},
			tagValue{tag: 323, typ: tShort, ints: []uint64{uint64(lv.chunkH)}},
			tagValue{tag: 324, typ: offType, ints: lv.offsets},
			tagValue{tag: 325, typ: offType, ints: lv.counts},
		)
	} else {
		tags = append(tags,
			tagValue{tag: 273, typ: offType, ints: lv.offsets},
			tagValue{tag: 278, typ: tLong, ints: []uint64{uint64(lv.chunkH)}},
			tagValue{tag: 279, typ: offType, ints: lv.counts},
		)
	}
	if o.Palette && !overview {
		n := 1 << w.si.bits
		cm := make([]uint64, 3*n)
		for i := range n {
			v := uint64(i * 65535 / (n - 1))
			cm[i], cm[n+i], cm[2*n+i] = v, 65535-v, v/2
		}
		tags = append(tags, tagValue{tag: 320, typ: tShort, ints: cm})
	}

	if !overview {
		tags = append(tags, w.geoTags()...)
		if o.NoData != nil {
			tags = append(tags, tagValue{tag: 42113, typ: tASCII, str: fmt.Sprintf("%g", *o.NoData)})
		}
	}

	sort.Slice(tags, func(i, j int) bool { return tags[i].tag < tags[j].tag })
	return tags
}

func (w *writer) geoTags() []tagValue {
	o := w.o
	if o.EPSG == 0 && !o.OmitGeoKeys {
		return nil
	}
	t := o.Transform
	var tags []tagValue
	if o.Matrix {
		m := []float64{
			t[1], t[2], 0, t[0],
			t[4], t[5], 0, t[3],
			0, 0, 0, 0,
			0, 0, 0, 1,
		}
		tags = append(tags, tagValue{tag: 34264, typ: tDouble, dbls: m})
	} else {
		x0, y0 := t[0], t[3]
		if o.PixelIsPoint {
			x0 += 0.5 * t[1]
			y0 += 0.5 * t[5]
		}
		tags = append(tags,
			tagValue{tag: 33550, typ: tDouble, dbls: []float64{t[1], -t[5], 0}},
			tagValue{tag: 33922, typ: tDouble, dbls: []float64{0, 0, 0, x0, y0, 0}},
		)
	}
	if o.OmitGeoKeys {
		return tags
	}

	modelType, crsKey := uint64(1), uint64(3072)
	if o.Geographic {
		modelType, crsKey = 2, 2048
	}
	rasterType := uint64(1)
	if o.PixelIsPoint {
		rasterType = 2
	}
	keys := []uint64{
		1, 1, 0, 3,
		1024, 0, 1, modelType,
		1025, 0, 1, rasterType,
		crsKey, 0, 1, uint64(o.EPSG),
	}
	return append(tags, tagValue{tag: 34735, typ: tShort, ints: keys})
}

func (w *writer) writeIFD(tags []tagValue, last bool) {
	big := w.o.BigTIFF
	countSize, entrySize, nextSize, inline := 2, 12, 4, 4
	if big {
		countSize, entrySize, nextSize, inline = 8, 20, 8, 8
	}

	start := w.buf.Len()
	valuesAt := start + countSize + len(tags)*entrySize + nextSize

	var entries, values bytes.Buffer
	for _, t := range tags {
		data, count := w.valueBytes(t)
		w.putTo(&entries, 16, uint64(t.tag))
		w.putTo(&entries, 16, uint64(t.typ))
		if big {
			w.putTo(&entries, 64, count)
		} else {
			w.putTo(&entries, 32, count)
		}
		if len(data) <= inline {
			padded := make([]byte, inline)
			copy(padded, data)
			entries.Write(padded)
			continue
		}
		off := uint64(valuesAt + values.Len())
		if big {
			w.putTo(&entries, 64, off)
		} else {
			w.putTo(&entries, 32, off)
		}
		values.Write(data)
		if values.Len()%2 == 1 {
			values.WriteByte(0)
		}
	}

	next := uint64(0)
	if !last {
		next = uint64(valuesAt + values.Len())
		next += next % 2
	}

	if big {
		w.put64(uint64(len(tags)))
	} else {
		w.put16(uint16(len(tags)))
	}
	w.buf.Write(entries.Bytes())
	if big {
		w.put64(next)
	} else {
		w.put32(uint32(next))
	}
	w.buf.Write(values.Bytes())
	w.align()
}

func (w *writer) valueBytes(t tagValue) ([]byte, uint64) {
	var b bytes.Buffer
	switch t.typ {
	case tASCII:
		b.WriteString(t.str)
		b.WriteByte(0)
		return b.Bytes(), uint64(b.Len())
	case tDouble:
		for _, v := range t.dbls {
			w.putTo(&b, 64, math.Float64bits(v))
		}
		return b.Bytes(), uint64(len(t.dbls))
	case tShort:
		for _, v := range t.ints {
			w.putTo(&b, 16, v)
		}
	case tLong:
		for _, v := range t.ints {
			w.putTo(&b, 32, v)
		}
	case tLong8:
		for _, v := range t.ints {
			w.putTo(&b, 64, v)
		}
	}
	return b.Bytes(), uint64(len(t.ints))
}

func (w *writer) putTo(b *bytes.Buffer, bits int, v uint64) {
	tmp := make([]byte, bits/8)
	switch bits {
	case 16:
		w.order.PutUint16(tmp, uint16(v))
	case 32:
		w.order.PutUint32(tmp, uint32(v))
	default:
		w.order.PutUint64(tmp, v)
	}
	b.Write(tmp)
}

func (w *writer) put16(v uint16) { w.putTo(&w.buf, 16, uint64(v)) }
func (w *writer) put32(v uint32) { w.putTo(&w.buf, 32, uint64(v)) }
func (w *writer) put64(v uint64) { w.putTo(&w.buf, 64, v) }

func (w *writer) align() {
	if w.buf.Len()%2 == 1 {
		w.buf.WriteByte(0)
	}
}
