package raster

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/jaennil/guide_helper/media/internal/entity"
)

// Baseline and extension tags.
const (
	tagNewSubfileType  = 254
	tagImageWidth      = 256
	tagImageLength     = 257
	tagBitsPerSample   = 258
	tagCompression     = 259
	tagPhotometric     = 262
	tagStripOffsets    = 273
	tagSamplesPerPixel = 277
	tagRowsPerStrip    = 278
	tagStripByteCounts = 279
	tagPlanarConfig    = 284
	tagPredictor       = 317
	tagColorMap        = 320
	tagTileWidth       = 322
	tagTileLength      = 323
	tagTileOffsets     = 324
	tagTileByteCounts  = 325
	tagSampleFormat    = 339
)

// GeoTIFF and GDAL tags.
const (
	tagModelPixelScale     = 33550
	tagModelTiepoint       = 33922
	tagModelTransformation = 34264
	tagGeoKeyDirectory     = 34735
	tagGeoDoubleParams     = 34736
	tagGeoAsciiParams      = 34737
	tagGDALNoData          = 42113
)

var knownTags = map[uint16]bool{
	tagNewSubfileType: true, tagImageWidth: true, tagImageLength: true, tagBitsPerSample: true,
	tagCompression: true, tagPhotometric: true, tagStripOffsets: true, tagSamplesPerPixel: true,
	tagRowsPerStrip: true, tagStripByteCounts: true, tagPlanarConfig: true, tagPredictor: true,
	tagColorMap: true, tagTileWidth: true, tagTileLength: true, tagTileOffsets: true,
	tagTileByteCounts: true, tagSampleFormat: true,
	tagModelPixelScale: true, tagModelTiepoint: true, tagModelTransformation: true,
	tagGeoKeyDirectory: true, tagGeoDoubleParams: true, tagGeoAsciiParams: true, tagGDALNoData: true,
}

// Field types.
const (
	dtByte      = 1
	dtASCII     = 2
	dtShort     = 3
	dtLong      = 4
	dtRational  = 5
	dtSByte     = 6
	dtUndefined = 7
	dtSShort    = 8
	dtSLong     = 9
	dtSRational = 10
	dtFloat     = 11
	dtDouble    = 12
	dtIFD       = 13
	dtLong8     = 16
	dtSLong8    = 17
	dtIFD8      = 18
)

var typeSizes = map[uint16]uint64{
	dtByte: 1, dtASCII: 1, dtShort: 2, dtLong: 4, dtRational: 8, dtSByte: 1, dtUndefined: 1,
	dtSShort: 2, dtSLong: 4, dtSRational: 8, dtFloat: 4, dtDouble: 8, dtIFD: 4,
	dtLong8: 8, dtSLong8: 8, dtIFD8: 8,
}

const (
	maxIFDs        = 64
	maxIFDEntries  = 4096
	maxValueBytes  = 64 << 20
	classicMagic   = 42
	bigTIFFMagic   = 43
	bigTIFFOffsets = 8
)

type byteOrder = binary.ByteOrder

type field struct {
	typ   uint16
	count uint64
	raw   []byte
}

type ifd map[uint16]field

// parser walks the TIFF container structure. It never reads pixel data.
type parser struct {
	r     io.ReaderAt
	size  int64
	order byteOrder
	big   bool
}

func corrupt(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), entity.ErrCorruptRaster)
}

// newParser reads the header and returns the offset of the first IFD.
func newParser(r io.ReaderAt, size int64) (*parser, uint64, error) {
	if size < 8 {
		return nil, 0, fmt.Errorf("%d bytes is too short for a tiff header: %w", size, entity.ErrUnsupportedFormat)
	}
	hdr := make([]byte, 16)
	n, err := r.ReadAt(hdr[:min(int64(16), size)], 0)
	if err != nil && !(errors.Is(err, io.EOF) && n >= 8) {
		return nil, 0, err
	}

	p := &parser{r: r, size: size}
	switch string(hdr[:2]) {
	case "II":
		p.order = binary.LittleEndian
	case "MM":
		p.order = binary.BigEndian
	default:
		return nil, 0, fmt.Errorf("not a tiff container: %w", entity.ErrUnsupportedFormat)
	}

	switch p.order.Uint16(hdr[2:]) {
	case classicMagic:
		return p, uint64(p.order.Uint32(hdr[4:])), nil
	case bigTIFFMagic:
		if size < 16 {
			return nil, 0, corrupt("truncated bigtiff header")
		}
		if p.order.Uint16(hdr[4:]) != bigTIFFOffsets || p.order.Uint16(hdr[6:]) != 0 {
			return nil, 0, corrupt("unsupported bigtiff offset size")
		}
		p.big = true
		return p, p.order.Uint64(hdr[8:]), nil
	default:
		return nil, 0, fmt.Errorf("not a tiff container: %w", entity.ErrUnsupportedFormat)
	}
}

func (p *parser) read(off, n uint64) ([]byte, error) {
	if n > maxValueBytes || off > uint64(p.size) || n > uint64(p.size)-off {
		return nil, corrupt("read of %d bytes at %d outside %d byte file", n, off, p.size)
	}
	buf := make([]byte, n)
	if _, err := p.r.ReadAt(buf, int64(off)); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, corrupt("short read at %d", off)
		}
		return nil, err
	}
	return buf, nil
}

// readIFDs follows the IFD chain from off, guarding against loops.
func (p *parser) readIFDs(off uint64) ([]ifd, error) {
	seen := make(map[uint64]bool)
	var ifds []ifd
	for off != 0 {
		if seen[off] {
			return nil, corrupt("ifd chain loops at %d", off)
		}
		if len(ifds) == maxIFDs {
			return nil, corrupt("more than %d ifds", maxIFDs)
		}
		seen[off] = true

		d, next, err := p.readIFD(off)
		if err != nil {
			return nil, err
		}
		ifds = append(ifds, d)
		off = next
	}
	if len(ifds) == 0 {
		return nil, corrupt("no image file directory")
	}
	return ifds, nil
}

func (p *parser) readIFD(off uint64) (ifd, uint64, error) {
	countSize, entrySize, nextSize := uint64(2), uint64(12), uint64(4)
	if p.big {
		countSize, entrySize, nextSize = 8, 20, 8
	}

	b, err := p.read(off, countSize)
	if err != nil {
		return nil, 0, err
	}
	var count uint64
	if p.big {
		count = p.order.Uint64(b)
	} else {
		count = uint64(p.order.Uint16(b))
	}
	if count == 0 || count > maxIFDEntries {
		return nil, 0, corrupt("ifd at %d has %d entries", off, count)
	}

	body, err := p.read(off+countSize, count*entrySize+nextSize)
	if err != nil {
		return nil, 0, err
	}

	d := make(ifd)
	for i := uint64(0); i < count; i++ {
		e := body[i*entrySize : (i+1)*entrySize]
		tag := p.order.Uint16(e[0:])
		if !knownTags[tag] {
			continue
		}
		typ := p.order.Uint16(e[2:])
		size, ok := typeSizes[typ]
		if !ok {
			return nil, 0, corrupt("tag %d has unknown type %d", tag, typ)
		}

		var n uint64
		var inline []byte
		if p.big {
			n = p.order.Uint64(e[4:])
			inline = e[12:20]
		} else {
			n = uint64(p.order.Uint32(e[4:]))
			inline = e[8:12]
		}
		if n > maxValueBytes/size {
			return nil, 0, corrupt("tag %d count %d too large", tag, n)
		}

		total := n * size
		var raw []byte
		if total <= uint64(len(inline)) {
			raw = append([]byte(nil), inline[:total]...)
		} else {
			var valueOff uint64
			if p.big {
				valueOff = p.order.Uint64(inline)
			} else {
				valueOff = uint64(p.order.Uint32(inline))
			}
			raw, err = p.read(valueOff, total)
			if err != nil {
				return nil, 0, err
			}
		}
		d[tag] = field{typ: typ, count: n, raw: raw}
	}

	tail := body[count*entrySize:]
	var next uint64
	if p.big {
		next = p.order.Uint64(tail)
	} else {
		next = uint64(p.order.Uint32(tail))
	}
	return d, next, nil
}

// uints decodes an unsigned integer field.
func (p *parser) uints(f field) ([]uint64, error) {
	out := make([]uint64, f.count)
	for i := range out {
		switch f.typ {
		case dtByte, dtUndefined:
			out[i] = uint64(f.raw[i])
		case dtShort:
			out[i] = uint64(p.order.Uint16(f.raw[2*i:]))
		case dtLong, dtIFD:
			out[i] = uint64(p.order.Uint32(f.raw[4*i:]))
		case dtLong8, dtIFD8:
			out[i] = p.order.Uint64(f.raw[8*i:])
		default:
			return nil, corrupt("field type %d is not an unsigned integer", f.typ)
		}
	}
	return out, nil
}

// floats decodes any numeric field as float64.
func (p *parser) floats(f field) ([]float64, error) {
	out := make([]float64, f.count)
	for i := range out {
		switch f.typ {
		case dtByte, dtUndefined:
			out[i] = float64(f.raw[i])
		case dtSByte:
			out[i] = float64(int8(f.raw[i]))
		case dtShort:
			out[i] = float64(p.order.Uint16(f.raw[2*i:]))
		case dtSShort:
			out[i] = float64(int16(p.order.Uint16(f.raw[2*i:])))
		case dtLong, dtIFD:
			out[i] = float64(p.order.Uint32(f.raw[4*i:]))
		case dtSLong:
			out[i] = float64(int32(p.order.Uint32(f.raw[4*i:])))
		case dtLong8, dtIFD8:
			out[i] = float64(p.order.Uint64(f.raw[8*i:]))
		case dtSLong8:
			out[i] = float64(int64(p.order.Uint64(f.raw[8*i:])))
		case dtRational:
			num, den := p.order.Uint32(f.raw[8*i:]), p.order.Uint32(f.raw[8*i+4:])
			out[i] = float64(num) / float64(den)
		case dtSRational:
			num, den := int32(p.order.Uint32(f.raw[8*i:])), int32(p.order.Uint32(f.raw[8*i+4:]))
			out[i] = float64(num) / float64(den)
		case dtFloat:
			out[i] = float64(math.Float32frombits(p.order.Uint32(f.raw[4*i:])))
		case dtDouble:
			out[i] = math.Float64frombits(p.order.Uint64(f.raw[8*i:]))
		default:
			return nil, corrupt("field type %d is not numeric", f.typ)
		}
	}
	return out, nil
}

func (f field) ascii() string {
	b := f.raw
	for len(b) > 0 && (b[len(b)-1] == 0 || b[len(b)-1] == ' ') {
		b = b[:len(b)-1]
	}
	return string(b)
}

// uint reads a single-valued unsigned field, returning def when absent.
func (p *parser) uint(d ifd, tag uint16, def uint64) (uint64, error) {
	f, ok := d[tag]
	if !ok {
		return def, nil
	}
	v, err := p.uints(f)
	if err != nil {
		return 0, fmt.Errorf("tag %d: %w", tag, err)
	}
	if len(v) == 0 {
		return 0, corrupt("tag %d is empty", tag)
	}
	return v[0], nil
}
