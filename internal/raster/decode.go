package raster

import (
	"bytes"
	"compress/zlib"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/jaennil/guide_helper/media/internal/entity"
	"golang.org/x/image/tiff/lzw"
)

// chunk holds the decompressed bytes of one strip or tile. Planar files keep
// one plane per band.
type chunk struct {
	planes [][]byte
	width  int
	rows   int
}

func (h *Handle) loadChunk(li, cx, cy int) (*chunk, error) {
	key := chunkKey{level: li, index: cy*h.levels[li].across + cx}
	if c, ok := h.chunks.Get(key); ok {
		return c, nil
	}

	lv := h.levels[li]
	rows := lv.chunkRows(cy)
	c := &chunk{width: lv.chunkW, rows: rows}

	if lv.planar == planarPlanar {
		planeSize := lv.chunkW * rows * lv.bytesPerSample()
		c.planes = make([][]byte, lv.samplesPerPixel)
		for b := range c.planes {
			idx := b*lv.chunksPerPlane() + key.index
			plane, err := h.readChunk(lv, idx, planeSize, 1)
			if err != nil {
				return nil, err
			}
			c.planes[b] = plane
		}
	} else {
		size := lv.chunkW * rows * lv.samplesPerPixel * lv.bytesPerSample()
		data, err := h.readChunk(lv, key.index, size, lv.samplesPerPixel)
		if err != nil {
			return nil, err
		}
		c.planes = [][]byte{data}
	}

	h.chunks.Add(key, c)
	return c, nil
}

// readChunk fetches and decompresses chunk idx into exactly size bytes.
// stride is the number of interleaved samples per pixel.
func (h *Handle) readChunk(lv *level, idx, size, stride int) ([]byte, error) {
	off, n := lv.offsets[idx], lv.counts[idx]
	if n == 0 {
		// Sparse chunk: GDAL writes nothing for all-nodata blocks.
		return h.sparseChunk(lv, size), nil
	}

	raw := make([]byte, n)
	if _, err := h.src.ReadAt(raw, int64(off)); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, corrupt("chunk %d truncated", idx)
		}
		return nil, err
	}

	var out []byte
	switch lv.compression {
	case compressionNone:
		if len(raw) < size {
			return nil, corrupt("chunk %d has %d bytes, want %d", idx, len(raw), size)
		}
		out = raw[:size]
	case compressionLZW:
		r := lzw.NewReader(bytes.NewReader(raw), lzw.MSB, 8)
		defer r.Close()
		b, err := readExactly(r, size)
		if err != nil {
			return nil, corrupt("lzw chunk %d: %v", idx, err)
		}
		out = b
	case compressionDeflate, compressionAdobeDeflate:
		r, err := zlib.NewReader(bytes.NewReader(raw))
		if err != nil {
			return nil, corrupt("deflate chunk %d: %v", idx, err)
		}
		defer r.Close()
		b, err := readExactly(r, size)
		if err != nil {
			return nil, corrupt("deflate chunk %d: %v", idx, err)
		}
		out = b
	case compressionPackBits:
		b, err := unpackBits(raw, size)
		if err != nil {
			return nil, corrupt("packbits chunk %d: %v", idx, err)
		}
		out = b
	default:
		return nil, fmt.Errorf("compression %d: %w", lv.compression, entity.ErrUnsupportedFormat)
	}

	if lv.predictor == predictorHorizontal {
		undoHorizontalPredictor(out, lv.chunkW, stride, lv.bytesPerSample(), h.order)
	}
	return out, nil
}

func (h *Handle) sparseChunk(lv *level, size int) []byte {
	out := make([]byte, size)
	if h.noData == nil || *h.noData == 0 {
		return out
	}
	bps := lv.bytesPerSample()
	sample := make([]byte, bps)
	encodeSample(sample, *h.noData, lv.layout, h.order)
	for i := 0; i+bps <= size; i += bps {
		copy(out[i:], sample)
	}
	return out
}

// readExactly reads size bytes. Encoders may pad the final strip, so data
// beyond size is ignored.
func readExactly(r io.Reader, size int) ([]byte, error) {
	out := make([]byte, size)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, err
	}
	return out, nil
}

func unpackBits(src []byte, size int) ([]byte, error) {
	out := make([]byte, 0, size)
	for i := 0; i < len(src) && len(out) < size; {
		n := int(int8(src[i]))
		i++
		switch {
		case n >= 0:
			if i+n+1 > len(src) {
				return nil, errors.New("literal run past end of input")
			}
			out = append(out, src[i:i+n+1]...)
			i += n + 1
		case n != -128:
			if i >= len(src) {
				return nil, errors.New("repeat run past end of input")
			}
			for range 1 - n {
				out = append(out, src[i])
			}
			i++
		}
	}
	if len(out) < size {
		return nil, fmt.Errorf("decoded %d bytes, want %d", len(out), size)
	}
	return out[:size], nil
}

// undoHorizontalPredictor reverses TIFF predictor 2 in place, row by row,
// with integer wraparound at the sample width.
func undoHorizontalPredictor(b []byte, width, stride, bps int, order byteOrder) {
	rowLen := width * stride * bps
	for row := 0; row+rowLen <= len(b); row += rowLen {
		r := b[row : row+rowLen]
		for i := stride; i < width*stride; i++ {
			switch bps {
			case 1:
				r[i] += r[i-stride]
			case 2:
				order.PutUint16(r[2*i:], order.Uint16(r[2*i:])+order.Uint16(r[2*(i-stride):]))
			case 4:
				order.PutUint32(r[4*i:], order.Uint32(r[4*i:])+order.Uint32(r[4*(i-stride):]))
			case 8:
				order.PutUint64(r[8*i:], order.Uint64(r[8*i:])+order.Uint64(r[8*(i-stride):]))
			}
		}
	}
}

// sampleDecoder converts sample i of a chunk plane to float64.
type sampleDecoder func(b []byte, i int) float64

func newSampleDecoder(l layout, order byteOrder) sampleDecoder {
	switch l.sampleFormat {
	case sampleFloat:
		if l.bitsPerSample == 32 {
			return func(b []byte, i int) float64 { return float64(math.Float32frombits(order.Uint32(b[4*i:]))) }
		}
		return func(b []byte, i int) float64 { return math.Float64frombits(order.Uint64(b[8*i:])) }
	case sampleInt:
		switch l.bitsPerSample {
		case 8:
			return func(b []byte, i int) float64 { return float64(int8(b[i])) }
		case 16:
			return func(b []byte, i int) float64 { return float64(int16(order.Uint16(b[2*i:]))) }
		case 32:
			return func(b []byte, i int) float64 { return float64(int32(order.Uint32(b[4*i:]))) }
		default:
			return func(b []byte, i int) float64 { return float64(int64(order.Uint64(b[8*i:]))) }
		}
	default:
		switch l.bitsPerSample {
		case 8:
			return func(b []byte, i int) float64 { return float64(b[i]) }
		case 16:
			return func(b []byte, i int) float64 { return float64(order.Uint16(b[2*i:])) }
		case 32:
			return func(b []byte, i int) float64 { return float64(order.Uint32(b[4*i:])) }
		default:
			return func(b []byte, i int) float64 { return float64(order.Uint64(b[8*i:])) }
		}
	}
}

func encodeSample(b []byte, v float64, l layout, order byteOrder) {
	switch {
	case l.sampleFormat == sampleFloat && l.bitsPerSample == 32:
		order.PutUint32(b, math.Float32bits(float32(v)))
	case l.sampleFormat == sampleFloat:
		order.PutUint64(b, math.Float64bits(v))
	case l.sampleFormat == sampleInt:
		putInt(b, int64(v), l.bitsPerSample, order)
	default:
		putInt(b, int64(uint64(v)), l.bitsPerSample, order)
	}
}

func putInt(b []byte, v int64, bits int, order byteOrder) {
	switch bits {
	case 8:
		b[0] = byte(v)
	case 16:
		order.PutUint16(b, uint16(v))
	case 32:
		order.PutUint32(b, uint32(v))
	default:
		order.PutUint64(b, uint64(v))
	}
}
