package raster

import (
	"fmt"
	"image/color"
	"math"

	"github.com/jaennil/guide_helper/media/internal/entity"
)

const (
	compressionNone         = 1
	compressionLZW          = 5
	compressionDeflate      = 8
	compressionPackBits     = 32773
	compressionAdobeDeflate = 32946

	photometricPalette = 3

	planarChunky = 1
	planarPlanar = 2

	predictorNone       = 1
	predictorHorizontal = 2

	sampleUint  = 1
	sampleInt   = 2
	sampleFloat = 3

	subfileReduced = 1
	subfileMask    = 4
)

// layout describes how samples are stored. Every level of one file must share it.
type layout struct {
	bitsPerSample   int
	samplesPerPixel int
	sampleFormat    int
	compression     int
	predictor       int
	planar          int
	photometric     int
}

func (l layout) bytesPerSample() int { return l.bitsPerSample / 8 }

func (l layout) compatible(o layout) bool {
	return l.bitsPerSample == o.bitsPerSample &&
		l.samplesPerPixel == o.samplesPerPixel &&
		l.sampleFormat == o.sampleFormat &&
		l.planar == o.planar
}

func (l layout) sampleType() string {
	switch l.sampleFormat {
	case sampleInt:
		return fmt.Sprintf("int%d", l.bitsPerSample)
	case sampleFloat:
		return fmt.Sprintf("float%d", l.bitsPerSample)
	default:
		return fmt.Sprintf("uint%d", l.bitsPerSample)
	}
}

// level is one resolution of the raster: the full image or an overview.
type level struct {
	layout
	width, height   int
	chunkW, chunkH  int
	tiled           bool
	across, down    int
	offsets, counts []uint64
	// factor is the decimation relative to the full-resolution level.
	factorX, factorY float64
}

func (lv *level) chunksPerPlane() int { return lv.across * lv.down }

// chunkRows is the number of valid rows in chunk row cy. The last strip of a
// stripped image may be short; tiles are always padded.
func (lv *level) chunkRows(cy int) int {
	if lv.tiled {
		return lv.chunkH
	}
	return min(lv.chunkH, lv.height-cy*lv.chunkH)
}

func (p *parser) parseLevel(d ifd) (*level, error) {
	width, err := p.uint(d, tagImageWidth, 0)
	if err != nil {
		return nil, err
	}
	height, err := p.uint(d, tagImageLength, 0)
	if err != nil {
		return nil, err
	}
	if width == 0 || height == 0 || width > math.MaxInt32 || height > math.MaxInt32 {
		return nil, corrupt("invalid image size %dx%d", width, height)
	}

	spp, err := p.uint(d, tagSamplesPerPixel, 1)
	if err != nil {
		return nil, err
	}
	if spp == 0 || spp > 64 {
		return nil, corrupt("invalid samples per pixel %d", spp)
	}

	lay := layout{samplesPerPixel: int(spp)}

	bits := []uint64{1}
	if f, ok := d[tagBitsPerSample]; ok {
		if bits, err = p.uints(f); err != nil {
			return nil, err
		}
	}
	if len(bits) == 0 {
		return nil, corrupt("empty bits per sample")
	}
	for _, b := range bits {
		if b != bits[0] {
			return nil, fmt.Errorf("mixed bits per sample %v: %w", bits, entity.ErrUnsupportedFormat)
		}
	}
	lay.bitsPerSample = int(bits[0])

	formats := []uint64{sampleUint}
	if f, ok := d[tagSampleFormat]; ok {
		if formats, err = p.uints(f); err != nil {
			return nil, err
		}
	}
	if len(formats) == 0 {
		return nil, corrupt("empty sample format")
	}
	lay.sampleFormat = int(formats[0])

	switch {
	case lay.sampleFormat == sampleFloat && (lay.bitsPerSample == 32 || lay.bitsPerSample == 64):
	case (lay.sampleFormat == sampleUint || lay.sampleFormat == sampleInt) &&
		(lay.bitsPerSample == 8 || lay.bitsPerSample == 16 || lay.bitsPerSample == 32 || lay.bitsPerSample == 64):
	default:
		return nil, fmt.Errorf("%d-bit sample format %d: %w", lay.bitsPerSample, lay.sampleFormat, entity.ErrUnsupportedFormat)
	}

	compression, err := p.uint(d, tagCompression, compressionNone)
	if err != nil {
		return nil, err
	}
	lay.compression = int(compression)
	switch lay.compression {
	case compressionNone, compressionLZW, compressionDeflate, compressionAdobeDeflate, compressionPackBits:
	default:
		return nil, fmt.Errorf("compression %d: %w", compression, entity.ErrUnsupportedFormat)
	}

	predictor, err := p.uint(d, tagPredictor, predictorNone)
	if err != nil {
		return nil, err
	}
	lay.predictor = int(predictor)
	switch {
	case lay.predictor == predictorNone:
	case lay.predictor == predictorHorizontal && lay.sampleFormat != sampleFloat:
	default:
		return nil, fmt.Errorf("predictor %d for sample format %d: %w", predictor, lay.sampleFormat, entity.ErrUnsupportedFormat)
	}

	planar, err := p.uint(d, tagPlanarConfig, planarChunky)
	if err != nil {
		return nil, err
	}
	if planar != planarChunky && planar != planarPlanar {
		return nil, corrupt("invalid planar configuration %d", planar)
	}
	lay.planar = int(planar)

	photometric, err := p.uint(d, tagPhotometric, 1)
	if err != nil {
		return nil, err
	}
	lay.photometric = int(photometric)

	lv := &level{layout: lay, width: int(width), height: int(height)}

	var offTag, countTag uint16
	if _, ok := d[tagTileWidth]; ok {
		tw, err := p.uint(d, tagTileWidth, 0)
		if err != nil {
			return nil, err
		}
		th, err := p.uint(d, tagTileLength, 0)
		if err != nil {
			return nil, err
		}
		if tw == 0 || th == 0 || tw > 1<<16 || th > 1<<16 {
			return nil, corrupt("invalid tile size %dx%d", tw, th)
		}
		lv.tiled = true
		lv.chunkW, lv.chunkH = int(tw), int(th)
		offTag, countTag = tagTileOffsets, tagTileByteCounts
	} else {
		rps, err := p.uint(d, tagRowsPerStrip, height)
		if err != nil {
			return nil, err
		}
		if rps == 0 || rps > height {
			rps = height
		}
		lv.chunkW, lv.chunkH = int(width), int(rps)
		offTag, countTag = tagStripOffsets, tagStripByteCounts
	}
	lv.across = (lv.width + lv.chunkW - 1) / lv.chunkW
	lv.down = (lv.height + lv.chunkH - 1) / lv.chunkH

	offField, ok := d[offTag]
	if !ok {
		return nil, corrupt("missing chunk offsets")
	}
	if lv.offsets, err = p.uints(offField); err != nil {
		return nil, err
	}
	countField, ok := d[countTag]
	if !ok {
		return nil, corrupt("missing chunk byte counts")
	}
	if lv.counts, err = p.uints(countField); err != nil {
		return nil, err
	}

	want := lv.chunksPerPlane()
	if lv.planar == planarPlanar {
		want *= lv.samplesPerPixel
	}
	if len(lv.offsets) != want || len(lv.counts) != want {
		return nil, corrupt("expected %d chunks, have %d offsets and %d byte counts", want, len(lv.offsets), len(lv.counts))
	}
	for i, off := range lv.offsets {
		if lv.counts[i] > uint64(p.size) || off > uint64(p.size)-lv.counts[i] {
			return nil, corrupt("chunk %d lies outside the file", i)
		}
	}

	return lv, nil
}

func (p *parser) colorMap(d ifd, bits int) ([]color.NRGBA, error) {
	f, ok := d[tagColorMap]
	if !ok {
		return nil, nil
	}
	v, err := p.uints(f)
	if err != nil {
		return nil, err
	}
	if bits > 16 {
		return nil, corrupt("color map for %d-bit samples", bits)
	}
	n := 1 << bits
	if len(v) != 3*n {
		return nil, corrupt("color map has %d entries for %d-bit samples", len(v), bits)
	}
	cm := make([]color.NRGBA, n)
	for i := range cm {
		cm[i] = color.NRGBA{R: uint8(v[i] >> 8), G: uint8(v[n+i] >> 8), B: uint8(v[2*n+i] >> 8), A: 0xff}
	}
	return cm, nil
}

func subfileType(p *parser, d ifd) uint64 {
	v, err := p.uint(d, tagNewSubfileType, 0)
	if err != nil {
		return 0
	}
	return v
}
