package raster

import (
	"context"
	"fmt"
	"math"

	"github.com/jaennil/guide_helper/media/internal/entity"
)

// Window is a rectangle in full-resolution pixel space. X1 and Y1 are
// exclusive; the window may extend past the raster edge.
type Window struct {
	X0, Y0, X1, Y1 float64
}

func (w Window) Width() float64  { return w.X1 - w.X0 }
func (w Window) Height() float64 { return w.Y1 - w.Y0 }

type Resampling int

const (
	Nearest Resampling = iota
	Bilinear
)

// Buffer holds resampled samples, one plane per requested band. NaN marks
// nodata and pixels outside the raster.
type Buffer struct {
	Width, Height int
	Bands         [][]float64
}

func (b *Buffer) At(band, x, y int) float64 {
	return b.Bands[band][y*b.Width+x]
}

// Resampling is chosen from the band kind: class values must never be blended.
func (h *Handle) Resampling() Resampling {
	if h.Kind() == entity.BandCategorical {
		return Nearest
	}
	return Bilinear
}

// ReadWindow reads every band of w resampled to width x height.
func (h *Handle) ReadWindow(ctx context.Context, w Window, width, height int) (*Buffer, error) {
	bands := make([]int, h.BandCount())
	for i := range bands {
		bands[i] = i
	}
	return h.read(ctx, w, width, height, bands, h.Resampling())
}

// ReadBands reads the given zero-based bands of w resampled to width x height.
func (h *Handle) ReadBands(ctx context.Context, w Window, width, height int, bands []int) (*Buffer, error) {
	return h.read(ctx, w, width, height, bands, h.Resampling())
}

// selectLevel picks the coarsest level that is still at least as fine as the
// requested output resolution.
func (h *Handle) selectLevel(w Window, width, height int) int {
	scale := math.Min(w.Width()/float64(width), w.Height()/float64(height))
	best := 0
	for i, lv := range h.levels[1:] {
		if math.Max(lv.factorX, lv.factorY) <= scale {
			best = i + 1
		}
	}
	return best
}

type axisSample struct {
	// lo and hi are the neighbouring source indices, t the weight of hi.
	lo, hi int
	t      float64
	inside bool
}

// axis maps output positions to level pixel indices along one dimension.
func axis(start, span float64, out int, factor float64, size int, mode Resampling) []axisSample {
	s := make([]axisSample, out)
	for i := range s {
		pos := (start + (float64(i)+0.5)*span/float64(out)) / factor
		if pos < 0 || pos >= float64(size) {
			continue
		}
		s[i].inside = true
		if mode == Nearest {
			n := int(pos)
			s[i].lo, s[i].hi = n, n
			continue
		}
		c := pos - 0.5
		lo := int(math.Floor(c))
		s[i].t = c - float64(lo)
		s[i].lo = min(max(lo, 0), size-1)
		s[i].hi = min(max(lo+1, 0), size-1)
	}
	return s
}

func (h *Handle) read(ctx context.Context, w Window, width, height int, bands []int, mode Resampling) (*Buffer, error) {
	if width <= 0 || height <= 0 || !(w.X1 > w.X0) || !(w.Y1 > w.Y0) {
		return nil, fmt.Errorf("invalid read of %+v into %dx%d: %w", w, width, height, entity.ErrTileOutOfBounds)
	}
	for _, b := range bands {
		if b < 0 || b >= h.BandCount() {
			return nil, fmt.Errorf("band %d of %d: %w", b+1, h.BandCount(), entity.ErrTileOutOfBounds)
		}
	}
	fw, fh := float64(h.Width()), float64(h.Height())
	if w.X1 <= 0 || w.Y1 <= 0 || w.X0 >= fw || w.Y0 >= fh {
		return nil, fmt.Errorf("window %+v outside %dx%d raster: %w", w, h.Width(), h.Height(), entity.ErrTileOutOfBounds)
	}

	li := h.selectLevel(w, width, height)
	lv := h.levels[li]
	cols := axis(w.X0, w.Width(), width, lv.factorX, lv.width, mode)
	rows := axis(w.Y0, w.Height(), height, lv.factorY, lv.height, mode)

	chunks, err := h.loadSpan(ctx, li, cols, rows)
	if err != nil {
		return nil, err
	}

	buf := &Buffer{Width: width, Height: height, Bands: make([][]float64, len(bands))}
	for bi, band := range bands {
		plane := make([]float64, width*height)
		for y, ry := range rows {
			for x, cx := range cols {
				v := math.NaN()
				if ry.inside && cx.inside {
					v = h.resample(lv, chunks, band, cx, ry)
				}
				plane[y*width+x] = v
			}
		}
		buf.Bands[bi] = plane
	}
	return buf, nil
}

// loadSpan decodes every chunk touched by the sampled rows and columns.
func (h *Handle) loadSpan(ctx context.Context, li int, cols, rows []axisSample) (map[int]*chunk, error) {
	lv := h.levels[li]
	minX, maxX, okX := span(cols)
	minY, maxY, okY := span(rows)
	chunks := make(map[int]*chunk)
	if !okX || !okY {
		return chunks, nil
	}
	for cy := minY / lv.chunkH; cy <= maxY/lv.chunkH; cy++ {
		for cx := minX / lv.chunkW; cx <= maxX/lv.chunkW; cx++ {
			if err := ctx.Err(); err != nil {
				return nil, fmt.Errorf("read window: %w: %w", err, entity.ErrCorruptRaster)
			}
			c, err := h.loadChunk(li, cx, cy)
			if err != nil {
				return nil, err
			}
			chunks[cy*lv.across+cx] = c
		}
	}
	return chunks, nil
}

func span(s []axisSample) (lo, hi int, ok bool) {
	lo, hi = math.MaxInt, -1
	for _, a := range s {
		if !a.inside {
			continue
		}
		lo, hi = min(lo, a.lo), max(hi, a.hi)
	}
	return lo, hi, hi >= 0
}

func (h *Handle) sample(lv *level, chunks map[int]*chunk, band, x, y int) float64 {
	cx, cy := x/lv.chunkW, y/lv.chunkH
	c := chunks[cy*lv.across+cx]
	lx, ly := x-cx*lv.chunkW, y-cy*lv.chunkH
	var v float64
	if lv.planar == planarPlanar {
		v = h.decode(c.planes[band], ly*c.width+lx)
	} else {
		v = h.decode(c.planes[0], (ly*c.width+lx)*lv.samplesPerPixel+band)
	}
	if h.noData != nil && v == *h.noData {
		return math.NaN()
	}
	return v
}

func (h *Handle) resample(lv *level, chunks map[int]*chunk, band int, cx, ry axisSample) float64 {
	if cx.lo == cx.hi && ry.lo == ry.hi {
		return h.sample(lv, chunks, band, cx.lo, ry.lo)
	}
	v00 := h.sample(lv, chunks, band, cx.lo, ry.lo)
	v10 := h.sample(lv, chunks, band, cx.hi, ry.lo)
	v01 := h.sample(lv, chunks, band, cx.lo, ry.hi)
	v11 := h.sample(lv, chunks, band, cx.hi, ry.hi)
	if math.IsNaN(v00) || math.IsNaN(v10) || math.IsNaN(v01) || math.IsNaN(v11) {
		// Blending with nodata would invent values; fall back to the nearest neighbour.
		x, y := cx.lo, ry.lo
		if cx.t >= 0.5 {
			x = cx.hi
		}
		if ry.t >= 0.5 {
			y = ry.hi
		}
		return h.sample(lv, chunks, band, x, y)
	}
	top := v00 + (v10-v00)*cx.t
	bottom := v01 + (v11-v01)*cx.t
	return top + (bottom-top)*ry.t
}
