package tile

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"math"
	"sync"

	"github.com/jaennil/guide_helper/media/internal/entity"
	"github.com/jaennil/guide_helper/media/internal/raster"
)

const jpegQuality = 85

// Source is the part of a raster handle a render needs.
type Source interface {
	ReadBands(ctx context.Context, w raster.Window, width, height int, bands []int) (*raster.Buffer, error)
	ColorMap() []color.NRGBA
}

var _ Source = (*raster.Handle)(nil)

// Image is an encoded tile.
type Image struct {
	Data        []byte
	ContentType string
}

// Render reads the planned window and turns it into an encoded tile. The
// style must already be resolved against g.
func Render(ctx context.Context, src Source, p Plan, s Style, g *entity.Geo) (Image, error) {
	if p.Empty {
		return Transparent(p.Size), nil
	}

	bands := make([]int, len(s.Bands))
	for i, b := range s.Bands {
		bands[i] = b - 1
	}
	buf, err := src.ReadBands(ctx, p.Window, p.BufferWidth, p.BufferHeight, bands)
	if err != nil {
		return Image{}, err
	}

	var shade func(buf *raster.Buffer, x, y int) color.NRGBA
	if s.Mode == ModeCategorical {
		shade = categorical(src.ColorMap())
	} else {
		shade = continuous(s, g, len(bands))
	}

	img := image.NewNRGBA(image.Rect(0, 0, p.Size, p.Size))
	for j := range p.Size {
		for i := range p.Size {
			bx, by, ok := p.sourcePixel(i, j)
			if !ok {
				continue
			}
			img.SetNRGBA(i, j, shade(buf, bx, by))
		}
	}
	return encode(img, s.Format)
}

func continuous(s Style, g *entity.Geo, n int) func(*raster.Buffer, int, int) color.NRGBA {
	lo := make([]float64, n)
	scale := make([]float64, n)
	for i, b := range s.Bands {
		l, h := s.bandRange(g, b)
		lo[i], scale[i] = l, 255/(h-l)
	}
	stretch := func(i int, v float64) uint8 {
		return uint8(math.Round(math.Max(0, math.Min(255, (v-lo[i])*scale[i]))))
	}
	return func(buf *raster.Buffer, x, y int) color.NRGBA {
		var c [3]uint8
		for i := range n {
			v := buf.At(i, x, y)
			if math.IsNaN(v) {
				return color.NRGBA{}
			}
			c[i] = stretch(i, v)
		}
		if n == 1 {
			return color.NRGBA{R: c[0], G: c[0], B: c[0], A: 255}
		}
		return color.NRGBA{R: c[0], G: c[1], B: c[2], A: 255}
	}
}

func categorical(cmap []color.NRGBA) func(*raster.Buffer, int, int) color.NRGBA {
	return func(buf *raster.Buffer, x, y int) color.NRGBA {
		v := buf.At(0, x, y)
		if math.IsNaN(v) {
			return color.NRGBA{}
		}
		class := int(v)
		if class >= 0 && class < len(cmap) {
			return cmap[class]
		}
		return classColor(class)
	}
}

// classColor spreads class values around the hue circle with the golden
// angle so neighbouring classes stay distinguishable.
func classColor(class int) color.NRGBA {
	h := math.Mod(float64(class)*137.508, 360)
	if h < 0 {
		h += 360
	}
	return hsv(h, 0.65, 0.95)
}

func hsv(h, s, v float64) color.NRGBA {
	c := v * s
	x := c * (1 - math.Abs(math.Mod(h/60, 2)-1))
	m := v - c
	var r, g, b float64
	switch {
	case h < 60:
		r, g = c, x
	case h < 120:
		r, g = x, c
	case h < 180:
		g, b = c, x
	case h < 240:
		g, b = x, c
	case h < 300:
		r, b = x, c
	default:
		r, b = c, x
	}
	to8 := func(f float64) uint8 { return uint8(math.Round((f + m) * 255)) }
	return color.NRGBA{R: to8(r), G: to8(g), B: to8(b), A: 255}
}

func encode(img *image.NRGBA, f Format) (Image, error) {
	var buf bytes.Buffer
	switch f {
	case FormatJPEG:
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: jpegQuality}); err != nil {
			return Image{}, fmt.Errorf("encode jpeg tile: %w", err)
		}
	default:
		if err := png.Encode(&buf, img); err != nil {
			return Image{}, fmt.Errorf("encode png tile: %w", err)
		}
	}
	return Image{Data: buf.Bytes(), ContentType: f.ContentType()}, nil
}

var transparent sync.Map

// Transparent returns the canonical fully transparent PNG of the given size.
// The bytes are shared and must not be modified.
func Transparent(size int) Image {
	if v, ok := transparent.Load(size); ok {
		return v.(Image)
	}
	var buf bytes.Buffer
	// Encoding an in-memory image into a bytes.Buffer cannot fail.
	_ = png.Encode(&buf, image.NewNRGBA(image.Rect(0, 0, size, size)))
	v, _ := transparent.LoadOrStore(size, Image{Data: buf.Bytes(), ContentType: FormatPNG.ContentType()})
	return v.(Image)
}
