package tile

import (
	"context"
	"image"

	"github.com/jaennil/guide_helper/media/internal/entity"
	"github.com/jaennil/guide_helper/media/internal/raster"
)

type PreviewSource interface {
	Source
	Width() int
	Height() int
}

// Preview renders the whole raster with the default style into a PNG that
// fits in size x size. bands carries the per-band kind and stretch.
func Preview(ctx context.Context, src PreviewSource, bands []entity.Band, size int) (Image, error) {
	g := &entity.Geo{BandCount: len(bands), Bands: bands}
	s, err := Style{}.Resolve(g)
	if err != nil {
		return Image{}, err
	}

	w, h := src.Width(), src.Height()
	if w > size || h > size {
		if w >= h {
			w, h = size, max(1, h*size/w)
		} else {
			w, h = max(1, w*size/h), size
		}
	}

	idx := make([]int, len(s.Bands))
	for i, b := range s.Bands {
		idx[i] = b - 1
	}
	win := raster.Window{X1: float64(src.Width()), Y1: float64(src.Height())}
	buf, err := src.ReadBands(ctx, win, w, h, idx)
	if err != nil {
		return Image{}, err
	}

	shade := continuous(s, g, len(idx))
	if s.Mode == ModeCategorical {
		shade = categorical(src.ColorMap())
	}
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := range h {
		for x := range w {
			img.SetNRGBA(x, y, shade(buf, x, y))
		}
	}
	return encode(img, FormatPNG)
}
