package tile

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/jaennil/guide_helper/media/internal/entity"
	"github.com/mitchellh/hashstructure/v2"
)

type Mode string

const (
	ModeDefault     Mode = ""
	ModeGray        Mode = "gray"
	ModeRGB         Mode = "rgb"
	ModeCategorical Mode = "categorical"
)

type Format string

const (
	FormatPNG  Format = "png"
	FormatJPEG Format = "jpeg"
)

func (f Format) ContentType() string {
	if f == FormatJPEG {
		return "image/jpeg"
	}
	return "image/png"
}

// Range is an explicit linear stretch applied to every band.
type Range struct {
	Min, Max float64
}

// Style selects bands and visualisation of a tile. Bands are 1-based.
//
// Grammar: "" | "default" | "gray[:b]" | "rgb:r,g,b", optionally followed by
// "@min,max" and a ".png" or ".jpg" suffix.
type Style struct {
	Mode    Mode
	Bands   []int
	Stretch *Range
	Format  Format
}

func malformed(s string, format string, args ...any) error {
	return fmt.Errorf("malformed style %q: %s: %w", s, fmt.Sprintf(format, args...), entity.ErrTileOutOfBounds)
}

func ParseStyle(s string) (Style, error) {
	raw := s
	s = strings.ToLower(strings.TrimSpace(s))
	st := Style{Format: FormatPNG}

	switch {
	case strings.HasSuffix(s, ".jpg"), strings.HasSuffix(s, ".jpeg"):
		st.Format = FormatJPEG
		s = s[:strings.LastIndexByte(s, '.')]
	case strings.HasSuffix(s, ".png"):
		s = strings.TrimSuffix(s, ".png")
	}

	if spec, rng, ok := strings.Cut(s, "@"); ok {
		lo, hi, ok := strings.Cut(rng, ",")
		if !ok {
			return Style{}, malformed(raw, "stretch needs min,max")
		}
		from, err1 := strconv.ParseFloat(lo, 64)
		to, err2 := strconv.ParseFloat(hi, 64)
		if err1 != nil || err2 != nil || !finite(from) || !finite(to) {
			return Style{}, malformed(raw, "stretch %q is not numeric", rng)
		}
		st.Stretch = &Range{Min: from, Max: to}
		s = spec
	}

	name, args, hasArgs := strings.Cut(s, ":")
	switch name {
	case "", "default":
		if hasArgs {
			return Style{}, malformed(raw, "default takes no bands")
		}
	case "gray", "grey":
		st.Mode = ModeGray
		if hasArgs {
			bands, err := parseBands(raw, args)
			if err != nil {
				return Style{}, err
			}
			if len(bands) != 1 {
				return Style{}, malformed(raw, "gray takes one band")
			}
			st.Bands = bands
		}
	case "rgb":
		st.Mode = ModeRGB
		bands, err := parseBands(raw, args)
		if err != nil {
			return Style{}, err
		}
		if len(bands) != 3 {
			return Style{}, malformed(raw, "rgb takes three bands")
		}
		st.Bands = bands
	default:
		return Style{}, malformed(raw, "unknown mode %q", name)
	}
	return st, nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func parseBands(raw, s string) ([]int, error) {
	var bands []int
	for _, p := range strings.Split(s, ",") {
		b, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil || b < 1 {
			return nil, malformed(raw, "band %q", p)
		}
		bands = append(bands, b)
	}
	return bands, nil
}

// Resolve fills in defaults for an asset and checks the bands it names.
// Categorical rasters always render their first band with the palette as PNG.
func (s Style) Resolve(g *entity.Geo) (Style, error) {
	if g.Categorical() {
		band := 1
		if len(s.Bands) > 0 {
			band = s.Bands[0]
		}
		s = Style{Mode: ModeCategorical, Bands: []int{band}, Format: FormatPNG}
	}

	if s.Mode == ModeDefault {
		switch g.BandCount {
		case 1:
			s.Mode, s.Bands = ModeGray, []int{1}
		case 2:
			s.Mode, s.Bands = ModeRGB, []int{1, 2, 1}
		default:
			s.Mode, s.Bands = ModeRGB, []int{1, 2, 3}
		}
	}
	if s.Mode == ModeGray && len(s.Bands) == 0 {
		s.Bands = []int{1}
	}
	if s.Format == "" {
		s.Format = FormatPNG
	}

	for _, b := range s.Bands {
		if b > g.BandCount {
			return Style{}, fmt.Errorf("style band %d of %d-band raster: %w", b, g.BandCount, entity.ErrTileOutOfBounds)
		}
	}
	return s, nil
}

// Hash identifies a resolved style in cache keys.
func (s Style) Hash() uint64 {
	h, err := hashstructure.Hash(s, hashstructure.FormatV2, nil)
	if err != nil {
		// Style holds only strings, ints and floats.
		panic(fmt.Sprintf("hash style: %v", err))
	}
	return h
}

func (s Style) String() string {
	var b strings.Builder
	b.WriteString(string(s.Mode))
	if len(s.Bands) > 0 {
		b.WriteByte(':')
		for i, band := range s.Bands {
			if i > 0 {
				b.WriteByte(',')
			}
			b.WriteString(strconv.Itoa(band))
		}
	}
	if s.Stretch != nil {
		fmt.Fprintf(&b, "@%g,%g", s.Stretch.Min, s.Stretch.Max)
	}
	if s.Format == FormatJPEG {
		b.WriteString(".jpg")
	}
	return b.String()
}

// bandRange returns the stretch for a 1-based band.
func (s Style) bandRange(g *entity.Geo, band int) (float64, float64) {
	var lo, hi float64
	switch {
	case s.Stretch != nil:
		lo, hi = s.Stretch.Min, s.Stretch.Max
	case band-1 < len(g.Bands):
		lo, hi = g.Bands[band-1].Min, g.Bands[band-1].Max
	}
	if hi <= lo {
		hi = lo + 1
	}
	return lo, hi
}
