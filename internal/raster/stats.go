package raster

import (
	"context"
	"math"
	"slices"

	"github.com/jaennil/guide_helper/media/internal/entity"
)

const (
	statsMaxSize = 512

	// Default stretch percentiles for continuous bands.
	lowPercentile  = 2
	highPercentile = 98
)

type BandStats struct {
	// Min and Max are the default stretch: the 2nd and 98th percentiles of
	// continuous bands, the exact extremes of categorical ones.
	Min, Max float64
	// Valid counts the non-nodata samples the range was computed from.
	Valid int
}

// ComputeStats samples the whole raster at no more than 512 pixels on the
// long side, using overviews when present, and returns per-band ranges.
// Bands without a single valid sample get a zero range.
func ComputeStats(ctx context.Context, h *Handle) ([]BandStats, error) {
	w, hgt := h.Width(), h.Height()
	scale := math.Max(1, float64(max(w, hgt))/statsMaxSize)
	outW := max(1, int(math.Round(float64(w)/scale)))
	outH := max(1, int(math.Round(float64(hgt)/scale)))

	bands := make([]int, h.BandCount())
	for i := range bands {
		bands[i] = i
	}
	buf, err := h.read(ctx, Window{X1: float64(w), Y1: float64(hgt)}, outW, outH, bands, Nearest)
	if err != nil {
		return nil, err
	}

	categorical := h.Kind() == entity.BandCategorical
	stats := make([]BandStats, len(bands))
	valid := make([]float64, 0, outW*outH)
	for i, plane := range buf.Bands {
		valid = valid[:0]
		for _, v := range plane {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				continue
			}
			valid = append(valid, v)
		}
		if len(valid) == 0 {
			continue
		}
		slices.Sort(valid)
		s := BandStats{Min: valid[0], Max: valid[len(valid)-1], Valid: len(valid)}
		if !categorical {
			s.Min = percentile(valid, lowPercentile)
			s.Max = percentile(valid, highPercentile)
		}
		stats[i] = s
	}
	return stats, nil
}

// percentile interpolates linearly between the closest ranks of sorted.
func percentile(sorted []float64, p float64) float64 {
	rank := p / 100 * float64(len(sorted)-1)
	lo := int(math.Floor(rank))
	hi := min(lo+1, len(sorted)-1)
	frac := rank - float64(lo)
	return sorted[lo] + (sorted[hi]-sorted[lo])*frac
}
