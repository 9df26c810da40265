package mosaic

import (
	"sort"

	"gonum.org/v1/gonum/stat"
)

const (
	stretchLow  = 0.01
	stretchHigh = 0.99
	maxGray     = 255.0

	// spans below this are treated as flat
	minStretchSpan = 1e-6
)

// StretchContrast linearly maps the 1st..99th percentile of p onto the full
// 8-bit range in place, saturating outside it. Flat strips are left alone.
func StretchContrast(p Plane) {
	if len(p.Pix) == 0 {
		return
	}
	sorted := make([]float64, len(p.Pix))
	copy(sorted, p.Pix)
	sort.Float64s(sorted)
	lo := stat.Quantile(stretchLow, stat.Empirical, sorted, nil)
	hi := stat.Quantile(stretchHigh, stat.Empirical, sorted, nil)
	if !(hi-lo > minStretchSpan) {
		return
	}
	gain := maxGray / (hi - lo)
	for i, v := range p.Pix {
		p.Pix[i] = clamp((v-lo)*gain, 0, maxGray)
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
