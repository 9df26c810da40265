package mosaic

import "math"

// QualityFilter classifies original-grid samples by correlation peak and by
// the motion between consecutive strips.
type QualityFilter struct {
	MinPeak   float64
	MaxMotion float64
	// FrameHeight and StripSpacing are in pixels. StripSpacing is the row
	// distance between consecutive original strips.
	FrameHeight  int
	StripSpacing float64
}

// Validate checks thresholds and geometry.
func (q QualityFilter) Validate() error {
	if !inUnit(q.MinPeak) {
		return configErr("min_peak_threshold", "must be in [0,1], got %v", q.MinPeak)
	}
	if !inUnit(q.MaxMotion) {
		return configErr("max_motion_threshold", "must be in [0,1], got %v", q.MaxMotion)
	}
	if q.FrameHeight <= 0 {
		return configErr("frame_height", "must be positive, got %d", q.FrameHeight)
	}
	if !(q.StripSpacing > 0) {
		return configErr("strip_spacing", "must be positive, got %v", q.StripSpacing)
	}
	return nil
}

// Motion returns the per-sample motion magnitude: the norm of the
// frame-height-normalized position change from the previous sample, times the
// number of original strips per frame. The first sample has zero motion.
func (q QualityFilter) Motion(positions []Point) []float64 {
	motion := make([]float64, len(positions))
	if len(positions) == 0 {
		return motion
	}
	h := float64(q.FrameHeight)
	stripsPerFrame := h / q.StripSpacing
	for i := 1; i < len(positions); i++ {
		dx := (positions[i].X - positions[i-1].X) / h
		dy := (positions[i].Y - positions[i-1].Y) / h
		motion[i] = math.Hypot(dx, dy) * stripsPerFrame
	}
	return motion
}

// Apply returns the usability mask and the motion used to compute it.
// NaN peaks or motion are never usable.
func (q QualityFilter) Apply(peaks []float64, positions []Point) ([]bool, []float64, error) {
	if err := q.Validate(); err != nil {
		return nil, nil, err
	}
	if len(peaks) != len(positions) {
		return nil, nil, configErr("peaks", "have %d peaks for %d positions", len(peaks), len(positions))
	}
	motion := q.Motion(positions)
	usable := make([]bool, len(peaks))
	for i := range peaks {
		usable[i] = peaks[i] >= q.MinPeak && motion[i] <= q.MaxMotion
	}
	return usable, motion, nil
}

// stripSpacing infers the row distance between consecutive original strips.
// A single strip per frame spans the whole untrimmed frame.
func stripSpacing(rowTemplate []int, linesPerFrame int) float64 {
	if len(rowTemplate) < 2 {
		return float64(linesPerFrame)
	}
	return float64(rowTemplate[1] - rowTemplate[0])
}

// countUsable returns how many entries of mask are true.
func countUsable(mask []bool) int {
	n := 0
	for _, ok := range mask {
		if ok {
			n++
		}
	}
	return n
}
