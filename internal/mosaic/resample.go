package mosaic

import (
	"math"

	"gonum.org/v1/gonum/interp"
)

// Grid describes the new strip layout.
type Grid struct {
	Frames      int
	FrameHeight int
	StripHeight int
	TrimTop     int
	TrimBottom  int
}

// StripsPerFrame is the fixed number of new strips taken from each frame.
func (g Grid) StripsPerFrame() int {
	if g.StripHeight <= 0 {
		return 0
	}
	return g.FrameHeight / g.StripHeight
}

// LinesPerFrame counts scanlines per frame including trimmed rows.
func (g Grid) LinesPerFrame() int {
	return g.FrameHeight + g.TrimTop + g.TrimBottom
}

// ScanlinePeriod infers the time between consecutive scanlines from the first
// two original samples.
func ScanlinePeriod(t *Trace, linesPerFrame int) (float64, error) {
	if len(t.Timestamps) < 2 {
		return 0, configErr("timestamps", "need at least two samples")
	}
	rows := float64(linesPerFrame)
	if len(t.RowTemplate) > 1 {
		rows = float64(t.RowTemplate[1] - t.RowTemplate[0])
	}
	dt := (t.Timestamps[1] - t.Timestamps[0]) / rows
	if !(dt > 0) || math.IsInf(dt, 0) {
		return 0, configErr("timestamps", "first two samples give scanline period %v", dt)
	}
	return dt, nil
}

// Times builds the new-grid timestamp of every (frame, strip) pair, frame-major.
// t0 and row0 anchor the grid on the first original sample.
func (g Grid) Times(t0 float64, row0 int, dt float64) []float64 {
	per := g.StripsPerFrame()
	lines := g.LinesPerFrame()
	times := make([]float64, 0, g.Frames*per)
	for f := 0; f < g.Frames; f++ {
		for k := 0; k < per; k++ {
			scan := f*lines + k*g.StripHeight - row0
			times = append(times, t0+float64(scan)*dt)
		}
	}
	return times
}

// keptIndices returns the indices of samples whose timestamps are finite and
// strictly increasing. Repeated or out-of-order timestamps are dropped; the
// first occurrence wins.
func keptIndices(ts []float64) []int {
	kept := make([]int, 0, len(ts))
	last := math.Inf(-1)
	for i, t := range ts {
		if math.IsNaN(t) || math.IsInf(t, 0) || t <= last {
			continue
		}
		kept = append(kept, i)
		last = t
	}
	return kept
}

// Samples assembles original-grid samples from a trace and its quality mask,
// removing duplicate timestamps.
func Samples(t *Trace, usable []bool, motion []float64) []MotionSample {
	kept := keptIndices(t.Timestamps)
	out := make([]MotionSample, len(kept))
	for j, i := range kept {
		out[j] = MotionSample{
			Time:     t.Timestamps[i],
			Position: t.Positions[i],
			Peak:     t.Peaks[i],
			Motion:   motion[i],
			Usable:   usable[i],
		}
	}
	return out
}

// linear interpolates piecewise-linearly and returns NaN outside the fitted
// abscissa range.
type linear struct {
	pl     interp.PiecewiseLinear
	lo, hi float64
	single float64
	n      int
}

func newLinear(xs, ys []float64) (*linear, error) {
	l := &linear{n: len(xs)}
	switch len(xs) {
	case 0:
		return l, nil
	case 1:
		l.lo, l.hi, l.single = xs[0], xs[0], ys[0]
		return l, nil
	}
	if err := l.pl.Fit(xs, ys); err != nil {
		return nil, err
	}
	l.lo, l.hi = xs[0], xs[len(xs)-1]
	return l, nil
}

func (l *linear) at(x float64) float64 {
	if l.n == 0 || math.IsNaN(x) || x < l.lo || x > l.hi {
		return math.NaN()
	}
	if l.n == 1 {
		return l.single
	}
	return l.pl.Predict(x)
}

// Resample interpolates usability, peak and position onto times. Usability on
// the new grid is the interpolated 0/1 signal thresholded at 0.5, so samples
// outside the source range are unusable and carry NaN positions.
func Resample(samples []MotionSample, times []float64, stripsPerFrame int) ([]ResampledSample, error) {
	n := len(samples)
	ts := make([]float64, n)
	us := make([]float64, n)
	ps := make([]float64, n)
	xs := make([]float64, n)
	ys := make([]float64, n)
	for i, s := range samples {
		ts[i] = s.Time
		if s.Usable {
			us[i] = 1
		}
		ps[i] = s.Peak
		xs[i] = s.Position.X
		ys[i] = s.Position.Y
	}

	fits := make([]*linear, 4)
	for i, vals := range [][]float64{us, ps, xs, ys} {
		l, err := newLinear(ts, vals)
		if err != nil {
			return nil, configErr("timestamps", "cannot interpolate motion trace: %v", err)
		}
		fits[i] = l
	}
	useFit, peakFit, xFit, yFit := fits[0], fits[1], fits[2], fits[3]

	out := make([]ResampledSample, len(times))
	for i, t := range times {
		r := ResampledSample{
			Time:     t,
			Peak:     peakFit.at(t),
			Position: Point{X: xFit.at(t), Y: yFit.at(t)},
			Usable:   useFit.at(t) > 0.5,
		}
		if stripsPerFrame > 0 {
			r.Frame, r.Strip = i/stripsPerFrame, i%stripsPerFrame
		}
		out[i] = r
	}
	return out, nil
}
