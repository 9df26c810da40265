package mosaic

import "image"

// stabilizer accumulates the raw strips of one frame, without the quality
// gate, and turns them into a motion-compensated frame.
type stabilizer struct {
	canvas *Canvas
	maxGap int
	sink   FrameSink
	white  *image.Gray
}

func newStabilizer(w, h, scale int, sink FrameSink) *stabilizer {
	return &stabilizer{
		canvas: NewCanvas(w, h),
		maxGap: 2 * scale,
		sink:   sink,
	}
}

func (s *stabilizer) add(dst image.Rectangle, strip Plane) {
	s.canvas.Add(dst, strip)
}

// emit writes the current frame and resets the scratch grids.
func (s *stabilizer) emit() error {
	p := s.canvas.Normalized()
	fillLineGaps(p, s.canvas.Count, s.maxGap)
	s.canvas.Reset()
	return s.sink.WriteFrame(Quantize(p))
}

// placeholder writes an all-white frame for a skipped input frame.
func (s *stabilizer) placeholder() error {
	if s.white == nil {
		s.white = image.NewGray(s.canvas.Rect())
		for i := range s.white.Pix {
			s.white.Pix[i] = 255
		}
	}
	return s.sink.WriteFrame(s.white)
}

// fillLineGaps removes black lines: in every column, runs of at most maxGap
// uncovered rows that sit between covered rows are filled by linear
// interpolation of their neighbours. Count is not modified.
func fillLineGaps(p Plane, count []int32, maxGap int) int {
	filled := 0
	for x := 0; x < p.Width; x++ {
		prev := -1
		for y := 0; y < p.Height; y++ {
			if count[y*p.Width+x] == 0 {
				continue
			}
			gap := y - prev - 1
			if prev >= 0 && gap > 0 && gap <= maxGap {
				a, b := p.At(x, prev), p.At(x, y)
				for g := 1; g <= gap; g++ {
					t := float64(g) / float64(gap+1)
					p.Set(x, prev+g, a+(b-a)*t)
				}
				filled += gap
			}
			prev = y
		}
	}
	return filled
}
