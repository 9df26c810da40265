package mosaic

import (
	"image"
	"image/color"
	"io"
)

type fakeSource struct {
	frames  []*image.Gray
	next    int
	decoded []int
	skipped []int
}

func newFakeSource(frames ...*image.Gray) *fakeSource {
	return &fakeSource{frames: frames}
}

func (s *fakeSource) Size() (int, int) {
	b := s.frames[0].Bounds()
	return b.Dx(), b.Dy()
}

func (s *fakeSource) Next() (*image.Gray, error) {
	if s.next >= len(s.frames) {
		return nil, io.EOF
	}
	s.decoded = append(s.decoded, s.next)
	img := s.frames[s.next]
	s.next++
	return img, nil
}

func (s *fakeSource) Skip() error {
	if s.next >= len(s.frames) {
		return io.EOF
	}
	s.skipped = append(s.skipped, s.next)
	s.next++
	return nil
}

type fakeSink struct {
	frames []*image.Gray
}

func (s *fakeSink) WriteFrame(img *image.Gray) error {
	cp := image.NewGray(img.Rect)
	copy(cp.Pix, img.Pix)
	s.frames = append(s.frames, cp)
	return nil
}

func uniformFrame(w, h int, v uint8) *image.Gray {
	img := image.NewGray(image.Rect(0, 0, w, h))
	for i := range img.Pix {
		img.Pix[i] = v
	}
	return img
}

func texturedFrame(w, h int) *image.Gray {
	img := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetGray(x, y, grayAt(x, y))
		}
	}
	return img
}

func grayAt(x, y int) color.Gray {
	return color.Gray{Y: uint8(20 + (x*37+y*53)%200)}
}

// stillTrace returns a zero-motion trace with perfect peaks, one sample per
// original strip, and a scanline period of one time unit.
func stillTrace(frames, frameHeight int, rows []int) *Trace {
	t := &Trace{
		RowTemplate: rows,
		StripHeight: frameHeight,
		FrameCount:  frames,
	}
	if len(rows) > 1 {
		t.StripHeight = rows[1] - rows[0]
	}
	for f := 0; f < frames; f++ {
		for _, r := range rows {
			t.Timestamps = append(t.Timestamps, float64(f*frameHeight+r))
			t.Positions = append(t.Positions, Point{})
			t.Peaks = append(t.Peaks, 1)
		}
	}
	return t
}

func testOptions() Options {
	o := DefaultOptions()
	o.Verbosity = VerbosityNone
	o.EnhanceStrips = false
	o.MinPeakThreshold = 0.5
	o.MaxMotionThreshold = 0.5
	return o
}
