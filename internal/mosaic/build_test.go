package mosaic

import (
	"context"
	"errors"
	"image"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildZeroMotionSingleFrame(t *testing.T) {
	const w, h, v = 8, 6, 100
	tr := stillTrace(1, h, []int{0, 3})
	opts := testOptions()
	opts.NewStripHeight = h

	res, err := Build(context.Background(), Run{
		Trace:   tr,
		Source:  newFakeSource(uniformFrame(w, h, v)),
		Options: opts,
	})
	require.NoError(t, err)

	assert.Equal(t, image.Rect(0, 0, w, h), res.Image.Rect)
	for _, px := range res.Image.Pix {
		require.Equal(t, uint8(v), px)
	}
	for _, n := range res.Coverage.Pix {
		require.Greater(t, n, 0.0)
	}
	assert.Zero(t, res.Stats.NoiseFilled)
	assert.Equal(t, 1, res.Stats.StripsPlaced)
	assert.Equal(t, w+1, res.Stats.CanvasWidth)
	assert.Equal(t, h+1, res.Stats.CanvasHeight)
	assert.Equal(t, w, res.Options.NewStripWidth)
}

func TestBuildZeroMotionSubpixel(t *testing.T) {
	const w, h, v = 8, 6, 100
	tr := stillTrace(1, h, []int{0, 3})
	opts := testOptions()
	opts.NewStripHeight = h
	opts.SubpixelExponent = 1
	opts.EnhanceStrips = true

	res, err := Build(context.Background(), Run{
		Trace:   tr,
		Source:  newFakeSource(uniformFrame(w, h, v)),
		Options: opts,
	})
	require.NoError(t, err)
	assert.Equal(t, 2*(w+1), res.Stats.CanvasWidth)
	for _, px := range res.Image.Pix {
		require.Equal(t, uint8(v), px)
	}
}

func TestBuildSkipsBadFrame(t *testing.T) {
	const w, h = 4, 9
	tr := stillTrace(3, h, []int{0, 3, 6})
	tr.BadFrames = []int{1}
	opts := testOptions()
	opts.NewStripHeight = 3
	opts.StabilizedVideo = true

	src := newFakeSource(uniformFrame(w, h, 10), uniformFrame(w, h, 200), uniformFrame(w, h, 30))
	sink := &fakeSink{}
	res, err := Build(context.Background(), Run{Trace: tr, Source: src, Sink: sink, Options: opts})
	require.NoError(t, err)

	assert.Equal(t, 6, res.Stats.StripsProcessed)
	assert.Equal(t, 6, res.Stats.StripsPlaced)
	assert.Equal(t, 1, res.Stats.BadFrames)
	assert.Equal(t, []int{0, 2}, src.decoded)
	assert.Equal(t, []int{1}, src.skipped)
	assert.Equal(t, []int{1}, res.Options.BadFrames)

	// frame 1 contributes nothing: every pixel is covered exactly twice
	for _, n := range res.Coverage.Pix {
		require.Equal(t, 2.0, n)
	}
	for _, px := range res.Image.Pix {
		require.Equal(t, uint8(20), px)
	}

	require.Len(t, sink.frames, 3)
	canvas := image.Rect(0, 0, res.Stats.CanvasWidth, res.Stats.CanvasHeight)
	for _, f := range sink.frames {
		assert.Equal(t, canvas, f.Rect)
	}
	for _, px := range sink.frames[1].Pix {
		require.Equal(t, uint8(255), px)
	}
	assert.Equal(t, uint8(10), sink.frames[0].GrayAt(0, 0).Y)
	assert.Equal(t, uint8(30), sink.frames[2].GrayAt(w-1, h-1).Y)
	assert.Equal(t, uint8(0), sink.frames[2].GrayAt(w, h).Y)
}

func TestBuildCounterMatchesUsablePlacements(t *testing.T) {
	const w, h = 4, 9
	tr := stillTrace(2, h, []int{0, 3, 6})
	// frame 1, strip 2 has a poor peak and drops out of the mosaic
	tr.Peaks[5] = 0.1
	opts := testOptions()
	opts.NewStripHeight = 3
	opts.StabilizedVideo = true

	sink := &fakeSink{}
	res, err := Build(context.Background(), Run{
		Trace:   tr,
		Source:  newFakeSource(uniformFrame(w, h, 40), uniformFrame(w, h, 80)),
		Sink:    sink,
		Options: opts,
	})
	require.NoError(t, err)
	assert.Equal(t, 5, res.Stats.StripsPlaced)
	assert.Equal(t, 6, res.Stats.StripsProcessed)

	for y := 0; y < h; y++ {
		want := 2.0
		if y >= 6 {
			want = 1
		}
		assert.Equal(t, want, res.Coverage.At(0, y), "row %d", y)
	}
	assert.Equal(t, uint8(40), res.Image.GrayAt(0, 7).Y)
	assert.Equal(t, uint8(60), res.Image.GrayAt(0, 1).Y)

	// stabilized output keeps the low-quality strip
	assert.Equal(t, uint8(80), sink.frames[1].GrayAt(0, 7).Y)
}

func TestBuildIsDeterministicWithHoles(t *testing.T) {
	const w, h = 6, 9
	tr := stillTrace(1, h, []int{0, 3, 6})
	tr.Positions[1] = Point{X: 2}
	opts := testOptions()
	opts.NewStripHeight = 3
	opts.MaxMotionThreshold = 1

	run := func() *Result {
		res, err := Build(context.Background(), Run{
			Trace:   tr,
			Source:  newFakeSource(texturedFrame(w, h)),
			Options: opts,
		})
		require.NoError(t, err)
		return res
	}
	a, b := run(), run()
	assert.Equal(t, a.Image.Pix, b.Image.Pix)
	assert.Greater(t, a.Stats.NoiseFilled, 0)
	assert.Equal(t, w+2, a.Image.Rect.Dx())
	assert.True(t, math.IsNaN(a.Float.At(w+1, 0)))
}

func TestBuildReportsProgressPerDecodedFrame(t *testing.T) {
	const w, h = 4, 6
	tr := stillTrace(3, h, []int{0, 3})
	opts := testOptions()
	opts.BadFrames = []int{2}

	var seen []int
	var means []float64
	_, err := Build(context.Background(), Run{
		Trace:   tr,
		Source:  newFakeSource(uniformFrame(w, h, 1), uniformFrame(w, h, 2), uniformFrame(w, h, 3)),
		Options: opts,
		Progress: func(p Progress) {
			seen = append(seen, p.Frame)
			assert.Equal(t, 3, p.Frames)
			snap := p.Snapshot()
			assert.Equal(t, w+1, snap.Width)
			means = append(means, snap.At(0, 0))
			// the copy belongs to the observer
			snap.Set(0, 0, -1)
		},
	})
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1}, seen)
	assert.InDeltaSlice(t, []float64{1, 1.5}, means, 1e-9)
}

func TestProgressWithoutCanvasIsEmpty(t *testing.T) {
	assert.Equal(t, Plane{}, Progress{Frame: 3, Frames: 4}.Snapshot())
}

func TestBuildHonoursCancellation(t *testing.T) {
	tr := stillTrace(2, 6, []int{0, 3})
	ctx, cancel := context.WithCancel(context.Background())

	src := newFakeSource(uniformFrame(4, 6, 1), uniformFrame(4, 6, 2))
	res, err := Build(ctx, Run{
		Trace:    tr,
		Source:   src,
		Options:  testOptions(),
		Progress: func(Progress) { cancel() },
	})
	assert.Nil(t, res)
	assert.True(t, IsCanceled(err))
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, []int{0}, src.decoded)
}

func TestBuildDegenerateMotion(t *testing.T) {
	tr := stillTrace(1, 6, []int{0, 3})
	for i := range tr.Peaks {
		tr.Peaks[i] = 0.1
	}
	_, err := Build(context.Background(), Run{
		Trace:   tr,
		Source:  newFakeSource(uniformFrame(4, 6, 1)),
		Options: testOptions(),
	})
	assert.True(t, errors.Is(err, ErrDegenerateMotion))
}

func TestBuildConfigurationErrors(t *testing.T) {
	base := func() Run {
		return Run{
			Trace:   stillTrace(1, 6, []int{0, 3}),
			Source:  newFakeSource(uniformFrame(4, 6, 1)),
			Options: testOptions(),
		}
	}
	cases := map[string]func(r *Run){
		"missing row template": func(r *Run) { r.Trace.RowTemplate = nil },
		"missing strip height": func(r *Run) { r.Trace.StripHeight = 0 },
		"peak threshold":       func(r *Run) { r.Options.MinPeakThreshold = 1.01 },
		"motion threshold":     func(r *Run) { r.Options.MaxMotionThreshold = -0.2 },
		"strip too tall":       func(r *Run) { r.Options.NewStripHeight = 7 },
		"strip too wide":       func(r *Run) { r.Options.NewStripWidth = 5 },
		"sink missing":         func(r *Run) { r.Options.StabilizedVideo = true },
		"frame size mismatch":  func(r *Run) { r.Trace.FrameWidth = 10 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			r := base()
			mutate(&r)
			_, err := Build(context.Background(), r)
			var cfgErr *ConfigError
			assert.True(t, errors.As(err, &cfgErr), "got %v", err)
		})
	}
}

func TestBuildSourceExhausted(t *testing.T) {
	tr := stillTrace(2, 6, []int{0, 3})
	_, err := Build(context.Background(), Run{
		Trace:   tr,
		Source:  newFakeSource(uniformFrame(4, 6, 1)),
		Options: testOptions(),
	})
	var ioErr *IOError
	assert.True(t, errors.As(err, &ioErr), "got %v", err)
}

func TestBuildCenteredColumnWindow(t *testing.T) {
	const w, h = 8, 6
	frame := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			frame.Pix[y*w+x] = uint8(10 * x)
		}
	}
	opts := testOptions()
	opts.NewStripHeight = h
	opts.NewStripWidth = 4

	res, err := Build(context.Background(), Run{
		Trace:   stillTrace(1, h, []int{0, 3}),
		Source:  newFakeSource(frame),
		Options: opts,
	})
	require.NoError(t, err)
	assert.Equal(t, 4, res.Image.Rect.Dx())
	assert.Equal(t, []uint8{20, 30, 40, 50}, res.Image.Pix[:4])
}
