package mosaic

import (
	"context"
	"image"
	"log/slog"
	"sort"
	"time"
)

// Run bundles everything one reference-frame build needs.
type Run struct {
	Trace   *Trace
	Source  FrameSource
	Sink    FrameSink // required when Options.StabilizedVideo is set
	Options Options
	// Progress, when set, is called after every composited frame.
	Progress ProgressFunc
	Logger   *slog.Logger
}

// Stats summarizes a finished run.
type Stats struct {
	Samples         int           `json:"samples"`
	UsableSamples   int           `json:"usable_samples"`
	Resampled       int           `json:"resampled"`
	UsableResampled int           `json:"usable_resampled"`
	Frames          int           `json:"frames"`
	BadFrames       int           `json:"bad_frames"`
	StripsProcessed int           `json:"strips_processed"`
	StripsPlaced    int           `json:"strips_placed"`
	CanvasWidth     int           `json:"canvas_width"`
	CanvasHeight    int           `json:"canvas_height"`
	NoiseFilled     int           `json:"noise_filled"`
	Duration        time.Duration `json:"duration"`
}

// Result always carries every output of a run; callers pick what they need.
type Result struct {
	Image     *image.Gray
	Float     Plane
	Coverage  Plane
	Crop      image.Rectangle
	Bounds    Bounds
	Options   Options
	Samples   []MotionSample
	Resampled []ResampledSample
	Stats     Stats
	// ArtifactPath is set by whoever persists the result.
	ArtifactPath string
}

// Build runs the quality filter, resampler, canvas allocation, compositing
// and post-processing for one video.
//
// Errors are *ConfigError, ErrDegenerateMotion, *IOError or ErrCanceled.
// On any error no output is valid and the caller must discard whatever the
// sink received.
func Build(ctx context.Context, run Run) (*Result, error) {
	start := time.Now()
	opts := run.Options
	log := runLogger(run.Logger, opts.Verbosity)

	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if run.Trace == nil {
		return nil, configErr("trace", "motion trace is required")
	}
	if err := run.Trace.Validate(); err != nil {
		return nil, err
	}
	if run.Source == nil {
		return nil, configErr("source", "frame source is required")
	}
	if opts.StabilizedVideo && run.Sink == nil {
		return nil, configErr("stabilized_video", "enabled without a frame sink")
	}

	tr := run.Trace
	frameW, frameH := run.Source.Size()
	if frameW <= 0 || frameH <= 0 {
		return nil, &IOError{Op: "open source", Path: tr.Video, Err: errEmptyFrame}
	}
	if (tr.FrameWidth > 0 && tr.FrameWidth != frameW) || (tr.FrameHeight > 0 && tr.FrameHeight != frameH) {
		return nil, configErr("frame_size", "trace expects %dx%d, video is %dx%d",
			tr.FrameWidth, tr.FrameHeight, frameW, frameH)
	}

	stripW := opts.NewStripWidth
	if stripW == 0 {
		stripW = frameW
	}
	if stripW > frameW {
		return nil, configErr("new_strip_width", "%d exceeds frame width %d", stripW, frameW)
	}

	grid := Grid{
		Frames:      tr.FrameCount,
		FrameHeight: frameH,
		StripHeight: opts.NewStripHeight,
		TrimTop:     opts.TrimTop,
		TrimBottom:  opts.TrimBottom,
	}
	if grid.StripsPerFrame() == 0 {
		return nil, configErr("new_strip_height", "%d exceeds frame height %d", opts.NewStripHeight, frameH)
	}
	scale := opts.Scale()

	filter := QualityFilter{
		MinPeak:      opts.MinPeakThreshold,
		MaxMotion:    opts.MaxMotionThreshold,
		FrameHeight:  frameH,
		StripSpacing: stripSpacing(tr.RowTemplate, grid.LinesPerFrame()),
	}
	usable, motion, err := filter.Apply(tr.Peaks, tr.Positions)
	if err != nil {
		return nil, err
	}
	samples := Samples(tr, usable, motion)

	dt, err := ScanlinePeriod(tr, grid.LinesPerFrame())
	if err != nil {
		return nil, err
	}
	times := grid.Times(tr.Timestamps[0], tr.RowTemplate[0], dt)
	resampled, err := Resample(samples, times, grid.StripsPerFrame())
	if err != nil {
		return nil, err
	}

	bounds, err := Extent(resampled)
	if err != nil {
		return nil, err
	}
	canvas, err := Allocate(bounds, stripW, frameH, scale)
	if err != nil {
		return nil, err
	}

	stats := Stats{
		Samples:         len(samples),
		UsableSamples:   countUsable(usable),
		Resampled:       len(resampled),
		UsableResampled: countResampledUsable(resampled),
		CanvasWidth:     canvas.Width,
		CanvasHeight:    canvas.Height,
	}
	log.Info("canvas allocated",
		"usable_samples", stats.UsableSamples,
		"samples", len(tr.Timestamps),
		"new_strips", stats.Resampled,
		"usable_new_strips", stats.UsableResampled,
		"width", canvas.Width,
		"height", canvas.Height,
		"scale", scale,
	)

	comp := &compositor{
		canvas:      canvas,
		samples:     resampled,
		origin:      bounds.Min,
		frames:      tr.FrameCount,
		perFrame:    grid.StripsPerFrame(),
		stripH:      opts.NewStripHeight,
		stripW:      stripW,
		col0:        (frameW - stripW) / 2,
		frameW:      frameW,
		frameH:      frameH,
		scale:       scale,
		enhance:     opts.EnhanceStrips,
		bad:         badFrameSet(tr.BadFrames, opts.BadFrames),
		progress:    run.Progress,
		log:         log,
		perFrameLog: opts.Verbosity >= VerbosityPerFrame,
		stats:       &stats,
	}
	if opts.StabilizedVideo {
		comp.stab = newStabilizer(canvas.Width, canvas.Height, scale, run.Sink)
	}
	if err := comp.run(ctx, run.Source); err != nil {
		return nil, err
	}

	ref, err := Finish(canvas, scale, opts.NoiseSeed)
	if err != nil {
		return nil, err
	}
	stats.NoiseFilled = ref.Filled
	stats.Duration = time.Since(start)

	resolved := opts
	resolved.NewStripWidth = stripW
	resolved.BadFrames = sortedKeys(comp.bad)

	log.Info("reference frame built",
		"width", ref.Image.Rect.Dx(),
		"height", ref.Image.Rect.Dy(),
		"strips_placed", stats.StripsPlaced,
		"strips_processed", stats.StripsProcessed,
		"bad_frames", stats.BadFrames,
		"noise_filled", stats.NoiseFilled,
		"duration", stats.Duration,
	)

	return &Result{
		Image:     ref.Image,
		Float:     ref.Float,
		Coverage:  ref.Coverage,
		Crop:      ref.Crop,
		Bounds:    bounds,
		Options:   resolved,
		Samples:   samples,
		Resampled: resampled,
		Stats:     stats,
	}, nil
}

func runLogger(l *slog.Logger, v Verbosity) *slog.Logger {
	if v == VerbosityNone {
		return slog.New(slog.DiscardHandler)
	}
	if l == nil {
		return slog.Default()
	}
	return l
}

func countResampledUsable(rs []ResampledSample) int {
	n := 0
	for _, r := range rs {
		if r.Usable {
			n++
		}
	}
	return n
}

func badFrameSet(lists ...[]int) map[int]bool {
	set := make(map[int]bool)
	for _, l := range lists {
		for _, f := range l {
			set[f] = true
		}
	}
	return set
}

func sortedKeys(set map[int]bool) []int {
	if len(set) == 0 {
		return nil
	}
	out := make([]int, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Ints(out)
	return out
}
