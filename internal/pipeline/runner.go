package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"gonum.org/v1/plot/vg"

	"refframe/internal/artifact"
	"refframe/internal/config"
	"refframe/internal/diagnostics"
	"refframe/internal/logging"
	"refframe/internal/mosaic"
	"refframe/internal/storage"
	"refframe/internal/trace"
	"refframe/internal/video"
)

const (
	stabilizedSuffix  = "_stabilized.mp4"
	qualityPlotSuffix = "_quality.png"
)

type (
	traceLoader  func(path string) (*mosaic.Trace, error)
	sourceOpener func(ctx context.Context, path string, opts video.Options) (video.Source, error)
	sinkCreator  func(ctx context.Context, path string, opts video.Options) (video.Sink, error)
	plotWriter   func(path string, samples []mosaic.MotionSample, minPeak, maxMotion float64, size diagnostics.Size) error
)

// runner implements Processor: it loads the trace, opens the video, builds the
// mosaic and persists everything the run produced.
type runner struct {
	log       *slog.Logger
	store     artifact.Store
	outDir    string
	videoOpts video.Options
	plot      bool
	plotSize  diagnostics.Size

	loadTrace  traceLoader
	openSource sourceOpener
	createSink sinkCreator
	writePlot  plotWriter
}

func newRunner(cfg *config.Config, logger *slog.Logger, store *storage.Store) *runner {
	r := &runner{
		log:    logger,
		outDir: cfg.Paths.DefaultOutput,
		videoOpts: video.Options{
			FFmpeg:  cfg.Processing.FFmpeg,
			FFprobe: cfg.Processing.FFprobe,
			FPS:     cfg.Mosaic.StabilizedFPS,
			Logger:  logger,
		},
		plot: cfg.Diagnostics.Plot,
		plotSize: diagnostics.Size{
			Width:  vg.Length(cfg.Diagnostics.Width) * vg.Centimeter,
			Height: vg.Length(cfg.Diagnostics.Height) * vg.Centimeter,
		},
		loadTrace:  trace.Load,
		openSource: video.Open,
		createSink: video.Create,
		writePlot:  diagnostics.WriteQualityPlot,
	}
	// a nil *storage.Store must not become a non-nil interface
	if store != nil {
		r.store = store
	}
	return r
}

// outputPath resolves where the job's reference frame goes.
func (r *runner) outputPath(job Job) string {
	if job.Output != "" {
		return job.Output
	}
	return artifact.DefaultPath(job.TracePath, r.outDir)
}

func (r *runner) Process(ctx context.Context, job Job, progress mosaic.ProgressFunc) (res Result) {
	res = Result{Job: job}
	opts := job.Options
	output := r.outputPath(job)
	res.Job.Output = output

	if !opts.Overwrite {
		rec, ok, err := artifact.Existing(r.store, output)
		if err != nil {
			res.Error = err
			return res
		}
		if ok {
			logging.LogProcessingStep(r.log, job.ID, "reuse", "skipped", map[string]any{
				"output": output,
				"run":    rec.RunID,
			})
			res.Status = storage.StatusReused
			res.Reference = rec
			res.Meta = map[string]any{
				"output": output,
				"width":  rec.Width,
				"height": rec.Height,
			}
			// records read back from the file carry no run
			if rec.RunID != "" {
				res.Meta["reused_run"] = rec.RunID
			}
			return res
		}
	}

	tr, err := r.loadTrace(job.TracePath)
	if err != nil {
		res.Error = err
		return res
	}
	videoPath := job.VideoPath
	if videoPath == "" {
		videoPath = tr.Video
	}
	if videoPath == "" {
		res.Error = &mosaic.ConfigError{Field: "video", Reason: "neither the job nor the trace names a video"}
		return res
	}
	res.Job.VideoPath = videoPath

	src, err := r.openSource(ctx, videoPath, r.videoOpts)
	if err != nil {
		res.Error = err
		return res
	}
	defer src.Close()

	var sink video.Sink
	var stabPath string
	if opts.StabilizedVideo {
		stabPath = artifact.SiblingPath(output, stabilizedSuffix)
		sink, err = r.createSink(ctx, stabPath, r.videoOpts)
		if err != nil {
			res.Error = err
			return res
		}
	}
	// every failure below leaves no partial output behind
	defer func() {
		if res.Error == nil {
			return
		}
		if sink != nil {
			if err := sink.Abort(); err != nil {
				r.log.Warn("failed to abort stabilized video", "path", stabPath, "error", err)
			}
		}
		if err := artifact.Discard(stabPath); err != nil {
			r.log.Warn("failed to remove partial output", "error", err)
		}
	}()

	run := mosaic.Run{
		Trace:    tr,
		Source:   src,
		Options:  opts,
		Progress: progress,
		Logger:   r.log.With("run", job.ID),
	}
	if sink != nil {
		run.Sink = sink
	}
	mres, err := mosaic.Build(ctx, run)
	if err != nil {
		res.Error = err
		return res
	}
	if err := ctx.Err(); err != nil {
		res.Error = fmt.Errorf("%w: %v", mosaic.ErrCanceled, err)
		return res
	}

	if sink != nil {
		if err := sink.Close(); err != nil {
			sink = nil
			res.Error = &mosaic.IOError{Op: "finalize stabilized video", Path: stabPath, Err: err}
			return res
		}
		sink = nil
		logging.LogProcessingStep(r.log, job.ID, "stabilized_video", "written", map[string]any{"path": stabPath})
	}

	rec, err := artifact.Save(r.store, job.ID, output, mres)
	if err != nil {
		res.Error = err
		return res
	}

	res.Mosaic = mres
	res.Reference = rec
	res.Meta = resultMeta(mres, output, stabPath)

	if r.plot {
		plotPath := artifact.SiblingPath(output, qualityPlotSuffix)
		if err := r.writePlot(plotPath, mres.Samples, opts.MinPeakThreshold, opts.MaxMotionThreshold, r.plotSize); err != nil {
			// plot failures do not fail the run
			r.log.Warn("quality plot failed", "run", job.ID, "path", plotPath, "error", err)
		} else {
			res.Meta["quality_plot"] = plotPath
		}
	}
	return res
}

func resultMeta(m *mosaic.Result, output, stabPath string) map[string]any {
	meta := map[string]any{
		"output":           output,
		"width":            m.Image.Rect.Dx(),
		"height":           m.Image.Rect.Dy(),
		"canvas_width":     m.Stats.CanvasWidth,
		"canvas_height":    m.Stats.CanvasHeight,
		"usable_samples":   m.Stats.UsableSamples,
		"samples":          m.Stats.Samples,
		"strips_placed":    m.Stats.StripsPlaced,
		"strips_processed": m.Stats.StripsProcessed,
		"bad_frames":       m.Stats.BadFrames,
		"noise_filled":     m.Stats.NoiseFilled,
	}
	if stabPath != "" {
		meta["stabilized_video"] = stabPath
	}
	return meta
}
