package pipeline

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/png"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"refframe/internal/diagnostics"
	"refframe/internal/mosaic"
	"refframe/internal/storage"
	"refframe/internal/video"
)

// stillTrace is a zero-motion trace with perfect peaks over frames of height h.
func stillTrace(frames, h int, rows []int) *mosaic.Trace {
	tr := &mosaic.Trace{
		Video:       "eye.avi",
		RowTemplate: rows,
		StripHeight: rows[1] - rows[0],
		FrameCount:  frames,
	}
	for f := 0; f < frames; f++ {
		for _, r := range rows {
			tr.Timestamps = append(tr.Timestamps, float64(f*h+r))
			tr.Positions = append(tr.Positions, mosaic.Point{})
			tr.Peaks = append(tr.Peaks, 1)
		}
	}
	return tr
}

func flatFrame(w, h int, v uint8) *image.Gray {
	img := image.NewGray(image.Rect(0, 0, w, h))
	for i := range img.Pix {
		img.Pix[i] = v
	}
	return img
}

func testJobOptions() mosaic.Options {
	o := mosaic.DefaultOptions()
	o.Verbosity = mosaic.VerbosityNone
	o.EnhanceStrips = false
	o.NewStripHeight = 6
	return o
}

type stubMedia struct {
	trace    *mosaic.Trace
	traceErr error
	source   *video.MemorySource
	sink     *video.MemorySink
	sinkPath string
	opened   string
	plots    []string
	plotErr  error
}

func (s *stubMedia) runner(t *testing.T, store *storage.Store) *runner {
	t.Helper()
	r := &runner{
		log:    slog.Default(),
		outDir: t.TempDir(),
		plot:   true,
		loadTrace: func(string) (*mosaic.Trace, error) {
			return s.trace, s.traceErr
		},
		openSource: func(_ context.Context, path string, _ video.Options) (video.Source, error) {
			s.opened = path
			return s.source, nil
		},
		createSink: func(_ context.Context, path string, _ video.Options) (video.Sink, error) {
			s.sinkPath = path
			// the real sink creates its file once frames arrive
			if err := os.WriteFile(path, []byte("partial"), 0o644); err != nil {
				return nil, err
			}
			return s.sink, nil
		},
		writePlot: func(path string, _ []mosaic.MotionSample, _, _ float64, _ diagnostics.Size) error {
			s.plots = append(s.plots, path)
			return s.plotErr
		},
	}
	if store != nil {
		r.store = store
	}
	return r
}

func newStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.New(filepath.Join(t.TempDir(), "refframe.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRunnerBuildsAndStoresReference(t *testing.T) {
	store := newStore(t)
	media := &stubMedia{
		trace:  stillTrace(2, 6, []int{0, 3}),
		source: video.NewMemorySource(flatFrame(8, 6, 90), flatFrame(8, 6, 90)),
		sink:   &video.MemorySink{},
	}
	r := media.runner(t, store)

	opts := testJobOptions()
	opts.StabilizedVideo = true
	job := Job{ID: "run-1", TracePath: "/data/eye01.trace.json", Options: opts}

	res := r.Process(context.Background(), job, nil)
	if res.Error != nil {
		t.Fatalf("expected success, got %v", res.Error)
	}
	want := filepath.Join(r.outDir, "eye01_ref.png")
	if res.Job.Output != want || res.Mosaic.ArtifactPath != want {
		t.Fatalf("unexpected output %q / %q", res.Job.Output, res.Mosaic.ArtifactPath)
	}
	if media.opened != "eye.avi" {
		t.Fatalf("expected the trace's video to be opened, got %q", media.opened)
	}
	if !media.source.Closed() {
		t.Fatalf("frame source left open")
	}
	if len(media.sink.Frames) != 2 || media.sink.Aborted {
		t.Fatalf("expected two stabilized frames, got %d (aborted=%v)", len(media.sink.Frames), media.sink.Aborted)
	}
	if res.Meta["stabilized_video"] != media.sinkPath {
		t.Fatalf("stabilized video missing from meta: %v", res.Meta)
	}
	if len(media.plots) != 1 || res.Meta["quality_plot"] != media.plots[0] {
		t.Fatalf("expected one quality plot, got %v", media.plots)
	}
	if _, err := os.Stat(want); err != nil {
		t.Fatalf("reference not written: %v", err)
	}
	rec, err := store.LoadReference(want)
	if err != nil {
		t.Fatalf("reference not stored: %v", err)
	}
	if rec.RunID != "run-1" || rec.Width != 8 || rec.Height != 6 {
		t.Fatalf("unexpected record %+v", rec)
	}
}

func TestRunnerReusesExistingArtifact(t *testing.T) {
	store := newStore(t)
	media := &stubMedia{
		trace:  stillTrace(1, 6, []int{0, 3}),
		source: video.NewMemorySource(flatFrame(8, 6, 90)),
	}
	r := media.runner(t, store)
	job := Job{ID: "first", TracePath: "eye.trace.json", Options: testJobOptions()}
	if res := r.Process(context.Background(), job, nil); res.Error != nil {
		t.Fatalf("first run failed: %v", res.Error)
	}

	media.traceErr = errors.New("trace must not be read again")
	job.ID = "second"
	res := r.Process(context.Background(), job, nil)
	if res.Error != nil {
		t.Fatalf("expected reuse, got %v", res.Error)
	}
	if res.Status != storage.StatusReused || res.Reference.RunID != "first" {
		t.Fatalf("expected record of first run, got status %q record %+v", res.Status, res.Reference)
	}

	job.Options.Overwrite = true
	res = r.Process(context.Background(), job, nil)
	if res.Error == nil || res.Error.Error() != "trace must not be read again" {
		t.Fatalf("overwrite should rebuild, got %v", res.Error)
	}
}

func TestRunnerKeepsUnrecordedArtifact(t *testing.T) {
	for _, withStore := range []bool{false, true} {
		var store *storage.Store
		if withStore {
			store = newStore(t)
		}
		media := &stubMedia{
			trace:  stillTrace(1, 6, []int{0, 3}),
			source: video.NewMemorySource(flatFrame(8, 6, 90)),
		}
		r := media.runner(t, store)
		out := filepath.Join(r.outDir, "eye_ref.png")

		var buf bytes.Buffer
		if err := png.Encode(&buf, flatFrame(5, 4, 10)); err != nil {
			t.Fatalf("encode: %v", err)
		}
		existing := buf.Bytes()
		if err := os.WriteFile(out, existing, 0o644); err != nil {
			t.Fatalf("write artifact: %v", err)
		}

		res := r.Process(context.Background(), Job{ID: "k", TracePath: "eye.trace.json", Options: testJobOptions()}, nil)
		if res.Error != nil {
			t.Fatalf("store=%v: expected reuse, got %v", withStore, res.Error)
		}
		if res.Status != storage.StatusReused {
			t.Fatalf("store=%v: expected status %q, got %q", withStore, storage.StatusReused, res.Status)
		}
		if media.opened != "" {
			t.Fatalf("store=%v: video %q opened for an existing artifact", withStore, media.opened)
		}
		if res.Reference == nil || res.Reference.Width != 5 || res.Reference.Height != 4 {
			t.Fatalf("store=%v: unexpected reference %+v", withStore, res.Reference)
		}
		if _, ok := res.Meta["reused_run"]; ok {
			t.Fatalf("store=%v: file-only artifact reported a run: %v", withStore, res.Meta)
		}
		onDisk, err := os.ReadFile(out)
		if err != nil || !bytes.Equal(onDisk, existing) {
			t.Fatalf("store=%v: artifact changed (err=%v)", withStore, err)
		}
	}
}

func TestRunnerRefusesUnreadableArtifact(t *testing.T) {
	media := &stubMedia{
		trace:  stillTrace(1, 6, []int{0, 3}),
		source: video.NewMemorySource(flatFrame(8, 6, 90)),
	}
	r := media.runner(t, nil)
	out := filepath.Join(r.outDir, "eye_ref.png")
	if err := os.WriteFile(out, []byte("existing artifact"), 0o644); err != nil {
		t.Fatalf("write artifact: %v", err)
	}

	res := r.Process(context.Background(), Job{ID: "u", TracePath: "eye.trace.json", Options: testJobOptions()}, nil)
	var ioErr *mosaic.IOError
	if !errors.As(res.Error, &ioErr) {
		t.Fatalf("expected IOError, got %v", res.Error)
	}
	if media.opened != "" {
		t.Fatalf("video opened for an existing artifact")
	}
	if onDisk, _ := os.ReadFile(out); string(onDisk) != "existing artifact" {
		t.Fatalf("artifact replaced: %q", onDisk)
	}
}

func TestRunnerCancellationRemovesPartialOutput(t *testing.T) {
	media := &stubMedia{
		trace:  stillTrace(2, 6, []int{0, 3}),
		source: video.NewMemorySource(flatFrame(8, 6, 90), flatFrame(8, 6, 90)),
		sink:   &video.MemorySink{},
	}
	r := media.runner(t, nil)
	ctx, cancel := context.WithCancel(context.Background())

	opts := testJobOptions()
	opts.StabilizedVideo = true
	res := r.Process(ctx, Job{ID: "c", TracePath: "eye.trace.json", Options: opts}, func(mosaic.Progress) { cancel() })

	if !mosaic.IsCanceled(res.Error) {
		t.Fatalf("expected cancellation, got %v", res.Error)
	}
	if statusFor(res.Error) != storage.StatusCanceled {
		t.Fatalf("expected canceled status, got %s", statusFor(res.Error))
	}
	if !media.sink.Aborted {
		t.Fatalf("stabilized sink not aborted")
	}
	if _, err := os.Stat(media.sinkPath); !os.IsNotExist(err) {
		t.Fatalf("partial stabilized video left behind: %v", err)
	}
	if _, err := os.Stat(filepath.Join(r.outDir, "eye_ref.png")); !os.IsNotExist(err) {
		t.Fatalf("reference written for canceled run")
	}
	if len(media.plots) != 0 {
		t.Fatalf("plot written for canceled run")
	}
}

func TestRunnerRequiresVideo(t *testing.T) {
	tr := stillTrace(1, 6, []int{0, 3})
	tr.Video = ""
	media := &stubMedia{trace: tr}
	res := media.runner(t, nil).Process(context.Background(), Job{ID: "v", TracePath: "x.trace.json", Options: testJobOptions()}, nil)
	var cfgErr *mosaic.ConfigError
	if !errors.As(res.Error, &cfgErr) || cfgErr.Field != "video" {
		t.Fatalf("expected video ConfigError, got %v", res.Error)
	}
	if statusFor(res.Error) != storage.StatusFailed {
		t.Fatalf("expected failed status")
	}
}

func TestRunnerPlotFailureKeepsResult(t *testing.T) {
	media := &stubMedia{
		trace:   stillTrace(1, 6, []int{0, 3}),
		source:  video.NewMemorySource(flatFrame(8, 6, 90)),
		plotErr: errors.New("no fonts"),
	}
	res := media.runner(t, nil).Process(context.Background(), Job{ID: "p", TracePath: "eye.trace.json", Options: testJobOptions()}, nil)
	if res.Error != nil {
		t.Fatalf("plot failure must not fail the run: %v", res.Error)
	}
	if _, ok := res.Meta["quality_plot"]; ok {
		t.Fatalf("failed plot reported in meta")
	}
}
