package main

import (
	"context"
	"flag"
	"fmt"
	"image"
	"image/png"
	"log"
	"math"
	"os"
	"path/filepath"
	"time"

	"refframe/internal/config"
	"refframe/internal/logging"
	"refframe/internal/mosaic"
	"refframe/internal/pipeline"
	"refframe/internal/storage"
	"refframe/internal/trace"
)

func main() {
	var (
		workDir = flag.String("dir", "", "working directory (default: a fresh temp dir)")
		frames  = flag.Int("frames", 12, "number of synthetic frames")
		width   = flag.Int("width", 64, "frame width")
		height  = flag.Int("height", 48, "frame height")
		keep    = flag.Bool("keep", false, "keep the working directory")
	)
	flag.Parse()

	fmt.Println("🔍 Testing reference frame build end to end")

	dir := *workDir
	if dir == "" {
		tmp, err := os.MkdirTemp("", "refframe-integration-")
		if err != nil {
			log.Fatal("Failed to create work dir:", err)
		}
		dir = tmp
	}
	if !*keep && *workDir == "" {
		defer os.RemoveAll(dir)
	}

	framesDir := filepath.Join(dir, "frames")
	if err := writeFrames(framesDir, *frames, *width, *height); err != nil {
		log.Fatal("Failed to write frames:", err)
	}
	tracePath := filepath.Join(dir, "synthetic.trace.json")
	if err := trace.Save(tracePath, syntheticTrace(*frames, *height, "frames")); err != nil {
		log.Fatal("Failed to write trace:", err)
	}
	fmt.Printf("✅ Wrote %d frames and %s\n", *frames, tracePath)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("Failed to load config:", err)
	}
	cfg.Paths.DefaultOutput = filepath.Join(dir, "output")
	cfg.Paths.DatabasePath = filepath.Join(dir, "refframe.db")
	cfg.Processing.ParallelJobs = 1
	cfg.Diagnostics.Plot = true
	logger := logging.New(cfg.Logging.Level, cfg.Logging.Format)

	store, err := storage.New(cfg.Paths.DatabasePath)
	if err != nil {
		log.Fatal("Failed to create storage:", err)
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	pipe := pipeline.New(ctx, cfg, logger, store)
	defer pipe.Stop()

	opts := cfg.Mosaic.Options.Clone()
	opts.SubpixelExponent = 1
	opts.NewStripHeight = 4

	res := runOnce(ctx, pipe, pipeline.Job{TracePath: tracePath, Options: opts})
	if res.Error != nil {
		log.Fatal("Build failed:", res.Error)
	}
	output := res.Job.Output
	fmt.Printf("✅ Built %s (%v)\n", output, res.Status)

	if err := checkPNG(output); err != nil {
		log.Fatal("Reference frame unreadable:", err)
	}
	rec, err := store.LoadReference(output)
	if err != nil {
		log.Fatal("Reference frame not recorded:", err)
	}
	fmt.Printf("📊 Stored reference: %dx%d from run %s\n", rec.Width, rec.Height, rec.RunID)
	for k, v := range res.Meta {
		fmt.Printf("   %s: %v\n", k, v)
	}

	again := runOnce(ctx, pipe, pipeline.Job{TracePath: tracePath, Options: opts})
	if again.Error != nil {
		log.Fatal("Second build failed:", again.Error)
	}
	if again.Status != storage.StatusReused {
		log.Fatalf("Expected the second build to reuse %s, got status %s", output, again.Status)
	}
	fmt.Println("✅ Second build reused the existing reference frame")

	runs, err := store.RecentRuns(10)
	if err != nil {
		log.Fatal("Failed to list runs:", err)
	}
	fmt.Printf("\n✅ Test completed. %d runs recorded in %s\n", len(runs), cfg.Paths.DatabasePath)
}

func runOnce(ctx context.Context, pipe *pipeline.Pipeline, job pipeline.Job) pipeline.Result {
	results, unsubscribe := pipe.Subscribe()
	defer unsubscribe()

	id, err := pipe.Submit(job)
	if err != nil {
		log.Fatal("Failed to submit:", err)
	}
	for {
		select {
		case <-ctx.Done():
			log.Fatal("Timed out waiting for run ", id)
		case res, ok := <-results:
			if !ok {
				log.Fatal("Pipeline stopped before run ", id, " finished")
			}
			if res.Job.ID == id {
				return res
			}
		}
	}
}

// writeFrames renders a smooth texture drifting right by a fraction of a pixel
// per frame.
func writeFrames(dir string, n, w, h int) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	for f := 0; f < n; f++ {
		img := image.NewGray(image.Rect(0, 0, w, h))
		shift := 0.25 * float64(f)
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				fx := float64(x) + shift
				v := 128 + 60*math.Sin(fx/5) + 40*math.Cos(float64(y)/7)
				img.Pix[y*img.Stride+x] = uint8(math.Max(0, math.Min(255, v)))
			}
		}
		path := filepath.Join(dir, fmt.Sprintf("frame_%04d.png", f))
		file, err := os.Create(path)
		if err != nil {
			return err
		}
		if err := png.Encode(file, img); err != nil {
			file.Close()
			return err
		}
		if err := file.Close(); err != nil {
			return err
		}
	}
	return nil
}

// syntheticTrace samples every 4 rows with the drift used by writeFrames.
func syntheticTrace(frames, h int, video string) *mosaic.Trace {
	rows := make([]int, 0, h/4)
	for r := 0; r < h; r += 4 {
		rows = append(rows, r)
	}
	tr := &mosaic.Trace{
		Video:       video,
		RowTemplate: rows,
		StripHeight: 4,
		FrameCount:  frames,
	}
	for f := 0; f < frames; f++ {
		for _, r := range rows {
			tr.Timestamps = append(tr.Timestamps, float64(f*h+r))
			tr.Positions = append(tr.Positions, mosaic.Point{X: 0.25 * float64(f)})
			tr.Peaks = append(tr.Peaks, 0.95)
		}
	}
	return tr
}

func checkPNG(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	cfg, err := png.DecodeConfig(f)
	if err != nil {
		return err
	}
	if cfg.Width == 0 || cfg.Height == 0 {
		return fmt.Errorf("empty image %dx%d", cfg.Width, cfg.Height)
	}
	return nil
}
