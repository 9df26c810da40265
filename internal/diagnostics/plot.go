// Package diagnostics renders the per-sample quality criteria of a run.
package diagnostics

import (
	"errors"
	"fmt"
	"image/color"
	"math"
	"os"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"
	"gonum.org/v1/plot/vg/vgimg"

	"refframe/internal/fsutil"
	"refframe/internal/mosaic"
)

var (
	seriesColor    = color.RGBA{R: 31, G: 119, B: 180, A: 255}
	thresholdColor = color.RGBA{R: 214, G: 39, B: 40, A: 255}
	rejectedColor  = color.RGBA{R: 127, G: 127, B: 127, A: 255}
)

var errNoSamples = errors.New("no finite samples to plot")

// Size is the rendered image size.
type Size struct {
	Width, Height vg.Length
}

// DefaultSize is used when the configured size is zero.
var DefaultSize = Size{Width: 16 * vg.Centimeter, Height: 10 * vg.Centimeter}

// QualityPlots builds the peak and motion panels: each sample value over time
// with the threshold drawn across and rejected samples marked.
func QualityPlots(samples []mosaic.MotionSample, minPeak, maxMotion float64) (peak, motion *plot.Plot, err error) {
	peak, err = criterionPlot("Correlation peak", samples, minPeak,
		func(s mosaic.MotionSample) float64 { return s.Peak })
	if err != nil {
		return nil, nil, fmt.Errorf("peak panel: %w", err)
	}
	motion, err = criterionPlot("Motion between strips", samples, maxMotion,
		func(s mosaic.MotionSample) float64 { return s.Motion })
	if err != nil {
		return nil, nil, fmt.Errorf("motion panel: %w", err)
	}
	return peak, motion, nil
}

func criterionPlot(title string, samples []mosaic.MotionSample, threshold float64, value func(mosaic.MotionSample) float64) (*plot.Plot, error) {
	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "time"

	pts := make(plotter.XYs, 0, len(samples))
	var rejected plotter.XYs
	for _, s := range samples {
		v := value(s)
		if math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		pts = append(pts, plotter.XY{X: s.Time, Y: v})
		if !s.Usable {
			rejected = append(rejected, plotter.XY{X: s.Time, Y: v})
		}
	}
	if len(pts) == 0 {
		return nil, errNoSamples
	}

	line, err := plotter.NewLine(pts)
	if err != nil {
		return nil, err
	}
	line.Color = seriesColor
	line.Width = vg.Points(1)
	p.Add(line)
	p.Legend.Add("value", line)

	limit := plotter.NewFunction(func(float64) float64 { return threshold })
	limit.Color = thresholdColor
	limit.Width = vg.Points(1)
	limit.Dashes = []vg.Length{vg.Points(4), vg.Points(2)}
	p.Add(limit)
	p.Legend.Add("threshold", limit)

	if len(rejected) > 0 {
		sc, err := plotter.NewScatter(rejected)
		if err != nil {
			return nil, err
		}
		sc.Color = rejectedColor
		sc.Radius = vg.Points(1.5)
		p.Add(sc)
		p.Legend.Add("rejected", sc)
	}

	p.Legend.Top = true
	p.Legend.Left = false
	p.Legend.XOffs = -10
	p.Legend.YOffs = -10
	return p, nil
}

// WriteQualityPlot renders both panels stacked into one PNG at path.
func WriteQualityPlot(path string, samples []mosaic.MotionSample, minPeak, maxMotion float64, size Size) error {
	if size.Width <= 0 || size.Height <= 0 {
		size = DefaultSize
	}
	peak, motion, err := QualityPlots(samples, minPeak, maxMotion)
	if err != nil {
		return err
	}

	img := vgimg.New(size.Width, size.Height)
	dc := draw.New(img)
	tiles := draw.Tiles{Rows: 2, Cols: 1, PadY: vg.Millimeter * 2}
	grid := [][]*plot.Plot{{peak}, {motion}}
	canvases := plot.Align(grid, tiles, dc)
	peak.Draw(canvases[0][0])
	motion.Draw(canvases[1][0])

	f, err := fsutil.TempSibling(path)
	if err != nil {
		return err
	}
	tmp := f.Name()
	if _, err := (vgimg.PngCanvas{Canvas: img}).WriteTo(f); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("encode plot: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}
