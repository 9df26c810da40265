package mosaic

import (
	"context"
	"fmt"
	"image"
	"log/slog"
)

// FrameSource yields decoded frames strictly in order.
type FrameSource interface {
	// Size returns the frame dimensions in pixels.
	Size() (width, height int)
	// Next decodes the next frame.
	Next() (*image.Gray, error)
	// Skip advances past the next frame without decoding it.
	Skip() error
}

// FrameSink receives stabilized frames, one per input frame.
type FrameSink interface {
	WriteFrame(img *image.Gray) error
}

// Progress is reported after every composited frame.
type Progress struct {
	Frame  int
	Frames int

	canvas *Canvas
}

// Snapshot returns the running Sum/Count at canvas resolution, zero where
// nothing has been placed yet. The plane is a fresh copy owned by the caller.
// Call it from within the ProgressFunc; the canvas keeps changing afterwards.
func (p Progress) Snapshot() Plane {
	if p.canvas == nil {
		return Plane{}
	}
	return p.canvas.Normalized()
}

// ProgressFunc observes a run.
type ProgressFunc func(Progress)

type compositor struct {
	canvas      *Canvas
	samples     []ResampledSample
	origin      Point
	frames      int
	perFrame    int
	stripH      int
	stripW      int
	col0        int
	frameW      int
	frameH      int
	scale       int
	enhance     bool
	bad         map[int]bool
	stab        *stabilizer
	progress    ProgressFunc
	log         *slog.Logger
	perFrameLog bool
	stats       *Stats
}

// run walks every frame once. Cancellation is honoured between frames.
func (c *compositor) run(ctx context.Context, src FrameSource) error {
	for f := 0; f < c.frames; f++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%w at frame %d: %w", ErrCanceled, f, err)
		}

		if c.bad[f] {
			if err := src.Skip(); err != nil {
				return &IOError{Op: "skip frame", Err: fmt.Errorf("frame %d: %w", f, err)}
			}
			c.stats.BadFrames++
			if c.stab != nil {
				if err := c.stab.placeholder(); err != nil {
					return &IOError{Op: "write stabilized frame", Err: fmt.Errorf("frame %d: %w", f, err)}
				}
			}
			if c.perFrameLog {
				c.log.Info("frame skipped", "frame", f, "reason", "bad")
			}
			continue
		}

		img, err := src.Next()
		if err != nil {
			return &IOError{Op: "decode frame", Err: fmt.Errorf("frame %d: %w", f, err)}
		}
		if b := img.Bounds(); b.Dx() != c.frameW || b.Dy() != c.frameH {
			return &IOError{Op: "decode frame", Err: fmt.Errorf("frame %d is %dx%d, expected %dx%d",
				f, b.Dx(), b.Dy(), c.frameW, c.frameH)}
		}

		placed := c.frame(f, img)
		c.stats.Frames++

		if c.stab != nil {
			if err := c.stab.emit(); err != nil {
				return &IOError{Op: "write stabilized frame", Err: fmt.Errorf("frame %d: %w", f, err)}
			}
		}
		if c.perFrameLog {
			c.log.Info("frame composited", "frame", f, "strips_placed", placed, "strips", c.perFrame)
		}
		if c.progress != nil {
			c.progress(Progress{Frame: f, Frames: c.frames, canvas: c.canvas})
		}
	}
	return nil
}

// frame places every strip of one decoded frame and returns how many reached
// the mosaic.
func (c *compositor) frame(f int, img *image.Gray) int {
	placed := 0
	for k := 0; k < c.perFrame; k++ {
		s := c.samples[f*c.perFrame+k]
		row := k * c.stripH

		strip := Upsample(extractStrip(img, c.col0, row, c.stripW, c.stripH), c.scale)
		dst, ok := Placement(s.Position, c.origin, row, strip.Width, strip.Height, c.scale)
		c.stats.StripsProcessed++

		// Stabilized output ignores the quality gate.
		if c.stab != nil && ok {
			c.stab.add(dst, strip)
		}
		if !s.Usable || !ok {
			continue
		}

		if c.enhance {
			StretchContrast(strip)
		}
		c.canvas.Add(dst, strip)
		c.stats.StripsPlaced++
		placed++
	}
	return placed
}

// extractStrip copies the w×h band at (x0, y0) of img into a float plane.
func extractStrip(img *image.Gray, x0, y0, w, h int) Plane {
	p := NewPlane(w, h)
	o := img.Rect.Min
	for y := 0; y < h; y++ {
		off := img.PixOffset(o.X+x0, o.Y+y0+y)
		src := img.Pix[off : off+w]
		dst := p.Pix[y*w : (y+1)*w]
		for x, v := range src {
			dst[x] = float64(v)
		}
	}
	return p
}
